// Package http registers the "http" module, an API driver that issues HTTP
// requests from scripts and hands responses back as plain values.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rlch/drover"
)

// Name is the module's registry name.
const Name = "http"

const (
	defaultTimeout = 30 * time.Second
	maxBody        = 10 << 20
)

//nolint:gochecknoinits // Module self-registration pattern
func init() {
	drover.RegisterModule(Name, func(cfg drover.ModuleConfig) (drover.Module, error) {
		return New(cfg)
	})
}

// Module is an HTTP client driven by scripts.
type Module struct {
	client  *http.Client
	base    *url.URL
	headers map[string]string

	last      *exchange
	lastStats map[string]float64
}

// exchange is the last request and response, kept for failure artifacts.
type exchange struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Request  string            `json:"request,omitempty"`
	Status   int               `json:"status,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Response string            `json:"response,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// New creates an http module. Options: baseURL, timeout and headers.
func New(cfg drover.ModuleConfig) (*Module, error) {
	m := &Module{
		client:  &http.Client{Timeout: cfg.Duration("timeout", defaultTimeout)},
		headers: map[string]string{},
	}

	if raw := cfg.String("baseURL", ""); raw != "" {
		base, err := url.Parse(raw)
		if err != nil {
			return nil, drover.WrapError(drover.KindInvalidArgument, fmt.Errorf("http: baseURL: %w", err))
		}

		m.base = base
	}

	if hs, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range hs {
			m.headers[k] = fmt.Sprint(v)
		}
	}

	return m, nil
}

func (m *Module) Name() string        { return Name }
func (m *Module) IsInitialized() bool { return true }

// LastStats reports the timing of the most recent request.
func (m *Module) LastStats() map[string]float64 {
	return m.lastStats
}

// TakeFailureArtifact dumps the last exchange as JSON.
func (m *Module) TakeFailureArtifact(_ context.Context, _ string) ([]byte, error) {
	if m.last == nil {
		return nil, nil
	}

	return json.MarshalIndent(m.last, "", "  ")
}

func (m *Module) Operations() map[string]drover.Operation {
	return map[string]drover.Operation{
		"get":    drover.Public("get(url, headers?)", m.verb(http.MethodGet, false)),
		"delete": drover.Public("delete(url, headers?)", m.verb(http.MethodDelete, false)),
		"post":   drover.Public("post(url, body?, headers?)", m.verb(http.MethodPost, true)),
		"put":    drover.Public("put(url, body?, headers?)", m.verb(http.MethodPut, true)),
		"patch":  drover.Public("patch(url, body?, headers?)", m.verb(http.MethodPatch, true)),
		"header": drover.Internal("header(name, value)", func(_ context.Context, args []any) (any, error) {
			name, err := drover.Arg[string](args, 0, "name")
			if err != nil {
				return nil, err
			}

			value, err := drover.OptArg(args, 1, "value", "")
			if err != nil {
				return nil, err
			}

			if value == "" {
				delete(m.headers, name)
			} else {
				m.headers[name] = value
			}

			return nil, nil
		}),
	}
}

func (m *Module) verb(method string, hasBody bool) drover.OperationFunc {
	return func(ctx context.Context, args []any) (any, error) {
		target, err := drover.Arg[string](args, 0, "url")
		if err != nil {
			return nil, err
		}

		var body any

		hi := 1
		if hasBody {
			if len(args) > 1 {
				body = args[1]
			}

			hi = 2
		}

		headers, err := drover.OptArg(args, hi, "headers", map[string]any(nil))
		if err != nil {
			return nil, err
		}

		return m.do(ctx, method, target, body, headers)
	}
}

func (m *Module) resolve(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", drover.WrapError(drover.KindInvalidArgument, err)
	}

	if m.base != nil && !u.IsAbs() {
		u = m.base.ResolveReference(u)
	}

	if !u.IsAbs() {
		return "", drover.Errorf(drover.KindInvalidArgument, "url %q is not absolute and no baseURL is set", target)
	}

	return u.String(), nil
}

func (m *Module) do(ctx context.Context, method, target string, body any, headers map[string]any) (any, error) {
	target, err := m.resolve(target)
	if err != nil {
		return nil, err
	}

	reqBody, contentType, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(reqBody))
	if err != nil {
		return nil, drover.WrapError(drover.KindInvalidArgument, err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for k, v := range m.headers {
		req.Header.Set(k, v)
	}

	for k, v := range headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	m.last = &exchange{Method: method, URL: target, Request: string(reqBody)}

	start := time.Now()

	resp, err := m.client.Do(req)
	if err != nil {
		m.last.Error = err.Error()
		m.lastStats = map[string]float64{"duration_ms": msSince(start)}

		return nil, fmt.Errorf("http: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	ttfb := msSince(start)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		m.last.Error = err.Error()

		return nil, fmt.Errorf("http: %s %s: reading body: %w", method, target, err)
	}

	m.lastStats = map[string]float64{
		"duration_ms": msSince(start),
		"ttfb_ms":     ttfb,
		"bytes":       float64(len(data)),
		"status":      float64(resp.StatusCode),
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	m.last.Status = resp.StatusCode
	m.last.Headers = maps.Clone(respHeaders)
	m.last.Response = string(data)

	out := map[string]any{
		"status":  resp.StatusCode,
		"ok":      resp.StatusCode < http.StatusBadRequest,
		"body":    string(data),
		"headers": respHeaders,
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(data) > 0 {
		var decoded any
		if json.Unmarshal(data, &decoded) == nil {
			out["json"] = decoded
		}
	}

	return out, nil
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", drover.WrapError(drover.KindInvalidArgument, fmt.Errorf("http: encoding body: %w", err))
		}

		return data, "application/json", nil
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
