package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rlch/drover"
	"github.com/rlch/drover/classify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/users/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":1,"name":"ann","token":"`+r.Header.Get("X-Token")+`"}`)
	})
	mux.HandleFunc("/cart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"sku": body["sku"], "type": r.Header.Get("Content-Type")})
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func call(t *testing.T, m *Module, op string, args ...any) (map[string]any, error) {
	t.Helper()

	out, err := m.Operations()[op].Fn(context.Background(), args)
	if err != nil {
		return nil, err
	}

	res, ok := out.(map[string]any)
	require.True(t, ok)

	return res, nil
}

func TestGet(t *testing.T) {
	srv := newServer(t)

	m, err := New(drover.ModuleConfig{"baseURL": srv.URL, "headers": map[string]any{"X-Token": "t0"}})
	require.NoError(t, err)

	res, err := call(t, m, "get", "/users/1")
	require.NoError(t, err)

	assert.Equal(t, 200, res["status"])
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, map[string]any{"id": float64(1), "name": "ann", "token": "t0"}, res["json"])

	stats := m.LastStats()
	assert.Equal(t, float64(200), stats["status"])
	assert.Positive(t, stats["bytes"])
	assert.Contains(t, stats, "ttfb_ms")
}

func TestHeaderOverride(t *testing.T) {
	srv := newServer(t)

	m, err := New(drover.ModuleConfig{"baseURL": srv.URL})
	require.NoError(t, err)

	_, err = m.Operations()["header"].Fn(context.Background(), []any{"X-Token", "abc"})
	require.NoError(t, err)

	res, err := call(t, m, "get", "/users/1", map[string]any{"X-Extra": 1})
	require.NoError(t, err)
	assert.Equal(t, "abc", res["json"].(map[string]any)["token"])
}

func TestPostJSON(t *testing.T) {
	srv := newServer(t)

	m, err := New(drover.ModuleConfig{})
	require.NoError(t, err)

	res, err := call(t, m, "post", srv.URL+"/cart", map[string]any{"sku": "A1"})
	require.NoError(t, err)

	assert.Equal(t, 201, res["status"])
	assert.Equal(t, "A1", res["json"].(map[string]any)["sku"])
	assert.Equal(t, "application/json", res["json"].(map[string]any)["type"])

	artifact, err := m.TakeFailureArtifact(context.Background(), "x")
	require.NoError(t, err)

	var ex exchange
	require.NoError(t, json.Unmarshal(artifact, &ex))
	assert.Equal(t, http.MethodPost, ex.Method)
	assert.JSONEq(t, `{"sku":"A1"}`, ex.Request)
	assert.Equal(t, 201, ex.Status)
}

func TestErrorStatusIsAValue(t *testing.T) {
	srv := newServer(t)

	m, err := New(drover.ModuleConfig{"baseURL": srv.URL})
	require.NoError(t, err)

	res, err := call(t, m, "get", "/cart")
	require.NoError(t, err)
	assert.Equal(t, 405, res["status"])
	assert.Equal(t, false, res["ok"])
}

func TestTimeout(t *testing.T) {
	srv := newServer(t)

	m, err := New(drover.ModuleConfig{"baseURL": srv.URL, "timeout": "50ms"})
	require.NoError(t, err)

	_, err = call(t, m, "get", "/slow")
	require.Error(t, err)
	assert.Equal(t, drover.KindTimeout, classify.Classify(err, Name, "get").Kind)
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	m, err := New(drover.ModuleConfig{"baseURL": addr})
	require.NoError(t, err)

	_, err = call(t, m, "get", "/")
	require.Error(t, err)
	assert.Equal(t, drover.KindConnection, classify.Classify(err, Name, "get").Kind)
}

func TestRelativeWithoutBase(t *testing.T) {
	m, err := New(drover.ModuleConfig{})
	require.NoError(t, err)

	_, err = call(t, m, "get", "/users")
	assert.Equal(t, drover.KindInvalidArgument, classify.Classify(err, Name, "get").Kind)
}

func TestNoArtifactBeforeRequest(t *testing.T) {
	m, err := New(drover.ModuleConfig{})
	require.NoError(t, err)

	data, err := m.TakeFailureArtifact(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, data)
}
