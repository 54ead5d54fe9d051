// Package log registers the "log" module, which lets scripts write lines to
// the runner's log stream without producing steps.
package log

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rlch/drover"
)

// Name is the module's registry name.
const Name = "log"

//nolint:gochecknoinits // Module self-registration pattern
func init() {
	drover.RegisterModule(Name, func(cfg drover.ModuleConfig) (drover.Module, error) {
		return New(cfg.String("prefix", "")), nil
	})
}

// Module forwards script messages to the worker's log channel.
type Module struct {
	prefix string
	log    drover.LogFunc
}

// New creates a log module. prefix is prepended to every line.
func New(prefix string) *Module {
	return &Module{prefix: prefix}
}

func (m *Module) Name() string             { return Name }
func (m *Module) IsInitialized() bool      { return true }
func (m *Module) SetLog(fn drover.LogFunc) { m.log = fn }

func (m *Module) Operations() map[string]drover.Operation {
	return map[string]drover.Operation{
		"debug": drover.Internal("debug(values...)", m.write("debug")),
		"info":  drover.Internal("info(values...)", m.write("info")),
		"warn":  drover.Internal("warn(values...)", m.write("warn")),
		"error": drover.Internal("error(values...)", m.write("error")),
	}
}

func (m *Module) write(level string) drover.OperationFunc {
	return func(_ context.Context, args []any) (any, error) {
		if m.log == nil {
			return nil, nil
		}

		parts := make([]string, 0, len(args)+1)
		if m.prefix != "" {
			parts = append(parts, m.prefix)
		}

		for _, a := range args {
			parts = append(parts, format(a))
		}

		m.log(level, strings.Join(parts, " "))

		return nil, nil
	}
}

// format renders strings as-is and structured values as JSON.
func format(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}

		return string(data)
	default:
		return fmt.Sprint(t)
	}
}
