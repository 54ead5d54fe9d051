package drover

import "maps"

// ExecutionContext is the data bound into a script's scope for one run.
// Vars is the only part a script may change and it survives across the
// iterations of one lane; the rest is rebuilt for every iteration.
type ExecutionContext struct {
	Params map[string]any    `json:"params"`
	Env    map[string]string `json:"env"`
	Vars   map[string]any    `json:"vars"`
	Caps   Capabilities      `json:"caps"`
}

// NewExecutionContext builds a context with non-nil maps.
func NewExecutionContext(params map[string]any, env map[string]string, vars map[string]any, caps Capabilities) ExecutionContext {
	if params == nil {
		params = map[string]any{}
	}

	if env == nil {
		env = map[string]string{}
	}

	if vars == nil {
		vars = map[string]any{}
	}

	return ExecutionContext{
		Params: params,
		Env:    env,
		Vars:   vars,
		Caps:   caps.Clone(),
	}
}

// Clone copies the top level of every bag.
func (c ExecutionContext) Clone() ExecutionContext {
	return ExecutionContext{
		Params: maps.Clone(c.Params),
		Env:    maps.Clone(c.Env),
		Vars:   maps.Clone(c.Vars),
		Caps:   c.Caps.Clone(),
	}
}
