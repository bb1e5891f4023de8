package filter

import "fmt"

// Hook names used in FilterHookError and logs.
const (
	HookControlIn  = "control_in"
	HookControlOut = "control_out"
	HookInToken    = "in_token"
	HookIn         = "in"
	HookOut        = "out"
)

// FilterHookError wraps a failure returned (or panicked) by a filter hook.
type FilterHookError struct {
	Filter string
	Hook   string
	Err    error
}

func (e *FilterHookError) Error() string {
	return fmt.Sprintf("filter %s: %s hook: %v", e.Filter, e.Hook, e.Err)
}

func (e *FilterHookError) Unwrap() error {
	return e.Err
}
