package tools

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry lookups and contract violations. Callers
// branch with errors.Is.
var (
	ErrAlreadyRegistered = errors.New("tool already registered")
	ErrToolNotFound      = errors.New("tool not found")
	ErrNoHandler         = errors.New("tool has no handler")
	ErrInvalidInput      = errors.New("tool input invalid")
	ErrInvalidOutput     = errors.New("tool output invalid")
)

// contractError wraps a sentinel with the tool name and the validator's
// message so the planner sees exactly what failed.
func contractError(kind error, name string, err error) error {
	return fmt.Errorf("%w: %s: %v", kind, name, err)
}
