package hooks

import (
	"errors"
	"fmt"
)

var (
	// ErrSymbolNotFound means the kernel entry point could not be resolved.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrRegistrationRejected means the runtime refused to plant the interceptor.
	ErrRegistrationRejected = errors.New("registration rejected")
)

// HookError ties an install failure to the target that caused it
type HookError struct {
	Target string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s: %v", e.Target, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
