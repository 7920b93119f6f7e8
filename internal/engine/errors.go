package engine

import "errors"

// Engine errors.
var (
	ErrUnsupportedLayer   = errors.New("unsupported layer")
	ErrWorkspaceExceeded  = errors.New("workspace size exceeded")
	ErrCorruptEngine      = errors.New("corrupt engine")
	ErrIncompatibleEngine = errors.New("incompatible engine")
	ErrBindings           = errors.New("invalid bindings")
	ErrClosed             = errors.New("engine closed")
)
