package contract

import "errors"

var (
	ErrModelInvoke      = errors.New("model invoke failed")
	ErrSchemaViolation  = errors.New("model response violates schema")
	ErrValidation       = errors.New("validation failed")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrDuplicateMessage = errors.New("duplicate message suppressed")
	ErrTaskNotFound     = errors.New("task not found")
	ErrStoreUnavailable = errors.New("status store unavailable")
)
