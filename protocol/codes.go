package protocol

import "fmt"

// Error codes carried in the error envelope.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeDeviceNotFound  = "DEVICE_NOT_FOUND"
	CodeDeviceInactive  = "DEVICE_INACTIVE"
	CodeCommandNotFound = "COMMAND_NOT_FOUND"
	CodeBatchNotFound   = "BATCH_NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error is the body of a failed response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
