package protocol

// Status is the numeric status carried in every response envelope.
// Zero means success; everything else is an error class. Parsers rely on
// the envelope status, never on the HTTP status line.
type Status uint16

const (
	StatusSuccess Status = 0
	StatusPanic   Status = 500

	StatusValidationError Status = 1400
	StatusUnauthorized    Status = 1401
	StatusForbidden       Status = 1403
	StatusNotFound        Status = 1404
	StatusConflict        Status = 1409
	StatusInvalidRequest  Status = 1422
	StatusInternalError   Status = 1500
	StatusOperationError  Status = 1600
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPanic:
		return "panic"
	case StatusValidationError:
		return "validation_error"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "not_found"
	case StatusConflict:
		return "conflict"
	case StatusInvalidRequest:
		return "invalid_request"
	case StatusInternalError:
		return "internal_error"
	case StatusOperationError:
		return "operation_error"
	default:
		return "unknown"
	}
}

// Code is the stable string error code. Codes are the public API;
// messages are advisory.
type Code string

const (
	// Path safety
	CodeInvalidPath       Code = "invalid_path"
	CodePathTraversal     Code = "path_traversal_detected"

	// File I/O
	CodeFileNotFound      Code = "file_not_found"
	CodeDirNotFound       Code = "directory_not_found"
	CodeNotADirectory     Code = "not_a_directory"
	CodeDirNotEmpty       Code = "directory_not_empty"
	CodeFileTooLarge      Code = "file_too_large"
	CodeDiskFull          Code = "disk_full"
	CodeFileOperation     Code = "file_operation_error"

	// Processes
	CodeProcessNotFound   Code = "process_not_found"
	CodeInvalidSignal     Code = "invalid_signal"
	CodeOperationTimeout  Code = "operation_timeout"

	// Sessions
	CodeSessionNotFound   Code = "session_not_found"
	CodeSessionTerminated Code = "session_terminated"
	CodeSessionTimeout    Code = "session_timeout"

	// Auth
	CodeUnauthorized      Code = "unauthorized"
	CodeInvalidToken      Code = "invalid_token"
	CodeTokenExpired      Code = "token_expired"

	// Generic request errors
	CodeValidation        Code = "validation_error"
	CodeInvalidRequest    Code = "invalid_request"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"

	// Server faults
	CodeInternal          Code = "internal_error"
	CodePanic             Code = "panic"
	CodeServiceUnavailable Code = "service_unavailable"
	CodeConnectionFailed  Code = "connection_failed"
	CodeConnectionTimeout Code = "connection_timeout"

	// Client-side
	CodeDevboxNotFound    Code = "devbox_not_found"
	CodeDevboxNotReady    Code = "devbox_not_ready"
	CodePoolExhausted     Code = "connection_pool_exhausted"
)

// retryable is the closed set of codes the client may retry with backoff.
// Everything else fails fast; a generic "looks transient" heuristic is
// deliberately absent.
var retryable = map[Code]struct{}{
	CodeOperationTimeout:   {},
	CodeSessionTimeout:     {},
	CodeConnectionTimeout:  {},
	CodeInternal:           {},
	CodePanic:              {},
	CodeServiceUnavailable: {},
	CodeConnectionFailed:   {},
	CodeDevboxNotReady:     {},
	CodePoolExhausted:      {},
	CodeDiskFull:           {},
}

// Retryable reports whether an operation failing with this code may be
// retried.
func (c Code) Retryable() bool {
	_, ok := retryable[c]
	return ok
}

// DefaultStatus maps a code to the numeric status class it rides in when
// the producer does not pick one explicitly.
func (c Code) DefaultStatus() Status {
	switch c {
	case CodeInvalidPath, CodePathTraversal, CodeFileTooLarge, CodeValidation:
		return StatusValidationError
	case CodeFileNotFound, CodeDirNotFound, CodeProcessNotFound,
		CodeSessionNotFound, CodeNotFound, CodeDevboxNotFound:
		return StatusNotFound
	case CodeUnauthorized, CodeInvalidToken, CodeTokenExpired:
		return StatusUnauthorized
	case CodeDirNotEmpty, CodeConflict, CodeSessionTerminated:
		return StatusConflict
	case CodeInvalidRequest, CodeInvalidSignal:
		return StatusInvalidRequest
	case CodeNotADirectory:
		return StatusValidationError
	case CodePanic:
		return StatusPanic
	case CodeOperationTimeout, CodeSessionTimeout, CodeConnectionTimeout,
		CodeDevboxNotReady, CodePoolExhausted, CodeDiskFull:
		return StatusOperationError
	default:
		return StatusInternalError
	}
}
