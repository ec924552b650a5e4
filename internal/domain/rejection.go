package domain

// RejectionError is a user-visible admission rejection. The API layer maps the
// code onto an HTTP status; everything carried here is safe to show a caller.
type RejectionError struct {
	Code       string
	Message    string
	RetryAfter int // seconds, only set for rate limit rejections
}

func (e *RejectionError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// NewRejection builds a rejection with a caller-facing message.
func NewRejection(code, message string) *RejectionError {
	return &RejectionError{Code: code, Message: message}
}
