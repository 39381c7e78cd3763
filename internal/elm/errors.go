package elm

import "fmt"

// GracefulError is a non-fatal diagnostic accumulated while analysing ELM.
// It never aborts a computation; callers decide whether to log or surface it.
type GracefulError struct {
	Message string `json:"message"`
	LocalID string `json:"localId,omitempty"`
}

func (e GracefulError) Error() string {
	if e.LocalID != "" {
		return fmt.Sprintf("%s (localId %s)", e.Message, e.LocalID)
	}
	return e.Message
}

// Graceful builds a GracefulError with a formatted message.
func Graceful(localID, format string, args ...interface{}) GracefulError {
	return GracefulError{Message: fmt.Sprintf(format, args...), LocalID: localID}
}
