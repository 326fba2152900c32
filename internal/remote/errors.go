package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is returned for any non-2xx response the client does not
// handle itself.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("remote: %s %s: status %d: %s", e.Method, e.Path, e.Code, body)
}

// Retryable reports whether a later attempt of the same request may succeed:
// transport failures, request timeouts, throttling and server errors are
// retryable; every other status is a permanent rejection of the payload.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	switch {
	case se.Code == http.StatusRequestTimeout, se.Code == http.StatusTooManyRequests:
		return true
	case se.Code >= 500:
		return true
	}
	return false
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
