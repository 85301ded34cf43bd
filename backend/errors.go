package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrServiceNotFound is returned when Call targets a service with no route
// and no local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("backend: service not routable: %s", e.Service)
}

// ErrCircuitOpen is returned when the breaker for a service is open and the
// call was rejected without reaching the network.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("backend: circuit open: %s", e.Service)
}

// ErrTransport wraps a failure to reach the backend or to read its answer.
type ErrTransport struct {
	Service string
	Cause   error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("backend: %s: transport: %v", e.Service, e.Cause)
}

func (e *ErrTransport) Unwrap() error { return e.Cause }

// ErrStatus is a non-2xx HTTP answer. Body is kept whole: backends often
// send business rejections as 4xx with a JSON body.
type ErrStatus struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *ErrStatus) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Service, e.StatusCode, body)
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("backend: handler panicked: %v", e.Value)
}

// IsTransport reports whether err means "the backend could not be reached
// or failed on its side", as opposed to a business answer. Transport-class
// errors are queued offline and flip the station to offline.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var (
		te  *ErrTransport
		co  *ErrCircuitOpen
		st  *ErrStatus
		snf *ErrServiceNotFound
		pe  *ErrPanic
	)
	switch {
	case errors.As(err, &te), errors.As(err, &co), errors.As(err, &snf), errors.As(err, &pe):
		return true
	case errors.As(err, &st):
		return st.StatusCode >= 500 || st.StatusCode == 408 || st.StatusCode == 429
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	var co *ErrCircuitOpen
	if errors.As(err, &co) {
		return false
	}
	var snf *ErrServiceNotFound
	if errors.As(err, &snf) {
		return false
	}
	return IsTransport(err)
}
