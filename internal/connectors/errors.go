package connectors

import (
	"fmt"
	"time"
)

// ThrottleError: коннектор просит подождать RetryAfter перед повтором.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// RemoteError: коннектор ответил ошибкой бизнес-уровня.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("connector returned error [%d] %s: %s", e.Status, e.Code, e.Message)
}
