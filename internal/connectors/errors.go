package connectors

import (
	"fmt"
	"net/http"
	"time"
)

// ThrottleError: платформа попросила подождать (429/503 с Retry-After, ResourceExhausted в gRPC).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// StatusError: неуспешный HTTP ответ платформы.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary сообщает, имеет ли смысл повторять запрос. Повторяем 5xx, 408 и 429, остальные 4xx нет.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}
