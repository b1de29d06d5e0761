package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	"github.com/segmentio/kafka-go"
)

const (
	CodeTimeout      = "Timeout"
	CodeCanceled     = "Canceled"
	CodeUnknown      = "Unknown"
	CodeMarshal      = "MarshalError"
	CodeMalformedMsg = "MalformedMessage"
)

// PublishError is returned when the primary publish fails. DLQ reports what happened to the
// dead-letter copy.
type PublishError struct {
	Queue string
	Code  string
	DLQ   DLQOutcome
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %s: %v", e.Queue, e.Code, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

var transientCodes = map[string]bool{
	"Throttling":                      true,
	"ThrottlingException":             true,
	"RequestThrottled":                true,
	"RequestThrottledException":       true,
	"TooManyRequestsException":        true,
	"ServiceUnavailable":              true,
	"InternalError":                   true,
	"InternalFailure":                 true,
	"RequestTimeout":                  true,
	"KmsThrottled":                    true,
	"AWS.SimpleQueueService.Throttle": true,
	CodeTimeout:                       true,
}

// ErrorCode maps transport errors to a stable, machine-readable code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if kErr, ok := kafkaError(err); ok {
		return kErr.Title()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeUnknown
}

// IsTransient reports whether a retry later could succeed: throttling, timeouts, 5xx responses
// and temporary kafka errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if transientCodes[ErrorCode(err)] {
		return true
	}
	if kErr, ok := kafkaError(err); ok {
		return kErr.Temporary() || kErr.Timeout()
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() >= http.StatusInternalServerError {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// kafkaError unwraps the per-message errors returned by kafka.Writer.
func kafkaError(err error) (kafka.Error, bool) {
	var kErr kafka.Error
	if errors.As(err, &kErr) {
		return kErr, true
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && errors.As(e, &kErr) {
				return kErr, true
			}
		}
	}
	return 0, false
}
