package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorClass is the typed failure taxonomy shared by all adapters.
type ErrorClass string

const (
	ClassInvalidRequest ErrorClass = "invalid_request"
	ClassAuthentication ErrorClass = "authentication"
	ClassAccessDenied   ErrorClass = "access_denied"
	ClassNotFound       ErrorClass = "not_found"
	ClassRequestTimeout ErrorClass = "request_timeout"
	ClassContextLength  ErrorClass = "context_length"
	ClassContentFilter  ErrorClass = "content_filter"
	ClassRateLimit      ErrorClass = "rate_limit"
	ClassServer         ErrorClass = "server"
	ClassProvider       ErrorClass = "provider"
	ClassAbort          ErrorClass = "abort"
)

// APIError is a typed provider failure with its retryability flag.
type APIError struct {
	Class      ErrorClass
	Status     int
	Code       string
	Message    string
	Provider   string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%s, status %d)", e.Provider, e.Message, e.Class, e.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Class)
}

// IsRetryable reports whether err is an APIError marked retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

// NoObjectGeneratedError is returned by the structured-output layer when
// the model produced no parseable object.
type NoObjectGeneratedError struct {
	Reason string
	Raw    string
}

func (e *NoObjectGeneratedError) Error() string {
	return fmt.Sprintf("no object generated: %s", e.Reason)
}

// statusClasses is the fixed status → (class, retryable) table.
var statusClasses = map[int]struct {
	class     ErrorClass
	retryable bool
}{
	http.StatusBadRequest:            {ClassInvalidRequest, false},
	http.StatusUnauthorized:          {ClassAuthentication, false},
	http.StatusForbidden:             {ClassAccessDenied, false},
	http.StatusNotFound:              {ClassNotFound, false},
	http.StatusRequestTimeout:        {ClassRequestTimeout, true},
	http.StatusRequestEntityTooLarge: {ClassContextLength, false},
	http.StatusUnprocessableEntity:   {ClassInvalidRequest, false},
	http.StatusTooManyRequests:       {ClassRateLimit, true},
	http.StatusInternalServerError:   {ClassServer, true},
	http.StatusBadGateway:            {ClassServer, true},
	http.StatusServiceUnavailable:    {ClassServer, true},
	http.StatusGatewayTimeout:        {ClassServer, true},
}

// reclassifiable are the statuses whose class may be refined by message
// patterns; unknown statuses are always reclassifiable.
var reclassifiable = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnprocessableEntity:   true,
}

// MapHTTPError maps an upstream HTTP failure to a typed error. The human
// message is extracted from the body in a fixed order, the code from
// error.code or error.type, and a Retry-After header (integer seconds)
// is attached when present.
func MapHTTPError(status int, body []byte, provider string, headers http.Header) *APIError {
	message, code := extractErrorMessage(body)

	apiErr := &APIError{
		Status:   status,
		Code:     code,
		Message:  message,
		Provider: provider,
	}

	if entry, ok := statusClasses[status]; ok {
		apiErr.Class = entry.class
		apiErr.Retryable = entry.retryable
		if reclassifiable[status] {
			reclassify(apiErr)
		}
	} else {
		apiErr.Class = ClassProvider
		apiErr.Retryable = true
		reclassify(apiErr)
	}

	if headers != nil {
		if ra := strings.TrimSpace(headers.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return apiErr
}

// reclassify refines the class by scanning the message against fixed
// patterns. Reclassification always resets retryability to the new
// class's default.
func reclassify(e *APIError) {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"):
		e.Class = ClassNotFound
		e.Retryable = false
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid key"):
		e.Class = ClassAuthentication
		e.Retryable = false
	case strings.Contains(msg, "context length") || strings.Contains(msg, "too many tokens"):
		e.Class = ClassContextLength
		e.Retryable = false
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "safety"):
		e.Class = ClassContentFilter
		e.Retryable = false
	}
}

// extractErrorMessage pulls the human message and error code out of a
// provider error body. Order: error.message, message, error (string),
// stringified body, raw body.
func extractErrorMessage(body []byte) (message, code string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "unknown error", ""
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return trimmed, ""
	}

	if errObj, ok := parsed["error"].(map[string]any); ok {
		if c, ok := errObj["code"].(string); ok && c != "" {
			code = c
		} else if t, ok := errObj["type"].(string); ok {
			code = t
		}
		if m, ok := errObj["message"].(string); ok && m != "" {
			return m, code
		}
	}
	if m, ok := parsed["message"].(string); ok && m != "" {
		return m, code
	}
	if e, ok := parsed["error"].(string); ok && e != "" {
		return e, code
	}
	return trimmed, code
}
