package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/felipepmaragno/llm-duel/internal/httputil"
)

// ErrMalformedResponse is returned by vendor clients when a 2xx reply does
// not carry the fields they need.
var ErrMalformedResponse = errors.New("malformed response")

// APIError is a vendor-reported failure.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		if e.Message == "" {
			return "vendor error"
		}
		return e.Message
	}

	label := statusLabel(e.StatusCode)
	if e.Message == "" {
		return fmt.Sprintf("%s (status %d)", label, e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d): %s", label, e.StatusCode, e.Message)
}

func statusLabel(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication failed"
	case status == http.StatusNotFound:
		return "model or endpoint not found"
	case status == http.StatusTooManyRequests:
		return "rate limited"
	case status >= 500:
		return "vendor unavailable"
	case status >= 400:
		return "request rejected"
	default:
		return "vendor error"
	}
}

// ParseAPIError reads the common vendor error body shapes:
//
//	{"error": {"message": "...", "type": "..."}}
//	{"error": "..."}
//	{"message": "..."}
//	[{"error": {...}}]   (Gemini on some endpoints)
func ParseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if json.Unmarshal([]byte(trimmed), &list) == nil && len(list) > 0 {
			trimmed = string(list[0])
		}
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		apiErr.Message = shorten(trimmed)
		return apiErr
	}

	if len(envelope.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
		}
		var plain string
		switch {
		case json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "":
			apiErr.Message = nested.Message
			apiErr.Type = nested.Type
			if apiErr.Type == "" {
				apiErr.Type = nested.Status
			}
		case json.Unmarshal(envelope.Error, &plain) == nil:
			apiErr.Message = plain
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = envelope.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = envelope.Detail
	}

	apiErr.Message = shorten(apiErr.Message)
	return apiErr
}

// describeError turns any error from a vendor client into the one-line
// message surfaced in a failed result.
func describeError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}

	var statusErr *httputil.StatusError
	if errors.As(err, &statusErr) {
		return ParseAPIError(statusErr.StatusCode, statusErr.Body).Error()
	}

	var decodeErr *httputil.DecodeError
	if errors.As(err, &decodeErr) || errors.Is(err, ErrMalformedResponse) {
		return "malformed response from vendor"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "request timed out"
		}
		return "network error"
	}

	return "request failed"
}

const maxMessageBytes = 300

// shorten caps s at maxMessageBytes without splitting a UTF-8 sequence.
func shorten(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxMessageBytes {
		return s
	}
	cut := maxMessageBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
