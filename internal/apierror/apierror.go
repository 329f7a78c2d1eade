// Package apierror classifies provider failures into a small set of kinds
// with messages that are safe to show to an end user.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"llmarena/internal/providers"
)

type Kind string

const (
	InvalidRequest      Kind = "invalid_request"
	Unauthorized        Kind = "unauthorized"
	RateLimited         Kind = "rate_limited"
	BadRequest          Kind = "bad_request"
	NotFound            Kind = "not_found"
	ProviderUnavailable Kind = "provider_unavailable"
	Timeout             Kind = "timeout"
	NetworkError        Kind = "network_error"
	Unknown             Kind = "unknown"
)

// ErrInvalidRequest is the only error the orchestrator returns; every other
// failure is reported per selection.
var ErrInvalidRequest = errors.New("invalid run request")

const (
	MsgRateLimited         = "Rate limit exceeded. Please wait before trying again."
	MsgUnauthorized        = "Authentication failed. The API key may be invalid, expired, or missing billing."
	MsgBadRequest          = "Bad request. The model ID may be incorrect or the input format was rejected."
	MsgNotFound            = "Model not found. This model may not exist or you may not have access to it."
	MsgProviderUnavailable = "The provider's API is experiencing issues. Please try again later."
	MsgUnknown             = "An error occurred. Please check your API key and model settings."
	MsgMissingKey          = "No API key is connected for this provider."
	MsgTimeout             = "The provider did not respond before the deadline."
	MsgCanceled            = "The run was cancelled before the provider responded."
	MsgNetwork             = "Could not reach the provider. Please check the network connection."
)

type Normalized struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Normalize maps an HTTP status and raw body to an error kind and a user
// facing message. It never returns the body verbatim.
func Normalize(status int, body string) Normalized {
	switch {
	case status == http.StatusTooManyRequests:
		return Normalized{Kind: RateLimited, Message: MsgRateLimited}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Normalized{Kind: Unauthorized, Message: MsgUnauthorized}
	case status == http.StatusBadRequest:
		return Normalized{Kind: BadRequest, Message: orFallback(structuredMessage(body), MsgBadRequest)}
	case status == http.StatusNotFound:
		return Normalized{Kind: NotFound, Message: orFallback(structuredMessage(body), MsgNotFound)}
	case status >= 500:
		return Normalized{Kind: ProviderUnavailable, Message: MsgProviderUnavailable}
	}

	candidate := structuredMessage(body)
	if candidate == "" {
		candidate = clean(body)
	}
	return Normalized{Kind: Unknown, Message: orFallback(candidate, MsgUnknown)}
}

// FromError classifies the error returned by a provider client.
func FromError(err error) Normalized {
	if err == nil {
		return Normalized{}
	}
	var se *providers.StatusError
	if errors.As(err, &se) {
		return Normalize(se.Status, se.Body)
	}
	return FromTransport(err)
}

// FromTransport classifies a failure that happened before a status code was
// obtained. A cancelled caller is reported as Timeout, the closest kind, but
// with its own message.
func FromTransport(err error) Normalized {
	if errors.Is(err, context.DeadlineExceeded) {
		return Normalized{Kind: Timeout, Message: MsgTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return Normalized{Kind: Timeout, Message: MsgCanceled}
	}
	return Normalized{Kind: NetworkError, Message: MsgNetwork}
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// structuredMessage pulls a message out of a JSON error body. Supported
// shapes, in order: {"error":{"message":…}}, {"message":…}, {"error":"…"}.
func structuredMessage(body string) string {
	doc, ok := parseObject(body)
	if !ok {
		return ""
	}
	if nested, ok := doc["error"].(map[string]any); ok {
		if msg, ok := nested["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return clean(msg)
		}
	}
	if msg, ok := doc["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return clean(msg)
	}
	if msg, ok := doc["error"].(string); ok && strings.TrimSpace(msg) != "" {
		return clean(msg)
	}
	return ""
}

func parseObject(body string) (map[string]any, bool) {
	body = strings.TrimSpace(body)
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err == nil {
		return doc, true
	}
	// Some gateways wrap the JSON document in a text prefix.
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func clean(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "`", "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// orFallback rejects empty candidates and anything that still looks like a
// structured payload.
func orFallback(candidate, fallback string) string {
	if candidate == "" || strings.ContainsAny(candidate, "{}") {
		return fallback
	}
	return candidate
}
