// Package classifier implements the gateway's Error Classifier (C1): it maps
// a transport error or an upstream HTTP response to a closed ErrorKind plus
// the retry/key-rotation decision spec.md §4.1 assigns to it.
package classifier

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the closed set of error categories spec.md §3 names.
type Kind string

const (
	KindRateLimit     Kind = "rate_limit"
	KindAuthFailure   Kind = "auth_failure"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindTimeout       Kind = "timeout"
	KindNetwork       Kind = "network"
	KindUpstream      Kind = "upstream"
	KindInvalidReq    Kind = "invalid_request"
	KindUnknown       Kind = "unknown"
)

// Result is the classifier's verdict for a single error observation.
type Result struct {
	Kind            Kind
	Retryable       bool
	ShouldRotateKey bool
	Message         string
}

// ClassifyTransport classifies a transport-level failure (no HTTP response
// was received at all): dial errors, timeouts, context cancellation.
func ClassifyTransport(err error) Result {
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "etimedout"):
		return Result{Kind: KindTimeout, Retryable: true, ShouldRotateKey: false, Message: err.Error()}
	case containsAny(msg, "econnrefused", "enotfound", "network", "socket", "fetch failed"):
		return Result{Kind: KindNetwork, Retryable: true, ShouldRotateKey: false, Message: err.Error()}
	default:
		return Result{Kind: KindUnknown, Retryable: true, ShouldRotateKey: false, Message: err.Error()}
	}
}

// ClassifyHTTP classifies an upstream HTTP response by status code, decoding
// body to extract a human-readable message where possible. body may be nil.
func ClassifyHTTP(status int, body []byte) Result {
	message := extractMessage(body)

	switch {
	case status == 401 || status == 403:
		return Result{Kind: KindAuthFailure, Retryable: false, ShouldRotateKey: true, Message: defaultMessage(message, "authentication failed")}
	case status == 429:
		return Result{Kind: KindRateLimit, Retryable: true, ShouldRotateKey: true, Message: defaultMessage(message, "rate limited")}
	case status == 402:
		return Result{Kind: KindQuotaExceeded, Retryable: false, ShouldRotateKey: true, Message: defaultMessage(message, "quota exceeded")}
	case status == 400 || status == 404:
		return Result{Kind: KindInvalidReq, Retryable: false, ShouldRotateKey: false, Message: defaultMessage(message, "invalid request")}
	case status >= 500 && status < 600:
		return Result{Kind: KindUpstream, Retryable: true, ShouldRotateKey: false, Message: defaultMessage(message, "upstream error")}
	case status >= 400 && status < 500:
		return Result{Kind: KindInvalidReq, Retryable: false, ShouldRotateKey: false, Message: defaultMessage(message, "invalid request")}
	default:
		return Result{Kind: KindUnknown, Retryable: true, ShouldRotateKey: false, Message: defaultMessage(message, "unknown error")}
	}
}

func defaultMessage(extracted, fallback string) string {
	if extracted != "" {
		return extracted
	}
	return fallback
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// extractMessage tries, in order, the error body shapes spec.md §4.1 step 3
// names: {error:{message,code|type}}, {type:"error",error:{message,type}},
// {message,code?}, or a bare string.
func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	root := gjson.ParseBytes(body)

	if msg := root.Get("error.message"); msg.Exists() {
		return msg.String()
	}
	if root.Get("type").String() == "error" {
		if msg := root.Get("error.message"); msg.Exists() {
			return msg.String()
		}
	}
	if msg := root.Get("message"); msg.Exists() {
		return msg.String()
	}
	if root.Type == gjson.String {
		return root.String()
	}
	return ""
}
