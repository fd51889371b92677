// Package dialect implements the Dialect Transformer (C3): detecting which
// of the three client wire dialects spec.md §4.3 names a request uses,
// rewriting the proxy path accordingly, and delegating to the anthropic/
// responses subpackages for request/response translation and to sse/ for
// the Anthropic streaming state machine.
package dialect

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Dialect is one of the three supported request/response shapes.
type Dialect string

const (
	OpenAIChat     Dialect = "openai-chat"
	Anthropic      Dialect = "anthropic"
	OpenAIResponse Dialect = "openai-responses"
)

// Detect classifies a raw JSON request body per spec.md §4.3: Responses API
// if input/instructions/previous_response_id is present; else Anthropic if
// system/stop_sequences/top_k is present; else OpenAI Chat Completions.
func Detect(rawJSON []byte) Dialect {
	root := gjson.ParseBytes(rawJSON)

	for _, field := range []string{"input", "instructions", "previous_response_id"} {
		if root.Get(field).Exists() {
			return OpenAIResponse
		}
	}
	for _, field := range []string{"system", "stop_sequences", "top_k"} {
		if root.Get(field).Exists() {
			return Anthropic
		}
	}
	return OpenAIChat
}

// NormalizePath rewrites an incoming proxy path per spec.md §4.3: the
// /claude/* and /openai/* prefixes are stripped, /v1/v1/... collapses to
// /v1/..., and dialect-translated requests are routed to the upstream's
// native /v1/chat/completions path. passthrough is true for requests
// forwarded without translation (pass-through Responses API requests),
// which keep their own path after the prefix and /v1/v1 rewrites.
func NormalizePath(path string, d Dialect, passthrough bool) string {
	p := path
	switch {
	case strings.HasPrefix(p, "/claude/"):
		p = strings.TrimPrefix(p, "/claude")
	case strings.HasPrefix(p, "/openai/"):
		p = strings.TrimPrefix(p, "/openai")
	}
	p = strings.Replace(p, "/v1/v1/", "/v1/", 1)

	if passthrough {
		return p
	}

	switch d {
	case Anthropic:
		if p == "/v1/messages" || p == "/messages" {
			return "/v1/chat/completions"
		}
	case OpenAIResponse:
		if p == "/v1/responses" || p == "/responses" {
			return "/v1/chat/completions"
		}
	}
	return p
}

// MatchesPassthroughPattern reports whether model matches any of the
// configured exact-or-"prefix*" passthrough patterns (spec.md §4.3.5).
func MatchesPassthroughPattern(model string, patterns []string) bool {
	for _, pat := range patterns {
		if pat == model {
			return true
		}
		if strings.HasSuffix(pat, "*") {
			prefix := strings.TrimSuffix(pat, "*")
			if prefix != "" && strings.HasPrefix(model, prefix) {
				return true
			}
		}
	}
	return false
}
