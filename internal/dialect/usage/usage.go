// Package usage implements the Usage Estimator (C11): when an upstream
// response completes without a usage object, approximate prompt and
// completion token counts from the request/response bodies instead of
// leaving the record's token counts blank. Grounded on
// internal/runtime/executor/token_helpers.go's tiktoken-go usage in the
// teacher repo.
package usage

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// codecForModel picks a tiktoken-go codec approximating the given model's
// tokenization. Falls back to a generic codec for unrecognised model names
// so the estimate degrades gracefully instead of failing.
func codecForModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case sanitized == "":
		return tokenizer.Get(tokenizer.Cl100kBase)
	case strings.HasPrefix(sanitized, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(sanitized, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(sanitized, "gpt-3"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	case strings.HasPrefix(sanitized, "o1"):
		return tokenizer.ForModel(tokenizer.O1)
	case strings.HasPrefix(sanitized, "o3"):
		return tokenizer.ForModel(tokenizer.O3)
	default:
		return tokenizer.Get(tokenizer.O200kBase)
	}
}

// EstimatePromptTokens approximates the prompt token count of an outgoing
// OpenAI Chat Completions request body by walking its messages, tools, and
// tool_choice fields and counting the concatenated text.
func EstimatePromptTokens(model string, requestBody []byte) int {
	enc, err := codecForModel(model)
	if err != nil {
		return 0
	}
	var segments []string
	root := gjson.ParseBytes(requestBody)

	if sys := root.Get("messages"); sys.Exists() && sys.IsArray() {
		sys.ForEach(func(_, msg gjson.Result) bool {
			addIfNotEmpty(&segments, msg.Get("role").String())
			collectContent(msg.Get("content"), &segments)
			collectToolCalls(msg.Get("tool_calls"), &segments)
			return true
		})
	}
	if tools := root.Get("tools"); tools.Exists() && tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			addIfNotEmpty(&segments, tool.Get("function.name").String())
			addIfNotEmpty(&segments, tool.Get("function.description").String())
			if params := tool.Get("function.parameters"); params.Exists() {
				addIfNotEmpty(&segments, params.Raw)
			}
			return true
		})
	}
	if choice := root.Get("tool_choice"); choice.Exists() {
		addIfNotEmpty(&segments, choice.Raw)
	}

	return countTokens(enc, segments)
}

// EstimateCompletionTokens approximates the completion token count of an
// assembled assistant response: its text content plus any tool_calls
// arguments.
func EstimateCompletionTokens(model string, text string, toolCallArguments []string) int {
	enc, err := codecForModel(model)
	if err != nil {
		return 0
	}
	segments := append([]string{text}, toolCallArguments...)
	return countTokens(enc, segments)
}

func countTokens(enc tokenizer.Codec, segments []string) int {
	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0
	}
	count, err := enc.Count(joined)
	if err != nil {
		return 0
	}
	return count
}

func collectContent(content gjson.Result, segments *[]string) {
	if !content.Exists() {
		return
	}
	if content.Type == gjson.String {
		addIfNotEmpty(segments, content.String())
		return
	}
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text", "input_text", "output_text":
				addIfNotEmpty(segments, part.Get("text").String())
			case "image_url":
				addIfNotEmpty(segments, part.Get("image_url.url").String())
			default:
				addIfNotEmpty(segments, part.Raw)
			}
			return true
		})
	}
}

func collectToolCalls(calls gjson.Result, segments *[]string) {
	if !calls.Exists() || !calls.IsArray() {
		return
	}
	calls.ForEach(func(_, call gjson.Result) bool {
		addIfNotEmpty(segments, call.Get("function.name").String())
		addIfNotEmpty(segments, call.Get("function.arguments").String())
		return true
	})
}

func addIfNotEmpty(segments *[]string, s string) {
	if s != "" {
		*segments = append(*segments, s)
	}
}
