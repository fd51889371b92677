package anthropic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertResponseFromOpenAI translates a non-streaming OpenAI Chat
// Completions response into an Anthropic Messages response (spec.md
// §4.3.2). originalModel is the client-requested model name, which the
// translated response must echo back regardless of what the upstream used.
func ConvertResponseFromOpenAI(rawJSON []byte, originalModel string) []byte {
	root := gjson.ParseBytes(rawJSON)

	// Pass through unchanged if it's already Anthropic-shaped.
	if root.Get("type").String() == "message" && root.Get("content").Exists() {
		return rawJSON
	}

	out := `{"type":"message","role":"assistant","content":[]}`

	choice := root.Get("choices.0")
	message := choice.Get("message")

	blockCount := 0
	if text := message.Get("content"); text.Exists() && text.Type == gjson.String && text.String() != "" {
		block := `{"type":"text","text":""}`
		block, _ = sjson.Set(block, "text", text.String())
		out, _ = sjson.SetRaw(out, "content.-1", block)
		blockCount++
	}

	if toolCalls := message.Get("tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
		toolCalls.ForEach(func(_, tc gjson.Result) bool {
			block := `{"type":"tool_use","id":"","name":"","input":{}}`
			block, _ = sjson.Set(block, "id", tc.Get("id").String())
			block, _ = sjson.Set(block, "name", tc.Get("function.name").String())

			argsStr := tc.Get("function.arguments").String()
			var parsed any
			if argsStr != "" {
				if err := json.Unmarshal([]byte(argsStr), &parsed); err == nil {
					if raw, mErr := json.Marshal(parsed); mErr == nil {
						block, _ = sjson.SetRaw(block, "input", string(raw))
					}
				} else {
					block, _ = sjson.Set(block, "input.raw", argsStr)
				}
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
			blockCount++
			return true
		})
	}

	if blockCount == 0 {
		empty := `{"type":"text","text":""}`
		out, _ = sjson.SetRaw(out, "content.-1", empty)
	}

	out, _ = sjson.Set(out, "stop_reason", MapFinishReason(choice.Get("finish_reason").String()))
	out, _ = sjson.Set(out, "stop_sequence", nil)

	id := root.Get("id").String()
	if id == "" {
		id = fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "model", originalModel)

	promptTokens := root.Get("usage.prompt_tokens").Int()
	completionTokens := root.Get("usage.completion_tokens").Int()
	out, _ = sjson.Set(out, "usage.input_tokens", promptTokens)
	out, _ = sjson.Set(out, "usage.output_tokens", completionTokens)

	return []byte(out)
}

// MapFinishReason implements the finish_reason -> stop_reason mapping
// spec.md §4.3.2 documents.
func MapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// MapStopReason is the inverse of MapFinishReason on its documented set
// (round-trip property in spec.md §8). No gateway code path calls it; only
// the round-trip tests use it.
func MapStopReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
