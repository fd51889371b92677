package responses

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertResponseFromOpenAI translates a non-streaming OpenAI Chat
// Completions response into an OpenAI Responses API response (spec.md
// §4.3.4). originalModel is the client-requested model.
func ConvertResponseFromOpenAI(rawJSON []byte, originalModel string) []byte {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"response","status":"completed","output":[]}`
	id := root.Get("id").String()
	if id == "" {
		id = fmt.Sprintf("resp_%d", time.Now().UnixNano())
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "model", originalModel)
	out, _ = sjson.Set(out, "created_at", time.Now().Unix())

	choice := root.Get("choices.0")
	message := choice.Get("message")
	produced := false

	if toolCalls := message.Get("tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
		toolCalls.ForEach(func(_, tc gjson.Result) bool {
			item := `{"type":"function_call","call_id":"","name":"","arguments":""}`
			item, _ = sjson.Set(item, "call_id", tc.Get("id").String())
			item, _ = sjson.Set(item, "name", tc.Get("function.name").String())
			item, _ = sjson.Set(item, "arguments", tc.Get("function.arguments").String())
			out, _ = sjson.SetRaw(out, "output.-1", item)
			produced = true
			return true
		})
	}

	if content := message.Get("content"); content.Exists() && content.Type == gjson.String && content.String() != "" {
		part := `{"type":"output_text","text":"","annotations":[]}`
		part, _ = sjson.Set(part, "text", content.String())
		item := `{"type":"message","role":"assistant","content":[]}`
		item, _ = sjson.SetRaw(item, "content.-1", part)
		out, _ = sjson.SetRaw(out, "output.-1", item)
		produced = true
	}

	if !produced {
		item := `{"type":"message","role":"assistant","content":[{"type":"output_text","text":"","annotations":[]}]}`
		out, _ = sjson.SetRaw(out, "output.-1", item)
	}

	promptTokens := root.Get("usage.prompt_tokens").Int()
	completionTokens := root.Get("usage.completion_tokens").Int()
	out, _ = sjson.Set(out, "usage.input_tokens", promptTokens)
	out, _ = sjson.Set(out, "usage.output_tokens", completionTokens)
	out, _ = sjson.Set(out, "usage.total_tokens", promptTokens+completionTokens)

	return []byte(out)
}
