package anthropic

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertRequestToOpenAI translates an Anthropic Messages request body into
// an OpenAI Chat Completions request body (spec.md §4.3.1). modelName is the
// already-mapped effective model to send upstream.
func ConvertRequestToOpenAI(modelName string, rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	if sys := root.Get("system"); sys.Exists() && sys.Type == gjson.String && sys.String() != "" {
		sysMsg := `{"role":"system","content":""}`
		sysMsg, _ = sjson.Set(sysMsg, "content", sys.String())
		out, _ = sjson.SetRaw(out, "messages.-1", sysMsg)
	}

	if messages := root.Get("messages"); messages.Exists() && messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			appendMessages(&out, msg)
			return true
		})
	}

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if stopSeq := root.Get("stop_sequences"); stopSeq.Exists() && stopSeq.IsArray() {
		var stops []string
		stopSeq.ForEach(func(_, v gjson.Result) bool {
			stops = append(stops, v.String())
			return true
		})
		if len(stops) > 0 {
			out, _ = sjson.Set(out, "stop", stops)
		}
	}
	if stream := root.Get("stream"); stream.Exists() {
		out, _ = sjson.Set(out, "stream", stream.Bool())
	}

	if tools := root.Get("tools"); tools.Exists() && tools.IsArray() {
		appendTools(&out, tools)
	}
	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		appendToolChoice(&out, toolChoice)
	}

	return []byte(out)
}

// appendMessages converts one Anthropic message into zero or more OpenAI
// messages, appended in place onto *out.
func appendMessages(out *string, msg gjson.Result) {
	role := msg.Get("role").String()
	content := msg.Get("content")

	// A plain string content short-circuits: no blocks to walk.
	if content.Type == gjson.String {
		m := `{"role":"","content":""}`
		m, _ = sjson.Set(m, "role", role)
		m, _ = sjson.Set(m, "content", content.String())
		*out, _ = sjson.SetRaw(*out, "messages.-1", m)
		return
	}
	if !content.IsArray() {
		return
	}

	var textParts []string
	var imageParts []string
	var toolUses []gjson.Result
	var toolResults []gjson.Result

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "image":
			mediaType := block.Get("source.media_type").String()
			data := block.Get("source.data").String()
			part := `{"type":"image_url","image_url":{"url":""}}`
			part, _ = sjson.Set(part, "image_url.url", "data:"+mediaType+";base64,"+data)
			imageParts = append(imageParts, part)
		case "tool_use":
			toolUses = append(toolUses, block)
		case "tool_result":
			toolResults = append(toolResults, block)
		}
		return true
	})

	if len(textParts) > 0 || len(imageParts) > 0 || len(toolUses) > 0 {
		m := `{"role":"","content":null}`
		m, _ = sjson.Set(m, "role", role)

		text := strings.Join(textParts, "")
		switch {
		case len(imageParts) > 0:
			m, _ = sjson.SetRaw(m, "content", "[]")
			if text != "" {
				textPart := `{"type":"text","text":""}`
				textPart, _ = sjson.Set(textPart, "text", text)
				m, _ = sjson.SetRaw(m, "content.-1", textPart)
			}
			for _, img := range imageParts {
				m, _ = sjson.SetRaw(m, "content.-1", img)
			}
		case text != "":
			m, _ = sjson.Set(m, "content", text)
		default:
			m, _ = sjson.Delete(m, "content")
		}

		if len(toolUses) > 0 && role == "assistant" {
			for _, tu := range toolUses {
				call := `{"type":"function","id":"","function":{"name":"","arguments":""}}`
				call, _ = sjson.Set(call, "id", tu.Get("id").String())
				call, _ = sjson.Set(call, "function.name", tu.Get("name").String())
				input := tu.Get("input")
				args := "{}"
				if input.Exists() {
					args = input.Raw
				}
				call, _ = sjson.Set(call, "function.arguments", args)
				m, _ = sjson.SetRaw(m, "tool_calls.-1", call)
			}
		}

		*out, _ = sjson.SetRaw(*out, "messages.-1", m)
	}

	for _, tr := range toolResults {
		toolMsg := `{"role":"tool","tool_call_id":"","content":""}`
		toolMsg, _ = sjson.Set(toolMsg, "tool_call_id", tr.Get("tool_use_id").String())
		toolMsg, _ = sjson.Set(toolMsg, "content", stringifyToolResultContent(tr.Get("content")))
		*out, _ = sjson.SetRaw(*out, "messages.-1", toolMsg)
	}
}

// stringifyToolResultContent renders an Anthropic tool_result's content
// (string or an array of blocks) as the flat string OpenAI tool messages
// expect.
func stringifyToolResultContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "")
	}
	return content.Raw
}

func appendTools(out *string, tools gjson.Result) {
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := `{"type":"function","function":{"name":"","description":""}}`
		fn, _ = sjson.Set(fn, "function.name", tool.Get("name").String())
		fn, _ = sjson.Set(fn, "function.description", tool.Get("description").String())
		fn, _ = sjson.SetRaw(fn, "function.parameters", cleanToolSchema(tool.Get("input_schema")))
		*out, _ = sjson.SetRaw(*out, "tools.-1", fn)
		return true
	})
}

func appendToolChoice(out *string, toolChoice gjson.Result) {
	switch toolChoice.Type {
	case gjson.String:
		switch toolChoice.String() {
		case "auto":
			*out, _ = sjson.Set(*out, "tool_choice", "auto")
		case "none":
			*out, _ = sjson.Set(*out, "tool_choice", "none")
		case "any", "required":
			*out, _ = sjson.Set(*out, "tool_choice", "required")
		}
	case gjson.JSON:
		switch toolChoice.Get("type").String() {
		case "auto":
			*out, _ = sjson.Set(*out, "tool_choice", "auto")
		case "any":
			*out, _ = sjson.Set(*out, "tool_choice", "required")
		case "tool":
			tc := `{"type":"function","function":{"name":""}}`
			tc, _ = sjson.Set(tc, "function.name", toolChoice.Get("name").String())
			*out, _ = sjson.SetRaw(*out, "tool_choice", tc)
		}
	}
}
