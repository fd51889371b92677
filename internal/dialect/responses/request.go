// Package responses translates between the OpenAI Responses API and OpenAI
// Chat Completions (spec.md §4.3.4), grounded on this codebase's other
// gjson/sjson-driven dialect converters.
package responses

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// pendingToolCall is one function_call item waiting to be flushed into an
// assistant tool_calls message once a function_call_output (or the next
// message) forces the buffer closed.
type pendingToolCall struct {
	callID    string
	name      string
	arguments string
}

// ConvertRequestToOpenAI translates a Responses API request body into an
// OpenAI Chat Completions request body (spec.md §4.3.4). modelName is the
// already-mapped effective model to send upstream.
func ConvertRequestToOpenAI(modelName string, rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	var pending []pendingToolCall
	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		msg := `{"role":"assistant","tool_calls":[]}`
		for _, tc := range pending {
			call := `{"type":"function","id":"","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", tc.callID)
			call, _ = sjson.Set(call, "function.name", tc.name)
			call, _ = sjson.Set(call, "function.arguments", tc.arguments)
			msg, _ = sjson.SetRaw(msg, "tool_calls.-1", call)
		}
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
		pending = nil
	}

	if instructions := root.Get("instructions"); instructions.Exists() && instructions.String() != "" {
		sysMsg := `{"role":"system","content":""}`
		sysMsg, _ = sjson.Set(sysMsg, "content", instructions.String())
		out, _ = sjson.SetRaw(out, "messages.-1", sysMsg)
	}

	input := root.Get("input")
	switch {
	case input.Type == gjson.String:
		msg := `{"role":"user","content":""}`
		msg, _ = sjson.Set(msg, "content", input.String())
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
	case input.IsArray():
		input.ForEach(func(_, item gjson.Result) bool {
			itemType := item.Get("type").String()
			if itemType == "" && item.Get("role").String() != "" {
				itemType = "message"
			}
			switch itemType {
			case "function_call":
				pending = append(pending, pendingToolCall{
					callID:    item.Get("call_id").String(),
					name:      item.Get("name").String(),
					arguments: item.Get("arguments").String(),
				})
			case "function_call_output":
				flushPending()
				toolMsg := `{"role":"tool","tool_call_id":"","content":""}`
				toolMsg, _ = sjson.Set(toolMsg, "tool_call_id", item.Get("call_id").String())
				toolMsg, _ = sjson.Set(toolMsg, "content", item.Get("output").String())
				out, _ = sjson.SetRaw(out, "messages.-1", toolMsg)
			case "message", "":
				flushPending()
				appendMessageItem(&out, item)
			default:
				// item_reference and any other item type carry no
				// self-contained content to translate; skipped.
			}
			return true
		})
	}
	flushPending()

	if maxTokens := root.Get("max_output_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if stream := root.Get("stream"); stream.Exists() {
		out, _ = sjson.Set(out, "stream", stream.Bool())
	}

	if tools := root.Get("tools"); tools.Exists() && tools.IsArray() {
		appendTools(&out, tools)
	}
	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		out, _ = sjson.Set(out, "tool_choice", toolChoice.Value())
	}

	return []byte(out)
}

func appendMessageItem(out *string, item gjson.Result) {
	role := item.Get("role").String()
	if role == "developer" {
		role = "system"
	}
	if role == "" {
		role = "user"
	}

	content := item.Get("content")
	msg := `{"role":"","content":""}`
	msg, _ = sjson.Set(msg, "role", role)

	switch {
	case content.Type == gjson.String:
		msg, _ = sjson.Set(msg, "content", content.String())
	case content.IsArray():
		msg, _ = sjson.SetRaw(msg, "content", "[]")
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "input_text", "output_text":
				p := `{"type":"text","text":""}`
				p, _ = sjson.Set(p, "text", part.Get("text").String())
				msg, _ = sjson.SetRaw(msg, "content.-1", p)
			case "input_image":
				p := `{"type":"image_url","image_url":{"url":""}}`
				p, _ = sjson.Set(p, "image_url.url", part.Get("image_url").String())
				msg, _ = sjson.SetRaw(msg, "content.-1", p)
			}
			return true
		})
	default:
		msg, _ = sjson.Delete(msg, "content")
	}

	*out, _ = sjson.SetRaw(*out, "messages.-1", msg)
}

// appendTools accepts both the nested {type:function, function:{...}} shape
// and the flat {type:function, name, description, parameters} shape;
// non-function tool types are dropped.
func appendTools(out *string, tools gjson.Result) {
	var converted []string
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		fn := `{"type":"function","function":{"name":"","description":"","parameters":{}}}`
		if nested := tool.Get("function"); nested.Exists() {
			if name := nested.Get("name"); name.Exists() {
				fn, _ = sjson.Set(fn, "function.name", name.String())
			}
			if desc := nested.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "function.description", desc.String())
			}
			if params := nested.Get("parameters"); params.Exists() {
				fn, _ = sjson.SetRaw(fn, "function.parameters", params.Raw)
			}
		} else {
			if name := tool.Get("name"); name.Exists() {
				fn, _ = sjson.Set(fn, "function.name", name.String())
			}
			if desc := tool.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "function.description", desc.String())
			}
			if params := tool.Get("parameters"); params.Exists() {
				fn, _ = sjson.SetRaw(fn, "function.parameters", params.Raw)
			}
		}
		converted = append(converted, fn)
		return true
	})
	if len(converted) == 0 {
		return
	}
	*out, _ = sjson.SetRaw(*out, "tools", "[]")
	for _, fn := range converted {
		*out, _ = sjson.SetRaw(*out, "tools.-1", fn)
	}
}
