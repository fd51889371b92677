package responses

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestConvertResponseFromOpenAI_TextMessage(t *testing.T) {
	in := `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`
	out := ConvertResponseFromOpenAI([]byte(in), "gpt-5")
	root := gjson.ParseBytes(out)

	if root.Get("status").String() != "completed" {
		t.Fatalf("status = %q, want completed", root.Get("status").String())
	}
	if root.Get("model").String() != "gpt-5" {
		t.Fatalf("model = %q, want gpt-5", root.Get("model").String())
	}
	if root.Get("output.0.type").String() != "message" || root.Get("output.0.content.0.text").String() != "hi there" {
		t.Fatalf("unexpected output: %s", root.Get("output").Raw)
	}
	if root.Get("usage.input_tokens").Int() != 5 || root.Get("usage.output_tokens").Int() != 2 {
		t.Fatalf("unexpected usage: %s", root.Get("usage").Raw)
	}
}

func TestConvertResponseFromOpenAI_ToolCallsProduceFunctionCallItems(t *testing.T) {
	in := `{"choices":[{"message":{"tool_calls":[
		{"id":"c1","function":{"name":"f1","arguments":"{\"a\":1}"}},
		{"id":"c2","function":{"name":"f2","arguments":"{}"}}
	]},"finish_reason":"tool_calls"}]}`
	out := ConvertResponseFromOpenAI([]byte(in), "m")
	root := gjson.ParseBytes(out)

	items := root.Get("output").Array()
	if len(items) != 2 {
		t.Fatalf("expected one function_call item per tool_calls entry, got %d: %s", len(items), root.Get("output").Raw)
	}
	if items[0].Get("type").String() != "function_call" || items[0].Get("call_id").String() != "c1" {
		t.Fatalf("unexpected first item: %s", items[0].Raw)
	}
}

func TestConvertResponseFromOpenAI_EmptyProducesOneEmptyMessage(t *testing.T) {
	in := `{"choices":[{"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`
	out := ConvertResponseFromOpenAI([]byte(in), "m")
	root := gjson.ParseBytes(out)
	if len(root.Get("output").Array()) != 1 {
		t.Fatalf("expected exactly one output item, got %d", len(root.Get("output").Array()))
	}
	if root.Get("output.0.type").String() != "message" {
		t.Fatalf("expected an empty message item, got %s", root.Get("output.0").Raw)
	}
}
