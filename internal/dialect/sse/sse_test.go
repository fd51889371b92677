package sse

import (
	"strings"
	"testing"
)

// scenarioChunks returns the raw OpenAI SSE lines for spec.md §8 scenario 5:
// a text delta split across two chunks, a tool call split across two
// argument fragments, then finish_reason and [DONE].
func scenarioChunks() []string {
	return []string{
		`data: {"id":"c1","model":"m","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}` + "\n\n",
		`data: {"id":"c1","model":"m","choices":[{"delta":{"content":"lo"}}]}` + "\n\n",
		`data: {"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"f","arguments":"{"}}]}}]}` + "\n\n",
		`data: {"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\":1}"}}]}}]}` + "\n\n",
		`data: {"id":"c1","model":"m","choices":[{"finish_reason":"tool_calls"}]}` + "\n\n",
		`data: [DONE]` + "\n\n",
	}
}

func expectedEventSequence() []string {
	return []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
}

func eventNames(raw string) []string {
	var names []string
	for _, line := range strings.Split(raw, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestTransform_ScenarioFiveWholeChunks(t *testing.T) {
	tr := NewTransformer()
	var out strings.Builder
	for _, chunk := range scenarioChunks() {
		out.Write(tr.Transform([]byte(chunk)))
	}

	got := eventNames(out.String())
	want := expectedEventSequence()
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	if !strings.Contains(out.String(), `"text":"Hel"`) || !strings.Contains(out.String(), `"text":"lo"`) {
		t.Fatalf("missing expected text deltas in output: %s", out.String())
	}
	if !strings.Contains(out.String(), `"id":"c1"`) || !strings.Contains(out.String(), `"name":"f"`) {
		t.Fatalf("missing expected tool_use fields: %s", out.String())
	}
	if !strings.Contains(out.String(), `"partial_json":"{\"x\":1}"`) {
		t.Fatalf("expected merged tool arguments as input_json_delta: %s", out.String())
	}
	if !strings.Contains(out.String(), `"stop_reason":"tool_use"`) {
		t.Fatalf("expected stop_reason tool_use in message_delta: %s", out.String())
	}
}

// TestTransform_IdempotentAcrossChunkBoundaries feeds the same underlying
// byte stream split at several different byte offsets and checks the emitted
// event sequence never changes, per the streaming-transform-idempotence
// property.
func TestTransform_IdempotentAcrossChunkBoundaries(t *testing.T) {
	full := strings.Join(scenarioChunks(), "")
	baseline := eventNames(string(runFull(full, []int{len(full)})))

	splits := [][]int{
		{1, len(full) - 1},
		{10, 20, 30, len(full)},
		{len(full) / 2, len(full)},
	}
	for _, offsets := range splits {
		got := eventNames(string(runFull(full, offsets)))
		if len(got) != len(baseline) {
			t.Fatalf("split %v: event count = %d, want %d", offsets, len(got), len(baseline))
		}
		for i := range baseline {
			if got[i] != baseline[i] {
				t.Fatalf("split %v: event[%d] = %q, want %q", offsets, i, got[i], baseline[i])
			}
		}
	}
}

// runFull splits full at the given ascending byte offsets and feeds each
// resulting piece through a fresh Transformer, one piece per Transform call.
func runFull(full string, offsets []int) []byte {
	tr := NewTransformer()
	var out strings.Builder
	prev := 0
	for _, o := range offsets {
		if o > len(full) {
			o = len(full)
		}
		out.Write(tr.Transform([]byte(full[prev:o])))
		prev = o
	}
	if prev < len(full) {
		out.Write(tr.Transform([]byte(full[prev:])))
	}
	return []byte(out.String())
}

func TestTransform_MalformedChunkSkippedSilently(t *testing.T) {
	tr := NewTransformer()
	out := tr.Transform([]byte("data: {not valid json\n\n"))
	if len(out) != 0 {
		t.Fatalf("expected no events from malformed chunk, got %q", out)
	}
	// Transformer should still work normally afterward.
	out = tr.Transform([]byte(`data: {"id":"x","choices":[{"delta":{"content":"hi"}}]}` + "\n\n"))
	if !strings.Contains(string(out), "message_start") {
		t.Fatalf("expected transformer to recover after malformed chunk: %s", out)
	}
}

func TestTransform_DoneIsIdempotentWithoutFinishReason(t *testing.T) {
	tr := NewTransformer()
	var out strings.Builder
	out.Write(tr.Transform([]byte(`data: {"id":"x","choices":[{"delta":{"content":"hi"}}]}` + "\n\n")))
	out.Write(tr.Transform([]byte("data: [DONE]\n\n")))
	// Feeding another [DONE] (or any chunk) after done must be a no-op.
	extra := tr.Transform([]byte("data: [DONE]\n\n"))
	if len(extra) != 0 {
		t.Fatalf("expected no further output once done, got %q", extra)
	}
	names := eventNames(out.String())
	if names[len(names)-1] != "message_stop" {
		t.Fatalf("expected message_stop as final event, got %v", names)
	}
}

func TestTransform_TextOnlyNoToolCalls(t *testing.T) {
	tr := NewTransformer()
	var out strings.Builder
	out.Write(tr.Transform([]byte(`data: {"id":"x","choices":[{"delta":{"content":"hello"}}]}` + "\n\n")))
	out.Write(tr.Transform([]byte(`data: {"id":"x","choices":[{"finish_reason":"stop"}]}` + "\n\n")))
	out.Write(tr.Transform([]byte("data: [DONE]\n\n")))

	names := eventNames(out.String())
	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(names) != len(want) {
		t.Fatalf("event sequence = %v, want %v", names, want)
	}
	if !strings.Contains(out.String(), `"stop_reason":"end_turn"`) {
		t.Fatalf("expected stop_reason end_turn: %s", out.String())
	}
}
