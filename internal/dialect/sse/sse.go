// Package sse implements the Anthropic streaming transform (spec.md
// §4.3.3): an OpenAI Chat Completions SSE stream is consumed chunk by
// chunk, possibly split at arbitrary byte boundaries, and re-emitted as
// Anthropic Messages SSE events. All state lives on the Transformer value;
// nothing here is shared across requests.
package sse

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/xling/gateway/internal/dialect/anthropic"
)

type toolCallAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

// Transformer holds the per-request state for one OpenAI->Anthropic SSE
// stream conversion. Partial lines that arrive split across chunk
// boundaries are retained in buf until a newline completes them.
type Transformer struct {
	buf []byte

	messageStarted  bool
	messageStopSent bool
	toolsFlushed    bool
	deltaSent       bool
	done            bool

	messageID string
	model     string

	textOpen     bool
	textIndex    int
	nextIndex    int
	outputTokens int

	toolOrder    []int
	toolCalls    map[int]*toolCallAccumulator
	finishReason string
}

// NewTransformer returns a fresh streaming transform state machine.
func NewTransformer() *Transformer {
	return &Transformer{
		textIndex: -1,
		toolCalls: make(map[int]*toolCallAccumulator),
	}
}

// Transform feeds the next chunk of raw OpenAI SSE bytes through the state
// machine and returns the Anthropic SSE bytes produced so far. Any trailing
// partial line is retained internally and completed by a later call.
func (t *Transformer) Transform(chunk []byte) []byte {
	if t.done {
		return nil
	}
	t.buf = append(t.buf, chunk...)

	var out bytes.Buffer
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(t.buf[:i], "\r")
		t.buf = t.buf[i+1:]
		t.processLine(&out, line)
	}
	return out.Bytes()
}

func (t *Transformer) processLine(out *bytes.Buffer, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(line[len("data:"):])

	if string(payload) == "[DONE]" {
		t.finishDone(out)
		return
	}
	if !gjson.ValidBytes(payload) {
		return
	}
	t.processDelta(out, gjson.ParseBytes(payload))
}

func (t *Transformer) processDelta(out *bytes.Buffer, root gjson.Result) {
	delta := root.Get("choices.0.delta")
	if delta.Exists() {
		if !t.messageStarted {
			t.emitMessageStart(out, root)
		}
		if content := delta.Get("content"); content.Exists() && content.Type == gjson.String && content.String() != "" {
			t.emitTextDelta(out, content.String())
		}
		if toolCalls := delta.Get("tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
			t.accumulateToolCalls(out, toolCalls)
		}
	}

	if reason := root.Get("choices.0.finish_reason"); reason.Exists() && reason.String() != "" {
		t.finishReason = reason.String()
		t.emitFinish(out)
	}
}

func (t *Transformer) emitMessageStart(out *bytes.Buffer, root gjson.Result) {
	t.messageID = root.Get("id").String()
	t.model = root.Get("model").String()

	msg := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	msg, _ = sjson.Set(msg, "message.id", t.messageID)
	msg, _ = sjson.Set(msg, "message.model", t.model)
	writeEvent(out, "message_start", msg)
	t.messageStarted = true
}

func (t *Transformer) emitTextDelta(out *bytes.Buffer, text string) {
	if !t.textOpen {
		t.textIndex = t.nextIndex
		t.nextIndex++
		start := `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
		start, _ = sjson.Set(start, "index", t.textIndex)
		writeEvent(out, "content_block_start", start)
		t.textOpen = true
	}
	d := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
	d, _ = sjson.Set(d, "index", t.textIndex)
	d, _ = sjson.Set(d, "delta.text", text)
	writeEvent(out, "content_block_delta", d)

	t.outputTokens += int(math.Ceil(float64(len(text)) / 4))
}

func (t *Transformer) closeTextBlock(out *bytes.Buffer) {
	if !t.textOpen {
		return
	}
	stop := `{"type":"content_block_stop","index":0}`
	stop, _ = sjson.Set(stop, "index", t.textIndex)
	writeEvent(out, "content_block_stop", stop)
	t.textOpen = false
}

func (t *Transformer) accumulateToolCalls(out *bytes.Buffer, toolCalls gjson.Result) {
	t.closeTextBlock(out)

	toolCalls.ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		acc, ok := t.toolCalls[idx]
		if !ok {
			acc = &toolCallAccumulator{}
			t.toolCalls[idx] = acc
			t.toolOrder = append(t.toolOrder, idx)
		}
		if id := tc.Get("id"); id.Exists() {
			acc.id = id.String()
		}
		if name := tc.Get("function.name"); name.Exists() {
			acc.name = name.String()
		}
		if args := tc.Get("function.arguments"); args.Exists() {
			acc.arguments.WriteString(args.String())
		}
		return true
	})
}

func (t *Transformer) emitFinish(out *bytes.Buffer) {
	t.closeTextBlock(out)
	t.flushToolCalls(out)

	d := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"output_tokens":0}}`
	d, _ = sjson.Set(d, "delta.stop_reason", anthropic.MapFinishReason(t.finishReason))
	d, _ = sjson.Set(d, "usage.output_tokens", t.outputTokens)
	writeEvent(out, "message_delta", d)
	t.deltaSent = true
}

// flushToolCalls emits content_block_start/delta/stop for every accumulated
// tool call, in the order its index first appeared. Idempotent: calling it
// again (e.g. from the [DONE] handler after finish_reason already flushed)
// is a no-op.
func (t *Transformer) flushToolCalls(out *bytes.Buffer) {
	if t.toolsFlushed {
		return
	}
	for _, idx := range t.toolOrder {
		acc := t.toolCalls[idx]
		blockIdx := t.nextIndex
		t.nextIndex++

		start := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
		start, _ = sjson.Set(start, "index", blockIdx)
		start, _ = sjson.Set(start, "content_block.id", acc.id)
		start, _ = sjson.Set(start, "content_block.name", acc.name)
		writeEvent(out, "content_block_start", start)

		d := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
		d, _ = sjson.Set(d, "index", blockIdx)
		d, _ = sjson.Set(d, "delta.partial_json", parsedOrRawArguments(acc.arguments.String()))
		writeEvent(out, "content_block_delta", d)

		stop := `{"type":"content_block_stop","index":0}`
		stop, _ = sjson.Set(stop, "index", blockIdx)
		writeEvent(out, "content_block_stop", stop)
	}
	t.toolsFlushed = true
}

func (t *Transformer) finishDone(out *bytes.Buffer) {
	t.closeTextBlock(out)
	t.flushToolCalls(out)
	t.emitMessageStop(out)
	t.done = true
}

func (t *Transformer) emitMessageStop(out *bytes.Buffer) {
	if t.messageStopSent {
		return
	}
	writeEvent(out, "message_stop", `{"type":"message_stop"}`)
	t.messageStopSent = true
}

// parsedOrRawArguments renders accumulated OpenAI tool_calls arguments as
// the JSON string an Anthropic input_json_delta expects: the parsed object
// re-serialised, or {"raw":"<text>"} when the accumulated text never
// parsed as JSON (e.g. the stream was cut short).
func parsedOrRawArguments(args string) string {
	if args == "" {
		return "{}"
	}
	var parsed any
	if err := json.Unmarshal([]byte(args), &parsed); err == nil {
		if raw, err := json.Marshal(parsed); err == nil {
			return string(raw)
		}
	}
	fallback, _ := sjson.Set("{}", "raw", args)
	return fallback
}

func writeEvent(out *bytes.Buffer, event, data string) {
	out.WriteString("event: ")
	out.WriteString(event)
	out.WriteString("\ndata: ")
	out.WriteString(data)
	out.WriteString("\n\n")
}
