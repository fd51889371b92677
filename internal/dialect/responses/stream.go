package responses

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type functionCallAccumulator struct {
	callID    string
	name      string
	arguments strings.Builder
	added     bool
}

// Transformer holds the per-request state for one OpenAI Chat Completions
// SSE stream -> Responses API SSE stream conversion (spec.md §4.3.4). It
// emits response.completed as soon as finish_reason arrives rather than
// waiting for the OpenAI [DONE] marker, since some upstreams delay or omit
// it.
type Transformer struct {
	buf []byte

	started   bool
	completed bool
	done      bool

	responseID string
	model      string
	seq        int
	nextIndex  int

	msgOpened bool
	msgIndex  int
	msgItemID string
	textBuf   strings.Builder

	toolOrder []int
	toolIndex map[int]int
	toolCalls map[int]*functionCallAccumulator
}

// NewTransformer returns a fresh streaming transform state machine.
func NewTransformer() *Transformer {
	return &Transformer{
		toolIndex: make(map[int]int),
		toolCalls: make(map[int]*functionCallAccumulator),
	}
}

func (t *Transformer) nextSeq() int {
	t.seq++
	return t.seq
}

// Transform feeds the next chunk of raw OpenAI SSE bytes through the state
// machine and returns the Responses API SSE bytes produced so far.
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
		t.done = true
		return
	}
	if !gjson.ValidBytes(payload) {
		return
	}
	t.processChunk(out, gjson.ParseBytes(payload))
}

func (t *Transformer) processChunk(out *bytes.Buffer, root gjson.Result) {
	if t.completed {
		return
	}
	if !t.started {
		t.emitCreated(out, root)
	}

	delta := root.Get("choices.0.delta")
	if delta.Exists() {
		if content := delta.Get("content"); content.Exists() && content.Type == gjson.String && content.String() != "" {
			t.emitTextDelta(out, content.String())
		}
		if toolCalls := delta.Get("tool_calls"); toolCalls.Exists() && toolCalls.IsArray() {
			t.accumulateToolCalls(out, toolCalls)
		}
	}

	if reason := root.Get("choices.0.finish_reason"); reason.Exists() && reason.String() != "" {
		t.emitCompleted(out, root)
	}
}

func (t *Transformer) emitCreated(out *bytes.Buffer, root gjson.Result) {
	t.responseID = root.Get("id").String()
	if t.responseID == "" {
		t.responseID = fmt.Sprintf("resp_%d", time.Now().UnixNano())
	}
	t.model = root.Get("model").String()

	created := `{"type":"response.created","sequence_number":0,"response":{"id":"","object":"response","status":"in_progress"}}`
	created, _ = sjson.Set(created, "sequence_number", t.nextSeq())
	created, _ = sjson.Set(created, "response.id", t.responseID)
	created, _ = sjson.Set(created, "response.model", t.model)
	writeEvent(out, "response.created", created)
	t.started = true
}

func (t *Transformer) emitTextDelta(out *bytes.Buffer, text string) {
	if !t.msgOpened {
		t.msgIndex = t.nextIndex
		t.nextIndex++
		t.msgItemID = fmt.Sprintf("msg_%s_%d", t.responseID, t.msgIndex)

		added := `{"type":"response.output_item.added","sequence_number":0,"output_index":0,"item":{"id":"","type":"message","status":"in_progress","role":"assistant","content":[]}}`
		added, _ = sjson.Set(added, "sequence_number", t.nextSeq())
		added, _ = sjson.Set(added, "output_index", t.msgIndex)
		added, _ = sjson.Set(added, "item.id", t.msgItemID)
		writeEvent(out, "response.output_item.added", added)

		part := `{"type":"response.content_part.added","sequence_number":0,"item_id":"","output_index":0,"content_index":0,"part":{"type":"output_text","text":"","annotations":[]}}`
		part, _ = sjson.Set(part, "sequence_number", t.nextSeq())
		part, _ = sjson.Set(part, "item_id", t.msgItemID)
		part, _ = sjson.Set(part, "output_index", t.msgIndex)
		writeEvent(out, "response.content_part.added", part)

		t.msgOpened = true
	}

	d := `{"type":"response.output_text.delta","sequence_number":0,"item_id":"","output_index":0,"content_index":0,"delta":""}`
	d, _ = sjson.Set(d, "sequence_number", t.nextSeq())
	d, _ = sjson.Set(d, "item_id", t.msgItemID)
	d, _ = sjson.Set(d, "output_index", t.msgIndex)
	d, _ = sjson.Set(d, "delta", text)
	writeEvent(out, "response.output_text.delta", d)

	t.textBuf.WriteString(text)
}

func (t *Transformer) closeMessage(out *bytes.Buffer) {
	if !t.msgOpened {
		return
	}
	full := t.textBuf.String()

	textDone := `{"type":"response.output_text.done","sequence_number":0,"item_id":"","output_index":0,"content_index":0,"text":""}`
	textDone, _ = sjson.Set(textDone, "sequence_number", t.nextSeq())
	textDone, _ = sjson.Set(textDone, "item_id", t.msgItemID)
	textDone, _ = sjson.Set(textDone, "output_index", t.msgIndex)
	textDone, _ = sjson.Set(textDone, "text", full)
	writeEvent(out, "response.output_text.done", textDone)

	partDone := `{"type":"response.content_part.done","sequence_number":0,"item_id":"","output_index":0,"content_index":0,"part":{"type":"output_text","text":"","annotations":[]}}`
	partDone, _ = sjson.Set(partDone, "sequence_number", t.nextSeq())
	partDone, _ = sjson.Set(partDone, "item_id", t.msgItemID)
	partDone, _ = sjson.Set(partDone, "output_index", t.msgIndex)
	partDone, _ = sjson.Set(partDone, "part.text", full)
	writeEvent(out, "response.content_part.done", partDone)

	itemDone := `{"type":"response.output_item.done","sequence_number":0,"output_index":0,"item":{"id":"","type":"message","status":"completed","role":"assistant","content":[{"type":"output_text","text":"","annotations":[]}]}}`
	itemDone, _ = sjson.Set(itemDone, "sequence_number", t.nextSeq())
	itemDone, _ = sjson.Set(itemDone, "output_index", t.msgIndex)
	itemDone, _ = sjson.Set(itemDone, "item.id", t.msgItemID)
	itemDone, _ = sjson.Set(itemDone, "item.content.0.text", full)
	writeEvent(out, "response.output_item.done", itemDone)
}

func (t *Transformer) accumulateToolCalls(out *bytes.Buffer, toolCalls gjson.Result) {
	toolCalls.ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		acc, ok := t.toolCalls[idx]
		if !ok {
			acc = &functionCallAccumulator{}
			t.toolCalls[idx] = acc
			t.toolOrder = append(t.toolOrder, idx)
		}
		if id := tc.Get("id"); id.Exists() {
			acc.callID = id.String()
		}
		if name := tc.Get("function.name"); name.Exists() {
			acc.name = name.String()
		}

		if !acc.added {
			outIdx := t.nextIndex
			t.nextIndex++
			t.toolIndex[idx] = outIdx

			added := `{"type":"response.output_item.added","sequence_number":0,"output_index":0,"item":{"id":"","type":"function_call","status":"in_progress","call_id":"","name":""}}`
			added, _ = sjson.Set(added, "sequence_number", t.nextSeq())
			added, _ = sjson.Set(added, "output_index", outIdx)
			added, _ = sjson.Set(added, "item.id", fmt.Sprintf("fc_%s_%d", t.responseID, outIdx))
			added, _ = sjson.Set(added, "item.call_id", acc.callID)
			added, _ = sjson.Set(added, "item.name", acc.name)
			writeEvent(out, "response.output_item.added", added)
			acc.added = true
		}

		if args := tc.Get("function.arguments"); args.Exists() && args.String() != "" {
			acc.arguments.WriteString(args.String())
			d := `{"type":"response.function_call_arguments.delta","sequence_number":0,"item_id":"","output_index":0,"delta":""}`
			d, _ = sjson.Set(d, "sequence_number", t.nextSeq())
			d, _ = sjson.Set(d, "item_id", fmt.Sprintf("fc_%s_%d", t.responseID, t.toolIndex[idx]))
			d, _ = sjson.Set(d, "output_index", t.toolIndex[idx])
			d, _ = sjson.Set(d, "delta", args.String())
			writeEvent(out, "response.function_call_arguments.delta", d)
		}
		return true
	})
}

func (t *Transformer) closeToolCalls(out *bytes.Buffer) {
	for _, idx := range t.toolOrder {
		acc := t.toolCalls[idx]
		outIdx := t.toolIndex[idx]
		args := acc.arguments.String()

		argsDone := `{"type":"response.function_call_arguments.done","sequence_number":0,"item_id":"","output_index":0,"arguments":""}`
		argsDone, _ = sjson.Set(argsDone, "sequence_number", t.nextSeq())
		argsDone, _ = sjson.Set(argsDone, "item_id", fmt.Sprintf("fc_%s_%d", t.responseID, outIdx))
		argsDone, _ = sjson.Set(argsDone, "output_index", outIdx)
		argsDone, _ = sjson.Set(argsDone, "arguments", args)
		writeEvent(out, "response.function_call_arguments.done", argsDone)

		itemDone := `{"type":"response.output_item.done","sequence_number":0,"output_index":0,"item":{"id":"","type":"function_call","status":"completed","call_id":"","name":"","arguments":""}}`
		itemDone, _ = sjson.Set(itemDone, "sequence_number", t.nextSeq())
		itemDone, _ = sjson.Set(itemDone, "output_index", outIdx)
		itemDone, _ = sjson.Set(itemDone, "item.id", fmt.Sprintf("fc_%s_%d", t.responseID, outIdx))
		itemDone, _ = sjson.Set(itemDone, "item.call_id", acc.callID)
		itemDone, _ = sjson.Set(itemDone, "item.name", acc.name)
		itemDone, _ = sjson.Set(itemDone, "item.arguments", args)
		writeEvent(out, "response.output_item.done", itemDone)
	}
}

// emitCompleted closes any open message/tool-call items and emits
// response.completed with the fully materialised output array and
// aggregated usage, immediately on finish_reason (not on [DONE]).
func (t *Transformer) emitCompleted(out *bytes.Buffer, root gjson.Result) {
	t.closeMessage(out)
	t.closeToolCalls(out)

	completed := `{"type":"response.completed","sequence_number":0,"response":{"id":"","object":"response","status":"completed","output":[]}}`
	completed, _ = sjson.Set(completed, "sequence_number", t.nextSeq())
	completed, _ = sjson.Set(completed, "response.id", t.responseID)
	completed, _ = sjson.Set(completed, "response.model", t.model)

	outputTokens := int(math.Ceil(float64(len(t.textBuf.String())) / 4))
	for _, idx := range t.toolOrder {
		outputTokens += int(math.Ceil(float64(t.toolCalls[idx].arguments.Len()) / 4))
	}

	if usage := root.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
		prompt := usage.Get("prompt_tokens").Int()
		completion := usage.Get("completion_tokens").Int()
		completed, _ = sjson.Set(completed, "response.usage.input_tokens", prompt)
		completed, _ = sjson.Set(completed, "response.usage.output_tokens", completion)
		completed, _ = sjson.Set(completed, "response.usage.total_tokens", prompt+completion)
	} else {
		completed, _ = sjson.Set(completed, "response.usage.input_tokens", 0)
		completed, _ = sjson.Set(completed, "response.usage.output_tokens", outputTokens)
		completed, _ = sjson.Set(completed, "response.usage.total_tokens", outputTokens)
	}

	for idx := 0; idx < t.nextIndex; idx++ {
		if t.msgOpened && idx == t.msgIndex {
			item := `{"id":"","type":"message","status":"completed","role":"assistant","content":[{"type":"output_text","text":"","annotations":[]}]}`
			item, _ = sjson.Set(item, "id", t.msgItemID)
			item, _ = sjson.Set(item, "content.0.text", t.textBuf.String())
			completed, _ = sjson.SetRaw(completed, "response.output.-1", item)
			continue
		}
		for _, toolIdx := range t.toolOrder {
			if t.toolIndex[toolIdx] != idx {
				continue
			}
			acc := t.toolCalls[toolIdx]
			item := `{"id":"","type":"function_call","status":"completed","call_id":"","name":"","arguments":""}`
			item, _ = sjson.Set(item, "id", fmt.Sprintf("fc_%s_%d", t.responseID, idx))
			item, _ = sjson.Set(item, "call_id", acc.callID)
			item, _ = sjson.Set(item, "name", acc.name)
			item, _ = sjson.Set(item, "arguments", acc.arguments.String())
			completed, _ = sjson.SetRaw(completed, "response.output.-1", item)
		}
	}

	writeEvent(out, "response.completed", completed)
	t.completed = true
}

func writeEvent(out *bytes.Buffer, event, data string) {
	out.WriteString("event: ")
	out.WriteString(event)
	out.WriteString("\ndata: ")
	out.WriteString(data)
	out.WriteString("\n\n")
}
