package sanitize

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
)

type dialect int

const (
	dialectChat      dialect = iota // OpenAI chat.completion.chunk
	dialectMessages                 // Anthropic content_block_delta
	dialectResponses                // OpenAI response.output_text.delta
)

type deltaKey struct {
	dialect dialect
	index   int
	part    int
}

var (
	dataField  = []byte("data:")
	eventField = []byte("event:")
	doneData   = []byte("[DONE]")
)

// SSERestorer restores tokens in a text/event-stream body. Text deltas of
// the OpenAI and Anthropic streaming formats are restored per choice (or
// content block), so a token split across two events is reassembled.
// Everything else goes through a byte-level stream with JSON escaping.
//
// Text still held when a block finishes is emitted as an extra delta event
// in front of the finishing event.
type SSERestorer struct {
	ctx    context.Context
	src    io.ReadCloser
	br     *bufio.Reader
	r      *Restorer
	raw    *Stream
	deltas map[deltaKey]*Stream
	order  []deltaKey
	out    []byte
	err    error
}

// NewSSERestorer wraps an event-stream body.
func NewSSERestorer(ctx context.Context, src io.ReadCloser, r *Restorer) *SSERestorer {
	return &SSERestorer{
		ctx:    ctx,
		src:    src,
		br:     bufio.NewReaderSize(src, readChunk),
		r:      r,
		raw:    r.NewStream(ctx, true),
		deltas: make(map[deltaKey]*Stream),
	}
}

// Read implements io.Reader, one upstream line at a time.
func (s *SSERestorer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		line, err := s.br.ReadBytes('\n')
		if len(line) > 0 {
			s.out = append(s.out, s.processLine(line)...)
		}
		if err != nil {
			s.out = append(s.out, s.flushDeltas(nil)...)
			s.out = append(s.out, s.raw.Flush()...)
			s.err = err
		}
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

// Close closes the upstream body.
func (s *SSERestorer) Close() error {
	return s.src.Close()
}

func (s *SSERestorer) processLine(line []byte) []byte {
	content := bytes.TrimRight(line, "\r\n")
	eol := line[len(content):]
	if len(eol) == 0 {
		// Unterminated last line.
		return s.raw.Write(line)
	}

	switch {
	case bytes.HasPrefix(content, eventField):
		name := string(bytes.TrimSpace(content[len(eventField):]))
		if flushesBlock(name) {
			out := s.flushDeltas(func(k deltaKey) bool { return k.dialect != dialectChat })
			return append(out, s.raw.Write(line)...)
		}
	case bytes.HasPrefix(content, dataField):
		data := content[len(dataField):]
		data = bytes.TrimPrefix(data, []byte(" "))
		if bytes.Equal(data, doneData) {
			out := s.flushDeltas(nil)
			return append(out, s.raw.Write(line)...)
		}
		if prefix, out, ok := s.processEvent(data); ok {
			// Tokens outside text deltas (tool call arguments, final texts)
			// are restored in place.
			out = s.r.RestoreBytes(s.ctx, out, true)
			buf := make([]byte, 0, len(prefix)+len(out)+len(eol)+6)
			buf = append(buf, prefix...)
			buf = append(buf, "data: "...)
			buf = append(buf, out...)
			return append(buf, eol...)
		}
	}
	return s.raw.Write(line)
}

func flushesBlock(eventType string) bool {
	switch eventType {
	case "content_block_stop", "message_delta", "message_stop",
		"response.output_text.done", "response.content_part.done", "response.completed":
		return true
	}
	return false
}

// processEvent restores text deltas inside one JSON event. prefix holds
// synthetic events to emit before it. It returns false when the event is
// not a recognised format.
func (s *SSERestorer) processEvent(data []byte) (prefix, out []byte, ok bool) {
	if len(data) == 0 || data[0] != '{' {
		return nil, nil, false
	}
	var ev map[string]json.RawMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, nil, false
	}
	if raw, ok := ev["choices"]; ok {
		out, ok := s.processChat(ev, raw, data)
		return nil, out, ok
	}

	var typ string
	_ = json.Unmarshal(ev["type"], &typ)
	switch {
	case typ == "content_block_delta":
		out, ok := s.processMessages(ev, data)
		return nil, out, ok
	case typ == "response.output_text.delta":
		out, ok := s.processResponses(ev, data)
		return nil, out, ok
	case flushesBlock(typ):
		// Streams without event: lines get the flush here instead.
		prefix := s.flushDeltas(func(k deltaKey) bool { return k.dialect != dialectChat })
		return prefix, data, true
	}
	return nil, nil, false
}

func (s *SSERestorer) processChat(ev map[string]json.RawMessage, raw json.RawMessage, data []byte) ([]byte, bool) {
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &choices); err != nil {
		return nil, false
	}
	changed := false
	for _, ch := range choices {
		var idx int
		_ = json.Unmarshal(ch["index"], &idx)
		key := deltaKey{dialect: dialectChat, index: idx}

		var delta map[string]json.RawMessage
		_ = json.Unmarshal(ch["delta"], &delta)
		content, hasContent := jsonString(delta["content"])
		finished := isSet(ch["finish_reason"])
		if !hasContent && !finished {
			continue
		}

		var emitted []byte
		if hasContent {
			emitted = s.delta(key).Write([]byte(content))
		}
		if finished {
			emitted = append(emitted, s.takeDelta(key)...)
		}
		if hasContent && string(emitted) == content {
			continue
		}
		if !hasContent && len(emitted) == 0 {
			continue
		}
		if delta == nil {
			delta = make(map[string]json.RawMessage)
		}
		delta["content"] = mustJSON(string(emitted))
		ch["delta"] = mustJSON(delta)
		changed = true
	}
	if !changed {
		return data, true
	}
	ev["choices"] = mustJSON(choices)
	return mustJSON(ev), true
}

func (s *SSERestorer) processMessages(ev map[string]json.RawMessage, data []byte) ([]byte, bool) {
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(ev["delta"], &delta); err != nil {
		return nil, false
	}
	text, ok := jsonString(delta["text"])
	if !ok {
		return nil, false
	}
	var idx int
	_ = json.Unmarshal(ev["index"], &idx)

	emitted := s.delta(deltaKey{dialect: dialectMessages, index: idx}).Write([]byte(text))
	if string(emitted) == text {
		return data, true
	}
	delta["text"] = mustJSON(string(emitted))
	ev["delta"] = mustJSON(delta)
	return mustJSON(ev), true
}

func (s *SSERestorer) processResponses(ev map[string]json.RawMessage, data []byte) ([]byte, bool) {
	text, ok := jsonString(ev["delta"])
	if !ok {
		return nil, false
	}
	var out, part int
	_ = json.Unmarshal(ev["output_index"], &out)
	_ = json.Unmarshal(ev["content_index"], &part)

	emitted := s.delta(deltaKey{dialect: dialectResponses, index: out, part: part}).Write([]byte(text))
	if string(emitted) == text {
		return data, true
	}
	ev["delta"] = mustJSON(string(emitted))
	return mustJSON(ev), true
}

func (s *SSERestorer) delta(k deltaKey) *Stream {
	st, ok := s.deltas[k]
	if !ok {
		st = s.r.NewStream(s.ctx, false)
		s.deltas[k] = st
		s.order = append(s.order, k)
	}
	return st
}

// takeDelta flushes and forgets the stream for k.
func (s *SSERestorer) takeDelta(k deltaKey) []byte {
	st, ok := s.deltas[k]
	if !ok {
		return nil
	}
	delete(s.deltas, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return st.Flush()
}

// flushDeltas emits a synthetic delta event for every pending stream that
// match selects (all when match is nil).
func (s *SSERestorer) flushDeltas(match func(deltaKey) bool) []byte {
	var out []byte
	for _, k := range append([]deltaKey(nil), s.order...) {
		if match != nil && !match(k) {
			continue
		}
		if !s.deltas[k].Pending() {
			continue
		}
		out = append(out, syntheticDelta(k, string(s.takeDelta(k)))...)
	}
	return out
}

func syntheticDelta(k deltaKey, text string) []byte {
	var event string
	var payload any
	switch k.dialect {
	case dialectMessages:
		event = "content_block_delta"
		payload = map[string]any{
			"type":  "content_block_delta",
			"index": k.index,
			"delta": map[string]any{"type": "text_delta", "text": text},
		}
	case dialectResponses:
		event = "response.output_text.delta"
		payload = map[string]any{
			"type":          "response.output_text.delta",
			"output_index":  k.index,
			"content_index": k.part,
			"delta":         text,
		}
	default:
		payload = map[string]any{
			"object":  "chat.completion.chunk",
			"choices": []any{map[string]any{"index": k.index, "delta": map[string]any{"content": text}}},
		}
	}
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: " + event + "\n")
	}
	buf.WriteString("data: ")
	buf.Write(mustJSON(payload))
	buf.WriteString("\n\n")
	return buf.Bytes()
}

func jsonString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isSet(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// mustJSON encodes v. Rewritten events come from maps, so their keys are
// emitted sorted rather than in upstream order; JSON clients do not care.
func mustJSON(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return []byte("null")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}
