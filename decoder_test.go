package lspbridge

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

// recordSink collects everything a decoder or bridge emits.
type recordSink struct {
	mu       sync.Mutex
	messages []Message
	errs     []error
}

func (s *recordSink) Deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordSink) Report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordSink) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, string(m.Body()))
	}
	return out
}

func (s *recordSink) reported() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func newTestDecoder(t *testing.T, opt ...Option) (*Decoder, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	d, err := NewDecoder(sink, append([]Option{LoggerOption(&mockLogger{})}, opt...)...)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	return d, sink
}

func frame(body string) string {
	return string(Encoder{}.EncodeString(body))
}

func TestNewDecoder_NilSink(t *testing.T) {
	if _, err := NewDecoder(nil); err != ErrInvalidSink {
		t.Errorf("expected ErrInvalidSink, got %v", err)
	}
}

func TestDecoder_SingleFrame(t *testing.T) {
	d, sink := newTestDecoder(t)

	input := "Content-Length: 15\r\n\r\n{\"id\":1,\"ok\":1}"
	if err := d.PushString(input); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	got := sink.bodies()
	if len(got) != 1 || got[0] != `{"id":1,"ok":1}` {
		t.Errorf("messages = %q, want one {\"id\":1,\"ok\":1}", got)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
	if len(sink.reported()) != 0 {
		t.Errorf("unexpected errors: %v", sink.reported())
	}
}

func TestDecoder_MultipleFramesInOneChunk(t *testing.T) {
	d, sink := newTestDecoder(t)

	input := frame(`{"id":1}`) + frame(`{"id":2}`)
	if err := d.PushString(input); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	want := []string{`{"id":1}`, `{"id":2}`}
	if got := sink.bodies(); !reflect.DeepEqual(got, want) {
		t.Errorf("messages = %q, want %q", got, want)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestDecoder_PartialHeaderStall(t *testing.T) {
	d, sink := newTestDecoder(t)

	if err := d.PushString("Content-Length: 5"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n := len(sink.bodies()); n != 0 {
		t.Fatalf("got %d messages after partial header, want 0", n)
	}
	if n := len(sink.reported()); n != 0 {
		t.Fatalf("got %d errors after partial header, want 0", n)
	}

	if err := d.PushString("\r\n\r\n\"abc\""); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if got := sink.bodies(); len(got) != 1 || got[0] != `"abc"` {
		t.Errorf("messages = %q, want one \"abc\"", got)
	}
}

func TestDecoder_PartialBody(t *testing.T) {
	d, sink := newTestDecoder(t)

	input := frame(`{"method":"initialized"}`)
	split := len(input) - 3

	if err := d.PushString(input[:split]); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n := len(sink.bodies()); n != 0 {
		t.Fatalf("got %d messages before body completed, want 0", n)
	}
	if d.Buffered() != split {
		t.Errorf("Buffered() = %d, want %d", d.Buffered(), split)
	}

	if err := d.PushString(input[split:]); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n := len(sink.bodies()); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	bodies := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"x":"€"}`,
		`{"jsonrpc":"2.0","method":"window/logMessage","params":{"message":"héllo wörld ✓"}}`,
		`[1,2,3]`,
	}
	var stream string
	for _, b := range bodies {
		stream += frame(b)
	}

	whole, wholeSink := newTestDecoder(t)
	if err := whole.PushString(stream); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	want := wholeSink.bodies()
	if !reflect.DeepEqual(want, bodies) {
		t.Fatalf("whole stream messages = %q, want %q", want, bodies)
	}

	data := []byte(stream)

	// Fixed chunk sizes, including splits inside multi-byte characters.
	for size := 1; size <= len(data); size++ {
		d, sink := newTestDecoder(t)
		for start := 0; start < len(data); start += size {
			end := start + size
			if end > len(data) {
				end = len(data)
			}
			if err := d.Push(data[start:end]); err != nil {
				t.Fatalf("size %d: Push failed: %v", size, err)
			}
		}
		if got := sink.bodies(); !reflect.DeepEqual(got, want) {
			t.Fatalf("size %d: messages = %q, want %q", size, got, want)
		}
		if d.Buffered() != 0 {
			t.Fatalf("size %d: Buffered() = %d, want 0", size, d.Buffered())
		}
	}

	// Every pair of split points.
	for i := 0; i <= len(data); i++ {
		for j := i; j <= len(data); j += 7 {
			d, sink := newTestDecoder(t)
			for _, part := range [][]byte{data[:i], data[i:j], data[j:]} {
				if err := d.Push(part); err != nil {
					t.Fatalf("split %d/%d: Push failed: %v", i, j, err)
				}
			}
			if got := sink.bodies(); !reflect.DeepEqual(got, want) {
				t.Fatalf("split %d/%d: messages = %q, want %q", i, j, got, want)
			}
		}
	}
}

func TestDecoder_RoundTrip(t *testing.T) {
	values := []any{
		map[string]any{"jsonrpc": "2.0", "id": 7, "method": "textDocument/hover"},
		[]any{"a", 1.5, true, nil},
		map[string]any{"text": "plain string with € and 日本語"},
		42,
		nil,
		false,
		map[string]any{"nested": map[string]any{"list": []any{map[string]any{}}}},
	}

	for _, v := range values {
		d, sink := newTestDecoder(t)

		data, err := Encoder{}.EncodeValue(v)
		if err != nil {
			t.Fatalf("EncodeValue(%v) failed: %v", v, err)
		}
		if err := d.Push(data); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if len(sink.messages) != 1 {
			t.Fatalf("value %v: got %d messages, want 1", v, len(sink.messages))
		}

		var got any
		if err := sink.messages[0].Unmarshal(&got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if want := normalize(t, v); !reflect.DeepEqual(got, want) {
			t.Errorf("round trip = %#v, want %#v", got, want)
		}
	}
}

// normalize maps v onto the types encoding/json decodes into.
func normalize(t *testing.T, v any) any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return out
}

func TestDecoder_MultiByteBody(t *testing.T) {
	d, sink := newTestDecoder(t)

	if err := d.PushString("Content-Length: 11\r\n\r\n{\"x\":\"€\"}"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	var got map[string]string
	if len(sink.messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(sink.messages))
	}
	if err := sink.messages[0].Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got["x"] != "€" {
		t.Errorf("x = %q, want €", got["x"])
	}
}

func TestDecoder_MalformedBodyIsolation(t *testing.T) {
	d, sink := newTestDecoder(t)

	bad := frame(`{"id":`)
	input := bad + frame(`{"id":2}`)
	if err := d.PushString(input); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if got := sink.bodies(); len(got) != 1 || got[0] != `{"id":2}` {
		t.Errorf("messages = %q, want one {\"id\":2}", got)
	}

	errs := sink.reported()
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if !errors.Is(errs[0], ErrMalformedBody) {
		t.Errorf("expected ErrMalformedBody, got %v", errs[0])
	}

	var frameErr *FrameError
	if !errors.As(errs[0], &frameErr) {
		t.Fatalf("expected *FrameError, got %T", errs[0])
	}
	if frameErr.Offset != 0 {
		t.Errorf("Offset = %d, want 0", frameErr.Offset)
	}
	if string(frameErr.Body) != `{"id":` {
		t.Errorf("Body = %q, want {\"id\":", frameErr.Body)
	}
	if d.Err() != nil {
		t.Errorf("decoder halted on a body error: %v", d.Err())
	}
}

func TestDecoder_FrameErrorOffset(t *testing.T) {
	d, sink := newTestDecoder(t)

	first := frame(`{}`)
	if err := d.PushString(first + frame(`nope`)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	var frameErr *FrameError
	errs := sink.reported()
	if len(errs) != 1 || !errors.As(errs[0], &frameErr) {
		t.Fatalf("errors = %v, want one *FrameError", errs)
	}
	if frameErr.Offset != int64(len(first)) {
		t.Errorf("Offset = %d, want %d", frameErr.Offset, len(first))
	}
}

func TestDecoder_InvalidUTF8Body(t *testing.T) {
	d, sink := newTestDecoder(t)

	body := []byte{'"', 0xff, 0xfe, '"'}
	if err := d.Push(Encoder{}.Encode(body)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if n := len(sink.bodies()); n != 0 {
		t.Errorf("got %d messages, want 0", n)
	}
	if errs := sink.reported(); len(errs) != 1 || !errors.Is(errs[0], ErrMalformedBody) {
		t.Errorf("errors = %v, want one ErrMalformedBody", errs)
	}
}

func TestDecoder_EmptyBody(t *testing.T) {
	d, sink := newTestDecoder(t)

	if err := d.PushString("Content-Length: 0\r\n\r\n" + frame(`{}`)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if got := sink.bodies(); len(got) != 1 || got[0] != `{}` {
		t.Errorf("messages = %q, want one {}", got)
	}
	if errs := sink.reported(); len(errs) != 1 || !errors.Is(errs[0], ErrMalformedBody) {
		t.Errorf("errors = %v, want one ErrMalformedBody", errs)
	}
}

func TestDecoder_HeaderVariants(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"canonical", "Content-Length: 2"},
		{"lower case", "content-length: 2"},
		{"upper case", "CONTENT-LENGTH: 2"},
		{"no space", "Content-Length:2"},
		{"extra spaces", "Content-Length:    2   "},
		{"content type first", "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: 2"},
		{"content type last", "Content-Length: 2\r\nContent-Type: application/vscode-jsonrpc; charset=utf-8"},
		{"duplicate uses first", "Content-Length: 2\r\nContent-Length: 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, sink := newTestDecoder(t)
			if err := d.PushString(tt.header + "\r\n\r\n{}"); err != nil {
				t.Fatalf("Push failed: %v", err)
			}
			if got := sink.bodies(); len(got) != 1 || got[0] != "{}" {
				t.Errorf("messages = %q, want one {}", got)
			}
		})
	}
}

func TestDecoder_FailFast(t *testing.T) {
	d, sink := newTestDecoder(t, ErrorPolicyOption(FailFast))

	err := d.PushString("Content-Type: text/plain\r\n\r\n{}")
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
	if d.Err() != err {
		t.Errorf("Err() = %v, want %v", d.Err(), err)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}

	// A halted decoder refuses further input.
	if err := d.PushString(frame(`{}`)); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("expected sticky ErrMalformedHeader, got %v", err)
	}
	if n := len(sink.bodies()); n != 0 {
		t.Errorf("got %d messages after halt, want 0", n)
	}
}

func TestDecoder_DefaultPolicyIsFailFast(t *testing.T) {
	d, _ := newTestDecoder(t)

	if err := d.PushString("garbage\r\n\r\n"); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestDecoder_Resync(t *testing.T) {
	d, sink := newTestDecoder(t, ErrorPolicyOption(Resync))

	// The whole buffer is discarded, including the valid frame behind the
	// malformed header.
	if err := d.PushString("X-Junk: 1\r\n\r\n" + frame(`{"id":1}`)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n := len(sink.bodies()); n != 0 {
		t.Errorf("got %d messages, want 0", n)
	}
	if errs := sink.reported(); len(errs) != 1 || !errors.Is(errs[0], ErrMalformedHeader) {
		t.Errorf("errors = %v, want one ErrMalformedHeader", errs)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}

	if err := d.PushString(frame(`{"id":2}`)); err != nil {
		t.Fatalf("Push after resync failed: %v", err)
	}
	if got := sink.bodies(); len(got) != 1 || got[0] != `{"id":2}` {
		t.Errorf("messages = %q, want one {\"id\":2}", got)
	}
}

func TestDecoder_InvalidLengthValues(t *testing.T) {
	values := []string{"", "abc", "-1", "12abc", "1 2", "+5", "0x10"}

	for _, v := range values {
		d, _ := newTestDecoder(t)
		err := d.PushString("Content-Length: " + v + "\r\n\r\n{}")
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("value %q: expected ErrMalformedHeader, got %v", v, err)
		}
	}
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	t.Run("declared length", func(t *testing.T) {
		d, _ := newTestDecoder(t, FrameMaxSize(100))
		err := d.PushString("Content-Length: 101\r\n\r\n")
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Fatalf("expected ErrFrameTooLarge, got %v", err)
		}
		if err := d.PushString(frame(`{}`)); !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("expected sticky ErrFrameTooLarge, got %v", err)
		}
	})

	t.Run("fatal under resync", func(t *testing.T) {
		d, sink := newTestDecoder(t, FrameMaxSize(100), ErrorPolicyOption(Resync))
		err := d.PushString("Content-Length: 101\r\n\r\n")
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Fatalf("expected ErrFrameTooLarge, got %v", err)
		}
		if n := len(sink.reported()); n != 0 {
			t.Errorf("fatal error was reported to the sink %d times", n)
		}
	})

	t.Run("unterminated header", func(t *testing.T) {
		d, _ := newTestDecoder(t, FrameMaxSize(16))
		if err := d.PushString(strings.Repeat("x", 16)); err != nil {
			t.Fatalf("Push at the limit failed: %v", err)
		}
		if err := d.PushString("x"); !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("expected ErrFrameTooLarge, got %v", err)
		}
	})

	t.Run("overflowing length", func(t *testing.T) {
		d, _ := newTestDecoder(t)
		err := d.PushString("Content-Length: 99999999999999999999999\r\n\r\n")
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("expected ErrFrameTooLarge, got %v", err)
		}
	})

	t.Run("at the limit", func(t *testing.T) {
		d, sink := newTestDecoder(t, FrameMaxSize(100))
		body := `"` + strings.Repeat("a", 98) + `"`
		if err := d.PushString(frame(body)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if n := len(sink.bodies()); n != 1 {
			t.Errorf("got %d messages, want 1", n)
		}
	})
}

func TestDecoder_LargeDeclaredLengthWaits(t *testing.T) {
	d, sink := newTestDecoder(t)

	header := "Content-Length: 1000000\r\n\r\n"
	if err := d.PushString(header + "[1,"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if n := len(sink.bodies()); n != 0 {
		t.Errorf("got %d messages, want 0", n)
	}
	if d.Buffered() != len(header)+3 {
		t.Errorf("Buffered() = %d, want %d", d.Buffered(), len(header)+3)
	}
}

func TestDecoder_MessagesDoNotAliasBuffer(t *testing.T) {
	d, sink := newTestDecoder(t)

	if err := d.PushString(frame(`{"id":1}`) + "Content-Length: 8\r\n\r\n{\"id"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := d.PushString(`":2}`); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	want := []string{`{"id":1}`, `{"id":2}`}
	if got := sink.bodies(); !reflect.DeepEqual(got, want) {
		t.Errorf("messages = %q, want %q", got, want)
	}
}

func TestDecoder_DeeplyNestedBody(t *testing.T) {
	d, sink := newTestDecoder(t)

	const depth = 5_000_000
	deep := strings.Repeat("[", depth) + strings.Repeat("]", depth)
	if err := d.PushString(frame(deep) + frame(`{"id":2}`)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if got := sink.bodies(); len(got) != 1 || got[0] != `{"id":2}` {
		t.Errorf("messages = %q, want one {\"id\":2}", got)
	}

	var frameErr *FrameError
	errs := sink.reported()
	if len(errs) != 1 || !errors.As(errs[0], &frameErr) || !errors.Is(errs[0], ErrMalformedBody) {
		t.Fatalf("errors = %v, want one *FrameError wrapping ErrMalformedBody", errs)
	}
	if d.Err() != nil {
		t.Errorf("decoder halted on a deep body: %v", d.Err())
	}
}

func TestDecoder_NestingMaxDepth(t *testing.T) {
	tests := []struct {
		body string
		ok   bool
	}{
		{`[[[1]]]`, true},
		{`{"a":{"b":[1]}}`, true},
		{`[[[[1]]]]`, false},
		{`{"a":{"b":{"c":{}}}}`, false},
		{`{"a":"[[[[[[{{{{"}`, true},
		{`["\"[[[[", "]]]"]`, true},
	}

	for _, tt := range tests {
		d, sink := newTestDecoder(t, NestingMaxDepth(3))
		if err := d.PushString(frame(tt.body)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		delivered := len(sink.bodies()) == 1
		if delivered != tt.ok {
			t.Errorf("%s: delivered = %v, want %v (errors %v)", tt.body, delivered, tt.ok, sink.reported())
		}
	}
}

func TestDecoder_KeepsParsedHeaderWhileBodyArrives(t *testing.T) {
	d, sink := newTestDecoder(t)

	input := frame(`{"method":"$/progress","params":{"token":1}}`)
	headerLen := strings.Index(input, "\r\n\r\n") + 4

	if err := d.PushString(input[:headerLen+2]); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if d.bodyStart != headerLen || d.bodyLen != len(input)-headerLen {
		t.Fatalf("pending frame = %d/%d, want %d/%d", d.bodyStart, d.bodyLen, headerLen, len(input)-headerLen)
	}

	for i := headerLen + 2; i < len(input); i++ {
		if err := d.PushString(input[i : i+1]); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	if n := len(sink.bodies()); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
	if d.bodyStart != 0 || d.bodyLen != 0 || d.Buffered() != 0 {
		t.Errorf("decoder not reset after frame: %d/%d, %d buffered", d.bodyStart, d.bodyLen, d.Buffered())
	}
}

func TestDecoder_ResyncClearsPendingFrame(t *testing.T) {
	d, sink := newTestDecoder(t, ErrorPolicyOption(Resync))

	if err := d.PushString("Content-Length: 100\r\n\r\n{"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if d.bodyStart == 0 {
		t.Fatal("header should be parsed while the body is pending")
	}

	// A halted or resynced decoder starts over from a header.
	d.resync(ErrMalformedHeader)
	if err := d.PushString(frame(`{"id":1}`)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if got := sink.bodies(); len(got) != 1 || got[0] != `{"id":1}` {
		t.Errorf("messages = %q, want one {\"id\":1}", got)
	}
}

func TestNestingDepth(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{`1`, 0},
		{`[]`, 1},
		{`{"a":[{}]}`, 3},
		{`"[[["`, 0},
		{`["\\", [1]]`, 2},
		{`["\"]", [1]]`, 2},
	}

	for _, tt := range tests {
		if got := nestingDepth([]byte(tt.in), 100); got != tt.want {
			t.Errorf("nestingDepth(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if got := nestingDepth([]byte(strings.Repeat("[", 50)), 10); got != 11 {
		t.Errorf("nestingDepth stops at limit+1, got %d", got)
	}
}
