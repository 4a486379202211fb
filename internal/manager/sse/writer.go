// Package sse implements the server-sent-event framing used by the relay
// endpoints.
//
// The wire contract is exact: every frame is the literal prefix "data: ",
// one JSON payload, then two newlines. A payload arriving from an inner
// source may already carry the prefix; it is stripped before exactly one is
// re-added, so the output never contains "data: data: ". The literal payload
// "[DONE]" from an inner source is a sentinel: it is consumed, never
// forwarded, and halts that source. The outer stream itself always ends with
// exactly one "data: [DONE]" frame, whatever path got it there.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	prefix = "data: "
	// DoneSentinel terminates every stream.
	DoneSentinel = "[DONE]"
)

// StripPrefix removes every leading "data: " prefix an inner source may have
// added, so re-framing adds back exactly one.
func StripPrefix(payload string) string {
	for strings.HasPrefix(payload, prefix) {
		payload = strings.TrimPrefix(payload, prefix)
	}
	return payload
}

// Frame encodes one payload as a single SSE data frame.
func Frame(payload string) string {
	return prefix + StripPrefix(payload) + "\n\n"
}

// IsDone reports whether an inner payload is the stream-done sentinel.
func IsDone(payload string) bool {
	return strings.TrimSpace(StripPrefix(payload)) == DoneSentinel
}

// errorPayload is the JSON shape of an error frame.
type errorPayload struct {
	Error string `json:"error"`
}

// chunkPayload is the JSON shape of a plain output-line frame.
type chunkPayload struct {
	Chunk string `json:"chunk"`
}

// Writer emits SSE frames to an underlying response writer, flushing after
// each frame so clients see output as it happens. It is not safe for
// concurrent use; relay streams are single-goroutine by design.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	done    bool
}

// NewWriter wraps w. When w also implements http.Flusher (every
// http.ResponseWriter does), each frame is flushed as it is written.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Send writes one framed payload. Payloads are dropped once the stream has
// been terminated with Done.
func (sw *Writer) Send(payload string) error {
	if sw.done {
		return nil
	}
	if _, err := io.WriteString(sw.w, Frame(payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// JSON marshals v and sends it as one frame.
func (sw *Writer) JSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return sw.Send(string(b))
}

// Chunk forwards one inner output line as a {"chunk": line} frame. An SSE
// prefix already present on the line is stripped first, and the inner
// [DONE] sentinel is consumed rather than forwarded; halt reports that the
// caller must stop forwarding from that source.
func (sw *Writer) Chunk(line string) (halt bool, err error) {
	if IsDone(line) {
		return true, nil
	}
	return false, sw.JSON(chunkPayload{Chunk: StripPrefix(line)})
}

// Error sends an {"error": msg} frame.
func (sw *Writer) Error(msg string) error {
	return sw.JSON(errorPayload{Error: msg})
}

// Done terminates the stream with the sentinel frame. It is idempotent:
// success and failure paths may both call it, but the sentinel is written
// exactly once.
func (sw *Writer) Done() error {
	if sw.done {
		return nil
	}
	if _, err := io.WriteString(sw.w, Frame(DoneSentinel)); err != nil {
		return fmt.Errorf("write done frame: %w", err)
	}
	sw.done = true
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}
