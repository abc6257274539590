package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/attestry/proofgate/go/fault"
)

// sseWriter frames server-sent events over a flushed response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter emits the SSE preamble headers and returns a writer, or an
// Internal fault when the transport cannot stream.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	var flusher, ok = w.(http.Flusher)
	if !ok {
		return nil, fault.New(fault.Internal, "response transport does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Event writes one named event with a JSON payload.
func (s *sseWriter) Event(name string, payload interface{}) error {
	var raw, err = json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Data writes one unnamed data-only event, as used by OpenAI-style streams.
func (s *sseWriter) Data(data string) error {
	var _, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Raw writes one named event with a pre-serialized payload.
func (s *sseWriter) Raw(name, data string) error {
	var _, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
