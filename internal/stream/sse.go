package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// Writer frames events as `id: <n>\nevent: message\ndata: <json>\n\n` and
// flushes after each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: flusher}, nil
}

func (w *Writer) start() {
	if w.started {
		return
	}
	w.started = true
	header := w.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(http.StatusOK)
}

func (w *Writer) Send(ev Event) error {
	w.start()
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "id: %d\nevent: message\ndata: %s\n\n", ev.ID, payload); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
