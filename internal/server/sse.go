package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mixaill76/solver_relay/internal/relay"
)

// sseWriteTimeout is the per-event write deadline. If the caller stops
// reading for this long, the stream is terminated.
const sseWriteTimeout = 60 * time.Second

// sseEmitter writes the simplified chunk/done/error protocol as
// text/event-stream. Headers go out lazily on the first event, so a call
// that fails before anything streamed can still answer with plain JSON.
// Every event is flushed immediately so the caller can render partial
// output.
type sseEmitter struct {
	w          http.ResponseWriter
	controller *http.ResponseController
	started    bool
}

func newSSEEmitter(w http.ResponseWriter) *sseEmitter {
	return &sseEmitter{
		w:          w,
		controller: http.NewResponseController(w),
	}
}

// Started reports whether any event reached the wire.
func (e *sseEmitter) Started() bool {
	return e.started
}

func (e *sseEmitter) start() {
	if e.started {
		return
	}
	e.started = true

	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
	_ = e.controller.Flush()
}

func (e *sseEmitter) send(event string, payload any) error {
	e.start()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("server: failed to encode %s event: %w", event, err)
	}

	_ = e.controller.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return e.controller.Flush()
}

func (e *sseEmitter) Chunk(text string) error {
	return e.send("chunk", map[string]string{"text": text})
}

func (e *sseEmitter) Done(usage *relay.Usage, model string) error {
	return e.send("done", struct {
		Usage *relay.Usage `json:"usage"`
		Model string       `json:"model"`
	}{Usage: usage, Model: model})
}

func (e *sseEmitter) Error(status int, message string, details json.RawMessage) error {
	return e.send("error", struct {
		Status  int             `json:"status"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	}{Status: status, Message: message, Details: normalizeDetails(details)})
}

func normalizeDetails(details json.RawMessage) json.RawMessage {
	if len(details) == 0 {
		return json.RawMessage("null")
	}
	return details
}
