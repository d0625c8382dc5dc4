// Package relay forwards one solve request upstream and re-frames the
// upstream response for the caller: a blocking path returning the whole
// answer, and a streaming path that re-emits the upstream event stream as a
// simplified chunk/done/error protocol, with a single blocking fallback when
// streaming produced no usable text.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/mixaill76/solver_relay/internal/gemini"
	"github.com/mixaill76/solver_relay/internal/monitoring"
)

// ErrCancelled reports that the caller disappeared mid-stream. It is not an
// error condition: the call ends silently, with no terminal event emitted.
var ErrCancelled = errors.New("relay: caller cancelled")

const emptyAnswerMessage = "Model returned no displayable text."

var streamBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 8192)
		return &buf
	},
}

// Request is one normalized solve request, ready for upstream invocation.
type Request struct {
	Model  string
	APIKey string
	Parts  []*genai.Part
}

// Result is a successful relay outcome.
type Result struct {
	Answer      string
	Usage       *Usage
	Model       string
	BlockReason string
	// Fallback reports that the answer came from the blocking fallback
	// rather than the stream itself.
	Fallback bool
}

// Emitter receives the simplified outgoing stream. Implementations must
// flush promptly so the caller can render partial output.
type Emitter interface {
	Chunk(text string) error
	Done(usage *Usage, model string) error
	Error(status int, message string, details json.RawMessage) error
}

type Relay struct {
	client  *gemini.Client
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

func New(client *gemini.Client, metrics *monitoring.Metrics, logger *slog.Logger) *Relay {
	return &Relay{
		client:  client,
		metrics: metrics,
		logger:  logger,
	}
}

// SolveBlocking performs one blocking upstream call and extracts the answer.
// A non-2xx upstream response comes back as *gemini.UpstreamError.
func (r *Relay) SolveBlocking(ctx context.Context, req *Request) (*Result, error) {
	body, err := r.client.GenerateContent(ctx, req.Model, req.APIKey, req.Parts)
	if err != nil {
		r.recordErrorClass(err)
		return nil, err
	}

	events := DecodeEvents(body)

	res := &Result{Model: req.Model}
	var answer strings.Builder
	for _, ev := range events {
		answer.WriteString(ExtractText(ev))
		if usage := ExtractUsage(ev); usage != nil {
			res.Usage = usage
		}
		if reason := ExtractBlockReason(ev); reason != "" {
			res.BlockReason = reason
		}
	}
	res.Answer = strings.TrimSpace(answer.String())
	return res, nil
}

// SolveStream performs one streaming upstream call, forwarding every text
// delta to em as it arrives. Terminal outcomes after the stream opened are
// emitted through em and reported via the returned Result; an error return
// means the call failed before anything streamed (the caller still owns the
// response). ErrCancelled is the exception and ends the call silently.
func (r *Relay) SolveStream(ctx context.Context, req *Request, em Emitter) (*Result, error) {
	stream, err := r.client.StreamGenerateContent(ctx, req.Model, req.APIKey, req.Parts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		r.recordErrorClass(err)
		return nil, err
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			r.logger.Debug("Failed to close upstream stream", "error", closeErr)
		}
	}()

	session := &streamSession{}
	readErr := r.consumeStream(ctx, stream, session, em)
	if errors.Is(readErr, ErrCancelled) {
		return nil, ErrCancelled
	}

	if session.answer.Len() > 0 {
		if readErr != nil {
			// Partial answer, then the upstream connection died. The partial
			// chunks are already with the caller; declare the stream broken
			// rather than pretend completion.
			r.logger.Error("Upstream stream interrupted after partial output", "error", readErr)
			r.emitError(em, http.StatusBadGateway, "Upstream stream interrupted.", nil)
			return nil, nil
		}
		if err := em.Done(session.usage, req.Model); err != nil {
			return nil, ErrCancelled
		}
		return &Result{
			Answer:      strings.TrimSpace(session.answer.String()),
			Usage:       session.usage,
			Model:       req.Model,
			BlockReason: session.blockReason,
		}, nil
	}

	return r.fallback(ctx, req, session, em)
}

// consumeStream runs the relay read loop: buffer bytes, split on the frame
// delimiter, process complete frames, keep the trailing fragment. The final
// fragment is flushed through the same frame handler at stream end.
func (r *Relay) consumeStream(ctx context.Context, stream io.Reader, session *streamSession, em Emitter) error {
	frames := &frameBuffer{}

	buf := streamBufPool.Get().(*[]byte)
	defer streamBufPool.Put(buf)

	for {
		n, err := stream.Read(*buf)
		if n > 0 {
			for _, frame := range frames.Feed((*buf)[:n]) {
				if handleErr := r.handleFrame(frame, session, em); handleErr != nil {
					return handleErr
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			if err != io.EOF {
				return err
			}
			break
		}
		if ctx.Err() != nil {
			return ErrCancelled
		}
	}

	if rest, ok := frames.Flush(); ok {
		if handleErr := r.handleFrame(rest, session, em); handleErr != nil {
			return handleErr
		}
	}
	return nil
}

func (r *Relay) handleFrame(frame string, session *streamSession, em Emitter) error {
	for _, ev := range ParseFramePayloads(frame) {
		if usage := ExtractUsage(ev); usage != nil {
			// Last-seen wins; retained for the terminal event.
			session.usage = usage
		}
		if reason := ExtractBlockReason(ev); reason != "" {
			session.blockReason = reason
		}

		text := ExtractText(ev)
		if text == "" {
			continue
		}
		session.answer.WriteString(text)
		r.metrics.RecordChunk()
		if err := em.Chunk(text); err != nil {
			return ErrCancelled
		}
	}
	return nil
}

// fallback issues exactly one blocking call after a stream that yielded no
// text, then emits the terminal event. No further fallback is attempted.
func (r *Relay) fallback(ctx context.Context, req *Request, session *streamSession, em Emitter) (*Result, error) {
	r.logger.Info("Stream yielded no text, falling back to blocking call",
		"model", req.Model,
		"block_reason", session.blockReason,
	)

	res, err := r.SolveBlocking(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		r.metrics.RecordFallback("error")

		status, message, details := splitError(err)
		if session.blockReason != "" {
			message = blockedMessage(session.blockReason)
		}
		r.emitError(em, status, message, details)
		return nil, nil
	}

	reason := res.BlockReason
	if reason == "" {
		reason = session.blockReason
	}

	if res.Answer == "" {
		r.metrics.RecordFallback("empty")
		message := emptyAnswerMessage
		if reason != "" {
			message = blockedMessage(reason)
		}
		r.emitError(em, http.StatusBadGateway, message, nil)
		return nil, nil
	}

	r.metrics.RecordFallback("answered")
	if err := em.Chunk(res.Answer); err != nil {
		return nil, ErrCancelled
	}
	if err := em.Done(res.Usage, req.Model); err != nil {
		return nil, ErrCancelled
	}
	res.Fallback = true
	res.BlockReason = reason
	return res, nil
}

func (r *Relay) emitError(em Emitter, status int, message string, details json.RawMessage) {
	if err := em.Error(status, message, details); err != nil {
		r.logger.Debug("Failed to emit error event", "error", err)
	}
}

func (r *Relay) recordErrorClass(err error) {
	var upErr *gemini.UpstreamError
	if errors.As(err, &upErr) {
		switch upErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
			r.metrics.RecordUpstreamError("credential")
		default:
			r.metrics.RecordUpstreamError("rejection")
		}
		return
	}
	r.metrics.RecordUpstreamError("network")
}

func blockedMessage(reason string) string {
	return "Generation blocked by upstream: " + reason
}

// splitError maps an upstream failure onto a caller-visible status/message.
func splitError(err error) (int, string, json.RawMessage) {
	var upErr *gemini.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode, upErr.Message, upErr.Details
	}
	return http.StatusBadGateway, "Upstream request failed.", nil
}

// streamSession is the ephemeral per-call relay state. Created when a
// streaming call starts, discarded when the call ends.
type streamSession struct {
	answer      strings.Builder
	usage       *Usage
	blockReason string
}
