// Package server exposes the relay over HTTP: one blocking solve endpoint,
// one streaming solve endpoint, and a health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mixaill76/solver_relay/internal/cache"
	"github.com/mixaill76/solver_relay/internal/config"
	"github.com/mixaill76/solver_relay/internal/credential"
	"github.com/mixaill76/solver_relay/internal/gemini"
	"github.com/mixaill76/solver_relay/internal/history"
	"github.com/mixaill76/solver_relay/internal/logger"
	"github.com/mixaill76/solver_relay/internal/monitoring"
	"github.com/mixaill76/solver_relay/internal/ratelimit"
	"github.com/mixaill76/solver_relay/internal/relay"
)

const (
	emptyAnswerPlaceholder = "No answer returned."
	recordTimeout          = 5 * time.Second
)

type Server struct {
	relay        *relay.Relay
	resolver     *credential.Resolver
	auth         Authenticator
	limiter      *ratelimit.RPMLimiter
	answers      *cache.AnswerCache
	recorder     history.Recorder
	metrics      *monitoring.Metrics
	logger       *slog.Logger
	limits       config.LimitsConfig
	defaultModel string
	healthPath   string
}

type Options struct {
	Relay        *relay.Relay
	Resolver     *credential.Resolver
	Auth         Authenticator
	Limiter      *ratelimit.RPMLimiter
	AnswerCache  *cache.AnswerCache
	Recorder     history.Recorder
	Metrics      *monitoring.Metrics
	Logger       *slog.Logger
	Limits       config.LimitsConfig
	DefaultModel string
	HealthPath   string
}

func New(opts Options) *Server {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = history.Nop{}
	}
	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	return &Server{
		relay:        opts.Relay,
		resolver:     opts.Resolver,
		auth:         opts.Auth,
		limiter:      opts.Limiter,
		answers:      opts.AnswerCache,
		recorder:     recorder,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		limits:       opts.Limits,
		defaultModel: opts.DefaultModel,
		healthPath:   healthPath,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == s.healthPath && r.Method == http.MethodGet:
		s.handleHealth(w, r)
	case r.URL.Path == "/solve" && r.Method == http.MethodPost:
		s.handleSolve(w, r)
	case r.URL.Path == "/solve-stream" && r.Method == http.MethodPost:
		s.handleSolveStream(w, r)
	default:
		s.writeError(w, http.StatusNotFound, "Not found.", nil)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"ok":      true,
		"history": s.recorder.Healthy(),
	}
	s.writeJSON(w, http.StatusOK, status)
}

// solveRequest is one parsed and authenticated inbound call.
type solveRequest struct {
	id         string
	caller     *Caller
	model      string
	prompt     string
	apiKey     string
	images     []gemini.ImagePart
	imagesMeta []history.ImageMeta
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		s.metrics.RecordRequest("solve", status, time.Since(start))
	}()

	req, errStatus := s.prepare(w, r)
	if req == nil {
		status = errStatus
		return
	}

	key, err := s.resolver.Resolve(req.caller.Privileged, req.apiKey)
	if err != nil {
		status = http.StatusBadRequest
		s.writeError(w, status, "No API key provided.", nil)
		return
	}

	cacheKey := ""
	if s.answers != nil {
		cacheKey = cache.Key(req.model, req.prompt, req.images)
		if res, ok := s.answers.Get(cacheKey); ok {
			s.metrics.RecordCacheEvent(true)
			s.logger.Debug("Answer served from cache", "request_id", req.id, "model", req.model)
			s.writeSolveResult(w, res)
			return
		}
		s.metrics.RecordCacheEvent(false)
	}

	parts, err := gemini.BuildParts(req.prompt, req.images)
	if err != nil {
		status = http.StatusBadRequest
		s.writeError(w, status, "Only PNG/JPEG/WebP images are supported.", nil)
		return
	}

	res, err := s.relay.SolveBlocking(r.Context(), &relay.Request{
		Model:  req.model,
		APIKey: key,
		Parts:  parts,
	})
	if err != nil {
		status = s.writeUpstreamError(w, req, err)
		return
	}

	if s.answers != nil {
		s.answers.Put(cacheKey, res)
	}
	s.record(req, res)
	s.writeSolveResult(w, res)
}

func (s *Server) handleSolveStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		s.metrics.RecordRequest("solve-stream", status, time.Since(start))
	}()

	req, errStatus := s.prepare(w, r)
	if req == nil {
		status = errStatus
		return
	}

	key, err := s.resolver.Resolve(req.caller.Privileged, req.apiKey)
	if err != nil {
		status = http.StatusBadRequest
		s.writeError(w, status, "No API key provided.", nil)
		return
	}

	parts, err := gemini.BuildParts(req.prompt, req.images)
	if err != nil {
		status = http.StatusBadRequest
		s.writeError(w, status, "Only PNG/JPEG/WebP images are supported.", nil)
		return
	}

	emitter := newSSEEmitter(w)
	res, err := s.relay.SolveStream(r.Context(), &relay.Request{
		Model:  req.model,
		APIKey: key,
		Parts:  parts,
	}, emitter)

	switch {
	case errors.Is(err, relay.ErrCancelled):
		// The caller is gone. End silently: no event, no history.
		s.logger.Debug("Stream cancelled by caller", "request_id", req.id)
		return
	case err != nil:
		if emitter.Started() {
			// Headers already went out as SSE; nothing more can be written.
			s.logger.Error("Stream failed after start", "request_id", req.id, "error", err)
			return
		}
		// Failed before anything streamed; the caller still gets plain JSON.
		status = s.writeUpstreamError(w, req, err)
		return
	}

	if res != nil && res.Answer != "" {
		s.record(req, res)
	}
}

// prepare authenticates, rate-limits and parses the multipart body.
// On failure it writes the response and returns (nil, status).
func (s *Server) prepare(w http.ResponseWriter, r *http.Request) (*solveRequest, int) {
	requestID := uuid.NewString()

	caller, ok := s.authenticate(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized.", nil)
		return nil, http.StatusUnauthorized
	}

	if !s.limiter.Allow(caller.Name) {
		s.logger.Warn("Caller rate limited", "caller", caller.Name, "request_id", requestID)
		s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded.", nil)
		return nil, http.StatusTooManyRequests
	}

	req, err := s.parseSolveRequest(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large.", nil)
			return nil, http.StatusRequestEntityTooLarge
		}
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return nil, http.StatusBadRequest
	}

	req.id = requestID
	req.caller = caller

	s.logger.Debug("Solve request accepted",
		"request_id", requestID,
		"caller", caller.Name,
		"model", req.model,
		"prompt", logger.TruncateForLog(req.prompt, 120),
		"images", len(req.images),
	)
	return req, 0
}

func (s *Server) authenticate(r *http.Request) (*Caller, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		return nil, false
	}
	return s.auth.Authenticate(token)
}

func (s *Server) parseSolveRequest(w http.ResponseWriter, r *http.Request) (*solveRequest, error) {
	maxImageBytes := int64(s.limits.MaxImageSizeMB) * 1024 * 1024
	maxBody := int64(s.limits.MaxImages)*maxImageBytes + 1024*1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	if err := r.ParseMultipartForm(maxBody); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("invalid multipart body")
	}

	req := &solveRequest{
		model:  gemini.NormalizeModel(r.FormValue("model"), s.defaultModel),
		prompt: strings.TrimSpace(r.FormValue("prompt")),
		apiKey: strings.TrimSpace(r.FormValue("apiKey")),
	}

	if r.MultipartForm != nil {
		files := r.MultipartForm.File["image"]
		if len(files) > s.limits.MaxImages {
			return nil, fmt.Errorf("too many images (max %d)", s.limits.MaxImages)
		}
		for _, fh := range files {
			if fh.Size > maxImageBytes {
				return nil, fmt.Errorf("image %q exceeds %d MB", fh.Filename, s.limits.MaxImageSizeMB)
			}
			file, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to read image %q", fh.Filename)
			}
			data, err := io.ReadAll(file)
			_ = file.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read image %q", fh.Filename)
			}
			mimeType := fh.Header.Get("Content-Type")
			req.images = append(req.images, gemini.ImagePart{
				MIMEType: mimeType,
				Data:     data,
			})
			req.imagesMeta = append(req.imagesMeta, history.ImageMeta{
				Filename: fh.Filename,
				MIMEType: mimeType,
				Size:     fh.Size,
			})
		}
	}

	if req.prompt == "" && len(req.images) == 0 {
		return nil, fmt.Errorf("provide a prompt or at least one image")
	}

	return req, nil
}

// writeUpstreamError maps a relay failure onto the caller-visible JSON error
// envelope, passing the upstream status through when one exists.
func (s *Server) writeUpstreamError(w http.ResponseWriter, req *solveRequest, err error) int {
	var upErr *gemini.UpstreamError
	if errors.As(err, &upErr) {
		s.logger.Error("Upstream rejected request",
			"request_id", req.id,
			"status", upErr.StatusCode,
			"message", upErr.Message,
		)
		s.writeError(w, upErr.StatusCode, upErr.Message, upErr.Details)
		return upErr.StatusCode
	}

	s.logger.Error("Upstream request failed", "request_id", req.id, "error", err)
	s.writeError(w, http.StatusBadGateway, "Upstream request failed.", nil)
	return http.StatusBadGateway
}

func (s *Server) writeSolveResult(w http.ResponseWriter, res *relay.Result) {
	answer := res.Answer
	if answer == "" {
		answer = emptyAnswerPlaceholder
	}
	s.writeJSON(w, http.StatusOK, struct {
		Answer string       `json:"answer"`
		Usage  *relay.Usage `json:"usage"`
		Model  string       `json:"model"`
	}{Answer: answer, Usage: res.Usage, Model: res.Model})
}

// record persists a completed solve. Best-effort: failures never affect the
// caller-visible outcome.
func (s *Server) record(req *solveRequest, res *relay.Result) {
	if res.Answer == "" {
		return
	}

	entry := &history.Entry{
		Caller:    req.caller.Name,
		Model:     res.Model,
		Prompt:    req.prompt,
		Answer:    res.Answer,
		Images:    req.imagesMeta,
		CreatedAt: time.Now().UTC(),
	}
	if res.Usage != nil {
		entry.TotalTokens = res.Usage.TotalTokenCount
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.metrics.RecordHistoryFailure()
		s.logger.Warn("Failed to record solve history", "request_id", req.id, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, details json.RawMessage) {
	s.writeJSON(w, status, struct {
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}{Error: message, Details: normalizeDetails(details)})
}
