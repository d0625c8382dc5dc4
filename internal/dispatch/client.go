package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/mixaill76/solver_relay/internal/httputil"
)

// Input is the solve request template shared by every attempt.
type Input struct {
	Prompt string
	Model  string
	Images []ImageFile
}

// ImageFile is one image attached to the request.
type ImageFile struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Outcome is a successful solve.
type Outcome struct {
	Answer string          `json:"answer"`
	Usage  json.RawMessage `json:"usage"`
	Model  string          `json:"model"`
}

// CallError is a well-formed failure response from the relay server. Errors
// that are not CallError are transient: the call never completed.
type CallError struct {
	Status  int
	Message string
	Details json.RawMessage
}

func (e *CallError) Error() string {
	return fmt.Sprintf("dispatch: relay returned status %d: %s", e.Status, e.Message)
}

// Client talks to the relay server's solve endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = httputil.NewClient(nil)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// buildForm encodes the multipart body for one attempt. An empty apiKey
// (the sentinel attempt) omits the field so the server applies its default.
func buildForm(in *Input, apiKey string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if apiKey != "" {
		if err := w.WriteField("apiKey", apiKey); err != nil {
			return nil, "", fmt.Errorf("dispatch: failed to write apiKey field: %w", err)
		}
	}
	if in.Model != "" {
		if err := w.WriteField("model", in.Model); err != nil {
			return nil, "", fmt.Errorf("dispatch: failed to write model field: %w", err)
		}
	}
	if in.Prompt != "" {
		if err := w.WriteField("prompt", in.Prompt); err != nil {
			return nil, "", fmt.Errorf("dispatch: failed to write prompt field: %w", err)
		}
	}

	for _, img := range in.Images {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, img.Name))
		header.Set("Content-Type", img.MIMEType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("dispatch: failed to create image part: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", fmt.Errorf("dispatch: failed to write image part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("dispatch: failed to finalize form: %w", err)
	}
	return &body, w.FormDataContentType(), nil
}

func (c *Client) newRequest(ctx context.Context, path string, in *Input, apiKey string) (*http.Request, error) {
	body, contentType, err := buildForm(in, apiKey)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func decodeCallError(status int, body []byte) *CallError {
	callErr := &CallError{Status: status, Message: "Request failed."}
	var parsed struct {
		Error   string          `json:"error"`
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		callErr.Message = parsed.Error
		callErr.Details = parsed.Details
	}
	return callErr
}

// Solve issues one blocking relay call.
func (c *Client) Solve(ctx context.Context, in *Input, apiKey string) (*Outcome, error) {
	req, err := c.newRequest(ctx, "/solve", in, apiKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeCallError(resp.StatusCode, body)
	}

	var out Outcome
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("dispatch: failed to parse response: %w", err)
	}
	return &out, nil
}

// SolveStream issues one streaming relay call, invoking onDelta for every
// chunk event as it arrives. It returns when the server emits its terminal
// event: done yields the Outcome, error yields a *CallError.
func (c *Client) SolveStream(ctx context.Context, in *Input, apiKey string, onDelta func(string)) (*Outcome, error) {
	req, err := c.newRequest(ctx, "/solve-stream", in, apiKey)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: stream request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		// Rejected before any bytes streamed: plain JSON error response.
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("dispatch: failed to read response: %w", readErr)
		}
		return nil, decodeCallError(resp.StatusCode, body)
	}

	return c.consumeEvents(resp.Body, onDelta)
}

func (c *Client) consumeEvents(stream io.Reader, onDelta func(string)) (*Outcome, error) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var answer strings.Builder
	var eventType string
	var data strings.Builder

	dispatchEvent := func() (*Outcome, error, bool) {
		defer func() {
			eventType = ""
			data.Reset()
		}()

		payload := strings.TrimSpace(data.String())
		if payload == "" {
			return nil, nil, false
		}

		switch eventType {
		case "chunk":
			var chunk struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				c.logger.Debug("Skipping undecodable chunk event", "error", err)
				return nil, nil, false
			}
			answer.WriteString(chunk.Text)
			if onDelta != nil {
				onDelta(chunk.Text)
			}
			return nil, nil, false

		case "done":
			var done struct {
				Usage json.RawMessage `json:"usage"`
				Model string          `json:"model"`
			}
			if err := json.Unmarshal([]byte(payload), &done); err != nil {
				return nil, fmt.Errorf("dispatch: failed to parse done event: %w", err), true
			}
			return &Outcome{
				Answer: strings.TrimSpace(answer.String()),
				Usage:  done.Usage,
				Model:  done.Model,
			}, nil, true

		case "error":
			var evErr struct {
				Status  int             `json:"status"`
				Message string          `json:"message"`
				Details json.RawMessage `json:"details"`
			}
			if err := json.Unmarshal([]byte(payload), &evErr); err != nil {
				return nil, fmt.Errorf("dispatch: failed to parse error event: %w", err), true
			}
			return nil, &CallError{Status: evErr.Status, Message: evErr.Message, Details: evErr.Details}, true
		}
		return nil, nil, false
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if out, err, terminal := dispatchEvent(); terminal {
				return out, err
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimLeft(strings.TrimPrefix(line, "data:"), " \t"))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: stream read failed: %w", err)
	}

	// Flush a trailing event that wasn't followed by a blank line.
	if out, err, terminal := dispatchEvent(); terminal {
		return out, err
	}

	return nil, fmt.Errorf("dispatch: stream ended without a terminal event")
}
