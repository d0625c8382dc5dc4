// Package gemini invokes the generative-inference upstream in blocking and
// streaming modes. It builds the wire request from normalized solve input and
// surfaces upstream failures with their original HTTP status and message.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/mixaill76/solver_relay/internal/httputil"
	"github.com/mixaill76/solver_relay/internal/security"
)

// AllowedImageTypes are the inline binary content types accepted locally
// before any network call is made.
var AllowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

// ImagePart is one inline binary segment of a solve request.
type ImagePart struct {
	MIMEType string
	Data     []byte
}

// ErrUnsupportedImageType is returned for binary parts outside AllowedImageTypes.
type UnsupportedImageTypeError struct {
	MIMEType string
}

func (e *UnsupportedImageTypeError) Error() string {
	return fmt.Sprintf("gemini: unsupported image type %q (allowed: PNG/JPEG/WebP)", e.MIMEType)
}

// UpstreamError is a well-formed non-2xx upstream response.
type UpstreamError struct {
	StatusCode int
	Message    string
	Details    json.RawMessage
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gemini: upstream status %d: %s", e.StatusCode, e.Message)
}

// generateRequest is the upstream request body.
type generateRequest struct {
	Contents []*genai.Content `json:"contents"`
}

// upstreamErrorBody is the upstream's error envelope.
type upstreamErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiVersion string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = httputil.NewClient(nil)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiVersion: apiVersion,
		httpClient: httpClient,
		logger:     logger,
	}
}

// NormalizeModel trims the model name, strips a leading "models/" prefix and
// falls back to def when empty.
func NormalizeModel(model, def string) string {
	value := strings.TrimSpace(model)
	if value == "" {
		value = def
	}
	value = strings.TrimPrefix(value, "models/")
	if value == "" {
		return def
	}
	return value
}

// BuildParts assembles the ordered request parts: the text segment first (if
// present), then one inline-binary segment per image in input order.
// Image types are validated here, never delegated to upstream.
func BuildParts(prompt string, images []ImagePart) ([]*genai.Part, error) {
	for _, img := range images {
		if !AllowedImageTypes[img.MIMEType] {
			return nil, &UnsupportedImageTypeError{MIMEType: img.MIMEType}
		}
	}

	parts := make([]*genai.Part, 0, len(images)+1)
	if prompt != "" {
		parts = append(parts, &genai.Part{Text: prompt})
	}
	for _, img := range images {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: img.MIMEType,
				Data:     img.Data,
			},
		})
	}
	return parts, nil
}

func (c *Client) endpoint(model, verb, apiKey string, sse bool) string {
	u := fmt.Sprintf("%s/%s/models/%s:%s", c.baseURL, c.apiVersion, url.PathEscape(model), verb)
	q := url.Values{}
	if sse {
		q.Set("alt", "sse")
	}
	q.Set("key", apiKey)
	return u + "?" + q.Encode()
}

func (c *Client) newRequest(ctx context.Context, target string, parts []*genai.Part) (*http.Request, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []*genai.Content{{Role: "user", Parts: parts}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// GenerateContent performs one blocking call and returns the raw upstream
// JSON body. A non-2xx response decodes into *UpstreamError.
func (c *Client) GenerateContent(ctx context.Context, model, apiKey string, parts []*genai.Part) (json.RawMessage, error) {
	target := c.endpoint(model, "generateContent", apiKey, false)

	req, err := c.newRequest(ctx, target, parts)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close upstream response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError(resp.StatusCode, body, apiKey)
	}

	return body, nil
}

// StreamGenerateContent performs one streaming call and returns the live
// event-stream body. The caller owns the reader; cancelling ctx aborts the
// underlying connection. A non-2xx response decodes into *UpstreamError
// before any reader is handed out.
func (c *Client) StreamGenerateContent(ctx context.Context, model, apiKey string, parts []*genai.Part) (io.ReadCloser, error) {
	target := c.endpoint(model, "streamGenerateContent", apiKey, true)

	req, err := c.newRequest(ctx, target, parts)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: stream request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close upstream error body", "error", closeErr)
		}
		if readErr != nil {
			return nil, fmt.Errorf("gemini: failed to read error body: %w", readErr)
		}
		return nil, c.decodeError(resp.StatusCode, body, apiKey)
	}

	return resp.Body, nil
}

func (c *Client) decodeError(status int, body []byte, apiKey string) error {
	upErr := &UpstreamError{
		StatusCode: status,
		Message:    "Upstream API error.",
	}

	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		upErr.Message = parsed.Error.Message
		upErr.Details = json.RawMessage(body)
	} else if len(body) > 0 && json.Valid(body) {
		upErr.Details = json.RawMessage(body)
	}

	c.logger.Debug("Upstream returned error",
		"status", status,
		"message", upErr.Message,
		"api_key", security.MaskAPIKey(apiKey),
	)
	return upErr
}
