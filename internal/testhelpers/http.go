package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ErrorResponse mirrors the server's JSON error envelope for test assertions.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

// AssertJSONError decodes the error response from the recorder and verifies
// the HTTP status and error message.
func AssertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedStatus int, expectedMsg string) {
	t.Helper()

	assert.Equal(t, expectedStatus, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Type"), "application/json")

	var resp ErrorResponse
	err := json.NewDecoder(recorder.Body).Decode(&resp)
	require.NoError(t, err, "failed to decode JSON error response")

	assert.Equal(t, expectedMsg, resp.Error)
}

// FormImage is one image part for NewSolveRequest.
type FormImage struct {
	Filename string
	MIMEType string
	Data     []byte
}

// NewSolveRequest builds a multipart solve request the way the CLI does:
// text fields first, then image parts with explicit Content-Type headers.
func NewSolveRequest(t *testing.T, path, token string, fields map[string]string, images []FormImage) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}

	for _, img := range images {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="image"; filename="`+img.Filename+`"`)
		header.Set("Content-Type", img.MIMEType)
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(img.Data)
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// ReadSSEEvents splits a raw SSE response body into (event, data) pairs.
func ReadSSEEvents(t *testing.T, body io.Reader) [][2]string {
	t.Helper()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)

	var events [][2]string
	var event, data string
	flush := func() {
		if event != "" || data != "" {
			events = append(events, [2]string{event, data})
		}
		event, data = "", ""
	}

	for _, line := range bytes.Split(raw, []byte("\n")) {
		switch {
		case len(line) == 0:
			flush()
		case bytes.HasPrefix(line, []byte("event: ")):
			event = string(line[len("event: "):])
		case bytes.HasPrefix(line, []byte("data: ")):
			data = string(line[len("data: "):])
		}
	}
	flush()
	return events
}
