package relay

import (
	"encoding/json"
	"regexp"
	"strings"

	"google.golang.org/genai"
)

// Usage is the upstream token-usage metadata carried through to the caller.
type Usage = genai.GenerateContentResponseUsageMetadata

// Event is one normalized upstream payload. The upstream emits different
// shapes across invocations; all of them decode into this single form and
// the ordered extractors below pick whichever fields are populated.
type Event struct {
	Candidates     []*genai.Candidate `json:"candidates,omitempty"`
	UsageMetadata  *Usage             `json:"usageMetadata,omitempty"`
	PromptFeedback *promptFeedback    `json:"promptFeedback,omitempty"`
	Choices        []choice           `json:"choices,omitempty"`
	Usage          *openAIUsage       `json:"usage,omitempty"`
	Text           string             `json:"text,omitempty"`
}

type promptFeedback struct {
	BlockReason        string `json:"blockReason,omitempty"`
	BlockReasonMessage string `json:"blockReasonMessage,omitempty"`
}

type choice struct {
	Delta        choiceContent `json:"delta"`
	Message      choiceContent `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceContent struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int32 `json:"prompt_tokens"`
	CompletionTokens int32 `json:"completion_tokens"`
	TotalTokens      int32 `json:"total_tokens"`
}

// textExtractors are tried in order; the first one that yields text wins.
var textExtractors = []func(*Event) (string, bool){
	extractCandidateText,
	extractChoiceText,
	extractTopLevelText,
}

// usageExtractors are tried in order; the first one that yields usage wins.
var usageExtractors = []func(*Event) (*Usage, bool){
	extractUsageMetadata,
	extractOpenAIUsage,
}

// ExtractText returns the display text carried by ev, or "" when the event
// has none (pure metadata frames are common).
func ExtractText(ev *Event) string {
	for _, extract := range textExtractors {
		if text, ok := extract(ev); ok {
			return text
		}
	}
	return ""
}

// ExtractUsage returns the usage metadata carried by ev, if any.
func ExtractUsage(ev *Event) *Usage {
	for _, extract := range usageExtractors {
		if usage, ok := extract(ev); ok {
			return usage
		}
	}
	return nil
}

// ExtractBlockReason returns the safety/block reason exposed by ev, if any.
func ExtractBlockReason(ev *Event) string {
	if ev.PromptFeedback != nil && ev.PromptFeedback.BlockReason != "" {
		if ev.PromptFeedback.BlockReasonMessage != "" {
			return ev.PromptFeedback.BlockReason + ": " + ev.PromptFeedback.BlockReasonMessage
		}
		return ev.PromptFeedback.BlockReason
	}
	for _, cand := range ev.Candidates {
		if cand.FinishReason == genai.FinishReasonSafety ||
			cand.FinishReason == genai.FinishReasonProhibitedContent {
			return string(cand.FinishReason)
		}
	}
	return ""
}

func extractCandidateText(ev *Event) (string, bool) {
	var b strings.Builder
	for _, cand := range ev.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

func extractChoiceText(ev *Event) (string, bool) {
	var b strings.Builder
	for _, ch := range ev.Choices {
		if ch.Delta.Content != "" {
			b.WriteString(ch.Delta.Content)
		} else {
			b.WriteString(ch.Message.Content)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

func extractTopLevelText(ev *Event) (string, bool) {
	if ev.Text == "" {
		return "", false
	}
	return ev.Text, true
}

func extractUsageMetadata(ev *Event) (*Usage, bool) {
	if ev.UsageMetadata == nil {
		return nil, false
	}
	return ev.UsageMetadata, true
}

func extractOpenAIUsage(ev *Event) (*Usage, bool) {
	if ev.Usage == nil || (ev.Usage.PromptTokens == 0 && ev.Usage.CompletionTokens == 0 && ev.Usage.TotalTokens == 0) {
		return nil, false
	}
	return &Usage{
		PromptTokenCount:     ev.Usage.PromptTokens,
		CandidatesTokenCount: ev.Usage.CompletionTokens,
		TotalTokenCount:      ev.Usage.TotalTokens,
	}, true
}

// DecodeEvents decodes one JSON payload that may be a single object or an
// array of objects, always returning a slice (array-of-one when singular).
func DecodeEvents(payload []byte) []*Event {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var events []*Event
		if err := json.Unmarshal([]byte(trimmed), &events); err != nil {
			return nil
		}
		return events
	}

	var ev Event
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return nil
	}
	return []*Event{&ev}
}

// ParseFramePayloads extracts the decoded events of one stream frame.
// A frame may carry its payload across multiple data-lines; those lines form
// one logical event and are joined before JSON decoding. When the joined text
// does not decode, each line is retried individually (some upstreams emit one
// complete JSON object per data-line inside a single frame).
func ParseFramePayloads(frame string) []*Event {
	var dataLines []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		dataLines = append(dataLines, strings.TrimLeft(strings.TrimPrefix(line, "data:"), " \t"))
	}

	if len(dataLines) == 0 {
		return nil
	}

	merged := strings.TrimSpace(strings.Join(dataLines, "\n"))
	if merged == "" || merged == "[DONE]" {
		return nil
	}

	if events := DecodeEvents([]byte(merged)); events != nil {
		return events
	}

	var events []*Event
	for _, line := range dataLines {
		line = strings.TrimSpace(line)
		if line == "" || line == "[DONE]" {
			continue
		}
		events = append(events, DecodeEvents([]byte(line))...)
	}
	return events
}

// frameDelimiter separates upstream frames: a blank line, tolerating CRLF.
var frameDelimiter = regexp.MustCompile(`\r?\n\r?\n`)

// frameBuffer reassembles discrete frames from an arbitrarily chunked byte
// stream. Feed returns every complete frame; the trailing (possibly
// incomplete) fragment stays buffered until more bytes or Flush.
type frameBuffer struct {
	buf strings.Builder
}

func (f *frameBuffer) Feed(p []byte) []string {
	f.buf.Write(p)
	blocks := frameDelimiter.Split(f.buf.String(), -1)
	last := blocks[len(blocks)-1]
	f.buf.Reset()
	f.buf.WriteString(last)
	return blocks[:len(blocks)-1]
}

// Flush returns the remaining buffered fragment, if any, and empties the
// buffer. Called once when the upstream stream ends.
func (f *frameBuffer) Flush() (string, bool) {
	rest := strings.TrimSpace(f.buf.String())
	f.buf.Reset()
	if rest == "" {
		return "", false
	}
	return rest, true
}
