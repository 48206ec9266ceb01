package usage

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// DefaultCharsPerToken is the characters-per-token ratio used for estimates.
const DefaultCharsPerToken = 4

// TokenUsage is the resolved token usage of a request.
type TokenUsage struct {
	InputTokens    int64
	OutputTokens   int64
	EmbeddingCount int64
	Model          string
}

// Estimator derives token usage for requests whose handler did not supply it.
//
// The estimate is a payload-size heuristic (characters / ratio, rounded up).
// It is not billing accurate and is only meant to give the collector a
// relative measure of request weight.
type Estimator struct {
	CharsPerToken int
}

// NewEstimator returns an estimator with the given ratio, falling back to
// DefaultCharsPerToken for non-positive values.
func NewEstimator(charsPerToken int) Estimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return Estimator{CharsPerToken: charsPerToken}
}

// TokenUsage resolves token usage from a tracking snapshot. An explicit input or
// output override wins outright; counters the handler left unset are zero.
func (e Estimator) TokenUsage(s TrackingSnapshot) TokenUsage {
	usage := TokenUsage{Model: s.Model}
	if s.EmbeddingCount != nil {
		usage.EmbeddingCount = *s.EmbeddingCount
	}

	if s.InputTokens != nil || s.OutputTokens != nil {
		if s.InputTokens != nil {
			usage.InputTokens = *s.InputTokens
		}
		if s.OutputTokens != nil {
			usage.OutputTokens = *s.OutputTokens
		}
		return usage
	}

	usage.InputTokens = e.EstimateTokens(PayloadText(s.RequestBody))
	usage.OutputTokens = e.EstimateTokens(PayloadText(s.ResponseBody))
	return usage
}

// EstimateTokens returns ceil(characters / ratio) for text.
func (e Estimator) EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	n := int64(utf8.RuneCountInString(text))
	return (n + int64(ratio) - 1) / int64(ratio)
}

// PayloadText renders a captured payload as text. JSON payloads are compacted
// so formatting whitespace does not count; anything else is used verbatim.
func PayloadText(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			return buf.String()
		}
	}
	return string(body)
}
