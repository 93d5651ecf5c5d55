package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken approximates English prose for budget arithmetic.
const charsPerToken = 4

// Budget limits how much of a document is sent to a model. Documents over
// MaxTokens keep their first HeadTokens and last TailTokens worth of text.
type Budget struct {
	MaxTokens  int
	HeadTokens int
	TailTokens int
	// Marker is inserted between head and tail.
	Marker string
}

// DefaultBudget matches a 30k token context for full paper text.
func DefaultBudget(marker string) Budget {
	return Budget{MaxTokens: 30_000, HeadTokens: 20_000, TailTokens: 10_000, Marker: marker}
}

// Truncate applies b to text. Text within budget is returned unchanged.
func (b Budget) Truncate(text string) string {
	runes := utf8.RuneCountInString(text)
	if runes <= b.MaxTokens*charsPerToken {
		return text
	}
	head := b.HeadTokens * charsPerToken
	tail := b.TailTokens * charsPerToken
	if head+tail >= runes {
		return text
	}

	r := []rune(text)
	return string(r[:head]) + b.Marker + string(r[len(r)-tail:])
}

// DecodeJSON unmarshals the JSON object in content into v. Markdown code
// fences and prose around the object are ignored.
func DecodeJSON(content string, v any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return fmt.Errorf("llm: no JSON object in response: %q", abbreviate(content, 200))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("llm: failed to parse JSON response: %w", err)
	}
	return nil
}

func abbreviate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
