package escalation

import (
	"strings"
)

// DefaultKeywords are phrases that count as an explicit request for a human.
var DefaultKeywords = []string{
	"human",
	"real person",
	"talk to an agent",
	"speak to an agent",
	"live agent",
	"representative",
	"escalate",
}

// Detector decides whether a user message asks for a human outright.
type Detector interface {
	Requested(text string) bool
}

type KeywordDetector struct {
	keywords []string
}

func NewKeywordDetector(keywords []string) *KeywordDetector {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	normalized := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			normalized = append(normalized, k)
		}
	}
	return &KeywordDetector{keywords: normalized}
}

// Requested matches keywords on word boundaries, so "humanity" does not
// count as "human". A "#human" hashtag does.
func (d *KeywordDetector) Requested(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	joined := " " + strings.Join(words, " ") + " "
	for _, k := range d.keywords {
		if strings.Contains(joined, " "+k+" ") {
			return true
		}
	}
	return false
}
