// Package brain is the language-model boundary. Everything the model returns
// crosses into the rest of the program as a typed decision or a plain string;
// free-form model output never leaks past this package.
package brain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoDecision means the model's output could not be decoded into the
// expected shape. Callers treat it as "do nothing this cycle".
var ErrNoDecision = errors.New("brain: model output did not decode into a decision")

// EngageDecision is the model's judgment on a feed post.
type EngageDecision struct {
	ShouldComment bool   `json:"should_comment"`
	ShouldUpvote  bool   `json:"should_upvote"`
	Reason        string `json:"reason"`
}

// ReplyDecision is the model's judgment on a comment under our own post.
type ReplyDecision struct {
	ShouldReply bool   `json:"should_reply"`
	Reason      string `json:"reason"`
}

// PostDraft is a generated post ready for submission.
type PostDraft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Submolt string `json:"submolt"`
}

// extractJSON pulls the first JSON object out of model output. Models wrap
// JSON in markdown fences or chat it up with prose; strip the fences, then
// take the outermost balanced brace pair.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("%w: no object found", ErrNoDecision)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unbalanced object", ErrNoDecision)
}

// decodeInto extracts and strictly decodes a JSON object from model output.
func decodeInto(raw string, out interface{}) error {
	obj, err := extractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDecision, err)
	}
	return nil
}
