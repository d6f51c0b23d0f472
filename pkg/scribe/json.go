package scribe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON returns the JSON payload of an LLM answer, tolerating markdown
// fences and chatter around the object or array.
func extractJSON(answer string) string {
	s := strings.TrimSpace(answer)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closing := byte('}')
	if s[start] == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(s, closing)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

func decodeAnswer(answer string, v interface{}) error {
	if err := json.Unmarshal([]byte(extractJSON(answer)), v); err != nil {
		return fmt.Errorf("decode llm answer: %w", err)
	}
	return nil
}
