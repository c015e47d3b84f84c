package provider

import (
	"encoding/json"
	"regexp"
	"strings"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkBlocks removes `<think>...</think>` reasoning blocks some models
// emit ahead of their actual answer, grounded on the teacher's llm client.
func StripThinkBlocks(s string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(s, ""))
}

// StripFences removes a single leading/trailing markdown code fence, after
// stripping any think blocks first.
func StripFences(s string) string {
	s = StripThinkBlocks(s)
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// decodeLenient unmarshals raw (after fence/think stripping) into v,
// tolerating a completely malformed blob by leaving v at its zero value.
func decodeLenient(raw string, v any) error {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return nil
	}
	return json.Unmarshal([]byte(cleaned), v)
}
