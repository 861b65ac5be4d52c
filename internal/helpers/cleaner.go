package helpers

import (
	"errors"
	"strings"
)

// ExtractJSON returns the JSON document embedded in an oracle reply. Models
// occasionally wrap structured output in a fenced code block or surround it
// with prose; this strips a ``` or ~~~ fence when present and otherwise
// returns the substring between the first '{' and the matching last '}'.
func ExtractJSON(s string) (string, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF"))
	if s == "" {
		return "", errors.New("empty oracle reply")
	}

	for _, fence := range []string{"```", "~~~"} {
		if i := strings.Index(s, fence); i >= 0 {
			rest := s[i+len(fence):]
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				rest = rest[nl+1:]
				if j := strings.Index(rest, fence); j >= 0 {
					s = strings.TrimSpace(rest[:j])
					break
				}
			}
		}
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in oracle reply")
	}
	return s[start : end+1], nil
}
