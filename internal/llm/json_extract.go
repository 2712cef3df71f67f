package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// fencePattern matches markdown code fences with an optional language tag.
var fencePattern = regexp.MustCompile("(?s)```(\\w*)\\s*\\n(.+?)\\n```")

// ExtractJSON pulls a JSON document out of a reasoning reply. Models wrap
// their output in prose and markdown fences no matter how firmly the prompt
// forbids it, so extraction tries, in order:
//
//  1. fenced blocks tagged json (or untagged)
//  2. the first bare {...} or [...] with balanced brackets
//
// The returned string is guaranteed to parse as JSON; shape validation is
// the caller's job.
func ExtractJSON(response string) (string, error) {
	if doc, ok := extractFenced(response); ok {
		return doc, nil
	}

	if doc, ok := extractBare(response); ok {
		return doc, nil
	}

	return "", types.NewError(ErrNoJSONFound, "no valid JSON document found in response")
}

// ExtractJSONAs extracts JSON and unmarshals it into T.
func ExtractJSONAs[T any](response string) (T, error) {
	var result T

	doc, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal extracted JSON: %w", err)
	}

	return result, nil
}

// extractFenced scans markdown code fences for a JSON document.
// Blocks tagged with a non-json language are skipped.
func extractFenced(response string) (string, bool) {
	for _, match := range fencePattern.FindAllStringSubmatch(response, -1) {
		lang := strings.ToLower(match[1])
		if lang != "" && lang != "json" {
			continue
		}

		content := strings.TrimSpace(match[2])
		if !strings.HasPrefix(content, "{") && !strings.HasPrefix(content, "[") {
			continue
		}
		if parsesAsJSON(content) {
			return content, true
		}
	}

	return "", false
}

// extractBare finds the first balanced JSON object or array in free text.
func extractBare(response string) (string, bool) {
	objAt := strings.IndexByte(response, '{')
	arrAt := strings.IndexByte(response, '[')

	start, closer := -1, byte('}')
	if objAt >= 0 && (arrAt < 0 || objAt < arrAt) {
		start, closer = objAt, '}'
	} else if arrAt >= 0 {
		start, closer = arrAt, ']'
	}
	if start < 0 {
		return "", false
	}

	doc := balancedPrefix(response[start:], closer)
	if doc != "" && parsesAsJSON(doc) {
		return doc, true
	}

	return "", false
}

// balancedPrefix returns the shortest prefix of s whose brackets balance,
// ignoring brackets inside JSON strings and honoring escapes.
func balancedPrefix(s string, closer byte) string {
	if len(s) == 0 {
		return ""
	}

	opener := s[0]
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}

func parsesAsJSON(s string) bool {
	var raw json.RawMessage
	return json.Unmarshal([]byte(s), &raw) == nil
}
