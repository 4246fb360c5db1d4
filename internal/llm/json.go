package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedObject = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	bareObject   = regexp.MustCompile(`(?s)\{.*\}`)
)

// ExtractJSON pulls the JSON object out of a model response. Fenced code
// blocks win over bare braces. Line comments and trailing commas are removed.
// It returns "" when no object is present.
func ExtractJSON(content string) string {
	var raw string
	if m := fencedObject.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = bareObject.FindString(content)
	}
	if raw == "" {
		return ""
	}
	lines := strings.Split(raw, "\n")
	for i, l := range lines {
		lines[i] = stripLineComment(l)
	}
	return dropTrailingCommas(strings.Join(lines, "\n"))
}

// dropTrailingCommas removes commas that directly precede a closing brace or
// bracket. Commas inside string values are kept.
func dropTrailingCommas(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	inString, escaped := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case c == ',' && !inString:
			j := i + 1
			for j < len(raw) && strings.IndexByte(" \t\r\n", raw[j]) >= 0 {
				j++
			}
			if j < len(raw) && (raw[j] == '}' || raw[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// stripLineComment drops a trailing // comment that sits outside string values.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

// Decode extracts the JSON object from content and unmarshals it into a T.
// A response without an object yields ErrNoJSON.
func Decode[T any](content string) (*T, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, ErrNoJSON
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &v, nil
}
