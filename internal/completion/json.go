package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON is returned when a response contains no JSON object or array.
var ErrNoJSON = errors.New("no JSON found in response")

// DecodeJSON decodes the first JSON object or array in text into v. Models often wrap JSON
// in code fences or prose, or emit trailing commas and single quotes; when strict decoding
// fails the candidate is passed through jsonrepair and decoded again.
func DecodeJSON(text string, v any) error {
	candidate := ExtractJSON(text)
	if candidate == "" {
		return fmt.Errorf("%w: %s", ErrNoJSON, truncate(strings.TrimSpace(text), 200))
	}

	strictErr := json.Unmarshal([]byte(candidate), v)
	if strictErr == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response: %w (content: %s)", strictErr, truncate(candidate, 200))
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("failed to unmarshal repaired response: %w (content: %s)", err, truncate(candidate, 200))
	}
	return nil
}

// ExtractJSON returns the JSON payload embedded in content: the body of a ```json fence if
// present, otherwise the span from the first '{' or '[' to the matching last '}' or ']'.
// Returns empty string if no JSON boundaries are found.
func ExtractJSON(content string) string {
	if body, ok := fencedBlock(content); ok {
		content = body
	}

	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if content[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(content, closer)
	if end <= start {
		// Unterminated: hand the tail to the repairer.
		return content[start:]
	}
	return content[start : end+1]
}

func fencedBlock(content string) (string, bool) {
	open := strings.Index(content, "```")
	if open < 0 {
		return "", false
	}
	rest := content[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	closeIdx := strings.Index(rest, "```")
	if closeIdx < 0 {
		return rest, true
	}
	return rest[:closeIdx], true
}
