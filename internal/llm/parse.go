package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedResponse is matched by every error returned when a model reply
// cannot be coerced into a JSON array.
var ErrMalformedResponse = errors.New("malformed AI response")

var fencedJSONRegex = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")

// MalformedResponseError carries the raw model reply for diagnostics.
type MalformedResponseError struct {
	Raw string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: no valid JSON array found (raw: %s)", ErrMalformedResponse, e.Raw)
}

func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// ParseJSONArray extracts a JSON array from free text returned by a model.
// A ```json fenced block is preferred; otherwise the span from the first '['
// to the last ']' is tried.
func ParseJSONArray(raw string) ([]any, error) {
	if m := fencedJSONRegex.FindStringSubmatch(raw); m != nil {
		if arr, ok := decodeArray(m[1]); ok {
			return arr, nil
		}
	}

	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start >= 0 && end > start {
		if arr, ok := decodeArray(raw[start : end+1]); ok {
			return arr, nil
		}
	}

	return nil, &MalformedResponseError{Raw: raw}
}

func decodeArray(s string) ([]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	arr, ok := v.([]any)
	return arr, ok
}
