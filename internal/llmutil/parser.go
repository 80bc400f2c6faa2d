// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*({.*})\\s*\x60\x60\x60")

	// codeBlockRegex extracts content wrapped in markdown, with any language tag.
	codeBlockRegex = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60$")

	// speakerPrefixRegex matches a leading "Agent:" style label some models prepend to a reply.
	speakerPrefixRegex = regexp.MustCompile(`(?i)^\s*(agent|assistant|rachel|defaulter|user)\s*:\s*`)
)

// ErrEmptyResponse is returned when there is nothing to parse.
var ErrEmptyResponse = errors.New("empty LLM response")

// Parsed is the outcome of parsing model output into T. Exactly one of Value or
// Err is meaningful: OK reports which. Raw always holds the original text so
// callers can log or surface it on the malformed path.
type Parsed[T any] struct {
	OK    bool
	Value T
	Raw   string
	Err   error
}

// ExtractJSONObject finds the JSON object inside a model response. It prefers a
// fenced code block, then falls back to the span between the first '{' and the
// last '}'. The second return is false when no object could be located.
func ExtractJSONObject(response string) (string, bool) {
	response = strings.TrimSpace(response)
	if response == "" {
		return "", false
	}

	if strings.Contains(response, "\x60\x60\x60") {
		if matches := jsonObjectRegex.FindStringSubmatch(response); len(matches) > 1 {
			return matches[1], true
		}
	}

	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first == -1 || last == -1 || last < first {
		return "", false
	}
	return response[first : last+1], true
}

// Parse attempts to decode an LLM response into T. It never panics and never
// returns a zero-value success: an empty or unparseable response yields a
// Parsed with OK false and a descriptive Err.
func Parse[T any](response string) Parsed[T] {
	out := Parsed[T]{Raw: response}

	if strings.TrimSpace(response) == "" {
		out.Err = ErrEmptyResponse
		return out
	}

	obj, found := ExtractJSONObject(response)
	if !found {
		out.Err = fmt.Errorf("no JSON object found in LLM response (truncated): %s", truncateString(response, 500))
		return out
	}

	var value T
	if err := json.Unmarshal([]byte(obj), &value); err != nil {
		out.Err = fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(obj, 500))
		return out
	}

	out.OK = true
	out.Value = value
	return out
}

// ParseJSONResponse is the pointer-returning form of Parse.
func ParseJSONResponse[T any](response string) (*T, error) {
	p := Parse[T](response)
	if !p.OK {
		return nil, p.Err
	}
	return &p.Value, nil
}

// CleanTextOutput strips markdown fences, surrounding quotes and a leading
// speaker label from a free-text model reply.
func CleanTextOutput(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "\x60\x60\x60") {
		if matches := codeBlockRegex.FindStringSubmatch(content); len(matches) > 1 {
			content = strings.TrimSpace(matches[1])
		}
	}
	content = speakerPrefixRegex.ReplaceAllString(content, "")
	if len(content) >= 2 && strings.HasPrefix(content, `"`) && strings.HasSuffix(content, `"`) {
		content = strings.TrimSpace(content[1 : len(content)-1])
	}
	return content
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Simple truncation; does not account for rune boundaries but sufficient for error logging.
	return s[:maxLen] + "..."
}
