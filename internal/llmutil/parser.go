// internal/llmutil/parser.go
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ParseJSONResponse attempts to parse an LLM response string into a target Go
// type. It handles common LLM formatting issues, such as wrapping the JSON in
// markdown code blocks or surrounding it with conversational prose.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	jsonStringToParse := response

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	// 1. Handle markdown wrapping (most common case).
	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			jsonStringToParse = matches[1]
		}
	} else if (isObject || isArray) && (!strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[")) {
		// 2. Attempt to find the structure within conversational text.
		if extracted, ok := widestStructure(response, isObject, isArray); ok {
			jsonStringToParse = extracted
		}
	}

	// 3. Unmarshal.
	var result T
	if err := json.Unmarshal([]byte(jsonStringToParse), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(jsonStringToParse, 500))
	}

	return &result, nil
}

// ExtractJSONArray returns the first well-formed JSON array substring of the
// response, tolerating markdown fencing and surrounding prose. The second
// return value is false when no array can be found.
func ExtractJSONArray(response string) (string, bool) {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```") {
		if matches := jsonArrayRegex.FindStringSubmatch(response); len(matches) > 1 {
			return matches[1], true
		}
	}

	// Prose such as "[1 of 1]" can precede the actual array, so every opening
	// bracket is a candidate start, not just the first.
	lb := strings.LastIndex(response, "]")
	for fb := strings.Index(response, "["); fb != -1 && fb < lb; {
		if candidate := response[fb : lb+1]; json.Valid([]byte(candidate)) {
			return candidate, true
		}
		// The widest span may capture unrelated brackets from prose; fall back
		// to narrower spans closing earlier.
		for end := fb + 1; end <= lb; end++ {
			if response[end] != ']' {
				continue
			}
			if narrow := response[fb : end+1]; json.Valid([]byte(narrow)) {
				return narrow, true
			}
		}
		next := strings.Index(response[fb+1:], "[")
		if next == -1 {
			break
		}
		fb += 1 + next
	}
	return "", false
}

// widestStructure finds the outermost {...} or [...] span in prose.
func widestStructure(response string, isObject, isArray bool) (string, bool) {
	firstBracket := -1
	lastBracket := -1

	if isObject {
		fb := strings.Index(response, "{")
		lb := strings.LastIndex(response, "}")
		if fb != -1 && lb != -1 && lb > fb {
			firstBracket = fb
			lastBracket = lb + 1
		}
	}

	if (firstBracket == -1 || lastBracket == -1) && isArray {
		fb := strings.Index(response, "[")
		lb := strings.LastIndex(response, "]")
		if fb != -1 && lb != -1 && lb > fb {
			firstBracket = fb
			lastBracket = lb + 1
		}
	}

	if firstBracket == -1 || lastBracket == -1 {
		return "", false
	}
	return response[firstBracket:lastBracket], true
}

// truncateString truncates a string to a maximum length for error messages.
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
