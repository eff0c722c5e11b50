package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when a response holds no parseable JSON object.
var ErrNoJSON = errors.New("no JSON object in LLM response")

// ParseJSONResponse parses a JSON object from an LLM response, handling
// markdown code fences and prose around the object.
func ParseJSONResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoJSON
	}

	// Strip markdown code fences
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		return result, nil
	}

	// Models sometimes wrap the object in a sentence.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, errors.Join(ErrNoJSON, err)
	}
	return result, nil
}

// GetString returns m[key] as a string, or def.
func GetString(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

// GetNumber returns m[key] as a float64, accepting numeric strings, or def.
func GetNumber(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		var f float64
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &f); err == nil {
			return f
		}
	}
	return def
}

// GetBool returns m[key] as a bool, or def.
func GetBool(m map[string]any, key string, def bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "si", "sí", "yes":
			return true
		case "false", "no":
			return false
		}
	}
	return def
}

// GetStrings returns m[key] as a string slice, skipping non-string items.
func GetStrings(m map[string]any, key string) []string {
	arr, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
