package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// memoryListResponse is the extraction-mode response shape.
type memoryListResponse struct {
	Memories []struct {
		Content string `json:"content"`
	} `json:"memories"`
}

// promotionResponse is the promotion-mode response shape.
type promotionResponse struct {
	Promote []string `json:"promote"`
}

// safetyResponse is the safety-classification response shape.
type safetyResponse struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason"`
}

// extractJSON extracts the first complete JSON object from text that may
// contain extra prose. Models add explanations before/after the JSON despite
// instructions; this strips fences and brace-matches the outermost object.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]
		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}
		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return text
}

// ParseMemoryList parses an extraction response into memory contents.
// Blank entries are dropped rather than failing the batch; an error is
// returned only when the JSON itself is malformed or the "memories" key is
// missing.
func ParseMemoryList(raw string) ([]string, error) {
	jsonStr := extractJSON(raw)

	var resp memoryListResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("malformed extraction response: %w", err)
	}
	if resp.Memories == nil {
		return nil, fmt.Errorf("extraction response missing \"memories\" key")
	}

	var contents []string
	for _, m := range resp.Memories {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		contents = append(contents, content)
	}
	return contents, nil
}

// ParsePromotionList parses a promotion response into the ids selected for
// promotion. Ids not present in knownIDs are skipped (models occasionally
// invent or truncate ids); only malformed JSON fails the batch.
func ParsePromotionList(raw string, knownIDs []string) ([]string, error) {
	jsonStr := extractJSON(raw)

	var resp promotionResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("malformed promotion response: %w", err)
	}
	if resp.Promote == nil {
		return nil, fmt.Errorf("promotion response missing \"promote\" key")
	}

	known := make(map[string]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}

	seen := make(map[string]bool)
	var ids []string
	for _, id := range resp.Promote {
		id = strings.TrimSpace(id)
		if id == "" || !known[id] || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseSafetyVerdict parses a safety-classification response. An unsafe
// verdict with no reason gets a generic one so callers always have text to
// surface.
func ParseSafetyVerdict(raw string) (Verdict, error) {
	jsonStr := extractJSON(raw)

	var resp safetyResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return Verdict{}, fmt.Errorf("malformed safety response: %w", err)
	}

	verdict := Verdict{Safe: resp.Safe, Reason: strings.TrimSpace(resp.Reason)}
	if !verdict.Safe && verdict.Reason == "" {
		verdict.Reason = "classifier judged the text unsafe"
	}
	return verdict, nil
}
