package runner

import (
	"encoding/json"
	"fmt"
)

// ExtractFirstJSONObject scans data for the first top-level JSON object and
// returns it. Evaluation tooling interleaves warnings and progress noise with
// its JSON on the same streams, so strict whole-output decoding is useless;
// instead we find the first balanced {...} span, honoring strings and escape
// sequences, and validate just that span.
func ExtractFirstJSONObject(data []byte) (json.RawMessage, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, b := range data {
		if start < 0 {
			if b == '{' {
				start = i
				depth = 1
			}
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := data[start : i+1]
				if !json.Valid(candidate) {
					return nil, fmt.Errorf("first brace-balanced span is not valid JSON")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}

	if start < 0 {
		return nil, fmt.Errorf("no JSON object found in output")
	}
	return nil, fmt.Errorf("unterminated JSON object in output")
}
