package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Repairs for the syntax slips chat models make most often in JSON output.
var (
	trailingCommaRegex    = regexp.MustCompile(`,\s*([}\]])`)
	singleQuoteKeyRegex   = regexp.MustCompile(`([{,]\s*)'(\w+)'(\s*:)`)
	singleQuoteValueRegex = regexp.MustCompile(`(:\s*)'((?:[^'\\]|\\.)*)'(\s*[,}\]])`)
	missingCommaRegex     = regexp.MustCompile(`("|\d|true|false|null|[}\]])\s*\n\s*("[^"]+"\s*:)`)
)

// ExtractAndParseJSON pulls the first JSON value out of a model response
// (ignoring markdown fences and surrounding prose) and decodes it into T.
// When strict decoding fails it retries once on a repaired copy.
func ExtractAndParseJSON[T any](response string) (T, error) {
	var result T

	cleaned := stripCodeFence(response)
	if cleaned == "" {
		return result, fmt.Errorf("no JSON found in response")
	}

	idx := strings.IndexAny(cleaned, "{[")
	if idx == -1 {
		// The whole payload may be a JSON string that itself contains JSON.
		var inner string
		if err := json.Unmarshal([]byte(cleaned), &inner); err == nil && inner != cleaned {
			return ExtractAndParseJSON[T](inner)
		}
		return result, fmt.Errorf("no JSON start ({ or [) found")
	}

	// A Decoder reads one value and ignores trailing prose.
	jsonPart := cleaned[idx:]
	err := json.NewDecoder(strings.NewReader(jsonPart)).Decode(&result)
	if err == nil {
		return result, nil
	}

	repaired := repairJSON(jsonPart)
	if repaired != jsonPart {
		var second T
		if err2 := json.NewDecoder(strings.NewReader(repaired)).Decode(&second); err2 == nil {
			return second, nil
		}
	}
	return result, fmt.Errorf("parse JSON: %w", err)
}

func repairJSON(input string) string {
	out := sanitizeStrings(input)
	out = missingCommaRegex.ReplaceAllString(out, `$1, $2`)
	out = trailingCommaRegex.ReplaceAllString(out, `$1`)
	out = singleQuoteKeyRegex.ReplaceAllString(out, `$1"$2"$3`)
	out = singleQuoteValueRegex.ReplaceAllStringFunc(out, func(match string) string {
		parts := singleQuoteValueRegex.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		value := strings.ReplaceAll(parts[2], `\'`, `'`)
		value = strings.ReplaceAll(value, `"`, `\"`)
		return parts[1] + `"` + value + `"` + parts[3]
	})
	return closeTruncated(out)
}

// sanitizeStrings escapes raw control characters inside strings and doubles
// backslashes that do not start a valid JSON escape (regexes, Windows paths).
func sanitizeStrings(input string) string {
	var sb strings.Builder
	sb.Grow(len(input) + 16)

	inString := false
	for i := 0; i < len(input); i++ {
		c := input[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			sb.WriteByte(c)
			continue
		}
		switch {
		case c == '\\':
			if i+1 < len(input) && strings.IndexByte(`"\/bfnrtu`, input[i+1]) >= 0 {
				sb.WriteByte(c)
				sb.WriteByte(input[i+1])
				i++
				continue
			}
			sb.WriteString(`\\`)
		case c == '"':
			inString = false
			sb.WriteByte(c)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(&sb, `\u%04x`, c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// closeTruncated balances an unterminated string and open brackets, which
// happens when the model hits its output token limit.
func closeTruncated(input string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(input); i++ {
		c := input[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		input += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		input += string(stack[i])
	}
	return input
}

func stripCodeFence(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
		// Drop an optional language tag such as ```json.
		if nl := strings.IndexByte(response, '\n'); nl != -1 && !strings.ContainsAny(response[:nl], "{[") {
			response = response[nl+1:]
		}
	}
	response = strings.TrimSuffix(strings.TrimSpace(response), "```")
	return strings.TrimSpace(response)
}
