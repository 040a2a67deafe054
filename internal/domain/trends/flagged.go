package trends

import (
	"strings"
	"unicode"
)

// ExtractFlagged returns the list items between start and end markers in a response.
// Every marked section is read; an unterminated section runs to the end of the text.
// Markers match case-insensitively. Bullets and numbering are stripped.
func ExtractFlagged(response, start, end string) []string {
	if start == "" {
		return nil
	}

	lower := strings.ToLower(response)
	startLower, endLower := strings.ToLower(start), strings.ToLower(end)

	var items []string
	pos := 0
	for {
		i := strings.Index(lower[pos:], startLower)
		if i < 0 {
			break
		}
		bodyStart := pos + i + len(start)
		bodyEnd := len(response)
		if end != "" {
			if j := strings.Index(lower[bodyStart:], endLower); j >= 0 {
				bodyEnd = bodyStart + j
			}
		}

		for _, line := range strings.Split(response[bodyStart:bodyEnd], "\n") {
			if item := stripBullet(line); item != "" {
				items = append(items, item)
			}
		}

		pos = bodyEnd
		if end != "" && bodyEnd < len(response) {
			pos += len(end)
		}
		if pos >= len(response) {
			break
		}
	}
	return items
}

// stripBullet removes "-", "*", "•" and "1." or "1)" prefixes.
func stripBullet(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "-*•")

	digits := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if digits > 0 && (s[digits] == '.' || s[digits] == ')') {
		s = s[digits+1:]
	}
	return strings.TrimSpace(s)
}
