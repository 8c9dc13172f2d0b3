package handler

import "strings"

// splitByLines breaks text into line-bounded parts, each counting under
// maxTokens when possible, per §4.13's token-cap splitting rule. When
// maxTokens <= 0 the text is returned as a single part. If a single line
// alone exceeds maxTokens, it is still emitted as its own oversized part.
func splitByLines(text string, maxTokens int, count func(string) int) []string {
	if maxTokens <= 0 || count(text) <= maxTokens {
		return []string{text}
	}

	lines := strings.SplitAfter(text, "\n")
	var parts []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}

	for _, line := range lines {
		if line == "" {
			continue
		}
		candidate := current.String() + line
		if current.Len() > 0 && count(candidate) > maxTokens {
			flush()
			current.WriteString(line)
			continue
		}
		current.WriteString(line)
	}
	flush()

	if len(parts) == 0 {
		return []string{text}
	}
	return parts
}

// offsetOf returns the byte range of part, taking part to begin exactly at
// cursor in the original text (splitByLines parts are contiguous slices);
// end doubles as the advanced cursor. The text is not searched.
func offsetOf(cursor int, part string) (start, end int) {
	return cursor, cursor + len(part)
}
