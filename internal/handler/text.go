package handler

import (
	"unicode/utf8"
)

// TextVersion is the plain-text handler's version stamp.
const TextVersion = "1"

// NewTextDescriptor registers the fallback plain-text handler: no
// symbols, one chunk per token-cap-bounded slice of the whole file.
func NewTextDescriptor() Descriptor {
	return Descriptor{
		Name:        "text",
		Version:     TextVersion,
		DisplayName: "Plain Text",
		Extensions:  []string{"txt", "text", "cfg", "ini", "log"},
		Enabled:     true,
		Parse:       parseText,
	}
}

func parseText(path string, content []byte, ctx Context) HandlerResult {
	file := NewHandlerFile(path, "text", content)

	if !utf8.Valid(content) {
		return Empty(file, "text: input is not valid UTF-8")
	}
	if len(content) == 0 {
		return HandlerResult{File: file}
	}

	text := string(content)
	parts := splitByLines(text, ctx.MaxTokens, ctx.Encoder.Count)

	var chunks []HandlerChunk
	cursor := 0
	for i, part := range parts {
		start, end := offsetOf(cursor, part)
		cursor = end
		overflow := len(parts) > 1
		meta := map[string]interface{}{
			"char_start":  start,
			"char_end":    end,
			"part_total":  len(parts),
		}
		if overflow {
			meta["overflow"] = true
			meta["overflow_reason"] = "max_tokens"
		}
		chunks = append(chunks, HandlerChunk{
			ChunkID:     "text:0",
			Text:        part,
			TokenCount:  ctx.Encoder.Count(part),
			StartOffset: start,
			EndOffset:   end,
			PartIndex:   i,
			Metadata:    meta,
		})
	}

	return HandlerResult{File: file, Chunks: chunks}
}
