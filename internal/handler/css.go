package handler

import (
	"fmt"
	"unicode/utf8"

	"github.com/gorilla/css/scanner"
)

// CSSVersion is the CSS handler's version stamp.
const CSSVersion = "1"

// NewCSSDescriptor registers the CSS handler: one chunk per top-level
// rule block, delimited by brace depth.
func NewCSSDescriptor() Descriptor {
	return Descriptor{
		Name:        "css",
		Version:     CSSVersion,
		DisplayName: "CSS",
		Extensions:  []string{"css"},
		Enabled:     true,
		Parse:       parseCSS,
	}
}

// probeTokenize runs the gorilla/css scanner over text and reports
// whether it produced any recognizable tokens, used as a lightweight
// well-formedness signal before the handler does its own brace-depth
// segmentation (the scanner does not expose reliable byte offsets).
func probeTokenize(text string) bool {
	s := scanner.New(text)
	for {
		tok := s.Next()
		if tok.Type == scanner.TokenEOF {
			return true
		}
		if tok.Type == scanner.TokenError {
			return false
		}
	}
}

func parseCSS(path string, content []byte, ctx Context) HandlerResult {
	file := NewHandlerFile(path, "css", content)

	if !utf8.Valid(content) {
		return Empty(file, "css: input is not valid UTF-8")
	}
	if len(content) == 0 {
		return HandlerResult{File: file}
	}

	text := string(content)
	wellFormed := probeTokenize(text)

	blocks := braceBlocks(text)

	var chunks []HandlerChunk
	idx := 0
	emit := func(start, end int) {
		if start >= end {
			return
		}
		segment := text[start:end]
		parts := splitByLines(segment, ctx.MaxTokens, ctx.Encoder.Count)
		cursor := start
		for pi, part := range parts {
			s, e := offsetOf(cursor, part)
			cursor = e
			meta := map[string]interface{}{"char_start": s, "char_end": e, "part_total": len(parts)}
			if len(parts) > 1 {
				meta["overflow"] = true
				meta["overflow_reason"] = "max_tokens"
			}
			if !wellFormed {
				meta["malformed"] = true
			}
			chunks = append(chunks, HandlerChunk{
				ChunkID:     fmt.Sprintf("css:%d", idx),
				Text:        part,
				TokenCount:  ctx.Encoder.Count(part),
				StartOffset: s,
				EndOffset:   e,
				PartIndex:   pi,
				Metadata:    meta,
			})
		}
		idx++
	}

	lastEnd := 0
	for _, b := range blocks {
		emit(lastEnd, b.end)
		lastEnd = b.end
	}
	if lastEnd < len(text) {
		emit(lastEnd, len(text))
	}

	return HandlerResult{File: file, Chunks: chunks}
}

type byteRange struct{ start, end int }

// braceBlocks returns the [start,end) byte range of each top-level
// `{...}` block in text, in order, by simple depth counting. This does
// not understand CSS strings/comments containing braces; adequate for a
// chunking boundary heuristic.
func braceBlocks(text string) []byteRange {
	var blocks []byteRange
	depth := 0
	blockStart := 0
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				blockStart = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					blocks = append(blocks, byteRange{blockStart, i + 1})
				}
			}
		}
	}
	return blocks
}
