package handler

import (
	"fmt"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// MarkdownVersion is the markdown handler's version stamp.
const MarkdownVersion = "1"

// NewMarkdownDescriptor registers the markdown handler: the document body
// chunked normally, plus one delegate chunk per fenced code block with a
// recognized language.
func NewMarkdownDescriptor() Descriptor {
	return Descriptor{
		Name:        "markdown",
		Version:     MarkdownVersion,
		DisplayName: "Markdown",
		Extensions:  []string{"md", "markdown"},
		Enabled:     true,
		Parse:       parseMarkdown,
	}
}

func parseMarkdown(path string, content []byte, ctx Context) HandlerResult {
	file := NewHandlerFile(path, "markdown", content)

	if !utf8.Valid(content) {
		return Empty(file, "markdown: input is not valid UTF-8")
	}
	if len(content) == 0 {
		return HandlerResult{File: file}
	}

	md := goldmark.New()
	reader := gmtext.NewReader(content)
	doc := md.Parser().Parse(reader)

	type fence struct {
		language   string
		start, end int
	}
	var fences []fence

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lang := string(fcb.Language(content))
		if lang == "" {
			return ast.WalkContinue, nil
		}
		lines := fcb.Lines()
		if lines.Len() == 0 {
			return ast.WalkContinue, nil
		}
		start := lines.At(0).Start
		end := lines.At(lines.Len() - 1).Stop
		fences = append(fences, fence{language: lang, start: start, end: end})
		return ast.WalkContinue, nil
	})

	text := string(content)
	bodyParts := splitByLines(text, ctx.MaxTokens, ctx.Encoder.Count)

	var chunks []HandlerChunk
	cursor := 0
	for i, part := range bodyParts {
		start, end := offsetOf(cursor, part)
		cursor = end
		meta := map[string]interface{}{
			"char_start": start,
			"char_end":   end,
			"part_total": len(bodyParts),
		}
		if len(bodyParts) > 1 {
			meta["overflow"] = true
			meta["overflow_reason"] = "max_tokens"
		}
		chunks = append(chunks, HandlerChunk{
			ChunkID:     "markdown:body:0",
			Text:        part,
			TokenCount:  ctx.Encoder.Count(part),
			StartOffset: start,
			EndOffset:   end,
			PartIndex:   i,
			Metadata:    meta,
		})
	}

	parentChunkID := ""
	if len(chunks) > 0 {
		parentChunkID = chunks[0].ChunkID
	}

	for idx, f := range fences {
		codeText := string(content[f.start:f.end])
		chunkID := fmt.Sprintf("%s:delegate:markdown:fence:%d:%d", f.language, f.start, f.end)
		chunks = append(chunks, HandlerChunk{
			ChunkID:     chunkID,
			Text:        codeText,
			TokenCount:  ctx.Encoder.Count(codeText),
			StartOffset: f.start,
			EndOffset:   f.end,
			PartIndex:   0,
			Delegate:    f.language,
			Metadata: map[string]interface{}{
				"char_start":             f.start,
				"char_end":               f.end,
				"part_total":             1,
				"delegate_parent_chunk":  parentChunkID,
				"fence_index":            idx,
			},
		})
	}

	return HandlerResult{File: file, Chunks: chunks}
}
