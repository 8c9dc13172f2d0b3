package handler

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// HTMLVersion is the HTML handler's version stamp.
const HTMLVersion = "1"

// NewHTMLDescriptor registers the HTML handler: the document chunked
// normally, plus one delegate chunk per inline <script>/<style> element.
func NewHTMLDescriptor() Descriptor {
	return Descriptor{
		Name:        "html",
		Version:     HTMLVersion,
		DisplayName: "HTML",
		Extensions:  []string{"html", "htm"},
		Enabled:     true,
		Parse:       parseHTML,
	}
}

func parseHTML(path string, content []byte, ctx Context) HandlerResult {
	file := NewHandlerFile(path, "html", content)

	if !utf8.Valid(content) {
		return Empty(file, "html: input is not valid UTF-8")
	}
	if len(content) == 0 {
		return HandlerResult{File: file}
	}

	text := string(content)
	regions := findScriptsAndStyles(content)

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
			ChunkID:     "html:body:0",
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

	for _, region := range regions {
		if region.start >= region.end {
			continue
		}
		codeText := string(content[region.start:region.end])
		chunkID := fmt.Sprintf("%s:delegate:html:%s:%d:%d", region.delegate, region.component, region.start, region.end)
		chunks = append(chunks, HandlerChunk{
			ChunkID:     chunkID,
			Text:        codeText,
			TokenCount:  ctx.Encoder.Count(codeText),
			StartOffset: region.start,
			EndOffset:   region.end,
			PartIndex:   0,
			Delegate:    region.delegate,
			Metadata: map[string]interface{}{
				"char_start":            region.start,
				"char_end":              region.end,
				"part_total":            1,
				"delegate_parent_chunk": parentChunkID,
			},
		})
	}

	return HandlerResult{File: file, Chunks: chunks}
}

type htmlRegion struct {
	component  string
	delegate   string
	start, end int
}

// findScriptsAndStyles tokenizes content, tracking byte offsets by
// accumulating len(Raw()) per token, and returns the byte range of each
// inline <script>/<style> element's text content. The HTML tokenizer
// yields script/style bodies as a single raw text token, so the content
// range is exactly that token's span.
func findScriptsAndStyles(content []byte) []htmlRegion {
	var regions []htmlRegion
	tokenizer := html.NewTokenizer(bytes.NewReader(content))

	pos := 0
	openTag := ""
	component := 0

	for {
		tt := tokenizer.Next()
		raw := tokenizer.Raw()
		start := pos
		pos += len(raw)
		end := pos

		switch tt {
		case html.ErrorToken:
			return regions
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && tt == html.StartTagToken {
				openTag = tag
			}
		case html.TextToken:
			if openTag != "" {
				regions = append(regions, htmlRegion{
					component: fmt.Sprintf("%s%d", openTag, component),
					delegate:  delegateForTag(openTag),
					start:     start,
					end:       end,
				})
				component++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if string(name) == openTag {
				openTag = ""
			}
		}
	}
}

func delegateForTag(tag string) string {
	if tag == "style" {
		return "css"
	}
	return "javascript"
}
