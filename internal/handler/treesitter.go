package handler

import (
	"context"
	"fmt"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
)

// symbolRule maps a tree-sitter node type to the HandlerSymbol kind it
// produces, plus the field name holding the symbol's identifier.
type symbolRule struct {
	nodeType  string
	kind      string
	nameField string
}

// treeSitterHandler builds a Parse function grounded on a tree-sitter
// grammar: it walks the parsed tree, emitting one HandlerSymbol per node
// matching rules, then chunks the whole file body honoring the token cap.
func treeSitterHandler(language func() *sitter.Language, languageName string, rules []symbolRule) func(string, []byte, Context) HandlerResult {
	return func(path string, content []byte, ctx Context) HandlerResult {
		file := NewHandlerFile(path, languageName, content)

		if !utf8.Valid(content) {
			return Empty(file, fmt.Sprintf("%s: input is not valid UTF-8", languageName))
		}
		if len(content) == 0 {
			return HandlerResult{File: file}
		}

		parser := sitter.NewParser()
		defer parser.Close()
		parser.SetLanguage(language())

		tree, err := parser.ParseCtx(context.Background(), nil, content)
		if err != nil {
			return Empty(file, fmt.Sprintf("%s: parse failed: %v", languageName, err))
		}
		defer tree.Close()

		var symbols []HandlerSymbol
		seen := map[string]int{}
		var walk func(n *sitter.Node)
		walk = func(n *sitter.Node) {
			if n == nil {
				return
			}
			for _, rule := range rules {
				if n.Type() != rule.nodeType {
					continue
				}
				nameNode := n.ChildByFieldName(rule.nameField)
				if nameNode == nil {
					break
				}
				name := nameNode.Content(content)
				seen[name]++
				symbolID := fmt.Sprintf("%s:%s:%d", rule.kind, name, seen[name])
				symbols = append(symbols, HandlerSymbol{
					SymbolID:    symbolID,
					Name:        name,
					Kind:        rule.kind,
					StartOffset: int(n.StartByte()),
					EndOffset:   int(n.EndByte()),
					Metadata:    map[string]interface{}{},
				})
				break
			}
			for i := 0; i < int(n.ChildCount()); i++ {
				walk(n.Child(i))
			}
		}
		walk(tree.RootNode())

		text := string(content)
		parts := splitByLines(text, ctx.MaxTokens, ctx.Encoder.Count)
		var chunks []HandlerChunk
		cursor := 0
		for i, part := range parts {
			start, end := offsetOf(cursor, part)
			cursor = end
			meta := map[string]interface{}{
				"char_start": start,
				"char_end":   end,
				"part_total": len(parts),
			}
			if len(parts) > 1 {
				meta["overflow"] = true
				meta["overflow_reason"] = "max_tokens"
			}
			chunks = append(chunks, HandlerChunk{
				ChunkID:     fmt.Sprintf("%s:0", languageName),
				Text:        part,
				TokenCount:  ctx.Encoder.Count(part),
				StartOffset: start,
				EndOffset:   end,
				PartIndex:   i,
				Metadata:    meta,
			})
		}

		return HandlerResult{File: file, Symbols: symbols, Chunks: chunks}
	}
}
