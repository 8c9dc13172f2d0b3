package handler

import (
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// JavaScriptVersion and TypeScriptVersion are the JS/TS handlers' version
// stamps.
const (
	JavaScriptVersion = "1"
	TypeScriptVersion = "1"
)

var jsRules = []symbolRule{
	{nodeType: "function_declaration", kind: "function", nameField: "name"},
	{nodeType: "class_declaration", kind: "class", nameField: "name"},
}

// NewJavaScriptDescriptor registers the JavaScript handler, grounded on
// tree-sitter's javascript grammar.
func NewJavaScriptDescriptor() Descriptor {
	return Descriptor{
		Name:        "javascript",
		Version:     JavaScriptVersion,
		DisplayName: "JavaScript",
		Extensions:  []string{"js", "jsx", "mjs", "cjs"},
		Shebangs:    []string{"node", "nodejs"},
		Enabled:     true,
		Parse:       treeSitterHandler(javascript.GetLanguage, "javascript", jsRules),
	}
}

// NewTypeScriptDescriptor registers the TypeScript handler, grounded on
// tree-sitter's typescript grammar.
func NewTypeScriptDescriptor() Descriptor {
	return Descriptor{
		Name:        "typescript",
		Version:     TypeScriptVersion,
		DisplayName: "TypeScript",
		Extensions:  []string{"ts", "tsx"},
		Enabled:     true,
		Parse:       treeSitterHandler(typescript.GetLanguage, "typescript", jsRules),
	}
}
