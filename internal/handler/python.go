package handler

import (
	"github.com/smacker/go-tree-sitter/python"
)

// PythonVersion is the Python handler's version stamp.
const PythonVersion = "1"

var pythonRules = []symbolRule{
	{nodeType: "function_definition", kind: "function", nameField: "name"},
	{nodeType: "class_definition", kind: "class", nameField: "name"},
}

// NewPythonDescriptor registers the Python handler, grounded on
// tree-sitter's python grammar.
func NewPythonDescriptor() Descriptor {
	return Descriptor{
		Name:        "python",
		Version:     PythonVersion,
		DisplayName: "Python",
		Extensions:  []string{"py", "pyi"},
		Shebangs:    []string{"python", "python3", "python2"},
		Enabled:     true,
		Parse:       treeSitterHandler(python.GetLanguage, "python", pythonRules),
	}
}
