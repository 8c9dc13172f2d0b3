// Package slug normalizes arbitrary source names into workspace-safe slugs
// and validates that candidate filesystem paths stay within a base
// directory.
package slug

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var runRe = regexp.MustCompile(`[a-z0-9]+`)

// Normalize lowercases, strips non-ASCII via NFKD decomposition, and joins
// runs of [a-z0-9]+ with hyphens. It returns an error when the input
// normalizes to nothing.
func Normalize(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	ascii, _, err := transform.String(
		transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), runes.Remove(runes.NotIn(asciiRangeTable))),
		trimmed,
	)
	if err != nil {
		return "", fmt.Errorf("slug: normalize %q: %w", input, err)
	}

	lowered := strings.ToLower(ascii)
	parts := runRe.FindAllString(lowered, -1)
	if len(parts) == 0 {
		return "", fmt.Errorf("slug: %q normalizes to an empty slug", input)
	}
	return strings.Join(parts, "-"), nil
}

var asciiRangeTable = &unicode.RangeTable{
	R16: []unicode.Range16{{Lo: 0x00, Hi: 0x7F, Stride: 1}},
}

// ValidatePath requires that candidate, once made absolute and cleaned,
// lies inside base (also cleaned). Both paths are resolved independent of
// whether they exist on disk.
func ValidatePath(base, candidate string) error {
	absBase, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return fmt.Errorf("slug: resolve base %q: %w", base, err)
	}
	absCandidate, err := filepath.Abs(filepath.Clean(candidate))
	if err != nil {
		return fmt.Errorf("slug: resolve candidate %q: %w", candidate, err)
	}

	rel, err := filepath.Rel(absBase, absCandidate)
	if err != nil {
		return fmt.Errorf("slug: relate %q to %q: %w", candidate, base, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("slug: %q escapes base directory %q", candidate, base)
	}
	return nil
}
