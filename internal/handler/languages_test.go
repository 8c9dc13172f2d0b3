package handler

import (
	"strings"
	"testing"
)

func testContext(maxTokens int) Context {
	cache := NewEncoderCache()
	return Context{
		MaxTokens: maxTokens,
		Encoder:   cache.Get("test-fallback-encoding", nil),
	}
}

// repeatLines builds content long enough to force splitByLines to emit
// more than one part under a small token cap.
func repeatLines(line string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// assertPartIndexCoverage checks property 9: within every chunk_id group,
// part_index covers {0 ... len(group)-1} exactly once and part_total
// matches the group size.
func assertPartIndexCoverage(t *testing.T, chunks []HandlerChunk) {
	t.Helper()
	groups := map[string][]HandlerChunk{}
	for _, c := range chunks {
		groups[c.ChunkID] = append(groups[c.ChunkID], c)
	}
	for id, group := range groups {
		seen := make([]bool, len(group))
		for _, c := range group {
			total, _ := c.Metadata["part_total"].(int)
			if total != len(group) {
				t.Fatalf("chunk_id %s: part_total %d does not match group size %d", id, total, len(group))
			}
			if c.PartIndex < 0 || c.PartIndex >= len(group) {
				t.Fatalf("chunk_id %s: part_index %d out of range [0,%d)", id, c.PartIndex, len(group))
			}
			if seen[c.PartIndex] {
				t.Fatalf("chunk_id %s: duplicate part_index %d", id, c.PartIndex)
			}
			seen[c.PartIndex] = true
		}
	}
}

func TestParseTextProducesSingleChunkWhenUnderCap(t *testing.T) {
	result := parseText("notes.txt", []byte("hello world\n"), testContext(0))
	if len(result.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(result.Chunks))
	}
	if result.File.Checksum == "" {
		t.Fatalf("expected checksum to be set")
	}
}

func TestParseTextRejectsNonUTF8(t *testing.T) {
	result := parseText("notes.txt", []byte{0xff, 0xfe, 0x00}, testContext(0))
	if len(result.Errors) == 0 {
		t.Fatalf("expected an error for non-UTF8 input")
	}
	if len(result.Chunks) != 0 || len(result.Symbols) != 0 {
		t.Fatalf("expected no chunks/symbols on read failure")
	}
}

func TestParseTextEmptyFileHasNoChunks(t *testing.T) {
	result := parseText("empty.txt", []byte{}, testContext(0))
	if len(result.Chunks) != 0 {
		t.Fatalf("expected no chunks for empty file, got %d", len(result.Chunks))
	}
}

func TestParseTextSplitSharesOneChunkIDAcrossParts(t *testing.T) {
	src := []byte(repeatLines("this line is long enough to force a token split boundary", 20))
	result := parseText("big.txt", src, testContext(5))
	if len(result.Chunks) < 2 {
		t.Fatalf("expected the split path to produce multiple parts, got %d", len(result.Chunks))
	}
	first := result.Chunks[0].ChunkID
	for _, c := range result.Chunks {
		if c.ChunkID != first {
			t.Fatalf("expected every part to share chunk_id %q, got %q", first, c.ChunkID)
		}
	}
	assertPartIndexCoverage(t, result.Chunks)
}

func TestParsePythonExtractsSymbols(t *testing.T) {
	src := []byte("class Foo:\n    def bar(self):\n        pass\n")
	result := parsePythonForTest(src)
	if len(result.Symbols) < 2 {
		t.Fatalf("expected at least 2 symbols (class + method), got %d: %+v", len(result.Symbols), result.Symbols)
	}
}

func parsePythonForTest(src []byte) HandlerResult {
	d := NewPythonDescriptor()
	return d.Parse("sample.py", src, testContext(0))
}

func TestParsePythonSplitSharesOneChunkIDAcrossParts(t *testing.T) {
	src := []byte(repeatLines("# this comment line is long enough to force a split boundary", 20))
	d := NewPythonDescriptor()
	result := d.Parse("big.py", src, testContext(5))
	if len(result.Chunks) < 2 {
		t.Fatalf("expected the split path to produce multiple parts, got %d", len(result.Chunks))
	}
	first := result.Chunks[0].ChunkID
	for _, c := range result.Chunks {
		if c.ChunkID != first {
			t.Fatalf("expected every part to share chunk_id %q, got %q", first, c.ChunkID)
		}
	}
	assertPartIndexCoverage(t, result.Chunks)
}

func TestParseMarkdownDelegatesFencedCode(t *testing.T) {
	src := []byte("# Title\n\nSome text.\n\n```python\nprint('hi')\n```\n")
	result := parseMarkdown("doc.md", src, testContext(0))

	found := false
	for _, c := range result.Chunks {
		if c.Delegate == "python" {
			found = true
			if c.Text == "" {
				t.Fatalf("expected delegate chunk to carry fenced code text")
			}
		}
	}
	if !found {
		t.Fatalf("expected a delegate chunk for the fenced python block, got %+v", result.Chunks)
	}
}

func TestParseMarkdownBodySplitSharesOneChunkIDAcrossParts(t *testing.T) {
	src := []byte(repeatLines("this body line is long enough to force a split boundary", 20))
	result := parseMarkdown("big.md", src, testContext(5))

	var bodyChunks []HandlerChunk
	for _, c := range result.Chunks {
		if c.Delegate == "" {
			bodyChunks = append(bodyChunks, c)
		}
	}
	if len(bodyChunks) < 2 {
		t.Fatalf("expected the body split path to produce multiple parts, got %d", len(bodyChunks))
	}
	first := bodyChunks[0].ChunkID
	for _, c := range bodyChunks {
		if c.ChunkID != first {
			t.Fatalf("expected every body part to share chunk_id %q, got %q", first, c.ChunkID)
		}
	}
	assertPartIndexCoverage(t, bodyChunks)
}

func TestParseHTMLDelegatesScript(t *testing.T) {
	src := []byte("<html><body><script>var x = 1;</script></body></html>")
	result := parseHTML("page.html", src, testContext(0))

	found := false
	for _, c := range result.Chunks {
		if c.Delegate == "javascript" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a delegate chunk for the inline script, got %+v", result.Chunks)
	}
}

func TestParseHTMLBodySplitSharesOneChunkIDAcrossParts(t *testing.T) {
	body := repeatLines("<p>this paragraph line is long enough to force a split boundary</p>", 20)
	src := []byte("<html><body>" + body + "</body></html>")
	result := parseHTML("big.html", src, testContext(5))

	var bodyChunks []HandlerChunk
	for _, c := range result.Chunks {
		if c.Delegate == "" {
			bodyChunks = append(bodyChunks, c)
		}
	}
	if len(bodyChunks) < 2 {
		t.Fatalf("expected the body split path to produce multiple parts, got %d", len(bodyChunks))
	}
	first := bodyChunks[0].ChunkID
	for _, c := range bodyChunks {
		if c.ChunkID != first {
			t.Fatalf("expected every body part to share chunk_id %q, got %q", first, c.ChunkID)
		}
	}
	assertPartIndexCoverage(t, bodyChunks)
}

func TestParseCSSSplitsTopLevelBlocks(t *testing.T) {
	src := []byte("body { color: red; }\n\n.a { color: blue; }\n")
	result := parseCSS("style.css", src, testContext(0))
	if len(result.Chunks) < 2 {
		t.Fatalf("expected at least 2 chunks for 2 rule blocks, got %d", len(result.Chunks))
	}
}

func TestParseCSSBlockSplitKeepsOneChunkIDPerBlockWithVaryingPartIndex(t *testing.T) {
	decl := repeatLines("  color: red;", 20)
	src := []byte("body {\n" + decl + "}")
	result := parseCSS("big.css", src, testContext(5))
	if len(result.Chunks) < 2 {
		t.Fatalf("expected the block split path to produce multiple parts, got %d", len(result.Chunks))
	}
	first := result.Chunks[0].ChunkID
	for _, c := range result.Chunks {
		if c.ChunkID != first {
			t.Fatalf("expected every part of the one rule block to share chunk_id %q, got %q", first, c.ChunkID)
		}
	}
	assertPartIndexCoverage(t, result.Chunks)
}
