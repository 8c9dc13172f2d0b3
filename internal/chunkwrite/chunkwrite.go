// Package chunkwrite implements the idempotent chunk/symbol/file upsert
// pipeline of SPEC_FULL §4.14, invoked within an active DB transaction
// for a single file.
package chunkwrite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/raggd/raggd/internal/handler"
)

// Input bundles everything Write needs for one file's chunks.
type Input struct {
	BatchID         string
	FileID          int64
	HandlerName     string
	HandlerVersions map[string]string
	Content         []byte
	Result          handler.HandlerResult
	SymbolIDs       map[string]int64
}

// Counts reports per-file insert/reuse statistics for metrics (§4.15).
type Counts struct {
	ChunksInserted int
	ChunksReused   int
	SymbolsChanged int
	SymbolsReused  int
}

// EnsureBatch upserts the batches row for the current batch.
func EnsureBatch(tx *sql.Tx, batchID, ref string, generatedAt time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO batches (id, ref, generated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ref = excluded.ref, generated_at = excluded.generated_at`,
		batchID, nullableString(ref), generatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

func contentHash(handlerVersion, chunkID, effectiveHandler, text string) string {
	h := sha256.New()
	h.Write([]byte(handlerVersion))
	h.Write([]byte{0x00})
	h.Write([]byte(chunkID))
	h.Write([]byte{0x00})
	h.Write([]byte(effectiveHandler))
	h.Write([]byte{0x00})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// lineOf converts a byte offset into a 1-indexed line number by counting
// newlines in content up to offset.
func lineOf(content []byte, offset int) int {
	if offset < 0 {
		offset = 0
	}
	if offset > len(content) {
		offset = len(content)
	}
	line := 1
	for i := 0; i < offset; i++ {
		if content[i] == '\n' {
			line++
		}
	}
	return line
}

// metadataJSON serializes metadata deterministically (sorted keys,
// compact separators).
func metadataJSON(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		valJSON, err := json.Marshal(metadata[k])
		if err != nil {
			return "", err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return b.String(), nil
}

func boolFromMetadata(metadata map[string]interface{}, key string) bool {
	v, ok := metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func stringFromMetadata(metadata map[string]interface{}, key string) (string, bool) {
	v, ok := metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intFromMetadata(metadata map[string]interface{}, key string, fallback int) int {
	v, ok := metadata[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// WriteSymbols upserts the symbols for one file's HandlerResult and
// returns the resolved symbol_path -> symbols.id mapping, which the
// caller must merge into Input.SymbolIDs before calling WriteChunks.
func WriteSymbols(tx *sql.Tx, in Input, now time.Time) (map[string]int64, Counts, error) {
	var counts Counts
	ids := make(map[string]int64, len(in.Result.Symbols))

	for _, sym := range in.Result.Symbols {
		changed, err := upsertSymbol(tx, in.FileID, in.BatchID, in.Content, sym, now)
		if err != nil {
			return ids, counts, fmt.Errorf("chunkwrite: upsert symbol %q: %w", sym.SymbolID, err)
		}
		if changed {
			counts.SymbolsChanged++
		} else {
			counts.SymbolsReused++
		}

		var id int64
		if err := tx.QueryRow(`SELECT id FROM symbols WHERE file_id = ? AND symbol_path = ?`, in.FileID, sym.SymbolID).Scan(&id); err != nil {
			return ids, counts, fmt.Errorf("chunkwrite: lookup symbol id %q: %w", sym.SymbolID, err)
		}
		ids[sym.SymbolID] = id
	}

	return ids, counts, nil
}

// WriteChunks upserts the chunks for one file's HandlerResult. Every
// chunk.ParentSymbolID referenced must already be present in
// in.SymbolIDs (via WriteSymbols on this file's own symbols, and any
// earlier call for symbols a delegate chunk refers to).
func WriteChunks(tx *sql.Tx, in Input, now time.Time) (Counts, error) {
	var counts Counts

	parentOf := make(map[string]*string, len(in.Result.Symbols))
	for _, sym := range in.Result.Symbols {
		parentOf[sym.SymbolID] = sym.ParentID
	}

	for _, chunk := range in.Result.Chunks {
		inserted, err := upsertChunk(tx, in, chunk, parentOf, now)
		if err != nil {
			return counts, fmt.Errorf("chunkwrite: upsert chunk %q: %w", chunk.ChunkID, err)
		}
		if inserted {
			counts.ChunksInserted++
		} else {
			counts.ChunksReused++
		}
	}

	return counts, nil
}

// Write is a convenience wrapper running WriteSymbols followed by
// WriteChunks against this file's own Input.SymbolIDs, for callers that
// don't need cross-file symbol references (e.g. tests).
func Write(tx *sql.Tx, in Input, now time.Time) (Counts, error) {
	ids, symCounts, err := WriteSymbols(tx, in, now)
	if err != nil {
		return symCounts, err
	}
	for k, v := range ids {
		in.SymbolIDs[k] = v
	}

	chunkCounts, err := WriteChunks(tx, in, now)
	if err != nil {
		return Counts{SymbolsChanged: symCounts.SymbolsChanged, SymbolsReused: symCounts.SymbolsReused}, err
	}

	return Counts{
		ChunksInserted: chunkCounts.ChunksInserted,
		ChunksReused:   chunkCounts.ChunksReused,
		SymbolsChanged: symCounts.SymbolsChanged,
		SymbolsReused:  symCounts.SymbolsReused,
	}, nil
}

func upsertSymbol(tx *sql.Tx, fileID int64, batchID string, content []byte, sym handler.HandlerSymbol, now time.Time) (bool, error) {
	startLine := lineOf(content, sym.StartOffset)
	endLine := lineOf(content, sym.EndOffset)
	symbolSha := contentHash("symbol", sym.SymbolID, sym.Kind, sym.Name)
	symbolNormSha := contentHash("symbol-norm", sym.SymbolID, sym.Kind, normalizeText(sym.Name))
	docstring := ""
	if sym.Docstring != nil {
		docstring = *sym.Docstring
	}
	tokens := intFromMetadata(sym.Metadata, "tokens", 0)

	var existingKind, existingSymbolSha, existingSymbolNormSha, existingDocstring string
	var existingStart, existingEnd, existingTokens int
	err := tx.QueryRow(
		`SELECT kind, start_line, end_line, symbol_sha, COALESCE(symbol_norm_sha, ''), COALESCE(docstring, ''), tokens
		 FROM symbols WHERE file_id = ? AND symbol_path = ?`,
		fileID, sym.SymbolID,
	).Scan(&existingKind, &existingStart, &existingEnd, &existingSymbolSha, &existingSymbolNormSha, &existingDocstring, &existingTokens)

	if err == sql.ErrNoRows {
		_, execErr := tx.Exec(
			`INSERT INTO symbols (
				file_id, symbol_path, kind, start_line, end_line, symbol_sha, symbol_norm_sha, docstring, tokens,
				first_seen_batch, last_seen_batch
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fileID, sym.SymbolID, sym.Kind, startLine, endLine, symbolSha, symbolNormSha, nullableString(docstring), tokens,
			batchID, batchID,
		)
		return true, execErr
	}
	if err != nil {
		return false, err
	}

	unchanged := existingKind == sym.Kind &&
		existingStart == startLine &&
		existingEnd == endLine &&
		existingSymbolSha == symbolSha &&
		existingSymbolNormSha == symbolNormSha &&
		existingDocstring == docstring &&
		existingTokens == tokens

	if unchanged {
		_, execErr := tx.Exec(
			`UPDATE symbols SET last_seen_batch = ? WHERE file_id = ? AND symbol_path = ?`,
			batchID, fileID, sym.SymbolID,
		)
		return false, execErr
	}

	_, execErr := tx.Exec(
		`UPDATE symbols SET kind = ?, start_line = ?, end_line = ?, symbol_sha = ?, symbol_norm_sha = ?, docstring = ?, tokens = ?, last_seen_batch = ?
		 WHERE file_id = ? AND symbol_path = ?`,
		sym.Kind, startLine, endLine, symbolSha, symbolNormSha, nullableString(docstring), tokens, batchID,
		fileID, sym.SymbolID,
	)
	return true, execErr
}

func upsertChunk(tx *sql.Tx, in Input, chunk handler.HandlerChunk, parentOf map[string]*string, now time.Time) (bool, error) {
	effectiveHandler := in.HandlerName
	if chunk.Delegate != "" {
		effectiveHandler = chunk.Delegate
	}
	handlerVersion, ok := in.HandlerVersions[effectiveHandler]
	if !ok {
		return false, fmt.Errorf("missing handler_versions entry for %q", effectiveHandler)
	}

	var symbolID, parentSymbolID interface{}
	if chunk.ParentSymbolID != nil {
		id, ok := in.SymbolIDs[*chunk.ParentSymbolID]
		if !ok {
			return false, fmt.Errorf("missing symbol_ids entry for parent_symbol_id %q", *chunk.ParentSymbolID)
		}
		symbolID = id

		if grandparent, ok := parentOf[*chunk.ParentSymbolID]; ok && grandparent != nil {
			gid, ok := in.SymbolIDs[*grandparent]
			if !ok {
				return false, fmt.Errorf("missing symbol_ids entry for %q", *grandparent)
			}
			parentSymbolID = gid
		}
	}

	normalizedText := normalizeText(chunk.Text)
	contentHashVal := contentHash(handlerVersion, chunk.ChunkID, effectiveHandler, chunk.Text)
	contentNormHash := contentHash(handlerVersion, chunk.ChunkID, effectiveHandler, normalizedText)

	overflowReason, _ := stringFromMetadata(chunk.Metadata, "overflow_reason")
	overflow := boolFromMetadata(chunk.Metadata, "overflow") || boolFromMetadata(chunk.Metadata, "overflow_is_truncated")
	partTotal := intFromMetadata(chunk.Metadata, "part_total", 1)
	startLine := lineOf(in.Content, chunk.StartOffset)
	endLine := lineOf(in.Content, chunk.EndOffset)

	metadataStr, err := metadataJSON(chunk.Metadata)
	if err != nil {
		return false, err
	}

	nowStr := now.UTC().Format(time.RFC3339)

	// chunk_slices is keyed by (batch_id, chunk_id, part_index), so every
	// batch gets its own row; first_seen_batch instead looks back across
	// all prior batches for the most recent row carrying this chunk_id
	// and part_index, so identical content is recognized as reused even
	// though a new row is written.
	var existingContentHash, existingContentNormHash, existingMetadata, existingFirstSeenBatch string
	var existingTokenCount, existingStartByte, existingEndByte, existingPartTotal int
	var existingOverflow bool
	err = tx.QueryRow(
		`SELECT content_hash, COALESCE(content_norm_hash, ''), token_count, COALESCE(start_byte, -1), COALESCE(end_byte, -1),
			part_total, overflow_is_truncated, COALESCE(metadata_json, ''), first_seen_batch
		 FROM chunk_slices WHERE chunk_id = ? AND part_index = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		chunk.ChunkID, chunk.PartIndex,
	).Scan(&existingContentHash, &existingContentNormHash, &existingTokenCount, &existingStartByte, &existingEndByte,
		&existingPartTotal, &existingOverflow, &existingMetadata, &existingFirstSeenBatch)

	reused := false
	firstSeenBatch := in.BatchID
	switch {
	case err == sql.ErrNoRows:
		// no prior row; this is a genuinely new chunk.
	case err != nil:
		return false, err
	default:
		reused = existingContentHash == contentHashVal &&
			existingContentNormHash == contentNormHash &&
			existingTokenCount == chunk.TokenCount &&
			existingStartByte == chunk.StartOffset &&
			existingEndByte == chunk.EndOffset &&
			existingPartTotal == partTotal &&
			existingOverflow == overflow &&
			existingMetadata == metadataStr
		if reused {
			firstSeenBatch = existingFirstSeenBatch
		}
	}

	_, execErr := tx.Exec(
		`INSERT INTO chunk_slices (
			batch_id, file_id, symbol_id, parent_symbol_id, chunk_id, handler_name, handler_version,
			part_index, part_total, start_line, end_line, start_byte, end_byte, token_count,
			content_hash, content_norm_hash, content_text, overflow_is_truncated, overflow_reason,
			metadata_json, created_at, updated_at, first_seen_batch, last_seen_batch
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(batch_id, chunk_id, part_index) DO UPDATE SET
			symbol_id = excluded.symbol_id, parent_symbol_id = excluded.parent_symbol_id,
			handler_name = excluded.handler_name, handler_version = excluded.handler_version,
			part_total = excluded.part_total, start_line = excluded.start_line, end_line = excluded.end_line,
			start_byte = excluded.start_byte, end_byte = excluded.end_byte, token_count = excluded.token_count,
			content_hash = excluded.content_hash, content_norm_hash = excluded.content_norm_hash,
			content_text = excluded.content_text, overflow_is_truncated = excluded.overflow_is_truncated,
			overflow_reason = excluded.overflow_reason, metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at, last_seen_batch = excluded.last_seen_batch`,
		in.BatchID, in.FileID, symbolID, parentSymbolID, chunk.ChunkID, effectiveHandler, handlerVersion,
		chunk.PartIndex, partTotal, startLine, endLine, chunk.StartOffset, chunk.EndOffset, chunk.TokenCount,
		contentHashVal, contentNormHash, chunk.Text, overflow, nullableString(overflowReason),
		metadataStr, nowStr, nowStr, firstSeenBatch, in.BatchID,
	)
	return !reused, execErr
}

// UpsertFile upserts the files row for repo_path, refreshing lang, sha,
// batch_id, mtime_ns, size_bytes on every touch.
func UpsertFile(tx *sql.Tx, batchID, repoPath, lang, fileSha string, mtimeNs, sizeBytes int64) (int64, error) {
	_, err := tx.Exec(
		`INSERT INTO files (batch_id, repo_path, lang, file_sha, mtime_ns, size_bytes)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo_path) DO UPDATE SET
			batch_id = excluded.batch_id, lang = excluded.lang, file_sha = excluded.file_sha,
			mtime_ns = excluded.mtime_ns, size_bytes = excluded.size_bytes`,
		batchID, repoPath, lang, fileSha, mtimeNs, sizeBytes,
	)
	if err != nil {
		return 0, err
	}

	var fileID int64
	if err := tx.QueryRow(`SELECT id FROM files WHERE repo_path = ?`, repoPath).Scan(&fileID); err != nil {
		return 0, err
	}
	return fileID, nil
}
