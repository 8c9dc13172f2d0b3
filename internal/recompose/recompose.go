// Package recompose reassembles the delegate/part-split chunk_slices rows
// for a (batch_id, file_id) back into logical chunks, per SPEC_FULL §4.17.
package recompose

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// Slice is one row read from chunk_slices, the raw unit recompose groups.
type Slice struct {
	ChunkID             string
	SymbolID            *int64
	ParentSymbolID      *int64
	HandlerName         string
	HandlerVersion      string
	PartIndex           int
	PartTotal           int
	StartLine           *int64
	EndLine             *int64
	StartByte           *int64
	EndByte             *int64
	TokenCount          int
	ContentText         string
	OverflowIsTruncated bool
	OverflowReason      *string
	Metadata            map[string]interface{}
}

// Chunk is one recomposed logical chunk: all parts concatenated in order,
// with its delegate children attached.
type Chunk struct {
	ChunkID        string
	FileID         int64
	HandlerName    string
	HandlerVersion string
	Text           string
	TokenCount     int
	PartTotal      int
	StartLine      *int64
	EndLine        *int64
	StartByte      *int64
	EndByte        *int64
	Metadata       map[string]interface{}
	Children       []*Chunk
}

// DanglingParentError is raised when a chunk's delegate_parent_chunk
// metadata points at a chunk_id absent from the same (batch_id, file_id).
type DanglingParentError struct {
	ChunkID  string
	ParentID string
}

func (e *DanglingParentError) Error() string {
	return fmt.Sprintf("recompose: chunk %q references missing delegate parent %q", e.ChunkID, e.ParentID)
}

// LoadSlices reads every chunk_slices row for (batchID, fileID) in no
// particular order; Group assumes nothing about row order.
func LoadSlices(db *sql.DB, batchID string, fileID int64) ([]Slice, error) {
	rows, err := db.Query(`
		SELECT chunk_id, symbol_id, parent_symbol_id, handler_name, handler_version,
		       part_index, part_total, start_line, end_line, start_byte, end_byte,
		       token_count, content_text, overflow_is_truncated, overflow_reason, metadata_json
		FROM chunk_slices
		WHERE batch_id = ? AND file_id = ?`, batchID, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slice
	for rows.Next() {
		var s Slice
		var symbolID, parentSymbolID sql.NullInt64
		var startLine, endLine, startByte, endByte sql.NullInt64
		var overflowIsTruncated int
		var overflowReason sql.NullString
		var metadataJSON sql.NullString

		if err := rows.Scan(&s.ChunkID, &symbolID, &parentSymbolID, &s.HandlerName, &s.HandlerVersion,
			&s.PartIndex, &s.PartTotal, &startLine, &endLine, &startByte, &endByte,
			&s.TokenCount, &s.ContentText, &overflowIsTruncated, &overflowReason, &metadataJSON); err != nil {
			return nil, err
		}

		if symbolID.Valid {
			v := symbolID.Int64
			s.SymbolID = &v
		}
		if parentSymbolID.Valid {
			v := parentSymbolID.Int64
			s.ParentSymbolID = &v
		}
		if startLine.Valid {
			v := startLine.Int64
			s.StartLine = &v
		}
		if endLine.Valid {
			v := endLine.Int64
			s.EndLine = &v
		}
		if startByte.Valid {
			v := startByte.Int64
			s.StartByte = &v
		}
		if endByte.Valid {
			v := endByte.Int64
			s.EndByte = &v
		}
		s.OverflowIsTruncated = overflowIsTruncated != 0
		if overflowReason.Valid {
			v := overflowReason.String
			s.OverflowReason = &v
		}
		s.Metadata = map[string]interface{}{}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &s.Metadata); err != nil {
				return nil, fmt.Errorf("recompose: decode metadata for %q: %w", s.ChunkID, err)
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func minInt64(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

func maxInt64(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a > *b {
		return a
	}
	return b
}

func firstPosition(c *Chunk) int64 {
	if c.StartByte != nil {
		return *c.StartByte
	}
	if c.StartLine != nil {
		return *c.StartLine
	}
	return 0
}

// mergeChunk sorts a chunk_id's parts by part_index and concatenates them
// into a single Chunk, per §4.17's position/token/metadata rules.
func mergeChunk(fileID int64, chunkID string, parts []Slice) *Chunk {
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].PartIndex < parts[j].PartIndex })

	out := &Chunk{
		ChunkID:        chunkID,
		FileID:         fileID,
		HandlerName:    parts[0].HandlerName,
		HandlerVersion: parts[0].HandlerVersion,
	}

	declaredTotal := 0
	for _, p := range parts {
		out.Text += p.ContentText
		out.TokenCount += p.TokenCount
		out.StartLine = minInt64(out.StartLine, p.StartLine)
		out.EndLine = maxInt64(out.EndLine, p.EndLine)
		out.StartByte = minInt64(out.StartByte, p.StartByte)
		out.EndByte = maxInt64(out.EndByte, p.EndByte)
		if p.PartTotal > declaredTotal {
			declaredTotal = p.PartTotal
		}
	}
	out.PartTotal = len(parts)
	if declaredTotal > out.PartTotal {
		out.PartTotal = declaredTotal
	}

	root := parts[0]
	meta := map[string]interface{}{}
	for k, v := range root.Metadata {
		if k == "part_index" {
			continue
		}
		meta[k] = v
	}
	out.Metadata = meta

	return out
}

// Group reassembles slices into the roots/children forest described by
// §4.17: parts merged per chunk_id, delegate children attached to their
// parent via metadata.delegate_parent_chunk, roots and children each
// sorted by (file_id, first-position, chunk_id).
func Group(fileID int64, slices []Slice) ([]*Chunk, error) {
	byChunk := map[string][]Slice{}
	var order []string
	for _, s := range slices {
		if _, ok := byChunk[s.ChunkID]; !ok {
			order = append(order, s.ChunkID)
		}
		byChunk[s.ChunkID] = append(byChunk[s.ChunkID], s)
	}

	merged := map[string]*Chunk{}
	for _, chunkID := range order {
		merged[chunkID] = mergeChunk(fileID, chunkID, byChunk[chunkID])
	}

	var roots []*Chunk
	for _, chunkID := range order {
		c := merged[chunkID]
		parentID, _ := c.Metadata["delegate_parent_chunk"].(string)
		if parentID == "" {
			roots = append(roots, c)
			continue
		}
		parent, ok := merged[parentID]
		if !ok {
			return nil, &DanglingParentError{ChunkID: chunkID, ParentID: parentID}
		}
		parent.Children = append(parent.Children, c)
	}

	sortChunks(roots)
	for _, c := range merged {
		sortChunks(c.Children)
	}

	return roots, nil
}

func sortChunks(chunks []*Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].FileID != chunks[j].FileID {
			return chunks[i].FileID < chunks[j].FileID
		}
		pi, pj := firstPosition(chunks[i]), firstPosition(chunks[j])
		if pi != pj {
			return pi < pj
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
}
