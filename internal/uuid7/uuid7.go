// Package uuid7 generates and encodes time-ordered UUIDv7 identifiers and
// their 12-character Crockford base32 short form.
package uuid7

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// ShortLength is the fixed length of a ShortUUID7 string.
	ShortLength = 12

	crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// Generate returns a UUIDv7 value whose top 48 bits encode when (truncated
// to millisecond resolution) and whose remaining 74 bits are cryptographic
// randomness, with the version/variant nibbles set per RFC 9562.
func Generate(when time.Time) (uuid.UUID, error) {
	ms := when.UTC().UnixMilli()
	if ms < 0 || ms >= (int64(1)<<48) {
		return uuid.UUID{}, fmt.Errorf("uuid7: timestamp out of range: %d", ms)
	}

	var out uuid.UUID
	out[0] = byte(ms >> 40)
	out[1] = byte(ms >> 32)
	out[2] = byte(ms >> 24)
	out[3] = byte(ms >> 16)
	out[4] = byte(ms >> 8)
	out[5] = byte(ms)

	if _, err := rand.Read(out[6:]); err != nil {
		return uuid.UUID{}, fmt.Errorf("uuid7: read random bytes: %w", err)
	}
	out[6] = (out[6] & 0x0F) | 0x70 // version 7
	out[8] = (out[8] & 0x3F) | 0x80 // variant 10

	return out, nil
}

// MustGenerate panics on failure; intended for call sites where entropy
// exhaustion is not a recoverable condition (e.g. tests, CLI commands).
func MustGenerate(when time.Time) uuid.UUID {
	id, err := Generate(when)
	if err != nil {
		panic(err)
	}
	return id
}

// Timestamp returns the UTC instant embedded in a UUIDv7's top 48 bits, at
// millisecond resolution.
func Timestamp(id uuid.UUID) time.Time {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms).UTC()
}

// Short is the 12-character Crockford base32 encoding of a UUIDv7's top 60
// bits. It sorts lexicographically in the same order as the originating
// UUIDv7 values sort by 128-bit integer value.
type Short string

// ShortOf returns the Short form of id.
func ShortOf(id uuid.UUID) Short {
	// Top 60 bits = top 7 bytes minus the low 4 bits of byte 7.
	var acc uint64
	for i := 0; i < 7; i++ {
		acc = acc<<8 | uint64(id[i])
	}
	acc = acc<<4 | uint64(id[7]>>4)
	// acc now holds the high 60 bits right-aligned in a 64-bit word? That's
	// 56+4 = 60 bits, correct.
	return Short(encodeCrockford(acc, ShortLength))
}

func encodeCrockford(value uint64, length int) string {
	symbols := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		symbols[i] = crockfordAlphabet[value&0x1F]
		value >>= 5
	}
	return string(symbols)
}

// Validate returns an error if s is not a well-formed ShortUUID7: exactly
// ShortLength characters, each drawn from the Crockford base32 alphabet.
func Validate(s string) error {
	if len(s) != ShortLength {
		return fmt.Errorf("uuid7: shortuuid7 must be %d characters: %q", ShortLength, s)
	}
	for _, r := range s {
		if !strings.ContainsRune(crockfordAlphabet, r) {
			return fmt.Errorf("uuid7: invalid shortuuid7 character %q in %q", r, s)
		}
	}
	return nil
}

// EnsureOrder reports whether sorting values by 128-bit integer value and
// sorting their Short forms lexicographically produce the same permutation.
func EnsureOrder(values []uuid.UUID) bool {
	canonical := append([]uuid.UUID(nil), values...)
	sort.Slice(canonical, func(i, j int) bool {
		return lessUUID(canonical[i], canonical[j])
	})

	byShort := append([]uuid.UUID(nil), values...)
	sort.Slice(byShort, func(i, j int) bool {
		return ShortOf(byShort[i]) < ShortOf(byShort[j])
	})

	for i := range canonical {
		if canonical[i] != byShort[i] {
			return false
		}
	}
	return true
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
