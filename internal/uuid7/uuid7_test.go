package uuid7

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGenerateVersionAndVariant(t *testing.T) {
	id, err := Generate(time.Now())
	require.NoError(t, err)
	require.Equal(t, byte(0x7), id[6]>>4)
	require.Equal(t, byte(0x2), id[8]>>6)
}

func TestTimestampRoundTrip(t *testing.T) {
	when := time.UnixMilli(1_700_000_000_123).UTC()
	id, err := Generate(when)
	require.NoError(t, err)
	require.Equal(t, when, Timestamp(id))
}

func TestShortOrderingMatchesUUIDOrdering(t *testing.T) {
	var ids []uuid.UUID
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 50; i++ {
		id, err := Generate(base.Add(time.Duration(i) * time.Millisecond))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.True(t, EnsureOrder(ids))
}

func TestValidateShort(t *testing.T) {
	id := MustGenerate(time.Now())
	short := ShortOf(id)
	require.NoError(t, Validate(string(short)))
	require.Error(t, Validate("too-short"))
	require.Error(t, Validate("!!!!!!!!!!!!"))
}
