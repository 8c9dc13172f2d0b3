package slug

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeIdempotent(t *testing.T) {
	cases := []string{"Héllo, Wörld!", "  My Source v2  ", "---", "café_42"}
	for _, c := range cases {
		first, err := Normalize(c)
		if err != nil {
			continue
		}
		second, err := Normalize(first)
		require.NoError(t, err)
		require.Equal(t, first, second)
		require.Regexp(t, `^[a-z0-9]+(-[a-z0-9]+)*$`, first)
	}
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	_, err := Normalize("!!!   ***")
	require.Error(t, err)
}

func TestValidatePath(t *testing.T) {
	require.NoError(t, ValidatePath("/workspace/sources/alpha", "/workspace/sources/alpha/db.sqlite3"))
	require.Error(t, ValidatePath("/workspace/sources/alpha", "/workspace/sources/beta/db.sqlite3"))
	require.Error(t, ValidatePath("/workspace/sources/alpha", "/workspace/sources/alpha/../beta"))
}
