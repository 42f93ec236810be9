package keyindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddResolveRemove(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Add("AABBCCDD11223344"))
	require.NoError(t, idx.Add("FFEEDDCC11223344")) // shares the 8-char short id

	hits, err := idx.Resolve("11223344")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"AABBCCDD11223344", "FFEEDDCC11223344"}, hits)

	hits, err = idx.Resolve("AABBCCDD11223344")
	require.NoError(t, err)
	require.Equal(t, []string{"AABBCCDD11223344"}, hits)

	require.NoError(t, idx.Remove("AABBCCDD11223344"))
	hits, err = idx.Resolve("11223344")
	require.NoError(t, err)
	require.Equal(t, []string{"FFEEDDCC11223344"}, hits)
}

func TestResolveNoMatch(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Resolve("DEADBEEF")
	require.NoError(t, err)
	require.Empty(t, hits)
}
