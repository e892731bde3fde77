package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitJoinIDs(t *testing.T) {
	require.Nil(t, SplitIDs(""))
	require.Nil(t, SplitIDs("  "))
	require.Equal(t, []string{"vol-1", "vol-2"}, SplitIDs("vol-1, ,vol-2,"))
	require.Equal(t, "vol-1,vol-2", JoinIDs([]string{"vol-1", "vol-2", "vol-1", ""}))
	require.Equal(t, "", JoinIDs(nil))
}

func TestCleanContainerPath(t *testing.T) {
	cases := map[string]string{
		"/var/lib/mysql":                "var-lib-mysql",
		"/data":                         "data",
		"/usr/share/elasticsearch/data": "usr-share-elasticsearch-data",
		"":                              "",
	}
	for in, want := range cases {
		require.Equal(t, want, CleanContainerPath(in), in)
	}
}

func TestHashKey(t *testing.T) {
	a := HashKey("snapshot", "addon-1", "2026-10-16")
	require.Len(t, a, 24)
	require.Equal(t, a, HashKey("snapshot", "addon-1", "2026-10-16"))
	require.NotEqual(t, a, HashKey("snapshot", "addon-1", "2026-10-17"))
}
