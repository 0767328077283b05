package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysAndKeepsTags(t *testing.T) {
	type sample struct {
		Zeta  string  `json:"zeta"`
		Alpha float64 `json:"alpha"`
		Tag   string  `json:"<tag>"`
	}

	out, err := JCS(sample{Zeta: "z", Alpha: 1.5, Tag: "a&b"})
	require.NoError(t, err)
	assert.Equal(t, `{"<tag>":"a&b","alpha":1.5,"zeta":"z"}`, string(out))
}

func TestCanonicalHash_StableAcrossFieldOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1}
	b := map[string]any{"a": 1, "b": 2}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Contains(t, ha, "sha256:")
}

func TestShortHash(t *testing.T) {
	h := HashBytes([]byte("x"))
	assert.Len(t, ShortHash(h, 12), 12)
	assert.Equal(t, "abc", ShortHash("abc", 10))
}
