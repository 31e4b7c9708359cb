package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]any{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	b, err := JCS(map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]any{"cmd": "a && b <c>"})
	require.NoError(t, err)
	assert.Equal(t, `{"cmd":"a && b <c>"}`, string(b))
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	type proposal struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	h1, err := CanonicalHash(proposal{Tool: "write_file", Args: map[string]any{"path": "a", "content": "x"}})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"args": map[string]any{"content": "x", "path": "a"}, "tool": "write_file"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
