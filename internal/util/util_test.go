package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, []int{3, 4, 5}, rb.Snapshot())

	rb.Reset()
	assert.Equal(t, 0, rb.Len())
	assert.Empty(t, rb.Snapshot())
}

func TestNormalizeWSURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8787":             "ws://127.0.0.1:8787/ws",
		"http://example.org":         "ws://example.org/ws",
		"https://example.org/signal": "wss://example.org/signal",
		"wss://example.org:443/":     "wss://example.org:443/ws",
	}
	for in, want := range cases {
		got, err := NormalizeWSURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeWSURL("ftp://example.org")
	assert.Error(t, err)
	_, err = NormalizeWSURL("  ")
	assert.Error(t, err)
}

func TestValidatePeerID(t *testing.T) {
	id, err := ValidatePeerID("  abc-123 ")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)

	for _, bad := range []string{"", "a b", "a/b"} {
		_, err := ValidatePeerID(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("base", "x.db"), ResolvePath("base", "x.db"))
	assert.Equal(t, "/abs/x.db", ResolvePath("base", "/abs//x.db"))
}
