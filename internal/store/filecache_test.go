package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedPosition struct {
	Symbol string `json:"symbol"`
	Qty    int    `json:"qty"`
}

func TestFileCache_SaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(filepath.Join(dir, "positions.json"))
	require.NoError(t, err)

	want := []cachedPosition{{Symbol: "005930", Qty: 10}}
	require.NoError(t, c.Save(want))

	var got []cachedPosition
	require.NoError(t, c.Load(&got))
	assert.Equal(t, want, got)
}

func TestFileCache_LoadMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(filepath.Join(dir, "does-not-exist.json"))
	require.NoError(t, err)

	var got []cachedPosition
	require.NoError(t, c.Load(&got))
	assert.Nil(t, got)
}

func TestFileCache_SaveOverwritesPreviousContent(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(filepath.Join(dir, "universe_cache.json"))
	require.NoError(t, err)

	require.NoError(t, c.Save([]string{"005930"}))
	require.NoError(t, c.Save([]string{"005930", "000660"}))

	var got []string
	require.NoError(t, c.Load(&got))
	assert.Equal(t, []string{"005930", "000660"}, got)
}
