package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lens-scraper/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDirectory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "snapshots")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: path})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	baseDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: baseDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesFile", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "snapshots/2026/job-1.html", "text/html", bytes.NewBufferString("<html></html>"))
		require.NoError(t, err)

		expected := filepath.Join(baseDir, "snapshots", "2026", "job-1.html")
		assert.Equal(t, "file://"+expected, uri)
		content, err := os.ReadFile(expected)
		require.NoError(t, err)
		assert.Equal(t, "<html></html>", string(content))

		entries, err := os.ReadDir(filepath.Dir(expected))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp files must not be left behind")
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.html", "text/html", bytes.NewBufferString("x"))
		assert.Error(t, err)
	})

	t.Run("RejectsEmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "  ", "text/html", bytes.NewBufferString("x"))
		assert.Error(t, err)
	})

	t.Run("ReaderError", func(t *testing.T) {
		_, err := store.PutObject(ctx, "snapshots/broken.html", "text/html", failingReader{})
		assert.Error(t, err)
		_, statErr := os.Stat(filepath.Join(baseDir, "snapshots", "broken.html"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("boom")
}
