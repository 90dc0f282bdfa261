package file_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/awrlabs/relay/io/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "nested", "out.bin")

	require.NoError(t, file.WriteFileAtomic(dst, []byte("payload")))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	// No temp leftovers in the destination directory.
	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Equal(t, 1, len(entries))
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, true, file.DirExists(dir))
	assert.Equal(t, false, file.DirExists(filepath.Join(dir, "missing")))

	f := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0600))
	assert.Equal(t, false, file.DirExists(f), "a regular file is not a directory")
	assert.Equal(t, true, file.Exists(f))
}
