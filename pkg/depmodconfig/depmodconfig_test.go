package depmodconfig

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOntoDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "depmod.toml")
	require.NoError(t, os.WriteFile(path, []byte("quick = true\nbinary_indexes = false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Quick)
	require.False(t, cfg.BinaryIndexes)
	require.Equal(t, Default().Warnings, cfg.Warnings, "fields absent from the file keep their default")
}

func TestWriteRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Quick = true

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, cfg))
	require.Contains(t, buf.String(), "quick = true")

	dir := t.TempDir()
	path := filepath.Join(dir, "out.toml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}
