package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "alice abc123", SanitizeLabel(`al/i\c:e* ?abc"<1>2|3`))
	assert.Equal(t, "unknown", SanitizeLabel(`/\:*?"<>|`))
	assert.Equal(t, "unknown", SanitizeLabel(".."))
}

func TestResolveSavePathTriesRenamed(t *testing.T) {
	base := t.TempDir()
	first, err := ResolveSavePath(base, "bob xyz", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "bob xyz", "report.pdf"), first)

	touch(t, first)
	second, err := ResolveSavePath(base, "bob xyz", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "bob xyz", "report (renamed 1).pdf"), second)

	touch(t, second)
	third, err := ResolveSavePath(base, "bob xyz", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "bob xyz", "report (renamed 2).pdf"), third)
	_, err = os.Stat(third)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestResolveSavePathNoExtensionAndDotfile(t *testing.T) {
	base := t.TempDir()
	touch(t, filepath.Join(base, "c", "README"))
	touch(t, filepath.Join(base, "c", ".profile"))

	p, err := ResolveSavePath(base, "c", "README")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "c", "README (renamed 1)"), p)

	p, err = ResolveSavePath(base, "c", ".profile")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "c", ".profile (renamed 1)"), p)
}

func TestResolveSavePathStripsDirectories(t *testing.T) {
	base := t.TempDir()
	p, err := ResolveSavePath(base, "d", "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "d", "passwd"), p)
}

func TestResolveSavePathErrors(t *testing.T) {
	_, err := ResolveSavePath("", "e", "f.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorIs(t, err, ErrNoSaveDir)

	base := t.TempDir()
	blocker := filepath.Join(base, "e")
	touch(t, blocker)
	_, err = ResolveSavePath(base, "e", "f.txt")
	require.Error(t, err)
	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, blocker, resErr.Path)
}
