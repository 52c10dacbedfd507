package s2pg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSwitches(t *testing.T) {
	sw, err := parseSwitches(`-b 1 -b 2 -co "NUM_THREADS=4"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"-b", "1", "-b", "2", "-co", "NUM_THREADS=4"}, sw)

	sw, err = parseSwitches("")
	require.NoError(t, err)
	assert.Empty(t, sw)

	for _, blocked := range []string{"-outsize 10 10", "-srcwin 0 0 1 1", "-of PNG"} {
		_, err = parseSwitches(blocked)
		assert.Error(t, err, blocked)
	}

	_, err = parseSwitches(`-unterminated "quote`)
	assert.Error(t, err)
}

func TestVerifyTiledTIFFRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.tif")
	require.NoError(t, os.WriteFile(bad, []byte("this is not a tiff"), 0o644))
	assert.Error(t, verifyTiledTIFF(bad))

	missing := filepath.Join(dir, "missing.tif")
	assert.Error(t, verifyTiledTIFF(missing))
}
