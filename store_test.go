package s2pg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirSink(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	sink, err := NewSink(root, nil)
	require.NoError(t, err)

	_, err = sink.ReadFile(ctx, "2018/312/a.png")
	assert.ErrorIs(t, err, os.ErrNotExist)

	w, err := sink.Create(ctx, "2018/312/a.png")
	require.NoError(t, err)
	_, err = w.Write([]byte("png"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := sink.ReadFile(ctx, "2018/312/a.png")
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
	assert.FileExists(t, filepath.Join(root, "2018", "312", "a.png"))

	a, err := sink.Append(ctx, "dataset.csv")
	require.NoError(t, err)
	_, err = a.Write([]byte("one\n"))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	a, err = sink.Append(ctx, "dataset.csv")
	require.NoError(t, err)
	_, err = a.Write([]byte("two\n"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	data, err = sink.ReadFile(ctx, "dataset.csv")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestNewSinkGSRequiresClient(t *testing.T) {
	_, err := NewSink("gs://bucket/prefix", nil)
	assert.Error(t, err)
}
