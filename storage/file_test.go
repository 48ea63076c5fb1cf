package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moomindani/delta/deltaerr"
)

func TestFileStorageWriteRead(t *testing.T) {
	s := NewFileStorage(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "_delta_log/00000000000000000000.json", strings.NewReader("hello")))

	rc, err := s.Read(ctx, "_delta_log/00000000000000000000.json")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFileStorageWriteOverwrites(t *testing.T) {
	s := NewFileStorage(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "f", strings.NewReader("one")))
	require.NoError(t, s.Write(ctx, "f", strings.NewReader("two")))

	rc, err := s.Read(ctx, "f")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "two", string(data))
}

func TestFileStoragePutIfAbsent(t *testing.T) {
	s := NewFileStorage(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.PutIfAbsent(ctx, "slot", strings.NewReader("first")))

	err := s.PutIfAbsent(ctx, "slot", strings.NewReader("second"))
	require.ErrorIs(t, err, deltaerr.ErrObjectExists)

	// The loser must not have clobbered the winner's content.
	rc, err := s.Read(ctx, "slot")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "first", string(data))
}

func TestFileStorageReadMissing(t *testing.T) {
	s := NewFileStorage(t.TempDir())
	_, err := s.Read(context.Background(), "nope")
	require.ErrorIs(t, err, deltaerr.ErrFileNotFound)
}

func TestFileStorageHead(t *testing.T) {
	s := NewFileStorage(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "f", bytes.NewReader([]byte("12345"))))

	n, err := s.Head(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = s.Head(ctx, "missing")
	require.ErrorIs(t, err, deltaerr.ErrFileNotFound)
}

func TestFileStorageListSortedAndFiltered(t *testing.T) {
	s := NewFileStorage(t.TempDir())
	ctx := context.Background()

	for _, p := range []string{
		"_delta_log/00000000000000000002.json",
		"_delta_log/00000000000000000000.json",
		"_delta_log/00000000000000000001.json",
		"data/part-0.parquet",
	} {
		require.NoError(t, s.Write(ctx, p, strings.NewReader("x")))
	}

	files, err := s.List(ctx, "_delta_log/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"_delta_log/00000000000000000000.json",
		"_delta_log/00000000000000000001.json",
		"_delta_log/00000000000000000002.json",
	}, files)
}

func TestFileStorageListEmptyRoot(t *testing.T) {
	s := NewFileStorage(t.TempDir())
	files, err := s.List(context.Background(), "_delta_log/")
	require.NoError(t, err)
	assert.Empty(t, files)
}
