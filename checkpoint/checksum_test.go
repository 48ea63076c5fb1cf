package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/deltaerr"
	"github.com/moomindani/delta/storage"
)

// commits builds a small synthetic history: create, appends, a rewrite and an
// app transaction marker.
func commits() [][]action.Action {
	return [][]action.Action{
		{
			&action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2},
			&action.Metadata{ID: "t", SchemaString: "{}", PartitionColumns: []string{"date"}, Configuration: map[string]string{}},
		},
		{
			&action.AddFile{Path: "a.parquet", Size: 10, DataChange: true},
			&action.AddFile{Path: "b.parquet", Size: 20, DataChange: true},
		},
		{
			&action.RemoveFile{Path: "a.parquet", DataChange: true},
			&action.AddFile{Path: "c.parquet", Size: 30, DataChange: true},
			&action.SetTransaction{AppID: "ingest", Version: 5},
		},
	}
}

func TestIncrementalFoldMatchesFullReplay(t *testing.T) {
	history := commits()

	// Incrementally: fold each commit over the previous state. Fully: replay
	// from scratch up to the same version. Both must agree at every version.
	inc := NewState()
	for v, actions := range history {
		inc.Fold(int64(v), actions)

		full := NewState()
		for fv := 0; fv <= v; fv++ {
			full.Fold(int64(fv), history[fv])
		}
		assert.Equal(t, full.Checksum(0), inc.Checksum(0), "version %d", v)
	}
}

func TestStateApplySemantics(t *testing.T) {
	s := NewState()
	for v, actions := range commits() {
		s.Fold(int64(v), actions)
	}

	assert.Equal(t, int64(2), s.Version)
	assert.Len(t, s.Files, 2)
	assert.Nil(t, s.Files["a.parquet"], "removed path leaves the active set")
	assert.Equal(t, int64(5), s.Txns["ingest"])

	c := s.Checksum(0)
	assert.Equal(t, int64(2), c.NumFiles)
	assert.Equal(t, int64(50), c.TableSizeBytes)
	require.Len(t, c.AllFiles, 2)
	assert.Equal(t, "b.parquet", c.AllFiles[0].Path, "embedded list is path-sorted")
	assert.Equal(t, "c.parquet", c.AllFiles[1].Path)
}

func TestChecksumEmbeddingCap(t *testing.T) {
	s := NewState()
	for i := 0; i < 10; i++ {
		s.Apply(&action.AddFile{Path: fmt.Sprintf("f-%d.parquet", i), Size: 1})
	}

	c := s.Checksum(5)
	assert.Nil(t, c.AllFiles, "above the cap the record carries aggregates only")
	assert.Equal(t, int64(10), c.NumFiles)
	assert.Equal(t, int64(10), c.TableSizeBytes)

	c = s.Checksum(10)
	assert.Len(t, c.AllFiles, 10)
}

func TestStateFromChecksum(t *testing.T) {
	s := NewState()
	for v, actions := range commits() {
		s.Fold(int64(v), actions)
	}

	seeded, err := StateFromChecksum(s.Checksum(0))
	require.NoError(t, err)
	assert.Equal(t, s.Checksum(0), seeded.Checksum(0))

	// A checksum without its file list cannot seed a fold.
	_, err = StateFromChecksum(s.Checksum(1))
	require.Error(t, err)
}

func TestWriteReadChecksum(t *testing.T) {
	store := storage.NewFileStorage(t.TempDir())
	m := NewManager(store, DefaultConfig(), nil)
	ctx := context.Background()

	s := NewState()
	for v, actions := range commits() {
		s.Fold(int64(v), actions)
	}
	m.WriteChecksum(ctx, s.Checksum(0))

	got, err := ReadChecksum(ctx, store, 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.Checksum(0), got)

	missing, err := ReadChecksum(ctx, store, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVerifyModes(t *testing.T) {
	store := storage.NewFileStorage(t.TempDir())
	history := commits()

	replayed := NewState()
	for v, actions := range history {
		replayed.Fold(int64(v), actions)
	}
	good := replayed.Checksum(0)

	bad := replayed.Checksum(0)
	bad.NumFiles++

	t.Run("off", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.VerifyMode = VerifyOff
		m := NewManager(store, cfg, nil)
		require.NoError(t, m.Verify(bad, replayed))
	})

	t.Run("warn", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.VerifyMode = VerifyWarn
		m := NewManager(store, cfg, nil)
		require.NoError(t, m.Verify(bad, replayed))
		require.NoError(t, m.Verify(good, replayed))
	})

	t.Run("fatal", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.VerifyMode = VerifyFatal
		m := NewManager(store, cfg, nil)
		require.NoError(t, m.Verify(good, replayed))

		err := m.Verify(bad, replayed)
		var mismatch *deltaerr.ChecksumMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, "numFiles", mismatch.Field)
	})
}

func TestProtocolEqualFeatureOrder(t *testing.T) {
	a := &action.Protocol{MinReaderVersion: 3, MinWriterVersion: 7, WriterFeatures: []string{"x", "y"}}
	b := &action.Protocol{MinReaderVersion: 3, MinWriterVersion: 7, WriterFeatures: []string{"y", "x"}}
	assert.True(t, protocolEqual(a, b), "feature sets compare order-insensitively")
}
