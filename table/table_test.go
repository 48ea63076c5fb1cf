package table

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/checkpoint"
	"github.com/moomindani/delta/logstore"
	"github.com/moomindani/delta/storage"
)

func newTable(t *testing.T, opts Options) *Table {
	t.Helper()
	return Open(storage.NewFileStorage(t.TempDir()), opts)
}

func createTable(t *testing.T, tbl *Table, proto *action.Protocol) {
	t.Helper()
	if proto == nil {
		proto = &action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}
	}
	meta := action.NewMetadata("events", "{}", []string{"date"}, nil)
	_, err := tbl.Create(context.Background(), meta, proto)
	require.NoError(t, err)
}

func addIn(date, name string) *action.AddFile {
	return &action.AddFile{
		Path:            fmt.Sprintf("date=%s/%s", date, name),
		PartitionValues: map[string]string{"date": date},
		DataChange:      true,
	}
}

func TestCreateAndSnapshot(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	defer tbl.Release(snap)
	assert.Equal(t, int64(0), snap.Version())
	assert.Equal(t, "events", snap.Meta().Name)
	assert.Equal(t, 0, snap.FileCount())
}

func TestCreateRefusesExistingLog(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)

	_, err := tbl.Create(context.Background(),
		action.NewMetadata("events", "{}", nil, nil),
		&action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2})
	require.Error(t, err)
}

func TestBeginCommitRoundTrip(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	tx, err := tbl.Begin(ctx)
	require.NoError(t, err)
	v, err := tx.Commit(ctx, []action.Action{addIn("2024-01-01", "a.parquet")}, "WRITE")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	defer tbl.Release(snap)
	assert.Equal(t, 1, snap.FileCount())
}

func TestCommitWritesChecksum(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	tx, err := tbl.Begin(ctx)
	require.NoError(t, err)
	v, err := tx.Commit(ctx, []action.Action{addIn("2024-01-01", "a.parquet")}, "WRITE")
	require.NoError(t, err)

	crc, err := checkpoint.ReadChecksum(ctx, tbl.store, v)
	require.NoError(t, err)
	require.NotNil(t, crc)
	assert.Equal(t, v, crc.Version)
	assert.Equal(t, int64(1), crc.NumFiles)
}

func TestCheckpointCadence(t *testing.T) {
	opts := DefaultOptions()
	opts.Checkpoint.Interval = 2
	tbl := newTable(t, opts)
	createTable(t, tbl, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		tx, err := tbl.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Commit(ctx, []action.Action{addIn("2024-01-01", fmt.Sprintf("f%d.parquet", i))}, "WRITE")
		require.NoError(t, err)
	}

	paths, err := tbl.store.List(ctx, logstore.LogDir+"/")
	require.NoError(t, err)
	versions := checkpointVersions(paths)
	assert.Contains(t, versions, int64(2))
	assert.Contains(t, versions, int64(4))
	assert.NotContains(t, versions, int64(3))

	cp, err := checkpoint.ReadLastCheckpoint(ctx, tbl.store)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(4), cp.Version)
}

func checkpointVersions(paths []string) []int64 {
	var versions []int64
	for _, p := range paths {
		if v, _, _, ok := logstore.ParseCheckpointPath(p); ok {
			versions = append(versions, v)
		}
	}
	return versions
}

func TestForcedCheckpoint(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	require.NoError(t, tbl.Checkpoint(ctx))

	cp, err := checkpoint.ReadLastCheckpoint(ctx, tbl.store)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(0), cp.Version)
}

func TestChecksumFoldsPreviousChecksum(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	tx, err := tbl.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx, []action.Action{addIn("2024-01-01", "a.parquet")}, "WRITE")
	require.NoError(t, err)

	// Plant a marker in version 1's checksum. A checksum folded from it
	// carries the marker forward; one recomputed by replay cannot.
	crc, err := checkpoint.ReadChecksum(ctx, tbl.store, 1)
	require.NoError(t, err)
	require.NotNil(t, crc)
	require.Len(t, crc.AllFiles, 1)
	crc.AllFiles[0].Size += 1000
	data, err := json.Marshal(crc)
	require.NoError(t, err)
	require.NoError(t, tbl.store.Write(ctx, logstore.ChecksumPath(1), bytes.NewReader(data)))

	tx, err = tbl.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx, []action.Action{addIn("2024-01-02", "b.parquet")}, "WRITE")
	require.NoError(t, err)

	next, err := checkpoint.ReadChecksum(ctx, tbl.store, 2)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(1000), next.TableSizeBytes, "version 2's checksum is folded over version 1's")
}

func TestChecksumFallbackWithoutPreviousChecksum(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	tx, err := tbl.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx, []action.Action{addIn("2024-01-01", "a.parquet")}, "WRITE")
	require.NoError(t, err)

	// Version 1's checksum can no longer seed a fold.
	require.NoError(t, tbl.store.Write(ctx, logstore.ChecksumPath(1), strings.NewReader("not json")))

	tx, err = tbl.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx, []action.Action{addIn("2024-01-02", "b.parquet")}, "WRITE")
	require.NoError(t, err)

	crc, err := checkpoint.ReadChecksum(ctx, tbl.store, 2)
	require.NoError(t, err)
	require.NotNil(t, crc)
	assert.Equal(t, int64(2), crc.NumFiles)

	replayed := checkpoint.NewState()
	entries, err := tbl.coord.GetCommits(ctx, 0)
	require.NoError(t, err)
	for _, e := range entries {
		replayed.Fold(e.Version, e.Actions)
	}
	assert.Equal(t, replayed.Checksum(0), crc)
}

func TestChecksumVerificationEndToEnd(t *testing.T) {
	opts := DefaultOptions()
	opts.Checkpoint.VerifyMode = checkpoint.VerifyFatal
	tbl := newTable(t, opts)
	createTable(t, tbl, nil)
	ctx := context.Background()

	// With fatal verification every commit recomputes state from scratch;
	// any incremental drift would surface in afterCommit's error log. Here
	// we assert the maintained checksum matches a cold full replay.
	for i := 0; i < 5; i++ {
		tx, err := tbl.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Commit(ctx, []action.Action{addIn("2024-01-01", fmt.Sprintf("f%d.parquet", i))}, "WRITE")
		require.NoError(t, err)
	}

	crc, err := checkpoint.ReadChecksum(ctx, tbl.store, 5)
	require.NoError(t, err)
	require.NotNil(t, crc)

	replayed := checkpoint.NewState()
	entries, err := tbl.coord.GetCommits(ctx, 0)
	require.NoError(t, err)
	for _, e := range entries {
		replayed.Fold(e.Version, e.Actions)
	}
	assert.Equal(t, replayed.Checksum(0), crc)
}

func TestSnapshotAtTimeTravel(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	tx, err := tbl.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx, []action.Action{addIn("2024-01-01", "a.parquet")}, "WRITE")
	require.NoError(t, err)

	old, err := tbl.SnapshotAt(ctx, 0)
	require.NoError(t, err)
	defer tbl.Release(old)
	assert.Equal(t, 0, old.FileCount())
}

func TestHistory(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	for _, op := range []string{"WRITE", "DELETE"} {
		tx, err := tbl.Begin(ctx)
		require.NoError(t, err)
		var acts []action.Action
		if op == "WRITE" {
			acts = []action.Action{addIn("2024-01-01", "a.parquet")}
		} else {
			acts = []action.Action{&action.RemoveFile{Path: "date=2024-01-01/a.parquet", DataChange: true}}
		}
		_, err = tx.Commit(ctx, acts, op)
		require.NoError(t, err)
	}

	hist, err := tbl.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(2), hist[0].Version)
	assert.Equal(t, "DELETE", hist[0].Info.Operation)
	assert.Equal(t, int64(1), hist[1].Version)
	assert.Equal(t, "WRITE", hist[1].Info.Operation)

	full, err := tbl.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, full, 3)
	assert.Equal(t, "CREATE TABLE", full[2].Info.Operation)
}

func TestConcurrentDisjointWritersThroughTable(t *testing.T) {
	tbl := newTable(t, DefaultOptions())
	createTable(t, tbl, nil)
	ctx := context.Background()

	txA, err := tbl.Begin(ctx)
	require.NoError(t, err)
	txA.ReadPartition(map[string]string{"date": "2024-01-01"})
	txB, err := tbl.Begin(ctx)
	require.NoError(t, err)
	txB.ReadPartition(map[string]string{"date": "2024-01-02"})

	vA, err := txA.Commit(ctx, []action.Action{addIn("2024-01-01", "a.parquet")}, "WRITE")
	require.NoError(t, err)
	vB, err := txB.Commit(ctx, []action.Action{addIn("2024-01-02", "b.parquet")}, "WRITE")
	require.NoError(t, err)

	assert.Equal(t, int64(1), vA)
	assert.Equal(t, int64(2), vB)

	snap, err := tbl.Snapshot(ctx)
	require.NoError(t, err)
	defer tbl.Release(snap)
	assert.Equal(t, 2, snap.FileCount())
}
