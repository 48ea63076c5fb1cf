// Package table ties the commit engine together: snapshot loading over the
// cache, transaction creation, post-commit checkpoint and checksum
// maintenance, and the table-feature lifecycle.
package table

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/checkpoint"
	"github.com/moomindani/delta/config"
	"github.com/moomindani/delta/conflict"
	"github.com/moomindani/delta/logstore"
	"github.com/moomindani/delta/snapshot"
	"github.com/moomindani/delta/storage"
	"github.com/moomindani/delta/txn"
)

// Options configures a table handle. Zero values fall back to the component
// defaults.
type Options struct {
	Snapshot   snapshot.Config
	Checkpoint checkpoint.Config
	Commit     txn.Config
	Conflict   conflict.Config
	Cache      snapshot.EvictionPolicy
	Logger     *zap.Logger
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Snapshot:   snapshot.DefaultConfig(),
		Checkpoint: checkpoint.DefaultConfig(),
		Commit:     txn.DefaultConfig(),
	}
}

// OptionsFromConfig maps a loaded config file onto Options.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) Options {
	opts := DefaultOptions()
	opts.Logger = logger

	if cfg.Commit.MaxAttempts > 0 {
		opts.Commit.MaxAttempts = cfg.Commit.MaxAttempts
	}
	if cfg.Commit.MaxVersionRaceAttempts > 0 {
		opts.Commit.MaxVersionRaceAttempts = cfg.Commit.MaxVersionRaceAttempts
	}
	if cfg.Commit.BackoffBaseMs > 0 {
		opts.Commit.BackoffBase = time.Duration(cfg.Commit.BackoffBaseMs) * time.Millisecond
	}
	if cfg.Commit.BackoffCapMs > 0 {
		opts.Commit.BackoffCap = time.Duration(cfg.Commit.BackoffCapMs) * time.Millisecond
	}
	opts.Commit.CheckDuplicateFiles = !cfg.Commit.SkipDuplicateFileCheck

	if cfg.Checkpoint.Interval > 0 {
		opts.Checkpoint.Interval = cfg.Checkpoint.Interval
	}
	if cfg.Checkpoint.PartSize > 0 {
		opts.Checkpoint.PartSize = cfg.Checkpoint.PartSize
	}
	if cfg.Checkpoint.MaxEmbeddedFiles > 0 {
		opts.Checkpoint.MaxEmbeddedFiles = cfg.Checkpoint.MaxEmbeddedFiles
	}
	opts.Checkpoint.FailHard = cfg.Checkpoint.FailHard
	switch cfg.Checkpoint.VerifyMode {
	case "warn":
		opts.Checkpoint.VerifyMode = checkpoint.VerifyWarn
	case "fatal":
		opts.Checkpoint.VerifyMode = checkpoint.VerifyFatal
	}

	if cfg.Snapshot.MaxCheckpointRetries > 0 {
		opts.Snapshot.MaxCheckpointRetries = cfg.Snapshot.MaxCheckpointRetries
	}
	opts.Snapshot.UseChecksumFastPath = !cfg.Snapshot.DisableChecksumLoad

	opts.Conflict.WidenNonDeterministic = cfg.Conflict.WidenNonDeterministic
	return opts
}

// Table is a handle on one Delta table.
type Table struct {
	store   storage.Storage
	coord   logstore.CommitCoordinator
	loader  *snapshot.Loader
	cache   *snapshot.Cache
	ckpt    *checkpoint.Manager
	checker *conflict.Checker
	opts    Options
	logger  *zap.Logger
}

// Open returns a handle on the table served by the given storage.
func Open(store storage.Storage, opts Options) *Table {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	coord := logstore.NewStorageCoordinator(store, logger)
	return &Table{
		store:   store,
		coord:   coord,
		loader:  snapshot.NewLoader(store, coord, opts.Snapshot, logger),
		cache:   snapshot.NewCache(opts.Cache),
		ckpt:    checkpoint.NewManager(store, opts.Checkpoint, logger),
		checker: conflict.NewChecker(opts.Conflict),
		opts:    opts,
		logger:  logger.With(zap.String("component", "table")),
	}
}

// Create commits version 0 carrying only Metadata and Protocol.
func (t *Table) Create(ctx context.Context, meta *action.Metadata, proto *action.Protocol) (int64, error) {
	if meta == nil || proto == nil {
		return 0, fmt.Errorf("creating table: metadata and protocol are required")
	}
	if latest, err := t.coord.LatestVersion(ctx); err != nil {
		return 0, err
	} else if latest >= 0 {
		return 0, fmt.Errorf("creating table: log already has version %d", latest)
	}

	actions := []action.Action{
		proto,
		meta,
		&action.CommitInfo{Timestamp: time.Now().UnixMilli(), Operation: "CREATE TABLE"},
	}
	if err := t.coord.Commit(ctx, 0, actions); err != nil {
		return 0, err
	}
	t.afterCommit(ctx, 0, actions, false)
	return 0, nil
}

// Snapshot loads the latest snapshot through the cache. Release it when
// done.
func (t *Table) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	latest, err := t.coord.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if latest < 0 {
		return nil, fmt.Errorf("table does not exist")
	}
	return t.SnapshotAt(ctx, latest)
}

// SnapshotAt loads the snapshot at a version through the cache.
func (t *Table) SnapshotAt(ctx context.Context, version int64) (*snapshot.Snapshot, error) {
	if snap, ok := t.cache.Get(version); ok {
		return snap, nil
	}
	snap, err := t.loader.Load(ctx, version)
	if err != nil {
		return nil, err
	}
	t.cache.Put(snap)
	return snap, nil
}

// Release returns a snapshot obtained from Snapshot/SnapshotAt to the cache.
func (t *Table) Release(snap *snapshot.Snapshot) {
	if snap != nil {
		t.cache.Release(snap.Version())
	}
}

// Begin opens an optimistic transaction against the latest snapshot.
func (t *Table) Begin(ctx context.Context) (*txn.Transaction, error) {
	return t.begin(ctx, t.opts.Commit)
}

func (t *Table) begin(ctx context.Context, cfg txn.Config) (*txn.Transaction, error) {
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	// The transaction keeps its own reference to the snapshot; the cache
	// entry may be evicted underneath it without harm.
	t.cache.Release(snap.Version())

	tx := txn.New(snap, t.coord, t.checker, cfg, t.logger)
	tx.SetPostCommitHook(func(ctx context.Context, version int64, committed []action.Action) {
		t.afterCommit(ctx, version, committed, false)
	})
	return tx, nil
}

// afterCommit maintains the checksum and checkpoint for a freshly committed
// version. The checksum folds the committed actions over the previous
// version's checksum; replaying a snapshot is the fallback when that seed is
// unavailable. Both writes are best-effort; the commit has already succeeded.
func (t *Table) afterCommit(ctx context.Context, version int64, committed []action.Action, forceCheckpoint bool) {
	var snap *snapshot.Snapshot
	load := func() *snapshot.Snapshot {
		if snap != nil {
			return snap
		}
		s, err := t.SnapshotAt(ctx, version)
		if err != nil {
			t.logger.Warn("post-commit snapshot load failed", zap.Int64("version", version), zap.Error(err))
			return nil
		}
		snap = s
		return snap
	}
	defer func() {
		if snap != nil {
			t.Release(snap)
		}
	}()

	state := t.foldState(ctx, version, committed)
	if state == nil {
		if s := load(); s != nil {
			state = s.ChecksumState()
		}
	}
	if state != nil {
		crc := state.Checksum(t.opts.Checkpoint.MaxEmbeddedFiles)
		t.ckpt.WriteChecksum(ctx, crc)

		if t.opts.Checkpoint.VerifyMode != checkpoint.VerifyOff {
			if err := t.verifyChecksum(ctx, version, crc); err != nil {
				t.logger.Error("checksum verification failed", zap.Int64("version", version), zap.Error(err))
			}
		}
	}

	if !t.ckpt.Due(version, forceCheckpoint) {
		return
	}
	s := load()
	if s == nil {
		return
	}
	if _, err := t.ckpt.MaybeCheckpoint(ctx, version, s.AllActions(), forceCheckpoint); err != nil {
		t.logger.Warn("checkpoint failed", zap.Int64("version", version), zap.Error(err))
	}
}

// foldState seeds checksum state from the previous version's checksum and
// folds the committed actions over it: checksum(V) = fold(checksum(V-1),
// actions(V)). Nil when the seed is unavailable, missing, or does not embed
// its file list; the caller then falls back to snapshot state.
func (t *Table) foldState(ctx context.Context, version int64, committed []action.Action) *checkpoint.State {
	if len(committed) == 0 {
		return nil
	}
	state := checkpoint.NewState()
	if version > 0 {
		prev, err := checkpoint.ReadChecksum(ctx, t.store, version-1)
		if err != nil || prev == nil {
			return nil
		}
		state, err = checkpoint.StateFromChecksum(prev)
		if err != nil {
			return nil
		}
	}
	state.Fold(version, committed)
	return state
}

// verifyChecksum recomputes state by full replay, bypassing checkpoints and
// the checksum fast path, and compares. The regression guard for the
// incremental tracking.
func (t *Table) verifyChecksum(ctx context.Context, version int64, crc *checkpoint.Checksum) error {
	replayed := checkpoint.NewState()
	entries, err := t.coord.GetCommits(ctx, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Version > version {
			break
		}
		replayed.Fold(e.Version, e.Actions)
	}
	return t.ckpt.Verify(crc, replayed)
}

// Checkpoint forces a checkpoint of the latest version.
func (t *Table) Checkpoint(ctx context.Context) error {
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer t.Release(snap)
	_, err = t.ckpt.Create(ctx, snap.Version(), snap.AllActions())
	return err
}

// CommitSummary is one history entry.
type CommitSummary struct {
	Version int64
	Info    *action.CommitInfo
}

// History returns the most recent commits, newest first.
func (t *Table) History(ctx context.Context, limit int) ([]CommitSummary, error) {
	entries, err := t.coord.GetCommits(ctx, 0)
	if err != nil {
		return nil, err
	}

	var out []CommitSummary
	for i := len(entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		s := CommitSummary{Version: entries[i].Version}
		for _, a := range entries[i].Actions {
			if info, ok := a.(*action.CommitInfo); ok {
				s.Info = info
				break
			}
		}
		out = append(out, s)
	}
	return out, nil
}
