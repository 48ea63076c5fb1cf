// Package logstore claims version slots in the transaction log and reads
// committed entries back. The storage-backed coordinator leans entirely on
// the store's atomic create-if-absent primitive; only one writer can claim a
// given version.
package logstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/deltaerr"
	"github.com/moomindani/delta/storage"
)

// CommitEntry is one committed version and its ordered action list.
type CommitEntry struct {
	Version int64
	Actions []action.Action
}

// CommitCoordinator is the authority that accepts or rejects a commit for a
// version slot. The default is the log store itself; non-atomic storage
// backends would substitute an external coordinator here.
type CommitCoordinator interface {
	// Commit durably appends actions at the given version. Returns
	// deltaerr.ErrVersionExists when the slot is already claimed.
	Commit(ctx context.Context, version int64, actions []action.Action) error

	// GetCommits returns all committed entries with version >= since, in
	// strictly increasing version order.
	GetCommits(ctx context.Context, since int64) ([]CommitEntry, error)

	// LatestVersion returns the highest committed version, or -1 when the
	// log is empty.
	LatestVersion(ctx context.Context) (int64, error)
}

// StorageCoordinator implements CommitCoordinator on top of a Storage whose
// PutIfAbsent is a true compare-and-swap.
type StorageCoordinator struct {
	store  storage.Storage
	logger *zap.Logger
}

func NewStorageCoordinator(store storage.Storage, logger *zap.Logger) *StorageCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageCoordinator{
		store:  store,
		logger: logger.With(zap.String("component", "logstore")),
	}
}

func (c *StorageCoordinator) Commit(ctx context.Context, version int64, actions []action.Action) error {
	data, err := action.Encode(actions)
	if err != nil {
		return fmt.Errorf("encoding commit %d: %w", version, err)
	}

	err = c.store.PutIfAbsent(ctx, VersionPath(version), bytes.NewReader(data))
	if errors.Is(err, deltaerr.ErrObjectExists) {
		return fmt.Errorf("commit %d: %w", version, deltaerr.ErrVersionExists)
	}
	if err != nil {
		return &deltaerr.CoordinatorUnavailableError{Op: "commit", Err: err}
	}

	c.logger.Debug("committed version", zap.Int64("version", version), zap.Int("actions", len(actions)))
	return nil
}

func (c *StorageCoordinator) GetCommits(ctx context.Context, since int64) ([]CommitEntry, error) {
	paths, err := c.store.List(ctx, LogDir+"/")
	if err != nil {
		return nil, &deltaerr.CoordinatorUnavailableError{Op: "list", Err: err}
	}

	var entries []CommitEntry
	for _, p := range paths {
		v, ok := ParseVersion(p)
		if !ok || v < since {
			continue
		}
		actions, err := c.readCommit(ctx, v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, CommitEntry{Version: v, Actions: actions})
	}
	return entries, nil
}

func (c *StorageCoordinator) LatestVersion(ctx context.Context) (int64, error) {
	paths, err := c.store.List(ctx, LogDir+"/")
	if err != nil {
		return -1, &deltaerr.CoordinatorUnavailableError{Op: "list", Err: err}
	}

	latest := int64(-1)
	for _, p := range paths {
		if v, ok := ParseVersion(p); ok && v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (c *StorageCoordinator) readCommit(ctx context.Context, version int64) ([]action.Action, error) {
	r, err := c.store.Read(ctx, VersionPath(version))
	if err != nil {
		return nil, fmt.Errorf("reading commit %d: %w", version, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading commit %d: %w", version, err)
	}
	actions, err := action.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("commit %d: %w", version, err)
	}
	return actions, nil
}
