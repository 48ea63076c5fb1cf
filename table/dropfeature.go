package table

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/deltaerr"
	"github.com/moomindani/delta/feature"
	"github.com/moomindani/delta/logstore"
)

// CheckpointProtectionBoundaryKey is the metadata property recording the
// protocol-downgrade version. Retention cleanup must not delete checkpoints
// or log entries at or after this boundary without re-validating downgraded
// features.
const CheckpointProtectionBoundaryKey = "delta.checkpointProtection.boundaryVersion"

// DropPhase names a state of the drop-feature machine.
type DropPhase int

const (
	PhasePreDowngrade DropPhase = iota
	PhaseBarrierCheckpoints
	PhaseHistoryWait
	PhaseValidateRemoval
	PhaseProtocolDowngrade
	PhasePostCheckpoint
	PhaseComplete
	PhaseBlockedPendingRetention
	PhaseAborted
)

func (p DropPhase) String() string {
	switch p {
	case PhasePreDowngrade:
		return "PRE_DOWNGRADE"
	case PhaseBarrierCheckpoints:
		return "BARRIER_CHECKPOINTS"
	case PhaseHistoryWait:
		return "HISTORY_WAIT"
	case PhaseValidateRemoval:
		return "VALIDATE_REMOVAL"
	case PhaseProtocolDowngrade:
		return "PROTOCOL_DOWNGRADE_COMMIT"
	case PhasePostCheckpoint:
		return "OPTIONAL_POST_CHECKPOINT"
	case PhaseComplete:
		return "COMPLETE"
	case PhaseBlockedPendingRetention:
		return "BLOCKED_PENDING_RETENTION"
	case PhaseAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("DropPhase(%d)", int(p))
	}
}

// ErrHistoricalTracesExist aborts a history-truncation drop whose log still
// carries versions referencing the feature.
var ErrHistoricalTracesExist = errors.New("dropfeature: historical versions still reference the feature")

// DropFeatureOptions selects the drop variant and its inputs.
type DropFeatureOptions struct {
	// HistoryTruncation selects Variant A; the default is the checkpoint
	// protection barrier (Variant B).
	HistoryTruncation bool
	// RetentionCutoff is the log retention boundary for Variant A. Versions
	// at or after it are still readable by time travel.
	RetentionCutoff time.Time
	// RetentionPeriod sizes the retry hint when Variant A is blocked.
	RetentionPeriod time.Duration
	// AuxiliaryFiles are feature-owned files to tombstone in the downgrade
	// commit so cleanup does not collect them prematurely.
	AuxiliaryFiles []string
	// PreDowngrade overrides the default cleanup (dropping the feature's
	// table properties and domain metadata). Reports whether any state
	// changed.
	PreDowngrade func(ctx context.Context, t *Table) (bool, error)
}

// DropFeatureResult reports where the machine stopped.
type DropFeatureResult struct {
	Phase   DropPhase
	Version int64
}

// DropFeature runs the two-phase drop-feature procedure. Cleanup-phase
// errors abort the whole operation with no partial protocol change; a
// blocked Variant A surfaces FeatureLifecycleBlockedError and is expected to
// be invoked again after retention advances.
func (t *Table) DropFeature(ctx context.Context, name string, opts DropFeatureOptions) (DropFeatureResult, error) {
	res := DropFeatureResult{Phase: PhasePreDowngrade}

	if _, ok := feature.Lookup(name); !ok {
		res.Phase = PhaseAborted
		return res, fmt.Errorf("dropping feature: unknown feature %q", name)
	}

	snap, err := t.Snapshot(ctx)
	if err != nil {
		res.Phase = PhaseAborted
		return res, err
	}
	proto := snap.Protocol()
	supported := feature.Supported(proto, name)
	t.Release(snap)
	if !supported {
		res.Phase = PhaseAborted
		return res, fmt.Errorf("dropping feature: %q is not enabled", name)
	}
	if err := feature.CheckDependents(proto, name); err != nil {
		res.Phase = PhaseAborted
		return res, err
	}

	if _, err := t.preDowngrade(ctx, name, opts); err != nil {
		res.Phase = PhaseAborted
		return res, fmt.Errorf("pre-downgrade cleanup: %w", err)
	}

	if opts.HistoryTruncation {
		res.Phase = PhaseHistoryWait
		if err := t.historyWait(ctx, name, opts); err != nil {
			if errors.Is(err, ErrHistoricalTracesExist) {
				res.Phase = PhaseAborted
			} else {
				res.Phase = PhaseBlockedPendingRetention
			}
			return res, err
		}
	} else {
		res.Phase = PhaseBarrierCheckpoints
		if err := t.barrierCheckpoints(ctx); err != nil {
			res.Phase = PhaseAborted
			return res, fmt.Errorf("checkpoint protection barrier: %w", err)
		}
	}

	res.Phase = PhaseValidateRemoval
	version, err := t.downgradeCommit(ctx, name, opts)
	if err != nil {
		res.Phase = PhaseAborted
		return res, err
	}
	res.Version = version

	res.Phase = PhasePostCheckpoint
	if err := t.Checkpoint(ctx); err != nil {
		// The downgrade is durable; the trailing checkpoint is optional.
		t.logger.Warn("post-downgrade checkpoint failed", zap.String("feature", name), zap.Error(err))
	}

	res.Phase = PhaseComplete
	t.logger.Info("feature dropped", zap.String("feature", name), zap.Int64("version", version))
	return res, nil
}

// preDowngrade disables the feature's writer path: default cleanup drops the
// feature's table properties (delta.feature.<name>.*) and its domain
// metadata, as its own committed transaction.
func (t *Table) preDowngrade(ctx context.Context, name string, opts DropFeatureOptions) (bool, error) {
	if opts.PreDowngrade != nil {
		return opts.PreDowngrade(ctx, t)
	}

	tx, err := t.Begin(ctx)
	if err != nil {
		return false, err
	}

	var actions []action.Action
	metaChanged := false

	meta := tx.ReadMetadata()
	if meta != nil {
		prefix := "delta.feature." + name + "."
		next := meta.Clone()
		for k := range next.Configuration {
			if strings.HasPrefix(k, prefix) {
				delete(next.Configuration, k)
				metaChanged = true
			}
		}
		if metaChanged {
			if err := tx.UpdateMetadata(next); err != nil {
				return false, err
			}
		}
	}

	domain := "delta." + name
	_, domainLive := tx.ReadDomain(domain)
	if domainLive {
		actions = append(actions, &action.DomainMetadata{Domain: domain, Removed: true})
	}

	if !metaChanged && !domainLive {
		return false, nil
	}
	if _, err := tx.Commit(ctx, actions, "DROP FEATURE CLEANUP"); err != nil {
		return false, err
	}
	return true, nil
}

// historyWait implements Variant A. The first invocation reports "retry
// after the retention period"; once the cutoff has advanced past the
// feature's last use it verifies that no retained version references the
// feature.
func (t *Table) historyWait(ctx context.Context, name string, opts DropFeatureOptions) error {
	lastUse, err := t.lastFeatureUse(ctx, name)
	if err != nil {
		return err
	}

	if opts.RetentionCutoff.IsZero() || !lastUse.Before(opts.RetentionCutoff) {
		retry := opts.RetentionPeriod
		if retry <= 0 {
			retry = 24 * time.Hour
		}
		return &deltaerr.FeatureLifecycleBlockedError{
			Feature:    name,
			RetryAfter: retry,
			Reason:     "log retention has not advanced past the feature's last use",
		}
	}

	// Retention advanced: verify the retained history carries no trace.
	entries, err := t.coord.GetCommits(ctx, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if commitTime(e).Before(opts.RetentionCutoff) {
			continue // due for retention cleanup
		}
		for _, a := range e.Actions {
			if referencesFeature(a, name) {
				return fmt.Errorf("version %d: %w", e.Version, ErrHistoricalTracesExist)
			}
		}
	}
	return nil
}

// barrierCheckpoints implements Variant B: R+1 checkpoints, each on top of a
// fresh empty commit, where R is the snapshot loader's checkpoint fallback
// budget. After the barrier no fallback search can walk past it into
// pre-removal history.
func (t *Table) barrierCheckpoints(ctx context.Context) error {
	const attemptsPerBarrier = 3
	needed := t.loader.MaxCheckpointRetries() + 1

	for i := 0; i < needed; i++ {
		var lastErr error
		ok := false
		for attempt := 0; attempt < attemptsPerBarrier; attempt++ {
			version, err := t.emptyCommit(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			snap, err := t.SnapshotAt(ctx, version)
			if err != nil {
				lastErr = err
				continue
			}
			_, err = t.ckpt.Create(ctx, version, snap.AllActions())
			t.Release(snap)
			if err != nil {
				// A fresh commit backs the next try; the barrier checkpoint
				// must sit on its own version.
				lastErr = err
				continue
			}
			ok = true
			break
		}
		if !ok {
			return fmt.Errorf("barrier checkpoint %d/%d: %w", i+1, needed, lastErr)
		}
	}
	return nil
}

// emptyCommit claims the next version slot with a CommitInfo-only entry.
func (t *Table) emptyCommit(ctx context.Context) (int64, error) {
	for {
		latest, err := t.coord.LatestVersion(ctx)
		if err != nil {
			return 0, err
		}
		target := latest + 1
		info := &action.CommitInfo{Timestamp: time.Now().UnixMilli(), Operation: "EMPTY COMMIT"}
		err = t.coord.Commit(ctx, target, []action.Action{info})
		if err == nil {
			t.afterCommit(ctx, target, []action.Action{info}, false)
			return target, nil
		}
		if !errors.Is(err, deltaerr.ErrVersionExists) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
}

// downgradeCommit re-validates removal and commits the protocol downgrade.
// Losing to a concurrent writer re-runs validation against the winner's
// snapshot before the single retry.
func (t *Table) downgradeCommit(ctx context.Context, name string, opts DropFeatureOptions) (int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		snap, err := t.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		proto := snap.Protocol()
		meta := snap.Meta()
		t.Release(snap)

		if !feature.Supported(proto, name) {
			return 0, fmt.Errorf("validating removal: feature %q no longer enabled", name)
		}
		if err := feature.CheckDependents(proto, name); err != nil {
			return 0, err
		}

		// The downgrade never rebases internally: the stamped protection
		// boundary must equal the committed version, so a lost version slot
		// surfaces as an error and validation reruns at the new head.
		cfg := t.opts.Commit
		cfg.MaxAttempts = 1
		cfg.MaxVersionRaceAttempts = 1
		tx, err := t.begin(ctx, cfg)
		if err != nil {
			return 0, err
		}
		if err := tx.UpdateProtocol(feature.Remove(proto, name)); err != nil {
			return 0, err
		}

		boundary := tx.Snapshot().Version() + 1
		next := meta.Clone()
		next.Configuration[CheckpointProtectionBoundaryKey] = fmt.Sprintf("%d", boundary)
		if err := tx.UpdateMetadata(next); err != nil {
			return 0, err
		}

		var actions []action.Action
		now := time.Now().UnixMilli()
		for _, p := range opts.AuxiliaryFiles {
			actions = append(actions, &action.RemoveFile{Path: p, DeletionTimestamp: &now, DataChange: false})
		}

		version, err := tx.Commit(ctx, actions, "DROP FEATURE "+name)
		if err == nil {
			return version, nil
		}
		var cc *deltaerr.CommitConflictError
		if errors.As(err, &cc) && attempt == 0 {
			t.logger.Info("downgrade commit lost a race, re-validating",
				zap.String("feature", name), zap.Int64("winner", cc.WinningVersion))
			continue
		}
		return 0, err
	}
	return 0, fmt.Errorf("downgrade commit: retries exhausted")
}

// lastFeatureUse finds the commit time of the newest version whose actions
// reference the feature.
func (t *Table) lastFeatureUse(ctx context.Context, name string) (time.Time, error) {
	entries, err := t.coord.GetCommits(ctx, 0)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, e := range entries {
		for _, a := range e.Actions {
			if referencesFeature(a, name) {
				last = commitTime(e)
			}
		}
	}
	return last, nil
}

func commitTime(e logstore.CommitEntry) time.Time {
	for _, a := range e.Actions {
		if info, ok := a.(*action.CommitInfo); ok && info.Timestamp > 0 {
			return time.UnixMilli(info.Timestamp)
		}
	}
	return time.Time{}
}

// referencesFeature reports whether an action is a trace of the feature:
// a protocol carrying it, its domain metadata, or a tagged file.
func referencesFeature(a action.Action, name string) bool {
	switch v := a.(type) {
	case *action.Protocol:
		return feature.Supported(v, name)
	case *action.DomainMetadata:
		return v.Domain == "delta."+name && !v.Removed
	case *action.AddFile:
		_, ok := v.Tags["delta.feature."+name]
		return ok
	default:
		return false
	}
}
