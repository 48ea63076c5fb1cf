// Package txn implements the optimistic transaction: it captures a writer's
// read/write footprint against a snapshot and performs a retrying,
// conflict-checked atomic commit. No locks are held during the write; a lost
// version race is detected after the fact and either rebased or aborted.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/conflict"
	"github.com/moomindani/delta/deltaerr"
	"github.com/moomindani/delta/feature"
	"github.com/moomindani/delta/logstore"
	"github.com/moomindani/delta/metrics"
	"github.com/moomindani/delta/snapshot"
)

// Config collects the commit-loop knobs.
type Config struct {
	// MaxAttempts caps total commit attempts. A real conflict aborts on
	// first detection regardless; only version races consume attempts.
	MaxAttempts int
	// MaxVersionRaceAttempts is a separate cap on attempts lost to pure
	// version races that carried no conflicting change.
	MaxVersionRaceAttempts int
	// BackoffBase and BackoffCap bound the jittered retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// CheckDuplicateFiles rejects a commit carrying the same file path
	// twice.
	CheckDuplicateFiles bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:            10,
		MaxVersionRaceAttempts: 200,
		BackoffBase:            20 * time.Millisecond,
		BackoffCap:             2 * time.Second,
		CheckDuplicateFiles:    true,
	}
}

// PostCommitHook runs after a successful commit; checkpointing and checksum
// maintenance hang off it. Hook failures never fail the commit.
type PostCommitHook func(ctx context.Context, version int64, committed []action.Action)

// Transaction is a single-use optimistic transaction over one snapshot.
type Transaction struct {
	snap    *snapshot.Snapshot
	coord   logstore.CommitCoordinator
	checker *conflict.Checker
	cfg     Config
	logger  *zap.Logger

	fp          *conflict.ReadFootprint
	newMetadata *action.Metadata
	newProtocol *action.Protocol
	appTxns     []*action.SetTransaction
	postCommit  PostCommitHook
	committed   bool
}

func New(snap *snapshot.Snapshot, coord logstore.CommitCoordinator, checker *conflict.Checker, cfg Config, logger *zap.Logger) *Transaction {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transaction{
		snap:    snap,
		coord:   coord,
		checker: checker,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "txn")),
		fp:      conflict.NewReadFootprint(),
	}
}

// SetPostCommitHook installs the hook invoked after a successful commit.
func (t *Transaction) SetPostCommitHook(h PostCommitHook) { t.postCommit = h }

// Snapshot returns the snapshot the transaction reads from.
func (t *Transaction) Snapshot() *snapshot.Snapshot { return t.snap }

// ReadFile records a file read and returns its active entry, if any.
func (t *Transaction) ReadFile(path string) (*action.AddFile, bool) {
	t.fp.RecordFile(path)
	return t.snap.File(path)
}

// ReadPartition records a partition-predicate read (a partial assignment of
// partition column values) and returns the matching active files.
func (t *Transaction) ReadPartition(values map[string]string) []*action.AddFile {
	t.fp.RecordPartition(values)
	var out []*action.AddFile
	for _, f := range t.snap.ActiveFiles() {
		match := true
		for col, want := range values {
			if f.PartitionValues[col] != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, f)
		}
	}
	return out
}

// ReadWholeTable records a full scan and returns all active files.
func (t *Transaction) ReadWholeTable() []*action.AddFile {
	t.fp.RecordWholeTable()
	return t.snap.ActiveFiles()
}

// MarkNonDeterministic flags the read footprint as produced by a
// non-deterministic filter, subject to the widening policy.
func (t *Transaction) MarkNonDeterministic() { t.fp.RecordNonDeterministic() }

// ReadMetadata records a metadata read and returns it.
func (t *Transaction) ReadMetadata() *action.Metadata {
	t.fp.RecordMetadata()
	return t.snap.Meta()
}

// ReadProtocol records a protocol read and returns it.
func (t *Transaction) ReadProtocol() *action.Protocol {
	t.fp.RecordProtocol()
	return t.snap.Protocol()
}

// ReadDomain records a domain-metadata read and returns the live entry.
func (t *Transaction) ReadDomain(domain string) (*action.DomainMetadata, bool) {
	t.fp.RecordDomain(domain)
	return t.snap.DomainMeta(domain)
}

// UpdateMetadata stages a metadata change. At most one per transaction; a
// second call is a programmer error, not a retryable failure.
func (t *Transaction) UpdateMetadata(m *action.Metadata) error {
	if t.newMetadata != nil {
		return &deltaerr.InvariantViolationError{
			Check:  "single-metadata-update",
			Detail: "UpdateMetadata called twice in one transaction",
		}
	}
	t.newMetadata = m
	return nil
}

// UpdateProtocol stages a protocol change. At most one per transaction.
func (t *Transaction) UpdateProtocol(p *action.Protocol) error {
	if t.newProtocol != nil {
		return &deltaerr.InvariantViolationError{
			Check:  "single-protocol-update",
			Detail: "UpdateProtocol called twice in one transaction",
		}
	}
	t.newProtocol = p
	return nil
}

// SetAppTransaction stages an idempotent-write tag. A winner committing the
// same (appID, version) makes this commit a no-op success.
func (t *Transaction) SetAppTransaction(appID string, version int64) {
	t.fp.RecordAppTransaction(appID)
	now := time.Now().UnixMilli()
	t.appTxns = append(t.appTxns, &action.SetTransaction{AppID: appID, Version: version, LastUpdated: &now})
}

// Commit runs the retrying commit loop and returns the committed version.
// Exactly one durable log append happens on success; a failed attempt leaves
// nothing partially visible.
func (t *Transaction) Commit(ctx context.Context, actions []action.Action, operation string) (int64, error) {
	if t.committed {
		return 0, &deltaerr.InvariantViolationError{
			Check:  "single-commit",
			Detail: "transaction already committed",
		}
	}

	full, err := t.assemble(actions, operation)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	defer func() {
		metrics.CommitDuration.Observe(time.Since(start).Seconds())
	}()

	attempts := 0
	races := 0
	target := t.snap.Version() + 1

	for {
		attempts++
		metrics.CommitAttempts.Inc()

		err := t.coord.Commit(ctx, target, full)
		if err == nil {
			t.committed = true
			metrics.CommitsSucceeded.Inc()
			t.logger.Debug("commit succeeded",
				zap.Int64("version", target),
				zap.Int("attempts", attempts),
				zap.String("operation", operation))
			if t.postCommit != nil {
				t.postCommit(ctx, target, full)
			}
			return target, nil
		}
		if !errors.Is(err, deltaerr.ErrVersionExists) {
			return 0, err
		}

		winners, gerr := t.coord.GetCommits(ctx, target)
		if gerr != nil {
			return 0, gerr
		}
		if len(winners) == 0 {
			return 0, &deltaerr.CoordinatorUnavailableError{
				Op:  "get-commits",
				Err: fmt.Errorf("version %d reported taken but not listed", target),
			}
		}

		cerr := t.checker.Check(t.fp, full, winners)
		var already *deltaerr.TransactionAlreadyCommittedError
		if errors.As(cerr, &already) {
			// Duplicate idempotent write: the state this transaction wanted
			// is already in. No-op success at the version that carried the
			// matching tag.
			t.committed = true
			t.logger.Info("idempotent transaction already committed",
				zap.String("appId", already.AppID),
				zap.Int64("version", already.WinningVersion))
			return already.WinningVersion, nil
		}
		if cerr != nil {
			// A detected conflict is final: retrying past the winner would
			// commit actions whose premises it already invalidated.
			var cc *deltaerr.CommitConflictError
			if errors.As(cerr, &cc) {
				metrics.CommitConflicts.WithLabelValues(cc.Rule).Inc()
			}
			return 0, cerr
		}

		races++
		metrics.CommitVersionRaces.Inc()
		if attempts >= t.cfg.MaxAttempts || races >= t.cfg.MaxVersionRaceAttempts {
			return 0, &deltaerr.CommitConflictError{
				Rule:           "TooManyAttempts",
				WinningVersion: winners[len(winners)-1].Version,
				Detail:         fmt.Sprintf("gave up after %d attempts (%d version races)", attempts, races),
			}
		}

		// Rebase: the winner's changes were checked against the footprint and
		// passed, so the actions carry forward unchanged to the slot after
		// the last winner.
		target = winners[len(winners)-1].Version + 1

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(jitter(attempts-1, t.cfg.BackoffBase, t.cfg.BackoffCap)):
		}
	}
}

// assemble validates preconditions and builds the final ordered action list:
// staged protocol/metadata first, then app transaction tags, then the
// caller's actions, then CommitInfo.
func (t *Transaction) assemble(actions []action.Action, operation string) ([]action.Action, error) {
	metadataOnly := t.newMetadata != nil || t.newProtocol != nil
	if len(actions) == 0 && len(t.appTxns) == 0 && !metadataOnly {
		return nil, &deltaerr.InvariantViolationError{
			Check:  "non-empty-commit",
			Detail: "commit carries no actions and no metadata change",
		}
	}

	var full []action.Action
	if t.newProtocol != nil {
		full = append(full, t.newProtocol)
	}
	if t.newMetadata != nil {
		full = append(full, t.newMetadata)
	}
	for _, tx := range t.appTxns {
		full = append(full, tx)
	}
	full = append(full, actions...)

	if t.cfg.CheckDuplicateFiles {
		if err := action.CheckDuplicatePaths(full); err != nil {
			return nil, err
		}
	}

	proto := t.snap.Protocol()
	if t.newProtocol != nil {
		proto = t.newProtocol
	}
	if err := feature.CheckSupport(proto, full); err != nil {
		return nil, err
	}
	for _, name := range feature.ImpliedBy(full) {
		t.fp.RecordRequiredFeature(name)
	}

	info := &action.CommitInfo{
		Timestamp:        time.Now().UnixMilli(),
		Operation:        operation,
		OperationMetrics: operationMetrics(full),
		TxnID:            uuid.New().String(),
	}
	return append(full, info), nil
}

func operationMetrics(actions []action.Action) map[string]string {
	var added, removed int
	var bytes int64
	for _, a := range actions {
		switch v := a.(type) {
		case *action.AddFile:
			added++
			bytes += v.Size
		case *action.RemoveFile:
			removed++
		}
	}
	return map[string]string{
		"numAddedFiles":   fmt.Sprintf("%d", added),
		"numRemovedFiles": fmt.Sprintf("%d", removed),
		"numAddedBytes":   fmt.Sprintf("%d", bytes),
	}
}
