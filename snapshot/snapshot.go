// Package snapshot materializes table state at a version by folding log
// actions over the most recent usable checkpoint.
package snapshot

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/checkpoint"
	"github.com/moomindani/delta/deltaerr"
	"github.com/moomindani/delta/logstore"
	"github.com/moomindani/delta/storage"
)

// Latest asks the loader for the newest committed version.
const Latest int64 = -1

// Snapshot is the immutable table state at one version. Two independent
// replays of the same version produce identical active-file sets.
type Snapshot struct {
	version  int64
	protocol *action.Protocol
	metadata *action.Metadata
	files    map[string]*action.AddFile
	domains  map[string]*action.DomainMetadata
	txns     map[string]int64
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		version: -1,
		files:   make(map[string]*action.AddFile),
		domains: make(map[string]*action.DomainMetadata),
		txns:    make(map[string]int64),
	}
}

func (s *Snapshot) Version() int64             { return s.version }
func (s *Snapshot) Protocol() *action.Protocol { return s.protocol }
func (s *Snapshot) Meta() *action.Metadata     { return s.metadata }

// ActiveFiles returns the active data files sorted by path.
func (s *Snapshot) ActiveFiles() []*action.AddFile {
	files := make([]*action.AddFile, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// File returns the active add entry for a path, if any.
func (s *Snapshot) File(path string) (*action.AddFile, bool) {
	f, ok := s.files[path]
	return f, ok
}

func (s *Snapshot) FileCount() int {
	return len(s.files)
}

// TxnVersion returns the recorded high-water mark for an application ID.
func (s *Snapshot) TxnVersion(appID string) (int64, bool) {
	v, ok := s.txns[appID]
	return v, ok
}

// DomainMeta returns the live (non-tombstoned) metadata for a domain.
func (s *Snapshot) DomainMeta(domain string) (*action.DomainMetadata, bool) {
	d, ok := s.domains[domain]
	if !ok || d.Removed {
		return nil, false
	}
	return d, true
}

// AllActions returns the materialized action set: protocol, metadata, domain
// records (tombstones included), app transaction marks and active files.
// This is what a checkpoint of this version persists.
func (s *Snapshot) AllActions() []action.Action {
	var out []action.Action
	if s.protocol != nil {
		out = append(out, s.protocol)
	}
	if s.metadata != nil {
		out = append(out, s.metadata)
	}
	domains := make([]string, 0, len(s.domains))
	for d := range s.domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		out = append(out, s.domains[d])
	}
	apps := make([]string, 0, len(s.txns))
	for a := range s.txns {
		apps = append(apps, a)
	}
	sort.Strings(apps)
	for _, a := range apps {
		out = append(out, &action.SetTransaction{AppID: a, Version: s.txns[a]})
	}
	for _, f := range s.ActiveFiles() {
		out = append(out, f)
	}
	return out
}

// ChecksumState converts the snapshot into a foldable checksum state.
func (s *Snapshot) ChecksumState() *checkpoint.State {
	st := checkpoint.NewState()
	st.Version = s.version
	st.Protocol = s.protocol
	st.Metadata = s.metadata
	for p, f := range s.files {
		st.Files[p] = f
	}
	for d, m := range s.domains {
		st.Domains[d] = m
	}
	for a, v := range s.txns {
		st.Txns[a] = v
	}
	return st
}

func (s *Snapshot) apply(a action.Action) {
	switch v := a.(type) {
	case *action.AddFile:
		s.files[v.Path] = v
	case *action.RemoveFile:
		delete(s.files, v.Path)
	case *action.Metadata:
		s.metadata = v
	case *action.Protocol:
		s.protocol = v
	case *action.DomainMetadata:
		s.domains[v.Domain] = v
	case *action.SetTransaction:
		s.txns[v.AppID] = v.Version
	}
}

// Config collects the snapshot loading knobs.
type Config struct {
	// MaxCheckpointRetries bounds how many strictly older checkpoints the
	// loader falls back through when a checkpoint is unreadable.
	MaxCheckpointRetries int
	// UseChecksumFastPath lets the loader rebuild state directly from a
	// checksum that embeds its file list.
	UseChecksumFastPath bool
}

func DefaultConfig() Config {
	return Config{MaxCheckpointRetries: 2, UseChecksumFastPath: true}
}

// Loader reconstructs snapshots from the log. Loading is a pure function of
// log contents; the cache layered on top is an optimization only.
type Loader struct {
	store  storage.Storage
	coord  logstore.CommitCoordinator
	cfg    Config
	logger *zap.Logger
}

func NewLoader(store storage.Storage, coord logstore.CommitCoordinator, cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		store:  store,
		coord:  coord,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "snapshot")),
	}
}

// MaxCheckpointRetries exposes the fallback budget; the checkpoint
// protection barrier is sized from it.
func (l *Loader) MaxCheckpointRetries() int {
	return l.cfg.MaxCheckpointRetries
}

// Load reconstructs the snapshot at the requested version (or Latest).
// Algorithm: pick the newest usable checkpoint at or below the target,
// falling back through strictly older checkpoints on read failure up to the
// retry budget, then fold the log tail in increasing version order.
func (l *Loader) Load(ctx context.Context, version int64) (*Snapshot, error) {
	paths, err := l.store.List(ctx, logstore.LogDir+"/")
	if err != nil {
		return nil, fmt.Errorf("listing log: %w", err)
	}

	target := version
	if target == Latest {
		for _, p := range paths {
			if v, ok := logstore.ParseVersion(p); ok && v > target {
				target = v
			}
		}
		if target == Latest {
			return nil, fmt.Errorf("loading snapshot: %w", deltaerr.ErrFileNotFound)
		}
	}

	if l.cfg.UseChecksumFastPath {
		if snap := l.tryChecksum(ctx, target); snap != nil {
			return snap, nil
		}
	}

	snap := newSnapshot()
	base := int64(0)
	baseSet := false

	// The first checkpoint plus MaxCheckpointRetries fallbacks, each a
	// strictly older checkpoint. Never invent state: a fallback only ever
	// moves the replay start earlier.
	candidates := checkpoint.Find(paths, target)
	allowed := l.cfg.MaxCheckpointRetries + 1
	tried := 0
	var lastErr error
	for _, cp := range candidates {
		if tried >= allowed {
			break
		}
		tried++
		actions, rerr := checkpoint.Read(ctx, l.store, cp)
		if rerr != nil {
			lastErr = rerr
			l.logger.Warn("unreadable checkpoint, falling back",
				zap.Int64("checkpoint", cp.Version), zap.Error(rerr))
			continue
		}
		for _, a := range actions {
			snap.apply(a)
		}
		snap.version = cp.Version
		base = cp.Version + 1
		baseSet = true
		break
	}
	if !baseSet && tried >= allowed {
		return nil, &deltaerr.CorruptLogError{Version: target, Attempts: tried, Err: lastErr}
	}
	// Candidates exhausted under budget: replay the full log from version 0.

	if err := l.replayTail(ctx, snap, base, target); err != nil {
		return nil, err
	}
	if snap.version != target {
		return nil, &deltaerr.CorruptLogError{
			Version:  target,
			Attempts: tried,
			Err:      fmt.Errorf("log ends at version %d", snap.version),
		}
	}
	return snap, nil
}

func (l *Loader) replayTail(ctx context.Context, snap *Snapshot, from, target int64) error {
	entries, err := l.coord.GetCommits(ctx, from)
	if err != nil {
		return fmt.Errorf("reading log tail: %w", err)
	}

	next := from
	for _, e := range entries {
		if e.Version > target {
			break
		}
		if e.Version != next {
			return &deltaerr.CorruptLogError{
				Version: target,
				Err:     fmt.Errorf("missing version %d in log", next),
			}
		}
		for _, a := range e.Actions {
			snap.apply(a)
		}
		snap.version = e.Version
		next = e.Version + 1
	}
	return nil
}

func (l *Loader) tryChecksum(ctx context.Context, target int64) *Snapshot {
	c, err := checkpoint.ReadChecksum(ctx, l.store, target)
	if err != nil || c == nil || c.Version != target {
		return nil
	}
	if c.NumFiles > 0 && c.AllFiles == nil {
		return nil
	}

	snap := newSnapshot()
	snap.version = c.Version
	snap.protocol = c.Protocol
	snap.metadata = c.Metadata
	for _, f := range c.AllFiles {
		snap.files[f.Path] = f
	}
	for _, d := range c.DomainMetadata {
		snap.domains[d.Domain] = d
	}
	for app, v := range c.TxnVersions {
		snap.txns[app] = v
	}
	l.logger.Debug("snapshot rebuilt from checksum", zap.Int64("version", target))
	return snap
}
