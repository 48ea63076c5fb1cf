// Package checkpoint compacts the transaction log into parquet checkpoint
// files and maintains the per-commit checksum summary, bounding the replay
// cost of snapshot reconstruction.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/logstore"
	"github.com/moomindani/delta/metrics"
	"github.com/moomindani/delta/storage"
)

// Checkpoint is the _last_checkpoint pointer payload. Size is the number of
// actions the checkpoint holds; Parts is omitted for single-file
// checkpoints. The pointer is a hint only.
type Checkpoint struct {
	Version int64 `json:"version"`
	Size    int64 `json:"size"`
	Parts   int   `json:"parts,omitempty"`
}

func (c Checkpoint) partCount() int {
	if c.Parts == 0 {
		return 1
	}
	return c.Parts
}

// row is one checkpoint parquet record. Exactly one field is set; CommitInfo
// is provenance and is not checkpointed.
type row struct {
	Txn            *action.SetTransaction `parquet:"txn"`
	Add            *action.AddFile        `parquet:"add"`
	Remove         *action.RemoveFile     `parquet:"remove"`
	Metadata       *action.Metadata       `parquet:"metaData"`
	Protocol       *action.Protocol       `parquet:"protocol"`
	DomainMetadata *action.DomainMetadata `parquet:"domainMetadata"`
}

func toRow(a action.Action) (row, bool) {
	switch v := a.(type) {
	case *action.AddFile:
		return row{Add: v}, true
	case *action.RemoveFile:
		return row{Remove: v}, true
	case *action.Metadata:
		return row{Metadata: v}, true
	case *action.Protocol:
		return row{Protocol: v}, true
	case *action.DomainMetadata:
		return row{DomainMetadata: v}, true
	case *action.SetTransaction:
		return row{Txn: v}, true
	default:
		return row{}, false
	}
}

func (r row) toAction() (action.Action, error) {
	switch {
	case r.Add != nil:
		return r.Add, nil
	case r.Remove != nil:
		return r.Remove, nil
	case r.Metadata != nil:
		return r.Metadata, nil
	case r.Protocol != nil:
		return r.Protocol, nil
	case r.DomainMetadata != nil:
		return r.DomainMetadata, nil
	case r.Txn != nil:
		return r.Txn, nil
	default:
		return nil, fmt.Errorf("checkpoint row carries no action")
	}
}

// VerifyMode controls how a checksum recomputed by full replay is compared
// against the incrementally-maintained one.
type VerifyMode int

const (
	VerifyOff VerifyMode = iota
	VerifyWarn
	VerifyFatal
)

// Config collects the checkpoint policy knobs.
type Config struct {
	// Interval triggers a checkpoint every Interval commits. Zero disables
	// cadence-based checkpointing.
	Interval int64
	// PartSize caps actions per checkpoint part. Zero means single-file.
	PartSize int
	// FailHard propagates checkpoint write failures to the caller. Meant
	// for tests; checkpoints are best-effort by default.
	FailHard bool
	// VerifyMode gates full-replay checksum verification.
	VerifyMode VerifyMode
	// MaxEmbeddedFiles caps the active-file list embedded in a checksum.
	MaxEmbeddedFiles int
}

func DefaultConfig() Config {
	return Config{
		Interval:         10,
		PartSize:         0,
		MaxEmbeddedFiles: 2048,
	}
}

// Manager writes checkpoints and checksums for one table.
type Manager struct {
	store  storage.Storage
	cfg    Config
	logger *zap.Logger
}

func NewManager(store storage.Storage, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "checkpoint")),
	}
}

// Due reports whether the cadence policy fires for a version.
func (m *Manager) Due(version int64, force bool) bool {
	return force || (m.cfg.Interval > 0 && version > 0 && version%m.cfg.Interval == 0)
}

// MaybeCheckpoint writes a checkpoint when the cadence policy fires or when
// forced. state must be the full materialized action set of the version. A
// failed write never fails the surrounding commit unless FailHard is set.
func (m *Manager) MaybeCheckpoint(ctx context.Context, version int64, state []action.Action, force bool) (*Checkpoint, error) {
	if !m.Due(version, force) {
		return nil, nil
	}

	cp, err := m.Create(ctx, version, state)
	if err != nil {
		metrics.CheckpointFailures.Inc()
		if m.cfg.FailHard {
			return nil, err
		}
		m.logger.Warn("checkpoint write failed", zap.Int64("version", version), zap.Error(err))
		return nil, nil
	}
	return cp, nil
}

// Create writes the checkpoint part file(s) for a version and then updates
// the _last_checkpoint pointer.
func (m *Manager) Create(ctx context.Context, version int64, state []action.Action) (*Checkpoint, error) {
	rows := make([]row, 0, len(state))
	for _, a := range state {
		if r, ok := toRow(a); ok {
			rows = append(rows, r)
		}
	}

	cp := Checkpoint{Version: version, Size: int64(len(rows))}
	if m.cfg.PartSize > 0 && len(rows) > m.cfg.PartSize {
		total := (len(rows) + m.cfg.PartSize - 1) / m.cfg.PartSize
		cp.Parts = total
		for i := 0; i < total; i++ {
			lo := i * m.cfg.PartSize
			hi := lo + m.cfg.PartSize
			if hi > len(rows) {
				hi = len(rows)
			}
			path := logstore.MultiPartCheckpointPath(version, i+1, total)
			if err := m.writePart(ctx, path, rows[lo:hi]); err != nil {
				return nil, err
			}
		}
	} else {
		if err := m.writePart(ctx, logstore.CheckpointPath(version), rows); err != nil {
			return nil, err
		}
	}

	pointer, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encoding last checkpoint pointer: %w", err)
	}
	if err := m.store.Write(ctx, logstore.LastCheckpointPath, bytes.NewReader(pointer)); err != nil {
		return nil, fmt.Errorf("writing last checkpoint pointer: %w", err)
	}

	metrics.CheckpointsWritten.Inc()
	m.logger.Info("checkpoint written",
		zap.Int64("version", version),
		zap.Int64("actions", cp.Size),
		zap.Int("parts", cp.partCount()))
	return &cp, nil
}

func (m *Manager) writePart(ctx context.Context, path string, rows []row) error {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[row](&buf)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return fmt.Errorf("writing checkpoint rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing checkpoint writer: %w", err)
	}
	if err := m.store.Write(ctx, path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("writing checkpoint part %s: %w", path, err)
	}
	return nil
}

// Read reassembles the action set of a checkpoint, parts in index order.
func Read(ctx context.Context, store storage.Storage, cp Checkpoint) ([]action.Action, error) {
	var actions []action.Action
	for part := 1; part <= cp.partCount(); part++ {
		var path string
		if cp.partCount() == 1 {
			path = logstore.CheckpointPath(cp.Version)
		} else {
			path = logstore.MultiPartCheckpointPath(cp.Version, part, cp.partCount())
		}
		rows, err := readPart(ctx, store, path)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			a, err := r.toAction()
			if err != nil {
				return nil, fmt.Errorf("checkpoint %d part %d: %w", cp.Version, part, err)
			}
			normalize(a)
			actions = append(actions, a)
		}
	}
	return actions, nil
}

// normalize restores nil for the optional list fields the parquet decoder
// materializes as empty non-nil slices, so a checkpoint round trip is
// value-faithful to the actions originally written.
func normalize(a action.Action) {
	switch v := a.(type) {
	case *action.Metadata:
		if len(v.PartitionColumns) == 0 {
			v.PartitionColumns = nil
		}
	case *action.Protocol:
		if len(v.ReaderFeatures) == 0 {
			v.ReaderFeatures = nil
		}
		if len(v.WriterFeatures) == 0 {
			v.WriterFeatures = nil
		}
	}
}

func readPart(ctx context.Context, store storage.Storage, path string) ([]row, error) {
	r, err := store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint part %s: %w", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint part %s: %w", path, err)
	}
	rows, err := parquet.Read[row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint part %s: %w", path, err)
	}
	return rows, nil
}

// ReadLastCheckpoint reads the pointer file. A missing or corrupt pointer
// yields (nil, nil): it is a hint, never authoritative.
func ReadLastCheckpoint(ctx context.Context, store storage.Storage) (*Checkpoint, error) {
	r, err := store.Read(ctx, logstore.LastCheckpointPath)
	if err != nil {
		return nil, nil
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil || cp.Version < 0 {
		return nil, nil
	}
	return &cp, nil
}

// Find scans a log listing for complete checkpoints at or below maxVersion,
// newest first. Multi-part groups with missing parts are skipped.
func Find(paths []string, maxVersion int64) []Checkpoint {
	type group struct {
		total int
		seen  map[int]struct{}
	}
	groups := make(map[int64]map[int]*group) // version -> total -> parts seen

	for _, p := range paths {
		v, part, total, ok := logstore.ParseCheckpointPath(p)
		if !ok || (maxVersion >= 0 && v > maxVersion) {
			continue
		}
		byTotal, ok := groups[v]
		if !ok {
			byTotal = make(map[int]*group)
			groups[v] = byTotal
		}
		g, ok := byTotal[total]
		if !ok {
			g = &group{total: total, seen: make(map[int]struct{})}
			byTotal[total] = g
		}
		g.seen[part] = struct{}{}
	}

	var found []Checkpoint
	for v, byTotal := range groups {
		for total, g := range byTotal {
			if len(g.seen) != total {
				continue
			}
			cp := Checkpoint{Version: v}
			if total > 1 {
				cp.Parts = total
			}
			found = append(found, cp)
			break
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Version > found[j].Version })
	return found
}
