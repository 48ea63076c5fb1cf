package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/deltaerr"
	"github.com/moomindani/delta/logstore"
	"github.com/moomindani/delta/metrics"
	"github.com/moomindani/delta/storage"
)

// Checksum is the per-version state summary written alongside every commit.
// AllFiles is embedded only while the table stays under the configured file
// count; above it the record carries aggregates only.
type Checksum struct {
	Version        int64                    `json:"version"`
	NumFiles       int64                    `json:"numFiles"`
	TableSizeBytes int64                    `json:"tableSizeBytes"`
	Protocol       *action.Protocol         `json:"protocol"`
	Metadata       *action.Metadata         `json:"metadata"`
	TxnVersions    map[string]int64         `json:"txnVersions,omitempty"`
	DomainMetadata []*action.DomainMetadata `json:"domainMetadata,omitempty"`
	AllFiles       []*action.AddFile        `json:"allFiles,omitempty"`
}

// State is the mutable working set behind a checksum. It exists so a commit
// can fold its own actions over the previous state instead of replaying the
// whole log: checksum(V) = fold(checksum(V-1), actions(V)).
type State struct {
	Version  int64
	Protocol *action.Protocol
	Metadata *action.Metadata
	Files    map[string]*action.AddFile
	Domains  map[string]*action.DomainMetadata
	Txns     map[string]int64
}

func NewState() *State {
	return &State{
		Version: -1,
		Files:   make(map[string]*action.AddFile),
		Domains: make(map[string]*action.DomainMetadata),
		Txns:    make(map[string]int64),
	}
}

// StateFromChecksum reconstructs a foldable state from a checksum that
// embeds its file list. Without the list the checksum cannot seed a fold.
func StateFromChecksum(c *Checksum) (*State, error) {
	if c.NumFiles > 0 && c.AllFiles == nil {
		return nil, fmt.Errorf("checksum %d does not embed its file list", c.Version)
	}
	s := NewState()
	s.Version = c.Version
	s.Protocol = c.Protocol.Clone()
	s.Metadata = c.Metadata.Clone()
	for _, f := range c.AllFiles {
		s.Files[f.Path] = f
	}
	for _, d := range c.DomainMetadata {
		s.Domains[d.Domain] = d
	}
	for app, v := range c.TxnVersions {
		s.Txns[app] = v
	}
	return s, nil
}

// Apply folds one action. Later actions win per path; Protocol and Metadata
// overwrite the prior value entirely.
func (s *State) Apply(a action.Action) {
	switch v := a.(type) {
	case *action.AddFile:
		s.Files[v.Path] = v
	case *action.RemoveFile:
		delete(s.Files, v.Path)
	case *action.Metadata:
		s.Metadata = v
	case *action.Protocol:
		s.Protocol = v
	case *action.DomainMetadata:
		s.Domains[v.Domain] = v
	case *action.SetTransaction:
		s.Txns[v.AppID] = v.Version
	}
}

// Fold advances the state by one committed version.
func (s *State) Fold(version int64, actions []action.Action) {
	for _, a := range actions {
		s.Apply(a)
	}
	s.Version = version
}

// Checksum materializes the summary record. maxEmbeddedFiles <= 0 always
// embeds the file list.
func (s *State) Checksum(maxEmbeddedFiles int) *Checksum {
	c := &Checksum{
		Version:  s.Version,
		NumFiles: int64(len(s.Files)),
		Protocol: s.Protocol,
		Metadata: s.Metadata,
	}
	if len(s.Txns) > 0 {
		c.TxnVersions = make(map[string]int64, len(s.Txns))
		for app, v := range s.Txns {
			c.TxnVersions[app] = v
		}
	}
	if len(s.Domains) > 0 {
		names := make([]string, 0, len(s.Domains))
		for d := range s.Domains {
			names = append(names, d)
		}
		sort.Strings(names)
		c.DomainMetadata = make([]*action.DomainMetadata, 0, len(names))
		for _, d := range names {
			c.DomainMetadata = append(c.DomainMetadata, s.Domains[d])
		}
	}

	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		c.TableSizeBytes += s.Files[p].Size
	}
	if maxEmbeddedFiles <= 0 || len(paths) <= maxEmbeddedFiles {
		c.AllFiles = make([]*action.AddFile, 0, len(paths))
		for _, p := range paths {
			c.AllFiles = append(c.AllFiles, s.Files[p])
		}
	}
	return c
}

// WriteChecksum persists the checksum for its version. Best effort: a failed
// write is logged, never surfaced, since the commit it belongs to has
// already succeeded.
func (m *Manager) WriteChecksum(ctx context.Context, c *Checksum) {
	data, err := json.Marshal(c)
	if err != nil {
		m.logger.Warn("encoding checksum failed", zap.Int64("version", c.Version), zap.Error(err))
		return
	}
	if err := m.store.Write(ctx, logstore.ChecksumPath(c.Version), bytes.NewReader(data)); err != nil {
		m.logger.Warn("writing checksum failed", zap.Int64("version", c.Version), zap.Error(err))
	}
}

// ReadChecksum loads the checksum for a version, or (nil, nil) when absent.
func ReadChecksum(ctx context.Context, store storage.Storage, version int64) (*Checksum, error) {
	r, err := store.Read(ctx, logstore.ChecksumPath(version))
	if err != nil {
		if errors.Is(err, deltaerr.ErrFileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checksum %d: %w", version, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading checksum %d: %w", version, err)
	}
	var c Checksum
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding checksum %d: %w", version, err)
	}
	return &c, nil
}

// Verify compares an incrementally-maintained checksum against state
// recomputed by full replay. This is the regression guard for incremental
// state tracking: VerifyFatal returns the mismatch, VerifyWarn logs it.
func (m *Manager) Verify(incremental *Checksum, replayed *State) error {
	if m.cfg.VerifyMode == VerifyOff {
		return nil
	}

	full := replayed.Checksum(0)
	mismatch := ""
	switch {
	case incremental.Version != full.Version:
		mismatch = "version"
	case incremental.NumFiles != full.NumFiles:
		mismatch = "numFiles"
	case incremental.TableSizeBytes != full.TableSizeBytes:
		mismatch = "tableSizeBytes"
	case !protocolEqual(incremental.Protocol, full.Protocol):
		mismatch = "protocol"
	case !metadataEqual(incremental.Metadata, full.Metadata):
		mismatch = "metadata"
	case !txnVersionsEqual(incremental.TxnVersions, full.TxnVersions):
		mismatch = "txnVersions"
	case !domainsEqual(incremental.DomainMetadata, full.DomainMetadata):
		mismatch = "domainMetadata"
	}

	if mismatch == "" {
		metrics.ChecksumVerifications.WithLabelValues("ok").Inc()
		return nil
	}

	metrics.ChecksumVerifications.WithLabelValues("mismatch").Inc()
	err := &deltaerr.ChecksumMismatchError{Version: incremental.Version, Field: mismatch}
	if m.cfg.VerifyMode == VerifyWarn {
		m.logger.Warn("checksum verification failed", zap.Int64("version", incremental.Version), zap.String("field", mismatch))
		return nil
	}
	return err
}

func protocolEqual(a, b *action.Protocol) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.MinReaderVersion == b.MinReaderVersion &&
		a.MinWriterVersion == b.MinWriterVersion &&
		stringSetEqual(a.ReaderFeatures, b.ReaderFeatures) &&
		stringSetEqual(a.WriterFeatures, b.WriterFeatures)
}

func metadataEqual(a, b *action.Metadata) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if a.ID != b.ID || a.SchemaString != b.SchemaString || len(a.Configuration) != len(b.Configuration) {
		return false
	}
	for k, v := range a.Configuration {
		if b.Configuration[k] != v {
			return false
		}
	}
	return slices.Equal(a.PartitionColumns, b.PartitionColumns)
}

func domainsEqual(a, b []*action.DomainMetadata) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if *a[i] != *b[i] {
			return false
		}
	}
	return true
}

func txnVersionsEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
