// Package conflict decides whether a losing writer can safely rebase its
// commit against the changes a winning writer committed in the meantime.
package conflict

import (
	"fmt"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/deltaerr"
	"github.com/moomindani/delta/logstore"
)

// ReadFootprint records what a transaction observed while planning its
// writes. The checker compares it against the winner's action set.
type ReadFootprint struct {
	ReadWholeTable   bool
	NonDeterministic bool
	ReadFiles        map[string]struct{}
	ReadPartitions   []map[string]string
	ReadMetadata     bool
	ReadProtocol     bool
	ReadDomains      map[string]struct{}
	AppIDs           map[string]struct{}
	// RequiredFeatures are protocol features the transaction's actions
	// depend on; a winner removing one forces an abort.
	RequiredFeatures map[string]struct{}
}

func NewReadFootprint() *ReadFootprint {
	return &ReadFootprint{
		ReadFiles:        make(map[string]struct{}),
		ReadDomains:      make(map[string]struct{}),
		AppIDs:           make(map[string]struct{}),
		RequiredFeatures: make(map[string]struct{}),
	}
}

func (f *ReadFootprint) RecordFile(path string)            { f.ReadFiles[path] = struct{}{} }
func (f *ReadFootprint) RecordWholeTable()                 { f.ReadWholeTable = true }
func (f *ReadFootprint) RecordNonDeterministic()           { f.NonDeterministic = true }
func (f *ReadFootprint) RecordMetadata()                   { f.ReadMetadata = true }
func (f *ReadFootprint) RecordProtocol()                   { f.ReadProtocol = true }
func (f *ReadFootprint) RecordDomain(domain string)        { f.ReadDomains[domain] = struct{}{} }
func (f *ReadFootprint) RecordAppTransaction(appID string) { f.AppIDs[appID] = struct{}{} }
func (f *ReadFootprint) RecordRequiredFeature(name string) { f.RequiredFeatures[name] = struct{}{} }

func (f *ReadFootprint) RecordPartition(values map[string]string) {
	f.ReadPartitions = append(f.ReadPartitions, values)
}

// MetadataChangePolicy is the extensible allow-list of metadata changes that
// may bypass the concurrent-metadata rule. It receives the winner's new
// metadata and the loser's proposed one and reports whether the loser's
// change is safe to carry forward.
type MetadataChangePolicy func(winner, proposed *action.Metadata) bool

// PropertyAdditionOnly is the default policy: the loser's change is safe
// only when it is a pure configuration addition over the winner's metadata
// (feature enablement and the like), with identical schema, partitioning and
// agreeing values for every key both sides carry.
func PropertyAdditionOnly(winner, proposed *action.Metadata) bool {
	if winner == nil || proposed == nil {
		return false
	}
	if proposed.SchemaString != winner.SchemaString || proposed.ID != winner.ID {
		return false
	}
	if len(proposed.PartitionColumns) != len(winner.PartitionColumns) {
		return false
	}
	for i, col := range proposed.PartitionColumns {
		if winner.PartitionColumns[i] != col {
			return false
		}
	}
	for k, v := range winner.Configuration {
		if pv, ok := proposed.Configuration[k]; ok && pv != v {
			return false
		}
	}
	return true
}

// Config collects the conflict policy knobs.
type Config struct {
	// WidenNonDeterministic treats a footprint produced by non-deterministic
	// filters as a whole-table read, trading false conflicts for safety.
	WidenNonDeterministic bool
	// MetadataPolicy is the allow-list for concurrent metadata changes.
	// Nil means PropertyAdditionOnly.
	MetadataPolicy MetadataChangePolicy
}

// Checker evaluates the conflict rules. Each rule is checked independently;
// any failure aborts the rebase.
type Checker struct {
	cfg Config
}

func NewChecker(cfg Config) *Checker {
	if cfg.MetadataPolicy == nil {
		cfg.MetadataPolicy = PropertyAdditionOnly
	}
	return &Checker{cfg: cfg}
}

// loserIntent summarizes what the losing transaction is about to write.
type loserIntent struct {
	metadata *action.Metadata
	protocol *action.Protocol
	removes  []*action.RemoveFile
	domains  map[string]struct{}
	txns     map[string]int64
}

func summarize(actions []action.Action) loserIntent {
	in := loserIntent{
		domains: make(map[string]struct{}),
		txns:    make(map[string]int64),
	}
	for _, a := range actions {
		switch v := a.(type) {
		case *action.Metadata:
			in.metadata = v
		case *action.Protocol:
			in.protocol = v
		case *action.RemoveFile:
			in.removes = append(in.removes, v)
		case *action.DomainMetadata:
			in.domains[v.Domain] = struct{}{}
		case *action.SetTransaction:
			in.txns[v.AppID] = v.Version
		}
	}
	return in
}

// Check validates the loser's footprint and pending actions against every
// winning commit. A nil return means the loser's actions can be carried
// forward unchanged and re-attempted at winner.version+1.
// ErrTransactionAlreadyCommitted means the loser's idempotent transaction
// tag was already committed and the commit should become a no-op success.
func (c *Checker) Check(fp *ReadFootprint, loserActions []action.Action, winners []logstore.CommitEntry) error {
	in := summarize(loserActions)

	wholeTable := fp.ReadWholeTable || (c.cfg.WidenNonDeterministic && fp.NonDeterministic)

	for _, w := range winners {
		for _, wa := range w.Actions {
			switch v := wa.(type) {
			case *action.SetTransaction:
				if lv, ok := in.txns[v.AppID]; ok && v.Version >= lv {
					return &deltaerr.TransactionAlreadyCommittedError{AppID: v.AppID, WinningVersion: w.Version}
				}

			case *action.Metadata:
				if in.metadata != nil && !c.cfg.MetadataPolicy(v, in.metadata) {
					return conflict("ConcurrentMetadataChanged", w.Version,
						"winner changed table metadata this transaction also changes")
				}
				if in.metadata == nil && fp.ReadMetadata {
					return conflict("ConcurrentMetadataChanged", w.Version,
						"winner changed table metadata this transaction read")
				}

			case *action.Protocol:
				if in.protocol != nil {
					return conflict("ProtocolChanged", w.Version,
						"winner changed the protocol this transaction also changes")
				}
				if fp.ReadProtocol {
					return conflict("ProtocolChanged", w.Version,
						"winner changed the protocol this transaction read")
				}
				if removed := removedFeatures(v, fp.RequiredFeatures); removed != "" {
					return conflict("ProtocolChanged", w.Version,
						fmt.Sprintf("winner removed feature %q this transaction depends on", removed))
				}

			case *action.AddFile:
				if wholeTable || fp.matchesPartition(v.PartitionValues) || fp.hasFile(v.Path) {
					return conflict("ConcurrentAppend", w.Version,
						fmt.Sprintf("winner added %q inside this transaction's read set", v.Path))
				}

			case *action.RemoveFile:
				for _, r := range in.removes {
					if r.Path == v.Path {
						return conflict("ConcurrentDeleteDelete", w.Version,
							fmt.Sprintf("winner also removed %q", v.Path))
					}
				}
				if wholeTable || fp.hasFile(v.Path) || fp.matchesPartition(v.PartitionValues) {
					return conflict("ConcurrentDeleteRead", w.Version,
						fmt.Sprintf("winner removed %q inside this transaction's read set", v.Path))
				}

			case *action.DomainMetadata:
				if _, ok := in.domains[v.Domain]; ok {
					return conflict("ConcurrentDomainMetadataChanged", w.Version,
						fmt.Sprintf("winner wrote domain %q this transaction also writes", v.Domain))
				}
				if _, ok := fp.ReadDomains[v.Domain]; ok {
					return conflict("ConcurrentDomainMetadataChanged", w.Version,
						fmt.Sprintf("winner wrote domain %q this transaction read", v.Domain))
				}
			}
		}
	}
	return nil
}

func (f *ReadFootprint) hasFile(path string) bool {
	_, ok := f.ReadFiles[path]
	return ok
}

// matchesPartition reports whether a file's partition values fall inside any
// recorded partition predicate. A predicate is a partial assignment: it
// matches when every constrained column agrees, so partition-disjoint writes
// never conflict.
func (f *ReadFootprint) matchesPartition(values map[string]string) bool {
	for _, pred := range f.ReadPartitions {
		match := true
		for col, want := range pred {
			if values[col] != want {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// removedFeatures reports the first feature the loser depends on that the
// winner's new protocol no longer carries.
func removedFeatures(p *action.Protocol, needed map[string]struct{}) string {
	have := make(map[string]struct{}, len(p.ReaderFeatures)+len(p.WriterFeatures))
	for _, f := range p.ReaderFeatures {
		have[f] = struct{}{}
	}
	for _, f := range p.WriterFeatures {
		have[f] = struct{}{}
	}
	for f := range needed {
		if _, ok := have[f]; !ok {
			return f
		}
	}
	return ""
}

func conflict(rule string, version int64, detail string) error {
	return &deltaerr.CommitConflictError{Rule: rule, WinningVersion: version, Detail: detail}
}
