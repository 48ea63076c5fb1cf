// Package feature models the table-feature protocol: named, independently
// toggleable capabilities gated by the Protocol record.
package feature

import (
	"fmt"
	"slices"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/deltaerr"
)

// Feature describes one table feature.
type Feature struct {
	Name             string
	MinReaderVersion int
	MinWriterVersion int
	// ReaderWriter features constrain readers too and live in both feature
	// sets; writer-only features live in WriterFeatures alone.
	ReaderWriter bool
	// Dependencies lists features that must stay enabled while this one is.
	Dependencies []string
	// RequiresHistoryProtection marks features whose removal must not leave
	// historical traces reachable (drop uses history truncation or the
	// checkpoint protection barrier).
	RequiresHistoryProtection bool
}

// Protocol versions that introduced table-feature sets.
const (
	FeatureReaderVersion = 3
	FeatureWriterVersion = 7
)

const (
	AppendOnly           = "appendOnly"
	Invariants           = "invariants"
	ChangeDataFeed       = "changeDataFeed"
	DomainMetadataName   = "domainMetadata"
	DeletionVectors      = "deletionVectors"
	RowTracking          = "rowTracking"
	V2Checkpoint         = "v2Checkpoint"
	CheckpointProtection = "checkpointProtection"
	VacuumProtocolCheck  = "vacuumProtocolCheck"
)

var registry = map[string]Feature{
	AppendOnly:         {Name: AppendOnly, MinWriterVersion: 2},
	Invariants:         {Name: Invariants, MinWriterVersion: 2},
	ChangeDataFeed:     {Name: ChangeDataFeed, MinWriterVersion: 4},
	DomainMetadataName: {Name: DomainMetadataName, MinWriterVersion: FeatureWriterVersion},
	DeletionVectors: {
		Name:                      DeletionVectors,
		MinReaderVersion:          FeatureReaderVersion,
		MinWriterVersion:          FeatureWriterVersion,
		ReaderWriter:              true,
		RequiresHistoryProtection: true,
	},
	RowTracking: {
		Name:             RowTracking,
		MinWriterVersion: FeatureWriterVersion,
		Dependencies:     []string{DomainMetadataName},
	},
	V2Checkpoint: {
		Name:             V2Checkpoint,
		MinReaderVersion: FeatureReaderVersion,
		MinWriterVersion: FeatureWriterVersion,
		ReaderWriter:     true,
	},
	CheckpointProtection: {
		Name:             CheckpointProtection,
		MinWriterVersion: FeatureWriterVersion,
	},
	VacuumProtocolCheck: {
		Name:             VacuumProtocolCheck,
		MinReaderVersion: FeatureReaderVersion,
		MinWriterVersion: FeatureWriterVersion,
		ReaderWriter:     true,
	},
}

// Lookup returns the descriptor for a known feature name.
func Lookup(name string) (Feature, bool) {
	f, ok := registry[name]
	return f, ok
}

// Supported reports whether a protocol record carries the feature.
func Supported(p *action.Protocol, name string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.WriterFeatures, name) || slices.Contains(p.ReaderFeatures, name)
}

// Enable returns a copy of the protocol with the feature added and the
// minimum versions raised as needed. Enabling is idempotent.
func Enable(p *action.Protocol, f Feature) *action.Protocol {
	out := p.Clone()
	if out == nil {
		out = &action.Protocol{MinReaderVersion: 1, MinWriterVersion: 1}
	}
	if f.MinReaderVersion > out.MinReaderVersion {
		out.MinReaderVersion = f.MinReaderVersion
	}
	if f.MinWriterVersion > out.MinWriterVersion {
		out.MinWriterVersion = f.MinWriterVersion
	}
	if !slices.Contains(out.WriterFeatures, f.Name) {
		out.WriterFeatures = append(out.WriterFeatures, f.Name)
	}
	if f.ReaderWriter && !slices.Contains(out.ReaderFeatures, f.Name) {
		out.ReaderFeatures = append(out.ReaderFeatures, f.Name)
	}
	return out
}

// Remove returns a copy of the protocol without the feature.
func Remove(p *action.Protocol, name string) *action.Protocol {
	out := p.Clone()
	if out == nil {
		return nil
	}
	out.WriterFeatures = slices.DeleteFunc(out.WriterFeatures, func(f string) bool { return f == name })
	out.ReaderFeatures = slices.DeleteFunc(out.ReaderFeatures, func(f string) bool { return f == name })
	return out
}

// ImpliedBy reports the features a commit's action set depends on.
func ImpliedBy(actions []action.Action) []string {
	var implied []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			implied = append(implied, name)
		}
	}
	for _, a := range actions {
		if _, ok := a.(*action.DomainMetadata); ok {
			add(DomainMetadataName)
		}
	}
	return implied
}

// CheckSupport verifies that the protocol supports every feature implied by
// the action set.
func CheckSupport(p *action.Protocol, actions []action.Action) error {
	for _, name := range ImpliedBy(actions) {
		if !Supported(p, name) {
			return &deltaerr.InvariantViolationError{
				Check:  "protocol-feature-support",
				Detail: fmt.Sprintf("action set requires feature %q the protocol does not carry", name),
			}
		}
	}
	return nil
}

// CheckDependents rejects removal of a feature while another enabled feature
// declares it as a dependency.
func CheckDependents(p *action.Protocol, name string) error {
	if p == nil {
		return nil
	}
	for _, set := range [][]string{p.WriterFeatures, p.ReaderFeatures} {
		for _, other := range set {
			if other == name {
				continue
			}
			desc, ok := registry[other]
			if !ok {
				continue
			}
			if slices.Contains(desc.Dependencies, name) {
				return &deltaerr.InvariantViolationError{
					Check:  "dependent-feature",
					Detail: fmt.Sprintf("feature %q cannot be removed while %q depends on it", name, other),
				}
			}
		}
	}
	return nil
}
