package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moomindani/delta/action"
	"github.com/moomindani/delta/deltaerr"
	"github.com/moomindani/delta/logstore"
)

func winner(version int64, actions ...action.Action) []logstore.CommitEntry {
	return []logstore.CommitEntry{{Version: version, Actions: actions}}
}

func requireRule(t *testing.T, err error, rule string) {
	t.Helper()
	var conflict *deltaerr.CommitConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, rule, conflict.Rule)
}

func TestDisjointPartitionsPass(t *testing.T) {
	c := NewChecker(Config{})
	fp := NewReadFootprint()
	fp.RecordPartition(map[string]string{"date": "2024-01-01"})

	loser := []action.Action{&action.AddFile{
		Path:            "date=2024-01-01/l.parquet",
		PartitionValues: map[string]string{"date": "2024-01-01"},
		DataChange:      true,
	}}
	winners := winner(3, &action.AddFile{
		Path:            "date=2024-01-02/w.parquet",
		PartitionValues: map[string]string{"date": "2024-01-02"},
		DataChange:      true,
	})

	require.NoError(t, c.Check(fp, loser, winners))
}

func TestConcurrentAppendInReadPartition(t *testing.T) {
	c := NewChecker(Config{})
	fp := NewReadFootprint()
	fp.RecordPartition(map[string]string{"date": "2024-01-01"})

	err := c.Check(fp, nil, winner(3, &action.AddFile{
		Path:            "date=2024-01-01/w.parquet",
		PartitionValues: map[string]string{"date": "2024-01-01"},
	}))
	requireRule(t, err, "ConcurrentAppend")
}

func TestPartialPartitionPredicateMatches(t *testing.T) {
	c := NewChecker(Config{})
	fp := NewReadFootprint()
	// Constrains date only; any hour under that date is inside the read set.
	fp.RecordPartition(map[string]string{"date": "2024-01-01"})

	err := c.Check(fp, nil, winner(1, &action.AddFile{
		Path:            "date=2024-01-01/hour=03/w.parquet",
		PartitionValues: map[string]string{"date": "2024-01-01", "hour": "03"},
	}))
	requireRule(t, err, "ConcurrentAppend")
}

func TestWholeTableReadConflictsWithAnyAppend(t *testing.T) {
	c := NewChecker(Config{})
	fp := NewReadFootprint()
	fp.RecordWholeTable()

	err := c.Check(fp, nil, winner(1, &action.AddFile{Path: "w.parquet"}))
	requireRule(t, err, "ConcurrentAppend")
}

func TestNonDeterministicWidening(t *testing.T) {
	fp := NewReadFootprint()
	fp.RecordNonDeterministic()
	winners := winner(1, &action.AddFile{Path: "w.parquet"})

	require.NoError(t, NewChecker(Config{}).Check(fp, nil, winners),
		"without widening a non-deterministic footprint stays narrow")

	err := NewChecker(Config{WidenNonDeterministic: true}).Check(fp, nil, winners)
	requireRule(t, err, "ConcurrentAppend")
}

func TestConcurrentDeleteDelete(t *testing.T) {
	c := NewChecker(Config{})
	loser := []action.Action{&action.RemoveFile{Path: "p1.parquet", DataChange: true}}

	err := c.Check(NewReadFootprint(), loser, winner(2, &action.RemoveFile{Path: "p1.parquet", DataChange: true}))
	requireRule(t, err, "ConcurrentDeleteDelete")
}

func TestConcurrentDeleteRead(t *testing.T) {
	c := NewChecker(Config{})
	fp := NewReadFootprint()
	fp.RecordFile("p1.parquet")

	err := c.Check(fp, nil, winner(2, &action.RemoveFile{Path: "p1.parquet"}))
	requireRule(t, err, "ConcurrentDeleteRead")
}

func TestUnrelatedRemovePasses(t *testing.T) {
	c := NewChecker(Config{})
	fp := NewReadFootprint()
	fp.RecordFile("p1.parquet")
	loser := []action.Action{&action.RemoveFile{Path: "p1.parquet"}}

	require.NoError(t, c.Check(fp, loser, winner(2, &action.RemoveFile{Path: "other.parquet"})))
}

func TestConcurrentMetadataChanged(t *testing.T) {
	c := NewChecker(Config{})
	base := &action.Metadata{ID: "t", SchemaString: "{}", Configuration: map[string]string{}}

	t.Run("both changed", func(t *testing.T) {
		loser := []action.Action{&action.Metadata{ID: "t", SchemaString: `{"v":3}`}}
		err := c.Check(NewReadFootprint(), loser, winner(1, &action.Metadata{ID: "t", SchemaString: `{"v":2}`}))
		requireRule(t, err, "ConcurrentMetadataChanged")
	})

	t.Run("winner changed what loser read", func(t *testing.T) {
		fp := NewReadFootprint()
		fp.RecordMetadata()
		err := c.Check(fp, nil, winner(1, base))
		requireRule(t, err, "ConcurrentMetadataChanged")
	})

	t.Run("unread metadata change passes", func(t *testing.T) {
		require.NoError(t, c.Check(NewReadFootprint(), nil, winner(1, base)))
	})
}

func TestPropertyAdditionOnlyPolicy(t *testing.T) {
	winnerMeta := &action.Metadata{
		ID:           "t",
		SchemaString: "{}",
		Configuration: map[string]string{
			"delta.appendOnly": "true",
		},
	}

	tests := []struct {
		name     string
		proposed *action.Metadata
		want     bool
	}{
		{
			name: "pure property addition",
			proposed: &action.Metadata{
				ID:           "t",
				SchemaString: "{}",
				Configuration: map[string]string{
					"delta.appendOnly": "true",
					"delta.checkpointProtection.boundaryVersion": "7",
				},
			},
			want: true,
		},
		{
			name:     "schema change",
			proposed: &action.Metadata{ID: "t", SchemaString: `{"v":2}`},
			want:     false,
		},
		{
			name: "conflicting value for shared key",
			proposed: &action.Metadata{
				ID:            "t",
				SchemaString:  "{}",
				Configuration: map[string]string{"delta.appendOnly": "false"},
			},
			want: false,
		},
		{
			name: "partitioning change",
			proposed: &action.Metadata{
				ID:               "t",
				SchemaString:     "{}",
				PartitionColumns: []string{"date"},
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PropertyAdditionOnly(winnerMeta, tt.proposed))
		})
	}
}

func TestMetadataPolicyAllowsSafeConcurrentChange(t *testing.T) {
	c := NewChecker(Config{})
	winnerMeta := &action.Metadata{ID: "t", SchemaString: "{}", Configuration: map[string]string{"a": "1"}}
	loser := []action.Action{&action.Metadata{
		ID:            "t",
		SchemaString:  "{}",
		Configuration: map[string]string{"a": "1", "b": "2"},
	}}

	require.NoError(t, c.Check(NewReadFootprint(), loser, winner(1, winnerMeta)))
}

func TestProtocolChanged(t *testing.T) {
	c := NewChecker(Config{})
	newProto := &action.Protocol{MinReaderVersion: 3, MinWriterVersion: 7}

	t.Run("both changed", func(t *testing.T) {
		loser := []action.Action{&action.Protocol{MinReaderVersion: 2, MinWriterVersion: 5}}
		err := c.Check(NewReadFootprint(), loser, winner(1, newProto))
		requireRule(t, err, "ProtocolChanged")
	})

	t.Run("loser read protocol", func(t *testing.T) {
		fp := NewReadFootprint()
		fp.RecordProtocol()
		err := c.Check(fp, nil, winner(1, newProto))
		requireRule(t, err, "ProtocolChanged")
	})

	t.Run("winner dropped a required feature", func(t *testing.T) {
		fp := NewReadFootprint()
		fp.RecordRequiredFeature("domainMetadata")
		err := c.Check(fp, nil, winner(1, &action.Protocol{
			MinReaderVersion: 3, MinWriterVersion: 7, WriterFeatures: []string{"appendOnly"},
		}))
		requireRule(t, err, "ProtocolChanged")
	})

	t.Run("required feature still present", func(t *testing.T) {
		fp := NewReadFootprint()
		fp.RecordRequiredFeature("domainMetadata")
		require.NoError(t, c.Check(fp, nil, winner(1, &action.Protocol{
			MinReaderVersion: 3, MinWriterVersion: 7, WriterFeatures: []string{"domainMetadata"},
		})))
	})
}

func TestConcurrentDomainMetadataChanged(t *testing.T) {
	c := NewChecker(Config{})
	w := winner(1, &action.DomainMetadata{Domain: "delta.rowTracking", Configuration: "{}"})

	t.Run("write write", func(t *testing.T) {
		loser := []action.Action{&action.DomainMetadata{Domain: "delta.rowTracking", Configuration: `{"x":1}`}}
		err := c.Check(NewReadFootprint(), loser, w)
		requireRule(t, err, "ConcurrentDomainMetadataChanged")
	})

	t.Run("read write", func(t *testing.T) {
		fp := NewReadFootprint()
		fp.RecordDomain("delta.rowTracking")
		err := c.Check(fp, nil, w)
		requireRule(t, err, "ConcurrentDomainMetadataChanged")
	})

	t.Run("disjoint domains pass", func(t *testing.T) {
		loser := []action.Action{&action.DomainMetadata{Domain: "other.domain", Configuration: "{}"}}
		require.NoError(t, c.Check(NewReadFootprint(), loser, w))
	})
}

func TestSetTransactionIdempotency(t *testing.T) {
	c := NewChecker(Config{})
	loser := []action.Action{&action.SetTransaction{AppID: "ingest", Version: 5}}

	t.Run("winner at or above loser version", func(t *testing.T) {
		err := c.Check(NewReadFootprint(), loser, winner(1, &action.SetTransaction{AppID: "ingest", Version: 5}))
		require.ErrorIs(t, err, deltaerr.ErrTransactionAlreadyCommitted)
	})

	t.Run("reports the tagging winner's version", func(t *testing.T) {
		err := c.Check(NewReadFootprint(), loser, winner(7, &action.SetTransaction{AppID: "ingest", Version: 5}))
		var already *deltaerr.TransactionAlreadyCommittedError
		require.ErrorAs(t, err, &already)
		assert.Equal(t, int64(7), already.WinningVersion)
		assert.Equal(t, "ingest", already.AppID)
	})

	t.Run("winner below loser version passes", func(t *testing.T) {
		require.NoError(t, c.Check(NewReadFootprint(), loser,
			winner(1, &action.SetTransaction{AppID: "ingest", Version: 4})))
	})

	t.Run("different app passes", func(t *testing.T) {
		require.NoError(t, c.Check(NewReadFootprint(), loser,
			winner(1, &action.SetTransaction{AppID: "other", Version: 9})))
	})
}

func TestCommitInfoNeverConflicts(t *testing.T) {
	c := NewChecker(Config{})
	fp := NewReadFootprint()
	fp.RecordWholeTable()

	require.NoError(t, c.Check(fp, nil, winner(1, &action.CommitInfo{Operation: "WRITE"})))
}
