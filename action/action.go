package action

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moomindani/delta/deltaerr"
)

// Action is a single typed mutation record stored in the transaction log. A
// commit is an ordered, non-empty sequence of actions; actions are never
// mutated after being written.
type Action interface {
	wrap() logEntry
}

// AddFile records a data file becoming part of the table's active set.
type AddFile struct {
	Path             string            `json:"path" parquet:"path"`
	PartitionValues  map[string]string `json:"partitionValues" parquet:"partitionValues"`
	Size             int64             `json:"size" parquet:"size"`
	ModificationTime int64             `json:"modificationTime" parquet:"modificationTime"`
	DataChange       bool              `json:"dataChange" parquet:"dataChange"`
	Stats            string            `json:"stats,omitempty" parquet:"stats"`
	Tags             map[string]string `json:"tags,omitempty" parquet:"tags"`
}

// RemoveFile tombstones a data file. A removed path stays inactive unless a
// later version adds it again.
type RemoveFile struct {
	Path              string            `json:"path" parquet:"path"`
	DeletionTimestamp *int64            `json:"deletionTimestamp,omitempty" parquet:"deletionTimestamp"`
	DataChange        bool              `json:"dataChange" parquet:"dataChange"`
	PartitionValues   map[string]string `json:"partitionValues,omitempty" parquet:"partitionValues"`
}

// Metadata describes the table: schema, partitioning and configuration.
// A Metadata action overwrites the prior value entirely.
type Metadata struct {
	ID               string            `json:"id" parquet:"id"`
	Name             string            `json:"name,omitempty" parquet:"name"`
	SchemaString     string            `json:"schemaString" parquet:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns" parquet:"partitionColumns"`
	Configuration    map[string]string `json:"configuration" parquet:"configuration"`
	CreatedTime      int64             `json:"createdTime,omitempty" parquet:"createdTime"`
}

// Protocol gates the feature set readers and writers must support.
type Protocol struct {
	MinReaderVersion int      `json:"minReaderVersion" parquet:"minReaderVersion"`
	MinWriterVersion int      `json:"minWriterVersion" parquet:"minWriterVersion"`
	ReaderFeatures   []string `json:"readerFeatures,omitempty" parquet:"readerFeatures"`
	WriterFeatures   []string `json:"writerFeatures,omitempty" parquet:"writerFeatures"`
}

// DomainMetadata carries per-domain configuration owned by a single feature
// or integration. Removed entries tombstone the domain.
type DomainMetadata struct {
	Domain        string `json:"domain" parquet:"domain"`
	Configuration string `json:"configuration" parquet:"configuration"`
	Removed       bool   `json:"removed" parquet:"removed"`
}

// SetTransaction records an application's high-water-mark version, used as
// an idempotent-write guard.
type SetTransaction struct {
	AppID       string `json:"appId" parquet:"appId"`
	Version     int64  `json:"version" parquet:"version"`
	LastUpdated *int64 `json:"lastUpdated,omitempty" parquet:"lastUpdated"`
}

// CommitInfo is provenance attached to every commit. It carries no state and
// is ignored during replay.
type CommitInfo struct {
	Timestamp        int64             `json:"timestamp"`
	Operation        string            `json:"operation"`
	OperationMetrics map[string]string `json:"operationMetrics,omitempty"`
	TxnID            string            `json:"txnId,omitempty"`
}

func (a *AddFile) wrap() logEntry        { return logEntry{Add: a} }
func (a *RemoveFile) wrap() logEntry     { return logEntry{Remove: a} }
func (a *Metadata) wrap() logEntry       { return logEntry{Metadata: a} }
func (a *Protocol) wrap() logEntry       { return logEntry{Protocol: a} }
func (a *DomainMetadata) wrap() logEntry { return logEntry{DomainMetadata: a} }
func (a *SetTransaction) wrap() logEntry { return logEntry{Txn: a} }
func (a *CommitInfo) wrap() logEntry     { return logEntry{CommitInfo: a} }

// logEntry is the single-action-per-line wire wrapper. Exactly one field is
// set per line.
type logEntry struct {
	Txn            *SetTransaction `json:"txn,omitempty"`
	Add            *AddFile        `json:"add,omitempty"`
	Remove         *RemoveFile     `json:"remove,omitempty"`
	Metadata       *Metadata       `json:"metaData,omitempty"`
	Protocol       *Protocol       `json:"protocol,omitempty"`
	DomainMetadata *DomainMetadata `json:"domainMetadata,omitempty"`
	CommitInfo     *CommitInfo     `json:"commitInfo,omitempty"`
}

func (e logEntry) unwrap() (Action, error) {
	switch {
	case e.Add != nil:
		return e.Add, nil
	case e.Remove != nil:
		return e.Remove, nil
	case e.Metadata != nil:
		return e.Metadata, nil
	case e.Protocol != nil:
		return e.Protocol, nil
	case e.DomainMetadata != nil:
		return e.DomainMetadata, nil
	case e.Txn != nil:
		return e.Txn, nil
	case e.CommitInfo != nil:
		return e.CommitInfo, nil
	default:
		return nil, fmt.Errorf("log entry carries no known action")
	}
}

// Encode serializes actions as newline-delimited JSON, one wrapper object
// per line, in the given order.
func Encode(actions []Action) ([]byte, error) {
	var buf bytes.Buffer
	for i, a := range actions {
		line, err := json.Marshal(a.wrap())
		if err != nil {
			return nil, fmt.Errorf("encoding action %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Decode parses a newline-delimited action list. Blank lines are skipped;
// a line without a recognized action key is an error.
func Decode(data []byte) ([]Action, error) {
	var actions []Action
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("decoding action at line %d: %w", lineNo, err)
		}
		a, err := entry.unwrap()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		actions = append(actions, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning actions: %w", err)
	}
	return actions, nil
}

// CheckDuplicatePaths rejects a commit that adds or removes the same file
// path more than once.
func CheckDuplicatePaths(actions []Action) error {
	seen := make(map[string]struct{})
	for _, a := range actions {
		var p string
		switch v := a.(type) {
		case *AddFile:
			p = v.Path
		case *RemoveFile:
			p = v.Path
		default:
			continue
		}
		if _, ok := seen[p]; ok {
			return &deltaerr.InvariantViolationError{
				Check:  "duplicate-file-path",
				Detail: fmt.Sprintf("path %q appears more than once in one commit", p),
			}
		}
		seen[p] = struct{}{}
	}
	return nil
}

// NewMetadata returns a Metadata with a fresh table ID and creation time.
func NewMetadata(name, schemaString string, partitionColumns []string, configuration map[string]string) *Metadata {
	if configuration == nil {
		configuration = map[string]string{}
	}
	return &Metadata{
		ID:               uuid.New().String(),
		Name:             name,
		SchemaString:     schemaString,
		PartitionColumns: partitionColumns,
		Configuration:    configuration,
		CreatedTime:      time.Now().UnixMilli(),
	}
}

// Clone returns a deep copy. Snapshots hand out metadata to concurrent
// readers, so mutations must go through a copy.
func (a *Metadata) Clone() *Metadata {
	if a == nil {
		return nil
	}
	c := *a
	c.PartitionColumns = append([]string(nil), a.PartitionColumns...)
	c.Configuration = make(map[string]string, len(a.Configuration))
	for k, v := range a.Configuration {
		c.Configuration[k] = v
	}
	return &c
}

// Clone returns a deep copy of the protocol record.
func (a *Protocol) Clone() *Protocol {
	if a == nil {
		return nil
	}
	c := *a
	c.ReaderFeatures = append([]string(nil), a.ReaderFeatures...)
	c.WriterFeatures = append([]string(nil), a.WriterFeatures...)
	return &c
}
