package logstore

import (
	"fmt"
	"strconv"
	"strings"
)

// LogDir is the directory under the table root that holds the transaction
// log, checkpoints, checksums and the last-checkpoint pointer.
const LogDir = "_delta_log"

// LastCheckpointPath is the hint pointer to the most recent checkpoint.
// Readers must treat a missing or corrupt pointer as "search from scratch".
const LastCheckpointPath = LogDir + "/_last_checkpoint"

// VersionPath names the commit file for a version. The zero-padded fixed
// width keeps lexical and numeric order aligned.
func VersionPath(version int64) string {
	return fmt.Sprintf("%s/%020d.json", LogDir, version)
}

// ChecksumPath names the per-version checksum summary file.
func ChecksumPath(version int64) string {
	return fmt.Sprintf("%s/%020d.crc", LogDir, version)
}

// CheckpointPath names a single-file checkpoint.
func CheckpointPath(version int64) string {
	return fmt.Sprintf("%s/%020d.checkpoint.parquet", LogDir, version)
}

// MultiPartCheckpointPath names one part of a multi-part checkpoint. Parts
// are 1-based; every part carries its index and the total count so a reader
// can detect a short part list.
func MultiPartCheckpointPath(version int64, part, total int) string {
	return fmt.Sprintf("%s/%020d.checkpoint.%010d.%010d.parquet", LogDir, version, part, total)
}

// ParseVersion extracts the commit version from a log entry path.
func ParseVersion(path string) (int64, bool) {
	name, ok := strings.CutPrefix(path, LogDir+"/")
	if !ok {
		return 0, false
	}
	num, ok := strings.CutSuffix(name, ".json")
	if !ok || len(num) != 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(num, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// ParseChecksumVersion extracts the version from a checksum file path.
func ParseChecksumVersion(path string) (int64, bool) {
	name, ok := strings.CutPrefix(path, LogDir+"/")
	if !ok {
		return 0, false
	}
	num, ok := strings.CutSuffix(name, ".crc")
	if !ok || len(num) != 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(num, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// ParseCheckpointPath recognizes both checkpoint layouts. For a single-file
// checkpoint it reports part 1 of 1.
func ParseCheckpointPath(path string) (version int64, part, total int, ok bool) {
	name, found := strings.CutPrefix(path, LogDir+"/")
	if !found || !strings.HasSuffix(name, ".parquet") {
		return 0, 0, 0, false
	}
	name = strings.TrimSuffix(name, ".parquet")

	fields := strings.Split(name, ".")
	switch len(fields) {
	case 2: // <version>.checkpoint
		if fields[1] != "checkpoint" || len(fields[0]) != 20 {
			return 0, 0, 0, false
		}
		v, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || v < 0 {
			return 0, 0, 0, false
		}
		return v, 1, 1, true
	case 4: // <version>.checkpoint.<part>.<total>
		if fields[1] != "checkpoint" || len(fields[0]) != 20 || len(fields[2]) != 10 || len(fields[3]) != 10 {
			return 0, 0, 0, false
		}
		v, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || v < 0 {
			return 0, 0, 0, false
		}
		p, err := strconv.Atoi(fields[2])
		if err != nil || p < 1 {
			return 0, 0, 0, false
		}
		n, err := strconv.Atoi(fields[3])
		if err != nil || n < p {
			return 0, 0, 0, false
		}
		return v, p, n, true
	default:
		return 0, 0, 0, false
	}
}
