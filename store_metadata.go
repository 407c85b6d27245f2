package ratudb

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/superfly/ltx"
)

// Segment store file naming.
const (
	CommitFilePrefix = "segments_"
	SegmentFileExt   = ".seg"
	TempFilePrefix   = "recovery."
)

// MaxFileNameLen is the longest file name accepted from a recovery source.
const MaxFileNameLen = 255

// Commit user data keys.
const (
	TranslogUUIDKey             = "translog_uuid"
	HistoryUUIDKey              = "history_uuid"
	LocalCheckpointKey          = "local_checkpoint"
	MaxSeqNoKey                 = "max_seq_no"
	MaxUnsafeAutoIDTimestampKey = "max_unsafe_auto_id_timestamp"
	MaxSeqNoOfUpdatesKey        = "max_seq_no_of_updates"
)

// CommitFileName returns the name of the commit point for a generation.
func CommitFileName(generation int64) string {
	return CommitFilePrefix + strconv.FormatInt(generation, 10)
}

// ParseCommitFileName returns the generation of a commit point file name.
func ParseCommitFileName(name string) (int64, bool) {
	if !strings.HasPrefix(name, CommitFilePrefix) {
		return 0, false
	}
	gen, err := strconv.ParseInt(strings.TrimPrefix(name, CommitFilePrefix), 10, 64)
	if err != nil || gen <= 0 {
		return 0, false
	}
	return gen, true
}

// SegmentFileName returns the name of the segment written for a generation.
func SegmentFileName(generation int64) string {
	return "_" + strconv.FormatInt(generation, 36) + SegmentFileExt
}

// IsCommitFileName returns true if name is a commit point.
func IsCommitFileName(name string) bool {
	_, ok := ParseCommitFileName(name)
	return ok
}

// ValidateFileName returns an *InvalidFileNameError if name is not a plain
// file name within the shard's index directory.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return &InvalidFileNameError{Name: name, Reason: "empty"}
	case len(name) > MaxFileNameLen:
		return &InvalidFileNameError{Name: name, Reason: "too long"}
	case name == "." || name == "..":
		return &InvalidFileNameError{Name: name, Reason: "reserved name"}
	case strings.ContainsAny(name, "/\\\x00"):
		return &InvalidFileNameError{Name: name, Reason: "contains a path separator"}
	case !filepath.IsLocal(name):
		return &InvalidFileNameError{Name: name, Reason: "not a local path"}
	case strings.HasPrefix(name, TempFilePrefix):
		return &InvalidFileNameError{Name: name, Reason: "reserved prefix"}
	}
	return nil
}

// Commit is a commit point: the set of segment files that make up a
// consistent copy of the engine plus the sequence number state at that point.
type Commit struct {
	Generation int64             `json:"generation"`
	Segments   []string          `json:"segments"`
	UserData   map[string]string `json:"user_data"`
}

// ReadCommit decodes a commit point from r.
func ReadCommit(r io.Reader) (*Commit, error) {
	var c Commit
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	for _, name := range c.Segments {
		if err := ValidateFileName(name); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// TranslogUUID returns the translog UUID stored in the commit.
func (c *Commit) TranslogUUID() string { return c.UserData[TranslogUUIDKey] }

// HistoryUUID returns the history UUID stored in the commit.
func (c *Commit) HistoryUUID() string { return c.UserData[HistoryUUIDKey] }

// LocalCheckpoint returns the local checkpoint stored in the commit.
func (c *Commit) LocalCheckpoint() int64 {
	return userDataInt64(c.UserData, LocalCheckpointKey, seqno.NoOpsPerformed)
}

// MaxSeqNo returns the maximum sequence number stored in the commit.
func (c *Commit) MaxSeqNo() int64 {
	return userDataInt64(c.UserData, MaxSeqNoKey, seqno.NoOpsPerformed)
}

func userDataInt64(m map[string]string, key string, defaultValue int64) int64 {
	v, ok := m[key]
	if !ok {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

// StoreFileMetadata describes a single file of the segment store.
type StoreFileMetadata struct {
	Name     string
	Length   int64
	Checksum ltx.Checksum
}

// IsSame returns true if other has the same name, length and checksum.
func (md StoreFileMetadata) IsSame(other StoreFileMetadata) bool {
	return md == other
}

// String returns a string representation of the metadata.
func (md StoreFileMetadata) String() string {
	return fmt.Sprintf("%s(length=%d, checksum=%016x)", md.Name, md.Length, uint64(md.Checksum))
}

// ChecksumReader computes the checksum of all data read from r.
func ChecksumReader(r io.Reader) (ltx.Checksum, int64, error) {
	h := ltx.NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, n, err
	}
	return ltx.ChecksumFlag | ltx.Checksum(h.Sum64()), n, nil
}

// ChecksumBytes computes the checksum of b.
func ChecksumBytes(b []byte) ltx.Checksum {
	h := ltx.NewHasher()
	_, _ = h.Write(b)
	return ltx.ChecksumFlag | ltx.Checksum(h.Sum64())
}

// MetadataSnapshot is the file listing of a shard's segment store along with
// the user data of its latest commit.
type MetadataSnapshot struct {
	Files          map[string]StoreFileMetadata
	CommitUserData map[string]string
}

// Names returns the sorted file names in the snapshot.
func (s MetadataSnapshot) Names() []string {
	a := make([]string, 0, len(s.Files))
	for name := range s.Files {
		a = append(a, name)
	}
	sort.Strings(a)
	return a
}

// Size returns the total length of all files.
func (s MetadataSnapshot) Size() int64 {
	var n int64
	for _, md := range s.Files {
		n += md.Length
	}
	return n
}

// IsEmpty returns true if the snapshot holds no files.
func (s MetadataSnapshot) IsEmpty() bool { return len(s.Files) == 0 }

// HistoryUUID returns the history UUID of the latest commit.
func (s MetadataSnapshot) HistoryUUID() string { return s.CommitUserData[HistoryUUIDKey] }

// TranslogUUID returns the translog UUID of the latest commit.
func (s MetadataSnapshot) TranslogUUID() string { return s.CommitUserData[TranslogUUIDKey] }

// LocalCheckpoint returns the local checkpoint of the latest commit.
func (s MetadataSnapshot) LocalCheckpoint() int64 {
	return userDataInt64(s.CommitUserData, LocalCheckpointKey, seqno.NoOpsPerformed)
}

// RecoveryDiff lists the source files a target already holds and those it
// must receive.
type RecoveryDiff struct {
	Identical []StoreFileMetadata
	Different []StoreFileMetadata
	Missing   []StoreFileMetadata
}

// RecoveryDiff compares s, the source, against the target's snapshot. Files
// with the same name, length and checksum are identical. If anything must be
// sent, every commit file is sent as well so the target never pairs its own
// commit point with the source's segments.
func (s MetadataSnapshot) RecoveryDiff(target MetadataSnapshot) RecoveryDiff {
	var diff RecoveryDiff
	var identicalCommits []StoreFileMetadata
	for _, name := range s.Names() {
		md := s.Files[name]
		other, ok := target.Files[name]
		switch {
		case !ok:
			diff.Missing = append(diff.Missing, md)
		case !md.IsSame(other):
			diff.Different = append(diff.Different, md)
		case IsCommitFileName(name):
			identicalCommits = append(identicalCommits, md)
		default:
			diff.Identical = append(diff.Identical, md)
		}
	}

	if len(diff.Different) == 0 && len(diff.Missing) == 0 {
		diff.Identical = append(diff.Identical, identicalCommits...)
	} else {
		diff.Different = append(diff.Different, identicalCommits...)
	}
	return diff
}

// FileInfo splits a file into parts of PartSize bytes for transfer.
type FileInfo struct {
	Metadata StoreFileMetadata
	PartSize int64
}

// NumberOfParts returns the number of parts the file is split into. An empty
// file and a non-positive part size both result in a single part.
func (fi FileInfo) NumberOfParts() int {
	if fi.PartSize <= 0 || fi.Metadata.Length == 0 {
		return 1
	}
	n := fi.Metadata.Length / fi.PartSize
	if fi.Metadata.Length%fi.PartSize != 0 {
		n++
	}
	return int(n)
}

// PartBytes returns the size of part i.
func (fi FileInfo) PartBytes(i int) int64 {
	assert(i >= 0 && i < fi.NumberOfParts(), "file part index out of range")
	if fi.PartSize <= 0 {
		return fi.Metadata.Length
	}
	if i < fi.NumberOfParts()-1 {
		return fi.PartSize
	}
	return fi.Metadata.Length - int64(i)*fi.PartSize
}

// PartOffset returns the byte offset of part i.
func (fi FileInfo) PartOffset(i int) int64 {
	if fi.PartSize <= 0 {
		return 0
	}
	return int64(i) * fi.PartSize
}

// PartName returns the name of part i. A single-part file keeps its name.
func (fi FileInfo) PartName(i int) string {
	if fi.NumberOfParts() <= 1 {
		return fi.Metadata.Name
	}
	return fmt.Sprintf("%s.part%d", fi.Metadata.Name, i)
}
