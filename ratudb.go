// Package ratudb implements shard copies and the peer recovery protocol that
// brings a target copy into sync with its primary.
package ratudb

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/slog"
)

// TraceLogFlags are the flags used by trace loggers.
const TraceLogFlags = log.LstdFlags | log.Lmicroseconds | log.LUTC

// TraceLog is a log for low-level per-call tracing. Disabled by default.
var TraceLog = log.New(io.Discard, "", TraceLogFlags)

// LogLevel is the level used by the default structured logger.
var LogLevel slog.LevelVar

// ShardID identifies a single shard of an index. It is comparable and used as
// the key for all recovery and translog state.
type ShardID struct {
	Index     string `json:"index"`
	IndexUUID string `json:"index-uuid,omitempty"`
	Shard     int32  `json:"shard"`
}

// String returns the string representation of the shard id.
func (id ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", id.Index, id.Shard)
}

// Validate returns an error if the shard id cannot be used as a directory name.
func (id ShardID) Validate() error {
	if id.Index == "" {
		return fmt.Errorf("index name required")
	} else if strings.ContainsAny(id.Index, `/\`) || id.Index == "." || id.Index == ".." {
		return fmt.Errorf("invalid index name: %q", id.Index)
	} else if id.Shard < 0 {
		return fmt.Errorf("invalid shard number: %d", id.Shard)
	}
	return nil
}

// ParseShardID parses a shard id in "index/shard" form.
func ParseShardID(s string) (ShardID, error) {
	index, num, ok := strings.Cut(s, "/")
	if !ok {
		return ShardID{}, fmt.Errorf("invalid shard id %q, expected index/shard", s)
	}
	n, err := strconv.ParseInt(num, 10, 32)
	if err != nil {
		return ShardID{}, fmt.Errorf("invalid shard number %q", num)
	}
	id := ShardID{Index: index, Shard: int32(n)}
	if err := id.Validate(); err != nil {
		return ShardID{}, err
	}
	return id, nil
}

// Node identifies a node holding shard copies.
type Node struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// String returns the string representation of the node.
func (n Node) String() string {
	if n.URL == "" {
		return n.ID
	}
	return fmt.Sprintf("%s (%s)", n.ID, n.URL)
}

// MappingService supplies the mapping version of an index. Replayed operations
// are only applied once the local mapping is at least as new as the primary's.
type MappingService interface {
	MappingVersion(ctx context.Context, index string) (int64, error)
}

// StaticMappingService holds mapping versions set explicitly by the caller.
// Indexes that were never set have a version of zero.
type StaticMappingService struct {
	mu       sync.Mutex
	versions map[string]int64
}

// NewStaticMappingService returns a new instance of StaticMappingService.
func NewStaticMappingService() *StaticMappingService {
	return &StaticMappingService{versions: make(map[string]int64)}
}

// MappingVersion returns the current mapping version of index.
func (s *StaticMappingService) MappingVersion(ctx context.Context, index string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[index], nil
}

// SetMappingVersion sets the mapping version of index. Versions never decrease.
func (s *StaticMappingService) SetMappingVersion(index string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.versions[index] {
		s.versions[index] = version
	}
}

// Environment represents the platform the node is hosted on.
type Environment interface {
	Type() string

	// SetPrimaryShards reports the shards the local node is primary for.
	SetPrimaryShards(ctx context.Context, shards []ShardID) error
}

// OS represents an interface for os package calls so they can be mocked for testing.
type OS interface {
	Create(op, name string) (*os.File, error)
	MkdirAll(op, path string, perm os.FileMode) error
	Open(op, name string) (*os.File, error)
	OpenFile(op, name string, flag int, perm os.FileMode) (*os.File, error)
	ReadDir(op, name string) ([]os.DirEntry, error)
	ReadFile(op, name string) ([]byte, error)
	Remove(op, name string) error
	RemoveAll(op, name string) error
	Rename(op, oldpath, newpath string) error
	Stat(op, name string) (os.FileInfo, error)
	WriteFile(op, name string, data []byte, perm os.FileMode) error
}

func assert(condition bool, msg string) {
	if !condition {
		panic("assertion failed: " + msg)
	}
}
