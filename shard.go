package ratudb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/engine"
	"github.com/Ratu-Tech/RatuDB-sub003/internal"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/slog"
)

// Shard directory layout.
const (
	IndexDirName       = "index"
	TranslogDirName    = "translog"
	EngineFileName     = "engine.db"
	LeasesFileName     = "retention_leases.json"
	ShardStateFileName = "state.json"
	segmentTempFileExt = ".tmp"
	fillGapsNoOpReason = "filling gaps"
)

// ShardState is the lifecycle state of a shard copy.
type ShardState int

const (
	ShardStateCreated = ShardState(iota)
	ShardStateRecovering
	ShardStateStarted
	ShardStateRelocated
	ShardStateClosed
)

// String returns the string representation of the state.
func (s ShardState) String() string {
	switch s {
	case ShardStateCreated:
		return "created"
	case ShardStateRecovering:
		return "recovering"
	case ShardStateStarted:
		return "started"
	case ShardStateRelocated:
		return "relocated"
	case ShardStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("<unknown(%d)>", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ShardState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Shard is a single copy of a shard on the local node. It owns the segment
// store, the engine, the translog and the retention leases of the copy.
type Shard struct {
	mu      sync.Mutex // guards state, components & commit
	writeMu sync.Mutex // serializes primary writes with checkpoint reads

	id     ShardID
	path   string
	nodeID string

	state       ShardState
	primaryTerm int64
	indexUUID   string
	historyUUID string
	commit      *Commit

	engine   *engine.Engine
	translog *translog.Translog
	leases   *seqno.RetentionLeaseTable
	tracker  *ReplicationTracker

	permits       OperationPermits
	handoffPermit *Permit
	retained      map[string]int // file references held by recoveries

	promoteCh chan string

	// Options used when opening or creating the translog.
	TranslogOptions translog.Options

	// Time a retention lease is kept without renewal.
	RetentionLeasePeriod time.Duration

	// File system used for writes. Defaults to the system file system.
	OS OS

	// Returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// NewShard returns a new instance of Shard stored at path.
func NewShard(id ShardID, path, nodeID string) *Shard {
	return &Shard{
		id:        id,
		path:      path,
		nodeID:    nodeID,
		retained:  make(map[string]int),
		tracker:   NewReplicationTracker(nodeID, seqno.UnassignedSeqNo),
		promoteCh: make(chan string, 1),

		TranslogOptions:      translog.NewOptions(),
		RetentionLeasePeriod: seqno.DefaultRetentionLeasePeriod,
		OS:                   &internal.SystemOS{},
		Now:                  time.Now,
		Logger:               slog.Default(),
	}
}

// ID returns the shard id.
func (s *Shard) ID() ShardID { return s.id }

// Path returns the root directory of the shard.
func (s *Shard) Path() string { return s.path }

// NodeID returns the id of the node holding the copy. It is also the
// allocation id of the copy.
func (s *Shard) NodeID() string { return s.nodeID }

// IndexPath returns the directory of the segment store.
func (s *Shard) IndexPath() string { return filepath.Join(s.path, IndexDirName) }

// TranslogPath returns the directory of the translog.
func (s *Shard) TranslogPath() string { return filepath.Join(s.path, TranslogDirName) }

// EnginePath returns the path of the engine database.
func (s *Shard) EnginePath() string { return filepath.Join(s.path, EngineFileName) }

func (s *Shard) leasesPath() string { return filepath.Join(s.path, LeasesFileName) }
func (s *Shard) statePath() string  { return filepath.Join(s.path, ShardStateFileName) }

// State returns the lifecycle state of the copy.
func (s *Shard) State() ShardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PrimaryTerm returns the current primary term known to the copy.
func (s *Shard) PrimaryTerm() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryTerm
}

// HistoryUUID returns the history UUID of the latest commit.
func (s *Shard) HistoryUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyUUID
}

// IsPrimary returns true if the copy is operating as primary.
func (s *Shard) IsPrimary() bool {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	return tracker.IsPrimaryMode()
}

// Tracker returns the replication tracker of the copy.
func (s *Shard) Tracker() *ReplicationTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// Permits returns the operation permits of the copy.
func (s *Shard) Permits() *OperationPermits { return &s.permits }

// PromoteCh returns a channel that receives the primary lease id handed over
// by a relocation source once this copy has taken over primary mode.
func (s *Shard) PromoteCh() <-chan string { return s.promoteCh }

// LocalCheckpoint returns the local checkpoint of the engine.
func (s *Shard) LocalCheckpoint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return seqno.NoOpsPerformed
	}
	return s.engine.LocalCheckpoint()
}

// MaxSeqNo returns the highest sequence number seen by the engine.
func (s *Shard) MaxSeqNo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return seqno.NoOpsPerformed
	}
	return s.engine.MaxSeqNo()
}

// GlobalCheckpoint returns the global checkpoint known to the copy.
func (s *Shard) GlobalCheckpoint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.GlobalCheckpoint()
}

// RetentionLeases returns a copy of the retention leases of the copy.
func (s *Shard) RetentionLeases() seqno.RetentionLeases {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases == nil {
		return seqno.RetentionLeases{PrimaryTerm: s.primaryTerm}
	}
	return s.leases.Leases()
}

// Open reads the shard state from disk. A shard with a commit point reopens
// its engine and translog and replays translog operations the engine has not
// processed. A shard without a commit stays in the created state until it is
// bootstrapped as a primary or recovered from a peer.
func (s *Shard) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.OS == nil {
		s.OS = &internal.SystemOS{}
	}
	if s.TranslogOptions.OS == nil {
		s.TranslogOptions.OS = s.OS
	}

	for _, dir := range []string{s.IndexPath(), s.TranslogPath()} {
		if err := s.OS.MkdirAll("OPEN", dir, 0777); err != nil {
			return err
		}
	}

	if err := s.readStateFile(); err != nil {
		return fmt.Errorf("read shard state: %w", err)
	}

	leases, err := seqno.LoadRetentionLeaseTable(s.leasesPath(), s.primaryTerm)
	if err != nil {
		return fmt.Errorf("load retention leases: %w", err)
	}
	leases.Period = s.RetentionLeasePeriod
	s.leases = leases

	// Remove temporary files left behind by an interrupted recovery or flush.
	if err := s.removeTempFilesLocked(); err != nil {
		return err
	}

	commit, err := s.readLatestCommitLocked()
	if err != nil {
		return err
	} else if commit == nil {
		s.state = ShardStateCreated
		return nil
	}

	if err := s.openFromCommitLocked(commit, false); err != nil {
		return err
	}
	s.state = ShardStateStarted
	return nil
}

// Close closes the engine and translog of the copy.
func (s *Shard) Close() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeComponentsLocked(); err != nil && retErr == nil {
		retErr = err
	}
	s.state = ShardStateClosed
	return retErr
}

func (s *Shard) closeComponentsLocked() (retErr error) {
	if s.translog != nil {
		if err := s.translog.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("close translog: %w", err)
		}
		s.translog = nil
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("close engine: %w", err)
		}
		s.engine = nil
	}
	return retErr
}

// openFromCommitLocked opens the engine and translog for commit. If reset is
// true, the engine is restored from the commit's segment and a new translog
// is created with the commit's translog UUID. Otherwise translog operations
// above the engine's local checkpoint are replayed.
func (s *Shard) openFromCommitLocked(commit *Commit, reset bool) error {
	if err := s.closeComponentsLocked(); err != nil {
		return err
	} else if len(commit.Segments) == 0 {
		return fmt.Errorf("commit %d has no segments", commit.Generation)
	}
	segmentPath := filepath.Join(s.IndexPath(), commit.Segments[len(commit.Segments)-1])

	if _, err := s.OS.Stat("OPEN", s.EnginePath()); os.IsNotExist(err) {
		reset = true
	} else if err != nil {
		return err
	}

	if reset {
		if err := s.OS.Remove("RESETENGINE", s.EnginePath()); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := engine.Restore(s.EnginePath(), segmentPath); err != nil {
			return fmt.Errorf("restore engine: %w", err)
		}
	}

	eng, err := engine.Open(s.EnginePath())
	if err != nil {
		return err
	}

	var tl *translog.Translog
	if reset {
		tl, err = translog.Create(s.TranslogPath(), commit.TranslogUUID(), s.primaryTerm, s.tracker.GlobalCheckpoint(), s.TranslogOptions)
	} else {
		tl, err = translog.Open(s.TranslogPath(), commit.TranslogUUID(), s.primaryTerm, s.TranslogOptions)
	}
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("open translog: %w", err)
	}

	s.engine, s.translog, s.commit = eng, tl, commit
	s.historyUUID = commit.HistoryUUID()
	s.tracker.UpdateGlobalCheckpointOnReplica(tl.GlobalCheckpoint())

	if !reset {
		n, err := s.replayTranslogLocked()
		if err != nil {
			return fmt.Errorf("replay translog: %w", err)
		} else if n > 0 {
			s.Logger.Info("translog replayed", slog.String("shard", s.id.String()), slog.Int("n", n))
		}
	}
	return nil
}

func (s *Shard) replayTranslogLocked() (int, error) {
	snap, err := s.translog.NewSnapshot(s.engine.LocalCheckpoint()+1, math.MaxInt64)
	if err != nil {
		return 0, err
	}
	defer func() { _ = snap.Close() }()

	var n int
	for {
		op, err := snap.Next()
		if err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, err
		}
		if applied, err := s.engine.Apply(op); err != nil {
			return n, err
		} else if applied {
			n++
		}
	}
}

// Bootstrap creates an empty commit for a new primary copy. Returns nil if the
// copy already has a commit.
func (s *Shard) Bootstrap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commit != nil {
		return nil
	} else if s.state == ShardStateRecovering {
		return ErrRecoveryInProgress
	}

	if err := s.OS.Remove("BOOTSTRAP", s.EnginePath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	eng, err := engine.Open(s.EnginePath())
	if err != nil {
		return err
	}
	tl, err := translog.Create(s.TranslogPath(), uuid.NewString(), s.primaryTerm, seqno.NoOpsPerformed, s.TranslogOptions)
	if err != nil {
		_ = eng.Close()
		return err
	}
	s.engine, s.translog = eng, tl
	s.historyUUID = uuid.NewString()

	if err := s.flushLocked(); err != nil {
		return err
	}
	s.state = ShardStateStarted
	s.Logger.Info("shard bootstrapped", slog.String("shard", s.id.String()), slog.String("history", s.historyUUID))
	return nil
}

// SetPrimaryTerm raises the primary term of the copy. Lower terms are ignored.
func (s *Shard) SetPrimaryTerm(term int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPrimaryTermLocked(term)
}

func (s *Shard) setPrimaryTermLocked(term int64) error {
	if term <= s.primaryTerm {
		return nil
	}
	s.primaryTerm = term
	if s.translog != nil {
		s.translog.SetPrimaryTerm(term)
	}
	if s.leases != nil {
		s.leases.SetPrimaryTerm(term)
	}
	shardPrimaryTermMetricVec.WithLabelValues(s.id.String()).Set(float64(term))
	return s.writeStateFile()
}

// Promote moves the copy into primary mode under term. A copy without a
// commit is bootstrapped first. Sequence number gaps below the max sequence
// number are filled with no-ops so the local checkpoint can advance.
func (s *Shard) Promote(term int64) error {
	if err := s.Bootstrap(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ShardStateRelocated {
		return ErrShardRelocated
	} else if s.state == ShardStateRecovering {
		return ErrRecoveryInProgress
	} else if s.tracker.IsPrimaryMode() {
		return s.setPrimaryTermLocked(term)
	}

	if err := s.setPrimaryTermLocked(term); err != nil {
		return err
	}

	tracker := s.engine.Tracker()
	var filled int
	for seqNo := s.engine.LocalCheckpoint() + 1; seqNo <= s.engine.MaxSeqNo(); seqNo++ {
		if tracker.HasProcessed(seqNo) {
			continue
		}
		op := translog.NewNoOp(seqNo, s.primaryTerm, fillGapsNoOpReason)
		if _, err := s.engine.Apply(op); err != nil {
			return err
		} else if _, err := s.translog.Add(op); err != nil {
			return err
		}
		filled++
	}
	if filled > 0 {
		if err := s.translog.Sync(); err != nil {
			return err
		}
	}

	s.tracker = NewReplicationTracker(s.nodeID, s.tracker.GlobalCheckpoint())
	s.tracker.ActivatePrimaryMode(s.engine.LocalCheckpoint())
	s.state = ShardStateStarted
	shardPrimaryMetricVec.WithLabelValues(s.id.String()).Set(1)

	s.Logger.Info("shard promoted",
		slog.String("shard", s.id.String()),
		slog.Int64("term", s.primaryTerm),
		slog.Int("filled", filled))
	return nil
}

// Demote leaves primary mode. Tracking state of other copies is discarded.
func (s *Shard) Demote() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tracker.IsPrimaryMode() {
		return
	}
	s.tracker = NewReplicationTracker(s.nodeID, s.tracker.GlobalCheckpoint())
	shardPrimaryMetricVec.WithLabelValues(s.id.String()).Set(0)
	s.Logger.Info("shard demoted", slog.String("shard", s.id.String()))
}

// Index writes a document as primary and returns the recorded operation.
func (s *Shard) Index(ctx context.Context, id string, source []byte) (*translog.Operation, error) {
	return s.applyOnPrimary(ctx, translog.OpTypeIndex, id, source, "")
}

// Delete deletes a document as primary and returns the recorded operation.
func (s *Shard) Delete(ctx context.Context, id string) (*translog.Operation, error) {
	return s.applyOnPrimary(ctx, translog.OpTypeDelete, id, nil, "")
}

// NoOp records a no-op as primary.
func (s *Shard) NoOp(ctx context.Context, reason string) (*translog.Operation, error) {
	return s.applyOnPrimary(ctx, translog.OpTypeNoOp, "", nil, reason)
}

func (s *Shard) applyOnPrimary(ctx context.Context, typ translog.OpType, id string, source []byte, reason string) (*translog.Operation, error) {
	permit, err := s.permits.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	eng, tl, tracker, term, state := s.engine, s.translog, s.tracker, s.primaryTerm, s.state
	s.mu.Unlock()

	switch {
	case state == ShardStateRelocated || tracker.IsRelocated():
		return nil, ErrShardRelocated
	case state != ShardStateStarted || eng == nil:
		return nil, ErrShardNotStarted
	case !tracker.IsPrimaryMode():
		return nil, ErrNotPrimary
	}

	var op *translog.Operation
	switch typ {
	case translog.OpTypeIndex, translog.OpTypeDelete:
		version := int64(1)
		if doc, err := eng.Get(id); err == nil {
			version = doc.Version + 1
		} else if !errors.Is(err, engine.ErrDocumentNotFound) {
			return nil, err
		}

		seqNo := eng.Tracker().GenerateSeqNo()
		if typ == translog.OpTypeIndex {
			op = translog.NewIndexOperation(id, source, seqNo, term, version)
		} else {
			op = translog.NewDeleteOperation(id, seqNo, term, version)
		}
	default:
		op = translog.NewNoOp(eng.Tracker().GenerateSeqNo(), term, reason)
	}

	if _, err := eng.Apply(op); err != nil {
		return nil, fmt.Errorf("apply on primary: %w", err)
	} else if _, err := tl.Add(op); err != nil {
		return nil, fmt.Errorf("append to translog: %w", err)
	} else if err := tl.Sync(); err != nil {
		return nil, fmt.Errorf("sync translog: %w", err)
	}

	tracker.UpdateLocalCheckpoint(s.nodeID, eng.LocalCheckpoint())
	if tl.ShouldRollGeneration() {
		if err := tl.RollGeneration(); err != nil {
			return nil, err
		}
	}

	shardWriteCountMetricVec.WithLabelValues(s.id.String(), op.Type.String()).Inc()
	TraceLog.Printf("[Write(%s)]: %s", s.id, op)
	return op, nil
}

// Get returns the document with the given id.
func (s *Shard) Get(id string) (*engine.Document, error) {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()

	if eng == nil {
		return nil, ErrShardNotStarted
	}
	return eng.Get(id)
}

// ApplyRecoveryOperations applies operations received from a recovery source
// and appends the applied ones to the translog. Operations already processed
// are skipped. Returns the number of operations applied.
func (s *Shard) ApplyRecoveryOperations(ops []*translog.Operation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil || s.translog == nil {
		return 0, ErrShardNotStarted
	}

	var n int
	for _, op := range ops {
		if op.PrimaryTerm > s.primaryTerm {
			if err := s.setPrimaryTermLocked(op.PrimaryTerm); err != nil {
				return n, err
			}
		}

		applied, err := s.engine.Apply(op)
		if err != nil {
			return n, err
		} else if !applied {
			continue
		}
		if _, err := s.translog.Add(op); err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		if err := s.translog.Sync(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// UpdateMaxUnsafeAutoIDTimestamp raises the engine's auto-id timestamp.
func (s *Shard) UpdateMaxUnsafeAutoIDTimestamp(ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return ErrShardNotStarted
	}
	return s.engine.UpdateMaxUnsafeAutoIDTimestamp(ts)
}

// AdvanceMaxSeqNoOfUpdatesOrDeletes raises the engine's max sequence number
// of updates or deletes.
func (s *Shard) AdvanceMaxSeqNoOfUpdatesOrDeletes(v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return ErrShardNotStarted
	}
	return s.engine.AdvanceMaxSeqNoOfUpdatesOrDeletes(v)
}

// ReplaceRetentionLeases adopts leases issued by the primary if they
// supersede the local copy. The leases' primary term is adopted first.
func (s *Shard) ReplaceRetentionLeases(leases seqno.RetentionLeases) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := s.leases.Replace(leases)
	if err := s.setPrimaryTermLocked(leases.PrimaryTerm); err != nil {
		return err
	} else if !replaced {
		return nil
	}
	return s.leases.Persist(s.leasesPath())
}

// Flush writes the engine to a new segment, commits it and trims the translog
// of operations covered by both the commit and every retention lease.
func (s *Shard) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return ErrShardNotStarted
	}
	return s.flushLocked()
}

func (s *Shard) flushLocked() error {
	t := time.Now()

	if err := s.engine.Flush(); err != nil {
		return err
	}

	var gen int64 = 1
	if s.commit != nil {
		gen = s.commit.Generation + 1
	}
	segName := SegmentFileName(gen)
	segPath := filepath.Join(s.IndexPath(), segName)
	tmpPath := segPath + segmentTempFileExt

	f, err := s.OS.Create("FLUSH", tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	stats, err := s.engine.WriteSnapshot(f)
	if err != nil {
		return fmt.Errorf("write segment: %w", err)
	} else if err := f.Sync(); err != nil {
		return err
	} else if err := f.Close(); err != nil {
		return err
	} else if err := s.OS.Rename("FLUSH", tmpPath, segPath); err != nil {
		return err
	}

	commit := &Commit{
		Generation: gen,
		Segments:   []string{segName},
		UserData: map[string]string{
			TranslogUUIDKey:             s.translog.UUID(),
			HistoryUUIDKey:              s.historyUUID,
			LocalCheckpointKey:          fmt.Sprint(stats.LocalCheckpoint),
			MaxSeqNoKey:                 fmt.Sprint(stats.MaxSeqNo),
			MaxUnsafeAutoIDTimestampKey: fmt.Sprint(stats.MaxUnsafeAutoIDTimestamp),
			MaxSeqNoOfUpdatesKey:        fmt.Sprint(stats.MaxSeqNoOfUpdatesOrDeletes),
		},
	}
	data, err := json.Marshal(commit)
	if err != nil {
		return err
	} else if err := internal.WriteFileAtomic(filepath.Join(s.IndexPath(), CommitFileName(gen)), data, 0666); err != nil {
		return fmt.Errorf("write commit: %w", err)
	}
	s.commit = commit

	if err := s.deleteUnreferencedFilesLocked(); err != nil {
		return err
	}

	if err := s.translog.RollGeneration(); err != nil {
		return err
	} else if err := s.trimTranslogLocked(); err != nil {
		return err
	}

	shardFlushCountMetricVec.WithLabelValues(s.id.String()).Inc()
	TraceLog.Printf("[Flush(%s)]: gen=%d lcp=%d elapsed=%s", s.id, gen, stats.LocalCheckpoint, time.Since(t))
	return nil
}

// deleteUnreferencedFilesLocked removes files that belong to neither the
// latest commit nor a commit retained by a recovery.
func (s *Shard) deleteUnreferencedFilesLocked() error {
	keep := map[string]struct{}{CommitFileName(s.commit.Generation): {}}
	for _, name := range s.commit.Segments {
		keep[name] = struct{}{}
	}

	ents, err := s.OS.ReadDir("FLUSH", s.IndexPath())
	if err != nil {
		return err
	}
	for _, ent := range ents {
		name := ent.Name()
		if _, ok := keep[name]; ok {
			continue
		} else if s.retained[name] > 0 {
			continue
		} else if isTempFileName(name) {
			continue
		}
		if err := s.OS.Remove("FLUSH", filepath.Join(s.IndexPath(), name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// trimTranslogLocked removes translog generations whose operations are
// covered by the latest commit and not required by any retention lease.
func (s *Shard) trimTranslogLocked() error {
	if s.translog == nil {
		return nil
	}
	minRequired := s.leases.MinimumRetainedSeqNo()
	if s.commit != nil {
		if v := s.commit.LocalCheckpoint() + 1; v < minRequired {
			minRequired = v
		}
	}
	return s.translog.TrimUnreferencedReaders(minRequired)
}

func isTempFileName(name string) bool {
	return strings.HasPrefix(name, TempFilePrefix) || strings.HasSuffix(name, segmentTempFileExt)
}

func (s *Shard) removeTempFilesLocked() error {
	ents, err := s.OS.ReadDir("CLEANUP", s.IndexPath())
	if err != nil {
		return err
	}
	for _, ent := range ents {
		if !isTempFileName(ent.Name()) {
			continue
		}
		if err := s.OS.Remove("CLEANUP", filepath.Join(s.IndexPath(), ent.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// readLatestCommitLocked returns the commit point with the highest generation
// in the index directory. Returns nil if there is none.
func (s *Shard) readLatestCommitLocked() (*Commit, error) {
	ents, err := s.OS.ReadDir("READCOMMIT", s.IndexPath())
	if err != nil {
		return nil, err
	}

	var latest int64
	for _, ent := range ents {
		if gen, ok := ParseCommitFileName(ent.Name()); ok && gen > latest {
			latest = gen
		}
	}
	if latest == 0 {
		return nil, nil
	}

	data, err := s.OS.ReadFile("READCOMMIT", filepath.Join(s.IndexPath(), CommitFileName(latest)))
	if err != nil {
		return nil, err
	}
	commit, err := ReadCommit(bytes.NewReader(data))
	if err != nil {
		return nil, &CorruptedFileError{Name: CommitFileName(latest), Reason: err.Error()}
	} else if commit.Generation != latest {
		return nil, &CorruptedFileError{Name: CommitFileName(latest), Reason: fmt.Sprintf("generation mismatch: %d", commit.Generation)}
	}
	return commit, nil
}

// Metadata returns the file listing of the latest commit.
func (s *Shard) Metadata() (MetadataSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadataLocked()
}

func (s *Shard) metadataLocked() (MetadataSnapshot, error) {
	snapshot := MetadataSnapshot{Files: make(map[string]StoreFileMetadata)}

	commit, err := s.readLatestCommitLocked()
	if err != nil {
		return snapshot, err
	} else if commit == nil {
		return snapshot, nil
	}

	names := append([]string{CommitFileName(commit.Generation)}, commit.Segments...)
	for _, name := range names {
		md, err := s.fileMetadata(name)
		if os.IsNotExist(err) {
			return snapshot, &MissingFileError{Name: name}
		} else if err != nil {
			return snapshot, err
		}
		snapshot.Files[name] = md
	}

	snapshot.CommitUserData = make(map[string]string, len(commit.UserData))
	for k, v := range commit.UserData {
		snapshot.CommitUserData[k] = v
	}
	return snapshot, nil
}

func (s *Shard) fileMetadata(name string) (StoreFileMetadata, error) {
	f, err := s.OS.Open("METADATA", filepath.Join(s.IndexPath(), name))
	if err != nil {
		return StoreFileMetadata{}, err
	}
	defer func() { _ = f.Close() }()

	chksum, n, err := ChecksumReader(f)
	if err != nil {
		return StoreFileMetadata{}, err
	}
	return StoreFileMetadata{Name: name, Length: n, Checksum: chksum}, nil
}

// OpenIndexFile opens a file of the segment store for reading.
func (s *Shard) OpenIndexFile(name string) (*os.File, error) {
	if err := ValidateFileName(name); err != nil {
		return nil, err
	}
	return s.OS.Open("READFILE", filepath.Join(s.IndexPath(), name))
}

// CommitRef is a commit whose files are kept on disk until released.
type CommitRef struct {
	Metadata MetadataSnapshot

	once    sync.Once
	release func()
}

// Release allows the files of the commit to be deleted by later flushes.
func (ref *CommitRef) Release() {
	ref.once.Do(ref.release)
}

// FlushAndAcquireCommitForRecovery flushes the copy, places a peer recovery
// retention lease for nodeID just above the new commit's local checkpoint and
// retains the commit's files for the duration of the file copy.
func (s *Shard) FlushAndAcquireCommitForRecovery(nodeID string) (*CommitRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return nil, ErrShardNotStarted
	} else if err := s.flushLocked(); err != nil {
		return nil, err
	}

	retainingSeqNo := s.commit.LocalCheckpoint() + 1
	if err := s.placePeerRecoveryLeaseLocked(nodeID, retainingSeqNo); err != nil {
		return nil, err
	}

	md, err := s.metadataLocked()
	if err != nil {
		return nil, err
	}

	names := md.Names()
	for _, name := range names {
		s.retained[name]++
	}
	return &CommitRef{
		Metadata: md,
		release: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, name := range names {
				if s.retained[name]--; s.retained[name] <= 0 {
					delete(s.retained, name)
				}
			}
		},
	}, nil
}

// placePeerRecoveryLeaseLocked replaces the peer recovery lease of nodeID
// with one retaining retainingSeqNo. Removing then adding within the lock
// lets the retained sequence number move backwards without a window in which
// the translog could be trimmed.
func (s *Shard) placePeerRecoveryLeaseLocked(nodeID string, retainingSeqNo int64) error {
	id := seqno.PeerRecoveryRetentionLeaseID(nodeID)
	if err := s.leases.Remove(id); err != nil && !errors.Is(err, seqno.ErrRetentionLeaseNotFound) {
		return err
	}
	if _, err := s.leases.AddOrRenew(id, retainingSeqNo, seqno.PeerRecoveryRetentionLeaseSource, s.Now()); err != nil {
		return err
	}
	return s.leases.Persist(s.leasesPath())
}

// AcquireHistoryRetention places a peer recovery retention lease for nodeID
// at startingSeqNo and reports whether the translog still holds every
// operation from startingSeqNo up to the local checkpoint.
func (s *Shard) AcquireHistoryRetention(nodeID string, startingSeqNo int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil || s.translog == nil {
		return false, ErrShardNotStarted
	} else if startingSeqNo < 0 {
		return false, nil
	}

	if err := s.placePeerRecoveryLeaseLocked(nodeID, startingSeqNo); err != nil {
		return false, err
	}
	return s.hasCompleteHistoryLocked(startingSeqNo, s.engine.LocalCheckpoint())
}

func (s *Shard) hasCompleteHistoryLocked(fromSeqNo, toSeqNo int64) (bool, error) {
	if fromSeqNo > toSeqNo {
		return true, nil
	}
	snap, err := s.translog.NewSnapshot(fromSeqNo, toSeqNo)
	if err != nil {
		return false, err
	}
	defer func() { _ = snap.Close() }()

	seqNos, err := snap.SeqNos()
	if err != nil {
		return false, err
	}
	return int64(len(seqNos)) == toSeqNo-fromSeqNo+1, nil
}

// RenewPeerRecoveryRetentionLease renews the lease of nodeID. Attempts to
// move the lease backwards are ignored.
func (s *Shard) RenewPeerRecoveryRetentionLease(nodeID string, retainingSeqNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.leases.AddOrRenew(seqno.PeerRecoveryRetentionLeaseID(nodeID), retainingSeqNo, seqno.PeerRecoveryRetentionLeaseSource, s.Now())
	if errors.Is(err, seqno.ErrIllegalRetentionLeaseUpdate) {
		return nil
	} else if err != nil {
		return err
	}
	return s.leases.Persist(s.leasesPath())
}

// RemovePeerRecoveryRetentionLease removes the lease held for nodeID, if any.
func (s *Shard) RemovePeerRecoveryRetentionLease(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.leases.Remove(seqno.PeerRecoveryRetentionLeaseID(nodeID)); errors.Is(err, seqno.ErrRetentionLeaseNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return s.leases.Persist(s.leasesPath())
}

// RecoverySnapshot is a translog snapshot of the operations a recovery
// target is missing, bounded by the primary's local checkpoint at creation.
type RecoverySnapshot struct {
	*translog.Snapshot
	FromSeqNo int64
	ToSeqNo   int64
}

// NewRecoverySnapshot returns the operations from fromSeqNo up to the current
// local checkpoint. No write can be between the engine and translog while the
// checkpoint is read.
func (s *Shard) NewRecoverySnapshot(fromSeqNo int64) (*RecoverySnapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil || s.translog == nil {
		return nil, ErrShardNotStarted
	}

	toSeqNo := s.engine.LocalCheckpoint()
	snap, err := s.translog.NewSnapshot(fromSeqNo, toSeqNo)
	if err != nil {
		return nil, err
	}
	return &RecoverySnapshot{Snapshot: snap, FromSeqNo: fromSeqNo, ToSeqNo: toSeqNo}, nil
}

// EstimateTotalOperations returns the number of translog operations with a
// sequence number at or above fromSeqNo.
func (s *Shard) EstimateTotalOperations(fromSeqNo int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.translog == nil {
		return 0
	}
	return int64(s.translog.EstimateTotalOperationsFromMinSeqNo(fromSeqNo))
}

// RecoveryCheckpoint returns the local checkpoint along with the values a
// recovery target must adopt before replaying operations.
func (s *Shard) RecoveryCheckpoint() (engine.Stats, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return engine.Stats{}, ErrShardNotStarted
	}
	return engine.Stats{
		LocalCheckpoint:            s.engine.LocalCheckpoint(),
		MaxSeqNo:                   s.engine.MaxSeqNo(),
		MaxUnsafeAutoIDTimestamp:   s.engine.MaxUnsafeAutoIDTimestamp(),
		MaxSeqNoOfUpdatesOrDeletes: s.engine.MaxSeqNoOfUpdatesOrDeletes(),
	}, nil
}

// StartRecovery moves the copy into the recovering state. A primary or a
// relocated copy cannot be recovered.
func (s *Shard) StartRecovery() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == ShardStateRecovering:
		return ErrRecoveryInProgress
	case s.state == ShardStateClosed:
		return ErrShardClosed
	case s.state == ShardStateRelocated:
		return ErrShardRelocated
	case s.tracker.IsPrimaryMode():
		return fmt.Errorf("cannot recover primary copy %s", s.id)
	}
	s.state = ShardStateRecovering
	return nil
}

// AbortRecovery leaves the recovering state after a failed recovery.
func (s *Shard) AbortRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ShardStateRecovering {
		return
	} else if s.engine != nil {
		s.state = ShardStateStarted
	} else {
		s.state = ShardStateCreated
	}
}

// PrepareForTranslogOperations ensures the engine and translog are open so
// operations can be replayed.
func (s *Shard) PrepareForTranslogOperations() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine != nil && s.translog != nil {
		return nil
	}
	commit, err := s.readLatestCommitLocked()
	if err != nil {
		return err
	} else if commit == nil {
		return ErrShardNotStarted
	}
	return s.openFromCommitLocked(commit, false)
}

// CleanFiles removes every file of the segment store that is not part of
// source, verifies the remaining files against source and resets the engine
// and translog from the received commit.
func (s *Shard) CleanFiles(source MetadataSnapshot, globalCheckpoint int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ents, err := s.OS.ReadDir("CLEANFILES", s.IndexPath())
	if err != nil {
		return err
	}
	for _, ent := range ents {
		name := ent.Name()
		if _, ok := source.Files[name]; ok || strings.HasPrefix(name, TempFilePrefix) {
			continue
		}
		if err := s.OS.Remove("CLEANFILES", filepath.Join(s.IndexPath(), name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	for _, name := range source.Names() {
		fi, err := s.OS.Stat("CLEANFILES", filepath.Join(s.IndexPath(), name))
		if os.IsNotExist(err) {
			return &MissingFileError{Name: name}
		} else if err != nil {
			return err
		} else if fi.Size() != source.Files[name].Length {
			return &CorruptedFileError{Name: name, Reason: fmt.Sprintf("length mismatch: %d <> %d", fi.Size(), source.Files[name].Length)}
		}
	}

	commit, err := s.readLatestCommitLocked()
	if err != nil {
		return err
	} else if commit == nil {
		return &MissingFileError{Name: CommitFilePrefix + "N"}
	} else if commit.TranslogUUID() != source.TranslogUUID() {
		return fmt.Errorf("commit translog uuid mismatch: %q <> %q", commit.TranslogUUID(), source.TranslogUUID())
	}

	s.tracker.UpdateGlobalCheckpointOnReplica(globalCheckpoint)
	if err := s.openFromCommitLocked(commit, true); err != nil {
		return err
	}
	return s.writeStateFile()
}

// FinalizeRecovery records the global checkpoint, trims operations of older
// terms above trimAboveSeqNo and flushes the recovered state.
func (s *Shard) FinalizeRecovery(globalCheckpoint, trimAboveSeqNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil || s.translog == nil {
		return ErrShardNotStarted
	}

	s.tracker.UpdateGlobalCheckpointOnReplica(globalCheckpoint)
	s.translog.SetGlobalCheckpoint(s.tracker.GlobalCheckpoint())

	if trimAboveSeqNo != seqno.UnassignedSeqNo {
		if err := s.translog.TrimOperations(s.primaryTerm, trimAboveSeqNo); err != nil {
			return err
		}
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	s.state = ShardStateStarted
	return nil
}

// UpdateGlobalCheckpointOnReplica raises the global checkpoint received from
// the primary.
func (s *Shard) UpdateGlobalCheckpointOnReplica(gcp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracker.UpdateGlobalCheckpointOnReplica(gcp)
	if s.translog != nil {
		s.translog.SetGlobalCheckpoint(s.tracker.GlobalCheckpoint())
	}
}

// RecoveryStartingSeqNo returns the first sequence number the copy needs from
// a primary. Operations above the global checkpoint may not survive on the
// primary, so a copy holding any of them reports UnassignedSeqNo and is
// recovered from files.
func (s *Shard) RecoveryStartingSeqNo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return seqno.UnassignedSeqNo
	}
	lcp, gcp := s.engine.LocalCheckpoint(), s.tracker.GlobalCheckpoint()
	if s.engine.MaxSeqNo() > gcp {
		return seqno.UnassignedSeqNo
	}
	return lcp + 1
}

// StartRelocationHandoff blocks all write operations. Must be followed by
// CompleteRelocationHandoff or AbortRelocationHandoff.
func (s *Shard) StartRelocationHandoff(ctx context.Context) error {
	s.mu.Lock()
	inProgress := s.handoffPermit != nil
	s.mu.Unlock()
	if inProgress {
		return fmt.Errorf("relocation handoff already in progress")
	}

	permit, err := s.permits.Block(ctx)
	if err != nil {
		return fmt.Errorf("block operations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracker.IsPrimaryMode() {
		permit.Release()
		return ErrNotPrimary
	}
	s.handoffPermit = permit
	return nil
}

// PrimaryContext captures the context handed to the relocation target.
// Operations must be blocked.
func (s *Shard) PrimaryContext(leaseID string) (PrimaryContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handoffPermit == nil {
		return PrimaryContext{}, fmt.Errorf("operations not blocked for handoff")
	}
	return s.tracker.StartRelocationHandoff(s.primaryTerm, s.engine.MaxSeqNo(), s.leases.Leases(), leaseID)
}

// CompleteRelocationHandoff marks the copy as relocated and releases the
// block. Writes waiting on the block fail with ErrShardRelocated.
func (s *Shard) CompleteRelocationHandoff() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracker.CompleteRelocationHandoff()
	s.state = ShardStateRelocated
	shardPrimaryMetricVec.WithLabelValues(s.id.String()).Set(0)
	if s.handoffPermit != nil {
		s.handoffPermit.Release()
		s.handoffPermit = nil
	}
}

// AbortRelocationHandoff resumes normal primary operation.
func (s *Shard) AbortRelocationHandoff() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracker.AbortRelocationHandoff()
	if s.handoffPermit != nil {
		s.handoffPermit.Release()
		s.handoffPermit = nil
	}
}

// ActivateWithPrimaryContext takes over primary mode from a relocation source
// with the given allocation id. The copy must hold every operation up to the
// context's max sequence number.
func (s *Shard) ActivateWithPrimaryContext(pc PrimaryContext, sourceAllocationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return ErrShardNotStarted
	} else if lcp := s.engine.LocalCheckpoint(); lcp < pc.MaxSeqNo {
		return fmt.Errorf("local checkpoint %d below primary max seq no %d", lcp, pc.MaxSeqNo)
	}

	if err := s.tracker.ActivateWithPrimaryContext(pc); err != nil {
		return err
	}
	s.tracker.RemoveTracking(sourceAllocationID)

	leases := pc.RetentionLeases
	leases.Version++
	s.leases.Replace(leases)
	if err := s.setPrimaryTermLocked(pc.PrimaryTerm); err != nil {
		return err
	}
	if err := s.leases.Remove(seqno.PeerRecoveryRetentionLeaseID(s.nodeID)); err != nil && !errors.Is(err, seqno.ErrRetentionLeaseNotFound) {
		return err
	}
	if err := s.leases.Persist(s.leasesPath()); err != nil {
		return err
	}

	s.state = ShardStateStarted
	shardPrimaryMetricVec.WithLabelValues(s.id.String()).Set(1)

	select {
	case s.promoteCh <- pc.LeaseID:
	default:
	}
	return nil
}

// SyncRetentionLeases expires stale leases, stops tracking copies whose peer
// recovery lease expired and trims the translog.
func (s *Shard) SyncRetentionLeases() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leases == nil {
		return nil
	}

	expired := s.leases.ExpireLeases(s.Now())
	for _, lease := range expired {
		if seqno.IsPeerRecoveryRetentionLease(lease.ID) {
			s.tracker.RemoveTracking(strings.TrimPrefix(lease.ID, seqno.PeerRecoveryRetentionLeaseID("")))
		}
		s.Logger.Info("retention lease expired",
			slog.String("shard", s.id.String()),
			slog.String("id", lease.ID),
			slog.Int64("seq", lease.RetainingSeqNo))
	}
	if len(expired) > 0 {
		if err := s.leases.Persist(s.leasesPath()); err != nil {
			return err
		}
	}
	return s.trimTranslogLocked()
}

// ShardInfo is the JSON representation of a shard copy.
type ShardInfo struct {
	ID               ShardID                    `json:"id"`
	State            ShardState                 `json:"state"`
	Primary          bool                       `json:"primary"`
	PrimaryTerm      int64                      `json:"primary-term"`
	HistoryUUID      string                     `json:"history-uuid,omitempty"`
	LocalCheckpoint  int64                      `json:"local-checkpoint"`
	GlobalCheckpoint int64                      `json:"global-checkpoint"`
	MaxSeqNo         int64                      `json:"max-seq-no"`
	DocCount         int                        `json:"doc-count"`
	Translog         *translog.Stats            `json:"translog,omitempty"`
	RetentionLeases  []seqno.RetentionLease     `json:"retention-leases,omitempty"`
	Checkpoints      map[string]CheckpointState `json:"checkpoints,omitempty"`
}

// Info returns a point-in-time view of the copy.
func (s *Shard) Info() (ShardInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := ShardInfo{
		ID:               s.id,
		State:            s.state,
		Primary:          s.tracker.IsPrimaryMode(),
		PrimaryTerm:      s.primaryTerm,
		HistoryUUID:      s.historyUUID,
		LocalCheckpoint:  seqno.NoOpsPerformed,
		GlobalCheckpoint: s.tracker.GlobalCheckpoint(),
		MaxSeqNo:         seqno.NoOpsPerformed,
	}
	if info.Primary {
		info.Checkpoints = s.tracker.Checkpoints()
	}
	if s.engine != nil {
		stats, err := s.engine.Stats()
		if err != nil {
			return info, err
		}
		info.LocalCheckpoint, info.MaxSeqNo, info.DocCount = stats.LocalCheckpoint, stats.MaxSeqNo, stats.DocCount
	}
	if s.translog != nil {
		stats := s.translog.Stats()
		info.Translog = &stats
	}
	if s.leases != nil {
		info.RetentionLeases = s.leases.Leases().Leases
		sort.Slice(info.RetentionLeases, func(i, j int) bool { return info.RetentionLeases[i].ID < info.RetentionLeases[j].ID })
	}
	return info, nil
}

type shardStateFile struct {
	IndexUUID   string `json:"index_uuid,omitempty"`
	PrimaryTerm int64  `json:"primary_term"`
}

func (s *Shard) readStateFile() error {
	data, err := s.OS.ReadFile("READSTATE", s.statePath())
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	var st shardStateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return &CorruptedFileError{Name: ShardStateFileName, Reason: err.Error()}
	}
	s.indexUUID, s.primaryTerm = st.IndexUUID, st.PrimaryTerm
	return nil
}

func (s *Shard) writeStateFile() error {
	data, err := json.Marshal(shardStateFile{IndexUUID: s.id.IndexUUID, PrimaryTerm: s.primaryTerm})
	if err != nil {
		return err
	}
	return internal.WriteFileAtomic(s.statePath(), data, 0666)
}

// Shard metrics.
var (
	shardPrimaryTermMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ratudb_shard_primary_term",
		Help: "Current primary term of the shard copy.",
	}, []string{"shard"})

	shardPrimaryMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ratudb_shard_primary",
		Help: "Set to 1 if the shard copy is operating as primary.",
	}, []string{"shard"})

	shardWriteCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratudb_shard_write_count",
		Help: "Number of write operations performed as primary.",
	}, []string{"shard", "type"})

	shardFlushCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratudb_shard_flush_count",
		Help: "Number of flushes performed.",
	}, []string{"shard"})
)
