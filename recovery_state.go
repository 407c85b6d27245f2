package ratudb

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RecoveryStage is a phase of a recovery.
type RecoveryStage int

const (
	StageNotStarted = RecoveryStage(iota)
	StageFileCopy
	StageTranslogReplay
	StageFinalize
	StageDone
	StageFailed
)

// String returns the string representation of the stage.
func (s RecoveryStage) String() string {
	switch s {
	case StageNotStarted:
		return "not-started"
	case StageFileCopy:
		return "file-copy"
	case StageTranslogReplay:
		return "translog-replay"
	case StageFinalize:
		return "finalize"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("<unknown(%d)>", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RecoveryStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal returns true for the done & failed stages.
func (s RecoveryStage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// canTransition reports whether a recovery may move from one stage to another.
// File copy is skipped by operation-based recoveries and may be re-entered
// from translog replay when the source falls back to a file-based resync.
func canTransition(from, to RecoveryStage) bool {
	if from.IsTerminal() {
		return false
	} else if to == StageFailed {
		return true
	}

	switch from {
	case StageNotStarted:
		return to == StageFileCopy || to == StageTranslogReplay
	case StageFileCopy:
		return to == StageTranslogReplay
	case StageTranslogReplay:
		return to == StageFileCopy || to == StageFinalize
	case StageFinalize:
		return to == StageDone
	default:
		return false
	}
}

// RecoveryState tracks the progress of a single recovery on either side.
type RecoveryState struct {
	mu         sync.Mutex
	recoveryID int64
	shardID    ShardID
	source     Node
	target     Node
	primary    bool
	startTime  time.Time
	stopTime   time.Time
	stage      RecoveryStage
	failure    error

	files        map[string]*RecoveryFileState
	totalOps     int64
	recoveredOps int64
}

// RecoveryFileState is the progress of a single file.
type RecoveryFileState struct {
	Name      string `json:"name"`
	Length    int64  `json:"length"`
	Recovered int64  `json:"recovered"`
	Reused    bool   `json:"reused"`
}

// NewRecoveryState returns a new state in the not-started stage.
func NewRecoveryState(recoveryID int64, shardID ShardID, source, target Node, primaryRelocation bool) *RecoveryState {
	return &RecoveryState{
		recoveryID: recoveryID,
		shardID:    shardID,
		source:     source,
		target:     target,
		primary:    primaryRelocation,
		startTime:  time.Now(),
		stage:      StageNotStarted,
		files:      make(map[string]*RecoveryFileState),
		totalOps:   -1,
	}
}

// RecoveryID returns the recovery id.
func (s *RecoveryState) RecoveryID() int64 { return s.recoveryID }

// ShardID returns the id of the shard being recovered.
func (s *RecoveryState) ShardID() ShardID { return s.shardID }

// Stage returns the current stage.
func (s *RecoveryState) Stage() RecoveryStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Err returns the failure of a failed recovery.
func (s *RecoveryState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// SetStage moves the recovery to stage. Setting the current stage again is a
// no-op so retried requests are accepted.
func (s *RecoveryState) SetStage(stage RecoveryStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage == stage {
		return nil
	} else if !canTransition(s.stage, stage) {
		return fmt.Errorf("invalid recovery stage transition: %s -> %s", s.stage, stage)
	}

	s.stage = stage
	if stage.IsTerminal() {
		s.stopTime = time.Now()
	}
	return nil
}

// Fail moves the recovery to the failed stage and records err. Terminal
// states are left unchanged.
func (s *RecoveryState) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage.IsTerminal() {
		return
	}
	s.stage, s.failure = StageFailed, err
	s.stopTime = time.Now()
}

// ResetFiles clears file progress before a new file copy.
func (s *RecoveryState) ResetFiles() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = make(map[string]*RecoveryFileState)
}

// AddFile registers a file to be recovered or reused.
func (s *RecoveryState) AddFile(name string, length int64, reused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := &RecoveryFileState{Name: name, Length: length, Reused: reused}
	if reused {
		fs.Recovered = length
	}
	s.files[name] = fs
}

// AddRecoveredBytes records n bytes written to the named file.
func (s *RecoveryState) AddRecoveredBytes(name string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs := s.files[name]; fs != nil {
		fs.Recovered += n
	}
}

// SetTotalOperations sets the estimated number of operations to replay.
func (s *RecoveryState) SetTotalOperations(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalOps = n
}

// IncrementRecoveredOperations records n replayed operations.
func (s *RecoveryState) IncrementRecoveredOperations(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveredOps += int64(n)
}

// RecoveredOperations returns the number of replayed operations.
func (s *RecoveryState) RecoveredOperations() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveredOps
}

// Info returns a point-in-time copy of the state.
func (s *RecoveryState) Info() RecoveryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := RecoveryInfo{
		RecoveryID:        s.recoveryID,
		ShardID:           s.shardID,
		Source:            s.source,
		Target:            s.target,
		PrimaryRelocation: s.primary,
		Stage:             s.stage,
		StartTime:         s.startTime,
		StopTime:          s.stopTime,
		TotalOperations:   s.totalOps,
		RecoveredOps:      s.recoveredOps,
	}
	if s.failure != nil {
		info.Failure = s.failure.Error()
	}

	for _, fs := range s.files {
		info.Files = append(info.Files, *fs)
		info.TotalBytes += fs.Length
		info.RecoveredBytes += fs.Recovered
		if fs.Reused {
			info.ReusedBytes += fs.Length
		}
	}
	sort.Slice(info.Files, func(i, j int) bool { return info.Files[i].Name < info.Files[j].Name })
	return info
}

// RecoveryInfo is the JSON representation of a recovery's progress.
type RecoveryInfo struct {
	RecoveryID        int64               `json:"recovery-id"`
	ShardID           ShardID             `json:"shard"`
	Source            Node                `json:"source"`
	Target            Node                `json:"target"`
	PrimaryRelocation bool                `json:"primary-relocation,omitempty"`
	Stage             RecoveryStage       `json:"stage"`
	Failure           string              `json:"failure,omitempty"`
	StartTime         time.Time           `json:"start-time"`
	StopTime          time.Time           `json:"stop-time,omitempty"`
	Files             []RecoveryFileState `json:"files,omitempty"`
	TotalBytes        int64               `json:"total-bytes"`
	RecoveredBytes    int64               `json:"recovered-bytes"`
	ReusedBytes       int64               `json:"reused-bytes"`
	TotalOperations   int64               `json:"total-operations"`
	RecoveredOps      int64               `json:"recovered-operations"`
}
