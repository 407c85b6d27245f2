package ratudb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/slog"
)

// RecoveryTargetHandler is the set of requests a recovery source sends to the
// target of a recovery. Every request is safe to retry.
type RecoveryTargetHandler interface {
	// PrepareForTranslogOperations opens the target engine so operations
	// can be replayed.
	PrepareForTranslogOperations(ctx context.Context, totalTranslogOps int64) error

	// ForceSegmentFileSync makes received segment files durable.
	ForceSegmentFileSync(ctx context.Context) error

	// IndexTranslogOperations replays a batch of operations on the target
	// and returns the target's local checkpoint afterward.
	IndexTranslogOperations(ctx context.Context, ops []*translog.Operation, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary int64, leases seqno.RetentionLeases, mappingVersionOnPrimary int64) (int64, error)

	// ReceiveFileInfo announces the files the source is about to send and
	// the files the target already holds.
	ReceiveFileInfo(ctx context.Context, names []string, sizes []int64, existingNames []string, existingSizes []int64, totalTranslogOps int64) error

	// WriteFileChunk writes a chunk of a file at position.
	WriteFileChunk(ctx context.Context, md StoreFileMetadata, position int64, content []byte, lastChunk bool, totalTranslogOps int64) error

	// CleanFiles moves received files into place, removes files unknown to
	// the source and resets the target from the received commit.
	CleanFiles(ctx context.Context, totalTranslogOps, globalCheckpoint int64, sourceMetadata MetadataSnapshot) error

	// FinalizeRecovery persists the global checkpoint and trims operations
	// of older terms above trimAboveSeqNo.
	FinalizeRecovery(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64) error

	// HandoffPrimaryContext hands primary mode to the target of a relocation.
	HandoffPrimaryContext(ctx context.Context, pc PrimaryContext) error

	// Cancel aborts the recovery on the target.
	Cancel(ctx context.Context, reason string) error
}

var _ RecoveryTargetHandler = (*RecoveryTarget)(nil)

// RecoveryTarget is the target side of a single recovery attempt. Every
// attempt has its own id; a retried recovery is a new RecoveryTarget.
type RecoveryTarget struct {
	mu           sync.Mutex
	shard        *Shard
	source       Node
	state        *RecoveryState
	writer       *MultiFileWriter
	mapping      MappingService
	finalized    bool
	finalizedGCP int64

	once sync.Once
	done chan struct{}

	Logger *slog.Logger
}

// NewRecoveryTarget returns a new recovery target for shard. The mapping
// service is optional; without one mapping versions are not checked.
func NewRecoveryTarget(recoveryID int64, shard *Shard, source, target Node, primaryRelocation bool, mapping MappingService) *RecoveryTarget {
	return &RecoveryTarget{
		shard:   shard,
		source:  source,
		state:   NewRecoveryState(recoveryID, shard.ID(), source, target, primaryRelocation),
		mapping: mapping,
		done:    make(chan struct{}),
		Logger:  shard.Logger,
	}
}

// RecoveryID returns the id of the recovery attempt.
func (t *RecoveryTarget) RecoveryID() int64 { return t.state.RecoveryID() }

// ShardID returns the id of the shard being recovered.
func (t *RecoveryTarget) ShardID() ShardID { return t.shard.ID() }

// Shard returns the shard being recovered.
func (t *RecoveryTarget) Shard() *Shard { return t.shard }

// Source returns the node the shard is recovered from.
func (t *RecoveryTarget) Source() Node { return t.source }

// State returns the progress of the recovery.
func (t *RecoveryTarget) State() *RecoveryState { return t.state }

// Done returns a channel that is closed once the recovery is done or failed.
func (t *RecoveryTarget) Done() <-chan struct{} { return t.done }

// ensureActive returns an error if the recovery has already ended.
func (t *RecoveryTarget) ensureActive() error {
	switch t.state.Stage() {
	case StageFailed:
		if err := t.state.Err(); errors.Is(err, ErrRecoveryCancelled) {
			return err
		}
		return ErrRecoveryCancelled
	case StageDone:
		return fmt.Errorf("recovery %d already completed", t.RecoveryID())
	}
	return nil
}

func (t *RecoveryTarget) PrepareForTranslogOperations(ctx context.Context, totalTranslogOps int64) error {
	if err := t.ensureActive(); err != nil {
		return err
	}

	t.state.SetTotalOperations(totalTranslogOps)
	if err := t.state.SetStage(StageTranslogReplay); err != nil {
		return err
	}
	return t.shard.PrepareForTranslogOperations()
}

// ForceSegmentFileSync is a no-op. Segment files are synced as their last
// chunk is written and the directory is synced when they are renamed.
func (t *RecoveryTarget) ForceSegmentFileSync(ctx context.Context) error {
	return t.ensureActive()
}

func (t *RecoveryTarget) IndexTranslogOperations(ctx context.Context, ops []*translog.Operation, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary int64, leases seqno.RetentionLeases, mappingVersionOnPrimary int64) (int64, error) {
	if err := t.ensureActive(); err != nil {
		return 0, err
	}

	// Operations may reference mappings the target has not seen yet. The
	// source retries the batch until the mapping arrives.
	if t.mapping != nil {
		current, err := t.mapping.MappingVersion(ctx, t.shard.ID().Index)
		if err != nil {
			return 0, fmt.Errorf("mapping version: %w", err)
		} else if current < mappingVersionOnPrimary {
			return 0, &MappingTooStaleError{Index: t.shard.ID().Index, Required: mappingVersionOnPrimary, Current: current}
		}
	}

	if err := t.shard.ReplaceRetentionLeases(leases); err != nil {
		return 0, fmt.Errorf("replace retention leases: %w", err)
	} else if err := t.shard.UpdateMaxUnsafeAutoIDTimestamp(maxSeenAutoIDTimestampOnPrimary); err != nil {
		return 0, err
	} else if err := t.shard.AdvanceMaxSeqNoOfUpdatesOrDeletes(maxSeqNoOfUpdatesOrDeletesOnPrimary); err != nil {
		return 0, err
	}

	n, err := t.shard.ApplyRecoveryOperations(ops)
	if err != nil {
		return 0, fmt.Errorf("apply operations: %w", err)
	}

	t.state.SetTotalOperations(totalTranslogOps)
	t.state.IncrementRecoveredOperations(len(ops))
	recoveryTargetOperationCountMetric.Add(float64(n))

	TraceLog.Printf("[IndexTranslogOperations(%d)]: n=%d applied=%d", t.RecoveryID(), len(ops), n)
	return t.shard.LocalCheckpoint(), nil
}

func (t *RecoveryTarget) ReceiveFileInfo(ctx context.Context, names []string, sizes []int64, existingNames []string, existingSizes []int64, totalTranslogOps int64) error {
	if err := t.ensureActive(); err != nil {
		return err
	} else if len(names) != len(sizes) || len(existingNames) != len(existingSizes) {
		return fmt.Errorf("file names and sizes do not match")
	}
	for _, name := range append(append([]string(nil), names...), existingNames...) {
		if err := ValidateFileName(name); err != nil {
			return err
		}
	}

	if err := t.state.SetStage(StageFileCopy); err != nil {
		return err
	}
	t.state.SetTotalOperations(totalTranslogOps)

	t.mu.Lock()
	defer t.mu.Unlock()

	// A repeated file copy starts from scratch.
	if t.writer != nil {
		if err := t.writer.Close(); err != nil {
			return err
		}
	}
	t.writer = NewMultiFileWriter(t.shard.OS, t.shard.IndexPath(), t.RecoveryID(), t.state)

	t.state.ResetFiles()
	for i, name := range names {
		t.state.AddFile(name, sizes[i], false)
	}
	for i, name := range existingNames {
		t.state.AddFile(name, existingSizes[i], true)
	}
	return nil
}

func (t *RecoveryTarget) WriteFileChunk(ctx context.Context, md StoreFileMetadata, position int64, content []byte, lastChunk bool, totalTranslogOps int64) error {
	if err := t.ensureActive(); err != nil {
		return err
	}

	t.mu.Lock()
	w := t.writer
	t.mu.Unlock()
	if w == nil {
		return fmt.Errorf("file info not received for recovery %d", t.RecoveryID())
	}

	if err := w.WriteFileChunk(md, position, content, lastChunk); err != nil {
		return err
	}
	recoveryTargetBytesMetric.Add(float64(len(content)))
	return nil
}

func (t *RecoveryTarget) CleanFiles(ctx context.Context, totalTranslogOps, globalCheckpoint int64, sourceMetadata MetadataSnapshot) error {
	if err := t.ensureActive(); err != nil {
		return err
	}
	for _, name := range sourceMetadata.Names() {
		if err := ValidateFileName(name); err != nil {
			return err
		}
	}
	t.state.SetTotalOperations(totalTranslogOps)

	t.mu.Lock()
	w := t.writer
	t.mu.Unlock()

	if w != nil {
		if a := w.IncompleteFiles(); len(a) > 0 {
			return &MissingFileError{Name: a[0]}
		} else if err := w.RenameAllTempFiles(); err != nil {
			return err
		}
	}

	if err := t.shard.CleanFiles(sourceMetadata, globalCheckpoint); err != nil {
		return fmt.Errorf("clean files: %w", err)
	}
	return nil
}

// FinalizeRecovery is idempotent. A repeated request only raises the global
// checkpoint.
func (t *RecoveryTarget) FinalizeRecovery(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		if globalCheckpoint > t.finalizedGCP {
			t.shard.UpdateGlobalCheckpointOnReplica(globalCheckpoint)
			t.finalizedGCP = globalCheckpoint
		}
		return nil
	}

	if err := t.ensureActive(); err != nil {
		return err
	} else if err := t.state.SetStage(StageFinalize); err != nil {
		return err
	} else if err := t.shard.FinalizeRecovery(globalCheckpoint, trimAboveSeqNo); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	t.finalized, t.finalizedGCP = true, globalCheckpoint
	return nil
}

func (t *RecoveryTarget) HandoffPrimaryContext(ctx context.Context, pc PrimaryContext) error {
	if err := t.ensureActive(); err != nil {
		return err
	}
	if err := t.shard.ActivateWithPrimaryContext(pc, t.source.ID); err != nil {
		return fmt.Errorf("activate primary context: %w", err)
	}

	t.Logger.Info("primary context received",
		slog.String("shard", t.ShardID().String()),
		slog.Int64("term", pc.PrimaryTerm),
		slog.Int64("max_seq_no", pc.MaxSeqNo))
	return nil
}

func (t *RecoveryTarget) Cancel(ctx context.Context, reason string) error {
	t.Fail(fmt.Errorf("%w: %s", ErrRecoveryCancelled, reason))
	return nil
}

// MarkAsDone completes the recovery and removes any leftover temporary files.
func (t *RecoveryTarget) MarkAsDone() error {
	if err := t.state.SetStage(StageDone); err != nil {
		return err
	}
	t.close()
	recoveryTargetCountMetricVec.WithLabelValues("done").Inc()
	return nil
}

// Fail ends the recovery with err. Later requests for the recovery are
// rejected and the temporary files are removed.
func (t *RecoveryTarget) Fail(err error) {
	if t.state.Stage().IsTerminal() {
		return
	}
	t.state.Fail(err)
	t.shard.AbortRecovery()
	t.close()
	recoveryTargetCountMetricVec.WithLabelValues("failed").Inc()

	t.Logger.Warn("recovery failed",
		slog.String("shard", t.ShardID().String()),
		slog.Int64("id", t.RecoveryID()),
		slog.Any("err", err))
}

func (t *RecoveryTarget) close() {
	t.mu.Lock()
	w := t.writer
	t.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			t.Logger.Warn("cannot remove temporary recovery files", slog.Any("err", err))
		}
	}
	t.once.Do(func() { close(t.done) })
}

// Recovery target metrics.
var (
	recoveryTargetCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratudb_recovery_target_count",
		Help: "Number of recoveries ended on the target by outcome.",
	}, []string{"outcome"})

	recoveryTargetBytesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_recovery_target_bytes",
		Help: "Number of file bytes received by recovery targets.",
	})

	recoveryTargetOperationCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_recovery_target_operation_count",
		Help: "Number of operations applied by recovery targets.",
	})
)
