package ratudb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/engine"
	"github.com/Ratu-Tech/RatuDB-sub003/internal"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/superfly/ltx"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// Default recovery source settings.
const (
	DefaultChunkSize               = 512 << 10
	DefaultMaxConcurrentFileChunks = 2
	DefaultMaxTranslogBatchOps     = 1000
	DefaultMaxTranslogBatchBytes   = 512 << 10
	DefaultMaxReplayRounds         = 5
	DefaultMappingRetryDelay       = 100 * time.Millisecond
	DefaultMappingRetryTimeout     = 30 * time.Second
	DefaultCancelTimeout           = 5 * time.Second
)

// RecoverySourceHandler drives a single recovery from the primary copy of a
// shard into a target copy. The target is reached only through the
// RecoveryTargetHandler interface.
type RecoverySourceHandler struct {
	shard   *Shard
	target  RecoveryTargetHandler
	req     *StartRecoveryRequest
	mapping MappingService
	lease   Lease
	state   *RecoveryState
	step    string

	// Size of each file chunk sent to the target.
	ChunkSize int64

	// Number of files sent concurrently.
	MaxConcurrentFileChunks int

	// Limits of a single batch of translog operations.
	MaxTranslogBatchOps   int
	MaxTranslogBatchBytes int64

	// Number of replay rounds chasing concurrent writes before the source
	// falls back to resyncing files.
	MaxReplayRounds int

	// Backoff while the target's mapping is older than the primary's.
	MappingRetryDelay   time.Duration
	MappingRetryTimeout time.Duration

	Logger *slog.Logger
}

// NewRecoverySourceHandler returns a handler recovering shard into target.
// The mapping service and primary lease are optional. A lease is required to
// hand primary leadership over at the end of a relocation.
func NewRecoverySourceHandler(shard *Shard, target RecoveryTargetHandler, req *StartRecoveryRequest, mapping MappingService, lease Lease) *RecoverySourceHandler {
	return &RecoverySourceHandler{
		shard:   shard,
		target:  target,
		req:     req,
		mapping: mapping,
		lease:   lease,
		state:   NewRecoveryState(req.RecoveryID, req.ShardID, req.SourceNode, req.TargetNode, req.PrimaryRelocation),

		ChunkSize:               DefaultChunkSize,
		MaxConcurrentFileChunks: DefaultMaxConcurrentFileChunks,
		MaxTranslogBatchOps:     DefaultMaxTranslogBatchOps,
		MaxTranslogBatchBytes:   DefaultMaxTranslogBatchBytes,
		MaxReplayRounds:         DefaultMaxReplayRounds,
		MappingRetryDelay:       DefaultMappingRetryDelay,
		MappingRetryTimeout:     DefaultMappingRetryTimeout,

		Logger: shard.Logger,
	}
}

// State returns the source-side progress of the recovery.
func (h *RecoverySourceHandler) State() *RecoveryState { return h.state }

// Recover runs the recovery to completion. Every failure is returned as a
// *RecoveryFailedError naming the step that failed.
func (h *RecoverySourceHandler) Recover(ctx context.Context) (_ *RecoveryResponse, retErr error) {
	t := time.Now()
	targetID := h.req.TargetNode.ID
	relocation := h.req.PrimaryRelocation

	resp := &RecoveryResponse{
		StartingSeqNo: seqno.UnassignedSeqNo,
		EndingSeqNo:   seqno.UnassignedSeqNo,
	}

	var handoffStarted, handedOff bool
	defer func() {
		if retErr == nil {
			return
		}

		if handoffStarted && !handedOff {
			h.shard.AbortRelocationHandoff()
		}
		if !handedOff {
			h.shard.Tracker().RemoveTracking(targetID)
		}
		h.cancelTarget(retErr)

		var rfe *RecoveryFailedError
		if !errors.As(retErr, &rfe) {
			retErr = &RecoveryFailedError{
				ShardID: h.req.ShardID,
				Source:  h.req.SourceNode,
				Target:  h.req.TargetNode,
				Extra:   h.step,
				Err:     retErr,
			}
		}
		h.state.Fail(retErr)
		recoverySourceCountMetricVec.WithLabelValues("failed").Inc()
	}()

	h.step = "validate"
	if err := h.validate(); err != nil {
		return nil, err
	}
	h.shard.Tracker().InitiateTracking(targetID)

	// Skip the file copy if the target shares our history and every
	// operation it is missing is still in the translog.
	h.step = "acquire history"
	startingSeqNo := seqno.UnassignedSeqNo
	if h.req.StartingSeqNo >= 0 && h.req.MetadataSnapshot.HistoryUUID() == h.shard.HistoryUUID() {
		ok, err := h.shard.AcquireHistoryRetention(targetID, h.req.StartingSeqNo)
		if err != nil {
			return nil, err
		} else if ok {
			startingSeqNo = h.req.StartingSeqNo
		}
	}

	if startingSeqNo == seqno.UnassignedSeqNo {
		var err error
		if startingSeqNo, err = h.phase1(ctx, resp); err != nil {
			return nil, err
		}
	} else {
		h.Logger.Info("operation-based recovery",
			slog.String("shard", h.req.ShardID.String()),
			slog.String("target", targetID),
			slog.Int64("starting_seq_no", startingSeqNo))
	}
	resp.StartingSeqNo = startingSeqNo

	if err := h.prepareTarget(ctx, startingSeqNo); err != nil {
		return nil, err
	}

	// Chase concurrent writes for a bounded number of rounds. If writes keep
	// outpacing the replay, copy files again once and chase from the new
	// commit. Relocations skip the resync since their final round blocks
	// writes anyway.
	from, converged, err := h.replayRounds(ctx, resp, startingSeqNo)
	if err != nil {
		return nil, err
	} else if !converged && !relocation {
		h.Logger.Info("replay did not converge, resyncing files",
			slog.String("shard", h.req.ShardID.String()),
			slog.String("target", targetID),
			slog.Int("rounds", h.MaxReplayRounds))

		if startingSeqNo, err = h.phase1(ctx, resp); err != nil {
			return nil, err
		}
		resp.StartingSeqNo = startingSeqNo
		if err := h.prepareTarget(ctx, startingSeqNo); err != nil {
			return nil, err
		}
		if from, _, err = h.replayRounds(ctx, resp, startingSeqNo); err != nil {
			return nil, err
		}
	}

	// Send the tail with writes blocked so the target is exactly caught up
	// when it is marked in-sync.
	h.step = "block operations"
	var permit *Permit
	if relocation {
		if err := h.shard.StartRelocationHandoff(ctx); err != nil {
			return nil, err
		}
		handoffStarted = true
	} else {
		if permit, err = h.shard.Permits().Block(ctx); err != nil {
			return nil, fmt.Errorf("block operations: %w", err)
		}
	}

	endingSeqNo, targetLCP, err := h.replay(ctx, resp, from)
	if err == nil {
		h.step = "mark in-sync"
		err = h.shard.Tracker().MarkAllocationIDAsInSync(targetID, targetLCP)
	}
	if permit != nil {
		permit.Release()
	}
	if err != nil {
		return nil, err
	}
	resp.EndingSeqNo = endingSeqNo

	h.step = "finalize"
	if err := h.state.SetStage(StageFinalize); err != nil {
		return nil, err
	} else if err := h.target.FinalizeRecovery(ctx, h.shard.GlobalCheckpoint(), endingSeqNo); err != nil {
		return nil, err
	} else if err := h.shard.RenewPeerRecoveryRetentionLease(targetID, targetLCP+1); err != nil {
		return nil, err
	}

	if relocation {
		h.step = "handoff primary context"
		var leaseID string
		if h.lease != nil {
			leaseID = h.lease.ID()
		}
		pc, err := h.shard.PrimaryContext(leaseID)
		if err != nil {
			return nil, err
		} else if err := h.target.HandoffPrimaryContext(ctx, pc); err != nil {
			return nil, err
		}
		h.shard.CompleteRelocationHandoff()
		handedOff = true

		if h.lease != nil {
			if err := h.lease.Handoff(ctx, targetID); err != nil {
				h.Logger.Warn("primary lease handoff failed", slog.String("shard", h.req.ShardID.String()), slog.Any("err", err))
			}
		}
	}

	if err := h.state.SetStage(StageDone); err != nil {
		return nil, err
	}
	resp.Took = time.Since(t)
	recoverySourceCountMetricVec.WithLabelValues("done").Inc()
	recoverySourceSecondsMetric.Observe(resp.Took.Seconds())

	h.Logger.Info("recovery complete",
		slog.String("shard", h.req.ShardID.String()),
		slog.String("target", targetID),
		slog.Int64("starting_seq_no", resp.StartingSeqNo),
		slog.Int64("ending_seq_no", resp.EndingSeqNo),
		slog.Int("phase1_files", len(resp.PhaseOneFileNames)),
		slog.Int64("phase2_ops", resp.PhaseTwoOperations),
		slog.Duration("elapsed", resp.Took))
	return resp, nil
}

func (h *RecoverySourceHandler) validate() error {
	switch {
	case h.req.ShardID != h.shard.ID():
		return ErrShardNotFound
	case h.shard.State() == ShardStateRelocated:
		return ErrShardRelocated
	case !h.shard.IsPrimary():
		return ErrNotPrimary
	case h.req.PrimaryTerm > h.shard.PrimaryTerm():
		return fmt.Errorf("target primary term %d is newer than source term %d: %w", h.req.PrimaryTerm, h.shard.PrimaryTerm(), ErrNotPrimary)
	case h.req.TargetNode.ID == "" || h.req.TargetNode.ID == h.shard.NodeID():
		return fmt.Errorf("invalid target node %q", h.req.TargetNode.ID)
	}
	return nil
}

// phase1 copies the files of a fresh commit that the target does not hold
// and returns the first sequence number not covered by the commit.
func (h *RecoverySourceHandler) phase1(ctx context.Context, resp *RecoveryResponse) (int64, error) {
	h.step = "phase1"
	if err := h.state.SetStage(StageFileCopy); err != nil {
		return 0, err
	}

	ref, err := h.shard.FlushAndAcquireCommitForRecovery(h.req.TargetNode.ID)
	if err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}
	defer ref.Release()

	source := ref.Metadata
	startingSeqNo := source.LocalCheckpoint() + 1
	totalOps := h.shard.EstimateTotalOperations(startingSeqNo)

	diff := source.RecoveryDiff(h.req.MetadataSnapshot)
	toSend := append(append([]StoreFileMetadata(nil), diff.Different...), diff.Missing...)

	resp.PhaseOneFileNames, resp.PhaseOneFileSizes, resp.PhaseOneTotalSize = nil, nil, 0
	resp.PhaseOneExistingFileNames, resp.PhaseOneExistingFileSizes, resp.PhaseOneExistingTotalSize = nil, nil, 0

	h.state.ResetFiles()
	for _, md := range toSend {
		resp.PhaseOneFileNames = append(resp.PhaseOneFileNames, md.Name)
		resp.PhaseOneFileSizes = append(resp.PhaseOneFileSizes, md.Length)
		resp.PhaseOneTotalSize += md.Length
		h.state.AddFile(md.Name, md.Length, false)
	}
	for _, md := range diff.Identical {
		resp.PhaseOneExistingFileNames = append(resp.PhaseOneExistingFileNames, md.Name)
		resp.PhaseOneExistingFileSizes = append(resp.PhaseOneExistingFileSizes, md.Length)
		resp.PhaseOneExistingTotalSize += md.Length
		h.state.AddFile(md.Name, md.Length, true)
	}

	h.step = "phase1: file info"
	if err := h.target.ReceiveFileInfo(ctx, resp.PhaseOneFileNames, resp.PhaseOneFileSizes, resp.PhaseOneExistingFileNames, resp.PhaseOneExistingFileSizes, totalOps); err != nil {
		return 0, err
	}

	h.step = "phase1: send files"
	if err := h.sendFiles(ctx, toSend, totalOps); err != nil {
		return 0, err
	}

	h.step = "phase1: clean files"
	if err := h.target.CleanFiles(ctx, totalOps, h.shard.GlobalCheckpoint(), source); err != nil {
		return 0, err
	}

	h.Logger.Info("phase1 complete",
		slog.String("shard", h.req.ShardID.String()),
		slog.String("target", h.req.TargetNode.ID),
		slog.Int("files", len(toSend)),
		slog.Int64("bytes", resp.PhaseOneTotalSize),
		slog.Int("reused_files", len(diff.Identical)),
		slog.Int64("reused_bytes", resp.PhaseOneExistingTotalSize))
	return startingSeqNo, nil
}

// sendFiles sends files concurrently. Chunks of a single file are sent in order.
func (h *RecoverySourceHandler) sendFiles(ctx context.Context, files []StoreFileMetadata, totalOps int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, h.MaxConcurrentFileChunks))
	for _, md := range files {
		md := md
		g.Go(func() error { return h.sendFile(ctx, md, totalOps) })
	}
	return g.Wait()
}

func (h *RecoverySourceHandler) sendFile(ctx context.Context, md StoreFileMetadata, totalOps int64) error {
	f, err := h.shard.OpenIndexFile(md.Name)
	if err != nil {
		return fmt.Errorf("open %s: %w", md.Name, err)
	}
	defer func() { _ = f.Close() }()

	// Verify the file while reading it so local corruption is never shipped.
	hash := ltx.NewHasher()
	fi := FileInfo{Metadata: md, PartSize: h.ChunkSize}
	for i, n := 0, fi.NumberOfParts(); i < n; i++ {
		buf := make([]byte, fi.PartBytes(i))
		if _, err := internal.ReadFullAt(f, buf, fi.PartOffset(i)); err != nil {
			return fmt.Errorf("read %s: %w", fi.PartName(i), err)
		}
		_, _ = hash.Write(buf)

		lastChunk := i == n-1
		if lastChunk {
			if chksum := ltx.ChecksumFlag | ltx.Checksum(hash.Sum64()); chksum != md.Checksum {
				return &CorruptedFileError{Name: md.Name, Reason: fmt.Sprintf("local checksum mismatch: %016x <> %016x", uint64(chksum), uint64(md.Checksum))}
			}
		}

		if err := h.target.WriteFileChunk(ctx, md, fi.PartOffset(i), buf, lastChunk, totalOps); err != nil {
			return fmt.Errorf("send %s: %w", fi.PartName(i), err)
		}
		h.state.AddRecoveredBytes(md.Name, int64(len(buf)))
		recoverySourceBytesMetric.Add(float64(len(buf)))
	}
	return nil
}

func (h *RecoverySourceHandler) prepareTarget(ctx context.Context, startingSeqNo int64) error {
	h.step = "prepare target"
	totalOps := h.shard.EstimateTotalOperations(startingSeqNo)
	h.state.SetTotalOperations(totalOps)
	if err := h.state.SetStage(StageTranslogReplay); err != nil {
		return err
	}
	return h.target.PrepareForTranslogOperations(ctx, totalOps)
}

// replayRounds replays operations from fromSeqNo until the source's local
// checkpoint stops moving or MaxReplayRounds is reached. Returns the next
// sequence number to replay and whether the replay caught up.
func (h *RecoverySourceHandler) replayRounds(ctx context.Context, resp *RecoveryResponse, fromSeqNo int64) (int64, bool, error) {
	for round := 0; round < h.MaxReplayRounds; round++ {
		toSeqNo, _, err := h.replay(ctx, resp, fromSeqNo)
		if err != nil {
			return 0, false, err
		}
		fromSeqNo = toSeqNo + 1

		if h.shard.LocalCheckpoint() < fromSeqNo {
			return fromSeqNo, true, nil
		}
		recoveryReplayRoundCountMetric.Inc()
	}
	return fromSeqNo, false, nil
}

// replay sends the operations from fromSeqNo up to the current local
// checkpoint. At least one batch is sent, even if empty, so the target adopts
// the primary's leases and returns its local checkpoint. Returns the last
// sequence number covered and the target's local checkpoint.
func (h *RecoverySourceHandler) replay(ctx context.Context, resp *RecoveryResponse, fromSeqNo int64) (toSeqNo, targetLCP int64, err error) {
	h.step = "phase2"

	stats, err := h.shard.RecoveryCheckpoint()
	if err != nil {
		return 0, 0, err
	}

	snap, err := h.shard.NewRecoverySnapshot(fromSeqNo)
	if err != nil {
		return 0, 0, fmt.Errorf("translog snapshot: %w", err)
	}
	defer func() { _ = snap.Close() }()

	totalOps := int64(snap.TotalOperations())
	var batch []*translog.Operation
	var batchSize int64
	var sent, batches int

	send := func() error {
		lcp, err := h.sendBatch(ctx, batch, totalOps, stats)
		if err != nil {
			return err
		}
		targetLCP = lcp
		sent += len(batch)
		batches++
		batch, batchSize = nil, 0
		return nil
	}

	for {
		op, err := snap.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, 0, fmt.Errorf("read translog: %w", err)
		}

		batch = append(batch, op)
		batchSize += op.EstimateSize()
		if len(batch) >= h.MaxTranslogBatchOps || batchSize >= h.MaxTranslogBatchBytes {
			if err := send(); err != nil {
				return 0, 0, err
			}
		}
	}
	if len(batch) > 0 || batches == 0 {
		if err := send(); err != nil {
			return 0, 0, err
		}
	}

	if expected := snap.ToSeqNo - snap.FromSeqNo + 1; expected > 0 && int64(sent) != expected {
		return 0, 0, fmt.Errorf("translog is missing operations in [%d, %d]: sent %d of %d", snap.FromSeqNo, snap.ToSeqNo, sent, expected)
	}

	resp.PhaseTwoOperations += int64(sent)
	TraceLog.Printf("[Replay(%s)]: from=%d to=%d sent=%d batches=%d target_lcp=%d", h.req.ShardID, snap.FromSeqNo, snap.ToSeqNo, sent, batches, targetLCP)
	return snap.ToSeqNo, targetLCP, nil
}

// sendBatch sends a batch of operations and retries in place while the
// target's mapping is older than the primary's.
func (h *RecoverySourceHandler) sendBatch(ctx context.Context, ops []*translog.Operation, totalOps int64, stats engine.Stats) (int64, error) {
	var mappingVersion int64
	if h.mapping != nil {
		v, err := h.mapping.MappingVersion(ctx, h.req.ShardID.Index)
		if err != nil {
			return 0, fmt.Errorf("mapping version: %w", err)
		}
		mappingVersion = v
	}

	var deadline time.Time
	for {
		lcp, err := h.target.IndexTranslogOperations(ctx, ops, totalOps, stats.MaxUnsafeAutoIDTimestamp, stats.MaxSeqNoOfUpdatesOrDeletes, h.shard.RetentionLeases(), mappingVersion)
		if err == nil {
			h.state.IncrementRecoveredOperations(len(ops))
			return lcp, nil
		} else if !errors.Is(err, ErrMappingTooStale) {
			return 0, err
		}

		if deadline.IsZero() {
			deadline = time.Now().Add(h.MappingRetryTimeout)
		} else if time.Now().After(deadline) {
			return 0, fmt.Errorf("mapping did not catch up within %s: %w", h.MappingRetryTimeout, err)
		}
		recoveryMappingRetryCountMetric.Inc()

		timer := time.NewTimer(h.MappingRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

// cancelTarget asks the target to drop the recovery. Errors are ignored; the
// target discards the recovery on its own once it fails.
func (h *RecoverySourceHandler) cancelTarget(reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCancelTimeout)
	defer cancel()
	if err := h.target.Cancel(ctx, reason.Error()); err != nil {
		TraceLog.Printf("[CancelTarget(%s)]: %s", h.req.ShardID, err)
	}
}

// Recovery source metrics.
var (
	recoverySourceCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratudb_recovery_source_count",
		Help: "Number of recoveries ended on the source by outcome.",
	}, []string{"outcome"})

	recoverySourceSecondsMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ratudb_recovery_source_seconds",
		Help: "Time taken by successful recoveries.",
	})

	recoverySourceBytesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_recovery_source_bytes",
		Help: "Number of file bytes sent by recovery sources.",
	})

	recoveryReplayRoundCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_recovery_replay_round_count",
		Help: "Number of extra replay rounds caused by concurrent writes.",
	})

	recoveryMappingRetryCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_recovery_mapping_retry_count",
		Help: "Number of translog batches retried because of a stale target mapping.",
	})
)
