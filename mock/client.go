package mock

import (
	"context"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
)

var _ ratudb.Client = (*Client)(nil)

type Client struct {
	StartRecoveryFunc  func(ctx context.Context, sourceURL string, req *ratudb.StartRecoveryRequest) (*ratudb.RecoveryResponse, error)
	RecoveryTargetFunc func(targetURL string, recoveryID int64, shardID ratudb.ShardID) ratudb.RecoveryTargetHandler
}

func (c *Client) StartRecovery(ctx context.Context, sourceURL string, req *ratudb.StartRecoveryRequest) (*ratudb.RecoveryResponse, error) {
	return c.StartRecoveryFunc(ctx, sourceURL, req)
}

func (c *Client) RecoveryTarget(targetURL string, recoveryID int64, shardID ratudb.ShardID) ratudb.RecoveryTargetHandler {
	return c.RecoveryTargetFunc(targetURL, recoveryID, shardID)
}

var _ ratudb.RecoveryTargetHandler = (*RecoveryTargetHandler)(nil)

// RecoveryTargetHandler is a recovery target whose steps are set per test.
// Steps without a func succeed.
type RecoveryTargetHandler struct {
	PrepareForTranslogOperationsFunc func(ctx context.Context, totalTranslogOps int64) error
	ForceSegmentFileSyncFunc         func(ctx context.Context) error
	IndexTranslogOperationsFunc      func(ctx context.Context, ops []*translog.Operation, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary int64, leases seqno.RetentionLeases, mappingVersionOnPrimary int64) (int64, error)
	ReceiveFileInfoFunc              func(ctx context.Context, names []string, sizes []int64, existingNames []string, existingSizes []int64, totalTranslogOps int64) error
	WriteFileChunkFunc               func(ctx context.Context, md ratudb.StoreFileMetadata, position int64, content []byte, lastChunk bool, totalTranslogOps int64) error
	CleanFilesFunc                   func(ctx context.Context, totalTranslogOps, globalCheckpoint int64, sourceMetadata ratudb.MetadataSnapshot) error
	FinalizeRecoveryFunc             func(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64) error
	HandoffPrimaryContextFunc        func(ctx context.Context, pc ratudb.PrimaryContext) error
	CancelFunc                       func(ctx context.Context, reason string) error
}

func (h *RecoveryTargetHandler) PrepareForTranslogOperations(ctx context.Context, totalTranslogOps int64) error {
	if h.PrepareForTranslogOperationsFunc == nil {
		return nil
	}
	return h.PrepareForTranslogOperationsFunc(ctx, totalTranslogOps)
}

func (h *RecoveryTargetHandler) ForceSegmentFileSync(ctx context.Context) error {
	if h.ForceSegmentFileSyncFunc == nil {
		return nil
	}
	return h.ForceSegmentFileSyncFunc(ctx)
}

func (h *RecoveryTargetHandler) IndexTranslogOperations(ctx context.Context, ops []*translog.Operation, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary int64, leases seqno.RetentionLeases, mappingVersionOnPrimary int64) (int64, error) {
	if h.IndexTranslogOperationsFunc == nil {
		return seqno.NoOpsPerformed, nil
	}
	return h.IndexTranslogOperationsFunc(ctx, ops, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary, leases, mappingVersionOnPrimary)
}

func (h *RecoveryTargetHandler) ReceiveFileInfo(ctx context.Context, names []string, sizes []int64, existingNames []string, existingSizes []int64, totalTranslogOps int64) error {
	if h.ReceiveFileInfoFunc == nil {
		return nil
	}
	return h.ReceiveFileInfoFunc(ctx, names, sizes, existingNames, existingSizes, totalTranslogOps)
}

func (h *RecoveryTargetHandler) WriteFileChunk(ctx context.Context, md ratudb.StoreFileMetadata, position int64, content []byte, lastChunk bool, totalTranslogOps int64) error {
	if h.WriteFileChunkFunc == nil {
		return nil
	}
	return h.WriteFileChunkFunc(ctx, md, position, content, lastChunk, totalTranslogOps)
}

func (h *RecoveryTargetHandler) CleanFiles(ctx context.Context, totalTranslogOps, globalCheckpoint int64, sourceMetadata ratudb.MetadataSnapshot) error {
	if h.CleanFilesFunc == nil {
		return nil
	}
	return h.CleanFilesFunc(ctx, totalTranslogOps, globalCheckpoint, sourceMetadata)
}

func (h *RecoveryTargetHandler) FinalizeRecovery(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64) error {
	if h.FinalizeRecoveryFunc == nil {
		return nil
	}
	return h.FinalizeRecoveryFunc(ctx, globalCheckpoint, trimAboveSeqNo)
}

func (h *RecoveryTargetHandler) HandoffPrimaryContext(ctx context.Context, pc ratudb.PrimaryContext) error {
	if h.HandoffPrimaryContextFunc == nil {
		return nil
	}
	return h.HandoffPrimaryContextFunc(ctx, pc)
}

func (h *RecoveryTargetHandler) Cancel(ctx context.Context, reason string) error {
	if h.CancelFunc == nil {
		return nil
	}
	return h.CancelFunc(ctx, reason)
}
