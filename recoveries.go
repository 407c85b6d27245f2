package ratudb

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"github.com/puzpuzpuz/xsync/v3"
)

// RecoveriesCollection holds the ongoing recoveries targeting this node.
// Recovery ids are never reused so requests from an earlier attempt cannot
// reach a later one.
type RecoveriesCollection struct {
	nextID  atomic.Int64
	targets *xsync.MapOf[int64, *RecoveryTarget]
}

// NewRecoveriesCollection returns an empty collection.
func NewRecoveriesCollection() *RecoveriesCollection {
	c := &RecoveriesCollection{targets: xsync.NewMapOf[int64, *RecoveryTarget]()}
	c.nextID.Store(time.Now().UnixNano())
	return c
}

// Start registers a new recovery of shard from source and returns its target.
func (c *RecoveriesCollection) Start(shard *Shard, source, target Node, primaryRelocation bool, mapping MappingService) *RecoveryTarget {
	t := NewRecoveryTarget(c.nextID.Add(1), shard, source, target, primaryRelocation, mapping)
	c.targets.Store(t.RecoveryID(), t)
	return t
}

// Get returns the ongoing recovery with the given id.
func (c *RecoveriesCollection) Get(recoveryID int64) (*RecoveryTarget, error) {
	t, ok := c.targets.Load(recoveryID)
	if !ok {
		return nil, ErrRecoveryNotFound
	}
	return t, nil
}

// GetForShard returns the ongoing recovery with the given id if it recovers shardID.
func (c *RecoveriesCollection) GetForShard(recoveryID int64, shardID ShardID) (*RecoveryTarget, error) {
	t, err := c.Get(recoveryID)
	if err != nil {
		return nil, err
	} else if t.ShardID() != shardID {
		return nil, ErrRecoveryNotFound
	}
	return t, nil
}

// Remove unregisters a recovery. Later requests for it fail with ErrRecoveryNotFound.
func (c *RecoveriesCollection) Remove(recoveryID int64) {
	c.targets.Delete(recoveryID)
}

// Len returns the number of ongoing recoveries.
func (c *RecoveriesCollection) Len() int { return c.targets.Size() }

// Targets returns the ongoing recoveries ordered by id.
func (c *RecoveriesCollection) Targets() []*RecoveryTarget {
	var a []*RecoveryTarget
	c.targets.Range(func(_ int64, t *RecoveryTarget) bool {
		a = append(a, t)
		return true
	})
	sort.Slice(a, func(i, j int) bool { return a[i].RecoveryID() < a[j].RecoveryID() })
	return a
}

// Handler returns a handler that resolves the recovery on every request so
// that requests arriving after the recovery ended fail with ErrRecoveryNotFound.
func (c *RecoveriesCollection) Handler(recoveryID int64, shardID ShardID) RecoveryTargetHandler {
	return &recoveryRef{c: c, recoveryID: recoveryID, shardID: shardID}
}

type recoveryRef struct {
	c          *RecoveriesCollection
	recoveryID int64
	shardID    ShardID
}

func (r *recoveryRef) target() (*RecoveryTarget, error) {
	return r.c.GetForShard(r.recoveryID, r.shardID)
}

func (r *recoveryRef) PrepareForTranslogOperations(ctx context.Context, totalTranslogOps int64) error {
	t, err := r.target()
	if err != nil {
		return err
	}
	return t.PrepareForTranslogOperations(ctx, totalTranslogOps)
}

func (r *recoveryRef) ForceSegmentFileSync(ctx context.Context) error {
	t, err := r.target()
	if err != nil {
		return err
	}
	return t.ForceSegmentFileSync(ctx)
}

func (r *recoveryRef) IndexTranslogOperations(ctx context.Context, ops []*translog.Operation, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary int64, leases seqno.RetentionLeases, mappingVersionOnPrimary int64) (int64, error) {
	t, err := r.target()
	if err != nil {
		return 0, err
	}
	return t.IndexTranslogOperations(ctx, ops, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary, leases, mappingVersionOnPrimary)
}

func (r *recoveryRef) ReceiveFileInfo(ctx context.Context, names []string, sizes []int64, existingNames []string, existingSizes []int64, totalTranslogOps int64) error {
	t, err := r.target()
	if err != nil {
		return err
	}
	return t.ReceiveFileInfo(ctx, names, sizes, existingNames, existingSizes, totalTranslogOps)
}

func (r *recoveryRef) WriteFileChunk(ctx context.Context, md StoreFileMetadata, position int64, content []byte, lastChunk bool, totalTranslogOps int64) error {
	t, err := r.target()
	if err != nil {
		return err
	}
	return t.WriteFileChunk(ctx, md, position, content, lastChunk, totalTranslogOps)
}

func (r *recoveryRef) CleanFiles(ctx context.Context, totalTranslogOps, globalCheckpoint int64, sourceMetadata MetadataSnapshot) error {
	t, err := r.target()
	if err != nil {
		return err
	}
	return t.CleanFiles(ctx, totalTranslogOps, globalCheckpoint, sourceMetadata)
}

func (r *recoveryRef) FinalizeRecovery(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64) error {
	t, err := r.target()
	if err != nil {
		return err
	}
	return t.FinalizeRecovery(ctx, globalCheckpoint, trimAboveSeqNo)
}

func (r *recoveryRef) HandoffPrimaryContext(ctx context.Context, pc PrimaryContext) error {
	t, err := r.target()
	if err != nil {
		return err
	}
	return t.HandoffPrimaryContext(ctx, pc)
}

func (r *recoveryRef) Cancel(ctx context.Context, reason string) error {
	t, err := r.target()
	if err != nil {
		return err
	}
	return t.Cancel(ctx, reason)
}
