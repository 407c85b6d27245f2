package ratudb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
)

// CheckpointState is the primary's view of a single shard copy.
type CheckpointState struct {
	LocalCheckpoint  int64 `json:"local-checkpoint"`
	GlobalCheckpoint int64 `json:"global-checkpoint"`
	InSync           bool  `json:"in-sync"`
}

// PrimaryContext is the sequence number and in-sync state handed from a
// relocating primary to its relocation target. The target continues the
// sequence number order from MaxSeqNo with no gap.
type PrimaryContext struct {
	ClusterStateVersion int64
	PrimaryTerm         int64
	MaxSeqNo            int64
	GlobalCheckpoint    int64
	Checkpoints         map[string]CheckpointState // by allocation id
	RetentionLeases     seqno.RetentionLeases
	LeaseID             string // primary lease to reacquire, if any
}

// InSync returns the sorted allocation ids of in-sync copies.
func (pc *PrimaryContext) InSync() []string {
	var a []string
	for id, cs := range pc.Checkpoints {
		if cs.InSync {
			a = append(a, id)
		}
	}
	sort.Strings(a)
	return a
}

// ReplicationTracker tracks the local checkpoints of every copy of a shard
// while in primary mode and derives the global checkpoint from the in-sync
// copies. On a replica it only holds the global checkpoint received from the
// primary.
type ReplicationTracker struct {
	mu                  sync.Mutex
	allocationID        string
	primaryMode         bool
	handoffInProgress   bool
	relocated           bool
	clusterStateVersion int64
	globalCheckpoint    int64
	checkpoints         map[string]*CheckpointState
}

// NewReplicationTracker returns a tracker for the copy with the given allocation id.
func NewReplicationTracker(allocationID string, globalCheckpoint int64) *ReplicationTracker {
	return &ReplicationTracker{
		allocationID:     allocationID,
		globalCheckpoint: globalCheckpoint,
		checkpoints:      make(map[string]*CheckpointState),
	}
}

// AllocationID returns the allocation id of the local copy.
func (t *ReplicationTracker) AllocationID() string { return t.allocationID }

// IsPrimaryMode returns true if the tracker is tracking copies as primary.
func (t *ReplicationTracker) IsPrimaryMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primaryMode
}

// IsRelocated returns true once a relocation handoff has completed.
func (t *ReplicationTracker) IsRelocated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.relocated
}

// ActivatePrimaryMode starts tracking as primary with the local copy in-sync.
func (t *ReplicationTracker) ActivatePrimaryMode(localCheckpoint int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	assert(!t.relocated, "cannot activate primary mode on a relocated copy")
	t.primaryMode = true
	t.checkpoints[t.allocationID] = &CheckpointState{
		LocalCheckpoint:  localCheckpoint,
		GlobalCheckpoint: t.globalCheckpoint,
		InSync:           true,
	}
	t.updateGlobalCheckpointLocked()
}

// GlobalCheckpoint returns the global checkpoint.
func (t *ReplicationTracker) GlobalCheckpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalCheckpoint
}

// UpdateGlobalCheckpointOnReplica raises the global checkpoint to the value
// received from the primary.
func (t *ReplicationTracker) UpdateGlobalCheckpointOnReplica(gcp int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.primaryMode && gcp > t.globalCheckpoint {
		t.globalCheckpoint = gcp
	}
}

// InitiateTracking starts tracking the local checkpoint of a recovering copy.
// The copy does not hold back the global checkpoint until it is in-sync.
func (t *ReplicationTracker) InitiateTracking(allocationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.checkpoints[allocationID]; !ok {
		t.checkpoints[allocationID] = &CheckpointState{
			LocalCheckpoint:  seqno.UnassignedSeqNo,
			GlobalCheckpoint: seqno.UnassignedSeqNo,
		}
	}
}

// RemoveTracking stops tracking a copy. The local copy cannot be removed.
func (t *ReplicationTracker) RemoveTracking(allocationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if allocationID == t.allocationID {
		return
	}
	delete(t.checkpoints, allocationID)
	t.updateGlobalCheckpointLocked()
}

// UpdateLocalCheckpoint records the local checkpoint of a tracked copy.
// Checkpoints never move backward.
func (t *ReplicationTracker) UpdateLocalCheckpoint(allocationID string, lcp int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.checkpoints[allocationID]
	if !ok {
		return
	}
	if lcp > cs.LocalCheckpoint {
		cs.LocalCheckpoint = lcp
	}
	t.updateGlobalCheckpointLocked()
}

// MarkAllocationIDAsInSync marks a tracked copy as in-sync. The copy must
// have processed every operation up to the current global checkpoint.
func (t *ReplicationTracker) MarkAllocationIDAsInSync(allocationID string, lcp int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.primaryMode {
		return ErrNotPrimary
	}
	cs, ok := t.checkpoints[allocationID]
	if !ok {
		return fmt.Errorf("allocation %q is not tracked", allocationID)
	}
	if lcp > cs.LocalCheckpoint {
		cs.LocalCheckpoint = lcp
	}
	if cs.LocalCheckpoint < t.globalCheckpoint {
		return fmt.Errorf("allocation %q local checkpoint %d is below global checkpoint %d", allocationID, cs.LocalCheckpoint, t.globalCheckpoint)
	}
	cs.InSync = true
	t.updateGlobalCheckpointLocked()
	return nil
}

// Checkpoints returns a copy of the tracked checkpoints.
func (t *ReplicationTracker) Checkpoints() map[string]CheckpointState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpointsLocked()
}

func (t *ReplicationTracker) checkpointsLocked() map[string]CheckpointState {
	m := make(map[string]CheckpointState, len(t.checkpoints))
	for id, cs := range t.checkpoints {
		m[id] = *cs
	}
	return m
}

func (t *ReplicationTracker) updateGlobalCheckpointLocked() {
	if !t.primaryMode {
		return
	}

	min, found := int64(0), false
	for _, cs := range t.checkpoints {
		if !cs.InSync {
			continue
		}
		if !found || cs.LocalCheckpoint < min {
			min, found = cs.LocalCheckpoint, true
		}
	}
	if found && min > t.globalCheckpoint {
		t.globalCheckpoint = min
	}
	if cs := t.checkpoints[t.allocationID]; cs != nil {
		cs.GlobalCheckpoint = t.globalCheckpoint
	}
}

// StartRelocationHandoff captures the primary context. The caller must have
// blocked all write operations so the context cannot change until the
// handoff is completed or aborted.
func (t *ReplicationTracker) StartRelocationHandoff(primaryTerm, maxSeqNo int64, leases seqno.RetentionLeases, leaseID string) (PrimaryContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.primaryMode {
		return PrimaryContext{}, ErrNotPrimary
	} else if t.handoffInProgress {
		return PrimaryContext{}, fmt.Errorf("relocation handoff already in progress")
	}
	t.handoffInProgress = true
	t.clusterStateVersion++

	return PrimaryContext{
		ClusterStateVersion: t.clusterStateVersion,
		PrimaryTerm:         primaryTerm,
		MaxSeqNo:            maxSeqNo,
		GlobalCheckpoint:    t.globalCheckpoint,
		Checkpoints:         t.checkpointsLocked(),
		RetentionLeases:     leases,
		LeaseID:             leaseID,
	}, nil
}

// AbortRelocationHandoff returns to normal primary mode.
func (t *ReplicationTracker) AbortRelocationHandoff() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handoffInProgress = false
}

// CompleteRelocationHandoff leaves primary mode. The tracker keeps only the
// relocated marker; it holds no reference to the new primary.
func (t *ReplicationTracker) CompleteRelocationHandoff() {
	t.mu.Lock()
	defer t.mu.Unlock()

	assert(t.handoffInProgress, "relocation handoff not started")
	t.handoffInProgress = false
	t.primaryMode = false
	t.relocated = true
}

// ActivateWithPrimaryContext takes over primary mode from a relocation source.
func (t *ReplicationTracker) ActivateWithPrimaryContext(pc PrimaryContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.primaryMode {
		return fmt.Errorf("copy %q is already in primary mode", t.allocationID)
	}
	cs, ok := pc.Checkpoints[t.allocationID]
	if !ok || !cs.InSync {
		return fmt.Errorf("copy %q is not in-sync in the primary context", t.allocationID)
	}

	t.checkpoints = make(map[string]*CheckpointState, len(pc.Checkpoints))
	for id, cs := range pc.Checkpoints {
		cs := cs
		t.checkpoints[id] = &cs
	}
	t.clusterStateVersion = pc.ClusterStateVersion
	if pc.GlobalCheckpoint > t.globalCheckpoint {
		t.globalCheckpoint = pc.GlobalCheckpoint
	}
	t.primaryMode = true
	t.updateGlobalCheckpointLocked()
	return nil
}
