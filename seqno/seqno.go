// Package seqno implements sequence number bookkeeping for a shard copy: the
// local checkpoint tracker and the retention lease table.
package seqno

import (
	"fmt"
	"sync"
)

const (
	// UnassignedSeqNo represents a sequence number that has not been assigned.
	UnassignedSeqNo int64 = -2

	// NoOpsPerformed is the checkpoint of a shard that has no operations.
	NoOpsPerformed int64 = -1
)

// Stats represents a point-in-time view of the sequence numbers of a shard copy.
type Stats struct {
	MaxSeqNo         int64 `json:"max_seq_no"`
	LocalCheckpoint  int64 `json:"local_checkpoint"`
	GlobalCheckpoint int64 `json:"global_checkpoint"`
}

// LocalCheckpointTracker tracks processed sequence numbers and computes the
// local checkpoint: the highest sequence number below which every sequence
// number has been processed.
type LocalCheckpointTracker struct {
	mu         sync.Mutex
	nextSeqNo  int64
	checkpoint int64
	processed  map[int64]struct{} // seqNos above checkpoint
}

// NewLocalCheckpointTracker returns a tracker starting at the given maximum
// sequence number and local checkpoint.
func NewLocalCheckpointTracker(maxSeqNo, localCheckpoint int64) *LocalCheckpointTracker {
	if localCheckpoint < NoOpsPerformed {
		panic(fmt.Sprintf("invalid local checkpoint: %d", localCheckpoint))
	} else if maxSeqNo < localCheckpoint {
		panic(fmt.Sprintf("max seqNo (%d) below local checkpoint (%d)", maxSeqNo, localCheckpoint))
	}
	return &LocalCheckpointTracker{
		nextSeqNo:  maxSeqNo + 1,
		checkpoint: localCheckpoint,
		processed:  make(map[int64]struct{}),
	}
}

// GenerateSeqNo issues the next sequence number.
func (t *LocalCheckpointTracker) GenerateSeqNo() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seqNo := t.nextSeqNo
	t.nextSeqNo++
	return seqNo
}

// AdvanceMaxSeqNo ensures the next generated sequence number is above seqNo.
func (t *LocalCheckpointTracker) AdvanceMaxSeqNo(seqNo int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextSeqNo <= seqNo {
		t.nextSeqNo = seqNo + 1
	}
}

// MarkSeqNoAsProcessed marks seqNo as processed and advances the checkpoint
// over any contiguous range of processed sequence numbers.
func (t *LocalCheckpointTracker) MarkSeqNoAsProcessed(seqNo int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nextSeqNo <= seqNo {
		t.nextSeqNo = seqNo + 1
	}
	if seqNo <= t.checkpoint {
		return
	}

	t.processed[seqNo] = struct{}{}
	for {
		if _, ok := t.processed[t.checkpoint+1]; !ok {
			break
		}
		delete(t.processed, t.checkpoint+1)
		t.checkpoint++
	}
}

// HasProcessed returns true if seqNo has been marked as processed.
func (t *LocalCheckpointTracker) HasProcessed(seqNo int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seqNo <= t.checkpoint {
		return true
	}
	_, ok := t.processed[seqNo]
	return ok
}

// ProcessedCheckpoint returns the local checkpoint.
func (t *LocalCheckpointTracker) ProcessedCheckpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpoint
}

// MaxSeqNo returns the highest sequence number issued or processed.
func (t *LocalCheckpointTracker) MaxSeqNo() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextSeqNo - 1
}
