package seqno_test

import (
	"testing"

	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
)

func TestLocalCheckpointTracker(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		tracker := seqno.NewLocalCheckpointTracker(seqno.NoOpsPerformed, seqno.NoOpsPerformed)
		if got, want := tracker.ProcessedCheckpoint(), seqno.NoOpsPerformed; got != want {
			t.Fatalf("checkpoint=%d, want %d", got, want)
		} else if got, want := tracker.GenerateSeqNo(), int64(0); got != want {
			t.Fatalf("seqNo=%d, want %d", got, want)
		} else if got, want := tracker.MaxSeqNo(), int64(0); got != want {
			t.Fatalf("max=%d, want %d", got, want)
		}
	})

	t.Run("OutOfOrder", func(t *testing.T) {
		tracker := seqno.NewLocalCheckpointTracker(seqno.NoOpsPerformed, seqno.NoOpsPerformed)
		tracker.MarkSeqNoAsProcessed(2)
		tracker.MarkSeqNoAsProcessed(0)
		if got, want := tracker.ProcessedCheckpoint(), int64(0); got != want {
			t.Fatalf("checkpoint=%d, want %d", got, want)
		} else if !tracker.HasProcessed(2) {
			t.Fatal("expected seqNo 2 processed")
		} else if tracker.HasProcessed(1) {
			t.Fatal("expected seqNo 1 not processed")
		}

		tracker.MarkSeqNoAsProcessed(1)
		if got, want := tracker.ProcessedCheckpoint(), int64(2); got != want {
			t.Fatalf("checkpoint=%d, want %d", got, want)
		} else if got, want := tracker.MaxSeqNo(), int64(2); got != want {
			t.Fatalf("max=%d, want %d", got, want)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		tracker := seqno.NewLocalCheckpointTracker(4, 4)
		tracker.MarkSeqNoAsProcessed(3)
		tracker.MarkSeqNoAsProcessed(5)
		tracker.MarkSeqNoAsProcessed(5)
		if got, want := tracker.ProcessedCheckpoint(), int64(5); got != want {
			t.Fatalf("checkpoint=%d, want %d", got, want)
		}
	})

	t.Run("AdvanceMaxSeqNo", func(t *testing.T) {
		tracker := seqno.NewLocalCheckpointTracker(seqno.NoOpsPerformed, seqno.NoOpsPerformed)
		tracker.AdvanceMaxSeqNo(9)
		if got, want := tracker.GenerateSeqNo(), int64(10); got != want {
			t.Fatalf("seqNo=%d, want %d", got, want)
		} else if got, want := tracker.ProcessedCheckpoint(), seqno.NoOpsPerformed; got != want {
			t.Fatalf("checkpoint=%d, want %d", got, want)
		}
	})
}
