package ratudb_test

import (
	"errors"
	"reflect"
	"testing"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
)

func TestReplicationTracker(t *testing.T) {
	t.Run("GlobalCheckpoint", func(t *testing.T) {
		tr := ratudb.NewReplicationTracker("node-1", seqno.UnassignedSeqNo)
		tr.ActivatePrimaryMode(9)
		if got, want := tr.GlobalCheckpoint(), int64(9); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		}

		// A recovering copy does not hold back the global checkpoint.
		tr.InitiateTracking("node-2")
		tr.UpdateLocalCheckpoint("node-1", 12)
		if got, want := tr.GlobalCheckpoint(), int64(12); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		}

		// Copies must catch up before they can become in-sync.
		if err := tr.MarkAllocationIDAsInSync("node-2", 8); err == nil {
			t.Fatal("expected error")
		} else if err := tr.MarkAllocationIDAsInSync("node-2", 12); err != nil {
			t.Fatal(err)
		}

		// The in-sync copy now holds the global checkpoint back.
		tr.UpdateLocalCheckpoint("node-1", 20)
		if got, want := tr.GlobalCheckpoint(), int64(12); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		}
		tr.UpdateLocalCheckpoint("node-2", 15)
		tr.UpdateLocalCheckpoint("node-2", 3) // never moves backward
		if got, want := tr.GlobalCheckpoint(), int64(15); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		}

		tr.RemoveTracking("node-2")
		tr.RemoveTracking("node-1") // local copy is kept
		if got, want := len(tr.Checkpoints()), 1; got != want {
			t.Fatalf("len(Checkpoints)=%d, want %d", got, want)
		}
	})

	t.Run("ErrNotPrimary", func(t *testing.T) {
		tr := ratudb.NewReplicationTracker("node-2", 5)
		tr.InitiateTracking("node-3")
		if err := tr.MarkAllocationIDAsInSync("node-3", 10); !errors.Is(err, ratudb.ErrNotPrimary) {
			t.Fatalf("unexpected error: %v", err)
		}

		tr.UpdateGlobalCheckpointOnReplica(7)
		tr.UpdateGlobalCheckpointOnReplica(6)
		if got, want := tr.GlobalCheckpoint(), int64(7); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		}
	})

	t.Run("RelocationHandoff", func(t *testing.T) {
		src := ratudb.NewReplicationTracker("node-1", seqno.UnassignedSeqNo)
		src.ActivatePrimaryMode(4)
		src.InitiateTracking("node-2")
		if err := src.MarkAllocationIDAsInSync("node-2", 4); err != nil {
			t.Fatal(err)
		}

		pc, err := src.StartRelocationHandoff(3, 4, seqno.RetentionLeases{}, "lease-1")
		if err != nil {
			t.Fatal(err)
		} else if _, err := src.StartRelocationHandoff(3, 4, seqno.RetentionLeases{}, "lease-1"); err == nil {
			t.Fatal("expected error for second handoff")
		}

		if got, want := pc.InSync(), []string{"node-1", "node-2"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("InSync=%v, want %v", got, want)
		} else if got, want := pc.PrimaryTerm, int64(3); got != want {
			t.Fatalf("PrimaryTerm=%d, want %d", got, want)
		} else if got, want := pc.GlobalCheckpoint, int64(4); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		} else if got, want := pc.LeaseID, "lease-1"; got != want {
			t.Fatalf("LeaseID=%q, want %q", got, want)
		}

		dst := ratudb.NewReplicationTracker("node-2", seqno.UnassignedSeqNo)
		if err := dst.ActivateWithPrimaryContext(pc); err != nil {
			t.Fatal(err)
		} else if !dst.IsPrimaryMode() {
			t.Fatal("expected primary mode")
		} else if got, want := dst.GlobalCheckpoint(), int64(4); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		} else if err := dst.ActivateWithPrimaryContext(pc); err == nil {
			t.Fatal("expected error on second activation")
		}

		src.CompleteRelocationHandoff()
		if src.IsPrimaryMode() {
			t.Fatal("expected source to leave primary mode")
		} else if !src.IsRelocated() {
			t.Fatal("expected relocated")
		}
	})

	t.Run("AbortRelocationHandoff", func(t *testing.T) {
		tr := ratudb.NewReplicationTracker("node-1", seqno.UnassignedSeqNo)
		tr.ActivatePrimaryMode(0)
		if _, err := tr.StartRelocationHandoff(1, 0, seqno.RetentionLeases{}, ""); err != nil {
			t.Fatal(err)
		}
		tr.AbortRelocationHandoff()
		if !tr.IsPrimaryMode() {
			t.Fatal("expected primary mode")
		} else if _, err := tr.StartRelocationHandoff(1, 0, seqno.RetentionLeases{}, ""); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ErrNotInSync", func(t *testing.T) {
		tr := ratudb.NewReplicationTracker("node-3", seqno.UnassignedSeqNo)
		pc := ratudb.PrimaryContext{Checkpoints: map[string]ratudb.CheckpointState{
			"node-1": {LocalCheckpoint: 4, InSync: true},
			"node-3": {LocalCheckpoint: 2},
		}}
		if err := tr.ActivateWithPrimaryContext(pc); err == nil {
			t.Fatal("expected error")
		}
	})
}
