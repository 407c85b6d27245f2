package seqno_test

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
)

func TestRetentionLeaseTable_AddOrRenew(t *testing.T) {
	now := time.Unix(1000, 0)

	t.Run("Monotonic", func(t *testing.T) {
		table := seqno.NewRetentionLeaseTable(1)
		if _, err := table.AddOrRenew("replica-1", 100, "test", now); err != nil {
			t.Fatal(err)
		}

		var e *seqno.IllegalRetentionLeaseUpdateError
		if _, err := table.AddOrRenew("replica-1", 90, "test", now); !errors.As(err, &e) {
			t.Fatalf("unexpected error: %#v", err)
		} else if !errors.Is(err, seqno.ErrIllegalRetentionLeaseUpdate) {
			t.Fatalf("expected ErrIllegalRetentionLeaseUpdate: %v", err)
		} else if got, want := e.Current, int64(100); got != want {
			t.Fatalf("Current=%d, want %d", got, want)
		} else if got, want := e.Proposed, int64(90); got != want {
			t.Fatalf("Proposed=%d, want %d", got, want)
		}

		if lease, ok := table.Get("replica-1"); !ok {
			t.Fatal("expected lease")
		} else if got, want := lease.RetainingSeqNo, int64(100); got != want {
			t.Fatalf("RetainingSeqNo=%d, want %d", got, want)
		}

		if _, err := table.AddOrRenew("replica-1", 150, "test", now); err != nil {
			t.Fatal(err)
		} else if got, want := table.MinimumRetainedSeqNo(), int64(150); got != want {
			t.Fatalf("MinimumRetainedSeqNo()=%d, want %d", got, want)
		}
	})

	t.Run("SameSeqNo", func(t *testing.T) {
		table := seqno.NewRetentionLeaseTable(1)
		if _, err := table.AddOrRenew("replica-1", 10, "test", now); err != nil {
			t.Fatal(err)
		} else if lease, err := table.AddOrRenew("replica-1", 10, "test", now.Add(time.Second)); err != nil {
			t.Fatal(err)
		} else if got, want := lease.Timestamp, now.Add(time.Second).UnixMilli(); got != want {
			t.Fatalf("Timestamp=%d, want %d", got, want)
		}
	})

	t.Run("ErrInvalidRetentionLease", func(t *testing.T) {
		table := seqno.NewRetentionLeaseTable(1)
		if _, err := table.AddOrRenew("", 10, "test", now); !errors.Is(err, seqno.ErrInvalidRetentionLease) {
			t.Fatalf("unexpected error: %v", err)
		} else if _, err := table.AddOrRenew("x", -1, "test", now); !errors.Is(err, seqno.ErrInvalidRetentionLease) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRetentionLeaseTable_MinimumRetainedSeqNo(t *testing.T) {
	now := time.Unix(1000, 0)
	table := seqno.NewRetentionLeaseTable(1)
	if got, want := table.MinimumRetainedSeqNo(), int64(math.MaxInt64); got != want {
		t.Fatalf("MinimumRetainedSeqNo()=%d, want %d", got, want)
	}

	if _, err := table.AddOrRenew("a", 40, "test", now); err != nil {
		t.Fatal(err)
	} else if _, err := table.AddOrRenew("b", 25, "test", now); err != nil {
		t.Fatal(err)
	} else if got, want := table.MinimumRetainedSeqNo(), int64(25); got != want {
		t.Fatalf("MinimumRetainedSeqNo()=%d, want %d", got, want)
	}

	if err := table.Remove("b"); err != nil {
		t.Fatal(err)
	} else if got, want := table.MinimumRetainedSeqNo(), int64(40); got != want {
		t.Fatalf("MinimumRetainedSeqNo()=%d, want %d", got, want)
	}

	if err := table.Remove("b"); !errors.Is(err, seqno.ErrRetentionLeaseNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetentionLeaseTable_ExpireLeases(t *testing.T) {
	now := time.Unix(1000, 0)
	table := seqno.NewRetentionLeaseTable(1)
	table.Period = time.Minute

	if _, err := table.AddOrRenew("old", 1, "test", now); err != nil {
		t.Fatal(err)
	} else if _, err := table.AddOrRenew("new", 2, "test", now.Add(50*time.Second)); err != nil {
		t.Fatal(err)
	}

	expired := table.ExpireLeases(now.Add(90 * time.Second))
	if got, want := len(expired), 1; got != want {
		t.Fatalf("len(expired)=%d, want %d", got, want)
	} else if got, want := expired[0].ID, "old"; got != want {
		t.Fatalf("ID=%q, want %q", got, want)
	}

	// Expiring again is a no-op.
	if expired := table.ExpireLeases(now.Add(90 * time.Second)); len(expired) != 0 {
		t.Fatalf("unexpected expired leases: %v", expired)
	}

	// A lease may be renewed after it expired.
	if _, err := table.AddOrRenew("old", 1, "test", now.Add(91*time.Second)); err != nil {
		t.Fatal(err)
	} else if got, want := len(table.Leases().Leases), 2; got != want {
		t.Fatalf("len=%d, want %d", got, want)
	}
}

func TestRetentionLeaseTable_Replace(t *testing.T) {
	now := time.Unix(1000, 0)
	primary := seqno.NewRetentionLeaseTable(2)
	if _, err := primary.AddOrRenew("peer_recovery/n1", 5, seqno.PeerRecoveryRetentionLeaseSource, now); err != nil {
		t.Fatal(err)
	}

	replica := seqno.NewRetentionLeaseTable(1)
	if !replica.Replace(primary.Leases()) {
		t.Fatal("expected replace")
	} else if replica.Replace(primary.Leases()) {
		t.Fatal("expected stale collection to be ignored")
	} else if got, want := replica.Leases(), primary.Leases(); !reflect.DeepEqual(got, want) {
		t.Fatalf("leases=%#v, want %#v", got, want)
	}
}

func TestRetentionLeaseTable_Persist(t *testing.T) {
	now := time.Unix(1000, 0)
	path := filepath.Join(t.TempDir(), "retention_leases.json")

	table := seqno.NewRetentionLeaseTable(3)
	if _, err := table.AddOrRenew("replica-1", 7, "test", now); err != nil {
		t.Fatal(err)
	} else if err := table.Persist(path); err != nil {
		t.Fatal(err)
	}

	other, err := seqno.LoadRetentionLeaseTable(path, 1)
	if err != nil {
		t.Fatal(err)
	} else if got, want := other.Leases(), table.Leases(); !reflect.DeepEqual(got, want) {
		t.Fatalf("leases=%#v, want %#v", got, want)
	}

	var buf bytes.Buffer
	if _, err := table.WriteTo(&buf); err != nil {
		t.Fatal(err)
	} else if leases, err := seqno.ReadRetentionLeases(&buf); err != nil {
		t.Fatal(err)
	} else if got, want := leases.PrimaryTerm, int64(3); got != want {
		t.Fatalf("PrimaryTerm=%d, want %d", got, want)
	}

	if _, err := seqno.LoadRetentionLeaseTable(filepath.Join(t.TempDir(), "missing.json"), 1); err != nil {
		t.Fatal(err)
	}
}
