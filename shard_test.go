package ratudb_test

import (
	"context"
	"errors"
	"testing"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/engine"
	"github.com/Ratu-Tech/RatuDB-sub003/internal/testingutil"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
)

func TestShard_Reopen(t *testing.T) {
	dir := t.TempDir()

	sh := ratudb.NewShard(testShardID, dir, "node-0")
	if err := sh.Open(); err != nil {
		t.Fatal(err)
	} else if got, want := sh.State(), ratudb.ShardStateCreated; got != want {
		t.Fatalf("State=%s, want %s", got, want)
	} else if err := sh.Promote(2); err != nil {
		t.Fatal(err)
	}

	testingutil.MustIndexN(t, sh, 0, 5)
	if err := sh.Flush(); err != nil {
		t.Fatal(err)
	} else if _, err := sh.Delete(context.Background(), "doc-0"); err != nil {
		t.Fatal(err)
	}
	testingutil.MustIndexN(t, sh, 5, 2) // unflushed
	historyUUID := sh.HistoryUUID()
	if err := sh.Close(); err != nil {
		t.Fatal(err)
	}

	sh = ratudb.NewShard(testShardID, dir, "node-0")
	if err := sh.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sh.Close() })

	if got, want := sh.State(), ratudb.ShardStateStarted; got != want {
		t.Fatalf("State=%s, want %s", got, want)
	} else if got, want := sh.LocalCheckpoint(), int64(7); got != want {
		t.Fatalf("LocalCheckpoint=%d, want %d", got, want)
	} else if got, want := sh.PrimaryTerm(), int64(2); got != want {
		t.Fatalf("PrimaryTerm=%d, want %d", got, want)
	} else if got, want := sh.HistoryUUID(), historyUUID; got != want {
		t.Fatalf("HistoryUUID=%q, want %q", got, want)
	} else if sh.IsPrimary() {
		t.Fatal("expected reopened copy to wait for promotion")
	}

	if _, err := sh.Get("doc-0"); !errors.Is(err, engine.ErrDocumentNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
	testingutil.AssertDocs(t, sh, 1, 6)

	md, err := sh.Metadata()
	if err != nil {
		t.Fatal(err)
	} else if md.IsEmpty() {
		t.Fatal("expected commit files")
	} else if got, want := md.HistoryUUID(), historyUUID; got != want {
		t.Fatalf("HistoryUUID=%q, want %q", got, want)
	}

	// Writes require primary mode.
	if _, err := sh.Index(context.Background(), "doc-x", []byte(`{}`)); !errors.Is(err, ratudb.ErrNotPrimary) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestShard_Promote(t *testing.T) {
	t.Run("FillGaps", func(t *testing.T) {
		sh := ratudb.NewShard(testShardID, t.TempDir(), "node-0")
		if err := sh.Open(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = sh.Close() })

		if err := sh.Bootstrap(); err != nil {
			t.Fatal(err)
		}
		ops := []*translog.Operation{
			translog.NewIndexOperation("doc-0", []byte(`{"n":0}`), 0, 1, 1),
			translog.NewIndexOperation("doc-2", []byte(`{"n":2}`), 2, 1, 1),
		}
		if n, err := sh.ApplyRecoveryOperations(ops); err != nil {
			t.Fatal(err)
		} else if got, want := n, 2; got != want {
			t.Fatalf("n=%d, want %d", got, want)
		} else if got, want := sh.LocalCheckpoint(), int64(0); got != want {
			t.Fatalf("LocalCheckpoint=%d, want %d", got, want)
		} else if got, want := sh.PrimaryTerm(), int64(1); got != want {
			t.Fatalf("PrimaryTerm=%d, want %d", got, want)
		}

		// Already applied operations are skipped.
		if n, err := sh.ApplyRecoveryOperations(ops[:1]); err != nil {
			t.Fatal(err)
		} else if n != 0 {
			t.Fatalf("n=%d, want 0", n)
		}

		if err := sh.Promote(2); err != nil {
			t.Fatal(err)
		} else if got, want := sh.LocalCheckpoint(), int64(2); got != want {
			t.Fatalf("LocalCheckpoint=%d, want %d", got, want)
		} else if !sh.IsPrimary() {
			t.Fatal("expected primary mode")
		}

		op, err := sh.Index(context.Background(), "doc-3", []byte(`{"n":3}`))
		if err != nil {
			t.Fatal(err)
		} else if got, want := op.SeqNo, int64(3); got != want {
			t.Fatalf("SeqNo=%d, want %d", got, want)
		} else if got, want := op.PrimaryTerm, int64(2); got != want {
			t.Fatalf("PrimaryTerm=%d, want %d", got, want)
		}
	})

	t.Run("LowerTermIgnored", func(t *testing.T) {
		sh := ratudb.NewShard(testShardID, t.TempDir(), "node-0")
		if err := sh.Open(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = sh.Close() })

		if err := sh.Promote(4); err != nil {
			t.Fatal(err)
		} else if err := sh.SetPrimaryTerm(2); err != nil {
			t.Fatal(err)
		} else if got, want := sh.PrimaryTerm(), int64(4); got != want {
			t.Fatalf("PrimaryTerm=%d, want %d", got, want)
		}

		sh.Demote()
		if sh.IsPrimary() {
			t.Fatal("expected demoted copy")
		}
	})

	t.Run("ErrShardNotStarted", func(t *testing.T) {
		sh := ratudb.NewShard(testShardID, t.TempDir(), "node-0")
		if err := sh.Open(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = sh.Close() })

		if _, err := sh.Get("doc-0"); !errors.Is(err, ratudb.ErrShardNotStarted) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := sh.RecoveryStartingSeqNo(), seqno.UnassignedSeqNo; got != want {
			t.Fatalf("RecoveryStartingSeqNo=%d, want %d", got, want)
		}
	})
}
