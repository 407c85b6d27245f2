package ratudb_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"testing"
	"time"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
)

func TestRecoveryTarget(t *testing.T) {
	source := ratudb.Node{ID: "node-0", URL: "http://node-0"}

	newTarget := func(tb testing.TB, mapping ratudb.MappingService) (*ratudb.Store, *ratudb.RecoveryTarget) {
		tb.Helper()
		store := newLoopbackStore(tb, ratudb.NewLoopbackClient(), 1)
		shard, err := store.CreateShard(testShardID)
		if err != nil {
			tb.Fatal(err)
		}
		return store, store.Recoveries().Start(shard, source, store.Node(), false, mapping)
	}

	t.Run("ErrInvalidFileName", func(t *testing.T) {
		_, rt := newTarget(t, nil)
		if err := rt.ReceiveFileInfo(context.Background(), []string{"../escape"}, []int64{1}, nil, nil, 0); !errors.Is(err, ratudb.ErrInvalidFileName) {
			t.Fatalf("unexpected error: %v", err)
		} else if err := rt.ReceiveFileInfo(context.Background(), []string{"_1.seg"}, nil, nil, nil, 0); err == nil {
			t.Fatal("expected error for mismatched sizes")
		}

		md := ratudb.MetadataSnapshot{Files: map[string]ratudb.StoreFileMetadata{"/abs": {Name: "/abs"}}}
		if err := rt.CleanFiles(context.Background(), 0, 0, md); !errors.Is(err, ratudb.ErrInvalidFileName) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrRecoveryCancelled", func(t *testing.T) {
		_, rt := newTarget(t, nil)
		data := []byte("abc")
		md := ratudb.StoreFileMetadata{Name: "_1.seg", Length: 3, Checksum: ratudb.ChecksumBytes(data)}

		if err := rt.ReceiveFileInfo(context.Background(), []string{md.Name}, []int64{md.Length}, nil, nil, 0); err != nil {
			t.Fatal(err)
		} else if err := rt.WriteFileChunk(context.Background(), md, 0, data[:1], false, 0); err != nil {
			t.Fatal(err)
		} else if err := rt.Cancel(context.Background(), "shard closed"); err != nil {
			t.Fatal(err)
		}

		select {
		case <-rt.Done():
		default:
			t.Fatal("expected done")
		}
		if got, want := rt.State().Stage(), ratudb.StageFailed; got != want {
			t.Fatalf("Stage=%s, want %s", got, want)
		} else if err := rt.WriteFileChunk(context.Background(), md, 1, data[1:], true, 0); !errors.Is(err, ratudb.ErrRecoveryCancelled) {
			t.Fatalf("unexpected error: %v", err)
		} else if err := rt.MarkAsDone(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("ErrRecoveryNotFound", func(t *testing.T) {
		store, rt := newTarget(t, nil)

		if err := store.Recoveries().Handler(rt.RecoveryID(), ratudb.ShardID{Index: "other", Shard: 0}).ForceSegmentFileSync(context.Background()); !errors.Is(err, ratudb.ErrRecoveryNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}

		h := store.Recoveries().Handler(rt.RecoveryID(), testShardID)
		if err := h.ForceSegmentFileSync(context.Background()); err != nil {
			t.Fatal(err)
		}
		store.Recoveries().Remove(rt.RecoveryID())
		if err := h.ForceSegmentFileSync(context.Background()); !errors.Is(err, ratudb.ErrRecoveryNotFound) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := store.Recoveries().Len(), 0; got != want {
			t.Fatalf("Len=%d, want %d", got, want)
		}
	})

	t.Run("MappingTooStale", func(t *testing.T) {
		mapping := ratudb.NewStaticMappingService()
		mapping.SetMappingVersion(testShardID.Index, 1)
		_, rt := newTarget(t, mapping)
		if err := rt.Shard().Bootstrap(); err != nil {
			t.Fatal(err)
		}

		ops := []*translog.Operation{translog.NewIndexOperation("doc-0", []byte(`{"n":0}`), 0, 1, 1)}
		leases := seqno.RetentionLeases{PrimaryTerm: 1}
		_, err := rt.IndexTranslogOperations(context.Background(), ops, 1, -1, seqno.UnassignedSeqNo, leases, 2)
		var e *ratudb.MappingTooStaleError
		if !errors.As(err, &e) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := e.Required, int64(2); got != want {
			t.Fatalf("Required=%d, want %d", got, want)
		} else if got, want := e.Current, int64(1); got != want {
			t.Fatalf("Current=%d, want %d", got, want)
		}

		mapping.SetMappingVersion(testShardID.Index, 2)
		if lcp, err := rt.IndexTranslogOperations(context.Background(), ops, 1, -1, seqno.UnassignedSeqNo, leases, 2); err != nil {
			t.Fatal(err)
		} else if got, want := lcp, int64(0); got != want {
			t.Fatalf("LocalCheckpoint=%d, want %d", got, want)
		} else if got, want := rt.State().RecoveredOperations(), int64(1); got != want {
			t.Fatalf("RecoveredOperations=%d, want %d", got, want)
		}
	})

	t.Run("RetriedBatch", func(t *testing.T) {
		_, rt := newTarget(t, nil)
		shard := rt.Shard()
		if err := shard.Bootstrap(); err != nil {
			t.Fatal(err)
		}

		newOps := func(seqNos ...int64) []*translog.Operation {
			var a []*translog.Operation
			for _, seqNo := range seqNos {
				a = append(a, translog.NewIndexOperation(fmt.Sprintf("doc-%d", seqNo), []byte(`{}`), seqNo, 1, 1))
			}
			return a
		}
		leases := seqno.RetentionLeases{PrimaryTerm: 1}

		if _, err := rt.IndexTranslogOperations(context.Background(), newOps(0, 1, 2, 3, 4), 8, -1, seqno.UnassignedSeqNo, leases, 0); err != nil {
			t.Fatal(err)
		} else if _, err := rt.IndexTranslogOperations(context.Background(), newOps(5, 6), 8, -1, seqno.UnassignedSeqNo, leases, 0); err != nil {
			t.Fatal(err)
		}

		lcp, err := rt.IndexTranslogOperations(context.Background(), newOps(5, 6, 7), 8, -1, seqno.UnassignedSeqNo, leases, 0)
		if err != nil {
			t.Fatal(err)
		} else if got, want := lcp, int64(7); got != want {
			t.Fatalf("LocalCheckpoint=%d, want %d", got, want)
		}

		for _, id := range []string{"doc-5", "doc-6", "doc-7"} {
			if doc, err := shard.Get(id); err != nil {
				t.Fatal(err)
			} else if got, want := doc.Version, int64(1); got != want {
				t.Fatalf("Version(%s)=%d, want %d", id, got, want)
			}
		}
		if n, err := shard.ApplyRecoveryOperations(newOps(5, 6, 7)); err != nil {
			t.Fatal(err)
		} else if n != 0 {
			t.Fatalf("n=%d, want 0", n)
		}
	})

	t.Run("FinalizeRecovery", func(t *testing.T) {
		_, rt := newTarget(t, nil)
		shard := rt.Shard()
		if err := shard.Bootstrap(); err != nil {
			t.Fatal(err)
		} else if err := rt.PrepareForTranslogOperations(context.Background(), 3); err != nil {
			t.Fatal(err)
		}

		var ops []*translog.Operation
		for i := int64(0); i < 3; i++ {
			ops = append(ops, translog.NewIndexOperation("doc", []byte(`{}`), i, 1, i+1))
		}
		if _, err := rt.IndexTranslogOperations(context.Background(), ops, 3, -1, seqno.UnassignedSeqNo, seqno.RetentionLeases{PrimaryTerm: 1}, 0); err != nil {
			t.Fatal(err)
		}

		if err := rt.FinalizeRecovery(context.Background(), 1, seqno.UnassignedSeqNo); err != nil {
			t.Fatal(err)
		} else if got, want := shard.GlobalCheckpoint(), int64(1); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		}

		// Repeated requests only raise the global checkpoint.
		if err := rt.FinalizeRecovery(context.Background(), 2, seqno.UnassignedSeqNo); err != nil {
			t.Fatal(err)
		} else if err := rt.FinalizeRecovery(context.Background(), 0, seqno.UnassignedSeqNo); err != nil {
			t.Fatal(err)
		} else if got, want := shard.GlobalCheckpoint(), int64(2); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		}

		if err := rt.MarkAsDone(); err != nil {
			t.Fatal(err)
		}
		select {
		case <-rt.Done():
		default:
			t.Fatal("expected done")
		}
		if got, want := shard.State(), ratudb.ShardStateStarted; got != want {
			t.Fatalf("State=%s, want %s", got, want)
		}
	})

	t.Run("FinalizeRecoveryTrim", func(t *testing.T) {
		_, rt := newTarget(t, nil)
		shard := rt.Shard()
		if err := shard.Bootstrap(); err != nil {
			t.Fatal(err)
		} else if err := rt.PrepareForTranslogOperations(context.Background(), 5); err != nil {
			t.Fatal(err)
		}

		// The lease keeps every operation in the translog across flushes.
		lease := seqno.RetentionLease{
			ID:             seqno.PeerRecoveryRetentionLeaseID("node-2"),
			RetainingSeqNo: 0,
			Timestamp:      time.Now().UnixMilli(),
			Source:         seqno.PeerRecoveryRetentionLeaseSource,
		}

		var ops []*translog.Operation
		for i := int64(0); i < 5; i++ {
			ops = append(ops, translog.NewIndexOperation(fmt.Sprintf("doc-%d", i), []byte(`{}`), i, 1, 1))
		}
		if _, err := rt.IndexTranslogOperations(context.Background(), ops, 5, -1, seqno.UnassignedSeqNo, seqno.RetentionLeases{PrimaryTerm: 1, Version: 1, Leases: []seqno.RetentionLease{lease}}, 0); err != nil {
			t.Fatal(err)
		}

		// A new primary only knows about operations up to seqNo 2.
		if _, err := rt.IndexTranslogOperations(context.Background(), nil, 5, -1, seqno.UnassignedSeqNo, seqno.RetentionLeases{PrimaryTerm: 2, Version: 1, Leases: []seqno.RetentionLease{lease}}, 0); err != nil {
			t.Fatal(err)
		} else if got, want := shard.PrimaryTerm(), int64(2); got != want {
			t.Fatalf("PrimaryTerm=%d, want %d", got, want)
		}

		readTranslog := func(tb testing.TB) (seqNos []int64, skipped int) {
			tb.Helper()
			snap, err := shard.NewRecoverySnapshot(0)
			if err != nil {
				tb.Fatal(err)
			}
			defer func() { _ = snap.Close() }()

			for {
				op, err := snap.Next()
				if err == io.EOF {
					break
				} else if err != nil {
					tb.Fatal(err)
				}
				seqNos = append(seqNos, op.SeqNo)
			}
			sort.Slice(seqNos, func(i, j int) bool { return seqNos[i] < seqNos[j] })
			return seqNos, snap.SkippedOperations()
		}

		if seqNos, _ := readTranslog(t); !reflect.DeepEqual(seqNos, []int64{0, 1, 2, 3, 4}) {
			t.Fatalf("seqNos=%v before finalize", seqNos)
		}

		if err := rt.FinalizeRecovery(context.Background(), 2, 2); err != nil {
			t.Fatal(err)
		}
		seqNos, skipped := readTranslog(t)
		if want := []int64{0, 1, 2}; !reflect.DeepEqual(seqNos, want) {
			t.Fatalf("seqNos=%v, want %v", seqNos, want)
		} else if got, want := skipped, 2; got != want {
			t.Fatalf("SkippedOperations=%d, want %d", got, want)
		}
		info, err := shard.Info()
		if err != nil {
			t.Fatal(err)
		}

		// Repeating the finalization, on the target or directly on the
		// shard, leaves the translog untouched.
		if err := rt.FinalizeRecovery(context.Background(), 2, 2); err != nil {
			t.Fatal(err)
		} else if err := shard.FinalizeRecovery(2, 2); err != nil {
			t.Fatal(err)
		}
		if got, _ := readTranslog(t); !reflect.DeepEqual(got, seqNos) {
			t.Fatalf("seqNos=%v, want %v", got, seqNos)
		}
		other, err := shard.Info()
		if err != nil {
			t.Fatal(err)
		} else if got, want := other.Translog.Operations, info.Translog.Operations; got != want {
			t.Fatalf("Translog.Operations=%d, want %d", got, want)
		} else if got, want := other.Translog.MinGeneration, info.Translog.MinGeneration; got != want {
			t.Fatalf("Translog.MinGeneration=%d, want %d", got, want)
		} else if got, want := other.GlobalCheckpoint, int64(2); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		} else if got, want := other.State, ratudb.ShardStateStarted; got != want {
			t.Fatalf("State=%s, want %s", got, want)
		}
	})
}
