package ratudb_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/internal/testingutil"
	"github.com/Ratu-Tech/RatuDB-sub003/mock"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
)

func TestStore_Recover(t *testing.T) {
	t.Run("FileBased", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)

		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 1)
		testingutil.MustIndexN(t, primary, 0, 10)
		if err := primary.Flush(); err != nil {
			t.Fatal(err)
		}
		testingutil.MustIndexN(t, primary, 10, 5)

		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := s1.Recover(context.Background(), testShardID, s0.Node(), false)
		if err != nil {
			t.Fatal(err)
		} else if len(resp.PhaseOneFileNames) == 0 {
			t.Fatal("expected phase one files")
		} else if got, want := resp.EndingSeqNo, int64(14); got != want {
			t.Fatalf("EndingSeqNo=%d, want %d", got, want)
		}

		if got, want := replica.State(), ratudb.ShardStateStarted; got != want {
			t.Fatalf("State=%s, want %s", got, want)
		} else if got, want := replica.LocalCheckpoint(), int64(14); got != want {
			t.Fatalf("LocalCheckpoint=%d, want %d", got, want)
		} else if got, want := replica.HistoryUUID(), primary.HistoryUUID(); got != want {
			t.Fatalf("HistoryUUID=%q, want %q", got, want)
		} else if got, want := replica.PrimaryTerm(), int64(1); got != want {
			t.Fatalf("PrimaryTerm=%d, want %d", got, want)
		}
		testingutil.AssertDocs(t, replica, 0, 15)

		if cs, ok := primary.Tracker().Checkpoints()["node-1"]; !ok {
			t.Fatal("expected target to be tracked")
		} else if !cs.InSync {
			t.Fatal("expected target in-sync")
		} else if got, want := primary.GlobalCheckpoint(), int64(14); got != want {
			t.Fatalf("GlobalCheckpoint=%d, want %d", got, want)
		}

		if got, want := s1.Recoveries().Len(), 0; got != want {
			t.Fatalf("Recoveries.Len=%d, want %d", got, want)
		} else if got, want := len(s0.SourceRecoveries()), 0; got != want {
			t.Fatalf("len(SourceRecoveries)=%d, want %d", got, want)
		}
	})

	t.Run("OperationBased", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)

		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 1)
		testingutil.MustIndexN(t, primary, 0, 3)

		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		} else if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); err != nil {
			t.Fatal(err)
		}

		testingutil.MustIndexN(t, primary, 3, 4)
		if _, err := primary.Delete(context.Background(), "doc-0"); err != nil {
			t.Fatal(err)
		}

		resp, err := s1.Recover(context.Background(), testShardID, s0.Node(), false)
		if err != nil {
			t.Fatal(err)
		} else if got, want := len(resp.PhaseOneFileNames), 0; got != want {
			t.Fatalf("len(PhaseOneFileNames)=%d, want %d", got, want)
		} else if got, want := resp.StartingSeqNo, int64(3); got != want {
			t.Fatalf("StartingSeqNo=%d, want %d", got, want)
		} else if got, want := resp.PhaseTwoOperations, int64(5); got != want {
			t.Fatalf("PhaseTwoOperations=%d, want %d", got, want)
		}

		testingutil.AssertDocs(t, replica, 1, 6)
		if _, err := replica.Get("doc-0"); err == nil {
			t.Fatal("expected deleted document")
		}
	})

	t.Run("ConcurrentWrites", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)
		s0.MaxReplayRounds = 1

		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 1)
		testingutil.MustIndexN(t, primary, 0, 20)
		if err := primary.Flush(); err != nil {
			t.Fatal(err)
		}

		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		}

		// Keep writing to the primary until the recovery returns.
		ctx, cancel := context.WithCancel(context.Background())
		var written atomic.Int64
		var writeErr error
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 20; ; i++ {
				id := fmt.Sprintf("doc-%d", i)
				if _, err := primary.Index(ctx, id, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
					if ctx.Err() == nil {
						writeErr = fmt.Errorf("index %s: %w", id, err)
					}
					return
				}
				written.Add(1)
			}
		}()

		testingutil.WaitFor(t, 5*time.Second, func() bool { return written.Load() > 0 })
		resp, err := s1.Recover(context.Background(), testShardID, s0.Node(), false)
		cancel()
		wg.Wait()
		if err != nil {
			t.Fatal(err)
		} else if writeErr != nil {
			t.Fatal(writeErr)
		}

		if resp.EndingSeqNo < 20 {
			t.Fatalf("EndingSeqNo=%d, want at least 20", resp.EndingSeqNo)
		} else if got := replica.LocalCheckpoint(); got < resp.EndingSeqNo {
			t.Fatalf("LocalCheckpoint=%d, want at least %d", got, resp.EndingSeqNo)
		} else if got, want := replica.State(), ratudb.ShardStateStarted; got != want {
			t.Fatalf("State=%s, want %s", got, want)
		}
		testingutil.AssertDocs(t, replica, 0, int(resp.EndingSeqNo)+1)

		// Writes acknowledged after the recovery returned are picked up by
		// the next one, after which both copies hold the same documents.
		if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); err != nil {
			t.Fatal(err)
		}
		n := 20 + int(written.Load())
		if got, want := primary.LocalCheckpoint(), int64(n-1); got != want {
			t.Fatalf("primary LocalCheckpoint=%d, want %d", got, want)
		} else if got, want := replica.LocalCheckpoint(), primary.LocalCheckpoint(); got != want {
			t.Fatalf("replica LocalCheckpoint=%d, want %d", got, want)
		}
		testingutil.AssertDocs(t, primary, 0, n)
		testingutil.AssertDocs(t, replica, 0, n)
		if _, err := replica.Get(fmt.Sprintf("doc-%d", n)); err == nil {
			t.Fatal("expected no document beyond the last write")
		}
	})

	t.Run("RetentionLeaseRetainsHistory", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)

		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 1)
		testingutil.MustIndexN(t, primary, 0, 3)

		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		} else if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); err != nil {
			t.Fatal(err)
		}

		lease, ok := primary.RetentionLeases().Get(seqno.PeerRecoveryRetentionLeaseID("node-1"))
		if !ok {
			t.Fatal("expected peer recovery retention lease")
		} else if got, want := lease.RetainingSeqNo, int64(3); got != want {
			t.Fatalf("RetainingSeqNo=%d, want %d", got, want)
		}

		// Every flush commits all operations, only the lease holds them.
		for i := 0; i < 3; i++ {
			testingutil.MustIndexN(t, primary, 3+3*i, 3)
			if err := primary.Flush(); err != nil {
				t.Fatal(err)
			} else if err := primary.SyncRetentionLeases(); err != nil {
				t.Fatal(err)
			}
		}

		if got, want := primary.EstimateTotalOperations(0), int64(9); got != want {
			t.Fatalf("EstimateTotalOperations=%d, want %d", got, want)
		}
		snap, err := primary.NewRecoverySnapshot(lease.RetainingSeqNo)
		if err != nil {
			t.Fatal(err)
		}
		seqNos, err := snap.SeqNos()
		if err != nil {
			t.Fatal(err)
		} else if err := snap.Close(); err != nil {
			t.Fatal(err)
		} else if got, want := seqNos, []int64{3, 4, 5, 6, 7, 8, 9, 10, 11}; !reflect.DeepEqual(got, want) {
			t.Fatalf("seqNos=%v, want %v", got, want)
		}

		resp, err := s1.Recover(context.Background(), testShardID, s0.Node(), false)
		if err != nil {
			t.Fatal(err)
		} else if got, want := len(resp.PhaseOneFileNames), 0; got != want {
			t.Fatalf("len(PhaseOneFileNames)=%d, want %d", got, want)
		} else if got, want := resp.StartingSeqNo, lease.RetainingSeqNo; got != want {
			t.Fatalf("StartingSeqNo=%d, want %d", got, want)
		} else if got, want := resp.PhaseTwoOperations, int64(9); got != want {
			t.Fatalf("PhaseTwoOperations=%d, want %d", got, want)
		}
		testingutil.AssertDocs(t, replica, 0, 12)
	})

	t.Run("TargetAheadOfGlobalCheckpoint", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)

		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 1)
		testingutil.MustIndexN(t, primary, 0, 3)

		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		} else if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); err != nil {
			t.Fatal(err)
		}
		if got, want := replica.RecoveryStartingSeqNo(), int64(3); got != want {
			t.Fatalf("RecoveryStartingSeqNo=%d, want %d", got, want)
		}

		// Operations above the global checkpoint may not survive on the
		// primary so the copy must be recovered from files.
		op := translog.NewIndexOperation("doc-9", []byte(`{}`), 5, 1, 1)
		if _, err := replica.ApplyRecoveryOperations([]*translog.Operation{op}); err != nil {
			t.Fatal(err)
		} else if got, want := replica.RecoveryStartingSeqNo(), seqno.UnassignedSeqNo; got != want {
			t.Fatalf("RecoveryStartingSeqNo=%d, want %d", got, want)
		}

		resp, err := s1.Recover(context.Background(), testShardID, s0.Node(), false)
		if err != nil {
			t.Fatal(err)
		} else if len(resp.PhaseOneFileNames) == 0 {
			t.Fatal("expected phase one files")
		}
		if _, err := replica.Get("doc-9"); err == nil {
			t.Fatal("expected operation above global checkpoint to be discarded")
		}
		testingutil.AssertDocs(t, replica, 0, 3)
	})

	t.Run("PrimaryRelocation", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)

		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 3)
		testingutil.MustIndexN(t, primary, 0, 5)

		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		} else if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), true); err != nil {
			t.Fatal(err)
		}

		// Source no longer accepts writes.
		if got, want := primary.State(), ratudb.ShardStateRelocated; got != want {
			t.Fatalf("State=%s, want %s", got, want)
		} else if primary.IsPrimary() {
			t.Fatal("expected source to leave primary mode")
		} else if _, err := primary.Index(context.Background(), "doc-x", []byte(`{}`)); !errors.Is(err, ratudb.ErrShardRelocated) {
			t.Fatalf("unexpected error: %v", err)
		}

		// Target continues the sequence under the same term.
		if !replica.IsPrimary() {
			t.Fatal("expected target in primary mode")
		} else if got, want := replica.PrimaryTerm(), int64(3); got != want {
			t.Fatalf("PrimaryTerm=%d, want %d", got, want)
		} else if _, ok := replica.Tracker().Checkpoints()["node-0"]; ok {
			t.Fatal("expected source to be untracked")
		}

		op, err := replica.Index(context.Background(), "doc-5", []byte(`{"n":5}`))
		if err != nil {
			t.Fatal(err)
		} else if got, want := op.SeqNo, int64(5); got != want {
			t.Fatalf("SeqNo=%d, want %d", got, want)
		} else if got, want := op.PrimaryTerm, int64(3); got != want {
			t.Fatalf("PrimaryTerm=%d, want %d", got, want)
		}
		testingutil.AssertDocs(t, replica, 0, 6)

		select {
		case leaseID := <-replica.PromoteCh():
			if leaseID != "" {
				t.Fatalf("unexpected lease id: %q", leaseID)
			}
		default:
			t.Fatal("expected promotion notification")
		}

		// A relocated copy cannot be the source of another recovery.
		if _, err := s0.Recover(context.Background(), testShardID, s1.Node(), false); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("PrimaryRelocationWithLease", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()

		handoffCh := make(chan string, 1)
		var handoffNodeID string
		lease := &mock.Lease{
			IDFunc:        func() string { return "lease-1" },
			ShardIDFunc:   func() ratudb.ShardID { return testShardID },
			RenewedAtFunc: func() time.Time { return time.Now() },
			TTLFunc:       func() time.Duration { return time.Hour },
			RenewFunc:     func(ctx context.Context) error { return nil },
			HandoffFunc: func(ctx context.Context, nodeID string) error {
				handoffNodeID = nodeID
				handoffCh <- nodeID
				return nil
			},
			HandoffChFunc: func() <-chan string { return handoffCh },
			CloseFunc:     func() error { return nil },
		}

		var mu sync.Mutex
		var reported [][]ratudb.ShardID

		s0 := testingutil.NewStore(t, "node-0", "http://node-0", client)
		s0.Leaser = &mock.Leaser{
			PrimaryInfoFunc: func(ctx context.Context, shardID ratudb.ShardID) (ratudb.PrimaryInfo, error) {
				return ratudb.PrimaryInfo{}, ratudb.ErrNoPrimary
			},
			AcquireFunc: func(ctx context.Context, shardID ratudb.ShardID) (ratudb.Lease, error) {
				return lease, nil
			},
		}
		s0.Environment = &mock.Environment{
			SetPrimaryShardsFunc: func(ctx context.Context, shards []ratudb.ShardID) error {
				mu.Lock()
				defer mu.Unlock()
				reported = append(reported, shards)
				return nil
			},
		}
		client.Register("http://node-0", s0)
		testingutil.MustOpenStore(t, s0)

		s1 := newLoopbackStore(t, client, 1)

		if _, err := s0.CreateShard(testShardID); err != nil {
			t.Fatal(err)
		}
		testingutil.WaitFor(t, 5*time.Second, func() bool { return s0.IsPrimary(testShardID) })
		testingutil.MustIndexN(t, s0.Shard(testShardID), 0, 3)

		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		} else if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), true); err != nil {
			t.Fatal(err)
		}

		if got, want := handoffNodeID, "node-1"; got != want {
			t.Fatalf("handoff node=%q, want %q", got, want)
		}
		select {
		case leaseID := <-replica.PromoteCh():
			if got, want := leaseID, "lease-1"; got != want {
				t.Fatalf("lease id=%q, want %q", got, want)
			}
		default:
			t.Fatal("expected promotion notification")
		}

		// The source stops reporting itself as primary.
		testingutil.WaitFor(t, 5*time.Second, func() bool { return !s0.IsPrimary(testShardID) })
		testingutil.WaitFor(t, 5*time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(reported) >= 2 && len(reported[len(reported)-1]) == 0
		})

		mu.Lock()
		defer mu.Unlock()
		if got, want := fmt.Sprint(reported[0]), fmt.Sprint([]ratudb.ShardID{testShardID}); got != want {
			t.Fatalf("reported=%s, want %s", got, want)
		}
	})

	t.Run("MappingTooStale", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)

		m0, m1 := ratudb.NewStaticMappingService(), ratudb.NewStaticMappingService()
		m0.SetMappingVersion(testShardID.Index, 2)
		m1.SetMappingVersion(testShardID.Index, 1)
		s0.MappingService, s1.MappingService = m0, m1

		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 1)
		testingutil.MustIndexN(t, primary, 0, 3)
		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		}

		// Target's mapping catches up while the source retries the batch.
		go func() {
			time.Sleep(150 * time.Millisecond)
			m1.SetMappingVersion(testShardID.Index, 2)
		}()

		if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); err != nil {
			t.Fatal(err)
		}
		testingutil.AssertDocs(t, replica, 0, 3)
	})

	t.Run("ErrRepeatedRecoveryFailure", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)
		s1.MaxRecoveryRetries = 5
		s1.RepeatedFailureThreshold = 2

		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 1)
		testingutil.MustIndexN(t, primary, 0, 3)
		replica, err := s1.CreateShard(testShardID)
		if err != nil {
			t.Fatal(err)
		}

		client.Disconnect(s0.AdvertiseURL)
		_, err = s1.Recover(context.Background(), testShardID, s0.Node(), false)
		if !errors.Is(err, ratudb.ErrRepeatedRecoveryFailure) {
			t.Fatalf("unexpected error: %v", err)
		} else if !errors.Is(err, ratudb.ErrNodeDisconnected) {
			t.Fatalf("expected cause to be wrapped: %v", err)
		} else if got, want := s1.RecoveryFailures("node-0"), 2; got != want {
			t.Fatalf("RecoveryFailures=%d, want %d", got, want)
		} else if got, want := replica.State(), ratudb.ShardStateCreated; got != want {
			t.Fatalf("State=%s, want %s", got, want)
		}

		client.Reconnect(s0.AdvertiseURL)
		if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); err != nil {
			t.Fatal(err)
		} else if got, want := s1.RecoveryFailures("node-0"), 0; got != want {
			t.Fatalf("RecoveryFailures=%d, want %d", got, want)
		}
		testingutil.AssertDocs(t, replica, 0, 3)
	})

	t.Run("ErrNotRetryable", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)
		s1.MaxRecoveryRetries = 5

		if _, err := s1.CreateShard(testShardID); err != nil {
			t.Fatal(err)
		}
		if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); !errors.Is(err, ratudb.ErrShardNotFound) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := s1.RecoveryFailures("node-0"), 1; got != want {
			t.Fatalf("RecoveryFailures=%d, want %d", got, want)
		}
	})

	t.Run("ErrShardNotFound", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)
		if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); !errors.Is(err, ratudb.ErrShardNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrPrimaryCopy", func(t *testing.T) {
		client := ratudb.NewLoopbackClient()
		s0, s1 := newLoopbackStore(t, client, 0), newLoopbackStore(t, client, 1)
		testingutil.MustCreatePrimary(t, s0, testShardID, 1)
		testingutil.MustCreatePrimary(t, s1, testShardID, 1)

		if _, err := s1.Recover(context.Background(), testShardID, s0.Node(), false); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestStore_StartRecovery(t *testing.T) {
	t.Run("ErrRecoveryInProgress", func(t *testing.T) {
		unblock := make(chan struct{})
		target := &mock.RecoveryTargetHandler{
			PrepareForTranslogOperationsFunc: func(ctx context.Context, totalTranslogOps int64) error {
				<-unblock
				return nil
			},
		}
		s0 := testingutil.NewStore(t, "node-0", "http://node-0", &mock.Client{
			RecoveryTargetFunc: func(targetURL string, recoveryID int64, shardID ratudb.ShardID) ratudb.RecoveryTargetHandler {
				return target
			},
		})
		testingutil.MustOpenStore(t, s0)
		testingutil.MustCreatePrimary(t, s0, testShardID, 1)

		newRequest := func(recoveryID int64) *ratudb.StartRecoveryRequest {
			return &ratudb.StartRecoveryRequest{
				RecoveryID:         recoveryID,
				ShardID:            testShardID,
				TargetNode:         ratudb.Node{ID: "node-9", URL: "http://node-9"},
				TargetAllocationID: "node-9",
				PrimaryTerm:        1,
				StartingSeqNo:      seqno.UnassignedSeqNo,
			}
		}

		errCh := make(chan error, 1)
		go func() {
			_, err := s0.StartRecovery(context.Background(), newRequest(1))
			errCh <- err
		}()

		testingutil.WaitFor(t, 5*time.Second, func() bool { return len(s0.SourceRecoveries()) == 1 })
		if got, want := s0.SourceRecoveries()[0].RecoveryID, int64(1); got != want {
			t.Fatalf("RecoveryID=%d, want %d", got, want)
		}
		if _, err := s0.StartRecovery(context.Background(), newRequest(2)); !errors.Is(err, ratudb.ErrRecoveryInProgress) {
			t.Fatalf("unexpected error: %v", err)
		}

		close(unblock)
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ErrTargetFailed", func(t *testing.T) {
		var cancelled string
		target := &mock.RecoveryTargetHandler{
			FinalizeRecoveryFunc: func(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64) error {
				return ratudb.ErrNodeDisconnected
			},
			CancelFunc: func(ctx context.Context, reason string) error {
				cancelled = reason
				return nil
			},
		}
		s0 := testingutil.NewStore(t, "node-0", "http://node-0", &mock.Client{
			RecoveryTargetFunc: func(targetURL string, recoveryID int64, shardID ratudb.ShardID) ratudb.RecoveryTargetHandler {
				return target
			},
		})
		testingutil.MustOpenStore(t, s0)
		primary := testingutil.MustCreatePrimary(t, s0, testShardID, 1)

		_, err := s0.StartRecovery(context.Background(), &ratudb.StartRecoveryRequest{
			RecoveryID:         1,
			ShardID:            testShardID,
			TargetNode:         ratudb.Node{ID: "node-9", URL: "http://node-9"},
			TargetAllocationID: "node-9",
			StartingSeqNo:      seqno.UnassignedSeqNo,
		})

		var rfe *ratudb.RecoveryFailedError
		if !errors.As(err, &rfe) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := rfe.Extra, "finalize"; got != want {
			t.Fatalf("Extra=%q, want %q", got, want)
		} else if !errors.Is(err, ratudb.ErrNodeDisconnected) {
			t.Fatalf("expected cause to be wrapped: %v", err)
		} else if cancelled == "" {
			t.Fatal("expected target to be cancelled")
		} else if _, ok := primary.Tracker().Checkpoints()["node-9"]; ok {
			t.Fatal("expected failed target to be untracked")
		}
	})
}

// newLoopbackStore returns an open store named "node-<i>" that is reachable
// through client.
func newLoopbackStore(tb testing.TB, client *ratudb.LoopbackClient, i int) *ratudb.Store {
	tb.Helper()

	url := fmt.Sprintf("http://node-%d", i)
	store := testingutil.NewStore(tb, fmt.Sprintf("node-%d", i), url, client)
	client.Register(url, store)
	return testingutil.MustOpenStore(tb, store)
}
