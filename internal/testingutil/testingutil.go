package testingutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
)

// NewStore returns a new store in a temporary directory. The store is not opened.
func NewStore(tb testing.TB, nodeID, advertiseURL string, client ratudb.Client) *ratudb.Store {
	tb.Helper()

	store := ratudb.NewStore(tb.TempDir(), nodeID, true)
	store.AdvertiseURL = advertiseURL
	store.Client = client
	store.RecoveryRetryDelay = 10 * time.Millisecond
	return store
}

// MustOpenStore opens store and closes it when the test ends.
func MustOpenStore(tb testing.TB, store *ratudb.Store) *ratudb.Store {
	tb.Helper()

	if err := store.Open(); err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := store.Close(); err != nil {
			tb.Fatalf("cannot close store: %s", err)
		}
	})
	return store
}

// MustCreatePrimary creates a shard copy on store and promotes it under term.
func MustCreatePrimary(tb testing.TB, store *ratudb.Store, id ratudb.ShardID, term int64) *ratudb.Shard {
	tb.Helper()

	shard, err := store.CreateShard(id)
	if err != nil {
		tb.Fatal(err)
	} else if err := shard.Promote(term); err != nil {
		tb.Fatal(err)
	}
	return shard
}

// MustIndexN indexes n documents named "doc-<i>" starting at i=start.
func MustIndexN(tb testing.TB, shard *ratudb.Shard, start, n int) {
	tb.Helper()

	for i := start; i < start+n; i++ {
		id := fmt.Sprintf("doc-%d", i)
		if _, err := shard.Index(context.Background(), id, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			tb.Fatalf("index %s: %s", id, err)
		}
	}
}

// AssertDocs fails the test if any document "doc-<i>" for i in [start, start+n)
// is missing from shard or has the wrong content.
func AssertDocs(tb testing.TB, shard *ratudb.Shard, start, n int) {
	tb.Helper()

	for i := start; i < start+n; i++ {
		id := fmt.Sprintf("doc-%d", i)
		doc, err := shard.Get(id)
		if err != nil {
			tb.Fatalf("get %s: %s", id, err)
		} else if got, want := string(doc.Source), fmt.Sprintf(`{"n":%d}`, i); got != want {
			tb.Fatalf("source(%s)=%s, want %s", id, got, want)
		}
	}
}

// WaitFor polls fn until it returns true or the timeout elapses.
func WaitFor(tb testing.TB, timeout time.Duration, fn func() bool) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			tb.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
