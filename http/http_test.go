package http_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/http"
	"github.com/Ratu-Tech/RatuDB-sub003/internal/testingutil"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
)

var shardID = ratudb.ShardID{Index: "logs", Shard: 0}

func TestErrorKind(t *testing.T) {
	for _, err := range []error{
		ratudb.ErrMappingTooStale,
		ratudb.ErrRecoveryNotFound,
		ratudb.ErrNodeDisconnected,
		ratudb.ErrShardNotFound,
		&ratudb.CorruptedFileError{Name: "_1.seg", Reason: "checksum mismatch"},
		fmt.Errorf("wrapped: %w", ratudb.ErrRecoveryCancelled),
		fmt.Errorf("open translog: %w", &translog.CorruptedError{Kind: translog.CorruptionChecksum, Path: "translog-1.tlog", Reason: "checksum mismatch"}),
		&translog.LegacyVersionError{Path: "translog-1.tlog", Version: "pre-2.0"},
	} {
		t.Run(err.Error(), func(t *testing.T) {
			kind := http.ErrorKind(err)
			if kind == "" {
				t.Fatal("expected error kind")
			}

			remote := &http.RemoteError{Kind: kind, Code: 500, Message: err.Error()}
			sentinel := errors.Unwrap(remote)
			if sentinel == nil {
				t.Fatal("expected remote error to unwrap to a sentinel")
			} else if !errors.Is(err, sentinel) {
				t.Fatalf("sentinel mismatch: %s", sentinel)
			}
		})
	}

	t.Run("TranslogCorrupted", func(t *testing.T) {
		err := &translog.CorruptedError{Kind: translog.CorruptionChecksum, Reason: "checksum mismatch"}
		remote := &http.RemoteError{Kind: http.ErrorKind(err), Code: 500, Message: err.Error()}
		if !errors.Is(remote, translog.ErrCorrupted) {
			t.Fatalf("unexpected error: %v", remote)
		} else if errors.Is(remote, translog.ErrLegacyVersion) {
			t.Fatalf("unexpected legacy version match: %v", remote)
		} else if errors.Is(remote, ratudb.ErrCorruptedFile) {
			t.Fatalf("unexpected store corruption match: %v", remote)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if got := http.ErrorKind(errors.New("marker")); got != "" {
			t.Fatalf("ErrorKind=%q, want blank", got)
		}
		if err := (&http.RemoteError{Kind: "", Code: 500}); errors.Unwrap(err) != nil {
			t.Fatal("expected no sentinel")
		}
	})
}

func TestClient_Recover(t *testing.T) {
	t.Run("FileBased", func(t *testing.T) {
		primary, primaryURL := newServedStore(t, "node-1")
		replica, replicaURL := newServedStore(t, "node-2")

		src := testingutil.MustCreatePrimary(t, primary, shardID, 1)
		testingutil.MustIndexN(t, src, 0, 10)
		if err := src.Flush(); err != nil {
			t.Fatal(err)
		}
		testingutil.MustIndexN(t, src, 10, 5)

		resp, err := http.NewClient().Recover(context.Background(), replicaURL, http.ShardRecoverRequest{
			Shard:  shardID.String(),
			Source: ratudb.Node{ID: "node-1", URL: primaryURL},
		})
		if err != nil {
			t.Fatal(err)
		} else if len(resp.PhaseOneFileNames) == 0 {
			t.Fatal("expected phase one files")
		} else if got, want := resp.EndingSeqNo, int64(14); got != want {
			t.Fatalf("EndingSeqNo=%d, want %d", got, want)
		}

		dst := replica.Shard(shardID)
		if dst == nil {
			t.Fatal("expected replica shard")
		} else if got, want := dst.State(), ratudb.ShardStateStarted; got != want {
			t.Fatalf("State=%s, want %s", got, want)
		} else if got, want := dst.LocalCheckpoint(), int64(14); got != want {
			t.Fatalf("LocalCheckpoint=%d, want %d", got, want)
		}
		testingutil.AssertDocs(t, dst, 0, 15)

		// The primary tracks the replica as in-sync.
		if _, ok := src.Tracker().Checkpoints()["node-2"]; !ok {
			t.Fatal("expected replica to be tracked")
		}
	})

	t.Run("OperationBased", func(t *testing.T) {
		primary, primaryURL := newServedStore(t, "node-1")
		replica, replicaURL := newServedStore(t, "node-2")
		source := ratudb.Node{ID: "node-1", URL: primaryURL}
		client := http.NewClient()

		src := testingutil.MustCreatePrimary(t, primary, shardID, 1)
		testingutil.MustIndexN(t, src, 0, 3)
		if _, err := client.Recover(context.Background(), replicaURL, http.ShardRecoverRequest{Shard: shardID.String(), Source: source}); err != nil {
			t.Fatal(err)
		}

		testingutil.MustIndexN(t, src, 3, 4)
		resp, err := client.Recover(context.Background(), replicaURL, http.ShardRecoverRequest{Shard: shardID.String(), Source: source})
		if err != nil {
			t.Fatal(err)
		} else if got, want := len(resp.PhaseOneFileNames), 0; got != want {
			t.Fatalf("len(PhaseOneFileNames)=%d, want %d", got, want)
		} else if got, want := resp.StartingSeqNo, int64(3); got != want {
			t.Fatalf("StartingSeqNo=%d, want %d", got, want)
		} else if got, want := resp.PhaseTwoOperations, int64(4); got != want {
			t.Fatalf("PhaseTwoOperations=%d, want %d", got, want)
		}
		testingutil.AssertDocs(t, replica.Shard(shardID), 0, 7)
	})

	t.Run("ErrShardNotFound", func(t *testing.T) {
		_, primaryURL := newServedStore(t, "node-1")
		_, replicaURL := newServedStore(t, "node-2")

		_, err := http.NewClient().Recover(context.Background(), replicaURL, http.ShardRecoverRequest{
			Shard:  shardID.String(),
			Source: ratudb.Node{ID: "node-1", URL: primaryURL},
		})
		if !errors.Is(err, ratudb.ErrShardNotFound) {
			t.Fatalf("unexpected error: %#v", err)
		}
	})

	t.Run("ErrBadShard", func(t *testing.T) {
		_, replicaURL := newServedStore(t, "node-2")

		_, err := http.NewClient().Recover(context.Background(), replicaURL, http.ShardRecoverRequest{
			Shard:  "logs",
			Source: ratudb.Node{ID: "node-1", URL: "http://localhost:1"},
		})
		var remoteErr *http.RemoteError
		if !errors.As(err, &remoteErr) {
			t.Fatalf("unexpected error: %#v", err)
		} else if got, want := remoteErr.Code, 400; got != want {
			t.Fatalf("Code=%d, want %d", got, want)
		}
	})
}

func TestClient_RecoveryTarget(t *testing.T) {
	t.Run("ErrRecoveryNotFound", func(t *testing.T) {
		_, url := newServedStore(t, "node-2")

		target := http.NewClient().RecoveryTarget(url, 1000, shardID)
		if err := target.PrepareForTranslogOperations(context.Background(), 0); !errors.Is(err, ratudb.ErrRecoveryNotFound) {
			t.Fatalf("unexpected error: %#v", err)
		}
	})

	t.Run("ErrNodeDisconnected", func(t *testing.T) {
		target := http.NewClient().RecoveryTarget("http://localhost:1", 1000, shardID)
		if err := target.Cancel(context.Background(), "test"); !errors.Is(err, ratudb.ErrNodeDisconnected) {
			t.Fatalf("unexpected error: %#v", err)
		}
	})
}

func TestClient_RecoveryStatus(t *testing.T) {
	store, url := newServedStore(t, "node-1")
	testingutil.MustCreatePrimary(t, store, shardID, 1)

	status, err := http.NewClient().RecoveryStatus(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	} else if got, want := len(status.Targets), 0; got != want {
		t.Fatalf("len(Targets)=%d, want %d", got, want)
	} else if got, want := len(status.Sources), 0; got != want {
		t.Fatalf("len(Sources)=%d, want %d", got, want)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := http.NewServer(ratudb.NewStore(t.TempDir(), "node-1", false), "")
	for _, tt := range []struct {
		method string
		path   string
		code   int
	}{
		{"GET", "/recovery/start", 405},
		{"GET", "/shards/recover", 405},
		{"POST", "/shards", 405},
		{"GET", "/no-such-path", 404},
	} {
		t.Run(tt.method+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if got, want := rec.Code, tt.code; got != want {
				t.Fatalf("Code=%d, want %d", got, want)
			}
		})
	}
}

func TestServer_Shards(t *testing.T) {
	store, _ := newServedStore(t, "node-1")
	shard := testingutil.MustCreatePrimary(t, store, shardID, 2)
	testingutil.MustIndexN(t, shard, 0, 2)

	rec := httptest.NewRecorder()
	http.NewServer(store, "").Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/shards", nil))
	if got, want := rec.Code, 200; got != want {
		t.Fatalf("Code=%d, want %d", got, want)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, s := range []string{`"index": "logs"`, `"primary": true`, `"primary-term": 2`, `"doc-count": 2`} {
		if !strings.Contains(string(body), s) {
			t.Fatalf("expected %q in body: %s", s, body)
		}
	}
}

// newServedStore returns an opened store served by a test HTTP server.
func newServedStore(tb testing.TB, nodeID string) (*ratudb.Store, string) {
	tb.Helper()

	store := testingutil.NewStore(tb, nodeID, "", http.NewClient())
	srv := httptest.NewServer(http.NewServer(store, "").Handler())
	tb.Cleanup(srv.Close)

	store.AdvertiseURL = srv.URL
	testingutil.MustOpenStore(tb, store)
	return store, srv.URL
}
