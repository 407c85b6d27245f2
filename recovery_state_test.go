package ratudb_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
)

func TestRecoveryState(t *testing.T) {
	source := ratudb.Node{ID: "node-1", URL: "http://node-1"}
	target := ratudb.Node{ID: "node-2", URL: "http://node-2"}

	t.Run("FileBased", func(t *testing.T) {
		s := ratudb.NewRecoveryState(1, testShardID, source, target, false)
		if got, want := s.Stage(), ratudb.StageNotStarted; got != want {
			t.Fatalf("Stage=%s, want %s", got, want)
		}

		for _, stage := range []ratudb.RecoveryStage{
			ratudb.StageFileCopy,
			ratudb.StageFileCopy, // repeated
			ratudb.StageTranslogReplay,
			ratudb.StageFinalize,
			ratudb.StageDone,
		} {
			if err := s.SetStage(stage); err != nil {
				t.Fatal(err)
			}
		}

		// Terminal stages are never left.
		if err := s.SetStage(ratudb.StageFileCopy); err == nil {
			t.Fatal("expected error")
		}
		s.Fail(errors.New("marker"))
		if got, want := s.Stage(), ratudb.StageDone; got != want {
			t.Fatalf("Stage=%s, want %s", got, want)
		} else if s.Err() != nil {
			t.Fatal("expected no error")
		}
	})

	t.Run("OperationBased", func(t *testing.T) {
		s := ratudb.NewRecoveryState(1, testShardID, source, target, false)
		if err := s.SetStage(ratudb.StageTranslogReplay); err != nil {
			t.Fatal(err)
		} else if err := s.SetStage(ratudb.StageFileCopy); err != nil {
			t.Fatal(err) // file-based resync
		} else if err := s.SetStage(ratudb.StageFinalize); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("Fail", func(t *testing.T) {
		s := ratudb.NewRecoveryState(1, testShardID, source, target, false)
		s.Fail(ratudb.ErrNodeDisconnected)
		if got, want := s.Stage(), ratudb.StageFailed; got != want {
			t.Fatalf("Stage=%s, want %s", got, want)
		} else if !errors.Is(s.Err(), ratudb.ErrNodeDisconnected) {
			t.Fatalf("unexpected error: %v", s.Err())
		} else if got, want := s.Info().Failure, "node disconnected"; got != want {
			t.Fatalf("Failure=%q, want %q", got, want)
		}
	})

	t.Run("Info", func(t *testing.T) {
		s := ratudb.NewRecoveryState(7, testShardID, source, target, true)
		s.AddFile("_2.seg", 100, false)
		s.AddFile("_1.seg", 50, true)
		s.AddRecoveredBytes("_2.seg", 40)
		s.AddRecoveredBytes("no-such-file", 40)
		s.SetTotalOperations(10)
		s.IncrementRecoveredOperations(3)
		s.IncrementRecoveredOperations(4)

		info := s.Info()
		if got, want := info.RecoveryID, int64(7); got != want {
			t.Fatalf("RecoveryID=%d, want %d", got, want)
		} else if got, want := info.PrimaryRelocation, true; got != want {
			t.Fatalf("PrimaryRelocation=%v, want %v", got, want)
		} else if got, want := len(info.Files), 2; got != want {
			t.Fatalf("len(Files)=%d, want %d", got, want)
		} else if got, want := info.Files[0].Name, "_1.seg"; got != want {
			t.Fatalf("Files[0].Name=%q, want %q", got, want)
		} else if got, want := info.TotalBytes, int64(150); got != want {
			t.Fatalf("TotalBytes=%d, want %d", got, want)
		} else if got, want := info.RecoveredBytes, int64(90); got != want {
			t.Fatalf("RecoveredBytes=%d, want %d", got, want)
		} else if got, want := info.ReusedBytes, int64(50); got != want {
			t.Fatalf("ReusedBytes=%d, want %d", got, want)
		} else if got, want := info.TotalOperations, int64(10); got != want {
			t.Fatalf("TotalOperations=%d, want %d", got, want)
		} else if got, want := info.RecoveredOps, int64(7); got != want {
			t.Fatalf("RecoveredOps=%d, want %d", got, want)
		}

		buf, err := json.Marshal(info)
		if err != nil {
			t.Fatal(err)
		} else if !strings.Contains(string(buf), `"stage":"not-started"`) {
			t.Fatalf("unexpected json: %s", buf)
		}

		s.ResetFiles()
		if got, want := len(s.Info().Files), 0; got != want {
			t.Fatalf("len(Files)=%d, want %d", got, want)
		}
	})
}
