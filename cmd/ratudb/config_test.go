package main_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	main "github.com/Ratu-Tech/RatuDB-sub003/cmd/ratudb"
)

func TestConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		config := main.NewConfig()
		if got, want := config.Lease.Type, "static"; got != want {
			t.Fatalf("Lease.Type=%q, want %q", got, want)
		} else if got, want := config.Lease.Candidate, true; got != want {
			t.Fatalf("Lease.Candidate=%v, want %v", got, want)
		} else if got, want := config.HTTP.Addr, ":20202"; got != want {
			t.Fatalf("HTTP.Addr=%q, want %q", got, want)
		} else if config.Recovery.ChunkSize <= 0 {
			t.Fatal("expected chunk size")
		}
	})

	t.Run("Sections", func(t *testing.T) {
		config := main.NewConfig()
		if err := main.UnmarshalConfig(&config, []byte(`
exec: "run me"
data:
  dir: /var/lib/ratudb
  shards: ["logs/0", "logs/1"]
translog:
  generation-max-age: 1m
recovery:
  chunk-size: 1024
  max-retries: 7
  retry-delay: 2s
lease:
  type: consul
  node-id: node-1
  candidate: false
  consul:
    url: http://localhost:8500
    key: cluster-1
tracing:
  path: /var/log/ratudb.trace
`), false); err != nil {
			t.Fatal(err)
		}

		if got, want := config.Exec, "run me"; got != want {
			t.Fatalf("Exec=%q, want %q", got, want)
		} else if got, want := config.Data.Dir, "/var/lib/ratudb"; got != want {
			t.Fatalf("Data.Dir=%q, want %q", got, want)
		} else if got, want := strings.Join(config.Data.Shards, ","), "logs/0,logs/1"; got != want {
			t.Fatalf("Data.Shards=%q, want %q", got, want)
		} else if got, want := config.Translog.GenerationMaxAge, time.Minute; got != want {
			t.Fatalf("Translog.GenerationMaxAge=%s, want %s", got, want)
		} else if got, want := config.Recovery.ChunkSize, int64(1024); got != want {
			t.Fatalf("Recovery.ChunkSize=%d, want %d", got, want)
		} else if got, want := config.Recovery.MaxRetries, 7; got != want {
			t.Fatalf("Recovery.MaxRetries=%d, want %d", got, want)
		} else if got, want := config.Recovery.RetryDelay, 2*time.Second; got != want {
			t.Fatalf("Recovery.RetryDelay=%s, want %s", got, want)
		} else if got, want := config.Lease.Type, "consul"; got != want {
			t.Fatalf("Lease.Type=%q, want %q", got, want)
		} else if got, want := config.Lease.Candidate, false; got != want {
			t.Fatalf("Lease.Candidate=%v, want %v", got, want)
		} else if got, want := config.Lease.Consul.Key, "cluster-1"; got != want {
			t.Fatalf("Lease.Consul.Key=%q, want %q", got, want)
		} else if got, want := config.Tracing.Path, "/var/log/ratudb.trace"; got != want {
			t.Fatalf("Tracing.Path=%q, want %q", got, want)
		}

		// Unchanged fields keep their defaults.
		if got, want := config.Recovery.MaxReplayRounds, main.NewConfig().Recovery.MaxReplayRounds; got != want {
			t.Fatalf("Recovery.MaxReplayRounds=%d, want %d", got, want)
		}
	})

	t.Run("ErrUnknownField", func(t *testing.T) {
		config := main.NewConfig()
		if err := main.UnmarshalConfig(&config, []byte("data:\n  no-such-field: 1\n"), false); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("ExpandEnv", func(t *testing.T) {
		t.Setenv("RATUDB_TEST_DIR", "/tmp/ratudb")
		t.Setenv("RATUDB_TEST_REGION", "ams")

		config := main.NewConfig()
		if err := main.UnmarshalConfig(&config, []byte(`
data:
  dir: ${RATUDB_TEST_DIR}
lease:
  candidate: ${RATUDB_TEST_REGION == 'ams'}
`), true); err != nil {
			t.Fatal(err)
		}
		if got, want := config.Data.Dir, "/tmp/ratudb"; got != want {
			t.Fatalf("Data.Dir=%q, want %q", got, want)
		} else if got, want := config.Lease.Candidate, true; got != want {
			t.Fatalf("Lease.Candidate=%v, want %v", got, want)
		}
	})
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "foo")
	t.Setenv("BAR", "bar")
	t.Setenv("FOO2", "foo")

	for _, tt := range []struct {
		s    string
		want string
	}{
		{"${FOO}", "foo"},
		{"$FOO-$BAR", "foo-bar"},
		{"${ FOO == 'foo' }", "true"},
		{`${FOO != "foo"}`, "false"},
		{"${FOO == FOO2}", "true"},
		{"${FOO == BAR}", "false"},
		{"${NO_SUCH_VAR}", ""},
	} {
		t.Run(tt.s, func(t *testing.T) {
			if got := main.ExpandEnv(tt.s); got != tt.want {
				t.Fatalf("ExpandEnv(%q)=%q, want %q", tt.s, got, tt.want)
			}
		})
	}
}

func TestParseConfigPath(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ratudb.yml")
		if err := os.WriteFile(path, []byte("data:\n  dir: /data\n"), 0666); err != nil {
			t.Fatal(err)
		}

		config := main.NewConfig()
		if err := main.ParseConfigPath(context.Background(), path, true, &config); err != nil {
			t.Fatal(err)
		} else if got, want := config.Data.Dir, "/data"; got != want {
			t.Fatalf("Data.Dir=%q, want %q", got, want)
		}
	})

	t.Run("ErrNotExist", func(t *testing.T) {
		config := main.NewConfig()
		if err := main.ParseConfigPath(context.Background(), filepath.Join(t.TempDir(), "missing.yml"), true, &config); !os.IsNotExist(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
