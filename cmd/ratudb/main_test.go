package main_test

import (
	"flag"
	"log"
	"os"
	"testing"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"golang.org/x/exp/slog"
)

var tracing = flag.Bool("tracing", false, "enable trace logging")

func init() {
	log.SetFlags(0)
	ratudb.LogLevel.Set(slog.LevelDebug)
}

func TestMain(m *testing.M) {
	flag.Parse()
	if *tracing {
		ratudb.TraceLog = log.New(os.Stdout, "", ratudb.TraceLogFlags)
	}
	os.Exit(m.Run())
}
