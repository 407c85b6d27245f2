package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/consul"
	"github.com/Ratu-Tech/RatuDB-sub003/fly"
	"github.com/Ratu-Tech/RatuDB-sub003/http"
	"github.com/mattn/go-shellwords"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ServeCommand represents a command to run a RatuDB node.
type ServeCommand struct {
	cmd    *exec.Cmd  // subcommand
	execCh chan error // subcommand error channel

	Config Config

	Store      *ratudb.Store
	Leaser     ratudb.Leaser
	HTTPServer *http.Server

	// Used for generating the advertise URL for testing.
	AdvertiseURLFn func() string
}

// NewServeCommand returns a new instance of ServeCommand.
func NewServeCommand() *ServeCommand {
	return &ServeCommand{
		execCh: make(chan error),
		Config: NewConfig(),
	}
}

func (c *ServeCommand) Cmd() *exec.Cmd     { return c.cmd }
func (c *ServeCommand) ExecCh() chan error { return c.execCh }

// ParseFlags parses the command line flags & config file.
func (c *ServeCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	// Split the args list if there is a double dash arg included. Arguments
	// after the double dash are used as the "exec" subprocess config option.
	args0, args1 := splitArgs(args)

	fs := flag.NewFlagSet("ratudb-serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	tracing := fs.Bool("tracing", false, "enable trace logging to stdout")
	fs.Usage = func() {
		fmt.Println(`
The serve command runs a RatuDB node. Each local shard copy either becomes the
primary or recovers from the current primary and keeps itself in sync.

All options are specified in the ratudb.yml config file which is searched for in
the present working directory, the current user's home directory, and then
finally at /etc/ratudb.yml. Variables from a .env file in the present working
directory are loaded before the config file is expanded.

Usage:

	ratudb serve [arguments] [-- CMD [ARG...]]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args0); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments, specify a '--' to specify an exec command")
	}

	LoadDotEnv()
	if err := ParseConfigPath(ctx, *configPath, !*noExpandEnv, &c.Config); err != nil {
		return err
	}

	// Override "exec" field if specified on the CLI.
	if args1 != nil {
		c.Config.Exec = strings.Join(args1, " ")
	}

	if err := ratudb.LogLevel.UnmarshalText([]byte(c.Config.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %q", c.Config.LogLevel)
	}

	// Enable trace logging, if specified. The config settings specify a rolling
	// on-disk log whereas the CLI flag specifies output to STDOUT.
	var tw io.Writer
	if c.Config.Tracing.Path != "" {
		log.Printf("trace log enabled: %s", c.Config.Tracing.Path)
		tw = &lumberjack.Logger{
			Filename:   c.Config.Tracing.Path,
			MaxSize:    c.Config.Tracing.MaxSize,
			MaxBackups: c.Config.Tracing.MaxCount,
			Compress:   c.Config.Tracing.Compress,
		}
	}
	if *tracing {
		if tw == nil {
			tw = os.Stdout
		} else {
			tw = io.MultiWriter(os.Stdout, tw)
		}
	}
	if tw != nil {
		ratudb.TraceLog.SetOutput(tw)
	}

	return nil
}

// Validate validates the application's configuration.
func (c *ServeCommand) Validate(ctx context.Context) (err error) {
	if c.Config.Data.Dir == "" {
		return fmt.Errorf("data directory required")
	}

	// Enforce a valid lease mode.
	if !IsValidLeaseType(c.Config.Lease.Type) {
		return fmt.Errorf("invalid lease type, must be either 'consul' or 'static', got: '%v'", c.Config.Lease.Type)
	}

	for _, v := range c.Config.Data.Shards {
		if _, err := ratudb.ParseShardID(v); err != nil {
			return err
		}
	}

	if c.Config.Lease.Type == LeaseTypeStatic && !c.Config.Lease.Candidate && c.Config.Lease.Static.PrimaryURL == "" {
		return fmt.Errorf("static replica requires a primary url")
	}
	return nil
}

const (
	LeaseTypeConsul = "consul"
	LeaseTypeStatic = "static"
)

// IsValidLeaseType returns true if s is a valid lease type.
func IsValidLeaseType(s string) bool {
	switch s {
	case LeaseTypeConsul, LeaseTypeStatic:
		return true
	default:
		return false
	}
}

func (c *ServeCommand) Close() (err error) {
	if c.HTTPServer != nil {
		if e := c.HTTPServer.Close(); err == nil {
			err = e
		}
	}

	if c.Store != nil {
		if e := c.Store.Close(); err == nil {
			err = e
		}
	}

	if c.Leaser != nil {
		if e := c.Leaser.Close(); err == nil {
			err = e
		}
	}

	return err
}

func (c *ServeCommand) Run(ctx context.Context) (err error) {
	fmt.Println(VersionString())

	nodeID, err := c.nodeID()
	if err != nil {
		return err
	}

	// Start listening on HTTP server first so we can determine the URL.
	if err := c.initStore(ctx, nodeID); err != nil {
		return fmt.Errorf("cannot init store: %w", err)
	} else if err := c.initHTTPServer(ctx); err != nil {
		return fmt.Errorf("cannot init http server: %w", err)
	}

	// Determine the advertise URL for the RatuDB API.
	// Default to use the node id as hostname and the HTTP port. Also allow injection for tests.
	advertiseURL := c.Config.Lease.AdvertiseURL
	if c.AdvertiseURLFn != nil {
		advertiseURL = c.AdvertiseURLFn()
	}
	if advertiseURL == "" {
		advertiseURL = fmt.Sprintf("http://%s:%d", nodeID, c.HTTPServer.Port())
	}
	c.Store.AdvertiseURL = advertiseURL

	// Instantiate leaser.
	switch v := c.Config.Lease.Type; v {
	case LeaseTypeConsul:
		log.Println("Using Consul to determine primaries")
		if err := c.initConsul(ctx, nodeID, advertiseURL); err != nil {
			return fmt.Errorf("cannot init consul: %w", err)
		}
	case LeaseTypeStatic:
		if c.Config.Lease.Candidate {
			log.Printf("Using static primary: node-id=%s advertise-url=%s", nodeID, advertiseURL)
			c.Leaser = ratudb.NewStaticLeaser(true, nodeID, advertiseURL)
		} else {
			log.Printf("Using static primary: node-id=%s advertise-url=%s",
				c.Config.Lease.Static.PrimaryNodeID, c.Config.Lease.Static.PrimaryURL)
			c.Leaser = ratudb.NewStaticLeaser(false, c.Config.Lease.Static.PrimaryNodeID, c.Config.Lease.Static.PrimaryURL)
		}
	default:
		return fmt.Errorf("invalid lease type: %q", v)
	}

	if err := c.openStore(ctx); err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}

	c.HTTPServer.Serve()
	log.Printf("http server listening on: %s", c.HTTPServer.URL())

	// Execute subcommand, if specified in config.
	if err := c.execCmd(ctx); err != nil {
		return fmt.Errorf("cannot exec: %w", err)
	}

	return nil
}

// nodeID returns the configured node id or the hostname.
func (c *ServeCommand) nodeID() (string, error) {
	if c.Config.Lease.NodeID != "" {
		return c.Config.Lease.NodeID, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("cannot determine node id: %w", err)
	}
	return hostname, nil
}

func (c *ServeCommand) initConsul(ctx context.Context, nodeID, advertiseURL string) (err error) {
	leaser := consul.NewLeaser(c.Config.Lease.Consul.URL, c.Config.Lease.Consul.Key, nodeID, advertiseURL)
	if v := c.Config.Lease.Consul.TTL; v > 0 {
		leaser.TTL = v
	}
	if v := c.Config.Lease.Consul.LockDelay; v > 0 {
		leaser.LockDelay = v
	}
	if err := leaser.Open(); err != nil {
		return fmt.Errorf("cannot connect to consul: %w", err)
	}
	log.Printf("initializing consul: key=%s url=%s node-id=%s advertise-url=%s",
		c.Config.Lease.Consul.Key, c.Config.Lease.Consul.URL, nodeID, advertiseURL)

	c.Leaser = leaser
	return nil
}

func (c *ServeCommand) initStore(ctx context.Context, nodeID string) error {
	c.Store = ratudb.NewStore(c.Config.Data.Dir, nodeID, c.Config.Lease.Candidate)
	c.Store.Client = http.NewClient()
	c.Store.Logger = slog.Default()

	c.Store.RetentionLeasePeriod = c.Config.Data.RetentionLeasePeriod
	c.Store.RetentionLeaseSyncInterval = c.Config.Data.RetentionLeaseSyncInterval

	c.Store.TranslogOptions.GenerationThresholdSize = c.Config.Translog.GenerationThresholdSize
	c.Store.TranslogOptions.GenerationMaxAge = c.Config.Translog.GenerationMaxAge

	c.Store.ChunkSize = c.Config.Recovery.ChunkSize
	c.Store.MaxConcurrentFileChunks = c.Config.Recovery.MaxConcurrentFileChunks
	c.Store.MaxTranslogBatchOps = c.Config.Recovery.MaxTranslogBatchOps
	c.Store.MaxTranslogBatchBytes = c.Config.Recovery.MaxTranslogBatchBytes
	c.Store.MaxReplayRounds = c.Config.Recovery.MaxReplayRounds
	c.Store.MaxRecoveryRetries = c.Config.Recovery.MaxRetries
	c.Store.RecoveryRetryDelay = c.Config.Recovery.RetryDelay
	c.Store.RepeatedFailureThreshold = c.Config.Recovery.RepeatedFailureThreshold
	c.Store.ReplicaSyncInterval = c.Config.Recovery.ReplicaSyncInterval

	// Report primaries as machine metadata when running on Fly.io.
	if fly.Available() {
		c.Store.Environment = fly.NewEnvironment()
	}
	return nil
}

func (c *ServeCommand) openStore(ctx context.Context) error {
	c.Store.Leaser = c.Leaser
	if err := c.Store.Open(); err != nil {
		return err
	}

	// Create configured shards that are missing. Their monitors either
	// promote them or recover them from the primary.
	for _, v := range c.Config.Data.Shards {
		id, err := ratudb.ParseShardID(v)
		if err != nil {
			return err
		} else if c.Store.Shard(id) != nil {
			continue
		}
		if _, err := c.Store.CreateShard(id); err != nil {
			return fmt.Errorf("create shard %s: %w", id, err)
		}
	}
	return nil
}

func (c *ServeCommand) initHTTPServer(ctx context.Context) error {
	server := http.NewServer(c.Store, c.Config.HTTP.Addr)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("cannot open http server: %w", err)
	}
	c.HTTPServer = server
	return nil
}

func (c *ServeCommand) execCmd(ctx context.Context) error {
	// Exit if no subcommand specified.
	if c.Config.Exec == "" {
		return nil
	}

	// Execute subcommand process.
	args, err := shellwords.Parse(c.Config.Exec)
	if err != nil {
		return fmt.Errorf("cannot parse exec command: %w", err)
	} else if len(args) == 0 {
		return fmt.Errorf("empty exec command")
	}

	log.Printf("starting subprocess: %s %v", args[0], args[1:])

	c.cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	c.cmd.Env = append(os.Environ(),
		"RATUDB_NODE_ID="+c.Store.NodeID(),
		"RATUDB_URL="+c.Store.AdvertiseURL,
	)
	c.cmd.Stdout = os.Stdout
	c.cmd.Stderr = os.Stderr
	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("cannot start exec command: %w", err)
	}
	go func() { c.execCh <- c.cmd.Wait() }()

	return nil
}
