package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/consul"
	"github.com/Ratu-Tech/RatuDB-sub003/http"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents a configuration for the binary process.
type Config struct {
	Exec     string `yaml:"exec"`
	LogLevel string `yaml:"log-level"`

	Data     DataConfig     `yaml:"data"`
	Translog TranslogConfig `yaml:"translog"`
	Recovery RecoveryConfig `yaml:"recovery"`
	HTTP     HTTPConfig     `yaml:"http"`
	Lease    LeaseConfig    `yaml:"lease"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config
	config.LogLevel = "info"

	config.Data.RetentionLeasePeriod = seqno.DefaultRetentionLeasePeriod
	config.Data.RetentionLeaseSyncInterval = ratudb.DefaultRetentionLeaseSyncInterval

	config.Translog.GenerationThresholdSize = translog.DefaultGenerationThresholdSize
	config.Translog.GenerationMaxAge = translog.DefaultGenerationMaxAge

	config.Recovery.ChunkSize = ratudb.DefaultChunkSize
	config.Recovery.MaxConcurrentFileChunks = ratudb.DefaultMaxConcurrentFileChunks
	config.Recovery.MaxTranslogBatchOps = ratudb.DefaultMaxTranslogBatchOps
	config.Recovery.MaxTranslogBatchBytes = ratudb.DefaultMaxTranslogBatchBytes
	config.Recovery.MaxReplayRounds = ratudb.DefaultMaxReplayRounds
	config.Recovery.MaxRetries = ratudb.DefaultMaxRecoveryRetries
	config.Recovery.RetryDelay = ratudb.DefaultRecoveryRetryDelay
	config.Recovery.RepeatedFailureThreshold = ratudb.DefaultRepeatedFailureThreshold
	config.Recovery.ReplicaSyncInterval = ratudb.DefaultReplicaSyncInterval

	config.HTTP.Addr = http.DefaultAddr

	config.Lease.Type = LeaseTypeStatic
	config.Lease.Candidate = true
	config.Lease.Consul.Key = DefaultConsulKey
	config.Lease.Consul.TTL = consul.DefaultTTL
	config.Lease.Consul.LockDelay = consul.DefaultLockDelay

	config.Tracing.MaxSize = DefaultTracingMaxSize
	config.Tracing.MaxCount = DefaultTracingMaxCount
	config.Tracing.Compress = DefaultTracingCompress

	return config
}

// DataConfig represents the configuration for the shard data directory.
type DataConfig struct {
	Dir string `yaml:"dir"`

	// Shards created on startup if they do not exist yet, in "index/shard" form.
	Shards []string `yaml:"shards"`

	RetentionLeasePeriod       time.Duration `yaml:"retention-lease-period"`
	RetentionLeaseSyncInterval time.Duration `yaml:"retention-lease-sync-interval"`
}

// TranslogConfig represents the configuration for shard translogs.
type TranslogConfig struct {
	GenerationThresholdSize int64         `yaml:"generation-threshold-size"`
	GenerationMaxAge        time.Duration `yaml:"generation-max-age"`
}

// RecoveryConfig represents the configuration for peer recoveries, both as
// source and as target.
type RecoveryConfig struct {
	ChunkSize               int64 `yaml:"chunk-size"`
	MaxConcurrentFileChunks int   `yaml:"max-concurrent-file-chunks"`
	MaxTranslogBatchOps     int   `yaml:"max-translog-batch-ops"`
	MaxTranslogBatchBytes   int64 `yaml:"max-translog-batch-bytes"`
	MaxReplayRounds         int   `yaml:"max-replay-rounds"`

	MaxRetries               int           `yaml:"max-retries"`
	RetryDelay               time.Duration `yaml:"retry-delay"`
	RepeatedFailureThreshold int           `yaml:"repeated-failure-threshold"`

	// Interval between catch-up recoveries of replica copies.
	ReplicaSyncInterval time.Duration `yaml:"replica-sync-interval"`
}

// HTTPConfig represents the configuration for the HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConsulKey is the default key under which shard leases are stored.
const DefaultConsulKey = "ratudb"

// LeaseConfig represents a generic configuration for all lease types.
type LeaseConfig struct {
	// Specifies the type of leasing to use: "consul" or "static"
	Type string `yaml:"type"`

	// The identifier of this node. Defaults to the hostname.
	NodeID string `yaml:"node-id"`

	// URL for other nodes to access this node's API.
	AdvertiseURL string `yaml:"advertise-url"`

	// Specifies if this node can become primary. Defaults to true.
	//
	// If using a "static" lease, setting this to true makes it the primary
	// of every shard. Replicas should set this to false and set the
	// primary's node id & URL in the static section.
	Candidate bool `yaml:"candidate"`

	// Static lease settings. Only used by replicas.
	Static struct {
		PrimaryNodeID string `yaml:"primary-node-id"`
		PrimaryURL    string `yaml:"primary-url"`
	} `yaml:"static"`

	// Consul lease settings.
	Consul struct {
		URL       string        `yaml:"url"`
		Key       string        `yaml:"key"`
		TTL       time.Duration `yaml:"ttl"`
		LockDelay time.Duration `yaml:"lock-delay"`
	} `yaml:"consul"`
}

// Tracing configuration defaults.
const (
	DefaultTracingMaxSize  = 64 // MB
	DefaultTracingMaxCount = 8
	DefaultTracingCompress = true
)

// TracingConfig represents the configuration the on-disk trace log.
type TracingConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max-size"`
	MaxCount int    `yaml:"max-count"`
	Compress bool   `yaml:"compress"`
}

// UnmarshalConfig unmarshals config from data.
// If expandEnv is true then environment variables are expanded in the config.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	// Expand environment variables, if enabled.
	if expandEnv {
		data = []byte(ExpandEnv(string(data)))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	if err := dec.Decode(config); err != nil {
		return err
	}
	return nil
}

// LoadDotEnv loads variables from .env files in the working directory into
// the environment. Variables that are already set are not overridden.
func LoadDotEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// ExpandEnv replaces environment variables just like os.ExpandEnv() but also
// allows for equality/inequality binary expressions within the ${} form.
func ExpandEnv(s string) string {
	return os.Expand(s, func(v string) string {
		v = strings.TrimSpace(v)

		if a := expandExprSingleQuote.FindStringSubmatch(v); a != nil {
			return compareEnv(a[2], os.Getenv(a[1]), a[3])
		}
		if a := expandExprDoubleQuote.FindStringSubmatch(v); a != nil {
			return compareEnv(a[2], os.Getenv(a[1]), a[3])
		}
		if a := expandExprVar.FindStringSubmatch(v); a != nil {
			return compareEnv(a[2], os.Getenv(a[1]), os.Getenv(a[3]))
		}

		return os.Getenv(v)
	})
}

func compareEnv(op, x, y string) string {
	if op == "==" {
		return strconv.FormatBool(x == y)
	}
	return strconv.FormatBool(x != y)
}

var (
	expandExprSingleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'(.*)'$`)
	expandExprDoubleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*"(.*)"$`)
	expandExprVar         = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*(\w+)$`)
)

// splitArgs returns the list of args before and after a "--" arg. If the double
// dash is not specified, then args0 is args and args1 is empty.
func splitArgs(args []string) (args0, args1 []string) {
	for i, v := range args {
		if v == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

// ParseConfigPath parses the configuration file from configPath, if specified.
// Otherwise searches the standard list of search paths. Returns an error if
// no configuration files could be found.
func ParseConfigPath(ctx context.Context, configPath string, expandEnv bool, config *Config) (err error) {
	// Only read from explicit path, if specified. Report any error.
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		return UnmarshalConfig(config, buf, expandEnv)
	}

	// Otherwise attempt to read each config path until we succeed.
	for _, path := range configSearchPaths() {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}

		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}

		if err := UnmarshalConfig(config, buf, expandEnv); err != nil {
			return fmt.Errorf("cannot unmarshal config file at %s: %s", path, err)
		}

		fmt.Printf("config file read from %s\n", path)
		return nil
	}

	return fmt.Errorf("config file not found")
}

// configSearchPaths returns paths to search for the config file. It starts with
// the current directory, then home directory, if available. And finally it tries
// to read from the /etc directory.
func configSearchPaths() []string {
	a := []string{"ratudb.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "ratudb.yml"))
	}
	a = append(a, "/etc/ratudb.yml")
	return a
}
