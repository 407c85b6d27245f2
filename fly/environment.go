package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"golang.org/x/exp/slog"
)

const DefaultTimeout = 2 * time.Second

// Metadata keys set on the machine.
const (
	RoleMetadataKey          = "role"
	PrimaryShardsMetadataKey = "primary-shards"
)

var _ ratudb.Environment = (*Environment)(nil)

// Environment reports the primary shards of the node as Fly.io machine
// metadata so that requests can be routed to the primary.
type Environment struct {
	HTTPClient *http.Client

	Timeout time.Duration
	Logger  *slog.Logger
}

func NewEnvironment() *Environment {
	return &Environment{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", "/.fly/api")
				},
			},
		},
		Timeout: DefaultTimeout,
		Logger:  slog.Default(),
	}
}

func (e *Environment) Type() string { return "fly.io" }

// SetPrimaryShards sets the machine role to "primary" if the node holds the
// primary of any shard and lists those shards.
func (e *Environment) SetPrimaryShards(ctx context.Context, shards []ratudb.ShardID) error {
	appName, machineID := AppName(), MachineID()
	if appName == "" {
		e.Logger.Info("cannot set primary status on host environment", slog.String("reason", "app name unavailable"))
		return nil
	} else if machineID == "" {
		e.Logger.Info("cannot set primary status on host environment", slog.String("reason", "machine id unavailable"))
		return nil
	}

	role := "replica"
	if len(shards) > 0 {
		role = "primary"
	}
	names := make([]string, len(shards))
	for i, id := range shards {
		names[i] = id.Index + "/" + fmt.Sprint(id.Shard)
	}

	if err := e.setMetadata(ctx, appName, machineID, RoleMetadataKey, role); err != nil {
		return err
	}
	return e.setMetadata(ctx, appName, machineID, PrimaryShardsMetadataKey, strings.Join(names, ","))
}

func (e *Environment) setMetadata(ctx context.Context, appName, machineID, key, value string) error {
	reqBody, err := json.Marshal(postMetadataRequest{Value: value})
	if err != nil {
		return fmt.Errorf("marshal metadata request body: %w", err)
	}

	u := url.URL{
		Scheme: "http",
		Host:   "localhost",
		Path:   path.Join("/v1", "apps", appName, "machines", machineID, "metadata", key),
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(reqBody))
	if err != nil {
		return err
	}

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("cannot set machine metadata %q: code=%d", key, resp.StatusCode)
	}
}

type postMetadataRequest struct {
	Value string `json:"value"`
}

// Available returns true if currently running in a Fly.io environment.
func Available() bool { return AppName() != "" }

// AppName returns the name of the current Fly.io application.
func AppName() string {
	return os.Getenv("FLY_APP_NAME")
}

// MachineID returns the identifier for the current Fly.io machine.
func MachineID() string {
	return os.Getenv("FLY_MACHINE_ID")
}
