package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/http"
)

// RecoverCommand represents a command to recover a shard copy on a node from
// a source node.
type RecoverCommand struct {
	// Target RatuDB URL
	URL string

	// Shard to recover, in "index/shard" form.
	Shard string

	// Node holding the primary copy.
	SourceID  string
	SourceURL string

	// If true, the primary is handed over to the target once it is in sync.
	PrimaryRelocation bool
}

// NewRecoverCommand returns a new instance of RecoverCommand.
func NewRecoverCommand() *RecoverCommand {
	return &RecoverCommand{}
}

// ParseFlags parses the command line flags.
func (c *RecoverCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("ratudb-recover", flag.ContinueOnError)
	fs.StringVar(&c.URL, "url", DefaultURL, "RatuDB API URL of the target node")
	fs.StringVar(&c.SourceID, "source-id", "", "node id of the source node")
	fs.StringVar(&c.SourceURL, "source-url", "", "RatuDB API URL of the source node")
	fs.BoolVar(&c.PrimaryRelocation, "relocate", false, "hand the primary over to the target")
	fs.Usage = func() {
		fmt.Println(`
The recover command asks the target node to recover its copy of a shard from
the source node. The copy is created if it does not exist on the target. The
command blocks until the recovery completes.

Usage:

	ratudb recover [arguments] INDEX/SHARD

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many arguments")
	}
	c.Shard = fs.Arg(0)

	if _, err := ratudb.ParseShardID(c.Shard); err != nil {
		return err
	} else if c.SourceURL == "" {
		return fmt.Errorf("source url required")
	} else if c.SourceID == "" {
		return fmt.Errorf("source id required")
	}
	return nil
}

// Run executes the command.
func (c *RecoverCommand) Run(ctx context.Context, args []string) (err error) {
	if err := c.ParseFlags(ctx, args); err != nil {
		return err
	}

	resp, err := http.NewClient().Recover(ctx, c.URL, http.ShardRecoverRequest{
		Shard:             c.Shard,
		Source:            ratudb.Node{ID: c.SourceID, URL: c.SourceURL},
		PrimaryRelocation: c.PrimaryRelocation,
	})
	if err != nil {
		return err
	}

	if len(resp.PhaseOneFileNames) > 0 {
		fmt.Printf("copied %d files (%d bytes): %s\n", len(resp.PhaseOneFileNames), resp.PhaseOneTotalSize, strings.Join(resp.PhaseOneFileNames, ", "))
	}
	fmt.Printf("replayed %d operations [%d, %d] in %s\n", resp.PhaseTwoOperations, resp.StartingSeqNo, resp.EndingSeqNo, resp.Took)
	return nil
}

// StatusCommand represents a command to print the recoveries of a node.
type StatusCommand struct{}

// NewStatusCommand returns a new instance of StatusCommand.
func NewStatusCommand() *StatusCommand {
	return &StatusCommand{}
}

// Run executes the command.
func (c *StatusCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("ratudb-status", flag.ContinueOnError)
	baseURL := fs.String("url", DefaultURL, "RatuDB API URL")
	fs.Usage = func() {
		fmt.Println(`
The status command prints the recoveries a node is currently sourcing or
receiving as JSON.

Usage:

	ratudb status [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	status, err := http.NewClient().RecoveryStatus(ctx, *baseURL)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
