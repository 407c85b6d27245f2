package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"golang.org/x/net/http2"
)

var _ ratudb.Client = (*Client)(nil)

// Client represents a client for a RatuDB HTTP server.
type Client struct {
	// Underlying HTTP client
	HTTPClient *http.Client
}

// NewClient returns an instance of Client.
func NewClient() *Client {
	return &Client{
		HTTPClient: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
					return net.Dial(network, addr) // h2c-only right now
				},
			},
		},
	}
}

// StartRecovery asks the primary at sourceURL to recover into the target
// named in req. Blocks until the recovery ends.
func (c *Client) StartRecovery(ctx context.Context, sourceURL string, req *ratudb.StartRecoveryRequest) (*ratudb.RecoveryResponse, error) {
	var resp ratudb.RecoveryResponse
	if err := c.post(ctx, sourceURL, "/recovery/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecoveryTarget returns a handler sending each recovery step to targetURL.
func (c *Client) RecoveryTarget(targetURL string, recoveryID int64, shardID ratudb.ShardID) ratudb.RecoveryTargetHandler {
	return &RemoteRecoveryTarget{
		client:     c,
		url:        targetURL,
		recoveryID: recoveryID,
		shardID:    shardID,
	}
}

// Recover asks the node at rawurl to recover its copy of shardID from source.
func (c *Client) Recover(ctx context.Context, rawurl string, req ShardRecoverRequest) (*ShardRecoverResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, rawurl, "/shards/recover", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out ShardRecoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// RecoveryStatus returns the ongoing recoveries of the node at rawurl.
func (c *Client) RecoveryStatus(ctx context.Context, rawurl string) (*RecoveryStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, rawurl, "/recovery/status", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var status RecoveryStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &status, nil
}

// post sends msg to the path on rawurl and decodes the response into out, if not nil.
func (c *Client) post(ctx context.Context, rawurl, path string, msg io.WriterTo, out io.ReaderFrom) error {
	var buf bytes.Buffer
	if err := writeBody(&buf, msg); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, rawurl, path, &buf)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		return nil
	} else if err := readBody(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawurl, path string, body io.Reader) (*http.Response, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid client URL: %w", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme")
	} else if u.Host == "" {
		return nil, fmt.Errorf("URL host required")
	}

	// Strip off everything but the scheme & host.
	*u = url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   path,
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ratudb.ErrNodeDisconnected, err)
	} else if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &RemoteError{
			Kind:    resp.Header.Get(ErrorHeader),
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(string(msg)),
		}
	}
	return resp, nil
}

var _ ratudb.RecoveryTargetHandler = (*RemoteRecoveryTarget)(nil)

// RemoteRecoveryTarget sends recovery steps to a target node over HTTP.
type RemoteRecoveryTarget struct {
	client     *Client
	url        string
	recoveryID int64
	shardID    ratudb.ShardID
	seq        atomic.Int64
}

func (t *RemoteRecoveryTarget) PrepareForTranslogOperations(ctx context.Context, totalTranslogOps int64) error {
	return t.client.post(ctx, t.url, "/recovery/prepare-translog", &ratudb.RecoveryPrepareForTranslogOperationsRequest{
		RecoveryID:       t.recoveryID,
		ShardID:          t.shardID,
		TotalTranslogOps: totalTranslogOps,
	}, nil)
}

func (t *RemoteRecoveryTarget) ForceSegmentFileSync(ctx context.Context) error {
	return t.client.post(ctx, t.url, "/recovery/force-sync", &ratudb.RecoveryRequest{
		RecoveryID: t.recoveryID,
		ShardID:    t.shardID,
	}, nil)
}

func (t *RemoteRecoveryTarget) IndexTranslogOperations(ctx context.Context, ops []*translog.Operation, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary int64, leases seqno.RetentionLeases, mappingVersionOnPrimary int64) (int64, error) {
	var resp ratudb.RecoveryTranslogOperationsResponse
	if err := t.client.post(ctx, t.url, "/recovery/translog-ops", &ratudb.RecoveryTranslogOperationsRequest{
		RecoveryID:                          t.recoveryID,
		RequestSeqNo:                        t.seq.Add(1),
		ShardID:                             t.shardID,
		Operations:                          ops,
		TotalTranslogOps:                    totalTranslogOps,
		MaxSeenAutoIDTimestampOnPrimary:     maxSeenAutoIDTimestampOnPrimary,
		MaxSeqNoOfUpdatesOrDeletesOnPrimary: maxSeqNoOfUpdatesOrDeletesOnPrimary,
		RetentionLeases:                     leases,
		MappingVersionOnPrimary:             mappingVersionOnPrimary,
	}, &resp); err != nil {
		return 0, err
	}
	return resp.LocalCheckpoint, nil
}

func (t *RemoteRecoveryTarget) ReceiveFileInfo(ctx context.Context, names []string, sizes []int64, existingNames []string, existingSizes []int64, totalTranslogOps int64) error {
	return t.client.post(ctx, t.url, "/recovery/files-info", &ratudb.RecoveryFilesInfoRequest{
		RecoveryID:        t.recoveryID,
		ShardID:           t.shardID,
		FileNames:         names,
		FileSizes:         sizes,
		ExistingFileNames: existingNames,
		ExistingFileSizes: existingSizes,
		TotalTranslogOps:  totalTranslogOps,
	}, nil)
}

func (t *RemoteRecoveryTarget) WriteFileChunk(ctx context.Context, md ratudb.StoreFileMetadata, position int64, content []byte, lastChunk bool, totalTranslogOps int64) error {
	return t.client.post(ctx, t.url, "/recovery/file-chunk", &ratudb.FileChunkRequest{
		RecoveryID:       t.recoveryID,
		RequestSeqNo:     t.seq.Add(1),
		ShardID:          t.shardID,
		Metadata:         md,
		Position:         position,
		Content:          content,
		Checksum:         ratudb.ChecksumBytes(content),
		LastChunk:        lastChunk,
		TotalTranslogOps: totalTranslogOps,
	}, nil)
}

func (t *RemoteRecoveryTarget) CleanFiles(ctx context.Context, totalTranslogOps, globalCheckpoint int64, sourceMetadata ratudb.MetadataSnapshot) error {
	return t.client.post(ctx, t.url, "/recovery/clean-files", &ratudb.CleanFilesRequest{
		RecoveryID:       t.recoveryID,
		ShardID:          t.shardID,
		TotalTranslogOps: totalTranslogOps,
		GlobalCheckpoint: globalCheckpoint,
		SourceMetadata:   sourceMetadata,
	}, nil)
}

func (t *RemoteRecoveryTarget) FinalizeRecovery(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64) error {
	return t.client.post(ctx, t.url, "/recovery/finalize", &ratudb.FinalizeRecoveryRequest{
		RecoveryID:       t.recoveryID,
		ShardID:          t.shardID,
		GlobalCheckpoint: globalCheckpoint,
		TrimAboveSeqNo:   trimAboveSeqNo,
	}, nil)
}

func (t *RemoteRecoveryTarget) HandoffPrimaryContext(ctx context.Context, pc ratudb.PrimaryContext) error {
	return t.client.post(ctx, t.url, "/recovery/handoff", &ratudb.HandoffPrimaryContextRequest{
		RecoveryID:     t.recoveryID,
		ShardID:        t.shardID,
		PrimaryContext: pc,
	}, nil)
}

func (t *RemoteRecoveryTarget) Cancel(ctx context.Context, reason string) error {
	return t.client.post(ctx, t.url, "/recovery/cancel", &ratudb.RecoveryRequest{
		RecoveryID: t.recoveryID,
		ShardID:    t.shardID,
		Reason:     reason,
	}, nil)
}
