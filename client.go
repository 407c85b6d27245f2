package ratudb

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
)

// Client represents a client for connecting to other RatuDB nodes.
type Client interface {
	// StartRecovery asks the primary at sourceURL to recover a shard into
	// the target named in req. Blocks until the recovery ends.
	StartRecovery(ctx context.Context, sourceURL string, req *StartRecoveryRequest) (*RecoveryResponse, error)

	// RecoveryTarget returns a handler that forwards every recovery step of
	// recoveryID to the target node at targetURL.
	RecoveryTarget(targetURL string, recoveryID int64, shardID ShardID) RecoveryTargetHandler
}

var _ Client = (*LoopbackClient)(nil)

// LoopbackClient connects stores running in the same process. Stores are
// addressed by their advertised URL.
type LoopbackClient struct {
	mu           sync.Mutex
	stores       map[string]*Store
	disconnected map[string]bool
}

// NewLoopbackClient returns a new instance of LoopbackClient.
func NewLoopbackClient() *LoopbackClient {
	return &LoopbackClient{
		stores:       make(map[string]*Store),
		disconnected: make(map[string]bool),
	}
}

// Register makes store reachable at url.
func (c *LoopbackClient) Register(url string, store *Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores[url] = store
	delete(c.disconnected, url)
}

// Disconnect makes every later request to url fail with ErrNodeDisconnected.
func (c *LoopbackClient) Disconnect(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected[url] = true
}

// Reconnect reverses Disconnect.
func (c *LoopbackClient) Reconnect(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.disconnected, url)
}

func (c *LoopbackClient) store(url string) (*Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected[url] {
		return nil, fmt.Errorf("%s: %w", url, ErrNodeDisconnected)
	} else if s := c.stores[url]; s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("no node at %q: %w", url, ErrNodeDisconnected)
}

// StartRecovery runs the recovery on the store registered at sourceURL.
func (c *LoopbackClient) StartRecovery(ctx context.Context, sourceURL string, req *StartRecoveryRequest) (*RecoveryResponse, error) {
	s, err := c.store(sourceURL)
	if err != nil {
		return nil, err
	}
	return s.StartRecovery(ctx, req)
}

// RecoveryTarget returns a handler resolving the target store on every call.
func (c *LoopbackClient) RecoveryTarget(targetURL string, recoveryID int64, shardID ShardID) RecoveryTargetHandler {
	return &loopbackTarget{c: c, url: targetURL, recoveryID: recoveryID, shardID: shardID}
}

type loopbackTarget struct {
	c          *LoopbackClient
	url        string
	recoveryID int64
	shardID    ShardID
}

func (t *loopbackTarget) handler() (RecoveryTargetHandler, error) {
	s, err := t.c.store(t.url)
	if err != nil {
		return nil, err
	}
	return s.Recoveries().Handler(t.recoveryID, t.shardID), nil
}

func (t *loopbackTarget) PrepareForTranslogOperations(ctx context.Context, totalTranslogOps int64) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	return h.PrepareForTranslogOperations(ctx, totalTranslogOps)
}

func (t *loopbackTarget) ForceSegmentFileSync(ctx context.Context) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	return h.ForceSegmentFileSync(ctx)
}

func (t *loopbackTarget) IndexTranslogOperations(ctx context.Context, ops []*translog.Operation, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary int64, leases seqno.RetentionLeases, mappingVersionOnPrimary int64) (int64, error) {
	h, err := t.handler()
	if err != nil {
		return 0, err
	}
	return h.IndexTranslogOperations(ctx, ops, totalTranslogOps, maxSeenAutoIDTimestampOnPrimary, maxSeqNoOfUpdatesOrDeletesOnPrimary, leases, mappingVersionOnPrimary)
}

func (t *loopbackTarget) ReceiveFileInfo(ctx context.Context, names []string, sizes []int64, existingNames []string, existingSizes []int64, totalTranslogOps int64) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	return h.ReceiveFileInfo(ctx, names, sizes, existingNames, existingSizes, totalTranslogOps)
}

func (t *loopbackTarget) WriteFileChunk(ctx context.Context, md StoreFileMetadata, position int64, content []byte, lastChunk bool, totalTranslogOps int64) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	// Copy content so the target never aliases the source's read buffer.
	return h.WriteFileChunk(ctx, md, position, append([]byte(nil), content...), lastChunk, totalTranslogOps)
}

func (t *loopbackTarget) CleanFiles(ctx context.Context, totalTranslogOps, globalCheckpoint int64, sourceMetadata MetadataSnapshot) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	return h.CleanFiles(ctx, totalTranslogOps, globalCheckpoint, sourceMetadata)
}

func (t *loopbackTarget) FinalizeRecovery(ctx context.Context, globalCheckpoint, trimAboveSeqNo int64) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	return h.FinalizeRecovery(ctx, globalCheckpoint, trimAboveSeqNo)
}

func (t *loopbackTarget) HandoffPrimaryContext(ctx context.Context, pc PrimaryContext) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	return h.HandoffPrimaryContext(ctx, pc)
}

func (t *loopbackTarget) Cancel(ctx context.Context, reason string) error {
	h, err := t.handler()
	if err != nil {
		return err
	}
	return h.Cancel(ctx, reason)
}
