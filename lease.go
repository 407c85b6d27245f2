package ratudb

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Leaser represents an API for obtaining the primary lease of a shard. Only
// the node holding a shard's lease operates its copy as primary.
type Leaser interface {
	io.Closer

	// Type returns the name of the leaser.
	Type() string

	NodeID() string
	AdvertiseURL() string

	// Acquire attempts to acquire the lease to become the shard's primary.
	// Returns ErrPrimaryExists if another node holds the lease.
	Acquire(ctx context.Context, shardID ShardID) (Lease, error)

	// AcquireExisting returns a lease from an existing lease ID.
	// This occurs when a relocating primary hands off to its target.
	AcquireExisting(ctx context.Context, shardID ShardID, leaseID string) (Lease, error)

	// PrimaryInfo attempts to read the current primary of the shard.
	// Returns ErrNoPrimary if no primary currently has the lease.
	PrimaryInfo(ctx context.Context, shardID ShardID) (PrimaryInfo, error)

	// ClusterID returns the cluster ID set on the leaser.
	// This is used to ensure two clusters do not accidentally overlap.
	ClusterID(ctx context.Context) (string, error)

	// SetClusterID sets the cluster ID on the leaser.
	SetClusterID(ctx context.Context, clusterID string) error
}

// Lease represents an acquired primary lease from a Leaser.
type Lease interface {
	ID() string
	ShardID() ShardID
	RenewedAt() time.Time
	TTL() time.Duration

	// Renew attempts to reset the TTL on the lease.
	// Returns ErrLeaseExpired if the lease has expired or was deleted.
	Renew(ctx context.Context) error

	// Marks the lease as handed-off to another node.
	// This should send the nodeID to the channel returned by HandoffCh().
	Handoff(ctx context.Context, nodeID string) error
	HandoffCh() <-chan string

	// Close attempts to remove the lease from the server.
	Close() error
}

// PrimaryInfo is the JSON object stored as the lease value.
type PrimaryInfo struct {
	NodeID       string `json:"node-id"`
	AdvertiseURL string `json:"advertise-url"`
}

// Node returns the primary as a node.
func (info PrimaryInfo) Node() Node {
	return Node{ID: info.NodeID, URL: info.AdvertiseURL}
}

// StaticLeaser always returns a lease to a static primary for every shard.
type StaticLeaser struct {
	isPrimary    bool
	nodeID       string
	advertiseURL string
}

// NewStaticLeaser returns a new instance of StaticLeaser. The node ID and URL
// are of the local node if isPrimary is true, otherwise of the static primary.
func NewStaticLeaser(isPrimary bool, nodeID, advertiseURL string) *StaticLeaser {
	return &StaticLeaser{
		isPrimary:    isPrimary,
		nodeID:       nodeID,
		advertiseURL: advertiseURL,
	}
}

// Close is a no-op.
func (l *StaticLeaser) Close() (err error) { return nil }

// Type returns "static".
func (l *StaticLeaser) Type() string { return "static" }

func (l *StaticLeaser) NodeID() string {
	return l.nodeID
}

// AdvertiseURL returns the primary URL if this is the primary.
// Otherwise returns blank.
func (l *StaticLeaser) AdvertiseURL() string {
	if l.isPrimary {
		return l.advertiseURL
	}
	return ""
}

// Acquire returns a lease if this node is the static primary.
// Otherwise returns ErrPrimaryExists.
func (l *StaticLeaser) Acquire(ctx context.Context, shardID ShardID) (Lease, error) {
	if !l.isPrimary {
		return nil, ErrPrimaryExists
	}
	return &StaticLease{shardID: shardID}, nil
}

// AcquireExisting always returns an error. Static leasing does not support handoff.
func (l *StaticLeaser) AcquireExisting(ctx context.Context, shardID ShardID, leaseID string) (Lease, error) {
	return nil, fmt.Errorf("static lease handoff not supported")
}

// PrimaryInfo returns the primary's info.
// Returns ErrNoPrimary if the node is the primary.
func (l *StaticLeaser) PrimaryInfo(ctx context.Context, shardID ShardID) (PrimaryInfo, error) {
	if l.isPrimary {
		return PrimaryInfo{}, ErrNoPrimary
	}
	return PrimaryInfo{
		NodeID:       l.nodeID,
		AdvertiseURL: l.advertiseURL,
	}, nil
}

// IsPrimary returns true if the current node is the primary.
func (l *StaticLeaser) IsPrimary() bool {
	return l.isPrimary
}

// ClusterID always returns a blank string for the static leaser.
func (l *StaticLeaser) ClusterID(ctx context.Context) (string, error) {
	return "", nil
}

// SetClusterID is always a no-op for the static leaser.
func (l *StaticLeaser) SetClusterID(ctx context.Context, clusterID string) error {
	return nil
}

var _ Lease = (*StaticLease)(nil)

// StaticLease represents a lease for a fixed primary.
type StaticLease struct {
	shardID ShardID
}

// ID always returns a blank string.
func (l *StaticLease) ID() string { return "" }

// ShardID returns the shard the lease was acquired for.
func (l *StaticLease) ShardID() ShardID { return l.shardID }

// RenewedAt returns the Unix epoch in UTC.
func (l *StaticLease) RenewedAt() time.Time { return time.Unix(0, 0).UTC() }

// TTL returns the duration until the lease expires which is a time well into the future.
func (l *StaticLease) TTL() time.Duration { return staticLeaseExpiresAt.Sub(l.RenewedAt()) }

// Renew is a no-op.
func (l *StaticLease) Renew(ctx context.Context) error { return nil }

// Handoff always returns an error.
func (l *StaticLease) Handoff(ctx context.Context, nodeID string) error {
	return fmt.Errorf("static lease does not support handoff")
}

// HandoffCh always returns a nil channel.
func (l *StaticLease) HandoffCh() <-chan string { return nil }

func (l *StaticLease) Close() error { return nil }

var staticLeaseExpiresAt = time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC)
