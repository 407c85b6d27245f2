package mock

import (
	"context"
	"time"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
)

var _ ratudb.Leaser = (*Leaser)(nil)

type Leaser struct {
	CloseFunc           func() error
	NodeIDFunc          func() string
	AdvertiseURLFunc    func() string
	AcquireFunc         func(ctx context.Context, shardID ratudb.ShardID) (ratudb.Lease, error)
	AcquireExistingFunc func(ctx context.Context, shardID ratudb.ShardID, leaseID string) (ratudb.Lease, error)
	PrimaryInfoFunc     func(ctx context.Context, shardID ratudb.ShardID) (ratudb.PrimaryInfo, error)
	ClusterIDFunc       func(ctx context.Context) (string, error)
	SetClusterIDFunc    func(ctx context.Context, clusterID string) error
}

func (l *Leaser) Close() error {
	return l.CloseFunc()
}

func (l *Leaser) Type() string { return "mock" }

func (l *Leaser) NodeID() string {
	return l.NodeIDFunc()
}

func (l *Leaser) AdvertiseURL() string {
	return l.AdvertiseURLFunc()
}

func (l *Leaser) Acquire(ctx context.Context, shardID ratudb.ShardID) (ratudb.Lease, error) {
	return l.AcquireFunc(ctx, shardID)
}

func (l *Leaser) AcquireExisting(ctx context.Context, shardID ratudb.ShardID, leaseID string) (ratudb.Lease, error) {
	return l.AcquireExistingFunc(ctx, shardID, leaseID)
}

func (l *Leaser) PrimaryInfo(ctx context.Context, shardID ratudb.ShardID) (ratudb.PrimaryInfo, error) {
	return l.PrimaryInfoFunc(ctx, shardID)
}

func (l *Leaser) ClusterID(ctx context.Context) (string, error) {
	return l.ClusterIDFunc(ctx)
}

func (l *Leaser) SetClusterID(ctx context.Context, clusterID string) error {
	return l.SetClusterIDFunc(ctx, clusterID)
}

var _ ratudb.Lease = (*Lease)(nil)

type Lease struct {
	IDFunc        func() string
	ShardIDFunc   func() ratudb.ShardID
	RenewedAtFunc func() time.Time
	TTLFunc       func() time.Duration
	RenewFunc     func(ctx context.Context) error
	HandoffFunc   func(ctx context.Context, nodeID string) error
	HandoffChFunc func() <-chan string
	CloseFunc     func() error
}

func (l *Lease) ID() string {
	return l.IDFunc()
}

func (l *Lease) ShardID() ratudb.ShardID {
	return l.ShardIDFunc()
}

func (l *Lease) RenewedAt() time.Time {
	return l.RenewedAtFunc()
}

func (l *Lease) TTL() time.Duration {
	return l.TTLFunc()
}

func (l *Lease) Renew(ctx context.Context) error {
	return l.RenewFunc(ctx)
}

func (l *Lease) Handoff(ctx context.Context, nodeID string) error {
	return l.HandoffFunc(ctx, nodeID)
}

func (l *Lease) HandoffCh() <-chan string {
	return l.HandoffChFunc()
}

func (l *Lease) Close() error {
	return l.CloseFunc()
}
