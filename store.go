package ratudb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// Default store settings.
const (
	DefaultMaxRecoveryRetries         = 3
	DefaultRecoveryRetryDelay         = 1 * time.Second
	DefaultReplicaSyncInterval        = 10 * time.Second
	DefaultRetentionLeaseSyncInterval = 30 * time.Second
	DefaultRepeatedFailureThreshold   = 5
)

// Store represents the collection of shard copies held by the local node.
type Store struct {
	mu     sync.Mutex
	path   string
	nodeID string

	shards   map[ShardID]*Shard
	leases   map[ShardID]Lease       // primary leases held by this node
	primary  map[ShardID]PrimaryInfo // current primary of replicated shards
	sources  map[sourceKey]*RecoverySourceHandler
	failures map[string]int // consecutive recovery failures by source node

	recoveries *RecoveriesCollection

	opened bool
	ctx    context.Context
	cancel func()
	g      errgroup.Group

	// Advertised URL of the local node. Sent to recovery sources so they
	// can reach the target.
	AdvertiseURL string

	// If true, the node may acquire primary leases.
	Candidate bool

	// Client used to connect to other nodes.
	Client Client

	// Leaser manages the leases that control which copy is primary.
	Leaser Leaser

	// Supplies mapping versions to recovery sources and targets.
	MappingService MappingService

	// Settings applied to every shard copy.
	TranslogOptions      translog.Options
	RetentionLeasePeriod time.Duration

	// Recovery settings on the target.
	MaxRecoveryRetries       int
	RecoveryRetryDelay       time.Duration
	RepeatedFailureThreshold int

	// Recovery settings on the source.
	ChunkSize               int64
	MaxConcurrentFileChunks int
	MaxTranslogBatchOps     int
	MaxTranslogBatchBytes   int64
	MaxReplayRounds         int

	// Interval between catch-up recoveries of replica copies.
	ReplicaSyncInterval time.Duration

	// Interval between expirations of stale retention leases.
	RetentionLeaseSyncInterval time.Duration

	// If set, notified whenever the set of local primaries changes.
	Environment Environment

	OS     OS
	Logger *slog.Logger
}

type sourceKey struct {
	shardID  ShardID
	targetID string
}

// NewStore returns a new instance of Store.
func NewStore(path, nodeID string, candidate bool) *Store {
	s := &Store{
		path:   path,
		nodeID: nodeID,

		shards:   make(map[ShardID]*Shard),
		leases:   make(map[ShardID]Lease),
		primary:  make(map[ShardID]PrimaryInfo),
		sources:  make(map[sourceKey]*RecoverySourceHandler),
		failures: make(map[string]int),

		recoveries: NewRecoveriesCollection(),

		Candidate:      candidate,
		MappingService: NewStaticMappingService(),

		TranslogOptions:      translog.NewOptions(),
		RetentionLeasePeriod: seqno.DefaultRetentionLeasePeriod,

		MaxRecoveryRetries:       DefaultMaxRecoveryRetries,
		RecoveryRetryDelay:       DefaultRecoveryRetryDelay,
		RepeatedFailureThreshold: DefaultRepeatedFailureThreshold,

		ChunkSize:               DefaultChunkSize,
		MaxConcurrentFileChunks: DefaultMaxConcurrentFileChunks,
		MaxTranslogBatchOps:     DefaultMaxTranslogBatchOps,
		MaxTranslogBatchBytes:   DefaultMaxTranslogBatchBytes,
		MaxReplayRounds:         DefaultMaxReplayRounds,

		ReplicaSyncInterval:        DefaultReplicaSyncInterval,
		RetentionLeaseSyncInterval: DefaultRetentionLeaseSyncInterval,

		Logger: slog.Default(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s
}

// Path returns underlying data directory.
func (s *Store) Path() string { return s.path }

// NodeID returns the id of the local node.
func (s *Store) NodeID() string { return s.nodeID }

// Node returns the local node.
func (s *Store) Node() Node { return Node{ID: s.nodeID, URL: s.AdvertiseURL} }

// ShardDir returns the folder that stores a single shard copy.
func (s *Store) ShardDir(id ShardID) string {
	return filepath.Join(s.path, id.Index, strconv.Itoa(int(id.Shard)))
}

// Recoveries returns the recoveries targeting this node.
func (s *Store) Recoveries() *RecoveriesCollection { return s.recoveries }

// Open initializes the store based on files in the data directory.
func (s *Store) Open() error {
	if err := os.MkdirAll(s.path, 0777); err != nil {
		return err
	}

	if err := s.openShards(); err != nil {
		return fmt.Errorf("open shards: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true

	// Begin background lease monitors & retention lease expiration.
	if s.Leaser != nil {
		for _, shard := range s.shards {
			s.startMonitor(shard)
		}
	} else {
		s.Logger.Warn("no leaser assigned, shard copies must be promoted and recovered manually")
	}
	s.g.Go(func() error { return s.monitorRetentionLeases(s.ctx) })

	return nil
}

func (s *Store) openShards() error {
	indexes, err := os.ReadDir(s.path)
	if err != nil {
		return fmt.Errorf("readdir: %w", err)
	}

	for _, index := range indexes {
		if !index.IsDir() {
			continue
		}

		ents, err := os.ReadDir(filepath.Join(s.path, index.Name()))
		if err != nil {
			return fmt.Errorf("readdir: %w", err)
		}
		for _, ent := range ents {
			id, err := ParseShardID(index.Name() + "/" + ent.Name())
			if err != nil || !ent.IsDir() || strconv.Itoa(int(id.Shard)) != ent.Name() {
				s.Logger.Debug("not a shard directory, skipping", slog.String("path", filepath.Join(index.Name(), ent.Name())))
				continue
			}
			if _, err := s.openShard(id); err != nil {
				return fmt.Errorf("open shard %s: %w", id, err)
			}
		}
	}

	return nil
}

func (s *Store) openShard(id ShardID) (*Shard, error) {
	shard := NewShard(id, s.ShardDir(id), s.nodeID)
	shard.TranslogOptions = s.TranslogOptions
	shard.RetentionLeasePeriod = s.RetentionLeasePeriod
	shard.Logger = s.Logger
	if s.OS != nil {
		shard.OS = s.OS
	}
	if err := shard.Open(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[id] = shard
	return shard, nil
}

// Close signals for the store to shut down and closes every shard copy.
func (s *Store) Close() (retErr error) {
	s.cancel()
	if err := s.g.Wait(); err != nil {
		retErr = err
	}

	for _, shard := range s.Shards() {
		if err := shard.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}
	return retErr
}

// Shard returns the local copy of a shard. Returns nil if it does not exist.
func (s *Store) Shard(id ShardID) *Shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shards[id]
}

// Shards returns all local shard copies ordered by id.
func (s *Store) Shards() []*Shard {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := make([]*Shard, 0, len(s.shards))
	for _, shard := range s.shards {
		a = append(a, shard)
	}
	sort.Slice(a, func(i, j int) bool {
		if a[i].ID().Index != a[j].ID().Index {
			return a[i].ID().Index < a[j].ID().Index
		}
		return a[i].ID().Shard < a[j].ID().Shard
	})
	return a
}

// CreateShard creates an empty local copy of a shard. The copy is started by
// either promoting it or recovering it from the primary.
func (s *Store) CreateShard(id ShardID) (*Shard, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	} else if s.Shard(id) != nil {
		return nil, ErrShardExists
	}

	shard, err := s.openShard(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened && s.Leaser != nil {
		s.startMonitor(shard)
	}
	s.Logger.Info("shard created", slog.String("shard", id.String()), slog.String("path", shard.Path()))
	return shard, nil
}

// IsPrimary returns true if the store holds the primary lease of the shard.
func (s *Store) IsPrimary(id ShardID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[id] != nil
}

// PrimaryInfo returns the primary of a replicated shard, if known.
func (s *Store) PrimaryInfo(id ShardID) (PrimaryInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.primary[id]
	return info, ok
}

// Lease returns the primary lease held for the shard, if any.
func (s *Store) Lease(id ShardID) Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[id]
}

// startMonitor starts the lease monitor of a shard. Must hold mu.
func (s *Store) startMonitor(shard *Shard) {
	s.g.Go(func() error { return s.monitor(s.ctx, shard) })
}

// monitor continuously handles either the primary lease of a shard or
// recovers the local copy from the current primary.
func (s *Store) monitor(ctx context.Context, shard *Shard) error {
	for {
		// Exit if store is closed.
		if err := ctx.Err(); err != nil {
			return nil
		}

		// A relocated copy has handed primary mode to its target for good.
		if shard.State() == ShardStateRelocated {
			s.Logger.Info("shard relocated, monitor stopped", slog.String("shard", shard.ID().String()))
			return nil
		}

		// Attempt to either obtain the primary lease or read the current primary.
		lease, info, err := s.acquireLeaseOrPrimaryInfo(ctx, shard.ID())
		if err != nil {
			s.Logger.Warn("cannot acquire lease or find primary, retrying", slog.String("shard", shard.ID().String()), slog.Any("err", err))
			sleepWithContext(ctx, 1*time.Second)
			continue
		}

		// Monitor as replica if another primary already exists. The replica
		// returns a lease if a relocation handed primary mode over to it.
		if lease == nil {
			s.Logger.Info("existing primary found, recovering as replica", slog.String("shard", shard.ID().String()), slog.String("primary", info.Node().String()))
			if lease, err = s.monitorAsReplica(ctx, shard, info); err != nil {
				s.Logger.Warn("replica disconnected, retrying", slog.String("shard", shard.ID().String()), slog.Any("err", err))
				sleepWithContext(ctx, 1*time.Second)
				continue
			} else if lease == nil {
				continue
			}
		}

		s.Logger.Info("primary lease acquired", slog.String("shard", shard.ID().String()), slog.String("advertise_url", s.AdvertiseURL))
		if err := s.monitorAsPrimary(ctx, shard, lease); err != nil {
			s.Logger.Warn("primary lease lost, retrying", slog.String("shard", shard.ID().String()), slog.Any("err", err))
		}
	}
}

func (s *Store) acquireLeaseOrPrimaryInfo(ctx context.Context, id ShardID) (Lease, PrimaryInfo, error) {
	// Attempt to find an existing primary first.
	info, err := s.Leaser.PrimaryInfo(ctx, id)
	if err != nil && !errors.Is(err, ErrNoPrimary) {
		return nil, PrimaryInfo{}, fmt.Errorf("fetch primary info: %w", err)
	} else if err == nil {
		return nil, info, nil
	}

	// If there's no primary and we're not allowed to become the primary
	// then return an error so we retry.
	if !s.Candidate {
		return nil, PrimaryInfo{}, ErrNoPrimary
	}

	// If no primary, attempt to become primary.
	lease, err := s.Leaser.Acquire(ctx, id)
	if err != nil && !errors.Is(err, ErrPrimaryExists) {
		return nil, PrimaryInfo{}, fmt.Errorf("acquire lease: %w", err)
	} else if lease != nil {
		return lease, PrimaryInfo{}, nil
	}

	// If we raced to become primary and another node beat us, retry the fetch.
	if info, err = s.Leaser.PrimaryInfo(ctx, id); err != nil {
		return nil, PrimaryInfo{}, err
	}
	return nil, info, nil
}

// monitorAsPrimary promotes the copy and renews the lease until it is lost,
// handed off or the store closes.
func (s *Store) monitorAsPrimary(ctx context.Context, shard *Shard, lease Lease) error {
	const timeout = 1 * time.Second

	var handedOff bool

	// Attempt to destroy lease when we exit this function, unless it now
	// belongs to the relocation target.
	defer func() {
		if handedOff {
			return
		}
		s.Logger.Info("exiting primary, destroying lease", slog.String("shard", shard.ID().String()))
		if err := lease.Close(); err != nil {
			s.Logger.Warn("cannot remove lease", slog.String("shard", shard.ID().String()), slog.Any("err", err))
		}
	}()

	// A copy that took over from a relocation source keeps its term. Any
	// other copy starts a new term.
	term := shard.PrimaryTerm()
	if !shard.IsPrimary() {
		term++
	}
	if err := shard.Promote(term); err != nil {
		return fmt.Errorf("promote: %w", err)
	}

	// Mark as the primary node while we're in this function.
	s.mu.Lock()
	s.leases[shard.ID()] = lease
	delete(s.primary, shard.ID())
	s.mu.Unlock()
	s.reportPrimaryShards(ctx)

	// Demote the copy once we exit this function.
	defer func() {
		s.mu.Lock()
		delete(s.leases, shard.ID())
		s.mu.Unlock()
		s.reportPrimaryShards(context.Background())

		if !handedOff {
			shard.Demote()
		}
	}()

	waitDur := lease.TTL() / 2

	for {
		timer := time.NewTimer(waitDur)
		select {
		case <-timer.C:
			if shard.State() == ShardStateRelocated {
				handedOff = true
				return nil
			}

			// Attempt to renew the lease. If the lease is gone then we need to
			// just exit and we can start over or connect to the new primary.
			//
			// If we just have a connection error then we'll try to more
			// aggressively retry the renewal until we exceed TTL.
			if err := lease.Renew(ctx); errors.Is(err, ErrLeaseExpired) {
				return err
			} else if err != nil {
				// If our next renewal will exceed TTL, exit now.
				if time.Since(lease.RenewedAt())+timeout > lease.TTL() {
					sleepWithContext(ctx, timeout)
					return ErrLeaseExpired
				}

				// Otherwise log error and try again after a shorter period.
				s.Logger.Warn("lease renewal error, retrying", slog.String("shard", shard.ID().String()), slog.Any("err", err))
				waitDur = time.Second
				continue
			}

			// Renewal was successful, restart with low frequency.
			waitDur = lease.TTL() / 2

		case nodeID := <-lease.HandoffCh():
			timer.Stop()
			s.Logger.Info("primary lease handed off", slog.String("shard", shard.ID().String()), slog.String("node", nodeID))
			handedOff = true
			return nil

		case <-ctx.Done():
			timer.Stop()
			return nil // release lease when we shut down
		}
	}
}

// reportPrimaryShards sends the shards this node holds the primary lease of
// to the host environment, if any.
func (s *Store) reportPrimaryShards(ctx context.Context) {
	if s.Environment == nil {
		return
	}

	s.mu.Lock()
	ids := make([]ShardID, 0, len(s.leases))
	for id := range s.leases {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	if err := s.Environment.SetPrimaryShards(ctx, ids); err != nil {
		s.Logger.Info("cannot set primary status on host environment", slog.Any("err", err))
	}
}

// monitorAsReplica keeps the local copy in sync with the primary by
// recovering from it periodically. Returns the primary lease if the copy
// took over primary mode from a relocating primary.
func (s *Store) monitorAsReplica(ctx context.Context, shard *Shard, info PrimaryInfo) (Lease, error) {
	// Store the primary while we're in this function.
	s.mu.Lock()
	s.primary[shard.ID()] = info
	s.mu.Unlock()

	// Clear the primary once we leave this function since we can no longer reach it.
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.primary, shard.ID())
	}()

	shard.Demote()

	ticker := time.NewTicker(s.ReplicaSyncInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Recover(ctx, shard.ID(), info.Node(), false); errors.Is(err, ErrRepeatedRecoveryFailure) {
			return nil, err
		} else if err != nil && ctx.Err() == nil {
			s.Logger.Warn("replica recovery failed", slog.String("shard", shard.ID().String()), slog.Any("err", err))
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case leaseID := <-shard.PromoteCh():
			lease, err := s.Leaser.AcquireExisting(ctx, shard.ID(), leaseID)
			if err != nil {
				return nil, fmt.Errorf("acquire handed off lease: %w", err)
			}
			return lease, nil
		case <-ticker.C:
		}

		// Re-resolve the primary if it changed since the last round.
		if current, err := s.Leaser.PrimaryInfo(ctx, shard.ID()); err != nil {
			return nil, fmt.Errorf("fetch primary info: %w", err)
		} else if current.NodeID != info.NodeID {
			return nil, nil
		}
	}
}

// monitorRetentionLeases periodically expires stale retention leases of the
// primary copies and trims their translogs.
func (s *Store) monitorRetentionLeases(ctx context.Context) error {
	ticker := time.NewTicker(s.RetentionLeaseSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, shard := range s.Shards() {
				if !shard.IsPrimary() {
					continue
				}
				if err := shard.SyncRetentionLeases(); err != nil {
					s.Logger.Warn("cannot sync retention leases", slog.String("shard", shard.ID().String()), slog.Any("err", err))
				}
			}
		}
	}
}

// StartRecovery runs a recovery of a local primary copy into the target
// named by req. Only one recovery per shard and target runs at a time.
func (s *Store) StartRecovery(ctx context.Context, req *StartRecoveryRequest) (*RecoveryResponse, error) {
	shard := s.Shard(req.ShardID)
	if shard == nil {
		return nil, ErrShardNotFound
	}

	key := sourceKey{shardID: req.ShardID, targetID: req.TargetNode.ID}

	s.mu.Lock()
	if _, ok := s.sources[key]; ok {
		s.mu.Unlock()
		return nil, ErrRecoveryInProgress
	}

	// The source describes itself as it is known locally.
	req.SourceNode = s.Node()

	target := s.Client.RecoveryTarget(req.TargetNode.URL, req.RecoveryID, req.ShardID)
	h := NewRecoverySourceHandler(shard, target, req, s.MappingService, s.leases[req.ShardID])
	h.ChunkSize = s.ChunkSize
	h.MaxConcurrentFileChunks = s.MaxConcurrentFileChunks
	h.MaxTranslogBatchOps = s.MaxTranslogBatchOps
	h.MaxTranslogBatchBytes = s.MaxTranslogBatchBytes
	h.MaxReplayRounds = s.MaxReplayRounds
	h.Logger = s.Logger
	s.sources[key] = h
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.sources, key)
	}()

	return h.Recover(ctx)
}

// SourceRecoveries returns the progress of the recoveries this node is
// currently sourcing.
func (s *Store) SourceRecoveries() []RecoveryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := make([]RecoveryInfo, 0, len(s.sources))
	for _, h := range s.sources {
		a = append(a, h.State().Info())
	}
	sort.Slice(a, func(i, j int) bool { return a[i].RecoveryID < a[j].RecoveryID })
	return a
}

// Recover recovers the local copy of a shard from source. Retryable
// failures are retried on a fresh recovery id. Once the number of
// consecutive failures against source reaches RepeatedFailureThreshold the
// failure is returned wrapping ErrRepeatedRecoveryFailure.
func (s *Store) Recover(ctx context.Context, shardID ShardID, source Node, primaryRelocation bool) (*RecoveryResponse, error) {
	shard := s.Shard(shardID)
	if shard == nil {
		return nil, ErrShardNotFound
	}

	for attempt := 0; ; attempt++ {
		resp, err := s.recoverOnce(ctx, shard, source, primaryRelocation)
		if err == nil {
			s.resetRecoveryFailures(source.ID)
			return resp, nil
		} else if ctx.Err() != nil {
			return nil, err
		}

		if n := s.recordRecoveryFailure(source.ID); s.RepeatedFailureThreshold > 0 && n >= s.RepeatedFailureThreshold {
			return nil, fmt.Errorf("%w: %d consecutive failures from %s: %w", ErrRepeatedRecoveryFailure, n, source.ID, err)
		} else if !IsRetryable(err) || attempt >= s.MaxRecoveryRetries {
			return nil, err
		}

		s.Logger.Info("recovery failed, retrying",
			slog.String("shard", shardID.String()),
			slog.String("source", source.ID),
			slog.Int("attempt", attempt+1),
			slog.Any("err", err))
		if err := sleepWithContext(ctx, s.RecoveryRetryDelay); err != nil {
			return nil, err
		}
	}
}

func (s *Store) recoverOnce(ctx context.Context, shard *Shard, source Node, primaryRelocation bool) (*RecoveryResponse, error) {
	if err := shard.StartRecovery(); err != nil {
		return nil, err
	}

	t := s.recoveries.Start(shard, source, s.Node(), primaryRelocation, s.MappingService)
	t.Logger = s.Logger
	defer s.recoveries.Remove(t.RecoveryID())

	md, err := shard.Metadata()
	if err != nil {
		t.Fail(err)
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	req := &StartRecoveryRequest{
		RecoveryID:         t.RecoveryID(),
		ShardID:            shard.ID(),
		SourceNode:         source,
		TargetNode:         s.Node(),
		PrimaryTerm:        shard.PrimaryTerm(),
		TargetAllocationID: s.nodeID,
		MetadataSnapshot:   md,
		StartingSeqNo:      shard.RecoveryStartingSeqNo(),
		PrimaryRelocation:  primaryRelocation,
	}

	resp, err := s.Client.StartRecovery(ctx, source.URL, req)
	if err != nil {
		t.Fail(err)
		return nil, err
	} else if err := t.MarkAsDone(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Store) recordRecoveryFailure(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[sourceID]++
	n := s.failures[sourceID]
	recoveryConsecutiveFailuresMetricVec.WithLabelValues(sourceID).Set(float64(n))
	return n
}

func (s *Store) resetRecoveryFailures(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, sourceID)
	recoveryConsecutiveFailuresMetricVec.WithLabelValues(sourceID).Set(0)
}

// RecoveryFailures returns the number of consecutive recovery failures
// against a source node.
func (s *Store) RecoveryFailures(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[sourceID]
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// Store metrics.
var (
	recoveryConsecutiveFailuresMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ratudb_recovery_consecutive_failures",
		Help: "Number of consecutive recovery failures against a source node.",
	}, []string{"source"})
)
