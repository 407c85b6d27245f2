package seqno

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/internal"
)

// Retention lease errors.
var (
	ErrIllegalRetentionLeaseUpdate = errors.New("illegal retention lease update")
	ErrRetentionLeaseNotFound      = errors.New("retention lease not found")
	ErrInvalidRetentionLease       = errors.New("invalid retention lease")
)

// DefaultRetentionLeasePeriod is the time a lease remains valid without renewal.
const DefaultRetentionLeasePeriod = 12 * time.Hour

// PeerRecoveryRetentionLeaseSource is the source of leases held for peer recoveries.
const PeerRecoveryRetentionLeaseSource = "peer recovery"

// PeerRecoveryRetentionLeaseID returns the lease ID held on behalf of a
// recovering copy on the given node.
func PeerRecoveryRetentionLeaseID(nodeID string) string {
	return "peer_recovery/" + nodeID
}

// IsPeerRecoveryRetentionLease returns true if id was generated by PeerRecoveryRetentionLeaseID.
func IsPeerRecoveryRetentionLease(id string) bool {
	return strings.HasPrefix(id, "peer_recovery/")
}

// RetentionLease is a promise that operations with a sequence number at or
// above RetainingSeqNo are not purged from the translog.
type RetentionLease struct {
	ID             string `json:"id"`
	RetainingSeqNo int64  `json:"retaining_seq_no"`
	Timestamp      int64  `json:"timestamp"` // unix millis of the last renewal
	Source         string `json:"source"`
}

// Validate returns an error if the lease has an invalid field.
func (l *RetentionLease) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRetentionLease)
	} else if l.RetainingSeqNo < 0 {
		return fmt.Errorf("%w: retaining seqNo must be non-negative: %d", ErrInvalidRetentionLease, l.RetainingSeqNo)
	} else if l.Timestamp < 0 {
		return fmt.Errorf("%w: timestamp must be non-negative: %d", ErrInvalidRetentionLease, l.Timestamp)
	} else if l.Source == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidRetentionLease)
	}
	return nil
}

// String returns a string representation of the lease.
func (l RetentionLease) String() string {
	return fmt.Sprintf("RetentionLease{id=%s, retaining_seq_no=%d, timestamp=%d, source=%s}",
		l.ID, l.RetainingSeqNo, l.Timestamp, l.Source)
}

// RetentionLeases is a versioned collection of retention leases. A collection
// issued under a higher primary term, or a higher version under the same
// term, supersedes another.
type RetentionLeases struct {
	PrimaryTerm int64            `json:"primary_term"`
	Version     int64            `json:"version"`
	Leases      []RetentionLease `json:"leases"`
}

// Supersedes returns true if l is newer than other.
func (l RetentionLeases) Supersedes(other RetentionLeases) bool {
	return l.PrimaryTerm > other.PrimaryTerm ||
		(l.PrimaryTerm == other.PrimaryTerm && l.Version > other.Version)
}

// Get returns the lease with the given id.
func (l RetentionLeases) Get(id string) (RetentionLease, bool) {
	for _, lease := range l.Leases {
		if lease.ID == id {
			return lease, true
		}
	}
	return RetentionLease{}, false
}

// IllegalRetentionLeaseUpdateError is returned when a renewal attempts to
// move a lease's retaining sequence number backward.
type IllegalRetentionLeaseUpdateError struct {
	ID       string
	Current  int64
	Proposed int64
}

func (e *IllegalRetentionLeaseUpdateError) Error() string {
	return fmt.Sprintf("retention lease %q: retaining seqNo cannot move backward from %d to %d", e.ID, e.Current, e.Proposed)
}

func (e *IllegalRetentionLeaseUpdateError) Unwrap() error { return ErrIllegalRetentionLeaseUpdate }

// RetentionLeaseTable holds the retention leases of a single shard copy.
// Leases are mutated by their holder's renewals and by the shard's expiry
// sweep; the table's own mutex is the only guard required.
type RetentionLeaseTable struct {
	mu          sync.Mutex
	primaryTerm int64
	version     int64
	leases      map[string]RetentionLease

	// Period is the time a lease remains valid after its last renewal.
	Period time.Duration
}

// NewRetentionLeaseTable returns an empty table for the given primary term.
func NewRetentionLeaseTable(primaryTerm int64) *RetentionLeaseTable {
	return &RetentionLeaseTable{
		primaryTerm: primaryTerm,
		leases:      make(map[string]RetentionLease),
		Period:      DefaultRetentionLeasePeriod,
	}
}

// AddOrRenew inserts a lease or renews an existing one. The retaining
// sequence number of an existing lease may never decrease.
func (t *RetentionLeaseTable) AddOrRenew(id string, retainingSeqNo int64, source string, now time.Time) (RetentionLease, error) {
	lease := RetentionLease{
		ID:             id,
		RetainingSeqNo: retainingSeqNo,
		Timestamp:      now.UnixMilli(),
		Source:         source,
	}
	if err := lease.Validate(); err != nil {
		return RetentionLease{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.leases[id]; ok && retainingSeqNo < prev.RetainingSeqNo {
		return RetentionLease{}, &IllegalRetentionLeaseUpdateError{
			ID:       id,
			Current:  prev.RetainingSeqNo,
			Proposed: retainingSeqNo,
		}
	}

	t.leases[id] = lease
	t.version++
	return lease, nil
}

// Remove deletes the lease with the given id.
func (t *RetentionLeaseTable) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.leases[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRetentionLeaseNotFound, id)
	}
	delete(t.leases, id)
	t.version++
	return nil
}

// Get returns the lease with the given id.
func (t *RetentionLeaseTable) Get(id string) (RetentionLease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lease, ok := t.leases[id]
	return lease, ok
}

// MinimumRetainedSeqNo returns the lowest retaining sequence number across
// all leases. Returns math.MaxInt64 when no leases exist so that the caller's
// own checkpoint bounds retention.
func (t *RetentionLeaseTable) MinimumRetainedSeqNo() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	min := int64(math.MaxInt64)
	for _, lease := range t.leases {
		if lease.RetainingSeqNo < min {
			min = lease.RetainingSeqNo
		}
	}
	return min
}

// ExpireLeases removes every lease whose last renewal is older than Period
// and returns the removed leases. Expiry is idempotent: a lease that is
// renewed after expiring is simply added again.
func (t *RetentionLeaseTable) ExpireLeases(now time.Time) []RetentionLease {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.Period).UnixMilli()

	var expired []RetentionLease
	for id, lease := range t.leases {
		if lease.Timestamp < cutoff {
			expired = append(expired, lease)
			delete(t.leases, id)
		}
	}
	if len(expired) > 0 {
		t.version++
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// PrimaryTerm returns the primary term the table is operating under.
func (t *RetentionLeaseTable) PrimaryTerm() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primaryTerm
}

// SetPrimaryTerm updates the primary term. The term never decreases.
func (t *RetentionLeaseTable) SetPrimaryTerm(term int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if term > t.primaryTerm {
		t.primaryTerm = term
	}
}

// Leases returns a copy of the current leases, sorted by id.
func (t *RetentionLeaseTable) Leases() RetentionLeases {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leasesLocked()
}

func (t *RetentionLeaseTable) leasesLocked() RetentionLeases {
	a := make([]RetentionLease, 0, len(t.leases))
	for _, lease := range t.leases {
		a = append(a, lease)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].ID < a[j].ID })

	return RetentionLeases{
		PrimaryTerm: t.primaryTerm,
		Version:     t.version,
		Leases:      a,
	}
}

// Replace adopts leases issued by the primary if they supersede the local
// collection. Returns true if the table was replaced.
func (t *RetentionLeaseTable) Replace(leases RetentionLeases) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !leases.Supersedes(t.leasesLocked()) {
		return false
	}

	t.primaryTerm, t.version = leases.PrimaryTerm, leases.Version
	t.leases = make(map[string]RetentionLease, len(leases.Leases))
	for _, lease := range leases.Leases {
		t.leases[lease.ID] = lease
	}
	return true
}

// WriteTo writes the leases as JSON to w.
func (t *RetentionLeaseTable) WriteTo(w io.Writer) (int64, error) {
	buf, err := json.Marshal(t.Leases())
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadRetentionLeases decodes a JSON lease collection from r.
func ReadRetentionLeases(r io.Reader) (RetentionLeases, error) {
	var leases RetentionLeases
	if err := json.NewDecoder(r).Decode(&leases); err != nil {
		return leases, err
	}
	for i := range leases.Leases {
		if err := leases.Leases[i].Validate(); err != nil {
			return leases, err
		}
	}
	return leases, nil
}

// LoadRetentionLeaseTable reads a table previously persisted to path.
// Returns an empty table if the file does not exist.
func LoadRetentionLeaseTable(path string, primaryTerm int64) (*RetentionLeaseTable, error) {
	t := NewRetentionLeaseTable(primaryTerm)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return t, nil
	} else if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	leases, err := ReadRetentionLeases(f)
	if err != nil {
		return nil, fmt.Errorf("read retention leases: %w", err)
	}

	t.version = leases.Version
	if leases.PrimaryTerm > t.primaryTerm {
		t.primaryTerm = leases.PrimaryTerm
	}
	for _, lease := range leases.Leases {
		t.leases[lease.ID] = lease
	}
	return t, nil
}

// Persist atomically writes the table to path.
func (t *RetentionLeaseTable) Persist(path string) error {
	buf, err := json.Marshal(t.Leases())
	if err != nil {
		return err
	}
	return internal.WriteFileAtomic(path, buf, 0666)
}
