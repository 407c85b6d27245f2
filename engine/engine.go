// Package engine implements the document store of a shard copy on top of a
// bolt database. Operations are applied idempotently by sequence number so
// that replayed translog batches never change state twice.
package engine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/internal"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"github.com/boltdb/bolt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine errors.
var (
	ErrClosed           = errors.New("engine closed")
	ErrDocumentNotFound = errors.New("document not found")
)

var (
	docsBucket   = []byte("docs")
	seqNosBucket = []byte("seqnos")
	metaBucket   = []byte("meta")

	localCheckpointKey            = []byte("local_checkpoint")
	maxSeqNoKey                   = []byte("max_seq_no")
	maxAutoIDTimestampKey         = []byte("max_unsafe_auto_id_timestamp")
	maxSeqNoOfUpdatesOrDeletesKey = []byte("max_seq_no_of_updates_or_deletes")
)

// Document is the latest state of a document id.
type Document struct {
	ID          string `json:"id"`
	Source      []byte `json:"source,omitempty"`
	Version     int64  `json:"version"`
	SeqNo       int64  `json:"seq_no"`
	PrimaryTerm int64  `json:"primary_term"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// Stats is a consistent view of the engine's sequence number bookkeeping.
type Stats struct {
	LocalCheckpoint            int64 `json:"local_checkpoint"`
	MaxSeqNo                   int64 `json:"max_seq_no"`
	MaxUnsafeAutoIDTimestamp   int64 `json:"max_unsafe_auto_id_timestamp"`
	MaxSeqNoOfUpdatesOrDeletes int64 `json:"max_seq_no_of_updates_or_deletes"`
	DocCount                   int   `json:"doc_count"`
}

// Engine stores documents for a single shard copy.
type Engine struct {
	mu      sync.Mutex
	path    string
	db      *bolt.DB
	tracker *seqno.LocalCheckpointTracker

	maxUnsafeAutoIDTimestamp   int64
	maxSeqNoOfUpdatesOrDeletes int64
}

// Open opens or creates the engine database at path.
func Open(path string) (*Engine, error) {
	db, err := bolt.Open(path, 0666, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}

	e := &Engine{path: path, db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{docsBucket, seqNosBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		st, err := readState(tx)
		if err != nil {
			return err
		}
		e.tracker = st.tracker
		e.maxUnsafeAutoIDTimestamp = st.stats.MaxUnsafeAutoIDTimestamp
		e.maxSeqNoOfUpdatesOrDeletes = st.stats.MaxSeqNoOfUpdatesOrDeletes
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// Restore replaces the database at path with the snapshot stored at
// snapshotPath. The engine at path must not be open.
func Restore(path, snapshotPath string) error {
	src, err := os.Open(snapshotPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	tmpPath := path + ".tmp"
	defer func() { _ = os.Remove(tmpPath) }()

	dst, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	} else if err := dst.Sync(); err != nil {
		return err
	} else if err := dst.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	return internal.Sync(filepath.Dir(path))
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Path returns the path of the database file.
func (e *Engine) Path() string { return e.path }

// Tracker returns the local checkpoint tracker of the engine.
func (e *Engine) Tracker() *seqno.LocalCheckpointTracker { return e.tracker }

// LocalCheckpoint returns the highest sequence number below which every
// operation has been applied.
func (e *Engine) LocalCheckpoint() int64 { return e.tracker.ProcessedCheckpoint() }

// MaxSeqNo returns the highest sequence number seen by the engine.
func (e *Engine) MaxSeqNo() int64 { return e.tracker.MaxSeqNo() }

// MaxUnsafeAutoIDTimestamp returns the highest auto-generated id timestamp
// for which the engine must check for duplicates.
func (e *Engine) MaxUnsafeAutoIDTimestamp() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxUnsafeAutoIDTimestamp
}

// UpdateMaxUnsafeAutoIDTimestamp raises the max unsafe auto-id timestamp.
func (e *Engine) UpdateMaxUnsafeAutoIDTimestamp(ts int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts <= e.maxUnsafeAutoIDTimestamp {
		return nil
	}
	if err := e.putMeta(maxAutoIDTimestampKey, ts); err != nil {
		return err
	}
	e.maxUnsafeAutoIDTimestamp = ts
	return nil
}

// MaxSeqNoOfUpdatesOrDeletes returns the highest sequence number of an
// operation that updated or deleted an existing document.
func (e *Engine) MaxSeqNoOfUpdatesOrDeletes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxSeqNoOfUpdatesOrDeletes
}

// AdvanceMaxSeqNoOfUpdatesOrDeletes raises the max seqNo of updates or
// deletes to the value reported by the primary.
func (e *Engine) AdvanceMaxSeqNoOfUpdatesOrDeletes(v int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v <= e.maxSeqNoOfUpdatesOrDeletes {
		return nil
	}
	if err := e.putMeta(maxSeqNoOfUpdatesOrDeletesKey, v); err != nil {
		return err
	}
	e.maxSeqNoOfUpdatesOrDeletes = v
	return nil
}

func (e *Engine) putMeta(key []byte, v int64) error {
	if e.db == nil {
		return ErrClosed
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(key, encodeInt64(v))
	})
}

// Apply applies op to the engine. Returns false if the sequence number of op
// was already processed, in which case nothing changes. An operation older
// than the document's current state is recorded as processed but does not
// change the document.
func (e *Engine) Apply(op *translog.Operation) (applied bool, err error) {
	if err := op.Validate(); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return false, ErrClosed
	} else if e.tracker.HasProcessed(op.SeqNo) {
		engineOperationSkippedCountMetric.Inc()
		return false, nil
	}

	var updateOrDelete bool
	if err := e.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docsBucket)

		switch op.Type {
		case translog.OpTypeIndex, translog.OpTypeDelete:
			prev, err := getDocument(docs, op.ID)
			if err != nil {
				return err
			}

			// Operations older than the stored document are stale.
			if prev == nil || prev.SeqNo < op.SeqNo {
				updateOrDelete = prev != nil && !prev.Deleted
				if err := putDocument(docs, &Document{
					ID:          op.ID,
					Source:      op.Source,
					Version:     op.Version,
					SeqNo:       op.SeqNo,
					PrimaryTerm: op.PrimaryTerm,
					Deleted:     op.Type == translog.OpTypeDelete,
				}); err != nil {
					return err
				}
			}
		}

		if err := tx.Bucket(seqNosBucket).Put(encodeInt64(op.SeqNo), []byte{}); err != nil {
			return err
		}

		meta := tx.Bucket(metaBucket)
		if v := meta.Get(maxSeqNoKey); len(v) != 8 || decodeInt64(v) < op.SeqNo {
			if err := meta.Put(maxSeqNoKey, encodeInt64(op.SeqNo)); err != nil {
				return err
			}
		}
		if op.AutoGeneratedIDTimestamp > e.maxUnsafeAutoIDTimestamp {
			if err := meta.Put(maxAutoIDTimestampKey, encodeInt64(op.AutoGeneratedIDTimestamp)); err != nil {
				return err
			}
		}
		if updateOrDelete && op.SeqNo > e.maxSeqNoOfUpdatesOrDeletes {
			if err := meta.Put(maxSeqNoOfUpdatesOrDeletesKey, encodeInt64(op.SeqNo)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return false, fmt.Errorf("apply %s: %w", op, err)
	}

	e.tracker.AdvanceMaxSeqNo(op.SeqNo)
	e.tracker.MarkSeqNoAsProcessed(op.SeqNo)
	if op.AutoGeneratedIDTimestamp > e.maxUnsafeAutoIDTimestamp {
		e.maxUnsafeAutoIDTimestamp = op.AutoGeneratedIDTimestamp
	}
	if updateOrDelete && op.SeqNo > e.maxSeqNoOfUpdatesOrDeletes {
		e.maxSeqNoOfUpdatesOrDeletes = op.SeqNo
	}

	engineOperationCountMetricVec.WithLabelValues(op.Type.String()).Inc()
	return true, nil
}

// Get returns the document with the given id. Returns ErrDocumentNotFound if
// the document does not exist or was deleted.
func (e *Engine) Get(id string) (*Document, error) {
	e.mu.Lock()
	db := e.db
	e.mu.Unlock()
	if db == nil {
		return nil, ErrClosed
	}

	var doc *Document
	if err := db.View(func(tx *bolt.Tx) (err error) {
		doc, err = getDocument(tx.Bucket(docsBucket), id)
		return err
	}); err != nil {
		return nil, err
	} else if doc == nil || doc.Deleted {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// DocCount returns the number of live documents.
func (e *Engine) DocCount() (int, error) {
	e.mu.Lock()
	db := e.db
	e.mu.Unlock()
	if db == nil {
		return 0, ErrClosed
	}

	var n int
	err := db.View(func(tx *bolt.Tx) (err error) {
		n, err = countDocuments(tx)
		return err
	})
	return n, err
}

// Flush persists the local checkpoint and discards the processed sequence
// numbers at or below it.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return ErrClosed
	}

	lcp := e.tracker.ProcessedCheckpoint()
	return e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(metaBucket).Put(localCheckpointKey, encodeInt64(lcp)); err != nil {
			return err
		}

		c := tx.Bucket(seqNosBucket).Cursor()
		for k, _ := c.First(); k != nil && decodeInt64(k) <= lcp; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteSnapshot writes a consistent copy of the database to w and returns
// the statistics of the copy.
func (e *Engine) WriteSnapshot(w io.Writer) (Stats, error) {
	e.mu.Lock()
	db := e.db
	e.mu.Unlock()
	if db == nil {
		return Stats{}, ErrClosed
	}

	var stats Stats
	err := db.View(func(tx *bolt.Tx) error {
		st, err := readState(tx)
		if err != nil {
			return err
		}
		stats = st.stats

		_, err = tx.WriteTo(w)
		return err
	})
	return stats, err
}

// Stats returns the current statistics of the engine.
func (e *Engine) Stats() (Stats, error) {
	n, err := e.DocCount()
	if err != nil {
		return Stats{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		LocalCheckpoint:            e.tracker.ProcessedCheckpoint(),
		MaxSeqNo:                   e.tracker.MaxSeqNo(),
		MaxUnsafeAutoIDTimestamp:   e.maxUnsafeAutoIDTimestamp,
		MaxSeqNoOfUpdatesOrDeletes: e.maxSeqNoOfUpdatesOrDeletes,
		DocCount:                   n,
	}, nil
}

type state struct {
	tracker *seqno.LocalCheckpointTracker
	stats   Stats
}

// readState rebuilds the sequence number state stored in tx.
func readState(tx *bolt.Tx) (*state, error) {
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return nil, fmt.Errorf("engine meta bucket not found")
	}

	getInt := func(key []byte, defaultValue int64) int64 {
		if v := meta.Get(key); len(v) == 8 {
			return decodeInt64(v)
		}
		return defaultValue
	}

	lcp := getInt(localCheckpointKey, seqno.NoOpsPerformed)
	maxSeqNo := getInt(maxSeqNoKey, seqno.NoOpsPerformed)
	if maxSeqNo < lcp {
		maxSeqNo = lcp
	}

	tracker := seqno.NewLocalCheckpointTracker(maxSeqNo, lcp)
	if err := tx.Bucket(seqNosBucket).ForEach(func(k, _ []byte) error {
		tracker.MarkSeqNoAsProcessed(decodeInt64(k))
		return nil
	}); err != nil {
		return nil, err
	}

	n, err := countDocuments(tx)
	if err != nil {
		return nil, err
	}

	return &state{
		tracker: tracker,
		stats: Stats{
			LocalCheckpoint:            tracker.ProcessedCheckpoint(),
			MaxSeqNo:                   tracker.MaxSeqNo(),
			MaxUnsafeAutoIDTimestamp:   getInt(maxAutoIDTimestampKey, -1),
			MaxSeqNoOfUpdatesOrDeletes: getInt(maxSeqNoOfUpdatesOrDeletesKey, seqno.UnassignedSeqNo),
			DocCount:                   n,
		},
	}, nil
}

func countDocuments(tx *bolt.Tx) (int, error) {
	var n int
	err := tx.Bucket(docsBucket).ForEach(func(_, v []byte) error {
		var doc Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return err
		} else if !doc.Deleted {
			n++
		}
		return nil
	})
	return n, err
}

func getDocument(b *bolt.Bucket, id string) (*Document, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	var doc Document
	if err := json.Unmarshal(v, &doc); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", id, err)
	}
	return &doc, nil
}

func putDocument(b *bolt.Bucket, doc *Document) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Put([]byte(doc.ID), buf)
}

// encodeInt64 encodes v so that non-negative values sort in numeric order.
func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Engine metrics.
var (
	engineOperationCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratudb_engine_operation_count",
		Help: "Number of operations applied to the engine by type.",
	}, []string{"type"})

	engineOperationSkippedCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_engine_operation_skipped_count",
		Help: "Number of operations skipped because their seqNo was already processed.",
	})
)
