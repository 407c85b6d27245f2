package translog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/internal"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/slog"
)

// Default generation thresholds.
const (
	DefaultGenerationThresholdSize = 64 << 20
	DefaultGenerationMaxAge        = 0
)

// writeBufferSize is the size of the buffer in front of the current generation.
const writeBufferSize = 64 << 10

// FileSystem is the subset of file operations used by the translog. The op
// argument names the calling operation so that tests can inject failures.
type FileSystem interface {
	MkdirAll(op, path string, perm os.FileMode) error
	OpenFile(op, name string, flag int, perm os.FileMode) (*os.File, error)
	ReadDir(op, name string) ([]os.DirEntry, error)
	Remove(op, name string) error
	Rename(op, oldpath, newpath string) error
}

// Options configures a Translog.
type Options struct {
	// Size of the current generation, excluding its header, at which
	// ShouldRollGeneration reports true. Disabled if zero.
	GenerationThresholdSize int64

	// Age of the current generation's first operation at which
	// ShouldRollGeneration reports true. Disabled if zero.
	GenerationMaxAge time.Duration

	// File system used for all writes. Defaults to the system file system.
	OS FileSystem

	// Returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewOptions returns options with the default thresholds.
func NewOptions() Options {
	return Options{
		GenerationThresholdSize: DefaultGenerationThresholdSize,
		GenerationMaxAge:        DefaultGenerationMaxAge,
	}
}

// Translog is an append-only, generational log of write operations. Older
// generations remain readable until they are trimmed once no retention lease
// or open snapshot needs them.
type Translog struct {
	mu          sync.Mutex
	path        string
	uuid        string
	primaryTerm int64
	opts        Options

	readers []*reader // older generations, oldest first
	current *writer

	globalCheckpoint int64
	refs             map[int64]int // open snapshot references per generation
	tragic           error
	closed           bool
}

func newTranslog(path, uuid string, primaryTerm int64, opts Options) *Translog {
	if opts.OS == nil {
		opts.OS = &internal.SystemOS{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Translog{
		path:             path,
		uuid:             uuid,
		primaryTerm:      primaryTerm,
		opts:             opts,
		globalCheckpoint: seqno.UnassignedSeqNo,
		refs:             make(map[int64]int),
	}
}

// Create initializes an empty translog in path with a single generation.
// Any existing translog files in path are removed.
func Create(path, uuid string, primaryTerm, globalCheckpoint int64, opts Options) (*Translog, error) {
	t := newTranslog(path, uuid, primaryTerm, opts)
	t.globalCheckpoint = globalCheckpoint

	if err := t.opts.OS.MkdirAll("translog.create", path, 0777); err != nil {
		return nil, err
	}

	ents, err := t.opts.OS.ReadDir("translog.create", path)
	if err != nil {
		return nil, err
	}
	for _, ent := range ents {
		if _, ok := ParseGenerationFilename(ent.Name()); ok || isCheckpointFile(ent.Name()) {
			if err := t.opts.OS.Remove("translog.create", filepath.Join(path, ent.Name())); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	w, err := t.createWriter(1)
	if err != nil {
		return nil, err
	}
	t.current = w

	if err := t.writeCheckpoint(CheckpointFilename, t.currentCheckpoint()); err != nil {
		_ = w.f.Close()
		return nil, err
	}

	translogGenerationCountMetric.Inc()
	return t, nil
}

// Open opens an existing translog in path. The translog must have been
// created with the same uuid. The generation that was current when the
// translog was last synced becomes read-only and a new generation is started.
func Open(path, uuid string, primaryTerm int64, opts Options) (_ *Translog, retErr error) {
	t := newTranslog(path, uuid, primaryTerm, opts)

	ckp, err := ReadCheckpoint(filepath.Join(path, CheckpointFilename))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	t.globalCheckpoint = ckp.GlobalCheckpoint

	defer func() {
		if retErr != nil {
			t.closeFiles()
		}
	}()

	// Remove generations left behind by an interrupted roll or trim.
	ents, err := t.opts.OS.ReadDir("translog.open", path)
	if err != nil {
		return nil, err
	}
	for _, ent := range ents {
		gen, ok := ParseGenerationFilename(ent.Name())
		if !ok || (gen >= ckp.MinTranslogGeneration && gen <= ckp.Generation) {
			continue
		}
		if err := t.removeGeneration("translog.open", gen); err != nil {
			return nil, err
		}
	}

	for gen := ckp.MinTranslogGeneration; gen < ckp.Generation; gen++ {
		c, err := ReadCheckpoint(filepath.Join(path, GenerationCheckpointFilename(gen)))
		if err != nil {
			return nil, fmt.Errorf("read generation checkpoint: %w", err)
		}
		r, err := t.openReader(gen, c)
		if err != nil {
			return nil, err
		}
		t.readers = append(t.readers, r)
	}

	// Freeze the last current generation at its synced checkpoint.
	r, err := t.openReader(ckp.Generation, ckp)
	if err != nil {
		return nil, err
	}
	t.readers = append(t.readers, r)
	if err := t.writeCheckpoint(GenerationCheckpointFilename(ckp.Generation), ckp); err != nil {
		return nil, err
	}

	w, err := t.createWriter(ckp.Generation + 1)
	if err != nil {
		return nil, err
	}
	t.current = w

	if err := t.writeCheckpoint(CheckpointFilename, t.currentCheckpoint()); err != nil {
		return nil, err
	}

	translogGenerationCountMetric.Add(float64(len(t.readers) + 1))
	return t, nil
}

// Path returns the translog directory.
func (t *Translog) Path() string { return t.path }

// UUID returns the identifier written into every generation header.
func (t *Translog) UUID() string { return t.uuid }

// PrimaryTerm returns the term written into new generation headers.
func (t *Translog) PrimaryTerm() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primaryTerm
}

// SetPrimaryTerm raises the primary term. The term is written into the
// header of the next generation. Lower terms are ignored.
func (t *Translog) SetPrimaryTerm(term int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if term > t.primaryTerm {
		t.primaryTerm = term
	}
}

// CurrentGeneration returns the generation currently being written.
func (t *Translog) CurrentGeneration() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return 0
	}
	return t.current.generation
}

// MinGeneration returns the oldest generation still retained.
func (t *Translog) MinGeneration() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minGenerationLocked()
}

func (t *Translog) minGenerationLocked() int64 {
	if len(t.readers) > 0 {
		return t.readers[0].generation
	} else if t.current != nil {
		return t.current.generation
	}
	return 0
}

// GlobalCheckpoint returns the global checkpoint recorded by the translog.
func (t *Translog) GlobalCheckpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalCheckpoint
}

// SetGlobalCheckpoint updates the global checkpoint. It is persisted on the
// next call to Sync.
func (t *Translog) SetGlobalCheckpoint(gcp int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.globalCheckpoint = gcp
}

// Tragic returns the error that failed the translog, if any.
func (t *Translog) Tragic() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tragic
}

func (t *Translog) ensureOpen() error {
	if t.tragic != nil {
		return fmt.Errorf("%w: %w", ErrFailed, t.tragic)
	} else if t.closed {
		return ErrClosed
	}
	return nil
}

// fail records a disk error as tragic. Every later call fails with it.
func (t *Translog) fail(err error) error {
	if t.tragic == nil {
		t.tragic = err
		translogTragicCountMetric.Inc()
		slog.Error("translog failed", slog.String("path", t.path), slog.String("err", err.Error()))
	}
	return fmt.Errorf("%w: %w", ErrFailed, err)
}

// Add appends op to the current generation and returns its location. The
// operation is durable only after the next Sync.
func (t *Translog) Add(op *Operation) (Location, error) {
	if err := op.Validate(); err != nil {
		return Location{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureOpen(); err != nil {
		return Location{}, err
	} else if op.PrimaryTerm > t.primaryTerm {
		return Location{}, fmt.Errorf("%w: %d > %d", ErrTermTooNew, op.PrimaryTerm, t.primaryTerm)
	}

	// A generation never holds operations newer than its header's term.
	if op.PrimaryTerm > t.current.header.PrimaryTerm {
		if err := t.rollGenerationLocked(); err != nil {
			return Location{}, err
		}
	}

	w := t.current
	n, err := WriteRecord(w.buf, op)
	if err != nil {
		return Location{}, t.fail(fmt.Errorf("write operation: %w", err))
	}

	loc := Location{Generation: w.generation, Offset: w.offset, Size: n}
	w.offset += n
	w.numOps++
	if w.numOps == 1 || op.SeqNo < w.minSeqNo {
		w.minSeqNo = op.SeqNo
	}
	if w.numOps == 1 || op.SeqNo > w.maxSeqNo {
		w.maxSeqNo = op.SeqNo
	}
	if w.numOps == 1 {
		w.firstOpAt = t.opts.Now()
	}

	translogOperationCountMetric.Inc()
	translogBytesMetric.Add(float64(n))
	return loc, nil
}

// Sync flushes the current generation to disk and persists its checkpoint.
func (t *Translog) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureOpen(); err != nil {
		return err
	}
	return t.syncLocked()
}

func (t *Translog) syncLocked() error {
	if err := t.current.sync(); err != nil {
		return t.fail(err)
	}
	if err := t.writeCheckpoint(CheckpointFilename, t.currentCheckpoint()); err != nil {
		return t.fail(err)
	}
	translogSyncCountMetric.Inc()
	return nil
}

// ShouldRollGeneration returns true if the current generation has exceeded
// its size or age threshold.
func (t *Translog) ShouldRollGeneration() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.closed {
		return false
	}

	w := t.current
	if t.opts.GenerationThresholdSize > 0 && w.offset-w.header.Size() >= t.opts.GenerationThresholdSize {
		return true
	}
	if t.opts.GenerationMaxAge > 0 && w.numOps > 0 && t.opts.Now().Sub(w.firstOpAt) >= t.opts.GenerationMaxAge {
		return true
	}
	return false
}

// RollGeneration syncs and freezes the current generation and starts a new one.
func (t *Translog) RollGeneration() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureOpen(); err != nil {
		return err
	}
	return t.rollGenerationLocked()
}

func (t *Translog) rollGenerationLocked() error {
	prev := t.current
	if err := prev.sync(); err != nil {
		return t.fail(err)
	}

	ckp := t.currentCheckpoint()
	if err := t.writeCheckpoint(GenerationCheckpointFilename(prev.generation), ckp); err != nil {
		return t.fail(err)
	}

	w, err := t.createWriter(prev.generation + 1)
	if err != nil {
		return t.fail(err)
	}

	t.readers = append(t.readers, &reader{
		generation: prev.generation,
		path:       prev.path,
		header:     prev.header,
		checkpoint: ckp,
		f:          prev.f,
	})
	t.current = w

	if err := t.writeCheckpoint(CheckpointFilename, t.currentCheckpoint()); err != nil {
		return t.fail(err)
	}

	translogGenerationCountMetric.Inc()
	slog.Debug("translog generation rolled",
		slog.String("path", t.path),
		slog.Int64("generation", w.generation),
		slog.Int64("prev_ops", int64(ckp.NumOps)))
	return nil
}

// TrimUnreferencedReaders deletes the oldest generations whose operations
// are all below minRequiredSeqNo. Generations referenced by an open snapshot
// and the current generation are never deleted.
func (t *Translog) TrimUnreferencedReaders(minRequiredSeqNo int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureOpen(); err != nil {
		return err
	}

	var n int
	for _, r := range t.readers {
		if r.checkpoint.MaxSeqNo >= minRequiredSeqNo || t.refs[r.generation] > 0 {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}

	trimmed := t.readers[:n]
	t.readers = append([]*reader(nil), t.readers[n:]...)

	// Persist the new minimum generation before files disappear.
	if err := t.writeCheckpoint(CheckpointFilename, t.currentCheckpoint()); err != nil {
		return t.fail(err)
	}

	for _, r := range trimmed {
		_ = r.f.Close()
		if err := t.removeGeneration("translog.trim", r.generation); err != nil {
			return err
		}
	}

	translogGenerationCountMetric.Sub(float64(n))
	slog.Debug("translog generations trimmed",
		slog.String("path", t.path),
		slog.Int("n", n),
		slog.Int64("min_generation", t.minGenerationLocked()))
	return nil
}

// TrimOperations marks operations above aboveSeqNo as discarded in every
// generation written under a primary term older than belowTerm. Those
// operations belonged to a superseded primary and are skipped by snapshots.
// The bound of a generation is only ever lowered so repeated calls are no-ops.
func (t *Translog) TrimOperations(belowTerm, aboveSeqNo int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureOpen(); err != nil {
		return err
	} else if belowTerm > t.primaryTerm {
		return fmt.Errorf("cannot trim translog below term %d, current term is %d", belowTerm, t.primaryTerm)
	} else if aboveSeqNo < seqno.NoOpsPerformed {
		return fmt.Errorf("invalid trim seqNo: %d", aboveSeqNo)
	}

	if t.current.header.PrimaryTerm < belowTerm && t.current.numOps > 0 {
		if err := t.rollGenerationLocked(); err != nil {
			return err
		}
	}

	for _, r := range t.readers {
		if r.header.PrimaryTerm >= belowTerm {
			continue
		}

		ckp := r.checkpoint
		if ckp.TrimmedAboveSeqNo != seqno.UnassignedSeqNo && aboveSeqNo >= ckp.TrimmedAboveSeqNo {
			continue
		} else if ckp.TrimmedAboveSeqNo == seqno.UnassignedSeqNo && aboveSeqNo >= ckp.MaxSeqNo {
			continue
		}

		ckp.TrimmedAboveSeqNo = aboveSeqNo
		if err := t.writeCheckpoint(GenerationCheckpointFilename(r.generation), ckp); err != nil {
			return t.fail(err)
		}
		r.checkpoint = ckp

		slog.Debug("translog operations trimmed",
			slog.String("path", t.path),
			slog.Int64("generation", r.generation),
			slog.Int64("above_seq_no", aboveSeqNo))
	}
	return nil
}

// EstimateTotalOperationsFromMinSeqNo returns the number of operations held
// in generations that may contain operations at or above minSeqNo.
func (t *Translog) EstimateTotalOperationsFromMinSeqNo(minSeqNo int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	for _, ckp := range t.checkpointsLocked() {
		if ckp.NumOps > 0 && ckp.MaxSeqNo >= minSeqNo {
			n += int(ckp.NumOps)
		}
	}
	return n
}

// Stats represents statistics about the translog.
type Stats struct {
	Operations        int   `json:"operations"`
	SizeInBytes       int64 `json:"size_in_bytes"`
	Generations       int   `json:"generations"`
	MinGeneration     int64 `json:"min_generation"`
	CurrentGeneration int64 `json:"current_generation"`
	GlobalCheckpoint  int64 `json:"global_checkpoint"`
}

// Stats returns statistics about the translog.
func (t *Translog) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		MinGeneration:    t.minGenerationLocked(),
		GlobalCheckpoint: t.globalCheckpoint,
	}
	if t.current != nil {
		s.CurrentGeneration = t.current.generation
	}
	for _, ckp := range t.checkpointsLocked() {
		s.Operations += int(ckp.NumOps)
		s.SizeInBytes += ckp.Offset
		s.Generations++
	}
	return s
}

// checkpointsLocked returns the checkpoints of all generations, oldest first.
func (t *Translog) checkpointsLocked() []Checkpoint {
	a := make([]Checkpoint, 0, len(t.readers)+1)
	for _, r := range t.readers {
		a = append(a, r.checkpoint)
	}
	if t.current != nil {
		a = append(a, t.currentCheckpoint())
	}
	return a
}

// Close syncs the current generation and closes all files. A failed
// translog is closed without syncing.
func (t *Translog) Close() (retErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.tragic == nil && t.current != nil {
		retErr = t.syncLocked()
	}
	t.closeFiles()

	translogGenerationCountMetric.Sub(float64(len(t.readers) + 1))
	return retErr
}

func (t *Translog) closeFiles() {
	for _, r := range t.readers {
		_ = r.f.Close()
	}
	if t.current != nil {
		_ = t.current.f.Close()
	}
}

// NewSnapshot returns a lazy iterator over operations with sequence numbers
// in [fromSeqNo, toSeqNo]. The generations covered by the snapshot are
// retained until the snapshot is closed.
func (t *Translog) NewSnapshot(fromSeqNo, toSeqNo int64) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureOpen(); err != nil {
		return nil, err
	}

	// Operations buffered in the current generation must be visible.
	if err := t.current.flush(); err != nil {
		return nil, t.fail(err)
	}

	s := &Snapshot{
		t:         t,
		fromSeqNo: fromSeqNo,
		toSeqNo:   toSeqNo,
		seen:      newSeqNoSet(fromSeqNo),
	}

	add := func(gen int64, path string, hdr *Header, f *os.File, ckp Checkpoint) {
		if ckp.NumOps == 0 || ckp.MaxSeqNo < fromSeqNo || ckp.MinSeqNo > toSeqNo {
			return
		}
		s.generations = append(s.generations, snapshotGeneration{
			generation: gen,
			path:       path,
			section:    io.NewSectionReader(f, hdr.Size(), ckp.Offset-hdr.Size()),
			checkpoint: ckp,
		})
		t.refs[gen]++
	}
	add(t.current.generation, t.current.path, t.current.header, t.current.f, t.currentCheckpoint())
	for i := len(t.readers) - 1; i >= 0; i-- {
		r := t.readers[i]
		add(r.generation, r.path, r.header, r.f, r.checkpoint)
	}

	for _, g := range s.generations {
		s.total += int(g.checkpoint.NumOps)
	}
	return s, nil
}

func (t *Translog) release(gens []snapshotGeneration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range gens {
		if t.refs[g.generation]--; t.refs[g.generation] <= 0 {
			delete(t.refs, g.generation)
		}
	}
}

func (t *Translog) currentCheckpoint() Checkpoint {
	return t.current.checkpoint(t.globalCheckpoint, t.minGenerationLocked())
}

func (t *Translog) createWriter(generation int64) (_ *writer, retErr error) {
	hdr := &Header{Version: VersionCurrent, UUID: t.uuid, PrimaryTerm: t.primaryTerm}
	path := filepath.Join(t.path, GenerationFilename(generation))

	f, err := t.opts.OS.OpenFile("translog.generation", path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			_ = f.Close()
		}
	}()

	if _, err := hdr.WriteTo(f); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	} else if err := f.Sync(); err != nil {
		return nil, err
	} else if err := internal.Sync(t.path); err != nil {
		return nil, err
	}

	return &writer{
		generation: generation,
		path:       path,
		header:     hdr,
		f:          f,
		buf:        bufio.NewWriterSize(f, writeBufferSize),
		offset:     hdr.Size(),
	}, nil
}

func (t *Translog) openReader(generation int64, ckp Checkpoint) (_ *reader, retErr error) {
	path := filepath.Join(t.path, GenerationFilename(generation))
	if ckp.Generation != generation {
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: fmt.Sprintf("checkpoint generation mismatch: %d", ckp.Generation)}
	}

	f, err := t.opts.OS.OpenFile("translog.open", path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			_ = f.Close()
		}
	}()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	} else if fi.Size() < ckp.Offset {
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: fmt.Sprintf("file size %d is smaller than checkpoint offset %d", fi.Size(), ckp.Offset)}
	}

	hdr, err := ReadHeader(io.NewSectionReader(f, 0, ckp.Offset), path, t.uuid)
	if err != nil {
		return nil, err
	} else if hdr.PrimaryTerm > t.primaryTerm {
		return nil, fmt.Errorf("translog generation %d has primary term %d which is newer than %d", generation, hdr.PrimaryTerm, t.primaryTerm)
	}

	return &reader{
		generation: generation,
		path:       path,
		header:     hdr,
		checkpoint: ckp,
		f:          f,
	}, nil
}

func (t *Translog) removeGeneration(op string, generation int64) error {
	for _, name := range []string{GenerationFilename(generation), GenerationCheckpointFilename(generation)} {
		if err := t.opts.OS.Remove(op, filepath.Join(t.path, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// writeCheckpoint atomically replaces the named checkpoint file.
func (t *Translog) writeCheckpoint(name string, c Checkpoint) error {
	return writeCheckpointFile(t.opts.OS, filepath.Join(t.path, name), c)
}

func writeCheckpointFile(fsys FileSystem, path string, c Checkpoint) error {
	b, err := c.MarshalBinary()
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := fsys.OpenFile("translog.checkpoint", tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	} else if err := f.Sync(); err != nil {
		return err
	} else if err := f.Close(); err != nil {
		return err
	}

	if err := fsys.Rename("translog.checkpoint", tmpPath, path); err != nil {
		return err
	}
	return internal.Sync(filepath.Dir(path))
}

func isCheckpointFile(name string) bool {
	if name == CheckpointFilename {
		return true
	} else if !strings.HasSuffix(name, checkpointExt) {
		return false
	}
	_, ok := ParseGenerationFilename(strings.TrimSuffix(name, checkpointExt) + generationExt)
	return ok
}

// reader is a read-only generation.
type reader struct {
	generation int64
	path       string
	header     *Header
	checkpoint Checkpoint
	f          *os.File
}

// writer is the generation currently being appended to.
type writer struct {
	generation int64
	path       string
	header     *Header
	f          *os.File
	buf        *bufio.Writer

	offset    int64 // end of the last buffered record
	numOps    int32
	minSeqNo  int64
	maxSeqNo  int64
	firstOpAt time.Time
}

func (w *writer) flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush generation %d: %w", w.generation, err)
	}
	return nil
}

func (w *writer) sync() error {
	if err := w.flush(); err != nil {
		return err
	} else if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync generation %d: %w", w.generation, err)
	}
	return nil
}

func (w *writer) checkpoint(globalCheckpoint, minTranslogGeneration int64) Checkpoint {
	c := EmptyCheckpoint(w.offset, w.generation, globalCheckpoint, minTranslogGeneration)
	if w.numOps > 0 {
		c.NumOps, c.MinSeqNo, c.MaxSeqNo = w.numOps, w.minSeqNo, w.maxSeqNo
	}
	return c
}

// Snapshot iterates over the operations of a fixed set of generations.
// Generations are read newest first and each in file order, so when the same
// sequence number appears more than once the copy from the latest generation
// is returned. Operations above a generation's trim bound are skipped.
type Snapshot struct {
	t           *Translog
	generations []snapshotGeneration
	fromSeqNo   int64
	toSeqNo     int64

	index   int
	r       *bufio.Reader
	seen    *seqNoSet
	total   int
	skipped int
	closed  bool
}

type snapshotGeneration struct {
	generation int64
	path       string
	section    *io.SectionReader
	checkpoint Checkpoint
}

// TotalOperations returns the number of operations held by the generations
// of the snapshot. Operations outside the requested range are included.
func (s *Snapshot) TotalOperations() int { return s.total }

// SkippedOperations returns the number of duplicate and trimmed operations
// skipped so far.
func (s *Snapshot) SkippedOperations() int { return s.skipped }

// Next returns the next operation. Returns io.EOF when the snapshot is exhausted.
func (s *Snapshot) Next() (*Operation, error) {
	if s.closed {
		return nil, ErrClosed
	}

	for {
		if s.r == nil {
			if s.index >= len(s.generations) {
				return nil, io.EOF
			}
			g := &s.generations[s.index]
			if _, err := g.section.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			s.r = bufio.NewReader(g.section)
		}

		g := &s.generations[s.index]
		op, _, err := ReadRecord(s.r)
		if err == io.EOF {
			s.index, s.r = s.index+1, nil
			continue
		} else if err != nil {
			var e *CorruptedError
			if errors.As(err, &e) && e.Path == "" {
				e.Path = g.path
			}
			return nil, err
		}

		if trim := g.checkpoint.TrimmedAboveSeqNo; trim != seqno.UnassignedSeqNo && op.SeqNo > trim {
			s.skipped++
			continue
		} else if op.SeqNo < s.fromSeqNo || op.SeqNo > s.toSeqNo {
			continue
		} else if !s.seen.Add(op.SeqNo) {
			s.skipped++
			continue
		}
		return op, nil
	}
}

// Rewind restarts the snapshot from its first operation.
func (s *Snapshot) Rewind() {
	s.index, s.r = 0, nil
	s.skipped = 0
	s.seen = newSeqNoSet(s.fromSeqNo)
}

// seqNoSetPageBits is the number of sequence numbers tracked per page.
const seqNoSetPageBits = 1024

// seqNoSet is a paged bitset of sequence numbers at or above a base.
type seqNoSet struct {
	base  int64
	pages map[int64]*[seqNoSetPageBits / 64]uint64
}

func newSeqNoSet(base int64) *seqNoSet {
	if base < 0 {
		base = 0
	}
	return &seqNoSet{base: base, pages: make(map[int64]*[seqNoSetPageBits / 64]uint64)}
}

// Add marks seqNo as seen. Returns false if it was already marked.
func (s *seqNoSet) Add(seqNo int64) bool {
	off := seqNo - s.base
	page := s.pages[off/seqNoSetPageBits]
	if page == nil {
		page = new([seqNoSetPageBits / 64]uint64)
		s.pages[off/seqNoSetPageBits] = page
	}

	bit := off % seqNoSetPageBits
	word, mask := &page[bit/64], uint64(1)<<(bit%64)
	if *word&mask != 0 {
		return false
	}
	*word |= mask
	return true
}

// Close releases the generations held by the snapshot.
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.t.release(s.generations)
	return nil
}

// SeqNos returns the sorted sequence numbers remaining in the snapshot. It
// consumes the snapshot.
func (s *Snapshot) SeqNos() ([]int64, error) {
	var a []int64
	for {
		op, err := s.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		a = append(a, op.SeqNo)
	}
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	return a, nil
}

// Translog metrics.
var (
	translogOperationCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_translog_operation_count",
		Help: "Number of operations appended to the translog.",
	})

	translogBytesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_translog_bytes",
		Help: "Number of bytes appended to the translog.",
	})

	translogSyncCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_translog_sync_count",
		Help: "Number of translog syncs.",
	})

	translogGenerationCountMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ratudb_translog_generation_count",
		Help: "Number of open translog generations.",
	})

	translogTragicCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratudb_translog_tragic_count",
		Help: "Number of translogs failed by a disk error.",
	})
)
