package ratudb

import (
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/Ratu-Tech/RatuDB-sub003/internal"
	"github.com/superfly/ltx"
)

// MultiFileWriter writes the files received during a recovery into temporary
// files scoped to the recovery. Chunks of a file may arrive out of order and
// more than once; they are applied strictly in position order.
type MultiFileWriter struct {
	mu     sync.Mutex
	os     OS
	dir    string
	prefix string
	state  *RecoveryState
	files  map[string]*fileWriter
	closed bool
}

type fileWriter struct {
	md       StoreFileMetadata
	tempPath string
	f        *os.File
	hash     hash.Hash64
	position int64
	pending  map[int64]pendingChunk
	done     bool
}

type pendingChunk struct {
	content   []byte
	lastChunk bool
}

// NewMultiFileWriter returns a writer for files placed in dir.
func NewMultiFileWriter(fsys OS, dir string, recoveryID int64, state *RecoveryState) *MultiFileWriter {
	return &MultiFileWriter{
		os:     fsys,
		dir:    dir,
		prefix: TempFilePrefix + strconv.FormatInt(recoveryID, 10) + ".",
		state:  state,
		files:  make(map[string]*fileWriter),
	}
}

// TempFileName returns the temporary name used for name until it is renamed.
func (w *MultiFileWriter) TempFileName(name string) string {
	return w.prefix + name
}

// WriteFileChunk writes content at position of the file described by md.
// Chunks below the current position are duplicates and discarded. The last
// chunk verifies the whole file against md and returns a *CorruptedFileError
// on mismatch.
func (w *MultiFileWriter) WriteFileChunk(md StoreFileMetadata, position int64, content []byte, lastChunk bool) error {
	if err := ValidateFileName(md.Name); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrRecoveryCancelled
	}

	fw, err := w.fileWriter(md)
	if err != nil {
		return err
	}

	switch {
	case fw.done || position < fw.position:
		TraceLog.Printf("[WriteFileChunk(%s)]: discard duplicate chunk pos=%d n=%d", md.Name, position, len(content))
		return nil
	case position > fw.position:
		if _, ok := fw.pending[position]; !ok {
			fw.pending[position] = pendingChunk{content: append([]byte(nil), content...), lastChunk: lastChunk}
		}
		return nil
	}

	if err := w.writeChunk(fw, content, lastChunk); err != nil {
		return err
	}

	// Drain buffered chunks that are now contiguous.
	for !fw.done {
		chunk, ok := fw.pending[fw.position]
		if !ok {
			break
		}
		delete(fw.pending, fw.position)
		if err := w.writeChunk(fw, chunk.content, chunk.lastChunk); err != nil {
			return err
		}
	}
	return nil
}

func (w *MultiFileWriter) fileWriter(md StoreFileMetadata) (*fileWriter, error) {
	if fw := w.files[md.Name]; fw != nil {
		if fw.md != md {
			return nil, fmt.Errorf("file %q metadata changed during recovery: %s <> %s", md.Name, fw.md, md)
		}
		return fw, nil
	}

	tempPath := filepath.Join(w.dir, w.TempFileName(md.Name))
	f, err := w.os.OpenFile("WRITECHUNK", tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	fw := &fileWriter{
		md:       md,
		tempPath: tempPath,
		f:        f,
		hash:     ltx.NewHasher(),
		pending:  make(map[int64]pendingChunk),
	}
	w.files[md.Name] = fw
	return fw, nil
}

func (w *MultiFileWriter) writeChunk(fw *fileWriter, content []byte, lastChunk bool) error {
	if fw.position+int64(len(content)) > fw.md.Length {
		return w.corrupted(fw, fmt.Sprintf("chunk at position %d exceeds file length %d", fw.position, fw.md.Length))
	}

	if _, err := fw.f.WriteAt(content, fw.position); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	_, _ = fw.hash.Write(content)
	fw.position += int64(len(content))
	if w.state != nil {
		w.state.AddRecoveredBytes(fw.md.Name, int64(len(content)))
	}

	if !lastChunk {
		return nil
	}

	if fw.position != fw.md.Length {
		return w.corrupted(fw, fmt.Sprintf("length mismatch: %d <> %d", fw.position, fw.md.Length))
	} else if chksum := ltx.ChecksumFlag | ltx.Checksum(fw.hash.Sum64()); chksum != fw.md.Checksum {
		return w.corrupted(fw, fmt.Sprintf("checksum mismatch: %016x <> %016x", uint64(chksum), uint64(fw.md.Checksum)))
	}

	if err := fw.f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	} else if err := fw.f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	fw.done, fw.pending = true, nil
	return nil
}

// corrupted removes the partial file so a corrupted copy is never renamed
// into place.
func (w *MultiFileWriter) corrupted(fw *fileWriter, reason string) error {
	_ = fw.f.Close()
	_ = w.os.Remove("WRITECHUNK:CORRUPT", fw.tempPath)
	delete(w.files, fw.md.Name)
	return &CorruptedFileError{Name: fw.md.Name, Reason: reason}
}

// IncompleteFiles returns the sorted names of files that have not received
// their last chunk.
func (w *MultiFileWriter) IncompleteFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var a []string
	for name, fw := range w.files {
		if !fw.done {
			a = append(a, name)
		}
	}
	sort.Strings(a)
	return a
}

// RenameAllTempFiles moves every completed file to its final name.
func (w *MultiFileWriter) RenameAllTempFiles() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.files))
	for name, fw := range w.files {
		if !fw.done {
			return fmt.Errorf("cannot rename incomplete file %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fw := w.files[name]
		if err := w.os.Rename("RENAMEFILES", fw.tempPath, filepath.Join(w.dir, name)); err != nil {
			return fmt.Errorf("rename temp file: %w", err)
		}
		delete(w.files, name)
	}

	if len(names) > 0 {
		if err := internal.Sync(w.dir); err != nil {
			return fmt.Errorf("sync index directory: %w", err)
		}
	}
	return nil
}

// Close removes all temporary files still held by the writer. Later chunks
// are rejected with ErrRecoveryCancelled.
func (w *MultiFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	for name, fw := range w.files {
		if !fw.done {
			_ = fw.f.Close()
		}
		if err := w.os.Remove("CLOSEWRITER", fw.tempPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		delete(w.files, name)
	}
	return nil
}
