package ratudb_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/mock"
)

func TestMultiFileWriter(t *testing.T) {
	data := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	md := ratudb.StoreFileMetadata{Name: "_1.seg", Length: int64(len(data)), Checksum: ratudb.ChecksumBytes(data)}
	fi := ratudb.FileInfo{Metadata: md, PartSize: 7}

	writePart := func(tb testing.TB, w *ratudb.MultiFileWriter, i int) error {
		tb.Helper()
		off := fi.PartOffset(i)
		return w.WriteFileChunk(md, off, data[off:off+fi.PartBytes(i)], i == fi.NumberOfParts()-1)
	}

	t.Run("InOrder", func(t *testing.T) {
		dir := t.TempDir()
		state := ratudb.NewRecoveryState(1, testShardID, ratudb.Node{}, ratudb.Node{}, false)
		state.AddFile(md.Name, md.Length, false)
		w := ratudb.NewMultiFileWriter(mock.NewOS(), dir, 1, state)
		defer w.Close()

		for i := 0; i < fi.NumberOfParts(); i++ {
			if err := writePart(t, w, i); err != nil {
				t.Fatal(err)
			}
		}
		if got := w.IncompleteFiles(); len(got) != 0 {
			t.Fatalf("unexpected incomplete files: %v", got)
		} else if got, want := state.Info().RecoveredBytes, md.Length; got != want {
			t.Fatalf("RecoveredBytes=%d, want %d", got, want)
		}

		// Not visible under the final name until renamed.
		if _, err := os.Stat(filepath.Join(dir, md.Name)); !os.IsNotExist(err) {
			t.Fatalf("unexpected error: %v", err)
		} else if _, err := os.Stat(filepath.Join(dir, w.TempFileName(md.Name))); err != nil {
			t.Fatal(err)
		}

		if err := w.RenameAllTempFiles(); err != nil {
			t.Fatal(err)
		}
		if buf, err := os.ReadFile(filepath.Join(dir, md.Name)); err != nil {
			t.Fatal(err)
		} else if got, want := string(buf), string(data); got != want {
			t.Fatalf("data=%q, want %q", got, want)
		}
	})

	t.Run("OutOfOrderAndDuplicates", func(t *testing.T) {
		dir := t.TempDir()
		w := ratudb.NewMultiFileWriter(mock.NewOS(), dir, 2, nil)
		defer w.Close()

		for _, i := range []int{5, 3, 0, 0, 4, 1, 3, 2, 1, 5} {
			if err := writePart(t, w, i); err != nil {
				t.Fatalf("part %d: %s", i, err)
			}
		}
		if err := w.RenameAllTempFiles(); err != nil {
			t.Fatal(err)
		}
		if buf, err := os.ReadFile(filepath.Join(dir, md.Name)); err != nil {
			t.Fatal(err)
		} else if got, want := string(buf), string(data); got != want {
			t.Fatalf("data=%q, want %q", got, want)
		}
	})

	t.Run("Incomplete", func(t *testing.T) {
		dir := t.TempDir()
		w := ratudb.NewMultiFileWriter(mock.NewOS(), dir, 3, nil)
		if err := writePart(t, w, 0); err != nil {
			t.Fatal(err)
		}
		if got, want := w.IncompleteFiles(), []string{md.Name}; !reflect.DeepEqual(got, want) {
			t.Fatalf("IncompleteFiles=%v, want %v", got, want)
		} else if err := w.RenameAllTempFiles(); err == nil {
			t.Fatal("expected error")
		}

		// Closing removes the temporary file and rejects late chunks.
		if err := w.Close(); err != nil {
			t.Fatal(err)
		} else if _, err := os.Stat(filepath.Join(dir, w.TempFileName(md.Name))); !os.IsNotExist(err) {
			t.Fatalf("unexpected error: %v", err)
		} else if err := writePart(t, w, 1); !errors.Is(err, ratudb.ErrRecoveryCancelled) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrCorruptedFile", func(t *testing.T) {
		dir := t.TempDir()
		w := ratudb.NewMultiFileWriter(mock.NewOS(), dir, 4, nil)
		defer w.Close()

		corrupt := append([]byte(nil), data...)
		corrupt[10] = 'X'
		err := w.WriteFileChunk(md, 0, corrupt, true)
		var e *ratudb.CorruptedFileError
		if !errors.As(err, &e) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, want := e.Name, md.Name; got != want {
			t.Fatalf("Name=%q, want %q", got, want)
		} else if !errors.Is(err, ratudb.ErrCorruptedFile) {
			t.Fatal("expected corrupted file sentinel")
		} else if ratudb.IsRetryable(err) {
			t.Fatal("expected non-retryable error")
		}

		if _, err := os.Stat(filepath.Join(dir, w.TempFileName(md.Name))); !os.IsNotExist(err) {
			t.Fatalf("expected partial file removed: %v", err)
		}
	})

	t.Run("ErrTooLong", func(t *testing.T) {
		w := ratudb.NewMultiFileWriter(mock.NewOS(), t.TempDir(), 5, nil)
		defer w.Close()

		if err := w.WriteFileChunk(md, 0, append(append([]byte(nil), data...), '!'), false); !errors.Is(err, ratudb.ErrCorruptedFile) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrInvalidFileName", func(t *testing.T) {
		dir := t.TempDir()
		w := ratudb.NewMultiFileWriter(mock.NewOS(), filepath.Join(dir, "index"), 6, nil)
		defer w.Close()

		bad := ratudb.StoreFileMetadata{Name: "../escape", Length: 1, Checksum: ratudb.ChecksumBytes([]byte("x"))}
		if err := w.WriteFileChunk(bad, 0, []byte("x"), true); !errors.Is(err, ratudb.ErrInvalidFileName) {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "escape")); !os.IsNotExist(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrRename", func(t *testing.T) {
		fsys := mock.NewOS()
		fsys.RenameFunc = func(op, oldpath, newpath string) error { return errors.New("marker") }

		w := ratudb.NewMultiFileWriter(fsys, t.TempDir(), 7, nil)
		defer w.Close()
		if err := w.WriteFileChunk(md, 0, data, true); err != nil {
			t.Fatal(err)
		} else if err := w.RenameAllTempFiles(); err == nil || err.Error() != "rename temp file: marker" {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
