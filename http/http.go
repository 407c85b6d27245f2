package http

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	ratudb "github.com/Ratu-Tech/RatuDB-sub003"
	"github.com/Ratu-Tech/RatuDB-sub003/internal/chunk"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
)

// ErrorHeader carries the kind of a failed request so that the client can
// rebuild an error that matches the server-side sentinel.
const ErrorHeader = "Ratudb-Error"

// Error kinds sent in ErrorHeader.
var errorKinds = []struct {
	kind string
	err  error
}{
	{"mapping-too-stale", ratudb.ErrMappingTooStale},
	{"invalid-file-name", ratudb.ErrInvalidFileName},
	{"corrupted-file", ratudb.ErrCorruptedFile},
	{"missing-file", ratudb.ErrMissingFile},
	{"translog-corrupted", translog.ErrCorrupted},
	{"translog-legacy-version", translog.ErrLegacyVersion},
	{"recovery-not-found", ratudb.ErrRecoveryNotFound},
	{"recovery-cancelled", ratudb.ErrRecoveryCancelled},
	{"recovery-in-progress", ratudb.ErrRecoveryInProgress},
	{"repeated-recovery-failure", ratudb.ErrRepeatedRecoveryFailure},
	{"node-disconnected", ratudb.ErrNodeDisconnected},
	{"shard-not-found", ratudb.ErrShardNotFound},
	{"shard-not-started", ratudb.ErrShardNotStarted},
	{"shard-relocated", ratudb.ErrShardRelocated},
	{"not-primary", ratudb.ErrNotPrimary},
	{"no-primary", ratudb.ErrNoPrimary},
}

// ErrorKind returns the kind of err sent in ErrorHeader. Returns a blank
// string if err does not wrap a known sentinel.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// RemoteError is an error returned by another node.
type RemoteError struct {
	Kind    string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s", e.Code, e.Message)
}

// Unwrap returns the sentinel error matching the error kind, if any.
func (e *RemoteError) Unwrap() error {
	for _, k := range errorKinds {
		if k.kind == e.Kind {
			return k.err
		}
	}
	return nil
}

// writeBody encodes msg as a chunked stream.
func writeBody(w io.Writer, msg io.WriterTo) error {
	cw := chunk.NewWriter(w)
	bw := bufio.NewWriterSize(cw, chunk.MaxChunkSize)
	if _, err := msg.WriteTo(bw); err != nil {
		return err
	} else if err := bw.Flush(); err != nil {
		return err
	}
	return cw.Close()
}

// readBody decodes msg from a chunked stream. The stream must end right
// after the message.
func readBody(r io.Reader, msg io.ReaderFrom) error {
	cr := chunk.NewReader(r)
	if _, err := msg.ReadFrom(cr); err != nil {
		return err
	}
	if n, err := io.Copy(io.Discard, cr); err != nil {
		return err
	} else if n != 0 {
		return fmt.Errorf("unexpected %d trailing bytes", n)
	}
	return nil
}
