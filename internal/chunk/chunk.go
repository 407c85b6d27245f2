// Package chunk implements a length-prefixed, checksummed byte stream. It is
// used for request bodies whose size is not known before encoding begins, such
// as a batch of translog operations read lazily from a snapshot.
package chunk

import (
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"math"

	"github.com/superfly/ltx"
)

// EOF is the end-of-stream marker value for the size.
const EOF = uint16(0x0000)

// MaxChunkSize is the largest allowable chunk size (64KB).
const MaxChunkSize = math.MaxUint16

// ErrChecksumMismatch is returned by Reader when a chunk trailer does not
// match the chunk contents.
var ErrChecksumMismatch = errors.New("chunk checksum mismatch")

var _ io.Reader = (*Reader)(nil)

// Reader wraps a stream of chunks and converts it into an io.Reader.
// Each chunk is verified against its CRC64 trailer before it is returned.
type Reader struct {
	r    io.Reader          // underlying reader
	b    [MaxChunkSize]byte // underlying buffer
	buf  []byte             // current buffer
	eof  bool               // true for last chunk
	hash hash.Hash64
}

// NewReader implements an io.Reader from a chunked byte stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, hash: ltx.NewHasher()}
}

func (r *Reader) Read(p []byte) (n int, err error) {
	if len(r.buf) > 0 {
		n = copy(p, r.buf)
		r.buf = r.buf[n:]
		return n, nil
	}

	if r.eof {
		return 0, io.EOF
	}

	var size uint16
	if err := binary.Read(r.r, binary.BigEndian, &size); err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	}

	r.eof = size == EOF
	if r.eof {
		return 0, io.EOF
	}

	r.buf = r.b[:size]
	if _, err := io.ReadFull(r.r, r.buf); err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	}

	var chksum uint64
	if err := binary.Read(r.r, binary.BigEndian, &chksum); err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	}

	r.hash.Reset()
	_, _ = r.hash.Write(r.buf)
	if r.hash.Sum64() != chksum {
		r.buf = nil
		return 0, ErrChecksumMismatch
	}

	n = copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

var _ io.WriteCloser = (*Writer)(nil)

// Writer wraps an io.Writer to convert it to a chunked byte stream.
type Writer struct {
	w      io.Writer
	hash   hash.Hash64
	closed bool
}

// NewWriter implements an io.Writer from a chunked byte stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, hash: ltx.NewHasher()}
}

// Close writes out a closing EOF chunk. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	err := binary.Write(w.w, binary.BigEndian, EOF)
	w.closed = true
	return err
}

// Write writes p to the underlying writer as one or more chunks.
func (w *Writer) Write(p []byte) (n int, err error) {
	// Zero size is reserved for EOF.
	if len(p) == 0 {
		return 0, nil
	}

	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxChunkSize {
			chunk = chunk[:MaxChunkSize]
		}
		p = p[len(chunk):]

		if err := binary.Write(w.w, binary.BigEndian, uint16(len(chunk))); err != nil {
			return n, err
		}

		nn, err := w.w.Write(chunk)
		if n += nn; err != nil {
			return n, err
		}

		w.hash.Reset()
		_, _ = w.hash.Write(chunk)
		if err := binary.Write(w.w, binary.BigEndian, w.hash.Sum64()); err != nil {
			return n, err
		}
	}

	return n, nil
}
