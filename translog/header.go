package translog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/superfly/ltx"
)

// Magic is the codec magic at the start of every generation file.
const Magic = uint32(0x3fd76c17)

// Header versions.
const (
	VersionChecksums   = 1 // checkpoint era without a primary term; unsupported
	VersionCheckpoints = 2 // checkpoint era without a primary term; unsupported
	VersionPrimaryTerm = 3 // adds the primary term and a header checksum
	VersionCurrent     = VersionPrimaryTerm
)

// legacyRawMarker is the first byte of files written before the codec header
// existed. Those files start directly with a big-endian record size.
const legacyRawMarker = 0x00

// MaxUUIDSize is the largest translog UUID accepted when reading a header.
const MaxUUIDSize = 256

// Header is the preamble of a translog generation file.
//
//	[magic:uint32][version:uint8][uuid length:int32][uuid][primary term:int64][checksum:uint64]
type Header struct {
	Version     int
	UUID        string
	PrimaryTerm int64
}

// Size returns the encoded size of a current version header.
func (h *Header) Size() int64 {
	return 4 + 1 + 4 + int64(len(h.UUID)) + 8 + 8
}

// MarshalBinary encodes the header in the current version.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.UUID) == 0 || len(h.UUID) > MaxUUIDSize {
		return nil, fmt.Errorf("invalid translog uuid length: %d", len(h.UUID))
	} else if h.PrimaryTerm < 0 {
		return nil, fmt.Errorf("invalid primary term: %d", h.PrimaryTerm)
	}

	b := make([]byte, h.Size())
	writeHeaderPrefix(b, VersionCurrent, h.UUID, h.PrimaryTerm)
	n := len(b) - 8
	binary.BigEndian.PutUint64(b[n:], headerChecksum(b[:n]))
	return b, nil
}

// WriteTo writes the encoded header to w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func writeHeaderPrefix(b []byte, version uint8, uuid string, primaryTerm int64) {
	binary.BigEndian.PutUint32(b[0:4], Magic)
	b[4] = version
	binary.BigEndian.PutUint32(b[5:9], uint32(len(uuid)))
	copy(b[9:], uuid)
	binary.BigEndian.PutUint64(b[9+len(uuid):], uint64(primaryTerm))
}

func headerChecksum(b []byte) uint64 {
	h := ltx.NewHasher()
	_, _ = h.Write(b)
	return h.Sum64()
}

// ReadHeader reads and validates a generation header from r. If expectedUUID
// is non-blank then the header must belong to that translog.
//
// The header checksum is always verified before a legacy interpretation is
// trusted: a version byte of an unsupported era is only reported as a legacy
// file if the bytes do not also form a valid current header with a garbled
// version byte, in which case the file is reported as corrupted.
func ReadHeader(r io.Reader, path, expectedUUID string) (*Header, error) {
	var prefix [9]byte
	if _, err := io.ReadFull(r, prefix[:]); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: "truncated header"}
	} else if err != nil {
		return nil, err
	}

	if magic := binary.BigEndian.Uint32(prefix[0:4]); magic != Magic {
		if prefix[0] == legacyRawMarker {
			return nil, &LegacyVersionError{Path: path, Version: "pre-1.4"}
		}
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: fmt.Sprintf("codec magic mismatch: 0x%08x", magic)}
	}

	version := int(prefix[4])
	uuidN := int32(binary.BigEndian.Uint32(prefix[5:9]))
	if uuidN <= 0 || uuidN > MaxUUIDSize {
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: fmt.Sprintf("invalid uuid length: %d", uuidN)}
	}

	uuid := make([]byte, uuidN)
	if _, err := io.ReadFull(r, uuid); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: "truncated header uuid"}
	} else if err != nil {
		return nil, err
	}

	switch version {
	case VersionPrimaryTerm:
	case VersionChecksums, VersionCheckpoints:
		return nil, readLegacyHeader(r, path, prefix, uuid)
	default:
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: fmt.Sprintf("unknown translog version: %d", version)}
	}

	var trailer [16]byte
	if _, err := io.ReadFull(r, trailer[:]); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: "truncated header"}
	} else if err != nil {
		return nil, err
	}

	hdr := &Header{
		Version:     version,
		UUID:        string(uuid),
		PrimaryTerm: int64(binary.BigEndian.Uint64(trailer[0:8])),
	}

	var buf bytes.Buffer
	buf.Write(prefix[:])
	buf.Write(uuid)
	buf.Write(trailer[0:8])
	if got, want := headerChecksum(buf.Bytes()), binary.BigEndian.Uint64(trailer[8:16]); got != want {
		return nil, &CorruptedError{Kind: CorruptionChecksum, Path: path, Reason: fmt.Sprintf("header checksum mismatch: %016x <> %016x", got, want)}
	}

	if hdr.PrimaryTerm < 0 {
		return nil, &CorruptedError{Kind: CorruptionStructure, Path: path, Reason: fmt.Sprintf("invalid primary term: %d", hdr.PrimaryTerm)}
	} else if expectedUUID != "" && hdr.UUID != expectedUUID {
		return nil, &CorruptedError{
			Kind:   CorruptionDifferentTranslog,
			Path:   path,
			Reason: fmt.Sprintf("translog belongs to a different translog: expected uuid %q, got %q", expectedUUID, hdr.UUID),
		}
	}
	return hdr, nil
}

// readLegacyHeader decides whether a header carrying an unsupported version
// byte is a genuine legacy file or a current header whose version byte was
// damaged. It always returns an error.
func readLegacyHeader(r io.Reader, path string, prefix [9]byte, uuid []byte) error {
	var trailer [16]byte
	if _, err := io.ReadFull(r, trailer[:]); err == nil {
		b := make([]byte, 0, len(prefix)+len(uuid)+8)
		b = append(b, prefix[:]...)
		b[4] = VersionCurrent
		b = append(b, uuid...)
		b = append(b, trailer[0:8]...)
		if headerChecksum(b) == binary.BigEndian.Uint64(trailer[8:16]) {
			return &CorruptedError{
				Kind:   CorruptionChecksum,
				Path:   path,
				Reason: fmt.Sprintf("header version byte %d does not match a valid current header", prefix[4]),
			}
		}
	} else if err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	return &LegacyVersionError{Path: path, Version: "pre-2.0"}
}
