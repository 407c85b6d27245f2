package translog

import (
	"errors"
	"fmt"
)

// Translog errors.
var (
	ErrCorrupted     = errors.New("translog corrupted")
	ErrLegacyVersion = errors.New("legacy translog version")
	ErrClosed        = errors.New("translog closed")
	ErrFailed        = errors.New("translog failed")
	ErrTermTooNew    = errors.New("operation term is newer than the current term")
)

// CorruptionKind distinguishes the reasons a translog file is rejected.
type CorruptionKind int

const (
	CorruptionChecksum CorruptionKind = iota + 1
	CorruptionStructure
	CorruptionDifferentTranslog
)

// String returns the string representation of the kind.
func (k CorruptionKind) String() string {
	switch k {
	case CorruptionChecksum:
		return "checksum"
	case CorruptionStructure:
		return "structure"
	case CorruptionDifferentTranslog:
		return "different-translog"
	default:
		return fmt.Sprintf("<unknown(%d)>", int(k))
	}
}

// ParseCorruptionKind returns the kind for s. Returns CorruptionStructure for
// unknown values.
func ParseCorruptionKind(s string) CorruptionKind {
	switch s {
	case "checksum":
		return CorruptionChecksum
	case "different-translog":
		return CorruptionDifferentTranslog
	default:
		return CorruptionStructure
	}
}

// CorruptedError is returned when a translog or checkpoint file fails
// validation. It is never repaired automatically.
type CorruptedError struct {
	Kind   CorruptionKind
	Path   string
	Reason string
}

func (e *CorruptedError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("translog corrupted: %s", e.Reason)
	}
	return fmt.Sprintf("translog corrupted: %s: %s", e.Path, e.Reason)
}

func (e *CorruptedError) Unwrap() error { return ErrCorrupted }

// IsDifferentTranslog returns true if err reports a translog UUID mismatch.
func IsDifferentTranslog(err error) bool {
	var e *CorruptedError
	return errors.As(err, &e) && e.Kind == CorruptionDifferentTranslog
}

// LegacyVersionError is returned when a file was written by a translog
// version that is no longer supported.
type LegacyVersionError struct {
	Path    string
	Version string // e.g. "pre-2.0"
}

func (e *LegacyVersionError) Error() string {
	return fmt.Sprintf("%s translog found [%s]", e.Version, e.Path)
}

func (e *LegacyVersionError) Unwrap() error { return ErrLegacyVersion }
