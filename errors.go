package ratudb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// RatuDB errors
var (
	ErrShardNotFound   = errors.New("shard not found")
	ErrShardExists     = errors.New("shard already exists")
	ErrShardClosed     = errors.New("shard closed")
	ErrShardNotStarted = errors.New("shard not started")
	ErrShardRelocated  = errors.New("shard relocated")
	ErrNotPrimary      = errors.New("shard is not the primary")

	ErrRecoveryNotFound        = errors.New("recovery not found")
	ErrRecoveryCancelled       = errors.New("recovery cancelled")
	ErrRecoveryInProgress      = errors.New("recovery already in progress")
	ErrRepeatedRecoveryFailure = errors.New("repeated recovery failure")
	ErrNodeDisconnected        = errors.New("node disconnected")

	ErrInvalidFileName = errors.New("invalid file name")
	ErrCorruptedFile   = errors.New("corrupted file")
	ErrMissingFile     = errors.New("missing file")
	ErrMappingTooStale = errors.New("mapping too stale")

	ErrNoPrimary     = errors.New("no primary")
	ErrPrimaryExists = errors.New("primary exists")
	ErrLeaseExpired  = errors.New("lease expired")
)

// RecoveryFailedError wraps any failure of a recovery step together with the
// identity of the shard and both nodes involved.
type RecoveryFailedError struct {
	ShardID ShardID
	Source  Node
	Target  Node
	Extra   string
	Err     error
}

func (e *RecoveryFailedError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s: recovery failed from %s into %s", e.ShardID, e.Source.ID, e.Target.ID)
	if e.Extra != "" {
		fmt.Fprintf(&buf, " (%s)", e.Extra)
	}
	if e.Err != nil {
		fmt.Fprintf(&buf, ": %s", e.Err)
	}
	return buf.String()
}

func (e *RecoveryFailedError) Unwrap() error { return e.Err }

// MappingTooStaleError is returned by a target whose mapping is older than
// the version required by a batch of operations. The batch can be resent
// unchanged once the target's mapping catches up.
type MappingTooStaleError struct {
	Index    string
	Required int64
	Current  int64
}

func (e *MappingTooStaleError) Error() string {
	return fmt.Sprintf("mapping too stale for index %q: required version %d, current version %d", e.Index, e.Required, e.Current)
}

func (e *MappingTooStaleError) Unwrap() error { return ErrMappingTooStale }

// InvalidFileNameError is returned when a file name would escape the shard's
// data directory. It is never sanitized.
type InvalidFileNameError struct {
	Name   string
	Reason string
}

func (e *InvalidFileNameError) Error() string {
	return fmt.Sprintf("invalid file name %q: %s", e.Name, e.Reason)
}

func (e *InvalidFileNameError) Unwrap() error { return ErrInvalidFileName }

// CorruptedFileError is returned when a received file does not match the
// length or checksum advertised by the source.
type CorruptedFileError struct {
	Name   string
	Reason string
}

func (e *CorruptedFileError) Error() string {
	return fmt.Sprintf("corrupted file %q: %s", e.Name, e.Reason)
}

func (e *CorruptedFileError) Unwrap() error { return ErrCorruptedFile }

// MissingFileError is returned when a file referenced by the source metadata
// is not present after the file copy.
type MissingFileError struct {
	Name string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("file %q referenced by source metadata is missing", e.Name)
}

func (e *MissingFileError) Unwrap() error { return ErrMissingFile }

// IsRetryable returns true if err is a transient failure after which the
// whole recovery can be attempted again on a fresh recovery id.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrCorruptedFile), errors.Is(err, ErrInvalidFileName), errors.Is(err, ErrMissingFile):
		return false
	case errors.Is(err, ErrNodeDisconnected),
		errors.Is(err, ErrRecoveryInProgress),
		errors.Is(err, ErrShardNotStarted),
		errors.Is(err, ErrNoPrimary),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
