package translog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Ratu-Tech/RatuDB-sub003/internal"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
)

// File names used within a translog directory.
const (
	CheckpointFilename = "translog.ckp"
	filePrefix         = "translog-"
	generationExt      = ".tlog"
	checkpointExt      = ".ckp"
)

// GenerationFilename returns the file name of a generation's data file.
func GenerationFilename(generation int64) string {
	return filePrefix + strconv.FormatInt(generation, 10) + generationExt
}

// GenerationCheckpointFilename returns the file name of the checkpoint frozen
// when a generation was rolled.
func GenerationCheckpointFilename(generation int64) string {
	return filePrefix + strconv.FormatInt(generation, 10) + checkpointExt
}

// ParseGenerationFilename returns the generation of a data file name.
func ParseGenerationFilename(name string) (int64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, generationExt) {
		return 0, false
	}
	gen, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), generationExt), 10, 64)
	if err != nil || gen <= 0 {
		return 0, false
	}
	return gen, true
}

// CheckpointSize is the encoded size of a checkpoint including its checksum.
const CheckpointSize = 8 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8

// Checkpoint captures the state of a generation so that it can be read or
// appended to without rescanning the file.
type Checkpoint struct {
	Offset                int64 // file length covered by the checkpoint
	NumOps                int32
	Generation            int64
	MinSeqNo              int64
	MaxSeqNo              int64
	GlobalCheckpoint      int64
	MinTranslogGeneration int64
	TrimmedAboveSeqNo     int64
}

// EmptyCheckpoint returns the checkpoint of a generation with no operations.
func EmptyCheckpoint(offset, generation, globalCheckpoint, minTranslogGeneration int64) Checkpoint {
	return Checkpoint{
		Offset:                offset,
		Generation:            generation,
		MinSeqNo:              seqno.NoOpsPerformed,
		MaxSeqNo:              seqno.NoOpsPerformed,
		GlobalCheckpoint:      globalCheckpoint,
		MinTranslogGeneration: minTranslogGeneration,
		TrimmedAboveSeqNo:     seqno.UnassignedSeqNo,
	}
}

// String returns a string representation of the checkpoint.
func (c Checkpoint) String() string {
	return fmt.Sprintf("Checkpoint{offset=%d, numOps=%d, generation=%d, minSeqNo=%d, maxSeqNo=%d, globalCheckpoint=%d, minTranslogGeneration=%d, trimmedAboveSeqNo=%d}",
		c.Offset, c.NumOps, c.Generation, c.MinSeqNo, c.MaxSeqNo, c.GlobalCheckpoint, c.MinTranslogGeneration, c.TrimmedAboveSeqNo)
}

// MarshalBinary encodes the checkpoint followed by its checksum.
func (c *Checkpoint) MarshalBinary() ([]byte, error) {
	b := make([]byte, CheckpointSize)
	binary.BigEndian.PutUint64(b[0:8], uint64(c.Offset))
	binary.BigEndian.PutUint32(b[8:12], uint32(c.NumOps))
	binary.BigEndian.PutUint64(b[12:20], uint64(c.Generation))
	binary.BigEndian.PutUint64(b[20:28], uint64(c.MinSeqNo))
	binary.BigEndian.PutUint64(b[28:36], uint64(c.MaxSeqNo))
	binary.BigEndian.PutUint64(b[36:44], uint64(c.GlobalCheckpoint))
	binary.BigEndian.PutUint64(b[44:52], uint64(c.MinTranslogGeneration))
	binary.BigEndian.PutUint64(b[52:60], uint64(c.TrimmedAboveSeqNo))
	binary.BigEndian.PutUint64(b[60:68], recordChecksum(b[:60]))
	return b, nil
}

// UnmarshalBinary decodes and verifies a checkpoint.
func (c *Checkpoint) UnmarshalBinary(b []byte) error {
	if len(b) != CheckpointSize {
		return &CorruptedError{Kind: CorruptionStructure, Reason: fmt.Sprintf("invalid checkpoint size: %d", len(b))}
	} else if got, want := recordChecksum(b[:60]), binary.BigEndian.Uint64(b[60:68]); got != want {
		return &CorruptedError{Kind: CorruptionChecksum, Reason: fmt.Sprintf("checkpoint checksum mismatch: %016x <> %016x", got, want)}
	}

	c.Offset = int64(binary.BigEndian.Uint64(b[0:8]))
	c.NumOps = int32(binary.BigEndian.Uint32(b[8:12]))
	c.Generation = int64(binary.BigEndian.Uint64(b[12:20]))
	c.MinSeqNo = int64(binary.BigEndian.Uint64(b[20:28]))
	c.MaxSeqNo = int64(binary.BigEndian.Uint64(b[28:36]))
	c.GlobalCheckpoint = int64(binary.BigEndian.Uint64(b[36:44]))
	c.MinTranslogGeneration = int64(binary.BigEndian.Uint64(b[44:52]))
	c.TrimmedAboveSeqNo = int64(binary.BigEndian.Uint64(b[52:60]))

	if c.Offset < 0 || c.NumOps < 0 || c.Generation <= 0 || c.MinTranslogGeneration > c.Generation {
		return &CorruptedError{Kind: CorruptionStructure, Reason: fmt.Sprintf("invalid checkpoint: %s", c)}
	}
	return nil
}

// ReadCheckpoint reads the checkpoint stored at path.
func ReadCheckpoint(path string) (Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, err
	}

	var c Checkpoint
	if err := c.UnmarshalBinary(b); err != nil {
		if e, ok := err.(*CorruptedError); ok {
			e.Path = path
		}
		return Checkpoint{}, err
	}
	return c, nil
}

// WriteCheckpoint atomically replaces the checkpoint stored at path.
func WriteCheckpoint(path string, c Checkpoint) error {
	if err := writeCheckpointFile(&internal.SystemOS{}, path, c); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", filepath.Base(path), err)
	}
	return nil
}
