package ratudb

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Ratu-Tech/RatuDB-sub003/internal"
	"github.com/Ratu-Tech/RatuDB-sub003/seqno"
	"github.com/Ratu-Tech/RatuDB-sub003/translog"
	"github.com/superfly/ltx"
)

// StartRecoveryRequest is sent by a target to the primary to start a recovery.
type StartRecoveryRequest struct {
	RecoveryID         int64
	ShardID            ShardID
	SourceNode         Node
	TargetNode         Node
	PrimaryTerm        int64
	TargetAllocationID string
	MetadataSnapshot   MetadataSnapshot
	StartingSeqNo      int64
	PrimaryRelocation  bool
}

// WriteTo writes the request to w.
func (r *StartRecoveryRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	encodeShardID(enc, r.ShardID)
	encodeNode(enc, r.SourceNode)
	encodeNode(enc, r.TargetNode)
	enc.Int64(r.PrimaryTerm)
	enc.String(r.TargetAllocationID)
	encodeMetadataSnapshot(enc, r.MetadataSnapshot)
	enc.Int64(r.StartingSeqNo)
	enc.Bool(r.PrimaryRelocation)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *StartRecoveryRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.ShardID = decodeShardID(dec)
	r.SourceNode = decodeNode(dec)
	r.TargetNode = decodeNode(dec)
	r.PrimaryTerm = dec.Int64()
	r.TargetAllocationID = dec.String()
	r.MetadataSnapshot = decodeMetadataSnapshot(dec)
	r.StartingSeqNo = dec.Int64()
	r.PrimaryRelocation = dec.Bool()
	return dec.N(), dec.Err()
}

// RecoveryResponse is returned to the target once the source completes.
type RecoveryResponse struct {
	PhaseOneFileNames         []string
	PhaseOneFileSizes         []int64
	PhaseOneExistingFileNames []string
	PhaseOneExistingFileSizes []int64
	PhaseOneTotalSize         int64
	PhaseOneExistingTotalSize int64
	StartingSeqNo             int64
	EndingSeqNo               int64
	PhaseTwoOperations        int64
	Took                      time.Duration
}

// WriteTo writes the response to w.
func (r *RecoveryResponse) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Strings(r.PhaseOneFileNames)
	enc.Int64s(r.PhaseOneFileSizes)
	enc.Strings(r.PhaseOneExistingFileNames)
	enc.Int64s(r.PhaseOneExistingFileSizes)
	enc.Int64(r.PhaseOneTotalSize)
	enc.Int64(r.PhaseOneExistingTotalSize)
	enc.Int64(r.StartingSeqNo)
	enc.Int64(r.EndingSeqNo)
	enc.Int64(r.PhaseTwoOperations)
	enc.Int64(int64(r.Took))
	return enc.N(), enc.Err()
}

// ReadFrom reads the response from r.
func (r *RecoveryResponse) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.PhaseOneFileNames = dec.Strings()
	r.PhaseOneFileSizes = dec.Int64s()
	r.PhaseOneExistingFileNames = dec.Strings()
	r.PhaseOneExistingFileSizes = dec.Int64s()
	r.PhaseOneTotalSize = dec.Int64()
	r.PhaseOneExistingTotalSize = dec.Int64()
	r.StartingSeqNo = dec.Int64()
	r.EndingSeqNo = dec.Int64()
	r.PhaseTwoOperations = dec.Int64()
	r.Took = time.Duration(dec.Int64())
	return dec.N(), dec.Err()
}

// RecoveryRequest identifies a recovery for calls that carry no other data,
// such as forced segment syncs and cancellation.
type RecoveryRequest struct {
	RecoveryID int64
	ShardID    ShardID
	Reason     string
}

// WriteTo writes the request to w.
func (r *RecoveryRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	encodeShardID(enc, r.ShardID)
	enc.String(r.Reason)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *RecoveryRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.ShardID = decodeShardID(dec)
	r.Reason = dec.String()
	return dec.N(), dec.Err()
}

// RecoveryFilesInfoRequest announces the files the source is about to send
// and the files the target already holds.
type RecoveryFilesInfoRequest struct {
	RecoveryID        int64
	ShardID           ShardID
	FileNames         []string
	FileSizes         []int64
	ExistingFileNames []string
	ExistingFileSizes []int64
	TotalTranslogOps  int64
}

// WriteTo writes the request to w.
func (r *RecoveryFilesInfoRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	encodeShardID(enc, r.ShardID)
	enc.Strings(r.FileNames)
	enc.Int64s(r.FileSizes)
	enc.Strings(r.ExistingFileNames)
	enc.Int64s(r.ExistingFileSizes)
	enc.Int64(r.TotalTranslogOps)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *RecoveryFilesInfoRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.ShardID = decodeShardID(dec)
	r.FileNames = dec.Strings()
	r.FileSizes = dec.Int64s()
	r.ExistingFileNames = dec.Strings()
	r.ExistingFileSizes = dec.Int64s()
	r.TotalTranslogOps = dec.Int64()
	if err := dec.Err(); err != nil {
		return dec.N(), err
	}

	if len(r.FileNames) != len(r.FileSizes) {
		return dec.N(), fmt.Errorf("file names/sizes mismatch: %d <> %d", len(r.FileNames), len(r.FileSizes))
	} else if len(r.ExistingFileNames) != len(r.ExistingFileSizes) {
		return dec.N(), fmt.Errorf("existing file names/sizes mismatch: %d <> %d", len(r.ExistingFileNames), len(r.ExistingFileSizes))
	}
	return dec.N(), nil
}

// FileChunkRequest carries a single chunk of a file. Chunks of a file are sent
// in position order; files may be interleaved.
type FileChunkRequest struct {
	RecoveryID       int64
	RequestSeqNo     int64
	ShardID          ShardID
	Metadata         StoreFileMetadata
	Position         int64
	Content          []byte
	Checksum         ltx.Checksum
	LastChunk        bool
	TotalTranslogOps int64
}

// Verify returns a *CorruptedFileError if the content does not match the
// chunk checksum.
func (r *FileChunkRequest) Verify() error {
	if got := ChecksumBytes(r.Content); got != r.Checksum {
		return &CorruptedFileError{
			Name:   r.Metadata.Name,
			Reason: fmt.Sprintf("chunk checksum mismatch at position %d: %016x <> %016x", r.Position, uint64(got), uint64(r.Checksum)),
		}
	}
	return nil
}

// WriteTo writes the request to w.
func (r *FileChunkRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	enc.Int64(r.RequestSeqNo)
	encodeShardID(enc, r.ShardID)
	encodeFileMetadata(enc, r.Metadata)
	enc.Int64(r.Position)
	enc.Bytes(r.Content)
	enc.Uint64(uint64(r.Checksum))
	enc.Bool(r.LastChunk)
	enc.Int64(r.TotalTranslogOps)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *FileChunkRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.RequestSeqNo = dec.Int64()
	r.ShardID = decodeShardID(dec)
	r.Metadata = decodeFileMetadata(dec)
	r.Position = dec.Int64()
	r.Content = dec.Bytes()
	r.Checksum = ltx.Checksum(dec.Uint64())
	r.LastChunk = dec.Bool()
	r.TotalTranslogOps = dec.Int64()
	return dec.N(), dec.Err()
}

// RecoveryPrepareForTranslogOperationsRequest asks the target to get ready
// for translog replay.
type RecoveryPrepareForTranslogOperationsRequest struct {
	RecoveryID       int64
	ShardID          ShardID
	TotalTranslogOps int64
}

// WriteTo writes the request to w.
func (r *RecoveryPrepareForTranslogOperationsRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	encodeShardID(enc, r.ShardID)
	enc.Int64(r.TotalTranslogOps)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *RecoveryPrepareForTranslogOperationsRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.ShardID = decodeShardID(dec)
	r.TotalTranslogOps = dec.Int64()
	return dec.N(), dec.Err()
}

// RecoveryTranslogOperationsRequest carries one batch of replayed operations.
type RecoveryTranslogOperationsRequest struct {
	RecoveryID                          int64
	RequestSeqNo                        int64
	ShardID                             ShardID
	Operations                          []*translog.Operation
	TotalTranslogOps                    int64
	MaxSeenAutoIDTimestampOnPrimary     int64
	MaxSeqNoOfUpdatesOrDeletesOnPrimary int64
	RetentionLeases                     seqno.RetentionLeases
	MappingVersionOnPrimary             int64
}

// WriteTo writes the request to w. Operations use the translog record framing.
func (r *RecoveryTranslogOperationsRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	enc.Int64(r.RequestSeqNo)
	encodeShardID(enc, r.ShardID)

	enc.Len(len(r.Operations))
	var buf bytes.Buffer
	for _, op := range r.Operations {
		buf.Reset()
		if _, err := translog.WriteRecord(&buf, op); err != nil {
			return enc.N(), fmt.Errorf("encode operation: %w", err)
		}
		enc.Bytes(buf.Bytes())
	}

	enc.Int64(r.TotalTranslogOps)
	enc.Int64(r.MaxSeenAutoIDTimestampOnPrimary)
	enc.Int64(r.MaxSeqNoOfUpdatesOrDeletesOnPrimary)
	encodeRetentionLeases(enc, r.RetentionLeases)
	enc.Int64(r.MappingVersionOnPrimary)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *RecoveryTranslogOperationsRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.RequestSeqNo = dec.Int64()
	r.ShardID = decodeShardID(dec)

	n := dec.Len()
	r.Operations = make([]*translog.Operation, 0, capHint(n))
	for i := 0; i < n && dec.Err() == nil; i++ {
		b := dec.Bytes()
		if dec.Err() != nil {
			break
		}
		op, _, err := translog.ReadRecord(bytes.NewReader(b))
		if err != nil {
			return dec.N(), fmt.Errorf("decode operation: %w", err)
		}
		r.Operations = append(r.Operations, op)
	}

	r.TotalTranslogOps = dec.Int64()
	r.MaxSeenAutoIDTimestampOnPrimary = dec.Int64()
	r.MaxSeqNoOfUpdatesOrDeletesOnPrimary = dec.Int64()
	r.RetentionLeases = decodeRetentionLeases(dec)
	r.MappingVersionOnPrimary = dec.Int64()
	return dec.N(), dec.Err()
}

// RecoveryTranslogOperationsResponse returns the target's local checkpoint
// after applying a batch.
type RecoveryTranslogOperationsResponse struct {
	LocalCheckpoint int64
}

// WriteTo writes the response to w.
func (r *RecoveryTranslogOperationsResponse) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.LocalCheckpoint)
	return enc.N(), enc.Err()
}

// ReadFrom reads the response from r.
func (r *RecoveryTranslogOperationsResponse) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.LocalCheckpoint = dec.Int64()
	return dec.N(), dec.Err()
}

// CleanFilesRequest sends the authoritative file list of the source.
type CleanFilesRequest struct {
	RecoveryID       int64
	ShardID          ShardID
	TotalTranslogOps int64
	GlobalCheckpoint int64
	SourceMetadata   MetadataSnapshot
}

// WriteTo writes the request to w.
func (r *CleanFilesRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	encodeShardID(enc, r.ShardID)
	enc.Int64(r.TotalTranslogOps)
	enc.Int64(r.GlobalCheckpoint)
	encodeMetadataSnapshot(enc, r.SourceMetadata)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *CleanFilesRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.ShardID = decodeShardID(dec)
	r.TotalTranslogOps = dec.Int64()
	r.GlobalCheckpoint = dec.Int64()
	r.SourceMetadata = decodeMetadataSnapshot(dec)
	return dec.N(), dec.Err()
}

// FinalizeRecoveryRequest makes the recovered state live on the target.
type FinalizeRecoveryRequest struct {
	RecoveryID       int64
	ShardID          ShardID
	GlobalCheckpoint int64
	TrimAboveSeqNo   int64
}

// WriteTo writes the request to w.
func (r *FinalizeRecoveryRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	encodeShardID(enc, r.ShardID)
	enc.Int64(r.GlobalCheckpoint)
	enc.Int64(r.TrimAboveSeqNo)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *FinalizeRecoveryRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.ShardID = decodeShardID(dec)
	r.GlobalCheckpoint = dec.Int64()
	r.TrimAboveSeqNo = dec.Int64()
	return dec.N(), dec.Err()
}

// HandoffPrimaryContextRequest transfers primary authority to a relocation target.
type HandoffPrimaryContextRequest struct {
	RecoveryID     int64
	ShardID        ShardID
	PrimaryContext PrimaryContext
}

// WriteTo writes the request to w.
func (r *HandoffPrimaryContextRequest) WriteTo(w io.Writer) (int64, error) {
	enc := internal.NewEncoder(w)
	enc.Int64(r.RecoveryID)
	encodeShardID(enc, r.ShardID)
	encodePrimaryContext(enc, &r.PrimaryContext)
	return enc.N(), enc.Err()
}

// ReadFrom reads the request from r.
func (r *HandoffPrimaryContextRequest) ReadFrom(rd io.Reader) (int64, error) {
	dec := internal.NewDecoder(rd)
	r.RecoveryID = dec.Int64()
	r.ShardID = decodeShardID(dec)
	r.PrimaryContext = decodePrimaryContext(dec)
	return dec.N(), dec.Err()
}

// capHint bounds preallocation for counts read off the wire.
func capHint(n int) int {
	if n > 1024 {
		return 1024
	}
	return n
}

func encodeShardID(enc *internal.Encoder, id ShardID) {
	enc.String(id.Index)
	enc.String(id.IndexUUID)
	enc.Int32(id.Shard)
}

func decodeShardID(dec *internal.Decoder) ShardID {
	var id ShardID
	id.Index = dec.String()
	id.IndexUUID = dec.String()
	id.Shard = dec.Int32()
	return id
}

func encodeNode(enc *internal.Encoder, n Node) {
	enc.String(n.ID)
	enc.String(n.URL)
}

func decodeNode(dec *internal.Decoder) Node {
	var n Node
	n.ID = dec.String()
	n.URL = dec.String()
	return n
}

func encodeFileMetadata(enc *internal.Encoder, md StoreFileMetadata) {
	enc.String(md.Name)
	enc.Int64(md.Length)
	enc.Uint64(uint64(md.Checksum))
}

func decodeFileMetadata(dec *internal.Decoder) StoreFileMetadata {
	var md StoreFileMetadata
	md.Name = dec.String()
	md.Length = dec.Int64()
	md.Checksum = ltx.Checksum(dec.Uint64())
	return md
}

func encodeMetadataSnapshot(enc *internal.Encoder, s MetadataSnapshot) {
	names := s.Names()
	enc.Len(len(names))
	for _, name := range names {
		encodeFileMetadata(enc, s.Files[name])
	}
	enc.StringMap(s.CommitUserData)
}

func decodeMetadataSnapshot(dec *internal.Decoder) MetadataSnapshot {
	s := MetadataSnapshot{Files: make(map[string]StoreFileMetadata)}
	n := dec.Len()
	for i := 0; i < n && dec.Err() == nil; i++ {
		md := decodeFileMetadata(dec)
		s.Files[md.Name] = md
	}
	s.CommitUserData = dec.StringMap()
	return s
}

func encodeRetentionLeases(enc *internal.Encoder, leases seqno.RetentionLeases) {
	enc.Int64(leases.PrimaryTerm)
	enc.Int64(leases.Version)
	enc.Len(len(leases.Leases))
	for _, lease := range leases.Leases {
		enc.String(lease.ID)
		enc.Int64(lease.RetainingSeqNo)
		enc.Int64(lease.Timestamp)
		enc.String(lease.Source)
	}
}

func decodeRetentionLeases(dec *internal.Decoder) seqno.RetentionLeases {
	var leases seqno.RetentionLeases
	leases.PrimaryTerm = dec.Int64()
	leases.Version = dec.Int64()
	n := dec.Len()
	for i := 0; i < n && dec.Err() == nil; i++ {
		var lease seqno.RetentionLease
		lease.ID = dec.String()
		lease.RetainingSeqNo = dec.Int64()
		lease.Timestamp = dec.Int64()
		lease.Source = dec.String()
		leases.Leases = append(leases.Leases, lease)
	}
	return leases
}

func encodePrimaryContext(enc *internal.Encoder, pc *PrimaryContext) {
	enc.Int64(pc.ClusterStateVersion)
	enc.Int64(pc.PrimaryTerm)
	enc.Int64(pc.MaxSeqNo)
	enc.Int64(pc.GlobalCheckpoint)
	enc.String(pc.LeaseID)

	ids := make([]string, 0, len(pc.Checkpoints))
	for id := range pc.Checkpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	enc.Len(len(ids))
	for _, id := range ids {
		cs := pc.Checkpoints[id]
		enc.String(id)
		enc.Int64(cs.LocalCheckpoint)
		enc.Int64(cs.GlobalCheckpoint)
		enc.Bool(cs.InSync)
	}
	encodeRetentionLeases(enc, pc.RetentionLeases)
}

func decodePrimaryContext(dec *internal.Decoder) PrimaryContext {
	var pc PrimaryContext
	pc.ClusterStateVersion = dec.Int64()
	pc.PrimaryTerm = dec.Int64()
	pc.MaxSeqNo = dec.Int64()
	pc.GlobalCheckpoint = dec.Int64()
	pc.LeaseID = dec.String()

	n := dec.Len()
	pc.Checkpoints = make(map[string]CheckpointState, capHint(n))
	for i := 0; i < n && dec.Err() == nil; i++ {
		id := dec.String()
		var cs CheckpointState
		cs.LocalCheckpoint = dec.Int64()
		cs.GlobalCheckpoint = dec.Int64()
		cs.InSync = dec.Bool()
		pc.Checkpoints[id] = cs
	}
	pc.RetentionLeases = decodeRetentionLeases(dec)
	return pc
}
