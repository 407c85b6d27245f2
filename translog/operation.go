package translog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Ratu-Tech/RatuDB-sub003/internal"
	"github.com/superfly/ltx"
)

// OpType represents the kind of a translog operation.
type OpType uint8

const (
	OpTypeIndex  = OpType(1)
	OpTypeDelete = OpType(2)
	OpTypeNoOp   = OpType(3)
)

// String returns the string representation of the type.
func (t OpType) String() string {
	switch t {
	case OpTypeIndex:
		return "index"
	case OpTypeDelete:
		return "delete"
	case OpTypeNoOp:
		return "no-op"
	default:
		return fmt.Sprintf("<unknown(%d)>", t)
	}
}

// Operation is a single write operation recorded in the translog. The fields
// used depend on Type: Index uses ID, Routing, Source, Version &
// AutoGeneratedIDTimestamp; Delete uses ID & Version; NoOp uses Reason.
type Operation struct {
	Type        OpType
	SeqNo       int64
	PrimaryTerm int64

	ID                       string
	Routing                  string
	Source                   []byte
	Version                  int64
	AutoGeneratedIDTimestamp int64

	Reason string
}

// NewIndexOperation returns an index operation.
func NewIndexOperation(id string, source []byte, seqNo, primaryTerm, version int64) *Operation {
	return &Operation{
		Type:                     OpTypeIndex,
		ID:                       id,
		Source:                   source,
		SeqNo:                    seqNo,
		PrimaryTerm:              primaryTerm,
		Version:                  version,
		AutoGeneratedIDTimestamp: -1,
	}
}

// NewDeleteOperation returns a delete operation.
func NewDeleteOperation(id string, seqNo, primaryTerm, version int64) *Operation {
	return &Operation{
		Type:                     OpTypeDelete,
		ID:                       id,
		SeqNo:                    seqNo,
		PrimaryTerm:              primaryTerm,
		Version:                  version,
		AutoGeneratedIDTimestamp: -1,
	}
}

// NewNoOp returns a no-op operation which fills a sequence number gap.
func NewNoOp(seqNo, primaryTerm int64, reason string) *Operation {
	return &Operation{
		Type:                     OpTypeNoOp,
		SeqNo:                    seqNo,
		PrimaryTerm:              primaryTerm,
		Reason:                   reason,
		AutoGeneratedIDTimestamp: -1,
	}
}

// Validate returns an error if the operation is not well formed.
func (op *Operation) Validate() error {
	switch op.Type {
	case OpTypeIndex, OpTypeDelete:
		if op.ID == "" {
			return fmt.Errorf("%s operation requires an id", op.Type)
		}
	case OpTypeNoOp:
	default:
		return fmt.Errorf("invalid operation type: %d", op.Type)
	}

	if op.SeqNo < 0 {
		return fmt.Errorf("invalid seqNo: %d", op.SeqNo)
	} else if op.PrimaryTerm <= 0 {
		return fmt.Errorf("invalid primary term: %d", op.PrimaryTerm)
	}
	return nil
}

// EstimateSize returns the approximate in-memory size of the operation.
func (op *Operation) EstimateSize() int64 {
	return int64(64 + len(op.ID) + len(op.Routing) + len(op.Source) + len(op.Reason))
}

// String returns a short description of the operation.
func (op *Operation) String() string {
	switch op.Type {
	case OpTypeNoOp:
		return fmt.Sprintf("%s{seqNo=%d, term=%d, reason=%q}", op.Type, op.SeqNo, op.PrimaryTerm, op.Reason)
	default:
		return fmt.Sprintf("%s{id=%s, seqNo=%d, term=%d, version=%d}", op.Type, op.ID, op.SeqNo, op.PrimaryTerm, op.Version)
	}
}

// MarshalBinary encodes the operation payload without the record framing.
func (op *Operation) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	enc := internal.NewEncoder(&buf)
	enc.Uint8(uint8(op.Type))
	enc.Int64(op.SeqNo)
	enc.Int64(op.PrimaryTerm)
	enc.Int64(op.Version)
	enc.Int64(op.AutoGeneratedIDTimestamp)
	enc.String(op.ID)
	enc.String(op.Routing)
	enc.Bytes(op.Source)
	enc.String(op.Reason)
	return buf.Bytes(), enc.Err()
}

// UnmarshalBinary decodes an operation payload.
func (op *Operation) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	dec := internal.NewDecoder(r)
	op.Type = OpType(dec.Uint8())
	op.SeqNo = dec.Int64()
	op.PrimaryTerm = dec.Int64()
	op.Version = dec.Int64()
	op.AutoGeneratedIDTimestamp = dec.Int64()
	op.ID = dec.String()
	op.Routing = dec.String()
	op.Source = dec.Bytes()
	op.Reason = dec.String()
	if err := dec.Err(); err != nil {
		return err
	} else if r.Len() != 0 {
		return fmt.Errorf("trailing bytes after operation: %d", r.Len())
	}

	if len(op.Source) == 0 {
		op.Source = nil
	}
	return op.Validate()
}

// Location is the position of a record within the translog.
type Location struct {
	Generation int64
	Offset     int64
	Size       int64
}

// maxRecordSize is the largest record accepted by ReadRecord.
const maxRecordSize = internal.MaxFieldSize

// recordOverhead is the size prefix plus the checksum trailer.
const recordOverhead = 4 + 8

// WriteRecord writes op to w framed as [size:int32][payload][checksum:uint64]
// where size covers the payload and the checksum.
func WriteRecord(w io.Writer, op *Operation) (int64, error) {
	payload, err := op.MarshalBinary()
	if err != nil {
		return 0, err
	}

	b := make([]byte, len(payload)+recordOverhead)
	binary.BigEndian.PutUint32(b[0:4], uint32(len(payload)+8))
	copy(b[4:], payload)
	binary.BigEndian.PutUint64(b[4+len(payload):], recordChecksum(payload))

	n, err := w.Write(b)
	return int64(n), err
}

// ReadRecord reads a single framed operation from r. Returns io.EOF if r is
// at a record boundary with no more data.
func ReadRecord(r io.Reader) (*Operation, int64, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err == io.EOF {
		return nil, 0, io.EOF
	} else if err == io.ErrUnexpectedEOF {
		return nil, 0, &CorruptedError{Kind: CorruptionStructure, Reason: "truncated record size"}
	} else if err != nil {
		return nil, 0, err
	}

	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size < 8 || size > maxRecordSize {
		return nil, 0, &CorruptedError{Kind: CorruptionStructure, Reason: fmt.Sprintf("invalid record size: %d", size)}
	}

	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, 0, &CorruptedError{Kind: CorruptionStructure, Reason: "truncated record"}
	} else if err != nil {
		return nil, 0, err
	}

	payload := b[:len(b)-8]
	if got, want := recordChecksum(payload), binary.BigEndian.Uint64(b[len(b)-8:]); got != want {
		return nil, 0, &CorruptedError{Kind: CorruptionChecksum, Reason: fmt.Sprintf("record checksum mismatch: %016x <> %016x", got, want)}
	}

	var op Operation
	if err := op.UnmarshalBinary(payload); err != nil {
		return nil, 0, &CorruptedError{Kind: CorruptionStructure, Reason: fmt.Sprintf("decode operation: %s", err)}
	}
	return &op, int64(size) + 4, nil
}

func recordChecksum(payload []byte) uint64 {
	h := ltx.NewHasher()
	_, _ = h.Write(payload)
	return h.Sum64()
}
