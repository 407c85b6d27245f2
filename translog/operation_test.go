package translog_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/Ratu-Tech/RatuDB-sub003/translog"
)

func TestRecord_RoundTrip(t *testing.T) {
	ops := []*translog.Operation{
		translog.NewIndexOperation("doc-1", []byte(`{"title":"foo"}`), 0, 1, 1),
		translog.NewIndexOperation("doc-2", nil, 1, 1, 3),
		translog.NewDeleteOperation("doc-1", 2, 1, 2),
		translog.NewNoOp(3, 2, "gap filler"),
		{
			Type:                     translog.OpTypeIndex,
			SeqNo:                    1 << 40,
			PrimaryTerm:              7,
			ID:                       "auto",
			Routing:                  "r1",
			Source:                   bytes.Repeat([]byte("x"), 70000),
			Version:                  1,
			AutoGeneratedIDTimestamp: 1700000000000,
		},
	}

	var buf bytes.Buffer
	var total int64
	for _, op := range ops {
		n, err := translog.WriteRecord(&buf, op)
		if err != nil {
			t.Fatal(err)
		}
		total += n
	}
	if got, want := total, int64(buf.Len()); got != want {
		t.Fatalf("n=%d, want %d", got, want)
	}

	for i, want := range ops {
		got, _, err := translog.ReadRecord(&buf)
		if err != nil {
			t.Fatalf("%d: %s", i, err)
		} else if !reflect.DeepEqual(got, want) {
			t.Fatalf("%d: op=%s, want %s", i, got, want)
		}
	}
	if _, _, err := translog.ReadRecord(&buf); err != io.EOF {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestReadRecord(t *testing.T) {
	encode := func(tb testing.TB, op *translog.Operation) []byte {
		var buf bytes.Buffer
		if _, err := translog.WriteRecord(&buf, op); err != nil {
			tb.Fatal(err)
		}
		return buf.Bytes()
	}

	t.Run("ErrChecksumMismatch", func(t *testing.T) {
		b := encode(t, translog.NewIndexOperation("doc", []byte("abc"), 5, 1, 1))
		b[len(b)-10] ^= 0xff

		var e *translog.CorruptedError
		if _, _, err := translog.ReadRecord(bytes.NewReader(b)); !errors.As(err, &e) {
			t.Fatalf("unexpected error: %#v", err)
		} else if got, want := e.Kind, translog.CorruptionChecksum; got != want {
			t.Fatalf("kind=%s, want %s", got, want)
		}
	})

	t.Run("ErrTruncated", func(t *testing.T) {
		b := encode(t, translog.NewIndexOperation("doc", []byte("abc"), 5, 1, 1))

		var e *translog.CorruptedError
		if _, _, err := translog.ReadRecord(bytes.NewReader(b[:len(b)-1])); !errors.As(err, &e) {
			t.Fatalf("unexpected error: %#v", err)
		} else if got, want := e.Kind, translog.CorruptionStructure; got != want {
			t.Fatalf("kind=%s, want %s", got, want)
		}
	})

	t.Run("ErrInvalidSize", func(t *testing.T) {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, 3)
		if _, _, err := translog.ReadRecord(bytes.NewReader(b)); !errors.Is(err, translog.ErrCorrupted) {
			t.Fatalf("unexpected error: %#v", err)
		}
	})
}

func TestOperation_Validate(t *testing.T) {
	if err := translog.NewIndexOperation("", nil, 0, 1, 1).Validate(); err == nil {
		t.Fatal("expected error for missing id")
	}
	if err := translog.NewNoOp(-1, 1, "").Validate(); err == nil {
		t.Fatal("expected error for negative seqNo")
	}
	if err := translog.NewDeleteOperation("doc", 0, 0, 1).Validate(); err == nil {
		t.Fatal("expected error for zero term")
	}
	if err := translog.NewNoOp(0, 1, "").Validate(); err != nil {
		t.Fatal(err)
	}
}
