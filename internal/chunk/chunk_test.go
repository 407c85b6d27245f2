package chunk_test

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/Ratu-Tech/RatuDB-sub003/internal/chunk"
)

func TestCopy(t *testing.T) {
	rand := rand.New(rand.NewSource(0))

	var input, buf bytes.Buffer
	w := chunk.NewWriter(&buf)
	for i := 0; i < 1000; i++ {
		data := make([]byte, rand.Intn(100000))
		_, _ = rand.Read(data)
		_, _ = input.Write(data)

		if n, err := w.Write(data); err != nil {
			t.Fatal(err)
		} else if got, want := n, len(data); got != want {
			t.Fatalf("len=%d, want %d", got, want)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	output, err := io.ReadAll(chunk.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	} else if got, want := len(output), input.Len(); got != want {
		t.Fatalf("len(output)=%d, want %d", got, want)
	} else if !bytes.Equal(output, input.Bytes()) {
		t.Fatalf("output does not match input")
	}
}

func TestReader(t *testing.T) {
	t.Run("ErrChecksumMismatch", func(t *testing.T) {
		var buf bytes.Buffer
		w := chunk.NewWriter(&buf)
		if _, err := w.Write([]byte("hello, world")); err != nil {
			t.Fatal(err)
		} else if err := w.Close(); err != nil {
			t.Fatal(err)
		}

		data := buf.Bytes()
		data[3] ^= 0xff // flip a content byte

		if _, err := io.ReadAll(chunk.NewReader(bytes.NewReader(data))); err != chunk.ErrChecksumMismatch {
			t.Fatalf("unexpected error: %#v", err)
		}
	})

	t.Run("ErrUnexpectedEOF", func(t *testing.T) {
		var buf bytes.Buffer
		w := chunk.NewWriter(&buf)
		if _, err := w.Write([]byte("truncated")); err != nil {
			t.Fatal(err)
		}

		// No closing chunk was written.
		if _, err := io.ReadAll(chunk.NewReader(&buf)); err != io.ErrUnexpectedEOF {
			t.Fatalf("unexpected error: %#v", err)
		}
	})
}
