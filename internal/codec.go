package internal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// MaxFieldSize is the largest length-prefixed field accepted by Decoder.
const MaxFieldSize = 64 << 20

// ErrFieldTooLarge is returned when a length prefix exceeds MaxFieldSize.
var ErrFieldTooLarge = errors.New("encoded field too large")

// Encoder writes big-endian primitives to an underlying writer. The first
// error is retained and all later writes become no-ops.
type Encoder struct {
	w   io.Writer
	n   int64
	err error
	buf [8]byte
}

// NewEncoder returns a new instance of Encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// N returns the number of bytes written.
func (e *Encoder) N() int64 { return e.n }

// Err returns the first error that occurred while encoding.
func (e *Encoder) Err() error { return e.err }

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	n, err := e.w.Write(p)
	e.n += int64(n)
	e.err = err
}

func (e *Encoder) Uint8(v uint8) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

func (e *Encoder) Uint32(v uint32) {
	binary.BigEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

func (e *Encoder) Uint64(v uint64) {
	binary.BigEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *Encoder) Int64(v int64) { e.Uint64(uint64(v)) }

// Len writes a count prefix for a sequence of n elements.
func (e *Encoder) Len(n int) { e.Uint32(uint32(n)) }

// Bytes writes a uint32 length prefix followed by p.
func (e *Encoder) Bytes(p []byte) {
	e.Uint32(uint32(len(p)))
	e.write(p)
}

// String writes a uint32 length prefix followed by s.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.write([]byte(s))
}

func (e *Encoder) Strings(a []string) {
	e.Uint32(uint32(len(a)))
	for _, s := range a {
		e.String(s)
	}
}

func (e *Encoder) Int64s(a []int64) {
	e.Uint32(uint32(len(a)))
	for _, v := range a {
		e.Int64(v)
	}
}

// StringMap writes a map in sorted key order so output is deterministic.
func (e *Encoder) StringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.Uint32(uint32(len(keys)))
	for _, k := range keys {
		e.String(k)
		e.String(m[k])
	}
}

// Decoder reads big-endian primitives written by Encoder. The first error is
// retained and all later reads return zero values.
type Decoder struct {
	r   io.Reader
	n   int64
	err error
	buf [8]byte
}

// NewDecoder returns a new instance of Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// N returns the number of bytes read.
func (d *Decoder) N() int64 { return d.n }

// Err returns the first error that occurred while decoding. A clean EOF in
// the middle of a structure is reported as io.ErrUnexpectedEOF.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) read(p []byte) bool {
	if d.err != nil {
		return false
	}
	n, err := io.ReadFull(d.r, p)
	d.n += int64(n)
	if err == io.EOF && d.n > 0 {
		err = io.ErrUnexpectedEOF
	}
	d.err = err
	return err == nil
}

func (d *Decoder) Uint8() uint8 {
	if !d.read(d.buf[:1]) {
		return 0
	}
	return d.buf[0]
}

func (d *Decoder) Bool() bool {
	switch v := d.Uint8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		if d.err == nil {
			d.err = fmt.Errorf("invalid boolean value: %d", v)
		}
		return false
	}
}

func (d *Decoder) Uint32() uint32 {
	if !d.read(d.buf[:4]) {
		return 0
	}
	return binary.BigEndian.Uint32(d.buf[:4])
}

func (d *Decoder) Int32() int32 { return int32(d.Uint32()) }

func (d *Decoder) Uint64() uint64 {
	if !d.read(d.buf[:8]) {
		return 0
	}
	return binary.BigEndian.Uint64(d.buf[:8])
}

func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

func (d *Decoder) length() int {
	n := d.Uint32()
	if d.err == nil && n > MaxFieldSize {
		d.err = ErrFieldTooLarge
	}
	if d.err != nil {
		return 0
	}
	return int(n)
}

// Len reads a count prefix written by Encoder.Len.
func (d *Decoder) Len() int { return d.length() }

func (d *Decoder) Bytes() []byte {
	n := d.length()
	if d.err != nil {
		return nil
	}
	p := make([]byte, n)
	if !d.read(p) {
		return nil
	}
	return p
}

func (d *Decoder) String() string {
	return string(d.Bytes())
}

func (d *Decoder) Strings() []string {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	a := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		a = append(a, d.String())
	}
	return a
}

func (d *Decoder) Int64s() []int64 {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	a := make([]int64, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		a = append(a, d.Int64())
	}
	return a
}

func (d *Decoder) StringMap() map[string]string {
	n := d.length()
	if d.err != nil {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n && d.err == nil; i++ {
		k := d.String()
		m[k] = d.String()
	}
	return m
}
