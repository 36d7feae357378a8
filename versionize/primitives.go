package versionize

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Writer encodes primitive values in the fixed little-endian wire format
// shared by every participating type.
type Writer struct {
	w   io.Writer
	buf [8]byte
}

// NewWriter wraps w for primitive encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(n int) error {
	_, err := w.w.Write(w.buf[:n])
	return err
}

// WriteUint8 writes a single byte.
func (w *Writer) WriteUint8(v uint8) error {
	w.buf[0] = v
	return w.write(1)
}

// WriteBool writes a bool as a single byte, 1 for true.
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

// WriteUint16 writes v little-endian.
func (w *Writer) WriteUint16(v uint16) error {
	binary.LittleEndian.PutUint16(w.buf[:2], v)
	return w.write(2)
}

// WriteUint32 writes v little-endian.
func (w *Writer) WriteUint32(v uint32) error {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	return w.write(4)
}

// WriteUint64 writes v little-endian.
func (w *Writer) WriteUint64(v uint64) error {
	binary.LittleEndian.PutUint64(w.buf[:8], v)
	return w.write(8)
}

// WriteInt32 writes v little-endian.
func (w *Writer) WriteInt32(v int32) error { return w.WriteUint32(uint32(v)) }

// WriteInt64 writes v little-endian.
func (w *Writer) WriteInt64(v int64) error { return w.WriteUint64(uint64(v)) }

// WriteFloat32 writes v little-endian.
func (w *Writer) WriteFloat32(v float32) error { return w.WriteUint32(math.Float32bits(v)) }

// WriteFloat64 writes v little-endian.
func (w *Writer) WriteFloat64(v float64) error { return w.WriteUint64(math.Float64bits(v)) }

// WriteBytes writes a raw byte sequence with no length prefix. Callers that
// need a variable-length field should precede it with WriteSeqLen.
func (w *Writer) WriteBytes(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

// WriteSeqLen writes a u64 little-endian length prefix, as used ahead of
// every variable-length sequence (strings, slices).
func (w *Writer) WriteSeqLen(n int) error {
	return w.WriteUint64(uint64(n))
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteSeqLen(len(s)); err != nil {
		return err
	}
	return w.WriteBytes([]byte(s))
}

// Reader decodes primitive values written by Writer.
type Reader struct {
	r   io.Reader
	buf [8]byte
}

// NewReader wraps r for primitive decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) read(n int) error {
	_, err := io.ReadFull(r.r, r.buf[:n])
	return err
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.read(1); err != nil {
		return 0, err
	}
	return r.buf[0], nil
}

// ReadBool reads a single byte, nonzero meaning true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.read(2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.buf[:2]), nil
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.read(4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[:4]), nil
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.read(8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.buf[:8]), nil
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a little-endian float32.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads a little-endian float64.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadBytes reads exactly n raw bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadSeqLen reads a u64 little-endian length prefix.
func (r *Reader) ReadSeqLen() (int, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("versionize: sequence length %d implausibly large", n)
	}
	return int(n), nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadSeqLen()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
