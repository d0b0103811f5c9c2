// Package serial holds the little-endian / uvarint helpers shared by the
// on-disk formats (cell store meta region, commit log blocks, meta log
// payloads).
package serial

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

var errShort = errors.New("serial: buffer too short")

func AppendU16(dst []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(dst, v) }
func AppendU32(dst []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(dst, v) }
func AppendU64(dst []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(dst, v) }
func AppendI64(dst []byte, v int64) []byte  { return AppendU64(dst, uint64(v)) }
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// AppendBytes writes a uvarint length followed by p.
func AppendBytes(dst, p []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(p)))
	return append(dst, p...)
}

// AppendString is AppendBytes for strings.
func AppendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// Decoder consumes a buffer front to back. The first failure sticks; callers
// check Err once after a sequence of reads.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) Err() error     { return d.err }
func (d *Decoder) Remaining() int { return len(d.buf) }
func (d *Decoder) Rest() []byte   { return d.buf }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = errors.Wrapf(errShort, "need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	p := d.buf[:n]
	d.buf = d.buf[n:]
	return p
}

func (d *Decoder) U8() uint8 {
	if p := d.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (d *Decoder) U16() uint16 {
	if p := d.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (d *Decoder) U32() uint32 {
	if p := d.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (d *Decoder) U64() uint64 {
	if p := d.take(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (d *Decoder) I64() int64 { return int64(d.U64()) }

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.Wrap(errShort, "bad uvarint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// Bytes reads a uvarint-prefixed byte string. The result aliases the buffer.
func (d *Decoder) Bytes() []byte {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.err = errors.Wrapf(errShort, "string of %d bytes exceeds %d", n, len(d.buf))
		return nil
	}
	return d.take(int(n))
}

func (d *Decoder) String() string { return string(d.Bytes()) }
