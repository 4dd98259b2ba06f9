package command

import (
	"encoding/binary"
	"fmt"
)

// Frames are little-endian with strings and byte blobs length-prefixed by
// an int32. Every frame layout is fixed per message type; decoding errors
// surface as ErrMalformedCommand at the dispatcher boundary.

type encoder struct {
	buf []byte
}

func (e *encoder) putInt32(v int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) putInt64(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

func (e *encoder) putBool(v bool) {
	b := int32(0)
	if v {
		b = 1
	}
	e.putInt32(b)
}

func (e *encoder) putBytes(v []byte) {
	e.putInt32(int32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) putString(v string) {
	e.putInt32(int32(len(v)))
	e.buf = append(e.buf, v...)
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) int32() int32 {
	if d.err != nil {
		return 0
	}
	if d.off+4 > len(d.buf) {
		d.err = fmt.Errorf("frame truncated at offset %d", d.off)
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(d.buf[d.off:]))
	d.off += 4
	return v
}

func (d *decoder) int64() int64 {
	if d.err != nil {
		return 0
	}
	if d.off+8 > len(d.buf) {
		d.err = fmt.Errorf("frame truncated at offset %d", d.off)
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v
}

func (d *decoder) bool() bool {
	return d.int32() != 0
}

func (d *decoder) bytes() []byte {
	length := d.int32()
	if d.err != nil {
		return nil
	}
	if length < 0 || d.off+int(length) > len(d.buf) {
		d.err = fmt.Errorf("bad blob length %d at offset %d", length, d.off)
		return nil
	}
	v := make([]byte, length)
	copy(v, d.buf[d.off:])
	d.off += int(length)
	return v
}

func (d *decoder) string() string {
	return string(d.bytes())
}
