package core

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Writer is the write cursor shared by every box writer.
// A box is written in two passes: StartBox emits a zero size placeholder and
// the type, EndBox seeks back to patch the size then returns to the end.
//
// The first failure is sticky, later writes are dropped and every EndBox
// returns it, so a sequence of writes only needs one error check.
type Writer struct {
	w   io.WriteSeeker
	pos int64
	err error
	buf [8]byte
}

func NewWriter(w io.WriteSeeker) (*Writer, error) {
	pos, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, errors.Wrap(err, "query writer position")
	}
	return &Writer{w: w, pos: pos}, nil
}

// Position is the absolute offset of the next byte written.
func (v *Writer) Position() int64 {
	return v.pos
}

func (v *Writer) Err() error {
	return v.err
}

func (v *Writer) fail(err error) {
	if v.err == nil {
		log.Errorf("box writer failed at %v, err is %v", v.pos, err)
		v.err = err
	}
}

func (v *Writer) Write(p []byte) (n int, err error) {
	if v.err != nil {
		return 0, v.err
	}
	n, err = v.w.Write(p)
	v.pos += int64(n)
	if err != nil {
		v.fail(errors.Wrapf(err, "write %v bytes", len(p)))
		return n, v.err
	}
	return n, nil
}

func (v *Writer) WriteUint8(x uint8) {
	v.buf[0] = x
	v.Write(v.buf[:1])
}

func (v *Writer) WriteUint16(x uint16) {
	binary.BigEndian.PutUint16(v.buf[:2], x)
	v.Write(v.buf[:2])
}

func (v *Writer) WriteUint24(x uint32) {
	v.buf[0], v.buf[1], v.buf[2] = byte(x>>16), byte(x>>8), byte(x)
	v.Write(v.buf[:3])
}

func (v *Writer) WriteUint32(x uint32) {
	binary.BigEndian.PutUint32(v.buf[:4], x)
	v.Write(v.buf[:4])
}

func (v *Writer) WriteUint64(x uint64) {
	binary.BigEndian.PutUint64(v.buf[:8], x)
	v.Write(v.buf[:8])
}

func (v *Writer) WriteInt16(x int16) {
	v.WriteUint16(uint16(x))
}

func (v *Writer) WriteInt32(x int32) {
	v.WriteUint32(uint32(x))
}

// WriteFourCC writes a box or brand type.
func (v *Writer) WriteFourCC(bt uint32) {
	v.WriteUint32(bt)
}

// WriteString writes the raw characters of s, without terminator.
func (v *Writer) WriteString(s string) {
	v.Write([]byte(s))
}

// WriteCString writes s followed by a NUL byte.
func (v *Writer) WriteCString(s string) {
	v.WriteString(s)
	v.WriteUint8(0)
}

func (v *Writer) WriteBytes(p []byte) {
	v.Write(p)
}

func (v *Writer) WriteZeros(n int) {
	for ; n > len(v.buf); n -= len(v.buf) {
		v.WriteUint64(0)
	}
	v.buf = [8]byte{}
	v.Write(v.buf[:n])
}

// StartBox writes the header of box bt and returns its start offset for EndBox.
func (v *Writer) StartBox(bt uint32) (pos int64) {
	pos = v.pos
	v.WriteUint32(0)
	v.WriteFourCC(bt)
	return
}

// StartFullBox writes the header of a full box with version and 24 bits flags.
func (v *Writer) StartFullBox(bt uint32, version uint8, flags uint32) (pos int64) {
	pos = v.StartBox(bt)
	v.WriteUint32(uint32(version)<<24 | flags&0x00ffffff)
	return
}

// EndBox patches the size of the box started at pos.
func (v *Writer) EndBox(pos int64) error {
	if v.err != nil {
		return v.err
	}

	end := v.pos
	size := end - pos
	if size < 8 || size > 0xffffffff {
		v.fail(errors.Errorf("box at %v has invalid size %v", pos, size))
		return v.err
	}

	if _, err := v.w.Seek(pos, io.SeekStart); err != nil {
		v.fail(errors.Wrapf(err, "seek to box at %v", pos))
		return v.err
	}
	binary.BigEndian.PutUint32(v.buf[:4], uint32(size))
	if _, err := v.w.Write(v.buf[:4]); err != nil {
		v.fail(errors.Wrapf(err, "patch box size at %v", pos))
		return v.err
	}
	if _, err := v.w.Seek(end, io.SeekStart); err != nil {
		v.fail(errors.Wrapf(err, "seek back to %v", end))
		return v.err
	}
	return nil
}

// PatchUint32 overwrites four bytes at an earlier absolute offset and returns to the end.
func (v *Writer) PatchUint32(at int64, x uint32) error {
	if v.err != nil {
		return v.err
	}
	if _, err := v.w.Seek(at, io.SeekStart); err != nil {
		v.fail(errors.Wrapf(err, "seek to %v", at))
		return v.err
	}
	binary.BigEndian.PutUint32(v.buf[:4], x)
	if _, err := v.w.Write(v.buf[:4]); err != nil {
		v.fail(errors.Wrapf(err, "patch uint32 at %v", at))
		return v.err
	}
	if _, err := v.w.Seek(v.pos, io.SeekStart); err != nil {
		v.fail(errors.Wrapf(err, "seek back to %v", v.pos))
		return v.err
	}
	return nil
}
