package core

import (
	"io"

	"github.com/pkg/errors"
)

// MemoryFile is an in memory io.ReadWriteSeeker, used to build boxes without a file.
type MemoryFile struct {
	data []byte
	off  int64
}

func NewMemoryFile() *MemoryFile {
	return &MemoryFile{}
}

func (v *MemoryFile) Bytes() []byte {
	return v.data
}

func (v *MemoryFile) Len() int {
	return len(v.data)
}

func (v *MemoryFile) Write(p []byte) (n int, err error) {
	end := v.off + int64(len(p))
	if end > int64(len(v.data)) {
		if end > int64(cap(v.data)) {
			grown := make([]byte, end, 2*end)
			copy(grown, v.data)
			v.data = grown
		} else {
			v.data = v.data[:end]
		}
	}
	copy(v.data[v.off:end], p)
	v.off = end
	return len(p), nil
}

func (v *MemoryFile) Read(p []byte) (n int, err error) {
	if v.off >= int64(len(v.data)) {
		return 0, io.EOF
	}
	n = copy(p, v.data[v.off:])
	v.off += int64(n)
	return
}

func (v *MemoryFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = v.off + offset
	case io.SeekEnd:
		abs = int64(len(v.data)) + offset
	default:
		return 0, errors.Errorf("invalid whence %v", whence)
	}
	if abs < 0 {
		return 0, errors.Errorf("negative position %v", abs)
	}
	v.off = abs
	return abs, nil
}
