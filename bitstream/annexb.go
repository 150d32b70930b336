package bitstream

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	gocodec "github.com/yapingcat/gomedia/go-codec"
)

var (
	// ErrMalformed is returned when a NAL table can't be trusted, the frame should be dropped.
	ErrMalformed = errors.New("malformed nal units")
	// ErrEmpty is returned when a buffer holds no NAL unit at all.
	ErrEmpty = errors.New("no nal units")
)

var startCode = []byte{0, 0, 0, 1}

// startCodeAt returns the length of the start code at buf[i:], 3 or 4, or 0 when there is none.
func startCodeAt(buf []byte, i int) int {
	if i+3 > len(buf) || buf[i] != 0 || buf[i+1] != 0 {
		return 0
	}
	if buf[i+2] == 1 {
		return 3
	}
	if i+4 <= len(buf) && buf[i+2] == 0 && buf[i+3] == 1 {
		return 4
	}
	return 0
}

// SplitAnnexB returns the NAL units of an Annex-B buffer, bytes before the first
// start code are ignored and empty NAL units are dropped with a warning.
func SplitAnnexB(buf []byte) (nals [][]byte) {
	beg, sc := gocodec.FindStartCode(buf, 0)
	for beg >= 0 {
		nalStart := beg + int(sc)
		if nalStart >= len(buf) {
			break
		}

		end, next := gocodec.FindStartCode(buf, nalStart)
		nalEnd := end
		if end < 0 {
			nalEnd = len(buf)
		}
		if nalEnd == nalStart {
			log.Warnf("skip zero length nal at %v", beg)
		} else {
			nals = append(nals, buf[nalStart:nalEnd])
		}
		beg, sc = end, next
	}
	return
}

// IsAnnexB is true when buf starts with a three or four bytes start code.
func IsAnnexB(buf []byte) bool {
	return startCodeAt(buf, 0) > 0
}

// IsAVCC reports whether buf is already a sequence of four bytes length prefixed
// NAL units which covers the buffer exactly. A buffer starting with the four
// bytes start code is never AVCC.
func IsAVCC(buf []byte) bool {
	if len(buf) < 4 || (buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 1) {
		return false
	}

	offset := 0
	for offset+4 <= len(buf) {
		size := int(binary.BigEndian.Uint32(buf[offset:]))
		if size == 0 || size > len(buf)-offset-4 {
			return false
		}
		offset += 4 + size
	}
	return offset == len(buf)
}

// JoinAVCC prefixes every NAL with its four bytes big endian length.
func JoinAVCC(nals [][]byte) []byte {
	size := 0
	for _, nal := range nals {
		size += 4 + len(nal)
	}

	out := make([]byte, 0, size)
	for _, nal := range nals {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nal)))
		out = append(out, nal...)
	}
	return out
}

// JoinAnnexB prefixes every NAL with the four bytes start code.
func JoinAnnexB(nals [][]byte) []byte {
	size := 0
	for _, nal := range nals {
		size += len(startCode) + len(nal)
	}

	out := make([]byte, 0, size)
	for _, nal := range nals {
		out = append(out, startCode...)
		out = append(out, nal...)
	}
	return out
}

// ToAVCC converts an Annex-B access unit to four bytes length prefixed NAL units.
// A buffer which already is AVCC is returned unchanged.
func ToAVCC(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, ErrEmpty
	}
	if IsAVCC(buf) {
		log.Tracef("frame of %v bytes already avcc", len(buf))
		return buf, nil
	}

	nals := SplitAnnexB(buf)
	if len(nals) == 0 {
		log.Errorf("no nal units in annexb buffer of %v bytes", len(buf))
		return nil, errors.Wrapf(ErrEmpty, "annexb buffer of %v bytes", len(buf))
	}

	out := JoinAVCC(nals)
	if !IsAVCC(out) {
		log.Errorf("invalid avcc output of %v nals, %v bytes", len(nals), len(out))
		return nil, errors.Wrapf(ErrMalformed, "avcc output of %v bytes", len(out))
	}

	log.Tracef("converted annexb to avcc, %v nals, %v bytes", len(nals), len(out))
	return out, nil
}
