package bitstream

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SplitAVCC returns the NAL units of a length prefixed buffer with 1, 2 or 4
// bytes lengths. Zero lengths are skipped, a length running past the buffer
// or trailing bytes too short for a length fail with ErrMalformed.
func SplitAVCC(buf []byte, lengthSize int) (nals [][]byte, err error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, errors.Wrapf(ErrMalformed, "nal length size %v", lengthSize)
	}

	offset := 0
	for offset < len(buf) {
		if offset+lengthSize > len(buf) {
			return nil, errors.Wrapf(ErrMalformed, "%v trailing bytes at %v", len(buf)-offset, offset)
		}

		size := 0
		for i := 0; i < lengthSize; i++ {
			size = size<<8 | int(buf[offset+i])
		}
		offset += lengthSize

		if size == 0 {
			log.Warnf("skip zero length nal at %v", offset-lengthSize)
			continue
		}
		if size > len(buf)-offset {
			return nil, errors.Wrapf(ErrMalformed, "nal of %v bytes at %v overruns buffer of %v", size, offset-lengthSize, len(buf))
		}

		nals = append(nals, buf[offset:offset+size])
		offset += size
	}
	return
}

// Converter turns samples read from a track back into Annex-B access units.
// Key frames are prefixed with the parameter sets of the track so every one
// of them can start decoding.
type Converter struct {
	Family Family
	// NAL length size of the samples, 4 when zero.
	LengthSize int
	// Parameter sets in decoding order, without start codes.
	ParameterSets [][]byte
}

// ToAnnexB converts one length prefixed sample. A sample which already starts
// with a start code and doesn't parse as length prefixed is returned as is.
func (v *Converter) ToAnnexB(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmpty
	}

	lengthSize := v.LengthSize
	if lengthSize == 0 {
		lengthSize = 4
	}

	nals, err := SplitAVCC(frame, lengthSize)
	if err != nil {
		if IsAnnexB(frame) {
			log.Tracef("frame of %v bytes already annexb", len(frame))
			return frame, nil
		}
		log.Errorf("split %v frame of %v bytes failed, err is %v", v.Family, len(frame), err)
		return nil, err
	}
	if len(nals) == 0 {
		return nil, errors.Wrapf(ErrEmpty, "frame of %v bytes", len(frame))
	}

	if len(v.ParameterSets) > 0 && HasKeyFrame(v.Family, nals) {
		// The sample may carry its own parameter sets, the track ones go first.
		out := JoinAnnexB(v.ParameterSets)
		return append(out, JoinAnnexB(nals)...), nil
	}
	return JoinAnnexB(nals), nil
}
