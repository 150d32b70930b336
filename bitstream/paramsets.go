package bitstream

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	gocodec "github.com/yapingcat/gomedia/go-codec"
)

// ParameterSets groups the out of band NAL units of a stream, VPS is HEVC only.
type ParameterSets struct {
	VPS [][]byte
	SPS [][]byte
	PPS [][]byte
}

// All returns the parameter sets in decoding order, VPS then SPS then PPS.
func (v *ParameterSets) All() (nals [][]byte) {
	nals = append(nals, v.VPS...)
	nals = append(nals, v.SPS...)
	nals = append(nals, v.PPS...)
	return
}

// Empty is true when there's neither SPS nor PPS.
func (v *ParameterSets) Empty() bool {
	return len(v.SPS) == 0 && len(v.PPS) == 0
}

func (v *ParameterSets) add(family Family, nal []byte) {
	t := NALType(family, nal)
	if family == FamilyHEVC {
		switch gocodec.H265_NAL_TYPE(t) {
		case gocodec.H265_NAL_VPS:
			v.VPS = append(v.VPS, nal)
		case gocodec.H265_NAL_SPS:
			v.SPS = append(v.SPS, nal)
		case gocodec.H265_NAL_PPS:
			v.PPS = append(v.PPS, nal)
		}
		return
	}
	switch gocodec.H264_NAL_TYPE(t) {
	case gocodec.H264_NAL_SPS:
		v.SPS = append(v.SPS, nal)
	case gocodec.H264_NAL_PPS:
		v.PPS = append(v.PPS, nal)
	}
}

// SplitAny splits buf as four bytes length prefixed NAL units when it is
// exactly that, else as Annex-B.
func SplitAny(buf []byte) [][]byte {
	if IsAVCC(buf) {
		if nals, err := SplitAVCC(buf, 4); err == nil {
			return nals
		}
	}
	return SplitAnnexB(buf)
}

// ExtractParameterSets collects the parameter sets of an access unit or of a
// codec config blob, either Annex-B or length prefixed.
func ExtractParameterSets(family Family, buf []byte) (ps ParameterSets) {
	for _, nal := range SplitAny(buf) {
		ps.add(family, nal)
	}
	return
}

// DecoderConfig is what the demuxer needs from an avcC or hvcC record.
type DecoderConfig struct {
	// NAL length size of the samples, 1, 2 or 4.
	LengthSize int
	ParameterSets
}

type recordReader struct {
	b   []byte
	off int
	err error
}

func (v *recordReader) u8() int {
	if v.err != nil {
		return 0
	}
	if v.off+1 > len(v.b) {
		v.err = errors.Wrapf(ErrMalformed, "record truncated at %v", v.off)
		return 0
	}
	x := v.b[v.off]
	v.off++
	return int(x)
}

func (v *recordReader) u16() int {
	if v.err != nil {
		return 0
	}
	if v.off+2 > len(v.b) {
		v.err = errors.Wrapf(ErrMalformed, "record truncated at %v", v.off)
		return 0
	}
	x := binary.BigEndian.Uint16(v.b[v.off:])
	v.off += 2
	return int(x)
}

func (v *recordReader) bytes(n int) []byte {
	if v.err != nil {
		return nil
	}
	if v.off+n > len(v.b) {
		v.err = errors.Wrapf(ErrMalformed, "nal of %v bytes at %v overruns record of %v", n, v.off, len(v.b))
		return nil
	}
	x := v.b[v.off : v.off+n]
	v.off += n
	return x
}

/**
 * 5.3.3.1 AVCDecoderConfigurationRecord
 * ISO_IEC_14496-15-AVC-format-2012.pdf, page 16
 */
func ParseAvcC(rec []byte) (cfg *DecoderConfig, err error) {
	if len(rec) < 7 {
		return nil, errors.Wrapf(ErrMalformed, "avcC of %v bytes", len(rec))
	}

	r := &recordReader{b: rec, off: 4}
	cfg = &DecoderConfig{LengthSize: r.u8()&0x03 + 1}

	nbSPS := r.u8() & 0x1F
	for i := 0; i < nbSPS; i++ {
		if nal := r.bytes(r.u16()); r.err == nil {
			cfg.SPS = append(cfg.SPS, nal)
		}
	}
	nbPPS := r.u8()
	for i := 0; i < nbPPS; i++ {
		if nal := r.bytes(r.u16()); r.err == nil {
			cfg.PPS = append(cfg.PPS, nal)
		}
	}

	if r.err != nil {
		log.Errorf("parse avcC of %v bytes failed, err is %v", len(rec), r.err)
		return nil, r.err
	}
	if cfg.LengthSize == 3 {
		return nil, errors.Wrap(ErrMalformed, "avcC nal length size 3")
	}

	log.Tracef("parse avcC success, length size=%v, sps=%v, pps=%v", cfg.LengthSize, len(cfg.SPS), len(cfg.PPS))
	return
}

/**
 * 8.3.3.1 HEVCDecoderConfigurationRecord
 * ISO_IEC_14496-15-AVC-format-2012.pdf, page 72
 */
func ParseHvcC(rec []byte) (cfg *DecoderConfig, err error) {
	if len(rec) < 23 {
		return nil, errors.Wrapf(ErrMalformed, "hvcC of %v bytes", len(rec))
	}

	r := &recordReader{b: rec, off: 21}
	cfg = &DecoderConfig{LengthSize: r.u8()&0x03 + 1}

	nbArrays := r.u8()
	for i := 0; i < nbArrays && r.err == nil; i++ {
		nalType := r.u8() & 0x3F
		nbNalus := r.u16()
		for j := 0; j < nbNalus && r.err == nil; j++ {
			nal := r.bytes(r.u16())
			if r.err != nil {
				break
			}
			switch gocodec.H265_NAL_TYPE(nalType) {
			case gocodec.H265_NAL_VPS:
				cfg.VPS = append(cfg.VPS, nal)
			case gocodec.H265_NAL_SPS:
				cfg.SPS = append(cfg.SPS, nal)
			case gocodec.H265_NAL_PPS:
				cfg.PPS = append(cfg.PPS, nal)
			}
		}
	}

	if r.err != nil {
		log.Errorf("parse hvcC of %v bytes failed, err is %v", len(rec), r.err)
		return nil, r.err
	}
	if cfg.LengthSize == 3 {
		return nil, errors.Wrap(ErrMalformed, "hvcC nal length size 3")
	}

	log.Tracef("parse hvcC success, length size=%v, vps=%v, sps=%v, pps=%v", cfg.LengthSize, len(cfg.VPS), len(cfg.SPS), len(cfg.PPS))
	return
}
