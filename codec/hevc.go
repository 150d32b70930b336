package codec

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/bitstream"
	"panda.com/isobmff/core"
)

// The hvcC written when there are no parameter sets: Main profile, level 1, no arrays.
var minimalHvcC = []byte{
	0x01, 0x01, 0x60, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x1E, 0xF0, 0x00, 0xFC, 0xFD, 0xF8, 0xF8, 0x00, 0x00, 0x0F,
	0x00,
}

type HevcWriter struct {
	paramCache
}

func NewHevcWriter() *HevcWriter {
	return &HevcWriter{paramCache: paramCache{family: bitstream.FamilyHEVC}}
}

func (v *HevcWriter) Type() Type {
	return TypeHEVC
}

func (v *HevcWriter) MajorBrand(isImage bool) string {
	if isImage {
		return "mif1"
	}
	return "hvc1"
}

func (v *HevcWriter) CompatibleBrands(isImage bool) []string {
	if isImage {
		return []string{"heic", "mif1", "miaf", "hevc", "heix"}
	}
	return []string{"hvc1", "hev1", "hevc", "iso6", "mp41", "isom"}
}

func (v *HevcWriter) ItemType() string {
	return "hvc1"
}

// hvcC profile, tier and level fields.
type hevcProfile struct {
	profileSpace  uint8
	tier          uint8
	profileIdc    uint8
	compatibility uint32
	constraints   [6]byte
	levelIdc      uint8
	chromaFormat  uint8
	bitDepthLuma  uint8
	bitDepthChrom uint8
}

func parseHevcSPS(buf []byte) (*h265.SPS, error) {
	ps := bitstream.ExtractParameterSets(bitstream.FamilyHEVC, buf)
	if len(ps.SPS) == 0 {
		return nil, errors.New("no h265 sps")
	}
	var sps h265.SPS
	if err := sps.Unmarshal(ps.SPS[0]); err != nil {
		return nil, errors.Wrap(err, "parse h265 sps")
	}
	return &sps, nil
}

// profileFromSPS reads the profile_tier_level of an SPS NAL. The fixed byte
// offsets are used when the SPS can't be parsed.
func profileFromSPS(nal []byte) (p hevcProfile) {
	p = hevcProfile{profileIdc: 1, compatibility: 0x70000000, levelIdc: 90, chromaFormat: 1}

	// NAL header 2 bytes, then vps id, max sub layers and nesting in 1 byte.
	if len(nal) > 14 {
		p.profileSpace = nal[3] >> 6 & 0x03
		p.tier = nal[3] >> 5 & 0x01
		p.profileIdc = nal[3] & 0x1F
		copy(p.constraints[:], nal[8:14])
		p.levelIdc = nal[14]
	}

	var sps h265.SPS
	if err := sps.Unmarshal(nal); err != nil {
		log.Warnf("parse hevc sps of %v bytes failed, use fixed offsets, err is %v", len(nal), err)
		return
	}

	ptl := sps.ProfileTierLevel
	p.profileIdc = uint8(ptl.GeneralProfileIdc)
	p.levelIdc = uint8(ptl.GeneralLevelIdc)
	p.compatibility = 0
	for i, flag := range ptl.GeneralProfileCompatibilityFlag {
		if flag {
			p.compatibility |= 1 << (31 - uint(i))
		}
	}
	p.chromaFormat = uint8(sps.ChromaFormatIdc)
	p.bitDepthLuma = uint8(sps.BitDepthLumaMinus8)
	p.bitDepthChrom = uint8(sps.BitDepthChromaMinus8)

	log.Tracef("hvcC from sps, profile=%v, level=%v, chroma=%v, %vx%v", p.profileIdc, p.levelIdc, p.chromaFormat, sps.Width(), sps.Height())
	return
}

/**
 * 8.3.3.1 HEVCDecoderConfigurationRecord (hvcC)
 * ISO_IEC_14496-15-AVC-format-2012.pdf, page 72
 */
func (v *HevcWriter) WriteCodecConfigBox(w *core.Writer, codecData []byte, width, height int) error {
	pos := w.StartBox(core.SrsMp4BoxTypeHVCC)

	data := codecData
	if len(data) == 0 {
		data = v.CachedCodecConfig()
	}

	if len(data) >= 23 && data[0] == 0x01 {
		log.Tracef("write native hvcC of %v bytes", len(data))
		w.WriteBytes(data)
	} else {
		v.writeFromParameterSets(w, bitstream.ExtractParameterSets(bitstream.FamilyHEVC, data))
	}

	if err := w.EndBox(pos); err != nil {
		return errors.Wrap(err, "write hvcC")
	}
	return nil
}

func (v *HevcWriter) writeFromParameterSets(w *core.Writer, ps bitstream.ParameterSets) {
	v.fill(&ps)
	if len(ps.VPS) == 0 || len(ps.SPS) == 0 || len(ps.PPS) == 0 {
		log.Warnf("no vps/sps/pps for hvcC, vps=%v, sps=%v, pps=%v, write minimal record", len(ps.VPS), len(ps.SPS), len(ps.PPS))
		w.WriteBytes(minimalHvcC)
		return
	}

	p := profileFromSPS(ps.SPS[0])

	w.WriteUint8(1)
	w.WriteUint8(p.profileSpace<<6 | p.tier<<5 | p.profileIdc)
	w.WriteUint32(p.compatibility)
	w.WriteBytes(p.constraints[:])
	w.WriteUint8(p.levelIdc)
	// reserved 4 bits, min_spatial_segmentation_idc 12.
	w.WriteUint16(0xF000)
	// reserved 6 bits, parallelismType 2.
	w.WriteUint8(0xFC)
	w.WriteUint8(0xFC | p.chromaFormat&0x03)
	w.WriteUint8(0xF8 | p.bitDepthLuma&0x07)
	w.WriteUint8(0xF8 | p.bitDepthChrom&0x07)
	// avgFrameRate
	w.WriteUint16(0)
	// constantFrameRate 0, numTemporalLayers 1, temporalIdNested 1, lengthSizeMinusOne 3.
	w.WriteUint8(0x0F)

	w.WriteUint8(3)
	for _, array := range []struct {
		nalType uint8
		nals    [][]byte
	}{
		{uint8(h265.NALUType_VPS_NUT), ps.VPS},
		{uint8(h265.NALUType_SPS_NUT), ps.SPS},
		{uint8(h265.NALUType_PPS_NUT), ps.PPS},
	} {
		// array_completeness 1.
		w.WriteUint8(0x80 | array.nalType)
		w.WriteUint16(uint16(len(array.nals)))
		for _, nal := range array.nals {
			w.WriteUint16(uint16(len(nal)))
			w.WriteBytes(nal)
		}
	}
}

func (v *HevcWriter) WriteSampleEntryBox(w *core.Writer, p *SampleEntryParams) error {
	return writeVisualSampleEntry(w, core.SrsMp4BoxTypeHVC1, p, v)
}

// ConvertFrameData caches the first VPS, SPS and PPS then re-frames the access unit as HVCC.
func (v *HevcWriter) ConvertFrameData(frame []byte) ([]byte, error) {
	v.collect(frame)
	return bitstream.ToAVCC(frame)
}
