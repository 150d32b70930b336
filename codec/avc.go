package codec

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/bitstream"
	"panda.com/isobmff/core"
)

// The avcC written when there are no parameter sets: baseline, level 3.0, no SPS or PPS.
var minimalAvcC = []byte{0x01, 0x42, 0x80, 0x1E, 0xFF, 0xE0, 0x00}

// paramCache keeps the first parameter sets seen in frames, the fallback
// configuration when the encoder gave none.
type paramCache struct {
	family bitstream.Family
	sets   bitstream.ParameterSets
}

func (v *paramCache) collect(frame []byte) {
	if v.complete() {
		return
	}
	ps := bitstream.ExtractParameterSets(v.family, frame)
	if len(v.sets.VPS) == 0 && len(ps.VPS) > 0 {
		v.sets.VPS = [][]byte{append([]byte(nil), ps.VPS[0]...)}
	}
	if len(v.sets.SPS) == 0 && len(ps.SPS) > 0 {
		v.sets.SPS = [][]byte{append([]byte(nil), ps.SPS[0]...)}
	}
	if len(v.sets.PPS) == 0 && len(ps.PPS) > 0 {
		v.sets.PPS = [][]byte{append([]byte(nil), ps.PPS[0]...)}
	}
}

func (v *paramCache) complete() bool {
	if v.family == bitstream.FamilyHEVC && len(v.sets.VPS) == 0 {
		return false
	}
	return len(v.sets.SPS) > 0 && len(v.sets.PPS) > 0
}

// CachedCodecConfig returns the parameter sets taken from frames as Annex-B, nil when incomplete.
func (v *paramCache) CachedCodecConfig() []byte {
	if !v.complete() {
		return nil
	}
	return bitstream.JoinAnnexB(v.sets.All())
}

// fill adds the cached parameter sets missing from ps.
func (v *paramCache) fill(ps *bitstream.ParameterSets) {
	if len(ps.VPS) == 0 {
		ps.VPS = v.sets.VPS
	}
	if len(ps.SPS) == 0 {
		ps.SPS = v.sets.SPS
	}
	if len(ps.PPS) == 0 {
		ps.PPS = v.sets.PPS
	}
}

type AvcWriter struct {
	paramCache
}

func NewAvcWriter() *AvcWriter {
	return &AvcWriter{paramCache: paramCache{family: bitstream.FamilyAVC}}
}

func (v *AvcWriter) Type() Type {
	return TypeAVC
}

func (v *AvcWriter) MajorBrand(isImage bool) string {
	if isImage {
		return "mif1"
	}
	return "avc1"
}

func (v *AvcWriter) CompatibleBrands(isImage bool) []string {
	if isImage {
		return []string{"avcs", "mif1"}
	}
	return []string{"avc1", "iso6", "mp41", "isom"}
}

func (v *AvcWriter) ItemType() string {
	return "avc1"
}

/**
 * 5.3.3.1 AVCDecoderConfigurationRecord (avcC)
 * ISO_IEC_14496-15-AVC-format-2012.pdf, page 16
 */
func (v *AvcWriter) WriteCodecConfigBox(w *core.Writer, codecData []byte, width, height int) error {
	pos := w.StartBox(core.SrsMp4BoxTypeAVCC)

	data := codecData
	if len(data) == 0 {
		data = v.CachedCodecConfig()
	}

	if len(data) >= 7 && data[0] == 0x01 {
		log.Tracef("write native avcC of %v bytes", len(data))
		w.WriteBytes(data)
	} else {
		v.writeFromParameterSets(w, bitstream.ExtractParameterSets(bitstream.FamilyAVC, data))
	}

	if err := w.EndBox(pos); err != nil {
		return errors.Wrap(err, "write avcC")
	}
	return nil
}

func (v *AvcWriter) writeFromParameterSets(w *core.Writer, ps bitstream.ParameterSets) {
	v.fill(&ps)
	if len(ps.SPS) == 0 || len(ps.PPS) == 0 {
		log.Warnf("no sps/pps for avcC, write minimal record")
		w.WriteBytes(minimalAvcC)
		return
	}

	sps := ps.SPS[0]
	profile, compatibility, level := avcProfileLevel(sps)

	nbSPS := len(ps.SPS)
	if nbSPS > 31 {
		nbSPS = 31
	}
	nbPPS := len(ps.PPS)
	if nbPPS > 255 {
		nbPPS = 255
	}

	w.WriteUint8(1)
	w.WriteUint8(profile)
	w.WriteUint8(compatibility)
	w.WriteUint8(level)
	// reserved 6 bits, lengthSizeMinusOne 3.
	w.WriteUint8(0xFF)
	w.WriteUint8(0xE0 | uint8(nbSPS))
	for _, nal := range ps.SPS[:nbSPS] {
		w.WriteUint16(uint16(len(nal)))
		w.WriteBytes(nal)
	}
	w.WriteUint8(uint8(nbPPS))
	for _, nal := range ps.PPS[:nbPPS] {
		w.WriteUint16(uint16(len(nal)))
		w.WriteBytes(nal)
	}
}

// avcProfileLevel returns profile_idc, the constraint flags byte and level_idc
// of an SPS, the raw header bytes when it doesn't parse.
func avcProfileLevel(sps []byte) (profile, compatibility, level byte) {
	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		log.Warnf("parse sps of %v bytes failed, err is %v", len(sps), err)
		if len(sps) > 3 {
			return sps[1], sps[2], sps[3]
		}
		return 0x42, 0x80, 0x1E
	}

	flags := []bool{
		parsed.ConstraintSet0Flag, parsed.ConstraintSet1Flag, parsed.ConstraintSet2Flag,
		parsed.ConstraintSet3Flag, parsed.ConstraintSet4Flag, parsed.ConstraintSet5Flag,
	}
	for i, set := range flags {
		if set {
			compatibility |= 0x80 >> i
		}
	}
	log.Tracef("avcC from sps, profile=%v, level=%v, %vx%v", parsed.ProfileIdc, parsed.LevelIdc, parsed.Width(), parsed.Height())
	return parsed.ProfileIdc, compatibility, parsed.LevelIdc
}

func (v *AvcWriter) WriteSampleEntryBox(w *core.Writer, p *SampleEntryParams) error {
	return writeVisualSampleEntry(w, core.SrsMp4BoxTypeAVC1, p, v)
}

// ConvertFrameData caches the first SPS and PPS then re-frames the access unit as AVCC.
func (v *AvcWriter) ConvertFrameData(frame []byte) ([]byte, error) {
	v.collect(frame)
	return bitstream.ToAVCC(frame)
}

// Dimensions returns the picture size coded in the first SPS of frame.
func Dimensions(t Type, frame []byte) (width, height int, err error) {
	switch t {
	case TypeAVC:
		ps := bitstream.ExtractParameterSets(bitstream.FamilyAVC, frame)
		if len(ps.SPS) == 0 {
			return 0, 0, errors.New("no h264 sps")
		}
		var sps h264.SPS
		if err = sps.Unmarshal(ps.SPS[0]); err != nil {
			return 0, 0, errors.Wrap(err, "parse h264 sps")
		}
		return sps.Width(), sps.Height(), nil
	case TypeHEVC:
		sps, err := parseHevcSPS(frame)
		if err != nil {
			return 0, 0, err
		}
		return sps.Width(), sps.Height(), nil
	case TypeAV1:
		sh, err := findSequenceHeader(frame)
		if err != nil {
			return 0, 0, err
		}
		return sh.Width(), sh.Height(), nil
	}
	return 0, 0, errors.Errorf("no dimensions for %v", t)
}
