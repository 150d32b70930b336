package codec

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/av1"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/core"
)

// The av1C written without a sequence header: marker, version 1, main profile, level 0.
var placeholderAv1C = []byte{0x81, 0x00, 0x0C, 0x00}

const av1OBUSequenceHeader = 1

type Av1Writer struct {
}

func NewAv1Writer() *Av1Writer {
	return &Av1Writer{}
}

func (v *Av1Writer) Type() Type {
	return TypeAV1
}

func (v *Av1Writer) MajorBrand(isImage bool) string {
	if isImage {
		return "avif"
	}
	return "av01"
}

func (v *Av1Writer) CompatibleBrands(isImage bool) []string {
	if isImage {
		return []string{"avif", "mif1"}
	}
	return []string{"av01", "iso6", "mp41", "isom"}
}

func (v *Av1Writer) ItemType() string {
	return "av01"
}

// readLeb128 decodes an unsigned leb128 value at the start of b.
func readLeb128(b []byte) (value uint64, n int, err error) {
	for n < len(b) && n < 8 {
		value |= uint64(b[n]&0x7f) << (7 * uint(n))
		n++
		if b[n-1]&0x80 == 0 {
			return
		}
	}
	return 0, 0, errors.New("invalid leb128")
}

// findSequenceHeader scans a low overhead OBU stream for the sequence header.
func findSequenceHeader(buf []byte) (*av1.SequenceHeader, error) {
	obu, err := sequenceHeaderOBU(buf)
	if err != nil {
		return nil, err
	}
	var sh av1.SequenceHeader
	if err = sh.Unmarshal(obu); err != nil {
		return nil, errors.Wrap(err, "parse av1 sequence header")
	}
	return &sh, nil
}

// sequenceHeaderOBU returns the sequence header OBU of buf, without its size field.
func sequenceHeaderOBU(buf []byte) ([]byte, error) {
	for offset := 0; offset < len(buf); {
		header := buf[offset]
		obuType := header >> 3 & 0x0F
		headerSize := 1
		if header&0x04 != 0 {
			headerSize++
		}
		if offset+headerSize > len(buf) {
			break
		}

		extension := buf[offset+1 : offset+headerSize]
		payload := buf[offset+headerSize:]
		if header&0x02 != 0 {
			size, n, err := readLeb128(payload)
			if err != nil || uint64(len(payload)-n) < size {
				return nil, errors.Errorf("invalid obu size at %v", offset)
			}
			payload = payload[n : n+int(size)]
			offset += headerSize + n + int(size)
		} else {
			// The last OBU runs to the end.
			offset = len(buf)
		}

		if obuType == av1OBUSequenceHeader {
			obu := make([]byte, 0, headerSize+len(payload))
			obu = append(obu, header&^0x02)
			obu = append(obu, extension...)
			return append(obu, payload...), nil
		}
	}
	return nil, errors.New("no av1 sequence header")
}

/**
 * 2.3 AV1 Codec Configuration Box (av1C)
 * AV1 Codec ISO Media File Format Binding v1.2.0
 */
func (v *Av1Writer) WriteCodecConfigBox(w *core.Writer, codecData []byte, width, height int) error {
	pos := w.StartBox(core.SrsMp4BoxTypeAV1C)

	if len(codecData) >= 4 && codecData[0] == 0x81 {
		log.Tracef("write native av1C of %v bytes", len(codecData))
		w.WriteBytes(codecData)
	} else if err := v.writeFromSequenceHeader(w, codecData); err != nil {
		log.Warnf("av1C without sequence header, write placeholder, err is %v", err)
		w.WriteBytes(placeholderAv1C)
	}

	if err := w.EndBox(pos); err != nil {
		return errors.Wrap(err, "write av1C")
	}
	return nil
}

func (v *Av1Writer) writeFromSequenceHeader(w *core.Writer, codecData []byte) error {
	obu, err := sequenceHeaderOBU(codecData)
	if err != nil {
		return err
	}
	var sh av1.SequenceHeader
	if err = sh.Unmarshal(obu); err != nil {
		return errors.Wrap(err, "parse av1 sequence header")
	}
	configOBUs, err := av1.BitstreamMarshal([][]byte{obu})
	if err != nil {
		return errors.Wrap(err, "marshal av1 config obus")
	}

	cc := sh.ColorConfig
	// marker 1, version 1.
	w.WriteUint8(0x81)
	w.WriteUint8(uint8(sh.SeqProfile)<<5 | uint8(sh.SeqLevelIdx[0])&0x1F)
	w.WriteUint8(flag(sh.SeqTier[0])<<7 | flag(cc.HighBitDepth)<<6 | flag(cc.TwelveBit)<<5 |
		flag(cc.MonoChrome)<<4 | flag(cc.SubsamplingX)<<3 | flag(cc.SubsamplingY)<<2 |
		uint8(cc.ChromaSamplePosition)&0x03)
	// initial_presentation_delay_present 0.
	w.WriteUint8(0)
	w.WriteBytes(configOBUs)

	log.Tracef("av1C from sequence header, profile=%v, level=%v, %vx%v", sh.SeqProfile, sh.SeqLevelIdx[0], sh.Width(), sh.Height())
	return nil
}

func flag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func (v *Av1Writer) WriteSampleEntryBox(w *core.Writer, p *SampleEntryParams) error {
	return writeVisualSampleEntry(w, core.SrsMp4BoxTypeAV01, p, v)
}

// ConvertFrameData stores AV1 temporal units as they are.
func (v *Av1Writer) ConvertFrameData(frame []byte) ([]byte, error) {
	return frame, nil
}
