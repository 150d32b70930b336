package codec

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/core"
)

type Vp9Writer struct {
}

func NewVp9Writer() *Vp9Writer {
	return &Vp9Writer{}
}

func (v *Vp9Writer) Type() Type {
	return TypeVP9
}

func (v *Vp9Writer) MajorBrand(isImage bool) string {
	if isImage {
		return "mif1"
	}
	return "vp09"
}

func (v *Vp9Writer) CompatibleBrands(isImage bool) []string {
	if isImage {
		return []string{"vp09", "mif1"}
	}
	return []string{"vp09", "iso6", "mp41", "isom"}
}

func (v *Vp9Writer) ItemType() string {
	return "vp09"
}

/**
 * VP Codec Configuration Box (vpcC)
 * VP Codec ISO Media File Format Binding v1.0
 * A native payload, version 1 full box header included, is copied. Otherwise
 * only the full box header is written, the record isn't derived from frames.
 */
func (v *Vp9Writer) WriteCodecConfigBox(w *core.Writer, codecData []byte, width, height int) error {
	pos := w.StartBox(core.SrsMp4BoxTypeVPCC)

	if len(codecData) >= 12 && codecData[0] == 0x01 {
		log.Tracef("write native vpcC of %v bytes", len(codecData))
		w.WriteBytes(codecData)
	} else {
		log.Warnf("no vpcC record for %vx%v, write placeholder", width, height)
		w.WriteUint32(0x01000000)
	}

	if err := w.EndBox(pos); err != nil {
		return errors.Wrap(err, "write vpcC")
	}
	return nil
}

func (v *Vp9Writer) WriteSampleEntryBox(w *core.Writer, p *SampleEntryParams) error {
	return writeVisualSampleEntry(w, core.SrsMp4BoxTypeVP09, p, v)
}

// ConvertFrameData stores VP9 frames as they are.
func (v *Vp9Writer) ConvertFrameData(frame []byte) ([]byte, error) {
	return frame, nil
}
