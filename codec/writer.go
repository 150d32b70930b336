// Package codec holds the per codec strategies used by the muxer: ftyp brands,
// decoder configuration boxes, visual sample entries and frame re-framing.
package codec

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/core"
)

// Type is the video codec of a muxed stream.
type Type int

const (
	TypeAVC Type = iota
	TypeHEVC
	TypeAV1
	TypeVP9
)

func (v Type) String() string {
	switch v {
	case TypeAVC:
		return "avc"
	case TypeHEVC:
		return "hevc"
	case TypeAV1:
		return "av1"
	case TypeVP9:
		return "vp9"
	}
	return "unknown"
}

// ParseMimeType picks a codec from a MIME type or codec name, HEVC when nothing matches.
func ParseMimeType(mime string) Type {
	m := strings.ToLower(mime)
	switch {
	case strings.Contains(m, "av01"), strings.Contains(m, "av1"), strings.Contains(m, "avif"):
		return TypeAV1
	case strings.Contains(m, "hevc"), strings.Contains(m, "heic"), strings.Contains(m, "h265"), strings.Contains(m, "h.265"):
		return TypeHEVC
	case strings.Contains(m, "avc"), strings.Contains(m, "h264"), strings.Contains(m, "h.264"):
		return TypeAVC
	case strings.Contains(m, "vp9"), strings.Contains(m, "vp09"):
		return TypeVP9
	}
	log.Warnf("unknown mime type %q, use hevc", mime)
	return TypeHEVC
}

// CleanAperture is the visible top left region of a padded picture.
type CleanAperture struct {
	Width  int
	Height int
}

// SampleEntryParams describes the visual sample entry of a track.
type SampleEntryParams struct {
	// Native decoder configuration record or Annex-B parameter sets, may be empty.
	CodecData []byte
	Width     int
	Height    int
	// Optional crop, written as a clap box after the codec config.
	CleanAperture *CleanAperture
}

// Writer is the codec strategy used by the muxer.
// Implementations aren't safe for concurrent use.
type Writer interface {
	Type() Type
	MajorBrand(isImage bool) string
	CompatibleBrands(isImage bool) []string
	// WriteCodecConfigBox writes avcC, hvcC, av1C or vpcC.
	WriteCodecConfigBox(w *core.Writer, codecData []byte, width, height int) error
	// WriteSampleEntryBox writes avc1, hvc1, av01 or vp09 with its children.
	WriteSampleEntryBox(w *core.Writer, p *SampleEntryParams) error
	// ConvertFrameData returns the sample bytes to store for an encoded frame.
	ConvertFrameData(frame []byte) ([]byte, error)
	// ItemType is the HEIF item type of an image item.
	ItemType() string
}

// New returns the writer of codec t.
func New(t Type) (Writer, error) {
	switch t {
	case TypeAVC:
		return NewAvcWriter(), nil
	case TypeHEVC:
		return NewHevcWriter(), nil
	case TypeAV1:
		return NewAv1Writer(), nil
	case TypeVP9:
		return NewVp9Writer(), nil
	}
	return nil, errors.Errorf("unsupported codec type %v", int(t))
}

// NewFromMimeType returns the writer matching a MIME type, see ParseMimeType.
func NewFromMimeType(mime string) Writer {
	w, _ := New(ParseMimeType(mime))
	return w
}

// writeVisualSampleEntry writes the visual sample entry of type bt, the
// decoder configuration and the optional clap box.
func writeVisualSampleEntry(w *core.Writer, bt uint32, p *SampleEntryParams, cfg Writer) error {
	pos := w.StartBox(bt)

	// SampleEntry, reserved and data_reference_index.
	w.WriteZeros(6)
	w.WriteUint16(1)

	// pre_defined, reserved and pre_defined[3].
	w.WriteZeros(16)
	w.WriteUint16(uint16(p.Width))
	w.WriteUint16(uint16(p.Height))
	// 72 dpi.
	w.WriteUint32(0x00480000)
	w.WriteUint32(0x00480000)
	w.WriteUint32(0)
	// frame_count
	w.WriteUint16(1)
	// compressorname
	w.WriteZeros(32)
	w.WriteUint16(0x0018)
	w.WriteInt16(-1)

	if err := cfg.WriteCodecConfigBox(w, p.CodecData, p.Width, p.Height); err != nil {
		return err
	}
	if p.CleanAperture != nil {
		if err := WriteClapBox(w, p.Width, p.Height, p.CleanAperture.Width, p.CleanAperture.Height); err != nil {
			return err
		}
	}

	if err := w.EndBox(pos); err != nil {
		return errors.Wrapf(err, "write %v", core.FourCC(bt))
	}
	return nil
}

/**
 * 12.1.4 Pixel Aspect Ratio and Clean Aperture (clap)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 167
 * The clean aperture is anchored at the top left of the coded picture, the
 * offsets are of its center relative to the picture center, in halves.
 */
func WriteClapBox(w *core.Writer, width, height, cleanWidth, cleanHeight int) error {
	pos := w.StartBox(core.SrsMp4BoxTypeCLAP)
	w.WriteUint32(uint32(cleanWidth))
	w.WriteUint32(1)
	w.WriteUint32(uint32(cleanHeight))
	w.WriteUint32(1)
	w.WriteInt32(int32(cleanWidth - width))
	w.WriteUint32(2)
	w.WriteInt32(int32(cleanHeight - height))
	w.WriteUint32(2)
	if err := w.EndBox(pos); err != nil {
		return errors.Wrap(err, "write clap")
	}
	return nil
}
