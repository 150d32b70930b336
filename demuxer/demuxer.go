// Package demuxer reads the first H.264 or H.265 track of an MP4 file and
// returns its samples as Annex-B access units.
package demuxer

import (
	"io"
	"os"

	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/codec/h265parser"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/bitstream"
	"panda.com/isobmff/core"
)

var (
	ErrNotInitialized = errors.New("demuxer not initialized")
	ErrNoVideoTrack   = errors.New("no avc1, hvc1 or hev1 track")
	ErrMissingTable   = errors.New("missing sample table")
	ErrMalformedTable = errors.New("malformed sample table")
	ErrEOS            = errors.New("end of stream")
)

// Frame is one access unit in Annex-B, timestamps in microseconds.
type Frame struct {
	Data       []byte
	PTS        int64
	DTS        int64
	IsKeyFrame bool
	Size       int
}

// Demuxer walks the samples of one video track in decoding order.
// It is not safe for concurrent use, every call moves the file cursor.
type Demuxer struct {
	path string
	r    io.ReadSeeker
	f    *os.File

	initialized bool
	eos         bool
	current     int

	width     int
	height    int
	timescale uint32
	isHEVC    bool
	codecData []byte

	table     *SampleTable
	converter *bitstream.Converter
}

// New creates a demuxer of the file at path, opened by Initialize.
func New(path string) *Demuxer {
	return &Demuxer{path: path}
}

// NewWithReader creates a demuxer over an already open source.
func NewWithReader(r io.ReadSeeker) *Demuxer {
	return &Demuxer{r: r}
}

// Initialize parses the box tree and builds the sample table.
func (v *Demuxer) Initialize() (err error) {
	if v.initialized {
		return nil
	}
	if v.r == nil {
		if v.f, err = os.Open(v.path); err != nil {
			log.Errorf("open %v failed, err is %v", v.path, err)
			return errors.Wrapf(err, "open %v", v.path)
		}
		v.r = v.f
	}

	var boxes []core.Box
	if boxes, err = core.DecodeFile(v.r); err != nil {
		log.Errorf("decode boxes failed, err is %v", err)
		return errors.Wrap(err, "parse mp4")
	}

	box, err := core.Find(boxes, core.SrsMp4BoxTypeMOOV)
	if err != nil {
		return errors.Wrap(ErrNoVideoTrack, err.Error())
	}
	moov := box.(*core.Mp4MovieBox)

	var fileSize int64
	if fileSize, err = v.r.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "seek file end")
	}

	var trak *core.Mp4TrackBox
	var entry *core.Mp4VisualSampleEntry
	for _, t := range moov.Tracks() {
		e, err := t.VisualSampleEntry()
		if err != nil {
			continue
		}
		switch e.BoxType {
		case core.SrsMp4BoxTypeAVC1, core.SrsMp4BoxTypeHVC1, core.SrsMp4BoxTypeHEV1:
			trak, entry = t, e
		default:
			log.Debugf("skip track of %v", core.FourCC(e.BoxType))
		}
		if trak != nil {
			break
		}
	}
	if trak == nil {
		return ErrNoVideoTrack
	}

	if err = v.parseTrack(trak, entry, uint64(fileSize)); err != nil {
		return err
	}

	v.initialized = true
	log.Infof("demuxer initialized, %vx%v, %.2f fps, %v, %v samples",
		v.width, v.height, v.FrameRate(), v.family(), len(v.table.Samples))
	return nil
}

func (v *Demuxer) family() bitstream.Family {
	if v.isHEVC {
		return bitstream.FamilyHEVC
	}
	return bitstream.FamilyAVC
}

func (v *Demuxer) parseTrack(trak *core.Mp4TrackBox, entry *core.Mp4VisualSampleEntry, fileSize uint64) (err error) {
	v.isHEVC = entry.BoxType != core.SrsMp4BoxTypeAVC1

	mdhd, err := trak.Mdhd()
	if err != nil {
		return errors.Wrap(ErrMissingTable, err.Error())
	}
	v.timescale = mdhd.TimeScale

	stbl, err := trak.Stbl()
	if err != nil {
		return errors.Wrap(ErrMissingTable, err.Error())
	}
	if v.table, err = BuildSampleTable(stbl, v.timescale, fileSize); err != nil {
		log.Errorf("build sample table failed, err is %v", err)
		return
	}

	if tkhd, err := trak.Tkhd(); err == nil {
		v.width, v.height = tkhd.PixelWidth(), tkhd.PixelHeight()
	}
	if v.width == 0 || v.height == 0 {
		v.width, v.height = int(entry.Width), int(entry.Height)
	}

	v.converter = &bitstream.Converter{Family: v.family()}
	if cfg, err := entry.CodecConfig(); err == nil {
		v.codecData = cfg.Config
		v.parseCodecConfig()
	} else {
		log.Warnf("track %v has no codec config, keyframes keep their in-band parameter sets", core.FourCC(entry.BoxType))
	}
	return nil
}

// parseCodecConfig takes the NAL length size and parameter sets of the
// native record, and the dimensions when the headers carry none.
func (v *Demuxer) parseCodecConfig() {
	var cfg *bitstream.DecoderConfig
	var err error
	if v.isHEVC {
		cfg, err = bitstream.ParseHvcC(v.codecData)
	} else {
		cfg, err = bitstream.ParseAvcC(v.codecData)
	}
	if err != nil {
		log.Warnf("parse %v config of %v bytes failed, err is %v", v.family(), len(v.codecData), err)
		return
	}
	v.converter.LengthSize = cfg.LengthSize
	v.converter.ParameterSets = cfg.All()

	if v.width > 0 && v.height > 0 {
		return
	}
	if v.isHEVC {
		if cd, err := h265parser.NewCodecDataFromAVCDecoderConfRecord(v.codecData); err == nil {
			v.width, v.height = cd.Width(), cd.Height()
		}
	} else {
		if cd, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(v.codecData); err == nil {
			v.width, v.height = cd.Width(), cd.Height()
		}
	}
	log.Debugf("dimensions from %v config, %vx%v", v.family(), v.width, v.height)
}

// NextFrame reads the next sample. The first call starts at the first
// keyframe. After the last sample, or a failed read, it returns ErrEOS.
func (v *Demuxer) NextFrame() (frame *Frame, err error) {
	if !v.initialized {
		return nil, ErrNotInitialized
	}
	if v.eos || v.current >= len(v.table.Samples) {
		v.eos = true
		return nil, ErrEOS
	}

	if v.current == 0 {
		if idr := v.table.FirstKeyFrame(); idr > 0 {
			log.Debugf("skip to first keyframe at sample %v", idr)
			v.current = idr
		}
	}

	sample := v.table.Samples[v.current]
	data := make([]byte, sample.Size)
	if _, err = v.r.Seek(int64(sample.Offset), io.SeekStart); err == nil {
		_, err = io.ReadFull(v.r, data)
	}
	if err != nil {
		v.eos = true
		log.Errorf("read sample %v at %v failed, err is %v", v.current, sample.Offset, err)
		return nil, errors.Wrapf(err, "read sample %v", v.current)
	}
	v.current++

	var annexb []byte
	if annexb, err = v.converter.ToAnnexB(data); err != nil {
		log.Errorf("convert sample %v of %v bytes failed, err is %v", sample.Index, sample.Size, err)
		return nil, errors.Wrapf(err, "convert sample %v", sample.Index)
	}

	return &Frame{
		Data:       annexb,
		PTS:        sample.PTS,
		DTS:        sample.DTS,
		IsKeyFrame: sample.IsKeyFrame,
		Size:       len(annexb),
	}, nil
}

func (v *Demuxer) EOS() bool {
	return v.eos
}

// Reset rewinds to the first sample without parsing again.
func (v *Demuxer) Reset() {
	v.current = 0
	v.eos = false
}

func (v *Demuxer) Width() int {
	return v.width
}

func (v *Demuxer) Height() int {
	return v.height
}

func (v *Demuxer) FrameRate() float64 {
	if v.table == nil {
		return 0
	}
	return v.table.FrameRate()
}

func (v *Demuxer) TimeScale() uint32 {
	return v.timescale
}

func (v *Demuxer) IsHEVC() bool {
	return v.isHEVC
}

// CodecSpecificData is the raw avcC or hvcC record of the track.
func (v *Demuxer) CodecSpecificData() []byte {
	return v.codecData
}

// Samples exposes the sample table, nil before Initialize.
func (v *Demuxer) Samples() []*Sample {
	if v.table == nil {
		return nil
	}
	return v.table.Samples
}

// Close releases the file opened by Initialize.
func (v *Demuxer) Close() error {
	if v.f == nil {
		return nil
	}
	err := v.f.Close()
	v.f = nil
	return err
}
