// Package muxer writes encoded frames into an MP4 video or a HEIC image,
// optionally a grid of tiles. The layout is ftyp, mdat then moov or meta, so
// frames are written as they come and the index last.
package muxer

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/bitstream"
	"panda.com/isobmff/codec"
	"panda.com/isobmff/core"
)

var (
	ErrNotInitialized = errors.New("muxer not initialized")
	ErrInitialized    = errors.New("muxer already initialized")
	ErrFinalized      = errors.New("muxer already finalized")
	ErrNoSamples      = errors.New("no samples added")
	ErrInvalidState   = errors.New("muxer unusable after a failed write")
	ErrMdatFull       = errors.New("mdat can't grow past 32 bits")
)

// Sample is one frame stored in mdat.
type Sample struct {
	Offset int64
	Size   uint32
	// Presentation time in TimeScale ticks.
	Timestamp  int64
	IsKeyFrame bool
}

// Muxer is not safe for concurrent use, every call moves the file cursor.
type Muxer struct {
	path string
	out  io.WriteSeeker
	f    *os.File

	opts   Options
	format ContainerFormat
	clean  *codec.CleanAperture

	tileMode    bool
	tileColumns int
	tileRows    int
	tileWidth   int
	tileHeight  int

	codec     codec.Writer
	codecData []byte

	w       *core.Writer
	mdatPos int64
	samples []*Sample
	stats   Stats

	initialized bool
	finalized   bool
	failed      bool
}

// New creates a muxer writing to path, created by Initialize.
func New(path string, opts Options) *Muxer {
	return &Muxer{path: path, opts: opts.withDefaults()}
}

// NewWithWriter creates a muxer writing to w from its current position.
func NewWithWriter(w io.WriteSeeker, opts Options) *Muxer {
	return &Muxer{out: w, opts: opts.withDefaults()}
}

func (v *Muxer) isHEIC() bool {
	return v.format == ContainerHEIC
}

// SetContainerFormat must be called before Initialize.
func (v *Muxer) SetContainerFormat(f ContainerFormat) error {
	if v.initialized {
		return errors.Wrap(ErrInitialized, "set container format")
	}
	v.format = f
	log.Debugf("muxer container format %v", f)
	return nil
}

// SetCleanAperture crops the picture to w x h from its top left, before Initialize.
func (v *Muxer) SetCleanAperture(width, height int) error {
	if v.initialized {
		return errors.Wrap(ErrInitialized, "set clean aperture")
	}
	if width == v.opts.Width && height == v.opts.Height {
		v.clean = nil
		return nil
	}
	v.clean = &codec.CleanAperture{Width: width, Height: height}
	log.Debugf("clean aperture %vx%v of %vx%v", width, height, v.opts.Width, v.opts.Height)
	return nil
}

// SetTileMode makes a HEIC grid of cols x rows tiles, one frame per tile in raster order.
func (v *Muxer) SetTileMode(cols, rows int) error {
	if !v.isHEIC() {
		return errors.New("tile mode needs the heic container")
	}
	if cols <= 0 || rows <= 0 || cols > 256 || rows > 256 {
		return errors.Errorf("invalid tile grid %vx%v", cols, rows)
	}
	// Tiles and the grid item take 16 bit item ids from 1.
	if cols*rows > 0xfffe {
		return errors.Errorf("tile grid %vx%v has more than %v tiles", cols, rows, 0xfffe)
	}
	if len(v.samples) > 0 {
		return errors.New("tile mode must be set before frames")
	}
	v.tileMode = true
	v.tileColumns, v.tileRows = cols, rows
	v.tileWidth, v.tileHeight = 0, 0
	log.Debugf("tile mode %vx%v, %v tiles", cols, rows, cols*rows)
	return nil
}

func (v *Muxer) TileModeEnabled() bool {
	return v.tileMode
}

// SetTileDimensions overrides the tile size otherwise read from the first tile.
func (v *Muxer) SetTileDimensions(width, height int) error {
	if !v.tileMode {
		return errors.New("tile mode not enabled")
	}
	v.tileWidth, v.tileHeight = width, height
	return nil
}

// SetGridOutputDimensions sets the size of the composed grid, usually the padded one.
func (v *Muxer) SetGridOutputDimensions(width, height int) error {
	if v.initialized {
		return errors.Wrap(ErrInitialized, "set grid output dimensions")
	}
	v.opts.Width, v.opts.Height = width, height
	return nil
}

// UpdateDimensions corrects the coded size once the encoder reported it.
func (v *Muxer) UpdateDimensions(width, height int) error {
	if err := v.ready(); err != nil {
		return err
	}
	log.Debugf("update dimensions from %vx%v to %vx%v", v.opts.Width, v.opts.Height, width, height)
	v.opts.Width, v.opts.Height = width, height
	return nil
}

func (v *Muxer) Width() int {
	return v.opts.Width
}

func (v *Muxer) Height() int {
	return v.opts.Height
}

// ready checks the muxer accepts frames.
func (v *Muxer) ready() error {
	if v.failed {
		return ErrInvalidState
	}
	if !v.initialized {
		return ErrNotInitialized
	}
	if v.finalized {
		return ErrFinalized
	}
	return nil
}

// fail marks the muxer unusable after a partial write, later calls return ErrInvalidState.
func (v *Muxer) fail(err error) error {
	v.failed = true
	log.Errorf("muxer failed, err is %v", err)
	return errors.Wrap(err, "muxer write failed")
}

// InitializeFromMimeType picks the codec from a MIME type, see codec.ParseMimeType.
func (v *Muxer) InitializeFromMimeType(codecData []byte, mime string) error {
	t := codec.ParseMimeType(mime)
	log.Debugf("codec %v from mime type %q", t, mime)
	return v.Initialize(codecData, t)
}

// Initialize writes ftyp and the mdat header. codecData is the encoder
// configuration, a native record or Annex-B parameter sets, and may be empty.
func (v *Muxer) Initialize(codecData []byte, t codec.Type) (err error) {
	if v.failed {
		return ErrInvalidState
	}
	if v.initialized {
		return ErrInitialized
	}

	if v.codec, err = codec.New(t); err != nil {
		return
	}
	if len(codecData) > 0 {
		v.codecData = append([]byte(nil), codecData...)
		log.Debugf("codec config of %v bytes", len(codecData))
	} else {
		log.Warnf("no codec config for %v", t)
	}

	if v.out == nil {
		if v.f, err = os.Create(v.path); err != nil {
			log.Errorf("create %v failed, err is %v", v.path, err)
			return errors.Wrapf(err, "create %v", v.path)
		}
		v.out = v.f
	}
	if v.w, err = core.NewWriter(v.out); err != nil {
		return
	}

	v.writeFtyp()
	v.mdatPos = v.w.StartBox(core.SrsMp4BoxTypeMDAT)
	if err = v.w.Err(); err != nil {
		return v.fail(err)
	}

	v.initialized = true
	log.Infof("muxer initialized, %v %v, %vx%v, timescale=%v, fps=%v",
		t, v.format, v.opts.Width, v.opts.Height, v.opts.TimeScale, v.opts.FrameRate)
	return nil
}

/**
 * 4.3 File Type Box (ftyp)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 17
 */
func (v *Muxer) writeFtyp() {
	brands := v.codec.CompatibleBrands(v.isHEIC())
	if !v.isHEIC() {
		brands = append(brands, core.FourCC(core.SrsMp4BoxBrandMP41), core.FourCC(core.SrsMp4BoxBrandISOM))
	}

	pos := v.w.StartBox(core.SrsMp4BoxTypeFTYP)
	v.w.WriteString(v.codec.MajorBrand(v.isHEIC()))
	v.w.WriteUint32(0)
	seen := make(map[string]bool)
	for _, brand := range brands {
		if seen[brand] {
			continue
		}
		seen[brand] = true
		v.w.WriteString(brand)
	}
	v.w.EndBox(pos)
}

// AddFrame stores one encoded frame, Annex-B or length prefixed, at ptsUs
// microseconds. An empty frame is kept as a zero size sample. A HEIC image
// takes the first frame, or cols x rows tiles, and ignores the others.
func (v *Muxer) AddFrame(data []byte, ptsUs int64, isKeyFrame bool) error {
	if err := v.ready(); err != nil {
		return err
	}

	if v.isHEIC() {
		if v.tileMode && len(v.samples) >= v.tileColumns*v.tileRows {
			log.Debugf("grid complete, ignore frame at %v", ptsUs)
			return nil
		}
		if !v.tileMode && len(v.samples) > 0 {
			log.Debugf("heic single image, ignore frame at %v", ptsUs)
			return nil
		}
	}

	ts := ptsUs * int64(v.opts.TimeScale) / 1000000
	if len(data) == 0 {
		log.Infof("zero size frame at %v, end of stream marker", ptsUs)
		v.samples = append(v.samples, &Sample{Offset: v.w.Position(), Timestamp: ts, IsKeyFrame: isKeyFrame})
		return nil
	}

	sample, err := v.codec.ConvertFrameData(data)
	if err != nil {
		log.Errorf("convert frame of %v bytes at %v failed, err is %v", len(data), ptsUs, err)
		return errors.Wrapf(err, "convert frame at %v", ptsUs)
	}
	if len(sample) == 0 {
		return errors.Wrapf(bitstream.ErrEmpty, "frame at %v", ptsUs)
	}
	if uint64(v.w.Position()-v.mdatPos)+uint64(len(sample)) > 0xffffffff {
		return errors.Wrapf(ErrMdatFull, "frame of %v bytes at %v", len(sample), ptsUs)
	}

	if v.tileMode && len(v.samples) == 0 && v.tileWidth == 0 {
		v.detectTileDimensions(data)
	}

	offset := v.w.Position()
	v.w.WriteBytes(sample)
	if err = v.w.Err(); err != nil {
		return v.fail(err)
	}

	v.samples = append(v.samples, &Sample{
		Offset:     offset,
		Size:       uint32(len(sample)),
		Timestamp:  ts,
		IsKeyFrame: isKeyFrame,
	})
	log.Tracef("add frame %v, pts=%v, ts=%v, size=%v, key=%v", len(v.samples)-1, ptsUs, ts, len(sample), isKeyFrame)
	return nil
}

func (v *Muxer) detectTileDimensions(frame []byte) {
	width, height, err := codec.Dimensions(v.codec.Type(), frame)
	if err == nil && width > 0 && height > 0 {
		v.tileWidth, v.tileHeight = width, height
		log.Debugf("tile dimensions %vx%v from first tile", width, height)
		return
	}
	log.Warnf("no tile dimensions in first tile, err is %v", err)
}

// tileDimensions is the explicit or detected tile size, else the grid size split evenly.
func (v *Muxer) tileDimensions() (width, height int) {
	if v.tileWidth > 0 && v.tileHeight > 0 {
		return v.tileWidth, v.tileHeight
	}
	return v.opts.Width / v.tileColumns, v.opts.Height / v.tileRows
}

// durations gives each sample the delta to the next timestamp, the nominal
// frame duration when timestamps don't increase and for the last sample.
func (v *Muxer) durations() []uint32 {
	fallback := v.opts.frameDuration()
	durations := make([]uint32, len(v.samples))
	for i := range v.samples {
		durations[i] = fallback
		if i+1 == len(v.samples) {
			break
		}
		delta := v.samples[i+1].Timestamp - v.samples[i].Timestamp
		if delta <= 0 {
			log.Warnf("timestamp of sample %v not after sample %v, use %v", i+1, i, fallback)
			continue
		}
		if delta > 0xffffffff {
			delta = 0xffffffff
		}
		durations[i] = uint32(delta)
	}
	return durations
}

// Samples returns the stored samples.
func (v *Muxer) Samples() []*Sample {
	return v.samples
}

// Finalize closes mdat and writes moov, or meta for a HEIC image.
func (v *Muxer) Finalize() (err error) {
	if err = v.ready(); err != nil {
		return
	}
	if len(v.samples) == 0 {
		return ErrNoSamples
	}

	if err = v.w.EndBox(v.mdatPos); err != nil {
		return v.fail(errors.Wrap(err, "close mdat"))
	}

	durations := v.durations()
	if v.isHEIC() {
		v.writeMeta()
	} else {
		v.writeMoov(durations)
	}
	if err = v.w.Err(); err != nil {
		return v.fail(err)
	}

	v.finalized = true
	v.stats = v.computeStats(durations)
	log.Infof("muxer finalized, %v samples, %v keyframes, %v bytes, duration %vms, bitrate %v bps",
		v.stats.Samples, v.stats.KeyFrames, v.stats.TotalBytes, v.stats.DurationMs, v.stats.Bitrate)
	return nil
}

func (v *Muxer) computeStats(durations []uint32) (s Stats) {
	s.Samples = len(v.samples)
	for i, sample := range v.samples {
		if sample.IsKeyFrame {
			s.KeyFrames++
		}
		s.TotalBytes += uint64(sample.Size)
		s.Duration += uint64(durations[i])
	}
	s.DurationMs = s.Duration * 1000 / uint64(v.opts.TimeScale)
	if s.Duration > 0 {
		s.Bitrate = s.TotalBytes * 8 * uint64(v.opts.TimeScale) / s.Duration
	}
	return
}

// Stats is valid after Finalize.
func (v *Muxer) Stats() Stats {
	return v.stats
}

// Close finalizes a file left open and releases the output.
func (v *Muxer) Close() (err error) {
	if v.initialized && !v.finalized && !v.failed {
		log.Warnf("close before finalize, finalize now")
		if err = v.Finalize(); err != nil {
			log.Errorf("finalize on close failed, err is %v", err)
		}
	}
	if v.f != nil {
		if cerr := v.f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close %v", v.path)
		}
		v.f = nil
	}
	return
}
