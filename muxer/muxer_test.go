package muxer

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panda.com/isobmff/bitstream"
	"panda.com/isobmff/codec"
	"panda.com/isobmff/core"
)

var (
	avcSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x02, 0x80, 0xbf, 0xe5}
	avcPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	avcIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	avcP   = []byte{0x41, 0x9a, 0x02, 0x05}

	hevcVPS = []byte{0x40, 0x01, 0x0c, 0x01, 0xff, 0xff}
	hevcSPS = []byte{0x42, 0x01, 0x01, 0x21, 0x60, 0x00, 0x00, 0x00, 0x90, 0x00, 0x00, 0x00, 0x00, 0x00, 0x5d}
	hevcPPS = []byte{0x44, 0x01, 0xc1, 0x72}
	hevcIDR = []byte{0x26, 0x01, 0xaf, 0x06}
)

// Payload offsets of the children of container boxes.
var containers = map[string]int{
	"moov": 0, "trak": 0, "mdia": 0, "minf": 0, "dinf": 0, "stbl": 0,
	"dref": 8, "stsd": 8, "avc1": 78, "hvc1": 78, "av01": 78,
	"meta": 4, "iinf": 6, "iref": 4, "iprp": 0, "ipco": 0,
}

type rawBox struct {
	typ     string
	payload []byte
}

// scan splits b into boxes, their sizes must cover b exactly.
func scan(t *testing.T, b []byte) (boxes []rawBox) {
	for off := 0; off < len(b); {
		require.GreaterOrEqual(t, len(b)-off, 8, "box header at %v", off)
		size := int(binary.BigEndian.Uint32(b[off:]))
		require.GreaterOrEqual(t, size, 8, "box size at %v", off)
		require.LessOrEqual(t, off+size, len(b), "box at %v overruns its parent", off)
		boxes = append(boxes, rawBox{string(b[off+4 : off+8]), b[off+8 : off+size]})
		off += size
	}
	return
}

// checkTree scans every container recursively.
func checkTree(t *testing.T, b []byte) {
	for _, box := range scan(t, b) {
		if skip, ok := containers[box.typ]; ok {
			require.GreaterOrEqual(t, len(box.payload), skip, box.typ)
			checkTree(t, box.payload[skip:])
		}
	}
}

func types(t *testing.T, b []byte) (out []string) {
	for _, box := range scan(t, b) {
		out = append(out, box.typ)
	}
	return
}

// find returns the payload of the box at path.
func find(t *testing.T, b []byte, path ...string) []byte {
	for i, typ := range path {
		var found *rawBox
		for _, box := range scan(t, b) {
			if box.typ == typ {
				found = &box
				break
			}
		}
		require.NotNil(t, found, "no %v in %v", typ, path[:i])
		b = found.payload
		if i+1 < len(path) {
			b = b[containers[typ]:]
		}
	}
	return b
}

func newMuxer(t *testing.T, opts Options) (*core.MemoryFile, *Muxer) {
	f := core.NewMemoryFile()
	return f, NewWithWriter(f, opts)
}

func hdOptions() Options {
	return Options{Width: 1280, Height: 720, TimeScale: 90000, FrameRate: 30}
}

func decodeMoov(t *testing.T, f *core.MemoryFile) *core.Mp4MovieBox {
	boxes, err := core.DecodeFile(bytes.NewReader(f.Bytes()))
	require.NoError(t, err)
	box, err := core.Find(boxes, core.SrsMp4BoxTypeMOOV)
	require.NoError(t, err)
	return box.(*core.Mp4MovieBox)
}

func TestDurations(t *testing.T) {
	f, m := newMuxer(t, hdOptions())
	require.NoError(t, m.Initialize(bitstream.JoinAnnexB([][]byte{avcSPS, avcPPS}), codec.TypeAVC))
	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcSPS, avcPPS, avcIDR}), 0, true))
	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcP}), 33333, false))
	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcP}), 66666, false))
	require.NoError(t, m.Finalize())

	trak := decodeMoov(t, f).Tracks()[0]
	stbl, err := trak.Stbl()
	require.NoError(t, err)
	stts, err := stbl.Stts()
	require.NoError(t, err)

	var durations []uint32
	var total uint64
	for _, entry := range stts.Entries {
		for i := uint32(0); i < entry.SampleCount; i++ {
			durations = append(durations, entry.SampleDelta)
			total += uint64(entry.SampleDelta)
		}
	}
	assert.Equal(t, []uint32{2999, 3000, 3000}, durations)

	mdhd, err := trak.Mdhd()
	require.NoError(t, err)
	assert.EqualValues(t, 90000, mdhd.TimeScale)
	assert.Equal(t, total, mdhd.Duration)

	tkhd, err := trak.Tkhd()
	require.NoError(t, err)
	assert.Equal(t, total, tkhd.Duration)
	assert.Equal(t, 1280, tkhd.PixelWidth())
	assert.Equal(t, 720, tkhd.PixelHeight())

	mvhd, err := decodeMoov(t, f).Mvhd()
	require.NoError(t, err)
	assert.Equal(t, total, mvhd.DurationInTbn)

	stats := m.Stats()
	assert.Equal(t, 3, stats.Samples)
	assert.Equal(t, 1, stats.KeyFrames)
	assert.Equal(t, total, stats.Duration)
	assert.EqualValues(t, 99, stats.DurationMs)
}

func TestDurationsOutOfOrder(t *testing.T) {
	_, m := newMuxer(t, hdOptions())
	require.NoError(t, m.Initialize(nil, codec.TypeAVC))
	for _, pts := range []int64{0, 66666, 33333} {
		require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcP}), pts, false))
	}
	assert.Equal(t, []uint32{5999, 3000, 3000}, m.durations())
}

func TestMovieLayout(t *testing.T) {
	f, m := newMuxer(t, hdOptions())
	require.NoError(t, m.Initialize(bitstream.JoinAnnexB([][]byte{avcSPS, avcPPS}), codec.TypeAVC))
	keys := []bool{true, false, false, true, false}
	for i, key := range keys {
		nal := avcP
		if key {
			nal = avcIDR
		}
		require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{nal}), int64(i)*33333, key))
	}
	require.NoError(t, m.Finalize())

	b := f.Bytes()
	checkTree(t, b)
	assert.Equal(t, []string{"ftyp", "mdat", "moov"}, types(t, b))

	ftyp := find(t, b, "ftyp")
	assert.Equal(t, "avc1", string(ftyp[:4]))
	assert.EqualValues(t, 0, binary.BigEndian.Uint32(ftyp[4:]))
	assert.Equal(t, "avc1iso6mp41isom", string(ftyp[8:]))

	// One chunk per sample.
	stsc := find(t, b, "moov", "trak", "mdia", "minf", "stbl", "stsc")
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1}, stsc)

	// Every chunk offset points at its frame in mdat.
	trak := decodeMoov(t, f).Tracks()[0]
	stbl, err := trak.Stbl()
	require.NoError(t, err)
	stco, err := stbl.Stco()
	require.NoError(t, err)
	require.Len(t, stco.Entries, len(keys))
	for i, sample := range m.Samples() {
		assert.EqualValues(t, sample.Offset, stco.Entries[i])
		size := len(avcP) + 4
		if keys[i] {
			size = len(avcIDR) + 4
		}
		assert.EqualValues(t, size, sample.Size)
	}
	stss, err := stbl.Stss()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 4}, stss.SampleNumbers)

	entry, err := trak.VisualSampleEntry()
	require.NoError(t, err)
	assert.EqualValues(t, 1280, entry.Width)
	cfg, err := entry.CodecConfig()
	require.NoError(t, err)
	rec, err := bitstream.ParseAvcC(cfg.Config)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{avcSPS}, rec.SPS)
	assert.Equal(t, [][]byte{avcPPS}, rec.PPS)
}

func TestMovieRescanWithMp4ff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	m := New(path, hdOptions())
	require.NoError(t, m.Initialize(bitstream.JoinAnnexB([][]byte{avcSPS, avcPPS}), codec.TypeAVC))
	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcIDR}), 0, true))
	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcP}), 33333, false))
	// Close finalizes.
	require.NoError(t, m.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	parsed, err := mp4.DecodeFile(bytes.NewReader(b))
	require.NoError(t, err)
	var total uint64
	for _, box := range parsed.Children {
		total += box.Size()
	}
	assert.EqualValues(t, len(b), total)

	stbl := parsed.Moov.Trak.Mdia.Minf.Stbl
	assert.EqualValues(t, 2, stbl.Stsz.SampleNumber)
	assert.Equal(t, []uint32{1}, stbl.Stss.SampleNumber)
	assert.Equal(t, []uint32{2999, 3000}, stbl.Stts.SampleTimeDelta)
}

func TestCodecConfigFromFrames(t *testing.T) {
	f, m := newMuxer(t, hdOptions())
	require.NoError(t, m.Initialize(nil, codec.TypeAVC))
	require.NoError(t, m.AddFrame(bitstream.JoinAVCC([][]byte{avcSPS, avcPPS, avcIDR}), 0, true))
	require.NoError(t, m.Finalize())

	entry, err := decodeMoov(t, f).Tracks()[0].VisualSampleEntry()
	require.NoError(t, err)
	cfg, err := entry.CodecConfig()
	require.NoError(t, err)
	rec, err := bitstream.ParseAvcC(cfg.Config)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{avcSPS}, rec.SPS)
}

func TestEmptyFrameIsKept(t *testing.T) {
	_, m := newMuxer(t, hdOptions())
	require.NoError(t, m.Initialize(nil, codec.TypeAVC))
	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcIDR}), 0, true))
	require.NoError(t, m.AddFrame(nil, 33333, false))
	require.Len(t, m.Samples(), 2)
	assert.EqualValues(t, 0, m.Samples()[1].Size)
	require.NoError(t, m.Finalize())
}

func TestStates(t *testing.T) {
	_, m := newMuxer(t, hdOptions())
	assert.Equal(t, ErrNotInitialized, m.AddFrame(avcP, 0, false))
	assert.Equal(t, ErrNotInitialized, m.Finalize())

	require.NoError(t, m.Initialize(nil, codec.TypeHEVC))
	assert.Equal(t, ErrInitialized, m.Initialize(nil, codec.TypeHEVC))
	assert.True(t, errors.Is(m.SetContainerFormat(ContainerHEIC), ErrInitialized))
	assert.Equal(t, ErrNoSamples, m.Finalize())

	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{hevcIDR}), 0, true))
	require.NoError(t, m.UpdateDimensions(1920, 1080))
	require.NoError(t, m.Finalize())
	assert.Equal(t, 1920, m.Width())
	assert.Equal(t, ErrFinalized, m.AddFrame(hevcIDR, 1, true))
	assert.Equal(t, ErrFinalized, m.Finalize())
}

// shortFile fails writes once its budget is spent.
type shortFile struct {
	*core.MemoryFile
	budget int
}

func (v *shortFile) Write(p []byte) (int, error) {
	if len(p) > v.budget {
		return 0, errors.New("disk full")
	}
	v.budget -= len(p)
	return v.MemoryFile.Write(p)
}

func TestInvalidStateAfterFailedWrite(t *testing.T) {
	m := NewWithWriter(&shortFile{MemoryFile: core.NewMemoryFile(), budget: 64}, hdOptions())
	require.NoError(t, m.Initialize(nil, codec.TypeAVC))

	big := bitstream.JoinAnnexB([][]byte{append([]byte{0x65}, make([]byte, 128)...)})
	assert.Error(t, m.AddFrame(big, 0, true))
	assert.Equal(t, ErrInvalidState, m.AddFrame(avcP, 1, false))
	assert.Equal(t, ErrInvalidState, m.Finalize())
}

func TestMdatStaysWithin32Bits(t *testing.T) {
	f, m := newMuxer(t, hdOptions())
	require.NoError(t, m.Initialize(nil, codec.TypeAVC))
	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcIDR}), 0, true))

	// Pretend mdat is a few bytes short of 4 GiB.
	mdatPos := m.mdatPos
	m.mdatPos = m.w.Position() - 0xfffffff8
	err := m.AddFrame(bitstream.JoinAnnexB([][]byte{avcP}), 33333, false)
	assert.True(t, errors.Is(err, ErrMdatFull), "%v", err)
	require.Len(t, m.Samples(), 1)

	// The frame is rejected before writing, the muxer stays usable.
	m.mdatPos = mdatPos
	require.NoError(t, m.Finalize())
	stco := find(t, f.Bytes(), "moov", "trak", "mdia", "minf", "stbl", "stco")
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, stco[:8])
}

func TestHeicSingleImage(t *testing.T) {
	f, m := newMuxer(t, Options{Width: 1024, Height: 768})
	require.NoError(t, m.SetContainerFormat(ContainerHEIC))
	require.NoError(t, m.SetCleanAperture(1000, 750))
	require.NoError(t, m.Initialize(bitstream.JoinAnnexB([][]byte{hevcVPS, hevcSPS, hevcPPS}), codec.TypeHEVC))

	frame := bitstream.JoinAnnexB([][]byte{hevcIDR})
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AddFrame(frame, int64(i)*33333, true))
	}
	assert.Len(t, m.Samples(), 1)
	require.NoError(t, m.Finalize())

	b := f.Bytes()
	checkTree(t, b)
	assert.Equal(t, []string{"ftyp", "mdat", "meta"}, types(t, b))
	assert.Equal(t, "mif1", string(find(t, b, "ftyp")[:4]))
	assert.Equal(t, []string{"hdlr", "pitm", "iloc", "iinf", "iprp"}, types(t, find(t, b, "meta")[4:]))
	assert.Equal(t, "pict", string(find(t, b, "meta", "hdlr")[8:12]))

	iloc := find(t, b, "meta", "iloc")
	sample := m.Samples()[0]
	assert.Equal(t, []byte{0, 0, 0, 0, 0x44, 0x00, 0, 1, 0, 1, 0, 0, 0, 1}, iloc[:14])
	assert.EqualValues(t, sample.Offset, binary.BigEndian.Uint32(iloc[14:]))
	assert.EqualValues(t, sample.Size, binary.BigEndian.Uint32(iloc[18:]))

	infe := find(t, b, "meta", "iinf", "infe")
	assert.Equal(t, []byte{2, 0, 0, 0, 0, 1, 0, 0}, infe[:8])
	assert.Equal(t, "hvc1", string(infe[8:12]))

	assert.Equal(t, []string{"ispe", "pixi", "colr", "hvcC", "clap"}, types(t, find(t, b, "meta", "iprp", "ipco")))
	ispe := find(t, b, "meta", "iprp", "ipco", "ispe")
	assert.EqualValues(t, 1024, binary.BigEndian.Uint32(ispe[4:]))
	assert.EqualValues(t, 768, binary.BigEndian.Uint32(ispe[8:]))
	assert.Equal(t, []byte{0, 0, 0, 0, 3, 8, 8, 8}, find(t, b, "meta", "iprp", "ipco", "pixi"))
	assert.Equal(t, []byte{'n', 'c', 'l', 'x', 0, 1, 0, 1, 0, 1, 0}, find(t, b, "meta", "iprp", "ipco", "colr"))

	ipma := find(t, b, "meta", "iprp", "ipma")
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 1, 5, 0x81, 0x82, 0x83, 0x84, 0x85}, ipma)
}

func TestHeicTiledGrid(t *testing.T) {
	f, m := newMuxer(t, Options{Width: 1000, Height: 700})
	require.NoError(t, m.SetContainerFormat(ContainerHEIC))
	require.NoError(t, m.SetTileMode(2, 2))
	require.NoError(t, m.SetTileDimensions(512, 512))
	require.NoError(t, m.SetGridOutputDimensions(1024, 1024))
	require.NoError(t, m.Initialize(bitstream.JoinAnnexB([][]byte{hevcVPS, hevcSPS, hevcPPS}), codec.TypeHEVC))

	for i := 0; i < 5; i++ {
		tile := bitstream.JoinAnnexB([][]byte{append(hevcIDR, byte(i))})
		require.NoError(t, m.AddFrame(tile, 0, true))
	}
	require.Len(t, m.Samples(), 4)
	require.NoError(t, m.Finalize())

	b := f.Bytes()
	checkTree(t, b)
	assert.Equal(t, []string{"hdlr", "pitm", "idat", "iloc", "iinf", "iref", "iprp"}, types(t, find(t, b, "meta")[4:]))
	assert.Equal(t, []byte{0, 0, 1, 1, 0x04, 0x00, 0x04, 0x00}, find(t, b, "meta", "idat"))

	iloc := find(t, b, "meta", "iloc")
	assert.Equal(t, []byte{1, 0, 0, 0, 0x44, 0x40, 0, 5}, iloc[:8])
	// grid: id 1, construction method 1, dref 0, base 0, one extent 0..8.
	assert.Equal(t, []byte{0, 1, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 8}, iloc[8:28])
	for i, sample := range m.Samples() {
		item := iloc[28+i*20 : 48+i*20]
		assert.EqualValues(t, i+2, binary.BigEndian.Uint16(item))
		assert.EqualValues(t, 0, binary.BigEndian.Uint16(item[2:]))
		assert.EqualValues(t, sample.Offset, binary.BigEndian.Uint32(item[6:]))
		assert.EqualValues(t, sample.Size, binary.BigEndian.Uint32(item[16:]))
	}

	iinf := find(t, b, "meta", "iinf")
	assert.EqualValues(t, 5, binary.BigEndian.Uint16(iinf[4:]))
	infes := scan(t, iinf[6:])
	require.Len(t, infes, 5)
	assert.Equal(t, "grid", string(infes[0].payload[8:12]))
	assert.EqualValues(t, 0, infes[0].payload[3])
	assert.Equal(t, "hvc1", string(infes[1].payload[8:12]))
	assert.EqualValues(t, 1, infes[1].payload[3])

	assert.Equal(t, []byte{0, 1, 0, 4, 0, 2, 0, 3, 0, 4, 0, 5}, find(t, b, "meta", "iref", "dimg"))

	ipco := find(t, b, "meta", "iprp", "ipco")
	props := scan(t, ipco)
	require.Len(t, props, 5)
	assert.Equal(t, []string{"ispe", "hvcC", "colr", "ispe", "pixi"}, types(t, ipco))
	assert.EqualValues(t, 1024, binary.BigEndian.Uint32(props[0].payload[4:]))
	assert.EqualValues(t, 512, binary.BigEndian.Uint32(props[3].payload[4:]))

	ipma := find(t, b, "meta", "iprp", "ipma")
	assert.EqualValues(t, 5, binary.BigEndian.Uint32(ipma[4:]))
	assert.Equal(t, []byte{0, 1, 2, 0x01, 0x85}, ipma[8:13])
	for i := 0; i < 4; i++ {
		assert.Equal(t, []byte{0, byte(i + 2), 4, 0x82, 0x03, 0x04, 0x05}, ipma[13+i*7:20+i*7])
	}
}

func TestTileDimensionsFallback(t *testing.T) {
	f, m := newMuxer(t, Options{Width: 1024, Height: 768})
	require.NoError(t, m.SetContainerFormat(ContainerHEIC))
	require.NoError(t, m.SetTileMode(2, 2))
	require.NoError(t, m.Initialize(nil, codec.TypeAV1))

	// Frame OBUs, no sequence header to read the size from.
	for i := 0; i < 4; i++ {
		require.NoError(t, m.AddFrame([]byte{0x32, 0x00}, 0, true))
	}
	require.NoError(t, m.Finalize())

	b := f.Bytes()
	assert.Equal(t, "avif", string(find(t, b, "ftyp")[:4]))
	props := scan(t, find(t, b, "meta", "iprp", "ipco"))
	require.Len(t, props, 5)
	assert.Equal(t, "av1C", props[1].typ)
	assert.EqualValues(t, 512, binary.BigEndian.Uint32(props[3].payload[4:]))
	assert.EqualValues(t, 384, binary.BigEndian.Uint32(props[3].payload[8:]))
}

func TestTileModeNeedsHeic(t *testing.T) {
	_, m := newMuxer(t, hdOptions())
	assert.Error(t, m.SetTileMode(2, 2))
	assert.Error(t, m.SetTileDimensions(256, 256))

	require.NoError(t, m.SetContainerFormat(ContainerHEIC))
	assert.Error(t, m.SetTileMode(0, 2))
	assert.NoError(t, m.SetTileMode(3, 2))
	assert.True(t, m.TileModeEnabled())

	assert.Error(t, m.SetTileMode(256, 256))
	assert.NoError(t, m.SetTileMode(256, 255))
}

func TestInitializeFromMimeType(t *testing.T) {
	for mime, entry := range map[string]string{
		"video/avc":   "avc1",
		"video/h.264": "avc1",
		"video/hevc":  "hvc1",
		"image/avif":  "av01",
	} {
		f, m := newMuxer(t, hdOptions())
		require.NoError(t, m.InitializeFromMimeType(nil, mime), mime)
		require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{avcIDR}), 0, true), mime)
		require.NoError(t, m.Finalize(), mime)

		stsd := find(t, f.Bytes(), "moov", "trak", "mdia", "minf", "stbl", "stsd")
		assert.Equal(t, []string{entry}, types(t, stsd[8:]), mime)
	}

	f, m := newMuxer(t, hdOptions())
	require.NoError(t, m.SetContainerFormat(ContainerHEIC))
	require.NoError(t, m.InitializeFromMimeType(bitstream.JoinAnnexB([][]byte{hevcVPS, hevcSPS, hevcPPS}), "image/heic"))
	require.NoError(t, m.AddFrame(bitstream.JoinAnnexB([][]byte{hevcIDR}), 0, true))
	require.NoError(t, m.Finalize())
	infe := find(t, f.Bytes(), "meta", "iinf", "infe")
	assert.Equal(t, "hvc1", string(infe[8:12]))
}

func TestParseContainerFormat(t *testing.T) {
	f, err := ParseContainerFormat("HEIC")
	require.NoError(t, err)
	assert.Equal(t, ContainerHEIC, f)
	f, err = ParseContainerFormat("")
	require.NoError(t, err)
	assert.Equal(t, ContainerMP4, f)
	_, err = ParseContainerFormat("mkv")
	assert.Error(t, err)
}
