package demuxer

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panda.com/isobmff/bitstream"
	"panda.com/isobmff/codec"
	"panda.com/isobmff/core"
	"panda.com/isobmff/muxer"
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
	hevcP   = []byte{0x02, 0x01, 0xd0, 0x09}
)

// movie describes a hand written single track file, laid out ftyp, mdat, moov.
type movie struct {
	entry   codec.Writer
	samples [][]byte
	// Samples per chunk, chunks are separated by a few junk bytes.
	chunks []int
	stsc   [][3]uint32
	// One stts entry per sample.
	deltas []uint32
	// Composition offsets, one ctts entry per sample when set.
	offsets []uint32
	// Sync samples, no stss box when nil.
	stss   []uint32
	noStsz bool
}

func (m *movie) build(t *testing.T) []byte {
	f := core.NewMemoryFile()
	w, err := core.NewWriter(f)
	require.NoError(t, err)

	ftyp := w.StartBox(core.SrsMp4BoxTypeFTYP)
	w.WriteFourCC(core.SrsMp4BoxBrandISOM)
	w.WriteUint32(0)
	w.WriteFourCC(core.SrsMp4BoxBrandISOM)
	require.NoError(t, w.EndBox(ftyp))

	var chunkOffsets []int64
	mdat := w.StartBox(core.SrsMp4BoxTypeMDAT)
	next := 0
	for _, n := range m.chunks {
		w.WriteBytes([]byte{0xde, 0xad, 0xbe})
		chunkOffsets = append(chunkOffsets, w.Position())
		for i := 0; i < n; i++ {
			w.WriteBytes(m.samples[next])
			next++
		}
	}
	require.NoError(t, w.EndBox(mdat))

	moov := w.StartBox(core.SrsMp4BoxTypeMOOV)
	trak := w.StartBox(core.SrsMp4BoxTypeTRAK)
	mdia := w.StartBox(core.SrsMp4BoxTypeMDIA)

	mdhd := w.StartFullBox(core.SrsMp4BoxTypeMDHD, 0, 0)
	w.WriteZeros(8)
	w.WriteUint32(30000)
	w.WriteUint32(0)
	w.WriteUint16(0x55c4)
	w.WriteUint16(0)
	require.NoError(t, w.EndBox(mdhd))

	minf := w.StartBox(core.SrsMp4BoxTypeMINF)
	stbl := w.StartBox(core.SrsMp4BoxTypeSTBL)

	stsd := w.StartFullBox(core.SrsMp4BoxTypeSTSD, 0, 0)
	w.WriteUint32(1)
	var config [][]byte
	if m.entry.Type() == codec.TypeHEVC {
		config = [][]byte{hevcVPS, hevcSPS, hevcPPS}
	} else {
		config = [][]byte{avcSPS, avcPPS}
	}
	require.NoError(t, m.entry.WriteSampleEntryBox(w, &codec.SampleEntryParams{
		CodecData: bitstream.JoinAnnexB(config),
		Width:     640,
		Height:    360,
	}))
	require.NoError(t, w.EndBox(stsd))

	stts := w.StartFullBox(core.SrsMp4BoxTypeSTTS, 0, 0)
	w.WriteUint32(uint32(len(m.deltas)))
	for _, d := range m.deltas {
		w.WriteUint32(1)
		w.WriteUint32(d)
	}
	require.NoError(t, w.EndBox(stts))

	if m.offsets != nil {
		ctts := w.StartFullBox(core.SrsMp4BoxTypeCTTS, 0, 0)
		w.WriteUint32(uint32(len(m.offsets)))
		for _, o := range m.offsets {
			w.WriteUint32(1)
			w.WriteUint32(o)
		}
		require.NoError(t, w.EndBox(ctts))
	}

	if m.stss != nil {
		stss := w.StartFullBox(core.SrsMp4BoxTypeSTSS, 0, 0)
		w.WriteUint32(uint32(len(m.stss)))
		for _, n := range m.stss {
			w.WriteUint32(n)
		}
		require.NoError(t, w.EndBox(stss))
	}

	stsc := w.StartFullBox(core.SrsMp4BoxTypeSTSC, 0, 0)
	w.WriteUint32(uint32(len(m.stsc)))
	for _, entry := range m.stsc {
		w.WriteUint32(entry[0])
		w.WriteUint32(entry[1])
		w.WriteUint32(entry[2])
	}
	require.NoError(t, w.EndBox(stsc))

	if !m.noStsz {
		stsz := w.StartFullBox(core.SrsMp4BoxTypeSTSZ, 0, 0)
		w.WriteUint32(0)
		w.WriteUint32(uint32(len(m.samples)))
		for _, s := range m.samples {
			w.WriteUint32(uint32(len(s)))
		}
		require.NoError(t, w.EndBox(stsz))
	}

	stco := w.StartFullBox(core.SrsMp4BoxTypeSTCO, 0, 0)
	w.WriteUint32(uint32(len(chunkOffsets)))
	for _, offset := range chunkOffsets {
		w.WriteUint32(uint32(offset))
	}
	require.NoError(t, w.EndBox(stco))

	for _, pos := range []int64{stbl, minf, mdia, trak, moov} {
		require.NoError(t, w.EndBox(pos))
	}
	require.NoError(t, w.Err())
	return f.Bytes()
}

// reordered has two chunks of 3 and 2 samples, composition offsets and a
// leading non key sample.
func reordered() *movie {
	return &movie{
		entry: codec.NewAvcWriter(),
		samples: [][]byte{
			bitstream.JoinAVCC([][]byte{avcP}),
			bitstream.JoinAVCC([][]byte{avcIDR}),
			bitstream.JoinAVCC([][]byte{avcP}),
			bitstream.JoinAVCC([][]byte{avcP, avcP}),
			bitstream.JoinAVCC([][]byte{avcIDR}),
		},
		chunks:  []int{3, 2},
		stsc:    [][3]uint32{{1, 3, 1}, {2, 2, 1}},
		deltas:  []uint32{1000, 1000, 1000, 1000, 1000},
		offsets: []uint32{2000, 0, 1000, 2000, 0},
		stss:    []uint32{2, 5},
	}
}

func open(t *testing.T, data []byte) *Demuxer {
	d := NewWithReader(bytes.NewReader(data))
	require.NoError(t, d.Initialize())
	return d
}

func TestSampleTable(t *testing.T) {
	data := reordered().build(t)
	d := open(t, data)

	assert.False(t, d.IsHEVC())
	assert.EqualValues(t, 30000, d.TimeScale())
	assert.Equal(t, 640, d.Width())
	assert.Equal(t, 360, d.Height())
	assert.InDelta(t, 30.0, d.FrameRate(), 0.001)
	assert.EqualValues(t, 1, d.CodecSpecificData()[0])

	samples := d.Samples()
	require.Len(t, samples, 5)
	// Samples of a chunk are contiguous, chunks are 3 bytes apart.
	assert.Equal(t, samples[0].Offset+uint64(samples[0].Size), samples[1].Offset)
	assert.Equal(t, samples[1].Offset+uint64(samples[1].Size), samples[2].Offset)
	assert.Equal(t, samples[2].Offset+uint64(samples[2].Size)+3, samples[3].Offset)
	assert.Equal(t, samples[3].Offset+uint64(samples[3].Size), samples[4].Offset)
	for i, s := range samples {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, reordered().samples[i], data[s.Offset:s.Offset+uint64(s.Size)])
	}

	var keys []bool
	for _, s := range samples {
		keys = append(keys, s.IsKeyFrame)
	}
	assert.Equal(t, []bool{false, true, false, false, true}, keys)
	assert.EqualValues(t, 100000, samples[2].PTS)
	assert.EqualValues(t, 66666, samples[2].DTS)
}

func TestNextFrameFromFirstKeyFrame(t *testing.T) {
	d := open(t, reordered().build(t))

	frame, err := d.NextFrame()
	require.NoError(t, err)
	assert.True(t, frame.IsKeyFrame)
	assert.Equal(t, bitstream.JoinAnnexB([][]byte{avcSPS, avcPPS, avcIDR}), frame.Data)
	assert.Equal(t, len(frame.Data), frame.Size)
	assert.EqualValues(t, 33333, frame.DTS)
	assert.EqualValues(t, 33333, frame.PTS)

	expects := []struct {
		data     []byte
		dts, pts int64
		key      bool
	}{
		{bitstream.JoinAnnexB([][]byte{avcP}), 66666, 100000, false},
		{bitstream.JoinAnnexB([][]byte{avcP, avcP}), 100000, 166666, false},
		{bitstream.JoinAnnexB([][]byte{avcSPS, avcPPS, avcIDR}), 133333, 133333, true},
	}
	for i, expect := range expects {
		frame, err = d.NextFrame()
		require.NoError(t, err, "frame %v", i)
		assert.Equal(t, expect.data, frame.Data, "frame %v", i)
		assert.Equal(t, expect.dts, frame.DTS, "frame %v", i)
		assert.Equal(t, expect.pts, frame.PTS, "frame %v", i)
		assert.Equal(t, expect.key, frame.IsKeyFrame, "frame %v", i)
	}

	assert.False(t, d.EOS())
	_, err = d.NextFrame()
	assert.Equal(t, ErrEOS, err)
	assert.True(t, d.EOS())

	d.Reset()
	assert.False(t, d.EOS())
	frame, err = d.NextFrame()
	require.NoError(t, err)
	assert.EqualValues(t, 33333, frame.DTS)
}

func TestSyncSamples(t *testing.T) {
	m := reordered()
	m.stss = nil
	d := open(t, m.build(t))
	for _, s := range d.Samples() {
		assert.True(t, s.IsKeyFrame)
	}
	// Sample 0 is a sync sample, nothing is skipped.
	frame, err := d.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, bitstream.JoinAnnexB([][]byte{avcP}), frame.Data)

	m.stss = []uint32{}
	d = open(t, m.build(t))
	for _, s := range d.Samples() {
		assert.False(t, s.IsKeyFrame)
	}
	frame, err = d.NextFrame()
	require.NoError(t, err)
	assert.EqualValues(t, 0, frame.DTS)
}

func TestNoCompositionOffsets(t *testing.T) {
	m := reordered()
	m.offsets = nil
	d := open(t, m.build(t))
	for _, s := range d.Samples() {
		assert.Equal(t, s.DTS, s.PTS)
	}
}

func TestHevcTrack(t *testing.T) {
	m := &movie{
		entry: codec.NewHevcWriter(),
		samples: [][]byte{
			bitstream.JoinAVCC([][]byte{hevcIDR}),
			bitstream.JoinAVCC([][]byte{hevcP}),
		},
		chunks: []int{2},
		stsc:   [][3]uint32{{1, 2, 1}},
		deltas: []uint32{1001, 1001},
		stss:   []uint32{1},
	}
	d := open(t, m.build(t))
	assert.True(t, d.IsHEVC())

	frame, err := d.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, bitstream.JoinAnnexB([][]byte{hevcVPS, hevcSPS, hevcPPS, hevcIDR}), frame.Data)
	frame, err = d.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, bitstream.JoinAnnexB([][]byte{hevcP}), frame.Data)
	assert.EqualValues(t, 33366, frame.DTS)
}

func TestMalformedTracks(t *testing.T) {
	m := reordered()
	m.noStsz = true
	err := NewWithReader(bytes.NewReader(m.build(t))).Initialize()
	assert.True(t, errors.Is(err, ErrMissingTable), "%v", err)

	m = reordered()
	m.stsc = [][3]uint32{{0, 3, 1}}
	err = NewWithReader(bytes.NewReader(m.build(t))).Initialize()
	assert.True(t, errors.Is(err, ErrMalformedTable), "%v", err)

	m = reordered()
	m.entry = codec.NewAv1Writer()
	err = NewWithReader(bytes.NewReader(m.build(t))).Initialize()
	assert.True(t, errors.Is(err, ErrNoVideoTrack), "%v", err)

	// No moov at all.
	f := core.NewMemoryFile()
	w, err := core.NewWriter(f)
	require.NoError(t, err)
	w.EndBox(w.StartBox(core.SrsMp4BoxTypeFREE))
	err = NewWithReader(bytes.NewReader(f.Bytes())).Initialize()
	assert.True(t, errors.Is(err, ErrNoVideoTrack), "%v", err)
}

func TestReadFailureEndsStream(t *testing.T) {
	d := open(t, reordered().build(t))
	d.Samples()[2].Offset = 1 << 20

	_, err := d.NextFrame()
	require.NoError(t, err)
	_, err = d.NextFrame()
	assert.Error(t, err)
	assert.NotEqual(t, ErrEOS, err)
	assert.True(t, d.EOS())
	_, err = d.NextFrame()
	assert.Equal(t, ErrEOS, err)
}

func TestNotInitialized(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing.mp4"))
	_, err := d.NextFrame()
	assert.Equal(t, ErrNotInitialized, err)
	assert.Error(t, d.Initialize())
	assert.Nil(t, d.Samples())
	assert.NoError(t, d.Close())
}

func TestMuxerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "round.mp4")
	mux := muxer.New(path, muxer.Options{Width: 1280, Height: 720, TimeScale: 90000, FrameRate: 25})
	require.NoError(t, mux.Initialize(bitstream.JoinAnnexB([][]byte{avcSPS, avcPPS}), codec.TypeAVC))

	keys := []bool{true, false, false, true, false, false}
	for i, key := range keys {
		nal := avcP
		if key {
			nal = avcIDR
		}
		require.NoError(t, mux.AddFrame(bitstream.JoinAnnexB([][]byte{nal}), int64(i)*40000, key))
	}
	require.NoError(t, mux.Close())

	d := New(path)
	require.NoError(t, d.Initialize())
	defer d.Close()

	assert.Equal(t, 1280, d.Width())
	assert.Equal(t, 720, d.Height())
	assert.InDelta(t, 25.0, d.FrameRate(), 0.001)
	require.Len(t, d.Samples(), len(keys))

	for i, key := range keys {
		frame, err := d.NextFrame()
		require.NoError(t, err)
		assert.Equal(t, key, frame.IsKeyFrame, "frame %v", i)
		assert.EqualValues(t, i*40000, frame.DTS, "frame %v", i)
		assert.EqualValues(t, i*40000, frame.PTS, "frame %v", i)
		if key {
			assert.Equal(t, bitstream.JoinAnnexB([][]byte{avcSPS, avcPPS, avcIDR}), frame.Data)
		} else {
			assert.Equal(t, bitstream.JoinAnnexB([][]byte{avcP}), frame.Data)
		}
	}
	_, err := d.NextFrame()
	assert.Equal(t, ErrEOS, err)
}

func TestSamplesPerChunk(t *testing.T) {
	stsc := &core.Mp4Sample2ChunkBox{Entries: []*core.Mp4StscEntry{
		{FirstChunk: 1, SamplesPerChunk: 2},
		{FirstChunk: 3, SamplesPerChunk: 1},
		{FirstChunk: 4, SamplesPerChunk: 4},
	}}
	counts, err := samplesPerChunk(stsc, 6)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 2, 1, 4, 4, 4}, counts)
}

// patch overwrites a uint32 of the first box of type typ, at offset of its payload.
func patch(t *testing.T, data []byte, typ string, offset int, value uint32) {
	pos := bytes.Index(data, []byte(typ))
	require.Greater(t, pos, 0, typ)
	binary.BigEndian.PutUint32(data[pos+4+offset:], value)
}

func TestOversizedTimeTables(t *testing.T) {
	data := reordered().build(t)
	// The first stts and ctts entries claim every possible sample.
	patch(t, data, "stts", 8, 0xffffffff)
	patch(t, data, "ctts", 8, 0xffffffff)

	d := open(t, data)
	samples := d.Samples()
	require.Len(t, samples, 5)
	assert.EqualValues(t, 133333, samples[4].DTS)
	assert.EqualValues(t, 200000, samples[4].PTS)
	assert.InDelta(t, 30.0, d.FrameRate(), 0.001)
}

func TestOversizedConstantSampleSize(t *testing.T) {
	data := reordered().build(t)
	patch(t, data, "stsz", 4, 1)
	patch(t, data, "stsz", 8, 0xffffffff)

	err := NewWithReader(bytes.NewReader(data)).Initialize()
	assert.True(t, errors.Is(err, ErrMalformedTable), "%v", err)
}
