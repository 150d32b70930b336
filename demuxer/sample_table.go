package demuxer

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/core"
)

// Sample is one access unit of the track, timestamps in microseconds.
type Sample struct {
	Index      int
	Offset     uint64
	Size       uint32
	DTS        int64
	PTS        int64
	IsKeyFrame bool
}

// SampleTable is the flattened stbl of the video track.
type SampleTable struct {
	TimeScale uint32
	Samples   []*Sample
	// Sum of the stts deltas, in TimeScale units.
	Duration uint64
}

// toMicroseconds converts ts in timescale units.
func toMicroseconds(ts int64, timescale uint32) int64 {
	if timescale == 0 {
		return ts
	}
	return ts * 1000000 / int64(timescale)
}

// samplesPerChunk expands stsc to one count per chunk.
func samplesPerChunk(stsc *core.Mp4Sample2ChunkBox, nbChunks int) (counts []uint32, err error) {
	counts = make([]uint32, nbChunks)
	for i, entry := range stsc.Entries {
		if entry.FirstChunk == 0 {
			return nil, errors.Wrapf(ErrMalformedTable, "stsc entry %v first chunk 0", i)
		}
		last := nbChunks
		if i+1 < len(stsc.Entries) {
			last = int(stsc.Entries[i+1].FirstChunk) - 1
		}
		for chunk := int(entry.FirstChunk) - 1; chunk < last && chunk < nbChunks; chunk++ {
			counts[chunk] = entry.SamplesPerChunk
		}
	}
	return
}

/**
 * 8.6.1 Time to Sample Boxes, 8.7.4 Sample To Chunk Box
 * ISO_IEC_14496-12-base-format-2012.pdf, page 47
 * Builds the sample table, stco/co64 x stsc gives the offsets, stts the DTS,
 * ctts the PTS and stss the sync samples. Without stss every sample is a sync
 * sample. Time entries past the last sample are ignored.
 */
func BuildSampleTable(stbl *core.Mp4SampleTableBox, timescale uint32, fileSize uint64) (v *SampleTable, err error) {
	stsz, err := stbl.Stsz()
	if err != nil {
		return nil, errors.Wrap(ErrMissingTable, err.Error())
	}
	stco, err := stbl.Stco()
	if err != nil {
		return nil, errors.Wrap(ErrMissingTable, err.Error())
	}
	stsc, err := stbl.Stsc()
	if err != nil {
		return nil, errors.Wrap(ErrMissingTable, err.Error())
	}

	sizes, err := stsz.Sizes(fileSize)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedTable, err.Error())
	}
	if len(sizes) == 0 || len(stco.Entries) == 0 || len(stsc.Entries) == 0 {
		return nil, errors.Wrapf(ErrMissingTable, "sizes=%v, chunks=%v, stsc=%v", len(sizes), len(stco.Entries), len(stsc.Entries))
	}

	counts, err := samplesPerChunk(stsc, len(stco.Entries))
	if err != nil {
		log.Errorf("expand stsc failed, err is %v", err)
		return nil, err
	}

	v = &SampleTable{TimeScale: timescale}
	for chunk, offset := range stco.Entries {
		for i := uint32(0); i < counts[chunk] && len(v.Samples) < len(sizes); i++ {
			sample := &Sample{Index: len(v.Samples), Offset: offset, Size: sizes[len(v.Samples)]}
			v.Samples = append(v.Samples, sample)
			offset += uint64(sample.Size)
		}
	}
	if len(v.Samples) < len(sizes) {
		log.Warnf("chunks hold %v of %v samples", len(v.Samples), len(sizes))
	}

	v.applyTimes(stbl)
	v.applySyncSamples(stbl)

	log.Debugf("build sample table success, samples=%v, timescale=%v, duration=%v", len(v.Samples), timescale, v.Duration)
	return
}

func (v *SampleTable) applyTimes(stbl *core.Mp4SampleTableBox) {
	var dts []int64
	if stts, err := stbl.Stts(); err == nil {
		var ts uint64
		for _, entry := range stts.Entries {
			for i := uint32(0); i < entry.SampleCount && len(dts) < len(v.Samples); i++ {
				dts = append(dts, int64(ts))
				ts += uint64(entry.SampleDelta)
			}
		}
		v.Duration = ts
	} else {
		log.Warnf("no stts, all samples at 0")
	}

	var offsets []int64
	if ctts, err := stbl.Ctts(); err == nil {
		for _, entry := range ctts.Entries {
			for i := uint32(0); i < entry.SampleCount && len(offsets) < len(v.Samples); i++ {
				offsets = append(offsets, entry.SampleOffset)
			}
		}
	}

	// Samples past the tables keep the last delta and offset.
	var last, delta, offset int64
	for i, sample := range v.Samples {
		if i < len(dts) {
			last = dts[i]
			if i > 0 {
				delta = dts[i] - dts[i-1]
			}
		} else {
			last += delta
		}
		if i < len(offsets) {
			offset = offsets[i]
		}
		sample.DTS = toMicroseconds(last, v.TimeScale)
		sample.PTS = toMicroseconds(last+offset, v.TimeScale)
	}
}

func (v *SampleTable) applySyncSamples(stbl *core.Mp4SampleTableBox) {
	stss, err := stbl.Stss()
	if err != nil {
		for _, sample := range v.Samples {
			sample.IsKeyFrame = true
		}
		return
	}

	for _, number := range stss.SampleNumbers {
		if number == 0 || int(number) > len(v.Samples) {
			log.Warnf("ignore stss sample number %v of %v samples", number, len(v.Samples))
			continue
		}
		v.Samples[number-1].IsKeyFrame = true
	}
}

// FrameRate is the sample count over the stts duration, 0 when unknown.
func (v *SampleTable) FrameRate() float64 {
	if v.Duration == 0 || v.TimeScale == 0 {
		return 0
	}
	return float64(len(v.Samples)) * float64(v.TimeScale) / float64(v.Duration)
}

// FirstKeyFrame is the index of the first sync sample, 0 when there is none.
func (v *SampleTable) FirstKeyFrame() int {
	for i, sample := range v.Samples {
		if sample.IsKeyFrame {
			return i
		}
	}
	return 0
}
