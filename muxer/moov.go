package muxer

import (
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/codec"
	"panda.com/isobmff/core"
)

// The unity transformation matrix of mvhd and tkhd.
var unityMatrix = [9]uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

const videoTrackID = 1

func (v *Muxer) writeMatrix() {
	for _, x := range unityMatrix {
		v.w.WriteUint32(x)
	}
}

// duration32 is the sum of durations for the 32 bits version 0 fields.
func duration32(durations []uint32) uint32 {
	var total uint64
	for _, d := range durations {
		total += uint64(d)
	}
	if total > 0xffffffff {
		log.Warnf("duration %v overflows version 0 boxes", total)
		return 0xffffffff
	}
	return uint32(total)
}

/**
 * 8.2.1 Movie Box (moov)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 30
 * One video track, one chunk per sample.
 */
func (v *Muxer) writeMoov(durations []uint32) {
	duration := duration32(durations)

	pos := v.w.StartBox(core.SrsMp4BoxTypeMOOV)
	v.writeMvhd(duration)

	trak := v.w.StartBox(core.SrsMp4BoxTypeTRAK)
	v.writeTkhd(duration)

	mdia := v.w.StartBox(core.SrsMp4BoxTypeMDIA)
	v.writeMdhd(duration)
	v.writeHdlr(core.SrsMp4HandlerTypeVIDE, "VideoHandler")

	minf := v.w.StartBox(core.SrsMp4BoxTypeMINF)
	v.writeVmhd()
	v.writeDinf()
	v.writeStbl(durations)
	v.w.EndBox(minf)

	v.w.EndBox(mdia)
	v.w.EndBox(trak)
	v.w.EndBox(pos)
}

/**
 * 8.2.2 Movie Header Box (mvhd)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 31
 */
func (v *Muxer) writeMvhd(duration uint32) {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeMVHD, 0, 0)
	// creation_time, modification_time
	v.w.WriteUint32(0)
	v.w.WriteUint32(0)
	v.w.WriteUint32(v.opts.TimeScale)
	v.w.WriteUint32(duration)
	// rate 1.0, volume 1.0
	v.w.WriteUint32(0x00010000)
	v.w.WriteUint16(0x0100)
	v.w.WriteZeros(10)
	v.writeMatrix()
	// pre_defined
	v.w.WriteZeros(24)
	v.w.WriteUint32(videoTrackID + 1)
	v.w.EndBox(pos)
}

/**
 * 8.3.2 Track Header Box (tkhd)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 32
 * Flags 7, enabled, in movie and in preview.
 */
func (v *Muxer) writeTkhd(duration uint32) {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeTKHD, 0, 0x000007)
	v.w.WriteUint32(0)
	v.w.WriteUint32(0)
	v.w.WriteUint32(videoTrackID)
	v.w.WriteUint32(0)
	v.w.WriteUint32(duration)
	v.w.WriteZeros(8)
	// layer, alternate_group, volume, reserved
	v.w.WriteZeros(8)
	v.writeMatrix()
	v.w.WriteUint32(uint32(v.opts.Width) << 16)
	v.w.WriteUint32(uint32(v.opts.Height) << 16)
	v.w.EndBox(pos)
}

/**
 * 8.4.2 Media Header Box (mdhd)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 36
 */
func (v *Muxer) writeMdhd(duration uint32) {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeMDHD, 0, 0)
	v.w.WriteUint32(0)
	v.w.WriteUint32(0)
	v.w.WriteUint32(v.opts.TimeScale)
	v.w.WriteUint32(duration)
	// language 'und'
	v.w.WriteUint16(0x55c4)
	v.w.WriteUint16(0)
	v.w.EndBox(pos)
}

/**
 * 8.4.3 Handler Reference Box (hdlr)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 37
 */
func (v *Muxer) writeHdlr(handlerType uint32, name string) {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeHDLR, 0, 0)
	v.w.WriteUint32(0)
	v.w.WriteFourCC(handlerType)
	v.w.WriteZeros(12)
	v.w.WriteCString(name)
	v.w.EndBox(pos)
}

/**
 * 12.1.2 Video media header (vmhd)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 155
 */
func (v *Muxer) writeVmhd() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeVMHD, 0, 1)
	// graphicsmode, opcolor
	v.w.WriteZeros(8)
	v.w.EndBox(pos)
}

/**
 * 8.7.1 Data Information Box (dinf), 8.7.2 Data Reference Box (dref)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 56
 * A single self contained url entry, the media data is in this file.
 */
func (v *Muxer) writeDinf() {
	pos := v.w.StartBox(core.SrsMp4BoxTypeDINF)
	dref := v.w.StartFullBox(core.SrsMp4BoxTypeDREF, 0, 0)
	v.w.WriteUint32(1)
	url := v.w.StartFullBox(core.SrsMp4BoxTypeURL, 0, 1)
	v.w.EndBox(url)
	v.w.EndBox(dref)
	v.w.EndBox(pos)
}

/**
 * 8.5.1 Sample Table Box (stbl)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 40
 */
func (v *Muxer) writeStbl(durations []uint32) {
	pos := v.w.StartBox(core.SrsMp4BoxTypeSTBL)
	v.writeStsd()
	v.writeStts(durations)
	v.writeStss()
	v.writeStsc()
	v.writeStsz()
	v.writeStco()
	v.w.EndBox(pos)
}

// codecConfig is the configuration from Initialize, else the parameter sets seen in frames.
func (v *Muxer) codecConfig() []byte {
	if len(v.codecData) > 0 {
		return v.codecData
	}
	if cache, ok := v.codec.(interface{ CachedCodecConfig() []byte }); ok {
		if data := cache.CachedCodecConfig(); len(data) > 0 {
			log.Infof("codec config from parameter sets in frames, %v bytes", len(data))
			return data
		}
	}
	return nil
}

func (v *Muxer) writeStsd() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeSTSD, 0, 0)
	v.w.WriteUint32(1)
	if err := v.codec.WriteSampleEntryBox(v.w, &codec.SampleEntryParams{
		CodecData:     v.codecConfig(),
		Width:         v.opts.Width,
		Height:        v.opts.Height,
		CleanAperture: v.clean,
	}); err != nil {
		log.Errorf("write sample entry failed, err is %v", err)
	}
	v.w.EndBox(pos)
}

// writeStts run length encodes the durations.
func (v *Muxer) writeStts(durations []uint32) {
	type run struct{ count, delta uint32 }
	var runs []run
	for _, d := range durations {
		if n := len(runs); n > 0 && runs[n-1].delta == d {
			runs[n-1].count++
			continue
		}
		runs = append(runs, run{1, d})
	}

	pos := v.w.StartFullBox(core.SrsMp4BoxTypeSTTS, 0, 0)
	v.w.WriteUint32(uint32(len(runs)))
	for _, r := range runs {
		v.w.WriteUint32(r.count)
		v.w.WriteUint32(r.delta)
	}
	v.w.EndBox(pos)
}

// writeStss is always written, an empty table means no sync sample.
func (v *Muxer) writeStss() {
	var numbers []uint32
	for i, sample := range v.samples {
		if sample.IsKeyFrame {
			numbers = append(numbers, uint32(i+1))
		}
	}

	pos := v.w.StartFullBox(core.SrsMp4BoxTypeSTSS, 0, 0)
	v.w.WriteUint32(uint32(len(numbers)))
	for _, n := range numbers {
		v.w.WriteUint32(n)
	}
	v.w.EndBox(pos)
}

// writeStsc maps every chunk to one sample.
func (v *Muxer) writeStsc() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeSTSC, 0, 0)
	v.w.WriteUint32(1)
	// first_chunk, samples_per_chunk, sample_description_index
	v.w.WriteUint32(1)
	v.w.WriteUint32(1)
	v.w.WriteUint32(1)
	v.w.EndBox(pos)
}

func (v *Muxer) writeStsz() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeSTSZ, 0, 0)
	v.w.WriteUint32(0)
	v.w.WriteUint32(uint32(len(v.samples)))
	for _, sample := range v.samples {
		v.w.WriteUint32(sample.Size)
	}
	v.w.EndBox(pos)
}

// writeStco writes one chunk offset per sample. mdat has a 32 bit size so
// every offset fits in stco.
func (v *Muxer) writeStco() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeSTCO, 0, 0)
	v.w.WriteUint32(uint32(len(v.samples)))
	for _, sample := range v.samples {
		v.w.WriteUint32(uint32(sample.Offset))
	}
	v.w.EndBox(pos)
}
