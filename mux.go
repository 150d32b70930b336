package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/bitstream"
	"panda.com/isobmff/codec"
	"panda.com/isobmff/muxer"
)

// mux wraps an annexb elementary stream, one access unit per frame.
func mux(args []string, out io.Writer) (err error) {
	fs, verbose := newFlagSet("mux")
	config := fs.String("config", "", "yaml job file")
	flags := &jobConfig{}
	fs.StringVar(&flags.Input, "i", "", "input annexb elementary stream")
	fs.StringVar(&flags.Output, "o", "", "output mp4 or heic file")
	fs.StringVar(&flags.Codec, "codec", "", "h264, hevc or a mime type")
	fs.StringVar(&flags.Container, "container", "", "mp4 or heic")
	fs.IntVar(&flags.Width, "width", 0, "coded width")
	fs.IntVar(&flags.Height, "height", 0, "coded height")
	fs.Float64Var(&flags.FrameRate, "fps", 0, "frame rate")
	fs.StringVar(&flags.Timestamps, "timestamps", "", "rate or zero")
	if err = fs.Parse(args); err != nil {
		return
	}
	verbose.setup()

	job, err := loadJobConfig(*config)
	if err != nil {
		return
	}
	job.override(fs, flags)
	if err = job.check(); err != nil {
		return
	}

	stats, err := runMux(job)
	if err != nil {
		return
	}
	fmt.Fprintf(out, "%v: %v samples, %v keyframes, %v bytes, %vms, %v bps\n",
		job.Output, stats.Samples, stats.KeyFrames, stats.TotalBytes, stats.DurationMs, stats.Bitrate)
	return nil
}

// override takes the flags set on the command line over the yaml values.
func (v *jobConfig) override(fs *flag.FlagSet, flags *jobConfig) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i":
			v.Input = flags.Input
		case "o":
			v.Output = flags.Output
		case "codec":
			v.Codec = flags.Codec
		case "container":
			v.Container = flags.Container
		case "width":
			v.Width = flags.Width
		case "height":
			v.Height = flags.Height
		case "fps":
			v.FrameRate = flags.FrameRate
		case "timestamps":
			v.Timestamps = flags.Timestamps
		}
	})
}

func runMux(job *jobConfig) (stats muxer.Stats, err error) {
	t := codec.ParseMimeType(job.Codec)
	family := bitstream.FamilyHEVC
	switch t {
	case codec.TypeAVC:
		family = bitstream.FamilyAVC
	case codec.TypeHEVC:
	default:
		return stats, errors.Errorf("mux reads h264 or hevc annexb, not %v", t)
	}
	format, err := muxer.ParseContainerFormat(job.Container)
	if err != nil {
		return
	}

	data, err := os.ReadFile(job.Input)
	if err != nil {
		return stats, errors.Wrapf(err, "read %v", job.Input)
	}
	units := splitAccessUnits(family, data)
	if len(units) == 0 {
		return stats, errors.Wrapf(bitstream.ErrEmpty, "no access unit in %v", job.Input)
	}
	log.Infof("read %v access units from %v", len(units), job.Input)

	m := muxer.New(job.Output, job.options())
	defer m.Close()

	if err = m.SetContainerFormat(format); err != nil {
		return
	}
	if a := job.CleanAperture; a != nil {
		if err = m.SetCleanAperture(a.Width, a.Height); err != nil {
			return
		}
	}
	if g := job.Grid; g != nil {
		if err = m.SetTileMode(g.Columns, g.Rows); err != nil {
			return
		}
		if g.TileWidth > 0 && g.TileHeight > 0 {
			if err = m.SetTileDimensions(g.TileWidth, g.TileHeight); err != nil {
				return
			}
		}
		if g.OutputWidth > 0 && g.OutputHeight > 0 {
			if err = m.SetGridOutputDimensions(g.OutputWidth, g.OutputHeight); err != nil {
				return
			}
		}
	}

	// The parameter sets in front of the first picture configure the track.
	ps := bitstream.ExtractParameterSets(family, bitstream.JoinAnnexB(units[0]))
	if err = m.Initialize(bitstream.JoinAnnexB(ps.All()), t); err != nil {
		return
	}
	for i, unit := range units {
		key := bitstream.HasKeyFrame(family, unit)
		if err = m.AddFrame(bitstream.JoinAnnexB(unit), job.timestamp(i), key); err != nil {
			return
		}
	}
	if err = m.Finalize(); err != nil {
		return
	}
	return m.Stats(), nil
}

// firstSlice reports whether a VCL NAL starts a picture: first_mb_in_slice is
// 0 for h264, first_slice_segment_in_pic_flag is set for hevc.
func firstSlice(family bitstream.Family, nal []byte) bool {
	header := 1
	if family == bitstream.FamilyHEVC {
		header = 2
	}
	return len(nal) > header && nal[header]&0x80 != 0
}

// splitAccessUnits groups the NALs of an annexb stream by picture. A picture
// ends at the first non VCL NAL or first slice after its slices.
func splitAccessUnits(family bitstream.Family, data []byte) (units [][][]byte) {
	var unit [][]byte
	var hasVCL bool
	for _, nal := range bitstream.SplitAnnexB(data) {
		vcl := bitstream.IsVCL(family, nal)
		if hasVCL && (!vcl || firstSlice(family, nal)) {
			units = append(units, unit)
			unit, hasVCL = nil, false
		}
		unit = append(unit, nal)
		hasVCL = hasVCL || vcl
	}
	if hasVCL {
		units = append(units, unit)
	} else if len(unit) > 0 {
		log.Warnf("drop %v trailing nals without a slice", len(unit))
	}
	return
}
