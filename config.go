package main

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"panda.com/isobmff/muxer"
)

// Timestamp policies of a mux job.
const (
	// Frame i is at i / fps seconds.
	TimestampsFrameRate = "rate"
	// Every frame at 0, for still images and tiles.
	TimestampsZero = "zero"
)

type apertureConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type gridConfig struct {
	Columns    int `yaml:"columns"`
	Rows       int `yaml:"rows"`
	TileWidth  int `yaml:"tile_width"`
	TileHeight int `yaml:"tile_height"`
	// Size of the composed image, the source size when 0.
	OutputWidth  int `yaml:"output_width"`
	OutputHeight int `yaml:"output_height"`
}

// jobConfig is a mux job, read from yaml then overridden by flags.
type jobConfig struct {
	// Codec name or MIME type, like h264, hevc or video/hevc.
	Codec     string  `yaml:"codec"`
	Container string  `yaml:"container"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	TimeScale uint32  `yaml:"timescale"`
	FrameRate float64 `yaml:"fps"`

	CleanAperture *apertureConfig `yaml:"clean_aperture"`
	Grid          *gridConfig     `yaml:"grid"`

	Input      string `yaml:"input"`
	Output     string `yaml:"output"`
	Timestamps string `yaml:"timestamps"`
}

func loadJobConfig(path string) (c *jobConfig, err error) {
	c = &jobConfig{}
	if path == "" {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %v", path)
	}
	defer f.Close()

	if err = yaml.NewDecoder(f).Decode(c); err != nil {
		log.Errorf("decode job config %v failed, err is %v", path, err)
		return nil, errors.Wrapf(err, "decode %v", path)
	}
	log.Debugf("job config from %v, %+v", path, *c)
	return
}

// check fills the defaults and validates the job.
func (v *jobConfig) check() error {
	if v.Input == "" || v.Output == "" {
		return errors.New("job needs an input and an output")
	}
	if v.Codec == "" {
		v.Codec = "hevc"
	}
	if v.TimeScale == 0 {
		v.TimeScale = muxer.DefaultTimeScale
	}
	if v.FrameRate <= 0 {
		v.FrameRate = muxer.DefaultFrameRate
	}
	switch v.Timestamps {
	case "":
		v.Timestamps = TimestampsFrameRate
	case TimestampsFrameRate, TimestampsZero:
	default:
		return errors.Errorf("unknown timestamps policy %q", v.Timestamps)
	}
	if v.Width <= 0 || v.Height <= 0 {
		return errors.Errorf("invalid size %vx%v", v.Width, v.Height)
	}
	if g := v.Grid; g != nil && (g.Columns <= 0 || g.Rows <= 0) {
		return errors.Errorf("invalid grid %vx%v", g.Columns, g.Rows)
	}
	return nil
}

func (v *jobConfig) options() muxer.Options {
	return muxer.Options{
		Width:     v.Width,
		Height:    v.Height,
		TimeScale: v.TimeScale,
		FrameRate: v.FrameRate,
	}
}

// timestamp is the pts of frame i in microseconds.
func (v *jobConfig) timestamp(i int) int64 {
	if v.Timestamps == TimestampsZero {
		return 0
	}
	return int64(float64(i) * 1000000 / v.FrameRate)
}
