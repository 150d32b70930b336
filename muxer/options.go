package muxer

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultTimeScale = 90000
	DefaultFrameRate = 30
)

// ContainerFormat selects a track based video or an item based image file.
type ContainerFormat int

const (
	ContainerMP4 ContainerFormat = iota
	ContainerHEIC
)

func (v ContainerFormat) String() string {
	if v == ContainerHEIC {
		return "heic"
	}
	return "mp4"
}

func ParseContainerFormat(s string) (ContainerFormat, error) {
	switch strings.ToLower(s) {
	case "", "mp4", "video":
		return ContainerMP4, nil
	case "heic", "heif", "avif", "image":
		return ContainerHEIC, nil
	}
	return ContainerMP4, errors.Errorf("unknown container %q", s)
}

// Options of a muxer, zero values take the defaults.
type Options struct {
	// Coded picture size, the ispe and sample entry dimensions.
	Width  int
	Height int
	// Ticks per second of the track, DefaultTimeScale when 0.
	TimeScale uint32
	// Nominal rate, gives the duration of the last sample, DefaultFrameRate when <= 0.
	FrameRate float64
}

func (v Options) withDefaults() Options {
	if v.TimeScale == 0 {
		v.TimeScale = DefaultTimeScale
	}
	if v.FrameRate <= 0 {
		v.FrameRate = DefaultFrameRate
	}
	return v
}

// frameDuration is one frame at the nominal rate, in ticks.
func (v Options) frameDuration() uint32 {
	d := uint32(float64(v.TimeScale) / v.FrameRate)
	if d == 0 {
		d = 1
	}
	return d
}

// Stats summarizes a finalized file.
type Stats struct {
	Samples    int
	KeyFrames  int
	TotalBytes uint64
	// Sum of the sample durations, in TimeScale ticks.
	Duration   uint64
	DurationMs uint64
	// Average bitrate in bits per second, 0 without duration.
	Bitrate uint64
}
