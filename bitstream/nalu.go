// Package bitstream re-frames H.264 and H.265 elementary streams between
// Annex-B start codes and the length prefixed form stored in ISO-BMFF samples.
package bitstream

import (
	gocodec "github.com/yapingcat/gomedia/go-codec"
)

// Family selects the NAL header layout.
type Family int

const (
	FamilyAVC Family = iota
	FamilyHEVC
)

func (v Family) String() string {
	if v == FamilyHEVC {
		return "hevc"
	}
	return "avc"
}

// NALType returns the nal_unit_type of nal, or -1 when nal is empty.
func NALType(family Family, nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	if family == FamilyHEVC {
		return int(gocodec.H265_NAL_TYPE((nal[0] >> 1) & 0x3F))
	}
	return int(gocodec.H264_NAL_TYPE(nal[0] & 0x1F))
}

// IsParameterSet is true for SPS and PPS, and VPS for HEVC.
func IsParameterSet(family Family, nal []byte) bool {
	t := NALType(family, nal)
	if family == FamilyHEVC {
		switch gocodec.H265_NAL_TYPE(t) {
		case gocodec.H265_NAL_VPS, gocodec.H265_NAL_SPS, gocodec.H265_NAL_PPS:
			return true
		}
		return false
	}
	switch gocodec.H264_NAL_TYPE(t) {
	case gocodec.H264_NAL_SPS, gocodec.H264_NAL_PPS:
		return true
	}
	return false
}

// IsKeyFrameNAL is true for an IDR slice, and for HEVC also a CRA slice.
func IsKeyFrameNAL(family Family, nal []byte) bool {
	t := NALType(family, nal)
	if family == FamilyHEVC {
		switch gocodec.H265_NAL_TYPE(t) {
		case gocodec.H265_NAL_SLICE_IDR_W_RADL, gocodec.H265_NAL_SLICE_IDR_N_LP, gocodec.H265_NAL_SLICE_CRA:
			return true
		}
		return false
	}
	return gocodec.H264_NAL_TYPE(t) == gocodec.H264_NAL_I_SLICE
}

// IsVCL is true for NAL units carrying slice data.
func IsVCL(family Family, nal []byte) bool {
	if len(nal) == 0 {
		return false
	}
	if family == FamilyHEVC {
		return gocodec.IsH265VCLNaluType(gocodec.H265_NAL_TYPE(NALType(family, nal)))
	}
	return gocodec.IsH264VCLNaluType(gocodec.H264_NAL_TYPE(NALType(family, nal)))
}

// HasKeyFrame reports whether any of nals is a key frame slice.
func HasKeyFrame(family Family, nals [][]byte) bool {
	for _, nal := range nals {
		if IsKeyFrameNAL(family, nal) {
			return true
		}
	}
	return false
}
