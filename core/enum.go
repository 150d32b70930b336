package core

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	SRS_MP4_EOF_SIZE       = 0
	SRS_MP4_USE_LARGE_SIZE = 1
)

/**
 * 4.2 Object Structure, box types.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 16
 */
const (
	SrsMp4BoxTypeForbidden = 0x00

	SrsMp4BoxTypeUUID = 0x75756964 // 'uuid'
	SrsMp4BoxTypeFTYP = 0x66747970 // 'ftyp'
	SrsMp4BoxTypeMDAT = 0x6d646174 // 'mdat'
	SrsMp4BoxTypeFREE = 0x66726565 // 'free'
	SrsMp4BoxTypeSKIP = 0x736b6970 // 'skip'
	SrsMp4BoxTypeMOOV = 0x6d6f6f76 // 'moov'
	SrsMp4BoxTypeMVHD = 0x6d766864 // 'mvhd'
	SrsMp4BoxTypeTRAK = 0x7472616b // 'trak'
	SrsMp4BoxTypeTKHD = 0x746b6864 // 'tkhd'
	SrsMp4BoxTypeEDTS = 0x65647473 // 'edts'
	SrsMp4BoxTypeMDIA = 0x6d646961 // 'mdia'
	SrsMp4BoxTypeMDHD = 0x6d646864 // 'mdhd'
	SrsMp4BoxTypeHDLR = 0x68646c72 // 'hdlr'
	SrsMp4BoxTypeMINF = 0x6d696e66 // 'minf'
	SrsMp4BoxTypeVMHD = 0x766d6864 // 'vmhd'
	SrsMp4BoxTypeDINF = 0x64696e66 // 'dinf'
	SrsMp4BoxTypeURL  = 0x75726c20 // 'url '
	SrsMp4BoxTypeDREF = 0x64726566 // 'dref'
	SrsMp4BoxTypeSTBL = 0x7374626c // 'stbl'
	SrsMp4BoxTypeSTSD = 0x73747364 // 'stsd'
	SrsMp4BoxTypeSTTS = 0x73747473 // 'stts'
	SrsMp4BoxTypeCTTS = 0x63747473 // 'ctts'
	SrsMp4BoxTypeSTSS = 0x73747373 // 'stss'
	SrsMp4BoxTypeSTSC = 0x73747363 // 'stsc'
	SrsMp4BoxTypeSTCO = 0x7374636f // 'stco'
	SrsMp4BoxTypeCO64 = 0x636f3634 // 'co64'
	SrsMp4BoxTypeSTSZ = 0x7374737a // 'stsz'
	SrsMp4BoxTypeUDTA = 0x75647461 // 'udta'

	// Visual sample entries and their decoder configuration boxes.
	SrsMp4BoxTypeAVC1 = 0x61766331 // 'avc1'
	SrsMp4BoxTypeAVCC = 0x61766343 // 'avcC'
	SrsMp4BoxTypeHVC1 = 0x68766331 // 'hvc1'
	SrsMp4BoxTypeHEV1 = 0x68657631 // 'hev1'
	SrsMp4BoxTypeHVCC = 0x68766343 // 'hvcC'
	SrsMp4BoxTypeAV01 = 0x61763031 // 'av01'
	SrsMp4BoxTypeAV1C = 0x61763143 // 'av1C'
	SrsMp4BoxTypeVP09 = 0x76703039 // 'vp09'
	SrsMp4BoxTypeVPCC = 0x76706343 // 'vpcC'
	SrsMp4BoxTypeCLAP = 0x636c6170 // 'clap'

	// HEIF items, ISO_IEC_23008-12.
	SrsMp4BoxTypeMETA = 0x6d657461 // 'meta'
	SrsMp4BoxTypePITM = 0x7069746d // 'pitm'
	SrsMp4BoxTypeILOC = 0x696c6f63 // 'iloc'
	SrsMp4BoxTypeIINF = 0x69696e66 // 'iinf'
	SrsMp4BoxTypeINFE = 0x696e6665 // 'infe'
	SrsMp4BoxTypeIREF = 0x69726566 // 'iref'
	SrsMp4BoxTypeDIMG = 0x64696d67 // 'dimg'
	SrsMp4BoxTypeIDAT = 0x69646174 // 'idat'
	SrsMp4BoxTypeIPRP = 0x69707270 // 'iprp'
	SrsMp4BoxTypeIPCO = 0x6970636f // 'ipco'
	SrsMp4BoxTypeIPMA = 0x69706d61 // 'ipma'
	SrsMp4BoxTypeISPE = 0x69737065 // 'ispe'
	SrsMp4BoxTypePIXI = 0x70697869 // 'pixi'
	SrsMp4BoxTypeCOLR = 0x636f6c72 // 'colr'
)

// The ftyp brands.
const (
	SrsMp4BoxBrandForbidden = 0x00
	SrsMp4BoxBrandISOM      = 0x69736f6d // 'isom'
	SrsMp4BoxBrandISO6      = 0x69736f36 // 'iso6'
	SrsMp4BoxBrandMP41      = 0x6d703431 // 'mp41'
	SrsMp4BoxBrandAVC1      = 0x61766331 // 'avc1'
	SrsMp4BoxBrandMIF1      = 0x6d696631 // 'mif1'
	SrsMp4BoxBrandHEIC      = 0x68656963 // 'heic'
	SrsMp4BoxBrandAVIF      = 0x61766966 // 'avif'
)

// The type of track, maybe combine of types.
const (
	SrsMp4TrackTypeForbidden = 0x00
	SrsMp4TrackTypeAudio     = 0x01
	SrsMp4TrackTypeVideo     = 0x02
)

/**
 * 8.4.3.3 Semantics
 * ISO_IEC_14496-12-base-format-2012.pdf, page 37
 */
const (
	SrsMp4HandlerTypeForbidden = 0x00

	SrsMp4HandlerTypeVIDE = 0x76696465 // 'vide'
	SrsMp4HandlerTypeSOUN = 0x736f756e // 'soun'
	SrsMp4HandlerTypePICT = 0x70696374 // 'pict'
)

// FourCC renders a box type as its four characters, e.g. 0x6d6f6f76 as "moov".
func FourCC(bt uint32) string {
	b := []byte{byte(bt >> 24), byte(bt >> 16), byte(bt >> 8), byte(bt)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", bt)
		}
	}
	return string(b)
}

// ParseFourCC is the inverse of FourCC for four character strings.
func ParseFourCC(s string) (uint32, error) {
	if len(s) != 4 {
		return 0, errors.Errorf("fourcc %q must be 4 chars", s)
	}
	return uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3]), nil
}
