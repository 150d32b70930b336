package muxer

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"panda.com/isobmff/codec"
	"panda.com/isobmff/core"
)

const (
	primaryItemID = 1
	// Property indexes are 1 based, the high bit marks an essential one.
	essential = 0x80
)

// tiled is true when finalize writes a grid item over the tiles.
func (v *Muxer) tiled() bool {
	return v.tileMode && len(v.samples) > 1
}

/**
 * 8.11.1 The Meta box (meta)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 80
 * ISO_IEC_23008-12 HEIF, a single coded image item, or a grid derived item
 * over hidden tile items.
 */
func (v *Muxer) writeMeta() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeMETA, 0, 0)
	v.writeHdlr(core.SrsMp4HandlerTypePICT, "")
	v.writePitm()

	if v.tiled() {
		grid := v.imageGrid()
		v.writeIdat(grid)
		v.writeTiledIloc(len(grid))
		v.writeIinf()
		v.writeIref()
		v.writeTiledIprp()
	} else {
		v.writeIloc()
		v.writeIinf()
		v.writeIprp()
	}
	v.w.EndBox(pos)
}

/**
 * 8.11.4 Primary Item Box (pitm)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 82
 */
func (v *Muxer) writePitm() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypePITM, 0, 0)
	v.w.WriteUint16(primaryItemID)
	v.w.EndBox(pos)
}

/**
 * ISO_IEC_23008-12 6.6.2.3 Image grid
 * version 0, flags, rows_minus_one, columns_minus_one, output_width and
 * output_height on 16 bits, or 32 bits when flags bit 0 is set.
 */
func (v *Muxer) imageGrid() []byte {
	width, height := v.opts.Width, v.opts.Height
	large := width >= 65536 || height >= 65536

	grid := []byte{0, 0, byte(v.tileRows - 1), byte(v.tileColumns - 1)}
	if large {
		grid[1] = 1
		grid = binary.BigEndian.AppendUint32(grid, uint32(width))
		grid = binary.BigEndian.AppendUint32(grid, uint32(height))
	} else {
		grid = binary.BigEndian.AppendUint16(grid, uint16(width))
		grid = binary.BigEndian.AppendUint16(grid, uint16(height))
	}
	log.Debugf("image grid %vx%v tiles, output %vx%v", v.tileColumns, v.tileRows, width, height)
	return grid
}

/**
 * 8.11.11 Item Data Box (idat)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 88
 */
func (v *Muxer) writeIdat(data []byte) {
	pos := v.w.StartBox(core.SrsMp4BoxTypeIDAT)
	v.w.WriteBytes(data)
	v.w.EndBox(pos)
}

/**
 * 8.11.3 The Item Location Box (iloc)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 81
 * Version 0, 4 bytes offsets and lengths, no base offset. The image is one
 * extent over all the samples.
 */
func (v *Muxer) writeIloc() {
	var length uint64
	for _, sample := range v.samples {
		length += uint64(sample.Size)
	}

	pos := v.w.StartFullBox(core.SrsMp4BoxTypeILOC, 0, 0)
	// offset_size 4, length_size 4, base_offset_size 0.
	v.w.WriteUint8(0x44)
	v.w.WriteUint8(0x00)
	v.w.WriteUint16(1)

	v.w.WriteUint16(primaryItemID)
	// data_reference_index, extent_count
	v.w.WriteUint16(0)
	v.w.WriteUint16(1)
	v.w.WriteUint32(uint32(v.samples[0].Offset))
	v.w.WriteUint32(uint32(length))
	v.w.EndBox(pos)
}

// writeTiledIloc locates the grid in idat and every tile at its sample.
func (v *Muxer) writeTiledIloc(gridLength int) {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeILOC, 1, 0)
	// offset_size 4, length_size 4, base_offset_size 4, index_size 0.
	v.w.WriteUint8(0x44)
	v.w.WriteUint8(0x40)
	v.w.WriteUint16(uint16(len(v.samples) + 1))

	// The grid, construction_method 1 from idat.
	v.w.WriteUint16(primaryItemID)
	v.w.WriteUint16(1)
	v.w.WriteUint16(0)
	v.w.WriteUint32(0)
	v.w.WriteUint16(1)
	v.w.WriteUint32(0)
	v.w.WriteUint32(uint32(gridLength))

	// The tiles, construction_method 0 from the file.
	for i, sample := range v.samples {
		v.w.WriteUint16(uint16(primaryItemID + 1 + i))
		v.w.WriteUint16(0)
		v.w.WriteUint16(0)
		v.w.WriteUint32(uint32(sample.Offset))
		v.w.WriteUint16(1)
		v.w.WriteUint32(0)
		v.w.WriteUint32(sample.Size)
	}
	v.w.EndBox(pos)
}

/**
 * 8.11.6 Item Information Box (iinf)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 83
 */
func (v *Muxer) writeIinf() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeIINF, 0, 0)
	if !v.tiled() {
		v.w.WriteUint16(1)
		v.writeInfe(primaryItemID, v.codec.ItemType(), false)
		v.w.EndBox(pos)
		return
	}

	v.w.WriteUint16(uint16(len(v.samples) + 1))
	v.writeInfe(primaryItemID, "grid", false)
	for i := range v.samples {
		v.writeInfe(primaryItemID+1+i, v.codec.ItemType(), true)
	}
	v.w.EndBox(pos)
}

// writeInfe writes a version 2 item info entry, hidden items have flags 1.
func (v *Muxer) writeInfe(id int, itemType string, hidden bool) {
	var flags uint32
	if hidden {
		flags = 1
	}
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeINFE, 2, flags)
	v.w.WriteUint16(uint16(id))
	// item_protection_index
	v.w.WriteUint16(0)
	v.w.WriteString(itemType)
	// item_name
	v.w.WriteCString("")
	v.w.EndBox(pos)
}

/**
 * 8.11.12 Item Reference Box (iref)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 89
 * The grid derives from every tile, in raster order.
 */
func (v *Muxer) writeIref() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeIREF, 0, 0)
	dimg := v.w.StartBox(core.SrsMp4BoxTypeDIMG)
	v.w.WriteUint16(primaryItemID)
	v.w.WriteUint16(uint16(len(v.samples)))
	for i := range v.samples {
		v.w.WriteUint16(uint16(primaryItemID + 1 + i))
	}
	v.w.EndBox(dimg)
	v.w.EndBox(pos)
}

/**
 * ISO_IEC_23008-12 6.5.3 Image spatial extents (ispe)
 */
func (v *Muxer) writeIspe(width, height int) {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeISPE, 0, 0)
	v.w.WriteUint32(uint32(width))
	v.w.WriteUint32(uint32(height))
	v.w.EndBox(pos)
}

/**
 * ISO_IEC_23008-12 6.5.6 Pixel information (pixi)
 * Three 8 bits channels.
 */
func (v *Muxer) writePixi() {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypePIXI, 0, 0)
	v.w.WriteUint8(3)
	v.w.WriteBytes([]byte{8, 8, 8})
	v.w.EndBox(pos)
}

/**
 * 12.1.5 Colour information (colr)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 168
 * nclx, BT.709 primaries, transfer and matrix, limited range.
 */
func (v *Muxer) writeColr() {
	pos := v.w.StartBox(core.SrsMp4BoxTypeCOLR)
	v.w.WriteString("nclx")
	v.w.WriteUint16(1)
	v.w.WriteUint16(1)
	v.w.WriteUint16(1)
	v.w.WriteUint8(0)
	v.w.EndBox(pos)
}

func (v *Muxer) writeCodecConfig(width, height int) {
	if err := v.codec.WriteCodecConfigBox(v.w, v.codecConfig(), width, height); err != nil {
		log.Errorf("write %v config failed, err is %v", v.codec.Type(), err)
	}
}

/**
 * 8.11.14 Item Properties Box (iprp)
 * ISO_IEC_23008-12 9.3
 * ipco holds ispe, pixi, colr, the codec config and an optional clap, all
 * essential to the single item.
 */
func (v *Muxer) writeIprp() {
	pos := v.w.StartBox(core.SrsMp4BoxTypeIPRP)

	ipco := v.w.StartBox(core.SrsMp4BoxTypeIPCO)
	v.writeIspe(v.opts.Width, v.opts.Height)
	v.writePixi()
	v.writeColr()
	v.writeCodecConfig(v.opts.Width, v.opts.Height)
	associations := []byte{essential | 1, essential | 2, essential | 3, essential | 4}
	if v.clean != nil {
		if err := codec.WriteClapBox(v.w, v.opts.Width, v.opts.Height, v.clean.Width, v.clean.Height); err != nil {
			log.Errorf("write clap failed, err is %v", err)
		}
		associations = append(associations, essential|5)
	}
	v.w.EndBox(ipco)

	v.writeIpma([]ipmaEntry{{primaryItemID, associations}})
	v.w.EndBox(pos)
}

// writeTiledIprp shares the codec config, colr, tile ispe and pixi between
// the tiles, the grid takes the output ispe and pixi.
func (v *Muxer) writeTiledIprp() {
	tileWidth, tileHeight := v.tileDimensions()
	log.Debugf("tile properties, tile %vx%v, output %vx%v", tileWidth, tileHeight, v.opts.Width, v.opts.Height)

	pos := v.w.StartBox(core.SrsMp4BoxTypeIPRP)

	ipco := v.w.StartBox(core.SrsMp4BoxTypeIPCO)
	v.writeIspe(v.opts.Width, v.opts.Height)
	v.writeCodecConfig(tileWidth, tileHeight)
	v.writeColr()
	v.writeIspe(tileWidth, tileHeight)
	v.writePixi()
	v.w.EndBox(ipco)

	entries := []ipmaEntry{{primaryItemID, []byte{1, essential | 5}}}
	for i := range v.samples {
		entries = append(entries, ipmaEntry{primaryItemID + 1 + i, []byte{essential | 2, 3, 4, 5}})
	}
	v.writeIpma(entries)
	v.w.EndBox(pos)
}

type ipmaEntry struct {
	id           int
	associations []byte
}

/**
 * ISO_IEC_23008-12 9.3.2 Item Property Association (ipma)
 * Version 0 flags 0, 16 bits item ids and 7 bits property indexes.
 */
func (v *Muxer) writeIpma(entries []ipmaEntry) {
	pos := v.w.StartFullBox(core.SrsMp4BoxTypeIPMA, 0, 0)
	v.w.WriteUint32(uint32(len(entries)))
	for _, entry := range entries {
		v.w.WriteUint16(uint16(entry.id))
		v.w.WriteUint8(uint8(len(entry.associations)))
		v.w.WriteBytes(entry.associations)
	}
	v.w.EndBox(pos)
}
