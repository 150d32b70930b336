package core

import (
	"io"
	"reflect"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Box interface {
	Basic() *Mp4Box
	NbHeader() int
	DecodeHeader(r io.Reader) (err error)
}

type Mp4Box struct {
	// The size is the entire size of the box, including the size and type header, fields,
	// and all contained boxes. This facilitates general parsing of the file.
	//
	// if size is 1 then the actual size is in the field largesize;
	// if size is 0, then this box is the last one in the file, and its contents
	// extend to the end of the file (normally only used for a Media Data Box)
	SmallSize uint32
	LargeSize uint64

	// For box 'uuid'.
	UserType [16]uint8

	// The absolute position of the box header in the file, -1 when the source can't seek.
	StartPos int64

	// identifies the box type; standard boxes use a compact type, which is normally four printable
	// characters, to permit ease of identification, and is shown so in the boxes below. User extensions use
	// an extended type; in this case, the type field is set to ‘uuid’.
	BoxType uint32

	Boxes    []Box
	UsedSize uint64
}

func NewMp4Box() *Mp4Box {
	v := &Mp4Box{}
	v.BoxType = SrsMp4BoxTypeForbidden
	v.Boxes = []Box{}
	v.StartPos = -1
	return v
}

func (v *Mp4Box) Basic() *Mp4Box {
	return v
}

// Get the size of box, whatever small or large size.
func (v *Mp4Box) Size() uint64 {
	if v.SmallSize == SRS_MP4_USE_LARGE_SIZE {
		return v.LargeSize
	}
	return uint64(v.SmallSize)
}

func (v *Mp4Box) left() uint64 {
	if v.UsedSize > v.Size() {
		return 0
	}
	return v.Size() - v.UsedSize
}

// Get the contained box of specific type.
// @return The first matched box.
func (v *Mp4Box) Get(bt uint32) (Box, error) {
	for _, box := range v.Boxes {
		if box.Basic().BoxType == bt {
			return box, nil
		}
	}
	return nil, errors.Errorf("can't find %v in %v", FourCC(bt), FourCC(v.BoxType))
}

func (v *Mp4Box) NbHeader() int {
	size := 8
	if v.SmallSize == SRS_MP4_USE_LARGE_SIZE {
		size += 8
	}
	if v.BoxType == SrsMp4BoxTypeUUID {
		size += 16
	}
	return size
}

func (v *Mp4Box) DecodeHeader(r io.Reader) (err error) {
	return
}

// Discovery reads the next box header from r and returns the typed box,
// positioned at the start of its payload.
func (v *Mp4Box) Discovery(r io.Reader) (box Box, err error) {
	v.UsedSize = 0

	startPos := int64(-1)
	if s, ok := r.(io.Seeker); ok {
		if startPos, err = s.Seek(0, io.SeekCurrent); err != nil {
			log.Errorf("query box position failed, err is %v", err)
			return
		}
	}

	// Discovery the size and type.
	var largeSize uint64
	var smallSize uint32

	if err = v.Read(r, &smallSize); err != nil {
		log.Errorf("read small size failed, err is %v", err)
		return
	}

	var bt uint32
	if err = v.Read(r, &bt); err != nil {
		log.Errorf("read type failed, err is %v", err)
		return
	}

	if smallSize == SRS_MP4_USE_LARGE_SIZE {
		if err = v.Read(r, &largeSize); err != nil {
			log.Errorf("read large size failed, err is %v", err)
			return
		}
	}

	var userType [16]uint8
	if bt == SrsMp4BoxTypeUUID {
		if err = v.Read(r, userType[:]); err != nil {
			log.Errorf("read user type failed, err is %v", err)
			return
		}
	}

	switch bt {
	case SrsMp4BoxTypeFTYP:
		box = NewMp4FileTypeBox()
	case SrsMp4BoxTypeMOOV:
		box = &Mp4MovieBox{}
	case SrsMp4BoxTypeMVHD:
		box = NewMp4MovieHeaderBox()
	case SrsMp4BoxTypeTRAK:
		box = &Mp4TrackBox{}
	case SrsMp4BoxTypeTKHD:
		box = NewMp4TrackHeaderBox()
	case SrsMp4BoxTypeMDIA:
		box = &Mp4MediaBox{}
	case SrsMp4BoxTypeMDHD:
		box = &Mp4MediaHeaderBox{}
	case SrsMp4BoxTypeHDLR:
		box = NewMp4HandlerReferenceBox()
	case SrsMp4BoxTypeMINF:
		box = &Mp4MediaInformationBox{}
	case SrsMp4BoxTypeVMHD:
		box = NewMp4VideoMediaHeaderBox()
	case SrsMp4BoxTypeDINF:
		box = &Mp4DataInformationBox{}
	case SrsMp4BoxTypeSTBL:
		box = &Mp4SampleTableBox{}

	case SrsMp4BoxTypeAVC1, SrsMp4BoxTypeHVC1, SrsMp4BoxTypeHEV1, SrsMp4BoxTypeAV01, SrsMp4BoxTypeVP09:
		box = NewMp4VisualSampleEntry()
	case SrsMp4BoxTypeAVCC, SrsMp4BoxTypeHVCC, SrsMp4BoxTypeAV1C, SrsMp4BoxTypeVPCC:
		box = &Mp4CodecConfigBox{}

	case SrsMp4BoxTypeSTSD:
		box = NewMp4SampleDescritionBox()
	case SrsMp4BoxTypeSTTS:
		box = NewMp4DecodingTime2SampleBox()
	case SrsMp4BoxTypeCTTS:
		box = NewMp4CompositionTime2SampleBox()
	case SrsMp4BoxTypeSTSS:
		box = NewMp4SyncSampleBox()
	case SrsMp4BoxTypeSTSC:
		box = NewMp4Sample2ChunkBox()
	case SrsMp4BoxTypeSTSZ:
		box = NewMp4SampleSizeBox()
	case SrsMp4BoxTypeSTCO, SrsMp4BoxTypeCO64:
		box = NewMp4ChunkOffsetBox()
	case SrsMp4BoxTypeMETA:
		box = &Mp4MetaBox{}
	case SrsMp4BoxTypeIPRP, SrsMp4BoxTypeIPCO, SrsMp4BoxTypeEDTS:
		box = &Mp4ContainerBox{}
	case SrsMp4BoxTypeMDAT:
		box = NewMp4MediaDataBox()
	default:
		box = NewMp4FreeSpaceBox()
	}

	basic := box.Basic()
	basic.BoxType = bt
	basic.SmallSize = smallSize
	basic.LargeSize = largeSize
	basic.UserType = userType
	basic.StartPos = startPos
	basic.UsedSize = v.UsedSize

	if smallSize != SRS_MP4_EOF_SIZE && basic.Size() < v.UsedSize {
		err = errors.Errorf("box %v size %v smaller than its header %v", FourCC(bt), basic.Size(), v.UsedSize)
		log.Errorf("discovery box failed, err is %v", err)
		return
	}

	log.Tracef("Discovery a new box:%v %v small size=%v, large size=%v, pos=%v", reflect.TypeOf(box), FourCC(bt), smallSize, largeSize, startPos)
	return
}

// DecodeBoxes decodes the contained boxes which fill the rest of v.
func (v *Mp4Box) DecodeBoxes(r io.Reader) (err error) {
	// read left space
	left := v.left()
	for left > 0 {
		var box Box
		if box, err = NewMp4Box().Discovery(r); err != nil {
			log.Errorf("mp4 Discovery contained box failed, err is %v", err)
			return
		}

		sz := box.Basic().Size()
		if box.Basic().SmallSize == SRS_MP4_EOF_SIZE || sz > left {
			err = errors.Errorf("box %v size %v overflows parent %v left %v", FourCC(box.Basic().BoxType), sz, FourCC(v.BoxType), left)
			log.Errorf("mp4 decode contained box failed, err is %v", err)
			return
		}

		if err = decodeBox(r, box); err != nil {
			return
		}

		log.Tracef("box:%v decode boxes success, sub boxes=%v, box.sz=%v, left=%v.", FourCC(box.Basic().BoxType), len(box.Basic().Boxes), sz, left-sz)

		v.Boxes = append(v.Boxes, box)
		left -= sz
	}
	v.UsedSize = v.Size()
	return
}

// decodeBox decodes the payload and children of a discovered box, then skips
// whatever the payload decoder left unread.
func decodeBox(r io.Reader, box Box) (err error) {
	if err = box.DecodeHeader(r); err != nil {
		log.Errorf("mp4 decode %v box header failed, err is %v", FourCC(box.Basic().BoxType), err)
		return
	}
	if box.Basic().UsedSize > box.Basic().Size() {
		err = errors.Errorf("box %v payload overflows its size %v", FourCC(box.Basic().BoxType), box.Basic().Size())
		log.Errorf("mp4 decode box failed, err is %v", err)
		return
	}
	if err = box.Basic().DecodeBoxes(r); err != nil {
		log.Errorf("mp4 decode %v contained boxes failed, err is %v", FourCC(box.Basic().BoxType), err)
		return
	}
	return
}

// Skip discards num bytes of r, seeking when r can seek.
func (v *Mp4Box) Skip(r io.Reader, num uint64) (err error) {
	if num == 0 {
		return
	}

	if s, ok := r.(io.Seeker); ok {
		_, err = s.Seek(int64(num), io.SeekCurrent)
	} else {
		_, err = io.CopyN(io.Discard, r, int64(num))
	}
	if err != nil {
		log.Errorf("skip %v bytes failed, err is %v", num, err)
		return
	}
	v.UsedSize += num
	return
}

func (v *Mp4Box) Read(r io.Reader, data interface{}) (err error) {
	if err = readBigEndian(r, data); err != nil {
		return
	}
	v.UsedSize += uint64DataSize(data)
	return
}

// DecodeFile decodes every top level box of r, which must be positioned at 0.
// A trailing box of size 0 extends to the end of the file.
func DecodeFile(r io.ReadSeeker) (boxes []Box, err error) {
	var fileSize int64
	if fileSize, err = r.Seek(0, io.SeekEnd); err != nil {
		return nil, errors.Wrap(err, "seek file end")
	}
	if _, err = r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek file start")
	}

	var pos int64
	for pos < fileSize {
		var box Box
		if box, err = NewMp4Box().Discovery(r); err != nil {
			return nil, errors.Wrapf(err, "discovery box at %v", pos)
		}

		basic := box.Basic()
		if basic.SmallSize == SRS_MP4_EOF_SIZE {
			basic.SmallSize = SRS_MP4_USE_LARGE_SIZE
			basic.LargeSize = uint64(fileSize - pos)
		}
		if int64(basic.Size()) > fileSize-pos {
			return nil, errors.Errorf("box %v at %v size %v exceeds file size %v", FourCC(basic.BoxType), pos, basic.Size(), fileSize)
		}

		if err = decodeBox(r, box); err != nil {
			return nil, errors.Wrapf(err, "decode box %v at %v", FourCC(basic.BoxType), pos)
		}

		boxes = append(boxes, box)
		pos += int64(basic.Size())
		if _, err = r.Seek(pos, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "seek to %v", pos)
		}
	}
	return
}

// Walk visits boxes depth first, including sample entries inside stsd.
func Walk(boxes []Box, fn func(depth int, box Box) error) error {
	return walk(boxes, 0, fn)
}

func walk(boxes []Box, depth int, fn func(depth int, box Box) error) error {
	for _, box := range boxes {
		if err := fn(depth, box); err != nil {
			return err
		}
		if stsd, ok := box.(*Mp4SampleDescritionBox); ok {
			if err := walk(stsd.Entries, depth+1, fn); err != nil {
				return err
			}
		}
		if err := walk(box.Basic().Boxes, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the first top level box of type bt.
func Find(boxes []Box, bt uint32) (Box, error) {
	for _, box := range boxes {
		if box.Basic().BoxType == bt {
			return box, nil
		}
	}
	return nil, errors.Errorf("can't find %v", FourCC(bt))
}

/**
 * 8.1.2 Free Space Box (free or skip)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 29
 * Also used for every box this package doesn't decode, its payload is skipped.
 */
type Mp4FreeSpaceBox struct {
	Mp4Box
	NbData int
}

func NewMp4FreeSpaceBox() *Mp4FreeSpaceBox {
	return &Mp4FreeSpaceBox{}
}

func (v *Mp4FreeSpaceBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4FreeSpaceBox) DecodeHeader(r io.Reader) (err error) {
	v.NbData = int(v.left())
	return v.Skip(r, v.left())
}

// Mp4ContainerBox holds only boxes, for example iprp, ipco and edts.
type Mp4ContainerBox struct {
	Mp4Box
}

func (v *Mp4ContainerBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

/**
 * 4.3 File Type Box (ftyp)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 17
 */
type Mp4FileTypeBox struct {
	Mp4Box
	MajorBrand       uint32
	MinorVersion     uint32
	CompatibleBrands []uint32
}

func NewMp4FileTypeBox() *Mp4FileTypeBox {
	v := &Mp4FileTypeBox{
		MajorBrand:       SrsMp4BoxBrandForbidden,
		MinorVersion:     0,
		CompatibleBrands: []uint32{},
	}
	return v
}

func (v *Mp4FileTypeBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4FileTypeBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Read(r, &v.MajorBrand); err != nil {
		log.Errorf("read major brand failed, err is %v", err)
		return
	}

	if err = v.Read(r, &v.MinorVersion); err != nil {
		log.Errorf("read minor version failed, err is %v", err)
		return
	}

	// Compatible brands to the end of the box.
	nbBrands := int(v.left()) / 4
	for i := 0; i < nbBrands; i++ {
		var brand uint32
		if err = v.Read(r, &brand); err != nil {
			log.Errorf("read brand failed, err is %v", err)
			return
		}
		v.CompatibleBrands = append(v.CompatibleBrands, brand)
	}
	log.Tracef("decode ftyp box success, major=%v, compatible=%v", FourCC(v.MajorBrand), len(v.CompatibleBrands))
	return v.Skip(r, v.left())
}

/**
 * 8.2.1 Movie Box (moov)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 30
 * The metadata for a presentation is stored in the single Movie Box which occurs at the top-level of a file.
 * Normally this box is close to the beginning or end of the file, though this is not required.
 */
type Mp4MovieBox struct {
	Mp4Box
}

func (v *Mp4MovieBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4MovieBox) Mvhd() (*Mp4MovieHeaderBox, error) {
	box, err := v.Get(SrsMp4BoxTypeMVHD)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4MovieHeaderBox), nil
}

// Tracks returns all trak boxes in file order.
func (v *Mp4MovieBox) Tracks() (tracks []*Mp4TrackBox) {
	for _, box := range v.Boxes {
		if trak, ok := box.(*Mp4TrackBox); ok {
			tracks = append(tracks, trak)
		}
	}
	return
}

/**
 * 4.2 Object Structure
 * ISO_IEC_14496-12-base-format-2012.pdf, page 17
 */
type Mp4FullBox struct {
	Mp4Box
	Version uint8
	Flags   uint32
}

func (v *Mp4FullBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4FullBox) NbHeader() int {
	return v.Mp4Box.NbHeader() + 1 + 3
}

func (v *Mp4FullBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Read(r, &v.Flags); err != nil {
		log.Errorf("read full box header failed, err is %v", err)
		return
	}

	v.Version = uint8((v.Flags >> 24) & 0xff)
	v.Flags = v.Flags & 0x00ffffff

	return
}

/**
 * 8.2.2 Movie Header Box (mvhd)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 31
 */
type Mp4MovieHeaderBox struct {
	Mp4FullBox
	// an integer that declares the creation time of the presentation (in seconds since
	// midnight, Jan. 1, 1904, in UTC time)
	CreateTime uint64
	// an integer that declares the most recent time the presentation was modified (in
	// seconds since midnight, Jan. 1, 1904, in UTC time)
	ModTime uint64
	// an integer that specifies the time-scale for the entire presentation; this is the number of
	// time units that pass in one second. For example, a time coordinate system that measures time in
	// sixtieths of a second has a time scale of 60.
	TimeScale uint32
	// an integer that declares length of the presentation (in the indicated timescale). This property
	// is derived from the presentation’s tracks: the value of this field corresponds to the duration of the
	// longest track in the presentation. If the duration cannot be determined then duration is set to all 1s.
	DurationInTbn uint64
	// a fixed point 16.16 number that indicates the preferred rate to play the presentation; 1.0
	// (0x00010000) is normal forward playback
	Rate uint32
	// a fixed point 8.8 number that indicates the preferred playback volume. 1.0 (0x0100) is full volume.
	Volume uint16
}

func NewMp4MovieHeaderBox() *Mp4MovieHeaderBox {
	return &Mp4MovieHeaderBox{}
}

// Get the duration in ms
func (v *Mp4MovieHeaderBox) Duration() uint64 {
	if v.TimeScale > 0 {
		return v.DurationInTbn * 1000 / uint64(v.TimeScale)
	}
	return 0
}

func (v *Mp4MovieHeaderBox) Basic() *Mp4Box {
	return &v.Mp4FullBox.Mp4Box
}

func (v *Mp4MovieHeaderBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	if v.CreateTime, err = v.readVersioned(r); err != nil {
		log.Errorf("read mvhd create time failed, err is %v", err)
		return
	}
	if v.ModTime, err = v.readVersioned(r); err != nil {
		log.Errorf("read mvhd mod time failed, err is %v", err)
		return
	}
	if err = v.Read(r, &v.TimeScale); err != nil {
		log.Errorf("read mvhd time scale failed, err is %v", err)
		return
	}
	if v.DurationInTbn, err = v.readVersioned(r); err != nil {
		log.Errorf("read mvhd duration failed, err is %v", err)
		return
	}

	if err = v.Read(r, &v.Rate); err != nil {
		log.Errorf("read mvhd rate failed, err is %v", err)
		return
	}

	if err = v.Read(r, &v.Volume); err != nil {
		log.Errorf("read mvhd volume failed, err is %v", err)
		return
	}

	log.Tracef("decode mvhd box success, timescale=%v, duration=%v", v.TimeScale, v.DurationInTbn)
	return v.Skip(r, v.left())
}

// readVersioned reads a 64 bits field for version 1 boxes, else a 32 bits one.
func (v *Mp4FullBox) readVersioned(r io.Reader) (value uint64, err error) {
	if v.Version == 1 {
		err = v.Read(r, &value)
		return
	}
	var tmp uint32
	err = v.Read(r, &tmp)
	return uint64(tmp), err
}

/**
 * 8.3.1 Track Box (trak)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 32
 * This is a container box for a single track of a presentation. A presentation consists of one or more tracks.
 * Each track is independent of the other tracks in the presentation and carries its own temporal and spatial
 * information. Each track will contain its associated Media Box.
 */
type Mp4TrackBox struct {
	Mp4Box
}

func (v *Mp4TrackBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4TrackBox) Tkhd() (*Mp4TrackHeaderBox, error) {
	box, err := v.Get(SrsMp4BoxTypeTKHD)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4TrackHeaderBox), nil
}

func (v *Mp4TrackBox) Mdia() (*Mp4MediaBox, error) {
	box, err := v.Get(SrsMp4BoxTypeMDIA)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4MediaBox), nil
}

func (v *Mp4TrackBox) Mdhd() (*Mp4MediaHeaderBox, error) {
	mdia, err := v.Mdia()
	if err != nil {
		return nil, err
	}
	return mdia.Mdhd()
}

func (v *Mp4TrackBox) Stbl() (*Mp4SampleTableBox, error) {
	mdia, err := v.Mdia()
	if err != nil {
		return nil, err
	}
	minf, err := mdia.Minf()
	if err != nil {
		return nil, err
	}
	return minf.Stbl()
}

// VisualSampleEntry returns the first visual sample entry of the track.
func (v *Mp4TrackBox) VisualSampleEntry() (*Mp4VisualSampleEntry, error) {
	stbl, err := v.Stbl()
	if err != nil {
		return nil, err
	}
	stsd, err := stbl.Stsd()
	if err != nil {
		return nil, err
	}
	return stsd.Visual()
}

/**
 * 8.3.2 Track Header Box (tkhd)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 32
 */
type Mp4TrackHeaderBox struct {
	Mp4FullBox
	// an integer that declares the creation time of the presentation (in seconds since
	// midnight, Jan. 1, 1904, in UTC time)
	CreateTime     uint64
	ModTime        uint64
	TrackId        uint32
	Duration       uint64
	Layer          int16
	AlternateGroup int16
	Volume         int16
	Matrix         [9]int32
	// fixed-point 16.16 values, the visual presentation size.
	Width  uint32
	Height uint32
}

func NewMp4TrackHeaderBox() *Mp4TrackHeaderBox {
	return &Mp4TrackHeaderBox{}
}

func (v *Mp4TrackHeaderBox) Basic() *Mp4Box {
	return &v.Mp4FullBox.Mp4Box
}

// PixelWidth is the integer part of Width.
func (v *Mp4TrackHeaderBox) PixelWidth() int {
	return int(v.Width >> 16)
}

// PixelHeight is the integer part of Height.
func (v *Mp4TrackHeaderBox) PixelHeight() int {
	return int(v.Height >> 16)
}

func (v *Mp4TrackHeaderBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	if v.CreateTime, err = v.readVersioned(r); err != nil {
		log.Errorf("tkhd read create time failed, err is %v", err)
		return
	}
	if v.ModTime, err = v.readVersioned(r); err != nil {
		log.Errorf("tkhd read mod time failed, err is %v", err)
		return
	}
	if err = v.Read(r, &v.TrackId); err != nil {
		log.Errorf("tkhd read track id failed, err is %v", err)
		return
	}
	if err = v.Skip(r, 4); err != nil {
		return
	}
	if v.Duration, err = v.readVersioned(r); err != nil {
		log.Errorf("tkhd read duration failed, err is %v", err)
		return
	}

	if err = v.Skip(r, 8); err != nil {
		return
	}
	if err = v.Read(r, &v.Layer); err != nil {
		log.Errorf("read tkhd layer failed, err is %v", err)
		return
	}
	if err = v.Read(r, &v.AlternateGroup); err != nil {
		log.Errorf("read tkhd alternate group failed, err is %v", err)
		return
	}
	if err = v.Read(r, &v.Volume); err != nil {
		log.Errorf("read tkhd volume failed, err is %v", err)
		return
	}
	if err = v.Skip(r, 2); err != nil {
		return
	}

	for i := 0; i < len(v.Matrix); i++ {
		if err = v.Read(r, &v.Matrix[i]); err != nil {
			log.Errorf("read tkhd matrix %d failed, err is %v", i, err)
			return
		}
	}

	if err = v.Read(r, &v.Width); err != nil {
		log.Errorf("read tkhd width failed, err is %v", err)
		return
	}
	if err = v.Read(r, &v.Height); err != nil {
		log.Errorf("read tkhd height failed, err is %v", err)
		return
	}

	log.Tracef("decode tkhd box success, track=%v, %vx%v", v.TrackId, v.PixelWidth(), v.PixelHeight())
	return v.Skip(r, v.left())
}

/**
 * 8.4.1 Media Box (mdia)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 36
 * The media declaration container contains all the objects that declare information about the media data within a
 * track.
 */
type Mp4MediaBox struct {
	Mp4Box
}

func (v *Mp4MediaBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4MediaBox) Mdhd() (*Mp4MediaHeaderBox, error) {
	box, err := v.Get(SrsMp4BoxTypeMDHD)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4MediaHeaderBox), nil
}

func (v *Mp4MediaBox) Minf() (*Mp4MediaInformationBox, error) {
	box, err := v.Get(SrsMp4BoxTypeMINF)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4MediaInformationBox), nil
}

func (v *Mp4MediaBox) TrackType() int {
	box, err := v.Get(SrsMp4BoxTypeHDLR)
	if err != nil {
		return SrsMp4TrackTypeForbidden
	}
	hdlr := box.(*Mp4HandlerReferenceBox)
	if hdlr.HandlerType == SrsMp4HandlerTypeSOUN {
		return SrsMp4TrackTypeAudio
	}
	if hdlr.HandlerType == SrsMp4HandlerTypeVIDE {
		return SrsMp4TrackTypeVideo
	}
	return SrsMp4TrackTypeForbidden
}

/**
 * 8.4.2 Media Header Box (mdhd)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 36
 * The media header declares overall information that is media-independent, and relevant to characteristics of
 * the media in a track.
 */
type Mp4MediaHeaderBox struct {
	Mp4FullBox
	CreateTime uint64
	ModTime    uint64
	// an integer that specifies the time-scale for this media; this is the number of time units that
	// pass in one second.
	TimeScale uint32
	// an integer that declares the duration of this media (in the scale of the timescale).
	Duration uint64
	// the language code for this media. See ISO 639-2/T for the set of three character
	// codes. Each character is packed as the difference between its ASCII value and 0x60. Since the code
	// is confined to being three lower-case letters, these values are strictly positive.
	Language uint16
}

func (v *Mp4MediaHeaderBox) Basic() *Mp4Box {
	return &v.Mp4FullBox.Mp4Box
}

func (v *Mp4MediaHeaderBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	if v.CreateTime, err = v.readVersioned(r); err != nil {
		log.Errorf("mdhd read create time failed, err is %v", err)
		return
	}
	if v.ModTime, err = v.readVersioned(r); err != nil {
		log.Errorf("mdhd read mod time failed, err is %v", err)
		return
	}
	if err = v.Read(r, &v.TimeScale); err != nil {
		log.Errorf("mdhd read time scale failed, err is %v", err)
		return
	}
	if v.Duration, err = v.readVersioned(r); err != nil {
		log.Errorf("mdhd read duration failed, err is %v", err)
		return
	}

	if err = v.Read(r, &v.Language); err != nil {
		log.Errorf("mdhd read language failed, err is %v", err)
		return
	}
	if err = v.Skip(r, 2); err != nil {
		return
	}

	log.Tracef("decode mdhd box success, timescale=%v, duration=%v", v.TimeScale, v.Duration)
	return v.Skip(r, v.left())
}

/**
 * 8.4.3 Handler Reference Box (hdlr)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 37
 * This box within a Media Box declares the process by which the media-data in the track is presented, and thus,
 * the nature of the media in a track. For example, a video track would be handled by a video handler.
 */
type Mp4HandlerReferenceBox struct {
	Mp4FullBox
	// an integer containing one of the following values, or a value from a derived specification:
	//      ‘vide’, Video track
	//      ‘soun’, Audio track
	//      ‘pict’, HEIF image items
	HandlerType uint32
	// a null-terminated string in UTF-8 characters which gives a human-readable name for the track
	// type (for debugging and inspection purposes).
	Name string
}

func NewMp4HandlerReferenceBox() *Mp4HandlerReferenceBox {
	return &Mp4HandlerReferenceBox{}
}

func (v *Mp4HandlerReferenceBox) Basic() *Mp4Box {
	return &v.Mp4FullBox.Mp4Box
}

func (v *Mp4HandlerReferenceBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	if err = v.Skip(r, 4); err != nil {
		return
	}

	if err = v.Read(r, &v.HandlerType); err != nil {
		log.Errorf("read hdlr handler type failed, err is %v", err)
		return
	}

	if err = v.Skip(r, 12); err != nil {
		return
	}

	data := make([]uint8, v.left())
	if err = v.Read(r, data); err != nil {
		log.Errorf("read hdlr name failed, err is %v", err)
		return
	}
	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	v.Name = string(data)

	log.Tracef("decode hdlr box success, handler=%v, name=%q", FourCC(v.HandlerType), v.Name)
	return
}

/**
 * 8.4.4 Media Information Box (minf)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 38
 * This box contains all the objects that declare characteristic information of the media in the track.
 */
type Mp4MediaInformationBox struct {
	Mp4Box
}

func (v *Mp4MediaInformationBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4MediaInformationBox) Stbl() (*Mp4SampleTableBox, error) {
	box, err := v.Get(SrsMp4BoxTypeSTBL)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4SampleTableBox), nil
}

/**
 * 8.4.5.2 Video Media Header Box (vmhd)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 38
 * The video media header contains general presentation information, independent of the coding, for video
 * media. Note that the flags field has the value 1.
 */
type Mp4VideoMediaHeaderBox struct {
	Mp4FullBox
	GraphicsMode uint16
	Opcolor      [3]uint16
}

func NewMp4VideoMediaHeaderBox() *Mp4VideoMediaHeaderBox {
	return &Mp4VideoMediaHeaderBox{}
}

func (v *Mp4VideoMediaHeaderBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4VideoMediaHeaderBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	if err = v.Read(r, &v.GraphicsMode); err != nil {
		log.Errorf("read vmhd graphics mode failed, err is %v", err)
		return
	}

	for i := range v.Opcolor {
		if err = v.Read(r, &v.Opcolor[i]); err != nil {
			log.Errorf("read vmhd opcolor %v failed, err is %v", i, err)
			return
		}
	}
	return v.Skip(r, v.left())
}

/**
 * 8.7.1 Data Information Box (dinf)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 56
 * The data information box contains objects that declare the location of the media information in a track.
 */
type Mp4DataInformationBox struct {
	Mp4Box
}

func (v *Mp4DataInformationBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

/**
 * 8.5.1 Sample Table Box (stbl)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 40
 * The sample table contains all the time and data indexing of the media samples in a track. Using the tables
 * here, it is possible to locate samples in time, determine their type (e.g. I-frame or not), and determine their
 * size, container, and offset into that container.
 */
type Mp4SampleTableBox struct {
	Mp4Box
}

func (v *Mp4SampleTableBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4SampleTableBox) Stsc() (*Mp4Sample2ChunkBox, error) {
	box, err := v.Get(SrsMp4BoxTypeSTSC)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4Sample2ChunkBox), nil
}

func (v *Mp4SampleTableBox) Stts() (*Mp4DecodingTime2SampleBox, error) {
	box, err := v.Get(SrsMp4BoxTypeSTTS)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4DecodingTime2SampleBox), nil
}

func (v *Mp4SampleTableBox) Ctts() (*Mp4CompositionTime2SampleBox, error) {
	box, err := v.Get(SrsMp4BoxTypeCTTS)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4CompositionTime2SampleBox), nil
}

func (v *Mp4SampleTableBox) Stss() (*Mp4SyncSampleBox, error) {
	box, err := v.Get(SrsMp4BoxTypeSTSS)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4SyncSampleBox), nil
}

func (v *Mp4SampleTableBox) Stsz() (*Mp4SampleSizeBox, error) {
	box, err := v.Get(SrsMp4BoxTypeSTSZ)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4SampleSizeBox), nil
}

// Stco returns the chunk offsets, from stco or co64.
func (v *Mp4SampleTableBox) Stco() (*Mp4ChunkOffsetBox, error) {
	if box, err := v.Get(SrsMp4BoxTypeSTCO); err == nil {
		return box.(*Mp4ChunkOffsetBox), nil
	}
	box, err := v.Get(SrsMp4BoxTypeCO64)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4ChunkOffsetBox), nil
}

func (v *Mp4SampleTableBox) Stsd() (*Mp4SampleDescritionBox, error) {
	box, err := v.Get(SrsMp4BoxTypeSTSD)
	if err != nil {
		return nil, err
	}
	return box.(*Mp4SampleDescritionBox), nil
}

/**
 * 8.5.2 Sample Description Box
 * ISO_IEC_14496-12-base-format-2012.pdf, page 43
 */
type Mp4SampleEntry struct {
	Mp4Box
	DataReferenceIndex uint16
}

func (v *Mp4SampleEntry) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4SampleEntry) DecodeHeader(r io.Reader) (err error) {
	if err = v.Skip(r, 6); err != nil {
		return
	}
	if err = v.Read(r, &v.DataReferenceIndex); err != nil {
		log.Errorf("read sample entry data ref index failed, err is %v", err)
		return
	}
	return
}

/**
 * 8.5.2 Sample Description Box (avc1, hvc1, hev1, av01, vp09)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 44
 */
type Mp4VisualSampleEntry struct {
	Mp4SampleEntry
	Width           uint16
	Height          uint16
	HorizResolution uint32
	VertResolution  uint32
	FrameCount      uint16
	CompressorName  []uint8
	Depth           uint16
}

func NewMp4VisualSampleEntry() *Mp4VisualSampleEntry {
	v := &Mp4VisualSampleEntry{}
	v.CompressorName = make([]uint8, 32)
	return v
}

func (v *Mp4VisualSampleEntry) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4VisualSampleEntry) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4SampleEntry.DecodeHeader(r); err != nil {
		return
	}

	// pre_defined, reserved and pre_defined[3].
	if err = v.Skip(r, 16); err != nil {
		return
	}

	if err = v.Read(r, &v.Width); err != nil {
		log.Errorf("read %v width failed, err is %v", FourCC(v.BoxType), err)
		return
	}
	if err = v.Read(r, &v.Height); err != nil {
		log.Errorf("read %v height failed, err is %v", FourCC(v.BoxType), err)
		return
	}
	if err = v.Read(r, &v.HorizResolution); err != nil {
		log.Errorf("read %v horizon resolution failed, err is %v", FourCC(v.BoxType), err)
		return
	}
	if err = v.Read(r, &v.VertResolution); err != nil {
		log.Errorf("read %v vertical resolution failed, err is %v", FourCC(v.BoxType), err)
		return
	}
	if err = v.Skip(r, 4); err != nil {
		return
	}
	if err = v.Read(r, &v.FrameCount); err != nil {
		log.Errorf("read %v frame count failed, err is %v", FourCC(v.BoxType), err)
		return
	}
	if err = v.Read(r, v.CompressorName); err != nil {
		log.Errorf("read %v compressor name failed, err is %v", FourCC(v.BoxType), err)
		return
	}
	if err = v.Read(r, &v.Depth); err != nil {
		log.Errorf("read %v depth failed, err is %v", FourCC(v.BoxType), err)
		return
	}
	if err = v.Skip(r, 2); err != nil {
		return
	}

	log.Tracef("decode %v success, %vx%v, left=%v", FourCC(v.BoxType), v.Width, v.Height, v.left())
	return
}

// CodecConfig returns the decoder configuration box, avcC, hvcC, av1C or vpcC.
func (v *Mp4VisualSampleEntry) CodecConfig() (*Mp4CodecConfigBox, error) {
	for _, box := range v.Boxes {
		if cfg, ok := box.(*Mp4CodecConfigBox); ok {
			return cfg, nil
		}
	}
	return nil, errors.Errorf("can't find codec config in %v", FourCC(v.BoxType))
}

/**
 * 5.3.4 AVC Video Stream Definition (avcC), and the hvcC, av1C and vpcC siblings.
 * ISO_IEC_14496-15-AVC-format-2012.pdf, page 19
 * The payload is kept raw, it is the decoder configuration record.
 */
type Mp4CodecConfigBox struct {
	Mp4Box
	Config []uint8
}

func (v *Mp4CodecConfigBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4CodecConfigBox) DecodeHeader(r io.Reader) (err error) {
	v.Config = make([]uint8, v.left())
	if err = v.Read(r, v.Config); err != nil {
		log.Errorf("read %v config failed, err is %v", FourCC(v.BoxType), err)
		return
	}
	log.Tracef("read %v box success, nb config=%v", FourCC(v.BoxType), len(v.Config))
	return
}

/**
 * 8.5.2 Sample Description Box (stsd), for Audio/Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 43
 * The sample description table gives detailed information about the coding type used, and any initialization
 * information needed for that coding.
 */
type Mp4SampleDescritionBox struct {
	Mp4FullBox
	Entries []Box
}

func NewMp4SampleDescritionBox() *Mp4SampleDescritionBox {
	return &Mp4SampleDescritionBox{
		Entries: []Box{},
	}
}

func (v *Mp4SampleDescritionBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4SampleDescritionBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	var nbEntries uint32
	if err = v.Read(r, &nbEntries); err != nil {
		log.Errorf("read stsd number entries failed, err is %v", err)
		return
	}

	for i := 0; i < int(nbEntries); i++ {
		var subBox Box
		if subBox, err = NewMp4Box().Discovery(r); err != nil {
			return
		}
		if subBox.Basic().SmallSize == SRS_MP4_EOF_SIZE || subBox.Basic().Size() > v.left() {
			err = errors.Errorf("stsd entry %v size %v overflows stsd left %v", i, subBox.Basic().Size(), v.left())
			log.Errorf("decode stsd failed, err is %v", err)
			return
		}

		if err = decodeBox(r, subBox); err != nil {
			return
		}

		v.Entries = append(v.Entries, subBox)
		v.UsedSize += subBox.Basic().Size()

		log.Tracef("decode one entry, box:%v, sz=%v, usedSize=%v, left=%v", FourCC(subBox.Basic().BoxType), subBox.Basic().Size(), v.UsedSize, v.left())
	}

	log.Tracef("decode stsd box success, entries=%v", len(v.Entries))
	return v.Skip(r, v.left())
}

// Visual returns the first visual sample entry.
func (v *Mp4SampleDescritionBox) Visual() (*Mp4VisualSampleEntry, error) {
	for _, entry := range v.Entries {
		if et, ok := entry.(*Mp4VisualSampleEntry); ok {
			return et, nil
		}
	}
	return nil, errors.New("can't find visual sample entry in stsd")
}

/**
 * 8.6.1.2 Decoding Time to Sample Box (stts), for Audio/Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 48
 */
type Mp4SttsEntry struct {
	// an integer that counts the number of consecutive samples that have the given
	// duration.
	SampleCount uint32
	// an integer that gives the delta of these samples in the time-scale of the media.
	SampleDelta uint32
}

/**
 * 8.6.1.2 Decoding Time to Sample Box (stts), for Audio/Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 48
 * This box contains a compact version of a table that allows indexing from decoding time to sample number.
 * Other tables give sample sizes and pointers, from the sample number. Each entry in the table gives the
 * number of consecutive samples with the same time delta, and the delta of those samples. By adding the
 * deltas a complete time-to-sample map may be built.
 */
type Mp4DecodingTime2SampleBox struct {
	Mp4FullBox
	Entries []*Mp4SttsEntry
}

func NewMp4DecodingTime2SampleBox() *Mp4DecodingTime2SampleBox {
	return &Mp4DecodingTime2SampleBox{
		Entries: []*Mp4SttsEntry{},
	}
}

func (v *Mp4DecodingTime2SampleBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4DecodingTime2SampleBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	var entryCount uint32
	if err = v.Read(r, &entryCount); err != nil {
		log.Errorf("read stts entry count failed, err is %v", err)
		return
	}
	if err = v.checkEntries(entryCount, 8); err != nil {
		return
	}

	for i := 0; i < int(entryCount); i++ {
		entry := &Mp4SttsEntry{}
		if err = v.Read(r, &entry.SampleCount); err != nil {
			log.Errorf("read stts entry sample count failed, err is %v", err)
			return
		}
		if err = v.Read(r, &entry.SampleDelta); err != nil {
			log.Errorf("read stts entry sample delta failed, err is %v", err)
			return
		}
		v.Entries = append(v.Entries, entry)
	}

	log.Tracef("decode stts box success, entries=%v", len(v.Entries))
	return v.Skip(r, v.left())
}

// checkEntries rejects an entry count the remaining payload can't hold.
func (v *Mp4Box) checkEntries(count uint32, entrySize uint64) error {
	if uint64(count)*entrySize > v.left() {
		err := errors.Errorf("%v declares %v entries, only %v bytes left", FourCC(v.BoxType), count, v.left())
		log.Errorf("decode %v failed, err is %v", FourCC(v.BoxType), err)
		return err
	}
	return nil
}

/**
 * 8.6.1.3 Composition Time to Sample Box (ctts), for Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 49
 */
type Mp4CttsEntry struct {
	// an integer that counts the number of consecutive samples that have the given offset.
	SampleCount uint32
	// uint32_t for version=0
	// int32_t for version=1
	// an integer that gives the offset between CT and DT, such that CT(n) = DT(n) +
	// CTTS(n).
	SampleOffset int64
}

/**
 * 8.6.1.3 Composition Time to Sample Box (ctts), for Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 49
 * This box provides the offset between decoding time and composition time. In version 0 of this box the
 * decoding time must be less than the composition time, and the offsets are expressed as unsigned numbers
 * such that CT(n) = DT(n) + CTTS(n) where CTTS(n) is the (uncompressed) table entry for sample n. In version
 * 1 of this box, the composition timeline and the decoding timeline are still derived from each other, but the
 * offsets are signed.
 */
type Mp4CompositionTime2SampleBox struct {
	Mp4FullBox
	Entries []*Mp4CttsEntry
}

func NewMp4CompositionTime2SampleBox() *Mp4CompositionTime2SampleBox {
	return &Mp4CompositionTime2SampleBox{
		Entries: []*Mp4CttsEntry{},
	}
}

func (v *Mp4CompositionTime2SampleBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4CompositionTime2SampleBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	var entryCount uint32
	if err = v.Read(r, &entryCount); err != nil {
		log.Errorf("read ctts entry count failed, err is %v", err)
		return
	}
	if err = v.checkEntries(entryCount, 8); err != nil {
		return
	}

	for i := 0; i < int(entryCount); i++ {
		entry := &Mp4CttsEntry{}
		if err = v.Read(r, &entry.SampleCount); err != nil {
			log.Errorf("read ctts entry sample count failed, err is %v", err)
			return
		}
		var offset uint32
		if err = v.Read(r, &offset); err != nil {
			log.Errorf("read ctts entry sample offset failed, err is %v", err)
			return
		}
		if v.Version == 0 {
			entry.SampleOffset = int64(offset)
		} else {
			entry.SampleOffset = int64(int32(offset))
		}
		v.Entries = append(v.Entries, entry)
	}

	log.Tracef("decode ctts box success, entries=%v", len(v.Entries))
	return v.Skip(r, v.left())
}

/**
 * 8.6.2 Sync Sample Box (stss), for Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 51
 * This box provides a compact marking of the sync samples within the stream. The table is arranged in strictly
 * increasing order of sample number.
 */
type Mp4SyncSampleBox struct {
	Mp4FullBox
	// the numbers of the samples that are sync samples in the stream, starting at 1.
	SampleNumbers []uint32
}

func NewMp4SyncSampleBox() *Mp4SyncSampleBox {
	return &Mp4SyncSampleBox{
		SampleNumbers: []uint32{},
	}
}

func (v *Mp4SyncSampleBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4SyncSampleBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	var entryCount uint32
	if err = v.Read(r, &entryCount); err != nil {
		log.Errorf("read stss entry count failed, err is %v", err)
		return
	}
	if err = v.checkEntries(entryCount, 4); err != nil {
		return
	}

	for i := 0; i < int(entryCount); i++ {
		var sm uint32
		if err = v.Read(r, &sm); err != nil {
			log.Errorf("read stss entry %v sample number failed, err is %v", i, err)
			return
		}
		v.SampleNumbers = append(v.SampleNumbers, sm)
	}

	log.Tracef("decode stss box success, entries=%v", len(v.SampleNumbers))
	return v.Skip(r, v.left())
}

/**
 * 8.7.4 Sample To Chunk Box (stsc), for Audio/Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 58
 */
type Mp4StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

/**
 * 8.7.4 Sample To Chunk Box (stsc), for Audio/Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 58
 * Samples within the media data are grouped into chunks. Chunks can be of different sizes, and the samples
 * within a chunk can have different sizes. This table can be used to find the chunk that contains a sample,
 * its position, and the associated sample description.
 */
type Mp4Sample2ChunkBox struct {
	Mp4FullBox
	Entries []*Mp4StscEntry
}

func NewMp4Sample2ChunkBox() *Mp4Sample2ChunkBox {
	return &Mp4Sample2ChunkBox{
		Entries: []*Mp4StscEntry{},
	}
}

func (v *Mp4Sample2ChunkBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4Sample2ChunkBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	var entryCount uint32
	if err = v.Read(r, &entryCount); err != nil {
		log.Errorf("read stsc entry count failed, err is %v", err)
		return
	}
	if err = v.checkEntries(entryCount, 12); err != nil {
		return
	}

	for i := 0; i < int(entryCount); i++ {
		entry := &Mp4StscEntry{}
		if err = v.Read(r, &entry.FirstChunk); err != nil {
			log.Errorf("read stsc %v entry first chunk failed, err is %v", i, err)
			return
		}
		if err = v.Read(r, &entry.SamplesPerChunk); err != nil {
			log.Errorf("read stsc %v entry samples per chunk failed, err is %v", i, err)
			return
		}
		if err = v.Read(r, &entry.SampleDescriptionIndex); err != nil {
			log.Errorf("read stsc %v entry samples description index failed, err is %v", i, err)
			return
		}
		v.Entries = append(v.Entries, entry)
	}

	log.Tracef("decode stsc box success, entries=%v", len(v.Entries))
	return v.Skip(r, v.left())
}

/**
 * 8.7.3.2 Sample Size Box (stsz), for Audio/Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 58
 * This box contains the sample count and a table giving the size in bytes of each sample. This allows the media data
 * itself to be unframed. The total number of samples in the media is always indicated in the sample count.
 */
type Mp4SampleSizeBox struct {
	Mp4FullBox
	// the default sample size. If all the samples are the same size, this field
	// contains that size value. If this field is set to 0, then the samples have different sizes, and those sizes
	// are stored in the sample size table.
	SampleSize uint32
	// an integer that gives the number of samples in the track.
	SampleCount uint32
	// each entry_size is an integer specifying the size of a sample, indexed by its number.
	EntrySizes []uint32
}

func NewMp4SampleSizeBox() *Mp4SampleSizeBox {
	return &Mp4SampleSizeBox{
		EntrySizes: []uint32{},
	}
}

func (v *Mp4SampleSizeBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

// Sizes expands the table, a constant sample size is repeated for every sample.
// The constant size samples must fit in dataSize bytes.
func (v *Mp4SampleSizeBox) Sizes(dataSize uint64) (sizes []uint32, err error) {
	if v.SampleSize == 0 {
		return v.EntrySizes, nil
	}
	if uint64(v.SampleCount)*uint64(v.SampleSize) > dataSize {
		err = errors.Errorf("stsz declares %v samples of %v bytes, only %v bytes of data", v.SampleCount, v.SampleSize, dataSize)
		log.Errorf("expand stsz failed, err is %v", err)
		return nil, err
	}
	sizes = make([]uint32, v.SampleCount)
	for i := range sizes {
		sizes[i] = v.SampleSize
	}
	return
}

func (v *Mp4SampleSizeBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	if err = v.Read(r, &v.SampleSize); err != nil {
		log.Errorf("read stsz sample size failed, err is %v", err)
		return
	}
	if err = v.Read(r, &v.SampleCount); err != nil {
		log.Errorf("read stsz sample count failed, err is %v", err)
		return
	}

	if v.SampleSize == 0 {
		if err = v.checkEntries(v.SampleCount, 4); err != nil {
			return
		}
		for i := 0; i < int(v.SampleCount); i++ {
			var size uint32
			if err = v.Read(r, &size); err != nil {
				log.Errorf("read stsz %v entry size failed, err is %v", i, err)
				return
			}
			v.EntrySizes = append(v.EntrySizes, size)
		}
	}

	log.Tracef("decode stsz box success, sample size=%v, count=%v", v.SampleSize, v.SampleCount)
	return v.Skip(r, v.left())
}

/**
 * 8.7.5 Chunk Offset Box (stco or co64), for Audio/Video.
 * ISO_IEC_14496-12-base-format-2012.pdf, page 59
 * The chunk offset table gives the index of each chunk into the containing file. There are two variants, permitting
 * the use of 32-bit or 64-bit offsets. The latter is useful when managing very large presentations. At most one of
 * these variants will occur in any single instance of a sample table.
 */
type Mp4ChunkOffsetBox struct {
	Mp4FullBox
	// the offset of the start of a chunk into its containing media file.
	Entries []uint64
}

func NewMp4ChunkOffsetBox() *Mp4ChunkOffsetBox {
	return &Mp4ChunkOffsetBox{
		Entries: []uint64{},
	}
}

func (v *Mp4ChunkOffsetBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4ChunkOffsetBox) DecodeHeader(r io.Reader) (err error) {
	if err = v.Mp4FullBox.DecodeHeader(r); err != nil {
		return
	}

	var entryCount uint32
	if err = v.Read(r, &entryCount); err != nil {
		log.Errorf("read %v entry count failed, err is %v", FourCC(v.BoxType), err)
		return
	}

	large := v.BoxType == SrsMp4BoxTypeCO64
	entrySize := uint64(4)
	if large {
		entrySize = 8
	}
	if err = v.checkEntries(entryCount, entrySize); err != nil {
		return
	}

	for i := 0; i < int(entryCount); i++ {
		var entry uint64
		if large {
			err = v.Read(r, &entry)
		} else {
			var small uint32
			err = v.Read(r, &small)
			entry = uint64(small)
		}
		if err != nil {
			log.Errorf("read %v %v entry failed, err is %v", FourCC(v.BoxType), i, err)
			return
		}
		v.Entries = append(v.Entries, entry)
	}

	log.Tracef("decode %v box success, entries=%v", FourCC(v.BoxType), len(v.Entries))
	return v.Skip(r, v.left())
}

/**
 * 8.11.1 The Meta box (meta)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 80
 * A full box holding the hdlr and, for HEIF files, the item boxes.
 */
type Mp4MetaBox struct {
	Mp4FullBox
}

func (v *Mp4MetaBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

/**
 * 8.1.1 Media Data Box (mdat)
 * ISO_IEC_14496-12-base-format-2012.pdf, page 29
 * This box contains the media data. In video tracks, this box would contain video frames.
 * The payload is never loaded, only its position is kept.
 */
type Mp4MediaDataBox struct {
	Mp4Box
	// absolute offset of the first payload byte, -1 when unknown.
	DataOffset int64
	NbData     uint64
}

func NewMp4MediaDataBox() *Mp4MediaDataBox {
	return &Mp4MediaDataBox{DataOffset: -1}
}

func (v *Mp4MediaDataBox) Basic() *Mp4Box {
	return &v.Mp4Box
}

func (v *Mp4MediaDataBox) DecodeHeader(r io.Reader) (err error) {
	if v.StartPos >= 0 {
		v.DataOffset = v.StartPos + int64(v.UsedSize)
	}
	v.NbData = v.left()
	if err = v.Skip(r, v.left()); err != nil {
		return
	}
	log.Tracef("decode mdat box success, nb data=%v", v.NbData)
	return
}
