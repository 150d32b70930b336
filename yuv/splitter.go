// Package yuv cuts raw 4:2:0 frames into a grid of equally sized tiles, the
// input of a tiled HEIC encode.
package yuv

import (
	"bytes"
	"io"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrFrameTooSmall     = errors.New("frame too small")
	ErrInvalidTile       = errors.New("invalid tile geometry")
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
)

// Chroma padding, with Y=0 it is black in limited range YUV.
const padChroma = 128

type PixelFormat int

const (
	// Planar Y, U, V.
	YUV420P PixelFormat = iota
	// Planar Y, V, U.
	YVU420P
	// Y plane then interleaved U, V.
	NV12
	// Y plane then interleaved V, U.
	NV21
)

func (v PixelFormat) String() string {
	switch v {
	case YUV420P:
		return "yuv420p"
	case YVU420P:
		return "yvu420p"
	case NV12:
		return "nv12"
	case NV21:
		return "nv21"
	}
	return "unknown"
}

func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(s) {
	case "yuv420p", "i420":
		return YUV420P, nil
	case "yvu420p", "yv12":
		return YVU420P, nil
	case "nv12":
		return NV12, nil
	case "nv21":
		return NV21, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedFormat, "%q", s)
}

// Tile is one cell of the grid, always TileWidth x TileHeight pixels.
type Tile struct {
	Index  int
	Row    int
	Column int
	Width  int
	Height int
	Y      []byte
	U      []byte
	V      []byte
}

// Size is the byte size of the tile in any of the 4:2:0 layouts.
func (v *Tile) Size() int {
	return len(v.Y) + len(v.U) + len(v.V)
}

// Encode writes the tile in the layout of f, for an encoder input buffer.
func (v *Tile) Encode(w io.Writer, f PixelFormat) (n int64, err error) {
	var planes [][]byte
	switch f {
	case YUV420P:
		planes = [][]byte{v.Y, v.U, v.V}
	case YVU420P:
		planes = [][]byte{v.Y, v.V, v.U}
	case NV12:
		planes = [][]byte{v.Y, interleave(v.U, v.V)}
	case NV21:
		planes = [][]byte{v.Y, interleave(v.V, v.U)}
	default:
		return 0, errors.Wrapf(ErrUnsupportedFormat, "%v", int(f))
	}

	for _, plane := range planes {
		nn, err := w.Write(plane)
		n += int64(nn)
		if err != nil {
			return n, errors.Wrapf(err, "write tile %v", v.Index)
		}
	}
	return
}

// Bytes returns the tile in the layout of f.
func (v *Tile) Bytes(f PixelFormat) ([]byte, error) {
	b := bytes.NewBuffer(make([]byte, 0, v.Size()))
	if _, err := v.Encode(b, f); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func interleave(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	for i := range a {
		out = append(out, a[i], b[i])
	}
	return out
}

// Splitter holds the grid geometry of one source resolution.
// It is immutable and safe for concurrent use.
type Splitter struct {
	SourceWidth  int
	SourceHeight int
	TileWidth    int
	TileHeight   int
	Format       PixelFormat
	Columns      int
	Rows         int
	PaddedWidth  int
	PaddedHeight int
}

// NewSplitter computes the grid, a tile dimension <= 0 takes the other one.
func NewSplitter(sourceWidth, sourceHeight, tileWidth, tileHeight int, f PixelFormat) (*Splitter, error) {
	if tileWidth <= 0 && tileHeight <= 0 {
		return nil, errors.Wrap(ErrInvalidTile, "at least one tile dimension must be positive")
	}
	if tileWidth <= 0 {
		tileWidth = tileHeight
	} else if tileHeight <= 0 {
		tileHeight = tileWidth
	}
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return nil, errors.Wrapf(ErrInvalidTile, "source %vx%v", sourceWidth, sourceHeight)
	}
	if f < YUV420P || f > NV21 {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%v", int(f))
	}

	v := &Splitter{
		SourceWidth:  sourceWidth,
		SourceHeight: sourceHeight,
		TileWidth:    tileWidth,
		TileHeight:   tileHeight,
		Format:       f,
		Columns:      (sourceWidth + tileWidth - 1) / tileWidth,
		Rows:         (sourceHeight + tileHeight - 1) / tileHeight,
	}
	v.PaddedWidth = v.Columns * tileWidth
	v.PaddedHeight = v.Rows * tileHeight

	log.Debugf("yuv splitter, source=%vx%v, tile=%vx%v, grid=%vx%v, padded=%vx%v",
		sourceWidth, sourceHeight, tileWidth, tileHeight, v.Columns, v.Rows, v.PaddedWidth, v.PaddedHeight)
	return v, nil
}

func (v *Splitter) TotalTiles() int {
	return v.Columns * v.Rows
}

// TileSize is the byte size of one 4:2:0 tile.
func (v *Splitter) TileSize() int {
	return v.TileWidth * v.TileHeight * 3 / 2
}

// FrameSize is the minimum byte size of a source frame.
func (v *Splitter) FrameSize() int {
	luma := v.SourceWidth * v.SourceHeight
	return luma + 2*(luma/4)
}

// planes de-interleaves the chroma of frame into separate U and V planes.
func (v *Splitter) planes(frame []byte) (y, u, w []byte) {
	luma := v.SourceWidth * v.SourceHeight
	chroma := luma / 4

	y = frame[:luma]
	switch v.Format {
	case YUV420P:
		u, w = frame[luma:luma+chroma], frame[luma+chroma:luma+2*chroma]
	case YVU420P:
		w, u = frame[luma:luma+chroma], frame[luma+chroma:luma+2*chroma]
	case NV12, NV21:
		u, w = make([]byte, chroma), make([]byte, chroma)
		for i := 0; i < chroma; i++ {
			u[i], w[i] = frame[luma+2*i], frame[luma+2*i+1]
		}
		if v.Format == NV21 {
			u, w = w, u
		}
	}
	return
}

// SplitFrame cuts one frame into Columns x Rows tiles in raster order. Parts of
// a tile outside the source are padded with Y=0, U=V=128.
func (v *Splitter) SplitFrame(frame []byte) ([]*Tile, error) {
	if len(frame) < v.FrameSize() {
		return nil, errors.Wrapf(ErrFrameTooSmall, "got %v bytes, expect %v", len(frame), v.FrameSize())
	}

	y, u, w := v.planes(frame)
	tiles := make([]*Tile, v.TotalTiles())

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range tiles {
		i := i
		g.Go(func() error {
			tiles[i] = v.cut(i, y, u, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Tracef("split frame of %v bytes into %v tiles", len(frame), len(tiles))
	return tiles, nil
}

func (v *Splitter) cut(index int, y, u, w []byte) *Tile {
	row, col := index/v.Columns, index%v.Columns
	startX, startY := col*v.TileWidth, row*v.TileHeight
	availWidth := clamp(v.SourceWidth-startX, 0, v.TileWidth)
	availHeight := clamp(v.SourceHeight-startY, 0, v.TileHeight)

	t := &Tile{
		Index:  index,
		Row:    row,
		Column: col,
		Width:  v.TileWidth,
		Height: v.TileHeight,
		Y:      make([]byte, v.TileWidth*v.TileHeight),
		U:      make([]byte, v.TileWidth*v.TileHeight/4),
		V:      make([]byte, v.TileWidth*v.TileHeight/4),
	}
	fill(t.U, padChroma)
	fill(t.V, padChroma)

	for r := 0; r < availHeight; r++ {
		src := (startY+r)*v.SourceWidth + startX
		copy(t.Y[r*v.TileWidth:r*v.TileWidth+availWidth], y[src:src+availWidth])
	}

	chromaSrcWidth := v.SourceWidth / 2
	chromaTileWidth := v.TileWidth / 2
	chromaX, chromaY := startX/2, startY/2
	for r := 0; r < availHeight/2; r++ {
		src := (chromaY+r)*chromaSrcWidth + chromaX
		if src >= len(u) {
			break
		}
		end := src + availWidth/2
		if end > len(u) {
			end = len(u)
		}
		dst := r * chromaTileWidth
		copy(t.U[dst:], u[src:end])
		copy(t.V[dst:], w[src:end])
	}
	return t
}

func fill(b []byte, x byte) {
	for i := range b {
		b[i] = x
	}
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
