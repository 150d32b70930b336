package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"panda.com/isobmff/bitstream"
	"panda.com/isobmff/core"
	"panda.com/isobmff/demuxer"
	"panda.com/isobmff/yuv"
)

const version = "0.1.0"

const usage = `isobmff %v, mp4 and heic box tools

usage: isobmff <command> [flags]

commands:
  dump    print the box tree of a file
  probe   print box details of an mp4 file
  demux   extract the video track as an annexb elementary stream
  mux     wrap an annexb elementary stream into mp4 or heic
  split   cut a raw yuv frame into tiles
  version print the version

run isobmff <command> -h for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, version)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Errorf("%v failed, err is %v", os.Args[1], err)
		os.Exit(1)
	}
}

func run(command string, args []string, out io.Writer) error {
	switch command {
	case "dump":
		return dump(args, out)
	case "probe":
		return probe(args, out)
	case "demux":
		return demux(args, out)
	case "mux":
		return mux(args, out)
	case "split":
		return split(args, out)
	case "version":
		fmt.Fprintf(out, "isobmff %v\n", version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprintf(out, usage, version)
		return nil
	}
	return errors.Errorf("unknown command %q", command)
}

// verbosity is the -v and -vv flags every command takes.
type verbosity struct {
	debug bool
	trace bool
}

func newFlagSet(name string) (*flag.FlagSet, *verbosity) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	v := &verbosity{}
	fs.BoolVar(&v.debug, "v", false, "debug logs")
	fs.BoolVar(&v.trace, "vv", false, "trace logs")
	return fs, v
}

func (v *verbosity) setup() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	switch {
	case v.trace:
		log.SetLevel(log.TraceLevel)
	case v.debug:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func requireFlag(name, value string) error {
	if value == "" {
		return errors.Errorf("missing -%v", name)
	}
	return nil
}

// dump walks the file with the core decoder, one line per box.
func dump(args []string, out io.Writer) (err error) {
	fs, verbose := newFlagSet("dump")
	input := fs.String("i", "", "input mp4 or heic file")
	if err = fs.Parse(args); err != nil {
		return
	}
	verbose.setup()
	if err = requireFlag("i", *input); err != nil {
		return
	}

	f, err := os.Open(*input)
	if err != nil {
		return errors.Wrapf(err, "open %v", *input)
	}
	defer f.Close()

	boxes, err := core.DecodeFile(f)
	if err != nil {
		return
	}
	return core.Walk(boxes, func(depth int, box core.Box) error {
		basic := box.Basic()
		_, err := fmt.Fprintf(out, "%v%v size=%v\n", strings.Repeat("  ", depth), core.FourCC(basic.BoxType), basic.Size())
		return err
	})
}

// probe prints the mp4ff view of the file.
func probe(args []string, out io.Writer) (err error) {
	fs, verbose := newFlagSet("probe")
	input := fs.String("i", "", "input mp4 file")
	levels := fs.String("levels", "", "box levels, like all:1 or stsd:2")
	if err = fs.Parse(args); err != nil {
		return
	}
	verbose.setup()
	if err = requireFlag("i", *input); err != nil {
		return
	}

	f, err := os.Open(*input)
	if err != nil {
		return errors.Wrapf(err, "open %v", *input)
	}
	defer f.Close()

	parsed, err := mp4.DecodeFile(f)
	if err != nil {
		return errors.Wrapf(err, "decode %v", *input)
	}
	return parsed.Info(out, *levels, "", "  ")
}

// demux writes the video track as annexb, and a line per frame when -frames is set.
func demux(args []string, out io.Writer) (err error) {
	fs, verbose := newFlagSet("demux")
	input := fs.String("i", "", "input mp4 file")
	output := fs.String("o", "", "output annexb elementary stream")
	frames := fs.Bool("frames", false, "print every frame")
	if err = fs.Parse(args); err != nil {
		return
	}
	verbose.setup()
	if err = requireFlag("i", *input); err != nil {
		return
	}
	if err = requireFlag("o", *output); err != nil {
		return
	}

	d := demuxer.New(*input)
	if err = d.Initialize(); err != nil {
		return
	}
	defer d.Close()

	f, err := os.Create(*output)
	if err != nil {
		return errors.Wrapf(err, "create %v", *output)
	}
	defer f.Close()

	var count, keys, size, skipped int
	for {
		frame, err := d.NextFrame()
		if errors.Is(err, demuxer.ErrEOS) {
			break
		}
		if errors.Is(err, bitstream.ErrEmpty) || errors.Is(err, bitstream.ErrMalformed) {
			log.Warnf("skip frame, err is %v", err)
			skipped++
			continue
		}
		if err != nil {
			return err
		}
		if _, err = f.Write(frame.Data); err != nil {
			return errors.Wrapf(err, "write %v", *output)
		}
		if *frames {
			fmt.Fprintf(out, "frame %v pts=%v dts=%v key=%v size=%v\n", count, frame.PTS, frame.DTS, frame.IsKeyFrame, frame.Size)
		}
		count++
		size += frame.Size
		if frame.IsKeyFrame {
			keys++
		}
	}

	fmt.Fprintf(out, "%vx%v %.2f fps hevc=%v, %v frames, %v keyframes, %v bytes\n",
		d.Width(), d.Height(), d.FrameRate(), d.IsHEVC(), count, keys, size)
	if skipped > 0 {
		fmt.Fprintf(out, "%v frames skipped\n", skipped)
	}
	return nil
}

// split cuts frame -n of a raw yuv file into tiles, written concurrently to -o.
func split(args []string, out io.Writer) (err error) {
	fs, verbose := newFlagSet("split")
	input := fs.String("i", "", "input raw yuv file")
	output := fs.String("o", "", "output directory of the tiles")
	width := fs.Int("width", 0, "source width")
	height := fs.Int("height", 0, "source height")
	tileWidth := fs.Int("tile-width", 512, "tile width")
	tileHeight := fs.Int("tile-height", 0, "tile height, the tile width when 0")
	format := fs.String("format", "yuv420p", "pixel format, yuv420p, yvu420p, nv12 or nv21")
	index := fs.Int("n", 0, "frame index in the file")
	if err = fs.Parse(args); err != nil {
		return
	}
	verbose.setup()
	if err = requireFlag("i", *input); err != nil {
		return
	}
	if err = requireFlag("o", *output); err != nil {
		return
	}

	pf, err := yuv.ParsePixelFormat(*format)
	if err != nil {
		return
	}
	s, err := yuv.NewSplitter(*width, *height, *tileWidth, *tileHeight, pf)
	if err != nil {
		return
	}

	f, err := os.Open(*input)
	if err != nil {
		return errors.Wrapf(err, "open %v", *input)
	}
	defer f.Close()

	frame := make([]byte, s.FrameSize())
	if _, err = f.ReadAt(frame, int64(*index)*int64(s.FrameSize())); err != nil {
		return errors.Wrapf(err, "read frame %v of %v", *index, *input)
	}

	tiles, err := s.SplitFrame(frame)
	if err != nil {
		return
	}
	if err = os.MkdirAll(*output, 0755); err != nil {
		return errors.Wrapf(err, "create %v", *output)
	}

	var g errgroup.Group
	for _, tile := range tiles {
		tile := tile
		g.Go(func() error {
			b, err := tile.Bytes(pf)
			if err != nil {
				return err
			}
			name := filepath.Join(*output, fmt.Sprintf("tile_%03d.yuv", tile.Index))
			if err = os.WriteFile(name, b, 0644); err != nil {
				return errors.Wrapf(err, "write %v", name)
			}
			log.Debugf("tile %v row=%v col=%v written to %v", tile.Index, tile.Row, tile.Column, name)
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return
	}

	fmt.Fprintf(out, "%v tiles of %vx%v, grid %vx%v, padded %vx%v\n",
		len(tiles), s.TileWidth, s.TileHeight, s.Columns, s.Rows, s.PaddedWidth, s.PaddedHeight)
	return nil
}
