// Command csdec is the reference driver for pkg/libcsdec: it decodes a
// single ETMv4 trace-data file against a fixed set of loaded binaries
// and writes a raw coverage bitmap, the way a fuzzer harness would
// invoke the library once per iteration.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli"

	"github.com/RICSecLab/coresight-decoder/common"
	"github.com/RICSecLab/coresight-decoder/pkg/libcsdec"
)

// binaryRange is one positional (path, start, end) triple naming a
// loaded image and the virtual-address range it occupies in the trace.
type binaryRange struct {
	path  string
	start uint64
	end   uint64
}

func parseArgs(args cli.Args) (traceFile string, traceID uint8, ranges []binaryRange, err error) {
	if len(args) < 2 {
		return "", 0, nil, fmt.Errorf("expected at least trace-data-file and trace-id")
	}
	traceFile = args[0]

	id, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return "", 0, nil, fmt.Errorf("invalid trace id %q: %w", args[1], err)
	}
	if id > 0x7F {
		return "", 0, nil, fmt.Errorf("trace id %#x exceeds the 7-bit CoreSight trace-id range", id)
	}
	traceID = uint8(id)

	rest := args[2:]
	if len(rest) == 0 {
		return "", 0, nil, fmt.Errorf("expected N followed by N binary-path/start/end triples")
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil || n < 0 {
		return "", 0, nil, fmt.Errorf("invalid binary count %q", rest[0])
	}
	rest = rest[1:]
	if len(rest) != n*3 {
		return "", 0, nil, fmt.Errorf("expected %d binary-path/start/end triples, got %d arguments", n, len(rest))
	}

	ranges = make([]binaryRange, n)
	for i := 0; i < n; i++ {
		start, err := strconv.ParseUint(rest[i*3+1], 0, 64)
		if err != nil {
			return "", 0, nil, fmt.Errorf("invalid start address %q: %w", rest[i*3+1], err)
		}
		end, err := strconv.ParseUint(rest[i*3+2], 0, 64)
		if err != nil {
			return "", 0, nil, fmt.Errorf("invalid end address %q: %w", rest[i*3+2], err)
		}
		ranges[i] = binaryRange{path: rest[i*3], start: start, end: end}
	}
	return traceFile, traceID, ranges, nil
}

func loadImagesAndMaps(ranges []binaryRange) ([]libcsdec.MemoryImage, []libcsdec.MemoryMap, error) {
	images := make([]libcsdec.MemoryImage, len(ranges))
	maps := make([]libcsdec.MemoryMap, len(ranges))
	for i, r := range ranges {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading binary %s: %w", r.path, err)
		}
		images[i] = libcsdec.MemoryImage{ID: i, Data: data}
		maps[i] = libcsdec.MemoryMap{Start: r.start, End: r.end, ImageID: i}
	}
	return images, maps, nil
}

// decoder is the subset of *libcsdec.EdgeDecoder / *libcsdec.PathDecoder
// the CLI drives; the two differ only in construction.
type decoder interface {
	Reset(traceID uint8, maps []libcsdec.MemoryMap) error
	Run(data []byte) error
	Finish() error
}

// decode runs one full reset/run/finish session against traceFile,
// checking ctx for cancellation between chunks so a caller embedding
// this command in a longer-running service can bound its wall clock.
func decode(ctx context.Context, d decoder, traceID uint8, maps []libcsdec.MemoryMap, traceFile string, chunkSize int) error {
	if err := d.Reset(traceID, maps); err != nil {
		return err
	}

	f, err := os.Open(traceFile)
	if err != nil {
		return fmt.Errorf("opening trace data: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			if err := d.Run(buf[:n]); err != nil {
				return fmt.Errorf("decoding trace data: %w", err)
			}
		}
		if readErr != nil {
			break
		}
	}

	if err := d.Finish(); err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	return nil
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func run(c *cli.Context) error {
	bitmapSizeStr := c.String("bitmap-size")
	bitmapSize, err := strconv.ParseUint(bitmapSizeStr, 0, 64)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid --bitmap-size %q: %v", bitmapSizeStr, err), 1)
	}
	if !isPowerOfTwo(bitmapSize) {
		return cli.NewExitError(fmt.Sprintf("--bitmap-size %#x is not a power of two", bitmapSize), 1)
	}

	bitmapType := c.String("bitmap-type")
	if bitmapType != "edge" && bitmapType != "path" {
		return cli.NewExitError(fmt.Sprintf("--bitmap-type must be edge or path, got %q", bitmapType), 1)
	}

	traceFile, traceID, ranges, err := parseArgs(c.Args())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	images, maps, err := loadImagesAndMaps(ranges)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	log := common.NewStdLogger(common.SeverityWarning)
	bm := make([]byte, bitmapSize)
	const chunkSize = 16 * 1024

	var d decoder
	switch bitmapType {
	case "edge":
		ed, err := libcsdec.InitEdge(bm, images, log)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		d = ed
	case "path":
		pd, err := libcsdec.InitPath(bm, images, log)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		d = pd
	}

	if err := decode(context.Background(), d, traceID, maps, traceFile, chunkSize); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	if err := os.WriteFile(c.String("bitmap-filename"), bm, 0644); err != nil {
		return cli.NewExitError(fmt.Sprintf("writing bitmap: %v", err), 1)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "csdec"
	app.Usage = "Decode an ARM CoreSight ETMv4 trace into an AFL-style coverage bitmap"
	app.ArgsUsage = "trace-data-file trace-id N [binary-path start end]..."
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "bitmap-size",
			Value: "0x10000",
			Usage: "coverage bitmap size in bytes, as a power-of-two hex or decimal literal",
		},
		cli.StringFlag{
			Name:  "bitmap-filename",
			Value: "edge_coverage_bitmap.out",
			Usage: "output path for the raw coverage bitmap",
		},
		cli.StringFlag{
			Name:  "bitmap-type",
			Value: "edge",
			Usage: "coverage algorithm: edge or path",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
