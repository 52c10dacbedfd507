package s2pg

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/google/tiff"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/sourcegraph/conc/pool"
	"go.airbusds-geo.com/log"
)

// Converter turns downloaded jp2 images into tiled GeoTIFFs that
// raster2pgsql can ingest. Every source file is attempted: a failing
// conversion is collected and reported at the end instead of stopping the
// batch.
type Converter struct {
	OutDir    string
	Workers   int
	BlockSize int
	Switches  string // extra gdal_translate switches
	copts     map[string]string
}

func NewConverter(outDir string) *Converter {
	return &Converter{
		OutDir:    outDir,
		Workers:   2,
		BlockSize: 256,
		copts: map[string]string{
			"TILED":    "YES",
			"COMPRESS": "LZW",
		},
	}
}

// parseSwitches splits the user switch string and rejects switches that
// would change the pixel grid of the output.
func parseSwitches(s string) ([]string, error) {
	sw, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid switches: %w", err)
	}
	for _, s := range sw {
		switch s {
		case "-of", "-te", "-outsize", "-tr", "-srcwin", "-projwin", "-a_ullr", "-a_gt":
			return nil, fmt.Errorf("%s switch not allowed", s)
		}
	}
	return sw, nil
}

// ConvertDir converts every *.jp2 under inDir, creating OutDir if absent.
// Existing outputs are kept, re-runs only convert what is missing.
func (c *Converter) ConvertDir(ctx context.Context, inDir string) (*Summary, error) {
	entries, err := os.ReadDir(inDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", inDir, err)
	}
	var srcs []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".jp2") {
			continue
		}
		srcs = append(srcs, filepath.Join(inDir, e.Name()))
	}
	return c.ConvertList(ctx, srcs)
}

// ConvertList converts an explicit list of jp2 sources. Sources may be
// gs:// paths when the osio handler is registered; outputs are named after
// the source basename.
func (c *Converter) ConvertList(ctx context.Context, srcs []string) (*Summary, error) {
	switches, err := parseSwitches(c.Switches)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", c.OutDir, err)
	}

	copts := make([]string, 0, len(c.copts)+2)
	for k, v := range c.copts {
		copts = append(copts, k+"="+v)
	}
	copts = append(copts,
		fmt.Sprintf("BLOCKXSIZE=%d", c.BlockSize),
		fmt.Sprintf("BLOCKYSIZE=%d", c.BlockSize))

	sum := &Summary{}
	p := pool.New().WithMaxGoroutines(c.Workers)
	for _, src := range srcs {
		src := src
		base := path.Base(src)
		dst := filepath.Join(c.OutDir, strings.TrimSuffix(base, path.Ext(base))+".tif")
		p.Go(func() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, err := os.Stat(dst); err == nil {
				log.Logger(ctx).Sugar().Infof("%s already converted", filepath.Base(dst))
				sum.skip()
				return
			}
			if err := convertOne(src, dst, switches, copts); err != nil {
				log.Logger(ctx).Sugar().Errorf("convert %s: %v", src, err)
				sum.fail(fmt.Errorf("convert %s: %w", src, err))
				return
			}
			log.Logger(ctx).Sugar().Infof("converted %s", filepath.Base(dst))
			sum.ok()
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	log.Logger(ctx).Sugar().Infof("convert: %s", sum)
	return sum, nil
}

func convertOne(src, dst string, switches, copts []string) error {
	ds, err := godal.Open(src, godal.RasterOnly())
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer ds.Close()
	out, err := ds.Translate(dst, switches, godal.CreationOption(copts...), godal.GTiff)
	if err != nil {
		return fmt.Errorf("translate: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close output: %w", err)
	}
	if err := verifyTiledTIFF(dst); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

type tiffLayout struct {
	ImageWidth  uint64 `tiff:"field,tag=256"`
	ImageLength uint64 `tiff:"field,tag=257"`
	TileWidth   uint16 `tiff:"field,tag=322"`
	TileLength  uint16 `tiff:"field,tag=323"`
}

// verifyTiledTIFF parses the produced file and checks it is a tiled tiff,
// catching truncated or silently mis-written outputs before they reach the
// importer.
func verifyTiledTIFF(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	tif, err := tiff.Parse(f, nil, nil)
	if err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	ifds := tif.IFDs()
	if len(ifds) == 0 {
		return fmt.Errorf("verify %s: no ifd", name)
	}
	layout := tiffLayout{}
	if err := tiff.UnmarshalIFD(ifds[0], &layout); err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	if layout.ImageWidth == 0 || layout.ImageLength == 0 {
		return fmt.Errorf("verify %s: empty image", name)
	}
	if layout.TileWidth == 0 || layout.TileLength == 0 {
		return fmt.Errorf("verify %s: not tiled", name)
	}
	return nil
}
