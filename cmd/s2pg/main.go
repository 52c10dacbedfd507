package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.airbusds-geo.com/log"

	"github.com/arsbrevis/s2pg"
)

var (
	verbose        bool
	fetchWorkers   int
	convertWorkers int
	tilesize       int
	srid         int
	blocksize    int
	gdalSwitches string
	outDir       string
	fromDB       bool
	suffix       string
	nodata       float64
	producttype  string
	platform     string
	maxCloud     float64
	maxSnow      float64
	minPct       int
	minYear      int
	maxYear      int

	startTime time.Time
)

var rootCmd = &cobra.Command{
	Use:   "s2pg",
	Short: "sentinel-2 to postgis dataset pipeline",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		startTime = time.Now()
		_ = godotenv.Load(".env.local")
		if !verbose {
			os.Setenv("LOGLEVEL", "info")
			log.Structured()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		log.Logger(cmd.Context()).Sugar().Debugf("command %s took %.1fs",
			cmd.Name(), time.Since(startTime).Seconds())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.AddCommand(linksCmd, fetchCmd, convertCmd, ingestCmd, exportCmd, checkCmd, workflowCmd)

	linksCmd.Flags().StringVar(&platform, "platform", "Sentinel-2", "catalog platform name")
	linksCmd.Flags().StringVar(&producttype, "producttype", "S2MSI2A", "catalog product type")

	fetchCmd.Flags().IntVar(&fetchWorkers, "workers", 4, "concurrent downloads")

	convertCmd.Flags().IntVar(&convertWorkers, "workers", 2, "concurrent conversions")
	convertCmd.Flags().IntVar(&blocksize, "blocksize", 256, "output tiff internal blocksize")
	convertCmd.Flags().StringVar(&gdalSwitches, "gdalSwitches", "", "extra gdal_translate switches, e.g. \"-b 1 -b 2 -b 3\"")
	convertCmd.Flags().StringVar(&outDir, "out", "tif", "output directory")

	ingestCmd.Flags().IntVar(&tilesize, "tilesize", 120, "import tile size in pixels")
	ingestCmd.Flags().IntVar(&srid, "srid", 32631, "source raster srid")
	ingestCmd.Flags().BoolVar(&fromDB, "from-db", false, "seed the ledger from raster_columns before importing")

	exportCmd.Flags().IntVar(&tilesize, "tilesize", 120, "export tile size in pixels")
	exportCmd.Flags().StringVar(&suffix, "suffix", "_tci_10m", "raster table name suffix")
	exportCmd.Flags().Float64Var(&nodata, "nodata", 0, "blank tile pixel sentinel")

	checkCmd.Flags().Float64Var(&maxCloud, "max-cloud", 10, "maximum cloud cover percentage")
	checkCmd.Flags().Float64Var(&maxSnow, "max-snow", 10, "maximum snow cover percentage")
	checkCmd.Flags().IntVar(&minPct, "min-pct", 75, "minimum dominant class percentage")
	checkCmd.Flags().IntVar(&minYear, "min-year", 0, "earliest acquisition year, 0 for unbounded")
	checkCmd.Flags().IntVar(&maxYear, "max-year", 0, "latest acquisition year, 0 for unbounded")

	workflowCmd.Flags().BoolVar(&shell, "shell", false, "output shell script instead of argo workflow")
	workflowCmd.Flags().StringVar(&jobid, "jobID", "", "(advanced) use predefined job identifier")
}

var linksCmd = &cobra.Command{
	Use:   "links metadata.json links.txt",
	Short: "query the copernicus catalog and write the download link list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := s2pg.CopernicusCredentials()
		if err != nil {
			return err
		}
		cat := s2pg.NewCatalog(creds)
		terms := map[string]string{
			"platformname": platform,
			"producttype":  producttype,
			"footprint":    fmt.Sprintf("%q", "Intersects("+s2pg.PolygonWKT(s2pg.BoundsGermany)+")"),
		}
		return cat.GenerateLinks(cmd.Context(), terms, args[0], args[1])
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch links.txt destdir",
	Short: "download all listed images that are not present yet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := s2pg.CopernicusCredentials()
		if err != nil {
			return err
		}
		f := s2pg.NewFetcher(creds)
		f.Workers = fetchWorkers
		sum, err := f.FetchList(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return sum.Err()
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert indir",
	Short: "convert downloaded jp2 images to tiled geotiff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		godal.RegisterAll()
		c := s2pg.NewConverter(outDir)
		c.Workers = convertWorkers
		c.BlockSize = blocksize
		c.Switches = gdalSwitches

		var sum *s2pg.Summary
		var err error
		if strings.HasPrefix(args[0], "gs://") {
			stcl, err := storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("storage.newclient: %w", err)
			}
			if err := s2pg.RegisterGSHandler(ctx, stcl); err != nil {
				return err
			}
			srcs, err := s2pg.ListGS(ctx, stcl, args[0])
			if err != nil {
				return err
			}
			sum, err = c.ConvertList(ctx, srcs)
			if err != nil {
				return err
			}
			return sum.Err()
		}
		sum, err = c.ConvertDir(ctx, args[0])
		if err != nil {
			return err
		}
		return sum.Err()
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest indir ledgerfile",
	Short: "import converted rasters into postgis, at most once per file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := s2pg.RequirePGEnv(); err != nil {
			return err
		}
		ledger, err := s2pg.OpenLedger(args[1])
		if err != nil {
			return err
		}
		defer ledger.Close()
		if fromDB {
			db, err := pgxpool.New(ctx, "")
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			names, err := s2pg.ImportedTables(ctx, db)
			db.Close()
			if err != nil {
				return err
			}
			if err := ledger.Seed(names); err != nil {
				return err
			}
			log.Logger(ctx).Sugar().Infof("ledger seeded with %d tables", len(names))
		}
		im := s2pg.NewImporter(ledger)
		im.TileSize = tilesize
		im.SRID = srid
		sum, err := im.ImportDir(ctx, args[0])
		if err != nil {
			return err
		}
		return sum.Err()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export metadata.json corine_table outroot",
	Short: "export classified full-size tiles as png plus csv metadata",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := s2pg.RequirePGEnv(); err != nil {
			return err
		}
		meta, err := s2pg.LoadMetadata(args[0])
		if err != nil {
			return err
		}
		var stcl *storage.Client
		if strings.HasPrefix(args[2], "gs://") {
			if stcl, err = storage.NewClient(ctx); err != nil {
				return fmt.Errorf("storage.newclient: %w", err)
			}
		}
		sink, err := s2pg.NewSink(args[2], stcl)
		if err != nil {
			return err
		}
		db, err := pgxpool.New(ctx, "")
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer db.Close()
		e := s2pg.NewExporter(db, sink, args[1])
		e.TileSize = tilesize
		e.Nodata = nodata
		e.Suffix = suffix
		e.Meta = meta
		sum, err := e.Export(ctx)
		if err != nil {
			return err
		}
		return sum.Err()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check outroot [filteredroot]",
	Short: "report dataset counts after cover/class filtering, optionally re-export the kept patches",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var stcl *storage.Client
		gs := strings.HasPrefix(args[0], "gs://") ||
			(len(args) == 2 && strings.HasPrefix(args[1], "gs://"))
		if gs {
			var err error
			if stcl, err = storage.NewClient(ctx); err != nil {
				return fmt.Errorf("storage.newclient: %w", err)
			}
		}
		src, err := s2pg.NewSink(args[0], stcl)
		if err != nil {
			return err
		}
		rows, err := s2pg.ReadDataset(ctx, src, "dataset.csv")
		if err != nil {
			return err
		}
		filter := s2pg.DatasetFilter{
			MaxCloud: maxCloud,
			MaxSnow:  maxSnow,
			MinPct:   minPct,
			MinYear:  minYear,
			MaxYear:  maxYear,
		}
		rep, kept := s2pg.CheckDataset(rows, filter)
		rep.Log(ctx)
		if len(args) < 2 {
			return nil
		}
		dst, err := s2pg.NewSink(args[1], stcl)
		if err != nil {
			return err
		}
		sum, err := s2pg.CopyFiltered(ctx, src, dst, kept, "dataset.csv")
		if err != nil {
			return err
		}
		return sum.Err()
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
