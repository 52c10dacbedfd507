package s2pg

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.airbusds-geo.com/log"
)

// UnclassifiedCode labels tiles without any classification coverage so they
// are never silently dropped from the dataset.
const UnclassifiedCode = "unclassified"

type dbQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Exporter pulls full-size, non-blank raster tiles out of postgis, labels
// them with their dominant classification polygon class and writes them as
// png files plus a csv metadata record.
type Exporter struct {
	DB          dbQuerier
	Sink        Sink
	TileSize    int
	Nodata      float64
	Suffix      string // raster table naming convention
	CorineTable string
	CodeColumn  string
	Meta        map[string]ProductMeta
	CSVName     string
}

func NewExporter(db dbQuerier, sink Sink, corineTable string) *Exporter {
	return &Exporter{
		DB:          db,
		Sink:        sink,
		TileSize:    120,
		Nodata:      0,
		Suffix:      "_tci_10m",
		CorineTable: corineTable,
		CodeColumn:  "code_18",
		CSVName:     "dataset.csv",
	}
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// quoteIdent vets a table or column name that has to be interpolated into
// SQL text (identifiers cannot be bind parameters).
func quoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return name, nil
}

// ExportName is the deterministic tile filename:
// <table>_T<raster id>_p<dominant class percentage>.png
func ExportName(table string, rid int, pct int) string {
	return fmt.Sprintf("%s_T%d_p%d.png", table, rid, pct)
}

// Pct converts an area ratio to the integer percentage used in names and
// metadata.
func Pct(ratio float64) int {
	return int(math.Round(ratio * 100))
}

// TableYear parses the acquisition year out of a raster table name like
// t31tgn_20180925t104021_tci_10m. The metadata record is the fallback for
// names that do not follow the convention.
func TableYear(table string, meta map[string]ProductMeta) (int, error) {
	parts := strings.Split(table, "_")
	if len(parts) > 1 {
		if t, err := time.Parse("20060102t150405", parts[1]); err == nil {
			return t.Year(), nil
		}
	}
	if m, ok := meta[table]; ok && !m.Begin.IsZero() {
		return m.Begin.Year(), nil
	}
	return 0, fmt.Errorf("no acquisition date for table %s", table)
}

// RasterTables lists the imported tables matching the naming suffix.
func (e *Exporter) RasterTables(ctx context.Context) ([]string, error) {
	rows, err := e.DB.Query(ctx,
		`SELECT r_table_name FROM raster_columns WHERE r_table_name LIKE '%' || $1 ORDER BY r_table_name`,
		e.Suffix)
	if err != nil {
		return nil, fmt.Errorf("query raster_columns: %w", err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

type tileRow struct {
	RID    int
	Width  int
	Height int
	Extent string   // WKT envelope in EPSG:4326
	MaxVal *float64 // max pixel value over all bands, nil when all nodata
}

// Eligible reports whether a tile has the exact export dimensions. Partial
// edge tiles are excluded from the dataset.
func Eligible(width, height, size int) bool {
	return width == size && height == size
}

// tiles returns the export-eligible tiles of a table: exactly TileSize on
// both axes, partial edge tiles excluded in SQL (and re-checked in
// exportTable).
func (e *Exporter) tiles(ctx context.Context, table string) ([]tileRow, error) {
	ident, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT rid, ST_Width(rast), ST_Height(rast),
	ST_AsText(ST_Transform(ST_Envelope(rast), 4326)),
	(SELECT max((ST_SummaryStats(rast, b, true)).max)
	   FROM generate_series(1, ST_NumBands(rast)) b)
FROM %s
WHERE ST_Width(rast) = $1 AND ST_Height(rast) = $1
ORDER BY rid`, ident)
	rows, err := e.DB.Query(ctx, q, e.TileSize)
	if err != nil {
		return nil, fmt.Errorf("query tiles of %s: %w", table, err)
	}
	defer rows.Close()
	var out []tileRow
	for rows.Next() {
		var t tileRow
		if err := rows.Scan(&t.RID, &t.Width, &t.Height, &t.Extent, &t.MaxVal); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Blank reports whether a tile holds no data: every band's maximum equals
// the nodata sentinel (or the stats are empty outright).
func Blank(maxVal *float64, nodata float64) bool {
	return maxVal == nil || *maxVal <= nodata
}

// classify intersects a tile envelope against the classification polygons
// and returns the area-dominant class code with its area ratio. No
// intersection at all yields the unclassified sentinel.
func (e *Exporter) classify(ctx context.Context, extentWKT string) (string, float64, error) {
	corine, err := quoteIdent(e.CorineTable)
	if err != nil {
		return "", 0, err
	}
	col, err := quoteIdent(e.CodeColumn)
	if err != nil {
		return "", 0, err
	}
	q := fmt.Sprintf(`WITH env AS (
	SELECT ST_Transform(ST_SetSRID(ST_GeomFromText($1), 4326),
		(SELECT ST_SRID(geom) FROM %[1]s LIMIT 1)) AS g
)
SELECT c.%[2]s::text,
	SUM(ST_Area(ST_Intersection(c.geom, env.g))) / ST_Area(env.g)
FROM %[1]s c, env
WHERE ST_Intersects(c.geom, env.g)
GROUP BY c.%[2]s, env.g
ORDER BY 2 DESC
LIMIT 1`, corine, col)
	var code string
	var ratio float64
	err = e.DB.QueryRow(ctx, q, extentWKT).Scan(&code, &ratio)
	if errors.Is(err, pgx.ErrNoRows) {
		return UnclassifiedCode, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("classify: %w", err)
	}
	return code, ratio, nil
}

func (e *Exporter) tilePNG(ctx context.Context, table string, rid int) ([]byte, error) {
	ident, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	var png []byte
	q := fmt.Sprintf(`SELECT ST_AsPNG(rast) FROM %s WHERE rid = $1`, ident)
	if err := e.DB.QueryRow(ctx, q, rid).Scan(&png); err != nil {
		return nil, fmt.Errorf("png %s rid %d: %w", table, rid, err)
	}
	return png, nil
}

var csvHeader = []string{
	"filename", "table", "rid", "extent", "year",
	"class", "class_pct", "cloudcover", "snowcover",
}

// datasetCSV is the append-only metadata record of the export. Every row is
// written through one append-and-close of the sink so it is durable before
// the next tile starts; on a gs:// sink the object is rematerialized per row.
type datasetCSV struct {
	sink Sink
	name string
	done map[string]bool // "<table>|<rid>" of rows already present
}

func doneKey(table string, rid int) string {
	return table + "|" + strconv.Itoa(rid)
}

func openDatasetCSV(ctx context.Context, sink Sink, name string) (*datasetCSV, error) {
	d := &datasetCSV{sink: sink, name: name, done: map[string]bool{}}
	prev, err := sink.ReadFile(ctx, name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(prev) > 0 {
		records, err := csv.NewReader(bytes.NewReader(prev)).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for i, rec := range records {
			if i == 0 || len(rec) < 3 {
				continue
			}
			rid, err := strconv.Atoi(rec[2])
			if err != nil {
				continue
			}
			d.done[doneKey(rec[1], rid)] = true
		}
		return d, nil
	}
	return d, d.appendRow(ctx, csvHeader)
}

func (d *datasetCSV) appendRow(ctx context.Context, rec []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(rec); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	wc, err := d.sink.Append(ctx, d.name)
	if err != nil {
		return err
	}
	if _, err := wc.Write(buf.Bytes()); err != nil {
		wc.Close()
		return fmt.Errorf("append %s: %w", d.name, err)
	}
	return wc.Close()
}

func (d *datasetCSV) has(table string, rid int) bool {
	return d.done[doneKey(table, rid)]
}

func (d *datasetCSV) add(ctx context.Context, rec []string, table string, rid int) error {
	if err := d.appendRow(ctx, rec); err != nil {
		return err
	}
	d.done[doneKey(table, rid)] = true
	return nil
}

// Export runs the full export over every matching raster table.
func (e *Exporter) Export(ctx context.Context) (*Summary, error) {
	tables, err := e.RasterTables(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := openDatasetCSV(ctx, e.Sink, e.CSVName)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	for _, table := range tables {
		if err := e.exportTable(ctx, table, rec, sum); err != nil {
			return sum, err
		}
	}
	log.Logger(ctx).Sugar().Infof("export: %s", sum)
	return sum, nil
}

func (e *Exporter) exportTable(ctx context.Context, table string, rec *datasetCSV, sum *Summary) error {
	lg := log.Logger(ctx).Sugar()
	year, err := TableYear(table, e.Meta)
	if err != nil {
		lg.Errorf("%v", err)
		sum.fail(err)
		return nil
	}
	tiles, err := e.tiles(ctx, table)
	if err != nil {
		return err
	}
	lg.Infof("%s: %d full-size tiles", table, len(tiles))
	meta := e.Meta[table]

	for _, t := range tiles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !Eligible(t.Width, t.Height, e.TileSize) {
			sum.skip()
			continue
		}
		if rec.has(table, t.RID) {
			sum.skip()
			continue
		}
		if Blank(t.MaxVal, e.Nodata) {
			lg.Debugf("%s rid %d: blank, skipping", table, t.RID)
			sum.skip()
			continue
		}
		code, ratio, err := e.classify(ctx, t.Extent)
		if err != nil {
			return err
		}
		if code == UnclassifiedCode {
			lg.Warnf("%s rid %d: no classification coverage", table, t.RID)
		}
		pct := Pct(ratio)
		name := ExportName(table, t.RID, pct)
		png, err := e.tilePNG(ctx, table, t.RID)
		if err != nil {
			lg.Errorf("%v", err)
			sum.fail(err)
			continue
		}
		rel := path.Join(strconv.Itoa(year), code, name)
		w, err := e.Sink.Create(ctx, rel)
		if err != nil {
			return err
		}
		if _, err := w.Write(png); err != nil {
			w.Close()
			return fmt.Errorf("write %s: %w", rel, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close %s: %w", rel, err)
		}
		row := []string{
			name, table, strconv.Itoa(t.RID), t.Extent, strconv.Itoa(year),
			code, strconv.Itoa(pct),
			strconv.FormatFloat(meta.CloudCover, 'f', -1, 64),
			strconv.FormatFloat(meta.SnowCover, 'f', -1, 64),
		}
		if err := rec.add(ctx, row, table, t.RID); err != nil {
			return fmt.Errorf("record %s: %w", name, err)
		}
		sum.ok()
	}
	return nil
}
