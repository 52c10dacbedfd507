package s2pg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.airbusds-geo.com/log"
)

// Importer loads converted rasters into postgis through the external
// raster2pgsql and psql binaries, guarded by the ledger so every source
// file is imported at most once.
type Importer struct {
	Ledger       *Ledger
	TileSize     int
	SRID         int
	Raster2pgsql string
	Psql         string
}

func NewImporter(ledger *Ledger) *Importer {
	return &Importer{
		Ledger:       ledger,
		TileSize:     120,
		SRID:         32631,
		Raster2pgsql: "raster2pgsql",
		Psql:         "psql",
	}
}

// TableName derives the import table name from a raster file path.
func TableName(path string) string {
	base := filepath.Base(path)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// ImportSummary extends the batch counts with the new/existing split the
// run reports at the end.
type ImportSummary struct {
	New      int
	Existing int
	Failed   int
}

func (s ImportSummary) String() string {
	return fmt.Sprintf("%d new, %d existing, %d failed", s.New, s.Existing, s.Failed)
}

// Err is the aggregate exit status of the import batch.
func (s ImportSummary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d imports failed", s.Failed)
}

// ImportDir imports every *.tif under dir that is not in the ledger yet.
// A failed import is logged with its filename and does not stop the batch;
// the ledger is only updated on confirmed success.
func (im *Importer) ImportDir(ctx context.Context, dir string) (*ImportSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	sum := &ImportSummary{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".tif") {
			continue
		}
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		default:
		}
		file := filepath.Join(dir, e.Name())
		table := TableName(file)
		if im.Ledger.Has(table) {
			log.Logger(ctx).Sugar().Infof("%s already imported", table)
			sum.Existing++
			continue
		}
		if err := im.importOne(ctx, file, table); err != nil {
			log.Logger(ctx).Sugar().Errorf("import %s: %v", file, err)
			sum.Failed++
			continue
		}
		if err := im.Ledger.Add(table); err != nil {
			return sum, err
		}
		log.Logger(ctx).Sugar().Infof("imported %s", table)
		sum.New++
	}
	log.Logger(ctx).Sugar().Infof("ingest: %s", sum)
	return sum, nil
}

// importArgs builds the raster2pgsql invocation: fixed tile size, -C for
// standard constraints and -I for the spatial index.
func (im *Importer) importArgs(file, table string) []string {
	return []string{
		"-s", fmt.Sprintf("%d", im.SRID),
		"-t", fmt.Sprintf("%dx%d", im.TileSize, im.TileSize),
		"-C", "-I",
		file, table,
	}
}

// importOne runs raster2pgsql piped into psql. Both inherit the PG*
// connection environment.
func (im *Importer) importOne(ctx context.Context, file, table string) error {
	args := im.importArgs(file, table)
	rcmd := exec.CommandContext(ctx, im.Raster2pgsql, args...)
	pcmd := exec.CommandContext(ctx, im.Psql, "--quiet", "-v", "ON_ERROR_STOP=1")
	log.Logger(ctx).Sugar().Debugf("%s | %s",
		shellescape.QuoteCommand(append([]string{im.Raster2pgsql}, args...)),
		shellescape.QuoteCommand(pcmd.Args))

	pipe, err := rcmd.StdoutPipe()
	if err != nil {
		return err
	}
	pcmd.Stdin = pipe
	var rerr, perr bytes.Buffer
	rcmd.Stderr = &rerr
	pcmd.Stderr = &perr

	if err := rcmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", im.Raster2pgsql, err)
	}
	if err := pcmd.Start(); err != nil {
		rcmd.Process.Kill()
		rcmd.Wait()
		return fmt.Errorf("start %s: %w", im.Psql, err)
	}
	rwait := rcmd.Wait()
	pwait := pcmd.Wait()
	if rwait != nil {
		return fmt.Errorf("%s: %w: %s", im.Raster2pgsql, rwait, strings.TrimSpace(rerr.String()))
	}
	if pwait != nil {
		return fmt.Errorf("%s: %w: %s", im.Psql, pwait, strings.TrimSpace(perr.String()))
	}
	return nil
}

// ImportedTables lists the raster tables already present in the database,
// used to seed a fresh ledger with --from-db.
func ImportedTables(ctx context.Context, db *pgxpool.Pool) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT r_table_name FROM raster_columns`)
	if err != nil {
		return nil, fmt.Errorf("query raster_columns: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
