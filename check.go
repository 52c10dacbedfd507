package s2pg

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"sort"
	"strconv"

	"go.airbusds-geo.com/log"
)

// DatasetRow is one line of the export metadata csv.
type DatasetRow struct {
	Filename   string
	Table      string
	RID        int
	Extent     string
	Year       int
	Class      string
	Pct        int
	CloudCover float64
	SnowCover  float64
}

func (r DatasetRow) relPath() string {
	return path.Join(strconv.Itoa(r.Year), r.Class, r.Filename)
}

func (r DatasetRow) record() []string {
	return []string{
		r.Filename, r.Table, strconv.Itoa(r.RID), r.Extent, strconv.Itoa(r.Year),
		r.Class, strconv.Itoa(r.Pct),
		strconv.FormatFloat(r.CloudCover, 'f', -1, 64),
		strconv.FormatFloat(r.SnowCover, 'f', -1, 64),
	}
}

// ReadDataset loads the metadata csv of an export root.
func ReadDataset(ctx context.Context, sink Sink, name string) ([]DatasetRow, error) {
	data, err := sink.ReadFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	var rows []DatasetRow
	for i, rec := range records {
		if i == 0 {
			continue
		}
		if len(rec) < len(csvHeader) {
			return nil, fmt.Errorf("%s line %d: %d of %d fields", name, i+1, len(rec), len(csvHeader))
		}
		r := DatasetRow{Filename: rec[0], Table: rec[1], Extent: rec[3], Class: rec[5]}
		if r.RID, err = strconv.Atoi(rec[2]); err != nil {
			return nil, fmt.Errorf("%s line %d: rid: %w", name, i+1, err)
		}
		if r.Year, err = strconv.Atoi(rec[4]); err != nil {
			return nil, fmt.Errorf("%s line %d: year: %w", name, i+1, err)
		}
		if r.Pct, err = strconv.Atoi(rec[6]); err != nil {
			return nil, fmt.Errorf("%s line %d: class_pct: %w", name, i+1, err)
		}
		if r.CloudCover, err = strconv.ParseFloat(rec[7], 64); err != nil {
			return nil, fmt.Errorf("%s line %d: cloudcover: %w", name, i+1, err)
		}
		if r.SnowCover, err = strconv.ParseFloat(rec[8], 64); err != nil {
			return nil, fmt.Errorf("%s line %d: snowcover: %w", name, i+1, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// DatasetFilter selects the patches worth keeping for a training set: low
// cloud and snow cover, a dominant class covering most of the tile, optional
// acquisition year bounds. Unclassified patches are always dropped.
type DatasetFilter struct {
	MaxCloud float64 // percent
	MaxSnow  float64 // percent
	MinPct   int
	MinYear  int // 0 means unbounded
	MaxYear  int
}

func (f DatasetFilter) Keep(r DatasetRow) bool {
	if r.Class == UnclassifiedCode {
		return false
	}
	if r.CloudCover > f.MaxCloud || r.SnowCover > f.MaxSnow {
		return false
	}
	if r.Pct < f.MinPct {
		return false
	}
	if f.MinYear != 0 && r.Year < f.MinYear {
		return false
	}
	if f.MaxYear != 0 && r.Year > f.MaxYear {
		return false
	}
	return true
}

// CheckReport holds the per-year and per-class patch counts of a filter run.
type CheckReport struct {
	Total   int
	Kept    int
	Years   map[int]int
	Classes map[string]int
}

// CheckDataset applies the filter and returns the report plus the kept rows.
func CheckDataset(rows []DatasetRow, f DatasetFilter) (*CheckReport, []DatasetRow) {
	rep := &CheckReport{Years: map[int]int{}, Classes: map[string]int{}}
	var kept []DatasetRow
	for _, r := range rows {
		rep.Total++
		if !f.Keep(r) {
			continue
		}
		rep.Kept++
		rep.Years[r.Year]++
		rep.Classes[r.Class]++
		kept = append(kept, r)
	}
	return rep, kept
}

func (r *CheckReport) String() string {
	return fmt.Sprintf("%d of %d patches kept", r.Kept, r.Total)
}

// Log writes the summary plus sorted per-year and per-class counts.
func (r *CheckReport) Log(ctx context.Context) {
	lg := log.Logger(ctx).Sugar()
	lg.Infof("check: %s", r)
	years := make([]int, 0, len(r.Years))
	for y := range r.Years {
		years = append(years, y)
	}
	sort.Ints(years)
	for _, y := range years {
		lg.Infof("year %d: %d patches", y, r.Years[y])
	}
	classes := make([]string, 0, len(r.Classes))
	for c := range r.Classes {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		lg.Infof("class %s: %d patches", c, r.Classes[c])
	}
}

// CopyFiltered re-exports the kept patches under a new root with their own
// metadata csv. Already-copied patches are skipped via the destination csv,
// so an interrupted copy resumes where it stopped.
func CopyFiltered(ctx context.Context, src, dst Sink, rows []DatasetRow, csvName string) (*Summary, error) {
	rec, err := openDatasetCSV(ctx, dst, csvName)
	if err != nil {
		return nil, err
	}
	sum := &Summary{}
	for _, r := range rows {
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		default:
		}
		if rec.has(r.Table, r.RID) {
			sum.skip()
			continue
		}
		data, err := src.ReadFile(ctx, r.relPath())
		if err != nil {
			log.Logger(ctx).Sugar().Errorf("read %s: %v", r.relPath(), err)
			sum.fail(fmt.Errorf("read %s: %w", r.relPath(), err))
			continue
		}
		w, err := dst.Create(ctx, r.relPath())
		if err != nil {
			return sum, err
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return sum, fmt.Errorf("write %s: %w", r.relPath(), err)
		}
		if err := w.Close(); err != nil {
			return sum, fmt.Errorf("close %s: %w", r.relPath(), err)
		}
		if err := rec.add(ctx, r.record(), r.Table, r.RID); err != nil {
			return sum, fmt.Errorf("record %s: %w", r.Filename, err)
		}
		sum.ok()
	}
	log.Logger(ctx).Sugar().Infof("copy: %s", sum)
	return sum, nil
}
