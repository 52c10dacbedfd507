package s2pg

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportName(t *testing.T) {
	name := ExportName("t31tgn_20180925t104021_tci_10m", 7, 83)
	assert.Equal(t, "t31tgn_20180925t104021_tci_10m_T7_p83.png", name)
}

func TestPct(t *testing.T) {
	assert.Equal(t, 83, Pct(0.83))
	assert.Equal(t, 83, Pct(0.829))
	assert.Equal(t, 100, Pct(1.0))
	assert.Equal(t, 0, Pct(0))
}

func TestTableYear(t *testing.T) {
	year, err := TableYear("t31tgn_20180925t104021_tci_10m", nil)
	require.NoError(t, err)
	assert.Equal(t, 2018, year)

	year, err = TableYear("t32uqv_20190401t103021_tci_10m", nil)
	require.NoError(t, err)
	assert.Equal(t, 2019, year)

	// fallback to the metadata record
	meta := map[string]ProductMeta{
		"oddname": {Begin: time.Date(2019, 4, 1, 10, 30, 21, 0, time.UTC)},
	}
	year, err = TableYear("oddname", meta)
	require.NoError(t, err)
	assert.Equal(t, 2019, year)

	_, err = TableYear("oddname_without_meta", nil)
	assert.Error(t, err)
}

func TestEligible(t *testing.T) {
	testfunc := func(w, h int, want bool) {
		t.Helper()
		assert.Equal(t, want, Eligible(w, h, 120))
	}
	cases := []struct {
		w, h int
		want bool
	}{
		{120, 120, true},
		{120, 80, false},
		{80, 120, false},
		{80, 80, false},
		{500, 500, false},
	}
	for _, c := range cases {
		testfunc(c.w, c.h, c.want)
	}
}

func TestBlank(t *testing.T) {
	v := func(f float64) *float64 { return &f }
	assert.True(t, Blank(nil, 0), "empty stats count as blank")
	assert.True(t, Blank(v(0), 0))
	assert.False(t, Blank(v(1), 0))
	assert.True(t, Blank(v(255), 255), "custom sentinel")
}

func TestQuoteIdent(t *testing.T) {
	ok := []string{"t31tgn_20180925t104021_tci_10m", "corinagermanydata", "code_18", "_x"}
	for _, n := range ok {
		got, err := quoteIdent(n)
		require.NoError(t, err, n)
		assert.Equal(t, n, got)
	}
	bad := []string{"", "1table", "Table", "corine; drop table x", "a-b", `a"b`}
	for _, n := range bad {
		_, err := quoteIdent(n)
		assert.Error(t, err, n)
	}
}

func TestDatasetCSVResume(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	sink, err := NewSink(root, nil)
	require.NoError(t, err)

	rec, err := openDatasetCSV(ctx, sink, "dataset.csv")
	require.NoError(t, err)
	assert.False(t, rec.has("t31tgn_20180925t104021_tci_10m", 7))

	row := []string{
		"t31tgn_20180925t104021_tci_10m_T7_p83.png",
		"t31tgn_20180925t104021_tci_10m", "7",
		"POLYGON((0 0,1 0,1 1,0 1,0 0))", "2018", "312", "83", "12.5", "0.5",
	}
	require.NoError(t, rec.add(ctx, row, "t31tgn_20180925t104021_tci_10m", 7))
	assert.True(t, rec.has("t31tgn_20180925t104021_tci_10m", 7))

	// the row is durable immediately, an interrupted run loses nothing
	data, err := sink.ReadFile(ctx, "dataset.csv")
	require.NoError(t, err)
	assert.Contains(t, string(data), "_T7_p83")

	// reopening picks up the finished tile and appends after it
	rec, err = openDatasetCSV(ctx, sink, "dataset.csv")
	require.NoError(t, err)
	assert.True(t, rec.has("t31tgn_20180925t104021_tci_10m", 7))
	assert.False(t, rec.has("t31tgn_20180925t104021_tci_10m", 8))
	row2 := append([]string(nil), row...)
	row2[0] = "t31tgn_20180925t104021_tci_10m_T8_p60.png"
	row2[2] = "8"
	require.NoError(t, rec.add(ctx, row2, "t31tgn_20180925t104021_tci_10m", 8))

	data, err = os.ReadFile(filepath.Join(root, "dataset.csv"))
	require.NoError(t, err)
	lines := nonEmptyLines(string(data))
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "filename")
	assert.Contains(t, lines[1], "_T7_p83")
	assert.Contains(t, lines[2], "_T8_p60")
}

// closeCountingSink wraps a Sink and counts how often an appended writer is
// closed. Object-store sinks only materialize data on close, so every csv
// row must see its own append+close.
type closeCountingSink struct {
	Sink
	closes int
}

func (s *closeCountingSink) Append(ctx context.Context, name string) (io.WriteCloser, error) {
	wc, err := s.Sink.Append(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingCloser{WriteCloser: wc, n: &s.closes}, nil
}

type countingCloser struct {
	io.WriteCloser
	n *int
}

func (c *countingCloser) Close() error {
	*c.n++
	return c.WriteCloser.Close()
}

func TestDatasetCSVRowDurability(t *testing.T) {
	ctx := context.Background()
	inner, err := NewSink(t.TempDir(), nil)
	require.NoError(t, err)
	sink := &closeCountingSink{Sink: inner}

	rec, err := openDatasetCSV(ctx, sink, "dataset.csv")
	require.NoError(t, err)
	assert.Equal(t, 1, sink.closes, "header write is closed out")

	row := []string{"a_T1_p50.png", "a", "1", "EXT", "2018", "211", "50", "0", "0"}
	require.NoError(t, rec.add(ctx, row, "a", 1))
	assert.Equal(t, 2, sink.closes)
	require.NoError(t, rec.add(ctx, row, "a", 2))
	assert.Equal(t, 3, sink.closes, "each row is closed out before the next tile")
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
