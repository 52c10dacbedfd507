package s2pg

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCIName(t *testing.T) {
	name, err := TCIName("S2A_MSIL2A_20180925T104021_N0208_R008_T31TGN_20180925T144352.SAFE")
	require.NoError(t, err)
	assert.Equal(t, "T31TGN_20180925T104021_TCI_10m.jp2", name)

	_, err = TCIName("garbage")
	assert.Error(t, err)
}

func TestSearchQuery(t *testing.T) {
	q := SearchQuery(map[string]string{
		"platformname": "Sentinel-2",
		"producttype":  "S2MSI2A",
	})
	assert.Equal(t, "(platformname:Sentinel-2 AND producttype:S2MSI2A)", q)
}

func TestPolygonWKT(t *testing.T) {
	wkt := PolygonWKT([4]string{"1", "2", "3", "4"})
	assert.Equal(t, "POLYGON((1 2,3 2,3 4,1 4,1 2))", wkt)
}

func TestLeastCloudy(t *testing.T) {
	metas := []ProductMeta{
		{UUID: "a", Footprint: "P1", CloudCover: 30},
		{UUID: "b", Footprint: "P1", CloudCover: 5},
		{UUID: "c", Footprint: "P2", CloudCover: 50},
	}
	out := LeastCloudy(metas)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].UUID)
	assert.Equal(t, "c", out[1].UUID)
}

const feedTemplate = `<feed xmlns="http://www.w3.org/2005/Atom" xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/">
<opensearch:totalResults>%d</opensearch:totalResults>
<opensearch:startIndex>%d</opensearch:startIndex>
%s
</feed>`

func productEntry(uuid, tile string) string {
	return fmt.Sprintf(`<entry>
<title>product %[1]s</title>
<str name="uuid">%[1]s</str>
<str name="filename">S2A_MSIL2A_20180925T104021_N0208_R008_%[2]s_20180925T144352.SAFE</str>
<str name="footprint">POLYGON((0 0,1 0,1 1,0 1,0 0))</str>
<double name="cloudcoverpercentage">12.5</double>
<double name="snowicepercentage">0.5</double>
<date name="beginposition">2018-09-25T10:40:21.024Z</date>
</entry>`, uuid, tile)
}

func TestSearchTermsPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		start := r.URL.Query().Get("start")
		switch start {
		case "0":
			fmt.Fprintf(w, feedTemplate, 2, 0, productEntry("uuid-1", "T31TGN"))
		case "1":
			fmt.Fprintf(w, feedTemplate, 2, 1, productEntry("uuid-2", "T32UQV"))
		default:
			t.Errorf("unexpected start %q", start)
		}
	}))
	defer srv.Close()

	cat := &Catalog{BaseURL: srv.URL, Creds: Credentials{User: "u", Password: "p"}, Client: srv.Client()}
	metas, err := cat.SearchTerms(context.Background(), map[string]string{"producttype": "S2MSI2A"})
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "uuid-1", metas[0].UUID)
	assert.Equal(t, "T31TGN_20180925T104021_TCI_10m.jp2", metas[0].TCIName)
	assert.Equal(t, 12.5, metas[0].CloudCover)
	assert.Equal(t, 2018, metas[0].Begin.Year())
	assert.Equal(t, "uuid-2", metas[1].UUID)
}

func TestTCIPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/odata/v1/Products('uuid-1')"))
		fmt.Fprintf(w, feedTemplate, 1, 0, "<entry><title>L2A_T31TGN_A017000_20180925T104021</title></entry>")
	}))
	defer srv.Close()

	cat := &Catalog{BaseURL: srv.URL, Creds: Credentials{}, Client: srv.Client()}
	m := ProductMeta{
		UUID:     "uuid-1",
		Filename: "S2A_MSIL2A_20180925T104021_N0208_R008_T31TGN_20180925T144352.SAFE",
		TCIName:  "T31TGN_20180925T104021_TCI_10m.jp2",
	}
	path, err := cat.TCIPath(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t,
		"/Products('uuid-1')/Nodes('S2A_MSIL2A_20180925T104021_N0208_R008_T31TGN_20180925T144352.SAFE')"+
			"/Nodes('GRANULE')/Nodes('L2A_T31TGN_A017000_20180925T104021')"+
			"/Nodes('IMG_DATA')/Nodes('R10m')/Nodes('T31TGN_20180925T104021_TCI_10m.jp2')/$value",
		path)
}

func TestGenerateLinksAndLoadMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search" {
			fmt.Fprintf(w, feedTemplate, 1, 0, productEntry("uuid-1", "T31TGN"))
			return
		}
		// granule listing
		fmt.Fprintf(w, feedTemplate, 1, 0, "<entry><title>L2A_T31TGN_A017000_20180925T104021</title></entry>")
	}))
	defer srv.Close()

	dir := t.TempDir()
	metaPath := filepath.Join(dir, "metadata.json")
	linksPath := filepath.Join(dir, "links.txt")

	cat := &Catalog{BaseURL: srv.URL, Creds: Credentials{}, Client: srv.Client()}
	err := cat.GenerateLinks(context.Background(), map[string]string{"producttype": "S2MSI2A"}, metaPath, linksPath)
	require.NoError(t, err)

	links, err := os.ReadFile(linksPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(links)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "T31TGN_20180925T104021_TCI_10m.jp2")

	meta, err := LoadMetadata(metaPath)
	require.NoError(t, err)
	m, ok := meta["t31tgn_20180925t104021_tci_10m"]
	require.True(t, ok, "metadata keyed by lowercased table name")
	assert.Equal(t, "uuid-1", m.UUID)
	assert.Equal(t, 12.5, m.CloudCover)
}
