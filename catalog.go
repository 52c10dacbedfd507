package s2pg

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.airbusds-geo.com/log"
)

// DefaultHubURL is the Copernicus open access hub.
const DefaultHubURL = "https://scihub.copernicus.eu/dhus"

// BoundsGermany is the default search bounding box, lon/lat pairs of two
// opposite corners.
var BoundsGermany = [4]string{"5.86442", "47.26543", "15.05078", "55.14777"}

// ProductMeta is one catalog entry. The JSON form is persisted to the
// metadata file consumed by the exporter.
type ProductMeta struct {
	UUID       string    `json:"uuid"`
	Filename   string    `json:"filename"`
	TCIName    string    `json:"tciname"`
	Footprint  string    `json:"footprint"`
	Begin      time.Time `json:"beginposition"`
	CloudCover float64   `json:"cloudcoverpercentage"`
	SnowCover  float64   `json:"snowicepercentage"`
}

// PolygonWKT builds the WKT polygon for a lon1,lat1,lon2,lat2 bounding box.
func PolygonWKT(box [4]string) string {
	lon1, lat1, lon2, lat2 := box[0], box[1], box[2], box[3]
	pts := [][2]string{
		{lon1, lat1}, {lon2, lat1}, {lon2, lat2}, {lon1, lat2}, {lon1, lat1},
	}
	coords := make([]string, len(pts))
	for i, p := range pts {
		coords[i] = p[0] + " " + p[1]
	}
	return fmt.Sprintf("POLYGON((%s))", strings.Join(coords, ","))
}

// SearchQuery joins terms into the opensearch query syntax. Keys are sorted
// so identical term sets produce identical queries.
func SearchQuery(terms map[string]string) string {
	keys := make([]string, 0, len(terms))
	for k := range terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + terms[k]
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// TCIName derives the 10m true color image name from a product filename,
// e.g. S2A_MSIL2A_20180925T104021_N0208_R008_T31TGN_20180925T144352.SAFE
// -> T31TGN_20180925T104021_TCI_10m.jp2
func TCIName(filename string) (string, error) {
	parts := strings.Split(filename, "_")
	if len(parts) < 6 {
		return "", fmt.Errorf("filename %q has no tile/datetime fields", filename)
	}
	return fmt.Sprintf("%s_%s_TCI_10m.jp2", parts[5], parts[2]), nil
}

type atomField struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type atomEntry struct {
	Title   string      `xml:"title"`
	Strs    []atomField `xml:"str"`
	Ints    []atomField `xml:"int"`
	Doubles []atomField `xml:"double"`
	Dates   []atomField `xml:"date"`
}

type atomFeed struct {
	TotalResults int         `xml:"totalResults"`
	StartIndex   int         `xml:"startIndex"`
	Entries      []atomEntry `xml:"entry"`
}

func (e atomEntry) str(name string) string {
	for _, f := range e.Strs {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func (e atomEntry) double(name string) float64 {
	for _, f := range e.Doubles {
		if f.Name == name {
			v, err := strconv.ParseFloat(f.Value, 64)
			if err == nil {
				return v
			}
		}
	}
	return 0
}

func (e atomEntry) date(name string) time.Time {
	for _, f := range e.Dates {
		if f.Name == name {
			for _, layout := range []string{
				"2006-01-02T15:04:05.999Z07:00",
				"2006-01-02T15:04:05",
			} {
				if t, err := time.Parse(layout, f.Value); err == nil {
					return t
				}
			}
		}
	}
	return time.Time{}
}

func parseEntry(e atomEntry) (ProductMeta, error) {
	m := ProductMeta{
		UUID:       e.str("uuid"),
		Filename:   e.str("filename"),
		Footprint:  e.str("footprint"),
		Begin:      e.date("beginposition"),
		CloudCover: e.double("cloudcoverpercentage"),
		SnowCover:  e.double("snowicepercentage"),
	}
	if m.UUID == "" || m.Filename == "" {
		return m, fmt.Errorf("entry %q missing uuid or filename", e.Title)
	}
	tci, err := TCIName(m.Filename)
	if err != nil {
		return m, err
	}
	m.TCIName = tci
	return m, nil
}

// Catalog talks to the Copernicus hub, both the opensearch endpoint and the
// odata node hierarchy.
type Catalog struct {
	BaseURL string
	Creds   Credentials
	Client  *http.Client
}

func NewCatalog(creds Credentials) *Catalog {
	return &Catalog{
		BaseURL: DefaultHubURL,
		Creds:   creds,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Catalog) get(ctx context.Context, rawurl string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.Creds.User, c.Creds.Password)
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %s", rawurl, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *Catalog) search(ctx context.Context, query string, start, rows int) (*atomFeed, error) {
	u := fmt.Sprintf("%s/search?start=%d&rows=%d&q=%s",
		c.BaseURL, start, rows, url.QueryEscape(query))
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	feed := &atomFeed{}
	if err := xml.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("search: parse feed: %w", err)
	}
	return feed, nil
}

// SearchTerms pages through all opensearch results for the given terms.
func (c *Catalog) SearchTerms(ctx context.Context, terms map[string]string) ([]ProductMeta, error) {
	query := SearchQuery(terms)
	var metas []ProductMeta
	start := 0
	total := -1
	for total < 0 || start < total {
		feed, err := c.search(ctx, query, start, 100)
		if err != nil {
			return nil, err
		}
		total = feed.TotalResults
		if len(feed.Entries) == 0 {
			break
		}
		start += len(feed.Entries)
		for _, e := range feed.Entries {
			m, err := parseEntry(e)
			if err != nil {
				log.Logger(ctx).Sugar().Warnf("skipping catalog entry: %v", err)
				continue
			}
			metas = append(metas, m)
		}
		log.Logger(ctx).Sugar().Debugf("catalog: %d/%d entries", start, total)
	}
	return metas, nil
}

// nodeTitles lists the child node names at an odata path.
func (c *Catalog) nodeTitles(ctx context.Context, path string) ([]string, error) {
	body, err := c.get(ctx, c.BaseURL+"/odata/v1"+path)
	if err != nil {
		return nil, err
	}
	feed := &atomFeed{}
	if err := xml.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("parse node listing %s: %w", path, err)
	}
	titles := make([]string, len(feed.Entries))
	for i, e := range feed.Entries {
		titles[i] = e.Title
	}
	return titles, nil
}

// TCIPath resolves the odata download path of a product's 10m TCI band.
// The granule directory name is not derivable from the product filename and
// has to be discovered with one node listing.
func (c *Catalog) TCIPath(ctx context.Context, m ProductMeta) (string, error) {
	prefix := fmt.Sprintf("/Products('%s')/Nodes('%s')/Nodes('GRANULE')", m.UUID, m.Filename)
	granules, err := c.nodeTitles(ctx, prefix+"/Nodes")
	if err != nil {
		return "", fmt.Errorf("list granules for %s: %w", m.Filename, err)
	}
	if len(granules) != 1 {
		return "", fmt.Errorf("product %s: expected single granule, got %d", m.Filename, len(granules))
	}
	return fmt.Sprintf("%s/Nodes('%s')/Nodes('IMG_DATA')/Nodes('R10m')/Nodes('%s')/$value",
		prefix, granules[0], m.TCIName), nil
}

// LeastCloudy keeps, per footprint, the product with the lowest cloud cover.
func LeastCloudy(metas []ProductMeta) []ProductMeta {
	best := map[string]ProductMeta{}
	var order []string
	for _, m := range metas {
		cur, ok := best[m.Footprint]
		if !ok {
			order = append(order, m.Footprint)
			best[m.Footprint] = m
			continue
		}
		if m.CloudCover < cur.CloudCover {
			best[m.Footprint] = m
		}
	}
	out := make([]ProductMeta, len(order))
	for i, fp := range order {
		out[i] = best[fp]
	}
	return out
}

// GenerateLinks searches the catalog and writes the odata link list plus the
// product metadata file. Both files are written incrementally so a partial
// run remains a usable artifact.
func (c *Catalog) GenerateLinks(ctx context.Context, terms map[string]string, metaPath, linksPath string) error {
	metas, err := c.SearchTerms(ctx, terms)
	if err != nil {
		return fmt.Errorf("catalog search: %w", err)
	}
	metas = LeastCloudy(metas)

	links, err := os.Create(linksPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", linksPath, err)
	}
	defer links.Close()

	seen := map[string]bool{}
	var selected []ProductMeta
	for _, m := range metas {
		if seen[m.UUID] {
			continue
		}
		seen[m.UUID] = true
		path, err := c.TCIPath(ctx, m)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(links, path); err != nil {
			return fmt.Errorf("write %s: %w", linksPath, err)
		}
		selected = append(selected, m)
		log.Logger(ctx).Sugar().Infof("link %s (%.1f%% cloud)", m.TCIName, m.CloudCover)
	}

	mdata, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(metaPath, mdata, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", metaPath, err)
	}
	log.Logger(ctx).Sugar().Infof("%d links written to %s", len(selected), linksPath)
	return links.Close()
}

// LoadMetadata reads a metadata file back, keyed by lowercased tci basename
// which is also the import table name.
func LoadMetadata(path string) (map[string]ProductMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var metas []ProductMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	byName := make(map[string]ProductMeta, len(metas))
	for _, m := range metas {
		name := strings.ToLower(strings.TrimSuffix(m.TCIName, ".jp2"))
		byName[name] = m
	}
	return byName, nil
}
