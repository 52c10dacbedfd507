package s2pg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tbonfort/gobs"
	"go.airbusds-geo.com/log"
)

var jp2Token = regexp.MustCompile(`[A-Za-z0-9_]+\.jp2`)

// ErrMalformedReference marks a link list entry from which no jp2 filename
// can be recovered. The entry is skipped, the batch continues.
var ErrMalformedReference = fmt.Errorf("no jp2 filename in reference")

// ResourceFilename extracts the local filename for a resource reference.
func ResourceFilename(ref string) (string, error) {
	name := jp2Token.FindString(ref)
	if name == "" {
		return "", fmt.Errorf("%q: %w", ref, ErrMalformedReference)
	}
	return name, nil
}

// Fetcher downloads the resources of a link list into a destination
// directory. A file that already exists is never fetched again: the filename
// is the idempotence key.
type Fetcher struct {
	BaseURL string
	Creds   Credentials
	Client  *http.Client
	Workers int
}

func NewFetcher(creds Credentials) *Fetcher {
	return &Fetcher{
		BaseURL: DefaultHubURL + "/odata/v1",
		Creds:   creds,
		Client:  &http.Client{Timeout: 30 * time.Minute},
		Workers: 4,
	}
}

// FetchList processes every line of the link file. Per-file errors are
// logged and counted, they never abort the remaining downloads.
func (f *Fetcher) FetchList(ctx context.Context, listPath, destDir string) (*Summary, error) {
	file, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", listPath, err)
	}
	defer file.Close()
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", destDir, err)
	}

	sum := &Summary{}
	p := gobs.NewPool(f.Workers)
	batch := p.Batch()
	sc := bufio.NewScanner(file)
	cancelled := false
	for sc.Scan() && !cancelled {
		ref := strings.TrimSpace(sc.Text())
		if ref == "" {
			continue
		}
		select {
		case <-ctx.Done():
			// stop submitting, but drain the in-flight workers below so
			// the returned counts are final
			cancelled = true
			continue
		default:
		}
		batch.Submit(func() error {
			name, err := ResourceFilename(ref)
			if err != nil {
				log.Logger(ctx).Sugar().Errorf("%v", err)
				sum.fail(err)
				return nil
			}
			dest := filepath.Join(destDir, name)
			if _, err := os.Stat(dest); err == nil {
				log.Logger(ctx).Sugar().Infof("%s already downloaded", name)
				sum.skip()
				return nil
			}
			if err := f.fetchOne(ctx, ref, dest); err != nil {
				log.Logger(ctx).Sugar().Errorf("fetch %s: %v", name, err)
				sum.fail(fmt.Errorf("fetch %s: %w", name, err))
				return nil
			}
			sum.ok()
			return nil
		})
	}
	if err := batch.Wait(); err != nil {
		return sum, err
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read %s: %w", listPath, err)
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	log.Logger(ctx).Sugar().Infof("fetch: %s", sum)
	return sum, nil
}

// fetchOne downloads a single resource, writing to a temporary sibling and
// renaming on success so a killed run never leaves a truncated target.
func (f *Fetcher) fetchOne(ctx context.Context, ref, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+ref, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(f.Creds.User, f.Creds.Password)
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}

	tmp := dest + "." + uuid.New().String() + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if cl := resp.ContentLength; cl > 0 && n != cl {
		os.Remove(tmp)
		return fmt.Errorf("short download: %d of %d bytes", n, cl)
	}
	log.Logger(ctx).Sugar().Debugf("%s: %d bytes", filepath.Base(dest), n)
	return os.Rename(tmp, dest)
}
