package s2pg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	adst "go.airbusds-geo.com/gcp/storage"
	"google.golang.org/api/iterator"
)

// Sink abstracts the export output root so datasets can be written to a
// local directory or straight to a gs:// bucket.
type Sink interface {
	// Create truncates and opens name for writing, creating parents.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// Append opens name for appending, creating it if absent.
	Append(ctx context.Context, name string) (io.WriteCloser, error)
	// ReadFile returns the full content of name, or os.ErrNotExist.
	ReadFile(ctx context.Context, name string) ([]byte, error)
}

// NewSink selects a sink from the output root. gs:// roots need a storage
// client, local roots do not.
func NewSink(root string, stcl *storage.Client) (Sink, error) {
	if strings.HasPrefix(root, "gs://") {
		if stcl == nil {
			return nil, fmt.Errorf("gs:// output root without storage client")
		}
		bucket, prefix, err := adst.Parse(root)
		if err != nil {
			return nil, fmt.Errorf("invalid output root %s: %w", root, err)
		}
		return &gcsSink{cl: stcl, bucket: bucket, prefix: prefix}, nil
	}
	return &dirSink{root: root}, nil
}

type dirSink struct {
	root string
}

func (s *dirSink) open(name string, flags int) (io.WriteCloser, error) {
	p := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(p), err)
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return f, nil
}

func (s *dirSink) Create(_ context.Context, name string) (io.WriteCloser, error) {
	return s.open(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (s *dirSink) Append(_ context.Context, name string) (io.WriteCloser, error) {
	return s.open(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func (s *dirSink) ReadFile(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, filepath.FromSlash(name)))
}

type gcsSink struct {
	cl     *storage.Client
	bucket string
	prefix string
}

func (s *gcsSink) object(name string) *storage.ObjectHandle {
	return s.cl.Bucket(s.bucket).Object(path.Join(s.prefix, name))
}

func (s *gcsSink) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	return s.object(name).NewWriter(ctx), nil
}

// Append on gcs rewrites the object with the previous content first: object
// stores cannot append in place. The old generation stays readable until
// the writer is closed.
func (s *gcsSink) Append(ctx context.Context, name string) (io.WriteCloser, error) {
	prev, err := s.ReadFile(ctx, name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	w := s.object(name).NewWriter(ctx)
	if len(prev) > 0 {
		if _, err := w.Write(prev); err != nil {
			w.Close()
			return nil, fmt.Errorf("rewrite gs://%s/%s: %w", s.bucket, name, err)
		}
	}
	return w, nil
}

func (s *gcsSink) ReadFile(ctx context.Context, name string) ([]byte, error) {
	r, err := s.object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// RegisterGSHandler wires the osio block cache into godal so gdal datasets
// can be opened directly from gs:// paths.
func RegisterGSHandler(ctx context.Context, stcl *storage.Client) error {
	h, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
	if err != nil {
		return fmt.Errorf("gcs.handle: %w", err)
	}
	a, err := osio.NewAdapter(h, osio.BlockSize("512k"), osio.NumCachedBlocks(100))
	if err != nil {
		return fmt.Errorf("osio.new: %w", err)
	}
	if err := godal.RegisterVSIHandler("gs://", a); err != nil {
		return fmt.Errorf("register osio: %w", err)
	}
	return nil
}

// ListGS lists the jp2 objects under a gs:// prefix, returned as gs:// paths
// that godal can open through the registered handler.
func ListGS(ctx context.Context, stcl *storage.Client, root string) ([]string, error) {
	bucket, prefix, err := adst.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("invalid source %s: %w", root, err)
	}
	it := stcl.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		if strings.HasSuffix(strings.ToLower(attrs.Name), ".jp2") {
			names = append(names, fmt.Sprintf("gs://%s/%s", bucket, attrs.Name))
		}
	}
	return names, nil
}
