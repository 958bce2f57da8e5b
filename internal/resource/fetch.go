// Package resource loads small configuration artifacts (UDF sources, schema
// descriptors) from local paths, http(s) URLs, or s3:// objects.
package resource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/sluice/internal/objstore"
)

const maxHTTPBody = 16 << 20

// Fetcher resolves a location string to its bytes.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Loader is the default Fetcher. The S3 client is built lazily on first use.
type Loader struct {
	HTTP *http.Client
	S3   objstore.Config

	once  sync.Once
	s3c   *objstore.Client
	s3err error
}

func NewLoader(s3 objstore.Config) *Loader {
	return &Loader{
		HTTP: &http.Client{Timeout: 30 * time.Second},
		S3:   s3,
	}
}

func (l *Loader) Fetch(ctx context.Context, location string) ([]byte, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("resource: empty location")
	}

	scheme := ""
	if i := strings.Index(location, "://"); i > 0 {
		scheme = strings.ToLower(location[:i])
	}

	switch scheme {
	case "", "file":
		return l.fetchFile(location)
	case "http", "https":
		return l.fetchHTTP(ctx, location)
	case "s3":
		return l.fetchS3(ctx, location)
	default:
		return nil, fmt.Errorf("resource: unsupported scheme %q in %s", scheme, location)
	}
}

func (l *Loader) fetchFile(location string) ([]byte, error) {
	p := location
	if strings.HasPrefix(location, "file://") {
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("resource: parse %s: %w", location, err)
		}
		p = u.Path
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", p, err)
	}
	return data, nil
}

func (l *Loader) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("resource: build request: %w", err)
	}
	client := l.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resource: get %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resource: get %s: unexpected status %s", location, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody+1))
	if err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", location, err)
	}
	if len(data) > maxHTTPBody {
		return nil, fmt.Errorf("resource: %s exceeds %d bytes", location, maxHTTPBody)
	}
	return data, nil
}

func (l *Loader) fetchS3(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := objstore.ParseURL(location)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}
	if key == "" {
		return nil, fmt.Errorf("resource: %s names a bucket, not an object", location)
	}

	l.once.Do(func() {
		l.s3c, l.s3err = objstore.NewClient(l.S3)
	})
	if l.s3err != nil {
		return nil, fmt.Errorf("resource: %w", l.s3err)
	}
	return l.s3c.Get(ctx, bucket, key)
}
