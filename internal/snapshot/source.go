package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/franz/dive-atlas/internal/util"
	"google.golang.org/api/option"
)

// Blob is the body of a published snapshot
type Blob struct {
	Body    io.ReadCloser
	Version string
	Size    int64 // -1 when unknown
}

// BlobSource is the versioned remote object holding the published snapshot
type BlobSource interface {
	// Version returns the current version token with a metadata-only request
	Version(ctx context.Context) (string, error)

	// Fetch returns the blob body. When ifNoneMatch equals the current
	// version it returns util.ErrNotModified instead.
	Fetch(ctx context.Context, ifNoneMatch string) (*Blob, error)

	// Describe names the source for logs
	Describe() string
}

// HTTPSource serves the snapshot from a URL supporting ETag requests
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSource creates a source for url. client may be nil.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPSource{url: url, httpClient: client}
}

// Describe returns the URL
func (s *HTTPSource) Describe() string {
	return s.url
}

func (s *HTTPSource) request(ctx context.Context, method, ifNoneMatch string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrNetwork, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%w: %w", util.ErrNetwork, &util.StatusError{
		Code: resp.StatusCode,
		Body: strings.TrimSpace(string(body)),
	})
}

// versionOf prefers the ETag and falls back to Last-Modified plus length
func versionOf(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		return fmt.Sprintf("%s/%d", lm, resp.ContentLength)
	}
	return ""
}

// Version issues a HEAD request
func (s *HTTPSource) Version(ctx context.Context) (string, error) {
	resp, err := s.request(ctx, http.MethodHead, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	version := versionOf(resp)
	if version == "" {
		return "", fmt.Errorf("%w: %s returned no version token", util.ErrNetwork, s.url)
	}
	return version, nil
}

// Fetch issues a conditional GET
func (s *HTTPSource) Fetch(ctx context.Context, ifNoneMatch string) (*Blob, error) {
	resp, err := s.request(ctx, http.MethodGet, ifNoneMatch)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &Blob{Body: resp.Body, Version: versionOf(resp), Size: resp.ContentLength}, nil
	case http.StatusNotModified:
		resp.Body.Close()
		return nil, util.ErrNotModified
	}

	defer resp.Body.Close()
	return nil, statusError(resp)
}

// GCSSource serves the snapshot from a Cloud Storage object
type GCSSource struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSSource creates a source for gs://bucket/object. Application default
// credentials are used unless credentialsFile is set.
func NewGCSSource(ctx context.Context, bucket, object, credentialsFile string, opts ...option.ClientOption) (*GCSSource, error) {
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("%w: bucket and object are required", util.ErrInvalidConfig)
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, object: object}, nil
}

// Describe returns the gs:// URL
func (s *GCSSource) Describe() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

func (s *GCSSource) attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(s.object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", s.Describe(), util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrNetwork, err)
	}
	return attrs, nil
}

// Version returns the object's ETag
func (s *GCSSource) Version(ctx context.Context) (string, error) {
	attrs, err := s.attrs(ctx)
	if err != nil {
		return "", err
	}
	return attrs.Etag, nil
}

// Fetch reads the object generation matching the current ETag. Stored
// content is read as-is, so a gzip-encoded object arrives compressed and the
// installer decides how to decode it.
func (s *GCSSource) Fetch(ctx context.Context, ifNoneMatch string) (*Blob, error) {
	attrs, err := s.attrs(ctx)
	if err != nil {
		return nil, err
	}
	if ifNoneMatch != "" && attrs.Etag == ifNoneMatch {
		return nil, util.ErrNotModified
	}

	r, err := s.client.Bucket(s.bucket).Object(s.object).
		Generation(attrs.Generation).
		ReadCompressed(true).
		NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrNetwork, err)
	}
	return &Blob{Body: r, Version: attrs.Etag, Size: r.Attrs.Size}, nil
}

// Close releases the storage client
func (s *GCSSource) Close() error {
	return s.client.Close()
}
