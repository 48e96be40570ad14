package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/franz/dive-atlas/internal/util"
)

// UserAgent identifies this application to the document service
const UserAgent = "dive-atlas/1.0"

// HTTPStore talks to a REST document service:
//
//	GET    {base}/{collection}/{id}
//	PUT    {base}/{collection}/{id}
//	DELETE {base}/{collection}/{id}
//	POST   {base}/{collection}:query
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPStore creates a client for the service at baseURL. token is sent as
// a bearer credential when non-empty.
func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type queryResponse struct {
	Documents []Document `json:"documents"`
}

func (s *HTTPStore) collectionURL(collection string) string {
	parts := strings.Split(collection, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(parts, "/")
}

func (s *HTTPStore) docURL(collection, id string) string {
	return s.collectionURL(collection) + "/" + url.PathEscape(id)
}

// do executes a request and decodes a JSON response into out when non-nil
func (s *HTTPStore) do(ctx context.Context, method, urlStr string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	util.DebugLog("Document API: %s %s", method, urlStr)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", util.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return util.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %w", util.ErrNetwork, &util.StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(data)),
		})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", util.ErrNetwork, err)
	}
	return nil
}

// Query runs a filtered query
func (s *HTTPStore) Query(ctx context.Context, q Query) ([]Document, error) {
	var result queryResponse
	if err := s.do(ctx, http.MethodPost, s.collectionURL(q.Collection)+":query", q, &result); err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	return result.Documents, nil
}

// Get fetches one document
func (s *HTTPStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var doc Document
	if err := s.do(ctx, http.MethodGet, s.docURL(collection, id), nil, &doc); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if doc == nil {
		doc = Document{}
	}
	doc["id"] = id
	return doc, nil
}

// Upsert creates or replaces a document
func (s *HTTPStore) Upsert(ctx context.Context, collection, id string, doc Document) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	if err := s.do(ctx, http.MethodPut, s.docURL(collection, id), doc, nil); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes a document; a missing document is not an error
func (s *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	err := s.do(ctx, http.MethodDelete, s.docURL(collection, id), nil, nil)
	if err != nil && !errors.Is(err, util.ErrNotFound) {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}
