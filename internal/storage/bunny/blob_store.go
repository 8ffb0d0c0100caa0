// Package bunny implements a blob store backed by the Bunny CDN Storage API.
//
// Objects are written with a single HTTP PUT to
// https://{endpoint}/{zone}/{path} authenticated by the AccessKey header,
// and served publicly from the configured pull-zone hostname.
package bunny

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tonefield/mediad/internal/metrics"
)

// Config captures the storage-zone credentials and the public pull zone.
type Config struct {
	// Endpoint is the storage API host, e.g. "storage.bunnycdn.com" or a
	// regional host like "ny.storage.bunnycdn.com".
	Endpoint string
	// Zone is the storage zone name.
	Zone string
	// AccessKey is the storage zone password.
	AccessKey string
	// PullZoneURL is the public base URL objects are served from,
	// e.g. "https://assets.example.b-cdn.net".
	PullZoneURL string
	// Timeout bounds each storage request; zero means 30s.
	Timeout time.Duration
}

// BlobStore writes artifacts to a Bunny storage zone.
type BlobStore struct {
	client    *http.Client
	baseURL   string
	accessKey string
	publicURL string
}

// New creates a Bunny-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if cfg.Zone == "" {
		return nil, fmt.Errorf("storage zone is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("access key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "storage.bunnycdn.com"
	}
	// A scheme is only present in tests pointing at a local server.
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &BlobStore{
		client:    &http.Client{Timeout: timeout},
		baseURL:   fmt.Sprintf("%s/%s", endpoint, cfg.Zone),
		accessKey: cfg.AccessKey,
		publicURL: strings.TrimRight(cfg.PullZoneURL, "/"),
	}, nil
}

// PutObject uploads data and returns the public pull-zone URL.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/"+path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build put request: %w", err)
	}
	req.Header.Set("AccessKey", s.accessKey)
	req.Header.Set("Content-Type", contentType)
	// The storage API verifies the body against this digest and rejects the
	// upload on mismatch. Bunny expects uppercase hex.
	sum := sha256.Sum256(data)
	req.Header.Set("Checksum", strings.ToUpper(hex.EncodeToString(sum[:])))
	req.ContentLength = int64(len(data))

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveCDNRequest("put", "error")
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		metrics.ObserveCDNRequest("put", "error")
		return "", fmt.Errorf("put object %s: unexpected status %d", path, resp.StatusCode)
	}
	metrics.ObserveCDNRequest("put", "ok")

	if s.publicURL == "" {
		return s.baseURL + "/" + path, nil
	}
	return s.publicURL + "/" + path, nil
}

// GetObject downloads an object from the storage zone.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}
	req.Header.Set("AccessKey", s.accessKey)

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveCDNRequest("get", "error")
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ObserveCDNRequest("get", "error")
		return nil, fmt.Errorf("get object %s: unexpected status %d", path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveCDNRequest("get", "error")
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	metrics.ObserveCDNRequest("get", "ok")
	return data, nil
}

// DeleteObject removes an object from the storage zone. A 404 is treated as
// success so purge stays idempotent.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return fmt.Errorf("path is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/"+path, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("AccessKey", s.accessKey)

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveCDNRequest("delete", "error")
		return fmt.Errorf("delete object %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		metrics.ObserveCDNRequest("delete", "ok")
		return nil
	default:
		metrics.ObserveCDNRequest("delete", "error")
		return fmt.Errorf("delete object %s: unexpected status %d", path, resp.StatusCode)
	}
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
