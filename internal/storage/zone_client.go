package storage

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ObjectStore is the write side of an object storage backend.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// ZoneClient uploads objects to a storage zone with an authenticated PUT and
// serves them back through a CDN host.
type ZoneClient struct {
	endpoint string
	zone     string
	apiKey   string
	cdnBase  string
	client   *http.Client
}

// NewZoneClient creates a ZoneClient. Hosts without a scheme are assumed to be https.
func NewZoneClient(storageHost, zone, apiKey, cdnHost string) *ZoneClient {
	return &ZoneClient{
		endpoint: withScheme(storageHost),
		zone:     strings.Trim(zone, "/"),
		apiKey:   apiKey,
		cdnBase:  withScheme(cdnHost),
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// Put uploads the body under key. Any 2xx response is success.
func (c *ZoneClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	target := c.endpoint + "/" + escapeKey(c.zone) + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, r)
	if err != nil {
		return "", errors.Wrap(err, "failed to create upload request")
	}
	req.ContentLength = size
	req.Header.Set("AccessKey", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "upload %s", key)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errors.Errorf("upload %s: unexpected status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return c.PublicURL(key), nil
}

// PublicURL returns the CDN URL for key.
func (c *ZoneClient) PublicURL(key string) string {
	return c.cdnBase + "/" + escapeKey(key)
}

// escapeKey path-escapes every segment of an object key.
func escapeKey(key string) string {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func withScheme(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}
