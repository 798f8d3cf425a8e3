package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/blackmichael/feedsync/internal/domain"
)

var _ domain.ObjectStore = (*Client)(nil)

// Upload stores data at bucket/path and returns the object's public URL.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	path = strings.TrimLeft(path, "/")
	_, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/storage/v1/object/" + bucket + "/" + path,
		rawBody:     data,
		contentType: contentType,
		headers:     map[string]string{"x-upsert": "true"},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", bucket, path, err)
	}
	return c.PublicURL(bucket, path), nil
}

// PublicURL returns the public download URL of an object.
func (c *Client) PublicURL(bucket, path string) string {
	return c.baseURL + "/storage/v1/object/public/" + bucket + "/" + strings.TrimLeft(path, "/")
}
