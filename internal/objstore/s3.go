// Package objstore is a thin S3-compatible object client used for fetching
// pipeline resources and uploading database snapshots.
package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultEndpoint = "s3.amazonaws.com"

// Config holds S3 connection parameters. Empty keys select anonymous access.
type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// Client wraps a minio client with bucket/key helpers.
type Client struct {
	mc *minio.Client
}

// NewClient builds a client. Endpoint may be a bare host:port or a full
// http(s) URL; an explicit scheme overrides UseSSL.
func NewClient(cfg Config) (*Client, error) {
	host, secure, err := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: new client: %w", err)
	}
	return &Client{mc: mc}, nil
}

// Get reads an entire object.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: get s3://%s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("s3: read s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// FPut uploads a local file to bucket/key.
func (c *Client) FPut(ctx context.Context, bucket, key, localPath, contentType string) error {
	_, err := c.mc.FPutObject(ctx, bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("s3: upload %s to s3://%s/%s: %w", localPath, bucket, key, err)
	}
	return nil
}

// ParseURL splits s3://bucket/some/key into bucket and key. The key has no
// leading or trailing slash and may be empty.
func ParseURL(raw string) (bucket string, key string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("s3: url missing bucket name")
	}
	return u.Host, strings.Trim(strings.TrimSpace(u.Path), "/"), nil
}

// JoinKey joins a key prefix and an object name.
func JoinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func normalizeEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return defaultEndpoint, true, nil
	}
	if !strings.Contains(endpoint, "://") {
		return strings.TrimRight(endpoint, "/"), useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("s3: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		return u.Host, true, nil
	case "http":
		return u.Host, false, nil
	default:
		return "", false, fmt.Errorf("s3: unsupported endpoint scheme %q", u.Scheme)
	}
}
