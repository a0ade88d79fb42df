// Package upload moves captured snapshots to object storage and records
// each one in the cloud document store.
package upload

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

// ObjectStore puts local files under a key and tells where they can be read.
type ObjectStore interface {
	PutFile(ctx context.Context, key, path string) error
	URL(key string) string
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	Bucket    string // includes the appid suffix, e.g. photos-1250000000
	Region    string
	SecretID  string
	SecretKey string
	Scheme    string // https unless set
	Prefix    string
	Endpoint  string // overrides the derived bucket URL
}

// BucketURL returns <scheme>://<bucket>.cos.<region>.myqcloud.com, or the
// configured endpoint.
func (c StorageConfig) BucketURL() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	scheme := c.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.cos.%s.myqcloud.com", scheme, c.Bucket, c.Region)
}

// COSStore is an ObjectStore backed by Tencent Cloud COS.
type COSStore struct {
	client *cos.Client
	base   string
}

// NewCOSStore creates a COSStore. Requests are signed with the configured
// key pair.
func NewCOSStore(cfg StorageConfig) (*COSStore, error) {
	base := cfg.BucketURL()
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse bucket url: %w", err)
	}
	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
	})
	return &COSStore{client: client, base: base}, nil
}

func (s *COSStore) PutFile(ctx context.Context, key, path string) error {
	if _, err := s.client.Object.PutFromFile(ctx, key, path, nil); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// URL returns the public display URL for key.
func (s *COSStore) URL(key string) string {
	return s.base + "/" + key
}
