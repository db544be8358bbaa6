package s3

import (
	"fmt"
	"strings"
)

// MinIOConfig holds settings for a self-hosted MinIO server.
type MinIOConfig struct {
	Endpoint  string // "localhost:9000" or a full URL
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinIOClient creates a Client using path-style addressing, which MinIO
// requires.
func NewMinIOClient(cfg MinIOConfig) (*Client, error) {
	endpoint, err := ParseMinIOEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	return NewClient(Config{
		Endpoint:  endpoint,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    "us-east-1",
		PathStyle: true,
	})
}

// ParseMinIOEndpoint adds the scheme implied by useSSL when missing and
// strips a trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}
