package s3

import (
	"fmt"
	"strings"
)

const awsDefaultRegion = "us-east-1"

// AWSConfig holds AWS S3 settings.
type AWSConfig struct {
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string // default us-east-1
}

// NewAWSClient creates a Client using virtual-host addressing against the
// regional endpoint.
func NewAWSClient(cfg AWSConfig) (*Client, error) {
	region := cfg.Region
	if region == "" {
		region = awsDefaultRegion
	}
	endpoint, err := AWSEndpointForRegion(region)
	if err != nil {
		return nil, err
	}
	return NewClient(Config{
		Endpoint:  endpoint,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    region,
	})
}

// AWSEndpointForRegion returns the S3 endpoint for region. us-east-1 uses
// the legacy global host.
func AWSEndpointForRegion(region string) (string, error) {
	if !validAWSRegion(region) {
		return "", fmt.Errorf("invalid AWS region %q", region)
	}
	if region == awsDefaultRegion {
		return "s3.amazonaws.com", nil
	}
	return "s3." + region + ".amazonaws.com", nil
}

// validAWSRegion accepts names shaped like "eu-west-1" or "us-gov-east-1".
func validAWSRegion(region string) bool {
	parts := strings.Split(region, "-")
	if len(parts) < 3 {
		return false
	}
	for _, p := range parts[:len(parts)-1] {
		if p == "" || strings.Trim(p, "abcdefghijklmnopqrstuvwxyz") != "" {
			return false
		}
	}
	last := parts[len(parts)-1]
	return last != "" && strings.Trim(last, "0123456789") == ""
}
