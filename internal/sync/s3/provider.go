package s3

import "fmt"

// Provider names an S3-compatible service.
type Provider string

const (
	ProviderAWS    Provider = "aws"
	ProviderR2     Provider = "r2"
	ProviderMinIO  Provider = "minio"
	ProviderCustom Provider = "custom"
)

// ProviderConfig is the flat form used by configuration files.
type ProviderConfig struct {
	Provider  Provider
	Endpoint  string
	Region    string
	AccountID string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// NewProviderClient creates a Client for pc.Provider.
func NewProviderClient(pc ProviderConfig) (*Client, error) {
	switch pc.Provider {
	case ProviderAWS, "":
		return NewAWSClient(AWSConfig{Bucket: pc.Bucket, AccessKey: pc.AccessKey, SecretKey: pc.SecretKey, Region: pc.Region})
	case ProviderR2:
		return NewR2Client(R2Config{AccountID: pc.AccountID, Bucket: pc.Bucket, AccessKey: pc.AccessKey, SecretKey: pc.SecretKey})
	case ProviderMinIO:
		return NewMinIOClient(MinIOConfig{Endpoint: pc.Endpoint, Bucket: pc.Bucket, AccessKey: pc.AccessKey, SecretKey: pc.SecretKey, UseSSL: pc.UseSSL})
	case ProviderCustom:
		return NewClient(Config{
			Endpoint:  pc.Endpoint,
			Bucket:    pc.Bucket,
			AccessKey: pc.AccessKey,
			SecretKey: pc.SecretKey,
			Region:    pc.Region,
			PathStyle: pc.PathStyle,
		})
	}
	return nil, fmt.Errorf("unknown object store provider %q", pc.Provider)
}
