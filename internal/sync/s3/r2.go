package s3

import (
	"fmt"
	"strings"
)

// R2Config holds Cloudflare R2 settings.
type R2Config struct {
	AccountID string
	Bucket    string
	AccessKey string // R2 API token access key id
	SecretKey string
}

// NewR2Client creates a Client for the account's R2 endpoint. R2 signs with
// the "auto" region.
func NewR2Client(cfg R2Config) (*Client, error) {
	if !IsValidR2AccountID(cfg.AccountID) {
		return nil, fmt.Errorf("invalid R2 account id %q", cfg.AccountID)
	}
	return NewClient(Config{
		Endpoint:  R2EndpointForAccount(cfg.AccountID),
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    "auto",
	})
}

// R2EndpointForAccount returns <accountid>.r2.cloudflarestorage.com.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID is 32 hex characters.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
