// Package httpremote is the REST implementation of the sync remote store.
package httpremote

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
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/matchops/localsync/internal/auth"
	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is a static bearer token. Ignored when Secret is set.
	Token string
	// Secret and DeviceID mint short-lived HS256 tokens on demand.
	Secret   string
	DeviceID string

	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	Burst             int

	// AtomicBatch asks the server to apply each batch all-or-nothing. It is
	// turned off for the client's lifetime once the server shows it does
	// not support it.
	AtomicBatch bool

	HTTPClient *http.Client
}

// Client talks to a remote store over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	atomicBatch atomic.Bool

	staticToken string
	secret      string
	deviceID    string

	tokenMu     stdsync.Mutex
	token       string
	tokenExpiry time.Time
}

var (
	_ sync.RemoteStore      = (*Client)(nil)
	_ sync.BatchRemoteStore = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "remote base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid remote base URL", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}

	c := &Client{
		baseURL:     base,
		httpClient:  httpClient,
		staticToken: strings.TrimSpace(cfg.Token),
		secret:      cfg.Secret,
		deviceID:    cfg.DeviceID,
	}
	c.atomicBatch.Store(cfg.AtomicBatch)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// HealthURL is the endpoint probed for connectivity.
func (c *Client) HealthURL() string {
	return c.baseURL + HealthPath
}

// Apply writes op if the remote copy is not newer than op.OccurredAt.
func (c *Client) Apply(ctx context.Context, op *models.SyncOperation) error {
	return c.write(ctx, op, false)
}

// Overwrite writes op unconditionally.
func (c *Client) Overwrite(ctx context.Context, op *models.SyncOperation) error {
	return c.write(ctx, op, true)
}

func (c *Client) write(ctx context.Context, op *models.SyncOperation, force bool) error {
	method := http.MethodPut
	if op.Kind == models.OperationDelete {
		method = http.MethodDelete
	}
	body := EntityWrite{
		OperationID: op.ID,
		Operation:   op.Kind,
		Data:        op.Payload,
		OccurredAt:  op.OccurredAt,
		Force:       force,
	}
	return c.do(ctx, method, entityPath(op.EntityType, op.EntityID), body, nil)
}

// Fetch returns the remote copy or tombstone, or nil when the remote has
// never seen the entity.
func (c *Client) Fetch(ctx context.Context, entityType models.EntityType, id string) (*models.RemoteEntity, error) {
	var doc EntityDocument
	err := c.do(ctx, http.MethodGet, entityPath(entityType, id), nil, &doc)
	var f *sync.Failure
	if errors.As(err, &f) && f.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.RemoteEntity(), nil
}

// AtomicBatches reports whether batches are still requested all-or-nothing.
func (c *Client) AtomicBatches() bool {
	return c.atomicBatch.Load()
}

// ApplyBatch sends ops of one entity type in a single request. Per-item
// statuses are classified like single responses; items rolled back with an
// atomic batch come back transient. A server answering 501 to an atomic
// request gets the batch again per item.
func (c *Client) ApplyBatch(ctx context.Context, entityType models.EntityType, ops []*models.SyncOperation) ([]sync.ItemResult, error) {
	req := BatchRequest{Atomic: c.atomicBatch.Load(), Operations: make([]BatchItem, len(ops))}
	for i, op := range ops {
		req.Operations[i] = BatchItem{
			EntityID: op.EntityID,
			EntityWrite: EntityWrite{
				OperationID: op.ID,
				Operation:   op.Kind,
				Data:        op.Payload,
				OccurredAt:  op.OccurredAt,
			},
		}
	}

	path := BatchPath + "/" + url.PathEscape(string(entityType))
	var resp BatchResponse
	err := c.do(ctx, http.MethodPost, path, req, &resp)
	var f *sync.Failure
	if req.Atomic && errors.As(err, &f) && f.StatusCode == http.StatusNotImplemented {
		c.disableAtomic(entityType, "server rejected atomic batch")
		req.Atomic = false
		resp = BatchResponse{}
		err = c.do(ctx, http.MethodPost, path, req, &resp)
	}
	if err != nil {
		return nil, err
	}
	if req.Atomic && !resp.Atomic {
		c.disableAtomic(entityType, "server applied batch per item")
	}

	results := make([]sync.ItemResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Status >= 200 && r.Status < 300 {
			results = append(results, sync.ItemResult{OperationID: r.OperationID, Outcome: sync.OutcomeSuccess})
			continue
		}
		msg := r.Error
		if msg == "" {
			msg = http.StatusText(r.Status)
		}
		results = append(results, sync.ResultFor(r.OperationID, sync.FailureForStatus(r.Status, errors.New(msg))))
	}
	return results, nil
}

func (c *Client) disableAtomic(entityType models.EntityType, reason string) {
	if c.atomicBatch.CompareAndSwap(true, false) {
		logging.Info("Atomic batches not supported, falling back to per-item", map[string]interface{}{
			"entity_type": entityType,
			"reason":      reason,
		})
	}
}

// Ping checks the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, HealthPath, nil, nil)
}

func entityPath(entityType models.EntityType, id string) string {
	return EntitiesPath + "/" + url.PathEscape(string(entityType)) + "/" + url.PathEscape(id)
}

// do performs one request. Every error it returns is a *sync.Failure.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return sync.Transient(fmt.Errorf("request pacing: %w", err))
		}
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return sync.Permanent(fmt.Errorf("encode request: %w", err))
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return sync.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.bearer()
	if err != nil {
		return sync.Permanent(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sync.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return sync.Transient(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	var eb ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &eb)
	msg := strings.TrimSpace(eb.Error)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if resp.StatusCode != http.StatusNotFound {
		logging.Debug("Remote request rejected", map[string]interface{}{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
			"error":  msg,
		})
	}
	return sync.FailureForStatus(resp.StatusCode, errors.New(msg))
}

func (c *Client) bearer() (string, error) {
	if c.secret == "" {
		return c.staticToken, nil
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}
	token, err := auth.IssueToken(c.secret, c.deviceID, auth.DefaultTTL)
	if err != nil {
		return "", err
	}
	c.token = token
	c.tokenExpiry = time.Now().Add(auth.DefaultTTL)
	return token, nil
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}
