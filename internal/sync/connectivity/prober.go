package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/matchops/localsync/internal/logging"
)

// Prober is a Source that polls the remote. The HTTP form treats any 2xx
// health response as online; the ping form treats a nil error as online.
type Prober struct {
	*Manual

	target   string
	interval time.Duration
	timeout  time.Duration
	ping     func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewProber creates a Prober for url. It starts offline until the first
// probe completes.
func NewProber(url string, interval, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return NewPingProber(url, func(ctx context.Context) error {
		return probeHTTP(ctx, client, url)
	}, interval, timeout)
}

// NewPingProber creates a Prober that calls ping. target names the remote
// in logs. Each call is bounded by timeout.
func NewPingProber(target string, ping func(ctx context.Context) error, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{
		Manual:   NewManual(false),
		target:   target,
		interval: interval,
		timeout:  timeout,
		ping:     ping,
	}
}

// Check runs one probe and updates the state.
func (p *Prober) Check(ctx context.Context) bool {
	online := p.probe(ctx)
	if online != p.Online() {
		logging.Info("Connectivity changed", map[string]interface{}{
			"target":    p.target,
			"is_online": online,
		})
	}
	p.Set(online)
	return online
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.ping(ctx); err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{"target": p.target, "error": err.Error()})
		return false
	}
	return true
}

func probeHTTP(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// Start probes immediately and then on every interval until Stop or ctx
// cancellation.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(ctx, p.stopCh, p.done)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	<-done
}

func (p *Prober) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
