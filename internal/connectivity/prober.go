package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 5 * time.Second
	probeTimeout         = 3 * time.Second

	// offlineAfter is the number of consecutive failed probes that marks the
	// device offline. One success brings it back.
	offlineAfter = 2
)

// Prober polls a health URL and reports reachability.
type Prober struct {
	*Broadcaster

	url      string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger

	mu       sync.Mutex
	failures int
}

// NewProber creates a Prober for url. It starts optimistic (online) until
// probes say otherwise.
func NewProber(url string, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Prober{
		Broadcaster: NewBroadcaster(true),
		url:         url,
		interval:    interval,
		client:      &http.Client{Timeout: probeTimeout},
		logger:      logger,
	}
}

// Start launches the polling goroutine. It returns immediately and stops
// when ctx is done.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			p.probe(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// ConsecutiveFailures returns the current failure streak.
func (p *Prober) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Prober) probe(ctx context.Context) {
	err := p.check(ctx)
	if ctx.Err() != nil {
		return
	}
	p.record(err)
}

func (p *Prober) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func (p *Prober) record(err error) {
	p.mu.Lock()
	if err != nil {
		p.failures++
	} else {
		p.failures = 0
	}
	failures := p.failures
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("connectivity probe failed", zap.String("url", p.url), zap.Int("consecutive_failures", failures), zap.Error(err))
		if failures >= offlineAfter && p.Set(false) {
			p.logger.Warn("connectivity lost", zap.String("url", p.url))
		}
		return
	}

	if p.Set(true) {
		p.logger.Info("connectivity restored", zap.String("url", p.url))
	}
}

var _ Observer = (*Prober)(nil)
