package network

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// ProberConfig controls active reachability probing.
type ProberConfig struct {
	// URL is requested with HEAD to confirm internet access.
	URL string
	// Interval between samples.
	Interval time.Duration
	// Timeout for a single HEAD request.
	Timeout time.Duration
}

// Prober samples link and internet reachability on an interval and feeds the
// results into a Monitor.
type Prober struct {
	monitor    *Monitor
	config     ProberConfig
	httpClient *http.Client
	linkUp     func() bool
	logger     *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	reset    chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewProber creates a prober for monitor.
func NewProber(monitor *Monitor, config ProberConfig, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Prober{
		monitor:    monitor,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		linkUp:     InterfaceUp,
		logger:     logger.With("component", "prober"),
		interval:   config.Interval,
		reset:      make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start samples once immediately and then on every interval.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("network prober started", "url", p.config.URL, "interval", p.config.Interval)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// SetInterval changes the sampling interval of a running prober.
func (p *Prober) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

func (p *Prober) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	p.monitor.Update(p.Sample(ctx))

	ticker := time.NewTicker(p.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.reset:
			ticker.Reset(p.currentInterval())
		case <-ticker.C:
			p.monitor.Update(p.Sample(ctx))
		}
	}
}

// Sample takes one reachability reading. Internet is only probed when a link
// is up.
func (p *Prober) Sample(ctx context.Context) State {
	s := State{Link: p.linkUp()}
	if !s.Link {
		return s
	}
	s.Internet = p.internetReachable(ctx)
	return s
}

func (p *Prober) internetReachable(ctx context.Context) bool {
	if p.config.URL == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.URL, nil)
	if err != nil {
		p.logger.Warn("invalid probe url", "url", p.config.URL, "error", err)
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "error", err)
		return false
	}
	defer resp.Body.Close() //nolint:errcheck
	return resp.StatusCode < http.StatusInternalServerError
}

// InterfaceUp reports whether any non-loopback interface is up and has an
// address assigned.
func InterfaceUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
