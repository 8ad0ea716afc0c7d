package traffic

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelPoolConfig tunes the shared per-channel HTTP transports.
// Adapted from the teacher gateway's provider.PoolConfig, keyed by
// proxy channel index instead of LLM provider name.
type ChannelPoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	RequestTimeout      time.Duration
}

// DefaultChannelPoolConfig mirrors the teacher's pool defaults, scaled
// for scraping-session concurrency rather than LLM upstream fan-out.
func DefaultChannelPoolConfig() ChannelPoolConfig {
	return ChannelPoolConfig{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		RequestTimeout:      30 * time.Second,
	}
}

// channelMetrics tracks per-channel egress counters, mirroring the
// teacher's PoolMetrics sync.Map-of-atomics shape.
type channelMetrics struct {
	requests int64
	errors   int64
	bytes    int64
}

// ChannelPool lazily builds and caches one *http.Client per proxy
// channel index, wrapping each transport with a metrics-recording
// RoundTripper.
type ChannelPool struct {
	cfg ChannelPoolConfig

	mu      sync.RWMutex
	clients map[int]*http.Client
	metrics sync.Map // channel index -> *channelMetrics
}

// NewChannelPool builds a ChannelPool with cfg.
func NewChannelPool(cfg ChannelPoolConfig) *ChannelPool {
	def := DefaultChannelPoolConfig()
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &ChannelPool{cfg: cfg, clients: make(map[int]*http.Client)}
}

// Client returns the shared *http.Client for the given channel index,
// building it on first use.
func (p *ChannelPool) Client(channel int) *http.Client {
	p.mu.RLock()
	c, ok := p.clients[channel]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[channel]; ok {
		return c
	}

	m := &channelMetrics{}
	p.metrics.Store(channel, m)

	transport := &http.Transport{
		MaxIdleConns:        p.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: p.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     p.cfg.IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout: p.cfg.DialTimeout,
		}).DialContext,
	}

	client := &http.Client{
		Timeout:   p.cfg.RequestTimeout,
		Transport: &meteredRoundTripper{next: transport, metrics: m},
	}
	p.clients[channel] = client
	return client
}

// Close releases idle connections held by every channel's transport.
func (p *ChannelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}

// ChannelMetrics is a typed snapshot of one channel's counters.
type ChannelMetrics struct {
	Requests int64
	Errors   int64
	Bytes    int64
}

// Metrics returns a snapshot for the given channel, or the zero value
// if the channel has never been used.
func (p *ChannelPool) Metrics(channel int) ChannelMetrics {
	v, ok := p.metrics.Load(channel)
	if !ok {
		return ChannelMetrics{}
	}
	m := v.(*channelMetrics)
	return ChannelMetrics{
		Requests: atomic.LoadInt64(&m.requests),
		Errors:   atomic.LoadInt64(&m.errors),
		Bytes:    atomic.LoadInt64(&m.bytes),
	}
}

type meteredRoundTripper struct {
	next    http.RoundTripper
	metrics *channelMetrics
}

func (rt *meteredRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&rt.metrics.requests, 1)
	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(&rt.metrics.errors, 1)
		return nil, err
	}
	if resp.ContentLength > 0 {
		atomic.AddInt64(&rt.metrics.bytes, resp.ContentLength)
	}
	return resp, nil
}
