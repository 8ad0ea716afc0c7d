// Package traffic implements the Traffic Router: the per-request
// direct-vs-proxy decision, the process-local domain blocklist, and
// proxy channel rotation. The consecutive-failure/cooldown shape
// generalizes the teacher gateway's routing.FailoverState from LLM
// provider failover to retailer-host failover; the per-host circuit
// additionally uses a real breaker instead of a hand-rolled timer.
package traffic

import (
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Mode is the outcome of a routing decision.
type Mode int

const (
	ModeDirect Mode = iota
	ModeProxy
	ModeAbort
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeProxy:
		return "proxy"
	case ModeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Decision is the result of evaluating one outbound request.
type Decision struct {
	Mode    Mode
	Reason  string
	Channel int
}

// Config tunes the router; zero values fall back to spec defaults.
type Config struct {
	PoolSize             int
	TargetProxyRatio     float64
	DirectErrorThreshold int32
	MaxRetries           int
	RequestsPerChannel   int64
	BlocklistCooldown    time.Duration
}

// DefaultConfig returns spec §4.4's documented defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:             10,
		TargetProxyRatio:     0.30,
		DirectErrorThreshold: 3,
		MaxRetries:           3,
		RequestsPerChannel:   50,
		BlocklistCooldown:    10 * time.Minute,
	}
}

var blockingSignatures = []string{
	"403", "blocked", "captcha", "bot", "rate limit", "too many requests",
	"access denied", "forbidden", "cloudflare", "challenge", "verification",
}

var trafficModes = []string{"direct", "proxy"}

// MetricsSink records routing decisions and request outcomes, keyed
// by host (the retailer's domain doubles as its label here — the
// router has no separate retailer identity).
type MetricsSink interface {
	RecordRetailerRequest(retailer, outcome string)
	SetTrafficMode(retailer, activeMode string, allModes []string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRetailerRequest(string, string)    {}
func (noopMetrics) SetTrafficMode(string, string, []string) {}

// Router makes the per-request egress decision and tracks the
// consecutive-error/blocklist/channel-rotation state described in
// spec §4.4.
type Router struct {
	cfg     Config
	rng     *rand.Rand
	metrics MetricsSink

	mu sync.Mutex

	consecutiveDirectErrors int32
	totalRequests           int64
	proxyRequests           int64
	requestsOnChannel       int64
	channelIndex            int

	blocklist map[string]time.Time // host -> blocked-at

	breakers sync.Map // host -> *gobreaker.CircuitBreaker
}

// New builds a Router with cfg (zero-value fields fall back to
// DefaultConfig's values).
func New(cfg Config) *Router {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.TargetProxyRatio <= 0 {
		cfg.TargetProxyRatio = def.TargetProxyRatio
	}
	if cfg.DirectErrorThreshold <= 0 {
		cfg.DirectErrorThreshold = def.DirectErrorThreshold
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RequestsPerChannel <= 0 {
		cfg.RequestsPerChannel = def.RequestsPerChannel
	}
	if cfg.BlocklistCooldown <= 0 {
		cfg.BlocklistCooldown = def.BlocklistCooldown
	}
	return &Router{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		blocklist: make(map[string]time.Time),
		metrics:   noopMetrics{},
	}
}

// WithMetrics attaches a sink recording routing decisions and request
// outcomes. It is applied after New since Router has no variadic
// option chain — call it once, before Decide/RecordResult see traffic.
func (r *Router) WithMetrics(m MetricsSink) *Router {
	r.metrics = m
	return r
}

// Decide evaluates the routing decision for host, per spec §4.4's
// three-step algorithm: forced proxy on sustained direct failures,
// abort when a candidate-direct request targets a blocklisted host,
// and ratio-biased sampling otherwise.
func (r *Router) Decide(host string) Decision {
	if atomic.LoadInt32(&r.consecutiveDirectErrors) >= r.cfg.DirectErrorThreshold {
		r.metrics.SetTrafficMode(host, "proxy", trafficModes)
		return Decision{Mode: ModeProxy, Reason: "consecutive_direct_errors", Channel: r.currentChannel()}
	}

	if r.HostOpen(host) {
		r.metrics.SetTrafficMode(host, "proxy", trafficModes)
		return Decision{Mode: ModeProxy, Reason: "circuit_open", Channel: r.currentChannel()}
	}

	useProxy := r.sampleProxy()
	atomic.AddInt64(&r.totalRequests, 1)
	if useProxy {
		atomic.AddInt64(&r.proxyRequests, 1)
		r.metrics.SetTrafficMode(host, "proxy", trafficModes)
		return Decision{Mode: ModeProxy, Reason: "ratio_sample", Channel: r.currentChannel()}
	}

	if r.isBlocklisted(host) {
		return Decision{Mode: ModeAbort, Reason: "needs proxy"}
	}
	r.metrics.SetTrafficMode(host, "direct", trafficModes)
	return Decision{Mode: ModeDirect}
}

func (r *Router) sampleProxy() bool {
	ratio := r.currentProxyRatio()
	if ratio < r.cfg.TargetProxyRatio {
		return r.rng.Float64() < 0.8
	}
	return r.rng.Float64() < 0.1
}

func (r *Router) currentProxyRatio() float64 {
	total := atomic.LoadInt64(&r.totalRequests)
	if total == 0 {
		return 0
	}
	proxy := atomic.LoadInt64(&r.proxyRequests)
	return float64(proxy) / float64(total)
}

// RecordResult applies the failure-handling rules: a recognized
// blocking signal adds host to the blocklist and bumps the direct
// error counter; a successful direct request resets it.
func (r *Router) RecordResult(mode Mode, host string, statusCode int, err error) {
	if isBlockingSignal(statusCode, err) {
		r.addBlocklist(host)
		if mode == ModeDirect {
			atomic.AddInt32(&r.consecutiveDirectErrors, 1)
		}
		r.breaker(host).Execute(func() (interface{}, error) { return nil, errBlocked })
		r.metrics.RecordRetailerRequest(host, "blocked")
		return
	}
	if mode == ModeDirect {
		atomic.StoreInt32(&r.consecutiveDirectErrors, 0)
	}
	r.breaker(host).Execute(func() (interface{}, error) { return nil, nil })
	r.metrics.RecordRetailerRequest(host, "ok")
}

var errBlocked = blockedError{}

type blockedError struct{}

func (blockedError) Error() string { return "traffic: blocking signature detected" }

func isBlockingSignal(statusCode int, err error) bool {
	if statusCode >= 400 {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range blockingSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func (r *Router) breaker(host string) *gobreaker.CircuitBreaker {
	if b, ok := r.breakers.Load(host); ok {
		return b.(*gobreaker.CircuitBreaker)
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     r.cfg.BlocklistCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(r.cfg.DirectErrorThreshold)
		},
	})
	actual, _ := r.breakers.LoadOrStore(host, b)
	return actual.(*gobreaker.CircuitBreaker)
}

// HostOpen reports whether host's circuit breaker is currently open
// (i.e. direct egress is being held back regardless of the static
// blocklist).
func (r *Router) HostOpen(host string) bool {
	v, ok := r.breakers.Load(host)
	if !ok {
		return false
	}
	return v.(*gobreaker.CircuitBreaker).State() == gobreaker.StateOpen
}

func (r *Router) addBlocklist(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocklist[host] = time.Now()
}

func (r *Router) isBlocklisted(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocklist[host]
	return ok
}

// NextChannel advances the rotation counter and returns the channel
// index to use for the next request, rebuilding (logically, from the
// caller's perspective) the browser context every RequestsPerChannel
// requests.
func (r *Router) NextChannel() int {
	n := atomic.AddInt64(&r.requestsOnChannel, 1)
	if n < r.cfg.RequestsPerChannel {
		return r.currentChannel()
	}
	atomic.StoreInt64(&r.requestsOnChannel, 0)
	r.mu.Lock()
	r.channelIndex = (r.channelIndex + 1) % r.cfg.PoolSize
	idx := r.channelIndex
	r.mu.Unlock()
	return idx
}

func (r *Router) currentChannel() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelIndex
}

// Stats is a typed snapshot of router counters.
type Stats struct {
	ConsecutiveDirectErrors int32
	TotalRequests           int64
	ProxyRequests           int64
	BlocklistSize           int
	CurrentProxyRatio       float64
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	blocklistSize := len(r.blocklist)
	r.mu.Unlock()
	return Stats{
		ConsecutiveDirectErrors: atomic.LoadInt32(&r.consecutiveDirectErrors),
		TotalRequests:           atomic.LoadInt64(&r.totalRequests),
		ProxyRequests:           atomic.LoadInt64(&r.proxyRequests),
		BlocklistSize:           blocklistSize,
		CurrentProxyRatio:       r.currentProxyRatio(),
	}
}
