package router

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrIPBlocked        = errors.New("IP temporarily blocked")
	ErrRateExceeded     = errors.New("connection rate exceeded")
	ErrTooManyConns     = errors.New("max connections reached")
	ErrTooManyConnsByIP = errors.New("per-IP connection limit exceeded")
)

// Limiter applies admission control to inbound chat connections. It runs
// before any bytes are parsed.
type Limiter struct {
	maxConnections     int32
	currentConnections atomic.Int32
	connectionsPerSec  *rate.Limiter

	perIP   sync.Map // IP -> *ipLimit
	blocked sync.Map // IP -> unblock time

	maxConnectionsPerIP int32
	maxFailuresPerIP    int32
	blockDuration       time.Duration
	failureWindow       time.Duration
	ipConnectionsPerSec float64
	ipConnectionBurst   int
}

type ipLimit struct {
	connections atomic.Int32
	limiter     *rate.Limiter
	failures    int32
	lastFailure time.Time
	mu          sync.Mutex
}

// LimiterConfig holds connection limits
type LimiterConfig struct {
	MaxConnections      int32
	ConnectionsPerSec   float64
	ConnectionBurst     int
	MaxConnectionsPerIP int32
	IPConnectionsPerSec float64
	IPConnectionBurst   int
	MaxFailuresPerIP    int32
	FailureWindow       time.Duration
	BlockDuration       time.Duration
}

// DefaultLimiterConfig returns limits sized for a chat LAN. Discovery pushes
// open one short connection per line, so per-IP bursts are generous.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxConnections:      64,
		ConnectionsPerSec:   50,
		ConnectionBurst:     100,
		MaxConnectionsPerIP: 8,
		IPConnectionsPerSec: 10,
		IPConnectionBurst:   20,
		MaxFailuresPerIP:    10,
		FailureWindow:       time.Minute,
		BlockDuration:       2 * time.Minute,
	}
}

// NewLimiter creates a limiter
func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{
		maxConnections:      cfg.MaxConnections,
		connectionsPerSec:   rate.NewLimiter(rate.Limit(cfg.ConnectionsPerSec), cfg.ConnectionBurst),
		maxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		maxFailuresPerIP:    cfg.MaxFailuresPerIP,
		blockDuration:       cfg.BlockDuration,
		failureWindow:       cfg.FailureWindow,
		ipConnectionsPerSec: cfg.IPConnectionsPerSec,
		ipConnectionBurst:   cfg.IPConnectionBurst,
	}
}

// Allow admits a new connection from ip. Every nil return must be paired
// with Release.
func (l *Limiter) Allow(ip string) error {
	if until, ok := l.blocked.Load(ip); ok {
		if time.Now().Before(until.(time.Time)) {
			return ErrIPBlocked
		}
		l.blocked.Delete(ip)
	}

	if !l.connectionsPerSec.Allow() {
		return ErrRateExceeded
	}
	if l.currentConnections.Load() >= l.maxConnections {
		return ErrTooManyConns
	}

	limit := l.ipLimit(ip)
	if limit.connections.Load() >= l.maxConnectionsPerIP {
		return ErrTooManyConnsByIP
	}
	if !limit.limiter.Allow() {
		return ErrRateExceeded
	}

	l.currentConnections.Add(1)
	limit.connections.Add(1)
	return nil
}

// Release returns a slot taken by Allow
func (l *Limiter) Release(ip string) {
	l.currentConnections.Add(-1)
	if v, ok := l.perIP.Load(ip); ok {
		v.(*ipLimit).connections.Add(-1)
	}
}

// RecordFailure counts a protocol violation. Too many inside the failure
// window block the IP for a while.
func (l *Limiter) RecordFailure(ip string) {
	limit := l.ipLimit(ip)

	limit.mu.Lock()
	defer limit.mu.Unlock()

	if time.Since(limit.lastFailure) > l.failureWindow {
		limit.failures = 0
	}
	limit.failures++
	limit.lastFailure = time.Now()

	if limit.failures >= l.maxFailuresPerIP {
		until := time.Now().Add(l.blockDuration)
		l.blocked.Store(ip, until)
		slog.Warn("router: IP blocked after repeated protocol errors",
			"ip", ip,
			"failures", limit.failures,
			"blocked_until", until.Format(time.RFC3339))
		limit.failures = 0
	}
}

// Active returns the number of admitted connections
func (l *Limiter) Active() int {
	return int(l.currentConnections.Load())
}

// Cleanup forgets idle per-IP state and expired blocks
func (l *Limiter) Cleanup() {
	now := time.Now()

	l.blocked.Range(func(key, value any) bool {
		if now.After(value.(time.Time)) {
			l.blocked.Delete(key)
		}
		return true
	})

	l.perIP.Range(func(key, value any) bool {
		limit := value.(*ipLimit)
		limit.mu.Lock()
		if limit.connections.Load() == 0 && time.Since(limit.lastFailure) > 10*time.Minute {
			l.perIP.Delete(key)
		}
		limit.mu.Unlock()
		return true
	})
}

func (l *Limiter) ipLimit(ip string) *ipLimit {
	if v, ok := l.perIP.Load(ip); ok {
		return v.(*ipLimit)
	}
	limit := &ipLimit{
		limiter: rate.NewLimiter(rate.Limit(l.ipConnectionsPerSec), l.ipConnectionBurst),
	}
	actual, _ := l.perIP.LoadOrStore(ip, limit)
	return actual.(*ipLimit)
}

// remoteIP extracts the IP from a connection's remote address
func remoteIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
