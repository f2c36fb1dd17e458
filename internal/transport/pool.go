// Package transport manages per-host keep-alive HTTP transports with a
// bounded concurrent socket count, one transport and one socket
// semaphore per host, held in a concurrent map.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	DefaultMaxSocketsPerHost = 64
	DefaultMaxSockets        = 512
	DefaultIdleConnTimeout   = 90 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultKeepAlive         = 30 * time.Second
	DefaultSweepInterval     = 5 * time.Minute
)

// ErrPoolExhausted is returned by Acquire when the process-wide socket
// budget is already spent.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// Config configures a Pool.
type Config struct {
	MaxSocketsPerHost int
	MaxSockets        int
	IdleConnTimeout   time.Duration
	DialTimeout       time.Duration
	KeepAlive         time.Duration
	SweepInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSocketsPerHost <= 0 {
		c.MaxSocketsPerHost = DefaultMaxSocketsPerHost
	}
	if c.MaxSockets <= 0 {
		c.MaxSockets = DefaultMaxSockets
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = DefaultIdleConnTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// hostPool isolates one http.Transport per host.
type hostPool struct {
	transport *http.Transport
	lastUsed  atomic.Int64
	sockets   chan struct{} // capacity == MaxSocketsPerHost, one token per concurrent socket
}

// Pool hands out per-host *http.Transport instances bounded by a
// per-host cap and a process-wide total: no endpoint may hold more
// than MaxSocketsPerHost concurrent connections.
type Pool struct {
	cfg       Config
	hosts     xsync.Map[string, *hostPool]
	globalCap chan struct{}
	sweep     *time.Ticker
	stop      chan struct{}
}

// New constructs a Pool and starts its idle-transport sweeper.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		globalCap: make(chan struct{}, cfg.MaxSockets),
		sweep:     time.NewTicker(cfg.SweepInterval),
		stop:      make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

func (p *Pool) newHostPool() *hostPool {
	hp := &hostPool{
		transport: p.newTransport(),
		sockets:   make(chan struct{}, p.cfg.MaxSocketsPerHost),
	}
	hp.lastUsed.Store(time.Now().UnixNano())
	return hp
}

func (p *Pool) newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        p.cfg.MaxSockets,
		MaxIdleConnsPerHost: p.cfg.MaxSocketsPerHost,
		MaxConnsPerHost:     p.cfg.MaxSocketsPerHost,
		IdleConnTimeout:     p.cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: p.cfg.DialTimeout, KeepAlive: p.cfg.KeepAlive}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(true)
				_ = tcpConn.SetKeepAlive(true)
				_ = tcpConn.SetKeepAlivePeriod(p.cfg.KeepAlive)
			}
			return conn, nil
		},
	}
}

// Acquire returns the keep-alive transport for host, reserving one
// socket slot against both the per-host and global budgets. Callers
// must call Release exactly once per successful Acquire.
func (p *Pool) Acquire(host string) (*http.Transport, error) {
	select {
	case p.globalCap <- struct{}{}:
	default:
		return nil, ErrPoolExhausted
	}

	actual, _ := p.hosts.LoadOrStore(host, p.newHostPool())
	actual.lastUsed.Store(time.Now().UnixNano())

	select {
	case actual.sockets <- struct{}{}:
		return actual.transport, nil
	default:
		<-p.globalCap
		return nil, ErrPoolExhausted
	}
}

// Release frees the socket slot reserved by a prior successful Acquire.
func (p *Pool) Release(host string) {
	if hp, ok := p.hosts.Load(host); ok {
		select {
		case <-hp.sockets:
		default:
		}
	}
	select {
	case <-p.globalCap:
	default:
	}
}

func (p *Pool) sweepLoop() {
	for {
		select {
		case <-p.stop:
			return
		case <-p.sweep.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleConnTimeout).UnixNano()
	var stale []string
	p.hosts.Range(func(host string, hp *hostPool) bool {
		if hp.lastUsed.Load() < cutoff {
			stale = append(stale, host)
		}
		return true
	})
	for _, host := range stale {
		if hp, ok := p.hosts.LoadAndDelete(host); ok {
			hp.transport.CloseIdleConnections()
		}
	}
}

// Close stops the sweeper and closes every held transport's idle
// connections.
func (p *Pool) Close() {
	close(p.stop)
	p.sweep.Stop()
	p.hosts.Range(func(_ string, hp *hostPool) bool {
		hp.transport.CloseIdleConnections()
		return true
	})
}
