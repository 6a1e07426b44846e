package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/codefionn/relaygate/relaygate-srv/policy"
	"github.com/codefionn/relaygate/relaygate-srv/resolver"
	"github.com/codefionn/relaygate/relaygate-srv/stats"
)

// generation bundles a policy snapshot with the helpers built from it.
// Connections capture the generation current at accept time.
type generation struct {
	snap      *policy.Snapshot
	connector *Connector
	pool      *bufferPool
}

func newGeneration(snap *policy.Snapshot, prev *generation) *generation {
	gen := &generation{
		snap:      snap,
		connector: NewConnector(snap.Limits.ConnectTimeout, resolver.New(snap.DNS)),
	}
	if prev != nil && prev.pool.size == snap.Limits.BufferSize {
		gen.pool = prev.pool
	} else {
		gen.pool = newBufferPool(snap.Limits.BufferSize)
	}
	return gen
}

// Server is one bound listener.
type Server struct {
	addr     string
	listener net.Listener
	proxy    *Proxy
	closed   atomic.Bool
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) close() error {
	s.closed.Store(true)
	return s.listener.Close()
}

// Proxy is the forward proxy: a set of listeners sharing one policy
// generation, one counter set and one event collector.
type Proxy struct {
	gen       atomic.Pointer[generation]
	counters  *stats.Counters
	collector stats.Collector
	grace     time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	servers map[string]*Server
	serving sync.WaitGroup
	stopped chan struct{}
	stop    sync.Once

	conns    sync.Map // *ConnContext -> struct{}
	handlers sync.WaitGroup
	draining atomic.Bool

	clientsMu sync.Mutex
	clients   map[string]int
	freed     chan struct{}
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithCollector sets the event sink. The default discards events.
func WithCollector(c stats.Collector) Option {
	return func(p *Proxy) { p.collector = c }
}

// WithCounters shares an existing counter set, e.g. with the dashboard.
func WithCounters(c *stats.Counters) Option {
	return func(p *Proxy) { p.counters = c }
}

// WithShutdownGrace sets the grace period used when Start's context ends.
func WithShutdownGrace(d time.Duration) Option {
	return func(p *Proxy) { p.grace = d }
}

// NewProxy creates a proxy serving snap.
func NewProxy(snap *policy.Snapshot, opts ...Option) *Proxy {
	p := &Proxy{
		grace:   config.DefaultShutdownGraceSeconds * time.Second,
		servers: make(map[string]*Server),
		stopped: make(chan struct{}),
		clients: make(map[string]int),
		freed:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.counters == nil {
		p.counters = stats.NewCounters()
	}
	if p.collector == nil {
		p.collector = stats.NewDummyCollector()
	}
	p.baseCtx, p.baseCancel = context.WithCancel(context.Background())
	p.gen.Store(newGeneration(snap, nil))
	return p
}

// Start binds addrs and serves until Shutdown is called or ctx ends, in which
// case it shuts down with the configured grace period. workers, when
// positive, sets GOMAXPROCS.
func (p *Proxy) Start(ctx context.Context, addrs []string, workers int) error {
	if len(addrs) == 0 {
		return NewProxyError(ErrCodeNoEnabledServers, KindIOError, nil)
	}
	if workers > 0 {
		prev := runtime.GOMAXPROCS(workers)
		logger.Debug("GOMAXPROCS set to %d (was %d)", workers, prev)
	}
	if err := p.UpdateListeners(addrs); err != nil {
		return err
	}
	return p.wait(ctx)
}

// StartWithListener serves an already bound listener, mainly for tests.
func (p *Proxy) StartWithListener(ctx context.Context, ln net.Listener) error {
	p.mu.Lock()
	if p.draining.Load() {
		p.mu.Unlock()
		return errors.New("proxy is shut down")
	}
	s := &Server{addr: ln.Addr().String(), listener: ln, proxy: p}
	p.servers[s.addr] = s
	p.serving.Add(1)
	p.mu.Unlock()

	go p.serve(s)
	return p.wait(ctx)
}

func (p *Proxy) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		err := p.Shutdown(p.grace)
		p.serving.Wait()
		return err
	case <-p.stopped:
		p.serving.Wait()
		return nil
	}
}

// UpdateListeners makes the bound listeners match addrs. New addresses are
// bound before removed ones are closed; if any bind fails nothing changes.
func (p *Proxy) UpdateListeners(addrs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining.Load() {
		return errors.New("proxy is shut down")
	}

	want := make(map[string]bool, len(addrs))
	var added []*Server
	for _, addr := range addrs {
		want[addr] = true
		if _, ok := p.servers[addr]; ok {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, s := range added {
				_ = s.listener.Close()
			}
			return NewProxyError(ErrCodeListenerCreateFailed, KindIOError, fmt.Errorf("listen on %s: %w", addr, err))
		}
		added = append(added, &Server{addr: addr, listener: ln, proxy: p})
	}

	for _, s := range added {
		p.servers[s.addr] = s
		p.serving.Add(1)
		go p.serve(s)
	}
	for addr, s := range p.servers {
		if want[addr] {
			continue
		}
		logger.Info("Closing listener %s", addr)
		if err := s.close(); err != nil {
			logger.Warn("Failed to close listener %s: %v", addr, err)
		}
		delete(p.servers, addr)
	}
	return nil
}

// Addrs returns the addresses of all bound listeners.
func (p *Proxy) Addrs() []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	addrs := make([]net.Addr, 0, len(p.servers))
	for _, s := range p.servers {
		addrs = append(addrs, s.Addr())
	}
	return addrs
}

// Reload swaps in a new snapshot. Open connections keep the one they were
// accepted with.
func (p *Proxy) Reload(snap *policy.Snapshot) {
	prev := p.gen.Load()
	p.gen.Store(newGeneration(snap, prev))
	logger.Info("Policy reloaded (built %s)", snap.BuiltAt.Format(time.RFC3339))
}

// Snapshot returns the current policy snapshot.
func (p *Proxy) Snapshot() *policy.Snapshot {
	return p.gen.Load().snap
}

// Stats returns a snapshot of the counters.
func (p *Proxy) Stats() stats.CounterSnapshot {
	return p.counters.Snapshot()
}

// Counters returns the live counter set.
func (p *Proxy) Counters() *stats.Counters {
	return p.counters
}

// Shutdown stops accepting, lets in-flight connections finish for up to
// grace, then force-closes the rest and returns ErrShutdownTimeout.
// Connections idle between keep-alive requests are closed right away.
func (p *Proxy) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	p.draining.Store(true)
	for addr, s := range p.servers {
		if err := s.close(); err != nil {
			logger.Warn("Failed to close listener %s: %v", addr, err)
		}
		delete(p.servers, addr)
	}
	p.mu.Unlock()
	defer p.stop.Do(func() { close(p.stopped) })

	// No accept loop may start a handler once the wait below begins.
	p.serving.Wait()

	done := make(chan struct{})
	go func() {
		p.handlers.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	p.interruptIdle()
	for {
		select {
		case <-done:
			p.baseCancel()
			logger.Info("Proxy shut down cleanly")
			return nil
		case <-ticker.C:
			p.interruptIdle()
		case <-timer.C:
			p.baseCancel()
			forced := 0
			p.conns.Range(func(key, _ any) bool {
				_ = key.(*ConnContext).conn.Close()
				forced++
				return true
			})
			<-done
			logger.Warn("Shutdown grace period of %s expired, force-closed %d connections", grace, forced)
			return ErrShutdownTimeout
		}
	}
}

// interruptIdle wakes connections waiting for their next keep-alive request
// so they notice the shutdown.
func (p *Proxy) interruptIdle() {
	now := time.Now()
	p.conns.Range(func(key, _ any) bool {
		cc := key.(*ConnContext)
		if cc.State() == StateParsingRequest && cc.Requests() > 0 {
			_ = cc.conn.Conn.SetReadDeadline(now)
		}
		return true
	})
}
