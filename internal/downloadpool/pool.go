package downloadpool

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWorkers is the recommended worker count.
const DefaultWorkers = 4

const (
	connectTimeout  = 15 * time.Second
	lowSpeedLimit   = 1 // bytes/sec
	lowSpeedPeriod  = 15 * time.Second
	maxRedirects    = 5
)

// Pool is a bounded concurrent fetcher sharing one HTTP transport across
// its workers. A Pool is single-use: once drained and
// cancelled it should be discarded, matching one Pool per Transaction.
type Pool struct {
	workers   int
	client    *http.Client
	limiter   *rate.Limiter
	metrics   *Metrics

	mu       sync.Mutex
	pending  []*Download
	inFlight int
	idleCond *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc

	onDone  []func()
	onAbort []func()
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithWorkers overrides DefaultWorkers.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRateLimit caps aggregate throughput across every worker, in bytes
// per second. A nil or non-positive value disables the cap.
func WithRateLimit(bytesPerSecond int) Option {
	return func(p *Pool) {
		if bytesPerSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		}
	}
}

// WithMetrics attaches a Metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a Pool with a shared transport (connection pool, DNS/TLS
// session cache) and starts its worker goroutines.
func New(opts ...Option) *Pool {
	p := &Pool{workers: DefaultWorkers}
	for _, opt := range opts {
		opt(p)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSClientConfig:     &tls.Config{},
		MaxIdleConns:        p.workers * 2,
		MaxIdleConnsPerHost: p.workers,
		IdleConnTimeout:     90 * time.Second,
	}

	p.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	p.ctx = ctx
	p.idleCond = sync.NewCond(&p.mu)
	p.cancel = func() {
		cancelCtx()
		p.mu.Lock()
		p.idleCond.Broadcast()
		p.mu.Unlock()
	}

	for i := 0; i < p.workers; i++ {
		go p.worker()
	}

	return p
}

// Push enqueues download; it starts immediately if a worker is idle.
func (p *Pool) Push(d *Download) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return // Cancel or Shutdown already ran; discard without starting
	}

	d.setState(Idle)
	p.pending = append(p.pending, d)
	p.idleCond.Signal()
}

// OnDone registers cb to run exactly once when the pool becomes idle
// (no pending or in-flight fetches) and every in-flight fetch has
// terminated.
func (p *Pool) OnDone(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDone = append(p.onDone, cb)
}

// OnAbort registers cb to run when Cancel is called.
func (p *Pool) OnAbort(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAbort = append(p.onAbort, cb)
}

// Idle reports whether the pool has no pending and no in-flight fetches.
func (p *Pool) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == 0 && p.inFlight == 0
}

// Cancel signals every in-flight fetch to abort at its next progress
// tick and discards pending fetches without starting them.
func (p *Pool) Cancel() {
	p.mu.Lock()
	p.pending = nil
	callbacks := append([]func(){}, p.onAbort...)
	p.mu.Unlock()

	p.cancel()
	for _, cb := range callbacks {
		cb()
	}
}

// Shutdown stops the worker goroutines. Call once the pool will receive
// no further Push calls.
func (p *Pool) Shutdown() {
	p.cancel()
}

func (p *Pool) worker() {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 {
			select {
			case <-p.ctx.Done():
				p.mu.Unlock()
				return
			default:
			}
			p.idleCond.Wait()
			if p.ctx.Err() != nil {
				p.mu.Unlock()
				return
			}
		}

		d := p.pending[0]
		p.pending = p.pending[1:]
		p.inFlight++
		p.mu.Unlock()

		start := time.Now()
		d.run(p.ctx, p.client, p.limiter)
		if p.metrics != nil {
			p.metrics.ObserveFetch(d.State(), time.Since(start))
		}
		if d.onComplete != nil {
			d.onComplete(d)
		}

		p.mu.Lock()
		p.inFlight--
		done := len(p.pending) == 0 && p.inFlight == 0
		var callbacks []func()
		if done {
			callbacks = p.onDone
			p.onDone = nil
		}
		p.mu.Unlock()

		for _, cb := range callbacks {
			cb()
		}
	}
}

// Progress returns the pool's aggregate progress as the arithmetic mean
// of (current/total) across running fetches It
// reports 0 when no fetch currently knows its total.
func (p *Pool) Progress(running []*Download) float64 {
	var sum float64
	var n int
	for _, d := range running {
		if d.State() != Running {
			continue
		}
		current, total := d.progressSnapshot()
		if total <= 0 {
			continue
		}
		sum += float64(current) / float64(total)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
