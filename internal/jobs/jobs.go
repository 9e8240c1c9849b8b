// Package jobs runs the background maintenance work (session sweep,
// denylist purge) as explicit cancellable periodic jobs, kept off the
// request path.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Func is one iteration of a periodic job. The context carries the
// iteration's deadline.
type Func func(ctx context.Context) error

// Periodic runs a Func on a fixed interval until stopped. Start and Stop are
// safe to call from any goroutine; Stop waits for an in-flight iteration to
// finish.
type Periodic struct {
	name       string
	interval   time.Duration
	iterationT time.Duration
	fn         Func
	log        zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures a Periodic.
type Option func(*Periodic)

// WithIterationTimeout bounds a single iteration; defaults to the interval.
func WithIterationTimeout(d time.Duration) Option {
	return func(p *Periodic) { p.iterationT = d }
}

// WithLogger sets the job logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Periodic) { p.log = log }
}

func NewPeriodic(name string, interval time.Duration, fn Func, options ...Option) *Periodic {
	p := &Periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.iterationT == 0 {
		p.iterationT = interval
	}
	return p
}

// Start launches the job loop. Starting a running job is a no-op.
func (p *Periodic) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(ctx, p.done)
	p.log.Info().Str("job", p.name).Dur("interval", p.interval).Msg("periodic job started")
}

// Stop signals the loop and waits for it to exit. Stopping a stopped job is
// a no-op.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
	p.log.Info().Str("job", p.name).Msg("periodic job stopped")
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("job", p.name).Interface("panic", r).Msg("periodic job panicked")
		}
	}()

	iterCtx, cancel := context.WithTimeout(ctx, p.iterationT)
	defer cancel()

	if err := p.fn(iterCtx); err != nil {
		p.log.Warn().Err(err).Str("job", p.name).Msg("periodic job iteration failed")
	}
}
