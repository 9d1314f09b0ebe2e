// Package threadpool implements a fixed-size pool of independent ioctx.Context
// shards, each driven by its own goroutine, with round-robin executor
// selection. It is grounded on
// _examples/original_source/include/iocoro/thread_pool.hpp's thread_pool:
// "owns N independent io_context shards, starts N worker threads each
// running one shard's event loop, provides round-robin io_executor
// selection via pick_executor()" translated directly into Go goroutines
// over ioctx.Context, and on the teacher's eventloop.promisify.go panic/
// Goexit recovery discipline for what happens when posted work misbehaves
// on a worker goroutine.
package threadpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-iocoro/executor"
	"github.com/joeycumines/go-iocoro/ioctx"
	"github.com/joeycumines/go-iocoro/obslog"
)

// Option configures a Pool at construction.
type Option interface{ apply(*config) }

type config struct {
	shards int
	logger obslog.Logger
	newCtx func() (*ioctx.Context, error)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithShards sets the number of ioctx.Context shards (worker goroutines).
// Default is 1.
func WithShards(n int) Option {
	return optionFunc(func(c *config) { c.shards = n })
}

// WithLogger attaches an obslog.Logger used for panic/error reporting.
func WithLogger(l obslog.Logger) Option {
	return optionFunc(func(c *config) { c.logger = l })
}

// WithContextFactory overrides how each shard's ioctx.Context is
// constructed, e.g. to select a non-default reactor.Backend per shard.
func WithContextFactory(f func() (*ioctx.Context, error)) Option {
	return optionFunc(func(c *config) { c.newCtx = f })
}

// Pool is a fixed set of ioctx.Context shards, each run by its own
// goroutine, exposing a round-robin executor.IOExecutor via Next.
type Pool struct {
	shards  []*ioctx.Context
	logger  obslog.Logger
	rr      atomic.Uint64
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// New starts n shards (n >= 1) and their worker goroutines.
func New(opts ...Option) (*Pool, error) {
	cfg := config{shards: 1}
	for _, o := range opts {
		o.apply(&cfg)
	}
	if cfg.shards < 1 {
		cfg.shards = 1
	}
	if cfg.logger == nil {
		cfg.logger = obslog.Default()
	}
	if cfg.newCtx == nil {
		cfg.newCtx = func() (*ioctx.Context, error) { return ioctx.New(ioctx.WithLogger(cfg.logger)) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{logger: cfg.logger, cancel: cancel}

	for i := 0; i < cfg.shards; i++ {
		sc, err := cfg.newCtx()
		if err != nil {
			p.Stop()
			return nil, err
		}
		p.shards = append(p.shards, sc)
	}

	for _, sc := range p.shards {
		sc := sc
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runShard(ctx, sc)
		}()
	}

	return p, nil
}

// runShard drives one shard until ctx is cancelled or the shard is stopped,
// recovering any panic escaping Run itself (posted-task panics are already
// recovered at Post boundaries by higher layers; this is the last line of
// defense for a reactor-level bug).
func (p *Pool) runShard(ctx context.Context, sc *ioctx.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Log(obslog.LevelError, "threadpool", "shard panicked",
				obslog.F("panic", r))
		}
	}()
	for ctx.Err() == nil {
		if err := sc.Run(ctx); err != nil && ctx.Err() == nil {
			p.logger.Log(obslog.LevelWarn, "threadpool", "shard run returned early",
				obslog.F("err", err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		sc.Restart()
	}
}

// Size returns the number of shards.
func (p *Pool) Size() int { return len(p.shards) }

// Next selects a shard round-robin and returns it as an executor.IOExecutor.
func (p *Pool) Next() executor.IOExecutor {
	i := p.rr.Add(1) - 1
	return executor.FromContext(p.shards[int(i)%len(p.shards)])
}

// Post schedules fn onto the next shard in round-robin order.
func (p *Pool) Post(fn func()) { p.Next().Post(fn) }

// Dispatch schedules fn onto the next shard in round-robin order. Unlike a
// single Context's Dispatch, this can never inline, since which shard is
// "next" is unrelated to the calling goroutine.
func (p *Pool) Dispatch(fn func()) { p.Next().Post(fn) }

// Stop requests every shard to stop and cancels their worker goroutines'
// run loops. Idempotent.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	for _, sc := range p.shards {
		sc.Stop()
	}
}

// Join blocks until every worker goroutine has returned, then closes each
// shard's reactor backend. Call Stop first.
func (p *Pool) Join() error {
	p.wg.Wait()
	var first error
	for _, sc := range p.shards {
		if err := sc.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
