package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/l7mp/deltaview/pkg/metrics"
)

// DefaultWorkerPoolSize is the number of concurrent async tasks an executor runs by default.
const DefaultWorkerPoolSize = 8

// Context is the execution context of one polling generation. Operators receive it in Describe and
// may use it to spawn heavy per-key work on the executor's worker pool.
type Context struct {
	context.Context
	generation uint64
	exec       *Executor
	log        logr.Logger
}

// Generation returns the polling generation the context belongs to. Generations start at 1.
func (c *Context) Generation() uint64 { return c.generation }

// Logger returns the logger of the generation.
func (c *Context) Logger() logr.Logger { return c.log }

// Metrics returns the collectors of the executor. It may be nil.
func (c *Context) Metrics() *metrics.Metrics {
	if c.exec == nil {
		return nil
	}
	return c.exec.metrics
}

// Go runs f on the worker pool. Go blocks while the pool is saturated. The context passed to f is
// cancelled as soon as any task fails or the executor is stopped.
func (c *Context) Go(f func(ctx context.Context) error) {
	if c.exec == nil {
		go func() {
			if err := f(c.Context); err != nil {
				c.log.Error(err, "async task failed", "generation", c.generation)
			}
		}()
		return
	}
	c.exec.spawn(f)
}

// NewContext creates a standalone context for the given generation, without a worker pool. Tasks
// spawned on a standalone context run on plain goroutines and their errors are only logged. Mostly
// useful for testing.
func NewContext(ctx context.Context, generation uint64, log logr.Logger) *Context {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Context{Context: ctx, generation: generation, log: log}
}

// Runner is a consumer that drives a pipeline for one generation, e.g., a Sink.
type Runner interface {
	Run(ctx *Context) error
}

// Options configures an executor.
type Options struct {
	// WorkerPoolSize limits the number of concurrent async tasks. Default is DefaultWorkerPoolSize.
	WorkerPoolSize int
	// Metrics is an optional set of collectors.
	Metrics *metrics.Metrics
	// Logger is the base logger.
	Logger logr.Logger
}

// Executor is the single driver of a set of pipelines. It owns the generation counter and the
// worker pool used for async tasks.
type Executor struct {
	generation uint64
	pool       *errgroup.Group
	poolCtx    context.Context
	cancel     context.CancelFunc
	metrics    *metrics.Metrics
	logger     logr.Logger
	log        logr.Logger
	mu         sync.Mutex
	err        error
}

// NewExecutor creates an executor. The worker pool uses ctx as its parent context.
func NewExecutor(ctx context.Context, opts Options) *Executor {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	size := opts.WorkerPoolSize
	if size <= 0 {
		size = DefaultWorkerPoolSize
	}

	ctx, cancel := context.WithCancel(ctx)
	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(size)

	return &Executor{
		pool:    pool,
		poolCtx: poolCtx,
		cancel:  cancel,
		metrics: opts.Metrics,
		logger:  logger,
		log:     logger.WithName("executor"),
	}
}

// Generation returns the last generation started by the executor.
func (e *Executor) Generation() uint64 { return e.generation }

// Next starts a new generation and returns its context.
func (e *Executor) Next() *Context {
	e.generation++
	return &Context{
		Context:    e.poolCtx,
		generation: e.generation,
		exec:       e,
		log:        e.logger.WithValues("generation", e.generation),
	}
}

// Step runs one generation over the given runners, in order. It returns the first error reported
// by a runner or by an async task. Once an async task has failed every further step fails.
func (e *Executor) Step(runners ...Runner) error {
	if err := e.taskErr(); err != nil {
		return err
	}

	ctx := e.Next()
	e.log.V(4).Info("generation: starting", "generation", ctx.generation, "runners", len(runners))

	for i, r := range runners {
		if err := ctx.Err(); err != nil {
			if terr := e.taskErr(); terr != nil {
				return terr
			}
			return fmt.Errorf("generation %d aborted: %w", ctx.generation, err)
		}
		if err := r.Run(ctx); err != nil {
			return fmt.Errorf("runner %d failed in generation %d: %w", i, ctx.generation, err)
		}
	}

	e.metrics.Generation()
	e.log.V(4).Info("generation: ready", "generation", ctx.generation)

	return e.taskErr()
}

// Stop cancels the running tasks and waits for them to exit. It returns the first task error.
func (e *Executor) Stop() error {
	e.cancel()
	err := e.pool.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Executor) taskErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Executor) spawn(f func(context.Context) error) {
	e.pool.Go(func() error {
		err := f(e.poolCtx)
		if err != nil {
			e.mu.Lock()
			if e.err == nil {
				e.err = err
			}
			e.mu.Unlock()
			e.log.Error(err, "async task failed")
		}
		return err
	})
}
