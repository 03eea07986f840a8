// Package worker runs independent units of work on a bounded pool of goroutines,
// retrying transient failures with exponential backoff.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/core"
)

type FailurePolicy int

const (
	// FailurePolicyPartialOutput records failed items and keeps going.
	FailurePolicyPartialOutput FailurePolicy = iota
	// FailurePolicyFailFast stops the run on the first failed item.
	FailurePolicyFailFast
)

type Options struct {
	Workers    int
	MaxRetries int

	// AttemptTimeout bounds a single processor call. Zero means no bound.
	AttemptTimeout time.Duration

	FailurePolicy FailurePolicy

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64

	// OnRetry, if set, is called before sleeping ahead of a retry.
	OnRetry func(attempt int, err error, sleep time.Duration)
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Index    int
	Input    In
	Output   Out
	Err      error
	Attempts int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.AttemptTimeout < 0 {
		o.AttemptTimeout = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.BackoffJitterFrac <= 0 {
		o.BackoffJitterFrac = 0.2
	}
	return o
}

// ProcessAll runs the processor over all input items.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	processor core.Processor[In, Out],
	opts Options,
) ([]Result[In, Out], error) {
	return ProcessAllWithCallback(ctx, items, processor, nil, opts)
}

// ProcessAllWithCallback runs the processor over all input items and invokes
// onResult from the calling goroutine as each item completes, in completion
// order. A callback error stops the run and is returned.
//
// On success the returned slice is in input order. When the run stops early
// (fail-fast, callback error or cancellation) the error is returned and the slice
// is nil.
func ProcessAllWithCallback[In any, Out any](
	ctx context.Context,
	items []In,
	processor core.Processor[In, Out],
	onResult func(Result[In, Out]) error,
	opts Options,
) ([]Result[In, Out], error) {
	opts = opts.withDefaults()
	if len(items) == 0 {
		return []Result[In, Out]{}, ctx.Err()
	}

	baseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(baseCtx)

	jobs := make(chan int)
	done := make(chan Result[In, Out], opts.Workers)

	g.Go(func() error {
		defer close(jobs)
		for i := range items {
			select {
			case jobs <- i:
			case <-runCtx.Done():
				return nil
			}
		}
		return nil
	})

	// The pool fails as a unit; its error cancels runCtx, which stops the feeder.
	pool, poolCtx := errgroup.WithContext(runCtx)
	for range min(opts.Workers, len(items)) {
		pool.Go(func() error {
			for idx := range jobs {
				if err := poolCtx.Err(); err != nil {
					return err
				}
				res := processOne(poolCtx, idx, items[idx], processor, opts)
				select {
				case done <- res:
				case <-poolCtx.Done():
					return poolCtx.Err()
				}
				if res.Err != nil && opts.FailurePolicy == FailurePolicyFailFast {
					return res.Err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(done)
		return pool.Wait()
	})

	out := make([]Result[In, Out], len(items))
	var cbErr error
	for res := range done {
		out[res.Index] = res
		if onResult == nil || cbErr != nil {
			continue
		}
		if err := onResult(res); err != nil {
			cbErr = err
			cancel()
		}
	}

	poolErr := g.Wait()
	if cbErr != nil {
		return nil, cbErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if poolErr != nil {
		return nil, poolErr
	}
	return out, nil
}

func processOne[In any, Out any](
	ctx context.Context,
	idx int,
	item In,
	processor core.Processor[In, Out],
	opts Options,
) Result[In, Out] {
	res, attempts, err := processWithRetry(ctx, item, processor, opts)
	return Result[In, Out]{
		Index:    idx,
		Input:    item,
		Output:   res,
		Err:      err,
		Attempts: attempts,
	}
}

func processWithRetry[In any, Out any](
	ctx context.Context,
	item In,
	processor core.Processor[In, Out],
	opts Options,
) (Out, int, error) {
	var lastOut Out
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastOut, attempt, err
		}

		attemptCtx := ctx
		cancel := func() {}
		if opts.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.AttemptTimeout)
		}
		result, err := processor.Process(attemptCtx, item)
		cancel()
		lastOut = result
		if err == nil {
			return result, attempt + 1, nil
		}
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return lastOut, attempt + 1, ctx.Err()
		}
		if !isTransient(err) || attempt >= maxExtraRetries(opts.MaxRetries, err) {
			return lastOut, attempt + 1, err
		}

		sleep := backoffSleep(opts.BackoffInitial, opts.BackoffMax, opts.BackoffJitterFrac, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err, sleep)
		}
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastOut, attempt + 1, ctx.Err()
		}
	}
}

type retryCap interface {
	MaxExtraRetries() int
}

func maxExtraRetries(defaultRetries int, err error) int {
	if defaultRetries < 0 {
		defaultRetries = 0
	}
	var capErr retryCap
	if errors.As(err, &capErr) {
		limited := capErr.MaxExtraRetries()
		if limited < 0 {
			limited = 0
		}
		if limited < defaultRetries {
			return limited
		}
	}
	return defaultRetries
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *core.LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
