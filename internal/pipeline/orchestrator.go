package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shpitdev/reviewer-profile-enricher/internal/browser"
	"github.com/shpitdev/reviewer-profile-enricher/internal/enrich"
	"github.com/shpitdev/reviewer-profile-enricher/internal/resolve"
	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/core"
	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/redact"
	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/worker"
)

type Options struct {
	// Workers sizes batches (see BatchSize); it does not set parallelism.
	Workers  int
	MinBatch int
	// Concurrency is the number of batches in flight. 1 processes batches one at
	// a time in order.
	Concurrency int

	// DelayMin and DelayMax bound the random pause between records of a batch.
	DelayMin time.Duration
	DelayMax time.Duration

	// RateLimitRPS caps searches per second across all batches. <=0 disables it.
	RateLimitRPS float64

	// SessionRetries is how many more times a batch may try to launch a session.
	SessionRetries int
	// BackoffInitial and BackoffMax bound both session launch retries and the
	// cool-down after the search engine throttles a batch.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Rand drives identity selection and delays. Nil seeds from the clock.
	Rand   *rand.Rand
	Logger *zap.Logger
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Workers:        DefaultWorkers,
		MinBatch:       DefaultMinBatch,
		Concurrency:    1,
		DelayMin:       1 * time.Second,
		DelayMax:       3 * time.Second,
		SessionRetries: 1,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MinBatch <= 0 {
		o.MinBatch = DefaultMinBatch
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.DelayMin < 0 {
		o.DelayMin = 0
	}
	if o.DelayMax < o.DelayMin {
		o.DelayMax = o.DelayMin
	}
	if o.SessionRetries < 0 {
		o.SessionRetries = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = max(o.BackoffInitial, 5*time.Second)
	}
	if o.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		o.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Orchestrator resolves a dataset's records batch by batch.
type Orchestrator struct {
	launcher browser.Launcher
	resolver *resolve.Resolver
	opts     Options
	log      *zap.Logger
	limiter  *rate.Limiter
}

// New constructs an Orchestrator. A nil resolver uses resolve defaults.
func New(launcher browser.Launcher, resolver *resolve.Resolver, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	if resolver == nil {
		resolver = resolve.New(resolve.Config{})
	}
	o := &Orchestrator{
		launcher: launcher,
		resolver: resolver,
		opts:     opts,
		log:      opts.Logger,
	}
	if opts.RateLimitRPS > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return o
}

// RunResult is the aggregated output of a run.
type RunResult struct {
	// Outcomes has one entry per input record, in input order.
	Outcomes []enrich.Outcome
	Summary  Summary
	Duration time.Duration
}

type batchJob struct {
	batch Batch
	rand  *rand.Rand
}

// Run resolves every record and returns outcomes in input order.
//
// The sink receives (0, total) before any record is resolved and then every
// increase of the global count, ending with (total, total). A batch whose
// session cannot be launched, or dies part-way, has its unresolved records set
// to Error; the run carries on. Cancellation is observed between records and
// between batches; active sessions are released before Run returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, records []enrich.Record, sink ProgressSink) (*RunResult, error) {
	started := time.Now()
	batches := PlanBatches(records, o.opts.Workers, o.opts.MinBatch)

	// Each batch gets its own source so concurrent batches never share one.
	jobs := make([]batchJob, len(batches))
	for i, b := range batches {
		jobs[i] = batchJob{batch: b, rand: rand.New(rand.NewPCG(o.opts.Rand.Uint64(), o.opts.Rand.Uint64()))}
	}

	o.log.Info("run planned",
		zap.Int("rows", len(records)),
		zap.Int("batches", len(batches)),
		zap.Int("batch_size", BatchSize(len(records), o.opts.Workers, o.opts.MinBatch)),
		zap.Int("concurrency", o.opts.Concurrency),
	)

	tracker := newProgressTracker(sink, len(records))
	tracker.start()
	events := make(chan ProgressEvent)
	coordinatorDone := make(chan struct{})
	go func() {
		defer close(coordinatorDone)
		for ev := range events {
			tracker.observe(ev)
		}
	}()

	results := make([]BatchResult, 0, len(batches))
	failedBatches := 0
	onResult := func(res worker.Result[batchJob, BatchResult]) error {
		if res.Err != nil && ctx.Err() != nil {
			return nil
		}
		br := res.Output
		br.Batch = res.Input.batch
		if res.Err != nil && br.Err == nil {
			br.Err = res.Err
		}
		if br.Err != nil {
			failedBatches++
			o.log.Warn("batch failed; filling unresolved rows with Error",
				zap.Int("batch", br.Batch.ID),
				zap.Int("resolved", len(br.Outcomes)),
				zap.Int("rows", br.Batch.Len()),
				zap.Int("attempts", res.Attempts),
				zap.String("error", redact.Secrets(br.Err.Error())),
			)
		}
		br.Outcomes = fill(br.Outcomes, br.Batch.Len())
		events <- ProgressEvent{BatchID: br.Batch.ID, ProcessedInBatch: br.Batch.Len(), BatchSize: br.Batch.Len()}
		results = append(results, br)
		return nil
	}

	processor := core.ProcessFunc[batchJob, BatchResult](func(ctx context.Context, job batchJob) (BatchResult, error) {
		return o.runBatch(ctx, job, events)
	})
	_, err := worker.ProcessAllWithCallback(ctx, jobs, processor, onResult, worker.Options{
		Workers:           o.opts.Concurrency,
		MaxRetries:        o.opts.SessionRetries,
		FailurePolicy:     worker.FailurePolicyPartialOutput,
		BackoffInitial:    o.opts.BackoffInitial,
		BackoffMax:        o.opts.BackoffMax,
		BackoffJitterFrac: 0.2,
		OnRetry: func(attempt int, err error, sleep time.Duration) {
			o.log.Warn("session launch failed; retrying batch",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", sleep),
				zap.String("error", redact.Secrets(err.Error())),
			)
		},
	})
	close(events)
	<-coordinatorDone
	if err != nil {
		o.log.Warn("run stopped", zap.Int("processed", tracker.Processed()), zap.Error(err))
		return nil, err
	}

	outcomes := Aggregate(len(records), results)
	summary := summarize(outcomes)
	summary.Batches = len(batches)
	summary.FailedBatches = failedBatches
	elapsed := time.Since(started)
	o.log.Info("run finished",
		zap.Int("rows", summary.Rows),
		zap.Int("found", summary.Found),
		zap.Int("not_found", summary.NotFound),
		zap.Int("anonymous", summary.Anonymous),
		zap.Int("errors", summary.Errors),
		zap.Int("failed_batches", summary.FailedBatches),
		zap.Duration("elapsed", elapsed),
	)
	return &RunResult{Outcomes: outcomes, Summary: summary, Duration: elapsed}, nil
}

// runBatch resolves one batch under its own session.
//
// Only a launch failure is returned as an error (wrapped as transient so the
// pool retries it), besides cancellation. A session that dies part-way is
// reported through BatchResult.Err with the outcomes gathered so far; retrying it
// would search the same records twice.
func (o *Orchestrator) runBatch(ctx context.Context, job batchJob, events chan<- ProgressEvent) (BatchResult, error) {
	b := job.batch
	br := BatchResult{Batch: b}
	id := browser.PickIdentity(job.rand)
	log := o.log.With(zap.Int("batch", b.ID))
	log.Debug("batch started", zap.Int("rows", b.Len()), zap.String("user_agent", id.UserAgent))

	var died error
	var cooldown time.Duration
	err := browser.WithSession(ctx, o.launcher, id, func(s browser.Session) error {
		for i, rec := range b.Records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if i > 0 {
				if err := o.pause(ctx, job.rand); err != nil {
					return err
				}
				if err := sleep(ctx, cooldown); err != nil {
					return err
				}
			}
			if o.limiter != nil && !resolve.IsAnonymous(rec.Name) {
				if err := o.limiter.Wait(ctx); err != nil {
					return err
				}
			}

			out, rerr := o.resolver.Resolve(ctx, s, rec)
			br.Outcomes = append(br.Outcomes, out)
			if rerr != nil {
				log.Debug("record failed", zap.Int("row", rec.Row), zap.String("error", redact.Secrets(rerr.Error())))
			}
			events <- ProgressEvent{BatchID: b.ID, ProcessedInBatch: i + 1, BatchSize: b.Len()}

			var herr *browser.HTTPError
			if errors.As(rerr, &herr) && herr.Throttled() {
				cooldown = o.nextCooldown(cooldown)
				log.Warn("search engine throttling; cooling down",
					zap.Int("row", rec.Row),
					zap.Int("status", herr.StatusCode),
					zap.Duration("cooldown", cooldown),
				)
			} else {
				cooldown = 0
			}

			if rerr != nil && errors.Is(rerr, browser.ErrSessionClosed) && ctx.Err() == nil {
				died = rerr
				return nil
			}
		}
		return nil
	})

	if cerr := ctx.Err(); cerr != nil {
		return br, cerr
	}
	var launchErr *browser.LaunchError
	if errors.As(err, &launchErr) {
		return br, &enrich.TransientError{Err: &enrich.SessionError{BatchID: b.ID, Err: err}}
	}
	var releaseErr *browser.ReleaseError
	if errors.As(err, &releaseErr) {
		log.Warn("session release failed", zap.String("error", redact.Secrets(releaseErr.Error())))
	}
	if died != nil {
		br.Err = &enrich.SessionError{BatchID: b.ID, Err: died}
	}
	log.Debug("batch finished", zap.Int("resolved", len(br.Outcomes)))
	return br, nil
}

// pause sleeps for a duration drawn uniformly from [DelayMin, DelayMax].
func (o *Orchestrator) pause(ctx context.Context, r *rand.Rand) error {
	d := o.opts.DelayMin
	if span := o.opts.DelayMax - o.opts.DelayMin; span > 0 {
		d += time.Duration(r.Int64N(int64(span) + 1))
	}
	return sleep(ctx, d)
}

// nextCooldown doubles the previous throttling cool-down, starting at
// BackoffInitial and capped at BackoffMax.
func (o *Orchestrator) nextCooldown(prev time.Duration) time.Duration {
	if prev <= 0 {
		return o.opts.BackoffInitial
	}
	return min(prev*2, o.opts.BackoffMax)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
