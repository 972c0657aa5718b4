// Package manager runs the manager node: the distribution loop admitting
// client jobs and fanning items out to workers, and the aggregation loop
// collecting worker results into artifacts.
//
// Shutdown is two-phased. Lifecycle.RequestTermination (or a terminate
// submission) stops admission; the distribution loop exits, and the
// aggregation loop keeps draining until every admitted job is published,
// then tears down the worker fleet. Cancelling the context passed to Run
// aborts both loops without draining.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/ocrfleet/internal/observability"
	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/jobregistry"
	"github.com/3leaps/ocrfleet/pkg/provider"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultPublishAttempts      = 5
	DefaultRetryInitialInterval = 200 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
	DefaultCleanupTimeout       = 2 * time.Minute
)

// Options configures a Manager.
type Options struct {
	// SubmissionQueue is the client-owned queue the manager reads jobs from.
	SubmissionQueue string

	// WorkQueue and ResultQueue are created by the manager and deleted on
	// shutdown.
	WorkQueue   string
	ResultQueue string

	// WorkerParams configures scaled-up workers. ImageID is required.
	WorkerParams fleet.LaunchParams

	// RateLimit caps work item sends per second. Zero or less is unlimited.
	RateLimit float64
	Burst     int

	// SendRetries is the number of retries after a failed work item send.
	SendRetries          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// PublishAttempts bounds artifact publication attempts per job.
	PublishAttempts int

	// NotifyFailures sends a failed task message when a submission is
	// abandoned.
	NotifyFailures bool

	// SelfTerminate terminates the manager's own instance after teardown.
	SelfTerminate bool

	// CleanupTimeout bounds the teardown calls made after the loops exit.
	CleanupTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.SendRetries < 0 {
		o.SendRetries = 0
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if o.PublishAttempts <= 0 {
		o.PublishAttempts = DefaultPublishAttempts
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	return o
}

// Deps are the services a Manager drives.
type Deps struct {
	Queue    provider.Queue
	Store    provider.ObjectStore
	Fleet    *fleet.Controller
	Registry *jobregistry.Registry
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Manager wires the two loops around a shared registry and lifecycle.
type Manager struct {
	deps      Deps
	opts      Options
	lifecycle *Lifecycle
}

// New creates a Manager. A nil Registry, Metrics or Logger is replaced with
// a fresh one.
func New(deps Deps, opts Options) (*Manager, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Fleet == nil {
		return nil, errors.New("manager: queue, store and fleet are required")
	}
	if opts.SubmissionQueue == "" || opts.WorkQueue == "" || opts.ResultQueue == "" {
		return nil, errors.New("manager: queue names are required")
	}
	if deps.Registry == nil {
		deps.Registry = jobregistry.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = observability.CLILogger
	}
	return &Manager{
		deps:      deps,
		opts:      opts.withDefaults(),
		lifecycle: NewLifecycle(),
	}, nil
}

// Lifecycle returns the termination flag shared by the loops.
func (m *Manager) Lifecycle() *Lifecycle {
	return m.lifecycle
}

// Registry returns the job registry.
func (m *Manager) Registry() *jobregistry.Registry {
	return m.deps.Registry
}

// Metrics returns the manager counters.
func (m *Manager) Metrics() *observability.Metrics {
	return m.deps.Metrics
}

// Run resolves the queues and runs both loops until they exit. It returns
// nil after a graceful drain.
func (m *Manager) Run(ctx context.Context) error {
	q := m.deps.Queue
	log := m.deps.Logger

	submissions, err := q.QueueURL(ctx, m.opts.SubmissionQueue)
	if err != nil {
		return fmt.Errorf("resolve submission queue %s: %w", m.opts.SubmissionQueue, err)
	}
	work, err := q.CreateQueue(ctx, m.opts.WorkQueue)
	if err != nil {
		return fmt.Errorf("create work queue %s: %w", m.opts.WorkQueue, err)
	}
	results, err := q.CreateQueue(ctx, m.opts.ResultQueue)
	if err != nil {
		return fmt.Errorf("create result queue %s: %w", m.opts.ResultQueue, err)
	}

	log.Info("Manager started",
		zap.String("submission_queue", submissions),
		zap.String("work_queue", work),
		zap.String("result_queue", results))

	dist := &Distributor{
		deps:          m.deps,
		opts:          m.opts,
		lifecycle:     m.lifecycle,
		submissionURL: submissions,
		workURL:       work,
	}
	agg := &Aggregator{
		deps:      m.deps,
		opts:      m.opts,
		lifecycle: m.lifecycle,
		resultURL: results,
		workURL:   work,
		now:       time.Now,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agg.Run(gctx) })
	g.Go(func() error { return dist.Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Manager stopped")
	return nil
}

// cleanupContext detaches from ctx so teardown still runs after an abort.
func cleanupContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// newBackOff returns the exponential schedule used for send retries and
// receive errors.
func newBackOff(o Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryInitialInterval
	b.MaxInterval = o.RetryMaxInterval
	b.MaxElapsedTime = 0
	return b
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
