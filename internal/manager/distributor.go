package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/jobregistry"
	"github.com/3leaps/ocrfleet/pkg/provider"
	"github.com/3leaps/ocrfleet/pkg/wire"
)

// Distributor admits client submissions: it sizes the worker fleet, registers
// the job and sends one work item per listed item. It stops admitting once
// termination is requested and deletes the submission queue on exit.
type Distributor struct {
	deps          Deps
	opts          Options
	lifecycle     *Lifecycle
	submissionURL string
	workURL       string

	limiter *rate.Limiter
}

// Run loops until termination is requested or ctx is done.
func (d *Distributor) Run(ctx context.Context) error {
	log := d.deps.Logger.With(zap.String("loop", "distributor"))
	defer d.teardown(ctx, log)

	if d.limiter == nil {
		d.limiter = newLimiter(d.opts)
	}

	bo := newBackOff(d.opts)
	for !d.lifecycle.Terminating() {
		msgs, err := d.deps.Queue.Receive(ctx, d.submissionURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			log.Warn("Receive submissions failed", zap.Error(err), zap.Duration("retry_in", wait))
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		bo.Reset()

		// A terminate submission stops admission after the current batch.
		for _, msg := range msgs {
			if err := d.handle(ctx, log, msg); err != nil {
				return err
			}
		}
		if len(msgs) > 0 {
			if err := d.deps.Queue.Ack(ctx, d.submissionURL, msgs); err != nil {
				log.Warn("Ack submissions failed", zap.Int("count", len(msgs)), zap.Error(err))
			}
		}
	}

	log.Info("Termination requested, distributor exiting")
	return nil
}

func newLimiter(o Options) *rate.Limiter {
	if o.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, o.Burst)
	}
	return rate.NewLimiter(rate.Limit(o.RateLimit), o.Burst)
}

// handle processes one submission. Only a done ctx is returned as an error;
// everything else is logged and the submission abandoned.
func (d *Distributor) handle(ctx context.Context, log *zap.Logger, msg provider.Message) error {
	m := d.deps.Metrics
	sub, err := wire.DecodeSubmission(msg.Body)
	if err != nil {
		m.MalformedMessages.Inc(1)
		log.Warn("Dropping malformed submission", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	m.Submissions.Inc(1)
	log = log.With(zap.String("job", sub.ReplyTo))

	if sub.Terminate {
		if d.lifecycle.RequestTermination() {
			log.Info("Terminate requested by client")
		}
	}

	log.Info("Submission received",
		zap.String("bucket", sub.Bucket),
		zap.String("list_key", sub.ListKey),
		zap.Int("workers", sub.Workers))

	if sub.Workers > 0 {
		n, err := d.deps.Fleet.EnsureCapacity(ctx, fleet.RoleWorker, sub.Workers, d.opts.WorkerParams)
		if err != nil {
			log.Warn("Scale-up failed", zap.Error(err))
		}
		m.WorkersRequested.Inc(int64(n))
	}

	items, err := d.deps.Store.ReadLines(ctx, sub.Bucket, sub.ListKey)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.abandon(ctx, log, sub, fmt.Sprintf("read item list %s/%s: %v", sub.Bucket, sub.ListKey, err))
		return nil
	}

	if err := d.deps.Registry.Register(sub.ReplyTo, sub.Bucket, items); err != nil {
		if errors.Is(err, jobregistry.ErrJobExists) {
			m.SubmissionsAbandoned.Inc(1)
			log.Warn("Dropping submission for an active job", zap.Error(err))
			return nil
		}
		d.abandon(ctx, log, sub, err.Error())
		return nil
	}
	m.ActiveJobs.Update(int64(d.deps.Registry.Len()))

	sent, err := d.dispatch(ctx, log, sub.ReplyTo, items)
	if sent == 0 {
		d.deps.Registry.Remove(sub.ReplyTo)
		m.ActiveJobs.Update(int64(d.deps.Registry.Len()))
		if err != nil {
			return err
		}
		d.abandon(ctx, log, sub, "no work item could be dispatched")
		return nil
	}
	log.Info("Job dispatched", zap.Int("items", len(items)), zap.Int("sent", sent))
	return err
}

// dispatch sends one work item per item and withdraws items whose send
// failed. It returns the number of items sent.
func (d *Distributor) dispatch(ctx context.Context, log *zap.Logger, replyTo string, items []string) (int, error) {
	m := d.deps.Metrics
	sent := 0
	for i, item := range items {
		if err := d.limiter.Wait(ctx); err != nil {
			d.withdraw(log, replyTo, items[i:])
			return sent, err
		}
		body := wire.EncodeWorkItem(wire.WorkItem{ReplyTo: replyTo, ItemURL: item})
		if err := d.send(ctx, log, body); err != nil {
			if ctx.Err() != nil {
				d.withdraw(log, replyTo, items[i:])
				return sent, ctx.Err()
			}
			log.Error("Work item not dispatched", zap.String("item", item), zap.Error(err))
			d.withdraw(log, replyTo, items[i:i+1])
			continue
		}
		sent++
		m.ItemsDispatched.Inc(1)
	}
	return sent, nil
}

func (d *Distributor) withdraw(log *zap.Logger, replyTo string, items []string) {
	for _, item := range items {
		d.deps.Metrics.ItemsWithdrawn.Inc(1)
		if d.deps.Registry.Withdraw(replyTo, item) == jobregistry.JustCompleted {
			log.Debug("Withdrawal completed job")
		}
	}
}

// send enqueues a work item, retrying with exponential backoff.
func (d *Distributor) send(ctx context.Context, log *zap.Logger, body string) error {
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(d.opts), uint64(d.opts.SendRetries)), ctx)
	return backoff.RetryNotify(func() error {
		return d.deps.Queue.Send(ctx, d.workURL, body)
	}, b, func(err error, wait time.Duration) {
		log.Warn("Work item send failed, retrying", zap.Duration("retry_in", wait), zap.Error(err))
	})
}

// abandon drops a submission and, when configured, tells the client.
func (d *Distributor) abandon(ctx context.Context, log *zap.Logger, sub wire.Submission, reason string) {
	d.deps.Metrics.SubmissionsAbandoned.Inc(1)
	log.Warn("Submission abandoned", zap.String("reason", reason))
	if !d.opts.NotifyFailures {
		return
	}
	if err := d.deps.Queue.Send(ctx, sub.ReplyTo, wire.EncodeFailed(reason)); err != nil {
		log.Warn("Failure notification not sent", zap.Error(err))
	}
}

// teardown deletes the client submission queue.
func (d *Distributor) teardown(ctx context.Context, log *zap.Logger) {
	ctx, cancel := cleanupContext(ctx, d.opts.CleanupTimeout)
	defer cancel()
	if err := d.deps.Queue.DeleteQueue(ctx, d.submissionURL); err != nil {
		log.Error("Delete submission queue failed", zap.Error(err))
	}
}
