package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ocrfleet/pkg/artifact"
	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/jobregistry"
	"github.com/3leaps/ocrfleet/pkg/provider"
	"github.com/3leaps/ocrfleet/pkg/wire"
)

// Aggregator consumes worker results, completes jobs and publishes their
// artifacts. When it exits it tears down the worker fleet and the queues it
// owns.
type Aggregator struct {
	deps      Deps
	opts      Options
	lifecycle *Lifecycle
	resultURL string
	workURL   string
	now       func() time.Time

	// retryAt holds the earliest next publish attempt of jobs whose publish
	// failed.
	retryAt map[string]time.Time
}

// Run loops until termination was requested and no job is active, or ctx is
// done. Teardown runs on every exit path.
func (a *Aggregator) Run(ctx context.Context) error {
	log := a.deps.Logger.With(zap.String("loop", "aggregator"))
	defer a.teardown(ctx, log)

	bo := newBackOff(a.opts)
	for {
		a.finalizeCompleted(ctx, log)
		if a.lifecycle.Terminating() && a.deps.Registry.IsEmpty() {
			log.Info("All jobs published, aggregator exiting")
			return nil
		}

		msgs, err := a.deps.Queue.Receive(ctx, a.resultURL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			log.Warn("Receive results failed", zap.Error(err), zap.Duration("retry_in", wait))
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		bo.Reset()

		for _, msg := range msgs {
			a.handle(ctx, log, msg)
		}
		if len(msgs) > 0 {
			if err := a.deps.Queue.Ack(ctx, a.resultURL, msgs); err != nil {
				log.Warn("Ack results failed", zap.Int("count", len(msgs)), zap.Error(err))
			}
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, log *zap.Logger, msg provider.Message) {
	m := a.deps.Metrics
	res, err := wire.DecodeResult(msg.Body)
	if err != nil {
		m.MalformedMessages.Inc(1)
		log.Warn("Dropping malformed result", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	m.Results.Inc(1)

	status := a.deps.Registry.RecordResult(res.ReplyTo, jobregistry.Fragment{
		SourceURL: res.ItemURL,
		Text:      res.Text,
	})
	switch status {
	case jobregistry.StillPending:
		log.Debug("Result recorded", zap.String("job", res.ReplyTo), zap.String("item", res.ItemURL))
	case jobregistry.JustCompleted:
		a.finalize(ctx, log, res.ReplyTo)
	case jobregistry.DuplicateResult:
		m.DuplicateResults.Inc(1)
		log.Warn("Dropping duplicate result", zap.String("job", res.ReplyTo), zap.String("item", res.ItemURL))
	case jobregistry.UnknownJob:
		m.UnknownResults.Inc(1)
		log.Warn("Dropping result for unknown job", zap.String("job", res.ReplyTo), zap.String("item", res.ItemURL))
	}
}

// finalizeCompleted publishes jobs that completed without a result message,
// by withdrawal, or whose earlier publish failed.
func (a *Aggregator) finalizeCompleted(ctx context.Context, log *zap.Logger) {
	now := a.now()
	for _, key := range a.deps.Registry.Completed() {
		if ctx.Err() != nil {
			return
		}
		if at, ok := a.retryAt[key]; ok && now.Before(at) {
			continue
		}
		a.finalize(ctx, log, key)
	}
}

// finalize publishes a completed job and removes it. A failed publish keeps
// the record for another attempt until PublishAttempts is reached.
func (a *Aggregator) finalize(ctx context.Context, log *zap.Logger, key string) {
	reg := a.deps.Registry
	m := a.deps.Metrics
	log = log.With(zap.String("job", key))

	rec, ok := reg.Get(key)
	if !ok || !rec.Completed() {
		return
	}
	if len(rec.Fragments) == 0 {
		a.forget(key)
		log.Warn("Job completed without results, nothing to publish", zap.Int("items", rec.ItemCount))
		return
	}

	name, err := a.publish(ctx, rec)
	if err != nil {
		m.PublishFailures.Inc(1)
		attempts := reg.MarkPublishFailed(key)
		if attempts >= a.opts.PublishAttempts {
			a.forget(key)
			log.Error("Giving up publishing job", zap.Int("attempts", attempts), zap.Error(err))
			return
		}
		delay := a.retryDelay(attempts)
		if a.retryAt == nil {
			a.retryAt = make(map[string]time.Time)
		}
		a.retryAt[key] = a.now().Add(delay)
		log.Warn("Publish failed, will retry",
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return
	}

	a.forget(key)
	m.JobsCompleted.Inc(1)
	log.Info("Job published",
		zap.String("artifact", name),
		zap.String("bucket", rec.OutputDestination),
		zap.Int("fragments", len(rec.Fragments)))
}

// forget removes a finished job from the registry.
func (a *Aggregator) forget(key string) {
	a.deps.Registry.Remove(key)
	delete(a.retryAt, key)
	a.deps.Metrics.ActiveJobs.Update(int64(a.deps.Registry.Len()))
}

// retryDelay doubles from RetryInitialInterval per failed attempt, capped at
// RetryMaxInterval.
func (a *Aggregator) retryDelay(attempts int) time.Duration {
	d := a.opts.RetryInitialInterval
	for i := 1; i < attempts && d < a.opts.RetryMaxInterval; i++ {
		d *= 2
	}
	return min(d, a.opts.RetryMaxInterval)
}

// publish stores the artifact unless an earlier attempt already did, then
// notifies the client.
func (a *Aggregator) publish(ctx context.Context, rec jobregistry.JobRecord) (string, error) {
	name := rec.ArtifactName
	if name == "" {
		content, err := artifact.Render(rec.Fragments)
		if err != nil {
			return "", fmt.Errorf("render artifact: %w", err)
		}
		name = artifact.NewName(a.now())
		if err := a.deps.Store.WriteString(ctx, rec.OutputDestination, name, content); err != nil {
			return "", fmt.Errorf("write artifact %s: %w", name, err)
		}
		a.deps.Registry.SetArtifact(rec.Key, name)
	}
	if err := a.deps.Queue.Send(ctx, rec.Key, wire.EncodeDone(name)); err != nil {
		return "", fmt.Errorf("notify client: %w", err)
	}
	return name, nil
}

// teardown terminates the workers, deletes the manager-owned queues and,
// when configured, the manager's own instance.
func (a *Aggregator) teardown(ctx context.Context, log *zap.Logger) {
	ctx, cancel := cleanupContext(ctx, a.opts.CleanupTimeout)
	defer cancel()

	log.Info("Tearing down worker fleet")
	var errs []error
	if n, err := a.deps.Fleet.TerminateAll(ctx, fleet.RoleWorker); err != nil {
		errs = append(errs, err)
	} else {
		log.Info("Workers terminated", zap.Int("count", n))
	}
	for _, url := range []string{a.workURL, a.resultURL} {
		if err := a.deps.Queue.DeleteQueue(ctx, url); err != nil {
			errs = append(errs, fmt.Errorf("delete queue %s: %w", url, err))
		}
	}
	if a.opts.SelfTerminate {
		if err := a.deps.Fleet.TerminateSelf(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Error("Teardown incomplete", zap.Error(err))
	}
}
