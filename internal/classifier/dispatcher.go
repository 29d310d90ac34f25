package classifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
	"github.com/agentworkforce/feedbackportal/internal/logging"
)

var ErrQueueFull = errors.New("classification queue full")

type Trigger interface {
	Deliver(ctx context.Context, job Job) error
	Configured() bool
}

type DispatcherOptions struct {
	Queue           JobQueue
	Trigger         Trigger
	Workers         int
	DeliveryTimeout time.Duration
	// EnqueueWait bounds how long Schedule waits for room in a full queue.
	EnqueueWait     time.Duration
	Logger          zerolog.Logger
	Now             func() time.Time
	// DisableWorkers leaves jobs queued; tests drain them by hand.
	DisableWorkers bool
}

type DispatcherStats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
}

// Dispatcher moves jobs from the queue to the trigger with a fixed pool of
// workers. Delivery outcomes are logged and counted; they never flow back to
// the caller that scheduled the job.
type Dispatcher struct {
	queue           JobQueue
	trigger         Trigger
	deliveryTimeout time.Duration
	enqueueWait     time.Duration
	log             zerolog.Logger
	now             func() time.Time

	delivered atomic.Uint64
	failed    atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryJobQueue(defaultQueueCapacity)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := opts.DeliveryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	enqueueWait := opts.EnqueueWait
	if enqueueWait <= 0 {
		enqueueWait = 100 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:           queue,
		trigger:         opts.Trigger,
		deliveryTimeout: timeout,
		enqueueWait:     enqueueWait,
		log:             logging.Component(opts.Logger, "classifier"),
		now:             now,
		ctx:             ctx,
		cancel:          cancel,
	}
	if !opts.DisableWorkers {
		d.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer d.wg.Done()
				d.worker()
			}()
		}
	}
	return d
}

// Configured reports whether a webhook URL is currently set.
func (d *Dispatcher) Configured() bool {
	return d.trigger != nil && d.trigger.Configured()
}

// Schedule queues job for delivery without waiting for the webhook. A full
// queue is waited on for at most EnqueueWait.
func (d *Dispatcher) Schedule(ctx context.Context, job Job) error {
	if !job.valid() {
		return ErrInvalidInput
	}
	if !d.Configured() {
		return feedback.ErrTriggerNotConfigured
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = d.now().UTC()
	}
	if d.queue.TryEnqueue(job) {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.enqueueWait)
	defer cancel()
	if !d.queue.Enqueue(waitCtx, job) {
		return ErrQueueFull
	}
	return nil
}

func (d *Dispatcher) worker() {
	for {
		job, ok := d.queue.Dequeue(d.ctx)
		if !ok {
			return
		}
		d.deliver(job)
	}
}

// DeliverNext takes one job off the queue and delivers it. It returns false
// when ctx ends before a job is available.
func (d *Dispatcher) DeliverNext(ctx context.Context) bool {
	job, ok := d.queue.Dequeue(ctx)
	if !ok {
		return false
	}
	d.deliver(job)
	return true
}

func (d *Dispatcher) deliver(job Job) {
	log := d.log.With().
		Str("feedbackId", job.FeedbackID).
		Str("reason", string(job.Reason)).
		Str("correlationId", job.CorrelationID).
		Logger()
	if d.trigger == nil {
		d.failed.Add(1)
		log.Error().Str(logging.FieldAction, logging.ActionWebhookError).Msg("no classification trigger configured")
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.deliveryTimeout)
	defer cancel()
	log.Info().Str(logging.FieldAction, logging.ActionWebhookCall).Msg("calling classification webhook")
	start := d.now()
	err := d.trigger.Deliver(ctx, job)
	elapsed := d.now().Sub(start)
	if err != nil {
		d.failed.Add(1)
		event := log.Error().Str(logging.FieldAction, logging.ActionWebhookError).Err(err).Dur("elapsed", elapsed)
		var deliveryErr *DeliveryError
		if errors.As(err, &deliveryErr) {
			event = event.Int("status", deliveryErr.StatusCode)
		}
		event.Msg("classification webhook failed")
		return
	}
	d.delivered.Add(1)
	log.Info().Str(logging.FieldAction, logging.ActionWebhookSuccess).Dur("elapsed", elapsed).Msg("classification webhook succeeded")
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Queued:    d.queue.Depth(),
	}
}

// Close stops the workers and closes the queue. In-flight deliveries are
// cancelled.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		err = d.queue.Close()
	})
	return err
}
