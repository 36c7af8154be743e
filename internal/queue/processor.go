package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/perchmail/perchd/internal/logging"
	"github.com/perchmail/perchd/internal/metrics"
	"github.com/perchmail/perchd/internal/store"
)

// Deliverer attempts delivery of one stored message. A nil return means
// every recipient was delivered; any error leaves the whole message to
// be retried or failed as a unit.
type Deliverer interface {
	Deliver(ctx context.Context, msg *store.Message) error
}

// permanentError lets a Deliverer mark a failure as non-retryable, for
// example a 5xx reply from the destination server.
type permanentError interface {
	Permanent() bool
}

// ProcessorConfig tunes the delivery loop.
type ProcessorConfig struct {
	// Workers is the number of concurrent deliveries.
	Workers int
	// MaxAttempts is the number of delivery passes before a message is
	// failed for good.
	MaxAttempts int
	// FirstRetryDelay overrides the first step of the backoff schedule.
	// Zero keeps the default.
	FirstRetryDelay time.Duration
	// PollInterval is how long the loop sleeps when the queue is empty.
	// It also paces retry promotion. Defaults to one second.
	PollInterval time.Duration
	// StaleTimeout is how long a message may sit in the processing set
	// before the reaper assumes its worker died and requeues it.
	// Defaults to one hour.
	StaleTimeout time.Duration
	// ReapInterval is how often the stale reaper runs. Defaults to five
	// minutes.
	ReapInterval time.Duration
}

func (c *ProcessorConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = len(retryDelays)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
}

// Processor drains the queue, handing messages to a Deliverer and
// applying the retry schedule to failures.
type Processor struct {
	queue     *Queue
	store     *store.Store
	deliverer Deliverer
	collector metrics.Collector
	logger    *slog.Logger
	cfg       ProcessorConfig
}

// NewProcessor wires a Processor. A nil collector disables metrics.
func NewProcessor(q *Queue, st *store.Store, d Deliverer, collector metrics.Collector, logger *slog.Logger, cfg ProcessorConfig) *Processor {
	cfg.setDefaults()
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Processor{
		queue:     q,
		store:     st,
		deliverer: d,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
	}
}

// retryDelay returns the backoff before the given attempt is retried,
// honoring the configured override for the first step.
func (p *Processor) retryDelay(attempt int) time.Duration {
	if attempt <= 1 && p.cfg.FirstRetryDelay > 0 {
		return p.cfg.FirstRetryDelay
	}
	return RetryDelay(attempt)
}

// Run processes the queue until ctx is cancelled. In-flight deliveries
// are allowed to finish before Run returns.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("queue processor starting", "workers", p.cfg.Workers)

	reap := time.NewTicker(p.cfg.ReapInterval)
	defer reap.Stop()

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.logger.Info("queue processor stopped")
			return
		case <-reap.C:
			p.reapStale(ctx)
			continue
		default:
		}

		if n, err := p.queue.PromoteRetries(ctx); err != nil {
			p.logger.Error("promoting retries", "error", err)
		} else if n > 0 {
			p.logger.Info("promoted retries to ready queue", "count", n)
		}

		ids, err := p.queue.Dequeue(ctx, p.cfg.Workers)
		if err != nil {
			p.logger.Error("dequeueing messages", "error", err)
			p.sleep(ctx, 5*time.Second)
			continue
		}
		if len(ids) == 0 {
			p.publishStats(ctx)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		for _, id := range ids {
			wg.Add(1)
			sem <- struct{}{}
			go func(id string) {
				defer wg.Done()
				defer func() { <-sem }()
				p.process(ctx, id)
			}(id)
		}
		wg.Wait()
		p.publishStats(ctx)
	}
}

// process runs one delivery pass for a message. A worker panic is
// contained here so one malformed message cannot take down the loop.
func (p *Processor) process(ctx context.Context, messageID string) {
	logger := logging.WithMessage(p.logger, messageID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("delivery worker panicked", "panic", r)
			if err := p.queue.RequeueFailed(ctx, messageID, p.retryDelay(1)); err != nil {
				logger.Error("requeueing after panic", "error", err)
			}
		}
	}()

	msg, err := p.store.MessageByID(messageID)
	if errors.Is(err, store.ErrNotFound) {
		// The row is gone, likely swept by retention. Drop the queue
		// entry so it does not spin forever.
		logger.Warn("queued message no longer in store, dropping")
		if err := p.queue.MarkCompleted(ctx, messageID); err != nil {
			logger.Error("dropping orphaned queue entry", "error", err)
		}
		return
	}
	if err != nil {
		logger.Error("loading message", "error", err)
		if err := p.queue.RequeueFailed(ctx, messageID, p.retryDelay(1)); err != nil {
			logger.Error("requeueing after load failure", "error", err)
		}
		return
	}

	if err := p.store.SetMessageStatus(messageID, store.StatusProcessing); err != nil {
		// Already terminal or claimed elsewhere; nothing to deliver.
		logger.Warn("message not deliverable", "status", msg.Status, "error", err)
		if err := p.queue.MarkCompleted(ctx, messageID); err != nil {
			logger.Error("releasing undeliverable message", "error", err)
		}
		return
	}

	deliveryErr := p.deliverer.Deliver(ctx, msg)
	if deliveryErr == nil {
		p.finish(ctx, logger, messageID, store.StatusSent)
		logger.Info("message delivered", "attempts", msg.Attempts+1)
		return
	}

	attempt := msg.Attempts + 1
	var perm permanentError
	switch {
	case errors.As(deliveryErr, &perm) && perm.Permanent():
		if err := p.store.RecordDeliveryAttempt(messageID, nil, deliveryErr.Error()); err != nil {
			logger.Error("recording delivery attempt", "error", err)
		}
		p.finish(ctx, logger, messageID, store.StatusBounced)
		logger.Warn("message bounced", "attempts", attempt, "error", deliveryErr)

	case attempt >= p.cfg.MaxAttempts:
		if err := p.store.RecordDeliveryAttempt(messageID, nil, deliveryErr.Error()); err != nil {
			logger.Error("recording delivery attempt", "error", err)
		}
		p.finish(ctx, logger, messageID, store.StatusFailed)
		logger.Warn("message failed permanently", "attempts", attempt, "error", deliveryErr)

	default:
		delay := p.retryDelay(attempt)
		next := time.Now().Add(delay)
		if err := p.store.RecordDeliveryAttempt(messageID, &next, deliveryErr.Error()); err != nil {
			logger.Error("recording delivery attempt", "error", err)
		}
		if err := p.store.SetMessageStatus(messageID, store.StatusQueued); err != nil {
			logger.Error("returning message to queued", "error", err)
		}
		if err := p.queue.RequeueFailed(ctx, messageID, delay); err != nil {
			logger.Error("scheduling retry", "error", err)
		}
		logger.Info("delivery deferred", "attempts", attempt, "retry_in", delay, "error", deliveryErr)
	}
}

// finish applies a terminal status and releases the queue entry.
func (p *Processor) finish(ctx context.Context, logger *slog.Logger, messageID, status string) {
	if err := p.store.SetMessageStatus(messageID, status); err != nil {
		logger.Error("updating message status", "status", status, "error", err)
	}
	if err := p.queue.MarkCompleted(ctx, messageID); err != nil {
		logger.Error("completing queue entry", "error", err)
	}
}

// reapStale requeues messages stuck in the processing set, which
// happens when a worker crashed mid-delivery or the process was killed.
func (p *Processor) reapStale(ctx context.Context) {
	ids, err := p.queue.InFlight(ctx)
	if err != nil {
		p.logger.Error("listing in-flight messages", "error", err)
		return
	}

	for _, id := range ids {
		msg, err := p.store.MessageByID(id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && msg.Status != store.StatusProcessing) {
			if err := p.queue.MarkCompleted(ctx, id); err != nil {
				p.logger.Error("releasing stale queue entry", "message_id", id, "error", err)
			}
			continue
		}
		if err != nil {
			p.logger.Error("checking in-flight message", "message_id", id, "error", err)
			continue
		}
		if time.Since(msg.UpdatedAt) > p.cfg.StaleTimeout {
			logger := logging.WithMessage(p.logger, id)
			logger.Warn("requeueing stale in-flight message", "stale_for", time.Since(msg.UpdatedAt))
			if err := p.store.SetMessageStatus(id, store.StatusQueued); err != nil {
				logger.Error("returning stale message to queued", "error", err)
			}
			if err := p.queue.RequeueFailed(ctx, id, p.retryDelay(msg.Attempts+1)); err != nil {
				logger.Error("requeueing stale message", "error", err)
			}
		}
	}
}

func (p *Processor) publishStats(ctx context.Context) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return
	}
	p.collector.QueueDepth("ready", stats.Ready)
	p.collector.QueueDepth("processing", stats.Processing)
	p.collector.QueueDepth("retry", stats.Retry)
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
