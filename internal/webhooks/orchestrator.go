package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"wasmscan/internal/config"
	"wasmscan/internal/eventbus"
	"wasmscan/internal/metrics"
	"wasmscan/internal/models"
)

// drainBatch bounds one ListDue pass. Rows beyond it wait for the next pass,
// which follows immediately while full batches keep coming back.
const drainBatch = 256

// Orchestrator drains the pending webhook queue: it wakes on every flush
// published to the event bus (and on a fallback ticker for retries whose
// backoff elapsed), fires due rows with bounded concurrency, and settles
// each row as delivered, retryable or dropped.
type Orchestrator struct {
	store       *Store
	deliverer   *Deliverer
	workers     int
	maxFailures int
	timeout     time.Duration
	interval    time.Duration
	kicks       chan eventbus.Event
}

// NewOrchestrator wires the drain loop to its store and delivery backend and
// subscribes it to flush notifications on the bus.
func NewOrchestrator(store *Store, deliverer *Deliverer, bus *eventbus.Bus, cfg config.DeliveryConfig) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		deliverer:   deliverer,
		workers:     cfg.Workers,
		maxFailures: cfg.MaxFailures,
		timeout:     cfg.Timeout(),
		interval:    15 * time.Second,
		kicks:       make(chan eventbus.Event, 16),
	}
	if bus != nil {
		bus.Subscribe(eventbus.TopicFlush, o.kicks)
	}
	return o
}

// Run drains until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Info().
		Int("workers", o.workers).
		Int("max_failures", o.maxFailures).
		Msg("webhook orchestrator started")

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("webhook orchestrator shutting down")
			return
		case <-ticker.C:
		case <-o.kicks:
			// A flush just enqueued rows; drain without waiting for the tick.
		}
		o.drain(ctx)
	}
}

func (o *Orchestrator) drain(ctx context.Context) {
	for {
		n, err := o.drainOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("webhook drain failed")
			return
		}
		if n < drainBatch {
			return
		}
	}
}

// drainOnce fires one batch of due rows. Each row settles independently; a
// failing row never blocks its batch.
func (o *Orchestrator) drainOnce(ctx context.Context) (int, error) {
	due, err := o.store.ListDue(ctx, drainBatch)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(o.workers)
	for i := range due {
		p := due[i]
		g.Go(func() error {
			o.deliverOne(ctx, &p)
			return nil
		})
	}
	g.Wait()
	return len(due), nil
}

func (o *Orchestrator) deliverOne(ctx context.Context, p *models.PendingWebhook) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	err := o.deliverer.Fire(callCtx, p)
	cancel()

	if err == nil {
		if delErr := o.store.DeletePending(ctx, p.ID); delErr != nil {
			log.Error().Err(delErr).Int64("id", p.ID).Msg("webhook delivered but row not deleted")
			return
		}
		metrics.WebhooksDelivered.Inc()
		return
	}

	if errors.Is(err, ErrPermanent) {
		log.Warn().Err(err).
			Int64("id", p.ID).
			Str("subscription", p.SubscriptionID).
			Msg("dropping webhook")
		o.dropRow(ctx, p)
		return
	}

	metrics.WebhookFailures.Inc()
	failures, ferr := o.store.RecordFailure(ctx, p.ID)
	if ferr != nil {
		log.Error().Err(ferr).Int64("id", p.ID).Msg("failed to record webhook failure")
		return
	}
	if failures >= o.maxFailures {
		log.Warn().
			Int64("id", p.ID).
			Int("failures", failures).
			Str("subscription", p.SubscriptionID).
			Msg("dropping webhook after exhausting retries")
		o.dropRow(ctx, p)
		return
	}
	log.Debug().Err(err).
		Int64("id", p.ID).
		Int("failures", failures).
		Msg("webhook delivery failed, will retry")
}

func (o *Orchestrator) dropRow(ctx context.Context, p *models.PendingWebhook) {
	if err := o.store.DeletePending(ctx, p.ID); err != nil {
		log.Error().Err(err).Int64("id", p.ID).Msg("failed to drop webhook row")
		return
	}
	metrics.WebhooksDropped.Inc()
}
