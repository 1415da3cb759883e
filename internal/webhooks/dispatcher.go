package webhooks

import (
	"context"

	"github.com/rs/zerolog/log"

	"wasmscan/internal/metrics"
	"wasmscan/internal/models"
)

// EventStore is the slice of the repository the dispatcher needs: the
// previous-value fallback when the current batch has no earlier write.
type EventStore interface {
	PreviousEventValue(ctx context.Context, contract, key string, beforeHeight uint64) (*models.WasmEvent, error)
}

// PendingSink persists matched deliveries.
type PendingSink interface {
	InsertPending(ctx context.Context, rows []models.PendingWebhook) (int, error)
}

// Dispatcher evaluates each flushed event against the subscription set and
// enqueues pending deliveries. It never delivers anything itself; the
// orchestrator drains the queue.
type Dispatcher struct {
	subs   *SubscriptionCache
	events EventStore
	sink   PendingSink
}

// NewDispatcher wires the dispatcher to its subscription source and stores.
func NewDispatcher(subs *SubscriptionCache, events EventStore, sink PendingSink) *Dispatcher {
	return &Dispatcher{subs: subs, events: events, sink: sink}
}

// Enqueue matches a flushed batch against all subscriptions and inserts the
// resulting pending rows. Returns the number of rows enqueued. A failing
// subscription skips only itself; only the final insert can fail the batch.
func (d *Dispatcher) Enqueue(ctx context.Context, batch []*models.WasmEvent) (int, error) {
	subs := d.subs.All(ctx)
	if len(subs) == 0 || len(batch) == 0 {
		return 0, nil
	}

	rows := d.match(ctx, subs, batch)
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := d.sink.InsertPending(ctx, rows)
	if err != nil {
		return 0, err
	}
	metrics.WebhooksEnqueued.Add(float64(n))
	return n, nil
}

// match runs filter, value resolution and endpoint resolution per
// (event, subscription) pair and shapes the pending rows.
func (d *Dispatcher) match(ctx context.Context, subs []Subscription, batch []*models.WasmEvent) []models.PendingWebhook {
	var rows []models.PendingWebhook
	for _, e := range batch {
		e := e

		// The previous value is shared across subscriptions for this event
		// and only resolved when a value mode asks for it.
		var (
			prevEvent *models.WasmEvent
			prevErr   error
			prevDone  bool
		)
		prev := func() (*models.WasmEvent, error) {
			if prevDone {
				return prevEvent, prevErr
			}
			prevDone = true
			if p := previousInBatch(batch, e); p != nil {
				prevEvent = p
				return prevEvent, nil
			}
			prevEvent, prevErr = d.events.PreviousEventValue(ctx, e.ContractAddress, e.Key, e.BlockHeight)
			return prevEvent, prevErr
		}

		for _, sub := range subs {
			if !sub.Filter(e) {
				continue
			}
			value, err := sub.GetValue(e, prev)
			if err != nil {
				log.Warn().Err(err).
					Str("subscription", sub.Name).
					Str("contract", e.ContractAddress).
					Uint64("block", e.BlockHeight).
					Msg("webhook value resolution failed, skipping")
				continue
			}
			if value == nil {
				continue
			}
			ep, err := sub.ResolveEndpoint(e)
			if err != nil || ep == nil {
				if err != nil {
					log.Warn().Err(err).
						Str("subscription", sub.Name).
						Msg("webhook endpoint resolution failed, skipping")
				}
				continue
			}

			valueJSON, err := jsonit.Marshal(value)
			if err != nil {
				log.Warn().Err(err).Str("subscription", sub.Name).Msg("webhook value not serializable, skipping")
				continue
			}
			epJSON, err := jsonit.Marshal(ep)
			if err != nil {
				continue
			}

			rows = append(rows, models.PendingWebhook{
				SubscriptionID:  sub.ID,
				EndpointType:    ep.Type,
				Endpoint:        epJSON,
				Value:           valueJSON,
				BlockHeight:     e.BlockHeight,
				ContractAddress: e.ContractAddress,
				Key:             e.Key,
			})
		}
	}
	return rows
}

// previousInBatch returns the newest event strictly below e's block for the
// same (contract, key) within the current batch, or nil. Batches hold at
// most one event per (block, contract, key) after deduplication.
func previousInBatch(batch []*models.WasmEvent, e *models.WasmEvent) *models.WasmEvent {
	var best *models.WasmEvent
	for _, b := range batch {
		if b.ContractAddress != e.ContractAddress || b.Key != e.Key {
			continue
		}
		if b.BlockHeight >= e.BlockHeight {
			continue
		}
		if best == nil || b.BlockHeight > best.BlockHeight {
			best = b
		}
	}
	return best
}
