package webhooks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wasmscan/internal/models"
)

// Store persists webhook subscriptions and the pending delivery queue.
// Subscriptions created through the admin API live in the database;
// subscriptions declared in the config file never touch the store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Subscriptions ---

const subscriptionColumns = `id, name, contract_addresses, key_prefix, value_mode,
	endpoint_type, endpoint, enabled, created_at, updated_at`

func scanSubscription(row pgx.Row) (models.WebhookSubscription, error) {
	var s models.WebhookSubscription
	err := row.Scan(&s.ID, &s.Name, &s.ContractAddresses, &s.KeyPrefix, &s.ValueMode,
		&s.EndpointType, &s.Endpoint, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// ListSubscriptions returns stored subscriptions, newest first. When
// enabledOnly is set, disabled rows are filtered out.
func (s *Store) ListSubscriptions(ctx context.Context, enabledOnly bool) ([]models.WebhookSubscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM app.webhook_subscriptions`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetSubscription returns one subscription by ID, or nil when absent.
func (s *Store) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM app.webhook_subscriptions
		WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// CreateSubscription inserts a new subscription, assigning an ID when the
// caller left it empty. The row is returned with timestamps filled in.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO app.webhook_subscriptions
			(id, name, contract_addresses, key_prefix, value_mode, endpoint_type, endpoint, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, sub.ID, sub.Name, sub.ContractAddresses, sub.KeyPrefix, sub.ValueMode,
		sub.EndpointType, sub.Endpoint, sub.Enabled).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// SetSubscriptionEnabled toggles a subscription without deleting its history.
func (s *Store) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE app.webhook_subscriptions
		SET enabled = $2, updated_at = now()
		WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s not found", id)
	}
	return nil
}

// DeleteSubscription removes a subscription. Pending rows already enqueued
// for it keep their own copy of the endpoint and still drain normally.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM app.webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s not found", id)
	}
	return nil
}

// --- Pending deliveries ---

// InsertPending enqueues matched webhook deliveries in bulk. Rows start with
// failures = 0 and become due immediately.
func (s *Store) InsertPending(ctx context.Context, rows []models.PendingWebhook) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	subIDs := make([]string, len(rows))
	epTypes := make([]string, len(rows))
	endpoints := make([]string, len(rows))
	values := make([]*string, len(rows))
	heights := make([]int64, len(rows))
	contracts := make([]string, len(rows))
	eventKeys := make([]string, len(rows))
	for i, r := range rows {
		subIDs[i] = r.SubscriptionID
		epTypes[i] = r.EndpointType
		endpoints[i] = string(r.Endpoint)
		if r.Value != nil {
			v := string(r.Value)
			values[i] = &v
		}
		heights[i] = int64(r.BlockHeight)
		contracts[i] = r.ContractAddress
		eventKeys[i] = r.Key
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO app.pending_webhooks
			(subscription_id, endpoint_type, endpoint, value, block_height, contract_address, key)
		SELECT * FROM UNNEST(
			$1::text[], $2::text[], $3::jsonb[], $4::jsonb[], $5::bigint[], $6::text[], $7::text[]
		)
	`, subIDs, epTypes, endpoints, values, heights, contracts, eventKeys)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue webhooks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListDue returns pending rows whose backoff window has elapsed, oldest
// first. The delay doubles per failure from 5s up to a 10 minute cap; fresh
// rows (failures = 0, updated_at = insert time) are due immediately because
// the delay for zero failures is zero.
func (s *Store) ListDue(ctx context.Context, limit int) ([]models.PendingWebhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, endpoint_type, endpoint, value,
		       block_height, contract_address, key, failures, created_at, updated_at
		FROM app.pending_webhooks
		WHERE updated_at + LEAST(600, CASE WHEN failures = 0 THEN 0 ELSE 5 * (2 ^ (failures - 1)) END) * interval '1 second' <= now()
		ORDER BY updated_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due webhooks: %w", err)
	}
	defer rows.Close()

	var out []models.PendingWebhook
	for rows.Next() {
		var p models.PendingWebhook
		err := rows.Scan(&p.ID, &p.SubscriptionID, &p.EndpointType, &p.Endpoint, &p.Value,
			&p.BlockHeight, &p.ContractAddress, &p.Key, &p.Failures, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending webhook: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePending removes a row after successful delivery or a permanent
// failure.
func (s *Store) DeletePending(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM app.pending_webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pending webhook: %w", err)
	}
	return nil
}

// RecordFailure increments the failure counter and returns the new count.
// Touching updated_at restarts the backoff window.
func (s *Store) RecordFailure(ctx context.Context, id int64) (int, error) {
	var failures int
	err := s.pool.QueryRow(ctx, `
		UPDATE app.pending_webhooks
		SET failures = failures + 1, updated_at = now()
		WHERE id = $1
		RETURNING failures
	`, id).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return failures, nil
}

// CountPending reports queue depth for the status endpoint.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM app.pending_webhooks`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending webhooks: %w", err)
	}
	return n, nil
}
