package models

import (
	"encoding/json"
	"time"
)

// Block represents the 'raw.blocks' table
type Block struct {
	Height     uint64    `json:"height"`
	TimeUnixMs uint64    `json:"time_unix_ms"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Timestamp derives the block time from its unix-millisecond field.
func (b Block) Timestamp() time.Time {
	return time.UnixMilli(int64(b.TimeUnixMs)).UTC()
}

// Contract represents the 'raw.contracts' table. CodeID follows chain
// migrations; the instantiated_at columns are write-once and keep the
// earliest event ever observed for the address.
type Contract struct {
	Address                  string    `json:"address"`
	CodeID                   uint64    `json:"code_id"`
	InstantiatedAtBlock      uint64    `json:"instantiated_at_block"`
	InstantiatedAtTimeUnixMs uint64    `json:"instantiated_at_time_unix_ms"`
	CreatedAt                time.Time `json:"created_at,omitempty"`
	UpdatedAt                time.Time `json:"updated_at,omitempty"`
}

// WasmEvent represents the 'raw.wasm_events' table. Key is stored in
// canonical comma-separated decimal form. Value is the decoded UTF-8 value
// and is meaningful only when Deleted is false; ValueJSON is set when the
// value parses as JSON.
type WasmEvent struct {
	ID              int64           `json:"id,omitempty"`
	BlockHeight     uint64          `json:"block_height"`
	ContractAddress string          `json:"contract_address"`
	Key             string          `json:"key"`
	Value           string          `json:"value"`
	ValueJSON       json.RawMessage `json:"value_json,omitempty"` // Stored as JSONB
	Deleted         bool            `json:"deleted"`
	BlockTimeUnixMs uint64          `json:"block_time_unix_ms"`
	Contract        *Contract       `json:"contract,omitempty"` // Joined on read
	CreatedAt       time.Time       `json:"created_at,omitempty"`
}

// WasmEventTransformation represents the 'app.wasm_event_transformations'
// table. Name is rule-assigned and may embed decoded key segments.
type WasmEventTransformation struct {
	ID              int64           `json:"id,omitempty"`
	BlockHeight     uint64          `json:"block_height"`
	ContractAddress string          `json:"contract_address"`
	Name            string          `json:"name"`
	Value           json.RawMessage `json:"value"` // JSON null for propagated deletes
	BlockTimeUnixMs uint64          `json:"block_time_unix_ms"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
}

// Computation represents the 'app.computations' table: one cached formula
// output valid for every block in [BlockHeightValid, BlockHeightLatest].
// Output is the canonical JSON encoding of the formula result.
type Computation struct {
	ID                int64                   `json:"id,omitempty"`
	Formula           string                  `json:"formula"`
	TargetContract    string                  `json:"target_contract"`
	ArgsHash          string                  `json:"args_hash"`
	Args              json.RawMessage         `json:"args"`
	BlockHeightValid  uint64                  `json:"block_height_valid"`
	BlockHeightLatest uint64                  `json:"block_height_latest"`
	Output            string                  `json:"output"`
	Dependencies      []ComputationDependency `json:"dependencies,omitempty"`
	CreatedAt         time.Time               `json:"created_at,omitempty"`
	UpdatedAt         time.Time               `json:"updated_at,omitempty"`
}

// ComputationDependency represents the 'app.computation_dependencies' table.
// Point dependencies store the full canonical key; prefix dependencies store
// a canonical prefix ending in a trailing comma.
type ComputationDependency struct {
	ComputationID   int64  `json:"computation_id,omitempty"`
	ContractAddress string `json:"contract_address"`
	Key             string `json:"key"`
	IsPrefix        bool   `json:"is_prefix"`
}

// State represents the singleton 'app.state' row. Height fields only move
// forward (GREATEST on write).
type State struct {
	LastWasmBlockHeightExported uint64    `json:"last_wasm_block_height_exported"`
	LatestBlockHeight           uint64    `json:"latest_block_height"`
	LatestBlockTimeUnixMs       uint64    `json:"latest_block_time_unix_ms"`
	UpdatedAt                   time.Time `json:"updated_at,omitempty"`
}

// WebhookSubscription represents the 'app.webhook_subscriptions' table.
// Subscriptions defined in the config file carry synthetic IDs and are merged
// with DB-backed rows at load time.
type WebhookSubscription struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	ContractAddresses []string        `json:"contract_addresses"` // Stored as TEXT[] in DB
	KeyPrefix         string          `json:"key_prefix"`
	ValueMode         string          `json:"value_mode"` // value, change, event
	EndpointType      string          `json:"endpoint_type"`
	Endpoint          json.RawMessage `json:"endpoint"`
	Enabled           bool            `json:"enabled"`
	CreatedAt         time.Time       `json:"created_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at,omitempty"`
}

// PendingWebhook represents the 'app.pending_webhooks' table. Rows are
// deleted on successful delivery; failures counts unsuccessful attempts and
// drives the retry backoff.
type PendingWebhook struct {
	ID              int64           `json:"id,omitempty"`
	SubscriptionID  string          `json:"subscription_id"`
	EndpointType    string          `json:"endpoint_type"`
	Endpoint        json.RawMessage `json:"endpoint"`
	Value           json.RawMessage `json:"value"`
	BlockHeight     uint64          `json:"block_height"`
	ContractAddress string          `json:"contract_address"`
	Key             string          `json:"key"`
	Failures        int             `json:"failures"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// IndexerWasmEvent is one line of the export stream as emitted by the chain
// node. Key and Value are base64; unknown extra fields are tolerated.
type IndexerWasmEvent struct {
	BlockHeight     uint64 `json:"blockHeight"`
	BlockTimeUnixMs uint64 `json:"blockTimeUnixMs"`
	ContractAddress string `json:"contractAddress"`
	CodeID          uint64 `json:"codeId"`
	Key             string `json:"key"`
	Value           string `json:"value"`
	Delete          bool   `json:"delete"`
}

// FlushSummary describes one atomic pipeline advance. Published on the event
// bus after a successful flush and streamed to websocket clients.
type FlushSummary struct {
	FromHeight            uint64    `json:"from_height"`
	ToHeight              uint64    `json:"to_height"`
	Events                int       `json:"events"`
	Contracts             []string  `json:"contracts"`
	Transformations       int       `json:"transformations"`
	ComputationsUpdated   int64     `json:"computations_updated"`
	ComputationsDestroyed int64     `json:"computations_destroyed"`
	WebhooksEnqueued      int       `json:"webhooks_enqueued"`
	FlushedAt             time.Time `json:"flushed_at"`
}

// DriverStatus is a snapshot of the ingestion driver's counters.
type DriverStatus struct {
	CaughtUp         bool   `json:"caught_up"`
	LinesRead        uint64 `json:"lines_read"`
	LinesSkipped     uint64 `json:"lines_skipped"`
	LinesMalformed   uint64 `json:"lines_malformed"`
	EventsExported   uint64 `json:"events_exported"`
	Flushes          uint64 `json:"flushes"`
	LastFlushedBlock uint64 `json:"last_flushed_block"`
	PendingBuffered  int    `json:"pending_buffered"`
}
