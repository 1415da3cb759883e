// Package search is the reindex sink the pipeline notifies after each flush.
// The index itself is an external system; this package only defines the seam
// and ships a logging implementation for deployments without one.
package search

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Reindexer receives the contract addresses touched by a flush.
type Reindexer interface {
	Reindex(ctx context.Context, contracts []string) error
}

// LogReindexer counts and logs reindex requests without indexing anything.
type LogReindexer struct {
	log      zerolog.Logger
	requests atomic.Int64
}

func NewLogReindexer(log zerolog.Logger) *LogReindexer {
	return &LogReindexer{log: log.With().Str("component", "search").Logger()}
}

func (r *LogReindexer) Reindex(_ context.Context, contracts []string) error {
	if len(contracts) == 0 {
		return nil
	}
	r.requests.Inc()
	r.log.Debug().Int("contracts", len(contracts)).Msg("reindex requested")
	return nil
}

// Requests reports how many non-empty reindex calls were received.
func (r *LogReindexer) Requests() int64 {
	return r.requests.Load()
}
