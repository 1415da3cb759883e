package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"wasmscan/internal/compute"
	"wasmscan/internal/eventbus"
	"wasmscan/internal/formula"
	"wasmscan/internal/ingester"
	"wasmscan/internal/repository"
	"wasmscan/internal/search"
	"wasmscan/internal/transform"
)

// Replays a captured NDJSON event stream through the full ingestion pipeline
// without webhooks: same dedup, normalization, transformation, and cache
// invalidation as the live driver, then exits at EOF. FROM_HEIGHT overrides
// the checkpoint, which the replay advances exactly like a live run.
func main() {
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL is required")
	}
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <capture-file|->", os.Args[0])
	}
	source := os.Args[1]
	chainID := os.Getenv("CHAIN_ID")
	if chainID == "" {
		chainID = "juno-1"
	}

	var fromHeight *uint64
	if v := os.Getenv("FROM_HEIGHT"); v != "" {
		h, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			log.Fatalf("invalid FROM_HEIGHT %q: %v", v, err)
		}
		fromHeight = &h
	}

	ctx := context.Background()
	repo, err := repository.NewRepository(dbURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer repo.Close()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	bus := eventbus.New()
	defer bus.Close()

	svc := compute.New(repo, formula.NewRegistry(chainID), logger)
	driver := ingester.NewDriver(ingester.Config{
		Source:             source,
		InitialBlockHeight: fromHeight,
		CacheUpdates:       true,
		WebhooksEnabled:    false,
	}, repo, transform.Default(), svc, nil, search.NewLogReindexer(logger), bus, logger)

	if err := driver.Run(ctx); err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	st := driver.Status()
	fmt.Printf("replay complete: %d lines, %d events, %d flushes, last block %d\n",
		st.LinesRead, st.EventsExported, st.Flushes, st.LastFlushedBlock)
}
