package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"wasmscan/internal/repository"
)

// Force-sets the export checkpoint so the ingester re-reads the stream from a
// chosen block on next start. Upserts are idempotent, so replaying already
// exported blocks is safe.
func main() {
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL is required")
	}
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <height>", os.Args[0])
	}
	height, err := strconv.ParseUint(os.Args[1], 10, 64)
	if err != nil {
		log.Fatalf("invalid height %q: %v", os.Args[1], err)
	}

	ctx := context.Background()
	repo, err := repository.NewRepository(dbURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer repo.Close()

	state, err := repo.GetState(ctx)
	if err != nil {
		log.Fatalf("failed to read state: %v", err)
	}
	if err := repo.ResetExportedHeight(ctx, height); err != nil {
		log.Fatalf("failed to reset checkpoint: %v", err)
	}

	fmt.Printf("checkpoint moved %d -> %d; ingester will resume from block %d\n",
		state.LastWasmBlockHeightExported, height, height+1)
}
