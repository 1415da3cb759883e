package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"wasmscan/internal/repository"
)

// Audits the computation cache for rows that overlap an earlier row of the
// same identity. Overlaps mean the disjoint-range invariant was broken,
// usually by a manual checkpoint reset mid-flush; the affected rows are stale
// and safe to drop because reads fall through to re-evaluation.
func main() {
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL is required")
	}
	dryRun := os.Getenv("DRY_RUN") == "true"

	ctx := context.Background()
	repo, err := repository.NewRepository(dbURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer repo.Close()

	overlapping, err := repo.OverlappingComputations(ctx)
	if err != nil {
		log.Fatalf("failed to scan for overlaps: %v", err)
	}
	if len(overlapping) == 0 {
		fmt.Println("cache is consistent: no overlapping computations")
		return
	}

	ids := make([]int64, 0, len(overlapping))
	for _, c := range overlapping {
		ids = append(ids, c.ID)
		fmt.Printf("overlap: id=%d formula=%s contract=%s range=[%d,%d]\n",
			c.ID, c.Formula, c.TargetContract, c.BlockHeightValid, c.BlockHeightLatest)
	}

	if dryRun {
		fmt.Printf("dry run: %d rows would be deleted\n", len(ids))
		return
	}

	deleted, err := repo.DeleteComputations(ctx, ids)
	if err != nil {
		log.Fatalf("failed to delete overlapping computations: %v", err)
	}
	fmt.Printf("deleted %d overlapping computations\n", deleted)
}
