// Package catalog persists intent example embeddings and serves top-k
// cosine-similarity queries over them.
package catalog

import (
	"context"

	"github.com/intentd/intentd/pkg/models"
)

// Store is the persistence contract for the intent example catalog. Entries
// are immutable once inserted; they leave the store only via DeleteByIntent,
// Clear, or an atomic Refresh.
type Store interface {
	// Insert stores a single entry and returns its assigned id.
	Insert(ctx context.Context, entry *models.CatalogEntry) (int64, error)

	// InsertBatch stores entries in bulk and returns the number inserted.
	InsertBatch(ctx context.Context, entries []models.CatalogEntry) (int, error)

	// Search returns up to topK entries ordered by cosine similarity to the
	// query vector, descending. Entries below minSimilarity are dropped after
	// the top-k cut.
	Search(ctx context.Context, queryVec []float32, topK int, minSimilarity float64) ([]models.CatalogMatch, error)

	// CountsByIntent reports how many examples each intent code holds.
	CountsByIntent(ctx context.Context) (map[string]int, error)

	// DeleteByIntent removes all examples for one intent code and returns the
	// number removed.
	DeleteByIntent(ctx context.Context, intentCode string) (int, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Refresh atomically replaces the full entry set. Concurrent readers see
	// either the previous set or the new one, never a partial mix.
	Refresh(ctx context.Context, entries []models.CatalogEntry) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
