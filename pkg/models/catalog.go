package models

import "time"

// CatalogEntry is one persisted (intent, example, vector) tuple. Embeddings
// are L2-normalized so cosine similarity equals the dot product.
type CatalogEntry struct {
	ID          int64     `json:"id" db:"id"`
	IntentCode  string    `json:"intent_code" db:"intent_code"`
	Category    string    `json:"category" db:"category"`
	ExampleText string    `json:"example_text" db:"example_text"`
	Embedding   []float32 `json:"-" db:"-"`
	CreatedAt   time.Time `json:"created_at,omitempty" db:"created_at"`
}

// CatalogMatch is one nearest-neighbor hit from a catalog search, ordered by
// similarity descending by the store.
type CatalogMatch struct {
	ID          int64   `json:"id" db:"id"`
	IntentCode  string  `json:"intent_code" db:"intent_code"`
	Category    string  `json:"category" db:"category"`
	ExampleText string  `json:"example_text" db:"example_text"`
	Similarity  float64 `json:"similarity" db:"similarity"`
}

// MaxExampleBytes bounds a single catalog example utterance.
const MaxExampleBytes = 512
