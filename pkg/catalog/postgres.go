package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

// insertChunkSize keeps multi-row inserts well below the Postgres
// parameter limit (4 args per row).
const insertChunkSize = 200

// PostgresStore persists the catalog in Postgres with pgvector. Similarity
// search runs through the `<=>` cosine-distance operator so the ivfflat
// index can serve top-k queries.
type PostgresStore struct {
	db          *sqlx.DB
	dims        int
	logger      observability.Logger
	initialized bool
	lock        sync.Mutex
}

// NewPostgresStore creates a catalog store over an existing connection pool.
func NewPostgresStore(db *sqlx.DB, dims int, logger observability.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dims)
	}
	return &PostgresStore{
		db:     db,
		dims:   dims,
		logger: observability.OrNoop(logger),
	}, nil
}

// Initialize verifies the pgvector extension and backstops the schema when
// migrations have not run yet.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.initialized {
		return nil
	}

	var extExists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_extension WHERE extname = 'vector'
		)
	`).Scan(&extExists)
	if err != nil {
		return fmt.Errorf("failed to check if pgvector extension exists: %w", err)
	}
	if !extExists {
		return fmt.Errorf("pgvector extension is not installed")
	}

	var tableExists bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'intent_examples'
		)
	`).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("failed to check if intent_examples table exists: %w", err)
	}

	if !tableExists {
		s.logger.Warn("intent_examples table does not exist; migrations may need to be run", nil)

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.tableDDL("intent_examples")); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create intent_examples table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.indexDDL("intent_examples")); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create intent_examples indexes: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.logger.Info("Created intent_examples table and indexes", nil)
	}

	s.initialized = true
	return nil
}

func (s *PostgresStore) tableDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			intent_code VARCHAR(128) NOT NULL,
			category VARCHAR(64) NOT NULL,
			example_text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, table, s.dims)
}

func (s *PostgresStore) indexDDL(table string) string {
	return fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_intent_code_idx ON %s (intent_code);
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)
	`, table, table, table, table)
}

// Insert stores a single entry and returns its assigned id.
func (s *PostgresStore) Insert(ctx context.Context, entry *models.CatalogEntry) (int64, error) {
	if entry == nil {
		return 0, fmt.Errorf("entry cannot be nil")
	}
	if err := s.checkEntry(entry); err != nil {
		return 0, err
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO intent_examples (intent_code, category, example_text, embedding)
		VALUES ($1, $2, $3, $4::vector)
		RETURNING id
	`, entry.IntentCode, entry.Category, entry.ExampleText, vectorLiteral(entry.Embedding)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert catalog entry: %w", err)
	}
	entry.ID = id
	return id, nil
}

// InsertBatch stores entries in bulk using chunked multi-row inserts.
func (s *PostgresStore) InsertBatch(ctx context.Context, entries []models.CatalogEntry) (int, error) {
	for i := range entries {
		if err := s.checkEntry(&entries[i]); err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	for start := 0; start < len(entries); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := insertChunk(ctx, s.db, "intent_examples", entries[start:end]); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

func insertChunk(ctx context.Context, ext sqlx.ExtContext, table string, chunk []models.CatalogEntry) error {
	if len(chunk) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (intent_code, category, example_text, embedding) VALUES ", table)
	args := make([]interface{}, 0, len(chunk)*4)
	for i := range chunk {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d::vector)", base+1, base+2, base+3, base+4)
		args = append(args, chunk[i].IntentCode, chunk[i].Category, chunk[i].ExampleText, vectorLiteral(chunk[i].Embedding))
	}

	if _, err := ext.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert catalog batch: %w", err)
	}
	return nil
}

// Search orders by cosine distance so the ivfflat index drives the top-k
// retrieval; the minimum-similarity cut happens client-side on the k rows.
func (s *PostgresStore) Search(ctx context.Context, queryVec []float32, topK int, minSimilarity float64) ([]models.CatalogMatch, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty")
	}
	if len(queryVec) != s.dims {
		return nil, fmt.Errorf("query vector has %d dimensions, store expects %d", len(queryVec), s.dims)
	}
	if topK <= 0 {
		topK = 10
	}

	ctx, span := observability.StartSpan(ctx, "catalog.search")
	defer span.End()
	span.SetAttribute("top_k", topK)

	var rows []models.CatalogMatch
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, intent_code, category, example_text,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM intent_examples
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, vectorLiteral(queryVec), topK)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search catalog: %w", err)
	}

	matches := rows[:0]
	for _, m := range rows {
		if m.Similarity >= minSimilarity {
			matches = append(matches, m)
		}
	}
	span.SetAttribute("matches", len(matches))
	return matches, nil
}

// CountsByIntent reports how many examples each intent code holds.
func (s *PostgresStore) CountsByIntent(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent_code, COUNT(*)
		FROM intent_examples
		GROUP BY intent_code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count catalog entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("failed to scan catalog count: %w", err)
		}
		counts[code] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog counts: %w", err)
	}
	return counts, nil
}

// DeleteByIntent removes all examples for one intent code.
func (s *PostgresStore) DeleteByIntent(ctx context.Context, intentCode string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM intent_examples WHERE intent_code = $1
	`, intentCode)
	if err != nil {
		return 0, fmt.Errorf("failed to delete catalog entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// Clear removes every entry and resets id assignment.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE intent_examples RESTART IDENTITY`); err != nil {
		return fmt.Errorf("failed to clear catalog: %w", err)
	}
	return nil
}

// Refresh loads the new entry set into a staging table and swaps it in with
// a rename inside one transaction. Postgres DDL is transactional, so readers
// keep hitting the old table until commit and the new one after; a failure
// anywhere rolls the whole refresh back.
func (s *PostgresStore) Refresh(ctx context.Context, entries []models.CatalogEntry) error {
	for i := range entries {
		if err := s.checkEntry(&entries[i]); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := s.refreshInTx(ctx, tx, entries); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back catalog refresh", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog refresh: %w", err)
	}

	s.logger.Info("Catalog refreshed", map[string]interface{}{
		"entries": len(entries),
	})
	return nil
}

func (s *PostgresStore) refreshInTx(ctx context.Context, tx *sqlx.Tx, entries []models.CatalogEntry) error {
	steps := []string{
		`DROP TABLE IF EXISTS intent_examples_staging`,
		s.tableDDL("intent_examples_staging"),
	}
	for _, ddl := range steps {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to prepare staging table: %w", err)
		}
	}

	for start := 0; start < len(entries); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := insertChunk(ctx, tx, "intent_examples_staging", entries[start:end]); err != nil {
			return err
		}
	}

	// Index after load so ivfflat picks its lists from the real data.
	if _, err := tx.ExecContext(ctx, s.indexDDL("intent_examples_staging")); err != nil {
		return fmt.Errorf("failed to index staging table: %w", err)
	}

	// The retired table owns the canonical sequence and index names, so it
	// must drop before the staging objects take those names over.
	swap := []string{
		`ALTER TABLE intent_examples RENAME TO intent_examples_retired`,
		`ALTER TABLE intent_examples_staging RENAME TO intent_examples`,
		`DROP TABLE intent_examples_retired`,
		`ALTER SEQUENCE intent_examples_staging_id_seq RENAME TO intent_examples_id_seq`,
		`ALTER INDEX intent_examples_staging_pkey RENAME TO intent_examples_pkey`,
		`ALTER INDEX intent_examples_staging_intent_code_idx RENAME TO intent_examples_intent_code_idx`,
		`ALTER INDEX intent_examples_staging_embedding_idx RENAME TO intent_examples_embedding_idx`,
	}
	for _, stmt := range swap {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to swap staging table: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping catalog database: %w", err)
	}
	return nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) checkEntry(entry *models.CatalogEntry) error {
	if len(entry.Embedding) != s.dims {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", len(entry.Embedding), s.dims)
	}
	return nil
}

// vectorLiteral renders a vector in pgvector's text format, e.g. [0.1,0.2].
func vectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
