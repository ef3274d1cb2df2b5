package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/reunia/facematch/internal/database"
)

// EmbeddingRepository provides PostgreSQL-backed embedding storage with an
// optional in-memory HNSW index for standard-mode searches.
type EmbeddingRepository struct {
	pool        *Pool
	hnswIndex   *database.HNSWIndex
	hnswEnabled bool
	hnswMu      sync.RWMutex
}

// NewEmbeddingRepository creates a new PostgreSQL embedding repository.
func NewEmbeddingRepository(pool *Pool) *EmbeddingRepository {
	return &EmbeddingRepository{pool: pool}
}

// Store persists a vector atomically and returns the new embedding ID.
func (r *EmbeddingRepository) Store(ctx context.Context, subjectID, caseID string, vector []float32, meta database.EmbeddingMeta) (string, error) {
	if len(vector) != database.EmbeddingDim {
		return "", database.ErrBadDimension
	}

	id := uuid.NewString()
	query := `
		INSERT INTO embeddings (id, subject_id, case_id, embedding, bbox, det_confidence, quality, searchable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
	`

	var bbox any
	if len(meta.BBox) > 0 {
		bbox = pq.Array(meta.BBox)
	}

	vec := pgvector.NewVector(vector)
	if _, err := r.pool.Exec(ctx, query, id, subjectID, caseID, vec, bbox, meta.DetConfidence, meta.Quality); err != nil {
		return "", fmt.Errorf("store embedding: %w", err)
	}

	r.hnswMu.RLock()
	enabled := r.hnswEnabled && r.hnswIndex != nil
	r.hnswMu.RUnlock()
	if enabled {
		r.hnswIndex.Add(&database.Embedding{
			ID:            id,
			SubjectID:     subjectID,
			CaseID:        caseID,
			Vector:        vector,
			BBox:          meta.BBox,
			DetConfidence: meta.DetConfidence,
			Quality:       meta.Quality,
			Searchable:    true,
		})
	}

	return id, nil
}

// Search finds candidates above the similarity threshold, best first.
// Standard mode prefers the in-memory HNSW index; precise mode always runs
// through pgvector with a wider ef_search candidate pool.
func (r *EmbeddingRepository) Search(ctx context.Context, vector []float32, threshold float64, maxResults int, mode database.SearchMode) ([]database.SearchResult, error) {
	if len(vector) != database.EmbeddingDim {
		return nil, database.ErrBadDimension
	}
	if maxResults <= 0 {
		maxResults = database.DefaultMaxResults
	}
	if maxResults > database.MaxMaxResults {
		maxResults = database.MaxMaxResults
	}

	r.hnswMu.RLock()
	enabled := r.hnswEnabled && r.hnswIndex != nil
	r.hnswMu.RUnlock()

	if enabled && mode == database.SearchStandard {
		return r.hnswIndex.Search(vector, threshold, maxResults, mode)
	}
	return r.searchPostgres(ctx, vector, threshold, maxResults, mode)
}

// searchPostgres runs the similarity query through pgvector. The cosine
// distance operator orders the scan; similarity = 1 - distance.
func (r *EmbeddingRepository) searchPostgres(ctx context.Context, vector []float32, threshold float64, maxResults int, mode database.SearchMode) ([]database.SearchResult, error) {
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	efSearch := database.HNSWEfSearchStandard
	if mode == database.SearchPrecise {
		efSearch = database.HNSWEfSearchPrecise
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}

	query := `
		SELECT id, subject_id, case_id, 1 - (embedding <=> $1) AS similarity
		FROM embeddings
		WHERE searchable
		  AND 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`

	vec := pgvector.NewVector(vector)
	rows, err := tx.QueryContext(ctx, query, vec, threshold, maxResults)
	if err != nil {
		return nil, fmt.Errorf("query similar embeddings: %w", err)
	}
	defer rows.Close()

	var results []database.SearchResult
	for rows.Next() {
		var res database.SearchResult
		if err := rows.Scan(&res.EmbeddingID, &res.SubjectID, &res.CaseID, &res.Similarity); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if res.Similarity < 0 {
			res.Similarity = 0
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}

	return results, nil
}

// Disable soft-erases an embedding. Historical matches keep their
// denormalized score and tier.
func (r *EmbeddingRepository) Disable(ctx context.Context, id string) error {
	res, err := r.pool.Exec(ctx, "UPDATE embeddings SET searchable = FALSE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("disable embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return database.ErrNotFound
	}

	r.hnswMu.RLock()
	enabled := r.hnswEnabled && r.hnswIndex != nil
	r.hnswMu.RUnlock()
	if enabled {
		r.hnswIndex.SetSearchable(id, false)
	}
	return nil
}

// Delete hard-erases an embedding. Match history is never cascaded.
func (r *EmbeddingRepository) Delete(ctx context.Context, id string) error {
	res, err := r.pool.Exec(ctx, "DELETE FROM embeddings WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return database.ErrNotFound
	}

	r.hnswMu.RLock()
	enabled := r.hnswEnabled && r.hnswIndex != nil
	r.hnswMu.RUnlock()
	if enabled {
		r.hnswIndex.Delete(id)
	}
	return nil
}

// Count returns the total number of embeddings stored.
func (r *EmbeddingRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&count); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return count, nil
}

// getAllEmbeddings loads every embedding row for index building.
func (r *EmbeddingRepository) getAllEmbeddings(ctx context.Context) ([]database.Embedding, error) {
	query := `
		SELECT id, subject_id, case_id, embedding, det_confidence, quality, searchable, created_at
		FROM embeddings
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query all embeddings: %w", err)
	}
	defer rows.Close()

	var embeddings []database.Embedding
	for rows.Next() {
		var emb database.Embedding
		var vec pgvector.Vector
		if err := rows.Scan(&emb.ID, &emb.SubjectID, &emb.CaseID, &vec,
			&emb.DetConfidence, &emb.Quality, &emb.Searchable, &emb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		emb.Vector = vec.Slice()
		embeddings = append(embeddings, emb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	return embeddings, nil
}

// EnableHNSW builds the in-memory HNSW index from PostgreSQL data for
// O(log N) standard-mode search. Called once at startup.
func (r *EmbeddingRepository) EnableHNSW(ctx context.Context) error {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()

	embeddings, err := r.getAllEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load embeddings: %w", err)
	}

	r.hnswIndex = database.NewHNSWIndex()
	if err := r.hnswIndex.BuildFromEmbeddings(embeddings); err != nil {
		return fmt.Errorf("failed to build HNSW index: %w", err)
	}

	r.hnswEnabled = true
	return nil
}

// IsHNSWEnabled returns whether the in-memory HNSW index is active.
func (r *EmbeddingRepository) IsHNSWEnabled() bool {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	return r.hnswEnabled && r.hnswIndex != nil
}

// HNSWCount returns the number of embeddings in the in-memory index.
func (r *EmbeddingRepository) HNSWCount() int {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if r.hnswIndex == nil {
		return 0
	}
	return r.hnswIndex.Count()
}

// Verify interface compliance.
var _ database.EmbeddingStore = (*EmbeddingRepository)(nil)
