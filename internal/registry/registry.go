// Package registry implements component 4.A of the engine: persons, their
// bounded embedding sets, and precomputed centroids.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// SourceType distinguishes a person's original reference embeddings from
// embeddings learned automatically by the matcher.
type SourceType string

const (
	SourceReference SourceType = "reference"
	SourceLearned   SourceType = "learned"
)

// Person is the registry's top-level identity record.
type Person struct {
	PersonID        int64
	DisplayName     string
	OutputFolderRel string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Embedding is one stored face vector for a person.
type Embedding struct {
	EmbeddingID int64
	PersonID    int64
	Vector      []float32
	SourceType  SourceType
	CreatedAt   time.Time
}

// Centroid is the derived unit-norm mean of a person's current embeddings.
type Centroid struct {
	PersonID       int64
	Vector         []float32
	EmbeddingCount int
}

// ErrLastReference is returned when a mutation would remove a person's only
// reference embedding.
var ErrLastReference = errors.New("registry: cannot evict the last reference embedding")

// ErrReferencedByCommit is returned when deleting a person that still has
// commit-log rows pointing at it.
var ErrReferencedByCommit = errors.New("registry: person is referenced by commit log rows")

// Store is the registry's repository, backed by PostgreSQL + pgvector.
type Store struct {
	pool  *pgxpool.Pool
	cap   int
	index *centroidIndex
}

// NewStore constructs a Store. embeddingCap is K, the FIFO bound on stored
// embeddings per person (spec default 10). hnswIndexPath, if non-empty,
// persists the optional centroid accelerator (SPEC_FULL §3) across
// restarts; pass "" to keep it in-memory only.
func NewStore(pool *pgxpool.Pool, embeddingCap int, hnswIndexPath string) *Store {
	index := newCentroidIndex(hnswIndexPath)
	index.load()
	return &Store{pool: pool, cap: embeddingCap, index: index}
}

// refreshIndex rebuilds the optional HNSW accelerator from the current
// centroid set. Called after every mutation that can change a centroid;
// cheap because the registry's centroid count is small (spec.md: tens to
// low hundreds of persons, one vector each).
func (s *Store) refreshIndex(ctx context.Context) error {
	all, err := s.Centroids(ctx, nil)
	if err != nil {
		return fmt.Errorf("refresh centroid index: %w", err)
	}
	s.index.rebuild(all)
	return nil
}

// ShortlistCentroids returns up to k approximate-nearest centroids to
// query via the optional HNSW accelerator, falling back to every
// centroid when the registry is small enough that an exact scan is just
// as cheap or the index hasn't been built yet. MatchFace recomputes the
// exact distance over whatever this returns; when the registry holds more
// than k centroids the shortlist is approximate and may omit the exact
// nearest centroid.
func (s *Store) ShortlistCentroids(ctx context.Context, query []float32, k int) ([]Centroid, error) {
	all, err := s.Centroids(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(all) <= k {
		return all, nil
	}

	ids := s.index.shortlist(query, k)
	if ids == nil {
		return all, nil
	}

	byID := make(map[int64]Centroid, len(all))
	for _, c := range all {
		byID[c.PersonID] = c
	}
	shortlisted := make([]Centroid, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			shortlisted = append(shortlisted, c)
		}
	}
	return shortlisted, nil
}

// AddPerson creates a person and its first reference embedding atomically.
func (s *Store) AddPerson(ctx context.Context, displayName, outputFolderRel string, firstReference []float32) (*Person, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin add_person: %w", err)
	}
	defer tx.Rollback(ctx)

	var p Person
	err = tx.QueryRow(ctx, `
		INSERT INTO persons (display_name, output_folder_rel)
		VALUES ($1, $2)
		RETURNING person_id, display_name, output_folder_rel, created_at, updated_at
	`, displayName, outputFolderRel).Scan(&p.PersonID, &p.DisplayName, &p.OutputFolderRel, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert person: %w", err)
	}

	if err := s.insertEmbeddingTx(ctx, tx, p.PersonID, firstReference, SourceReference); err != nil {
		return nil, err
	}
	if err := s.recomputeCentroidTx(ctx, tx, p.PersonID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit add_person: %w", err)
	}
	if err := s.refreshIndex(ctx); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddReference inserts an additional reference embedding for an existing
// person, subject to the FIFO eviction rule, and recomputes the centroid.
func (s *Store) AddReference(ctx context.Context, personID int64, vector []float32) error {
	return s.mutate(ctx, personID, vector, SourceReference)
}

// Learn is used only by the matcher: it inserts a STRICT-matched embedding
// as source_type=learned, subject to the same eviction rule.
func (s *Store) Learn(ctx context.Context, personID int64, vector []float32) error {
	return s.mutate(ctx, personID, vector, SourceLearned)
}

func (s *Store) mutate(ctx context.Context, personID int64, vector []float32, sourceType SourceType) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mutate: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.insertEmbeddingTx(ctx, tx, personID, vector, sourceType); err != nil {
		return err
	}
	if err := s.evictTx(ctx, tx, personID); err != nil {
		return err
	}
	if err := s.recomputeCentroidTx(ctx, tx, personID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mutate: %w", err)
	}
	return s.refreshIndex(ctx)
}

func (s *Store) insertEmbeddingTx(ctx context.Context, tx pgx.Tx, personID int64, vector []float32, sourceType SourceType) error {
	vec := pgvector.NewVector(vector)
	_, err := tx.Exec(ctx, `
		INSERT INTO person_embeddings (person_id, vector512, source_type)
		VALUES ($1, $2, $3)
	`, personID, vec, string(sourceType))
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// evictTx enforces the FIFO cap: when a person has more than s.cap
// embeddings, the oldest `learned` embeddings are deleted first, in full,
// before any `reference` embedding is ever considered — reference
// embeddings (the original seed and every later add_reference) are only
// evicted, oldest first, once no learned embedding remains to take their
// place, and the last remaining `reference` embedding is never evicted.
func (s *Store) evictTx(ctx context.Context, tx pgx.Tx, personID int64) error {
	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM person_embeddings WHERE person_id = $1`, personID).Scan(&count); err != nil {
		return fmt.Errorf("count embeddings: %w", err)
	}

	overflow := count - s.cap
	if overflow <= 0 {
		return nil
	}

	rows, err := tx.Query(ctx, `
		SELECT embedding_id, source_type FROM person_embeddings
		WHERE person_id = $1
		ORDER BY created_at ASC
	`, personID)
	if err != nil {
		return fmt.Errorf("list embeddings for eviction: %w", err)
	}
	type row struct {
		id         int64
		sourceType string
	}
	var learned, references []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.sourceType); err != nil {
			rows.Close()
			return fmt.Errorf("scan embedding for eviction: %w", err)
		}
		if r.sourceType == string(SourceLearned) {
			learned = append(learned, r)
		} else {
			references = append(references, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	candidates := make([]row, 0, len(learned)+len(references))
	candidates = append(candidates, learned...)
	candidates = append(candidates, references...)

	referenceCount := len(references)
	evicted := 0
	for _, c := range candidates {
		if evicted >= overflow {
			break
		}
		if c.sourceType == string(SourceReference) {
			// never evict the last reference embedding
			if referenceCount <= 1 {
				continue
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM person_embeddings WHERE embedding_id = $1`, c.id); err != nil {
			return fmt.Errorf("evict embedding %d: %w", c.id, err)
		}
		if c.sourceType == string(SourceReference) {
			referenceCount--
		}
		evicted++
	}

	// If overflow still remains, every surplus candidate was the last
	// reference; the cap becomes a soft target once only it is left.
	return nil
}

// recomputeCentroidTx recomputes and upserts the unit-normalised mean of a
// person's current embeddings.
func (s *Store) recomputeCentroidTx(ctx context.Context, tx pgx.Tx, personID int64) error {
	rows, err := tx.Query(ctx, `SELECT vector512 FROM person_embeddings WHERE person_id = $1`, personID)
	if err != nil {
		return fmt.Errorf("list embeddings for centroid: %w", err)
	}
	var vectors [][]float32
	for rows.Next() {
		var v pgvector.Vector
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan embedding for centroid: %w", err)
		}
		vectors = append(vectors, v.Slice())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(vectors) == 0 {
		return fmt.Errorf("no embeddings remain for person %d", personID)
	}

	centroid := meanAndRenormalise(vectors)
	vec := pgvector.NewVector(centroid)
	_, err = tx.Exec(ctx, `
		INSERT INTO person_centroids (person_id, centroid512, embedding_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (person_id) DO UPDATE SET centroid512 = $2, embedding_count = $3
	`, personID, vec, len(vectors))
	if err != nil {
		return fmt.Errorf("upsert centroid: %w", err)
	}
	return nil
}

// meanAndRenormalise computes the arithmetic mean of the given vectors and
// renormalises it to unit length. If the mean's norm is below 1e-12 (only
// possible with pathological cancelling inputs), it falls back to the most
// recently added vector, per SPEC_FULL §4.A.
func meanAndRenormalise(vectors [][]float32) []float32 {
	dim := len(vectors[0])
	mean := make([]float64, dim)
	for _, v := range vectors {
		for i, x := range v {
			mean[i] += float64(x)
		}
	}
	n := float64(len(vectors))
	for i := range mean {
		mean[i] /= n
	}

	var norm float64
	for _, x := range mean {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	if norm < 1e-12 {
		return append([]float32(nil), vectors[len(vectors)-1]...)
	}

	out := make([]float32, dim)
	for i, x := range mean {
		out[i] = float32(x / norm)
	}
	return out
}

// List returns every registered person.
func (s *Store) List(ctx context.Context) ([]Person, error) {
	rows, err := s.pool.Query(ctx, `SELECT person_id, display_name, output_folder_rel, created_at, updated_at FROM persons ORDER BY person_id`)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var out []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.PersonID, &p.DisplayName, &p.OutputFolderRel, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Centroids returns the centroid snapshot restricted to the given person
// IDs, or every centroid if ids is nil (matching spec.md's "null = all").
func (s *Store) Centroids(ctx context.Context, ids []int64) ([]Centroid, error) {
	var rows pgx.Rows
	var err error
	if len(ids) == 0 {
		rows, err = s.pool.Query(ctx, `SELECT person_id, centroid512, embedding_count FROM person_centroids ORDER BY person_id`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT person_id, centroid512, embedding_count FROM person_centroids WHERE person_id = ANY($1) ORDER BY person_id`, ids)
	}
	if err != nil {
		return nil, fmt.Errorf("query centroids: %w", err)
	}
	defer rows.Close()

	var out []Centroid
	for rows.Next() {
		var c Centroid
		var v pgvector.Vector
		if err := rows.Scan(&c.PersonID, &v, &c.EmbeddingCount); err != nil {
			return nil, fmt.Errorf("scan centroid: %w", err)
		}
		c.Vector = v.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes a person, refusing if any commit-log row references them
// (I4 / P7).
func (s *Store) Delete(ctx context.Context, personID int64) error {
	var refCount int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM commit_log WHERE person_id = $1`, personID).Scan(&refCount)
	if err != nil {
		return fmt.Errorf("check commit references: %w", err)
	}
	if refCount > 0 {
		return ErrReferencedByCommit
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM person_centroids WHERE person_id = $1`, personID); err != nil {
		return fmt.Errorf("delete centroid: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM person_embeddings WHERE person_id = $1`, personID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM persons WHERE person_id = $1`, personID); err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return s.refreshIndex(ctx)
}
