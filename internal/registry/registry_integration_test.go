//go:build integration

package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bhaskar-k123/sortface/internal/store"
)

func setupTestContainer(t *testing.T, embeddingCap int) (*Store, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := store.Connect(ctx, dsn, 5, 2)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("connect: %v", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return NewStore(pool, embeddingCap, ""), cleanup
}

func unitVector(lead int, dim int) []float32 {
	v := make([]float32, dim)
	v[lead%dim] = 1
	return v
}

// TestEvictTx_LearnedEvictedBeforeAnyReference reproduces the scenario a
// person with two reference embeddings (the original seed plus one
// add_reference) accumulates enough learned embeddings to push past the
// cap. Every learned embedding must be evicted, oldest first, before
// either reference embedding is ever touched — including the original
// seed, even though it is chronologically the oldest row of all.
func TestEvictTx_LearnedEvictedBeforeAnyReference(t *testing.T) {
	s, cleanup := setupTestContainer(t, 3)
	if s == nil {
		return
	}
	defer cleanup()
	ctx := context.Background()

	person, err := s.AddPerson(ctx, "Ada Lovelace", "ada", unitVector(0, 8))
	if err != nil {
		t.Fatalf("AddPerson: %v", err)
	}
	if err := s.AddReference(ctx, person.PersonID, unitVector(1, 8)); err != nil {
		t.Fatalf("AddReference: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.Learn(ctx, person.PersonID, unitVector(i+2, 8)); err != nil {
			t.Fatalf("Learn %d: %v", i, err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT source_type FROM person_embeddings WHERE person_id = $1 ORDER BY created_at ASC
	`, person.PersonID)
	if err != nil {
		t.Fatalf("query embeddings: %v", err)
	}
	defer rows.Close()

	var referenceCount, learnedCount int
	for rows.Next() {
		var sourceType string
		if err := rows.Scan(&sourceType); err != nil {
			t.Fatalf("scan: %v", err)
		}
		switch SourceType(sourceType) {
		case SourceReference:
			referenceCount++
		case SourceLearned:
			learnedCount++
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}

	if referenceCount != 2 {
		t.Errorf("expected both reference embeddings (seed + add_reference) to survive, got %d reference rows", referenceCount)
	}
	if learnedCount != 1 {
		t.Errorf("expected cap (3) minus 2 references = 1 surviving learned row, got %d", learnedCount)
	}
}
