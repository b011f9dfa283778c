//go:build integration

package jobstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bhaskar-k123/sortface/internal/store"
)

func setupTestContainer(t *testing.T) (*Store, func()) {
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

	return NewStore(pool), cleanup
}

func TestJobLifecycle(t *testing.T) {
	s, cleanup := setupTestContainer(t)
	if s == nil {
		return
	}
	defer cleanup()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "/photos/src", "/photos/out")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != JobCreated {
		t.Errorf("expected status created, got %s", job.Status)
	}

	images := make([]Image, 0, 120)
	for i := 0; i < 120; i++ {
		images = append(images, Image{
			SourcePath:  fmt.Sprintf("/photos/src/img%03d.jpg", i),
			Filename:    fmt.Sprintf("img%03d.jpg", i),
			Extension:   ".jpg",
			SHA256:      fmt.Sprintf("%064x", i),
			OrderingIdx: i,
		})
	}
	if err := s.RecordTotalImages(ctx, job.JobID, images); err != nil {
		t.Fatalf("RecordTotalImages: %v", err)
	}

	if err := s.PartitionBatches(ctx, job.JobID, 120); err != nil {
		t.Fatalf("PartitionBatches: %v", err)
	}

	batch, err := s.LeaseNextPendingBatch(ctx, job.JobID)
	if err != nil {
		t.Fatalf("LeaseNextPendingBatch: %v", err)
	}
	if batch == nil {
		t.Fatal("expected a leased batch")
	}
	if batch.StartIdx != 0 || batch.EndIdx != BatchWidth-1 {
		t.Errorf("expected first batch [0,%d], got [%d,%d]", BatchWidth-1, batch.StartIdx, batch.EndIdx)
	}
	if batch.State != BatchProcessing {
		t.Errorf("expected PROCESSING after lease, got %s", batch.State)
	}

	personID := int64(7)
	pendingRows := []CommitRow{
		{BatchID: batch.BatchID, ImageID: 1, PersonID: &personID, OutputFilename: "000000_abc.jpg", OutputPath: "/photos/out/alice/000000_abc.jpg"},
	}
	if err := s.TransitionBatch(ctx, *batch, BatchCommitting, pendingRows); err != nil {
		t.Fatalf("TransitionBatch to COMMITTING: %v", err)
	}

	rows, err := s.PendingCommitRows(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("PendingCommitRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 pending row, got %d", len(rows))
	}
	if rows[0].Status != CommitPending {
		t.Errorf("expected pending status, got %s", rows[0].Status)
	}

	if err := s.AdvanceCommitRow(ctx, rows[0].CommitID, CommitWritten); err != nil {
		t.Fatalf("AdvanceCommitRow to written: %v", err)
	}
	if err := s.AdvanceCommitRow(ctx, rows[0].CommitID, CommitVerified); err != nil {
		t.Fatalf("AdvanceCommitRow to verified: %v", err)
	}

	if err := s.TransitionBatch(ctx, *batch, BatchCommitted, nil); err != nil {
		t.Fatalf("TransitionBatch to COMMITTED: %v", err)
	}

	pc, err := s.ProgressCounters(ctx, job.JobID)
	if err != nil {
		t.Fatalf("ProgressCounters: %v", err)
	}
	if pc.ProcessedImages != BatchWidth {
		t.Errorf("expected processed_images %d, got %d", BatchWidth, pc.ProcessedImages)
	}
}

func TestPartitionBatches_LastBatchShorter(t *testing.T) {
	s, cleanup := setupTestContainer(t)
	if s == nil {
		return
	}
	defer cleanup()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "/photos/src", "/photos/out")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.PartitionBatches(ctx, job.JobID, 130); err != nil {
		t.Fatalf("PartitionBatches: %v", err)
	}

	var lastBatch *Batch
	for {
		b, err := s.LeaseNextPendingBatch(ctx, job.JobID)
		if err != nil {
			t.Fatalf("LeaseNextPendingBatch: %v", err)
		}
		if b == nil {
			break
		}
		lastBatch = b
		if err := s.TransitionBatch(ctx, *b, BatchCommitted, nil); err != nil {
			t.Fatalf("TransitionBatch: %v", err)
		}
	}
	if lastBatch == nil {
		t.Fatal("expected at least one batch")
	}
	if lastBatch.EndIdx != 129 {
		t.Errorf("expected last batch to end at 129, got %d", lastBatch.EndIdx)
	}
}

func TestTransitionBatch_ResetClearsImageResults(t *testing.T) {
	s, cleanup := setupTestContainer(t)
	if s == nil {
		return
	}
	defer cleanup()
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "/photos/src", "/photos/out")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	images := []Image{{SourcePath: "/photos/src/a.jpg", Filename: "a.jpg", Extension: ".jpg", SHA256: "a", OrderingIdx: 0}}
	if err := s.RecordTotalImages(ctx, job.JobID, images); err != nil {
		t.Fatalf("RecordTotalImages: %v", err)
	}
	if err := s.PartitionBatches(ctx, job.JobID, 1); err != nil {
		t.Fatalf("PartitionBatches: %v", err)
	}
	batch, err := s.LeaseNextPendingBatch(ctx, job.JobID)
	if err != nil {
		t.Fatalf("LeaseNextPendingBatch: %v", err)
	}

	imgs, err := s.ImagesForBatch(ctx, job.JobID, *batch)
	if err != nil {
		t.Fatalf("ImagesForBatch: %v", err)
	}
	if err := s.UpsertImageResult(ctx, ImageResult{ImageID: imgs[0].ImageID, BatchID: batch.BatchID, FaceCount: 1, MatchedCount: 1}); err != nil {
		t.Fatalf("UpsertImageResult: %v", err)
	}

	if err := s.TransitionBatch(ctx, *batch, BatchPending, nil); err != nil {
		t.Fatalf("TransitionBatch to PENDING: %v", err)
	}

	reLeased, err := s.LeaseNextPendingBatch(ctx, job.JobID)
	if err != nil {
		t.Fatalf("LeaseNextPendingBatch after reset: %v", err)
	}
	if reLeased == nil || reLeased.BatchID != batch.BatchID {
		t.Fatal("expected the same batch to be re-leasable after reset")
	}
}
