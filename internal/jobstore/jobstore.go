// Package jobstore implements component 4.B: the job/batch/image_result/
// commit_log repositories backing the batch engine's state machine. Same
// repository shape as internal/registry — a Store wrapping *pgxpool.Pool,
// one method per operation, pgx.Tx-scoped multi-step writes — grounded on
// the teacher's internal/database/repository.go Reader/Writer interface
// segregation, applied here to a work queue rather than a photo cache.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchState mirrors the batches.state CHECK constraint.
type BatchState string

const (
	BatchPending    BatchState = "PENDING"
	BatchProcessing BatchState = "PROCESSING"
	BatchCommitting BatchState = "COMMITTING"
	BatchCommitted  BatchState = "COMMITTED"
)

// JobStatus mirrors the jobs.status CHECK constraint.
type JobStatus string

const (
	JobCreated          JobStatus = "created"
	JobRunning          JobStatus = "running"
	JobCompleted        JobStatus = "completed"
	JobStopped          JobStatus = "stopped"
	JobFailed           JobStatus = "failed"
	JobWaitingForConfig JobStatus = "waiting_for_config"
)

// CommitStatus mirrors the commit_log.status CHECK constraint. Rows may
// only advance pending -> written -> verified (spec.md §4: "Append-only").
type CommitStatus string

const (
	CommitPending  CommitStatus = "pending"
	CommitWritten  CommitStatus = "written"
	CommitVerified CommitStatus = "verified"
)

// BatchWidth is the fixed batch width B (spec.md §3: "Fixed width B = 50").
const BatchWidth = 50

var ErrNoRunningJob = errors.New("jobstore: no job is currently running")

type Job struct {
	JobID          int64
	SourceRoot     string
	OutputRoot     string
	TotalImages    int
	ProcessedImages int
	Status         JobStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

type Batch struct {
	BatchID     int64
	JobID       int64
	StartIdx    int
	EndIdx      int
	State       BatchState
	CreatedAt   time.Time
	StartedAt   *time.Time
	CommittedAt *time.Time
}

type Image struct {
	ImageID     int64
	JobID       int64
	SourcePath  string
	Filename    string
	Extension   string
	SHA256      string
	OrderingIdx int
}

type ImageResult struct {
	ImageID          int64
	BatchID          int64
	FaceCount        int
	MatchedCount     int
	UnknownCount     int
	MatchedPersonIDs []int64
}

type CommitRow struct {
	CommitID       int64
	BatchID        int64
	ImageID        int64
	PersonID       *int64 // nil means group mode
	OutputFilename string
	OutputPath     string
	Status         CommitStatus
	CreatedAt      time.Time
	VerifiedAt     *time.Time
}

// ProgressCounters summarises a job for internal/progress (spec.md §4.J).
type ProgressCounters struct {
	TotalImages     int
	ProcessedImages int
	CurrentBatchID  *int64
	CurrentState    *BatchState
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateJob inserts a new job row with status created. It does not check
// whether another job is already running.
func (s *Store) CreateJob(ctx context.Context, sourceRoot, outputRoot string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (source_root, output_root, status)
		VALUES ($1, $2, $3)
		RETURNING job_id, created_at`,
		sourceRoot, outputRoot, JobCreated)

	job := &Job{SourceRoot: sourceRoot, OutputRoot: outputRoot, Status: JobCreated}
	if err := row.Scan(&job.JobID, &job.CreatedAt); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// RecordTotalImages inserts the ingested images for jobID and stamps
// jobs.total_images. One transaction, per spec.md §4.B.
func (s *Store) RecordTotalImages(ctx context.Context, jobID int64, images []Image) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, img := range images {
		if _, err := tx.Exec(ctx, `
			INSERT INTO images (job_id, source_path, filename, extension, sha256, ordering_idx)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (job_id, source_path) DO NOTHING`,
			jobID, img.SourcePath, img.Filename, img.Extension, img.SHA256, img.OrderingIdx); err != nil {
			return fmt.Errorf("insert image %s: %w", img.SourcePath, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET total_images = $2 WHERE job_id = $1`,
		jobID, len(images)); err != nil {
		return fmt.Errorf("update total_images: %w", err)
	}

	return tx.Commit(ctx)
}

// PartitionBatches partitions [0, total_images) into fixed-width,
// non-overlapping, gapless batches (spec.md §3: "last batch may be
// shorter"). Idempotent: existing batches for jobID are left untouched.
func (s *Store) PartitionBatches(ctx context.Context, jobID int64, totalImages int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM batches WHERE job_id = $1`, jobID).Scan(&existing); err != nil {
		return fmt.Errorf("count existing batches: %w", err)
	}
	if existing > 0 {
		return tx.Commit(ctx)
	}

	for start := 0; start < totalImages; start += BatchWidth {
		end := start + BatchWidth - 1
		if end >= totalImages {
			end = totalImages - 1
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO batches (job_id, start_idx, end_idx, state)
			VALUES ($1, $2, $3, $4)`,
			jobID, start, end, BatchPending); err != nil {
			return fmt.Errorf("insert batch [%d,%d]: %w", start, end, err)
		}
	}

	return tx.Commit(ctx)
}

// LeaseNextPendingBatch leases the minimum-batch_id PENDING batch for
// jobID, transitioning it to PROCESSING and stamping started_at, using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent engine instances never
// double-lease (spec.md §4.I "Lease"). Returns nil, nil if no PENDING
// batch remains.
func (s *Store) LeaseNextPendingBatch(ctx context.Context, jobID int64) (*Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var b Batch
	b.JobID = jobID
	err = tx.QueryRow(ctx, `
		SELECT batch_id, start_idx, end_idx, state, created_at
		FROM batches
		WHERE job_id = $1 AND state = $2
		ORDER BY batch_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		jobID, BatchPending).Scan(&b.BatchID, &b.StartIdx, &b.EndIdx, &b.State, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease pending batch: %w", err)
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE batches SET state = $2, started_at = $3 WHERE batch_id = $1`,
		b.BatchID, BatchProcessing, now); err != nil {
		return nil, fmt.Errorf("transition batch %d to PROCESSING: %w", b.BatchID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	b.State = BatchProcessing
	b.StartedAt = &now
	return &b, nil
}

// TransitionBatch moves a batch to a new state. For a transition into
// COMMITTING, pendingRows are inserted in the same transaction (spec.md
// §4.I "Transition to COMMITTING": "insert commit-log rows (status=pending)
// for each target folder"). For a transition into COMMITTED, the batch's
// width is added to jobs.processed_images (spec.md I3).
func (s *Store) TransitionBatch(ctx context.Context, batch Batch, newState BatchState, pendingRows []CommitRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	switch newState {
	case BatchCommitting:
		if _, err := tx.Exec(ctx, `
			UPDATE batches SET state = $2 WHERE batch_id = $1`,
			batch.BatchID, BatchCommitting); err != nil {
			return fmt.Errorf("transition batch %d to COMMITTING: %w", batch.BatchID, err)
		}
		for _, row := range pendingRows {
			if _, err := tx.Exec(ctx, `
				INSERT INTO commit_log (batch_id, image_id, person_id, output_filename, output_path, status)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (image_id, person_id) DO NOTHING`,
				row.BatchID, row.ImageID, row.PersonID, row.OutputFilename, row.OutputPath, CommitPending); err != nil {
				return fmt.Errorf("insert commit row for image %d: %w", row.ImageID, err)
			}
		}
	case BatchCommitted:
		now := time.Now()
		if _, err := tx.Exec(ctx, `
			UPDATE batches SET state = $2, committed_at = $3 WHERE batch_id = $1`,
			batch.BatchID, BatchCommitted, now); err != nil {
			return fmt.Errorf("transition batch %d to COMMITTED: %w", batch.BatchID, err)
		}
		width := batch.EndIdx - batch.StartIdx + 1
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET processed_images = processed_images + $2 WHERE job_id = $1`,
			batch.JobID, width); err != nil {
			return fmt.Errorf("advance processed_images: %w", err)
		}
	case BatchPending:
		if _, err := tx.Exec(ctx, `
			UPDATE batches SET state = $2, started_at = NULL WHERE batch_id = $1`,
			batch.BatchID, BatchPending); err != nil {
			return fmt.Errorf("reset batch %d to PENDING: %w", batch.BatchID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM image_results WHERE batch_id = $1`, batch.BatchID); err != nil {
			return fmt.Errorf("clear image_results for batch %d: %w", batch.BatchID, err)
		}
	default:
		if _, err := tx.Exec(ctx, `
			UPDATE batches SET state = $2 WHERE batch_id = $1`,
			batch.BatchID, newState); err != nil {
			return fmt.Errorf("transition batch %d to %s: %w", batch.BatchID, newState, err)
		}
	}

	return tx.Commit(ctx)
}

// UpsertImageResult writes one image's PROCESSING-phase outcome (spec.md
// §4.I "PROCESSING": "upsert image_results").
func (s *Store) UpsertImageResult(ctx context.Context, r ImageResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO image_results (image_id, batch_id, face_count, matched_count, unknown_count, matched_person_ids)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (image_id) DO UPDATE SET
			batch_id = EXCLUDED.batch_id,
			face_count = EXCLUDED.face_count,
			matched_count = EXCLUDED.matched_count,
			unknown_count = EXCLUDED.unknown_count,
			matched_person_ids = EXCLUDED.matched_person_ids`,
		r.ImageID, r.BatchID, r.FaceCount, r.MatchedCount, r.UnknownCount, r.MatchedPersonIDs)
	if err != nil {
		return fmt.Errorf("upsert image result for image %d: %w", r.ImageID, err)
	}
	return nil
}

// PendingCommitRows returns every commit_log row for batchID not yet
// verified, ordered by commit_id (spec.md §4.H "H writes commit-log rows").
func (s *Store) PendingCommitRows(ctx context.Context, batchID int64) ([]CommitRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT commit_id, batch_id, image_id, person_id, output_filename, output_path, status, created_at, verified_at
		FROM commit_log
		WHERE batch_id = $1 AND status <> $2
		ORDER BY commit_id`,
		batchID, CommitVerified)
	if err != nil {
		return nil, fmt.Errorf("query pending commit rows for batch %d: %w", batchID, err)
	}
	defer rows.Close()

	var out []CommitRow
	for rows.Next() {
		var row CommitRow
		if err := rows.Scan(&row.CommitID, &row.BatchID, &row.ImageID, &row.PersonID,
			&row.OutputFilename, &row.OutputPath, &row.Status, &row.CreatedAt, &row.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan commit row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AllCommitRows returns every commit_log row for batchID regardless of
// status, used by reconciliation at resume time (spec.md §4.I resume
// table, "COMMITTING" case).
func (s *Store) AllCommitRows(ctx context.Context, batchID int64) ([]CommitRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT commit_id, batch_id, image_id, person_id, output_filename, output_path, status, created_at, verified_at
		FROM commit_log
		WHERE batch_id = $1
		ORDER BY commit_id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("query commit rows for batch %d: %w", batchID, err)
	}
	defer rows.Close()

	var out []CommitRow
	for rows.Next() {
		var row CommitRow
		if err := rows.Scan(&row.CommitID, &row.BatchID, &row.ImageID, &row.PersonID,
			&row.OutputFilename, &row.OutputPath, &row.Status, &row.CreatedAt, &row.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan commit row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AdvanceCommitRow sets a commit-log row's status to newStatus; advancing
// to verified also stamps verified_at. It does not check the row's current
// status: reconciliation moves a pending row straight to verified.
func (s *Store) AdvanceCommitRow(ctx context.Context, commitID int64, newStatus CommitStatus) error {
	if newStatus == CommitVerified {
		_, err := s.pool.Exec(ctx, `
			UPDATE commit_log SET status = $2, verified_at = now() WHERE commit_id = $1`,
			commitID, CommitVerified)
		if err != nil {
			return fmt.Errorf("advance commit row %d to verified: %w", commitID, err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE commit_log SET status = $2 WHERE commit_id = $1`,
		commitID, newStatus)
	if err != nil {
		return fmt.Errorf("advance commit row %d to %s: %w", commitID, newStatus, err)
	}
	return nil
}

// ImagesForBatch returns the images belonging to one batch's [start_idx,
// end_idx] range, in ordering_idx order.
func (s *Store) ImagesForBatch(ctx context.Context, jobID int64, batch Batch) ([]Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT image_id, job_id, source_path, filename, extension, sha256, ordering_idx
		FROM images
		WHERE job_id = $1 AND ordering_idx BETWEEN $2 AND $3
		ORDER BY ordering_idx`,
		jobID, batch.StartIdx, batch.EndIdx)
	if err != nil {
		return nil, fmt.Errorf("query images for batch %d: %w", batch.BatchID, err)
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ImageID, &img.JobID, &img.SourcePath, &img.Filename, &img.Extension, &img.SHA256, &img.OrderingIdx); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// OpenBatches returns every batch for jobID not in state COMMITTED,
// ordered by batch_id (spec.md §4.I resume/termination logic).
func (s *Store) OpenBatches(ctx context.Context, jobID int64) ([]Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, job_id, start_idx, end_idx, state, created_at, started_at, committed_at
		FROM batches
		WHERE job_id = $1 AND state <> $2
		ORDER BY batch_id`,
		jobID, BatchCommitted)
	if err != nil {
		return nil, fmt.Errorf("query open batches for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.BatchID, &b.JobID, &b.StartIdx, &b.EndIdx, &b.State, &b.CreatedAt, &b.StartedAt, &b.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetJobStatus updates a job's status, stamping started_at/completed_at
// where applicable.
func (s *Store) SetJobStatus(ctx context.Context, jobID int64, status JobStatus) error {
	switch status {
	case JobRunning:
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, started_at = COALESCE(started_at, now()) WHERE job_id = $1`,
			jobID, JobRunning)
		if err != nil {
			return fmt.Errorf("set job %d running: %w", jobID, err)
		}
	case JobCompleted, JobStopped, JobFailed:
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, completed_at = now() WHERE job_id = $1`,
			jobID, status)
		if err != nil {
			return fmt.Errorf("set job %d to %s: %w", jobID, status, err)
		}
	default:
		_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2 WHERE job_id = $1`, jobID, status)
		if err != nil {
			return fmt.Errorf("set job %d status %s: %w", jobID, status, err)
		}
	}
	return nil
}

// ProgressCounters reads jobs.total_images/processed_images plus the
// current batch, if any, for internal/progress (spec.md §4.J).
func (s *Store) ProgressCounters(ctx context.Context, jobID int64) (ProgressCounters, error) {
	var pc ProgressCounters
	if err := s.pool.QueryRow(ctx, `
		SELECT total_images, processed_images FROM jobs WHERE job_id = $1`,
		jobID).Scan(&pc.TotalImages, &pc.ProcessedImages); err != nil {
		return pc, fmt.Errorf("read job %d counters: %w", jobID, err)
	}

	var batchID int64
	var state BatchState
	err := s.pool.QueryRow(ctx, `
		SELECT batch_id, state FROM batches
		WHERE job_id = $1 AND state <> $2
		ORDER BY batch_id LIMIT 1`,
		jobID, BatchCommitted).Scan(&batchID, &state)
	if err == nil {
		pc.CurrentBatchID = &batchID
		pc.CurrentState = &state
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return pc, fmt.Errorf("read current batch for job %d: %w", jobID, err)
	}

	return pc, nil
}

// RunningJob returns the single job currently in status=running, if any.
func (s *Store) RunningJob(ctx context.Context) (*Job, error) {
	var j Job
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, source_root, output_root, total_images, processed_images, status, created_at, started_at, completed_at
		FROM jobs WHERE status = $1 ORDER BY job_id DESC LIMIT 1`,
		JobRunning).Scan(&j.JobID, &j.SourceRoot, &j.OutputRoot, &j.TotalImages, &j.ProcessedImages,
		&j.Status, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query running job: %w", err)
	}
	return &j, nil
}
