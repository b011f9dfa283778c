package engine

import (
	"context"
	"fmt"

	"github.com/bhaskar-k123/sortface/internal/jobstore"
	"github.com/bhaskar-k123/sortface/internal/router"
)

// resumeOpenBatches applies spec.md §4.I's resume table to every batch not
// in state COMMITTED:
//
//	PENDING     leave as-is
//	PROCESSING  reset to PENDING, clear image_results
//	COMMITTING  reconcile each commit-log row against on-disk evidence
//	COMMITTED   leave as-is (excluded by OpenBatches)
func (e *Engine) resumeOpenBatches(ctx context.Context, jobID int64) error {
	open, err := e.Jobs.OpenBatches(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list open batches: %w", err)
	}

	for _, batch := range open {
		switch batch.State {
		case jobstore.BatchPending:
			// nothing to do
		case jobstore.BatchProcessing:
			if err := e.Jobs.TransitionBatch(ctx, batch, jobstore.BatchPending, nil); err != nil {
				return fmt.Errorf("reset PROCESSING batch %d: %w", batch.BatchID, err)
			}
		case jobstore.BatchCommitting:
			if err := e.reconcileBatch(ctx, batch); err != nil {
				return fmt.Errorf("reconcile COMMITTING batch %d: %w", batch.BatchID, err)
			}
		}
	}
	return nil
}

// reconcileBatch inspects every commit-log row of a COMMITTING batch
// against {destination file, staged file} and advances it to the highest
// status consistent with the evidence (spec.md §4.H, §4.I resume table).
// If every row reaches verified, the batch transitions to COMMITTED.
func (e *Engine) reconcileBatch(ctx context.Context, batch jobstore.Batch) error {
	rows, err := e.Jobs.AllCommitRows(ctx, batch.BatchID)
	if err != nil {
		return fmt.Errorf("load commit rows: %w", err)
	}

	allVerified := true
	for _, row := range rows {
		if row.Status == jobstore.CommitVerified {
			continue
		}

		stagedPath := e.stagedArtifactPath(batch.BatchID, row.ImageID)
		verified, err := router.Verify(stagedPath, row.OutputPath)
		if err != nil {
			return fmt.Errorf("verify row %d: %w", row.CommitID, err)
		}
		if verified {
			if err := e.Jobs.AdvanceCommitRow(ctx, row.CommitID, jobstore.CommitVerified); err != nil {
				return fmt.Errorf("advance row %d to verified: %w", row.CommitID, err)
			}
			continue
		}

		// Destination missing or content mismatch: the row cannot be
		// trusted above `written`; the commit loop below will retry the
		// copy from the (still-present) staged artifact.
		allVerified = false
	}

	if allVerified {
		if err := e.Jobs.TransitionBatch(ctx, batch, jobstore.BatchCommitted, nil); err != nil {
			return fmt.Errorf("transition reconciled batch %d to COMMITTED: %w", batch.BatchID, err)
		}
		return e.cleanupBatchDirs(batch.BatchID)
	}

	return nil
}

// finishOpenCommittingBatches resumes any batch still in COMMITTING after
// reconciliation (i.e. reconcileBatch advanced what evidence allowed but
// could not reach all-verified), running the normal commit loop against
// its remaining rows. Batches commit in strictly increasing batch_id
// order (spec.md P4), which jobstore.OpenBatches already guarantees.
func (e *Engine) finishOpenCommittingBatches(ctx context.Context, jobID int64) error {
	open, err := e.Jobs.OpenBatches(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list open batches: %w", err)
	}

	for _, batch := range open {
		if batch.State != jobstore.BatchCommitting {
			continue
		}

		images, err := e.Jobs.ImagesForBatch(ctx, jobID, batch)
		if err != nil {
			return fmt.Errorf("load images for batch %d: %w", batch.BatchID, err)
		}
		imageByID := make(map[int64]jobstore.Image, len(images))
		for _, img := range images {
			imageByID[img.ImageID] = img
		}

		if err := e.commitBatch(ctx, batch, imageByID); err != nil {
			return err
		}
		if err := e.Jobs.TransitionBatch(ctx, batch, jobstore.BatchCommitted, nil); err != nil {
			return fmt.Errorf("transition batch %d to COMMITTED: %w", batch.BatchID, err)
		}
		if err := e.cleanupBatchDirs(batch.BatchID); err != nil {
			return fmt.Errorf("cleanup batch %d dirs: %w", batch.BatchID, err)
		}
	}
	return nil
}
