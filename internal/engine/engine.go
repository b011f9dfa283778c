// Package engine implements component 4.I: the batch state machine
// PENDING -> PROCESSING -> COMMITTING -> COMMITTED, its resume/reconcile
// logic, and the single-lane wiring of ingest, decode, face analysis,
// matching, compression and routing. Grounded on ivoronin-dupedog's
// top-level New()/Run() shape (one long-lived worker looping over units
// of work, checking a cancellation signal between units) but single-lane:
// unlike dupedog's concurrent directory fan-out, this engine never runs
// two batches at once, since ordering and commit-log invariants (spec.md
// P4) require strictly increasing batch_id commit order.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/bhaskar-k123/sortface/internal/compress"
	"github.com/bhaskar-k123/sortface/internal/control"
	"github.com/bhaskar-k123/sortface/internal/decode"
	"github.com/bhaskar-k123/sortface/internal/faceanalyzer"
	"github.com/bhaskar-k123/sortface/internal/jobstore"
	"github.com/bhaskar-k123/sortface/internal/matcher"
	"github.com/bhaskar-k123/sortface/internal/progress"
	"github.com/bhaskar-k123/sortface/internal/registry"
	"github.com/bhaskar-k123/sortface/internal/retry"
	"github.com/bhaskar-k123/sortface/internal/router"
)

// commitRetryPolicy backs every commit-log write: spec.md §4.I, "retry up
// to 3 times with a 1-second backoff".
var commitRetryPolicy = retry.Policy{Attempts: 3, Backoff: time.Second}

// Engine wires every component into the single-lane batch loop.
type Engine struct {
	Jobs       *jobstore.Store
	Registry   *registry.Store
	Control    *control.Channel
	Progress   *progress.Writer
	DecodeCfg  decode.Config
	Analyzer   *faceanalyzer.Client
	Thresholds matcher.Thresholds
	HotRoot    string
	OutputRoot string

	// CentroidShortlistK bounds how many candidates the optional HNSW
	// accelerator may shortlist before MatchFace recomputes the exact
	// distance (SPEC_FULL §3). Zero or negative disables shortlisting:
	// every face is matched against every centroid.
	CentroidShortlistK int
}

// haltSignal is returned from RunJob when a stop/terminate control signal
// halted the job before it reached completion.
type haltSignal struct {
	status jobstore.JobStatus
}

func (h haltSignal) Error() string { return fmt.Sprintf("job halted: %s", h.status) }

// RunJob drives jobID to completion, one batch at a time. It reads the
// control channel before leasing each batch and before each image's
// PROCESSING; a batch that has reached COMMITTING always runs to
// COMMITTED (see commitBatch).
func (e *Engine) RunJob(ctx context.Context, jobID int64) error {
	if err := e.resumeOpenBatches(ctx, jobID); err != nil {
		return fmt.Errorf("resume open batches: %w", err)
	}
	if err := e.finishOpenCommittingBatches(ctx, jobID); err != nil {
		if _, ok := err.(haltSignal); ok {
			return err
		}
		return fmt.Errorf("finish reconciled batches: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sig, err := e.Control.Read(ctx)
		if err != nil {
			return fmt.Errorf("read control signal: %w", err)
		}
		if sig == control.SignalStop || sig == control.SignalTerminate {
			if err := e.Jobs.SetJobStatus(ctx, jobID, jobstore.JobStopped); err != nil {
				return fmt.Errorf("set job stopped: %w", err)
			}
			return haltSignal{status: jobstore.JobStopped}
		}

		batch, err := e.Jobs.LeaseNextPendingBatch(ctx, jobID)
		if err != nil {
			return fmt.Errorf("lease next batch: %w", err)
		}
		if batch == nil {
			return e.finishIfNoOpenBatches(ctx, jobID)
		}

		if err := e.runBatch(ctx, jobID, *batch); err != nil {
			if _, ok := err.(haltSignal); ok {
				return err
			}
			if err := e.Jobs.SetJobStatus(ctx, jobID, jobstore.JobFailed); err != nil {
				return fmt.Errorf("set job failed after batch error: %w", err)
			}
			return fmt.Errorf("run batch %d: %w", batch.BatchID, err)
		}
	}
}

func (e *Engine) finishIfNoOpenBatches(ctx context.Context, jobID int64) error {
	open, err := e.Jobs.OpenBatches(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check open batches: %w", err)
	}
	if len(open) == 0 {
		return e.Jobs.SetJobStatus(ctx, jobID, jobstore.JobCompleted)
	}
	return nil
}

// runBatch executes PROCESSING then COMMITTING for one leased batch.
func (e *Engine) runBatch(ctx context.Context, jobID int64, batch jobstore.Batch) error {
	now := time.Now()
	if e.Progress != nil {
		e.Progress.SetCurrentBatch(now, batch.BatchID, batch.StartIdx, batch.EndIdx, string(jobstore.BatchProcessing))
	}

	images, err := e.Jobs.ImagesForBatch(ctx, jobID, batch)
	if err != nil {
		return fmt.Errorf("load images for batch %d: %w", batch.BatchID, err)
	}

	results, err := e.processImages(ctx, jobID, batch, images)
	if err != nil {
		return err
	}

	pendingRows, err := e.buildPendingCommitRows(ctx, batch, images, results)
	if err != nil {
		return fmt.Errorf("build commit rows: %w", err)
	}

	if err := e.Jobs.TransitionBatch(ctx, batch, jobstore.BatchCommitting, pendingRows); err != nil {
		return fmt.Errorf("transition batch %d to COMMITTING: %w", batch.BatchID, err)
	}
	batch.State = jobstore.BatchCommitting

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
	if e.Progress != nil {
		e.Progress.RecordBatchCommitted(time.Now(), batch.BatchID, batch.StartIdx, batch.EndIdx)
	}
	if err := e.cleanupBatchDirs(batch.BatchID); err != nil {
		return fmt.Errorf("cleanup batch %d dirs: %w", batch.BatchID, err)
	}
	return nil
}

// processImages runs the PROCESSING phase: decode -> analyze -> match for
// each image in order, persisting learned embeddings immediately and
// upserting image_results (spec.md §4.I "PROCESSING").
func (e *Engine) processImages(ctx context.Context, jobID int64, batch jobstore.Batch, images []jobstore.Image) (map[int64]matcher.ImageAggregate, error) {
	results := make(map[int64]matcher.ImageAggregate, len(images))

	for _, img := range images {
		sig, err := e.Control.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read control signal before image %d: %w", img.ImageID, err)
		}
		if sig == control.SignalTerminate {
			if err := e.Jobs.TransitionBatch(ctx, batch, jobstore.BatchPending, nil); err != nil {
				return nil, fmt.Errorf("reset batch %d on terminate: %w", batch.BatchID, err)
			}
			if err := e.Jobs.SetJobStatus(ctx, jobID, jobstore.JobStopped); err != nil {
				return nil, fmt.Errorf("set job stopped on terminate: %w", err)
			}
			return nil, haltSignal{status: jobstore.JobStopped}
		}

		agg, err := e.processOneImage(ctx, batch, img)
		if err != nil {
			return nil, fmt.Errorf("process image %d: %w", img.ImageID, err)
		}
		results[img.ImageID] = agg

		if err := e.Jobs.UpsertImageResult(ctx, jobstore.ImageResult{
			ImageID:          img.ImageID,
			BatchID:          batch.BatchID,
			FaceCount:        agg.FaceCount,
			MatchedCount:     agg.MatchedCount,
			UnknownCount:     agg.UnknownCount,
			MatchedPersonIDs: agg.MatchedPersonIDs,
		}); err != nil {
			return nil, fmt.Errorf("upsert image result %d: %w", img.ImageID, err)
		}

		if e.Progress != nil {
			e.Progress.RecordImageProcessed(time.Now())
		}
	}

	return results, nil
}

// ImageOutcomeKind classifies what happened while decoding and detecting
// faces in one image. Decode and analyzer failures are per-image
// conditions (spec.md §4.D "RAW parse fail -> continue and warn" / §4.E /
// §7's error table), never job-ending errors — only decodeImage and
// analyzeImage can produce them, and processOneImage routes every kind to
// a face_count=0 / unmatched result instead of propagating an error.
type ImageOutcomeKind int

const (
	ImageDecoded ImageOutcomeKind = iota
	ImageDecodeFailed
	ImageAnalyzed
	ImageAnalyzeFailed
)

// ImageOutcome is the result of attempting to decode, compress, and detect
// faces in one source image.
type ImageOutcome struct {
	Kind       ImageOutcomeKind
	Compressed []byte
	Faces      []faceanalyzer.Face
	Warning    error
}

// decodeImage runs D (decode) and G (compress) for one image. Both stages
// fold into ImageDecodeFailed on error: with no valid pixel data there is
// nothing downstream can do with either failure.
func (e *Engine) decodeImage(ctx context.Context, batch jobstore.Batch, img jobstore.Image) ImageOutcome {
	tempDir := filepath.Join(e.HotRoot, "temp", fmt.Sprintf("%d", batch.BatchID))
	scope := decode.NewTempScope(tempDir)
	defer scope.Close()

	decoded, err := decode.Decode(ctx, e.DecodeCfg, img.SourcePath, scope.Dir())
	if err != nil {
		return ImageOutcome{Kind: ImageDecodeFailed, Warning: fmt.Errorf("decode %s: %w", img.SourcePath, err)}
	}

	compressed, err := compress.Compress(decoded)
	if err != nil {
		return ImageOutcome{Kind: ImageDecodeFailed, Warning: fmt.Errorf("compress %s: %w", img.SourcePath, err)}
	}

	return ImageOutcome{Kind: ImageDecoded, Compressed: compressed}
}

// analyzeImage runs E (face detection/embedding) against an already
// decoded image.
func (e *Engine) analyzeImage(ctx context.Context, outcome ImageOutcome, img jobstore.Image) ImageOutcome {
	faces, err := e.Analyzer.Analyze(ctx, outcome.Compressed)
	if err != nil {
		outcome.Kind = ImageAnalyzeFailed
		outcome.Warning = fmt.Errorf("analyze %s: %w", img.SourcePath, err)
		return outcome
	}
	outcome.Kind = ImageAnalyzed
	outcome.Faces = faces
	return outcome
}

func (e *Engine) processOneImage(ctx context.Context, batch jobstore.Batch, img jobstore.Image) (matcher.ImageAggregate, error) {
	outcome := e.decodeImage(ctx, batch, img)
	if outcome.Kind == ImageDecoded {
		outcome = e.analyzeImage(ctx, outcome, img)
	}

	switch outcome.Kind {
	case ImageDecodeFailed:
		log.Printf("image %d: %v; recording face_count=0 and continuing", img.ImageID, outcome.Warning)
		return matcher.ImageAggregate{}, nil
	case ImageAnalyzeFailed:
		log.Printf("image %d: %v; treating as unmatched and continuing", img.ImageID, outcome.Warning)
		return matcher.ImageAggregate{}, nil
	}

	outcomes := make([]matcher.FaceOutcome, 0, len(outcome.Faces))
	for _, f := range outcome.Faces {
		matchCentroids, err := e.candidateCentroids(ctx, f.Embedding)
		if err != nil {
			return matcher.ImageAggregate{}, fmt.Errorf("load centroids: %w", err)
		}
		result := matcher.MatchFace(f.Embedding, matchCentroids, e.Thresholds)
		outcomes = append(outcomes, result)
		if result.Band == matcher.Strict {
			if err := e.Registry.Learn(ctx, result.PersonID, f.Embedding); err != nil {
				return matcher.ImageAggregate{}, fmt.Errorf("learn embedding for person %d: %w", result.PersonID, err)
			}
		}
	}

	if err := e.stageArtifact(batch.BatchID, img.ImageID, outcome.Compressed); err != nil {
		return matcher.ImageAggregate{}, fmt.Errorf("stage artifact: %w", err)
	}

	return matcher.AggregateImage(outcomes), nil
}

// candidateCentroids returns the centroids MatchFace should score a face
// embedding against: those of job_config's selected_person_ids, or every
// centroid when none are selected. With no selection and
// CentroidShortlistK configured, it defers to the registry's optional
// HNSW accelerator (SPEC_FULL §3), which returns every centroid while the
// registry holds at most CentroidShortlistK of them and an approximate
// shortlist above that.
func (e *Engine) candidateCentroids(ctx context.Context, embedding []float32) ([]matcher.Centroid, error) {
	cfg, err := e.Control.ReadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("read job config: %w", err)
	}
	var centroids []registry.Centroid
	switch {
	case len(cfg.SelectedPersonIDs) > 0:
		centroids, err = e.Registry.Centroids(ctx, cfg.SelectedPersonIDs)
	case e.CentroidShortlistK > 0:
		centroids, err = e.Registry.ShortlistCentroids(ctx, embedding, e.CentroidShortlistK)
	default:
		centroids, err = e.Registry.Centroids(ctx, nil)
	}
	if err != nil {
		return nil, err
	}

	matchCentroids := make([]matcher.Centroid, len(centroids))
	for i, c := range centroids {
		matchCentroids[i] = matcher.Centroid{PersonID: c.PersonID, Vector: c.Vector}
	}
	return matchCentroids, nil
}

func (e *Engine) stageArtifact(batchID, imageID int64, data []byte) error {
	dir := filepath.Join(e.HotRoot, "staging", fmt.Sprintf("%d", batchID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.jpg", imageID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write staged artifact: %w", err)
	}
	return nil
}

func (e *Engine) stagedArtifactPath(batchID, imageID int64) string {
	return filepath.Join(e.HotRoot, "staging", fmt.Sprintf("%d", batchID), fmt.Sprintf("%d.jpg", imageID))
}

// buildPendingCommitRows computes the target folders for every image with
// >=1 match, including the group-mode case (spec.md §4.F, §4.I "Transition
// to COMMITTING").
func (e *Engine) buildPendingCommitRows(ctx context.Context, batch jobstore.Batch, images []jobstore.Image, results map[int64]matcher.ImageAggregate) ([]jobstore.CommitRow, error) {
	cfg, err := e.Control.ReadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("read job config: %w", err)
	}

	persons, err := e.Registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	folderByPerson := make(map[int64]string, len(persons))
	for _, p := range persons {
		folderByPerson[p.PersonID] = p.OutputFolderRel
	}

	var rows []jobstore.CommitRow
	for _, img := range images {
		agg := results[img.ImageID]
		if agg.MatchedCount == 0 {
			continue
		}

		if cfg.GroupMode {
			if matcher.IsGroupMatch(agg.MatchedPersonIDs, cfg.SelectedPersonIDs) {
				rows = append(rows, jobstore.CommitRow{
					BatchID:        batch.BatchID,
					ImageID:        img.ImageID,
					PersonID:       nil,
					OutputFilename: router.OutputFilename(img.OrderingIdx, img.SHA256),
					OutputPath:     filepath.Join(e.OutputRoot, cfg.GroupFolderName, router.OutputFilename(img.OrderingIdx, img.SHA256)),
				})
				continue
			}
		}

		for _, personID := range agg.MatchedPersonIDs {
			folder, ok := folderByPerson[personID]
			if !ok {
				continue
			}
			pid := personID
			rows = append(rows, jobstore.CommitRow{
				BatchID:        batch.BatchID,
				ImageID:        img.ImageID,
				PersonID:       &pid,
				OutputFilename: router.OutputFilename(img.OrderingIdx, img.SHA256),
				OutputPath:     filepath.Join(e.OutputRoot, folder, router.OutputFilename(img.OrderingIdx, img.SHA256)),
			})
		}
	}
	return rows, nil
}

// commitBatch runs G (already staged during PROCESSING) and H for every
// pending row, advancing statuses individually with retry (spec.md §4.I
// "COMMITTING"). It does not stop partway for a stop/terminate signal:
// spec.md §4.K requires every row already at pending or written to reach
// verified before the engine halts, so a COMMITTING batch always runs to
// completion. RunJob's own loop, which reads the control signal again
// before leasing the next batch, is what stops the *next* batch from
// starting.
func (e *Engine) commitBatch(ctx context.Context, batch jobstore.Batch, imageByID map[int64]jobstore.Image) error {
	rows, err := e.Jobs.PendingCommitRows(ctx, batch.BatchID)
	if err != nil {
		return fmt.Errorf("load pending commit rows: %w", err)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, ok := imageByID[row.ImageID]
		if !ok {
			return fmt.Errorf("commit row %d references unknown image %d", row.CommitID, row.ImageID)
		}

		if err := e.commitOneRow(ctx, batch, row, img); err != nil {
			return fmt.Errorf("commit row %d (image %d): %w", row.CommitID, row.ImageID, err)
		}
	}
	return nil
}

func (e *Engine) commitOneRow(ctx context.Context, batch jobstore.Batch, row jobstore.CommitRow, img jobstore.Image) error {
	stagedPath := e.stagedArtifactPath(batch.BatchID, row.ImageID)
	relPath, err := filepath.Rel(e.OutputRoot, row.OutputPath)
	if err != nil {
		return fmt.Errorf("resolve output folder: %w", err)
	}
	folderRel := filepath.Dir(relPath)

	err = retry.Do(ctx, commitRetryPolicy, func(ctx context.Context) error {
		_, err := router.Copy(stagedPath, e.OutputRoot, router.Target{
			ImageID:     row.ImageID,
			PersonID:    row.PersonID,
			FolderRel:   folderRel,
			OrderingIdx: img.OrderingIdx,
			SHA256:      img.SHA256,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("copy to %s: %w", row.OutputPath, err)
	}
	if err := e.Jobs.AdvanceCommitRow(ctx, row.CommitID, jobstore.CommitWritten); err != nil {
		return fmt.Errorf("advance to written: %w", err)
	}

	ok, err := router.Verify(stagedPath, row.OutputPath)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("verification failed for %s", row.OutputPath)
	}
	if err := e.Jobs.AdvanceCommitRow(ctx, row.CommitID, jobstore.CommitVerified); err != nil {
		return fmt.Errorf("advance to verified: %w", err)
	}

	if e.Progress != nil {
		e.Progress.RecordCommit(time.Now(), row.PersonID, &row.ImageID)
	}
	return nil
}

func (e *Engine) cleanupBatchDirs(batchID int64) error {
	stagingDir := filepath.Join(e.HotRoot, "staging", fmt.Sprintf("%d", batchID))
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	tempDir := filepath.Join(e.HotRoot, "temp", fmt.Sprintf("%d", batchID))
	if err := os.RemoveAll(tempDir); err != nil {
		return fmt.Errorf("remove temp dir: %w", err)
	}
	return nil
}
