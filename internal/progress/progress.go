// Package progress implements component 4.J: atomic JSON mirrors of
// engine state in progress.json and worker_heartbeat.json, written directly
// in the directory passed to New and WriteHeartbeat (the worker passes the
// hot root itself; no state/ subdirectory is created).
// The write-to-temp-then-rename discipline is the same atomic-replacement
// idiom ivoronin-dupedog's internal/cache uses to swap its BoltDB file on
// Close, adapted here from a one-shot swap to a per-event JSON rewrite.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RecentBatch is one entry in the fixed-size ring of recently committed
// batches (spec.md §4.J: "recent_batches ring of last 20").
type RecentBatch struct {
	BatchID     int64     `json:"batch_id"`
	StartIdx    int       `json:"start_idx"`
	EndIdx      int       `json:"end_idx"`
	CommittedAt time.Time `json:"committed_at"`
}

const recentBatchCapacity = 20

// emaAlpha is the EWMA smoothing factor for images_per_second (spec.md
// §4.J: "images_per_second EWMA with α=0.2").
const emaAlpha = 0.2

// Snapshot is the full contents of progress.json.
type Snapshot struct {
	TotalImages         int           `json:"total_images"`
	ProcessedImages     int           `json:"processed_images"`
	CompletionPercent   float64       `json:"completion_percent"`
	CurrentBatchID      *int64        `json:"current_batch_id"`
	CurrentImageRange   string        `json:"current_image_range"`
	CurrentBatchState   string        `json:"current_batch_state"`
	LastCommittedPerson *int64        `json:"last_committed_person"`
	LastCommittedImage  *int64        `json:"last_committed_image"`
	LastCommittedTime   *time.Time    `json:"last_committed_time"`
	RecentBatches       []RecentBatch `json:"recent_batches"`
	ElapsedSeconds      float64       `json:"elapsed_seconds"`
	ImagesPerSecond     float64       `json:"images_per_second"`
	ETASeconds          *float64      `json:"eta_seconds"`
}

// Heartbeat is the full contents of worker_heartbeat.json.
type Heartbeat struct {
	PID       int       `json:"pid"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Writer owns the mutable progress state and flushes it to stateDir.
// Not safe for concurrent use — the engine is single-lane (spec.md §5)
// and calls Writer methods from one goroutine.
type Writer struct {
	stateDir  string
	startedAt time.Time

	snapshot        Snapshot
	imagesProcessed int
	lastSampleAt    time.Time
}

// New creates a Writer rooted at stateDir, which must already exist.
func New(stateDir string, totalImages int, startedAt time.Time) *Writer {
	return &Writer{
		stateDir:  stateDir,
		startedAt: startedAt,
		snapshot: Snapshot{
			TotalImages: totalImages,
		},
		lastSampleAt: startedAt,
	}
}

// RecordImageProcessed updates the images/sec EWMA and processed count,
// then flushes progress.json (spec.md §4.J: "refreshed after every image
// processed").
func (w *Writer) RecordImageProcessed(now time.Time) error {
	w.imagesProcessed++
	w.snapshot.ProcessedImages = w.imagesProcessed
	w.updateRate(now)
	w.updateDerived(now)
	return w.flushSnapshot()
}

// SetCurrentBatch records which batch is active and its state, then
// flushes.
func (w *Writer) SetCurrentBatch(now time.Time, batchID int64, startIdx, endIdx int, state string) error {
	w.snapshot.CurrentBatchID = &batchID
	w.snapshot.CurrentImageRange = fmt.Sprintf("%d-%d", startIdx, endIdx)
	w.snapshot.CurrentBatchState = state
	w.updateDerived(now)
	return w.flushSnapshot()
}

// RecordCommit notes a commit-log transition and flushes (spec.md §4.J:
// "refreshed ... every commit-log status transition").
func (w *Writer) RecordCommit(now time.Time, personID, imageID *int64) error {
	w.snapshot.LastCommittedPerson = personID
	w.snapshot.LastCommittedImage = imageID
	w.snapshot.LastCommittedTime = &now
	w.updateDerived(now)
	return w.flushSnapshot()
}

// RecordBatchCommitted appends to the recent-batches ring, evicting the
// oldest entry once it exceeds recentBatchCapacity.
func (w *Writer) RecordBatchCommitted(now time.Time, batchID int64, startIdx, endIdx int) error {
	w.snapshot.RecentBatches = append(w.snapshot.RecentBatches, RecentBatch{
		BatchID:     batchID,
		StartIdx:    startIdx,
		EndIdx:      endIdx,
		CommittedAt: now,
	})
	if len(w.snapshot.RecentBatches) > recentBatchCapacity {
		w.snapshot.RecentBatches = w.snapshot.RecentBatches[len(w.snapshot.RecentBatches)-recentBatchCapacity:]
	}
	w.updateDerived(now)
	return w.flushSnapshot()
}

func (w *Writer) updateRate(now time.Time) {
	elapsed := now.Sub(w.lastSampleAt).Seconds()
	w.lastSampleAt = now
	if elapsed <= 0 {
		return
	}
	instantRate := 1.0 / elapsed
	if w.snapshot.ImagesPerSecond == 0 {
		w.snapshot.ImagesPerSecond = instantRate
		return
	}
	w.snapshot.ImagesPerSecond = emaAlpha*instantRate + (1-emaAlpha)*w.snapshot.ImagesPerSecond
}

func (w *Writer) updateDerived(now time.Time) {
	w.snapshot.ElapsedSeconds = now.Sub(w.startedAt).Seconds()
	if w.snapshot.TotalImages > 0 {
		w.snapshot.CompletionPercent = 100 * float64(w.snapshot.ProcessedImages) / float64(w.snapshot.TotalImages)
	}
	if w.snapshot.ImagesPerSecond > 0 && w.snapshot.TotalImages > w.snapshot.ProcessedImages {
		remaining := float64(w.snapshot.TotalImages - w.snapshot.ProcessedImages)
		eta := remaining / w.snapshot.ImagesPerSecond
		w.snapshot.ETASeconds = &eta
	} else {
		w.snapshot.ETASeconds = nil
	}
}

func (w *Writer) flushSnapshot() error {
	return writeJSONAtomic(filepath.Join(w.stateDir, "progress.json"), w.snapshot)
}

// WriteHeartbeat flushes worker_heartbeat.json. Called by the worker
// command's heartbeat ticker every cfg.Worker.HeartbeatTick (one second by
// default) regardless of batch activity (spec.md §4.J: "Heartbeat cadence:
// once per second").
func WriteHeartbeat(stateDir, status string, now time.Time) error {
	hb := Heartbeat{PID: os.Getpid(), Status: status, Timestamp: now}
	return writeJSONAtomic(filepath.Join(stateDir, "worker_heartbeat.json"), hb)
}

// writeJSONAtomic marshals v and writes it to path via a temp file in the
// same directory, fsynced and renamed into place, so readers never
// observe a partially written file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	return nil
}
