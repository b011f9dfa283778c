package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readSnapshot(t *testing.T, stateDir string) Snapshot {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(stateDir, "progress.json"))
	if err != nil {
		t.Fatalf("read progress.json: %v", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal progress.json: %v", err)
	}
	return s
}

func TestRecordImageProcessed_UpdatesCountAndPercent(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := New(dir, 10, start)

	if err := w.RecordImageProcessed(start.Add(time.Second)); err != nil {
		t.Fatalf("RecordImageProcessed: %v", err)
	}

	snap := readSnapshot(t, dir)
	if snap.ProcessedImages != 1 {
		t.Errorf("expected processed_images 1, got %d", snap.ProcessedImages)
	}
	if snap.CompletionPercent != 10 {
		t.Errorf("expected completion_percent 10, got %f", snap.CompletionPercent)
	}
}

func TestSetCurrentBatch_WritesRangeAndState(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	w := New(dir, 100, start)

	if err := w.SetCurrentBatch(start, 3, 100, 149, "PROCESSING"); err != nil {
		t.Fatalf("SetCurrentBatch: %v", err)
	}

	snap := readSnapshot(t, dir)
	if snap.CurrentBatchID == nil || *snap.CurrentBatchID != 3 {
		t.Errorf("expected current_batch_id 3, got %v", snap.CurrentBatchID)
	}
	if snap.CurrentImageRange != "100-149" {
		t.Errorf("expected range 100-149, got %s", snap.CurrentImageRange)
	}
	if snap.CurrentBatchState != "PROCESSING" {
		t.Errorf("expected state PROCESSING, got %s", snap.CurrentBatchState)
	}
}

func TestRecordBatchCommitted_RingCapsAtTwenty(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	w := New(dir, 2000, start)

	for i := 0; i < 25; i++ {
		if err := w.RecordBatchCommitted(start, int64(i), i*50, i*50+49); err != nil {
			t.Fatalf("RecordBatchCommitted %d: %v", i, err)
		}
	}

	snap := readSnapshot(t, dir)
	if len(snap.RecentBatches) != recentBatchCapacity {
		t.Fatalf("expected ring capped at %d, got %d", recentBatchCapacity, len(snap.RecentBatches))
	}
	if snap.RecentBatches[0].BatchID != 5 {
		t.Errorf("expected oldest surviving batch_id 5, got %d", snap.RecentBatches[0].BatchID)
	}
	if snap.RecentBatches[len(snap.RecentBatches)-1].BatchID != 24 {
		t.Errorf("expected newest batch_id 24, got %d", snap.RecentBatches[len(snap.RecentBatches)-1].BatchID)
	}
}

func TestRecordCommit_SetsLastCommittedFields(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	w := New(dir, 10, start)

	person := int64(7)
	image := int64(42)
	if err := w.RecordCommit(start, &person, &image); err != nil {
		t.Fatalf("RecordCommit: %v", err)
	}

	snap := readSnapshot(t, dir)
	if snap.LastCommittedPerson == nil || *snap.LastCommittedPerson != 7 {
		t.Errorf("expected last_committed_person 7, got %v", snap.LastCommittedPerson)
	}
	if snap.LastCommittedImage == nil || *snap.LastCommittedImage != 42 {
		t.Errorf("expected last_committed_image 42, got %v", snap.LastCommittedImage)
	}
}

func TestETASeconds_NilWhenComplete(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	w := New(dir, 1, start)

	if err := w.RecordImageProcessed(start.Add(time.Second)); err != nil {
		t.Fatalf("RecordImageProcessed: %v", err)
	}

	snap := readSnapshot(t, dir)
	if snap.ETASeconds != nil {
		t.Errorf("expected nil ETA when complete, got %v", *snap.ETASeconds)
	}
}

func TestWriteHeartbeat_WritesPIDAndStatus(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	if err := WriteHeartbeat(dir, "running", now); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "worker_heartbeat.json"))
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if hb.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), hb.PID)
	}
	if hb.Status != "running" {
		t.Errorf("expected status running, got %s", hb.Status)
	}
}
