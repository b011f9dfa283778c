//go:build integration

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bhaskar-k123/sortface/internal/control"
	"github.com/bhaskar-k123/sortface/internal/decode"
	"github.com/bhaskar-k123/sortface/internal/faceanalyzer"
	"github.com/bhaskar-k123/sortface/internal/jobstore"
	"github.com/bhaskar-k123/sortface/internal/matcher"
	"github.com/bhaskar-k123/sortface/internal/progress"
	"github.com/bhaskar-k123/sortface/internal/registry"
	"github.com/bhaskar-k123/sortface/internal/store"
)

// testEnv bundles everything one engine run needs: a live Postgres, a stub
// face-embedding server, and scratch source/hot/output directories.
type testEnv struct {
	engine    *Engine
	jobs      *jobstore.Store
	reg       *registry.Store
	ctl       *control.Channel
	sourceDir string
	outputDir string
	cleanup   func()
}

func setupTestEnv(t *testing.T, embedHandler http.HandlerFunc) *testEnv {
	t.Helper()
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
		t.Skipf("Docker not available, skipping integration test: %v", err)
		return nil
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
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

	embedSrv := httptest.NewServer(embedHandler)
	analyzer, err := faceanalyzer.New(embedSrv.URL, 0.5, 5*time.Second)
	if err != nil {
		t.Fatalf("faceanalyzer.New: %v", err)
	}

	root := t.TempDir()
	sourceDir := filepath.Join(root, "source")
	hotDir := filepath.Join(root, "hot")
	outputDir := filepath.Join(root, "output")
	for _, d := range []string{sourceDir, hotDir, outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	jobs := jobstore.NewStore(pool)
	reg := registry.NewStore(pool, 10, "")
	ctl := control.NewChannel(pool)

	e := &Engine{
		Jobs:       jobs,
		Registry:   reg,
		Control:    ctl,
		Progress:   progress.New(root, 0, time.Now()),
		DecodeCfg:  decode.Config{},
		Analyzer:   analyzer,
		Thresholds: matcher.DefaultThresholds(),
		HotRoot:    hotDir,
		OutputRoot: outputDir,
	}

	cleanup := func() {
		embedSrv.Close()
		pool.Close()
		container.Terminate(ctx)
	}
	return &testEnv{engine: e, jobs: jobs, reg: reg, ctl: ctl, sourceDir: sourceDir, outputDir: outputDir, cleanup: cleanup}
}

func writeSourceJPEG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.White)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return path
}

// faceResponsePayload mirrors the embedding server's /embed/face contract.
type faceResponsePayload struct {
	FacesCount int `json:"faces_count"`
	Faces      []struct {
		FaceIndex int       `json:"face_index"`
		Dim       int       `json:"dim"`
		Embedding []float32 `json:"embedding"`
		BBox      []float64 `json:"bbox"`
		DetScore  float64   `json:"det_score"`
	} `json:"faces"`
}

func embedHandlerWithFaces(t *testing.T, embeddings ...[]float32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := faceResponsePayload{FacesCount: len(embeddings)}
		for i, emb := range embeddings {
			resp.Faces = append(resp.Faces, struct {
				FaceIndex int       `json:"face_index"`
				Dim       int       `json:"dim"`
				Embedding []float32 `json:"embedding"`
				BBox      []float64 `json:"bbox"`
				DetScore  float64   `json:"det_score"`
			}{FaceIndex: i, Dim: len(emb), Embedding: emb, BBox: []float64{0, 0, 10, 10}, DetScore: 0.9})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode embed response: %v", err)
		}
	}
}

func unitVector(dims int, hot int) []float32 {
	v := make([]float32, dims)
	v[hot] = 1
	return v
}

func TestRunJob_SingleBatchMatchesKnownPersonAndCommits(t *testing.T) {
	const dims = 512
	knownEmbedding := unitVector(dims, 0)

	env := setupTestEnv(t, embedHandlerWithFaces(t, knownEmbedding))
	if env == nil {
		return
	}
	defer env.cleanup()
	ctx := context.Background()

	person, err := env.reg.AddPerson(ctx, "Ada", "ada", knownEmbedding)
	if err != nil {
		t.Fatalf("AddPerson: %v", err)
	}

	writeSourceJPEG(t, env.sourceDir, "img001.jpg")

	job, err := env.jobs.CreateJob(ctx, env.sourceDir, env.outputDir)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	images := []jobstore.Image{
		{ImageID: 1, JobID: job.JobID, SourcePath: filepath.Join(env.sourceDir, "img001.jpg"), Filename: "img001.jpg", Extension: ".jpg", SHA256: "abcdef0123456789", OrderingIdx: 0},
	}
	if err := env.jobs.RecordTotalImages(ctx, job.JobID, images); err != nil {
		t.Fatalf("RecordTotalImages: %v", err)
	}
	if err := env.jobs.PartitionBatches(ctx, job.JobID, len(images)); err != nil {
		t.Fatalf("PartitionBatches: %v", err)
	}
	if err := env.ctl.WriteConfig(ctx, control.JobConfig{
		SourceRoot: env.sourceDir,
		OutputRoot: env.outputDir,
	}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	if err := env.engine.RunJob(ctx, job.JobID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	outPath := filepath.Join(env.outputDir, "ada", fmt.Sprintf("%06d_%s.jpg", 0, "abcdef012345"))
	if _, err := os.Stat(outPath); err != nil {
		t.Errorf("expected committed output at %s: %v", outPath, err)
	}

	counters, err := env.jobs.ProgressCounters(ctx, job.JobID)
	if err != nil {
		t.Fatalf("ProgressCounters: %v", err)
	}
	if counters.ProcessedImages != 1 {
		t.Errorf("expected 1 processed image, got %d", counters.ProcessedImages)
	}

	_ = person
}

func TestRunJob_UnmatchedFaceIsNotRouted(t *testing.T) {
	const dims = 512
	strangerEmbedding := unitVector(dims, 1)

	env := setupTestEnv(t, embedHandlerWithFaces(t, strangerEmbedding))
	if env == nil {
		return
	}
	defer env.cleanup()
	ctx := context.Background()

	if _, err := env.reg.AddPerson(ctx, "Ada", "ada", unitVector(dims, 0)); err != nil {
		t.Fatalf("AddPerson: %v", err)
	}

	writeSourceJPEG(t, env.sourceDir, "img001.jpg")

	job, err := env.jobs.CreateJob(ctx, env.sourceDir, env.outputDir)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	images := []jobstore.Image{
		{ImageID: 1, JobID: job.JobID, SourcePath: filepath.Join(env.sourceDir, "img001.jpg"), Filename: "img001.jpg", Extension: ".jpg", SHA256: "1111222233334444", OrderingIdx: 0},
	}
	if err := env.jobs.RecordTotalImages(ctx, job.JobID, images); err != nil {
		t.Fatalf("RecordTotalImages: %v", err)
	}
	if err := env.jobs.PartitionBatches(ctx, job.JobID, len(images)); err != nil {
		t.Fatalf("PartitionBatches: %v", err)
	}
	if err := env.ctl.WriteConfig(ctx, control.JobConfig{SourceRoot: env.sourceDir, OutputRoot: env.outputDir}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	if err := env.engine.RunJob(ctx, job.JobID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	entries, err := os.ReadDir(env.outputDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no output folders for an unmatched face, found %v", entries)
	}
}

func TestRunJob_StopSignalHaltsBeforeNextBatch(t *testing.T) {
	env := setupTestEnv(t, embedHandlerWithFaces(t))
	if env == nil {
		return
	}
	defer env.cleanup()
	ctx := context.Background()

	job, err := env.jobs.CreateJob(ctx, env.sourceDir, env.outputDir)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := env.jobs.RecordTotalImages(ctx, job.JobID, nil); err != nil {
		t.Fatalf("RecordTotalImages: %v", err)
	}
	if err := env.jobs.PartitionBatches(ctx, job.JobID, 0); err != nil {
		t.Fatalf("PartitionBatches: %v", err)
	}
	if err := env.jobs.SetJobStatus(ctx, job.JobID, jobstore.JobRunning); err != nil {
		t.Fatalf("SetJobStatus running: %v", err)
	}
	if err := env.ctl.Set(ctx, control.SignalStop); err != nil {
		t.Fatalf("Set stop: %v", err)
	}

	err = env.engine.RunJob(ctx, job.JobID)
	if _, ok := err.(haltSignal); !ok {
		t.Fatalf("expected haltSignal, got %v", err)
	}

	job2, err := env.jobs.RunningJob(ctx)
	if err != nil {
		t.Fatalf("RunningJob: %v", err)
	}
	if job2 != nil {
		t.Errorf("expected no running job after stop, got %+v", job2)
	}
}
