package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bhaskar-k123/sortface/internal/config"
	"github.com/bhaskar-k123/sortface/internal/control"
	"github.com/bhaskar-k123/sortface/internal/decode"
	"github.com/bhaskar-k123/sortface/internal/engine"
	"github.com/bhaskar-k123/sortface/internal/faceanalyzer"
	"github.com/bhaskar-k123/sortface/internal/jobstore"
	"github.com/bhaskar-k123/sortface/internal/matcher"
	"github.com/bhaskar-k123/sortface/internal/progress"
	"github.com/bhaskar-k123/sortface/internal/registry"
	"github.com/bhaskar-k123/sortface/internal/store"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the batch engine worker",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the currently running job to exhaustion or a stop/terminate signal",
	RunE:  runWorkerRun,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)
}

func runWorkerRun(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down worker...")
		cancel()
	}()

	pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	ctl := control.NewChannel(pool)
	job, err := jobstore.NewStore(pool).RunningJob(ctx)
	if err != nil {
		return fmt.Errorf("find running job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("no job in status=running; create one with `sortface job create`")
	}

	analyzer, err := faceanalyzer.New(cfg.FaceAnalyzer.URL, cfg.FaceAnalyzer.MinDetectionScore, cfg.FaceAnalyzer.RequestTimeout)
	if err != nil {
		return fmt.Errorf("construct face analyzer client: %w", err)
	}

	stateDir := cfg.Storage.HotRoot
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create hot root %s: %w", stateDir, err)
	}

	e := &engine.Engine{
		Jobs:     jobstore.NewStore(pool),
		Registry: registry.NewStore(pool, cfg.Worker.EmbeddingCap, cfg.Database.HNSWIndexPath),
		Control:  ctl,
		Progress: progress.New(stateDir, job.TotalImages, time.Now()),
		DecodeCfg: decode.Config{
			RawDecoderPath: cfg.Decode.RawDecoderPath,
			RawDecoderArgs: cfg.Decode.RawDecoderArgs,
			Timeout:        cfg.Decode.DecodeTimeout,
		},
		Analyzer: analyzer,
		Thresholds: matcher.Thresholds{
			Strict: cfg.Worker.StrictBand,
			Loose:  cfg.Worker.LooseBand,
		},
		HotRoot:            cfg.Storage.HotRoot,
		OutputRoot:         job.OutputRoot,
		CentroidShortlistK: cfg.Worker.CentroidShortlistK,
	}

	heartbeatTick := time.NewTicker(cfg.Worker.HeartbeatTick)
	defer heartbeatTick.Stop()
	heartbeatCtx, heartbeatCancel := context.WithCancel(ctx)
	defer heartbeatCancel()
	go func() {
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-heartbeatTick.C:
				_ = progress.WriteHeartbeat(stateDir, "running", time.Now())
			}
		}
	}()

	fmt.Printf("Starting worker for job %d (%s -> %s)\n", job.JobID, job.SourceRoot, job.OutputRoot)
	if err := e.RunJob(ctx, job.JobID); err != nil {
		return fmt.Errorf("run job %d: %w", job.JobID, err)
	}
	fmt.Println("Job finished.")
	return nil
}
