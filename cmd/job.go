package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bhaskar-k123/sortface/internal/config"
	"github.com/bhaskar-k123/sortface/internal/control"
	"github.com/bhaskar-k123/sortface/internal/ingest"
	"github.com/bhaskar-k123/sortface/internal/jobstore"
	"github.com/bhaskar-k123/sortface/internal/store"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create and inspect jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create <source-root> <output-root>",
	Short: "Ingest a source tree and create a job ready for the worker",
	Long: `Walks source-root for jpg/jpeg/arw files, hashes each one, partitions
them into fixed-width batches, and writes job_config so the worker knows
where to read from and write to.

Example:
  sortface job create /photos/incoming /photos/sorted`,
	Args: cobra.ExactArgs(2),
	RunE: runJobCreate,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd)

	jobCreateCmd.Flags().Int("hash-workers", 8, "Number of concurrent workers used to hash discovered files")
}

func runJobCreate(cmd *cobra.Command, args []string) error {
	sourceRoot, outputRoot := args[0], args[1]
	workers := mustGetInt(cmd, "hash-workers")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	fmt.Printf("Walking %s...\n", sourceRoot)
	discovered, err := ingest.Walk(sourceRoot)
	if err != nil {
		return fmt.Errorf("walk source root: %w", err)
	}
	fmt.Printf("Found %d candidate files, hashing...\n", len(discovered))

	images, err := ingest.Ingest(ctx, discovered, workers, nil, true)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	jobs := jobstore.NewStore(pool)
	job, err := jobs.CreateJob(ctx, sourceRoot, outputRoot)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jobImages := make([]jobstore.Image, len(images))
	for i, img := range images {
		jobImages[i] = jobstore.Image{
			SourcePath:  img.SourcePath,
			Filename:    img.Filename,
			Extension:   img.Extension,
			SHA256:      img.SHA256,
			OrderingIdx: img.OrderingIdx,
		}
	}
	if err := jobs.RecordTotalImages(ctx, job.JobID, jobImages); err != nil {
		return fmt.Errorf("record images: %w", err)
	}
	if err := jobs.PartitionBatches(ctx, job.JobID, len(jobImages)); err != nil {
		return fmt.Errorf("partition batches: %w", err)
	}

	ctl := control.NewChannel(pool)
	if err := ctl.WriteConfig(ctx, control.JobConfig{
		SourceRoot: sourceRoot,
		OutputRoot: outputRoot,
	}); err != nil {
		return fmt.Errorf("write job config: %w", err)
	}
	if err := jobs.SetJobStatus(ctx, job.JobID, jobstore.JobRunning); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	fmt.Printf("Created job %d with %d images across %d-wide batches.\n", job.JobID, len(jobImages), jobstore.BatchWidth)
	fmt.Println("Start processing with `sortface worker run`.")
	return nil
}
