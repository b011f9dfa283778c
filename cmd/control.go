package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bhaskar-k123/sortface/internal/config"
	"github.com/bhaskar-k123/sortface/internal/control"
	"github.com/bhaskar-k123/sortface/internal/store"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Read or set the worker's control signal",
}

var controlSignalCmd = &cobra.Command{
	Use:   "signal <run|stop|terminate>",
	Short: "Set the control signal the worker polls between units of work",
	Long: `Sets job_config.control. The worker reads this flag between batches
and at the start of each image's PROCESSING; a batch that has reached
COMMITTING always runs to COMMITTED.

  run       resume normal processing
  stop      finish the current batch, then halt
  terminate halt before the next image, resetting a PROCESSING batch to PENDING`,
	Args: cobra.ExactArgs(1),
	RunE: runControlSignal,
}

var controlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current control signal",
	RunE:  runControlStatus,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.AddCommand(controlSignalCmd, controlStatusCmd)
}

func connectControl(ctx context.Context, cfg *config.Config) (*control.Channel, func(), error) {
	pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return control.NewChannel(pool), pool.Close, nil
}

func runControlSignal(cmd *cobra.Command, args []string) error {
	sig := control.Signal(args[0])
	switch sig {
	case control.SignalRun, control.SignalStop, control.SignalTerminate:
	default:
		return fmt.Errorf("unknown signal %q, expected run, stop, or terminate", args[0])
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := context.Background()

	ctl, closePool, err := connectControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	if err := ctl.Set(ctx, sig); err != nil {
		return fmt.Errorf("set control signal: %w", err)
	}
	fmt.Printf("Control signal set to %q.\n", sig)
	return nil
}

func runControlStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := context.Background()

	ctl, closePool, err := connectControl(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	sig, err := ctl.Read(ctx)
	if err != nil {
		return fmt.Errorf("read control signal: %w", err)
	}
	fmt.Println(sig)
	return nil
}
