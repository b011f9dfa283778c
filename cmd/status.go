package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bhaskar-k123/sortface/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the worker's progress snapshot and last heartbeat",
	Long: `Reads progress.json and worker_heartbeat.json from the hot root —
the directory the worker writes them to, and the same files a dashboard
would poll — and prints them as formatted JSON.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printJSONFile(label, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Printf("%s: not yet written (%s)\n", label, path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(data, &pretty); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return fmt.Errorf("format %s: %w", path, err)
	}
	fmt.Printf("%s:\n%s\n", label, out)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	stateDir := cfg.Storage.HotRoot

	if err := printJSONFile("progress", filepath.Join(stateDir, "progress.json")); err != nil {
		return err
	}
	if err := printJSONFile("heartbeat", filepath.Join(stateDir, "worker_heartbeat.json")); err != nil {
		return err
	}
	return nil
}
