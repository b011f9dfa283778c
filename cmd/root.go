package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sortface",
	Short: "A batch face-recognition engine for sorting large photo collections",
	Long: `sortface walks a source photo tree, detects and embeds faces with a
local CPU-only model, matches them against a registry of known people, and
routes each photo into per-person (or group) output folders — resumably,
in fixed-width batches, with a commit log guaranteeing every write is
verified before it is considered done.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
