package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bhaskar-k123/sortface/internal/compress"
	"github.com/bhaskar-k123/sortface/internal/config"
	"github.com/bhaskar-k123/sortface/internal/decode"
	"github.com/bhaskar-k123/sortface/internal/faceanalyzer"
	"github.com/bhaskar-k123/sortface/internal/registry"
	"github.com/bhaskar-k123/sortface/internal/store"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage the person registry",
}

var registryAddPersonCmd = &cobra.Command{
	Use:   "add-person <display-name> <output-folder> <reference-photo>",
	Short: "Add a new person with one reference photo",
	Long: `Detects the single face in reference-photo, stores it as the
person's first reference embedding, and seeds their centroid.

Example:
  sortface registry add-person "Ada Lovelace" ada ./reference/ada.jpg`,
	Args: cobra.ExactArgs(3),
	RunE: runRegistryAddPerson,
}

var registryAddReferenceCmd = &cobra.Command{
	Use:   "add-reference <person-id> <reference-photo>",
	Short: "Add another reference embedding to an existing person",
	Args:  cobra.ExactArgs(2),
	RunE:  runRegistryAddReference,
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every person in the registry",
	RunE:  runRegistryList,
}

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryAddPersonCmd, registryAddReferenceCmd, registryListCmd)
}

func connectRegistry(ctx context.Context, cfg *config.Config) (*registry.Store, func(), error) {
	pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return registry.NewStore(pool, cfg.Worker.EmbeddingCap, cfg.Database.HNSWIndexPath), pool.Close, nil
}

// embeddingForPhoto decodes, compresses, and analyzes one reference photo,
// returning its single detected face embedding. Multiple or zero faces are
// treated as operator error, since a reference photo must show exactly one
// person (spec.md §4.A).
func embeddingForPhoto(ctx context.Context, cfg *config.Config, analyzer *faceanalyzer.Client, photoPath string) ([]float32, error) {
	img, err := decode.Decode(ctx, decode.Config{
		RawDecoderPath: cfg.Decode.RawDecoderPath,
		RawDecoderArgs: cfg.Decode.RawDecoderArgs,
		Timeout:        cfg.Decode.DecodeTimeout,
	}, photoPath, "")
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", photoPath, err)
	}

	jpegBytes, err := compress.Compress(img)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", photoPath, err)
	}

	faces, err := analyzer.Analyze(ctx, jpegBytes)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", photoPath, err)
	}
	if len(faces) != 1 {
		return nil, fmt.Errorf("expected exactly 1 face in %s, found %d", photoPath, len(faces))
	}
	return faces[0].Embedding, nil
}

func runRegistryAddPerson(cmd *cobra.Command, args []string) error {
	displayName, outputFolder, photoPath := args[0], args[1], args[2]

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := context.Background()

	analyzer, err := faceanalyzer.New(cfg.FaceAnalyzer.URL, cfg.FaceAnalyzer.MinDetectionScore, cfg.FaceAnalyzer.RequestTimeout)
	if err != nil {
		return fmt.Errorf("construct face analyzer client: %w", err)
	}
	embedding, err := embeddingForPhoto(ctx, cfg, analyzer, photoPath)
	if err != nil {
		return err
	}

	reg, closePool, err := connectRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	person, err := reg.AddPerson(ctx, displayName, outputFolder, embedding)
	if err != nil {
		return fmt.Errorf("add person: %w", err)
	}
	fmt.Printf("Added person %d: %s -> %s/\n", person.PersonID, person.DisplayName, person.OutputFolderRel)
	return nil
}

func runRegistryAddReference(cmd *cobra.Command, args []string) error {
	var personID int64
	if _, err := fmt.Sscanf(args[0], "%d", &personID); err != nil {
		return fmt.Errorf("invalid person id %q: %w", args[0], err)
	}
	photoPath := args[1]

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := context.Background()

	analyzer, err := faceanalyzer.New(cfg.FaceAnalyzer.URL, cfg.FaceAnalyzer.MinDetectionScore, cfg.FaceAnalyzer.RequestTimeout)
	if err != nil {
		return fmt.Errorf("construct face analyzer client: %w", err)
	}
	embedding, err := embeddingForPhoto(ctx, cfg, analyzer, photoPath)
	if err != nil {
		return err
	}

	reg, closePool, err := connectRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	if err := reg.AddReference(ctx, personID, embedding); err != nil {
		return fmt.Errorf("add reference: %w", err)
	}
	fmt.Printf("Added reference embedding to person %d.\n", personID)
	return nil
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := context.Background()

	reg, closePool, err := connectRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePool()

	persons, err := reg.List(ctx)
	if err != nil {
		return fmt.Errorf("list persons: %w", err)
	}
	for _, p := range persons {
		fmt.Printf("%d\t%s\t%s\n", p.PersonID, p.DisplayName, p.OutputFolderRel)
	}
	return nil
}
