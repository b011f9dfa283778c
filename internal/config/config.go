// Package config loads the engine's environment-driven configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates every section of engine configuration.
type Config struct {
	Database     DatabaseConfig
	Worker       WorkerConfig
	Decode       DecodeConfig
	FaceAnalyzer FaceAnalyzerConfig
	Storage      StorageConfig
}

// DatabaseConfig describes the PostgreSQL connection backing the registry
// and job stores.
type DatabaseConfig struct {
	URL                 string // PostgreSQL connection URL
	MaxOpenConns        int    // Maximum open connections (default 10)
	MaxIdleConns        int    // Maximum idle connections (default 2)
	HNSWIndexPath       string // Path to persist the optional centroid HNSW accelerator
	BusyRetryAttempts   int    // Retries for "database busy" errors; not read by any component
	BusyRetryBackoffCap time.Duration
}

// WorkerConfig governs the batch engine's tunables.
type WorkerConfig struct {
	BatchWidth         int           // B (default 50); not read by any component, batches use jobstore.BatchWidth
	EmbeddingCap       int           // K, max embeddings retained per person (default 10)
	StrictBand         float64       // distance <= StrictBand classifies STRICT
	LooseBand          float64       // StrictBand < distance <= LooseBand classifies LOOSE
	HeartbeatTick      time.Duration // heartbeat cadence (default 1s)
	CommitRetries      int           // not read by any component; the engine's commit retries use a fixed 3 attempts
	CommitBackoff      time.Duration // not read by any component; the engine's commit retries wait a fixed 1s
	CentroidShortlistK int           // candidates the HNSW accelerator may shortlist before exact recompute
}

// DecodeConfig governs the decoder's RAW demosaic tool invocation.
type DecodeConfig struct {
	RawDecoderPath string // path to the external RAW-to-JPEG CLI tool (darktable-cli)
	RawDecoderArgs []string
	DecodeTimeout  time.Duration
}

// FaceAnalyzerConfig points at the local CPU-only face detection/embedding server.
type FaceAnalyzerConfig struct {
	URL               string  // e.g. http://localhost:8000
	Dim               int     // embedding dimensionality, defaults to 512
	MinDetectionScore float64 // faces below this score are discarded
	RequestTimeout    time.Duration
}

// StorageConfig names the hot/cold roots described in SPEC_FULL §6.
type StorageConfig struct {
	HotRoot                 string // staging/, temp/, progress.json, worker_heartbeat.json
	MinFreeMiBPerBatchWidth int
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a float64.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable and parses it as a duration
// (e.g. "5s", "250ms"). Returns the default value if unset or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envString reads an environment variable, falling back to defaultVal.
func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Load populates Config from the environment. .env is loaded by the caller
// (see cmd/root.go's cobra.OnInitialize hook) before Load runs.
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:                 os.Getenv("DATABASE_URL"),
			MaxOpenConns:        envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:        envInt("DATABASE_MAX_IDLE_CONNS", 2),
			HNSWIndexPath:       os.Getenv("HNSW_INDEX_PATH"),
			BusyRetryAttempts:   envInt("DATABASE_BUSY_RETRY_ATTEMPTS", 5),
			BusyRetryBackoffCap: envDuration("DATABASE_BUSY_BACKOFF_CAP", 10*time.Second),
		},
		Worker: WorkerConfig{
			BatchWidth:         envInt("WORKER_BATCH_WIDTH", 50),
			EmbeddingCap:       envInt("WORKER_EMBEDDING_CAP", 10),
			StrictBand:         envFloat("WORKER_STRICT_BAND", 0.80),
			LooseBand:          envFloat("WORKER_LOOSE_BAND", 1.00),
			HeartbeatTick:      envDuration("WORKER_HEARTBEAT_TICK", time.Second),
			CommitRetries:      envInt("WORKER_COMMIT_RETRIES", 3),
			CommitBackoff:      envDuration("WORKER_COMMIT_BACKOFF", time.Second),
			CentroidShortlistK: envInt("WORKER_CENTROID_SHORTLIST_K", 64),
		},
		Decode: DecodeConfig{
			RawDecoderPath: envString("RAW_DECODER_PATH", "darktable-cli"),
			RawDecoderArgs: nil,
			DecodeTimeout:  envDuration("RAW_DECODE_TIMEOUT", 60*time.Second),
		},
		FaceAnalyzer: FaceAnalyzerConfig{
			URL:               envString("FACE_ANALYZER_URL", "http://localhost:8000"),
			Dim:               envInt("FACE_EMBEDDING_DIM", 512),
			MinDetectionScore: envFloat("FACE_MIN_DETECTION_SCORE", 0.5),
			RequestTimeout:    envDuration("FACE_ANALYZER_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			HotRoot:                 envString("HOT_ROOT", "./hot"),
			MinFreeMiBPerBatchWidth: envInt("MIN_FREE_MIB_PER_BATCH_WIDTH", 10),
		},
	}
}

// Validate checks that configuration required to start a job is present.
// Commands return its error from RunE, so a validation failure exits with
// status 1 like any other command error (see cmd.Execute); no command
// exits with status 2.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	if c.Storage.HotRoot == "" {
		return fmt.Errorf("HOT_ROOT is not set")
	}
	return nil
}
