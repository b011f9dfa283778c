// Package ingest implements component 4.C: deterministic discovery of
// source images, extension filtering, streaming SHA-256, and dense
// ordering_idx assignment.
//
// Unlike a general-purpose file scanner (e.g. a deduplicator walking an
// arbitrary tree with a concurrent fan-out), ingest must produce the SAME
// ordering on every run over the same corpus, so directory traversal here
// is a single sequential pass: walk, collect, sort, assign indices. Only
// the (order-independent) hashing step is parallelised across a bounded
// worker pool.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// acceptedExtensions are the only extensions ingest will discover, matched
// case-insensitively, per spec.md §3 Image.extension.
var acceptedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".arw":  true,
}

// Discovered is one file found under source_root, before hashing.
type Discovered struct {
	SourcePath string
	Filename   string
	Extension  string
}

// Image is a fully-ingested file: path, extension, content hash, and its
// dense position in the deterministic ordering.
type Image struct {
	SourcePath  string
	Filename    string
	Extension   string
	SHA256      string
	OrderingIdx int
}

// hashChunkSize is the streaming read buffer size for SHA-256 (spec.md
// §4.C: "streaming in 1 MiB chunks").
const hashChunkSize = 1 << 20

// Walk recursively discovers every file under root matching the accepted
// extensions, and returns them sorted by byte-wise ordering of the
// normalised absolute source path — the basis for ordering_idx.
func Walk(root string) ([]Discovered, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve source root: %w", err)
	}

	var found []Discovered
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !acceptedExtensions[ext] {
			return nil
		}
		found = append(found, Discovered{
			SourcePath: path,
			Filename:   filepath.Base(path),
			Extension:  ext,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source root: %w", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].SourcePath < found[j].SourcePath })
	return found, nil
}

// HashFile streams a file's content through SHA-256 in fixed-size chunks
// and returns the lowercase hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ExistingChecker reports whether a source path was already ingested for
// the active job, so a prior partial ingest can be resumed without
// re-hashing (spec.md §4.C: "skips files already present").
type ExistingChecker func(sourcePath string) (bool, error)

// Ingest assigns dense ordering_idx values (0-based, by sorted path) to the
// discovered set and hashes every file not already present, using a bounded
// worker pool since hashing is independent per file. showProgress drives a
// terminal spinner in the teacher's progressbar style.
func Ingest(ctx context.Context, discovered []Discovered, workers int, alreadyIngested ExistingChecker, showProgress bool) ([]Image, error) {
	images := make([]Image, len(discovered))
	for i, d := range discovered {
		images[i] = Image{
			SourcePath:  d.SourcePath,
			Filename:    d.Filename,
			Extension:   d.Extension,
			OrderingIdx: i,
		}
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(images),
			progressbar.OptionSetDescription("hashing images"),
			progressbar.OptionShowCount(),
		)
	}

	sem := make(chan struct{}, max(1, workers))
	var wg sync.WaitGroup
	errCh := make(chan error, len(images))

	for i := range images {
		if alreadyIngested != nil {
			ok, err := alreadyIngested(images[i].SourcePath)
			if err != nil {
				return nil, fmt.Errorf("check existing ingest for %s: %w", images[i].SourcePath, err)
			}
			if ok {
				if bar != nil {
					_ = bar.Add(1)
				}
				continue
			}
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			sum, err := HashFile(images[idx].SourcePath)
			if err != nil {
				errCh <- err
				return
			}
			images[idx].SHA256 = sum
			if bar != nil {
				_ = bar.Add(1)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}

	return images, nil
}
