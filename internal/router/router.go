// Package router implements component 4.H: the fan-out copy protocol from
// a staged artifact to one or more output folders, with the five-step
// commit-log lifecycle (pending -> written -> verified) and atomic,
// never-overwrite-differing-content destination writes.
//
// Grounded on ivoronin-dupedog's internal/deduper (verify-before-mutate,
// atomic replacement discipline) and internal/verifier (streaming SHA-256
// sampling), adapted from dupedog's hardlink-based dedup to a content copy
// since the output tree here is cold/append-only storage rather than a
// dedup target on the same filesystem.
package router

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Target names a commit-log destination: either a person's output folder
// or the single group folder (spec.md §4.F group mode).
type Target struct {
	ImageID        int64
	PersonID       *int64 // nil in group mode
	FolderRel      string
	OrderingIdx    int
	SHA256         string
}

// OutputFilename computes the deterministic filename
// <ordering_idx:06d>_<sha256[:12]>.jpg (spec.md §4.H step 1 / P3).
func OutputFilename(orderingIdx int, sha256Hex string) string {
	prefix := sha256Hex
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("%06d_%s.jpg", orderingIdx, prefix)
}

// Copy performs steps 3-4 of spec.md §4.H for one target: copy the staged
// artifact to its destination (skipping if an identical file already
// exists, never overwriting differing content) and fsync it. It does not
// verify the result; step 5 is Verify. Returns the destination path.
//
// stagedPath must already exist (component G's output); outputRoot is the
// cold output_root from JobConfig.
func Copy(stagedPath, outputRoot string, t Target) (string, error) {
	destDir := filepath.Join(outputRoot, t.FolderRel)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create output folder %s: %w", destDir, err)
	}
	destPath := filepath.Join(destDir, OutputFilename(t.OrderingIdx, t.SHA256))

	if existing, err := os.Stat(destPath); err == nil {
		staged, err := os.Stat(stagedPath)
		if err != nil {
			return "", fmt.Errorf("stat staged artifact %s: %w", stagedPath, err)
		}
		if existing.Size() == staged.Size() {
			same, err := sameContent(stagedPath, destPath)
			if err != nil {
				return "", err
			}
			if same {
				return destPath, nil
			}
		}
		return "", fmt.Errorf("refusing to overwrite %s: existing content differs from staged artifact", destPath)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat %s: %w", destPath, err)
	}

	if err := atomicCopy(stagedPath, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// atomicCopy writes src's bytes to a temp file in dst's directory, fsyncs
// it, then renames it into place — the destination is never partially
// visible at its final path (spec.md P1/P5).
func atomicCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open staged artifact %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", filepath.Dir(dst), err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s to temp: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file for %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename into place %s: %w", dst, err)
	}
	return nil
}

// sameContent compares two files' SHA-256 digests.
func sameContent(a, b string) (bool, error) {
	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify re-confirms a destination is non-empty and matches the staged
// artifact's hash — spec.md §4.H step 5 and the basis of reconciliation.
func Verify(stagedPath, destPath string) (bool, error) {
	info, err := os.Stat(destPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", destPath, err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	same, err := sameContent(stagedPath, destPath)
	if err != nil {
		return false, err
	}
	return same, nil
}
