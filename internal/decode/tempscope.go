package decode

import (
	"os"
)

// TempScope owns the RAW decoder's scratch directory for one batch,
// guaranteeing deletion on every exit path (success, decode error, or a
// panic recovered at the batch boundary) — spec.md §5's "scoped acquisition
// with guaranteed release on every exit path" for temp/ RAW intermediates.
type TempScope struct {
	dir string
}

// NewTempScope returns a scope rooted at dir. The directory is created
// lazily by Decode's decodeRAW path; Close removes it unconditionally.
func NewTempScope(dir string) *TempScope {
	return &TempScope{dir: dir}
}

// Dir returns the scratch directory path.
func (s *TempScope) Dir() string {
	return s.dir
}

// Close removes the scratch directory and everything under it. Safe to
// call even if the directory was never created.
func (s *TempScope) Close() error {
	return os.RemoveAll(s.dir)
}
