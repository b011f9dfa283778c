// Command sortface is the batch face-recognition engine's entry point: the
// worker, job, registry, control, and status verbs live in the sibling
// cmd package; this file only wires them to os.Exit, the same split
// ivoronin-dupedog's cmd/dupedog/main.go uses between main() and its root
// command construction.
package main

import (
	"github.com/bhaskar-k123/sortface/cmd"
)

func main() {
	cmd.Execute()
}
