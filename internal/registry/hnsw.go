package registry

import (
	"os"
	"sync"

	"github.com/coder/hnsw"
)

// hnswMaxNeighbors (M) mirrors kozaktomas/photo-sorter's
// internal/database.HNSWMaxNeighbors.
const hnswMaxNeighbors = 16

// centroidIndex is the optional in-memory accelerator SPEC_FULL §3
// describes: an approximate nearest-neighbour graph over person
// centroids, consulted only to shortlist candidates before MatchFace
// recomputes the exact distance on every shortlisted centroid.
// ShortlistCentroids bypasses the index whenever the registry holds no
// more than k centroids or the index has not been built. Above k, the
// shortlist is approximate and can leave out a face's exact nearest
// centroid, in which case the face is matched against the nearest
// shortlisted one instead.
type centroidIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[int64]
	savedGraph *hnsw.SavedGraph[int64] // set instead of graph after load()
	path       string
}

func newCentroidIndex(path string) *centroidIndex {
	return &centroidIndex{path: path}
}

// rebuild replaces the index wholesale from the current centroid set and,
// if a path was configured, persists it — mirroring
// HNSWIndex.BuildFromFaces + Save in the teacher's hnsw_index.go.
func (ci *centroidIndex) rebuild(centroids []Centroid) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	if len(centroids) == 0 {
		ci.graph = nil
		ci.savedGraph = nil
		if ci.path != "" {
			_ = os.Remove(ci.path)
		}
		return
	}

	g := hnsw.NewGraph[int64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.CosineDistance

	for _, c := range centroids {
		if len(c.Vector) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(c.PersonID, c.Vector))
	}
	ci.graph = g
	ci.savedGraph = nil

	if ci.path != "" {
		if f, err := os.Create(ci.path); err == nil {
			_ = g.Export(f)
			f.Close()
		}
	}
}

// load restores a previously saved graph at startup, if one exists.
// Missing or unreadable files are not errors: the index rebuilds itself
// from the database on the next mutation regardless.
func (ci *centroidIndex) load() {
	if ci.path == "" {
		return
	}
	if _, err := os.Stat(ci.path); err != nil {
		return
	}
	saved, err := hnsw.LoadSavedGraph[int64](ci.path)
	if err != nil {
		return
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.savedGraph = saved
	ci.graph = nil
}

// shortlist returns up to k approximate-nearest person IDs for query, or
// nil if the index hasn't been built or loaded yet.
func (ci *centroidIndex) shortlist(query []float32, k int) []int64 {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	var neighbors []hnsw.Node[int64]
	switch {
	case ci.savedGraph != nil:
		neighbors = ci.savedGraph.Search(query, k)
	case ci.graph != nil:
		neighbors = ci.graph.Search(query, k)
	default:
		return nil
	}

	ids := make([]int64, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.Key
	}
	return ids
}
