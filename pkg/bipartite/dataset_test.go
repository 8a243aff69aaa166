package bipartite

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExamples(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExamples(t *testing.T) {
	path := writeExamples(t, "u1 i1 1\nu1 i2 0\nu2 i1 1\n")
	d := NewDataset()

	require.NoError(t, d.LoadExamples(path))

	assert.Equal(t, 2, d.NumUsers)
	assert.Equal(t, 2, d.NumItems)
	require.Len(t, d.Examples, 3)
	assert.Equal(t, Example{User: 0, Item: 0, Label: 1}, d.Examples[0])
	assert.Equal(t, Example{User: 0, Item: 1, Label: 0}, d.Examples[1])
	assert.Equal(t, Example{User: 1, Item: 0, Label: 1}, d.Examples[2])
}

func TestLoadExamplesDefaultLabel(t *testing.T) {
	path := writeExamples(t, "u1 i1\n")
	d := NewDataset()

	require.NoError(t, d.LoadExamples(path))

	require.Len(t, d.Examples, 1)
	assert.Equal(t, 1.0, d.Examples[0].Label)
}

func TestLoadExamplesMissingFile(t *testing.T) {
	d := NewDataset()

	assert.Error(t, d.LoadExamples(filepath.Join(t.TempDir(), "missing.txt")))
}

func TestAdjacencyNormalization(t *testing.T) {
	// One user, one item, one positive edge. Both nodes have degree 2
	// after the self loop, so every entry is 1/sqrt(2*2) = 0.5.
	path := writeExamples(t, "u1 i1 1\n")
	d := NewDataset()
	require.NoError(t, d.LoadExamples(path))

	adj := d.Adjacency()

	rows, cols := adj.Dims()
	require.Equal(t, 2, rows)
	require.Equal(t, 2, cols)
	assert.InDelta(t, 0.5, adj.At(0, 0), 1e-12)
	assert.InDelta(t, 0.5, adj.At(0, 1), 1e-12)
	assert.InDelta(t, 0.5, adj.At(1, 0), 1e-12)
	assert.InDelta(t, 0.5, adj.At(1, 1), 1e-12)
}

func TestAdjacencySkipsNegativesAndDuplicates(t *testing.T) {
	path := writeExamples(t, "u1 i1 1\nu1 i1 1\nu1 i2 0\n")
	d := NewDataset()
	require.NoError(t, d.LoadExamples(path))

	adj := d.Adjacency()

	// Nodes: u1, then items i1, i2. The duplicate edge counts once and the
	// negative example contributes no edge, so i2 only has its self loop.
	assert.Equal(t, 0.0, adj.At(0, 2))
	assert.Equal(t, 1.0, adj.At(2, 2))
	assert.InDelta(t, 1/math.Sqrt(4), adj.At(0, 1), 1e-12)
}

func TestFeaturesOneHotPadded(t *testing.T) {
	path := writeExamples(t, "u1 i1 1\n")
	d := NewDataset()
	require.NoError(t, d.LoadExamples(path))

	f := d.Features(5)

	require.Equal(t, 2, f.Rows())
	require.Equal(t, 5, f.Cols())
	assert.Equal(t, 1.0, f.At(0, 0))
	assert.Equal(t, 1.0, f.At(1, 1))
	assert.Equal(t, 0.0, f.At(0, 1))
	assert.Equal(t, 0.0, f.At(1, 4))
}

func TestLoadFeatures(t *testing.T) {
	d := NewDataset()
	require.NoError(t, d.LoadExamples(writeExamples(t, "u1 i1 1\n")))

	featPath := filepath.Join(t.TempDir(), "feats.txt")
	require.NoError(t, os.WriteFile(featPath, []byte("0.1 0.2 0.3\n0.4 0.5 0.6\n"), 0o644))

	f, err := d.LoadFeatures(featPath)
	require.NoError(t, err)
	require.Equal(t, 2, f.Rows())
	require.Equal(t, 3, f.Cols())
	assert.Equal(t, 0.5, f.At(1, 1))
}

func TestLoadFeaturesRowCountMismatch(t *testing.T) {
	d := NewDataset()
	require.NoError(t, d.LoadExamples(writeExamples(t, "u1 i1 1\n")))

	featPath := filepath.Join(t.TempDir(), "feats.txt")
	require.NoError(t, os.WriteFile(featPath, []byte("0.1 0.2\n"), 0o644))

	_, err := d.LoadFeatures(featPath)
	assert.Error(t, err)
}

func TestBatchesCoverAllExamples(t *testing.T) {
	d := NewDataset()
	for i := 0; i < 10; i++ {
		d.Examples = append(d.Examples, Example{User: i, Item: i, Label: 1})
	}

	rng := rand.New(rand.NewSource(1))
	batches := d.Batches(3, rng)

	require.Len(t, batches, 4)
	seen := make(map[int]bool)
	total := 0
	for _, b := range batches {
		total += len(b)
		for _, ex := range b {
			seen[ex.User] = true
		}
	}
	assert.Equal(t, 10, total)
	assert.Len(t, seen, 10)
}
