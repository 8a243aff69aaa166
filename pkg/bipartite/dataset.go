package bipartite

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/cnclabs/grade/pkg/sparse"
	"github.com/cnclabs/grade/pkg/tensor"
)

// Example is one labeled user-item interaction.
type Example struct {
	User  int
	Item  int
	Label float64
}

// Dataset holds one domain's labeled user-item interactions. Users and items
// are mapped to dense indices in first-seen order; in the node layout shared
// with the model, user nodes occupy rows [0, NumUsers) and item nodes occupy
// rows [NumUsers, NumUsers+NumItems).
type Dataset struct {
	UserHash map[string]int
	UserKeys []string
	ItemHash map[string]int
	ItemKeys []string

	Examples []Example

	NumUsers int
	NumItems int
}

// NewDataset creates an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		UserHash: make(map[string]int),
		UserKeys: make([]string, 0),
		ItemHash: make(map[string]int),
		ItemKeys: make([]string, 0),
		Examples: make([]Example, 0),
	}
}

// LoadExamples loads labeled interactions from file.
// Format: user_id item_id label
// Example: "user123 item456 1"
// A missing label defaults to 1 (positive interaction).
func (d *Dataset) LoadExamples(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %v", filename, err)
	}
	defer file.Close()

	fmt.Println("Loading interactions from:", filename)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}

		label := 1.0
		if len(parts) >= 3 {
			l, err := strconv.ParseFloat(parts[2], 64)
			if err != nil {
				continue
			}
			label = l
		}

		d.Examples = append(d.Examples, Example{
			User:  d.getOrCreateUser(parts[0]),
			Item:  d.getOrCreateItem(parts[1]),
			Label: label,
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read file %s: %v", filename, err)
	}

	fmt.Printf("\t# of users:\t\t%d\n", d.NumUsers)
	fmt.Printf("\t# of items:\t\t%d\n", d.NumItems)
	fmt.Printf("\t# of interactions:\t%d\n", len(d.Examples))
	return nil
}

func (d *Dataset) getOrCreateUser(name string) int {
	if id, ok := d.UserHash[name]; ok {
		return id
	}
	id := d.NumUsers
	d.UserHash[name] = id
	d.UserKeys = append(d.UserKeys, name)
	d.NumUsers++
	return id
}

func (d *Dataset) getOrCreateItem(name string) int {
	if id, ok := d.ItemHash[name]; ok {
		return id
	}
	id := d.NumItems
	d.ItemHash[name] = id
	d.ItemKeys = append(d.ItemKeys, name)
	d.NumItems++
	return id
}

// NumNodes returns the size of the shared user+item node set.
func (d *Dataset) NumNodes() int {
	return d.NumUsers + d.NumItems
}

// Adjacency builds the symmetrically normalized adjacency
// D^-1/2 (A + I) D^-1/2 over the user+item node set, with one undirected
// edge per positively labeled interaction.
func (d *Dataset) Adjacency() *sparse.CSR {
	n := d.NumNodes()

	seen := make(map[[2]int]bool)
	degree := make([]float64, n)
	edges := make([][2]int, 0, len(d.Examples))
	for _, ex := range d.Examples {
		if ex.Label <= 0 {
			continue
		}
		u, v := ex.User, d.NumUsers+ex.Item
		key := [2]int{u, v}
		if seen[key] {
			continue
		}
		seen[key] = true
		edges = append(edges, key)
		degree[u]++
		degree[v]++
	}
	for i := range degree {
		degree[i]++ // self loop
	}

	norm := make([]float64, n)
	for i, deg := range degree {
		norm[i] = 1.0 / math.Sqrt(deg)
	}

	entries := make([]sparse.Entry, 0, 2*len(edges)+n)
	for i := 0; i < n; i++ {
		entries = append(entries, sparse.Entry{Row: i, Col: i, Val: norm[i] * norm[i]})
	}
	for _, e := range edges {
		u, v := e[0], e[1]
		w := norm[u] * norm[v]
		entries = append(entries, sparse.Entry{Row: u, Col: v, Val: w})
		entries = append(entries, sparse.Entry{Row: v, Col: u, Val: w})
	}
	return sparse.New(n, n, entries)
}

// Features returns one-hot node features of the given width, the usual
// choice when no side information is available. width must be at least
// NumNodes; a width above that zero-pads, which lets two domains of
// different sizes share one feature width.
func (d *Dataset) Features(width int) *tensor.Tensor {
	n := d.NumNodes()
	data := make([]float64, n*width)
	for i := 0; i < n; i++ {
		data[i*width+i] = 1
	}
	return tensor.Const(n, width, data)
}

// LoadFeatures reads a dense node feature matrix from file, one
// whitespace-separated row per node in user-then-item order. All rows must
// have the same width and the row count must equal NumNodes.
func (d *Dataset) LoadFeatures(filename string) (*tensor.Tensor, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %v", filename, err)
	}
	defer file.Close()

	var data []float64
	rows, cols := 0, 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if rows == 0 {
			cols = len(parts)
		} else if len(parts) != cols {
			return nil, fmt.Errorf("feature row %d has %d values, want %d", rows, len(parts), cols)
		}
		for _, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("bad feature value %q on row %d: %v", p, rows, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file %s: %v", filename, err)
	}
	if rows != d.NumNodes() {
		return nil, fmt.Errorf("feature matrix has %d rows, want %d nodes", rows, d.NumNodes())
	}
	return tensor.Const(rows, cols, data), nil
}

// Batches returns the examples shuffled and split into batches of at most
// size examples each.
func (d *Dataset) Batches(size int, rng *rand.Rand) [][]Example {
	shuffled := make([]Example, len(d.Examples))
	copy(shuffled, d.Examples)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	batches := make([][]Example, 0, (len(shuffled)+size-1)/size)
	for start := 0; start < len(shuffled); start += size {
		end := start + size
		if end > len(shuffled) {
			end = len(shuffled)
		}
		batches = append(batches, shuffled[start:end])
	}
	return batches
}
