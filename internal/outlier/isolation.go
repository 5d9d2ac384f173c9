package outlier

import (
	"math"
	"math/rand/v2"
)

// Forest is a fitted isolation forest over standardized features.
type Forest struct {
	SampleSize int     `json:"sampleSize"`
	Threshold  float64 `json:"threshold"` // anomaly-score quantile at 1-contamination
	Trees      []Tree  `json:"trees"`
}

// Tree is one isolation tree stored as a flat node slice; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is an internal split (Feature >= 0) or a leaf (Feature == -1).
type Node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s,omitempty"`
	Left    int     `json:"l,omitempty"`
	Right   int     `json:"r,omitempty"`
	Size    int     `json:"n,omitempty"` // training points that reached the leaf
}

const leaf = -1

// fitForest grows trees on random subsamples of rows and derives the
// outlier threshold from the training scores.
func fitForest(rows [][]float64, trees, sampleSize int, contamination float64, rng *rand.Rand) Forest {
	n := len(rows)
	if sampleSize <= 0 || sampleSize > n {
		sampleSize = n
	}
	if trees <= 0 {
		trees = 1
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	f := Forest{SampleSize: sampleSize, Trees: make([]Tree, trees)}
	for t := range f.Trees {
		perm := rng.Perm(n)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for i, idx := range perm {
			sample[i] = rows[idx]
		}
		b := &treeBuilder{rng: rng, maxDepth: maxDepth}
		b.grow(sample, 0)
		f.Trees[t] = Tree{Nodes: b.nodes}
	}

	scores := make([]float64, n)
	for i, row := range rows {
		scores[i] = f.anomalyScore(row)
	}
	f.Threshold = quantile(scores, 1-contamination)
	return f
}

type treeBuilder struct {
	rng      *rand.Rand
	maxDepth int
	nodes    []Node
}

// grow appends the subtree for rows and returns its node index.
func (b *treeBuilder) grow(rows [][]float64, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: leaf, Size: len(rows)})
	if depth >= b.maxDepth || len(rows) <= 1 {
		return idx
	}

	// Only features that still vary can split the node.
	dims := len(rows[0])
	var candidates []int
	lows := make([]float64, dims)
	highs := make([]float64, dims)
	for j := 0; j < dims; j++ {
		lo, hi := rows[0][j], rows[0][j]
		for _, r := range rows[1:] {
			lo = math.Min(lo, r[j])
			hi = math.Max(hi, r[j])
		}
		lows[j], highs[j] = lo, hi
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return idx
	}

	feature := candidates[b.rng.IntN(len(candidates))]
	split := lows[feature] + b.rng.Float64()*(highs[feature]-lows[feature])

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx] = Node{Feature: feature, Split: split, Left: l, Right: r}
	return idx
}

// pathLength is the depth at which x is isolated, adjusted by c(size) at
// the terminating leaf.
func (t *Tree) pathLength(x []float64) float64 {
	i, depth := 0, 0.0
	for {
		n := t.Nodes[i]
		if n.Feature == leaf {
			return depth + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// anomalyScore is 2^(-E[h(x)]/c(psi)); values near 1 are anomalous.
func (f *Forest) anomalyScore(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0.5
	}
	total := 0.0
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	c := averagePathLength(f.SampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

// decision returns the signed decision value; negative means outlier.
func (f *Forest) decision(x []float64) float64 {
	return f.Threshold - f.anomalyScore(x)
}
