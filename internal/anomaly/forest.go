package anomaly

import (
	"math"
	"math/rand/v2"
	"sort"
)

const eulerGamma = 0.5772156649

// isolationForest is an ensemble of random isolation trees. Anomalous rows
// are isolated in fewer splits and therefore score lower.
type isolationForest struct {
	trees      []*isoNode
	sampleSize int
	offset     float64
}

type isoNode struct {
	left, right *isoNode
	feature     int
	split       float64
	size        int
}

func fitForest(rows [][]float64, trees, maxSamples int, contamination float64, rng *rand.Rand) *isolationForest {
	sampleSize := maxSamples
	if len(rows) < sampleSize {
		sampleSize = len(rows)
	}
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	f := &isolationForest{trees: make([]*isoNode, 0, trees), sampleSize: sampleSize}
	for i := 0; i < trees; i++ {
		idx := rng.Perm(len(rows))[:sampleSize]
		f.trees = append(f.trees, buildTree(rows, idx, 0, heightLimit, rng))
	}

	training := f.scores(rows)
	sorted := append([]float64(nil), training...)
	sort.Float64s(sorted)
	f.offset = percentile(sorted, contamination)
	return f
}

func buildTree(rows [][]float64, idx []int, depth, limit int, rng *rand.Rand) *isoNode {
	if depth >= limit || len(idx) <= 1 {
		return &isoNode{size: len(idx)}
	}

	width := len(rows[idx[0]])
	candidates := make([]int, 0, width)
	mins := make([]float64, width)
	maxs := make([]float64, width)
	for f := 0; f < width; f++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := rows[i][f]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		mins[f], maxs[f] = lo, hi
		if hi > lo {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{size: len(idx)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := mins[feature] + rng.Float64()*(maxs[feature]-mins[feature])

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if rows[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &isoNode{
		feature: feature,
		split:   split,
		size:    len(idx),
		left:    buildTree(rows, left, depth+1, limit, rng),
		right:   buildTree(rows, right, depth+1, limit, rng),
	}
}

func (n *isoNode) pathLength(row []float64, depth int) float64 {
	if n.left == nil {
		return float64(depth) + averagePathLength(n.size)
	}
	if row[n.feature] < n.split {
		return n.left.pathLength(row, depth+1)
	}
	return n.right.pathLength(row, depth+1)
}

// scores returns -2^(-E[h(x)]/c(psi)) for every row.
func (f *isolationForest) scores(rows [][]float64) []float64 {
	norm := averagePathLength(f.sampleSize)
	if norm == 0 {
		norm = 1
	}
	out := make([]float64, len(rows))
	for r, row := range rows {
		total := 0.0
		for _, tree := range f.trees {
			total += tree.pathLength(row, 0)
		}
		mean := total / float64(len(f.trees))
		out[r] = -math.Pow(2, -mean/norm)
	}
	return out
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n - 1)
	return 2*(math.Log(m)+eulerGamma) - 2*m/float64(n)
}

// percentile returns the linearly interpolated q-quantile of sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
