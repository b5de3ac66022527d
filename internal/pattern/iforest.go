// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package pattern

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// eulerGamma approximates the harmonic number H(i) as ln(i) + gamma.
const eulerGamma = 0.5772156649

// avgPathLength is c(n), the expected path length of an unsuccessful search
// in a binary search tree of n points. It normalizes isolation depths.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

// isoNode is a node of an isolation tree. Leaves have left == -1.
type isoNode struct {
	feature int
	split   float64
	left    int
	right   int
	size    int
}

type isoTree struct {
	nodes []isoNode
}

// pathLength walks x down the tree. Leaves holding more than one training
// point add c(size) for the subtree that was never grown.
func (t *isoTree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := &t.nodes[i]
		if n.left < 0 {
			return float64(depth) + avgPathLength(n.size)
		}
		if x[n.feature] <= n.split {
			i = n.left
		} else {
			i = n.right
		}
		depth++
	}
}

// forest is an isolation forest over scaled feature rows.
type forest struct {
	trees      []isoTree
	sampleSize int
	// offset is subtracted from raw scores so that decision < 0 marks outliers.
	offset float64
}

type treeBuilder struct {
	x        *mat.Dense
	rng      *rand.Rand
	maxDepth int
	nodes    []isoNode
	features []int
}

func (b *treeBuilder) build(idx []int, depth int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, isoNode{left: -1, right: -1, size: len(idx)})
	if depth >= b.maxDepth || len(idx) <= 1 {
		return self
	}

	feature, lo, hi, ok := b.pickFeature(idx)
	if !ok {
		return self
	}
	split := lo + b.rng.Float64()*(hi-lo)

	// Partition in place: values <= split first.
	p := 0
	for i := range idx {
		if b.x.At(idx[i], feature) <= split {
			idx[p], idx[i] = idx[i], idx[p]
			p++
		}
	}
	if p == 0 || p == len(idx) {
		return self
	}

	left := b.build(idx[:p], depth+1)
	right := b.build(idx[p:], depth+1)
	b.nodes[self].feature = feature
	b.nodes[self].split = split
	b.nodes[self].left = left
	b.nodes[self].right = right
	return self
}

// pickFeature tries features in random order and returns the first one that
// is not constant over idx.
func (b *treeBuilder) pickFeature(idx []int) (feature int, lo, hi float64, ok bool) {
	b.rng.Shuffle(len(b.features), func(i, j int) {
		b.features[i], b.features[j] = b.features[j], b.features[i]
	})
	for _, f := range b.features {
		lo, hi = math.Inf(1), math.Inf(-1)
		for _, r := range idx {
			v := b.x.At(r, f)
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi > lo {
			return f, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

// growForest trains cfg.Estimators trees, each on a sample drawn without
// replacement, and calibrates the offset from the training scores.
func growForest(ctx context.Context, x *mat.Dense, cfg Config) (*forest, error) {
	rows, cols := x.Dims()
	sampleSize := cfg.MaxSamples
	if sampleSize <= 0 || sampleSize > rows {
		sampleSize = rows
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	//nolint:gosec // G404: seeded math/rand keeps training reproducible
	rng := rand.New(rand.NewSource(cfg.Seed))
	features := make([]int, cols)
	for i := range features {
		features[i] = i
	}

	f := &forest{trees: make([]isoTree, 0, cfg.Estimators), sampleSize: sampleSize}
	for t := 0; t < cfg.Estimators; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample := rng.Perm(rows)[:sampleSize]
		b := &treeBuilder{x: x, rng: rng, maxDepth: maxDepth, features: features}
		b.build(sample, 0)
		f.trees = append(f.trees, isoTree{nodes: b.nodes})
	}

	scores := f.rawScores(x)
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	f.offset = stat.Quantile(cfg.Contamination, stat.LinInterp, sorted, nil)
	return f, nil
}

// rawScores returns -2^(-E[h(x)]/c(sampleSize)) per row. Values near -1 are
// isolated quickly and therefore anomalous; values near -0.5 are typical.
func (f *forest) rawScores(x *mat.Dense) []float64 {
	rows, _ := x.Dims()
	norm := avgPathLength(f.sampleSize)
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		row := x.RawRowView(r)
		var sum float64
		for i := range f.trees {
			sum += f.trees[i].pathLength(row)
		}
		mean := sum / float64(len(f.trees))
		if norm == 0 {
			out[r] = -1
			continue
		}
		out[r] = -math.Pow(2, -mean/norm)
	}
	return out
}

// decision returns raw score minus offset. Negative values are outliers.
func (f *forest) decision(x *mat.Dense) []float64 {
	scores := f.rawScores(x)
	for i := range scores {
		scores[i] -= f.offset
	}
	return scores
}
