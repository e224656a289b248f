package model

import (
	"fmt"
	"math/rand"
	"sort"
)

// treeNode is one node of a CART regression tree. Leaves carry the mean
// target of their training rows.
type treeNode struct {
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      *treeNode `json:"left,omitempty"`
	Right     *treeNode `json:"right,omitempty"`
	Value     float64   `json:"value"`
	Leaf      bool      `json:"leaf"`
}

// RegressionTree is a variance-reduction CART tree. It is the shared
// building block of the forest and boosting members and is not exposed
// as an ensemble candidate on its own.
type RegressionTree struct {
	Root     *treeNode `json:"root"`
	MaxDepth int       `json:"max_depth"`
	MinLeaf  int       `json:"min_leaf"`
}

type treeOpts struct {
	maxDepth int
	minLeaf  int
	// mtry is the number of candidate features per split; 0 means all.
	mtry int
	rng  *rand.Rand
}

func fitTree(X [][]float64, y []float64, idx []int, o treeOpts) *treeNode {
	node := &treeNode{Value: meanAt(y, idx), Leaf: true}
	if o.maxDepth <= 0 || len(idx) < 2*o.minLeaf {
		return node
	}

	feat, thr, ok := bestSplit(X, y, idx, o)
	if !ok {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feat] <= thr {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < o.minLeaf || len(right) < o.minLeaf {
		return node
	}

	child := o
	child.maxDepth--
	node.Leaf = false
	node.Feature = feat
	node.Threshold = thr
	node.Left = fitTree(X, y, left, child)
	node.Right = fitTree(X, y, right, child)
	return node
}

// bestSplit scans candidate features for the split with the largest
// reduction in sum of squared errors. Candidate thresholds are the
// midpoints between consecutive distinct sorted values.
func bestSplit(X [][]float64, y []float64, idx []int, o treeOpts) (int, float64, bool) {
	d := len(X[0])
	feats := make([]int, d)
	for i := range feats {
		feats[i] = i
	}
	if o.mtry > 0 && o.mtry < d && o.rng != nil {
		o.rng.Shuffle(d, func(i, j int) { feats[i], feats[j] = feats[j], feats[i] })
		feats = feats[:o.mtry]
		sort.Ints(feats) // deterministic iteration after the draw
	}

	parentSSE := sseAt(y, idx)
	bestGain := 1e-12
	bestFeat, bestThr, found := 0, 0.0, false

	order := make([]int, len(idx))
	for _, f := range feats {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool {
			if X[order[a]][f] != X[order[b]][f] {
				return X[order[a]][f] < X[order[b]][f]
			}
			return order[a] < order[b]
		})

		// Running sums allow O(n) evaluation of every threshold.
		var leftSum, leftSq float64
		totSum, totSq := sums(y, order)
		for i := 0; i < len(order)-1; i++ {
			yi := y[order[i]]
			leftSum += yi
			leftSq += yi * yi
			if X[order[i]][f] == X[order[i+1]][f] {
				continue
			}
			nl := float64(i + 1)
			nr := float64(len(order) - i - 1)
			if int(nl) < o.minLeaf || int(nr) < o.minLeaf {
				continue
			}
			sseL := leftSq - leftSum*leftSum/nl
			rightSum := totSum - leftSum
			sseR := (totSq - leftSq) - rightSum*rightSum/nr
			gain := parentSSE - sseL - sseR
			if gain > bestGain {
				bestGain = gain
				bestFeat = f
				bestThr = (X[order[i]][f] + X[order[i+1]][f]) / 2
				found = true
			}
		}
	}
	return bestFeat, bestThr, found
}

func (n *treeNode) predict(x []float64) float64 {
	for !n.Leaf {
		if x[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Value
}

// Predict implements Model.
func (t *RegressionTree) Predict(x []float64) ([]float64, error) {
	if t == nil || t.Root == nil {
		return nil, ErrNotFitted
	}
	return []float64{t.Root.predict(x)}, nil
}

// Kind implements Model.
func (t *RegressionTree) Kind() string { return "cart" }

// Fit trains a single tree on the full index set with no feature
// subsampling.
func (t *RegressionTree) Fit(X [][]float64, y []float64) error {
	if err := validateMatrix(X, y); err != nil {
		return fmt.Errorf("tree fit: %w", err)
	}
	idx := fullIndex(len(X))
	if t.MaxDepth <= 0 {
		t.MaxDepth = 6
	}
	if t.MinLeaf <= 0 {
		t.MinLeaf = 2
	}
	t.Root = fitTree(X, y, idx, treeOpts{maxDepth: t.MaxDepth, minLeaf: t.MinLeaf})
	return nil
}

func fullIndex(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func meanAt(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}

func sseAt(y []float64, idx []int) float64 {
	m := meanAt(y, idx)
	sse := 0.0
	for _, i := range idx {
		sse += (y[i] - m) * (y[i] - m)
	}
	return sse
}

func sums(y []float64, idx []int) (sum, sq float64) {
	for _, i := range idx {
		sum += y[i]
		sq += y[i] * y[i]
	}
	return sum, sq
}
