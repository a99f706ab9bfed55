package analytics

import (
	"math"
	"math/rand"
	"sort"
)

// forest is a bagged ensemble of depth-limited regression trees. On 0/1
// labels the averaged leaf values behave as a probability estimate, which
// covers both the failure classifier and the duration regressor.
type forest struct {
	trees       []*treeNode
	importances [featureCount]float64
}

type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
	value     float64
	leaf      bool
}

type forestParams struct {
	trees      int
	maxDepth   int
	minLeaf    int
	featureSub int
	seed       int64
}

func defaultForestParams() forestParams {
	return forestParams{trees: 25, maxDepth: 6, minLeaf: 2, featureSub: 3, seed: 1}
}

// fitForest trains on scaled feature rows and float labels.
func fitForest(x [][]float64, y []float64, params forestParams) *forest {
	f := &forest{}
	rng := rand.New(rand.NewSource(params.seed))
	n := len(x)

	for t := 0; t < params.trees; t++ {
		// bootstrap sample
		bx := make([][]float64, n)
		by := make([]float64, n)
		for i := 0; i < n; i++ {
			j := rng.Intn(n)
			bx[i] = x[j]
			by[i] = y[j]
		}
		f.trees = append(f.trees, f.grow(bx, by, 0, params, rng))
	}

	total := 0.0
	for _, imp := range f.importances {
		total += imp
	}
	if total > 0 {
		for i := range f.importances {
			f.importances[i] /= total
		}
	}
	return f
}

func (f *forest) grow(x [][]float64, y []float64, depth int, params forestParams, rng *rand.Rand) *treeNode {
	if depth >= params.maxDepth || len(y) <= params.minLeaf || allEqual(y) {
		return &treeNode{leaf: true, value: mean(y)}
	}

	feature, threshold, gain := f.bestSplit(x, y, params, rng)
	if gain <= 0 {
		return &treeNode{leaf: true, value: mean(y)}
	}
	f.importances[feature] += gain

	var lx, rx [][]float64
	var ly, ry []float64
	for i := range x {
		if x[i][feature] <= threshold {
			lx = append(lx, x[i])
			ly = append(ly, y[i])
		} else {
			rx = append(rx, x[i])
			ry = append(ry, y[i])
		}
	}
	if len(ly) == 0 || len(ry) == 0 {
		return &treeNode{leaf: true, value: mean(y)}
	}
	return &treeNode{
		feature:   feature,
		threshold: threshold,
		left:      f.grow(lx, ly, depth+1, params, rng),
		right:     f.grow(rx, ry, depth+1, params, rng),
	}
}

// bestSplit scans a random feature subset for the split with the largest
// variance reduction.
func (f *forest) bestSplit(x [][]float64, y []float64, params forestParams, rng *rand.Rand) (feature int, threshold, gain float64) {
	parentVar := populationVariance(y) * float64(len(y))
	feature = -1

	candidates := rng.Perm(featureCount)[:params.featureSub]
	for _, fi := range candidates {
		values := make([]float64, len(x))
		for i := range x {
			values[i] = x[i][fi]
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)

		for i := 1; i < len(sorted); i++ {
			if sorted[i] == sorted[i-1] {
				continue
			}
			t := (sorted[i] + sorted[i-1]) / 2

			var ly, ry []float64
			for j := range x {
				if x[j][fi] <= t {
					ly = append(ly, y[j])
				} else {
					ry = append(ry, y[j])
				}
			}
			childVar := populationVariance(ly)*float64(len(ly)) + populationVariance(ry)*float64(len(ry))
			if g := parentVar - childVar; g > gain {
				feature, threshold, gain = fi, t, g
			}
		}
	}
	if feature < 0 {
		return 0, 0, 0
	}
	return feature, threshold, gain
}

// predict averages the trees' leaf values.
func (f *forest) predict(x []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, tree := range f.trees {
		node := tree
		for !node.leaf {
			if x[node.feature] <= node.threshold {
				node = node.left
			} else {
				node = node.right
			}
		}
		sum += node.value
	}
	return sum / float64(len(f.trees))
}

// contributions scores each feature's weight in one prediction as its
// trained importance scaled by the input's deviation from center.
func (f *forest) contributions(x []float64) [featureCount]float64 {
	var out [featureCount]float64
	for i := 0; i < featureCount && i < len(x); i++ {
		out[i] = f.importances[i] * math.Abs(x[i])
	}
	return out
}

func allEqual(y []float64) bool {
	for i := 1; i < len(y); i++ {
		if y[i] != y[0] {
			return false
		}
	}
	return true
}
