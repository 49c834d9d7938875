package shac

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Classifier is the opaque binary-prediction capability the engine trains and
// composes into a cascade. Any model satisfying this contract is acceptable;
// the engine never inspects a classifier's internals. Implementations must be
// deterministic given a seed and safe for concurrent Predict calls once Fit
// has returned.
type Classifier interface {
	// Fit trains the classifier on encoded vectors X with binary labels y,
	// using seed for any internal randomness. It reports whether training
	// produced a usable model; a false return means the candidate must not be
	// added to a cascade.
	Fit(X [][]float64, y []bool, seed int64) bool

	// Predict returns the accept/reject label for one encoded vector.
	Predict(x []float64) bool

	// Serialize renders the trained classifier to bytes for the
	// classifiers/cls_<i>.bin checkpoint file.
	Serialize() ([]byte, error)
}

// CascadeEntry pairs a trained Classifier with the metadata the engine tracks
// per cascade position.
type CascadeEntry struct {
	ID              string
	Classifier      Classifier
	Version         int
	TrainingSize    int
	ValidationScore *float64
}

// Cascade is the ordered, append-only list of classifiers trained so far. A
// candidate sample is accepted only if every classifier in the cascade labels
// it accepted (a conjunctive filter). Readers should treat a Cascade value as
// an immutable snapshot: the engine never mutates an existing entry, it only
// appends a new one and hands out a fresh slice.
type Cascade []CascadeEntry

// Accepts reports whether every classifier in the cascade accepts the encoded
// vector x. An empty cascade accepts everything (pure uniform sampling).
func (c Cascade) Accepts(x []float64) bool {
	for _, entry := range c {
		if !entry.Classifier.Predict(x) {
			return false
		}
	}
	return true
}

// Truncate returns the first n entries of the cascade, or the whole cascade
// if n <= 0 or n >= len(c). Used by predict(n, max_classifiers_for_predict).
func (c Cascade) Truncate(n int) Cascade {
	if n <= 0 || n >= len(c) {
		return c
	}
	return c[:n]
}

// decisionTreeEnsemble is the reference Classifier: a small bagged ensemble of
// shallow binary decision trees, chosen (per the engine's design notes) for
// deterministic, fast inference and straightforward gob serialization. It
// mirrors the teacher's from-scratch gaussianProcess in spirit: no external ML
// dependency, an RWMutex-guarded struct, and a factory function.
type decisionTreeEnsemble struct {
	mu       sync.RWMutex
	Trees    []*treeNode
	NumTrees int
	MaxDepth int
}

// treeNode is one node of a decisionTreeEnsemble member tree. Leaf nodes carry
// a Label; internal nodes split on FeatureIdx <= Threshold.
type treeNode struct {
	Leaf       bool
	Label      bool
	FeatureIdx int
	Threshold  float64
	Left       *treeNode
	Right      *treeNode
}

// newDecisionTreeEnsemble builds an untrained ensemble of numTrees trees, each
// grown to at most maxDepth splits.
func newDecisionTreeEnsemble(numTrees, maxDepth int) *decisionTreeEnsemble {
	if numTrees < 1 {
		numTrees = 1
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &decisionTreeEnsemble{NumTrees: numTrees, MaxDepth: maxDepth}
}

// Fit grows NumTrees trees, each on a bootstrap resample of (X, y) drawn from
// a PRNG seeded deterministically from seed and the tree's index. Returns
// false without mutating the ensemble if X is empty or y has only one class.
func (e *decisionTreeEnsemble) Fit(X [][]float64, y []bool, seed int64) bool {
	if len(X) == 0 || len(X) != len(y) {
		return false
	}
	if !hasBothLabels(y) {
		return false
	}

	trees := make([]*treeNode, e.NumTrees)
	for t := 0; t < e.NumTrees; t++ {
		rng := rand.New(rand.NewSource(seed ^ int64(t)<<32 ^ int64(t)))
		bootX, bootY := bootstrapSample(X, y, rng)
		trees[t] = buildTree(bootX, bootY, 0, e.MaxDepth)
	}

	e.mu.Lock()
	e.Trees = trees
	e.mu.Unlock()
	return true
}

// Predict returns the majority vote across all trees; ties favor rejection
// (false), the conservative choice for a filter meant to narrow the space.
func (e *decisionTreeEnsemble) Predict(x []float64) bool {
	e.mu.RLock()
	trees := e.Trees
	e.mu.RUnlock()

	var votes int
	for _, tr := range trees {
		if predictTree(tr, x) {
			votes++
		}
	}
	return votes*2 > len(trees)
}

// Serialize gob-encodes the ensemble's trained trees.
func (e *decisionTreeEnsemble) Serialize() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	payload := struct {
		Trees    []*treeNode
		NumTrees int
		MaxDepth int
	}{e.Trees, e.NumTrees, e.MaxDepth}
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeClassifier reconstructs a decisionTreeEnsemble from bytes
// produced by Serialize.
func deserializeClassifier(data []byte) (Classifier, error) {
	var payload struct {
		Trees    []*treeNode
		NumTrees int
		MaxDepth int
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return &decisionTreeEnsemble{Trees: payload.Trees, NumTrees: payload.NumTrees, MaxDepth: payload.MaxDepth}, nil
}

func hasBothLabels(y []bool) bool {
	var sawTrue, sawFalse bool
	for _, v := range y {
		if v {
			sawTrue = true
		} else {
			sawFalse = true
		}
		if sawTrue && sawFalse {
			return true
		}
	}
	return false
}

func bootstrapSample(X [][]float64, y []bool, rng *rand.Rand) ([][]float64, []bool) {
	n := len(X)
	bootX := make([][]float64, n)
	bootY := make([]bool, n)
	for i := 0; i < n; i++ {
		j := rng.Intn(n)
		bootX[i] = X[j]
		bootY[i] = y[j]
	}
	return bootX, bootY
}

// buildTree grows a single tree greedily, splitting on the feature/threshold
// pair that minimizes weighted Gini impurity, stopping at maxDepth or when a
// node is pure.
func buildTree(X [][]float64, y []bool, depth, maxDepth int) *treeNode {
	if depth >= maxDepth || !hasBothLabels(y) || len(X) < 2 {
		return &treeNode{Leaf: true, Label: majorityLabel(y)}
	}

	bestFeature, bestThreshold, bestGini := -1, 0.0, math.Inf(1)
	numFeatures := len(X[0])
	for f := 0; f < numFeatures; f++ {
		thresholds := candidateThresholds(X, f)
		for _, thr := range thresholds {
			leftY, rightY := splitLabels(X, y, f, thr)
			if len(leftY) == 0 || len(rightY) == 0 {
				continue
			}
			g := weightedGini(leftY, rightY)
			if g < bestGini {
				bestGini, bestFeature, bestThreshold = g, f, thr
			}
		}
	}

	if bestFeature < 0 {
		return &treeNode{Leaf: true, Label: majorityLabel(y)}
	}

	leftX, leftY, rightX, rightY := splitRows(X, y, bestFeature, bestThreshold)
	return &treeNode{
		Leaf:       false,
		FeatureIdx: bestFeature,
		Threshold:  bestThreshold,
		Left:       buildTree(leftX, leftY, depth+1, maxDepth),
		Right:      buildTree(rightX, rightY, depth+1, maxDepth),
	}
}

func candidateThresholds(X [][]float64, feature int) []float64 {
	values := make([]float64, len(X))
	for i, row := range X {
		values[i] = row[feature]
	}
	unique := uniqueSorted(values)
	if len(unique) < 2 {
		return nil
	}
	out := make([]float64, len(unique)-1)
	for i := 0; i < len(unique)-1; i++ {
		out[i] = (unique[i] + unique[i+1]) / 2
	}
	return out
}

func uniqueSorted(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	out := sorted[:0]
	var last float64
	for i, v := range sorted {
		if i == 0 || v != last {
			out = append(out, v)
			last = v
		}
	}
	return out
}

func splitLabels(X [][]float64, y []bool, feature int, threshold float64) (left, right []bool) {
	for i, row := range X {
		if row[feature] <= threshold {
			left = append(left, y[i])
		} else {
			right = append(right, y[i])
		}
	}
	return left, right
}

func splitRows(X [][]float64, y []bool, feature int, threshold float64) (lX [][]float64, lY []bool, rX [][]float64, rY []bool) {
	for i, row := range X {
		if row[feature] <= threshold {
			lX = append(lX, row)
			lY = append(lY, y[i])
		} else {
			rX = append(rX, row)
			rY = append(rY, y[i])
		}
	}
	return lX, lY, rX, rY
}

func gini(y []bool) float64 {
	if len(y) == 0 {
		return 0
	}
	var pos int
	for _, v := range y {
		if v {
			pos++
		}
	}
	p := float64(pos) / float64(len(y))
	return 2 * p * (1 - p)
}

func weightedGini(left, right []bool) float64 {
	n := float64(len(left) + len(right))
	return float64(len(left))/n*gini(left) + float64(len(right))/n*gini(right)
}

func majorityLabel(y []bool) bool {
	var pos int
	for _, v := range y {
		if v {
			pos++
		}
	}
	return pos*2 >= len(y)
}

func predictTree(node *treeNode, x []float64) bool {
	for !node.Leaf {
		if x[node.FeatureIdx] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.Label
}

// newCascadeEntry wraps a freshly trained classifier with its metadata,
// stamping a fresh identity via uuid, grounded on the pack's convention
// (dspy-go, protogonos) of giving trained/persisted artifacts a uuid
// identity.
func newCascadeEntry(clf Classifier, version, trainingSize int, validationScore *float64) CascadeEntry {
	return CascadeEntry{
		ID:              uuid.NewString(),
		Classifier:      clf,
		Version:         version,
		TrainingSize:    trainingSize,
		ValidationScore: validationScore,
	}
}
