package shac

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/exp/constraints"
)

// Objective selects whether a lower or a higher score is better.
type Objective string

const (
	ObjectiveMin Objective = "min"
	ObjectiveMax Objective = "max"
)

// Record is one (sample, score) observation.
type Record struct {
	Sample Sample
	Score  float64
}

// Fold is one stratified train/validation split, as row indices into the
// batch the fold was computed over.
type Fold struct {
	TrainIdx []int
	ValIdx   []int
}

// Stats summarizes a set of scores.
type Stats struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

// Dataset is an append-only, ordered store of (sample, score) records that all
// conform to a fixed ParameterSpace schema. It is exclusively mutated by an
// engine's control thread; workers return scores, never append directly.
type Dataset struct {
	mu      sync.RWMutex
	space   *ParameterSpace
	records []Record
}

// NewDataset creates an empty Dataset bound to space.
func NewDataset(space *ParameterSpace) *Dataset {
	return &Dataset{space: space}
}

// Append validates s against the dataset's schema and adds one record. O(1)
// amortized.
func (d *Dataset) Append(s Sample, score float64) error {
	if err := d.space.Validate(s); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, Record{Sample: s.Clone(), Score: score})
	return nil
}

// AppendScore is a convenience for callers holding a score of any numeric
// type (as evaluation functions commonly do before normalizing to float64).
func AppendScore[T constraints.Integer | constraints.Float](d *Dataset, s Sample, score T) error {
	return d.Append(s, float64(score))
}

// Size returns the number of stored records.
func (d *Dataset) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Snapshot returns a copy of all stored records, in append order.
func (d *Dataset) Snapshot() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

// Batch returns a copy of the most recently appended n records, in append
// order. If n exceeds the dataset size, the whole dataset is returned.
func (d *Dataset) Batch(n int) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n > len(d.records) {
		n = len(d.records)
	}
	start := len(d.records) - n
	out := make([]Record, n)
	copy(out, d.records[start:])
	return out
}

// Stats computes score statistics over the full dataset history.
func (d *Dataset) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return statsOf(d.records)
}

func statsOf(records []Record) Stats {
	if len(records) == 0 {
		return Stats{}
	}
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, r := range records {
		if r.Score < s.Min {
			s.Min = r.Score
		}
		if r.Score > s.Max {
			s.Max = r.Score
		}
		sum += r.Score
	}
	s.Count = len(records)
	s.Mean = sum / float64(len(records))
	var variance float64
	for _, r := range records {
		d := r.Score - s.Mean
		variance += d * d
	}
	variance /= float64(len(records))
	s.StdDev = math.Sqrt(variance)
	return s
}

// Threshold computes the epoch acceptance cutoff over batch (the most recent
// batch only, never the full dataset history) at proportion p. For
// ObjectiveMin, a sample is accepted iff its score <= the returned threshold
// (the p-quantile of the batch); for ObjectiveMax, iff its score >= the
// returned threshold (the (1-p)-quantile).
//
// This is the halving invariant's cutoff: at p=0.5 it labels the top half of
// the batch accepted, so a classifier trained on the labels rejects roughly
// half of samples drawn from the current cascade's distribution.
func Threshold(batch []Record, p float64, objective Objective) float64 {
	if len(batch) == 0 {
		return 0
	}
	scores := make([]float64, len(batch))
	for i, r := range batch {
		scores[i] = r.Score
	}
	sort.Float64s(scores)

	// The ObjectiveMax index mirrors the ObjectiveMin one from the top of the
	// sorted scores, so both objectives accept the same number of records.
	var idx int
	switch objective {
	case ObjectiveMax:
		idx = len(scores) - 1 - int(p*float64(len(scores)-1))
	default:
		idx = int(p * float64(len(scores)-1))
	}
	if idx < 0 {
		idx = 0
	}
	if idx > len(scores)-1 {
		idx = len(scores) - 1
	}
	return scores[idx]
}

// Labels returns one boolean per record in batch: true iff the record is
// accepted under threshold and objective.
func Labels(batch []Record, threshold float64, objective Objective) []bool {
	out := make([]bool, len(batch))
	for i, r := range batch {
		if objective == ObjectiveMax {
			out[i] = r.Score >= threshold
		} else {
			out[i] = r.Score <= threshold
		}
	}
	return out
}

// KFold partitions len(labels) row indices into k stratified folds: each
// fold's validation set draws proportionally from both classes, deterministic
// given seed. Panics if k < 2. When k exceeds the number of records in a
// class, some folds' validation sets contain no record of that class.
func KFold(labels []bool, k int, seed int64) []Fold {
	if k < 2 {
		panic("shac: KFold requires k >= 2")
	}
	rng := rand.New(rand.NewSource(seed))

	var trueIdx, falseIdx []int
	for i, l := range labels {
		if l {
			trueIdx = append(trueIdx, i)
		} else {
			falseIdx = append(falseIdx, i)
		}
	}
	rng.Shuffle(len(trueIdx), func(i, j int) { trueIdx[i], trueIdx[j] = trueIdx[j], trueIdx[i] })
	rng.Shuffle(len(falseIdx), func(i, j int) { falseIdx[i], falseIdx[j] = falseIdx[j], falseIdx[i] })

	valSets := make([][]int, k)
	distribute := func(idx []int) {
		for i, v := range idx {
			f := i % k
			valSets[f] = append(valSets[f], v)
		}
	}
	distribute(trueIdx)
	distribute(falseIdx)

	folds := make([]Fold, k)
	for f := 0; f < k; f++ {
		val := valSets[f]
		valSet := make(map[int]bool, len(val))
		for _, v := range val {
			valSet[v] = true
		}
		var train []int
		for i := range labels {
			if !valSet[i] {
				train = append(train, i)
			}
		}
		sort.Ints(val)
		sort.Ints(train)
		folds[f] = Fold{TrainIdx: train, ValIdx: val}
	}
	return folds
}

// FoldHasBothClasses reports whether both the train and validation split of
// fold contain at least one record of each label, the condition
// ClassifierUntrainable checks for.
func FoldHasBothClasses(fold Fold, labels []bool) bool {
	return hasBothClasses(fold.TrainIdx, labels) && hasBothClasses(fold.ValIdx, labels)
}

func hasBothClasses(idx []int, labels []bool) bool {
	var sawTrue, sawFalse bool
	for _, i := range idx {
		if labels[i] {
			sawTrue = true
		} else {
			sawFalse = true
		}
	}
	return sawTrue && sawFalse
}

// Save persists the dataset as a two-file view under dir: dataset.csv (header
// = parameter names + score, one row per record in append order) and
// parameters.json (the parameter space's schema). Both are written to a
// temporary path and renamed into place for atomicity.
func (d *Dataset) Save(dir string) error {
	d.mu.RLock()
	records := make([]Record, len(d.records))
	copy(records, d.records)
	d.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newErrorf(PersistenceFailed, err, "creating checkpoint dir %q", dir)
	}
	if err := saveParameterSpace(dir, d.space); err != nil {
		return err
	}

	names := d.space.Names()
	csvPath := filepath.Join(dir, "dataset.csv")
	return atomicWrite(csvPath, func(f *os.File) error {
		w := csv.NewWriter(f)
		header := append(append([]string{}, names...), "score")
		if err := w.Write(header); err != nil {
			return err
		}
		row := make([]string, len(names)+1)
		for _, r := range records {
			for i, n := range names {
				row[i] = fmt.Sprint(r.Sample[n])
			}
			row[len(names)] = strconv.FormatFloat(r.Score, 'g', -1, 64)
			if err := w.Write(row); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	})
}

// LoadDataset reconstructs a Dataset (and its ParameterSpace) from the
// two-file view written by Save. It returns a SchemaMismatch error if any
// dataset.csv row does not conform to the loaded parameters.json schema.
func LoadDataset(dir string) (*Dataset, error) {
	space, err := loadParameterSpace(dir)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, "dataset.csv"))
	if err != nil {
		return nil, newErrorf(PersistenceFailed, err, "opening dataset.csv in %q", dir)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, newErrorf(PersistenceFailed, err, "reading dataset.csv in %q", dir)
	}
	if len(rows) == 0 {
		return NewDataset(space), nil
	}

	header := rows[0]
	names := space.Names()
	if len(header) != len(names)+1 {
		return nil, newErrorf(SchemaMismatch, nil,
			"dataset.csv has %d columns, expected %d", len(header), len(names)+1)
	}
	for i, n := range names {
		if header[i] != n {
			return nil, newErrorf(SchemaMismatch, nil,
				"dataset.csv column %d is %q, expected %q", i, header[i], n)
		}
	}

	ds := NewDataset(space)
	for _, row := range rows[1:] {
		score, err := strconv.ParseFloat(row[len(row)-1], 64)
		if err != nil {
			return nil, newErrorf(SchemaMismatch, err, "parsing score in row %v", row)
		}
		sample, err := decodeCSVRow(space, row[:len(row)-1])
		if err != nil {
			return nil, err
		}
		if err := ds.Append(sample, score); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// decodeCSVRow parses a dataset.csv row (values only, no score column) into a
// Sample, respecting each parameter's declared type.
func decodeCSVRow(space *ParameterSpace, row []string) (Sample, error) {
	s := make(Sample, len(row))
	for i, p := range space.params {
		raw := row[i]
		switch pt := p.(type) {
		case *Discrete:
			switch pt.kind {
			case discreteInt:
				v, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return nil, newErrorf(SchemaMismatch, err, "parsing int field %q", pt.Name())
				}
				s[pt.Name()] = v
			case discreteReal:
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return nil, newErrorf(SchemaMismatch, err, "parsing real field %q", pt.Name())
				}
				s[pt.Name()] = v
			default:
				s[pt.Name()] = raw
			}
		default:
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, newErrorf(SchemaMismatch, err, "parsing field %q", p.Name())
			}
			s[p.Name()] = v
		}
	}
	return s, nil
}
