package shac

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasetAppendAndSnapshot(t *testing.T) {
	space := testSpace()
	ds := NewDataset(space)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10; i++ {
		s := space.Sample(rng)
		require.NoError(t, ds.Append(s, float64(i)))
	}
	assert.Equal(t, 10, ds.Size())
	assert.Len(t, ds.Snapshot(), 10)
}

func TestDatasetAppendRejectsSchemaMismatch(t *testing.T) {
	space := testSpace()
	ds := NewDataset(space)
	bad := Sample{"x": 1.0}
	err := ds.Append(bad, 1.0)
	require.Error(t, err)
	assert.True(t, IsKind(err, SchemaMismatch))
}

func makeRecords(scores []float64) []Record {
	out := make([]Record, len(scores))
	for i, s := range scores {
		out[i] = Record{Sample: Sample{}, Score: s}
	}
	return out
}

func TestThresholdSplitsBatchInHalf(t *testing.T) {
	scores := []float64{5, 1, 4, 2, 3, 9, 7, 6, 8, 0}
	batch := makeRecords(scores)

	threshold := Threshold(batch, 0.5, ObjectiveMin)
	labels := Labels(batch, threshold, ObjectiveMin)

	var accepted int
	for _, l := range labels {
		if l {
			accepted++
		}
	}
	assert.True(t, accepted == len(scores)/2 || accepted == (len(scores)+1)/2)
}

func TestThresholdObjectiveMax(t *testing.T) {
	scores := []float64{5, 1, 4, 2, 3, 9, 7, 6, 8, 0}
	batch := makeRecords(scores)

	threshold := Threshold(batch, 0.5, ObjectiveMax)
	labels := Labels(batch, threshold, ObjectiveMax)

	var accepted int
	for _, l := range labels {
		if l {
			accepted++
		}
	}
	assert.True(t, accepted == len(scores)/2 || accepted == (len(scores)+1)/2)
}

func TestKFoldStratified(t *testing.T) {
	labels := make([]bool, 30)
	for i := range labels {
		labels[i] = i%2 == 0
	}
	folds := KFold(labels, 5, 42)
	require.Len(t, folds, 5)
	for _, fold := range folds {
		assert.True(t, FoldHasBothClasses(fold, labels))
		assert.Equal(t, len(labels), len(fold.TrainIdx)+len(fold.ValIdx))
	}
}

func TestDatasetSaveLoadRoundTrip(t *testing.T) {
	space := testSpace()
	ds := NewDataset(space)
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 20; i++ {
		s := space.Sample(rng)
		require.NoError(t, ds.Append(s, float64(i)*0.5))
	}

	dir := t.TempDir()
	require.NoError(t, ds.Save(dir))

	reloaded, err := LoadDataset(dir)
	require.NoError(t, err)
	assert.Equal(t, ds.Size(), reloaded.Size())

	orig := ds.Snapshot()
	got := reloaded.Snapshot()
	for i := range orig {
		assert.InDelta(t, orig[i].Score, got[i].Score, 1e-9)
	}
}

func TestDatasetStats(t *testing.T) {
	space := testSpace()
	ds := NewDataset(space)
	rng := rand.New(rand.NewSource(4))
	for i := 1; i <= 5; i++ {
		s := space.Sample(rng)
		require.NoError(t, ds.Append(s, float64(i)))
	}
	stats := ds.Stats()
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 5.0, stats.Max)
	assert.Equal(t, 3.0, stats.Mean)
}

func TestDatasetLoadDetectsSchemaMismatch(t *testing.T) {
	space := testSpace()
	ds := NewDataset(space)
	rng := rand.New(rand.NewSource(5))
	s := space.Sample(rng)
	require.NoError(t, ds.Append(s, 1.0))

	dir := t.TempDir()
	require.NoError(t, ds.Save(dir))

	// Corrupt the schema so the CSV columns no longer line up.
	other := NewParameterSpace(NewUniformContinuous("z", 0, 1))
	require.NoError(t, saveParameterSpace(dir, other))

	_, err := LoadDataset(dir)
	require.Error(t, err)
	assert.True(t, IsKind(err, SchemaMismatch))
}

func TestAppendScoreGeneric(t *testing.T) {
	space := testSpace()
	ds := NewDataset(space)
	rng := rand.New(rand.NewSource(6))
	s := space.Sample(rng)
	require.NoError(t, AppendScore(ds, s, int64(42)))
	assert.Equal(t, 42.0, ds.Snapshot()[0].Score)
}

func TestDatasetSavePathJoinsCleanly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "shac")
	space := testSpace()
	ds := NewDataset(space)
	require.NoError(t, ds.Save(dir))
	_, err := LoadDataset(dir)
	require.NoError(t, err)
}
