package shac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetingSpace() *ParameterSpace {
	return NewParameterSpace(
		NewUniformContinuous("x", -5, 5),
		NewUniformContinuous("y", -5, 5),
	)
}

// targetingEval scores samples by squared distance of 2x-y from 4.0, so lower
// is better under ObjectiveMin.
func targetingEval(ctx context.Context, workerID int, sample Sample) (float64, error) {
	x := sample["x"].(float64)
	y := sample["y"].(float64)
	diff := 2*x - y - 4.0
	return diff * diff, nil
}

func testConfig(checkpointDir string) Config {
	c := DefaultConfig()
	c.TotalBudget = 40
	c.NumBatches = 20
	c.MaxClassifiers = 3
	c.NumTrees = 5
	c.MaxTreeDepth = 3
	c.CVFolds = 3
	c.CheckpointDir = checkpointDir
	return c
}

func TestEngineFitGrowsDatasetAndPersists(t *testing.T) {
	space := targetingSpace()
	dir := t.TempDir()
	engine, err := NewEngine(space, testConfig(dir), WithParallelism(2))
	require.NoError(t, err)

	err = engine.Fit(context.Background(), targetingEval)
	require.NoError(t, err)

	assert.Equal(t, 40, engine.dataset.Size())

	stats := engine.dataset.Stats()
	assert.Equal(t, 40, stats.Count)

	persisted, err := LoadDataset(dir)
	require.NoError(t, err)
	assert.Equal(t, 40, persisted.Size())
}

func TestEngineDeterministicUnderFixedSeed(t *testing.T) {
	space := targetingSpace()
	cfgA := testConfig(t.TempDir())
	cfgA.Seed = 123
	cfgB := testConfig(t.TempDir())
	cfgB.Seed = 123

	a, err := NewEngine(space, cfgA, WithParallelism(2))
	require.NoError(t, err)
	require.NoError(t, a.Fit(context.Background(), targetingEval))

	b, err := NewEngine(space, cfgB, WithParallelism(2))
	require.NoError(t, err)
	require.NoError(t, b.Fit(context.Background(), targetingEval))

	snapA := a.dataset.Snapshot()
	snapB := b.dataset.Snapshot()
	require.Equal(t, len(snapA), len(snapB))
	for i := range snapA {
		assert.Equal(t, snapA[i].Sample, snapB[i].Sample)
		assert.InDelta(t, snapA[i].Score, snapB[i].Score, 1e-9)
	}
}

func TestEngineSaveRestoreEquivalence(t *testing.T) {
	space := targetingSpace()
	dir := t.TempDir()
	engine, err := NewEngine(space, testConfig(dir), WithParallelism(2))
	require.NoError(t, err)
	require.NoError(t, engine.Fit(context.Background(), targetingEval))

	restored, err := Restore(dir)
	require.NoError(t, err)

	assert.Equal(t, engine.dataset.Size(), restored.dataset.Size())
	assert.Equal(t, len(engine.cascade), len(restored.cascade))
	assert.Equal(t, engine.epoch, restored.epoch)
	assert.Equal(t, engine.runID, restored.runID)

	origSamples := engine.dataset.Snapshot()
	restoredSamples := restored.dataset.Snapshot()
	for i := range origSamples {
		assert.InDelta(t, origSamples[i].Score, restoredSamples[i].Score, 1e-9)
	}
}

func TestEngineMaxClassifiersCap(t *testing.T) {
	space := targetingSpace()
	cfg := testConfig(t.TempDir())
	cfg.MaxClassifiers = 1
	cfg.TotalBudget = 100
	cfg.NumBatches = 20

	engine, err := NewEngine(space, cfg, WithParallelism(2))
	require.NoError(t, err)
	require.NoError(t, engine.Fit(context.Background(), targetingEval))

	assert.LessOrEqual(t, len(engine.cascade), 1)
}

func TestEnginePredictIsIdempotent(t *testing.T) {
	space := targetingSpace()
	cfg := testConfig(t.TempDir())
	cfg.Seed = 7
	engine, err := NewEngine(space, cfg, WithParallelism(2))
	require.NoError(t, err)
	require.NoError(t, engine.Fit(context.Background(), targetingEval))

	a, err := engine.Predict(10, nil)
	require.NoError(t, err)
	b, err := engine.Predict(10, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEnginePredictDoesNotMutateState(t *testing.T) {
	space := targetingSpace()
	cfg := testConfig(t.TempDir())
	engine, err := NewEngine(space, cfg, WithParallelism(2))
	require.NoError(t, err)
	require.NoError(t, engine.Fit(context.Background(), targetingEval))

	sizeBefore := engine.dataset.Size()
	cascadeLenBefore := len(engine.cascade)

	_, err = engine.Predict(5, nil)
	require.NoError(t, err)

	assert.Equal(t, sizeBefore, engine.dataset.Size())
	assert.Equal(t, cascadeLenBefore, len(engine.cascade))
}

func TestEngineDiscreteSpaceSanity(t *testing.T) {
	space := NewParameterSpace(NewDiscrete("choice", []int64{1, 2, 3, 4, 5}))
	cfg := testConfig(t.TempDir())
	cfg.TotalBudget = 20
	cfg.NumBatches = 10
	cfg.MaxClassifiers = 2
	cfg.NumTrees = 5
	cfg.MaxTreeDepth = 2
	cfg.CVFolds = 2

	evalFn := func(ctx context.Context, workerID int, sample Sample) (float64, error) {
		v := sample["choice"].(int64)
		return float64(v), nil
	}

	engine, err := NewEngine(space, cfg, WithParallelism(2))
	require.NoError(t, err)
	require.NoError(t, engine.Fit(context.Background(), evalFn))
	assert.Equal(t, 20, engine.dataset.Size())
}

func TestEngineHaltsCleanlyOnCancellation(t *testing.T) {
	space := targetingSpace()
	cfg := testConfig(t.TempDir())
	cfg.TotalBudget = 1000
	cfg.NumBatches = 10

	engine, err := NewEngine(space, cfg, WithParallelism(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = engine.Fit(ctx, targetingEval)
	require.Error(t, err)
	assert.True(t, IsKind(err, Cancelled))
}

func TestEngineRunsOneTruncatedEpochWhenBudgetBelowBatchSize(t *testing.T) {
	space := targetingSpace()
	cfg := testConfig(t.TempDir())
	cfg.TotalBudget = 7
	cfg.NumBatches = 20

	engine, err := NewEngine(space, cfg, WithParallelism(2))
	require.NoError(t, err)
	require.NoError(t, engine.Fit(context.Background(), targetingEval))

	assert.Equal(t, 7, engine.dataset.Size())
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	space := targetingSpace()
	cfg := DefaultConfig()
	cfg.TotalBudget = 0
	_, err := NewEngine(space, cfg)
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidConfig))
}
