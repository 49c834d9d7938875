package shac

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorProducesBatchSize(t *testing.T) {
	space := testSpace()
	gen := NewGenerator(space, 0)

	samples, err := gen.Generate(context.Background(), nil, GenerateOpts{
		BatchSize:   17,
		Parallelism: 4,
		EngineSeed:  1,
		Epoch:       0,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Len(t, samples, 17)
	for _, s := range samples {
		assert.NoError(t, space.Validate(s))
	}
}

func TestGeneratorDeterministicForFixedSeed(t *testing.T) {
	space := testSpace()
	gen := NewGenerator(space, 0)
	opts := GenerateOpts{BatchSize: 12, Parallelism: 3, EngineSeed: 55, Epoch: 2, Logger: zerolog.Nop()}

	a, err := gen.Generate(context.Background(), nil, opts)
	require.NoError(t, err)
	b, err := gen.Generate(context.Background(), nil, opts)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGeneratorHonorsAcceptingCascade(t *testing.T) {
	space := NewParameterSpace(NewUniformContinuous("x", 0, 10))
	gen := NewGenerator(space, 1000)

	alwaysAccept := &fakeClassifier{label: true}
	cascade := Cascade{{ID: "c", Classifier: alwaysAccept}}

	samples, err := gen.Generate(context.Background(), cascade, GenerateOpts{
		BatchSize: 5, Parallelism: 2, EngineSeed: 3, Epoch: 0, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Len(t, samples, 5)
}

func TestGeneratorExhaustionSurfacesError(t *testing.T) {
	space := NewParameterSpace(NewUniformContinuous("x", 0, 10))
	gen := NewGenerator(space, 3)

	alwaysReject := &fakeClassifier{label: false}
	cascade := Cascade{{ID: "c", Classifier: alwaysReject}}

	_, err := gen.Generate(context.Background(), cascade, GenerateOpts{
		BatchSize: 2, Parallelism: 1, EngineSeed: 1, Epoch: 0, Logger: zerolog.Nop(),
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, GeneratorExhausted))
}

func TestGeneratorCancellation(t *testing.T) {
	space := NewParameterSpace(NewUniformContinuous("x", 0, 10))
	gen := NewGenerator(space, 100000)

	alwaysReject := &fakeClassifier{label: false}
	cascade := Cascade{{ID: "c", Classifier: alwaysReject}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gen.Generate(ctx, cascade, GenerateOpts{
		BatchSize: 4, Parallelism: 2, EngineSeed: 1, Epoch: 0, Logger: zerolog.Nop(),
	})
	require.Error(t, err)
}

func TestPartitionSlotsFrontLoadsRemainder(t *testing.T) {
	chunks := partitionSlots(10, 3)
	assert.Equal(t, []int{4, 3, 3}, chunks)

	sum := 0
	for _, c := range chunks {
		sum += c
	}
	assert.Equal(t, 10, sum)
}

func TestDeriveSeedVariesByCoordinate(t *testing.T) {
	base := deriveSeed(1, 0, 0, 0)
	assert.NotEqual(t, base, deriveSeed(1, 1, 0, 0))
	assert.NotEqual(t, base, deriveSeed(1, 0, 1, 0))
	assert.NotEqual(t, base, deriveSeed(1, 0, 0, 1))
}
