package shac

import (
	"context"
	"math"
	"math/rand"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Generator is the parallel rejection sampler that composes the current
// classifier cascade: it produces samples whose joint distribution
// approximates a uniform draw over the parameter space conditioned on every
// cascade classifier labeling the draw accepted.
type Generator struct {
	space       *ParameterSpace
	maxAttempts int
}

// NewGenerator builds a Generator over space. maxAttempts is the per-slot hard
// cap on rejection-sampling attempts; non-positive selects a large default.
func NewGenerator(space *ParameterSpace, maxAttempts int) *Generator {
	if maxAttempts <= 0 {
		maxAttempts = 100_000
	}
	return &Generator{space: space, maxAttempts: maxAttempts}
}

// GenerateOpts parameterizes one Generate call.
type GenerateOpts struct {
	BatchSize   int
	Parallelism int
	EngineSeed  int64
	Epoch       int
	Logger      zerolog.Logger
}

// Generate produces opts.BatchSize samples accepted by cascade, distributed
// across a worker pool of size min(opts.Parallelism, opts.BatchSize). Each
// worker owns a contiguous range of slot indices and seeds a fresh PRNG stream
// for each slot from (EngineSeed, Epoch, workerID, slotIndex), where slotIndex
// counts from 0 within the worker's range; the returned
// slice is ordered by (workerID, slotIndex), never by completion time.
//
// Expected attempts per accepted sample scale as 2^len(cascade) under the
// halving invariant; Generate logs this expectation once at entry.
func (g *Generator) Generate(ctx context.Context, cascade Cascade, opts GenerateOpts) ([]Sample, error) {
	if opts.BatchSize <= 0 {
		return nil, nil
	}
	workers := opts.Parallelism
	if workers <= 0 || workers > opts.BatchSize {
		workers = opts.BatchSize
	}

	expectedAttempts := math.Pow(2, float64(len(cascade)))
	opts.Logger.Info().
		Int("epoch", opts.Epoch).
		Int("cascade_len", len(cascade)).
		Float64("expected_attempts_per_sample", expectedAttempts).
		Msg("generating batch")

	chunks := partitionSlots(opts.BatchSize, workers)
	results := make([][]Sample, workers)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	for w, count := range chunks {
		w, count := w, count
		p.Go(func(ctx context.Context) error {
			local := make([]Sample, count)
			for slot := 0; slot < count; slot++ {
				select {
				case <-ctx.Done():
					return newError(Cancelled, ctx.Err(), "generation cancelled")
				default:
				}
				seed := deriveSeed(opts.EngineSeed, int64(opts.Epoch), int64(w), int64(slot))
				rng := rand.New(rand.NewSource(seed))
				sample, err := g.acceptOne(rng, cascade)
				if err != nil {
					return err
				}
				local[slot] = sample
			}
			results[w] = local
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, err
	}

	out := make([]Sample, 0, opts.BatchSize)
	for _, chunk := range results {
		out = append(out, chunk...)
	}
	return out, nil
}

// acceptOne draws candidates from the parameter space until cascade accepts
// one, or the per-slot attempt cap is exceeded.
func (g *Generator) acceptOne(rng *rand.Rand, cascade Cascade) (Sample, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		candidate := g.space.Sample(rng)
		encoded := g.space.Encode(candidate)
		if cascade.Accepts(encoded) {
			return candidate, nil
		}
	}
	return nil, newErrorf(GeneratorExhausted, nil,
		"exceeded %d attempts for one accepted sample against a cascade of length %d",
		g.maxAttempts, len(cascade))
}

// partitionSlots splits total slots across workers as evenly as possible,
// front-loading the remainder, so worker 0 always owns the largest chunk.
func partitionSlots(total, workers int) []int {
	base := total / workers
	rem := total % workers
	out := make([]int, workers)
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}

// deriveSeed mixes four coordinates into one deterministic PRNG seed using a
// splitmix64-style avalanche, so nearby coordinates (e.g. adjacent slots)
// produce uncorrelated streams.
func deriveSeed(engineSeed, epoch, workerID, slotIndex int64) int64 {
	x := uint64(engineSeed)
	for _, part := range []int64{epoch, workerID, slotIndex} {
		x ^= uint64(part) + 0x9E3779B97F4A7C15 + (x << 6) + (x >> 2)
		x ^= x >> 30
		x *= 0xBF58476D1CE4E5B9
		x ^= x >> 27
		x *= 0x94D049BB133111EB
		x ^= x >> 31
	}
	return int64(x)
}
