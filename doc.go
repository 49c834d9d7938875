// Package shac implements a Successive Halving and Classification (SHAC) search
// engine: a budgeted, parallel black-box optimizer over a mixed discrete and
// continuous parameter space.
//
// SHAC iteratively refines a posterior over "good" samples by training a cascade
// of binary classifiers, each one fit on an increasingly selective subset of the
// search space and used to reject low-quality candidates at sampling time.
//
// # Features
//
//   - Mixed parameter spaces: discrete (int, real, or string), uniform-continuous,
//     and normal-continuous dimensions in the same space
//   - Successive-halving classifier cascade: each new classifier is trained to
//     reject roughly half of the samples accepted by the current cascade
//   - Parallel rejection-sampling generator and parallel evaluation harness, both
//     deterministic under a fixed seed
//   - Durable checkpointing: the dataset, schema, and classifier cascade are
//     persisted atomically after every epoch and can be restored
//   - Progress monitoring via a non-blocking channel, mirroring the way a
//     long-running search reports status without requiring a visualization layer
//
// # Basic usage
//
//	space := shac.NewParameterSpace(
//	    shac.NewUniformContinuous("x", -5, 5),
//	    shac.NewUniformContinuous("y", -2, 2),
//	)
//
//	engine, err := shac.NewEngine(space, shac.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = engine.Fit(context.Background(), func(ctx context.Context, workerID int, s shac.Sample) (float64, error) {
//	    x := s["x"].(float64)
//	    y := s["y"].(float64)
//	    return math.Abs(2*x-y-4.0), nil
//	})
//
//	preds, err := engine.Predict(20, nil)
//
// # Thread safety
//
//   - The parameter space is immutable after construction and freely shared.
//   - The classifier cascade is append-only; generation tasks snapshot its length
//     at submission time and never observe a partially-appended classifier.
//   - The dataset is mutated only by the engine's control thread; workers return
//     scores, never append directly.
//   - Every generation slot draws from its own PRNG stream, seeded from
//     (seed, epoch, worker, slot); no PRNG is ever shared across goroutines.
//     Evaluator workers use no PRNG.
package shac
