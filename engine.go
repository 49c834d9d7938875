package shac

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// parallelismEnvVar is the single optional variable for overriding the
// hardware-parallelism cap, per the specification's external-interfaces
// section. It is read once, at engine construction.
const parallelismEnvVar = "SHAC_MAX_PARALLELISM"

// Engine orchestrates SHAC's epoch loop: generate, evaluate, label, train,
// persist. Its state is the tuple (ParameterSpace, Dataset, classifier
// cascade, configuration, epoch counter) described by the specification's
// data model; the checkpoint directory is an explicit field, never
// process-wide state.
type Engine struct {
	space     *ParameterSpace
	config    Config
	dataset   *Dataset
	generator *Generator
	evaluator EvaluatorBackend
	logger    zerolog.Logger
	progress  chan<- EpochProgress

	runID       string
	parallelism int

	mu      sync.Mutex
	cascade Cascade
	epoch   int

	cancelFn context.CancelFunc
}

// EngineOption configures optional Engine behavior.
type EngineOption func(*Engine)

// WithLogger attaches a zerolog.Logger; the default is a disabled (no-op)
// logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEvaluatorBackend overrides the default thread-pool evaluator backend
// (e.g. with NewProcessBackend()).
func WithEvaluatorBackend(b EvaluatorBackend) EngineOption {
	return func(e *Engine) { e.evaluator = b }
}

// WithProgressChan attaches a channel that receives one EpochProgress per
// state transition. Sends are non-blocking; a full channel drops the update.
func WithProgressChan(ch chan<- EpochProgress) EngineOption {
	return func(e *Engine) { e.progress = ch }
}

// WithParallelism overrides both the environment variable and the probed
// hardware-parallelism cap.
func WithParallelism(n int) EngineOption {
	return func(e *Engine) { e.parallelism = n }
}

// NewEngine validates config and builds an Engine over space.
func NewEngine(space *ParameterSpace, config Config, opts ...EngineOption) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		space:     space,
		config:    config,
		dataset:   NewDataset(space),
		generator: NewGenerator(space, config.MaxGenerationAttempts),
		evaluator: NewThreadBackend(),
		logger:    zerolog.Nop(),
		runID:     newRunID(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.parallelism == 0 {
		e.parallelism = resolveParallelism(e.logger)
	}
	return e, nil
}

// resolveParallelism reads parallelismEnvVar if set, else probes
// runtime.NumCPU(); if the requested count exceeds available cores, it is
// reduced to that cap with a warning, per the specification's external
// interfaces section.
func resolveParallelism(logger zerolog.Logger) int {
	cores := runtime.NumCPU()
	raw := os.Getenv(parallelismEnvVar)
	if raw == "" {
		return cores
	}
	requested, err := strconv.Atoi(raw)
	if err != nil || requested <= 0 {
		logger.Warn().Str("value", raw).Msg(parallelismEnvVar + " is not a positive integer, ignoring")
		return cores
	}
	if requested > cores {
		logger.Warn().Int("requested", requested).Int("cores", cores).
			Msg(parallelismEnvVar + " exceeds available cores, reducing to hardware cap")
		return cores
	}
	return requested
}

// Cancel requests that an in-flight Fit stop issuing new pool tasks, join its
// active pools, persist the dataset up to the last completed epoch, and
// return. A no-op if no Fit is in flight.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancelFn
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Fit trains the engine until its configured budget is exhausted or the run
// halts. See the epoch state machine in the specification's engine section:
// Generating -> Evaluating -> Labeling -> Training -> Persisting -> Idle, with
// any state able to transition to Halted on a fatal evaluator error,
// cancellation, or an early-stop condition.
func (e *Engine) Fit(ctx context.Context, fn EvalFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFn = cancel
	e.mu.Unlock()
	defer cancel()

	numEpochs, misconfigured := e.config.NumEpochs()
	batchSize := e.config.NumBatches
	if e.config.TotalBudget < e.config.NumBatches {
		batchSize = e.config.TotalBudget
		e.logger.Warn().
			Int("total_budget", e.config.TotalBudget).
			Int("num_batches", e.config.NumBatches).
			Msg("total_budget is smaller than num_batches; running one truncated epoch")
	} else if misconfigured {
		e.logger.Warn().
			Int("total_budget", e.config.TotalBudget).
			Int("num_batches", e.config.NumBatches).
			Int("num_epochs", numEpochs).
			Msg("num_batches does not evenly divide total_budget; rounding num_epochs down")
	}

	for epoch := 1; epoch <= numEpochs; epoch++ {
		select {
		case <-ctx.Done():
			e.logger.Warn().Msg("fit cancelled before epoch start")
			return e.persistAndWrap(newError(Cancelled, ctx.Err(), "fit cancelled"))
		default:
		}

		start := time.Now()
		halt, err := e.runEpoch(ctx, epoch, numEpochs, batchSize, fn)
		if err != nil {
			return e.persistAndWrap(err)
		}

		e.logger.Info().
			Int("epoch", epoch).
			Int("dataset_size", e.dataset.Size()).
			Str("elapsed", humanize.RelTime(start, time.Now(), "", "")).
			Msg("epoch complete")

		if err := e.persist(); err != nil {
			return err
		}
		if halt {
			return nil
		}
	}
	return nil
}

// runEpoch executes one Generating/Evaluating/Labeling/Training pass. It
// returns halt=true when early stop has been triggered (the caller still
// persists and returns normally, per the specification's "epochs still
// appended samples but added no classifier" / early-stop semantics).
func (e *Engine) runEpoch(ctx context.Context, epoch, totalEpochs, batchSize int, fn EvalFunc) (halt bool, err error) {
	e.mu.Lock()
	cascadeSnapshot := e.cascade
	e.mu.Unlock()

	e.emitProgress(epoch, totalEpochs, StateGenerating)
	batch, err := e.generator.Generate(ctx, cascadeSnapshot, GenerateOpts{
		BatchSize:   batchSize,
		Parallelism: e.parallelism,
		EngineSeed:  e.config.Seed,
		Epoch:       epoch,
		Logger:      e.logger,
	})
	if err != nil {
		return false, err
	}

	e.emitProgress(epoch, totalEpochs, StateEvaluating)
	scores, err := e.evaluator.Evaluate(ctx, batch, fn, EvaluatorOpts{
		Parallelism:    e.parallelism,
		Timeout:        time.Duration(e.config.EvaluationTimeout) * time.Millisecond,
		ScoreOnFailure: e.config.ScoreOnFailure,
	})
	if err != nil {
		return false, err
	}

	batchRecords := make([]Record, len(batch))
	for i := range batch {
		if err := e.dataset.Append(batch[i], scores[i]); err != nil {
			return false, err
		}
		batchRecords[i] = Record{Sample: batch[i], Score: scores[i]}
	}

	e.emitProgress(epoch, totalEpochs, StateLabeling)
	threshold := Threshold(batchRecords, 0.5, e.config.Objective)
	labels := Labels(batchRecords, threshold, e.config.Objective)

	e.emitProgress(epoch, totalEpochs, StateTraining)
	halt, err = e.train(epoch, batchRecords, labels)
	if err != nil {
		return false, err
	}

	e.emitProgress(epoch, totalEpochs, StatePersisting)
	e.mu.Lock()
	e.epoch = epoch
	e.mu.Unlock()

	return halt, nil
}

// train implements the classifier training cascade's policy: skip when the
// batch lacks two samples of either label, fit (with or without
// cross-validation per SkipCVChecks), then apply the cascade-acceptance
// validity gate before appending. Returns halt=true when EarlyStop is set and
// no classifier was added this epoch (and the cascade has not yet reached
// MaxClassifiers, since reaching the cap is not itself a failure).
func (e *Engine) train(epoch int, batch []Record, labels []bool) (halt bool, err error) {
	e.mu.Lock()
	cascadeLen := len(e.cascade)
	e.mu.Unlock()

	if cascadeLen >= e.config.MaxClassifiers {
		return false, nil
	}

	var trueCount, falseCount int
	for _, l := range labels {
		if l {
			trueCount++
		} else {
			falseCount++
		}
	}
	if trueCount < 2 || falseCount < 2 {
		e.logger.Warn().Int("epoch", epoch).Msg("batch has fewer than 2 samples of a label, skipping classifier")
		return e.config.EarlyStop, nil
	}

	X := make([][]float64, len(batch))
	for i, r := range batch {
		X[i] = e.space.Encode(r.Sample)
	}
	seed := deriveSeed(e.config.Seed, int64(epoch), 0, 0)

	var validationScore *float64
	if !e.config.SkipCVChecks {
		folds := KFold(labels, e.config.CVFolds, seed)
		for _, fold := range folds {
			if !FoldHasBothClasses(fold, labels) {
				e.logger.Warn().Int("epoch", epoch).Msg("cross-validation fold lacks both classes, classifier untrainable")
				return e.config.EarlyStop, nil
			}
		}
		score := crossValidatedAccuracy(folds, X, labels, e.config.NumTrees, e.config.MaxTreeDepth, seed)
		validationScore = &score
	}

	candidate := newDecisionTreeEnsemble(e.config.NumTrees, e.config.MaxTreeDepth)
	if ok := candidate.Fit(X, labels, seed); !ok {
		e.logger.Warn().Int("epoch", epoch).Msg("classifier fit failed, skipping")
		return e.config.EarlyStop, nil
	}

	e.mu.Lock()
	candidateCascade := append(append(Cascade{}, e.cascade...), newCascadeEntry(candidate, cascadeLen, len(batch), validationScore))
	e.mu.Unlock()

	if !e.config.RelaxChecks && !cascadeAcceptsAccepted(candidateCascade, batch, labels, e.space) {
		e.logger.Warn().Int("epoch", epoch).Msg("candidate classifier failed the cascade-acceptance gate")
		return e.config.EarlyStop, nil
	}

	e.mu.Lock()
	e.cascade = candidateCascade
	e.mu.Unlock()
	return false, nil
}

// cascadeAcceptsAccepted reports whether the full updated cascade still
// selects a non-empty subset of the samples this batch labeled accepted: the
// validity gate of the specification's acceptance checks.
func cascadeAcceptsAccepted(cascade Cascade, batch []Record, labels []bool, space *ParameterSpace) bool {
	for i, r := range batch {
		if !labels[i] {
			continue
		}
		if cascade.Accepts(space.Encode(r.Sample)) {
			return true
		}
	}
	return false
}

// crossValidatedAccuracy fits a throwaway ensemble per fold on its training
// split and scores it on the held-out split, returning the mean accuracy
// across folds. Used only to populate a CascadeEntry's optional
// ValidationScore; it never influences whether the final classifier
// (fit on the whole batch) is added.
func crossValidatedAccuracy(folds []Fold, X [][]float64, y []bool, numTrees, maxDepth int, seed int64) float64 {
	if len(folds) == 0 {
		return 0
	}
	var sum float64
	for fi, fold := range folds {
		trainX := make([][]float64, len(fold.TrainIdx))
		trainY := make([]bool, len(fold.TrainIdx))
		for i, idx := range fold.TrainIdx {
			trainX[i] = X[idx]
			trainY[i] = y[idx]
		}
		clf := newDecisionTreeEnsemble(numTrees, maxDepth)
		if !clf.Fit(trainX, trainY, seed+int64(fi)+1) {
			continue
		}
		var correct int
		for _, idx := range fold.ValIdx {
			if clf.Predict(X[idx]) == y[idx] {
				correct++
			}
		}
		if len(fold.ValIdx) > 0 {
			sum += float64(correct) / float64(len(fold.ValIdx))
		}
	}
	return sum / float64(len(folds))
}

// emitProgress reports one epoch-state transition on the configured progress
// channel, if any.
func (e *Engine) emitProgress(epoch, totalEpochs int, state EpochState) {
	if e.progress == nil {
		return
	}
	stats := e.dataset.Stats()
	var best float64
	var hasBest bool
	if stats.Count > 0 {
		hasBest = true
		if e.config.Objective == ObjectiveMax {
			best = stats.Max
		} else {
			best = stats.Min
		}
	}
	e.mu.Lock()
	cascadeLen := len(e.cascade)
	e.mu.Unlock()
	sendProgress(e.progress, EpochProgress{
		Epoch:        epoch,
		TotalEpochs:  totalEpochs,
		State:        state,
		DatasetSize:  e.dataset.Size(),
		CascadeLen:   cascadeLen,
		BestScore:    best,
		HasBestScore: hasBest,
	})
}

// Predict draws n samples through the Generator using the full cascade,
// optionally truncated to maxClassifiersForPredict. It performs no
// evaluation and mutates neither the dataset nor the cascade; repeated calls
// with an unchanged cascade and the same n return the same samples.
func (e *Engine) Predict(n int, maxClassifiersForPredict *int) ([]Sample, error) {
	e.mu.Lock()
	cascade := e.cascade
	e.mu.Unlock()

	if maxClassifiersForPredict != nil {
		cascade = cascade.Truncate(*maxClassifiersForPredict)
	}

	const predictEpoch = -1
	return e.generator.Generate(context.Background(), cascade, GenerateOpts{
		BatchSize:   n,
		Parallelism: e.parallelism,
		EngineSeed:  e.config.Seed,
		Epoch:       predictEpoch,
		Logger:      e.logger,
	})
}

// Save writes an explicit checkpoint: dataset.csv, parameters.json,
// classifiers/cls_<i>.bin per cascade entry, and meta.json, all atomically
// written (temp file then rename).
func (e *Engine) Save(dir string) error {
	e.mu.Lock()
	cascade := e.cascade
	epoch := e.epoch
	e.mu.Unlock()

	if err := e.dataset.Save(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir+"/classifiers", 0o755); err != nil {
		return newErrorf(PersistenceFailed, err, "creating classifiers dir under %q", dir)
	}
	for i, entry := range cascade {
		data, err := entry.Classifier.Serialize()
		if err != nil {
			return newErrorf(PersistenceFailed, err, "serializing classifier %d", i)
		}
		path := classifierPath(dir, i)
		if err := atomicWrite(path, func(f *os.File) error {
			_, err := f.Write(data)
			return err
		}); err != nil {
			return err
		}
	}
	return saveMeta(dir, meta{
		EngineVersion:  engineVersion,
		RunID:          e.runID,
		Epoch:          epoch,
		Objective:      e.config.Objective,
		TotalBudget:    e.config.TotalBudget,
		NumBatches:     e.config.NumBatches,
		MaxClassifiers: e.config.MaxClassifiers,
		Seed:           e.config.Seed,
		SkipCVChecks:   e.config.SkipCVChecks,
		EarlyStop:      e.config.EarlyStop,
		RelaxChecks:    e.config.RelaxChecks,
		CascadeLen:     len(cascade),
	})
}

// persist is Fit's per-epoch checkpoint call.
func (e *Engine) persist() error {
	if err := e.Save(e.config.CheckpointDir); err != nil {
		e.logger.Error().Err(err).Msg("checkpoint write failed")
		return err
	}
	return nil
}

// persistAndWrap persists whatever state completed before a halt, then
// returns the triggering error (after logging it), matching the
// specification's "leaves a consistent on-disk state reflecting all fully
// completed epochs" halt behavior.
func (e *Engine) persistAndWrap(cause error) error {
	e.logger.Error().Err(cause).Msg("epoch halted")
	if err := e.persist(); err != nil {
		return err
	}
	return cause
}

// Restore reconstructs an Engine from a checkpoint directory written by Save.
// Restore fails unless meta.json parses, parameters.json and dataset.csv load
// without a schema mismatch, and every classifier file its cascade length
// implies exists.
func Restore(dir string, opts ...EngineOption) (*Engine, error) {
	m, err := loadMeta(dir)
	if err != nil {
		return nil, err
	}
	dataset, err := LoadDataset(dir)
	if err != nil {
		return nil, err
	}

	cascade := make(Cascade, m.CascadeLen)
	for i := 0; i < m.CascadeLen; i++ {
		path := classifierPath(dir, i)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, newErrorf(SchemaMismatch, err, "missing classifier file for cascade index %d", i)
		}
		clf, err := deserializeClassifier(data)
		if err != nil {
			return nil, newErrorf(SchemaMismatch, err, "deserializing classifier %d", i)
		}
		cascade[i] = newCascadeEntry(clf, i, 0, nil)
	}

	config := DefaultConfig()
	config.Objective = m.Objective
	config.TotalBudget = m.TotalBudget
	config.NumBatches = m.NumBatches
	config.MaxClassifiers = m.MaxClassifiers
	config.Seed = m.Seed
	config.SkipCVChecks = m.SkipCVChecks
	config.EarlyStop = m.EarlyStop
	config.RelaxChecks = m.RelaxChecks
	config.CheckpointDir = dir

	e, err := NewEngine(dataset.space, config, opts...)
	if err != nil {
		return nil, err
	}
	e.dataset = dataset
	e.cascade = cascade
	e.epoch = m.Epoch
	e.runID = m.RunID
	return e, nil
}
