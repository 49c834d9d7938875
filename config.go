package shac

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for a Engine's Fit run. Configuration
// validity (as opposed to configuration *loading*, which the engine does not
// perform) is checked with struct tags via go-playground/validator, mirroring
// the pack's own config-validation idiom.
type Config struct {
	// TotalBudget is the total number of evaluations across all epochs.
	TotalBudget int `validate:"required,gt=0"`

	// NumBatches is the number of samples generated and evaluated per epoch.
	// If it does not evenly divide TotalBudget, NumEpochs is rounded down and
	// a BudgetMisconfigured warning is logged.
	NumBatches int `validate:"required,gt=0"`

	// Objective selects whether lower or higher scores are better.
	Objective Objective `validate:"required,oneof=min max"`

	// MaxClassifiers caps the cascade length. Zero means the generator never
	// gains a classifier and stays pure uniform sampling.
	MaxClassifiers int `validate:"gte=0"`

	// SkipCVChecks fits each epoch's classifier once on the whole batch
	// instead of performing CVFolds-fold cross-validation first.
	SkipCVChecks bool

	// EarlyStop halts training (before the remaining epochs) the first time a
	// classifier fails to be added to the cascade.
	EarlyStop bool

	// RelaxChecks, when true, adds a candidate classifier to the cascade
	// unconditionally, even if it fails the cascade-acceptance validity gate.
	RelaxChecks bool

	// Seed seeds every derived PRNG stream. Two runs with the same Seed,
	// configuration and parallelism produce byte-identical checkpoints, except
	// for the per-run run_id recorded in meta.json.
	Seed int64

	// MaxGenerationAttempts is the per-slot hard cap on rejection-sampling
	// attempts before GeneratorExhausted fires. Zero selects a large default.
	MaxGenerationAttempts int `validate:"gte=0"`

	// ScoreOnFailure, if non-nil, is recorded as a sample's score when the
	// user evaluation function errors, instead of halting the epoch.
	ScoreOnFailure *float64

	// EvaluationTimeout bounds one evaluation call; zero means no timeout.
	EvaluationTimeout DurationMillis `validate:"gte=0"`

	// NumTrees and MaxTreeDepth configure the reference decision-tree-
	// ensemble classifier.
	NumTrees     int `validate:"gte=0"`
	MaxTreeDepth int `validate:"gte=0"`

	// CVFolds is the number of cross-validation folds used unless
	// SkipCVChecks is set. Must be >= 2 whenever SkipCVChecks is false, since
	// KFold panics below that; Validate enforces this (the struct tag alone
	// can't express the SkipCVChecks-conditional requirement).
	CVFolds int `validate:"gte=0"`

	// CheckpointDir is where Fit persists the dataset, schema, cascade, and
	// meta.json after every epoch.
	CheckpointDir string `validate:"required"`
}

// DurationMillis is a plain integer count of milliseconds, used instead of
// time.Duration in validated config so go-playground/validator's numeric tags
// (gte, gt) apply directly.
type DurationMillis int64

// DefaultConfig returns a Config with the engine's recommended defaults,
// mirroring the teacher's DefaultConfig factory.
func DefaultConfig() Config {
	return Config{
		TotalBudget:           100,
		NumBatches:            10,
		Objective:             ObjectiveMin,
		MaxClassifiers:        18,
		SkipCVChecks:          false,
		EarlyStop:             false,
		RelaxChecks:           false,
		Seed:                  0,
		MaxGenerationAttempts: 100_000,
		NumTrees:              11,
		MaxTreeDepth:          4,
		CVFolds:               5,
		CheckpointDir:         DefaultCheckpointDir,
	}
}

// NumEpochs returns TotalBudget / NumBatches, floored, along with whether the
// configuration is misconfigured: either the division was inexact, or
// TotalBudget is smaller than NumBatches, in which case NumEpochs returns 1
// for a single truncated epoch (Fit then generates and evaluates only
// TotalBudget samples for that epoch) rather than 0.
func (c Config) NumEpochs() (epochs int, misconfigured bool) {
	if c.NumBatches == 0 {
		return 0, true
	}
	if c.TotalBudget < c.NumBatches {
		return 1, true
	}
	epochs = c.TotalBudget / c.NumBatches
	misconfigured = c.TotalBudget%c.NumBatches != 0
	return epochs, misconfigured
}

var configValidator = validator.New()

// Validate checks c against its struct tags, returning an InvalidConfig
// SHACError describing every violated field, grounded on dspy-go's
// ValidationError/ValidationErrors wrapper around go-playground/validator.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return newError(InvalidConfig, err, "validating config")
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return newError(InvalidConfig, err, strings.Join(msgs, "; "))
	}
	if !c.SkipCVChecks && c.CVFolds < 2 {
		return newErrorf(InvalidConfig, nil,
			"CVFolds must be >= 2 when SkipCVChecks is false, got %d", c.CVFolds)
	}
	return nil
}
