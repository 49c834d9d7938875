package shac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigNumEpochs(t *testing.T) {
	c := DefaultConfig()
	c.TotalBudget = 100
	c.NumBatches = 10
	epochs, misconfigured := c.NumEpochs()
	assert.Equal(t, 10, epochs)
	assert.False(t, misconfigured)

	c.TotalBudget = 105
	epochs, misconfigured = c.NumEpochs()
	assert.Equal(t, 10, epochs)
	assert.True(t, misconfigured)
}

func TestConfigNumEpochsTruncatedWhenBudgetBelowBatchSize(t *testing.T) {
	c := DefaultConfig()
	c.TotalBudget = 3
	c.NumBatches = 20
	epochs, misconfigured := c.NumEpochs()
	assert.Equal(t, 1, epochs)
	assert.True(t, misconfigured)
}

func TestConfigValidateRejectsLowCVFoldsUnlessSkipped(t *testing.T) {
	c := DefaultConfig()
	c.CVFolds = 1
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidConfig))

	c.SkipCVChecks = true
	assert.NoError(t, c.Validate())
}

func TestConfigValidateRejectsZeroBudget(t *testing.T) {
	c := DefaultConfig()
	c.TotalBudget = 0
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidConfig))
}

func TestConfigValidateRejectsBadObjective(t *testing.T) {
	c := DefaultConfig()
	c.Objective = Objective("sideways")
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidConfig))
}

func TestConfigValidateRejectsEmptyCheckpointDir(t *testing.T) {
	c := DefaultConfig()
	c.CheckpointDir = ""
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidConfig))
}
