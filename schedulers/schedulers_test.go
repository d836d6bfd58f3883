package schedulers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/retune/util/errutil"
)

const baseLR = 5e-5

func advance(s Schedule, steps int) {
	for i := 0; i < steps; i++ {
		s.Step()
	}
}

func TestWarmup(t *testing.T) {
	for _, name := range []string{"linear", "cosine"} {
		s, err := Select(name, Config{BaseLR: baseLR, TotalSteps: 1000, WarmupSteps: 100})
		require.NoError(t, err)
		assert.InDelta(t, 0, s.LearningRate(), 1e-15, name)

		advance(s, 50)
		assert.InDelta(t, baseLR/2, s.LearningRate(), 1e-15, name)

		advance(s, 50)
		assert.Equal(t, 100, s.Steps())
		assert.InDelta(t, baseLR, s.LearningRate(), 1e-15, name)

		advance(s, 900)
		assert.InDelta(t, 0, s.LearningRate(), 1e-15, name)

		advance(s, 10)
		assert.InDelta(t, 0, s.LearningRate(), 1e-15, name)
	}
}

func TestLinearDecay(t *testing.T) {
	s, err := Build(Linear, Config{BaseLR: baseLR, TotalSteps: 300, WarmupSteps: 100})
	require.NoError(t, err)
	advance(s, 200)
	assert.InDelta(t, baseLR/2, s.LearningRate(), 1e-15)
}

func TestCosineRestarts(t *testing.T) {
	s, err := Build(CosineWithRestarts, Config{BaseLR: baseLR, TotalSteps: 500, WarmupSteps: 100, NumCycles: 2})
	require.NoError(t, err)
	advance(s, 200)
	// half way through the first cycle
	assert.InDelta(t, baseLR/2, s.LearningRate(), 1e-15)
	advance(s, 100)
	// restart
	assert.InDelta(t, baseLR, s.LearningRate(), 1e-15)
	advance(s, 199)
	assert.Less(t, s.LearningRate(), baseLR*1e-3)
}

func TestStepDecay(t *testing.T) {
	s, err := Select("steplr", Config{BaseLR: baseLR, TotalSteps: 10000, WarmupSteps: 810})
	require.NoError(t, err)
	assert.Equal(t, baseLR, s.LearningRate())

	advance(s, StepSize-1)
	assert.Equal(t, baseLR, s.LearningRate())
	advance(s, 1)
	assert.InDelta(t, baseLR*0.5, s.LearningRate(), 1e-20)
	advance(s, StepSize)
	assert.Equal(t, 2160, s.Steps())
	assert.InDelta(t, baseLR*0.25, s.LearningRate(), 1e-20)
}

func TestLearningRateHasNoSideEffects(t *testing.T) {
	s, err := Build(Linear, Config{BaseLR: baseLR, TotalSteps: 100, WarmupSteps: 10})
	require.NoError(t, err)
	advance(s, 3)
	first := s.LearningRate()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, s.LearningRate())
	}
	assert.Equal(t, 3, s.Steps())
}

func TestUnknownScheduler(t *testing.T) {
	_, err := Select("onecycle", Config{BaseLR: baseLR, TotalSteps: 10})
	require.Error(t, err)
	assert.True(t, errutil.IsConfigurationError(err))

	_, err = Build(Kind(9), Config{BaseLR: baseLR, TotalSteps: 10})
	assert.True(t, errutil.IsConfigurationError(err))
}

func TestInvalidConfig(t *testing.T) {
	_, err := Build(Linear, Config{BaseLR: baseLR})
	assert.True(t, errutil.IsConfigurationError(err))
	_, err = Build(Linear, Config{BaseLR: baseLR, TotalSteps: 10, WarmupSteps: -1})
	assert.True(t, errutil.IsConfigurationError(err))
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "linear", Linear.String())
	assert.Equal(t, "cosine", CosineWithRestarts.String())
	assert.Equal(t, "steplr", Step.String())
}
