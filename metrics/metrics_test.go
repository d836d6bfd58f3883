package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/knights-analytics/retune/labels"
	"github.com/knights-analytics/retune/util/errutil"
)

func TestResolve(t *testing.T) {
	for name, expected := range map[string]string{
		"f1":        MicroF1,
		"eval_f1":   MicroF1,
		"micro_f1":  MicroF1,
		"AUPRC":     AUPRC,
		"accuracy":  Accuracy,
		"eval_loss": Loss,
	} {
		key, greaterIsBetter, err := Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, expected, key, name)
		assert.Equal(t, expected != Loss, greaterIsBetter, name)
	}
	_, _, err := Resolve("bleu")
	assert.True(t, errutil.IsConfigurationError(err))
}

func TestMicroF1ExcludesNoRelation(t *testing.T) {
	// all correct, but only no_relation: nothing to score
	assert.Equal(t, 0.0, MicroF1Score([]int{0, 0}, []int{0, 0}))
	assert.InDelta(t, 100.0, MicroF1Score([]int{1, 2, 0}, []int{1, 2, 0}), 1e-12)
	// one true positive, one missed relation, one spurious relation
	assert.InDelta(t, 50.0, MicroF1Score([]int{1, 0, 3}, []int{1, 2, 0}), 1e-12)
}

func TestAccuracy(t *testing.T) {
	assert.InDelta(t, 0.75, AccuracyScore([]int{1, 2, 3, 4}, []int{1, 2, 3, 0}), 1e-12)
	assert.Equal(t, 0.0, AccuracyScore(nil, nil))
}

func TestAUPRC(t *testing.T) {
	// class 0 perfectly ranked, class 1 ranked in reverse
	probabilities := mat.NewDense(4, 2, []float64{
		0.9, 0.1,
		0.8, 0.2,
		0.3, 0.7,
		0.2, 0.8,
	})
	targets := []int{0, 0, 1, 1}
	assert.InDelta(t, 100.0, AUPRCScore(probabilities.Slice(0, 4, 0, 1), targets), 1e-12)

	reversed := mat.NewDense(4, 1, []float64{0.1, 0.2, 0.8, 0.9})
	// points (0,1) -> (0,0) -> (0,0) -> (0.5,1/3) -> (1,1/2)
	expected := 0.5*(0+1.0/3)/2 + 0.5*(1.0/3+0.5)/2
	assert.InDelta(t, expected*100, AUPRCScore(reversed, targets), 1e-12)

	// tied scores form a single point
	tied := mat.NewDense(4, 1, []float64{0.5, 0.5, 0.5, 0.5})
	assert.InDelta(t, 75.0, AUPRCScore(tied, targets), 1e-12)

	// classes without positives are left out
	assert.InDelta(t, 100.0, AUPRCScore(probabilities, []int{0, 0, 0, 0}), 1e-12)
}

func TestCompute(t *testing.T) {
	logits := mat.NewDense(3, labels.NumLabels, nil)
	logits.Set(0, 0, 5)
	logits.Set(1, 4, 5)
	logits.Set(2, 7, 5)
	result, err := Compute(logits, []int{0, 4, 12})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, result[Accuracy], 1e-12)
	assert.InDelta(t, 50.0, result[MicroF1], 1e-12)
	assert.Contains(t, result, AUPRC)

	assert.Equal(t, []int{0, 4, 7}, Argmax(logits))

	_, err = Compute(logits, []int{0})
	assert.Error(t, err)
	_, err = Compute(logits, []int{0, 4, 40})
	assert.Error(t, err)
}

func TestImproved(t *testing.T) {
	assert.True(t, Improved(0.6, 0.5, 0, true))
	assert.False(t, Improved(0.5, 0.5, 0, true))
	assert.False(t, Improved(0.55, 0.5, 0.1, true))
	assert.True(t, Improved(0.4, 0.5, 0, false))
	assert.False(t, Improved(0.6, 0.5, 0, false))
}
