package retune

import (
	"context"
	"hash/fnv"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/retune/backends"
	"github.com/knights-analytics/retune/datasets"
	"github.com/knights-analytics/retune/options"
	"github.com/knights-analytics/retune/util/errutil"
)

const hashVocabSize = 64

// hashTokenizer maps whitespace separated words into a fixed vocabulary. 1, 2 and 3 are the
// [CLS], [SEP] and [MASK] tokens.
type hashTokenizer struct{}

func (hashTokenizer) id(word string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(word))
	return 4 + h.Sum32()%(hashVocabSize-4)
}

func (t hashTokenizer) EncodePair(first, second string) (datasets.Encoding, error) {
	var e datasets.Encoding
	add := func(id uint32, special uint32) {
		e.InputIDs = append(e.InputIDs, id)
		e.AttentionMask = append(e.AttentionMask, 1)
		e.TypeIDs = append(e.TypeIDs, 0)
		e.SpecialTokensMask = append(e.SpecialTokensMask, special)
	}
	add(1, 1)
	for _, word := range strings.Fields(strings.ReplaceAll(first, datasets.EntitySeparator, " ")) {
		add(t.id(word), 0)
	}
	add(2, 1)
	for _, word := range strings.Fields(second) {
		add(t.id(word), 0)
	}
	add(2, 1)
	return e, nil
}

func testRunOptions(t *testing.T) options.Options {
	t.Helper()
	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "tokenizer.json"), []byte("{}"), 0o600))
	workDir := t.TempDir()

	o := options.Defaults()
	o.Model = modelDir
	o.Loss = "LB"
	o.Scheduler = "cosine"
	o.Epochs = 3
	o.Batch = 2
	o.BatchValid = 2
	o.WarmupSteps = 0
	o.LearningRate = 0.01
	o.HiddenSize = 8
	o.GenerateOption = int(datasets.Concat)
	o.AugmentationProb = 0.3
	o.TrainDir = filepath.Join("testData", "relations")
	o.OutputDir = filepath.Join(workDir, "results")
	o.BestModelDir = filepath.Join(workDir, "best_model")
	o.LogDir = filepath.Join(workDir, "logs")
	return *o
}

func TestRun(t *testing.T) {
	o := testRunOptions(t)
	statistics, err := run(context.Background(), o, hashTokenizer{}, vocabulary{size: hashVocabSize, maskID: 3})
	require.NoError(t, err)
	require.NotNil(t, statistics)
	assert.Positive(t, statistics.GlobalStep)
	assert.NotEmpty(t, statistics.Evaluations)
	assert.Equal(t, "micro_f1", statistics.BestMetricName)

	bestDir := filepath.Join(o.BestModelDir, o.WandbName)
	for _, name := range []string{backends.ConfigFilename, backends.WeightsFilename, StatisticsFilename, "tokenizer.json"} {
		assert.FileExists(t, filepath.Join(bestDir, name))
	}
	config, err := backends.ReadClassifierConfig(bestDir)
	require.NoError(t, err)
	assert.Equal(t, hashVocabSize+o.AddToken, config.VocabSize)

	runs, err := os.ReadDir(filepath.Join(o.LogDir, o.WandbPath))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, strings.HasPrefix(runs[0].Name(), o.WandbName+"-"))

	// a second run continues from the saved classifier
	o.Model = bestDir
	o.WandbName = "continued"
	o.Epochs = 1
	o.Augmentation = false
	_, err = run(context.Background(), o, hashTokenizer{}, vocabulary{size: hashVocabSize, maskID: 3})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(o.BestModelDir, "continued", "tokenizer.json"))
}

func TestRunErrors(t *testing.T) {
	o := testRunOptions(t)
	o.Device = "cuda"
	_, err := run(context.Background(), o, hashTokenizer{}, vocabulary{size: hashVocabSize})
	assert.True(t, errutil.IsResourceError(err))
	_, err = Run(context.Background(), o)
	assert.True(t, errutil.IsResourceError(err))

	o = testRunOptions(t)
	o.HiddenSize = 1 << 16
	o.MaxMemoryMB = 1
	_, err = run(context.Background(), o, hashTokenizer{}, vocabulary{size: hashVocabSize})
	assert.True(t, errutil.IsResourceError(err))

	o = testRunOptions(t)
	o.Loss = "hinge"
	_, err = run(context.Background(), o, hashTokenizer{}, vocabulary{size: hashVocabSize})
	assert.True(t, errutil.IsConfigurationError(err))

	o = testRunOptions(t)
	o.TrainDir = t.TempDir()
	_, err = run(context.Background(), o, hashTokenizer{}, vocabulary{size: hashVocabSize})
	assert.Error(t, err)
}

func TestRunWithTokenizer(t *testing.T) {
	modelFolder := os.Getenv("TEST_MODELS_FOLDER")
	if modelFolder == "" {
		t.Skip("TEST_MODELS_FOLDER is not set")
	}
	o := testRunOptions(t)
	o.Model = path.Join(modelFolder, "klue_roberta-large")
	o.Epochs = 1
	o.MaxLength = 64
	statistics, err := Run(context.Background(), o)
	require.NoError(t, err)
	assert.Positive(t, statistics.GlobalStep)
	assert.FileExists(t, filepath.Join(o.BestModelDir, o.WandbName, "tokenizer.json"))
}
