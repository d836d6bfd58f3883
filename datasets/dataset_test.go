package datasets

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/retune/labels"
	"github.com/knights-analytics/retune/util/errutil"
)

const testDataDir = "../testData/relations"

// whitespaceTokenizer assigns ids to words in order of appearance. 1 and 2 are the special
// [CLS] and [SEP] tokens.
type whitespaceTokenizer struct {
	vocab map[string]uint32
}

func (w *whitespaceTokenizer) id(token string) uint32 {
	if w.vocab == nil {
		w.vocab = map[string]uint32{}
	}
	id, ok := w.vocab[token]
	if !ok {
		id = uint32(len(w.vocab) + 10)
		w.vocab[token] = id
	}
	return id
}

func (w *whitespaceTokenizer) EncodePair(first, second string) (Encoding, error) {
	var e Encoding
	add := func(id uint32, special bool) {
		e.InputIDs = append(e.InputIDs, id)
		e.AttentionMask = append(e.AttentionMask, 1)
		e.TypeIDs = append(e.TypeIDs, 0)
		if special {
			e.SpecialTokensMask = append(e.SpecialTokensMask, 1)
		} else {
			e.SpecialTokensMask = append(e.SpecialTokensMask, 0)
		}
	}
	add(1, true)
	for _, word := range strings.Fields(first) {
		add(w.id(word), false)
	}
	add(2, true)
	for _, word := range strings.Fields(second) {
		add(w.id(word), false)
	}
	add(2, true)
	return e, nil
}

func syntheticDataset(n int) *RelationDataset {
	examples := make([]Example, n)
	for i := range examples {
		examples[i] = Example{
			Encoding: Encoding{
				InputIDs:          []uint32{1, uint32(100 + i), 2},
				AttentionMask:     []uint32{1, 1, 1},
				TypeIDs:           []uint32{0, 0, 0},
				SpecialTokensMask: []uint32{1, 0, 1},
			},
			Label: i % labels.NumLabels,
		}
	}
	return NewRelationDataset(examples)
}

func TestParseEntity(t *testing.T) {
	entity := ParseEntity("{'word': '비틀즈', 'start_idx': 24, 'end_idx': 26, 'type': 'ORG'}")
	assert.Equal(t, Entity{Word: "비틀즈", StartIdx: 24, EndIdx: 26, Type: "ORG"}, entity)

	entity = ParseEntity(`{'word': "Tom O'Brien", 'start_idx': 0, 'end_idx': 10, 'type': 'PER'}`)
	assert.Equal(t, "Tom O'Brien", entity.Word)
	assert.Equal(t, "PER", entity.Type)

	entity = ParseEntity(`{'word': 'it\'s', 'start_idx': 1, 'end_idx': 4, 'type': 'POH'}`)
	assert.Equal(t, "it's", entity.Word)

	entity = ParseEntity(" 한성 ")
	assert.Equal(t, Entity{Word: "한성", StartIdx: -1, EndIdx: -1}, entity)
}

func TestLoadGenerateOptions(t *testing.T) {
	original, err := Load(testDataDir, Original)
	require.NoError(t, err)
	require.Len(t, original, 5)
	assert.Equal(t, "비틀즈", original[0].SubjectEntity.Word)
	assert.Equal(t, "조지 해리슨", original[0].ObjectEntity.Word)
	assert.Equal(t, "비틀즈[SEP]조지 해리슨", original[0].EntityPair())
	assert.Equal(t, "org:top_members/employees", original[3].Label)
	assert.Contains(t, original[3].Sentence, "(주)아성다이소")
	assert.Equal(t, "Tom O'Brien", original[4].SubjectEntity.Word)
	assert.Equal(t, "the band", original[4].ObjectEntity.Word)

	generated, err := Load(testDataDir, Generated)
	require.NoError(t, err)
	require.Len(t, generated, 1)
	assert.Equal(t, "per:place_of_birth", generated[0].Label)
	assert.Equal(t, "", generated[0].ID)

	concat, err := Load(testDataDir, Concat)
	require.NoError(t, err)
	assert.Len(t, concat, 6)

	_, err = Load(testDataDir, GenerateOption(3))
	assert.True(t, errutil.IsConfigurationError(err))

	_, err = LoadCSV(testDataDir + "/missing.csv")
	assert.Error(t, err)
}

func TestUnknownLabelFailsAtLoading(t *testing.T) {
	raw, err := LoadCSV(testDataDir + "/unknown_label.csv")
	require.NoError(t, err)
	_, err = labels.Encode(RawLabels(raw))
	var unknown *labels.UnknownLabelError
	assert.True(t, errors.As(err, &unknown))
}

func TestReadCSVMissingColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("sentence,label\na,no_relation\n"))
	assert.ErrorContains(t, err, "subject_entity")
}

func TestTokenize(t *testing.T) {
	raw, err := Load(testDataDir, Original)
	require.NoError(t, err)
	classIDs, err := labels.Encode(RawLabels(raw))
	require.NoError(t, err)

	dataset, err := Tokenize(raw, classIDs, &whitespaceTokenizer{})
	require.NoError(t, err)
	require.Equal(t, 5, dataset.Len())
	assert.Equal(t, classIDs, dataset.Labels())
	first := dataset.At(0)
	assert.Equal(t, uint32(1), first.InputIDs[0])
	assert.Len(t, first.AttentionMask, len(first.InputIDs))

	_, err = Tokenize(raw, classIDs[:2], &whitespaceTokenizer{})
	assert.Error(t, err)
}

func TestSplitSizesAndDeterminism(t *testing.T) {
	dataset := syntheticDataset(100)
	train, validation, err := dataset.Split(0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, 80, train.Len())
	assert.Equal(t, 20, validation.Len())

	_, validationAgain, err := dataset.Split(0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, validation, validationAgain)

	trainIndices, validationIndices, err := SplitIndices(100, 0.2, 42)
	require.NoError(t, err)
	_, validationIndicesAgain, err := SplitIndices(100, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, validationIndices, validationIndicesAgain)

	// every example is in exactly one subset
	seen := map[int]int{}
	for _, i := range append(trainIndices, validationIndices...) {
		seen[i]++
	}
	assert.Len(t, seen, 100)
	for _, count := range seen {
		assert.Equal(t, 1, count)
	}

	_, otherSeed, err := SplitIndices(100, 0.2, 7)
	require.NoError(t, err)
	assert.NotEqual(t, validationIndices, otherSeed)
}

func TestSplitRatios(t *testing.T) {
	for _, tc := range []struct {
		n     int
		ratio float64
	}{{10, 0.25}, {33, 0.1}, {7, 0.5}, {1000, 0.3}} {
		train, validation, err := SplitIndices(tc.n, tc.ratio, 1)
		require.NoError(t, err)
		expected := tc.ratio * float64(tc.n)
		assert.InDelta(t, expected, float64(len(validation)), 1)
		assert.Equal(t, tc.n, len(train)+len(validation))
	}

	_, _, err := SplitIndices(10, 0, 1)
	assert.True(t, errutil.IsConfigurationError(err))
	_, _, err = SplitIndices(10, 1, 1)
	assert.True(t, errutil.IsConfigurationError(err))
	_, _, err = SplitIndices(1, 0.5, 1)
	assert.True(t, errutil.IsConfigurationError(err))
}

func TestLoader(t *testing.T) {
	dataset := NewRelationDataset([]Example{
		{Encoding: Encoding{InputIDs: []uint32{1, 5, 2}, AttentionMask: []uint32{1, 1, 1}}, Label: 3},
		{Encoding: Encoding{InputIDs: []uint32{1, 6, 7, 8, 2}, AttentionMask: []uint32{1, 1, 1, 1, 1}}, Label: 4},
		{Encoding: Encoding{InputIDs: []uint32{1, 2}, AttentionMask: []uint32{1, 1}}, Label: 5},
	})
	loader, err := NewLoader(dataset, 2, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.NumBatches())

	batch, err := loader.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Size())
	assert.Equal(t, []uint32{1, 5, 2, 0, 0}, batch.InputIDs[0])
	assert.Equal(t, []uint32{1, 1, 1, 0, 0}, batch.AttentionMask[0])
	assert.Equal(t, []int{3, 4}, batch.Labels)

	batch, err = loader.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{5}, batch.Labels)

	_, err = loader.Next()
	assert.ErrorIs(t, err, io.EOF)

	loader.Reset()
	batch, err = loader.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, batch.Labels)

	_, err = NewLoader(dataset, 0, false, 0)
	assert.Error(t, err)
}

func TestLoaderMalformedExample(t *testing.T) {
	dataset := NewRelationDataset([]Example{
		{Encoding: Encoding{InputIDs: []uint32{1, 5, 2}, AttentionMask: []uint32{1, 1}}, Label: 3},
	})
	loader, err := NewLoader(dataset, 2, false, 0)
	require.NoError(t, err)
	_, err = loader.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestShuffledLoaderVisitsEverything(t *testing.T) {
	dataset := syntheticDataset(25)
	loader, err := NewLoader(dataset, 4, true, 42)
	require.NoError(t, err)
	for epoch := 0; epoch < 2; epoch++ {
		seen := map[uint32]bool{}
		for {
			batch, nextErr := loader.Next()
			if errors.Is(nextErr, io.EOF) {
				break
			}
			require.NoError(t, nextErr)
			for _, ids := range batch.InputIDs {
				seen[ids[1]] = true
			}
		}
		assert.Len(t, seen, 25)
		loader.Reset()
	}
}

func TestAugment(t *testing.T) {
	dataset := syntheticDataset(50)
	augmented := Augment(dataset, AugmentConfig{MaskID: 4, Probability: 1, Seed: 3})
	// with probability 1 every example changes: either its only word is masked or deleted
	require.Equal(t, 100, augmented.Len())
	for i := 0; i < 50; i++ {
		assert.Equal(t, dataset.At(i), augmented.At(i))
	}
	for i := 50; i < 100; i++ {
		example := augmented.At(i)
		assert.Equal(t, dataset.At(i-50).Label, example.Label)
		assert.Equal(t, uint32(1), example.InputIDs[0])
		assert.Equal(t, uint32(2), example.InputIDs[len(example.InputIDs)-1])
		if len(example.InputIDs) == 3 {
			assert.Equal(t, uint32(4), example.InputIDs[1])
		} else {
			assert.Len(t, example.InputIDs, 2)
			assert.Len(t, example.AttentionMask, 2)
		}
	}

	assert.Same(t, dataset, Augment(dataset, AugmentConfig{Probability: 0}))

	again := Augment(dataset, AugmentConfig{MaskID: 4, Probability: 0.5, Seed: 9})
	other := Augment(dataset, AugmentConfig{MaskID: 4, Probability: 0.5, Seed: 9})
	assert.Equal(t, again, other)
}
