package backends

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/retune/datasets"
)

func TestTruncate(t *testing.T) {
	encoding := datasets.Encoding{
		InputIDs:          []uint32{0, 10, 11, 12, 2},
		AttentionMask:     []uint32{1, 1, 1, 1, 1},
		TypeIDs:           []uint32{0, 0, 0, 0, 0},
		SpecialTokensMask: []uint32{1, 0, 0, 0, 1},
	}
	short := truncate(encoding, 3)
	assert.Equal(t, []uint32{0, 10, 2}, short.InputIDs)
	assert.Equal(t, []uint32{1, 0, 1}, short.SpecialTokensMask)
	assert.Len(t, short.AttentionMask, 3)

	assert.Equal(t, encoding, truncate(encoding, 0))
	assert.Equal(t, encoding, truncate(encoding, 5))
}

func TestLoadTokenizerMissing(t *testing.T) {
	_, err := LoadTokenizer(t.TempDir(), 0)
	assert.Error(t, err)
}

func TestLoadTokenizer(t *testing.T) {
	modelFolder := os.Getenv("TEST_MODELS_FOLDER")
	if modelFolder == "" {
		t.Skip("TEST_MODELS_FOLDER is not set")
	}
	tk, err := LoadTokenizer(path.Join(modelFolder, "klue_roberta-large"), 16)
	require.NoError(t, err)
	assert.Positive(t, tk.VocabSize)
	assert.NotZero(t, tk.MaskID)

	encoding, err := tk.EncodePair("이순신"+datasets.EntitySeparator+"조선", "이순신은 조선 중기의 무신이다. 그는 임진왜란에서 수군을 이끌었다.")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(encoding.InputIDs), 16)
	assert.Len(t, encoding.AttentionMask, len(encoding.InputIDs))
	assert.Equal(t, uint32(1), encoding.SpecialTokensMask[0])
}
