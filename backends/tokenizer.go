package backends

import (
	"fmt"

	"github.com/knights-analytics/retune/datasets"
	"github.com/knights-analytics/retune/util/fileutil"
)

// TokenizerFiles are the files copied next to a saved model so that it can be used as --model again.
var TokenizerFiles = []string{
	"special_tokens_map.json",
	"tokenizer_config.json",
	"tokenizer.json",
	"vocab.txt",
}

// Tokenizer encodes (entity pair, sentence) inputs to fixed format ids.
type Tokenizer struct {
	GoTokenizer *GoTokenizer
	Path        string // directory the tokenizer was loaded from
	MaxLength   int    // encodings are truncated to this many tokens, 0 means no limit
	VocabSize   int
	MaskID      uint32
}

// LoadTokenizer loads tokenizer.json from the model directory.
func LoadTokenizer(modelPath string, maxLength int) (*Tokenizer, error) {
	tokenizerPath := fileutil.PathJoinSafe(modelPath, "tokenizer.json")
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("no tokenizer.json found at %s", modelPath)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return nil, err
	}
	tk := &Tokenizer{Path: modelPath, MaxLength: maxLength}
	if err = loadGoTokenizer(tokenizerBytes, tk); err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", modelPath, err)
	}
	return tk, nil
}

func (t *Tokenizer) EncodePair(first, second string) (datasets.Encoding, error) {
	return encodePairGo(t, first, second)
}

// truncate keeps the first maxLength-1 tokens and the closing special token. A maxLength of 0 or
// 1 leaves the encoding as it is; options validation rejects lengths that cannot hold the special tokens.
func truncate(encoding datasets.Encoding, maxLength int) datasets.Encoding {
	if maxLength <= 1 || len(encoding.InputIDs) <= maxLength {
		return encoding
	}
	cut := func(values []uint32) []uint32 {
		if len(values) <= maxLength {
			return values
		}
		out := make([]uint32, maxLength)
		copy(out, values[:maxLength-1])
		out[maxLength-1] = values[len(values)-1]
		return out
	}
	return datasets.Encoding{
		InputIDs:          cut(encoding.InputIDs),
		AttentionMask:     cut(encoding.AttentionMask),
		TypeIDs:           cut(encoding.TypeIDs),
		SpecialTokensMask: cut(encoding.SpecialTokensMask),
	}
}
