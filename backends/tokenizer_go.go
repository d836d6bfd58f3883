package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/retune/datasets"
	"github.com/knights-analytics/retune/util/safeconv"
)

// maskTokens are tried in order to find the id used by masking augmentation.
var maskTokens = []string{"[MASK]", "<mask>"}

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte, tk *Tokenizer) error {
	goTK, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return tkErr
	}
	tk.GoTokenizer = &GoTokenizer{Tokenizer: goTK}
	tk.VocabSize = goTK.GetVocabSize(true)
	for _, token := range maskTokens {
		if id, ok := goTK.TokenToId(token); ok {
			tk.MaskID = safeconv.IntToUint32(id)
			break
		}
	}
	return nil
}

func encodePairGo(tk *Tokenizer, first, second string) (datasets.Encoding, error) {
	output, err := tk.GoTokenizer.Tokenizer.EncodePair(first, second, true)
	if err != nil {
		return datasets.Encoding{}, err
	}
	encoding := datasets.Encoding{
		InputIDs:          safeconv.IntSliceToUint32Slice(output.Ids),
		AttentionMask:     safeconv.IntSliceToUint32Slice(output.AttentionMask),
		TypeIDs:           safeconv.IntSliceToUint32Slice(output.TypeIds),
		SpecialTokensMask: safeconv.IntSliceToUint32Slice(output.SpecialTokenMask),
	}
	return truncate(encoding, tk.MaxLength), nil
}
