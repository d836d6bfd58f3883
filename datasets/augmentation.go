package datasets

import (
	"math/rand/v2"
)

// AugmentConfig controls random masking and deletion of tokens.
type AugmentConfig struct {
	MaskID      uint32  // token that replaces masked tokens
	Probability float64 // per token probability of being masked or deleted
	Seed        uint64
}

// Augment appends one perturbed copy of every example: either some tokens are replaced by the
// mask token, or some tokens are deleted. Special tokens and padding are never touched, and a copy
// identical to its source is not added.
func Augment(dataset *RelationDataset, config AugmentConfig) *RelationDataset {
	if config.Probability <= 0 {
		return dataset
	}
	rng := rand.New(rand.NewPCG(config.Seed, config.Seed^0x5bd1e995))
	augmented := make([]Example, 0, dataset.Len())
	for i := 0; i < dataset.Len(); i++ {
		example := dataset.At(i)
		var copied Example
		var changed bool
		if rng.IntN(2) == 0 {
			copied, changed = maskTokens(example, config, rng)
		} else {
			copied, changed = deleteTokens(example, config, rng)
		}
		if changed {
			augmented = append(augmented, copied)
		}
	}
	return dataset.Concat(NewRelationDataset(augmented))
}

func mutable(example Example, position int) bool {
	if position < len(example.AttentionMask) && example.AttentionMask[position] == 0 {
		return false
	}
	if position < len(example.SpecialTokensMask) && example.SpecialTokensMask[position] != 0 {
		return false
	}
	return true
}

func maskTokens(example Example, config AugmentConfig, rng *rand.Rand) (Example, bool) {
	ids := make([]uint32, len(example.InputIDs))
	copy(ids, example.InputIDs)
	changed := false
	for j := range ids {
		if mutable(example, j) && rng.Float64() < config.Probability {
			ids[j] = config.MaskID
			changed = true
		}
	}
	out := example
	out.InputIDs = ids
	out.AttentionMask = append([]uint32(nil), example.AttentionMask...)
	out.TypeIDs = append([]uint32(nil), example.TypeIDs...)
	out.SpecialTokensMask = append([]uint32(nil), example.SpecialTokensMask...)
	return out, changed
}

func deleteTokens(example Example, config AugmentConfig, rng *rand.Rand) (Example, bool) {
	out := Example{Label: example.Label}
	for j, id := range example.InputIDs {
		if mutable(example, j) && rng.Float64() < config.Probability {
			continue
		}
		out.InputIDs = append(out.InputIDs, id)
		out.AttentionMask = append(out.AttentionMask, valueAt(example.AttentionMask, j, 1))
		out.TypeIDs = append(out.TypeIDs, valueAt(example.TypeIDs, j, 0))
		out.SpecialTokensMask = append(out.SpecialTokensMask, valueAt(example.SpecialTokensMask, j, 0))
	}
	return out, len(out.InputIDs) != len(example.InputIDs)
}

func valueAt(values []uint32, i int, fallback uint32) uint32 {
	if i < len(values) {
		return values[i]
	}
	return fallback
}
