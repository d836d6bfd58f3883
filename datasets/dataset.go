package datasets

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/knights-analytics/retune/util/errutil"
)

// Encoding is the tokenizer output for one input pair.
type Encoding struct {
	InputIDs          []uint32
	AttentionMask     []uint32
	TypeIDs           []uint32
	SpecialTokensMask []uint32
}

// Example is a tokenized input with its class id. Examples are never modified once created.
type Example struct {
	Encoding
	Label int
}

// Tokenizer encodes the (entity pair, sentence) input of a relation example.
type Tokenizer interface {
	EncodePair(first, second string) (Encoding, error)
}

// RelationDataset is an ordered collection of examples.
type RelationDataset struct {
	examples []Example
}

// NewRelationDataset wraps examples. The slice is owned by the dataset afterwards.
func NewRelationDataset(examples []Example) *RelationDataset {
	return &RelationDataset{examples: examples}
}

// Tokenize encodes raw examples and pairs them with their class ids.
func Tokenize(raw []RawExample, classIDs []int, tokenizer Tokenizer) (*RelationDataset, error) {
	if len(raw) != len(classIDs) {
		return nil, fmt.Errorf("%d examples but %d labels", len(raw), len(classIDs))
	}
	examples := make([]Example, len(raw))
	for i, example := range raw {
		encoding, err := tokenizer.EncodePair(example.EntityPair(), example.Sentence)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize example %d (%s): %w", i, example.ID, err)
		}
		examples[i] = Example{Encoding: encoding, Label: classIDs[i]}
	}
	return NewRelationDataset(examples), nil
}

func (d *RelationDataset) Len() int {
	return len(d.examples)
}

// At returns the i-th example.
func (d *RelationDataset) At(i int) Example {
	return d.examples[i]
}

// Labels returns the class ids in dataset order.
func (d *RelationDataset) Labels() []int {
	out := make([]int, len(d.examples))
	for i, example := range d.examples {
		out[i] = example.Label
	}
	return out
}

// Subset returns the examples at the given indices, in that order.
func (d *RelationDataset) Subset(indices []int) *RelationDataset {
	examples := make([]Example, len(indices))
	for i, index := range indices {
		examples[i] = d.examples[index]
	}
	return NewRelationDataset(examples)
}

// SplitIndices shuffles 0..n-1 with the seed and assigns the first ceil(n·ratio) indices to
// validation and the rest to training.
func SplitIndices(n int, ratio float64, seed uint64) (train []int, validation []int, err error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, errutil.NewConfigurationError("split_ratio", ratio, "must be in (0, 1)")
	}
	validationSize := int(math.Ceil(ratio*float64(n) - 1e-9))
	if validationSize < 1 || validationSize >= n {
		return nil, nil, errutil.NewConfigurationError("split_ratio", ratio, fmt.Sprintf("leaves an empty subset for %d examples", n))
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	permutation := rng.Perm(n)
	return permutation[validationSize:], permutation[:validationSize], nil
}

// Split divides the dataset into disjoint train and validation subsets. The split only depends
// on the dataset size, the ratio and the seed.
func (d *RelationDataset) Split(ratio float64, seed uint64) (*RelationDataset, *RelationDataset, error) {
	train, validation, err := SplitIndices(d.Len(), ratio, seed)
	if err != nil {
		return nil, nil, err
	}
	return d.Subset(train), d.Subset(validation), nil
}

// Concat returns a dataset with the examples of d followed by those of other.
func (d *RelationDataset) Concat(other *RelationDataset) *RelationDataset {
	examples := make([]Example, 0, d.Len()+other.Len())
	examples = append(examples, d.examples...)
	examples = append(examples, other.examples...)
	return NewRelationDataset(examples)
}
