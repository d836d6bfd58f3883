package datasets

import (
	"fmt"
	"io"
	"math/rand/v2"
)

// Batch is a padded group of examples.
type Batch struct {
	InputIDs      [][]uint32
	AttentionMask [][]uint32
	TypeIDs       [][]uint32
	Labels        []int
}

func (b Batch) Size() int {
	return len(b.Labels)
}

// Loader yields batches over a dataset, one epoch at a time.
type Loader struct {
	dataset   *RelationDataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	batchN    int
}

// NewLoader creates a loader. With shuffle set, every epoch visits the examples in a new
// order drawn from the seed.
func NewLoader(dataset *RelationDataset, batchSize int, shuffle bool, seed uint64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be greater than 0")
	}
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	l := &Loader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewPCG(seed, seed+1)),
	}
	l.Reset()
	return l, nil
}

// NumBatches returns the number of batches in one epoch.
func (l *Loader) NumBatches() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// Reset starts a new epoch.
func (l *Loader) Reset() {
	l.batchN = 0
	if l.order == nil || l.shuffle {
		l.order = make([]int, l.dataset.Len())
		for i := range l.order {
			l.order[i] = i
		}
	}
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// Next returns the next batch of the epoch, or io.EOF once the epoch is done.
func (l *Loader) Next() (Batch, error) {
	start := l.batchN * l.batchSize
	if start >= len(l.order) {
		return Batch{}, io.EOF
	}
	end := min(start+l.batchSize, len(l.order))
	l.batchN++

	examples := make([]Example, 0, end-start)
	for _, index := range l.order[start:end] {
		example := l.dataset.At(index)
		if len(example.AttentionMask) != len(example.InputIDs) {
			return Batch{}, fmt.Errorf("example %d has %d input ids but %d attention mask values",
				index, len(example.InputIDs), len(example.AttentionMask))
		}
		examples = append(examples, example)
	}
	return Collate(examples), nil
}

// Collate pads examples to the longest one with zero ids and a zero attention mask.
func Collate(examples []Example) Batch {
	maxLength := 0
	for _, example := range examples {
		maxLength = max(maxLength, len(example.InputIDs))
	}
	batch := Batch{
		InputIDs:      make([][]uint32, len(examples)),
		AttentionMask: make([][]uint32, len(examples)),
		TypeIDs:       make([][]uint32, len(examples)),
		Labels:        make([]int, len(examples)),
	}
	for i, example := range examples {
		ids := make([]uint32, maxLength)
		mask := make([]uint32, maxLength)
		types := make([]uint32, maxLength)
		copy(ids, example.InputIDs)
		copy(mask, example.AttentionMask)
		copy(types, example.TypeIDs)
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
		batch.TypeIDs[i] = types
		batch.Labels[i] = example.Label
	}
	return batch
}
