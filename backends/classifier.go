package backends

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"gonum.org/v1/gonum/mat"

	"github.com/knights-analytics/retune/datasets"
	"github.com/knights-analytics/retune/labels"
	"github.com/knights-analytics/retune/util/fileutil"
)

const (
	ConfigFilename  = "config.json"
	WeightsFilename = "model.bin"

	// initializerRange is the standard deviation of the initial weights.
	initializerRange = 0.02
)

// ClassifierConfig describes the shape of a Classifier. It is saved as config.json.
type ClassifierConfig struct {
	ModelType  string            `json:"model_type"`
	VocabSize  int               `json:"vocab_size"`
	HiddenSize int               `json:"hidden_size"`
	NumLabels  int               `json:"num_labels"`
	ID2Label   map[string]string `json:"id2label,omitempty"`
}

// NewClassifierConfig returns the configuration for the relation label table.
func NewClassifierConfig(vocabSize, hiddenSize int) ClassifierConfig {
	id2Label := map[string]string{}
	for i, name := range labels.Names() {
		id2Label[strconv.Itoa(i)] = name
	}
	return ClassifierConfig{
		ModelType:  "embedding-bag-classifier",
		VocabSize:  vocabSize,
		HiddenSize: hiddenSize,
		NumLabels:  labels.NumLabels,
		ID2Label:   id2Label,
	}
}

// ParameterCount returns the number of trainable values of a classifier with this configuration.
func (c ClassifierConfig) ParameterCount() int64 {
	return int64(c.VocabSize)*int64(c.HiddenSize) + int64(c.HiddenSize)*int64(c.NumLabels) + int64(c.NumLabels)
}

// TrainingMemoryBytes estimates the memory used while training: values, gradients and the two
// AdamW moments, all float64.
func (c ClassifierConfig) TrainingMemoryBytes() int64 {
	return c.ParameterCount() * 8 * 4
}

func (c ClassifierConfig) validate() error {
	if c.VocabSize <= 0 || c.HiddenSize <= 0 || c.NumLabels <= 0 {
		return fmt.Errorf("vocab size, hidden size and number of labels must be positive, got %d, %d, %d", c.VocabSize, c.HiddenSize, c.NumLabels)
	}
	return nil
}

// Classifier mean-pools the embeddings of the attended tokens and projects them to the label logits.
type Classifier struct {
	config         ClassifierConfig
	embeddings     *mat.Dense // vocab x hidden
	weight         *mat.Dense // hidden x labels
	bias           *mat.VecDense
	embeddingsGrad *mat.Dense
	weightGrad     *mat.Dense
	biasGrad       *mat.VecDense
	params         []*Parameter
	cache          *forwardCache
}

type forwardCache struct {
	pooled *mat.Dense
	tokens [][]int // attended token ids of each example
}

// NewClassifier creates a classifier with weights drawn from N(0, 0.02) and zero bias.
func NewClassifier(config ClassifierConfig, seed uint64) (*Classifier, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0xa5a5a5a5))
	c := &Classifier{
		config:         config,
		embeddings:     mat.NewDense(config.VocabSize, config.HiddenSize, nil),
		weight:         mat.NewDense(config.HiddenSize, config.NumLabels, nil),
		bias:           mat.NewVecDense(config.NumLabels, nil),
		embeddingsGrad: mat.NewDense(config.VocabSize, config.HiddenSize, nil),
		weightGrad:     mat.NewDense(config.HiddenSize, config.NumLabels, nil),
		biasGrad:       mat.NewVecDense(config.NumLabels, nil),
	}
	for _, values := range [][]float64{c.embeddings.RawMatrix().Data, c.weight.RawMatrix().Data} {
		for i := range values {
			values[i] = rng.NormFloat64() * initializerRange
		}
	}
	c.params = []*Parameter{
		{Name: "embeddings", Value: c.embeddings.RawMatrix().Data, Grad: c.embeddingsGrad.RawMatrix().Data, Decay: true},
		{Name: "classifier.weight", Value: c.weight.RawMatrix().Data, Grad: c.weightGrad.RawMatrix().Data, Decay: true},
		{Name: "classifier.bias", Value: c.bias.RawVector().Data, Grad: c.biasGrad.RawVector().Data},
	}
	return c, nil
}

// LoadClassifier creates a classifier from a saved directory. The embedding table is resized to
// vocabSize when it differs from the saved one.
func LoadClassifier(path string, vocabSize int, seed uint64) (*Classifier, error) {
	config, err := ReadClassifierConfig(path)
	if err != nil {
		return nil, err
	}
	if vocabSize > 0 {
		config.VocabSize = vocabSize
	}
	c, err := NewClassifier(config, seed)
	if err != nil {
		return nil, err
	}
	if err = c.Load(path); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadClassifierConfig reads config.json from a saved classifier directory.
func ReadClassifierConfig(path string) (ClassifierConfig, error) {
	var config ClassifierConfig
	configBytes, err := fileutil.ReadFileBytes(fileutil.PathJoinSafe(path, ConfigFilename))
	if err != nil {
		return config, err
	}
	if err = jsoniter.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("failed to parse %s: %w", ConfigFilename, err)
	}
	return config, config.validate()
}

// HasCheckpoint reports whether path holds saved classifier weights.
func HasCheckpoint(path string) (bool, error) {
	for _, name := range []string{ConfigFilename, WeightsFilename} {
		exists, err := fileutil.FileExists(fileutil.PathJoinSafe(path, name))
		if err != nil || !exists {
			return false, err
		}
	}
	return true, nil
}

func (c *Classifier) Config() ClassifierConfig {
	return c.config
}

func (c *Classifier) Parameters() []*Parameter {
	return c.params
}

func (c *Classifier) pool(batch datasets.Batch) (*mat.Dense, [][]int, error) {
	pooled := mat.NewDense(batch.Size(), c.config.HiddenSize, nil)
	tokens := make([][]int, batch.Size())
	for b, ids := range batch.InputIDs {
		row := pooled.RawRowView(b)
		for position, id := range ids {
			if position < len(batch.AttentionMask[b]) && batch.AttentionMask[b][position] == 0 {
				continue
			}
			if int(id) >= c.config.VocabSize {
				return nil, nil, fmt.Errorf("token id %d is outside the embedding table of size %d", id, c.config.VocabSize)
			}
			tokens[b] = append(tokens[b], int(id))
			embedding := c.embeddings.RawRowView(int(id))
			for h := range row {
				row[h] += embedding[h]
			}
		}
		if n := len(tokens[b]); n > 0 {
			for h := range row {
				row[h] /= float64(n)
			}
		}
	}
	return pooled, tokens, nil
}

func (c *Classifier) project(pooled *mat.Dense) *mat.Dense {
	rows, _ := pooled.Dims()
	logits := mat.NewDense(rows, c.config.NumLabels, nil)
	logits.Mul(pooled, c.weight)
	for b := 0; b < rows; b++ {
		row := logits.RawRowView(b)
		for j := range row {
			row[j] += c.bias.AtVec(j)
		}
	}
	return logits
}

func (c *Classifier) Predict(batch datasets.Batch) (*mat.Dense, error) {
	if batch.Size() == 0 {
		return nil, errors.New("empty batch")
	}
	pooled, _, err := c.pool(batch)
	if err != nil {
		return nil, err
	}
	return c.project(pooled), nil
}

func (c *Classifier) Forward(batch datasets.Batch) (*mat.Dense, error) {
	if batch.Size() == 0 {
		return nil, errors.New("empty batch")
	}
	pooled, tokens, err := c.pool(batch)
	if err != nil {
		return nil, err
	}
	c.cache = &forwardCache{pooled: pooled, tokens: tokens}
	return c.project(pooled), nil
}

func (c *Classifier) Backward(gradLogits *mat.Dense) error {
	if c.cache == nil {
		return errors.New("backward called without a forward pass")
	}
	pooled, tokens := c.cache.pooled, c.cache.tokens
	c.cache = nil

	rows, cols := gradLogits.Dims()
	pooledRows, _ := pooled.Dims()
	if rows != pooledRows || cols != c.config.NumLabels {
		return fmt.Errorf("gradient shape (%d, %d) does not match logits (%d, %d)", rows, cols, pooledRows, c.config.NumLabels)
	}

	var weightGrad mat.Dense
	weightGrad.Mul(pooled.T(), gradLogits)
	c.weightGrad.Add(c.weightGrad, &weightGrad)
	for j := 0; j < cols; j++ {
		c.biasGrad.SetVec(j, c.biasGrad.AtVec(j)+mat.Sum(gradLogits.ColView(j)))
	}

	var pooledGrad mat.Dense
	pooledGrad.Mul(gradLogits, c.weight.T())
	for b, ids := range tokens {
		if len(ids) == 0 {
			continue
		}
		scale := 1 / float64(len(ids))
		upstream := pooledGrad.RawRowView(b)
		for _, id := range ids {
			row := c.embeddingsGrad.RawRowView(id)
			for h := range row {
				row[h] += upstream[h] * scale
			}
		}
	}
	return nil
}

// Save writes config.json and model.bin to path.
func (c *Classifier) Save(path string) (err error) {
	configBytes, err := jsoniter.MarshalIndent(c.config, "", "  ")
	if err != nil {
		return err
	}
	if err = fileutil.WriteFileBytes(fileutil.PathJoinSafe(path, ConfigFilename), configBytes, "application/json"); err != nil {
		return err
	}
	writer, err := fileutil.NewFileWriter(fileutil.PathJoinSafe(path, WeightsFilename), "")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	if _, err = c.embeddings.MarshalBinaryTo(writer); err != nil {
		return err
	}
	if _, err = c.weight.MarshalBinaryTo(writer); err != nil {
		return err
	}
	_, err = c.bias.MarshalBinaryTo(writer)
	return err
}

// Load reads weights saved by Save into the classifier. Embedding rows beyond the saved vocabulary
// keep their current values; saved rows beyond the current vocabulary are dropped.
func (c *Classifier) Load(path string) (err error) {
	config, err := ReadClassifierConfig(path)
	if err != nil {
		return err
	}
	if config.HiddenSize != c.config.HiddenSize || config.NumLabels != c.config.NumLabels {
		return fmt.Errorf("checkpoint at %s has hidden size %d and %d labels, expected %d and %d",
			path, config.HiddenSize, config.NumLabels, c.config.HiddenSize, c.config.NumLabels)
	}
	reader, err := fileutil.OpenFile(fileutil.PathJoinSafe(path, WeightsFilename))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, fileutil.CloseFile(reader))
	}()

	var embeddings, weight mat.Dense
	var bias mat.VecDense
	if err = readMatrices(reader, &embeddings, &weight, &bias); err != nil {
		return fmt.Errorf("failed to read %s: %w", WeightsFilename, err)
	}
	savedVocab, _ := embeddings.Dims()
	if savedVocab != c.config.VocabSize {
		log.Warn().Int("saved", savedVocab).Int("current", c.config.VocabSize).Str("path", path).Msg("resizing token embeddings")
	}
	rows := min(savedVocab, c.config.VocabSize)
	c.embeddings.Slice(0, rows, 0, c.config.HiddenSize).(*mat.Dense).Copy(embeddings.Slice(0, rows, 0, c.config.HiddenSize))
	c.weight.Copy(&weight)
	c.bias.CopyVec(&bias)
	return nil
}

func readMatrices(reader io.Reader, embeddings, weight *mat.Dense, bias *mat.VecDense) error {
	if _, err := embeddings.UnmarshalBinaryFrom(reader); err != nil {
		return err
	}
	if _, err := weight.UnmarshalBinaryFrom(reader); err != nil {
		return err
	}
	_, err := bias.UnmarshalBinaryFrom(reader)
	return err
}
