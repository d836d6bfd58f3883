package retune

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/retune/backends"
	"github.com/knights-analytics/retune/datasets"
	"github.com/knights-analytics/retune/labels"
	"github.com/knights-analytics/retune/losses"
	"github.com/knights-analytics/retune/options"
	"github.com/knights-analytics/retune/tracking"
	"github.com/knights-analytics/retune/util/errutil"
	"github.com/knights-analytics/retune/util/fileutil"
)

// vocabulary is what Run needs from a tokenizer beyond encoding.
type vocabulary struct {
	size   int
	maskID uint32
}

// Run trains a relation classifier as configured: it loads and tokenizes the data, optionally
// augments it, splits off a validation set, trains and saves the best model to
// <best_model_dir>/<wandb_name>.
func Run(ctx context.Context, o options.Options) (*TrainingStatistics, error) {
	if err := checkDevice(o); err != nil {
		return nil, err
	}
	tokenizer, err := backends.LoadTokenizer(o.Model, o.MaxLength)
	if err != nil {
		return nil, err
	}
	return run(ctx, o, tokenizer, vocabulary{size: tokenizer.VocabSize, maskID: tokenizer.MaskID})
}

func checkDevice(o options.Options) error {
	if o.Device != options.CPU {
		return &errutil.ResourceError{Resource: "device " + o.Device, Reason: "only cpu training is available"}
	}
	return nil
}

func run(ctx context.Context, o options.Options, tokenizer datasets.Tokenizer, vocab vocabulary) (_ *TrainingStatistics, err error) {
	if err = o.Validate(); err != nil {
		return nil, err
	}
	if err = checkDevice(o); err != nil {
		return nil, err
	}
	loss, err := losses.Select(o.Loss)
	if err != nil {
		return nil, err
	}
	scheduler, err := SchedulerByName(o.Scheduler)
	if err != nil {
		return nil, err
	}

	raw, err := datasets.Load(o.TrainDir, datasets.GenerateOption(o.GenerateOption))
	if err != nil {
		return nil, err
	}
	classIDs, err := labels.Encode(datasets.RawLabels(raw))
	if err != nil {
		return nil, err
	}
	dataset, err := datasets.Tokenize(raw, classIDs, tokenizer)
	if err != nil {
		return nil, err
	}
	if o.Augmentation {
		before := dataset.Len()
		dataset = datasets.Augment(dataset, datasets.AugmentConfig{MaskID: vocab.maskID, Probability: o.AugmentationProb, Seed: o.Seed})
		log.Info().Int("before", before).Int("after", dataset.Len()).Msg("augmentation")
	}
	trainDataset, evalDataset, err := dataset.Split(o.SplitRatio, o.Seed)
	if err != nil {
		return nil, err
	}

	model, err := loadModel(o, vocab.size+o.AddToken)
	if err != nil {
		return nil, err
	}

	// evaluate and save twice per epoch of the loaded data
	evalSteps := o.EvalSteps
	if evalSteps == 0 {
		evalSteps = max(1, len(raw)/o.Batch/2)
	}
	saveSteps := o.SaveSteps
	if saveSteps == evalSteps {
		saveSteps = 0
	}

	values, err := o.Map()
	if err != nil {
		return nil, err
	}
	tracker := tracking.Multi{tracking.NewLogTracker(), tracking.NewFileTracker(o.LogDir)}
	if err = tracker.Init(ctx, tracking.NewRun(o.WandbPath, o.WandbName, values)); err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, tracker.Finish())
	}()

	session, err := NewTrainingSession(TrainingConfig{
		Model:         model,
		Dataset:       trainDataset,
		EvalDataset:   evalDataset,
		Loss:          loss,
		Scheduler:     scheduler,
		Tracker:       tracker,
		TokenizerPath: o.Model,
		Options: []TrainingOption{
			WithEpochs(o.Epochs),
			WithBatchSize(o.Batch, o.BatchValid),
			WithLearningRate(o.LearningRate),
			WithWarmup(o.WarmupSteps, o.WarmupRatio),
			WithWeightDecay(o.WeightDecay),
			WithMaxGradNorm(o.MaxGradNorm),
			WithSteps(o.LoggingSteps, evalSteps, saveSteps),
			WithCheckpoints(fileutil.PathJoinSafe(o.OutputDir, o.WandbName), o.SaveTotalLimit),
			WithMetricForBestModel(o.MetricForBestModel),
			WithEarlyStoppingParams(o.EarlyStoppingPatience, o.EarlyStoppingThreshold),
			WithSeed(o.Seed),
		},
	})
	if err != nil {
		return nil, err
	}
	if err = session.Train(ctx); err != nil {
		return nil, err
	}
	path := fileutil.PathJoinSafe(o.BestModelDir, o.WandbName)
	if err = session.Save(path); err != nil {
		return nil, fmt.Errorf("failed to save best model: %w", err)
	}
	log.Info().Str("path", path).Msg("best model saved")
	result := session.Statistics()
	return &result, nil
}

// loadModel continues from the classifier saved in the model directory if there is one, or
// creates a new one. The embedding table is sized to vocabSize either way.
func loadModel(o options.Options, vocabSize int) (*backends.Classifier, error) {
	exists, err := backends.HasCheckpoint(o.Model)
	if err != nil {
		return nil, err
	}
	config := backends.NewClassifierConfig(vocabSize, o.HiddenSize)
	if exists {
		saved, readErr := backends.ReadClassifierConfig(o.Model)
		if readErr != nil {
			return nil, readErr
		}
		config.HiddenSize = saved.HiddenSize
	}
	if o.MaxMemoryMB > 0 {
		if required := config.TrainingMemoryBytes(); required > int64(o.MaxMemoryMB)<<20 {
			return nil, &errutil.ResourceError{
				Resource: "memory",
				Reason:   fmt.Sprintf("training needs %d MB, the limit is %d MB", required>>20, o.MaxMemoryMB),
			}
		}
	}
	if exists {
		log.Info().Str("path", o.Model).Int("vocab", vocabSize).Msg("continuing from saved classifier")
		return backends.LoadClassifier(o.Model, vocabSize, o.Seed)
	}
	return backends.NewClassifier(config, o.Seed)
}
