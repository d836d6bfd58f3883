package retune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/knights-analytics/retune/backends"
	"github.com/knights-analytics/retune/datasets"
	"github.com/knights-analytics/retune/losses"
	"github.com/knights-analytics/retune/metrics"
	"github.com/knights-analytics/retune/schedulers"
	"github.com/knights-analytics/retune/tracking"
	"github.com/knights-analytics/retune/util/fileutil"
)

const (
	StatisticsFilename   = "statistics.json"
	TrainerStateFilename = "trainer_state.json"
	checkpointPrefix     = "checkpoint-"
)

type earlyStopping struct {
	patience  int     // number of evaluations to wait for improvement before stopping
	tolerance float64 // minimum improvement of the metric for best model
	failures  int     // evaluations since the last improvement
}

// EvalRecord holds the result of one evaluation.
type EvalRecord struct {
	Step    int            `json:"step"`
	Epoch   float64        `json:"epoch"`
	Loss    float64        `json:"loss"`
	Metrics metrics.Result `json:"metrics"`
}

type TrainingStatistics struct {
	EpochTrainLosses []float64    `json:"epochTrainLosses"` // mean training loss of each epoch
	EpochEvalLosses  []float64    `json:"epochEvalLosses"`  // last evaluation loss of each epoch
	Evaluations      []EvalRecord `json:"evaluations"`
	BestMetricName   string       `json:"bestMetricName"`
	BestMetric       *float64     `json:"bestMetric,omitempty"`
	BestCheckpoint   string       `json:"bestCheckpoint,omitempty"`
	GlobalStep       int          `json:"globalStep"`
	StoppedEarly     bool         `json:"stoppedEarly"`
}

// SchedulerFactory builds the learning rate schedule once the number of training steps is known.
type SchedulerFactory func(config schedulers.Config) (schedulers.Schedule, error)

// SchedulerByName returns a factory for a configured scheduler name.
func SchedulerByName(name string) (SchedulerFactory, error) {
	kind, err := schedulers.ParseKind(name)
	if err != nil {
		return nil, err
	}
	return func(config schedulers.Config) (schedulers.Schedule, error) {
		return schedulers.Build(kind, config)
	}, nil
}

type TrainingConfig struct {
	Model         backends.Model
	Dataset       *datasets.RelationDataset
	EvalDataset   *datasets.RelationDataset // optional, used for metrics, best model selection and early stopping
	Loss          losses.Function
	Scheduler     SchedulerFactory
	Tracker       tracking.Tracker // optional
	TokenizerPath string           // tokenizer files found here are copied by Save
	Options       []TrainingOption
}

type TrainingSession struct {
	config             TrainingConfig
	maxEpochs          int
	batchSize          int
	evalBatchSize      int
	learningRate       float64
	warmupSteps        int
	warmupRatio        float64
	weightDecay        float64
	maxGradNorm        float64
	loggingSteps       int
	evalSteps          int // 0 evaluates at the end of every epoch
	saveSteps          int // 0 saves at every evaluation
	saveTotalLimit     int // 0 keeps every checkpoint
	outputDir          string
	metricForBestModel string
	greaterIsBetter    bool
	earlyStopping      *earlyStopping
	evalWorkers        int
	seed               uint64
	optimizer          *backends.AdamW
	schedule           schedulers.Schedule
	statistics         TrainingStatistics
	checkpoints        []string
}

type TrainingOption func(eo *TrainingSession) error

func WithEpochs(epochs int) TrainingOption {
	return func(eo *TrainingSession) error {
		if epochs <= 0 {
			return fmt.Errorf("epochs must be greater than 0")
		}
		eo.maxEpochs = epochs
		return nil
	}
}

// WithBatchSize sets the training and evaluation batch sizes.
func WithBatchSize(train, eval int) TrainingOption {
	return func(eo *TrainingSession) error {
		if train <= 0 || eval <= 0 {
			return fmt.Errorf("batch sizes must be greater than 0")
		}
		eo.batchSize = train
		eo.evalBatchSize = eval
		return nil
	}
}

func WithLearningRate(lr float64) TrainingOption {
	return func(eo *TrainingSession) error {
		if lr <= 0 {
			return fmt.Errorf("learning rate must be greater than 0")
		}
		eo.learningRate = lr
		return nil
	}
}

// WithWarmup sets the warmup steps. When steps is 0 the warmup is ratio times the total steps.
func WithWarmup(steps int, ratio float64) TrainingOption {
	return func(eo *TrainingSession) error {
		if steps < 0 || ratio < 0 || ratio > 1 {
			return fmt.Errorf("warmup steps must be >= 0 and warmup ratio in [0, 1]")
		}
		eo.warmupSteps = steps
		eo.warmupRatio = ratio
		return nil
	}
}

func WithWeightDecay(weightDecay float64) TrainingOption {
	return func(eo *TrainingSession) error {
		if weightDecay < 0 {
			return fmt.Errorf("weight decay must not be negative")
		}
		eo.weightDecay = weightDecay
		return nil
	}
}

// WithMaxGradNorm clips the global gradient norm. 0 disables clipping.
func WithMaxGradNorm(maxNorm float64) TrainingOption {
	return func(eo *TrainingSession) error {
		if maxNorm < 0 {
			return fmt.Errorf("max grad norm must not be negative")
		}
		eo.maxGradNorm = maxNorm
		return nil
	}
}

// WithSteps sets how often the training loss is logged, the model evaluated and checkpoints saved.
func WithSteps(logging, eval, save int) TrainingOption {
	return func(eo *TrainingSession) error {
		if logging < 0 || eval < 0 || save < 0 {
			return fmt.Errorf("logging, eval and save steps must not be negative")
		}
		eo.loggingSteps = logging
		eo.evalSteps = eval
		eo.saveSteps = save
		return nil
	}
}

// WithCheckpoints sets where checkpoints are written and how many are kept.
func WithCheckpoints(outputDir string, saveTotalLimit int) TrainingOption {
	return func(eo *TrainingSession) error {
		if outputDir == "" {
			return fmt.Errorf("output dir is required")
		}
		if saveTotalLimit < 0 {
			return fmt.Errorf("save total limit must not be negative")
		}
		eo.outputDir = outputDir
		eo.saveTotalLimit = saveTotalLimit
		return nil
	}
}

// WithMetricForBestModel selects the evaluation metric used to pick the best checkpoint.
func WithMetricForBestModel(name string) TrainingOption {
	return func(eo *TrainingSession) error {
		key, greaterIsBetter, err := metrics.Resolve(name)
		if err != nil {
			return err
		}
		eo.metricForBestModel = key
		eo.greaterIsBetter = greaterIsBetter
		return nil
	}
}

func WithEarlyStopping() TrainingOption {
	return WithEarlyStoppingParams(2, 0) // default patience and tolerance
}

func WithEarlyStoppingParams(patience int, tolerance float64) TrainingOption {
	return func(eo *TrainingSession) error {
		if eo.config.EvalDataset == nil {
			return fmt.Errorf("early stopping requires an evaluation dataset")
		}
		if patience <= 0 {
			return fmt.Errorf("patience must be greater than 0")
		}
		if tolerance < 0 {
			return fmt.Errorf("tolerance must not be negative")
		}
		eo.earlyStopping = &earlyStopping{
			patience:  patience,
			tolerance: tolerance,
		}
		return nil
	}
}

// WithEvalWorkers bounds the number of evaluation batches predicted concurrently.
func WithEvalWorkers(workers int) TrainingOption {
	return func(eo *TrainingSession) error {
		if workers <= 0 {
			return fmt.Errorf("eval workers must be greater than 0")
		}
		eo.evalWorkers = workers
		return nil
	}
}

// WithSeed sets the seed of the training batch order.
func WithSeed(seed uint64) TrainingOption {
	return func(eo *TrainingSession) error {
		eo.seed = seed
		return nil
	}
}

func NewTrainingSession(config TrainingConfig) (*TrainingSession, error) {
	if config.Model == nil {
		return nil, fmt.Errorf("a model is required")
	}
	if config.Dataset == nil || config.Dataset.Len() == 0 {
		return nil, fmt.Errorf("a non-empty training dataset is required")
	}
	if config.Loss == nil {
		return nil, fmt.Errorf("a loss function is required")
	}
	if config.Scheduler == nil {
		config.Scheduler = func(c schedulers.Config) (schedulers.Schedule, error) {
			return schedulers.Build(schedulers.Linear, c)
		}
	}
	if config.Tracker == nil {
		config.Tracker = tracking.Noop{}
	}

	session := &TrainingSession{
		config:             config,
		maxEpochs:          20,
		batchSize:          32,
		evalBatchSize:      32,
		learningRate:       5e-5,
		maxGradNorm:        1.0,
		loggingSteps:       100,
		outputDir:          "results",
		metricForBestModel: metrics.Loss,
		evalWorkers:        runtime.GOMAXPROCS(0),
	}
	for _, opt := range config.Options {
		if err := opt(session); err != nil {
			return nil, err
		}
	}
	session.statistics.BestMetricName = session.metricForBestModel
	return session, nil
}

// Statistics returns the statistics collected so far.
func (s *TrainingSession) Statistics() TrainingStatistics {
	return s.statistics
}

// Schedule returns the learning rate schedule built by Train.
func (s *TrainingSession) Schedule() schedulers.Schedule {
	return s.schedule
}

// stepsPlan returns the total number of optimizer steps and the warmup steps.
func (s *TrainingSession) stepsPlan(stepsPerEpoch int) (int, int) {
	total := s.maxEpochs * stepsPerEpoch
	if s.warmupSteps > 0 {
		return total, s.warmupSteps
	}
	return total, int(math.Ceil(float64(total) * s.warmupRatio))
}

// Train runs the training loop: for each batch forward, loss, backward, clip, optimizer step and
// scheduler step, with periodic evaluation and checkpoints. When an evaluation dataset is present
// the best checkpoint is loaded back into the model at the end.
func (s *TrainingSession) Train(ctx context.Context) error {
	loader, err := datasets.NewLoader(s.config.Dataset, s.batchSize, true, s.seed)
	if err != nil {
		return err
	}
	stepsPerEpoch := loader.NumBatches()
	total, warmup := s.stepsPlan(stepsPerEpoch)
	s.schedule, err = s.config.Scheduler(schedulers.Config{BaseLR: s.learningRate, TotalSteps: total, WarmupSteps: warmup})
	if err != nil {
		return err
	}
	s.optimizer = backends.NewAdamW(s.weightDecay)
	params := s.config.Model.Parameters()

	log.Info().Int("examples", s.config.Dataset.Len()).Int("epochs", s.maxEpochs).Int("steps", total).
		Int("warmup", warmup).Str("loss", s.config.Loss.Kind().String()).Str("scheduler", s.schedule.Kind().String()).
		Msg("training start")

	var loggedLoss float64
	var loggedSteps int
	stop := false
	for epoch := 0; epoch < s.maxEpochs && !stop; epoch++ {
		loader.Reset()
		var epochLoss float64
		var epochSteps int
		evaluationsBefore := len(s.statistics.Evaluations)
		for !stop {
			if err = ctx.Err(); err != nil {
				return err
			}
			batch, nextErr := loader.Next()
			if errors.Is(nextErr, io.EOF) {
				break
			}
			if nextErr != nil {
				return nextErr
			}
			learningRate := s.schedule.LearningRate()
			loss, stepErr := s.trainStep(batch, params, learningRate)
			if stepErr != nil {
				return fmt.Errorf("training step %d failed: %w", s.statistics.GlobalStep+1, stepErr)
			}
			s.statistics.GlobalStep++
			step := s.statistics.GlobalStep
			epochLoss += loss
			epochSteps++
			loggedLoss += loss
			loggedSteps++

			if s.loggingSteps > 0 && step%s.loggingSteps == 0 {
				s.record("train/loss", step, loggedLoss/float64(loggedSteps))
				s.record("train/learning_rate", step, learningRate)
				s.record("train/epoch", step, float64(step)/float64(stepsPerEpoch))
				loggedLoss, loggedSteps = 0, 0
			}
			if s.evalSteps > 0 && step%s.evalSteps == 0 {
				if stop, err = s.evaluateAndCheckpoint(ctx, float64(step)/float64(stepsPerEpoch)); err != nil {
					return err
				}
			} else if s.saveSteps > 0 && step%s.saveSteps == 0 {
				if err = s.saveCheckpoint(); err != nil {
					return err
				}
			}
		}
		s.statistics.EpochTrainLosses = append(s.statistics.EpochTrainLosses, epochLoss/float64(max(epochSteps, 1)))
		if s.evalSteps == 0 && !stop {
			if stop, err = s.evaluateAndCheckpoint(ctx, float64(epoch+1)); err != nil {
				return err
			}
		}
		if n := len(s.statistics.Evaluations); n > evaluationsBefore {
			s.statistics.EpochEvalLosses = append(s.statistics.EpochEvalLosses, s.statistics.Evaluations[n-1].Loss)
		}
		log.Debug().Int("epoch", epoch+1).Float64("loss", s.statistics.EpochTrainLosses[epoch]).Msg("epoch done")
	}
	s.statistics.StoppedEarly = stop

	if s.statistics.BestCheckpoint != "" {
		log.Info().Str("checkpoint", s.statistics.BestCheckpoint).Msg("loading best model")
		if err = s.config.Model.Load(s.statistics.BestCheckpoint); err != nil {
			return fmt.Errorf("failed to load best checkpoint: %w", err)
		}
	}
	log.Info().Int("steps", s.statistics.GlobalStep).Bool("stoppedEarly", stop).Msg("training complete")
	return nil
}

func (s *TrainingSession) trainStep(batch datasets.Batch, params []*backends.Parameter, learningRate float64) (float64, error) {
	logits, err := s.config.Model.Forward(batch)
	if err != nil {
		return 0, err
	}
	loss, gradLogits, err := s.config.Loss.Compute(logits, batch.Labels)
	if err != nil {
		return 0, err
	}
	backends.ZeroGrad(params)
	if err = s.config.Model.Backward(gradLogits); err != nil {
		return 0, err
	}
	backends.ClipGradNorm(params, s.maxGradNorm)
	s.optimizer.Step(params, learningRate)
	s.schedule.Step()
	return loss, nil
}

func (s *TrainingSession) record(name string, step int, value float64) {
	if err := s.config.Tracker.Record(name, step, value); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("failed to record metric")
	}
}

// evaluateAndCheckpoint evaluates the model, saves a checkpoint and reports whether training
// should stop early.
func (s *TrainingSession) evaluateAndCheckpoint(ctx context.Context, epoch float64) (bool, error) {
	if s.config.EvalDataset == nil {
		return false, s.saveCheckpoint()
	}
	step := s.statistics.GlobalStep
	loss, result, err := s.Evaluate(ctx)
	if err != nil {
		return false, fmt.Errorf("evaluation at step %d failed: %w", step, err)
	}
	s.statistics.Evaluations = append(s.statistics.Evaluations, EvalRecord{Step: step, Epoch: epoch, Loss: loss, Metrics: result})
	s.record("eval/loss", step, loss)
	keys := make([]string, 0, len(result))
	for key := range result {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		s.record("eval/"+key, step, result[key])
	}

	value := loss
	if s.metricForBestModel != metrics.Loss {
		value = result[s.metricForBestModel]
	}
	best := s.statistics.BestMetric
	improved := best == nil || metrics.Improved(value, *best, 0, s.greaterIsBetter)
	if improved {
		s.statistics.BestMetric = &value
		s.statistics.BestCheckpoint = s.checkpointPath()
	}
	if err = s.saveCheckpoint(); err != nil {
		return false, err
	}
	log.Info().Int("step", step).Float64("epoch", epoch).Float64("loss", loss).
		Float64(s.metricForBestModel, value).Bool("best", improved).Msg("evaluation")
	return s.earlyStopping != nil && s.earlyStopping.update(value, best, s.greaterIsBetter), nil
}

// update records an evaluation and reports whether patience ran out.
func (e *earlyStopping) update(value float64, best *float64, greaterIsBetter bool) bool {
	if best == nil || metrics.Improved(value, *best, e.tolerance, greaterIsBetter) {
		e.failures = 0
		return false
	}
	e.failures++
	return e.failures >= e.patience
}

// Evaluate predicts the evaluation dataset and returns the mean loss and metrics. Batches are
// predicted concurrently.
func (s *TrainingSession) Evaluate(ctx context.Context) (float64, metrics.Result, error) {
	if s.config.EvalDataset == nil {
		return 0, nil, fmt.Errorf("no evaluation dataset")
	}
	loader, err := datasets.NewLoader(s.config.EvalDataset, s.evalBatchSize, false, 0)
	if err != nil {
		return 0, nil, err
	}
	batches := make([]datasets.Batch, 0, loader.NumBatches())
	for {
		batch, nextErr := loader.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			return 0, nil, nextErr
		}
		batches = append(batches, batch)
	}

	logits := make([]*mat.Dense, len(batches))
	batchLosses := make([]float64, len(batches))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.evalWorkers)
	for i, batch := range batches {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			predicted, err := s.config.Model.Predict(batch)
			if err != nil {
				return err
			}
			loss, _, err := s.config.Loss.Compute(predicted, batch.Labels)
			if err != nil {
				return err
			}
			logits[i] = predicted
			batchLosses[i] = loss * float64(batch.Size())
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return 0, nil, err
	}

	n := s.config.EvalDataset.Len()
	_, cols := logits[0].Dims()
	all := mat.NewDense(n, cols, nil)
	var totalLoss float64
	row := 0
	for i, batchLogits := range logits {
		rows, _ := batchLogits.Dims()
		all.Slice(row, row+rows, 0, cols).(*mat.Dense).Copy(batchLogits)
		row += rows
		totalLoss += batchLosses[i]
	}
	result, err := metrics.Compute(all, s.config.EvalDataset.Labels())
	if err != nil {
		return 0, nil, err
	}
	return totalLoss / float64(n), result, nil
}

type trainerState struct {
	GlobalStep     int      `json:"globalStep"`
	BestMetric     *float64 `json:"bestMetric,omitempty"`
	BestCheckpoint string   `json:"bestCheckpoint,omitempty"`
}

func (s *TrainingSession) checkpointPath() string {
	return fileutil.PathJoinSafe(s.outputDir, fmt.Sprintf("%s%d", checkpointPrefix, s.statistics.GlobalStep))
}

func (s *TrainingSession) saveCheckpoint() error {
	path := s.checkpointPath()
	if len(s.checkpoints) > 0 && s.checkpoints[len(s.checkpoints)-1] == path {
		return nil
	}
	if err := s.config.Model.Save(path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	stateBytes, err := jsoniter.Marshal(trainerState{
		GlobalStep:     s.statistics.GlobalStep,
		BestMetric:     s.statistics.BestMetric,
		BestCheckpoint: s.statistics.BestCheckpoint,
	})
	if err != nil {
		return err
	}
	if err = fileutil.WriteFileBytes(fileutil.PathJoinSafe(path, TrainerStateFilename), stateBytes, "application/json"); err != nil {
		return err
	}
	s.checkpoints = append(s.checkpoints, path)
	log.Debug().Str("path", path).Msg("checkpoint saved")
	return s.rotateCheckpoints()
}

// rotateCheckpoints deletes the oldest checkpoints beyond the save total limit. The best checkpoint
// is never deleted.
func (s *TrainingSession) rotateCheckpoints() error {
	if s.saveTotalLimit <= 0 {
		return nil
	}
	for len(s.checkpoints) > s.saveTotalLimit {
		index := 0
		if s.checkpoints[0] == s.statistics.BestCheckpoint {
			index = 1
		}
		if err := fileutil.DeletePath(s.checkpoints[index]); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		log.Debug().Str("path", s.checkpoints[index]).Msg("checkpoint deleted")
		s.checkpoints = slices.Delete(s.checkpoints, index, index+1)
	}
	return nil
}

// Checkpoints returns the checkpoint directories currently on disk, oldest first.
func (s *TrainingSession) Checkpoints() []string {
	return slices.Clone(s.checkpoints)
}

// Save writes the model weights and training statistics to path.
// If a tokenizer path is set, the tokenizer files are copied from it to the trained model.
func (s *TrainingSession) Save(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	statisticsBytes, err := jsoniter.MarshalIndent(s.statistics, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal training statistics: %w", err)
	}
	if err = s.config.Model.Save(path); err != nil {
		return err
	}
	writeErr := fileutil.WriteFileBytes(fileutil.PathJoinSafe(path, StatisticsFilename), statisticsBytes, "application/json")
	if s.config.TokenizerPath != "" {
		writeErr = errors.Join(writeErr, copyTokenizer(s.config.TokenizerPath, path))
	}
	return writeErr
}

func copyTokenizer(from, to string) error {
	toCopy := map[string]bool{}
	for _, name := range backends.TokenizerFiles {
		toCopy[name] = true
	}

	walker := func(ctx context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		// only the top level of the model directory
		if strings.Trim(parent, "/") != "" {
			return true, nil
		}
		if toCopy[info.Name()] {
			if err = fileutil.CopyFile(ctx, fileutil.PathJoinSafe(from, info.Name()), fileutil.PathJoinSafe(to, info.Name())); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return fileutil.WalkDir()(context.Background(), from, walker)
}
