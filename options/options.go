package options

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/knights-analytics/retune/datasets"
	"github.com/knights-analytics/retune/losses"
	"github.com/knights-analytics/retune/metrics"
	"github.com/knights-analytics/retune/schedulers"
	"github.com/knights-analytics/retune/util/errutil"
)

// EnvPrefix is the prefix of environment variables overriding configuration keys,
// e.g. RETUNE_BATCH=16 sets batch.
const EnvPrefix = "RETUNE_"

// CPU is the only device the classifier runs on.
const CPU = "cpu"

// MinMaxLength is the shortest max_length that still fits [CLS] subject[SEP]object [SEP] sentence [SEP]
// with one token per segment. 0 disables truncation.
const MinMaxLength = 5

// Options is the flat configuration of a training run. Keys match the command line flags.
type Options struct {
	Model                  string  `koanf:"model"`
	Loss                   string  `koanf:"loss"`
	Scheduler              string  `koanf:"scheduler"`
	Epochs                 int     `koanf:"epochs"`
	LearningRate           float64 `koanf:"lr"`
	Batch                  int     `koanf:"batch"`
	BatchValid             int     `koanf:"batch_valid"`
	WarmupSteps            int     `koanf:"warmup_steps"`
	WarmupRatio            float64 `koanf:"warmup_ratio"`
	WeightDecay            float64 `koanf:"weight_decay"`
	MaxGradNorm            float64 `koanf:"max_grad_norm"`
	LoggingSteps           int     `koanf:"logging_steps"`
	EvalSteps              int     `koanf:"eval_steps"` // 0 evaluates twice per epoch
	SaveSteps              int     `koanf:"save_steps"` // 0 saves at every evaluation
	SaveTotalLimit         int     `koanf:"save_total_limit"`
	MetricForBestModel     string  `koanf:"metric_for_best_model"`
	EarlyStoppingPatience  int     `koanf:"early_stopping_patience"`
	EarlyStoppingThreshold float64 `koanf:"early_stopping_threshold"`
	AddToken               int     `koanf:"add_token"`
	HiddenSize             int     `koanf:"hidden_size"`
	MaxLength              int     `koanf:"max_length"`
	SplitRatio             float64 `koanf:"split_ratio"`
	Augmentation           bool    `koanf:"augmentation"`
	AugmentationProb       float64 `koanf:"augmentation_prob"`
	GenerateOption         int     `koanf:"generate_option"`
	Seed                   uint64  `koanf:"seed"`
	WandbName              string  `koanf:"wandb_name"`
	WandbPath              string  `koanf:"wandb_path"`
	TrainDir               string  `koanf:"train_dir"`
	OutputDir              string  `koanf:"output_dir"`
	BestModelDir           string  `koanf:"best_model_dir"`
	LogDir                 string  `koanf:"log_dir"`
	Device                 string  `koanf:"device"`
	MaxMemoryMB            int     `koanf:"max_memory_mb"`
	Verbose                bool    `koanf:"verbose"`
}

func Defaults() *Options {
	return &Options{
		Model:                 "klue/roberta-large",
		Loss:                  losses.Focal.String(),
		Scheduler:             schedulers.Linear.String(),
		Epochs:                20,
		LearningRate:          5e-5,
		Batch:                 32,
		BatchValid:            32,
		WarmupSteps:           810,
		WarmupRatio:           0.1,
		WeightDecay:           0.01,
		MaxGradNorm:           1.0,
		LoggingSteps:          100,
		SaveTotalLimit:        5,
		MetricForBestModel:    "f1",
		EarlyStoppingPatience: 2,
		AddToken:              15,
		HiddenSize:            128,
		MaxLength:             256,
		SplitRatio:            0.2,
		Augmentation:          true,
		AugmentationProb:      0.15,
		GenerateOption:        int(datasets.Original),
		Seed:                  42,
		WandbName:             "test",
		WandbPath:             "test-project",
		TrainDir:              "dataset/train",
		OutputDir:             "results",
		BestModelDir:          "best_model",
		LogDir:                "logs",
		Device:                CPU,
	}
}

// koanfJSON converts between Options and flat maps keyed like the koanf tags.
var koanfJSON = jsoniter.Config{TagKey: "koanf"}.Froze()

// Map returns the options as a flat map keyed like the command line flags.
func (o *Options) Map() (map[string]any, error) {
	data, err := koanfJSON.Marshal(o)
	if err != nil {
		return nil, err
	}
	values := map[string]any{}
	if err = koanfJSON.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// Load layers, from lowest to highest priority: the defaults, the YAML configFile (if not empty),
// RETUNE_ environment variables and overrides (typically the explicitly set command line flags).
// The result is validated.
func Load(configFile string, overrides map[string]any) (*Options, error) {
	k := koanf.New(".")

	defaults, err := Defaults().Map()
	if err != nil {
		return nil, err
	}
	if err = k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if configFile != "" {
		if err = k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, errutil.NewConfigurationError("config", configFile, err.Error())
		}
	}
	// RETUNE_WARMUP_STEPS -> warmup_steps
	if err = k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}
	if len(overrides) > 0 {
		if err = k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	var o Options
	if err = k.Unmarshal("", &o); err != nil {
		return nil, errutil.NewConfigurationError("config", configFile, err.Error())
	}
	if err = o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Validate checks names and ranges. It returns a ConfigurationError for the first invalid field.
func (o *Options) Validate() error {
	if o.Model == "" {
		return errutil.NewConfigurationError("model", nil, "must not be empty")
	}
	if _, err := losses.ParseKind(o.Loss); err != nil {
		return err
	}
	if _, err := schedulers.ParseKind(o.Scheduler); err != nil {
		return err
	}
	if _, _, err := metrics.Resolve(o.MetricForBestModel); err != nil {
		return err
	}
	if _, err := datasets.GenerateOption(o.GenerateOption).Files(o.TrainDir); err != nil {
		return err
	}
	positive := []struct {
		field string
		value int
	}{
		{"epochs", o.Epochs},
		{"batch", o.Batch},
		{"batch_valid", o.BatchValid},
		{"hidden_size", o.HiddenSize},
		{"early_stopping_patience", o.EarlyStoppingPatience},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errutil.NewConfigurationError(p.field, p.value, "must be positive")
		}
	}
	nonNegative := []struct {
		field string
		value int
	}{
		{"warmup_steps", o.WarmupSteps},
		{"logging_steps", o.LoggingSteps},
		{"eval_steps", o.EvalSteps},
		{"save_steps", o.SaveSteps},
		{"save_total_limit", o.SaveTotalLimit},
		{"add_token", o.AddToken},
		{"max_length", o.MaxLength},
		{"max_memory_mb", o.MaxMemoryMB},
	}
	for _, p := range nonNegative {
		if p.value < 0 {
			return errutil.NewConfigurationError(p.field, p.value, "must not be negative")
		}
	}
	if o.MaxLength > 0 && o.MaxLength < MinMaxLength {
		return errutil.NewConfigurationError("max_length", o.MaxLength, fmt.Sprintf("must be 0 (no limit) or at least %d", MinMaxLength))
	}
	if o.LearningRate <= 0 {
		return errutil.NewConfigurationError("lr", o.LearningRate, "must be positive")
	}
	if o.WarmupRatio < 0 || o.WarmupRatio > 1 {
		return errutil.NewConfigurationError("warmup_ratio", o.WarmupRatio, "must be in [0, 1]")
	}
	if o.WeightDecay < 0 {
		return errutil.NewConfigurationError("weight_decay", o.WeightDecay, "must not be negative")
	}
	if o.MaxGradNorm < 0 {
		return errutil.NewConfigurationError("max_grad_norm", o.MaxGradNorm, "must not be negative")
	}
	if o.EarlyStoppingThreshold < 0 {
		return errutil.NewConfigurationError("early_stopping_threshold", o.EarlyStoppingThreshold, "must not be negative")
	}
	if o.SplitRatio <= 0 || o.SplitRatio >= 1 {
		return errutil.NewConfigurationError("split_ratio", o.SplitRatio, "must be in (0, 1)")
	}
	if o.AugmentationProb < 0 || o.AugmentationProb > 1 {
		return errutil.NewConfigurationError("augmentation_prob", o.AugmentationProb, "must be in [0, 1]")
	}
	if o.WandbName == "" {
		return errutil.NewConfigurationError("wandb_name", nil, "must not be empty")
	}
	return nil
}

// WithOption changes an option for library callers of Run.
type WithOption func(o *Options) error

// New applies opts over the defaults and validates the result.
func New(opts ...WithOption) (*Options, error) {
	o := Defaults()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// WithModel sets the model directory holding tokenizer.json and an optional classifier checkpoint.
func WithModel(path string) WithOption {
	return func(o *Options) error {
		o.Model = path
		return nil
	}
}

// WithLoss sets the loss by name: CE, LB, focal or f1.
func WithLoss(name string) WithOption {
	return func(o *Options) error {
		if _, err := losses.ParseKind(name); err != nil {
			return err
		}
		o.Loss = name
		return nil
	}
}

// WithScheduler sets the learning rate schedule by name: linear, cosine or steplr.
func WithScheduler(name string) WithOption {
	return func(o *Options) error {
		if _, err := schedulers.ParseKind(name); err != nil {
			return err
		}
		o.Scheduler = name
		return nil
	}
}

func WithEpochs(epochs int) WithOption {
	return func(o *Options) error {
		o.Epochs = epochs
		return nil
	}
}

func WithBatchSize(train, validation int) WithOption {
	return func(o *Options) error {
		o.Batch = train
		o.BatchValid = validation
		return nil
	}
}

func WithLearningRate(lr float64) WithOption {
	return func(o *Options) error {
		o.LearningRate = lr
		return nil
	}
}

// WithWarmup sets the warmup steps, or the warmup ratio of the total steps when steps is 0.
func WithWarmup(steps int, ratio float64) WithOption {
	return func(o *Options) error {
		o.WarmupSteps = steps
		o.WarmupRatio = ratio
		return nil
	}
}

// WithData sets the directory with train.csv/generated.csv and which of them to use.
func WithData(trainDir string, option datasets.GenerateOption) WithOption {
	return func(o *Options) error {
		o.TrainDir = trainDir
		o.GenerateOption = int(option)
		return nil
	}
}

// WithAugmentation enables random masking/deletion copies with the given token probability.
func WithAugmentation(enabled bool, probability float64) WithOption {
	return func(o *Options) error {
		o.Augmentation = enabled
		o.AugmentationProb = probability
		return nil
	}
}

// WithDirectories sets where checkpoints, the best model and tracking logs are written.
func WithDirectories(outputDir, bestModelDir, logDir string) WithOption {
	return func(o *Options) error {
		o.OutputDir = outputDir
		o.BestModelDir = bestModelDir
		o.LogDir = logDir
		return nil
	}
}

func WithSeed(seed uint64) WithOption {
	return func(o *Options) error {
		o.Seed = seed
		return nil
	}
}
