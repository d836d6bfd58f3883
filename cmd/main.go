package main

import (
	"context"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/retune"
	"github.com/knights-analytics/retune/options"
	"github.com/knights-analytics/retune/util/errutil"
)

var configPath string

// runTraining is replaced in tests.
var runTraining = retune.Run

var defaults = options.Defaults()

var trainCommand = &cli.Command{
	Name:  "train",
	Usage: "Fine-tune a relation extraction classifier",
	Description: `Train reads train.csv and/or generated.csv from --train_dir, tokenizes each (subject[SEP]object, sentence)
				pair with the tokenizer.json found in --model, splits off a validation set and trains a 30 label relation classifier.
				Checkpoints are written to --output_dir/<wandb_name>, the best model to --best_model_dir/<wandb_name>.
				Options are read, from lowest to highest priority, from the defaults, the --config yaml file, RETUNE_ environment
				variables (e.g. RETUNE_BATCH=16) and the command line flags that are set explicitly.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a yaml configuration file", Destination: &configPath},
		&cli.StringFlag{Name: "model", Aliases: []string{"p"}, Usage: "Model directory with tokenizer.json and optionally a saved classifier", Value: defaults.Model},
		&cli.StringFlag{Name: "loss", Usage: "LB: LabelSmoothing, CE: CrossEntropy, focal: Focal, f1: F1 loss", Value: defaults.Loss},
		&cli.StringFlag{Name: "scheduler", Usage: "linear, cosine or steplr", Value: defaults.Scheduler},
		&cli.IntFlag{Name: "epochs", Usage: "Number of epochs to train", Value: defaults.Epochs},
		&cli.Float64Flag{Name: "lr", Usage: "Learning rate", Value: defaults.LearningRate},
		&cli.IntFlag{Name: "batch", Aliases: []string{"b"}, Usage: "Batch size for training", Value: defaults.Batch},
		&cli.IntFlag{Name: "batch_valid", Usage: "Batch size for validation", Value: defaults.BatchValid},
		&cli.IntFlag{Name: "warmup_steps", Usage: "Warmup steps of the scheduler, 0 uses warmup_ratio", Value: defaults.WarmupSteps},
		&cli.Float64Flag{Name: "warmup_ratio", Usage: "Warmup as a ratio of the total steps", Value: defaults.WarmupRatio},
		&cli.Float64Flag{Name: "weight_decay", Usage: "AdamW weight decay", Value: defaults.WeightDecay},
		&cli.Float64Flag{Name: "max_grad_norm", Usage: "Gradient clipping norm, 0 disables clipping", Value: defaults.MaxGradNorm},
		&cli.IntFlag{Name: "logging_steps", Usage: "Steps between training loss records", Value: defaults.LoggingSteps},
		&cli.IntFlag{Name: "eval_steps", Usage: "Steps between evaluations, 0 evaluates twice per epoch", Value: defaults.EvalSteps},
		&cli.IntFlag{Name: "save_steps", Usage: "Steps between checkpoints, 0 saves at every evaluation", Value: defaults.SaveSteps},
		&cli.IntFlag{Name: "save_total_limit", Usage: "Number of checkpoints kept, 0 keeps all", Value: defaults.SaveTotalLimit},
		&cli.StringFlag{Name: "metric_for_best_model", Usage: "f1, auprc, accuracy or loss", Value: defaults.MetricForBestModel},
		&cli.IntFlag{Name: "early_stopping_patience", Usage: "Evaluations without improvement before stopping", Value: defaults.EarlyStoppingPatience},
		&cli.Float64Flag{Name: "early_stopping_threshold", Usage: "Minimum improvement of the metric for best model", Value: defaults.EarlyStoppingThreshold},
		&cli.IntFlag{Name: "add_token", Usage: "Number of embedding rows added to the tokenizer vocabulary", Value: defaults.AddToken},
		&cli.IntFlag{Name: "hidden_size", Usage: "Embedding size of a new classifier", Value: defaults.HiddenSize},
		&cli.IntFlag{Name: "max_length", Usage: "Maximum tokens per example, 0 for no limit", Value: defaults.MaxLength},
		&cli.Float64Flag{Name: "split_ratio", Usage: "Validation split ratio", Value: defaults.SplitRatio},
		&cli.BoolFlag{Name: "augmentation", Usage: "Apply random masking/deleting", Value: defaults.Augmentation},
		&cli.Float64Flag{Name: "augmentation_prob", Usage: "Per token masking/deleting probability", Value: defaults.AugmentationProb},
		&cli.IntFlag{Name: "generate_option", Usage: "0: original, 1: generated, 2: concat", Value: defaults.GenerateOption},
		&cli.Uint64Flag{Name: "seed", Usage: "Random seed", Value: defaults.Seed},
		&cli.StringFlag{Name: "wandb_name", Usage: "Run name, also the name of the saved best model", Value: defaults.WandbName},
		&cli.StringFlag{Name: "wandb_path", Usage: "Project the run is tracked under", Value: defaults.WandbPath},
		&cli.StringFlag{Name: "train_dir", Usage: "Directory with train.csv and generated.csv", Value: defaults.TrainDir},
		&cli.StringFlag{Name: "output_dir", Usage: "Directory for checkpoints", Value: defaults.OutputDir},
		&cli.StringFlag{Name: "best_model_dir", Usage: "Directory for the best model", Value: defaults.BestModelDir},
		&cli.StringFlag{Name: "log_dir", Usage: "Directory for tracking logs", Value: defaults.LogDir},
		&cli.StringFlag{Name: "device", Usage: "Training device", Value: defaults.Device},
		&cli.IntFlag{Name: "max_memory_mb", Usage: "Memory budget of the model in MB, 0 for no limit", Value: defaults.MaxMemoryMB},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Debug logging"},
	},
	OnUsageError: usageError,
	Action: func(ctx *cli.Context) error {
		o, err := options.Load(configPath, explicitFlags(ctx))
		if err != nil {
			return err
		}
		setupLogger(o.Verbose)
		log.Debug().Interface("options", o).Msg("configuration")

		statistics, err := runTraining(ctx.Context, *o)
		if err != nil {
			return err
		}
		event := log.Info().Int("steps", statistics.GlobalStep).Bool("stoppedEarly", statistics.StoppedEarly).
			Str("bestCheckpoint", statistics.BestCheckpoint)
		if statistics.BestMetric != nil {
			event = event.Float64(statistics.BestMetricName, *statistics.BestMetric)
		}
		event.Msg("training finished")
		return nil
	},
}

var invalidFlagValue = regexp.MustCompile(`invalid value "(.*)" for flag -+([\w-]+)`)

// usageError reports command line parse errors as configuration errors, naming the flag when it is known.
func usageError(_ *cli.Context, err error, _ bool) error {
	if m := invalidFlagValue.FindStringSubmatch(err.Error()); m != nil {
		return errutil.NewConfigurationError(m[2], m[1], err.Error())
	}
	return errutil.NewConfigurationError("arguments", nil, err.Error())
}

// explicitFlags returns the flags set on the command line, keyed like the configuration.
func explicitFlags(ctx *cli.Context) map[string]any {
	overrides := map[string]any{}
	for _, flag := range ctx.Command.Flags {
		name := flag.Names()[0]
		if name == "config" || !ctx.IsSet(name) {
			continue
		}
		overrides[name] = ctx.Value(name)
	}
	return overrides
}

func setupLogger(debug bool) {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.DefaultLogger = log.Logger{Level: level, Writer: &log.ConsoleWriter{ColorOutput: true}}
	} else {
		log.DefaultLogger = log.Logger{Level: level, Writer: &log.IOWriter{Writer: os.Stderr}}
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:         "retune",
		Usage:        "Relation extraction fine-tuning from the command line",
		Commands:     []*cli.Command{trainCommand},
		OnUsageError: usageError,
	}
}

func main() {
	setupLogger(false)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().RunContext(ctx, os.Args)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("retune failed")
		os.Exit(1)
	}
}
