// Package schedulers builds the learning rate schedules a training session advances once per
// optimizer step.
package schedulers

import (
	"fmt"
	"math"

	"github.com/knights-analytics/retune/util/errutil"
)

// Kind identifies one of the supported schedules.
type Kind uint8

const (
	Linear Kind = iota
	CosineWithRestarts
	Step
)

const (
	// StepSize is the number of optimizer steps between two decays of the step schedule.
	StepSize = 1080
	// StepGamma is the factor applied to the learning rate at every decay of the step schedule.
	StepGamma = 0.5
)

var kindNames = map[Kind]string{
	Linear:             "linear",
	CosineWithRestarts: "cosine",
	Step:               "steplr",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Config holds what every schedule is derived from.
type Config struct {
	BaseLR      float64
	TotalSteps  int
	WarmupSteps int
	NumCycles   int // number of hard restarts of the cosine schedule, defaults to 1
}

// Schedule produces the learning rate of the current optimizer step.
type Schedule interface {
	Kind() Kind
	// LearningRate returns the rate for the current step. It has no side effects.
	LearningRate() float64
	// Step advances the schedule by one optimizer step.
	Step()
	// Steps returns the number of completed steps.
	Steps() int
}

type multiplierFn func(step int) float64

type schedule struct {
	kind       Kind
	baseLR     float64
	step       int
	multiplier multiplierFn
}

func (s *schedule) Kind() Kind {
	return s.kind
}

func (s *schedule) LearningRate() float64 {
	return s.baseLR * s.multiplier(s.step)
}

func (s *schedule) Step() {
	s.step++
}

func (s *schedule) Steps() int {
	return s.step
}

var constructors = map[Kind]func(Config) multiplierFn{
	Linear:             linearWithWarmup,
	CosineWithRestarts: cosineWithHardRestarts,
	Step:               stepDecay,
}

// ParseKind resolves a configured scheduler name (linear, cosine, steplr).
func ParseKind(name string) (Kind, error) {
	for kind, kindName := range kindNames {
		if kindName == name {
			return kind, nil
		}
	}
	return 0, errutil.NewConfigurationError("scheduler", name, "supported schedulers are linear, cosine and steplr")
}

// Build constructs the schedule of the given kind at step 0.
func Build(kind Kind, config Config) (Schedule, error) {
	constructor, ok := constructors[kind]
	if !ok {
		return nil, errutil.NewConfigurationError("scheduler", kind, "no such scheduler kind")
	}
	if config.BaseLR < 0 {
		return nil, errutil.NewConfigurationError("learning rate", config.BaseLR, "must not be negative")
	}
	if config.TotalSteps <= 0 {
		return nil, errutil.NewConfigurationError("total steps", config.TotalSteps, "must be greater than 0")
	}
	if config.WarmupSteps < 0 {
		return nil, errutil.NewConfigurationError("warmup steps", config.WarmupSteps, "must not be negative")
	}
	if config.NumCycles <= 0 {
		config.NumCycles = 1
	}
	return &schedule{kind: kind, baseLR: config.BaseLR, multiplier: constructor(config)}, nil
}

// Select builds the schedule configured by name.
func Select(name string, config Config) (Schedule, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	return Build(kind, config)
}

func warmup(step, warmupSteps int) (float64, bool) {
	if step < warmupSteps {
		return float64(step) / float64(max(1, warmupSteps)), true
	}
	return 0, false
}

func linearWithWarmup(config Config) multiplierFn {
	return func(step int) float64 {
		if rate, warming := warmup(step, config.WarmupSteps); warming {
			return rate
		}
		remaining := float64(config.TotalSteps-step) / float64(max(1, config.TotalSteps-config.WarmupSteps))
		return math.Max(0, remaining)
	}
}

func cosineWithHardRestarts(config Config) multiplierFn {
	return func(step int) float64 {
		if rate, warming := warmup(step, config.WarmupSteps); warming {
			return rate
		}
		progress := float64(step-config.WarmupSteps) / float64(max(1, config.TotalSteps-config.WarmupSteps))
		if progress >= 1 {
			return 0
		}
		cycle := math.Mod(float64(config.NumCycles)*progress, 1)
		return math.Max(0, 0.5*(1+math.Cos(math.Pi*cycle)))
	}
}

func stepDecay(_ Config) multiplierFn {
	return func(step int) float64 {
		return math.Pow(StepGamma, float64(step/StepSize))
	}
}
