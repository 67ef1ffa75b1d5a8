package core

import (
	"fmt"
	"strings"
)

// Config represents the structural configuration of the phrase classifier
type Config struct {
	VocabSize    int
	ModelSize    int
	NumLayers    int
	NumHeads     int
	FFNHiddenDim int
	MaxLen       int
	NumClasses   int
	DropoutRate  float64
	Activation   string
	LayerNormEps float64
	// PositionInit is "random" or "sinusoidal"; both tables stay trainable
	PositionInit string
}

// NewDefaultConfig creates a new configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		VocabSize:    30000,
		ModelSize:    512,
		NumLayers:    4,
		NumHeads:     8,
		FFNHiddenDim: 2048,
		MaxLen:       128,
		NumClasses:   5,
		DropoutRate:  0.1,
		Activation:   "gelu",
		LayerNormEps: 1e-5,
		PositionInit: "random",
	}
}

// HeadDim is the width of a single attention head
func (c *Config) HeadDim() int {
	if c.NumHeads == 0 {
		return 0
	}
	return c.ModelSize / c.NumHeads
}

// Validate checks that the configuration describes a buildable model
func (c *Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	case c.ModelSize <= 0:
		return fmt.Errorf("model size must be positive, got %d", c.ModelSize)
	case c.NumLayers <= 0:
		return fmt.Errorf("num layers must be positive, got %d", c.NumLayers)
	case c.NumHeads <= 0:
		return fmt.Errorf("num heads must be positive, got %d", c.NumHeads)
	case c.ModelSize%c.NumHeads != 0:
		return fmt.Errorf("model size %d is not divisible by num heads %d", c.ModelSize, c.NumHeads)
	case c.FFNHiddenDim <= 0:
		return fmt.Errorf("ffn hidden dim must be positive, got %d", c.FFNHiddenDim)
	case c.MaxLen <= 0:
		return fmt.Errorf("max len must be positive, got %d", c.MaxLen)
	case c.NumClasses <= 1:
		return fmt.Errorf("num classes must be at least 2, got %d", c.NumClasses)
	case c.DropoutRate < 0 || c.DropoutRate >= 1:
		return fmt.Errorf("dropout rate must be in [0, 1), got %g", c.DropoutRate)
	case c.LayerNormEps <= 0:
		return fmt.Errorf("layer norm epsilon must be positive, got %g", c.LayerNormEps)
	}
	switch strings.ToLower(c.Activation) {
	case "relu", "gelu":
	default:
		return fmt.Errorf("unsupported activation %q", c.Activation)
	}
	switch c.PositionInit {
	case "", "random", "sinusoidal":
	default:
		return fmt.Errorf("unsupported position init %q", c.PositionInit)
	}
	return nil
}

// TrainingConfig holds the optimisation and scheduling settings of a run
type TrainingConfig struct {
	Epochs        int
	BatchSize     int
	LearningRate  float64
	WeightDecay   float64
	ClipGradNorm  float64
	WarmupSteps   int
	Optimizer     string
	Shuffle       bool
	Seed          int64
	LogEvery      int
	PrefetchDepth int
}

// NewDefaultTrainingConfig creates a training configuration with default values
func NewDefaultTrainingConfig() *TrainingConfig {
	return &TrainingConfig{
		Epochs:        1,
		BatchSize:     2,
		LearningRate:  1e-4,
		WeightDecay:   0.01,
		ClipGradNorm:  1.0,
		WarmupSteps:   0,
		Optimizer:     "adamw",
		Seed:          42,
		LogEvery:      10,
		PrefetchDepth: 1,
	}
}

// Validate checks the training configuration
func (c *TrainingConfig) Validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	case c.WeightDecay < 0:
		return fmt.Errorf("weight decay must be non-negative, got %g", c.WeightDecay)
	case c.ClipGradNorm < 0:
		return fmt.Errorf("clip grad norm must be non-negative, got %g", c.ClipGradNorm)
	case c.WarmupSteps < 0:
		return fmt.Errorf("warmup steps must be non-negative, got %d", c.WarmupSteps)
	case c.PrefetchDepth < 0:
		return fmt.Errorf("prefetch depth must be non-negative, got %d", c.PrefetchDepth)
	}
	switch strings.ToLower(c.Optimizer) {
	case "adam", "adamw", "sgd":
	default:
		return fmt.Errorf("unsupported optimizer %q", c.Optimizer)
	}
	return nil
}
