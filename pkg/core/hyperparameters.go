package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// HyperParameters represents every configurable setting of a training run
type HyperParameters struct {
	// Model architecture
	ModelSize          int     `json:"model_size"`
	NumLayers          int     `json:"num_layers"`
	NumHeads           int     `json:"num_heads"`
	FFNHiddenDim       int     `json:"ffn_hidden_dim"`
	NumClasses         int     `json:"num_classes"`
	DropoutRate        float64 `json:"dropout_rate"`
	ActivationFuncName string  `json:"activation_func_name"`
	LayerNormEps       float64 `json:"layer_norm_eps"`
	// MaxPositions is a floor for the positional table; the table grows to
	// cover the longest tokenized record.
	MaxPositions int    `json:"max_positions"`
	PositionInit string `json:"position_init"`

	// Training
	LearningRate      float64 `json:"learning_rate"`
	WeightDecay       float64 `json:"weight_decay"`
	WarmupSteps       int     `json:"warmup_steps"`
	BatchSize         int     `json:"batch_size"`
	NumEpochs         int     `json:"num_epochs"`
	GradientClipValue float64 `json:"gradient_clip_value"`
	OptimizerName     string  `json:"optimizer_name"`
	Shuffle           bool    `json:"shuffle"`
	Seed              int64   `json:"seed"`
	LogEvery          int     `json:"log_every"`
	PrefetchDepth     int     `json:"prefetch_depth"`

	// Data and tokenization
	TrainPath      string `json:"train_path"`
	ValidationPath string `json:"validation_path"`
	Tokenizer      string `json:"tokenizer"` // "word", "bpe" or "hf"
	TokenizerFile  string `json:"tokenizer_file"`
	BPEEncoding    string `json:"bpe_encoding"`
	TokenCache     string `json:"token_cache"`

	// Runtime
	Workers   int    `json:"workers"`
	RunLedger string `json:"run_ledger"`
}

// NewDefaultHyperParameters creates default hyperparameters
func NewDefaultHyperParameters() *HyperParameters {
	model := NewDefaultConfig()
	training := NewDefaultTrainingConfig()
	return &HyperParameters{
		ModelSize: model.ModelSize, NumLayers: model.NumLayers, NumHeads: model.NumHeads,
		FFNHiddenDim: model.FFNHiddenDim, NumClasses: model.NumClasses, DropoutRate: model.DropoutRate,
		ActivationFuncName: model.Activation, LayerNormEps: model.LayerNormEps, MaxPositions: model.MaxLen,
		PositionInit: model.PositionInit,

		LearningRate: training.LearningRate, WeightDecay: training.WeightDecay, WarmupSteps: training.WarmupSteps,
		BatchSize: training.BatchSize, NumEpochs: training.Epochs, GradientClipValue: training.ClipGradNorm,
		OptimizerName: training.Optimizer, Shuffle: training.Shuffle, Seed: training.Seed,
		LogEvery: training.LogEvery, PrefetchDepth: training.PrefetchDepth,

		Tokenizer:   "bpe",
		BPEEncoding: "cl100k_base",
	}
}

// SaveHyperParameters saves hyperparameters to a JSON file
func SaveHyperParameters(params *HyperParameters, filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return os.WriteFile(filePath, data, 0644)
}

// LoadHyperParameters loads hyperparameters from a JSON file. Keys missing
// from the file keep their default values.
func LoadHyperParameters(filePath string) (*HyperParameters, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	params := NewDefaultHyperParameters()
	if err := json.Unmarshal(data, params); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", filePath, err)
	}
	return params, nil
}

// Overrides carries command line values; zero values leave the file setting alone
type Overrides struct {
	TrainPath      string
	ValidationPath string
	Epochs         int
	BatchSize      int
	LearningRate   float64
	Seed           int64
	Tokenizer      string
	TokenizerFile  string
	TokenCache     string
	RunLedger      string
	Workers        int
	Shuffle        bool
}

// ApplyOverrides copies every non-zero override into the hyperparameters
func (hp *HyperParameters) ApplyOverrides(o Overrides) {
	if o.TrainPath != "" {
		hp.TrainPath = o.TrainPath
	}
	if o.ValidationPath != "" {
		hp.ValidationPath = o.ValidationPath
	}
	if o.Epochs > 0 {
		hp.NumEpochs = o.Epochs
	}
	if o.BatchSize > 0 {
		hp.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		hp.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		hp.Seed = o.Seed
	}
	if o.Tokenizer != "" {
		hp.Tokenizer = o.Tokenizer
	}
	if o.TokenizerFile != "" {
		hp.TokenizerFile = o.TokenizerFile
	}
	if o.TokenCache != "" {
		hp.TokenCache = o.TokenCache
	}
	if o.RunLedger != "" {
		hp.RunLedger = o.RunLedger
	}
	if o.Workers > 0 {
		hp.Workers = o.Workers
	}
	if o.Shuffle {
		hp.Shuffle = true
	}
}

// Validate checks the settings that do not depend on the tokenizer
func (hp *HyperParameters) Validate() error {
	if hp.TrainPath == "" {
		return fmt.Errorf("train_path is required")
	}
	switch hp.Tokenizer {
	case "word", "bpe":
	case "hf":
		if hp.TokenizerFile == "" {
			return fmt.Errorf("tokenizer %q requires tokenizer_file", hp.Tokenizer)
		}
	default:
		return fmt.Errorf("unknown tokenizer %q", hp.Tokenizer)
	}
	if hp.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", hp.Workers)
	}
	if err := hp.CreateTrainingConfig().Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	// vocab size and positions are only known after tokenization
	model := hp.CreateModelConfig(1, 1)
	if err := model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	return nil
}

// CreateModelConfig creates a model configuration for a tokenizer vocabulary
// and the longest sequence the model has to position
func (hp *HyperParameters) CreateModelConfig(vocabSize, maxSeqLen int) *Config {
	maxLen := hp.MaxPositions
	if maxSeqLen > maxLen {
		maxLen = maxSeqLen
	}
	return &Config{
		VocabSize:    vocabSize,
		ModelSize:    hp.ModelSize,
		NumLayers:    hp.NumLayers,
		NumHeads:     hp.NumHeads,
		FFNHiddenDim: hp.FFNHiddenDim,
		MaxLen:       maxLen,
		NumClasses:   hp.NumClasses,
		DropoutRate:  hp.DropoutRate,
		Activation:   hp.ActivationFuncName,
		LayerNormEps: hp.LayerNormEps,
		PositionInit: hp.PositionInit,
	}
}

// CreateTrainingConfig creates the training configuration
func (hp *HyperParameters) CreateTrainingConfig() *TrainingConfig {
	return &TrainingConfig{
		Epochs:        hp.NumEpochs,
		BatchSize:     hp.BatchSize,
		LearningRate:  hp.LearningRate,
		WeightDecay:   hp.WeightDecay,
		ClipGradNorm:  hp.GradientClipValue,
		WarmupSteps:   hp.WarmupSteps,
		Optimizer:     hp.OptimizerName,
		Shuffle:       hp.Shuffle,
		Seed:          hp.Seed,
		LogEvery:      hp.LogEvery,
		PrefetchDepth: hp.PrefetchDepth,
	}
}
