// Package trainer drives the epoch loop: batches in, one optimizer step per
// batch, a read-only validation pass per epoch.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/patentsim/transformer/internal/batcher"
	"github.com/patentsim/transformer/internal/dataset"
	"github.com/patentsim/transformer/internal/metrics"
	"github.com/patentsim/transformer/pkg/autodiff"
	"github.com/patentsim/transformer/pkg/classifier"
	"github.com/patentsim/transformer/pkg/core"
)

// State is the position of the trainer in its run
type State int

const (
	Initializing State = iota
	TrainEpoch
	ValidateEpoch
	Done
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case TrainEpoch:
		return "train_epoch"
	case ValidateEpoch:
		return "validate_epoch"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Recorder receives step and epoch reports. runlog.Ledger implements it.
type Recorder interface {
	RecordStep(ctx context.Context, s metrics.Step) error
	RecordEpoch(ctx context.Context, e metrics.EpochSummary) error
}

// BatchError locates a fatal failure at one batch of one pass
type BatchError struct {
	Phase metrics.Phase
	Epoch int
	Batch int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s epoch %d batch %d: %v", e.Phase, e.Epoch, e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Options carries the collaborators of a trainer
type Options struct {
	Logger   *log.Logger
	Recorder Recorder
	// Workers bounds the per-example parallelism of attention
	Workers int
	// Rand drives dropout; defaults to a source seeded from the config
	Rand *rand.Rand
}

// StepResult is the outcome of one optimizer step
type StepResult struct {
	Loss         float64
	Accuracy     float64
	GradNorm     float64
	LearningRate float64
	Examples     int
}

// Trainer owns the only write path to the model parameters
type Trainer struct {
	Model     *classifier.Model
	Config    *core.TrainingConfig
	Optimizer autodiff.Optimizer

	params   []autodiff.NamedParameter
	graph    *autodiff.ComputationGraph
	logger   *log.Logger
	recorder Recorder
	state    State
	steps    int
	window   metrics.Window
}

func New(model *classifier.Model, cfg *core.TrainingConfig, opts Options) (*Trainer, error) {
	if model == nil {
		return nil, errors.New("trainer: nil model")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	opt, err := autodiff.NewOptimizer(cfg.Optimizer, cfg.LearningRate, cfg.WeightDecay)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	return &Trainer{
		Model:     model,
		Config:    cfg,
		Optimizer: opt,
		params:    model.Parameters(),
		graph:     autodiff.NewComputationGraph(opts.Workers, rng),
		logger:    logger,
		recorder:  opts.Recorder,
		state:     Initializing,
	}, nil
}

func (t *Trainer) State() State { return t.state }

// Steps is the number of optimizer steps taken so far
func (t *Trainer) Steps() int { return t.steps }

func (t *Trainer) setState(s State, epoch int) {
	t.state = s
	t.logger.Printf("state=%s epoch=%d", s, epoch)
}

func (t *Trainer) batchOptions(ds *dataset.Dataset) batcher.Options {
	return batcher.Options{
		MaxSeqLen: ds.MaxSeqLen,
		VocabSize: ds.VocabSize,
		ModelSize: t.Model.Config.ModelSize,
		PadID:     ds.PadID,
	}
}

func (t *Trainer) checkDataset(name string, ds *dataset.Dataset) error {
	cfg := t.Model.Config
	switch {
	case ds.NumClasses != cfg.NumClasses:
		return core.NewShapeError(name, []int{cfg.NumClasses}, []int{ds.NumClasses}, "dataset labels a different number of classes")
	case ds.VocabSize != cfg.VocabSize:
		return core.NewShapeError(name, []int{cfg.VocabSize}, []int{ds.VocabSize}, "dataset vocabulary differs from the embedding table")
	case ds.MaxSeqLen > cfg.MaxLen:
		return core.NewShapeError(name, []int{cfg.MaxLen}, []int{ds.MaxSeqLen}, "records longer than the position table")
	}
	return nil
}

// Run trains for the configured number of epochs, validating after each
// one when validation is non-empty. It returns the summaries of every
// completed pass, also on error.
func (t *Trainer) Run(ctx context.Context, train, validation *dataset.Dataset) ([]metrics.EpochSummary, error) {
	t.setState(Initializing, 0)
	if train == nil || train.Len() == 0 {
		return nil, fmt.Errorf("trainer: %w", dataset.ErrNoRecords)
	}
	if err := t.checkDataset("train", train); err != nil {
		return nil, err
	}
	validate := validation != nil && validation.Len() > 0
	if validate {
		if err := t.checkDataset("validation", validation); err != nil {
			return nil, err
		}
	}
	t.logger.Printf("train_records=%d validation_records=%d params=%d optimizer=%s lr=%g batch_size=%d",
		train.Len(), lenOf(validation), t.Model.NumParameters(), t.Config.Optimizer, t.Config.LearningRate, t.Config.BatchSize)

	var summaries []metrics.EpochSummary
	for epoch := 1; epoch <= t.Config.Epochs; epoch++ {
		t.setState(TrainEpoch, epoch)
		sum, err := t.trainEpoch(ctx, train, epoch)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, sum)
		if err := t.report(ctx, sum); err != nil {
			return summaries, err
		}

		if !validate {
			continue
		}
		t.setState(ValidateEpoch, epoch)
		if sum, err = t.Evaluate(ctx, validation, epoch); err != nil {
			return summaries, err
		}
		summaries = append(summaries, sum)
		if err := t.report(ctx, sum); err != nil {
			return summaries, err
		}
	}
	t.setState(Done, t.Config.Epochs)
	return summaries, nil
}

func lenOf(ds *dataset.Dataset) int {
	if ds == nil {
		return 0
	}
	return ds.Len()
}

func (t *Trainer) report(ctx context.Context, sum metrics.EpochSummary) error {
	t.logger.Printf("epoch=%d phase=%s loss=%.4f acc=%.2f batches=%d examples=%d elapsed=%s",
		sum.Epoch, sum.Phase, sum.Loss, sum.Accuracy, sum.Batches, sum.Examples, sum.Duration.Round(time.Millisecond))
	if t.recorder == nil {
		return nil
	}
	if err := t.recorder.RecordEpoch(ctx, sum); err != nil {
		return fmt.Errorf("record epoch %d: %w", sum.Epoch, err)
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, ds *dataset.Dataset, epoch int) (metrics.EpochSummary, error) {
	start := time.Now()
	order := dataset.Order(ds.Len(), t.Config.Shuffle, t.Config.Seed, epoch)
	chunks, err := batcher.NewChunker(ds, t.Config.BatchSize, order)
	if err != nil {
		return metrics.EpochSummary{}, err
	}
	opts := t.batchOptions(ds)
	var acc metrics.Epoch
	t.window = metrics.Window{}

	err = t.forEachBatch(ctx, chunks, opts, metrics.PhaseTrain, epoch, func(index int, p *batcher.Padded, padTime time.Duration) error {
		dataStart := time.Now()
		batch, err := batcher.Embed(t.graph, p, opts, t.Model.Embeddings)
		if err != nil {
			return err
		}
		dataTime := padTime + time.Since(dataStart)

		computeStart := time.Now()
		res, err := t.TrainStep(t.graph, batch)
		if err != nil {
			return err
		}
		computeTime := time.Since(computeStart)

		acc.Add(res.Examples, res.Loss, res.Accuracy)
		t.window.Record(res.Examples, dataTime, computeTime, res.Loss, res.Accuracy)
		if t.Config.LogEvery > 0 && t.steps%t.Config.LogEvery == 0 {
			snap := t.window.Snapshot()
			t.logger.Printf("epoch=%d batch=%d/%d step=%d loss=%.4f acc=%.2f lr=%.2e grad_norm=%.3f examples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
				epoch, index+1, chunks.Len(), t.steps, snap.AvgLoss, snap.AvgAccuracy, res.LearningRate, res.GradNorm,
				snap.ExamplesPerSec, snap.AvgDataMS, snap.AvgComputeMS)
		}
		if t.recorder != nil {
			step := metrics.Step{
				Epoch: epoch, Batch: index, Step: t.steps, Examples: res.Examples,
				Loss: res.Loss, Accuracy: res.Accuracy, LearningRate: res.LearningRate, GradNorm: res.GradNorm,
			}
			if err := t.recorder.RecordStep(ctx, step); err != nil {
				return fmt.Errorf("record step %d: %w", t.steps, err)
			}
		}
		return nil
	})
	return acc.Summary(epoch, metrics.PhaseTrain, time.Since(start)), err
}

// TrainStep runs forward, backward and one optimizer step on batch, whose
// embeddings must have been built on g
func (t *Trainer) TrainStep(g *autodiff.ComputationGraph, batch *batcher.Batch) (StepResult, error) {
	if !g.GradEnabled() {
		return StepResult{}, errors.New("train step on a no-grad graph")
	}
	autodiff.ZeroGradients(t.params)

	cls, err := t.classify(batch)
	if err != nil {
		return StepResult{}, err
	}
	loss, err := t.Model.Loss(cls, batch.Labels)
	if err != nil {
		return StepResult{}, err
	}
	lossValue, err := loss.Value()
	if err != nil {
		return StepResult{}, err
	}
	if err := loss.Backward(); err != nil {
		return StepResult{}, fmt.Errorf("backward: %w", err)
	}

	norm := autodiff.ClipGradients(t.params, t.Config.ClipGradNorm)
	lr := autodiff.WarmupLearningRate(t.Config.LearningRate, t.steps, t.Config.WarmupSteps)
	t.Optimizer.SetLearningRate(lr)
	t.Optimizer.Step(t.params)
	t.steps++

	accuracy, err := classifier.Accuracy(cls, batch.Labels)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Loss: lossValue, Accuracy: accuracy, GradNorm: norm, LearningRate: lr, Examples: batch.Size}, nil
}

func (t *Trainer) classify(batch *batcher.Batch) (*autodiff.Tensor, error) {
	logits, err := t.Model.Forward(batch.Embeddings, batch.PaddingMask)
	if err != nil {
		return nil, err
	}
	return t.Model.ClassificationLogits(logits, batch.Size, batch.SeqLen)
}

// Evaluate runs one read-only pass over ds: no gradients, no dropout and no
// optimizer step
func (t *Trainer) Evaluate(ctx context.Context, ds *dataset.Dataset, epoch int) (metrics.EpochSummary, error) {
	start := time.Now()
	chunks, err := batcher.NewChunker(ds, t.Config.BatchSize, nil)
	if err != nil {
		return metrics.EpochSummary{}, err
	}
	opts := t.batchOptions(ds)
	g := t.graph.NoGrad()
	var acc metrics.Epoch

	err = t.forEachBatch(ctx, chunks, opts, metrics.PhaseValidation, epoch, func(_ int, p *batcher.Padded, _ time.Duration) error {
		batch, err := batcher.Embed(g, p, opts, t.Model.Embeddings)
		if err != nil {
			return err
		}
		cls, err := t.classify(batch)
		if err != nil {
			return err
		}
		loss, err := t.Model.Loss(cls, batch.Labels)
		if err != nil {
			return err
		}
		lossValue, err := loss.Value()
		if err != nil {
			return err
		}
		accuracy, err := classifier.Accuracy(cls, batch.Labels)
		if err != nil {
			return err
		}
		acc.Add(batch.Size, lossValue, accuracy)
		return nil
	})
	return acc.Summary(epoch, metrics.PhaseValidation, time.Since(start)), err
}

// forEachBatch pads the chunks in order, ahead of use when prefetching is
// on, and hands each to fn. Cancellation is checked between batches; a
// failing batch comes back as a *BatchError.
func (t *Trainer) forEachBatch(ctx context.Context, c *batcher.Chunker, opts batcher.Options, phase metrics.Phase, epoch int,
	fn func(index int, p *batcher.Padded, padTime time.Duration) error) error {
	fail := func(index int, err error) error {
		return &BatchError{Phase: phase, Epoch: epoch, Batch: index, Err: err}
	}

	if t.Config.PrefetchDepth <= 0 {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk, index, ok := c.Next()
			if !ok {
				return nil
			}
			padStart := time.Now()
			p, err := batcher.Pad(chunk, opts)
			if err != nil {
				return fail(index, err)
			}
			if err := fn(index, p, time.Since(padStart)); err != nil {
				return fail(index, err)
			}
		}
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for prep := range batcher.Prefetch(pctx, c, opts, t.Config.PrefetchDepth) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if prep.Err != nil {
			return fail(prep.Index, prep.Err)
		}
		if err := fn(prep.Index, prep.Padded, 0); err != nil {
			return fail(prep.Index, err)
		}
	}
	return ctx.Err()
}
