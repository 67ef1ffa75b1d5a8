package trainer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"strings"
	"testing"

	"github.com/patentsim/transformer/internal/dataset"
	"github.com/patentsim/transformer/internal/metrics"
	"github.com/patentsim/transformer/pkg/autodiff"
	"github.com/patentsim/transformer/pkg/classifier"
	"github.com/patentsim/transformer/pkg/core"
	"gonum.org/v1/gonum/mat"
)

func tinyModel(t *testing.T, dropout float64) *classifier.Model {
	t.Helper()
	cfg := &core.Config{
		VocabSize:    12,
		ModelSize:    8,
		NumLayers:    1,
		NumHeads:     2,
		FFNHiddenDim: 16,
		MaxLen:       6,
		NumClasses:   5,
		DropoutRate:  dropout,
		Activation:   "gelu",
		LayerNormEps: 1e-5,
	}
	m, err := classifier.NewModel(cfg, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

func trainingConfig(epochs, batchSize int) *core.TrainingConfig {
	cfg := core.NewDefaultTrainingConfig()
	cfg.Epochs = epochs
	cfg.BatchSize = batchSize
	cfg.LearningRate = 1e-2
	cfg.LogEvery = 0
	return cfg
}

func repeatedDataset(t *testing.T, n int) *dataset.Dataset {
	t.Helper()
	records := make([]dataset.TokenizedRecord, n)
	for i := range records {
		records[i] = dataset.TokenizedRecord{ID: "r", Tokens: []int{2, 5, 7}, Label: 3}
	}
	ds, err := dataset.FromTokenized(records, 12, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func quietTrainer(t *testing.T, m *classifier.Model, cfg *core.TrainingConfig, rec Recorder) *Trainer {
	t.Helper()
	tr, err := New(m, cfg, Options{Logger: log.New(io.Discard, "", 0), Recorder: rec, Workers: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

type fakeRecorder struct {
	steps  []metrics.Step
	epochs []metrics.EpochSummary
	onStep func(metrics.Step)
}

func (r *fakeRecorder) RecordStep(_ context.Context, s metrics.Step) error {
	r.steps = append(r.steps, s)
	if r.onStep != nil {
		r.onStep(s)
	}
	return nil
}

func (r *fakeRecorder) RecordEpoch(_ context.Context, e metrics.EpochSummary) error {
	r.epochs = append(r.epochs, e)
	return nil
}

func TestRunReducesLoss(t *testing.T) {
	rec := &fakeRecorder{}
	tr := quietTrainer(t, tinyModel(t, 0), trainingConfig(10, 2), rec)

	sums, err := tr.Run(context.Background(), repeatedDataset(t, 4), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tr.State() != Done {
		t.Errorf("state = %s, want done", tr.State())
	}
	if len(sums) != 10 || tr.Steps() != 20 || len(rec.steps) != 20 {
		t.Fatalf("got %d summaries, %d steps, %d recorded", len(sums), tr.Steps(), len(rec.steps))
	}
	first, last := sums[0], sums[len(sums)-1]
	if last.Loss >= first.Loss {
		t.Errorf("loss did not fall: epoch 1 %.4f, epoch 10 %.4f", first.Loss, last.Loss)
	}
	if first.Examples != 4 || first.Batches != 2 || first.Phase != metrics.PhaseTrain {
		t.Errorf("unexpected epoch summary %+v", first)
	}
	for i, s := range rec.steps {
		if s.Step != i+1 {
			t.Fatalf("step %d recorded as %d", i+1, s.Step)
		}
	}
}

func TestRunWithValidation(t *testing.T) {
	rec := &fakeRecorder{}
	tr := quietTrainer(t, tinyModel(t, 0.1), trainingConfig(2, 2), rec)
	train := repeatedDataset(t, 5)
	val := repeatedDataset(t, 3)

	sums, err := tr.Run(context.Background(), train, val)
	if err != nil {
		t.Fatal(err)
	}
	phases := make([]metrics.Phase, len(sums))
	for i, s := range sums {
		phases[i] = s.Phase
	}
	want := []metrics.Phase{metrics.PhaseTrain, metrics.PhaseValidation, metrics.PhaseTrain, metrics.PhaseValidation}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
	if sums[0].Batches != 3 || sums[1].Batches != 2 || sums[1].Examples != 3 {
		t.Errorf("batch counts: %+v / %+v", sums[0], sums[1])
	}
	if tr.Steps() != 6 || len(rec.epochs) != 4 {
		t.Errorf("steps = %d, recorded epochs = %d", tr.Steps(), len(rec.epochs))
	}
}

func TestEvaluateLeavesParametersUnchanged(t *testing.T) {
	m := tinyModel(t, 0.1)
	tr := quietTrainer(t, m, trainingConfig(1, 2), nil)
	ds := repeatedDataset(t, 3)

	before := make([]*mat.Dense, 0)
	for _, p := range m.Parameters() {
		before = append(before, mat.DenseCopyOf(p.Tensor.Data))
	}
	a, err := tr.Evaluate(context.Background(), ds, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tr.Evaluate(context.Background(), ds, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.Loss != b.Loss || a.Accuracy != b.Accuracy {
		t.Errorf("evaluation is not deterministic: %+v vs %+v", a, b)
	}
	for i, p := range m.Parameters() {
		if !mat.Equal(before[i], p.Tensor.Data) {
			t.Errorf("parameter %s changed during validation", p.Name)
		}
		if p.Tensor.Grad != nil && mat.Norm(p.Tensor.Grad, 2) != 0 {
			t.Errorf("parameter %s received a gradient during validation", p.Name)
		}
	}
	if tr.Steps() != 0 {
		t.Errorf("validation took %d optimizer steps", tr.Steps())
	}
}

func TestCancellationBetweenBatches(t *testing.T) {
	for _, depth := range []int{0, 2} {
		ctx, cancel := context.WithCancel(context.Background())
		rec := &fakeRecorder{onStep: func(s metrics.Step) {
			if s.Step == 2 {
				cancel()
			}
		}}
		cfg := trainingConfig(3, 1)
		cfg.PrefetchDepth = depth
		tr := quietTrainer(t, tinyModel(t, 0), cfg, rec)

		_, err := tr.Run(ctx, repeatedDataset(t, 4), nil)
		cancel()
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("depth %d: got %v, want context.Canceled", depth, err)
		}
		if tr.Steps() != 2 {
			t.Errorf("depth %d: %d steps ran, want 2", depth, tr.Steps())
		}
		if tr.State() == Done {
			t.Errorf("depth %d: canceled run reached done", depth)
		}
	}
}

func TestBatchErrorLocatesFailure(t *testing.T) {
	records := []dataset.TokenizedRecord{
		{ID: "a", Tokens: []int{2, 4}, Label: 0},
		{ID: "b", Tokens: []int{2, 5}, Label: 1},
		{ID: "c", Tokens: []int{2, 6, 7, 8}, Label: 2},
		{ID: "d", Tokens: []int{2, 9}, Label: 3},
	}
	// a record longer than the padding width reaches the batcher
	ds := &dataset.Dataset{Records: records, MaxSeqLen: 3, VocabSize: 12, PadID: 0, NumClasses: 5}
	tr := quietTrainer(t, tinyModel(t, 0), trainingConfig(1, 2), nil)

	_, err := tr.Run(context.Background(), ds, nil)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("got %v, want BatchError", err)
	}
	if be.Phase != metrics.PhaseTrain || be.Epoch != 1 || be.Batch != 1 {
		t.Errorf("failure located at %s epoch %d batch %d, want train epoch 1 batch 1", be.Phase, be.Epoch, be.Batch)
	}
	var se *core.ShapeError
	if !errors.As(err, &se) {
		t.Errorf("cause %v is not a ShapeError", be.Err)
	}
	if tr.Steps() != 1 {
		t.Errorf("%d steps before the failure, want 1", tr.Steps())
	}
}

func TestRunRejectsMismatchedDataset(t *testing.T) {
	tr := quietTrainer(t, tinyModel(t, 0), trainingConfig(1, 2), nil)
	records := []dataset.TokenizedRecord{{ID: "a", Tokens: []int{2, 3}, Label: 1}}
	ds, err := dataset.FromTokenized(records, 12, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	var se *core.ShapeError
	if _, err := tr.Run(context.Background(), ds, nil); !errors.As(err, &se) {
		t.Errorf("3-class dataset on a 5-class model: got %v", err)
	}
	if _, err := tr.Run(context.Background(), nil, nil); !errors.Is(err, dataset.ErrNoRecords) {
		t.Errorf("nil dataset: got %v", err)
	}
}

func TestTrainStepRequiresGradGraph(t *testing.T) {
	tr := quietTrainer(t, tinyModel(t, 0), trainingConfig(1, 2), nil)
	g := autodiff.NewComputationGraph(1, nil).NoGrad()
	if _, err := tr.TrainStep(g, nil); err == nil {
		t.Error("expected an error for a no-grad graph")
	}
}

func TestStepLogging(t *testing.T) {
	var buf bytes.Buffer
	cfg := trainingConfig(1, 2)
	cfg.LogEvery = 1
	tr, err := New(tinyModel(t, 0), cfg, Options{Logger: log.New(&buf, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background(), repeatedDataset(t, 3), nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"state=train_epoch epoch=1", "epoch=1 batch=2/2 step=2 loss=", "phase=train", "state=done"} {
		if !strings.Contains(out, want) {
			t.Errorf("log lacks %q:\n%s", want, out)
		}
	}
}
