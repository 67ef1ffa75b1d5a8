// Package metrics aggregates per-step training measurements.
package metrics

import "time"

// Window accumulates loss, accuracy and timing across steps between logs
type Window struct {
	examples int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	accSum   float64
	lastLoss float64
}

// Record adds a new measurement to the window
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss, accuracy float64) {
	w.examples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss * float64(batchSize)
	w.accSum += accuracy * float64(batchSize)
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{LastLoss: w.lastLoss, Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(w.examples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.examples > 0 {
		snap.AvgLoss = w.lossSum / float64(w.examples)
		snap.AvgAccuracy = w.accSum / float64(w.examples)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics
type Snapshot struct {
	Steps          int
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
	AvgLoss        float64
	AvgAccuracy    float64
	LastLoss       float64
}

// Epoch accumulates example-weighted loss and accuracy over one pass
type Epoch struct {
	Batches  int
	Examples int
	lossSum  float64
	correct  float64
}

// Add records one batch
func (e *Epoch) Add(batchSize int, loss, accuracy float64) {
	e.Batches++
	e.Examples += batchSize
	e.lossSum += loss * float64(batchSize)
	e.correct += accuracy / 100 * float64(batchSize)
}

// Loss is the mean per-example loss
func (e *Epoch) Loss() float64 {
	if e.Examples == 0 {
		return 0
	}
	return e.lossSum / float64(e.Examples)
}

// Accuracy is the percentage of examples classified correctly
func (e *Epoch) Accuracy() float64 {
	if e.Examples == 0 {
		return 0
	}
	return 100 * e.correct / float64(e.Examples)
}

// Phase names the pass an epoch summary describes
type Phase string

const (
	PhaseTrain      Phase = "train"
	PhaseValidation Phase = "validation"
)

// Step is the report of one optimizer step
type Step struct {
	Epoch        int
	Batch        int
	Step         int
	Examples     int
	Loss         float64
	Accuracy     float64
	LearningRate float64
	GradNorm     float64
}

// EpochSummary is the aggregate of one training or validation pass
type EpochSummary struct {
	Epoch    int
	Phase    Phase
	Loss     float64
	Accuracy float64
	Batches  int
	Examples int
	Duration time.Duration
}

// Summary closes the epoch into a summary
func (e *Epoch) Summary(epoch int, phase Phase, d time.Duration) EpochSummary {
	return EpochSummary{
		Epoch:    epoch,
		Phase:    phase,
		Loss:     e.Loss(),
		Accuracy: e.Accuracy(),
		Batches:  e.Batches,
		Examples: e.Examples,
		Duration: d,
	}
}
