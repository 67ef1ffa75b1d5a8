package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(2, 10*time.Millisecond, 30*time.Millisecond, 1.0, 50)
	w.Record(1, 10*time.Millisecond, 30*time.Millisecond, 4.0, 100)

	snap := w.Snapshot()
	if snap.Steps != 2 || snap.LastLoss != 4.0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if math.Abs(snap.AvgLoss-2.0) > 1e-12 {
		t.Errorf("AvgLoss = %g, want example-weighted 2", snap.AvgLoss)
	}
	if math.Abs(snap.AvgAccuracy-200.0/3) > 1e-9 {
		t.Errorf("AvgAccuracy = %g", snap.AvgAccuracy)
	}
	if math.Abs(snap.ExamplesPerSec-37.5) > 1e-6 {
		t.Errorf("ExamplesPerSec = %g, want 37.5", snap.ExamplesPerSec)
	}
	if math.Abs(snap.AvgComputeMS-30) > 1e-9 {
		t.Errorf("AvgComputeMS = %g", snap.AvgComputeMS)
	}
	if again := w.Snapshot(); again.Steps != 0 || again.AvgLoss != 0 {
		t.Errorf("snapshot did not reset the window: %+v", again)
	}
}

func TestEpoch(t *testing.T) {
	var e Epoch
	if e.Loss() != 0 || e.Accuracy() != 0 {
		t.Error("empty epoch should report zeros")
	}
	e.Add(2, 1.0, 100)
	e.Add(2, 3.0, 0)
	e.Add(1, 2.0, 100)
	if e.Batches != 3 || e.Examples != 5 {
		t.Errorf("Batches=%d Examples=%d", e.Batches, e.Examples)
	}
	if math.Abs(e.Loss()-2.0) > 1e-12 {
		t.Errorf("Loss = %g, want 2", e.Loss())
	}
	if math.Abs(e.Accuracy()-60) > 1e-9 {
		t.Errorf("Accuracy = %g, want 60", e.Accuracy())
	}
}
