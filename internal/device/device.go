// Package device describes the CPU the run executes on. The Device is built
// once in main and passed explicitly to everything that sizes parallel work.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device is the compute target of a run
type Device struct {
	Name     string
	Brand    string
	Workers  int
	Features []string
	// Vector reports the widest SIMD extension the CPU offers
	Vector string
}

// Detect inspects the host CPU. workers <= 0 picks the physical core count.
func Detect(workers int) Device {
	if workers <= 0 {
		workers = cpuid.CPU.PhysicalCores
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	d := Device{
		Name:     "cpu",
		Brand:    strings.TrimSpace(cpuid.CPU.BrandName),
		Workers:  workers,
		Features: cpuid.CPU.FeatureSet(),
		Vector:   "scalar",
	}
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		d.Vector = "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		d.Vector = "avx2"
	case cpuid.CPU.Supports(cpuid.SSE4):
		d.Vector = "sse4"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		d.Vector = "neon"
	}
	if d.Brand == "" {
		d.Brand = runtime.GOARCH
	}
	return d
}

func (d Device) String() string {
	return fmt.Sprintf("%s(%s, workers=%d, simd=%s)", d.Name, d.Brand, d.Workers, d.Vector)
}
