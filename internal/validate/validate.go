// Package validate compares kernel output against reference results and
// decides whether the difference is within tolerance.
package validate

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-lite/internal/logger"
	"github.com/23skdu/longbow-lite/internal/metrics"
)

// Tolerance bounds the acceptable error. Float output fails only when both
// the relative and the absolute bound are exceeded. Int8 output fails when
// any element is off by more than Int8MaxStep, or when more than
// max(Int8MinCount, Int8Fraction*numel) elements differ at all.
type Tolerance struct {
	Abs          float64
	Rel          float64
	Int8MaxStep  int
	Int8MinCount int
	Int8Fraction float64
}

func DefaultTolerance() Tolerance {
	return Tolerance{
		Abs:          5e-5,
		Rel:          1e-4,
		Int8MaxStep:  1,
		Int8MinCount: 10,
		Int8Fraction: 0.01,
	}
}

// Result is the worst element by relative error. MaxDiff is the absolute
// difference at that element.
type Result struct {
	MaxRatio float64
	MaxDiff  float64
	Index    int
}

const ratioEps = 1e-6

func compare(n int, at func(i int) (float64, float64)) Result {
	var r Result
	for i := 0; i < n; i++ {
		truth, got := at(i)
		diff := math.Abs(truth - got)
		ratio := diff / (math.Abs(truth) + ratioEps)
		if i == 0 || ratio > r.MaxRatio {
			r = Result{MaxRatio: ratio, MaxDiff: diff, Index: i}
		}
	}
	return r
}

// Compare scans truth and got, which must be the same length.
func Compare(truth, got []float32) Result {
	return compare(len(truth), func(i int) (float64, float64) {
		return float64(truth[i]), float64(got[i])
	})
}

func CompareInt8(truth, got []int8) Result {
	return compare(len(truth), func(i int) (float64, float64) {
		return float64(truth[i]), float64(got[i])
	})
}

// Diff returns got - truth element-wise.
func Diff(truth, got []float32) []float32 {
	out := make([]float32, len(truth))
	for i := range truth {
		out[i] = got[i] - truth[i]
	}
	return out
}

// Deviation reports output outside tolerance. It is a validation signal
// rather than a runtime failure.
type Deviation struct {
	Check      string
	Result     Result
	Mismatched int
	Numel      int
	Reason     string
}

func (d *Deviation) Error() string {
	return fmt.Sprintf("numeric deviation in %s: %s (max ratio %.3g, max diff %.3g at %d, %d/%d mismatched)",
		d.Check, d.Reason, d.Result.MaxRatio, d.Result.MaxDiff, d.Result.Index, d.Mismatched, d.Numel)
}

func record(check string, dev *Deviation) error {
	metrics.RecordComparison(check, dev == nil)
	if dev == nil {
		return nil
	}
	logger.Log.Warn("Numeric deviation", "check", check, "reason", dev.Reason,
		"max_ratio", dev.Result.MaxRatio, "max_diff", dev.Result.MaxDiff, "index", dev.Result.Index)
	return dev
}

// CheckFloat returns a *Deviation when got is outside tolerance of truth.
func (t Tolerance) CheckFloat(check string, truth, got []float32) error {
	if len(truth) != len(got) {
		return record(check, &Deviation{Check: check, Numel: len(truth), Reason: fmt.Sprintf("length %d vs %d", len(truth), len(got))})
	}
	r := Compare(truth, got)
	if r.MaxRatio > t.Rel && r.MaxDiff > t.Abs {
		return record(check, &Deviation{Check: check, Result: r, Numel: len(truth), Reason: "float tolerance exceeded"})
	}
	return record(check, nil)
}

// CheckInt8 applies the quantization-step rule.
func (t Tolerance) CheckInt8(check string, truth, got []int8) error {
	if len(truth) != len(got) {
		return record(check, &Deviation{Check: check, Numel: len(truth), Reason: fmt.Sprintf("length %d vs %d", len(truth), len(got))})
	}
	r := CompareInt8(truth, got)
	mismatched := 0
	for i := range truth {
		d := int(got[i]) - int(truth[i])
		if d < 0 {
			d = -d
		}
		if d > t.Int8MaxStep {
			return record(check, &Deviation{Check: check, Result: r, Numel: len(truth),
				Reason: fmt.Sprintf("element %d off by %d steps", i, d)})
		}
		if d != 0 {
			mismatched++
		}
	}
	if allowed := t.AllowedMismatches(len(truth)); mismatched > allowed {
		return record(check, &Deviation{Check: check, Result: r, Mismatched: mismatched, Numel: len(truth),
			Reason: fmt.Sprintf("%d elements differ, allowed %d", mismatched, allowed)})
	}
	return record(check, nil)
}

// AllowedMismatches is max(Int8MinCount, Int8Fraction*numel).
func (t Tolerance) AllowedMismatches(numel int) int {
	return max(t.Int8MinCount, int(t.Int8Fraction*float64(numel)))
}

// CheckSampled compares got against expected values at fixed indices with
// an absolute bound, as used for regression fixtures.
func CheckSampled(check string, got []float32, indices []int, expected []float32, abs float64) error {
	for i, idx := range indices {
		if idx < 0 || idx >= len(got) {
			return record(check, &Deviation{Check: check, Numel: len(got), Reason: fmt.Sprintf("sample index %d out of range", idx)})
		}
		diff := math.Abs(float64(got[idx]) - float64(expected[i]))
		if diff > abs {
			return record(check, &Deviation{Check: check, Numel: len(got),
				Result: Result{MaxDiff: diff, Index: idx},
				Reason: fmt.Sprintf("sample %d: got %v want %v", idx, got[idx], expected[i])})
		}
	}
	return record(check, nil)
}
