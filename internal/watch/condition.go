package watch

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Condition is the numeric predicate of a watchpoint.
type Condition int

const (
	// Nan triggers when any element is NaN.
	Nan Condition = iota
	// Inf triggers when any element is infinite.
	Inf
	// Overflow triggers when the node is named in the hardware overflow list.
	Overflow
	// MaxGT triggers when the maximum element exceeds the threshold.
	MaxGT
	// MaxLT triggers when the maximum element is below the threshold.
	MaxLT
	// MinGT triggers when the minimum element exceeds the threshold.
	MinGT
	// MinLT triggers when the minimum element is below the threshold.
	MinLT
	// MeanGT triggers when the mean exceeds the threshold.
	MeanGT
	// MeanLT triggers when the mean is below the threshold.
	MeanLT
)

var conditionNames = map[Condition]string{
	Nan:      "nan",
	Inf:      "inf",
	Overflow: "overflow",
	MaxGT:    "max_gt",
	MaxLT:    "max_lt",
	MinGT:    "min_gt",
	MinLT:    "min_lt",
	MeanGT:   "mean_gt",
	MeanLT:   "mean_lt",
}

// String returns the wire name of the condition.
func (c Condition) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCondition maps a wire name to a condition. Unknown names report false.
func ParseCondition(name string) (Condition, bool) {
	for cond, n := range conditionNames {
		if n == name {
			return cond, true
		}
	}
	return Nan, false
}

// NeedsValues reports whether the condition inspects element values.
func (c Condition) NeedsValues() bool {
	return c != Overflow
}

// check applies the condition to the decoded element values.
func (c Condition) check(vals []float64, threshold float64) bool {
	if len(vals) == 0 {
		return false
	}
	switch c {
	case Nan:
		for _, v := range vals {
			if math.IsNaN(v) {
				return true
			}
		}
		return false
	case Inf:
		for _, v := range vals {
			if math.IsInf(v, 0) {
				return true
			}
		}
		return false
	case MaxGT:
		return floats.Max(vals) > threshold
	case MaxLT:
		return floats.Max(vals) < threshold
	case MinGT:
		return floats.Min(vals) > threshold
	case MinLT:
		return floats.Min(vals) < threshold
	case MeanGT:
		return stat.Mean(vals, nil) > threshold
	case MeanLT:
		return stat.Mean(vals, nil) < threshold
	default:
		return false
	}
}
