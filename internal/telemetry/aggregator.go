package telemetry

import (
	"math"
	"slices"

	"golang.org/x/sys/cpu"
)

// Summary holds batch statistics. Variance is the population variance.
type Summary struct {
	Count    int     `json:"count"`
	Sum      float64 `json:"sum"`
	Mean     float64 `json:"mean"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"stddev"`
}

// Aggregator reduces sample batches using independent accumulator lanes so the
// compiler can keep them in registers and the CPU can run them in parallel.
// It has no shared state and is safe for concurrent use.
type Aggregator struct {
	lanes int
}

// NewAggregator picks 8 lanes on CPUs with wide vector units, 4 otherwise.
func NewAggregator() *Aggregator {
	lanes := 4
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		lanes = 8
	}
	return &Aggregator{lanes: lanes}
}

func (a *Aggregator) Lanes() int { return a.lanes }

// Aggregate computes the summary of xs. Empty input yields a zero Summary.
func (a *Aggregator) Aggregate(xs []float64) Summary {
	if len(xs) == 0 {
		return Summary{}
	}
	var s Summary
	if a.lanes == 8 {
		s = reduce8(xs)
	} else {
		s = reduce4(xs)
	}
	s.Count = len(xs)
	s.Mean = s.Sum / float64(s.Count)
	s.Variance = sumSquaredDev(xs, s.Mean) / float64(s.Count)
	s.StdDev = math.Sqrt(s.Variance)
	return s
}

func reduce8(xs []float64) Summary {
	var sum [8]float64
	lo := [8]float64{xs[0], xs[0], xs[0], xs[0], xs[0], xs[0], xs[0], xs[0]}
	hi := lo

	n := len(xs) &^ 7
	for i := 0; i < n; i += 8 {
		v := xs[i : i+8 : i+8]
		for k := range 8 {
			sum[k] += v[k]
			lo[k] = min(lo[k], v[k])
			hi[k] = max(hi[k], v[k])
		}
	}

	s := Summary{Min: lo[0], Max: hi[0]}
	for k := range 8 {
		s.Sum += sum[k]
		s.Min = min(s.Min, lo[k])
		s.Max = max(s.Max, hi[k])
	}
	for _, x := range xs[n:] {
		s.Sum += x
		s.Min = min(s.Min, x)
		s.Max = max(s.Max, x)
	}
	return s
}

func reduce4(xs []float64) Summary {
	var s0, s1, s2, s3 float64
	l0, l1, l2, l3 := xs[0], xs[0], xs[0], xs[0]
	h0, h1, h2, h3 := l0, l1, l2, l3

	n := len(xs) &^ 3
	for i := 0; i < n; i += 4 {
		a, b, c, d := xs[i], xs[i+1], xs[i+2], xs[i+3]
		s0, s1, s2, s3 = s0+a, s1+b, s2+c, s3+d
		l0, l1, l2, l3 = min(l0, a), min(l1, b), min(l2, c), min(l3, d)
		h0, h1, h2, h3 = max(h0, a), max(h1, b), max(h2, c), max(h3, d)
	}

	s := Summary{
		Sum: (s0 + s1) + (s2 + s3),
		Min: min(l0, l1, l2, l3),
		Max: max(h0, h1, h2, h3),
	}
	for _, x := range xs[n:] {
		s.Sum += x
		s.Min = min(s.Min, x)
		s.Max = max(s.Max, x)
	}
	return s
}

func sumSquaredDev(xs []float64, mean float64) float64 {
	var d0, d1, d2, d3 float64
	n := len(xs) &^ 3
	for i := 0; i < n; i += 4 {
		a, b, c, d := xs[i]-mean, xs[i+1]-mean, xs[i+2]-mean, xs[i+3]-mean
		d0, d1, d2, d3 = d0+a*a, d1+b*b, d2+c*c, d3+d*d
	}
	total := (d0 + d1) + (d2 + d3)
	for _, x := range xs[n:] {
		total += (x - mean) * (x - mean)
	}
	return total
}

// AggregateScalar is the straightforward single-accumulator reduction.
func AggregateScalar(xs []float64) Summary {
	if len(xs) == 0 {
		return Summary{}
	}
	s := Summary{Count: len(xs), Min: xs[0], Max: xs[0]}
	for _, x := range xs {
		s.Sum += x
		if x < s.Min {
			s.Min = x
		}
		if x > s.Max {
			s.Max = x
		}
	}
	s.Mean = s.Sum / float64(s.Count)
	for _, x := range xs {
		s.Variance += (x - s.Mean) * (x - s.Mean)
	}
	s.Variance /= float64(s.Count)
	s.StdDev = math.Sqrt(s.Variance)
	return s
}

// Percentile returns the p-th percentile (0..100) of xs with linear
// interpolation between closest ranks. xs is not modified.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	p = min(max(p, 0), 100)
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
