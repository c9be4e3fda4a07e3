package telemetry

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateMatchesScalar(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for _, lanes := range []int{4, 8} {
		agg := &Aggregator{lanes: lanes}
		for _, n := range []int{1, 3, 4, 7, 8, 9, 63, 1000, 4097} {
			xs := make([]float64, n)
			for i := range xs {
				xs[i] = rng.NormFloat64()*100 + 50
			}

			got := agg.Aggregate(xs)
			want := AggregateScalar(xs)

			assert.Equal(t, want.Count, got.Count, "lanes=%d n=%d", lanes, n)
			assert.InDelta(t, want.Sum, got.Sum, 1e-6, "lanes=%d n=%d", lanes, n)
			assert.InDelta(t, want.Mean, got.Mean, 1e-6, "lanes=%d n=%d", lanes, n)
			assert.Equal(t, want.Min, got.Min, "lanes=%d n=%d", lanes, n)
			assert.Equal(t, want.Max, got.Max, "lanes=%d n=%d", lanes, n)
			assert.InDelta(t, want.Variance, got.Variance, 1e-6, "lanes=%d n=%d", lanes, n)
			assert.InDelta(t, want.StdDev, got.StdDev, 1e-6, "lanes=%d n=%d", lanes, n)
		}
	}
}

func TestAggregateKnownValues(t *testing.T) {
	s := NewAggregator().Aggregate([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	assert.Equal(t, 8, s.Count)
	assert.Equal(t, 40.0, s.Sum)
	assert.Equal(t, 5.0, s.Mean)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.InDelta(t, 4.0, s.Variance, 1e-12)
	assert.InDelta(t, 2.0, s.StdDev, 1e-12)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Equal(t, Summary{}, NewAggregator().Aggregate(nil))
	assert.Equal(t, Summary{}, AggregateScalar(nil))
}

func TestNewAggregatorLanes(t *testing.T) {
	assert.Contains(t, []int{4, 8}, NewAggregator().Lanes())
}

func TestPercentile(t *testing.T) {
	xs := []float64{15, 20, 35, 40, 50}

	tests := []struct {
		p    float64
		want float64
	}{
		{0, 15},
		{25, 20},
		{50, 35},
		{90, 46},
		{100, 50},
		{-5, 15},
		{150, 50},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Percentile(xs, tt.p), 1e-9, "p=%v", tt.p)
	}

	assert.Equal(t, []float64{15, 20, 35, 40, 50}, xs)
	assert.True(t, math.IsNaN(Percentile(nil, 50)))
}
