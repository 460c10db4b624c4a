package health

import "math"

// minBaselineSamples is how many observations a metric needs before its
// baseline is trusted for anomaly scoring.
const minBaselineSamples = 5

// Baseline keeps a rolling window of metric observations and exposes the
// mean and standard deviation used for mean ± k·stddev anomaly flagging.
type Baseline struct {
	values []float64
	next   int
}

// NewBaseline creates a baseline over the given window size.
func NewBaseline(window int) *Baseline {
	if window < minBaselineSamples {
		window = minBaselineSamples
	}
	return &Baseline{values: make([]float64, 0, window)}
}

// Observe records one sample, evicting the oldest when the window is full.
func (b *Baseline) Observe(v float64) {
	if len(b.values) < cap(b.values) {
		b.values = append(b.values, v)
		return
	}
	b.values[b.next] = v
	b.next = (b.next + 1) % len(b.values)
}

// MeanStd returns the window mean and standard deviation. ok is false
// until enough samples have been observed.
func (b *Baseline) MeanStd() (mean, std float64, ok bool) {
	n := len(b.values)
	if n < minBaselineSamples {
		return 0, 0, false
	}

	for _, v := range b.values {
		mean += v
	}
	mean /= float64(n)

	var sum float64
	for _, v := range b.values {
		d := v - mean
		sum += d * d
	}
	std = math.Sqrt(sum / float64(n))
	return mean, std, true
}

// Score returns the absolute z-score of v against the baseline, or 0 when
// the baseline is not yet trustworthy. A zero stddev with a deviating
// value scores as strongly anomalous.
func (b *Baseline) Score(v float64) float64 {
	mean, std, ok := b.MeanStd()
	if !ok {
		return 0
	}
	diff := math.Abs(v - mean)
	if std == 0 {
		if diff == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return diff / std
}
