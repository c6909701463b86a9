package engine

import "math"

// Scorer turns a baseline sample set and a current value into a deviation
// score. A rule fires when the score exceeds its deviation threshold.
type Scorer interface {
	Score(baseline []float64, current float64) float64
}

// ZScoreScorer scores the current value by its distance from the baseline
// mean in standard deviations. A flat baseline scores any differing value
// as infinitely deviant.
type ZScoreScorer struct{}

// Score implements Scorer.
func (ZScoreScorer) Score(baseline []float64, current float64) float64 {
	if len(baseline) == 0 {
		return 0
	}

	mean := 0.0
	for _, v := range baseline {
		mean += v
	}
	mean /= float64(len(baseline))

	variance := 0.0
	for _, v := range baseline {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(baseline))
	stddev := math.Sqrt(variance)

	if stddev == 0 {
		if current == mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(current-mean) / stddev
}
