package machine

import "math"

// WithinTolerance reports |value - target| <= target * fraction.
// The band is a fraction of the target, never of the reading.
func WithinTolerance(value, target, fraction float64) bool {
	return math.Abs(value-target) <= target*fraction
}

// AveragePour is the mean of (sample - tare) over samples, unclamped.
func AveragePour(samples []float64, tare float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s - tare
	}
	return sum / float64(len(samples))
}
