package features

import "github.com/flowloop/companion/internal/window"

const (
	temporalBuckets  = 10
	temporalBurstGap = 1.0 // seconds; gaps below this count as "bursty"
)

func extractTemporal(w *window.Window) ([5]float64, error) {
	var out [5]float64

	n := len(w.Events)
	if n == 0 {
		return out, checkFinite(GroupTemporal, out[:])
	}

	durationSec := w.EndTime.Sub(w.StartTime).Seconds()
	density := 0.0
	if durationSec > 0 {
		density = float64(n) / durationSec
	}

	bucketCounts := make([]float64, temporalBuckets)
	bucketWidth := durationSec / float64(temporalBuckets)
	timestamps := make([]float64, n)
	for i, e := range w.Events {
		ts := e.Timestamp.Sub(w.StartTime).Seconds()
		timestamps[i] = ts
		idx := 0
		if bucketWidth > 0 {
			idx = int(ts / bucketWidth)
		}
		if idx >= temporalBuckets {
			idx = temporalBuckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		bucketCounts[idx]++
	}

	bucketMean := mean(bucketCounts)
	rhythm := 1.0 / (1.0 + coefficientOfVariation(bucketCounts))

	maxBucket := 0.0
	for _, c := range bucketCounts {
		if c > maxBucket {
			maxBucket = c
		}
	}
	peakIntensity := 0.0
	if float64(n) > 0 {
		peakIntensity = maxBucket / float64(n)
	}

	activityVariance := variance(bucketCounts, bucketMean)

	burstyGaps, totalGaps := 0, 0
	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i] - timestamps[i-1]
		totalGaps++
		if gap < temporalBurstGap {
			burstyGaps++
		}
	}
	burstScore := 0.0
	if totalGaps > 0 {
		burstScore = float64(burstyGaps) / float64(totalGaps)
	}

	out[0] = density
	out[1] = rhythm
	out[2] = peakIntensity
	out[3] = activityVariance
	out[4] = burstScore

	return out, checkFinite(GroupTemporal, out[:])
}
