package features

import (
	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/window"
)

const (
	interKeyClipMin   = 10.0
	interKeyClipMax   = 5000.0
	pauseThresholdMS  = 1000.0
	burstGapThreshold = 200.0
	burstMinKeys      = 3
)

func extractKeystroke(w *window.Window) ([10]float64, error) {
	var out [10]float64

	var intervals []float64
	var backspaceCount, correctionCount, total int

	for _, e := range w.Events {
		kd, ok := e.Data.(bus.KeystrokeData)
		if !ok {
			continue
		}
		total++
		if kd.IsBackspace {
			backspaceCount++
		}
		if kd.IsCorrection {
			correctionCount++
		}
		if kd.InterKeyMS > 0 {
			v := kd.InterKeyMS
			if v < interKeyClipMin {
				v = interKeyClipMin
			}
			if v > interKeyClipMax {
				v = interKeyClipMax
			}
			intervals = append(intervals, v)
		}
	}

	if total == 0 {
		return out, checkFinite(GroupKeystroke, out[:])
	}

	m := mean(intervals)
	v := variance(intervals, m)
	cv := coefficientOfVariation(intervals)
	rhythm := 1.0 / (1.0 + cv)

	durationMin := w.EndTime.Sub(w.StartTime).Minutes()
	pauseCount := 0
	for _, iv := range intervals {
		if iv >= pauseThresholdMS {
			pauseCount++
		}
	}
	pauseFreq := 0.0
	if durationMin > 0 {
		pauseFreq = float64(pauseCount) / durationMin
	}

	burstCount, burstEventsTotal, burstLengthSum := countBursts(intervals)
	burstMeanLen := 0.0
	if burstCount > 0 {
		burstMeanLen = burstLengthSum / float64(burstCount)
	}
	burstIntensity := 0.0
	if total > 0 {
		burstIntensity = float64(burstEventsTotal) / float64(total)
	}

	backspaceRate := float64(backspaceCount) / float64(total)
	correctionScore := (float64(backspaceCount) + float64(correctionCount)) / 2.0 / float64(total)

	out[0] = m
	out[1] = v
	out[2] = cv
	out[3] = rhythm
	out[4] = pauseFreq
	out[5] = float64(burstCount)
	out[6] = burstMeanLen
	out[7] = burstIntensity
	out[8] = backspaceRate
	out[9] = correctionScore

	return out, checkFinite(GroupKeystroke, out[:])
}

// countBursts finds runs of >= burstMinKeys consecutive keys whose gaps are
// below burstGapThreshold, returning the number of bursts, the total keys
// participating in any burst, and the sum of burst lengths (for mean-length).
func countBursts(intervals []float64) (count int, eventsInBursts int, lengthSum float64) {
	run := 1 // one key starts any run; a gap only matters between two keys
	for i := 1; i <= len(intervals); i++ {
		tight := i < len(intervals) && intervals[i] < burstGapThreshold
		if tight {
			run++
			continue
		}
		if run >= burstMinKeys {
			count++
			eventsInBursts += run
			lengthSum += float64(run)
		}
		run = 1
	}
	return count, eventsInBursts, lengthSum
}
