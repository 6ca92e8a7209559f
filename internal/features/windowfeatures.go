package features

import (
	"math"
	"strings"

	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/window"
)

const rapidSwitchThresholdSec = 5.0

// categoryEntertainment is the one category spec §4.9 singles out: any
// transition touching it scores incoherent, all others coherent.
const categoryEntertainment = "entertainment"

func extractWindow(w *window.Window) ([6]float64, error) {
	var out [6]float64

	type focus struct {
		ts       float64
		category string
	}
	var foci []focus
	for _, e := range w.Events {
		if d, ok := e.Data.(bus.WindowFocusData); ok {
			foci = append(foci, focus{ts: e.Timestamp.Sub(w.StartTime).Seconds(), category: strings.ToLower(d.AppCategory)})
		}
	}

	if len(foci) == 0 {
		return out, checkFinite(GroupWindow, out[:])
	}

	durations := make([]float64, 0, len(foci))
	for i := 1; i < len(foci); i++ {
		durations = append(durations, foci[i].ts-foci[i-1].ts)
	}

	focusMean := mean(durations)
	focusStd := 0.0
	if len(durations) > 0 {
		focusStd = math.Sqrt(variance(durations, focusMean))
	}
	stability := 1.0 / (1.0 + coefficientOfVariation(durations))

	durationMin := w.EndTime.Sub(w.StartTime).Minutes()
	switchFreq := 0.0
	if durationMin > 0 {
		switchFreq = float64(len(foci)-1) / durationMin
	}

	rapidSwitches := 0
	for i := 1; i < len(durations); i++ {
		if durations[i-1] < rapidSwitchThresholdSec && durations[i] < rapidSwitchThresholdSec {
			rapidSwitches++
		}
	}
	rapidRatio := 0.0
	if len(durations) > 1 {
		rapidRatio = float64(rapidSwitches) / float64(len(durations)-1)
	}

	coherentCount, transitions := 0, 0
	for i := 1; i < len(foci); i++ {
		transitions++
		if foci[i-1].category != categoryEntertainment && foci[i].category != categoryEntertainment {
			coherentCount++
		}
	}
	coherence := 1.0
	if transitions > 0 {
		coherence = float64(coherentCount) / float64(transitions)
	}

	out[0] = focusMean
	out[1] = focusStd
	out[2] = stability
	out[3] = switchFreq
	out[4] = rapidRatio
	out[5] = coherence

	return out, checkFinite(GroupWindow, out[:])
}
