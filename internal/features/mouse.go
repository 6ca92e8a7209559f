package features

import (
	"math"

	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/window"
)

const (
	directionChangeAngleDeg = 45.0
	idleGapThresholdSec     = 2.0
)

type mousePoint struct {
	x, y, velocity float64
	ts             float64 // seconds since window start
}

func extractMouse(w *window.Window) ([8]float64, error) {
	var out [8]float64

	var moves []mousePoint
	var clickTimes []float64
	var doubleClicks int

	for _, e := range w.Events {
		ts := e.Timestamp.Sub(w.StartTime).Seconds()
		switch d := e.Data.(type) {
		case bus.MouseMoveData:
			moves = append(moves, mousePoint{x: d.X, y: d.Y, velocity: d.VelocityPxS, ts: ts})
		case bus.MouseClickData:
			clickTimes = append(clickTimes, ts)
			if d.Double {
				doubleClicks++
			}
		}
	}

	if len(moves) == 0 && len(clickTimes) == 0 {
		return out, checkFinite(GroupMouse, out[:])
	}

	velocities := make([]float64, len(moves))
	for i, p := range moves {
		velocities[i] = p.velocity
	}
	velocityMean := mean(velocities)
	velocityVariance := variance(velocities, velocityMean)

	directionChanges := 0
	for i := 2; i < len(moves); i++ {
		a1 := math.Atan2(moves[i-1].y-moves[i-2].y, moves[i-1].x-moves[i-2].x)
		a2 := math.Atan2(moves[i].y-moves[i-1].y, moves[i].x-moves[i-1].x)
		delta := math.Abs(angleDiffDeg(a1, a2))
		if delta > directionChangeAngleDeg {
			directionChanges++
		}
	}
	smoothness := 0.0
	if len(moves) > 2 {
		smoothness = 1.0 - float64(directionChanges)/float64(len(moves)-2)
	}

	durationMin := w.EndTime.Sub(w.StartTime).Minutes()
	clickFreq := 0.0
	if durationMin > 0 {
		clickFreq = float64(len(clickTimes)) / durationMin
	}

	doubleClickRatio := 0.0
	if len(clickTimes) > 0 {
		doubleClickRatio = float64(doubleClicks) / float64(len(clickTimes))
	}
	clickAccuracy := 1.0 - doubleClickRatio*0.5

	velocityDeltas := make([]float64, 0, len(velocities))
	for i := 1; i < len(velocities); i++ {
		velocityDeltas = append(velocityDeltas, velocities[i]-velocities[i-1])
	}
	regularity := 1.0 / (1.0 + coefficientOfVariation(absAll(velocityDeltas)))

	idleSeconds := 0.0
	for i := 1; i < len(moves); i++ {
		gap := moves[i].ts - moves[i-1].ts
		if gap > idleGapThresholdSec {
			idleSeconds += gap
		}
	}
	totalDurationSec := w.EndTime.Sub(w.StartTime).Seconds()
	idleRatio := 0.0
	if totalDurationSec > 0 {
		idleRatio = idleSeconds / totalDurationSec
		if idleRatio > 1 {
			idleRatio = 1
		}
	}

	out[0] = velocityMean
	out[1] = velocityVariance
	out[2] = smoothness
	out[3] = clickFreq
	out[4] = doubleClickRatio
	out[5] = clickAccuracy
	out[6] = regularity
	out[7] = idleRatio

	return out, checkFinite(GroupMouse, out[:])
}

func angleDiffDeg(a1, a2 float64) float64 {
	diff := (a2 - a1) * 180.0 / math.Pi
	for diff > 180 {
		diff -= 360
	}
	for diff < -180 {
		diff += 360
	}
	return diff
}

func absAll(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Abs(x)
	}
	return out
}
