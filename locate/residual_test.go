package locate

import (
	"math"
	"testing"
)

func rangingReading(pos []float64, dist, stddev float64) Reading {
	rd := Reading{Position: pos, Distance: float64Ptr(dist)}
	if stddev > 0 {
		rd.DistanceStdDev = float64Ptr(stddev)
	}
	return rd
}

func rssiReading(pos []float64, rssi, stddev float64) Reading {
	rd := Reading{Position: pos, RSSI: float64Ptr(rssi)}
	if stddev > 0 {
		rd.RSSIStdDev = float64Ptr(stddev)
	}
	return rd
}

func TestResidual_ZeroAtTruth(t *testing.T) {
	target := []float64{3, 4}
	power := -20.0

	readings := []Reading{
		rangingReading([]float64{0, 0}, 5, 0),
		rssiReading([]float64{3, 0}, PredictRSSI(power, 2.0, 4, DefaultFrequency), 0),
	}

	m := &residualModel{
		readings:      readings,
		frequency:     DefaultFrequency,
		knownPower:    &power,
		knownExponent: 2.0,
	}
	sol := &Solution{Position: target}

	for i := range readings {
		if r := m.at(sol, i); r > 1e-9 {
			t.Errorf("residual[%d] = %v at the true solution, want 0", i, r)
		}
	}
}

func TestResidual_NormalizedByStdDev(t *testing.T) {
	// 1m range error with sigma 0.5 scores a residual of 2.
	m := &residualModel{
		readings:  []Reading{rangingReading([]float64{0, 0}, 4, 0.5)},
		frequency: DefaultFrequency,
	}
	sol := &Solution{Position: []float64{5, 0}}

	if r := m.at(sol, 0); math.Abs(r-2.0) > 1e-9 {
		t.Errorf("residual = %v, want 2.0", r)
	}
}

func TestResidual_SkipsRSSIWithoutPower(t *testing.T) {
	// A dual reading with no power anywhere must score by ranging only.
	rd := rangingReading([]float64{0, 0}, 5, 0)
	rd.RSSI = float64Ptr(-60)

	m := &residualModel{
		readings:      []Reading{rd},
		frequency:     DefaultFrequency,
		knownExponent: 2.0,
	}
	sol := &Solution{Position: []float64{5, 0}}

	if r := m.at(sol, 0); math.Abs(r) > 1e-9 {
		t.Errorf("residual = %v, want ranging-only 0", r)
	}
}

func TestResidual_CombinesBothComponents(t *testing.T) {
	power := -20.0
	target := []float64{5, 0}

	rd := rangingReading([]float64{0, 0}, 4, 0) // ranging residual 1
	rd.RSSI = float64Ptr(PredictRSSI(power, 2.0, 5, DefaultFrequency) - 3)

	m := &residualModel{
		readings:      []Reading{rd},
		frequency:     DefaultFrequency,
		knownPower:    &power,
		knownExponent: 2.0,
	}
	sol := &Solution{Position: target}

	want := math.Hypot(1, 3)
	if r := m.at(sol, 0); math.Abs(r-want) > 1e-9 {
		t.Errorf("residual = %v, want %v", r, want)
	}
}

func TestResidual_CustomCombiner(t *testing.T) {
	power := -20.0
	rd := rangingReading([]float64{0, 0}, 4, 0)
	rd.RSSI = float64Ptr(PredictRSSI(power, 2.0, 5, DefaultFrequency) - 3)

	m := &residualModel{
		readings:      []Reading{rd},
		frequency:     DefaultFrequency,
		knownPower:    &power,
		knownExponent: 2.0,
		combiner:      math.Max,
	}
	sol := &Solution{Position: []float64{5, 0}}

	if r := m.at(sol, 0); math.Abs(r-3.0) > 1e-9 {
		t.Errorf("residual = %v, want max component 3.0", r)
	}
}

func TestResidual_ExponentResolutionOrder(t *testing.T) {
	power := -20.0
	override := 3.0
	rd := rssiReading([]float64{0, 0}, PredictRSSI(power, override, 5, DefaultFrequency), 0)
	rd.PathLossExponent = &override

	m := &residualModel{
		readings:      []Reading{rd},
		frequency:     DefaultFrequency,
		knownPower:    &power,
		knownExponent: 2.0, // must lose to the per-reading override
	}
	sol := &Solution{Position: []float64{5, 0}}
	if r := m.at(sol, 0); r > 1e-9 {
		t.Errorf("per-reading exponent override ignored, residual = %v", r)
	}

	// An estimated exponent on the solution beats the override.
	estimated := 2.5
	sol.Exponent = &estimated
	if r := m.at(sol, 0); r < 1e-3 {
		t.Errorf("solution exponent should dominate, residual = %v", r)
	}
}

func TestResidual_KnownPositionFallback(t *testing.T) {
	m := &residualModel{
		readings:      []Reading{rangingReading([]float64{0, 0}, 5, 0)},
		frequency:     DefaultFrequency,
		knownPosition: []float64{3, 4},
	}
	sol := &Solution{} // position not estimated

	if r := m.at(sol, 0); r > 1e-9 {
		t.Errorf("residual = %v, want 0 using the known position", r)
	}
}
