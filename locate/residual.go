package locate

import "math"

// Default measurement standard deviations assumed when a reading does not
// supply its own. Both residual components are normalized by these so that
// ranging-only and RSSI-only readings score on one comparable scale.
const (
	DefaultDistanceStdDev = 1.0 // meters
	DefaultRSSIStdDev     = 1.0 // dB
)

// Combiner merges the normalized ranging and RSSI residuals of a reading
// that carries both components into one scalar.
type Combiner func(rangingResidual, rssiResidual float64) float64

// CombineRootSumSquare is the default Combiner.
func CombineRootSumSquare(a, b float64) float64 {
	return math.Hypot(a, b)
}

// residualModel scores a candidate solution against individual readings.
// Power and exponent fall back to the known values when the solution does
// not carry them (i.e. when those parameters are not being estimated).
type residualModel struct {
	readings  []Reading
	frequency float64
	combiner  Combiner

	knownPosition []float64
	knownPower    *float64
	knownExponent float64
}

// at computes the non-negative residual of reading i against sol.
func (m *residualModel) at(sol *Solution, i int) float64 {
	rd := &m.readings[i]
	pos := sol.Position
	if pos == nil {
		pos = m.knownPosition
	}
	d := distance(pos, rd.Position)

	var rangingRes, rssiRes float64
	hasRanging := rd.HasDistance()
	hasRSSI := rd.HasRSSI()

	if hasRanging {
		sigma := DefaultDistanceStdDev
		if rd.DistanceStdDev != nil && *rd.DistanceStdDev > 0 {
			sigma = *rd.DistanceStdDev
		}
		rangingRes = math.Abs(d-*rd.Distance) / sigma
	}

	if hasRSSI {
		power := m.knownPower
		if sol.Power != nil {
			power = sol.Power
		}
		if power == nil {
			// No power available to evaluate the model; score by ranging only.
			hasRSSI = false
		} else {
			exponent := m.exponentFor(sol, rd)
			sigma := DefaultRSSIStdDev
			if rd.RSSIStdDev != nil && *rd.RSSIStdDev > 0 {
				sigma = *rd.RSSIStdDev
			}
			predicted := PredictRSSI(*power, exponent, d, m.frequency)
			rssiRes = math.Abs(predicted-*rd.RSSI) / sigma
		}
	}

	switch {
	case hasRanging && hasRSSI:
		if m.combiner != nil {
			return m.combiner(rangingRes, rssiRes)
		}
		return CombineRootSumSquare(rangingRes, rssiRes)
	case hasRanging:
		return rangingRes
	case hasRSSI:
		return rssiRes
	default:
		return 0
	}
}

// exponentFor resolves the path-loss exponent for a reading: the estimated
// one if present, else the per-reading override, else the known default.
func (m *residualModel) exponentFor(sol *Solution, rd *Reading) float64 {
	if sol.Exponent != nil {
		return *sol.Exponent
	}
	if rd.PathLossExponent != nil {
		return *rd.PathLossExponent
	}
	return m.knownExponent
}
