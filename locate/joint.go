package locate

import "math"

// jointSolver is the deterministic inner estimator invoked once per subset
// by the robust driver: lateration from ranging distances (with RSSI-derived
// distances as a fallback) followed by a path-loss fit against the solved
// position.
type jointSolver struct {
	readings  []Reading
	dims      int
	caps      Capabilities
	frequency float64

	knownPosition []float64
	knownPower    *float64
	knownExponent float64

	seedPosition []float64 // optional caller-provided initial guess
}

// rangingSet is the per-subset lateration input: one entry per reading that
// either measured a distance directly or allowed one to be derived from RSSI.
type rangingSet struct {
	positions [][]float64
	dists     []float64
	stddevs   []float64
}

// rssiSet is the per-subset path-loss fit input.
type rssiSet struct {
	positions [][]float64
	rssis     []float64
	stddevs   []float64
}

// solveSubset produces the candidate solutions for one minimal subset drawn
// by the robust driver. An empty result means the subset was unusable (not
// enough constraining readings, or a singular solve) and counts as a failed
// draw.
func (j *jointSolver) solveSubset(indices []int) []*Solution {
	ranging := j.gatherRanging(indices)
	rssi := j.gatherRSSI(indices)

	positions := j.candidatePositions(ranging)
	if len(positions) == 0 {
		return nil
	}

	var out []*Solution
	for _, pos := range positions {
		sol, err := j.fitPathLossAt(pos, rssi)
		if err != nil {
			continue
		}
		out = append(out, sol)
	}
	return out
}

// candidatePositions solves the position block. When position estimation is
// disabled the known position is the single candidate. Exactly dims usable
// distances leave a mirror ambiguity; both branches are candidates and the
// driver scores each independently.
func (j *jointSolver) candidatePositions(ranging rangingSet) [][]float64 {
	if !j.caps.Position {
		return [][]float64{j.knownPosition}
	}

	n := len(ranging.positions)
	switch {
	case j.seedPosition != nil && n >= j.dims:
		pos, err := RefineLateration(ranging.positions, ranging.dists, ranging.stddevs, j.seedPosition)
		if err != nil {
			return nil
		}
		return [][]float64{pos}

	case n >= j.dims+1:
		pos, err := SolveLaterationInhomogeneous(ranging.positions, ranging.dists)
		if err != nil {
			pos, err = SolveLaterationHomogeneous(ranging.positions, ranging.dists)
			if err != nil {
				return nil
			}
		}
		// The linear stage supplies the seed for the nonlinear polish.
		if refined, err := RefineLateration(ranging.positions, ranging.dists, ranging.stddevs, pos); err == nil {
			pos = refined
		}
		return [][]float64{pos}

	case n == j.dims:
		branches, err := SolveLaterationBranches(ranging.positions, ranging.dists)
		if err != nil {
			return nil
		}
		return branches

	default:
		return nil
	}
}

// fitPathLossAt fits the enabled path-loss parameters against a fixed
// position candidate and assembles the solution.
func (j *jointSolver) fitPathLossAt(pos []float64, rssi rssiSet) (*Solution, error) {
	sol := &Solution{}
	if j.caps.Position {
		sol.Position = pos
	}
	if !j.caps.Power && !j.caps.Exponent {
		return sol, nil
	}

	dists := make([]float64, len(rssi.positions))
	for i, rp := range rssi.positions {
		dists[i] = distance(pos, rp)
	}

	switch {
	case j.caps.Power && j.caps.Exponent:
		power, exponent, err := FitPathLoss(dists, rssi.rssis, rssi.stddevs, j.frequency)
		if err != nil {
			return nil, err
		}
		sol.Power = &power
		sol.Exponent = &exponent

	case j.caps.Power:
		power, err := FitTransmittedPower(dists, rssi.rssis, rssi.stddevs, j.knownExponent, j.frequency)
		if err != nil {
			return nil, err
		}
		sol.Power = &power

	case j.caps.Exponent:
		if j.knownPower == nil {
			return nil, ErrNotReady
		}
		exponent, err := FitExponent(dists, rssi.rssis, rssi.stddevs, *j.knownPower, j.frequency)
		if err != nil {
			return nil, err
		}
		sol.Exponent = &exponent
	}
	return sol, nil
}

// gatherRanging collects distance constraints from a subset. Readings
// without a measured distance contribute an RSSI-derived one when the
// transmitted power is known; the derived standard deviation follows from
// first-order propagation through the model inverse.
func (j *jointSolver) gatherRanging(indices []int) rangingSet {
	var set rangingSet
	for _, idx := range indices {
		rd := &j.readings[idx]
		switch {
		case rd.HasDistance():
			set.positions = append(set.positions, rd.Position)
			set.dists = append(set.dists, *rd.Distance)
			set.stddevs = append(set.stddevs, optStdDev(rd.DistanceStdDev, DefaultDistanceStdDev))

		case rd.HasRSSI() && j.knownPower != nil:
			exponent := j.knownExponent
			if rd.PathLossExponent != nil {
				exponent = *rd.PathLossExponent
			}
			d := DistanceFromRSSI(*j.knownPower, exponent, *rd.RSSI, j.frequency)
			// d(d)/d(rssi) = -d*ln10 / (10*n).
			sigmaRSSI := optStdDev(rd.RSSIStdDev, DefaultRSSIStdDev)
			sigmaD := d * math.Ln10 / (10.0 * exponent) * sigmaRSSI
			set.positions = append(set.positions, rd.Position)
			set.dists = append(set.dists, d)
			set.stddevs = append(set.stddevs, sigmaD)
		}
	}
	return set
}

// gatherRSSI collects signal-strength samples from a subset.
func (j *jointSolver) gatherRSSI(indices []int) rssiSet {
	var set rssiSet
	for _, idx := range indices {
		rd := &j.readings[idx]
		if !rd.HasRSSI() {
			continue
		}
		set.positions = append(set.positions, rd.Position)
		set.rssis = append(set.rssis, *rd.RSSI)
		set.stddevs = append(set.stddevs, optStdDev(rd.RSSIStdDev, DefaultRSSIStdDev))
	}
	return set
}

func optStdDev(p *float64, def float64) float64 {
	if p != nil && *p > 0 {
		return *p
	}
	return def
}
