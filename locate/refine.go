package locate

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// refineOverInliers re-fits the consensus solution using only the accepted
// inliers, weighted by inverse measurement variance, and propagates a
// first-order covariance from the refinement Jacobian. Refinement failures
// are soft: the consensus solution is kept and only the covariance is left
// nil.
func (e *Estimator) refineOverInliers(best *Solution, mask []bool) (*Solution, *mat.Dense) {
	indices := make([]int, 0, len(mask))
	for i, in := range mask {
		if in {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return best, nil
	}

	solver := e.newJointSolver(e.readings)
	// The consensus estimate seeds the nonlinear solve and, when power or
	// exponent were estimated, replaces the assumed values during the
	// RSSI-to-distance fallback.
	if best.Position != nil {
		solver.seedPosition = best.Position
	}
	if best.Power != nil {
		solver.knownPower = best.Power
	}
	if best.Exponent != nil {
		solver.knownExponent = *best.Exponent
	}

	refined := best
	positions := solver.candidatePositions(solver.gatherRanging(indices))
	if len(positions) == 1 {
		if sol, err := solver.fitPathLossAt(positions[0], solver.gatherRSSI(indices)); err == nil {
			refined = sol
		}
	}

	return refined, e.covarianceAt(refined, indices)
}

// covarianceAt approximates the parameter covariance as (J^T W J)^-1 at the
// refined solution, with one Jacobian row per inlier measurement component
// and W the diagonal inverse-variance weight matrix. A singular normal
// matrix yields nil.
func (e *Estimator) covarianceAt(sol *Solution, indices []int) *mat.Dense {
	// Parameter layout: position block, power, exponent; only enabled blocks.
	cols := 0
	posOff, powerOff, expOff := -1, -1, -1
	if e.caps.Position {
		posOff = cols
		cols += e.dims
	}
	if e.caps.Power {
		powerOff = cols
		cols++
	}
	if e.caps.Exponent {
		expOff = cols
		cols++
	}
	if cols == 0 {
		return nil
	}

	position := sol.Position
	if position == nil {
		position = e.knownPosition
	}
	power := e.knownPower
	if sol.Power != nil {
		power = sol.Power
	}
	exponent := e.knownExponent
	if sol.Exponent != nil {
		exponent = *sol.Exponent
	}

	type row struct {
		coeffs []float64
		weight float64
	}
	var rows []row

	for _, idx := range indices {
		rd := &e.readings[idx]
		d := distance(position, rd.Position)
		if d < minSeparation {
			d = minSeparation
		}

		if rd.HasDistance() {
			c := make([]float64, cols)
			if posOff >= 0 {
				for j := 0; j < e.dims; j++ {
					c[posOff+j] = (position[j] - rd.Position[j]) / d
				}
			}
			sigma := optStdDev(rd.DistanceStdDev, DefaultDistanceStdDev)
			rows = append(rows, row{coeffs: c, weight: 1.0 / (sigma * sigma)})
		}

		if rd.HasRSSI() && power != nil {
			c := make([]float64, cols)
			if posOff >= 0 {
				// d(predictedRSSI)/d(position_j) = -10n (p_j - r_j) / (ln10 d^2)
				k := -10.0 * exponent / (math.Ln10 * d * d)
				for j := 0; j < e.dims; j++ {
					c[posOff+j] = k * (position[j] - rd.Position[j])
				}
			}
			if powerOff >= 0 {
				c[powerOff] = 1.0
			}
			if expOff >= 0 {
				c[expOff] = -freeSpaceLoss(d, e.frequency)
			}
			sigma := optStdDev(rd.RSSIStdDev, DefaultRSSIStdDev)
			rows = append(rows, row{coeffs: c, weight: 1.0 / (sigma * sigma)})
		}
	}

	if len(rows) < cols {
		return nil
	}

	// Normal matrix J^T W J accumulated row by row.
	normal := mat.NewDense(cols, cols, nil)
	for _, r := range rows {
		for a := 0; a < cols; a++ {
			if r.coeffs[a] == 0 {
				continue
			}
			for b := 0; b < cols; b++ {
				normal.Set(a, b, normal.At(a, b)+r.weight*r.coeffs[a]*r.coeffs[b])
			}
		}
	}

	var cov mat.Dense
	if err := cov.Inverse(normal); err != nil {
		return nil
	}
	return &cov
}
