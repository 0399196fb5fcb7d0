package locate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Lateration solves for an unknown position given known receiver positions
// and distance estimates. Three strategies are provided:
//
//   - SolveLaterationInhomogeneous: linear least squares after eliminating
//     the quadratic term by pairwise subtraction (needs dims+1 positions).
//   - SolveLaterationHomogeneous: SVD null-space solve in homogeneous
//     coordinates (needs dims+1 positions, tolerates worse conditioning).
//   - RefineLateration: weighted Levenberg-Marquardt refinement from a seed.
//
// An under-constrained set of exactly dims distances still has a closed form
// with two mirror-image roots; SolveLaterationBranches returns both.

const (
	maxLMIterations    = 50
	lmConvergenceTol   = 1e-12
	lmStepTol          = 1e-10
	rankDeficiencyTol  = 1e-10
	minSeparation      = 1e-12 // guards divide-by-zero when the iterate lands on a receiver
	homogeneousScaleTol = 1e-12
)

// SolveLaterationInhomogeneous linearizes the squared-distance equations by
// subtracting the last one from each of the others and solves the resulting
// ordinary least-squares system with QR.
func SolveLaterationInhomogeneous(positions [][]float64, dists []float64) ([]float64, error) {
	dims, err := laterationDims(positions, dists)
	if err != nil {
		return nil, err
	}
	n := len(positions)
	if n < dims+1 {
		return nil, fmt.Errorf("%w: linear lateration needs %d positions in %dD, got %d", ErrNotEnoughSamples, dims+1, dims, n)
	}

	A, b := buildDifferenceSystem(positions, dists, dims)

	var qr mat.QR
	qr.Factorize(A)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return nil, fmt.Errorf("%w: lateration QR solve: %v", ErrNumericalInstability, err)
	}

	out := make([]float64, dims)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, nil
}

// SolveLaterationHomogeneous solves the same system as a null-space problem
// in homogeneous coordinates [x, ||x||^2, 1]. The null vector is recovered by
// SVD and de-homogenized by its last component.
func SolveLaterationHomogeneous(positions [][]float64, dists []float64) ([]float64, error) {
	dims, err := laterationDims(positions, dists)
	if err != nil {
		return nil, err
	}
	n := len(positions)
	if n < dims+1 {
		return nil, fmt.Errorf("%w: homogeneous lateration needs %d positions in %dD, got %d", ErrNotEnoughSamples, dims+1, dims, n)
	}

	// Row i: -2*p_i . x + s + (||p_i||^2 - d_i^2) * w = 0 for u = [x, s, w].
	cols := dims + 2
	M := mat.NewDense(n, cols, nil)
	for i, p := range positions {
		for j := 0; j < dims; j++ {
			M.Set(i, j, -2.0*p[j])
		}
		M.Set(i, dims, 1.0)
		M.Set(i, dims+1, normSq(p)-dists[i]*dists[i])
	}

	var svd mat.SVD
	if !svd.Factorize(M, mat.SVDFullV) {
		return nil, fmt.Errorf("%w: SVD factorization failed", ErrNumericalInstability)
	}
	var v mat.Dense
	svd.VTo(&v)

	// Null vector: right singular vector of the smallest singular value.
	w := v.At(dims+1, cols-1)
	if math.Abs(w) < homogeneousScaleTol {
		return nil, fmt.Errorf("%w: homogeneous solution at infinity", ErrNumericalInstability)
	}
	out := make([]float64, dims)
	for j := range out {
		out[j] = v.At(j, cols-1) / w
	}
	return out, nil
}

// SolveLaterationBranches handles the under-constrained case of exactly dims
// distance measurements. The linearized difference system then leaves one
// degree of freedom x = x0 + t*u; substituting into the first distance
// equation gives a quadratic in t whose two roots are the mirror-image
// candidate positions. Complex roots (non-intersecting spheres) collapse to
// the single tangent point.
func SolveLaterationBranches(positions [][]float64, dists []float64) ([][]float64, error) {
	dims, err := laterationDims(positions, dists)
	if err != nil {
		return nil, err
	}
	n := len(positions)
	if n != dims {
		return nil, fmt.Errorf("%w: branch solve expects exactly %d positions in %dD, got %d", ErrNotEnoughSamples, dims, dims, n)
	}

	A, b := buildDifferenceSystem(positions, dists, dims)

	// Minimum-norm particular solution and the one-dimensional null direction.
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFullV) {
		return nil, fmt.Errorf("%w: SVD factorization failed", ErrNumericalInstability)
	}
	var v mat.Dense
	svd.VTo(&v)
	sv := svd.Values(nil)
	if len(sv) == 0 || sv[0] < rankDeficiencyTol {
		return nil, fmt.Errorf("%w: degenerate receiver geometry", ErrNumericalInstability)
	}
	for _, s := range sv {
		if s < rankDeficiencyTol*sv[0] {
			return nil, fmt.Errorf("%w: collinear receiver geometry", ErrNumericalInstability)
		}
	}

	// Minimum-norm particular solution x0 = A^T (A A^T)^-1 b; A has full row
	// rank after the check above.
	var aat mat.Dense
	aat.Mul(A, A.T())
	var y mat.VecDense
	if err := y.SolveVec(&aat, b); err != nil {
		return nil, fmt.Errorf("%w: particular solution: %v", ErrNumericalInstability, err)
	}
	var x0 mat.VecDense
	x0.MulVec(A.T(), &y)

	u := make([]float64, dims)
	for j := range u {
		u[j] = v.At(j, dims-1)
	}

	// ||x0 + t*u - p0||^2 = d0^2, with ||u|| = 1 from the SVD.
	p0 := positions[0]
	var crossTerm, constTerm float64
	for j := 0; j < dims; j++ {
		dj := x0.AtVec(j) - p0[j]
		crossTerm += dj * u[j]
		constTerm += dj * dj
	}
	constTerm -= dists[0] * dists[0]

	disc := crossTerm*crossTerm - constTerm
	if disc < 0 {
		disc = 0 // spheres do not quite touch; take the closest-approach point
	}
	root := math.Sqrt(disc)

	branch := func(t float64) []float64 {
		out := make([]float64, dims)
		for j := range out {
			out[j] = x0.AtVec(j) + t*u[j]
		}
		return out
	}

	t1 := -crossTerm + root
	t2 := -crossTerm - root
	if root == 0 {
		return [][]float64{branch(t1)}, nil
	}
	return [][]float64{branch(t1), branch(t2)}, nil
}

// RefineLateration minimizes sum_i w_i*(||x - p_i|| - d_i)^2 starting from
// seed with a damped Gauss-Newton (Levenberg-Marquardt) iteration. Weights
// are 1/sigma_i^2 when a standard deviation is supplied, else 1. It fails
// with ErrNumericalInstability when the Jacobian is rank-deficient at the
// seed.
func RefineLateration(positions [][]float64, dists, stddevs []float64, seed []float64) ([]float64, error) {
	dims := len(seed)
	n := len(positions)
	if n < dims {
		return nil, fmt.Errorf("%w: nonlinear lateration needs at least %d measurements in %dD, got %d", ErrNotEnoughSamples, dims, dims, n)
	}
	if _, err := laterationDims(positions, dists); err != nil {
		return nil, err
	}

	sqrtW := make([]float64, n)
	for i := range sqrtW {
		sqrtW[i] = 1.0
		if stddevs != nil && stddevs[i] > 0 {
			sqrtW[i] = 1.0 / stddevs[i]
		}
	}

	x := append([]float64(nil), seed...)
	J := mat.NewDense(n, dims, nil)
	r := mat.NewVecDense(n, nil)

	evaluate := func(p []float64) float64 {
		cost := 0.0
		for i, rp := range positions {
			d := distance(p, rp)
			res := sqrtW[i] * (d - dists[i])
			cost += res * res
		}
		return cost
	}

	fillJacobian := func(p []float64) {
		for i, rp := range positions {
			d := distance(p, rp)
			if d < minSeparation {
				d = minSeparation
			}
			for j := 0; j < dims; j++ {
				J.Set(i, j, sqrtW[i]*(p[j]-rp[j])/d)
			}
			r.SetVec(i, sqrtW[i]*(d-dists[i]))
		}
	}

	fillJacobian(x)
	if jacobianRankDeficient(J) {
		return nil, fmt.Errorf("%w: rank-deficient Jacobian at initial guess", ErrNumericalInstability)
	}

	cost := evaluate(x)
	lambda := 1e-3

	for iter := 0; iter < maxLMIterations; iter++ {
		fillJacobian(x)

		var jtj mat.Dense
		jtj.Mul(J.T(), J)
		var jtr mat.VecDense
		jtr.MulVec(J.T(), r)

		accepted := false
		for attempt := 0; attempt < 8; attempt++ {
			var damped mat.Dense
			damped.CloneFrom(&jtj)
			for j := 0; j < dims; j++ {
				damped.Set(j, j, damped.At(j, j)+lambda*(1.0+jtj.At(j, j)))
			}

			var step mat.VecDense
			if err := step.SolveVec(&damped, &jtr); err != nil {
				lambda *= 10
				continue
			}

			trial := make([]float64, dims)
			stepNorm := 0.0
			for j := range trial {
				trial[j] = x[j] - step.AtVec(j)
				stepNorm += step.AtVec(j) * step.AtVec(j)
			}

			trialCost := evaluate(trial)
			if trialCost <= cost {
				improvement := cost - trialCost
				x = trial
				cost = trialCost
				lambda *= 0.3
				if lambda < 1e-12 {
					lambda = 1e-12
				}
				accepted = true
				if improvement < lmConvergenceTol || math.Sqrt(stepNorm) < lmStepTol {
					return x, nil
				}
				break
			}
			lambda *= 10
		}
		if !accepted {
			// Damping saturated without progress; current iterate is the
			// stationary point.
			break
		}
	}

	return x, nil
}

// buildDifferenceSystem subtracts the last squared-distance equation from
// each of the others: rows 2*(p_ref - p_i) . x = d_i^2 - d_ref^2 - ||p_i||^2
// + ||p_ref||^2.
func buildDifferenceSystem(positions [][]float64, dists []float64, dims int) (*mat.Dense, *mat.VecDense) {
	n := len(positions)
	ref := positions[n-1]
	refDistSq := dists[n-1] * dists[n-1]
	refNormSq := normSq(ref)

	rows := n - 1
	A := mat.NewDense(rows, dims, nil)
	b := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		p := positions[i]
		for j := 0; j < dims; j++ {
			A.Set(i, j, 2.0*(ref[j]-p[j]))
		}
		b.SetVec(i, dists[i]*dists[i]-refDistSq-normSq(p)+refNormSq)
	}
	return A, b
}

func laterationDims(positions [][]float64, dists []float64) (int, error) {
	if len(positions) == 0 || len(positions) != len(dists) {
		return 0, fmt.Errorf("%w: %d positions vs %d distances", ErrNotEnoughSamples, len(positions), len(dists))
	}
	dims := len(positions[0])
	for _, p := range positions {
		if len(p) != dims {
			return 0, fmt.Errorf("%w: inconsistent position dimensionality", ErrNumericalInstability)
		}
	}
	return dims, nil
}

func jacobianRankDeficient(J *mat.Dense) bool {
	var svd mat.SVD
	if !svd.Factorize(J, mat.SVDThin) {
		return true
	}
	sv := svd.Values(nil)
	if len(sv) == 0 || sv[0] == 0 {
		return true
	}
	return sv[len(sv)-1] < rankDeficiencyTol*sv[0]
}

func normSq(p []float64) float64 {
	s := 0.0
	for _, v := range p {
		s += v * v
	}
	return s
}
