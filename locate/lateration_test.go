package locate

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func distancesTo(target []float64, positions [][]float64) []float64 {
	dists := make([]float64, len(positions))
	for i, p := range positions {
		dists[i] = distance(target, p)
	}
	return dists
}

func assertNear(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("dimension mismatch: got %v, want %v", got, want)
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("position = %v, want %v (tol %g)", got, want, tol)
		}
	}
}

func TestSolveLaterationInhomogeneous_Exact2D(t *testing.T) {
	target := []float64{3.5, -1.25}
	positions := [][]float64{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	dists := distancesTo(target, positions)

	got, err := SolveLaterationInhomogeneous(positions, dists)
	if err != nil {
		t.Fatalf("SolveLaterationInhomogeneous: %v", err)
	}
	assertNear(t, got, target, 1e-9)
}

func TestSolveLaterationInhomogeneous_Exact3D(t *testing.T) {
	target := []float64{1.0, 2.0, -0.5}
	positions := [][]float64{
		{0, 0, 0}, {5, 0, 0}, {0, 5, 0}, {0, 0, 5}, {5, 5, 5},
	}
	dists := distancesTo(target, positions)

	got, err := SolveLaterationInhomogeneous(positions, dists)
	if err != nil {
		t.Fatalf("SolveLaterationInhomogeneous: %v", err)
	}
	assertNear(t, got, target, 1e-9)
}

func TestSolveLaterationInhomogeneous_TooFew(t *testing.T) {
	positions := [][]float64{{0, 0}, {1, 0}}
	_, err := SolveLaterationInhomogeneous(positions, []float64{1, 1})
	if !errors.Is(err, ErrNotEnoughSamples) {
		t.Errorf("error = %v, want ErrNotEnoughSamples", err)
	}
}

func TestSolveLaterationHomogeneous_Exact2D(t *testing.T) {
	target := []float64{-2.0, 4.5}
	positions := [][]float64{{0, 0}, {8, 1}, {2, 9}, {-5, -3}}
	dists := distancesTo(target, positions)

	got, err := SolveLaterationHomogeneous(positions, dists)
	if err != nil {
		t.Fatalf("SolveLaterationHomogeneous: %v", err)
	}
	assertNear(t, got, target, 1e-6)
}

func TestSolveLaterationBranches_MirrorPair(t *testing.T) {
	// Two receivers in 2D: candidates are mirror images across the
	// receiver baseline. One of them must be the true position.
	target := []float64{3.0, 4.0}
	positions := [][]float64{{0, 0}, {6, 0}}
	dists := distancesTo(target, positions)

	branches, err := SolveLaterationBranches(positions, dists)
	if err != nil {
		t.Fatalf("SolveLaterationBranches: %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("got %d branches, want 2", len(branches))
	}

	mirror := []float64{3.0, -4.0}
	foundTarget, foundMirror := false, false
	for _, b := range branches {
		if distance(b, target) < 1e-6 {
			foundTarget = true
		}
		if distance(b, mirror) < 1e-6 {
			foundMirror = true
		}
	}
	if !foundTarget || !foundMirror {
		t.Errorf("branches = %v, want %v and %v", branches, target, mirror)
	}
}

func TestSolveLaterationBranches_TangentPoint(t *testing.T) {
	// A point on the baseline: the two spheres touch and the quadratic has
	// a double root, so only one branch comes back.
	target := []float64{2.0, 0.0}
	positions := [][]float64{{0, 0}, {6, 0}}
	dists := distancesTo(target, positions)

	branches, err := SolveLaterationBranches(positions, dists)
	if err != nil {
		t.Fatalf("SolveLaterationBranches: %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("got %d branches, want 1", len(branches))
	}
	assertNear(t, branches[0], target, 1e-6)
}

func TestSolveLaterationBranches_WrongCount(t *testing.T) {
	positions := [][]float64{{0, 0}, {6, 0}, {3, 5}}
	_, err := SolveLaterationBranches(positions, distancesTo([]float64{1, 1}, positions))
	if !errors.Is(err, ErrNotEnoughSamples) {
		t.Errorf("error = %v, want ErrNotEnoughSamples", err)
	}
}

func TestRefineLateration_PolishesNoisySeed(t *testing.T) {
	target := []float64{4.2, -3.1}
	positions := [][]float64{{0, 0}, {10, 0}, {0, 10}, {10, 10}, {-5, 5}}
	dists := distancesTo(target, positions)

	seed := []float64{target[0] + 2.0, target[1] - 1.5}
	got, err := RefineLateration(positions, dists, nil, seed)
	if err != nil {
		t.Fatalf("RefineLateration: %v", err)
	}
	assertNear(t, got, target, 1e-6)
}

func TestRefineLateration_WeightsDownNoisyMeasurement(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	target := []float64{2.0, 2.0}
	positions := [][]float64{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	dists := distancesTo(target, positions)

	// Corrupt one distance; give it a large stddev so the fit ignores it.
	noisy := append([]float64(nil), dists...)
	noisy[3] += 5.0 + rng.Float64()
	stddevs := []float64{0.01, 0.01, 0.01, 100.0}

	got, err := RefineLateration(positions, noisy, stddevs, []float64{1, 1})
	if err != nil {
		t.Fatalf("RefineLateration: %v", err)
	}
	assertNear(t, got, target, 1e-2)
}

func TestRefineLateration_CollinearGeometry(t *testing.T) {
	// All receivers on the x axis: the y component is unobservable and the
	// Jacobian at the on-axis seed is rank-deficient.
	positions := [][]float64{{0, 0}, {5, 0}, {10, 0}}
	dists := []float64{1, 4, 9}
	_, err := RefineLateration(positions, dists, nil, []float64{2, 0})
	if !errors.Is(err, ErrNumericalInstability) {
		t.Errorf("error = %v, want ErrNumericalInstability", err)
	}
}

func TestSolveLateration_InconsistentDims(t *testing.T) {
	positions := [][]float64{{0, 0}, {1, 1, 1}, {2, 2}}
	_, err := SolveLaterationInhomogeneous(positions, []float64{1, 1, 1})
	if !errors.Is(err, ErrNumericalInstability) {
		t.Errorf("error = %v, want ErrNumericalInstability", err)
	}
}
