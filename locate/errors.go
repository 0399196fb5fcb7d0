package locate

import "errors"

// Sentinel errors returned by the estimation core. Callers should test with
// errors.Is since most call sites wrap these with context via fmt.Errorf.
var (
	// ErrLocked is returned by mutating setters while an Estimate call is in
	// flight on the same instance.
	ErrLocked = errors.New("estimator is locked")

	// ErrNotReady is returned by Estimate when the configured readings cannot
	// support the enabled parameter set (too few readings, missing frequency,
	// or a structurally required initial guess is absent).
	ErrNotReady = errors.New("estimator is not ready")

	// ErrNotEnoughSamples signals an inner solver received fewer samples than
	// its minimum. Inside the robust loop this is absorbed as a failed draw.
	ErrNotEnoughSamples = errors.New("not enough samples")

	// ErrNumericalInstability signals a singular or non-convergent solve for
	// a given subset. Also absorbed as a failed draw inside the robust loop.
	ErrNumericalInstability = errors.New("numerical instability")

	// ErrConsensusFailed is returned when the robust loop exhausts its
	// iteration budget without a single usable candidate solution.
	ErrConsensusFailed = errors.New("consensus not reached")
)
