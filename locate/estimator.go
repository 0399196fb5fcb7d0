package locate

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Default tuning for the robust driver.
const (
	DefaultThreshold     = 1.0  // residual cutoff in normalized sigma units
	DefaultConfidence    = 0.99 // probability of drawing one outlier-free subset
	DefaultMaxIterations = 5000
	DefaultProgressDelta = 0.05
)

// Estimator fits the parameters of a single radio emitter from a reading set
// using MSAC sample consensus: minimal random subsets are solved exactly,
// every reading is scored against the candidate with a truncated quadratic
// cost, and the best candidate is refined over its inlier set.
//
// An Estimator is not safe for concurrent use. The locked flag is a
// reentrancy guard only: mutating setters called while Estimate is in flight
// fail immediately with ErrLocked instead of blocking.
type Estimator struct {
	readings []Reading
	dims     int
	caps     Capabilities

	frequency     float64
	knownPosition []float64
	knownPower    *float64
	knownExponent float64
	seedPosition  []float64

	threshold     float64
	confidence    float64
	maxIterations int
	subsetSize    int // 0 means the minimum required sample size
	progressDelta float64
	combiner      Combiner

	rng      *rand.Rand
	listener *Listener

	locked bool

	solution   *Solution
	inliers    *InliersData
	covariance *mat.Dense
}

// NewEstimator creates an estimator for the given dimensionality (2 or 3)
// with position-only estimation enabled and default tuning. The random
// source is time-seeded; inject a fixed-seed source with SetRandom for
// reproducible runs.
func NewEstimator(dims int) (*Estimator, error) {
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("unsupported dimensionality %d", dims)
	}
	return &Estimator{
		dims:          dims,
		caps:          Capabilities{Position: true},
		frequency:     DefaultFrequency,
		knownExponent: DefaultPathLossExponent,
		threshold:     DefaultThreshold,
		confidence:    DefaultConfidence,
		maxIterations: DefaultMaxIterations,
		progressDelta: DefaultProgressDelta,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Dims returns the configured dimensionality.
func (e *Estimator) Dims() int { return e.dims }

// IsLocked reports whether an Estimate call is in flight.
func (e *Estimator) IsLocked() bool { return e.locked }

// Capabilities returns the enabled parameter set.
func (e *Estimator) Capabilities() Capabilities { return e.caps }

// SetReadings configures the reading list. The slice is referenced, not
// copied; readings must not be mutated while the estimator uses them.
func (e *Estimator) SetReadings(readings []Reading) error {
	if e.locked {
		return ErrLocked
	}
	for i := range readings {
		if err := readings[i].Validate(e.dims); err != nil {
			return fmt.Errorf("reading %d: %w", i, err)
		}
	}
	e.readings = readings
	return nil
}

// SetCapabilities selects which of position, power and exponent are
// estimated. Disabled parameters need known values (SetKnownPosition,
// SetKnownPower, SetKnownExponent) when readings rely on them.
func (e *Estimator) SetCapabilities(caps Capabilities) error {
	if e.locked {
		return ErrLocked
	}
	if !caps.Position && !caps.Power && !caps.Exponent {
		return fmt.Errorf("no parameters enabled")
	}
	e.caps = caps
	return nil
}

// SetThreshold sets the residual cutoff separating inlier cost from the
// saturated outlier cost.
func (e *Estimator) SetThreshold(threshold float64) error {
	if e.locked {
		return ErrLocked
	}
	if threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", threshold)
	}
	e.threshold = threshold
	return nil
}

// SetConfidence sets the desired probability that at least one drawn subset
// is outlier-free. Must be strictly inside (0, 1).
func (e *Estimator) SetConfidence(confidence float64) error {
	if e.locked {
		return ErrLocked
	}
	if confidence <= 0 || confidence >= 1 {
		return fmt.Errorf("confidence must be in (0,1), got %f", confidence)
	}
	e.confidence = confidence
	return nil
}

// SetMaxIterations bounds the total work of one Estimate call.
func (e *Estimator) SetMaxIterations(maxIterations int) error {
	if e.locked {
		return ErrLocked
	}
	if maxIterations <= 0 {
		return fmt.Errorf("maxIterations must be positive, got %d", maxIterations)
	}
	e.maxIterations = maxIterations
	return nil
}

// SetSubsetSize overrides the per-iteration sample size. Zero restores the
// minimum required size; larger subsets stabilize ill-conditioned draws at
// the cost of a lower outlier-free probability per draw.
func (e *Estimator) SetSubsetSize(size int) error {
	if e.locked {
		return ErrLocked
	}
	if size != 0 && size < MinRequiredReadings(e.dims, e.caps) {
		return fmt.Errorf("subset size %d below minimum %d", size, MinRequiredReadings(e.dims, e.caps))
	}
	e.subsetSize = size
	return nil
}

// SetProgressDelta sets the minimum progress-fraction change that triggers a
// progress callback.
func (e *Estimator) SetProgressDelta(delta float64) error {
	if e.locked {
		return ErrLocked
	}
	if delta < 0 || delta > 1 {
		return fmt.Errorf("progressDelta must be in [0,1], got %f", delta)
	}
	e.progressDelta = delta
	return nil
}

// SetListener installs the notification sink. A nil listener disables
// notifications.
func (e *Estimator) SetListener(l *Listener) error {
	if e.locked {
		return ErrLocked
	}
	e.listener = l
	return nil
}

// SetRandom injects the random source used for subset draws. Tests fix the
// seed here for reproducible estimates.
func (e *Estimator) SetRandom(rng *rand.Rand) error {
	if e.locked {
		return ErrLocked
	}
	if rng == nil {
		return fmt.Errorf("nil random source")
	}
	e.rng = rng
	return nil
}

// SetCombiner overrides how ranging and RSSI residuals of a dual reading are
// merged. Nil restores the root-sum-square default.
func (e *Estimator) SetCombiner(c Combiner) error {
	if e.locked {
		return ErrLocked
	}
	e.combiner = c
	return nil
}

// SetFrequency sets the carrier frequency in Hz used by the path-loss model.
func (e *Estimator) SetFrequency(frequency float64) error {
	if e.locked {
		return ErrLocked
	}
	if frequency <= 0 {
		return fmt.Errorf("frequency must be positive, got %f", frequency)
	}
	e.frequency = frequency
	return nil
}

// SetKnownPosition supplies the emitter position when position estimation is
// disabled.
func (e *Estimator) SetKnownPosition(position []float64) error {
	if e.locked {
		return ErrLocked
	}
	if position != nil && len(position) != e.dims {
		return fmt.Errorf("known position has %d coordinates, want %d", len(position), e.dims)
	}
	e.knownPosition = position
	return nil
}

// SetKnownPower supplies the transmitted power (dBm) when power estimation
// is disabled. It also enables RSSI-to-distance fallback during lateration.
func (e *Estimator) SetKnownPower(power *float64) error {
	if e.locked {
		return ErrLocked
	}
	e.knownPower = power
	return nil
}

// SetKnownExponent supplies the path-loss exponent assumed when it is not
// being estimated.
func (e *Estimator) SetKnownExponent(exponent float64) error {
	if e.locked {
		return ErrLocked
	}
	if exponent <= 0 {
		return fmt.Errorf("path-loss exponent must be positive, got %f", exponent)
	}
	e.knownExponent = exponent
	return nil
}

// SetInitialPosition seeds the nonlinear position solver. Optional; when
// absent the linear stage provides the seed.
func (e *Estimator) SetInitialPosition(position []float64) error {
	if e.locked {
		return ErrLocked
	}
	if position != nil && len(position) != e.dims {
		return fmt.Errorf("initial position has %d coordinates, want %d", len(position), e.dims)
	}
	e.seedPosition = position
	return nil
}

// Solution returns the result of the last successful Estimate, nil before.
func (e *Estimator) Solution() *Solution { return e.solution }

// Inliers returns the inlier data of the last successful Estimate.
func (e *Estimator) Inliers() *InliersData { return e.inliers }

// Covariance returns the covariance over the enabled parameters (position
// block, then power, then exponent), or nil when the refinement normal
// matrix was singular.
func (e *Estimator) Covariance() *mat.Dense { return e.covariance }

// IsReady reports whether Estimate can run with the current configuration.
func (e *Estimator) IsReady() bool { return e.checkReady() == nil }

func (e *Estimator) checkReady() error {
	min := MinRequiredReadings(e.dims, e.caps)
	if len(e.readings) < min {
		return fmt.Errorf("%w: %d readings, need at least %d", ErrNotReady, len(e.readings), min)
	}
	if !e.caps.Position && e.knownPosition == nil {
		return fmt.Errorf("%w: position estimation disabled but no known position set", ErrNotReady)
	}
	if e.caps.Exponent && !e.caps.Power && e.knownPower == nil {
		return fmt.Errorf("%w: exponent estimation requires a known transmitted power", ErrNotReady)
	}
	return nil
}

// Estimate runs the robust consensus loop to completion on the calling
// goroutine and returns the refined solution. The instance is locked for the
// duration and always unlocked on return, success or failure.
func (e *Estimator) Estimate() (*Solution, error) {
	if e.locked {
		return nil, ErrLocked
	}
	e.locked = true
	defer func() { e.locked = false }()

	e.solution = nil
	e.inliers = nil
	e.covariance = nil

	if err := e.checkReady(); err != nil {
		return nil, err
	}

	e.listener.notifyStart()
	defer e.listener.notifyEnd()

	n := len(e.readings)
	subsetSize := e.subsetSize
	if subsetSize == 0 {
		subsetSize = MinRequiredReadings(e.dims, e.caps)
	}
	if subsetSize > n {
		subsetSize = n
	}

	solver := e.newJointSolver(e.readings)
	model := e.newResidualModel(e.readings)
	thresholdSq := e.threshold * e.threshold

	var best *Solution
	bestCost := math.Inf(1)
	required := e.maxIterations
	lastProgress := 0.0

	for iter := 1; iter <= e.maxIterations; iter++ {
		subset := e.drawSubset(n, subsetSize)

		for _, cand := range solver.solveSubset(subset) {
			cost := 0.0
			inlierCount := 0
			for i := 0; i < n; i++ {
				r := model.at(cand, i)
				if r <= e.threshold {
					cost += r * r
					inlierCount++
				} else {
					cost += thresholdSq
				}
			}

			if cost < bestCost {
				best = cand.Clone()
				bestCost = cost
				frac := float64(inlierCount) / float64(n)
				if req := requiredIterations(e.confidence, frac, subsetSize, e.maxIterations); req < required {
					required = req
				}
			}
		}

		e.listener.notifyIteration(iter)

		progress := float64(iter) / float64(required)
		if progress > 1 {
			progress = 1
		}
		if progress-lastProgress >= e.progressDelta {
			lastProgress = progress
			e.listener.notifyProgress(progress)
		}

		if best != nil && iter >= required {
			break
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no usable candidate in %d iterations", ErrConsensusFailed, e.maxIterations)
	}

	mask := make([]bool, n)
	numInliers := 0
	for i := 0; i < n; i++ {
		if model.at(best, i) <= e.threshold {
			mask[i] = true
			numInliers++
		}
	}
	e.inliers = &InliersData{Mask: mask, NumInliers: numInliers, BestCost: bestCost}

	refined, cov := e.refineOverInliers(best, mask)
	e.solution = refined
	e.covariance = cov
	return refined, nil
}

// drawSubset draws size distinct reading indices uniformly at random without
// replacement.
func (e *Estimator) drawSubset(n, size int) []int {
	return e.rng.Perm(n)[:size]
}

// requiredIterations evaluates the standard sample-consensus bound
// log(1-confidence) / log(1-inlierFrac^subsetSize), clamped to [1, limit].
func requiredIterations(confidence, inlierFrac float64, subsetSize, limit int) int {
	if inlierFrac <= 0 {
		return limit
	}
	p := math.Pow(inlierFrac, float64(subsetSize))
	if p >= 1-1e-12 {
		return 1
	}
	req := math.Log(1-confidence) / math.Log(1-p)
	if math.IsNaN(req) || math.IsInf(req, 0) || req > float64(limit) {
		return limit
	}
	if req < 1 {
		return 1
	}
	return int(math.Ceil(req))
}

func (e *Estimator) newJointSolver(readings []Reading) *jointSolver {
	return &jointSolver{
		readings:      readings,
		dims:          e.dims,
		caps:          e.caps,
		frequency:     e.frequency,
		knownPosition: e.knownPosition,
		knownPower:    e.knownPower,
		knownExponent: e.knownExponent,
		seedPosition:  e.seedPosition,
	}
}

func (e *Estimator) newResidualModel(readings []Reading) *residualModel {
	return &residualModel{
		readings:      readings,
		frequency:     e.frequency,
		combiner:      e.combiner,
		knownPosition: e.knownPosition,
		knownPower:    e.knownPower,
		knownExponent: e.knownExponent,
	}
}
