package locate

import (
	"fmt"
	"math"
	"time"
)

// Reading is a single measurement of a radio source taken at a known receiver
// position. A reading may carry a ranging distance, an RSSI value, or both.
// Optional fields are pointers; nil means "not measured" / "use default".
// Readings are owned by the caller and never mutated by the estimator.
type Reading struct {
	SourceID string    `json:"sourceId"`
	Position []float64 `json:"position"` // receiver position, 2 or 3 coordinates (meters)

	Distance       *float64 `json:"distance,omitempty"`       // measured range (meters)
	DistanceStdDev *float64 `json:"distanceStdDev,omitempty"` // ranging std dev (meters)

	RSSI       *float64 `json:"rssi,omitempty"`       // received signal strength (dBm)
	RSSIStdDev *float64 `json:"rssiStdDev,omitempty"` // RSSI std dev (dB)

	// PathLossExponent overrides the estimator-level exponent when this
	// reading's RSSI is converted to a distance.
	PathLossExponent *float64 `json:"pathLossExponent,omitempty"`

	Timestamp time.Time `json:"timestamp,omitzero"`
}

// HasDistance reports whether the reading carries a ranging component.
func (r *Reading) HasDistance() bool { return r.Distance != nil }

// HasRSSI reports whether the reading carries a signal-strength component.
func (r *Reading) HasRSSI() bool { return r.RSSI != nil }

// Validate checks the reading for structural problems.
func (r *Reading) Validate(dims int) error {
	if len(r.Position) != dims {
		return fmt.Errorf("reading position has %d coordinates, want %d", len(r.Position), dims)
	}
	if r.Distance == nil && r.RSSI == nil {
		return fmt.Errorf("reading carries neither distance nor RSSI")
	}
	if r.Distance != nil && *r.Distance < 0 {
		return fmt.Errorf("negative ranging distance %f", *r.Distance)
	}
	return nil
}

// Capabilities selects which emitter parameters are estimated. Disabled
// parameters must be supplied to the estimator as known values instead.
type Capabilities struct {
	Position bool
	Power    bool
	Exponent bool
}

// MinRequiredReadings returns the smallest reading count that constrains the
// enabled parameter set in the given dimensionality: dims+1 readings for a
// linear position solve plus one RSSI reading per free path-loss parameter.
func MinRequiredReadings(dims int, caps Capabilities) int {
	n := 0
	if caps.Position {
		n = dims + 1
	}
	if caps.Power {
		n++
	}
	if caps.Exponent {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Solution is one emitter parameter fit: a position plus optional transmitted
// power and path-loss exponent, each present only when estimated.
type Solution struct {
	Position []float64 `json:"position,omitempty"`
	Power    *float64  `json:"power,omitempty"`    // equivalent transmitted power (dBm)
	Exponent *float64  `json:"exponent,omitempty"` // path-loss exponent
}

// Clone returns a deep copy so the caller can hold the best-so-far solution
// while candidates are produced fresh on every subset evaluation.
func (s *Solution) Clone() *Solution {
	if s == nil {
		return nil
	}
	c := &Solution{}
	if s.Position != nil {
		c.Position = append([]float64(nil), s.Position...)
	}
	if s.Power != nil {
		p := *s.Power
		c.Power = &p
	}
	if s.Exponent != nil {
		e := *s.Exponent
		c.Exponent = &e
	}
	return c
}

// InliersData is the inlier mask over the reading list plus the best MSAC
// cost, produced once at convergence.
type InliersData struct {
	Mask       []bool  `json:"mask"`
	NumInliers int     `json:"numInliers"`
	BestCost   float64 `json:"bestCost"`
}

// distance returns the Euclidean distance between two coordinate slices of
// equal length.
func distance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func float64Ptr(v float64) *float64 { return &v }
