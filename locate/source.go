package locate

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// SourceKind classifies a radio emitter.
type SourceKind string

const (
	SourceAccessPoint SourceKind = "access-point"
	SourceBeacon      SourceKind = "beacon"
)

// RadioSource identifies an emitter whose parameters are being estimated.
// Frequency is the carrier in Hz; zero means DefaultFrequency.
type RadioSource struct {
	ID        string     `json:"id" yaml:"id"`
	Kind      SourceKind `json:"kind" yaml:"kind"`
	Frequency float64    `json:"frequency,omitempty" yaml:"frequency,omitempty"`

	// Known parameters, used when the corresponding capability is disabled.
	TransmittedPower *float64 `json:"transmittedPower,omitempty" yaml:"transmittedPower,omitempty"`
	PathLossExponent *float64 `json:"pathLossExponent,omitempty" yaml:"pathLossExponent,omitempty"`
}

// EffectiveFrequency returns the configured carrier or the default.
func (s *RadioSource) EffectiveFrequency() float64 {
	if s.Frequency > 0 {
		return s.Frequency
	}
	return DefaultFrequency
}

// LocatedSource is the result object handed to consumers after a successful
// estimate: the source identity plus the fitted parameters, the covariance
// over the enabled parameters (nil when refinement was singular), and the
// consensus statistics.
type LocatedSource struct {
	Source     RadioSource  `json:"source"`
	Solution   Solution     `json:"solution"`
	Covariance *mat.Dense   `json:"-"`
	Inliers    *InliersData `json:"inliers,omitempty"`
	Readings   int          `json:"readings"`
	LocatedAt  time.Time    `json:"locatedAt"`
}

// LocateSource runs one full robust estimate for a source over its readings.
// It wires source metadata (frequency, known parameters) into the estimator,
// runs Estimate, and packages the result.
func LocateSource(src RadioSource, readings []Reading, dims int, caps Capabilities, configure func(*Estimator) error) (*LocatedSource, error) {
	est, err := NewEstimator(dims)
	if err != nil {
		return nil, err
	}
	if err := est.SetCapabilities(caps); err != nil {
		return nil, err
	}
	if err := est.SetFrequency(src.EffectiveFrequency()); err != nil {
		return nil, err
	}
	if src.TransmittedPower != nil && !caps.Power {
		if err := est.SetKnownPower(src.TransmittedPower); err != nil {
			return nil, err
		}
	}
	if src.PathLossExponent != nil && !caps.Exponent {
		if err := est.SetKnownExponent(*src.PathLossExponent); err != nil {
			return nil, err
		}
	}
	if err := est.SetReadings(readings); err != nil {
		return nil, err
	}
	if configure != nil {
		if err := configure(est); err != nil {
			return nil, err
		}
	}

	sol, err := est.Estimate()
	if err != nil {
		return nil, fmt.Errorf("locating %s: %w", src.ID, err)
	}

	return &LocatedSource{
		Source:     src,
		Solution:   *sol,
		Covariance: est.Covariance(),
		Inliers:    est.Inliers(),
		Readings:   len(readings),
		LocatedAt:  time.Now(),
	}, nil
}
