package locate

import (
	"fmt"
	"math"
)

// Log-distance path-loss model:
//
//	RSSI(d) = Pte - 10*n*log10(4*pi*d / lambda)
//
// where Pte is the equivalent transmitted power in dBm, n the path-loss
// exponent and lambda = c/frequency the carrier wavelength.
const (
	// SpeedOfLight in m/s.
	SpeedOfLight = 299792458.0

	// DefaultFrequency assumed when a source does not declare one (2.4 GHz).
	DefaultFrequency = 2.4e9

	// DefaultPathLossExponent is the free-space value.
	DefaultPathLossExponent = 2.0

	// minPathLossDistance guards the log term for receivers sitting on top
	// of the emitter.
	minPathLossDistance = 1e-4
)

// freeSpaceLoss returns 10*log10(4*pi*d/lambda), the per-exponent-unit loss
// term of the model, in dB.
func freeSpaceLoss(dist, frequency float64) float64 {
	if dist < minPathLossDistance {
		dist = minPathLossDistance
	}
	lambda := SpeedOfLight / frequency
	return 10.0 * math.Log10(4.0*math.Pi*dist/lambda)
}

// PredictRSSI evaluates the path-loss model at the given distance.
func PredictRSSI(power, exponent, dist, frequency float64) float64 {
	return power - exponent*freeSpaceLoss(dist, frequency)
}

// DistanceFromRSSI inverts the path-loss model, converting a signal strength
// back to an equivalent distance.
func DistanceFromRSSI(power, exponent, rssi, frequency float64) float64 {
	lambda := SpeedOfLight / frequency
	return lambda / (4.0 * math.Pi) * math.Pow(10.0, (power-rssi)/(10.0*exponent))
}

// FitTransmittedPower fits the transmitted power alone, with the path-loss
// exponent held fixed. The closed form is the weighted mean of the per-sample
// back-projected powers rssi_i + n*loss(d_i). Weights are 1/sigma^2 when an
// RSSI standard deviation is supplied, else 1.
func FitTransmittedPower(dists, rssis []float64, stddevs []float64, exponent, frequency float64) (float64, error) {
	if len(dists) < 1 || len(dists) != len(rssis) {
		return 0, fmt.Errorf("%w: need at least 1 RSSI sample, got %d", ErrNotEnoughSamples, len(dists))
	}
	sumW := 0.0
	sumWP := 0.0
	for i := range dists {
		w := rssiWeight(stddevs, i)
		sumW += w
		sumWP += w * (rssis[i] + exponent*freeSpaceLoss(dists[i], frequency))
	}
	if sumW <= 0 {
		return 0, fmt.Errorf("%w: degenerate RSSI weights", ErrNumericalInstability)
	}
	return sumWP / sumW, nil
}

// FitPathLoss jointly fits transmitted power and path-loss exponent as the
// 2-parameter weighted linear regression y = P - n*x on the pairs
// (x_i=loss(d_i), y_i=rssi_i). At least two samples at distinct distances are
// required; identical distances make the normal matrix singular.
func FitPathLoss(dists, rssis []float64, stddevs []float64, frequency float64) (power, exponent float64, err error) {
	if len(dists) < 2 || len(dists) != len(rssis) {
		return 0, 0, fmt.Errorf("%w: need at least 2 RSSI samples for a joint power/exponent fit, got %d", ErrNotEnoughSamples, len(dists))
	}

	// Weighted simple linear regression via the 2x2 normal equations.
	var sw, swx, swy, swxx, swxy float64
	for i := range dists {
		w := rssiWeight(stddevs, i)
		x := freeSpaceLoss(dists[i], frequency)
		y := rssis[i]
		sw += w
		swx += w * x
		swy += w * y
		swxx += w * x * x
		swxy += w * x * y
	}

	det := sw*swxx - swx*swx
	if math.Abs(det) < 1e-12 {
		return 0, 0, fmt.Errorf("%w: RSSI samples at indistinguishable distances", ErrNumericalInstability)
	}

	slope := (sw*swxy - swx*swy) / det
	intercept := (swxx*swy - swx*swxy) / det

	return intercept, -slope, nil
}

// FitExponent fits the path-loss exponent alone, with the transmitted power
// held fixed: the weighted least-squares slope of (power - rssi_i) against
// loss(d_i) through the origin.
func FitExponent(dists, rssis []float64, stddevs []float64, power, frequency float64) (float64, error) {
	if len(dists) < 1 || len(dists) != len(rssis) {
		return 0, fmt.Errorf("%w: need at least 1 RSSI sample, got %d", ErrNotEnoughSamples, len(dists))
	}
	var swxx, swxy float64
	for i := range dists {
		w := rssiWeight(stddevs, i)
		x := freeSpaceLoss(dists[i], frequency)
		y := power - rssis[i]
		swxx += w * x * x
		swxy += w * x * y
	}
	if math.Abs(swxx) < 1e-12 {
		return 0, fmt.Errorf("%w: RSSI samples too close to the emitter", ErrNumericalInstability)
	}
	return swxy / swxx, nil
}

func rssiWeight(stddevs []float64, i int) float64 {
	if stddevs == nil || stddevs[i] <= 0 {
		return 1.0
	}
	return 1.0 / (stddevs[i] * stddevs[i])
}
