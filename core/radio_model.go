package core

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidRadio is returned for radio models that cannot form links.
var ErrInvalidRadio = errors.New("invalid radio model")

// udpIPv4Overhead is the per-packet header cost added on the air.
const udpIPv4Overhead = 28

// speedOfLight in metres per second, used for propagation delay.
const speedOfLight = 299792458.0

// RadioModel describes the ad-hoc Wi-Fi radio shared by every node.
// Connectivity uses a log-distance link budget: a link exists when the
// received power reaches RxSensitivityDBm and the distance is within
// MaxRangeM (0 = unlimited).
type RadioModel struct {
	ID string

	// DataRateMbps is the constant PHY rate used for transmission delay.
	DataRateMbps float64

	TxPowerDBm       float64
	ReferenceLossDB  float64 // path loss at 1 m
	PathLossExponent float64
	RxSensitivityDBm float64
	NoiseFloorDBm    float64

	MaxRangeM float64
}

// DefaultRadioModel mirrors an 802.11a ad-hoc radio at 6 Mbit/s with the
// usual 5 GHz log-distance defaults. Its usable range is roughly 150 m.
func DefaultRadioModel() RadioModel {
	return RadioModel{
		ID:               "ofdm-6mbps",
		DataRateMbps:     6,
		TxPowerDBm:       16.0206,
		ReferenceLossDB:  46.6777,
		PathLossExponent: 3,
		RxSensitivityDBm: -96,
		NoiseFloorDBm:    -94,
	}
}

// Validate rejects models that would never produce a usable link.
func (r RadioModel) Validate() error {
	if r.DataRateMbps <= 0 {
		return fmt.Errorf("%w: data rate must be positive, got %v", ErrInvalidRadio, r.DataRateMbps)
	}
	if r.PathLossExponent <= 0 {
		return fmt.Errorf("%w: path loss exponent must be positive, got %v", ErrInvalidRadio, r.PathLossExponent)
	}
	if r.MaxRangeM < 0 {
		return fmt.Errorf("%w: max range must not be negative, got %v", ErrInvalidRadio, r.MaxRangeM)
	}
	if r.Range() <= 0 {
		return fmt.Errorf("%w: link budget leaves no usable range", ErrInvalidRadio)
	}
	return nil
}

// ReceivedPowerDBm estimates received power at distanceM. Distances under
// one metre are clamped to the reference distance.
func (r RadioModel) ReceivedPowerDBm(distanceM float64) float64 {
	if distanceM < 1 {
		distanceM = 1
	}
	return r.TxPowerDBm - r.ReferenceLossDB - 10*r.PathLossExponent*math.Log10(distanceM)
}

// Range is the largest distance at which a link can exist.
func (r RadioModel) Range() float64 {
	if r.PathLossExponent <= 0 {
		return 0
	}
	margin := r.TxPowerDBm - r.ReferenceLossDB - r.RxSensitivityDBm
	if margin < 0 {
		return 0
	}
	budget := math.Pow(10, margin/(10*r.PathLossExponent))
	if r.MaxRangeM > 0 && r.MaxRangeM < budget {
		return r.MaxRangeM
	}
	return budget
}

// TransmissionDelay is the time to put a UDP payload of the given size on
// the air, headers included.
func (r RadioModel) TransmissionDelay(payloadBytes int) time.Duration {
	if r.DataRateMbps <= 0 {
		return 0
	}
	bits := float64(payloadBytes+udpIPv4Overhead) * 8
	return time.Duration(bits / (r.DataRateMbps * 1e6) * float64(time.Second))
}

// PropagationDelay is the time of flight over distanceM.
func PropagationDelay(distanceM float64) time.Duration {
	return time.Duration(distanceM / speedOfLight * float64(time.Second))
}
