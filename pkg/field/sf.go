package field

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"tissuetrack/pkg/volume"
)

// SFField samples a spherical function on a sphere. The volume holds either
// the SF itself, channel i being the amplitude along vertex i, or SH
// coefficients that are interpolated and then evaluated on the sphere.
type SFField struct {
	vol           *volume.Volume
	sphere        *Sphere
	interp        volume.Interpolation
	threshold     float64
	thresholdInit float64

	// proj evaluates SH coefficients on the sphere; nil for SF volumes
	proj *mat.Dense
}

// NewSFField binds an SF volume to its sphere. sfThreshold and
// sfThresholdInit are relative thresholds: amplitudes below that fraction
// of the local maximum are zeroed.
func NewSFField(vol *volume.Volume, sphere *Sphere, interp volume.Interpolation, sfThreshold, sfThresholdInit float64) (*SFField, error) {
	if vol.Channels != sphere.Len() {
		return nil, fmt.Errorf("SF volume has %d channels but the sphere has %d vertices", vol.Channels, sphere.Len())
	}
	return &SFField{
		vol:           vol,
		sphere:        sphere,
		interp:        interp,
		threshold:     sfThreshold,
		thresholdInit: sfThresholdInit,
	}, nil
}

// NewSHField binds a volume of SH coefficients in basis to the sphere it is
// evaluated on. The channel count selects the SH order.
func NewSHField(vol *volume.Volume, sphere *Sphere, basis SHBasis, interp volume.Interpolation, sfThreshold, sfThresholdInit float64) (*SFField, error) {
	order, err := SHOrder(vol.Channels)
	if err != nil {
		return nil, err
	}
	return &SFField{
		vol:           vol,
		sphere:        sphere,
		interp:        interp,
		threshold:     sfThreshold,
		thresholdInit: sfThresholdInit,
		proj:          SHMatrix(sphere, order, basis),
	}, nil
}

// Sphere returns the direction table the SF is expressed on
func (f *SFField) Sphere() *Sphere { return f.sphere }

// InBounds reports whether pos lies inside the tracking domain
func (f *SFField) InBounds(pos r3.Vec) bool { return f.vol.InBounds(pos) }

// SampleSF returns the thresholded SF at pos, reusing buf when possible
func (f *SFField) SampleSF(pos r3.Vec, buf []float64) []float64 {
	return f.sample(pos, f.threshold, buf)
}

// InitialSF is SampleSF with the (usually stricter) seeding threshold
func (f *SFField) InitialSF(pos r3.Vec, buf []float64) []float64 {
	return f.sample(pos, f.thresholdInit, buf)
}

// values returns the raw SF at pos. SH coefficients are read into the tail
// of buf, past the returned slice, so callers that keep the result keep the
// scratch space too.
func (f *SFField) values(pos r3.Vec, buf []float64) []float64 {
	if f.proj == nil {
		return f.vol.ValueAt(pos, f.interp, buf)
	}
	n := f.sphere.Len()
	if need := n + f.vol.Channels; cap(buf) < need {
		buf = make([]float64, n, need)
	}
	full := buf[:cap(buf)]
	coef := f.vol.ValueAt(pos, f.interp, full[n:])
	sf := full[:n]
	for i := range sf {
		sf[i] = floats.Dot(f.proj.RawRowView(i), coef)
	}
	return sf
}

func (f *SFField) sample(pos r3.Vec, threshold float64, buf []float64) []float64 {
	sf := f.values(pos, buf)
	for i, v := range sf {
		if v < 0 {
			sf[i] = 0
		}
	}
	m := floats.Max(sf)
	if m <= 0 {
		return sf
	}
	cut := threshold * m
	for i, v := range sf {
		if v < cut {
			sf[i] = 0
		}
	}
	return sf
}
