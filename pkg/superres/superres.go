// Package superres performs the volume update of each iteration: the
// coefficient-transposed residual ascent, the intensity clamp, the
// edge-preserving adaptive regularization and the optional global bias
// correction.
package superres

import (
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/sliceset"
)

// Updater holds the super-resolution hyperparameters.
type Updater struct {
	// Pool runs the voxel loops in parallel
	Pool *workpool.Pool

	// Lambda is the regularization strength
	Lambda float64

	// Delta is the edge-preservation scale
	Delta float64

	// Alpha is the ascent step size
	Alpha float64

	// Adaptive keeps the confidence map as regularization weights;
	// otherwise the addon is normalized pointwise and confidence reset
	Adaptive bool

	// GlobalBiasCorrection enables the volumetric bias removal
	GlobalBiasCorrection bool

	// SigmaBias is the smoothing sigma in mm for volumetric bias removal
	SigmaBias float64

	// LowIntensityCutoff is the fraction of the maximum intensity below
	// which bias removal ignores a voxel
	LowIntensityCutoff float64

	// MinIntensity, MaxIntensity bound the volume after each update
	MinIntensity, MaxIntensity float64

	// Verbose enables progress logging
	Verbose bool
}

// NewUpdater returns an updater with the reference defaults and the
// standard step size derived from lambda and delta.
func NewUpdater(pool *workpool.Pool, lambda, delta float64) *Updater {
	return &Updater{
		Pool:               pool,
		Lambda:             lambda,
		Delta:              delta,
		Alpha:              (0.05 / lambda) * delta * delta,
		SigmaBias:          12,
		LowIntensityCutoff: 0.01,
	}
}

// Run performs one super-resolution update in place: gather the weighted
// residual addon, step the volume, clamp, regularize, and optionally
// remove volumetric bias. The confidence map is returned for reporting.
func (u *Updater) Run(store *sliceset.Store, volume *model.Volume, mask *model.Mask) *model.Volume {
	original := volume.Copy()
	attr := volume.Attr

	addon := model.NewVolume(attr)
	confidence := model.NewVolume(attr)

	// Serial accumulation across slices keeps the addon race-free and
	// deterministic; the residual of each slice is formed on the fly.
	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		if s.ForceExcluded || s.RegGate < 0 || s.SliceWeight <= 0 {
			continue
		}
		coeffs := store.Coeffs[i]
		for p := 0; p < s.NumPixels(); p++ {
			if !s.Valid(p) {
				continue
			}
			diff := s.Corrected(p) - s.Simulated[p]
			ww := s.SliceWeight * s.Weight[p]
			for _, c := range coeffs.Pixel(p) {
				idx := attr.Index(c.X, c.Y, c.Z)
				addon.Data[idx] += ww * c.Value * diff
				confidence.Data[idx] += ww * c.Value
			}
		}
	}

	if !u.Adaptive {
		u.Pool.RunChunked(len(addon.Data), func(_, lo, hi int) {
			for i := lo; i < hi; i++ {
				if confidence.Data[i] > 0 {
					addon.Data[i] /= confidence.Data[i]
					confidence.Data[i] = 1
				}
			}
		})
	}

	u.Pool.RunChunked(len(volume.Data), func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			volume.Data[i] += u.Alpha * addon.Data[i]
		}
	})

	u.clamp(volume)
	u.AdaptiveRegularization(volume, original, confidence)

	if u.GlobalBiasCorrection {
		u.BiasCorrectVolume(volume, original, mask)
	}

	return confidence
}

// clamp bounds the intensities into [0.9 min, 1.1 max].
func (u *Updater) clamp(volume *model.Volume) {
	lo := 0.9 * u.MinIntensity
	hi := 1.1 * u.MaxIntensity
	u.Pool.RunChunked(len(volume.Data), func(_, l, h int) {
		for i := l; i < h; i++ {
			if volume.Data[i] < lo {
				volume.Data[i] = lo
			}
			if volume.Data[i] > hi {
				volume.Data[i] = hi
			}
		}
	})
}
