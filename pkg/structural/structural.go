// Package structural implements the NCC-based exclusion gate that runs
// independently of the EM statistics: slices whose registered neighbourhood
// of the reconstruction no longer resembles the acquired data are removed
// from the next coefficient build until they are re-registered.
package structural

import (
	"fmt"
	"math"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/quality"
	"svrengine/pkg/sliceset"
)

// Excluder gates slices by registration similarity.
type Excluder struct {
	// Pool parallelizes the per-slice resampling
	Pool *workpool.Pool

	// NCCThreshold is the similarity below which a slice is gated out
	NCCThreshold float64

	// Verbose enables the per-pass exclusion log
	Verbose bool
}

// NewExcluder returns an excluder with the reference threshold.
func NewExcluder(pool *workpool.Pool) *Excluder {
	return &Excluder{Pool: pool, NCCThreshold: 0.65}
}

// Run resamples the reconstruction into each slice's geometry under its
// current pose, blurs the acquired slice to the matching resolution,
// masks both and compares them by NCC. Returns the mean NCC over all
// slices.
func (e *Excluder) Run(store *sliceset.Store, volume *model.Volume, mask *model.Mask) float64 {
	n := store.Len()
	nccs := make([]float64, n)

	e.Pool.Run(n, func(i int) {
		s := store.Slices[i]
		attr := s.Attr
		npix := s.NumPixels()

		resampled := make([]float64, npix)
		target := make([]float64, npix)

		for y := 0; y < attr.NY; y++ {
			for x := 0; x < attr.NX; x++ {
				p := y*attr.NX + x
				resampled[p] = model.Padding
				target[p] = model.Padding

				w := attr.VoxelToWorld(float64(x), float64(y), 0)
				w = s.Pose.Apply(w)

				// mask both images to the ROI
				if mask != nil {
					mx, my, mz := mask.Attr.WorldToVoxel(w)
					if !mask.Inside(int(math.Round(mx)), int(math.Round(my)), int(math.Round(mz))) {
						continue
					}
				}

				vx, vy, vz := volume.Attr.WorldToVoxel(w)
				resampled[p] = geometry.Sample(volume.Data, &volume.Attr, vx, vy, vz, geometry.Linear, model.Padding)
				target[p] = s.Data[p]
			}
		}

		// blur the acquired slice down to the reconstruction resolution
		geometry.GaussianBlurWithPadding(target, attr.NX, attr.NY, 0.6, model.Padding)

		ncc := quality.NCC(target, resampled, model.PaddingThreshold)
		if ncc == -1 {
			// empty overlap is not evidence of misregistration
			ncc = 1
		}
		nccs[i] = ncc
	})

	mean := 0.0
	excluded := 0
	if e.Verbose {
		fmt.Printf(" - excluded : ")
	}
	for i := 0; i < n; i++ {
		mean += nccs[i]
		if nccs[i] > e.NCCThreshold {
			store.Slices[i].RegGate = 1
		} else {
			store.Slices[i].RegGate = -1
			excluded++
			if e.Verbose {
				fmt.Printf("%d ", i)
			}
		}
	}
	if e.Verbose {
		fmt.Println()
	}
	if n > 0 {
		mean /= float64(n)
	}
	if e.Verbose {
		fmt.Printf(" - mean registration ncc: %f\n", mean)
	}
	return mean
}
