// Package intensity matches stack intensities before template creation so
// the robust statistics see comparable signal from every acquisition, and
// restores the original scaling on the way out.
package intensity

import (
	"fmt"
	"math"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/pkg/sliceset"
)

// StackFactors records the multiplicative factor applied to each stack.
type StackFactors map[int]float64

// averageTarget is the reference mean every stack is matched to.
const averageTarget = 700.0

// MatchStackIntensities computes each stack's mean over the mask ROI
// under its current pose and rescales the stack to the target average.
// When together is true a single global factor is used instead of
// per-stack factors. Returns the applied factors for later restoration.
func MatchStackIntensities(stacks []*sliceset.Stack, mask *model.Mask, together bool, verbose bool) (StackFactors, error) {
	means := make([]float64, len(stacks))
	for k, stack := range stacks {
		mean, n := stackMean(stack, mask)
		if n == 0 {
			return nil, fmt.Errorf("stack %d has no overlap with the mask", k)
		}
		means[k] = mean
	}

	factors := make(StackFactors, len(stacks))
	if together {
		total := 0.0
		for _, m := range means {
			total += m
		}
		global := averageTarget / (total / float64(len(means)))
		for k := range stacks {
			factors[k] = global
		}
	} else {
		for k := range stacks {
			factors[k] = averageTarget / means[k]
		}
	}

	for k, stack := range stacks {
		applyFactor(stack.Volume, factors[k])
	}

	if verbose {
		fmt.Printf("Stack intensity factors:")
		for k := range stacks {
			fmt.Printf(" %.4f", factors[k])
		}
		fmt.Println()
	}
	return factors, nil
}

// RestoreSliceIntensities undoes the per-stack matching on the slices so
// outputs report acquired units.
func RestoreSliceIntensities(store *sliceset.Store, factors StackFactors) {
	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		factor, ok := factors[s.StackIndex]
		if !ok || factor == 0 {
			continue
		}
		for p := range s.Data {
			if s.Data[p] > 0 {
				s.Data[p] /= factor
			}
		}
	}
}

// ScaleVolume rescales the positive voxels of the reconstruction by the
// weighted least-squares factor Σw·corrected·simulated / Σw·simulated²,
// taken over well-covered pixels of slices with weight above 0.5. Single
// pass over the slices.
func ScaleVolume(volume *model.Volume, store *sliceset.Store) {
	var num, den float64
	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		if s.ForceExcluded || s.SliceWeight <= 0.5 {
			continue
		}
		for p := 0; p < s.NumPixels(); p++ {
			if !s.Valid(p) || s.SimulatedWeight[p] <= 0.99 {
				continue
			}
			w := s.Weight[p] * s.SliceWeight
			num += w * s.Corrected(p) * s.Simulated[p]
			den += w * s.Simulated[p] * s.Simulated[p]
		}
	}
	if den <= 0 {
		return
	}
	scale := num / den
	for i := range volume.Data {
		if volume.Data[i] > 0 {
			volume.Data[i] *= scale
		}
	}
}

// BackgroundFiltering removes smooth background signal from the stacks by
// subtracting a blurred copy and adding back half the average target
// intensity. Non-positive filtered
// values are clamped to 1 to keep downstream log/exp arithmetic stable.
func BackgroundFiltering(stacks []*sliceset.Stack, sigma float64) {
	for _, stack := range stacks {
		vol := stack.Volume
		blurred := vol.Copy()
		s := sigma / vol.Attr.DX
		geometry.GaussianBlur3D(blurred.Data, &blurred.Attr, s, s, s)
		for i := range vol.Data {
			if vol.Data[i] <= model.PaddingThreshold {
				continue
			}
			v := vol.Data[i] - blurred.Data[i] + averageTarget/2
			if v <= 0 {
				v = 1
			}
			vol.Data[i] = v
		}
	}
}

func stackMean(stack *sliceset.Stack, mask *model.Mask) (float64, int) {
	attr := stack.Volume.Attr
	var sum float64
	n := 0
	for z := 0; z < attr.NZ; z++ {
		for y := 0; y < attr.NY; y++ {
			for x := 0; x < attr.NX; x++ {
				v := stack.Volume.Data[attr.Index(x, y, z)]
				if v <= model.PaddingThreshold {
					continue
				}
				if mask != nil {
					w := attr.VoxelToWorld(float64(x), float64(y), float64(z))
					if stack.Pose != nil {
						w = stack.Pose.Apply(w)
					}
					mx, my, mz := mask.Attr.WorldToVoxel(w)
					if !mask.Inside(roundInt(mx), roundInt(my), roundInt(mz)) {
						continue
					}
				}
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func applyFactor(vol *model.Volume, factor float64) {
	for i := range vol.Data {
		if vol.Data[i] > 0 {
			vol.Data[i] *= factor
		}
	}
}

func roundInt(v float64) int { return int(math.Round(v)) }
