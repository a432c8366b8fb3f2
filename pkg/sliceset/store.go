// Package sliceset owns the flattened collection of acquired 2-D slices.
// Slices are created once from the input stacks, appended in stack order
// and never destroyed during a run; poses, scales, bias fields and weights
// mutate each iteration, and the exclusion list only grows.
package sliceset

import (
	"fmt"
	"math"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
)

// Stack is one input acquisition: a 3-D grid of thick slices with the
// metadata the splitter and the registration driver need.
type Stack struct {
	// Volume holds the stack intensities in its acquired geometry
	Volume *model.Volume

	// Name identifies the stack in reports
	Name string

	// Thickness is the acquired slice thickness in mm; zero defaults to
	// twice the grid spacing along z
	Thickness float64

	// PackageCount is the number of temporal packages in the stack
	PackageCount int

	// MultibandFactor is the number of packages excited simultaneously
	MultibandFactor int

	// OrderCode selects the slice acquisition ordering scheme:
	// 1 ascending, 2 descending, 3 default interleaved, 4 power-of-two
	// interleaved, 5 custom step/rewinder
	OrderCode int

	// Step and Rewinder parameterize OrderCode 5
	Step     int
	Rewinder int

	// Pose is the initial stack transform into template space
	Pose *geometry.RigidTransform
}

// Store owns every slice of the run together with its coefficient matrix.
type Store struct {
	// Slices in stack order, never reordered or removed
	Slices []*model.Slice

	// Coeffs is the per-slice sparse coefficient matrix, rebuilt by the
	// coefficient engine each iteration; indexes parallel Slices
	Coeffs []*model.SliceCoeffs

	// stackOffsets[k] is the index of stack k's first slice
	stackOffsets []int

	// stackNames mirrors the input stacks for reporting
	stackNames []string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// CreateFromStacks flattens the stacks into slices, applying an optional
// in-plane Gaussian prefilter (sigma in mm, zero disables). Each slice
// keeps its acquired in-plane geometry, takes its world origin from its
// plane in the stack and starts from the stack's pose.
func (st *Store) CreateFromStacks(stacks []*Stack, prefilterSigma float64) error {
	for k, stack := range stacks {
		attr := stack.Volume.Attr
		if attr.NZ < 1 {
			return fmt.Errorf("stack %d has no slices", k)
		}
		thickness := stack.Thickness
		if thickness <= 0 {
			thickness = 2 * attr.DZ
		}

		st.stackOffsets = append(st.stackOffsets, len(st.Slices))
		st.stackNames = append(st.stackNames, stack.Name)

		for z := 0; z < attr.NZ; z++ {
			sliceAttr := geometry.Attributes{
				NX: attr.NX, NY: attr.NY, NZ: 1,
				DX: attr.DX, DY: attr.DY, DZ: attr.DZ,
				Origin:      attr.VoxelToWorld(0, 0, float64(z)),
				Orientation: attr.Orientation,
			}
			s := model.NewSlice(sliceAttr, thickness)
			s.StackIndex = k
			s.AcquiredZ = z

			zero := true
			for y := 0; y < attr.NY; y++ {
				for x := 0; x < attr.NX; x++ {
					v := stack.Volume.Data[attr.Index(x, y, z)]
					s.Data[y*attr.NX+x] = v
					if v > 0 {
						zero = false
					}
				}
			}
			s.ZeroSlice = zero

			if prefilterSigma > 0 {
				geometry.GaussianBlurWithPadding(s.Data, attr.NX, attr.NY,
					prefilterSigma/attr.DX, model.Padding)
			}

			if stack.Pose != nil {
				s.Pose = stack.Pose.Copy()
			}

			st.Slices = append(st.Slices, s)
		}
	}
	st.Coeffs = make([]*model.SliceCoeffs, len(st.Slices))
	return nil
}

// Len returns the number of slices in the store.
func (st *Store) Len() int { return len(st.Slices) }

// NumStacks returns the number of stacks the store was built from.
func (st *Store) NumStacks() int { return len(st.stackOffsets) }

// StackName returns the reporting name of stack k.
func (st *Store) StackName(k int) string {
	if k < len(st.stackNames) && st.stackNames[k] != "" {
		return st.stackNames[k]
	}
	return fmt.Sprintf("stack-%d", k)
}

// StackRange returns the half-open slice index range of stack k.
func (st *Store) StackRange(k int) (lo, hi int) {
	lo = st.stackOffsets[k]
	if k+1 < len(st.stackOffsets) {
		hi = st.stackOffsets[k+1]
	} else {
		hi = len(st.Slices)
	}
	return lo, hi
}

// ForceExclude marks a slice excluded for the rest of the run. Exclusion
// is monotonic: there is no way to clear the flag.
func (st *Store) ForceExclude(i int) {
	if i < 0 || i >= len(st.Slices) {
		return
	}
	st.Slices[i].ForceExcluded = true
	st.Slices[i].SliceWeight = 0
}

// ForceExcluded returns the indices of all force-excluded slices.
func (st *Store) ForceExcluded() []int {
	var out []int
	for i, s := range st.Slices {
		if s.ForceExcluded {
			out = append(out, i)
		}
	}
	return out
}

// ResetEMValues restores the neutral EM state of every slice: unit voxel
// weights on valid pixels, unit slice weight, unit scale and zero bias.
// Poses and exclusions are kept.
func (st *Store) ResetEMValues() {
	for _, s := range st.Slices {
		for i := range s.Weight {
			if s.Valid(i) {
				s.Weight[i] = 1
			} else {
				s.Weight[i] = 0
			}
			s.Bias[i] = 0
		}
		if !s.ForceExcluded {
			s.SliceWeight = 1
		}
		s.Scale = 1
	}
}

// MaskSlices pads out every slice pixel whose world position falls outside
// the mask under the current pose, so later statistics skip it.
func (st *Store) MaskSlices(mask *model.Mask) {
	for _, s := range st.Slices {
		attr := s.Attr
		for y := 0; y < attr.NY; y++ {
			for x := 0; x < attr.NX; x++ {
				i := y*attr.NX + x
				if !s.Valid(i) {
					s.Data[i] = model.Padding
					continue
				}
				w := attr.VoxelToWorld(float64(x), float64(y), 0)
				w = s.Pose.Apply(w)
				vx, vy, vz := mask.Attr.WorldToVoxel(w)
				xi := int(math.Round(vx))
				yi := int(math.Round(vy))
				zi := int(math.Round(vz))
				if !mask.Inside(xi, yi, zi) {
					s.Data[i] = model.Padding
				}
			}
		}
	}
}
