// Package model defines the shared data structures of the reconstruction:
// the target volume, the binary mask, the acquired slices with their
// per-iteration state, and the compressed sparse coefficient store that
// links slice pixels to volume voxels.
package model

import (
	"math"

	"svrengine/internal/geometry"
)

// Padding is the sentinel marking voxels outside the mask or the acquired
// field of view. Padded samples are excluded from every statistic, update
// and simulation.
const Padding = -1.0

// PaddingThreshold separates padded from valid samples when comparing
// floating point intensities.
const PaddingThreshold = -0.01

// Volume is a 3-D scalar field with full world geometry.
type Volume struct {
	// Data is the voxel intensities in row-major order (x fastest)
	Data []float64

	// Attr carries dimensions, spacing, origin and orientation
	Attr geometry.Attributes
}

// NewVolume allocates a zeroed volume with the given attributes.
func NewVolume(attr geometry.Attributes) *Volume {
	return &Volume{
		Data: make([]float64, attr.NumVoxels()),
		Attr: attr,
	}
}

// Copy returns a deep copy of the volume.
func (v *Volume) Copy() *Volume {
	c := NewVolume(v.Attr)
	copy(c.Data, v.Data)
	return c
}

// Fill sets every voxel to the given value.
func (v *Volume) Fill(val float64) {
	for i := range v.Data {
		v.Data[i] = val
	}
}

// MinMax returns the intensity bounds over valid (unpadded) voxels.
func (v *Volume) MinMax() (min, max float64) {
	first := true
	for _, val := range v.Data {
		if val <= PaddingThreshold {
			continue
		}
		if first {
			min, max = val, val
			first = false
			continue
		}
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	return min, max
}

// Mask is a binary field aligned with a volume.
type Mask struct {
	// Data holds 1 for interior voxels, 0 elsewhere
	Data []uint8

	// Attr matches the volume the mask gates
	Attr geometry.Attributes
}

// NewMask allocates an all-zero mask with the given attributes.
func NewMask(attr geometry.Attributes) *Mask {
	return &Mask{
		Data: make([]uint8, attr.NumVoxels()),
		Attr: attr,
	}
}

// Count returns the number of interior voxels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Inside reports whether the voxel is interior; out-of-grid voxels are
// exterior.
func (m *Mask) Inside(x, y, z int) bool {
	if !m.Attr.Inside(x, y, z) {
		return false
	}
	return m.Data[m.Attr.Index(x, y, z)] != 0
}

// Slice is one acquired 2-D plane together with all per-slice state the
// iterations mutate: pose, scale, bias, robust-statistics weights and the
// simulation buffers.
type Slice struct {
	// Data is the acquired intensities, Padding outside the field of view
	Data []float64

	// Attr is the slice's own acquired geometry (NZ == 1); DZ is the grid
	// step, Thickness below is the acquired excitation thickness
	Attr geometry.Attributes

	// Thickness is the acquired slice thickness in mm, which drives the
	// through-plane extent of the point-spread function
	Thickness float64

	// StackIndex identifies the stack of origin
	StackIndex int

	// PackageIndex is the temporal package inside the stack
	PackageIndex int

	// AcquiredZ is the slice's z position in its stack grid
	AcquiredZ int

	// Pose maps slice world coordinates into volume world coordinates
	Pose geometry.Transform

	// Scale is the multiplicative intensity scale s_i, always positive
	Scale float64

	// Bias is the log-multiplicative bias field, one value per pixel
	Bias []float64

	// Weight is the voxel-wise posterior w_i in [0,1], one per pixel
	Weight []float64

	// SliceWeight is the slice-wise posterior W_i in [0,1]
	SliceWeight float64

	// SlicePotential is the robust slice error from the last E-step;
	// -1 flags slices excluded from the slice mixture
	SlicePotential float64

	// RegGate is the structural-exclusion gate R_i: +1 keeps the slice,
	// -1 removes it from the next coefficient build until re-registered
	RegGate int8

	// Inside is set by the coefficient engine when any pixel of the
	// slice projects into the mask
	Inside bool

	// ZeroSlice flags slices with no positive intensities at creation
	ZeroSlice bool

	// ForceExcluded marks slices removed for the rest of the run
	// through Store.ForceExclude
	ForceExcluded bool

	// Simulated is the forward projection of the current volume
	Simulated []float64

	// SimulatedWeight is the per-pixel PSF coverage sum of the projection
	SimulatedWeight []float64

	// SimulatedInside is 1 where any coefficient lands inside the mask
	SimulatedInside []uint8
}

// NewSlice allocates a slice plane and its per-pixel companions with
// neutral initial state.
func NewSlice(attr geometry.Attributes, thickness float64) *Slice {
	n := attr.NX * attr.NY
	s := &Slice{
		Data:            make([]float64, n),
		Attr:            attr,
		Thickness:       thickness,
		Pose:            geometry.NewRigidTransform(),
		Scale:           1,
		Bias:            make([]float64, n),
		Weight:          make([]float64, n),
		SliceWeight:     1,
		RegGate:         1,
		Simulated:       make([]float64, n),
		SimulatedWeight: make([]float64, n),
		SimulatedInside: make([]uint8, n),
	}
	for i := range s.Weight {
		s.Weight[i] = 1
	}
	return s
}

// NumPixels returns the pixel count of the plane.
func (s *Slice) NumPixels() int {
	return s.Attr.NX * s.Attr.NY
}

// Valid reports whether the pixel holds acquired (unpadded) data.
func (s *Slice) Valid(i int) bool {
	return s.Data[i] > PaddingThreshold
}

// Corrected returns the bias- and scale-corrected intensity of pixel i:
// s_i * exp(-B_i) * S_i. Callers must check Valid first.
func (s *Slice) Corrected(i int) float64 {
	return s.Scale * math.Exp(-s.Bias[i]) * s.Data[i]
}
