// Package geometry provides the world/voxel coordinate machinery shared by
// every stage of the reconstruction: image attributes with a full affine,
// interpolation with padding, rigid and free-form transforms, and Gaussian
// smoothing. All components go through this package rather than redoing
// coordinate math locally.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Attributes describes the grid of a volume or a slice plane: dimensions,
// voxel spacing in mm, world origin and a 3x3 direction-cosine matrix.
// A slice plane is simply an Attributes with NZ == 1.
type Attributes struct {
	// NX, NY, NZ are the grid dimensions in voxels
	NX, NY, NZ int

	// DX, DY, DZ are the voxel spacings in mm
	DX, DY, DZ float64

	// Origin is the world position of voxel (0,0,0)
	Origin r3.Vec

	// Orientation holds the direction cosines as rows; identity means
	// axis-aligned with the world frame
	Orientation *mat.Dense
}

// DefaultAttributes returns axis-aligned attributes with the given
// dimensions and spacing, origin at the grid centre.
func DefaultAttributes(nx, ny, nz int, dx, dy, dz float64) Attributes {
	return Attributes{
		NX: nx, NY: ny, NZ: nz,
		DX: dx, DY: dy, DZ: dz,
		Origin: r3.Vec{
			X: -float64(nx-1) * dx / 2,
			Y: -float64(ny-1) * dy / 2,
			Z: -float64(nz-1) * dz / 2,
		},
		Orientation: identity3(),
	}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// NumVoxels returns the total voxel count of the grid.
func (a *Attributes) NumVoxels() int {
	return a.NX * a.NY * a.NZ
}

// VoxelVolume returns the physical volume of a single voxel in mm^3.
func (a *Attributes) VoxelVolume() float64 {
	return a.DX * a.DY * a.DZ
}

// orientation returns the direction matrix, substituting identity when the
// attributes were built without one (zero value).
func (a *Attributes) orientation() *mat.Dense {
	if a.Orientation == nil {
		return identity3()
	}
	return a.Orientation
}

// VoxelToWorld maps continuous voxel coordinates to world millimetres
// through the direction cosines and spacing.
func (a *Attributes) VoxelToWorld(x, y, z float64) r3.Vec {
	o := a.orientation()
	sx := x * a.DX
	sy := y * a.DY
	sz := z * a.DZ
	return r3.Vec{
		X: a.Origin.X + o.At(0, 0)*sx + o.At(0, 1)*sy + o.At(0, 2)*sz,
		Y: a.Origin.Y + o.At(1, 0)*sx + o.At(1, 1)*sy + o.At(1, 2)*sz,
		Z: a.Origin.Z + o.At(2, 0)*sx + o.At(2, 1)*sy + o.At(2, 2)*sz,
	}
}

// WorldToVoxel maps a world point back into continuous voxel coordinates.
// The direction matrix is orthonormal so its transpose is its inverse.
func (a *Attributes) WorldToVoxel(p r3.Vec) (x, y, z float64) {
	o := a.orientation()
	dx := p.X - a.Origin.X
	dy := p.Y - a.Origin.Y
	dz := p.Z - a.Origin.Z
	x = (o.At(0, 0)*dx + o.At(1, 0)*dy + o.At(2, 0)*dz) / a.DX
	y = (o.At(0, 1)*dx + o.At(1, 1)*dy + o.At(2, 1)*dz) / a.DY
	z = (o.At(0, 2)*dx + o.At(1, 2)*dy + o.At(2, 2)*dz) / a.DZ
	return x, y, z
}

// Inside reports whether the integer voxel coordinates lie on the grid.
func (a *Attributes) Inside(x, y, z int) bool {
	return x >= 0 && x < a.NX && y >= 0 && y < a.NY && z >= 0 && z < a.NZ
}

// Index flattens integer voxel coordinates into the row-major data layout
// used throughout (x fastest, then y, then z).
func (a *Attributes) Index(x, y, z int) int {
	return z*a.NX*a.NY + y*a.NX + x
}

// SameGrid reports whether two attribute sets describe the same grid up to
// a small tolerance on spacing and origin.
func (a *Attributes) SameGrid(b *Attributes) bool {
	const eps = 1e-6
	if a.NX != b.NX || a.NY != b.NY || a.NZ != b.NZ {
		return false
	}
	if math.Abs(a.DX-b.DX) > eps || math.Abs(a.DY-b.DY) > eps || math.Abs(a.DZ-b.DZ) > eps {
		return false
	}
	d := r3.Sub(a.Origin, b.Origin)
	return r3.Norm(d) < eps
}

// InterpMode selects the interpolation used by Sample.
type InterpMode int

const (
	// Linear performs trilinear interpolation skipping padded samples
	Linear InterpMode = iota

	// Nearest snaps to the nearest grid voxel
	Nearest
)

// Sample interpolates the scalar field data (laid out per attr) at
// continuous voxel coordinates. Samples at or below the padding value are
// excluded from the trilinear support; if the whole support is padded, or
// the point lies off the grid, padding is returned.
func Sample(data []float64, attr *Attributes, x, y, z float64, mode InterpMode, padding float64) float64 {
	if mode == Nearest {
		xi := int(math.Round(x))
		yi := int(math.Round(y))
		zi := int(math.Round(z))
		if !attr.Inside(xi, yi, zi) {
			return padding
		}
		return data[attr.Index(xi, yi, zi)]
	}

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	var sum, wsum float64
	for dz := 0; dz <= 1; dz++ {
		for dy := 0; dy <= 1; dy++ {
			for dx := 0; dx <= 1; dx++ {
				xi, yi, zi := x0+dx, y0+dy, z0+dz
				if !attr.Inside(xi, yi, zi) {
					continue
				}
				v := data[attr.Index(xi, yi, zi)]
				if v <= padding+1e-9 {
					continue
				}
				w := weight1(fx, dx) * weight1(fy, dy) * weight1(fz, dz)
				sum += w * v
				wsum += w
			}
		}
	}
	if wsum < 0.01 {
		return padding
	}
	return sum / wsum
}

func weight1(f float64, d int) float64 {
	if d == 0 {
		return 1 - f
	}
	return f
}
