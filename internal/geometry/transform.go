package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform maps world points to world points. The registration driver
// produces these; the coefficient engine and simulator consume them.
type Transform interface {
	// Apply maps a world point through the transform
	Apply(p r3.Vec) r3.Vec

	// Invert maps a world point through the inverse transform
	Invert(p r3.Vec) r3.Vec
}

// RigidTransform is a six-parameter rigid body transform: translation in mm
// and Euler rotations in degrees, composed as Rz*Ry*Rx then translation.
// The parameter layout matches the per-slice CSV report columns.
type RigidTransform struct {
	TX, TY, TZ float64
	RX, RY, RZ float64

	// rot caches the rotation matrix; rebuilt lazily after parameter edits
	rot *mat.Dense
}

// NewRigidTransform returns the identity rigid transform.
func NewRigidTransform() *RigidTransform {
	return &RigidTransform{}
}

// Params returns the six parameters in report order (Tx,Ty,Tz,Rx,Ry,Rz).
func (t *RigidTransform) Params() [6]float64 {
	return [6]float64{t.TX, t.TY, t.TZ, t.RX, t.RY, t.RZ}
}

// SetParams replaces all six parameters and invalidates the cached matrix.
func (t *RigidTransform) SetParams(p [6]float64) {
	t.TX, t.TY, t.TZ = p[0], p[1], p[2]
	t.RX, t.RY, t.RZ = p[3], p[4], p[5]
	t.rot = nil
}

// Copy returns an independent copy of the transform.
func (t *RigidTransform) Copy() *RigidTransform {
	c := NewRigidTransform()
	c.SetParams(t.Params())
	return c
}

func (t *RigidTransform) matrix() *mat.Dense {
	if t.rot != nil {
		return t.rot
	}
	rx := t.RX * math.Pi / 180
	ry := t.RY * math.Pi / 180
	rz := t.RZ * math.Pi / 180

	cx, sx := math.Cos(rx), math.Sin(rx)
	cy, sy := math.Cos(ry), math.Sin(ry)
	cz, sz := math.Cos(rz), math.Sin(rz)

	mx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cx, -sx,
		0, sx, cx,
	})
	my := mat.NewDense(3, 3, []float64{
		cy, 0, sy,
		0, 1, 0,
		-sy, 0, cy,
	})
	mz := mat.NewDense(3, 3, []float64{
		cz, -sz, 0,
		sz, cz, 0,
		0, 0, 1,
	})

	r := mat.NewDense(3, 3, nil)
	r.Mul(mz, my)
	r.Mul(r, mx)
	t.rot = r
	return r
}

// Apply rotates then translates the world point.
func (t *RigidTransform) Apply(p r3.Vec) r3.Vec {
	m := t.matrix()
	return r3.Vec{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + t.TX,
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + t.TY,
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + t.TZ,
	}
}

// Invert applies the inverse transform; the rotation is orthonormal so its
// transpose suffices.
func (t *RigidTransform) Invert(p r3.Vec) r3.Vec {
	m := t.matrix()
	x := p.X - t.TX
	y := p.Y - t.TY
	z := p.Z - t.TZ
	return r3.Vec{
		X: m.At(0, 0)*x + m.At(1, 0)*y + m.At(2, 0)*z,
		Y: m.At(0, 1)*x + m.At(1, 1)*y + m.At(2, 1)*z,
		Z: m.At(0, 2)*x + m.At(1, 2)*y + m.At(2, 2)*z,
	}
}

// FFDTransform is a free-form deformation on a regular control-point
// lattice with cubic B-spline basis weights, used as the alternative
// per-slice motion model. Displacements are stored per control point in mm.
type FFDTransform struct {
	// CX, CY, CZ are the lattice dimensions in control points
	CX, CY, CZ int

	// Spacing is the control-point spacing in mm
	Spacing float64

	// Origin is the world position of control point (0,0,0)
	Origin r3.Vec

	// Disp holds the displacement vectors, one per control point,
	// in the same row-major layout as volume data
	Disp []r3.Vec
}

// NewFFDTransform builds an identity FFD lattice covering the given
// attributes with the requested control-point spacing.
func NewFFDTransform(attr *Attributes, spacing float64) *FFDTransform {
	extX := float64(attr.NX) * attr.DX
	extY := float64(attr.NY) * attr.DY
	extZ := float64(attr.NZ) * attr.DZ
	cx := int(math.Ceil(extX/spacing)) + 3
	cy := int(math.Ceil(extY/spacing)) + 3
	cz := int(math.Ceil(extZ/spacing)) + 3
	origin := attr.VoxelToWorld(0, 0, 0)
	origin.X -= spacing
	origin.Y -= spacing
	origin.Z -= spacing
	return &FFDTransform{
		CX: cx, CY: cy, CZ: cz,
		Spacing: spacing,
		Origin:  origin,
		Disp:    make([]r3.Vec, cx*cy*cz),
	}
}

// bspline evaluates the four cubic B-spline basis functions at fractional
// position u in [0,1).
func bspline(u float64) [4]float64 {
	u2 := u * u
	u3 := u2 * u
	return [4]float64{
		(1 - 3*u + 3*u2 - u3) / 6,
		(4 - 6*u2 + 3*u3) / 6,
		(1 + 3*u + 3*u2 - 3*u3) / 6,
		u3 / 6,
	}
}

// Displacement evaluates the B-spline displacement field at a world point.
func (t *FFDTransform) Displacement(p r3.Vec) r3.Vec {
	gx := (p.X - t.Origin.X) / t.Spacing
	gy := (p.Y - t.Origin.Y) / t.Spacing
	gz := (p.Z - t.Origin.Z) / t.Spacing

	ix := int(math.Floor(gx))
	iy := int(math.Floor(gy))
	iz := int(math.Floor(gz))

	bx := bspline(gx - float64(ix))
	by := bspline(gy - float64(iy))
	bz := bspline(gz - float64(iz))

	var d r3.Vec
	for k := 0; k < 4; k++ {
		cz := iz + k - 1
		if cz < 0 || cz >= t.CZ {
			continue
		}
		for j := 0; j < 4; j++ {
			cy := iy + j - 1
			if cy < 0 || cy >= t.CY {
				continue
			}
			for i := 0; i < 4; i++ {
				cx := ix + i - 1
				if cx < 0 || cx >= t.CX {
					continue
				}
				w := bx[i] * by[j] * bz[k]
				cp := t.Disp[cz*t.CX*t.CY+cy*t.CX+cx]
				d.X += w * cp.X
				d.Y += w * cp.Y
				d.Z += w * cp.Z
			}
		}
	}
	return d
}

// Apply adds the interpolated displacement to the world point.
func (t *FFDTransform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(p, t.Displacement(p))
}

// Invert approximates the inverse by fixed-point iteration on the
// displacement field; adequate for the small deformations that slice
// motion produces.
func (t *FFDTransform) Invert(p r3.Vec) r3.Vec {
	q := p
	for iter := 0; iter < 5; iter++ {
		q = r3.Sub(p, t.Displacement(q))
	}
	return q
}
