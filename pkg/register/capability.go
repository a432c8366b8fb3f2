// Package register schedules the motion-correction registrations of the
// pipeline: global stack-to-template, per-slice slice-to-volume and
// package-to-volume. The actual optimization sits behind a narrow
// capability interface so the core stays testable with a stub and a
// remote filter can be substituted transparently.
package register

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
)

// Capability is the narrow surface the core needs from a registration
// filter.
type Capability interface {
	// RigidRegister aligns source to target starting from init and
	// returns the refined pose
	RigidRegister(target, source *model.Volume, init *geometry.RigidTransform) (*geometry.RigidTransform, error)

	// FFDRegister refines a free-form deformation of source onto target
	FFDRegister(target, source *model.Volume, init geometry.Transform) (geometry.Transform, error)
}

// Registrar is the in-process default capability: a Nelder-Mead search
// over the rigid parameters against a normalized cross-correlation cost.
type Registrar struct {
	// Subsample strides the source grid when evaluating the cost;
	// 2 halves each dimension. Single-plane sources are sampled densely
	Subsample int

	// MaxEvaluations bounds the simplex search
	MaxEvaluations int
}

// NewRegistrar returns the default in-process registrar.
func NewRegistrar() *Registrar {
	return &Registrar{Subsample: 2, MaxEvaluations: 2000}
}

// RigidRegister refines the six rigid parameters by maximizing NCC
// between the transformed source and the target.
func (r *Registrar) RigidRegister(target, source *model.Volume, init *geometry.RigidTransform) (*geometry.RigidTransform, error) {
	if target == nil || len(target.Data) == 0 {
		// empty target is a no-op skip, not an error
		return init.Copy(), nil
	}

	x0 := make([]float64, 6)
	p := init.Params()
	copy(x0, p[:])

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			t := geometry.NewRigidTransform()
			t.SetParams([6]float64{x[0], x[1], x[2], x[3], x[4], x[5]})
			return -r.ncc(target, source, t)
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: r.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Iterations: 50,
		},
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("rigid registration: %w", err)
	}

	out := geometry.NewRigidTransform()
	out.SetParams([6]float64{result.X[0], result.X[1], result.X[2], result.X[3], result.X[4], result.X[5]})
	return out, nil
}

// FFDRegister returns an FFD initial transform unchanged and refines a
// rigid one with RigidRegister; no B-spline lattice optimization happens
// here. Any other transform type is an error.
func (r *Registrar) FFDRegister(target, source *model.Volume, init geometry.Transform) (geometry.Transform, error) {
	switch t := init.(type) {
	case *geometry.FFDTransform:
		return t, nil
	case *geometry.RigidTransform:
		return r.RigidRegister(target, source, t)
	default:
		return nil, fmt.Errorf("ffd registration: unsupported initial transform %T", init)
	}
}

// ncc evaluates normalized cross-correlation between the source mapped
// through the candidate pose and the target sampled at the mapped
// positions. Iterating source voxels keeps the cost meaningful for single
// slice planes as well as whole stacks. Padded samples on either side are
// skipped.
func (r *Registrar) ncc(target, source *model.Volume, pose geometry.Transform) float64 {
	stride := r.Subsample
	if stride < 1 {
		stride = 1
	}
	ta := &target.Attr
	sa := &source.Attr
	if sa.NZ == 1 {
		// a single plane is already sparse, sample it densely
		stride = 1
	}

	var sumT, sumS, sumTT, sumSS, sumTS float64
	n := 0
	for z := 0; z < sa.NZ; z += stride {
		for y := 0; y < sa.NY; y += stride {
			for x := 0; x < sa.NX; x += stride {
				sv := source.Data[sa.Index(x, y, z)]
				if sv <= model.PaddingThreshold {
					continue
				}
				w := sa.VoxelToWorld(float64(x), float64(y), float64(z))
				w = pose.Apply(w)
				tx, ty, tz := ta.WorldToVoxel(w)
				tv := geometry.Sample(target.Data, ta, tx, ty, tz, geometry.Linear, model.Padding)
				if tv <= model.PaddingThreshold {
					continue
				}
				sumT += tv
				sumS += sv
				sumTT += tv * tv
				sumSS += sv * sv
				sumTS += tv * sv
				n++
			}
		}
	}
	if n < 8 {
		return 0
	}
	fn := float64(n)
	covTS := sumTS - sumT*sumS/fn
	varT := sumTT - sumT*sumT/fn
	varS := sumSS - sumS*sumS/fn
	if varT <= 0 || varS <= 0 {
		return 0
	}
	return covTS / math.Sqrt(varT*varS)
}
