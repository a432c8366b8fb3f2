// Package coeffengine builds the sparse slice-to-volume coefficient
// matrix. For every slice pixel it samples the acquisition point-spread
// function under the current pose and records which target voxels receive
// how much of the pixel's signal. The accumulated per-voxel weight map it
// produces is what the Gaussian initializer and the super-resolution
// update normalize against.
package coeffengine

import (
	"fmt"
	"math"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/sliceset"
)

// fwhmToSigma converts a full-width-half-maximum extent to a Gaussian
// sigma (2*sqrt(2*ln 2)).
const fwhmToSigma = 2.3548

// coverageThreshold is the minimum fraction of PSF mass that must land on
// the target grid for a pixel to count as inside; below it the pixel is
// treated as outside the volume.
const coverageThreshold = 0.98

// Engine holds the tunables of the coefficient build.
type Engine struct {
	// Pool runs the per-slice projection in parallel
	Pool *workpool.Pool

	// QualityFactor controls PSF oversampling: samples are spaced at
	// target-resolution/QualityFactor
	QualityFactor float64

	// Deterministic accumulates ω serially across slices; when false,
	// per-worker partial volumes are reduced in worker order with
	// compensated summation, which tolerates the chunked reordering
	Deterministic bool

	// Verbose enables the average-weight log line
	Verbose bool
}

// New returns an engine with the reference oversampling factor and the
// serial accumulation strategy.
func New(pool *workpool.Pool) *Engine {
	return &Engine{Pool: pool, QualityFactor: 2, Deterministic: true}
}

// Result carries the volume-level outputs of a coefficient build.
type Result struct {
	// VolumeWeights is the accumulated per-voxel weight map ω
	VolumeWeights *model.Volume

	// AverageVolumeWeight is the mean of ω over mask-interior voxels,
	// reported in the quality metrics
	AverageVolumeWeight float64
}

// Build constructs the coefficient matrix of every eligible slice against
// the reconstruction grid and accumulates the volume weight map. Slices
// that are force-excluded or gated out by structural exclusion are skipped
// entirely and get empty matrices.
func (e *Engine) Build(store *sliceset.Store, reconAttr geometry.Attributes, mask *model.Mask, index *geometry.VoxelIndex) (*Result, error) {
	if mask != nil && !reconAttr.SameGrid(&mask.Attr) {
		return nil, fmt.Errorf("coefficient build: mask grid does not match reconstruction grid")
	}

	// per-slice projection is independent, run it on the pool
	e.Pool.Run(store.Len(), func(i int) {
		s := store.Slices[i]
		if s.ForceExcluded || s.RegGate < 0 || s.ZeroSlice {
			store.Coeffs[i] = model.NewSliceCoeffs(s.NumPixels())
			s.Inside = false
			return
		}
		store.Coeffs[i], s.Inside = e.projectSlice(s, reconAttr, mask, index)
	})

	weights := e.accumulateWeights(store, reconAttr)

	// average volume weight inside the mask, for the quality metrics
	sum := 0.0
	num := 0
	if mask != nil {
		for idx, m := range mask.Data {
			if m != 0 {
				sum += weights.Data[idx]
				num++
			}
		}
	}
	avg := 0.0
	if num > 0 {
		avg = sum / float64(num)
	}
	if e.Verbose {
		fmt.Printf("Average volume weight is %f\n", avg)
	}

	return &Result{VolumeWeights: weights, AverageVolumeWeight: avg}, nil
}

// accumulateWeights folds every slice's coefficients into the volume
// weight map ω. The serial strategy walks slices in order, so the result
// is independent of scheduling; the parallel strategy reduces per-worker
// partial volumes in worker order with Kahan compensation, which keeps
// the total stable against the chunked reordering.
func (e *Engine) accumulateWeights(store *sliceset.Store, reconAttr geometry.Attributes) *model.Volume {
	weights := model.NewVolume(reconAttr)

	if e.Deterministic {
		for i := 0; i < store.Len(); i++ {
			if store.Slices[i].ForceExcluded {
				continue
			}
			for _, c := range store.Coeffs[i].Entries {
				weights.Data[reconAttr.Index(c.X, c.Y, c.Z)] += c.Value
			}
		}
		return weights
	}

	workers := e.Pool.Workers()
	partials := make([][]float64, workers)
	e.Pool.RunChunked(store.Len(), func(w, lo, hi int) {
		part := make([]float64, reconAttr.NumVoxels())
		for i := lo; i < hi; i++ {
			if store.Slices[i].ForceExcluded {
				continue
			}
			for _, c := range store.Coeffs[i].Entries {
				part[reconAttr.Index(c.X, c.Y, c.Z)] += c.Value
			}
		}
		partials[w] = part
	})

	sums := make([]workpool.KahanSum, reconAttr.NumVoxels())
	for w := 0; w < workers; w++ {
		if partials[w] == nil {
			continue
		}
		for idx, v := range partials[w] {
			if v != 0 {
				sums[idx].Add(v)
			}
		}
	}
	for idx := range weights.Data {
		weights.Data[idx] = sums[idx].Value()
	}
	return weights
}

// projectSlice builds one slice's coefficient matrix. The PSF is the
// standard acquisition model: an in-plane Gaussian at 1.2x the pixel
// spacing FWHM and a through-plane Gaussian at the acquired thickness
// FWHM, sampled on an oversampled grid around each pixel and binned into
// the enclosing target voxels.
func (e *Engine) projectSlice(s *model.Slice, reconAttr geometry.Attributes, mask *model.Mask, index *geometry.VoxelIndex) (*model.SliceCoeffs, bool) {
	attr := s.Attr

	sigmaX := 1.2 * attr.DX / fwhmToSigma
	sigmaY := 1.2 * attr.DY / fwhmToSigma
	sigmaZ := s.Thickness / fwhmToSigma

	res := math.Min(reconAttr.DX, math.Min(reconAttr.DY, reconAttr.DZ))
	step := res / e.QualityFactor

	// sample the kernel out to 2.5 sigma in each direction
	extX := 2.5 * sigmaX
	extY := 2.5 * sigmaY
	extZ := 2.5 * sigmaZ
	nx := int(math.Ceil(extX/step))*2 + 1
	ny := int(math.Ceil(extY/step))*2 + 1
	nz := int(math.Ceil(extZ/step))*2 + 1

	// precompute kernel offsets (slice frame, mm) and normalized weights
	type psfSample struct {
		ox, oy, oz float64
		w          float64
	}
	kernel := make([]psfSample, 0, nx*ny*nz)
	total := 0.0
	for kz := 0; kz < nz; kz++ {
		oz := (float64(kz) - float64(nz-1)/2) * step
		for ky := 0; ky < ny; ky++ {
			oy := (float64(ky) - float64(ny-1)/2) * step
			for kx := 0; kx < nx; kx++ {
				ox := (float64(kx) - float64(nx-1)/2) * step
				w := math.Exp(-ox*ox/(2*sigmaX*sigmaX) - oy*oy/(2*sigmaY*sigmaY) - oz*oz/(2*sigmaZ*sigmaZ))
				kernel = append(kernel, psfSample{ox, oy, oz, w})
				total += w
			}
		}
	}
	for k := range kernel {
		kernel[k].w /= total
	}

	// radius of the PSF support, used for the fast mask-distance reject
	reach := math.Sqrt(extX*extX+extY*extY+extZ*extZ) +
		math.Max(reconAttr.DX, math.Max(reconAttr.DY, reconAttr.DZ))

	builder := model.NewCoeffBuilder(s.NumPixels())
	inside := false
	acc := make(map[int]float64)

	for y := 0; y < attr.NY; y++ {
		for x := 0; x < attr.NX; x++ {
			p := y*attr.NX + x
			if !s.Valid(p) {
				builder.Append(nil)
				continue
			}

			centre := s.Pose.Apply(attr.VoxelToWorld(float64(x), float64(y), 0))
			if index != nil && !index.WithinRadius(centre, reach) {
				builder.Append(nil)
				continue
			}

			for k := range acc {
				delete(acc, k)
			}
			covered := 0.0
			for _, ks := range kernel {
				w := attr.VoxelToWorld(
					float64(x)+ks.ox/attr.DX,
					float64(y)+ks.oy/attr.DY,
					ks.oz/attr.DZ,
				)
				w = s.Pose.Apply(w)
				vx, vy, vz := reconAttr.WorldToVoxel(w)
				xi := int(math.Round(vx))
				yi := int(math.Round(vy))
				zi := int(math.Round(vz))
				if !reconAttr.Inside(xi, yi, zi) {
					continue
				}
				acc[reconAttr.Index(xi, yi, zi)] += ks.w
				covered += ks.w
			}

			// pixels whose PSF mass mostly misses the grid are outside
			if covered < coverageThreshold {
				builder.Append(nil)
				continue
			}

			entries := make([]model.VoxelCoeff, 0, len(acc))
			nxny := reconAttr.NX * reconAttr.NY
			// deterministic entry order: walk flat indices ascending
			for _, idx := range sortedKeys(acc) {
				v := acc[idx] / covered
				if v < 1e-9 {
					continue
				}
				zi := idx / nxny
				rem := idx % nxny
				yi := rem / reconAttr.NX
				xi := rem % reconAttr.NX
				entries = append(entries, model.VoxelCoeff{X: xi, Y: yi, Z: zi, Value: v})
				if mask != nil && mask.Data[idx] != 0 {
					inside = true
				}
			}
			builder.Append(entries)
		}
	}

	return builder.Finish(), inside
}

// sortedKeys returns the map keys in ascending order so entry order, and
// with it every downstream accumulation, is deterministic.
func sortedKeys(m map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// small lists, insertion sort is enough
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
