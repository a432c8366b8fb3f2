// Package em implements the joint voxel- and slice-level robust
// statistics of the reconstruction: a Gaussian/uniform mixture over voxel
// residuals, a two-Gaussian mixture over slice potentials, and the
// per-slice intensity scale and smooth bias estimates. Numerical
// degeneracies never abort; they fall back to documented defaults and are
// reported for verbose logging.
package em

import (
	"fmt"
	"math"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/sliceset"
)

// twoPi matches the reference constant used in the Gaussian density and
// the sigma floor.
const twoPi = 6.28

// scaleMin and scaleMax bound plausible slice scales; estimates outside
// point at misregistration and force-exclude the slice for the iteration.
const (
	scaleMin = 0.2
	scaleMax = 5.0
)

// coverageThreshold gates residual statistics to pixels the simulation
// actually covered.
const coverageThreshold = 0.99

// Degeneracy records a numerical fallback taken during an EM update.
type Degeneracy struct {
	// Stage names the computation that degenerated
	Stage string

	// Message describes the fallback that was applied
	Message string
}

// Estimator holds the mixture state shared across iterations.
type Estimator struct {
	// Pool runs the per-slice loops in parallel
	Pool *workpool.Pool

	// Verbose enables parameter logging after each step
	Verbose bool

	// Sigma is the voxel inlier variance
	Sigma float64

	// Mix is the voxel inlier proportion
	Mix float64

	// M is the uniform outlier density
	M float64

	// MeanS, MeanS2 are the slice mixture means (inlier, outlier)
	MeanS, MeanS2 float64

	// SigmaS, SigmaS2 are the slice mixture variances
	SigmaS, SigmaS2 float64

	// MixS is the slice inlier proportion
	MixS float64

	// MinIntensity, MaxIntensity are the current volume intensity bounds
	MinIntensity, MaxIntensity float64

	// Step is the numerical resolution floor for the variances
	Step float64

	// SigmaBias is the bias-field smoothing sigma in mm
	SigmaBias float64

	// LowIntensityCutoff is the fraction of the maximum intensity below
	// which bias estimation ignores a pixel
	LowIntensityCutoff float64

	// SmallSlices are indices whose potential is forced to -1
	SmallSlices []int

	// Degeneracies accumulates fallbacks since the last Drain
	Degeneracies []Degeneracy
}

// NewEstimator returns an estimator with the reference defaults.
func NewEstimator(pool *workpool.Pool) *Estimator {
	return &Estimator{
		Pool:               pool,
		Sigma:              0.025,
		Mix:                0.9,
		MeanS:              0,
		MeanS2:             0,
		SigmaS:             0.025,
		SigmaS2:            0.025,
		MixS:               0.9,
		Step:               0.0001,
		SigmaBias:          12,
		LowIntensityCutoff: 0.01,
	}
}

// Drain returns and clears the recorded degeneracies.
func (e *Estimator) Drain() []Degeneracy {
	d := e.Degeneracies
	e.Degeneracies = nil
	return d
}

func (e *Estimator) degenerate(stage, format string, args ...interface{}) {
	d := Degeneracy{Stage: stage, Message: fmt.Sprintf(format, args...)}
	e.Degeneracies = append(e.Degeneracies, d)
	if e.Verbose {
		fmt.Printf("%s: %s\n", d.Stage, d.Message)
	}
}

// gauss is the zero-mean Gaussian density with variance s.
func gauss(x, s float64) float64 {
	return math.Exp(-x*x/(2*s)) / math.Sqrt(twoPi*s)
}

// InitializeRobustStatistics primes the mixture parameters from the first
// simulation: the voxel variance from raw residuals, the uniform density
// from the intensity bounds, and neutral slice statistics.
func (e *Estimator) InitializeRobustStatistics(store *sliceset.Store, volume *model.Volume) {
	min, max := volume.MinMax()
	e.MinIntensity, e.MaxIntensity = min, max

	var sum float64
	var num int
	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		if s.ForceExcluded {
			continue
		}
		for p := 0; p < s.NumPixels(); p++ {
			if !s.Valid(p) || s.SimulatedWeight[p] <= coverageThreshold {
				continue
			}
			d := s.Data[p] - s.Simulated[p]
			sum += d * d
			num++
		}
	}
	if num > 0 {
		e.Sigma = sum / float64(num)
	}
	if e.Sigma < e.Step*e.Step/twoPi {
		e.Sigma = e.Step * e.Step / twoPi
	}
	e.Mix = 0.9
	e.MixS = 0.9
	e.M = 1 / (2.1*max - 1.9*min)

	if e.Verbose {
		fmt.Printf("Initializing robust statistics: sigma=%f m=%f\n", math.Sqrt(e.Sigma), e.M)
	}
}

// EStep computes the voxel-wise posteriors, the slice potentials and the
// slice-wise mixture update, in that order, because the slice mixture
// wants the freshest potentials.
func (e *Estimator) EStep(store *sliceset.Store) {
	n := store.Len()
	potential := make([]float64, n)

	// voxel-wise posteriors and slice potentials, parallel over slices
	e.Pool.Run(n, func(i int) {
		s := store.Slices[i]
		var num, den float64
		for p := 0; p < s.NumPixels(); p++ {
			s.Weight[p] = 0
			if !s.Valid(p) || s.SimulatedWeight[p] <= coverageThreshold {
				continue
			}
			d := s.Corrected(p) - s.Simulated[p]
			g := gauss(d, e.Sigma)
			w := g * e.Mix / (g*e.Mix + (1-e.Mix)*e.M)
			s.Weight[p] = w
			num += w * d * d
			den += w
		}
		if den > 0 {
			potential[i] = num / den
		} else {
			potential[i] = -1
		}
	})

	// force-excluded slices are hard outliers
	for i := 0; i < n; i++ {
		if store.Slices[i].ForceExcluded {
			potential[i] = -1
		}
	}

	// slices with small ROI overlap are unreliable
	for _, i := range e.SmallSlices {
		if i >= 0 && i < n {
			potential[i] = -1
		}
	}

	// unrealistic scales point at misregistration
	for i := 0; i < n; i++ {
		sc := store.Slices[i].Scale
		if sc < scaleMin || sc > scaleMax {
			potential[i] = -1
		}
	}

	for i := 0; i < n; i++ {
		store.Slices[i].SlicePotential = potential[i]
	}

	e.sliceMixture(store, potential)
}

// sliceMixture fits the two-Gaussian model over valid slice potentials,
// weighted by the current slice weights, and derives the new weights.
func (e *Estimator) sliceMixture(store *sliceset.Store, potential []float64) {
	n := store.Len()

	// means of the inlier and outlier classes
	var sum, den, sum2, den2 float64
	maxs, mins := 0.0, 1.0
	for i := 0; i < n; i++ {
		if potential[i] < 0 {
			continue
		}
		w := store.Slices[i].SliceWeight
		sum += potential[i] * w
		den += w
		sum2 += potential[i] * (1 - w)
		den2 += 1 - w
		if potential[i] > maxs {
			maxs = potential[i]
		}
		if potential[i] < mins {
			mins = potential[i]
		}
	}
	if den > 0 {
		e.MeanS = sum / den
	} else {
		e.MeanS = mins
	}
	if den2 > 0 {
		e.MeanS2 = sum2 / den2
	} else {
		e.MeanS2 = (maxs + e.MeanS) / 2
	}

	// variances
	sum, sum2 = 0, 0
	var vden, vden2 float64
	for i := 0; i < n; i++ {
		if potential[i] < 0 {
			continue
		}
		w := store.Slices[i].SliceWeight
		sum += (potential[i] - e.MeanS) * (potential[i] - e.MeanS) * w
		vden += w
		sum2 += (potential[i] - e.MeanS2) * (potential[i] - e.MeanS2) * (1 - w)
		vden2 += 1 - w
	}

	floor := e.Step * e.Step / twoPi
	if sum > 0 && vden > 0 {
		e.SigmaS = math.Max(sum/vden, floor)
	} else {
		e.SigmaS = 0.025
		e.degenerate("slice mixture", "no valid inlier potentials, sigma_s reset to %f", math.Sqrt(e.SigmaS))
	}
	if sum2 > 0 && vden2 > 0 {
		e.SigmaS2 = math.Max(sum2/vden2, floor)
	} else {
		e.SigmaS2 = math.Max((e.MeanS2-e.MeanS)*(e.MeanS2-e.MeanS)/4, floor)
		e.degenerate("slice mixture", "no valid outlier potentials, sigma_s2 reset to %f", math.Sqrt(e.SigmaS2))
	}

	// slice weights from the fitted mixture
	for i := 0; i < n; i++ {
		s := store.Slices[i]

		// slice has no voxels in the volumetric ROI
		if potential[i] == -1 {
			s.SliceWeight = 0
			continue
		}

		// all slices outliers or invalid means
		if den <= 0 || e.MeanS2 <= e.MeanS {
			s.SliceWeight = 1
			continue
		}

		var gs1, gs2 float64
		if potential[i] < e.MeanS2 {
			gs1 = gauss(potential[i]-e.MeanS, e.SigmaS)
		}
		if potential[i] > e.MeanS {
			gs2 = gauss(potential[i]-e.MeanS2, e.SigmaS2)
		}
		likelihood := gs1*e.MixS + gs2*(1-e.MixS)
		if likelihood > 0 {
			s.SliceWeight = gs1 * e.MixS / likelihood
		} else {
			switch {
			case potential[i] <= e.MeanS:
				s.SliceWeight = 1
			case potential[i] >= e.MeanS2:
				s.SliceWeight = 0
			default:
				s.SliceWeight = 1
			}
		}

		// unrealistic scale forces the slice out this iteration
		if s.Scale < scaleMin || s.Scale > scaleMax {
			s.SliceWeight = 0
		}
	}

	// inlier proportion
	var wsum float64
	num := 0
	for i := 0; i < n; i++ {
		if potential[i] >= 0 {
			wsum += store.Slices[i].SliceWeight
			num++
		}
	}
	if num > 0 {
		e.MixS = wsum / float64(num)
	} else {
		e.MixS = 0.9
		e.degenerate("slice mixture", "all slices are outliers, mix_s reset to 0.9")
	}

	if e.Verbose {
		fmt.Printf("Slice robust statistics parameters: means: %.3f %.3f sigmas: %.3f %.3f proportions: %.3f %.3f\n",
			e.MeanS, e.MeanS2, math.Sqrt(e.SigmaS), math.Sqrt(e.SigmaS2), e.MixS, 1-e.MixS)
	}
}

// MStep refits the voxel mixture from the current posteriors: the inlier
// variance, the inlier proportion (after the first iteration) and the
// uniform outlier density from the corrected intensity range.
func (e *Estimator) MStep(store *sliceset.Store, iter int) {
	workers := e.Pool.Workers()
	sigmas := make([]workpool.KahanSum, workers)
	mixes := make([]workpool.KahanSum, workers)
	nums := make([]workpool.KahanSum, workers)
	mins := make([]float64, workers)
	maxs := make([]float64, workers)
	for w := range mins {
		mins[w] = math.Inf(1)
		maxs[w] = math.Inf(-1)
	}

	e.Pool.RunChunked(store.Len(), func(w, lo, hi int) {
		for i := lo; i < hi; i++ {
			s := store.Slices[i]
			if s.ForceExcluded || s.SliceWeight <= 0 {
				continue
			}
			for p := 0; p < s.NumPixels(); p++ {
				if !s.Valid(p) || s.SimulatedWeight[p] <= coverageThreshold {
					continue
				}
				corrected := s.Corrected(p)
				d := corrected - s.Simulated[p]
				sigmas[w].Add(s.Weight[p] * d * d)
				mixes[w].Add(s.Weight[p])
				nums[w].Add(1)
				if corrected < mins[w] {
					mins[w] = corrected
				}
				if corrected > maxs[w] {
					maxs[w] = corrected
				}
			}
		}
	})

	var sigma, mix, num float64
	min, max := math.Inf(1), math.Inf(-1)
	for w := 0; w < workers; w++ {
		sigma += sigmas[w].Value()
		mix += mixes[w].Value()
		num += nums[w].Value()
		if mins[w] < min {
			min = mins[w]
		}
		if maxs[w] > max {
			max = maxs[w]
		}
	}

	if mix > 0 {
		e.Sigma = sigma / mix
	} else {
		e.degenerate("voxel mixture", "sigma=%f mix=%f, keeping previous variance", sigma, mix)
	}
	if e.Sigma < e.Step*e.Step/twoPi {
		e.Sigma = e.Step * e.Step / twoPi
	}
	if iter > 1 && num > 0 {
		e.Mix = mix / num
	}
	if max > min {
		e.M = 1 / (max - min)
	}

	if e.Verbose {
		fmt.Printf("Voxel-wise robust statistics parameters: sigma=%f mix=%f m=%f\n",
			math.Sqrt(e.Sigma), e.Mix, e.M)
	}
}

// Scale refits every slice's intensity scale in closed form, minimizing
// the weighted squared residual between the bias-corrected slice and its
// simulation.
func (e *Estimator) Scale(store *sliceset.Store) {
	e.Pool.Run(store.Len(), func(i int) {
		s := store.Slices[i]
		var num, den float64
		for p := 0; p < s.NumPixels(); p++ {
			if !s.Valid(p) || s.SimulatedWeight[p] <= coverageThreshold {
				continue
			}
			eb := math.Exp(-s.Bias[p]) * s.Data[p]
			num += s.Weight[p] * eb * s.Simulated[p]
			den += s.Weight[p] * eb * eb
		}
		if den > 0 {
			s.Scale = num / den
		} else {
			s.Scale = 1
		}
	})

	if e.Verbose {
		fmt.Printf("Slice scale =")
		for i := 0; i < store.Len(); i++ {
			fmt.Printf(" %.3f", store.Slices[i].Scale)
		}
		fmt.Println()
	}
}

// Bias refits every slice's smooth multiplicative bias field from the
// weighted log-residual against the simulation, then recentres it to zero
// mean over the valid pixels so bias and scale stay identifiable.
func (e *Estimator) Bias(store *sliceset.Store) {
	e.Pool.Run(store.Len(), func(i int) {
		s := store.Slices[i]
		nx, ny := s.Attr.NX, s.Attr.NY
		npix := nx * ny

		wres := make([]float64, npix)
		wb := make([]float64, npix)
		cutoff := e.LowIntensityCutoff * e.MaxIntensity

		for p := 0; p < npix; p++ {
			if !s.Valid(p) || s.SimulatedWeight[p] <= coverageThreshold {
				continue
			}
			corrected := s.Corrected(p)
			sim := s.Simulated[p]
			if corrected <= cutoff || sim <= cutoff {
				continue
			}
			w := s.Weight[p] * corrected
			wb[p] = w
			wres[p] = w * math.Log(corrected/sim)
		}

		// smooth residual and weight alike; sigma in pixels
		sigma := e.SigmaBias / s.Attr.DX
		geometry.GaussianBlur2D(wres, nx, ny, sigma)
		geometry.GaussianBlur2D(wb, nx, ny, sigma)

		// update and recentre
		var mean, den float64
		for p := 0; p < npix; p++ {
			if !s.Valid(p) || wb[p] <= 0 {
				continue
			}
			s.Bias[p] += wres[p] / wb[p]
			mean += s.Bias[p]
			den++
		}
		if den > 0 {
			mean /= den
			for p := 0; p < npix; p++ {
				if s.Valid(p) {
					s.Bias[p] -= mean
				}
			}
		}
	})
}
