// Package quality computes the reconstruction quality metrics and the
// per-slice reports: NCC and NRMSE against the acquired data, the
// per-iteration inclusion summary and the CSV slice dump.
package quality

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"svrengine/internal/model"
	"svrengine/pkg/sliceset"
)

// NCC computes normalized cross-correlation between two equally shaped
// planes, skipping pairs where either side is at or below the padding
// threshold. Returns -1 when fewer than two valid pairs exist.
func NCC(a, b []float64, padding float64) float64 {
	var xs, ys []float64
	for i := range a {
		if a[i] <= padding || b[i] <= padding {
			continue
		}
		xs = append(xs, a[i])
		ys = append(ys, b[i])
	}
	if len(xs) < 2 {
		return -1
	}
	varA := stat.Variance(xs, nil)
	varB := stat.Variance(ys, nil)
	if varA <= 0 || varB <= 0 {
		return -1
	}
	return stat.Covariance(xs, ys, nil) / math.Sqrt(varA*varB)
}

// Metrics summarizes a reconstruction pass.
type Metrics struct {
	// MeanNCC is the average slice-to-simulation NCC
	MeanNCC float64

	// NRMSE is the normalized root-mean-square error between the
	// corrected slices and their simulations
	NRMSE float64

	// AverageVolumeWeight is the mean coefficient mass inside the mask
	AverageVolumeWeight float64

	// Included, Excluded, Outside count the slice dispositions
	Included, Excluded, Outside int

	// ExcludedRatio is Excluded over the number of evaluated slices
	ExcludedRatio float64
}

// Evaluate computes the per-iteration quality summary. A slice counts as
// included when it overlaps the ROI and carries weight, excluded when its
// weight collapsed or it was gated out, and outside when it never touched
// the ROI. The NRMSE comparison works on scratch copies; the slice data
// is never modified.
func Evaluate(store *sliceset.Store, avgVolumeWeight float64) Metrics {
	m := Metrics{AverageVolumeWeight: avgVolumeWeight}

	var nccSum float64
	nccNum := 0
	var se, ref float64

	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]

		if !s.Inside {
			m.Outside++
			continue
		}
		if s.ForceExcluded || s.RegGate < 0 || s.SliceWeight < 0.5 {
			m.Excluded++
			continue
		}
		m.Included++

		// read-only comparison on a scratch pair: corrected slice
		// against simulation
		corrected := make([]float64, s.NumPixels())
		simulated := make([]float64, s.NumPixels())
		for p := range corrected {
			corrected[p] = model.Padding
			simulated[p] = model.Padding
			if !s.Valid(p) || s.SimulatedWeight[p] <= 0.99 {
				continue
			}
			corrected[p] = s.Corrected(p)
			simulated[p] = s.Simulated[p]
			d := corrected[p] - simulated[p]
			se += d * d
			ref += simulated[p] * simulated[p]
		}

		if ncc := NCC(corrected, simulated, model.PaddingThreshold); ncc != -1 {
			nccSum += ncc
			nccNum++
		}
	}

	if nccNum > 0 {
		m.MeanNCC = nccSum / float64(nccNum)
	}
	if ref > 0 {
		m.NRMSE = math.Sqrt(se / ref)
	}
	if evaluated := m.Included + m.Excluded; evaluated > 0 {
		m.ExcludedRatio = float64(m.Excluded) / float64(evaluated)
	}
	return m
}

// VolumeNRMSE compares two volumes over the mask, normalizing by the
// reference intensity range.
func VolumeNRMSE(vol, ref *model.Volume, mask *model.Mask) float64 {
	var se float64
	n := 0
	min, max := math.Inf(1), math.Inf(-1)
	for i := range vol.Data {
		if mask != nil && mask.Data[i] == 0 {
			continue
		}
		if ref.Data[i] <= model.PaddingThreshold {
			continue
		}
		d := vol.Data[i] - ref.Data[i]
		se += d * d
		n++
		if ref.Data[i] < min {
			min = ref.Data[i]
		}
		if ref.Data[i] > max {
			max = ref.Data[i]
		}
	}
	if n == 0 || max <= min {
		return 0
	}
	return math.Sqrt(se/float64(n)) / (max - min)
}
