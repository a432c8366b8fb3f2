package em

import (
	"math"
	"testing"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/sliceset"
)

// makeSlice builds a fully covered synthetic slice with the given data
// and simulation values
func makeSlice(n int, data, sim func(p int) float64) *model.Slice {
	attr := geometry.DefaultAttributes(n, n, 1, 1, 1, 1)
	s := model.NewSlice(attr, 3)
	for p := 0; p < n*n; p++ {
		s.Data[p] = data(p)
		s.Simulated[p] = sim(p)
		s.SimulatedWeight[p] = 1
	}
	return s
}

// makeStore wraps slices into a store
func makeStore(slices ...*model.Slice) *sliceset.Store {
	st := sliceset.NewStore()
	st.Slices = slices
	st.Coeffs = make([]*model.SliceCoeffs, len(slices))
	return st
}

// TestBiasScaleIdempotence verifies applying the correction and its
// inverse recovers the original pixel
func TestBiasScaleIdempotence(t *testing.T) {
	s := makeSlice(4, func(p int) float64 { return 10 + float64(p) },
		func(p int) float64 { return 10 + float64(p) })
	s.Scale = 1.7
	for p := range s.Bias {
		s.Bias[p] = 0.05 * float64(p%3)
	}

	for p := 0; p < s.NumPixels(); p++ {
		recovered := s.Corrected(p) * math.Exp(s.Bias[p]) / s.Scale
		if math.Abs(recovered-s.Data[p]) > 1e-12*math.Abs(s.Data[p]) {
			t.Fatalf("pixel %d: recovered %f, original %f", p, recovered, s.Data[p])
		}
	}
}

// TestScaleRecovery verifies the closed-form scale update recovers a
// known intensity factor
func TestScaleRecovery(t *testing.T) {
	const k = 1.6
	s := makeSlice(6, func(p int) float64 { return 20 + float64(p) },
		func(p int) float64 { return k * (20 + float64(p)) })
	store := makeStore(s)

	est := NewEstimator(workpool.New(1))
	est.Scale(store)

	if math.Abs(s.Scale-k) > 1e-9 {
		t.Errorf("expected scale %f, got %f", k, s.Scale)
	}
}

// TestOutlierSliceDownweighted verifies a noise slice collapses to a low
// slice weight while consistent slices stay high
func TestOutlierSliceDownweighted(t *testing.T) {
	mean := 100.0
	var slices []*model.Slice
	for i := 0; i < 8; i++ {
		slices = append(slices, makeSlice(6,
			func(p int) float64 { return mean + float64(p%5) },
			func(p int) float64 { return mean + float64(p%5) }))
	}
	// one slice of uniform junk at ten times the mean
	outlier := makeSlice(6,
		func(p int) float64 { return 10 * mean },
		func(p int) float64 { return mean + float64(p%5) })
	slices = append(slices, outlier)
	store := makeStore(slices...)

	est := NewEstimator(workpool.New(2))
	est.MinIntensity = mean
	est.MaxIntensity = 10 * mean
	est.M = 1 / (2.1*est.MaxIntensity - 1.9*est.MinIntensity)
	est.Sigma = 4

	for iter := 0; iter < 3; iter++ {
		est.EStep(store)
		est.MStep(store, iter+1)
	}

	if outlier.SliceWeight > 0.1 {
		t.Errorf("outlier slice weight %f, expected < 0.1", outlier.SliceWeight)
	}
	for i := 0; i < 8; i++ {
		if store.Slices[i].SliceWeight < 0.5 {
			t.Errorf("inlier slice %d collapsed to weight %f", i, store.Slices[i].SliceWeight)
		}
	}
}

// TestResidualEnergyNonIncreasing verifies the weighted residual energy
// does not grow over repeated EM passes on stationary input
func TestResidualEnergyNonIncreasing(t *testing.T) {
	var slices []*model.Slice
	for i := 0; i < 6; i++ {
		offset := float64(i)
		slices = append(slices, makeSlice(8,
			func(p int) float64 { return 50 + offset + float64(p%7) },
			func(p int) float64 { return 50 + float64(p%7) }))
	}
	store := makeStore(slices...)

	est := NewEstimator(workpool.New(2))
	est.MinIntensity = 50
	est.MaxIntensity = 62
	est.M = 1 / (2.1*est.MaxIntensity - 1.9*est.MinIntensity)
	est.Sigma = 9

	energy := func() float64 {
		var e float64
		for _, s := range store.Slices {
			for p := 0; p < s.NumPixels(); p++ {
				d := s.Corrected(p) - s.Simulated[p]
				e += s.SliceWeight * s.Weight[p] * d * d
			}
		}
		return e
	}

	est.EStep(store)
	est.MStep(store, 1)
	prev := energy()

	for iter := 2; iter <= 10; iter++ {
		est.EStep(store)
		est.MStep(store, iter)
		cur := energy()
		if cur > prev*1.01 {
			t.Fatalf("iteration %d: energy rose from %f to %f", iter, prev, cur)
		}
		prev = cur
	}
}

// TestForceExcludedStaysOut verifies a force-excluded slice keeps zero
// weight through every pass
func TestForceExcludedStaysOut(t *testing.T) {
	a := makeSlice(4, func(p int) float64 { return 30 }, func(p int) float64 { return 30 })
	b := makeSlice(4, func(p int) float64 { return 30 }, func(p int) float64 { return 30 })
	store := makeStore(a, b)
	store.ForceExclude(1)

	est := NewEstimator(workpool.New(1))
	est.MinIntensity = 0
	est.MaxIntensity = 60
	est.M = 1 / (2.1 * 60)

	for iter := 0; iter < 4; iter++ {
		est.EStep(store)
		est.MStep(store, iter+1)
		if b.SliceWeight != 0 {
			t.Fatalf("iteration %d: excluded slice regained weight %f", iter, b.SliceWeight)
		}
		if b.SlicePotential != -1 {
			t.Fatalf("iteration %d: excluded slice potential %f, expected -1", iter, b.SlicePotential)
		}
	}
}

// TestSmallSlicePotentialForced verifies small slices are treated as
// outliers via the forced potential
func TestSmallSlicePotentialForced(t *testing.T) {
	a := makeSlice(4, func(p int) float64 { return 30 }, func(p int) float64 { return 30 })
	b := makeSlice(4, func(p int) float64 { return 30 }, func(p int) float64 { return 30 })
	store := makeStore(a, b)

	est := NewEstimator(workpool.New(1))
	est.MinIntensity = 0
	est.MaxIntensity = 60
	est.M = 1 / (2.1 * 60)
	est.SmallSlices = []int{1}

	est.EStep(store)

	if b.SlicePotential != -1 {
		t.Errorf("small slice potential %f, expected -1", b.SlicePotential)
	}
	if b.SliceWeight != 0 {
		t.Errorf("small slice weight %f, expected 0", b.SliceWeight)
	}
}

// TestUnrealisticScaleExcludes verifies scales outside [0.2,5] zero the
// slice weight
func TestUnrealisticScaleExcludes(t *testing.T) {
	a := makeSlice(4, func(p int) float64 { return 30 }, func(p int) float64 { return 30 })
	b := makeSlice(4, func(p int) float64 { return 30 }, func(p int) float64 { return 30 })
	b.Scale = 7
	store := makeStore(a, b)

	est := NewEstimator(workpool.New(1))
	est.MinIntensity = 0
	est.MaxIntensity = 60
	est.M = 1 / (2.1 * 60)

	est.EStep(store)

	if b.SliceWeight != 0 {
		t.Errorf("slice with scale 7 kept weight %f", b.SliceWeight)
	}
}

// TestDegeneracyFallback verifies an all-outlier store recovers with the
// documented defaults instead of aborting
func TestDegeneracyFallback(t *testing.T) {
	a := makeSlice(4, func(p int) float64 { return 30 }, func(p int) float64 { return 30 })
	b := makeSlice(4, func(p int) float64 { return 30 }, func(p int) float64 { return 30 })
	store := makeStore(a, b)
	store.ForceExclude(0)
	store.ForceExclude(1)

	est := NewEstimator(workpool.New(1))
	est.MinIntensity = 0
	est.MaxIntensity = 60
	est.M = 1 / (2.1 * 60)

	est.EStep(store)

	if est.MixS != 0.9 {
		t.Errorf("expected mix_s fallback 0.9, got %f", est.MixS)
	}
	if len(est.Drain()) == 0 {
		t.Error("expected recorded degeneracies")
	}
	if len(est.Drain()) != 0 {
		t.Error("Drain did not clear the degeneracy log")
	}
}

// TestBiasRecoversSmoothField verifies the bias estimate tracks a smooth
// multiplicative corruption
func TestBiasRecoversSmoothField(t *testing.T) {
	n := 32
	attr := geometry.DefaultAttributes(n, n, 1, 1, 1, 1)
	s := model.NewSlice(attr, 3)

	// simulated truth is flat; acquired data carries a smooth bump
	bump := func(x, y int) float64 {
		dx := float64(x - n/2)
		dy := float64(y - n/2)
		return 1 + 0.5*math.Exp(-(dx*dx+dy*dy)/(2*64))
	}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			p := y*n + x
			s.Simulated[p] = 100
			s.Data[p] = 100 * bump(x, y)
			s.SimulatedWeight[p] = 1
		}
	}
	store := makeStore(s)

	est := NewEstimator(workpool.New(1))
	est.MinIntensity = 0
	est.MaxIntensity = 200
	est.SigmaBias = 6

	for i := 0; i < 2; i++ {
		est.Bias(store)
	}

	// exp(-B) should correlate with the inverse of the bump; compare
	// centre against corner after mean removal
	centre := math.Exp(-s.Bias[(n/2)*n+n/2])
	corner := math.Exp(-s.Bias[2*n+2])
	if centre >= corner {
		t.Errorf("bias field did not capture the bump: centre %f corner %f", centre, corner)
	}
}
