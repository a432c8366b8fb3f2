package superres

import (
	"math"
	"testing"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/coeffengine"
	"svrengine/pkg/simulate"
	"svrengine/pkg/sliceset"
)

// srSetup builds a store with coefficients against a volume holding a
// constant field
func srSetup(t *testing.T, value float64) (*sliceset.Store, *model.Volume, *model.Mask, *workpool.Pool) {
	t.Helper()

	stackAttr := geometry.DefaultAttributes(8, 8, 4, 1, 1, 3)
	stack := &sliceset.Stack{Volume: model.NewVolume(stackAttr), Thickness: 3}
	for i := range stack.Volume.Data {
		stack.Volume.Data[i] = value
	}

	store := sliceset.NewStore()
	if err := store.CreateFromStacks([]*sliceset.Stack{stack}, 0); err != nil {
		t.Fatalf("CreateFromStacks failed: %v", err)
	}

	reconAttr := geometry.DefaultAttributes(16, 16, 20, 1, 1, 1)
	mask := model.NewMask(reconAttr)
	for i := range mask.Data {
		mask.Data[i] = 1
	}

	pool := workpool.New(2)
	engine := coeffengine.New(pool)
	if _, err := engine.Build(store, reconAttr, mask, nil); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	volume := model.NewVolume(reconAttr)
	for i := range volume.Data {
		volume.Data[i] = value
	}
	return store, volume, mask, pool
}

// TestClampContract verifies the update never leaves the bounded
// intensity range
func TestClampContract(t *testing.T) {
	store, volume, mask, pool := srSetup(t, 100)
	simulate.Slices(store, volume, mask, pool)

	// exaggerate the residual so the raw step would overshoot
	for _, s := range store.Slices {
		s.Scale = 3
	}

	u := NewUpdater(pool, 0.02, 150)
	u.MinIntensity = 100
	u.MaxIntensity = 100
	u.Run(store, volume, mask)

	lo, hi := 0.9*100.0, 1.1*100.0
	for i, v := range volume.Data {
		if v < lo-1e-9 || v > hi+1e-9 {
			t.Fatalf("voxel %d left the clamp range: %f", i, v)
		}
	}
}

// TestExcludedSliceContributesNothing verifies a zero-weight slice leaves
// the volume untouched
func TestExcludedSliceContributesNothing(t *testing.T) {
	store, volume, mask, pool := srSetup(t, 100)
	simulate.Slices(store, volume, mask, pool)

	// perfect agreement everywhere except slice 1, which is excluded
	s := store.Slices[1]
	for p := range s.Data {
		if s.Valid(p) {
			s.Data[p] *= 5
		}
	}
	s.SliceWeight = 0
	s.ForceExcluded = true

	u := NewUpdater(pool, 0.02, 150)
	u.MinIntensity = 100
	u.MaxIntensity = 100
	before := volume.Copy()
	u.Run(store, volume, mask)

	for i := range volume.Data {
		if math.Abs(volume.Data[i]-before.Data[i]) > 1e-9 {
			t.Fatalf("voxel %d moved by %e despite only an excluded slice disagreeing",
				i, volume.Data[i]-before.Data[i])
		}
	}
}

// TestRegularizationSmoothsNoise verifies the adaptive prior reduces
// high-frequency noise in flat regions
func TestRegularizationSmoothsNoise(t *testing.T) {
	attr := geometry.DefaultAttributes(12, 12, 12, 1, 1, 1)
	original := model.NewVolume(attr)
	for i := range original.Data {
		original.Data[i] = 50
	}

	noisy := original.Copy()
	for i := range noisy.Data {
		if i%2 == 0 {
			noisy.Data[i] += 4
		} else {
			noisy.Data[i] -= 4
		}
	}

	confidence := model.NewVolume(attr)
	for i := range confidence.Data {
		confidence.Data[i] = 1
	}

	pool := workpool.New(2)
	u := NewUpdater(pool, 0.1, 10)

	variance := func(v *model.Volume) float64 {
		var mean float64
		for _, x := range v.Data {
			mean += x
		}
		mean /= float64(len(v.Data))
		var acc float64
		for _, x := range v.Data {
			acc += (x - mean) * (x - mean)
		}
		return acc / float64(len(v.Data))
	}

	before := variance(noisy)
	u.AdaptiveRegularization(noisy, original, confidence)
	after := variance(noisy)

	if after >= before {
		t.Errorf("regularization did not reduce variance: %f -> %f", before, after)
	}
}

// TestRegularizationPreservesConstant verifies a flat volume is a fixed
// point of the regularizer
func TestRegularizationPreservesConstant(t *testing.T) {
	attr := geometry.DefaultAttributes(10, 10, 10, 1, 1, 1)
	flat := model.NewVolume(attr)
	for i := range flat.Data {
		flat.Data[i] = 25
	}
	confidence := model.NewVolume(attr)
	for i := range confidence.Data {
		confidence.Data[i] = 1
	}

	pool := workpool.New(1)
	u := NewUpdater(pool, 0.1, 1)
	u.AdaptiveRegularization(flat, flat.Copy(), confidence)

	for i, v := range flat.Data {
		if math.Abs(v-25) > 1e-9 {
			t.Fatalf("voxel %d drifted to %f", i, v)
		}
	}
}

// TestNonAdaptiveNormalization verifies the non-adaptive path divides the
// addon by the confidence and resets it to one
func TestNonAdaptiveNormalization(t *testing.T) {
	store, volume, mask, pool := srSetup(t, 100)
	simulate.Slices(store, volume, mask, pool)

	u := NewUpdater(pool, 0.02, 150)
	u.Adaptive = false
	u.MinIntensity = 50
	u.MaxIntensity = 400
	confidence := u.Run(store, volume, mask)

	for i, v := range confidence.Data {
		if v != 0 && v != 1 {
			t.Fatalf("confidence voxel %d is %f, expected 0 or 1", i, v)
		}
	}
}
