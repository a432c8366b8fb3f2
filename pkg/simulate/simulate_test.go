package simulate

import (
	"math"
	"testing"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/coeffengine"
	"svrengine/pkg/sliceset"
)

// simTestSetup builds a store, coefficient matrix and a ramp volume for
// the simulation tests
func simTestSetup(t *testing.T) (*sliceset.Store, *model.Volume, *model.Mask, *workpool.Pool) {
	t.Helper()

	stackAttr := geometry.DefaultAttributes(8, 8, 4, 1, 1, 3)
	stack := &sliceset.Stack{Volume: model.NewVolume(stackAttr), Thickness: 3}
	for i := range stack.Volume.Data {
		stack.Volume.Data[i] = 50
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
	for z := 0; z < reconAttr.NZ; z++ {
		for y := 0; y < reconAttr.NY; y++ {
			for x := 0; x < reconAttr.NX; x++ {
				volume.Data[reconAttr.Index(x, y, z)] = 10 + float64(x+y+z)
			}
		}
	}
	return store, volume, mask, pool
}

// TestSimulationLinearity verifies scaling the volume by a constant
// scales every covered simulated pixel by the same constant
func TestSimulationLinearity(t *testing.T) {
	store, volume, mask, pool := simTestSetup(t)

	Slices(store, volume, mask, pool)
	base := make([][]float64, store.Len())
	for i := 0; i < store.Len(); i++ {
		base[i] = append([]float64(nil), store.Slices[i].Simulated...)
	}

	const c = 2.5
	scaled := volume.Copy()
	for i := range scaled.Data {
		scaled.Data[i] *= c
	}
	Slices(store, scaled, mask, pool)

	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		for p := 0; p < s.NumPixels(); p++ {
			if s.SimulatedWeight[p] <= 0.98 {
				continue
			}
			if math.Abs(s.Simulated[p]-c*base[i][p]) > 1e-6*math.Abs(c*base[i][p])+1e-9 {
				t.Fatalf("slice %d pixel %d: %f != %f * %f",
					i, p, s.Simulated[p], c, base[i][p])
			}
		}
	}
}

// TestSimulationSkipsPadding verifies padded pixels are never simulated
func TestSimulationSkipsPadding(t *testing.T) {
	store, volume, mask, pool := simTestSetup(t)

	s := store.Slices[1]
	s.Data[5] = model.Padding
	Slices(store, volume, mask, pool)

	if s.Simulated[5] != 0 || s.SimulatedWeight[5] != 0 {
		t.Errorf("padded pixel was simulated: value %f weight %f",
			s.Simulated[5], s.SimulatedWeight[5])
	}
}

// TestSimulationInsideMask verifies the inside indicator follows the mask
func TestSimulationInsideMask(t *testing.T) {
	store, volume, mask, pool := simTestSetup(t)

	// empty the mask; no pixel may be flagged inside
	for i := range mask.Data {
		mask.Data[i] = 0
	}
	Slices(store, volume, mask, pool)

	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		for p := range s.SimulatedInside {
			if s.SimulatedInside[p] != 0 {
				t.Fatalf("slice %d pixel %d flagged inside an empty mask", i, p)
			}
		}
	}
}
