package pipeline

import (
	"math"
	"testing"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/pkg/config"
	"svrengine/pkg/register"
	"svrengine/pkg/sliceset"
)

// identityFilter keeps every pose unchanged; the synthetic scenes have no
// motion, so registration must not disturb them
type identityFilter struct{}

func (identityFilter) RigidRegister(target, source *model.Volume, init *geometry.RigidTransform) (*geometry.RigidTransform, error) {
	return init.Copy(), nil
}

func (identityFilter) FFDRegister(target, source *model.Volume, init geometry.Transform) (geometry.Transform, error) {
	return init, nil
}

// cubeStack builds a stack holding a constant-intensity cube over its
// whole grid
func cubeStack(nx, ny, nz int, thickness, value float64) *sliceset.Stack {
	attr := geometry.DefaultAttributes(nx, ny, nz, 1, 1, thickness)
	stack := &sliceset.Stack{Volume: model.NewVolume(attr), Thickness: thickness}
	for i := range stack.Volume.Data {
		stack.Volume.Data[i] = value
	}
	return stack
}

// cubeMask builds a mask covering the central region of the template
// stack's world extent
func cubeMask(n int, spacing float64) *model.Mask {
	attr := geometry.DefaultAttributes(n, n, n, spacing, spacing, spacing)
	mask := model.NewMask(attr)
	for z := 2; z < n-2; z++ {
		for y := 2; y < n-2; y++ {
			for x := 2; x < n-2; x++ {
				mask.Data[attr.Index(x, y, z)] = 1
			}
		}
	}
	return mask
}

// testConfig returns a small, deterministic configuration for the
// pipeline scenarios
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Reconstruction.Resolution = 1.5
	cfg.Reconstruction.Iterations = 2
	cfg.Reconstruction.RecIterations = 2
	cfg.Reconstruction.Lambda = 0.02
	cfg.Reconstruction.Delta = 150
	cfg.Reconstruction.IntensityMatching = false
	cfg.Processing.NumCores = 2
	cfg.Output.Verbose = false
	return cfg
}

// newTestController wires a controller with the identity registration
// stub
func newTestController(stacks []*sliceset.Stack) *Controller {
	c := NewController(testConfig())
	c.Stacks = stacks
	c.Driver = register.NewDriver(identityFilter{}, c.Pool)
	return c
}

// TestTemplateRequired verifies geometric work without a template is
// fatal
func TestTemplateRequired(t *testing.T) {
	c := newTestController([]*sliceset.Stack{cubeStack(8, 8, 4, 3, 100)})
	if err := c.Run(); err == nil {
		t.Fatal("expected a fatal error without a template")
	}

	mask := cubeMask(8, 1)
	if err := c.SetMask(mask); err == nil {
		t.Fatal("expected a fatal error setting a mask without a template")
	}
}

// TestConstantCubeReconstruction verifies a motion-free constant scene
// reconstructs to the input intensity inside the mask and padding outside
func TestConstantCubeReconstruction(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	stacks := []*sliceset.Stack{
		cubeStack(12, 12, 4, 3, 100),
		cubeStack(12, 12, 4, 3, 100),
	}
	c := newTestController(stacks)

	if err := c.CreateTemplate(); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	if err := c.SetMask(cubeMask(10, 1)); err != nil {
		t.Fatalf("SetMask failed: %v", err)
	}
	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var sum float64
	n := 0
	for i, v := range c.Volume.Data {
		if c.Mask.Data[i] == 0 {
			if v != model.Padding {
				t.Fatalf("exterior voxel %d is %f, expected padding", i, v)
			}
			continue
		}
		if v <= model.PaddingThreshold {
			// mask voxels no slice covered stay padded
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		t.Fatal("no reconstructed voxels inside the mask")
	}
	mean := sum / float64(n)
	if math.Abs(mean-100)/100 > 0.02 {
		t.Errorf("reconstructed mean %f deviates more than 2%% from 100", mean)
	}
}

// TestDeterminism verifies two identical runs produce bitwise-identical
// volumes
func TestDeterminism(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	run := func() *model.Volume {
		stacks := []*sliceset.Stack{cubeStack(10, 10, 4, 3, 100)}
		c := newTestController(stacks)
		if err := c.CreateTemplate(); err != nil {
			t.Fatalf("CreateTemplate failed: %v", err)
		}
		if err := c.SetMask(cubeMask(8, 1)); err != nil {
			t.Fatalf("SetMask failed: %v", err)
		}
		if err := c.Run(); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return c.Volume
	}

	a := run()
	b := run()
	if len(a.Data) != len(b.Data) {
		t.Fatalf("runs disagree on volume size: %d vs %d", len(a.Data), len(b.Data))
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("voxel %d differs between runs: %v vs %v", i, a.Data[i], b.Data[i])
		}
	}
}

// TestOutlierSliceSuppressed verifies an injected noise slice ends the
// run with negligible weight
func TestOutlierSliceSuppressed(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	stacks := []*sliceset.Stack{
		cubeStack(12, 12, 4, 3, 100),
		cubeStack(12, 12, 4, 3, 100),
	}
	// corrupt one plane of stack 1 with deterministic junk around ten
	// times the scene intensity; the hash keeps it uncorrelated with
	// the anatomy so neither scale nor bias can explain it away
	attr := stacks[1].Volume.Attr
	for y := 0; y < attr.NY; y++ {
		for x := 0; x < attr.NX; x++ {
			noise := float64((x*37+y*17)%13) / 13
			stacks[1].Volume.Data[attr.Index(x, y, 2)] = 500 + 1000*noise
		}
	}

	c := newTestController(stacks)
	c.Iterations = 1
	c.RecIterations = 3
	if err := c.CreateTemplate(); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	if err := c.SetMask(cubeMask(10, 1)); err != nil {
		t.Fatalf("SetMask failed: %v", err)
	}
	if err := c.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	lo, _ := c.Store.StackRange(1)
	outlier := c.Store.Slices[lo+2]
	if outlier.SliceWeight > 0.1 {
		t.Errorf("outlier slice weight %f, expected < 0.1", outlier.SliceWeight)
	}
	for i, s := range c.Store.Slices {
		if s == outlier || !s.Inside {
			continue
		}
		// the clean slice sharing the corrupted plane sees the polluted
		// initialization and may need more iterations to recover
		if s.AcquiredZ == outlier.AcquiredZ {
			continue
		}
		if s.SliceWeight < 0.5 {
			t.Errorf("clean slice %d collapsed to weight %f", i, s.SliceWeight)
		}
	}
}
