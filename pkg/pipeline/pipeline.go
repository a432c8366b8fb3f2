// Package pipeline orchestrates the reconstruction: template creation,
// masking, intensity matching, the outer motion-correction loop and the
// inner super-resolution loop, with the phase ordering the statistics
// depend on. All shared state lives on the Controller; there is no global
// mutable state anywhere in the engine.
package pipeline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/artifacts"
	"svrengine/pkg/coeffengine"
	"svrengine/pkg/config"
	"svrengine/pkg/em"
	"svrengine/pkg/intensity"
	"svrengine/pkg/quality"
	"svrengine/pkg/register"
	"svrengine/pkg/sliceset"
	"svrengine/pkg/simulate"
	"svrengine/pkg/structural"
	"svrengine/pkg/superres"
)

// Controller owns the run state and drives the iterations.
type Controller struct {
	// Stacks are the input acquisitions; poses mutate during the run
	Stacks []*sliceset.Stack

	// TemplateIndex selects the stack the template grid derives from
	TemplateIndex int

	// Store owns the slices and their coefficient matrices
	Store *sliceset.Store

	// Volume is the reconstruction; nil until CreateTemplate
	Volume *model.Volume

	// Mask gates every statistic to the region of interest
	Mask *model.Mask

	// Confidence is the last super-resolution confidence map
	Confidence *model.Volume

	// collaborators
	Pool      *workpool.Pool
	Engine    *coeffengine.Engine
	Estimator *em.Estimator
	Updater   *superres.Updater
	Driver    *register.Driver
	Excluder  *structural.Excluder
	Artifacts *artifacts.Writer

	// run options
	Iterations        int
	RecIterations     int
	Resolution        float64
	IntensityMatching bool
	Structural        bool
	PackageToVolume   bool
	Verbose           bool
	Debug             bool

	// StackFactors records intensity matching for restoration
	StackFactors intensity.StackFactors

	// internal state
	templateCreated bool
	volumeWeights   *model.Volume
	avgVolumeWeight float64
	maskIndex       *geometry.VoxelIndex
	lastMetrics     quality.Metrics
}

// NewController wires a controller from configuration, using the default
// in-process registrar unless a remote exchange directory is configured.
func NewController(cfg *config.Config) *Controller {
	pool := workpool.New(cfg.Processing.NumCores)

	engine := coeffengine.New(pool)
	engine.Deterministic = cfg.Processing.DeterministicSum
	engine.Verbose = cfg.Output.Verbose

	estimator := em.NewEstimator(pool)
	estimator.Verbose = cfg.Output.Verbose
	estimator.SigmaBias = cfg.Reconstruction.SigmaBias
	estimator.LowIntensityCutoff = cfg.Reconstruction.LowIntensityCutoff

	updater := superres.NewUpdater(pool, cfg.Reconstruction.Lambda, cfg.Reconstruction.Delta)
	if cfg.Reconstruction.Alpha > 0 {
		updater.Alpha = cfg.Reconstruction.Alpha
	}
	updater.Adaptive = cfg.Reconstruction.Adaptive
	updater.GlobalBiasCorrection = cfg.Reconstruction.GlobalBiasCorrection
	updater.SigmaBias = cfg.Reconstruction.SigmaBias
	updater.LowIntensityCutoff = cfg.Reconstruction.LowIntensityCutoff
	updater.Verbose = cfg.Output.Verbose

	driver := register.NewDriver(register.NewRegistrar(), pool)
	driver.FFD = cfg.Registration.FFD
	driver.Verbose = cfg.Output.Verbose
	if cfg.Registration.RemoteDir != "" {
		driver.Remote = register.NewRemoteExchange(cfg.Registration.RemoteDir, "svr-register")
	}

	excluder := structural.NewExcluder(pool)
	excluder.NCCThreshold = cfg.Registration.NCCThreshold
	excluder.Verbose = cfg.Output.Verbose

	c := &Controller{
		Store:             sliceset.NewStore(),
		Pool:              pool,
		Engine:            engine,
		Estimator:         estimator,
		Updater:           updater,
		Driver:            driver,
		Excluder:          excluder,
		Iterations:        cfg.Reconstruction.Iterations,
		RecIterations:     cfg.Reconstruction.RecIterations,
		Resolution:        cfg.Reconstruction.Resolution,
		IntensityMatching: cfg.Reconstruction.IntensityMatching,
		Structural:        cfg.Registration.Structural,
		Verbose:           cfg.Output.Verbose,
		Debug:             cfg.Output.Debug,
	}
	if cfg.Output.Debug {
		c.Artifacts = artifacts.NewWriter(cfg.Output.ArtifactDir)
	}
	return c
}

// CreateTemplate builds the isotropic reconstruction grid from the
// template stack's transformed bounding box at the requested resolution.
// Every geometric operation requires this to have run first.
func (c *Controller) CreateTemplate() error {
	if c.TemplateIndex < 0 || c.TemplateIndex >= len(c.Stacks) {
		return fatalf("template stack %d does not exist", c.TemplateIndex)
	}
	if c.Resolution <= 0 {
		return fatalf("target resolution must be positive, got %f", c.Resolution)
	}

	stack := c.Stacks[c.TemplateIndex]
	attr := stack.Volume.Attr

	// world bounding box of the stack corners under its pose
	min := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	max := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, cx := range []float64{-0.5, float64(attr.NX) - 0.5} {
		for _, cy := range []float64{-0.5, float64(attr.NY) - 0.5} {
			for _, cz := range []float64{-0.5, float64(attr.NZ) - 0.5} {
				w := attr.VoxelToWorld(cx, cy, cz)
				if stack.Pose != nil {
					w = stack.Pose.Apply(w)
				}
				for d, v := range []float64{w.X, w.Y, w.Z} {
					if v < min[d] {
						min[d] = v
					}
					if v > max[d] {
						max[d] = v
					}
				}
			}
		}
	}

	res := c.Resolution
	nx := int(math.Ceil((max[0] - min[0]) / res))
	ny := int(math.Ceil((max[1] - min[1]) / res))
	nz := int(math.Ceil((max[2] - min[2]) / res))
	if nx < 1 || ny < 1 || nz < 1 {
		return fatalAt(c.TemplateIndex, "template stack spans an empty region")
	}

	templAttr := geometry.Attributes{
		NX: nx, NY: ny, NZ: nz,
		DX: res, DY: res, DZ: res,
		Origin: r3.Vec{X: min[0], Y: min[1], Z: min[2]},
	}
	c.Volume = model.NewVolume(templAttr)
	c.templateCreated = true

	if c.Verbose {
		fmt.Printf("Template created: %dx%dx%d at %.2f mm\n", nx, ny, nz, res)
	}
	return nil
}

// SetMask resamples the given mask onto the template grid. Must follow
// CreateTemplate.
func (c *Controller) SetMask(mask *model.Mask) error {
	if !c.templateCreated {
		return fatalf("template must be created before setting the mask")
	}
	attr := c.Volume.Attr
	resampled := model.NewMask(attr)
	src := make([]float64, len(mask.Data))
	for i, v := range mask.Data {
		src[i] = float64(v)
	}
	for z := 0; z < attr.NZ; z++ {
		for y := 0; y < attr.NY; y++ {
			for x := 0; x < attr.NX; x++ {
				w := attr.VoxelToWorld(float64(x), float64(y), float64(z))
				mx, my, mz := mask.Attr.WorldToVoxel(w)
				v := geometry.Sample(src, &mask.Attr, mx, my, mz, geometry.Nearest, 0)
				if v > 0.5 {
					resampled.Data[attr.Index(x, y, z)] = 1
				}
			}
		}
	}
	if resampled.Count() == 0 {
		return fatalf("mask has no overlap with the template grid")
	}
	c.Mask = resampled
	c.maskIndex = geometry.NewVoxelIndex(resampled.Data, &attr)
	return nil
}

// Run executes the full reconstruction. The controller must hold stacks
// and a created template; without a mask an all-interior mask is used.
func (c *Controller) Run() error {
	if !c.templateCreated {
		return fatalf("template must be created before reconstruction")
	}
	if len(c.Stacks) == 0 {
		return fatalf("no input stacks")
	}
	if c.Mask == nil {
		// an absent mask gates nothing: build an all-interior mask
		c.Mask = model.NewMask(c.Volume.Attr)
		for i := range c.Mask.Data {
			c.Mask.Data[i] = 1
		}
		c.maskIndex = geometry.NewVoxelIndex(c.Mask.Data, &c.Volume.Attr)
	}

	// intensity matching before anything reads stack values
	if c.IntensityMatching {
		factors, err := intensity.MatchStackIntensities(c.Stacks, c.Mask, false, c.Verbose)
		if err != nil {
			return fatalAt(firstFailingStack(err), "intensity matching: %v", err)
		}
		c.StackFactors = factors
	}

	// global stack-to-template alignment
	if c.Verbose {
		fmt.Println("Registering stacks to template...")
	}
	templateStack := c.Stacks[c.TemplateIndex].Volume
	if err := c.Driver.StackRegistrations(c.Stacks, templateStack, c.TemplateIndex); err != nil {
		return fatalf("stack registration: %v", err)
	}

	// flatten stacks into slices
	if err := c.Store.CreateFromStacks(c.Stacks, 0); err != nil {
		return fatalf("slice creation: %v", err)
	}
	c.Store.MaskSlices(c.Mask)
	c.Store.ResetEMValues()

	for iter := 0; iter < c.Iterations; iter++ {
		if c.Verbose {
			fmt.Printf("Iteration %d\n", iter)
		}

		if iter > 0 {
			// package-to-volume helps before per-slice motion is stable
			if c.PackageToVolume && iter == 1 {
				if err := c.Driver.PackageToVolume(c.Store, c.Stacks, c.Volume); err != nil {
					return fatalf("package registration: %v", err)
				}
			}
			if err := c.Driver.SliceToVolume(c.Store, c.Volume, iter); err != nil {
				return fatalf("slice registration: %v", err)
			}
			if c.Structural {
				c.Excluder.Run(c.Store, c.Volume, c.Mask)
			}
		}

		if err := c.iterate(iter); err != nil {
			return err
		}
	}

	// restore acquired units and match the volume to them
	if c.StackFactors != nil {
		intensity.RestoreSliceIntensities(c.Store, c.StackFactors)
		simulate.Slices(c.Store, c.Volume, c.Mask, c.Pool)
		intensity.ScaleVolume(c.Volume, c.Store)
	}

	c.MaskVolume()
	return nil
}

// iterate runs the coefficient rebuild and the inner EM/SR loop of one
// outer iteration.
func (c *Controller) iterate(iter int) error {
	result, err := c.Engine.Build(c.Store, c.Volume.Attr, c.Mask, c.maskIndex)
	if err != nil {
		return fatalf("coefficient build: %v", err)
	}
	c.volumeWeights = result.VolumeWeights
	c.avgVolumeWeight = result.AverageVolumeWeight

	if iter == 0 {
		small := coeffengine.GaussianReconstruct(c.Store, c.Volume, c.volumeWeights, c.Verbose)
		c.Estimator.SmallSlices = small
		simulate.Slices(c.Store, c.Volume, c.Mask, c.Pool)
		c.Estimator.InitializeRobustStatistics(c.Store, c.Volume)
	}

	min, max := c.Volume.MinMax()
	c.Estimator.MinIntensity, c.Estimator.MaxIntensity = min, max
	c.Updater.MinIntensity, c.Updater.MaxIntensity = min, max

	for rec := 0; rec < c.RecIterations; rec++ {
		simulate.Slices(c.Store, c.Volume, c.Mask, c.Pool)

		if rec > 0 {
			c.Estimator.Bias(c.Store)
			c.Estimator.Scale(c.Store)
		}
		c.Estimator.EStep(c.Store)
		c.Estimator.MStep(c.Store, rec+1)

		c.Confidence = c.Updater.Run(c.Store, c.Volume, c.Mask)

		for _, d := range c.Estimator.Drain() {
			if c.Verbose {
				fmt.Printf("recovered degeneracy in %s: %s\n", d.Stage, d.Message)
			}
		}
	}

	simulate.Slices(c.Store, c.Volume, c.Mask, c.Pool)
	c.lastMetrics = quality.Evaluate(c.Store, c.avgVolumeWeight)
	quality.PrintIterationReport(iter, c.lastMetrics)

	if c.Debug && c.Artifacts != nil {
		c.Artifacts.SaveSlices(c.Store, "bias", iter)
		c.Artifacts.SaveSlices(c.Store, "weight", iter)
		c.Artifacts.SaveSlices(c.Store, "simulated", iter)
		c.Artifacts.SaveVolumePreviews(c.Volume, fmt.Sprintf("recon-%d", iter))
	}
	return nil
}

// MaskVolume pads every voxel outside the mask.
func (c *Controller) MaskVolume() {
	for i := range c.Volume.Data {
		if c.Mask.Data[i] == 0 {
			c.Volume.Data[i] = model.Padding
		}
	}
}

// Metrics returns the last iteration's quality summary.
func (c *Controller) Metrics() quality.Metrics {
	return c.lastMetrics
}

// WriteSliceReport writes the per-slice CSV summary.
func (c *Controller) WriteSliceReport(path string) error {
	return quality.WriteSliceCSV(path, c.Store)
}

// firstFailingStack extracts the stack index from an intensity matching
// error; matching reports the index in its message, so default to -1.
func firstFailingStack(err error) int {
	var idx int
	if n, _ := fmt.Sscanf(err.Error(), "stack %d", &idx); n == 1 {
		return idx
	}
	return -1
}
