package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"svrengine/pkg/config"
	"svrengine/pkg/niftiio"
	"svrengine/pkg/pipeline"
	"svrengine/pkg/register"
	"svrengine/pkg/sliceset"
)

func main() {
	// Parse command line arguments
	stackList := flag.String("stacks", "", "Comma-separated list of input stack files (.nii/.nii.gz)")
	maskPath := flag.String("mask", "", "Binary mask file aligned with the template stack")
	outputPath := flag.String("output", "recon.nii.gz", "Output reconstruction filename")
	configPath := flag.String("config", "svrengine.yaml", "YAML configuration file")
	templateIndex := flag.Int("template", 0, "Index of the template stack")
	thicknessList := flag.String("thickness", "", "Comma-separated acquired slice thickness per stack in mm")
	packagesList := flag.String("packages", "", "Comma-separated package count per stack")
	orderList := flag.String("order", "", "Comma-separated slice order code per stack (1-5)")
	resolution := flag.Float64("resolution", 0, "Isotropic target resolution in mm (overrides config)")
	iterations := flag.Int("iterations", 0, "Outer iterations (overrides config)")
	reportPath := flag.String("report", "", "Optional per-slice CSV report path")
	confidencePath := flag.String("confidence", "", "Optional confidence map output path")
	dofDir := flag.String("dofs", "", "Optional directory for per-slice pose files")
	flag.Parse()

	if *stackList == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *resolution > 0 {
		cfg.Reconstruction.Resolution = *resolution
	}
	if *iterations > 0 {
		cfg.Reconstruction.Iterations = *iterations
	}

	paths := strings.Split(*stackList, ",")
	thicknesses := parseFloats(*thicknessList, len(paths))
	packages := parseInts(*packagesList, len(paths), 1)
	orders := parseInts(*orderList, len(paths), 3)

	fmt.Println("================================")
	fmt.Println("SLICE-TO-VOLUME RECONSTRUCTION")
	fmt.Println("================================")

	// Load input stacks
	stacks := make([]*sliceset.Stack, 0, len(paths))
	for k, path := range paths {
		vol, err := niftiio.LoadVolume(strings.TrimSpace(path))
		if err != nil {
			log.Fatalf("Failed to load stack %d: %v", k, err)
		}
		stack := &sliceset.Stack{
			Volume:       vol,
			Name:         filepath.Base(path),
			PackageCount: packages[k],
			OrderCode:    orders[k],
		}
		if thicknesses != nil {
			stack.Thickness = thicknesses[k]
		}
		stacks = append(stacks, stack)
		fmt.Printf("Loaded stack %d: %s (%dx%dx%d)\n", k, stack.Name,
			vol.Attr.NX, vol.Attr.NY, vol.Attr.NZ)
	}

	controller := pipeline.NewController(cfg)
	controller.Stacks = stacks
	controller.TemplateIndex = *templateIndex

	if err := controller.CreateTemplate(); err != nil {
		log.Fatalf("Template creation failed: %v", err)
	}

	if *maskPath != "" {
		mask, err := niftiio.LoadMask(*maskPath)
		if err != nil {
			log.Fatalf("Failed to load mask: %v", err)
		}
		if err := controller.SetMask(mask); err != nil {
			log.Fatalf("Mask setup failed: %v", err)
		}
	}

	fmt.Println("Starting reconstruction...")
	startTime := time.Now()
	if err := controller.Run(); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	processingTime := time.Since(startTime)

	if err := niftiio.SaveVolume(*outputPath, controller.Volume); err != nil {
		log.Fatalf("Failed to save reconstruction: %v", err)
	}
	fmt.Printf("\nReconstruction completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Output saved to: %s\n", *outputPath)

	metrics := controller.Metrics()
	fmt.Printf("\nFinal quality metrics:\n")
	fmt.Printf("Mean slice NCC: %.4f\n", metrics.MeanNCC)
	fmt.Printf("NRMSE: %.4f\n", metrics.NRMSE)
	fmt.Printf("Average volume weight: %.4f\n", metrics.AverageVolumeWeight)
	fmt.Printf("Included %d / excluded %d / outside %d slices\n",
		metrics.Included, metrics.Excluded, metrics.Outside)

	if *confidencePath != "" && controller.Confidence != nil {
		if err := niftiio.SaveVolume(*confidencePath, controller.Confidence); err != nil {
			log.Printf("Warning: failed to save confidence map: %v", err)
		}
	}
	if *reportPath != "" {
		if err := controller.WriteSliceReport(*reportPath); err != nil {
			log.Printf("Warning: failed to write slice report: %v", err)
		}
	}
	if *dofDir != "" {
		if err := register.SaveTransformations(*dofDir, controller.Store); err != nil {
			log.Printf("Warning: failed to save pose files: %v", err)
		}
	}
}

// parseFloats splits a comma list into n values; an empty list returns
// nil, a short list repeats its last value.
func parseFloats(list string, n int) []float64 {
	if list == "" {
		return nil
	}
	parts := strings.Split(list, ",")
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		idx := i
		if idx >= len(parts) {
			idx = len(parts) - 1
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[idx]), 64)
		if err != nil {
			log.Fatalf("Bad numeric list entry %q: %v", parts[idx], err)
		}
		out[i] = v
	}
	return out
}

// parseInts behaves like parseFloats with a default for the empty list.
func parseInts(list string, n, def int) []int {
	out := make([]int, n)
	if list == "" {
		for i := range out {
			out[i] = def
		}
		return out
	}
	parts := strings.Split(list, ",")
	for i := 0; i < n; i++ {
		idx := i
		if idx >= len(parts) {
			idx = len(parts) - 1
		}
		v, err := strconv.Atoi(strings.TrimSpace(parts[idx]))
		if err != nil {
			log.Fatalf("Bad integer list entry %q: %v", parts[idx], err)
		}
		out[i] = v
	}
	return out
}
