// Package simulate forward-projects the current reconstruction through the
// coefficient matrix, producing for every slice the simulated acquisition,
// its PSF coverage map and an inside-ROI indicator. The EM estimator
// compares these against the acquired data.
package simulate

import (
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/sliceset"
)

// coverageThreshold is the minimum coverage sum for a simulated pixel to
// carry a value; below it the pixel stays zero and is skipped downstream.
const coverageThreshold = 0.98

// Slices regenerates the simulation buffers of every slice from the
// volume. Each slice writes only its own buffers, so the loop is fully
// parallel.
func Slices(store *sliceset.Store, volume *model.Volume, mask *model.Mask, pool *workpool.Pool) {
	attr := volume.Attr
	pool.Run(store.Len(), func(i int) {
		s := store.Slices[i]
		coeffs := store.Coeffs[i]

		for p := 0; p < s.NumPixels(); p++ {
			s.Simulated[p] = 0
			s.SimulatedWeight[p] = 0
			s.SimulatedInside[p] = 0

			if !s.Valid(p) {
				continue
			}
			var sum, weight float64
			for _, c := range coeffs.Pixel(p) {
				idx := attr.Index(c.X, c.Y, c.Z)
				sum += c.Value * volume.Data[idx]
				weight += c.Value
				if mask != nil && mask.Data[idx] != 0 {
					s.SimulatedInside[p] = 1
				}
			}
			s.SimulatedWeight[p] = weight
			if weight > coverageThreshold {
				s.Simulated[p] = sum / weight
			}
		}
	})
}

// Stacks assembles per-stack volumes of the simulated slices in the
// stacks' original geometry, for quality reporting against the inputs.
// Pixels no slice covered keep the padding value.
func Stacks(store *sliceset.Store, stacks []*model.Volume) {
	for k := range stacks {
		for i := range stacks[k].Data {
			stacks[k].Data[i] = model.Padding
		}
	}
	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		k := s.StackIndex
		if k >= len(stacks) {
			continue
		}
		attr := stacks[k].Attr
		z := s.AcquiredZ
		for y := 0; y < s.Attr.NY; y++ {
			for x := 0; x < s.Attr.NX; x++ {
				p := y*s.Attr.NX + x
				if s.SimulatedWeight[p] > coverageThreshold {
					stacks[k].Data[attr.Index(x, y, z)] = s.Simulated[p]
				}
			}
		}
	}
}
