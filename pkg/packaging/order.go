// Package packaging reproduces the scanner's slice acquisition bookkeeping:
// the deterministic acquisition-order permutation for each supported
// ordering scheme, and the grouping of slices into synthetic packages for
// package-to-volume registration.
package packaging

import (
	"fmt"
	"math"
)

// Ordering scheme codes carried per stack.
const (
	OrderAscending   = 1
	OrderDescending  = 2
	OrderInterleaved = 3
	OrderPowerOfTwo  = 4
	OrderCustom      = 5
)

// AcquisitionOrder computes the acquisition permutation of a stack with nz
// slices split into the given number of packages.
//
// The returned zOrder lists slice z positions in the order they were
// excited; tOrder is the inverse permutation (acquisition time of each z
// position). step and rewinder only apply to OrderCustom; OrderPowerOfTwo
// derives its step from the square root of the per-package slice count.
func AcquisitionOrder(nz, packages, order, step, rewinder int) (zOrder, tOrder []int, err error) {
	if nz <= 0 {
		return nil, nil, fmt.Errorf("acquisition order: stack has %d slices", nz)
	}
	if packages <= 0 || packages > nz {
		return nil, nil, fmt.Errorf("acquisition order: %d packages for %d slices", packages, nz)
	}

	zOrder = make([]int, 0, nz)
	slicesPerPackage := nz / packages

	switch order {
	case OrderAscending, OrderDescending:
		zOrder = ascendingOrder(nz, packages, order == OrderDescending)

	case OrderInterleaved:
		// Default interleave: packages in acquisition order, slices
		// ascending within each package.
		for p := 0; p < packages; p++ {
			for z := p; z < nz; z += packages {
				zOrder = append(zOrder, z)
			}
		}

	case OrderPowerOfTwo, OrderCustom:
		stepFactor := step
		rewinderFactor := rewinder
		if order == OrderPowerOfTwo {
			rewinderFactor = 1
		}
		for p := 0; p < packages; p++ {
			var fake []int
			for s := 0; s < slicesPerPackage; s++ {
				fake = append(fake, s*packages+p)
			}
			// tail slices of larger packages
			if tail := slicesPerPackage*packages + p; tail < nz {
				fake = append(fake, tail)
			}
			if order == OrderPowerOfTwo {
				stepFactor = int(math.Round(math.Sqrt(float64(len(fake)))))
			}
			if stepFactor < 1 {
				stepFactor = 1
			}
			zOrder = append(zOrder, shuffle(fake, stepFactor, rewinderFactor)...)
		}

	default:
		return nil, nil, fmt.Errorf("acquisition order: unknown order code %d", order)
	}

	tOrder = make([]int, nz)
	for t, z := range zOrder {
		tOrder[z] = t
	}
	return zOrder, tOrder, nil
}

// ascendingOrder walks slice positions package by package, stepping by the
// package count; descending runs the same walk from the far end.
func ascendingOrder(nz, packages int, descending bool) []int {
	zOrder := make([]int, 0, nz)
	pos := 0
	p := 0
	if descending {
		pos = nz - 1
	}
	for len(zOrder) < nz {
		zOrder = append(zOrder, pos)
		if !descending {
			pos += packages
			if pos >= nz {
				p++
				pos = p
			}
		} else {
			pos -= packages
			if pos < 0 {
				p++
				pos = nz - 1 - p
			}
		}
	}
	return zOrder
}

// shuffle visits the ascending package positions with the given step,
// restarting from an advancing rewinder offset whenever the index runs off
// the end, and returns the visited order.
func shuffle(fake []int, step, rewinder int) []int {
	out := make([]int, 0, len(fake))
	index, restart := 0, 0
	for i := 0; i < len(fake); i++ {
		if index >= len(fake) {
			restart += rewinder
			index = restart % len(fake)
		}
		out = append(out, fake[index])
		index += step
	}
	return out
}
