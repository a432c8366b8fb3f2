package packaging

import (
	"fmt"

	"svrengine/pkg/sliceset"
)

// PackageGroup is one synthetic package: the indices (into the slice
// store) of every slice the package contains, in acquisition order.
type PackageGroup struct {
	// StackIndex identifies the originating stack
	StackIndex int

	// PackageIndex is the effective package number after multiband
	// grouping
	PackageIndex int

	// SliceIndices are store indices of the member slices
	SliceIndices []int
}

// AssignPackages computes each slice's package index from its stack's
// ordering parameters and groups slices into synthetic packages. A
// multiband factor m folds packages excited simultaneously into one group,
// so a stack with p declared packages yields p/m synthetic packages.
func AssignPackages(store *sliceset.Store, stacks []*sliceset.Stack) ([]PackageGroup, error) {
	var groups []PackageGroup

	for k, stack := range stacks {
		lo, hi := store.StackRange(k)
		nz := hi - lo
		packages := stack.PackageCount
		if packages <= 0 {
			packages = 1
		}
		if packages > nz {
			packages = nz
		}

		_, tOrder, err := AcquisitionOrder(nz, packages, normalizeOrder(stack.OrderCode), stack.Step, stack.Rewinder)
		if err != nil {
			return nil, fmt.Errorf("stack %d: %w", k, err)
		}

		effective := packages
		if stack.MultibandFactor > 1 {
			effective = packages / stack.MultibandFactor
			if effective < 1 {
				effective = 1
			}
		}

		slicesPerPackage := nz / packages
		if slicesPerPackage < 1 {
			slicesPerPackage = 1
		}

		stackGroups := make([]PackageGroup, effective)
		for g := range stackGroups {
			stackGroups[g] = PackageGroup{StackIndex: k, PackageIndex: g}
		}

		for z := 0; z < nz; z++ {
			declared := tOrder[z] / slicesPerPackage
			if declared >= packages {
				declared = packages - 1
			}
			g := declared % effective
			store.Slices[lo+z].PackageIndex = g
			stackGroups[g].SliceIndices = append(stackGroups[g].SliceIndices, lo+z)
		}

		groups = append(groups, stackGroups...)
	}
	return groups, nil
}

func normalizeOrder(code int) int {
	if code < OrderAscending || code > OrderCustom {
		return OrderInterleaved
	}
	return code
}
