package register

import (
	"fmt"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/internal/workpool"
	"svrengine/pkg/packaging"
	"svrengine/pkg/sliceset"
)

// Driver schedules registrations against the current reconstruction.
type Driver struct {
	// Filter performs the actual optimization
	Filter Capability

	// Pool parallelizes independent registrations
	Pool *workpool.Pool

	// FFD selects free-form instead of rigid per-slice motion
	FFD bool

	// Remote, when non-nil, shuttles slice-to-volume registrations
	// through the on-disk exchange protocol instead of Filter
	Remote *RemoteExchange

	// Verbose enables progress logging
	Verbose bool
}

// NewDriver returns a driver using the given capability.
func NewDriver(filter Capability, pool *workpool.Pool) *Driver {
	return &Driver{Filter: filter, Pool: pool}
}

// StackRegistrations aligns every stack rigidly to the given template,
// starting from the stack's current pose. Stacks are independent and run
// in parallel. The template stack itself keeps its pose.
func (d *Driver) StackRegistrations(stacks []*sliceset.Stack, template *model.Volume, templateIndex int) error {
	errs := make([]error, len(stacks))
	d.Pool.Run(len(stacks), func(k int) {
		if k == templateIndex {
			return
		}
		init := stacks[k].Pose
		if init == nil {
			init = geometry.NewRigidTransform()
		}
		pose, err := d.Filter.RigidRegister(template, stacks[k].Volume, init)
		if err != nil {
			errs[k] = fmt.Errorf("stack %d registration: %w", k, err)
			return
		}
		stacks[k].Pose = pose
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// SliceToVolume registers every eligible slice to the current
// reconstruction, rigid or free-form according to the driver mode. In
// remote mode the batch goes through the exchange directory instead.
func (d *Driver) SliceToVolume(store *sliceset.Store, volume *model.Volume, iter int) error {
	if d.Remote != nil {
		return d.Remote.Run(store, volume, iter, d.FFD)
	}

	errs := make([]error, store.Len())
	d.Pool.Run(store.Len(), func(i int) {
		s := store.Slices[i]
		if s.ForceExcluded || s.ZeroSlice {
			return
		}
		src := sliceAsVolume(s)

		if d.FFD {
			pose, err := d.Filter.FFDRegister(volume, src, s.Pose)
			if err != nil {
				errs[i] = fmt.Errorf("slice %d ffd registration: %w", i, err)
				return
			}
			s.Pose = pose
			return
		}

		rigid, ok := s.Pose.(*geometry.RigidTransform)
		if !ok {
			errs[i] = fmt.Errorf("slice %d: rigid registration requested for %T pose", i, s.Pose)
			return
		}
		pose, err := d.Filter.RigidRegister(volume, src, rigid)
		if err != nil {
			errs[i] = fmt.Errorf("slice %d registration: %w", i, err)
			return
		}
		s.Pose = pose
		// a re-registered slice regains its structural gate until the
		// next exclusion pass
		s.RegGate = 1
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// PackageToVolume splits the stacks into synthetic packages, registers
// each package to the reconstruction and broadcasts the refined pose to
// every slice the package contains.
func (d *Driver) PackageToVolume(store *sliceset.Store, stacks []*sliceset.Stack, volume *model.Volume) error {
	groups, err := packaging.AssignPackages(store, stacks)
	if err != nil {
		return err
	}

	errs := make([]error, len(groups))
	d.Pool.Run(len(groups), func(g int) {
		group := groups[g]
		if len(group.SliceIndices) == 0 {
			return
		}
		pkg := packageVolume(store, group)

		// initial guess from the first member slice's pose
		var init *geometry.RigidTransform
		if rigid, ok := store.Slices[group.SliceIndices[0]].Pose.(*geometry.RigidTransform); ok {
			init = rigid
		} else {
			init = geometry.NewRigidTransform()
		}

		pose, err := d.Filter.RigidRegister(volume, pkg, init)
		if err != nil {
			errs[g] = fmt.Errorf("package %d of stack %d: %w", group.PackageIndex, group.StackIndex, err)
			return
		}
		for _, i := range group.SliceIndices {
			store.Slices[i].Pose = pose.Copy()
		}
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// sliceAsVolume views a slice plane as a one-slice volume for the
// capability interface.
func sliceAsVolume(s *model.Slice) *model.Volume {
	return &model.Volume{Data: s.Data, Attr: s.Attr}
}

// packageVolume stacks a package's slices into a synthetic volume in the
// acquisition grid of its stack, padding the planes other packages own.
func packageVolume(store *sliceset.Store, group packaging.PackageGroup) *model.Volume {
	first := store.Slices[group.SliceIndices[0]]
	lo, hi := store.StackRange(group.StackIndex)

	attr := first.Attr
	attr.NZ = hi - lo
	attr.Origin = store.Slices[lo].Attr.Origin

	vol := model.NewVolume(attr)
	for i := range vol.Data {
		vol.Data[i] = model.Padding
	}
	for _, i := range group.SliceIndices {
		s := store.Slices[i]
		z := s.AcquiredZ
		for y := 0; y < s.Attr.NY; y++ {
			for x := 0; x < s.Attr.NX; x++ {
				vol.Data[attr.Index(x, y, z)] = s.Data[y*s.Attr.NX+x]
			}
		}
	}
	return vol
}
