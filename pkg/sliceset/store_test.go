package sliceset

import (
	"testing"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
)

// makeStack builds a constant stack for store tests
func makeStack(nx, ny, nz int, value float64) *Stack {
	attr := geometry.DefaultAttributes(nx, ny, nz, 1, 1, 3)
	stack := &Stack{Volume: model.NewVolume(attr), Thickness: 3}
	for i := range stack.Volume.Data {
		stack.Volume.Data[i] = value
	}
	return stack
}

// TestCreateFromStacks verifies slices are created in stack order with
// the right geometry and metadata
func TestCreateFromStacks(t *testing.T) {
	store := NewStore()
	stacks := []*Stack{makeStack(6, 5, 4, 80), makeStack(6, 5, 3, 90)}

	if err := store.CreateFromStacks(stacks, 0); err != nil {
		t.Fatalf("CreateFromStacks failed: %v", err)
	}

	if store.Len() != 7 {
		t.Fatalf("expected 7 slices, got %d", store.Len())
	}
	if store.NumStacks() != 2 {
		t.Fatalf("expected 2 stacks, got %d", store.NumStacks())
	}

	lo, hi := store.StackRange(0)
	if lo != 0 || hi != 4 {
		t.Errorf("stack 0 range (%d,%d), expected (0,4)", lo, hi)
	}
	lo, hi = store.StackRange(1)
	if lo != 4 || hi != 7 {
		t.Errorf("stack 1 range (%d,%d), expected (4,7)", lo, hi)
	}

	for i, s := range store.Slices {
		if s.Attr.NZ != 1 {
			t.Fatalf("slice %d is not a plane", i)
		}
		if s.Thickness != 3 {
			t.Errorf("slice %d thickness %f", i, s.Thickness)
		}
		if s.Scale != 1 || s.SliceWeight != 1 || s.RegGate != 1 {
			t.Errorf("slice %d has non-neutral initial state", i)
		}
	}
	if store.Slices[5].StackIndex != 1 || store.Slices[5].AcquiredZ != 1 {
		t.Errorf("slice 5 metadata wrong: stack %d z %d",
			store.Slices[5].StackIndex, store.Slices[5].AcquiredZ)
	}
}

// TestZeroSliceFlag verifies all-zero planes are flagged at creation
func TestZeroSliceFlag(t *testing.T) {
	stack := makeStack(4, 4, 2, 50)
	attr := stack.Volume.Attr
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			stack.Volume.Data[attr.Index(x, y, 1)] = 0
		}
	}

	store := NewStore()
	if err := store.CreateFromStacks([]*Stack{stack}, 0); err != nil {
		t.Fatalf("CreateFromStacks failed: %v", err)
	}
	if store.Slices[0].ZeroSlice {
		t.Error("slice 0 wrongly flagged zero")
	}
	if !store.Slices[1].ZeroSlice {
		t.Error("slice 1 should be flagged zero")
	}
}

// TestForceExcludeMonotonic verifies exclusions persist through EM resets
func TestForceExcludeMonotonic(t *testing.T) {
	store := NewStore()
	if err := store.CreateFromStacks([]*Stack{makeStack(4, 4, 3, 50)}, 0); err != nil {
		t.Fatalf("CreateFromStacks failed: %v", err)
	}

	store.ForceExclude(1)
	if !store.Slices[1].ForceExcluded || store.Slices[1].SliceWeight != 0 {
		t.Fatal("exclusion did not take effect")
	}

	store.ResetEMValues()
	if !store.Slices[1].ForceExcluded {
		t.Error("reset cleared the exclusion flag")
	}
	if store.Slices[1].SliceWeight != 0 {
		t.Error("reset restored weight to an excluded slice")
	}
	if store.Slices[0].SliceWeight != 1 {
		t.Error("reset should restore weight on included slices")
	}

	got := store.ForceExcluded()
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("ForceExcluded() = %v, expected [1]", got)
	}
}

// TestMaskSlices verifies pixels falling outside the mask are padded
func TestMaskSlices(t *testing.T) {
	store := NewStore()
	if err := store.CreateFromStacks([]*Stack{makeStack(4, 4, 2, 50)}, 0); err != nil {
		t.Fatalf("CreateFromStacks failed: %v", err)
	}

	// empty mask pads everything
	maskAttr := geometry.DefaultAttributes(4, 4, 8, 1, 1, 1)
	mask := model.NewMask(maskAttr)
	store.MaskSlices(mask)

	for i, s := range store.Slices {
		for p := range s.Data {
			if s.Data[p] != model.Padding {
				t.Fatalf("slice %d pixel %d survived an empty mask: %f", i, p, s.Data[p])
			}
		}
	}
}
