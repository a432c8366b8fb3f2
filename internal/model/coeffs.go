package model

// VoxelCoeff maps one slice pixel onto one volume voxel with a
// point-spread weight. Voxel coordinates are plain integers into the
// volume grid, never references.
type VoxelCoeff struct {
	X, Y, Z int
	Value   float64
}

// SliceCoeffs is the per-slice sparse coefficient matrix in a compressed
// row layout: Offsets has one entry per pixel plus one, and
// Entries[Offsets[p]:Offsets[p+1]] are pixel p's coefficients. The layout
// keeps the super-resolution gather cache friendly instead of chasing
// nested slices.
type SliceCoeffs struct {
	Offsets []int32
	Entries []VoxelCoeff
}

// NewSliceCoeffs returns an empty coefficient set for a plane with the
// given pixel count.
func NewSliceCoeffs(numPixels int) *SliceCoeffs {
	return &SliceCoeffs{
		Offsets: make([]int32, numPixels+1),
	}
}

// Pixel returns the coefficient run for pixel p.
func (c *SliceCoeffs) Pixel(p int) []VoxelCoeff {
	return c.Entries[c.Offsets[p]:c.Offsets[p+1]]
}

// NumPixels returns the number of pixels the matrix covers.
func (c *SliceCoeffs) NumPixels() int {
	return len(c.Offsets) - 1
}

// NNZ returns the number of stored coefficients.
func (c *SliceCoeffs) NNZ() int {
	return len(c.Entries)
}

// CoeffBuilder accumulates one pixel at a time in order; Finish seals the
// offsets. Build order must match pixel order.
type CoeffBuilder struct {
	coeffs *SliceCoeffs
	pixel  int
}

// NewCoeffBuilder starts building a coefficient set for numPixels pixels.
func NewCoeffBuilder(numPixels int) *CoeffBuilder {
	return &CoeffBuilder{coeffs: NewSliceCoeffs(numPixels)}
}

// Append adds the coefficients of the next pixel. Empty runs are allowed.
func (b *CoeffBuilder) Append(entries []VoxelCoeff) {
	b.coeffs.Entries = append(b.coeffs.Entries, entries...)
	b.pixel++
	b.coeffs.Offsets[b.pixel] = int32(len(b.coeffs.Entries))
}

// Finish pads any remaining pixels with empty runs and returns the sealed
// coefficient set.
func (b *CoeffBuilder) Finish() *SliceCoeffs {
	for b.pixel < b.coeffs.NumPixels() {
		b.pixel++
		b.coeffs.Offsets[b.pixel] = int32(len(b.coeffs.Entries))
	}
	return b.coeffs
}
