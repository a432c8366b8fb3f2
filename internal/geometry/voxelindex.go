package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// VoxelIndex is a KD-tree over the world positions of mask-interior voxels.
// The coefficient engine uses it to answer "how far is this transformed PSF
// sample from the region of interest" without scanning the whole mask.
type VoxelIndex struct {
	tree *kdtree.Tree
	n    int
}

// maskPoint is a world position that satisfies kdtree.Comparable.
type maskPoint struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface
func (p maskPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(maskPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p maskPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p maskPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(maskPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// maskPoints is a collection of maskPoint that satisfies kdtree.Interface
type maskPoints []maskPoint

func (p maskPoints) Index(i int) kdtree.Comparable       { return p[i] }
func (p maskPoints) Len() int                            { return len(p) }
func (p maskPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p maskPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(maskPlane{maskPoints: p, Dim: d}, kdtree.MedianOfRandoms(maskPlane{maskPoints: p, Dim: d}, 100))
}

// maskPlane implements sort.Interface and kdtree.SortSlicer for maskPoints
type maskPlane struct {
	maskPoints
	kdtree.Dim
}

func (p maskPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.maskPoints[i].X < p.maskPoints[j].X
	case 1:
		return p.maskPoints[i].Y < p.maskPoints[j].Y
	case 2:
		return p.maskPoints[i].Z < p.maskPoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p maskPlane) Slice(start, end int) kdtree.SortSlicer {
	return maskPlane{maskPoints: p.maskPoints[start:end], Dim: p.Dim}
}

func (p maskPlane) Swap(i, j int) {
	p.maskPoints[i], p.maskPoints[j] = p.maskPoints[j], p.maskPoints[i]
}

// NewVoxelIndex builds the index from a binary mask laid out per attr.
// Returns an empty index when the mask has no interior voxels.
func NewVoxelIndex(mask []uint8, attr *Attributes) *VoxelIndex {
	var pts maskPoints
	for z := 0; z < attr.NZ; z++ {
		for y := 0; y < attr.NY; y++ {
			for x := 0; x < attr.NX; x++ {
				if mask[attr.Index(x, y, z)] == 0 {
					continue
				}
				w := attr.VoxelToWorld(float64(x), float64(y), float64(z))
				pts = append(pts, maskPoint{w.X, w.Y, w.Z})
			}
		}
	}
	if len(pts) == 0 {
		return &VoxelIndex{}
	}
	return &VoxelIndex{tree: kdtree.New(pts, true), n: len(pts)}
}

// Len returns the number of indexed mask voxels.
func (v *VoxelIndex) Len() int { return v.n }

// NearestDistance returns the Euclidean distance in mm from the world point
// to the closest mask-interior voxel, or +Inf for an empty index.
func (v *VoxelIndex) NearestDistance(p r3.Vec) float64 {
	if v.tree == nil {
		return math.Inf(1)
	}
	_, d := v.tree.Nearest(maskPoint{p.X, p.Y, p.Z})
	// tree distances are squared
	if d < 0 {
		return math.Inf(1)
	}
	return math.Sqrt(d)
}

// WithinRadius reports whether any mask voxel lies within radius mm of the
// world point.
func (v *VoxelIndex) WithinRadius(p r3.Vec, radius float64) bool {
	return v.NearestDistance(p) <= radius
}
