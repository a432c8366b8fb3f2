package coeffengine

import (
	"fmt"
	"sort"

	"svrengine/internal/model"
	"svrengine/pkg/sliceset"
)

// GaussianReconstruct initializes the volume by distributing every
// bias- and scale-corrected slice pixel through the coefficient matrix and
// dividing by the accumulated weight map. It returns the indices of
// "small" slices, those whose covered pixel count falls below a tenth of
// the median, which the EM step treats as outliers from then on.
func GaussianReconstruct(store *sliceset.Store, volume *model.Volume, weights *model.Volume, verbose bool) []int {
	for i := range volume.Data {
		volume.Data[i] = 0
	}

	voxelNum := make([]int, 0, store.Len())

	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		if s.ForceExcluded {
			continue
		}
		coeffs := store.Coeffs[i]
		sliceVoxNum := 0

		for p := 0; p < s.NumPixels(); p++ {
			if !s.Valid(p) {
				continue
			}
			run := coeffs.Pixel(p)
			if len(run) == 0 {
				continue
			}
			sliceVoxNum++
			corrected := s.Corrected(p)
			for _, c := range run {
				volume.Data[volume.Attr.Index(c.X, c.Y, c.Z)] += c.Value * corrected
			}
		}
		voxelNum = append(voxelNum, sliceVoxNum)
	}

	for i := range volume.Data {
		if weights.Data[i] > 0 {
			volume.Data[i] /= weights.Data[i]
		}
	}

	// slices with small overlap with the ROI are unreliable; remember
	// them so the EM step can force their potential to -1
	if len(voxelNum) == 0 {
		return nil
	}
	tmp := append([]int(nil), voxelNum...)
	sort.Ints(tmp)
	median := tmp[(len(tmp)-1)/2]

	var small []int
	vi := 0
	for i := 0; i < store.Len(); i++ {
		if store.Slices[i].ForceExcluded {
			continue
		}
		if float64(voxelNum[vi]) < 0.1*float64(median) {
			small = append(small, i)
		}
		vi++
	}
	if verbose && len(small) > 0 {
		fmt.Printf("Small slices:")
		for _, i := range small {
			fmt.Printf(" %d", i)
		}
		fmt.Println()
	}
	return small
}
