package superres

import (
	"fmt"
	"math"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
)

// directions are the 13 nearest-neighbour offsets covering all 26
// neighbours up to sign.
var directions = [13][3]int{
	{1, 0, -1}, {0, 1, -1}, {1, 1, -1}, {1, -1, -1},
	{1, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, -1, 0},
	{1, 0, 1}, {0, 1, 1}, {1, 1, 1}, {1, -1, 1},
	{0, 0, 1},
}

// AdaptiveRegularization smooths the volume with an edge-weighted
// Laplacian. Edge weights come from the pre-update volume's local
// gradients so the smoothing follows anatomy instead of blurring across
// it; the confidence map scales the step per voxel.
func (u *Updater) AdaptiveRegularization(volume *model.Volume, original *model.Volume, confidence *model.Volume) {
	attr := volume.Attr

	factor := make([]float64, len(directions))
	for i, d := range directions {
		factor[i] = 1 / float64(abs(d[0])+abs(d[1])+abs(d[2]))
	}

	// edge weights from the pre-update volume
	b := make([][]float64, len(directions))
	for i := range b {
		b[i] = make([]float64, len(volume.Data))
	}
	u.Pool.RunChunked(attr.NZ, func(_, zlo, zhi int) {
		for z := zlo; z < zhi; z++ {
			for y := 0; y < attr.NY; y++ {
				for x := 0; x < attr.NX; x++ {
					idx := attr.Index(x, y, z)
					for i, d := range directions {
						xx, yy, zz := x+d[0], y+d[1], z+d[2]
						if !attr.Inside(xx, yy, zz) {
							continue
						}
						diff := original.Data[attr.Index(xx, yy, zz)] - original.Data[idx]
						b[i][idx] = math.Exp(-diff * diff * factor[i] / (u.Delta * u.Delta))
					}
				}
			}
		}
	})

	// edge-weighted Laplacian step on the post-update volume
	prev := volume.Copy()
	u.Pool.RunChunked(attr.NZ, func(_, zlo, zhi int) {
		for z := zlo; z < zhi; z++ {
			for y := 0; y < attr.NY; y++ {
				for x := 0; x < attr.NX; x++ {
					idx := attr.Index(x, y, z)
					kappa := confidence.Data[idx]
					if kappa <= 0 {
						continue
					}
					// neighbours without coefficient support hold no
					// signal and stay out of the smoothing
					var sum float64
					for i, d := range directions {
						xx, yy, zz := x+d[0], y+d[1], z+d[2]
						if attr.Inside(xx, yy, zz) {
							nb := attr.Index(xx, yy, zz)
							if confidence.Data[nb] > 0 {
								sum += b[i][idx] * (prev.Data[nb] - prev.Data[idx]) * factor[i]
							}
						}
						xx, yy, zz = x-d[0], y-d[1], z-d[2]
						if attr.Inside(xx, yy, zz) {
							nb := attr.Index(xx, yy, zz)
							if confidence.Data[nb] > 0 {
								sum -= b[i][nb] * (prev.Data[idx] - prev.Data[nb]) * factor[i]
							}
						}
					}
					volume.Data[idx] = prev.Data[idx] + u.Alpha*u.Lambda/(u.Delta*u.Delta)*sum/kappa
				}
			}
		}
	})

	if u.Alpha*u.Lambda/(u.Delta*u.Delta) > 0.068 {
		fmt.Println("Warning: regularization might not have smoothing effect! Ensure that alpha*lambda/delta^2 is below 0.068.")
	}
}

// BiasCorrectVolume removes the low-frequency intensity drift the slice
// bias fields can leak into the volume, by smoothing the log-residual
// against the pre-iteration volume inside the mask and dividing it out.
func (u *Updater) BiasCorrectVolume(volume *model.Volume, original *model.Volume, mask *model.Mask) {
	if mask == nil {
		return
	}
	attr := volume.Attr
	residual := make([]float64, len(volume.Data))
	weight := make([]float64, len(volume.Data))
	cutoff := u.LowIntensityCutoff * u.MaxIntensity

	for i := range volume.Data {
		if mask.Data[i] == 0 {
			continue
		}
		if volume.Data[i] <= cutoff || original.Data[i] <= cutoff {
			continue
		}
		residual[i] = math.Log(volume.Data[i] / original.Data[i])
		weight[i] = 1
	}

	sigma := u.SigmaBias / attr.DX
	geometry.GaussianBlur3D(residual, &attr, sigma, sigma, sigma)
	geometry.GaussianBlur3D(weight, &attr, sigma, sigma, sigma)

	for i := range volume.Data {
		if weight[i] <= 1e-6 || mask.Data[i] == 0 {
			continue
		}
		field := math.Exp(residual[i] / weight[i])
		if field > 0 {
			volume.Data[i] /= field
		}
	}

	u.clamp(volume)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
