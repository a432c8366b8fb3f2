package geometry

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Gaussian smoothing is separable, so a 3-D (or 2-D) blur reduces to 1-D
// convolutions along each axis. Each line is convolved in the frequency
// domain: the line and a sampled Gaussian kernel are zero-padded to a
// common length, multiplied as spectra and transformed back.

// gaussKernel samples a normalized Gaussian of the given sigma (in voxels)
// truncated at four standard deviations.
func gaussKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(4 * sigma))
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = v
		sum += v
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// lineConvolver runs the same 1-D kernel over many equal-length lines via
// a shared real FFT plan.
type lineConvolver struct {
	n       int // line length
	padded  int // padded FFT length
	radius  int
	fft     *fourier.FFT
	kspec   []complex128
	scratch []float64
	spec    []complex128
}

func newLineConvolver(n int, sigma float64) *lineConvolver {
	kernel := gaussKernel(sigma)
	radius := len(kernel) / 2
	padded := n + 2*radius
	// round up to even length, keeps the real FFT layout simple
	if padded%2 == 1 {
		padded++
	}
	fft := fourier.NewFFT(padded)

	// kernel spectrum, kernel centred at index zero with wraparound
	kbuf := make([]float64, padded)
	for i := -radius; i <= radius; i++ {
		idx := (i + padded) % padded
		kbuf[idx] = kernel[i+radius]
	}
	kspec := fft.Coefficients(nil, kbuf)

	return &lineConvolver{
		n:       n,
		padded:  padded,
		radius:  radius,
		fft:     fft,
		kspec:   kspec,
		scratch: make([]float64, padded),
		spec:    make([]complex128, padded/2+1),
	}
}

// run convolves one line in place. Edges are extended with the boundary
// sample so mass is not lost at the ends of the line.
func (c *lineConvolver) run(line []float64) {
	for i := 0; i < c.padded; i++ {
		switch {
		case i < c.radius:
			c.scratch[i] = line[0]
		case i < c.radius+c.n:
			c.scratch[i] = line[i-c.radius]
		default:
			c.scratch[i] = line[c.n-1]
		}
	}
	c.fft.Coefficients(c.spec, c.scratch)
	for i := range c.spec {
		c.spec[i] *= c.kspec[i]
	}
	c.fft.Sequence(c.scratch, c.spec)
	scale := 1 / float64(c.padded)
	for i := 0; i < c.n; i++ {
		line[i] = c.scratch[i+c.radius] * scale
	}
}

// GaussianBlur3D smooths the volume in place with a separable Gaussian of
// sigma given in voxel units per axis (sigmaX applies along x, and so on).
func GaussianBlur3D(data []float64, attr *Attributes, sigmaX, sigmaY, sigmaZ float64) {
	nx, ny, nz := attr.NX, attr.NY, attr.NZ

	if sigmaX > 0 && nx > 1 {
		c := newLineConvolver(nx, sigmaX)
		line := make([]float64, nx)
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				base := z*nx*ny + y*nx
				copy(line, data[base:base+nx])
				c.run(line)
				copy(data[base:base+nx], line)
			}
		}
	}

	if sigmaY > 0 && ny > 1 {
		c := newLineConvolver(ny, sigmaY)
		line := make([]float64, ny)
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				for y := 0; y < ny; y++ {
					line[y] = data[z*nx*ny+y*nx+x]
				}
				c.run(line)
				for y := 0; y < ny; y++ {
					data[z*nx*ny+y*nx+x] = line[y]
				}
			}
		}
	}

	if sigmaZ > 0 && nz > 1 {
		c := newLineConvolver(nz, sigmaZ)
		line := make([]float64, nz)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				for z := 0; z < nz; z++ {
					line[z] = data[z*nx*ny+y*nx+x]
				}
				c.run(line)
				for z := 0; z < nz; z++ {
					data[z*nx*ny+y*nx+x] = line[z]
				}
			}
		}
	}
}

// GaussianBlur2D smooths a single plane in place, sigma in pixel units.
func GaussianBlur2D(data []float64, width, height int, sigma float64) {
	attr := Attributes{NX: width, NY: height, NZ: 1, DX: 1, DY: 1, DZ: 1}
	GaussianBlur3D(data, &attr, sigma, sigma, 0)
}

// GaussianBlurWithPadding smooths only the unpadded samples of a plane:
// values at or below the padding value contribute nothing and keep their
// original value. The standard weighted-blur trick divides the blurred
// masked field by the blurred mask.
func GaussianBlurWithPadding(data []float64, width, height int, sigma, padding float64) {
	masked := make([]float64, len(data))
	weight := make([]float64, len(data))
	for i, v := range data {
		if v > padding+1e-9 {
			masked[i] = v
			weight[i] = 1
		}
	}
	GaussianBlur2D(masked, width, height, sigma)
	GaussianBlur2D(weight, width, height, sigma)
	for i := range data {
		if data[i] > padding+1e-9 && weight[i] > 1e-6 {
			data[i] = masked[i] / weight[i]
		}
	}
}
