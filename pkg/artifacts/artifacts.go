// Package artifacts writes the optional debug outputs of a run: per-slice
// previews of the bias fields, voxel weights and simulated slices, and
// orthogonal mid-plane previews of the reconstructed volume.
package artifacts

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"

	"svrengine/internal/model"
	"svrengine/pkg/sliceset"
)

// Writer dumps artifacts under a base directory.
type Writer struct {
	// Dir is the artifact root; stage subdirectories are created on
	// demand
	Dir string
}

// NewWriter returns a writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir}
}

// SaveSlices writes a JPEG preview per slice of the chosen plane.
// Which selects the plane: "data", "bias", "weight" or "simulated".
func (w *Writer) SaveSlices(store *sliceset.Store, which string, iter int) error {
	stageDir := filepath.Join(w.Dir, fmt.Sprintf("%s-%d", which, iter))
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %v", err)
	}

	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		var plane []float64
		switch which {
		case "bias":
			plane = make([]float64, s.NumPixels())
			for p, b := range s.Bias {
				plane[p] = math.Exp(-b)
			}
		case "weight":
			plane = s.Weight
		case "simulated":
			plane = s.Simulated
		default:
			plane = s.Data
		}

		img := planeToImage(plane, s.Attr.NX, s.Attr.NY)
		filename := filepath.Join(stageDir, fmt.Sprintf("%03d.jpg", i))
		if err := saveJPEG(filename, img); err != nil {
			return err
		}
	}
	return nil
}

// SaveVolumePreviews writes PNG previews of the volume's three orthogonal
// mid-planes. Planes cut across anisotropic spacing are rescaled to
// square pixels before encoding.
func (w *Writer) SaveVolumePreviews(vol *model.Volume, name string) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %v", err)
	}
	attr := vol.Attr

	// axial: xy plane at mid z
	axial := make([]float64, attr.NX*attr.NY)
	z := attr.NZ / 2
	for y := 0; y < attr.NY; y++ {
		for x := 0; x < attr.NX; x++ {
			axial[y*attr.NX+x] = vol.Data[attr.Index(x, y, z)]
		}
	}
	if err := w.savePlane(axial, attr.NX, attr.NY, attr.DX, attr.DY, name+"-axial.png"); err != nil {
		return err
	}

	// coronal: xz plane at mid y
	coronal := make([]float64, attr.NX*attr.NZ)
	y := attr.NY / 2
	for zz := 0; zz < attr.NZ; zz++ {
		for x := 0; x < attr.NX; x++ {
			coronal[zz*attr.NX+x] = vol.Data[attr.Index(x, y, zz)]
		}
	}
	if err := w.savePlane(coronal, attr.NX, attr.NZ, attr.DX, attr.DZ, name+"-coronal.png"); err != nil {
		return err
	}

	// sagittal: yz plane at mid x
	sagittal := make([]float64, attr.NY*attr.NZ)
	x := attr.NX / 2
	for zz := 0; zz < attr.NZ; zz++ {
		for yy := 0; yy < attr.NY; yy++ {
			sagittal[zz*attr.NY+yy] = vol.Data[attr.Index(x, yy, zz)]
		}
	}
	return w.savePlane(sagittal, attr.NY, attr.NZ, attr.DY, attr.DZ, name+"-sagittal.png")
}

func (w *Writer) savePlane(plane []float64, nx, ny int, dx, dy float64, name string) error {
	img := planeToImage(plane, nx, ny)

	// rescale to square pixels when the plane spacing is anisotropic
	if math.Abs(dx-dy) > 1e-6 && dx > 0 && dy > 0 {
		outW := nx
		outH := int(math.Round(float64(ny) * dy / dx))
		if outH < 1 {
			outH = 1
		}
		scaled := image.NewGray16(image.Rect(0, 0, outW, outH))
		xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Over, nil)
		img = scaled
	}

	f, err := os.Create(filepath.Join(w.Dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// planeToImage maps a scalar plane to 16-bit grayscale, windowing to the
// valid intensity range. Padded pixels come out black.
func planeToImage(plane []float64, nx, ny int) *image.Gray16 {
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range plane {
		if v <= model.PaddingThreshold {
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	img := image.NewGray16(image.Rect(0, 0, nx, ny))
	if max <= min {
		return img
	}
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			v := plane[y*nx+x]
			if v <= model.PaddingThreshold {
				continue
			}
			g := uint16((v - min) / (max - min) * 65535)
			img.SetGray16(x, y, color.Gray16{Y: g})
		}
	}
	return img
}

func saveJPEG(filename string, img image.Image) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}
