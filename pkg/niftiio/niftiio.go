// Package niftiio reads and writes volumes in the NIfTI-1 format used for
// the input stacks, masks, the reconstructed output and the remote
// registration exchange files.
package niftiio

import (
	"fmt"

	"github.com/KyungWonPark/nifti"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
)

// LoadVolume reads a .nii/.nii.gz file into a volume. Only the first
// timepoint of a 4-D file is read.
func LoadVolume(path string) (*model.Volume, error) {
	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	header := img.GetHeader()
	nx := int(header.Dim[1])
	ny := int(header.Dim[2])
	nz := int(header.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("nifti %s: bad dimensions %dx%dx%d", path, nx, ny, nz)
	}

	attr := geometry.DefaultAttributes(nx, ny, nz,
		float64(header.Pixdim[1]), float64(header.Pixdim[2]), float64(header.Pixdim[3]))
	attr.Origin.X = float64(header.QoffsetX)
	attr.Origin.Y = float64(header.QoffsetY)
	attr.Origin.Z = float64(header.QoffsetZ)

	vol := model.NewVolume(attr)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				vol.Data[attr.Index(x, y, z)] = float64(img.GetAt(uint32(x), uint32(y), uint32(z), 0))
			}
		}
	}
	return vol, nil
}

// LoadMask reads a binary mask; any strictly positive voxel is interior.
func LoadMask(path string) (*model.Mask, error) {
	vol, err := LoadVolume(path)
	if err != nil {
		return nil, err
	}
	mask := model.NewMask(vol.Attr)
	for i, v := range vol.Data {
		if v > 0 {
			mask.Data[i] = 1
		}
	}
	return mask, nil
}

// SaveVolume writes a volume to a .nii/.nii.gz file.
func SaveVolume(path string, vol *model.Volume) error {
	return save(path, vol, vol.Attr)
}

// SaveVolumeZeroOrigin writes a volume with its origin zeroed, as the
// remote registration exchange expects for the resampled slice files.
func SaveVolumeZeroOrigin(path string, vol *model.Volume) error {
	attr := vol.Attr
	attr.Origin.X, attr.Origin.Y, attr.Origin.Z = 0, 0, 0
	return save(path, vol, attr)
}

func save(path string, vol *model.Volume, attr geometry.Attributes) error {
	img := nifti.NewImg(attr.NX, attr.NY, attr.NZ, 1)

	var header nifti.Nifti1Header
	header.Dim[0] = 3
	header.Dim[1] = int16(attr.NX)
	header.Dim[2] = int16(attr.NY)
	header.Dim[3] = int16(attr.NZ)
	header.Dim[4] = 1
	header.Pixdim[1] = float32(attr.DX)
	header.Pixdim[2] = float32(attr.DY)
	header.Pixdim[3] = float32(attr.DZ)
	header.QoffsetX = float32(attr.Origin.X)
	header.QoffsetY = float32(attr.Origin.Y)
	header.QoffsetZ = float32(attr.Origin.Z)
	img.SetNewHeader(header)
	img.SetHeaderDim2(attr.NX, attr.NY, attr.NZ, 1)

	for z := 0; z < attr.NZ; z++ {
		for y := 0; y < attr.NY; y++ {
			for x := 0; x < attr.NX; x++ {
				img.SetAt(uint32(x), uint32(y), uint32(z), 0,
					float32(vol.Data[attr.Index(x, y, z)]))
			}
		}
	}

	img.Save(path)
	return nil
}

// SaveMask writes a mask as a volume of zeros and ones.
func SaveMask(path string, mask *model.Mask) error {
	vol := model.NewVolume(mask.Attr)
	for i, v := range mask.Data {
		if v != 0 {
			vol.Data[i] = 1
		}
	}
	return SaveVolume(path, vol)
}
