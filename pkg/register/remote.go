package register

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"svrengine/internal/geometry"
	"svrengine/internal/model"
	"svrengine/pkg/niftiio"
	"svrengine/pkg/sliceset"
)

// remoteStride is the number of slices handed to the external filter per
// invocation.
const remoteStride = 32

// RemoteExchange shuttles slice-to-volume registrations through an
// exchange directory shared with an external registration binary. The
// file naming is part of the external interface and must not change.
type RemoteExchange struct {
	// Dir is the exchange directory
	Dir string

	// Binary is the external registration executable; it receives the
	// exchange directory, the first and last slice index of the batch
	// and the iteration number
	Binary string

	// Verbose enables progress logging
	Verbose bool
}

// NewRemoteExchange returns an exchange rooted at dir invoking binary.
func NewRemoteExchange(dir, binary string) *RemoteExchange {
	return &RemoteExchange{Dir: dir, Binary: binary}
}

// Run writes the model files, invokes the external binary over slice
// batches and reads back the refined poses.
func (r *RemoteExchange) Run(store *sliceset.Store, volume *model.Volume, iter int, ffd bool) error {
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return fmt.Errorf("remote registration: %w", err)
	}
	if err := r.saveModel(store, volume, iter, ffd); err != nil {
		return err
	}

	for lo := 0; lo < store.Len(); lo += remoteStride {
		hi := lo + remoteStride
		if hi > store.Len() {
			hi = store.Len()
		}
		cmd := exec.Command(r.Binary, r.Dir,
			fmt.Sprintf("%d", lo), fmt.Sprintf("%d", hi-1), fmt.Sprintf("%d", iter))
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("remote registration batch %d-%d: %v: %s", lo, hi-1, err, out)
		}
		if r.Verbose {
			fmt.Printf("Remote registration batch %d-%d done\n", lo, hi-1)
		}
	}

	return r.loadResults(store, ffd)
}

// saveModel writes the current reconstruction, the slices and their
// current poses into the exchange directory.
func (r *RemoteExchange) saveModel(store *sliceset.Store, volume *model.Volume, iter int, ffd bool) error {
	if err := niftiio.SaveVolume(filepath.Join(r.Dir, "current-source.nii.gz"), volume); err != nil {
		return err
	}

	for i := 0; i < store.Len(); i++ {
		s := store.Slices[i]
		sv := sliceAsVolume(s)

		var slicePath string
		if ffd {
			slicePath = filepath.Join(r.Dir, fmt.Sprintf("slice-%d.nii.gz", i))
		} else {
			slicePath = filepath.Join(r.Dir, fmt.Sprintf("res-slice-%d.nii.gz", i))
		}
		// resampled slice files carry a zeroed origin; the pose file
		// holds the geometry instead
		if err := niftiio.SaveVolumeZeroOrigin(slicePath, sv); err != nil {
			return err
		}
		if err := niftiio.SaveVolume(filepath.Join(r.Dir, fmt.Sprintf("org-slice-%d.nii.gz", i)), sv); err != nil {
			return err
		}

		rigid, ok := s.Pose.(*geometry.RigidTransform)
		if !ok {
			rigid = geometry.NewRigidTransform()
		}
		var dofPath string
		if ffd {
			dofPath = filepath.Join(r.Dir, fmt.Sprintf("transformation-%d.dof", i))
		} else {
			dofPath = filepath.Join(r.Dir, fmt.Sprintf("res-transformation-%d.dof", i))
		}
		if err := writeDof(dofPath, rigid); err != nil {
			return err
		}
		orgPath := filepath.Join(r.Dir, fmt.Sprintf("org-transformation-%d-%d.dof", iter, i))
		if err := writeDof(orgPath, rigid); err != nil {
			return err
		}
	}
	return nil
}

// loadResults reads the refined pose files back into the slices.
func (r *RemoteExchange) loadResults(store *sliceset.Store, ffd bool) error {
	for i := 0; i < store.Len(); i++ {
		var dofPath string
		if ffd {
			dofPath = filepath.Join(r.Dir, fmt.Sprintf("transformation-%d.dof", i))
		} else {
			dofPath = filepath.Join(r.Dir, fmt.Sprintf("res-transformation-%d.dof", i))
		}
		rigid, err := readDof(dofPath)
		if err != nil {
			return fmt.Errorf("remote registration result %d: %w", i, err)
		}
		store.Slices[i].Pose = rigid
		store.Slices[i].RegGate = 1
	}
	return nil
}

// SaveReconstruction publishes the latest reconstruction for the external
// filter to target.
func (r *RemoteExchange) SaveReconstruction(volume *model.Volume) error {
	return niftiio.SaveVolume(filepath.Join(r.Dir, "latest-out-recon.nii.gz"), volume)
}

// SaveMask publishes the current mask.
func (r *RemoteExchange) SaveMask(mask *model.Mask) error {
	return niftiio.SaveMask(filepath.Join(r.Dir, "current-mask.nii.gz"), mask)
}

// SaveTransformations writes every slice's current pose as a .dof file
// under dir, in the same format the exchange protocol uses.
func SaveTransformations(dir string, store *sliceset.Store) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("save transformations: %w", err)
	}
	for i := 0; i < store.Len(); i++ {
		rigid, ok := store.Slices[i].Pose.(*geometry.RigidTransform)
		if !ok {
			rigid = geometry.NewRigidTransform()
		}
		path := filepath.Join(dir, fmt.Sprintf("transformation-%d.dof", i))
		if err := writeDof(path, rigid); err != nil {
			return fmt.Errorf("save transformations: %w", err)
		}
	}
	return nil
}

// writeDof stores the six rigid parameters as little-endian float64 in
// report order.
func writeDof(path string, t *geometry.RigidTransform) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	p := t.Params()
	for _, v := range p {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

// readDof loads a pose file written by writeDof or the external filter.
func readDof(path string) (*geometry.RigidTransform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var p [6]float64
	for i := range p {
		if err := binary.Read(f, binary.LittleEndian, &p[i]); err != nil {
			return nil, err
		}
	}
	t := geometry.NewRigidTransform()
	t.SetParams(p)
	return t, nil
}
