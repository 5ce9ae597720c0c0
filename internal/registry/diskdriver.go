package registry

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/dpedu/zhyperd/internal/zerrors"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

// diskDriver is the per-variant disk capability: validate the id's
// naming convention, provision the backing file, and remove it.
type diskDriver interface {
	Validate(id string) error
	Init(path string, spec zmodel.DiskSpec) error
	Delete(path string) error
}

func diskDriverFor(kind zmodel.DiskKind) (diskDriver, bool) {
	switch kind {
	case zmodel.DiskEmulated:
		return emulatedDiskDriver{}, true
	case zmodel.DiskISO:
		return isoDiskDriver{}, true
	default:
		return nil, false
	}
}

// emulatedDiskDriver provisions a qemu-img-backed disk. Asymmetric with
// isoDiskDriver: creating a disk that already exists
// is a hard failure here.
type emulatedDiskDriver struct{}

func (emulatedDiskDriver) Validate(id string) error {
	if !strings.HasSuffix(id, ".bin") {
		return zerrors.New(zerrors.ValidationFailed, "emulated-disk id must end in .bin")
	}
	return nil
}

func (emulatedDiskDriver) Init(path string, spec zmodel.DiskSpec) error {
	if _, err := os.Stat(path); err == nil {
		return zerrors.New(zerrors.ValidationFailed, "disk already exists: "+path)
	}

	size := spec.SizeMB()
	if size <= 0 {
		return zerrors.New(zerrors.ValidationFailed, "emulated-disk requires properties.size_mb > 0")
	}

	cmd := exec.Command("qemu-img", "create", "-f", spec.Format(), path, fmt.Sprintf("%dM", size))
	if out, err := cmd.CombinedOutput(); err != nil {
		return zerrors.Wrap(zerrors.RuntimeError, "qemu-img create: "+string(out), err)
	}
	return nil
}

func (emulatedDiskDriver) Delete(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// isoDiskDriver treats the disk id as a reference to a file that must
// already be staged in the datastore; init and delete are intentionally
// asymmetric with emulatedDiskDriver.
type isoDiskDriver struct{}

func (isoDiskDriver) Validate(id string) error {
	if !strings.HasSuffix(id, ".iso") {
		return zerrors.New(zerrors.ValidationFailed, "iso disk id must end in .iso")
	}
	return nil
}

func (isoDiskDriver) Init(path string, spec zmodel.DiskSpec) error {
	if _, err := os.Stat(path); err != nil {
		return zerrors.New(zerrors.ValidationFailed, "iso must already exist at "+path)
	}
	return nil
}

func (isoDiskDriver) Delete(path string) error {
	// ISO bytes are left intact; only the manifest is removed by the caller.
	return nil
}
