// Package admin defines the contracts the daemon consumes from the host's
// administration layer: the VM directory, per-VM device listings, and the
// privileged attach/detach API. Every query may fail with a permission or
// races-with-shutdown error; callers are expected to treat those as reduced
// visibility rather than faults.
package admin

import (
	"context"

	"github.com/vigilhq/devtray/pkg/models"
)

// AdminVMClass is the classification of the administrative VM. VMs of this
// class are never tracked.
const AdminVMClass = "AdminVM"

// DefaultIcon is the sentinel icon used when a VM's icon cannot be read.
const DefaultIcon = "appvm-black"

// VM is a read-only handle onto one virtual machine.
type VM interface {
	// Name returns the VM's unique name.
	Name() string

	// Class returns the VM's classification (e.g. "AppVM", "AdminVM").
	Class() string

	// IsRunning reports whether the VM is currently running.
	IsRunning(ctx context.Context) (bool, error)

	// Icon returns the VM's icon reference.
	Icon(ctx context.Context) (string, error)

	// Devices lists the devices of the given class the VM currently exposes.
	Devices(ctx context.Context, class models.DeviceClass) ([]models.DeviceRef, error)

	// Attached lists the devices of the given class currently attached to
	// the VM.
	Attached(ctx context.Context, class models.DeviceClass) ([]models.DeviceRef, error)

	// Volumes reports usage for the VM's storage volumes.
	Volumes(ctx context.Context) ([]VolumeUsage, error)

	// Feature reads a boolean feature flag set on the VM.
	Feature(ctx context.Context, name string) (bool, error)
}

// Directory is the read-only handle onto the set of all known VMs.
type Directory interface {
	// VMs lists every known VM, tracked or not.
	VMs(ctx context.Context) ([]VM, error)

	// VM resolves a single VM by name.
	VM(ctx context.Context, name string) (VM, error)

	// Pools reports usage for the host's storage pools.
	Pools(ctx context.Context) ([]PoolUsage, error)
}

// Attacher performs the privileged attach/detach calls. Assignments are
// non-persistent: they do not survive a VM restart. Success is not reflected
// synchronously; it surfaces later as attach/detach events on the stream.
type Attacher interface {
	Attach(ctx context.Context, key models.DeviceKey, class models.DeviceClass, vm string) error
	Detach(ctx context.Context, key models.DeviceKey, class models.DeviceClass, vm string) error
}

// VolumeUsage is the fill state of a single VM volume.
type VolumeUsage struct {
	Name string
	Size uint64
	Used uint64
}

// PoolUsage is the fill state of a host storage pool.
type PoolUsage struct {
	Name         string
	Size         uint64
	Used         uint64
	MetadataSize uint64
	MetadataUsed uint64
	// IncludedIn names the parent pool when this pool's space is already
	// accounted for elsewhere; such pools are skipped in totals.
	IncludedIn string
}

// IconOrDefault resolves a VM's icon, falling back to the sentinel default
// when the icon cannot be read. Resolved once at record construction, never
// re-probed ad hoc.
func IconOrDefault(ctx context.Context, vm VM) string {
	icon, err := vm.Icon(ctx)
	if err != nil || icon == "" {
		return DefaultIcon
	}

	return icon
}
