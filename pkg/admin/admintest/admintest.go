// Package admintest provides in-memory fakes for the admin contracts, used
// by component tests across the repo.
package admintest

import (
	"context"
	"sync"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/models"
)

// FakeVM is a scriptable admin.VM.
type FakeVM struct {
	VMName  string
	VMClass string

	Running    bool
	RunningErr error

	IconName string
	IconErr  error

	DevicesByClass  map[models.DeviceClass][]models.DeviceRef
	DevicesErr      error
	AttachedByClass map[models.DeviceClass][]models.DeviceRef
	AttachedErr     error

	Vols       []admin.VolumeUsage
	VolumesErr error

	Features map[string]bool
}

func (v *FakeVM) Name() string  { return v.VMName }
func (v *FakeVM) Class() string { return v.VMClass }

func (v *FakeVM) IsRunning(_ context.Context) (bool, error) {
	return v.Running, v.RunningErr
}

func (v *FakeVM) Icon(_ context.Context) (string, error) {
	return v.IconName, v.IconErr
}

func (v *FakeVM) Devices(_ context.Context, class models.DeviceClass) ([]models.DeviceRef, error) {
	if v.DevicesErr != nil {
		return nil, v.DevicesErr
	}

	return v.DevicesByClass[class], nil
}

func (v *FakeVM) Attached(_ context.Context, class models.DeviceClass) ([]models.DeviceRef, error) {
	if v.AttachedErr != nil {
		return nil, v.AttachedErr
	}

	return v.AttachedByClass[class], nil
}

func (v *FakeVM) Volumes(_ context.Context) ([]admin.VolumeUsage, error) {
	return v.Vols, v.VolumesErr
}

func (v *FakeVM) Feature(_ context.Context, name string) (bool, error) {
	return v.Features[name], nil
}

// FakeDirectory is a scriptable admin.Directory over a fixed VM list.
type FakeDirectory struct {
	VMList   []*FakeVM
	VMsErr   error
	PoolList []admin.PoolUsage
	PoolsErr error
}

func (d *FakeDirectory) VMs(_ context.Context) ([]admin.VM, error) {
	if d.VMsErr != nil {
		return nil, d.VMsErr
	}

	out := make([]admin.VM, 0, len(d.VMList))
	for _, vm := range d.VMList {
		out = append(out, vm)
	}

	return out, nil
}

func (d *FakeDirectory) VM(_ context.Context, name string) (admin.VM, error) {
	for _, vm := range d.VMList {
		if vm.VMName == name {
			return vm, nil
		}
	}

	return nil, admin.ErrVMGone
}

func (d *FakeDirectory) Pools(_ context.Context) ([]admin.PoolUsage, error) {
	if d.PoolsErr != nil {
		return nil, d.PoolsErr
	}

	return d.PoolList, nil
}

// Lookup returns the fake VM with the given name, or nil.
func (d *FakeDirectory) Lookup(name string) *FakeVM {
	for _, vm := range d.VMList {
		if vm.VMName == name {
			return vm
		}
	}

	return nil
}

// AttachCall records one privileged attach/detach invocation.
type AttachCall struct {
	Op    string // "attach" or "detach"
	Key   models.DeviceKey
	Class models.DeviceClass
	VM    string
}

// FakeAttacher records attach/detach calls and fails them on demand.
type FakeAttacher struct {
	mu    sync.Mutex
	calls []AttachCall

	AttachErr    error
	DetachErrFor map[string]error // keyed by VM name
}

func (a *FakeAttacher) Attach(_ context.Context, key models.DeviceKey, class models.DeviceClass, vm string) error {
	a.record(AttachCall{Op: "attach", Key: key, Class: class, VM: vm})
	return a.AttachErr
}

func (a *FakeAttacher) Detach(_ context.Context, key models.DeviceKey, class models.DeviceClass, vm string) error {
	a.record(AttachCall{Op: "detach", Key: key, Class: class, VM: vm})

	if a.DetachErrFor != nil {
		return a.DetachErrFor[vm]
	}

	return nil
}

func (a *FakeAttacher) record(call AttachCall) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, call)
}

// Calls returns the recorded calls in order.
func (a *FakeAttacher) Calls() []AttachCall {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AttachCall, len(a.calls))
	copy(out, a.calls)

	return out
}
