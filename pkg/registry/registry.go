// Package registry holds the authoritative in-memory view of devices and
// running VMs. It is pure data: no I/O, no event handling. All mutation on
// an absent key is a no-op, not an error, so stale and duplicate events are
// tolerated by construction.
package registry

import (
	"sort"
	"sync"

	"github.com/vigilhq/devtray/pkg/models"
)

// Registry maps device keys to device records and VM names to VM records.
// A single mutex serializes all access; timers and user toggles run off the
// dispatch goroutine, so single-threading alone is not enough.
type Registry struct {
	mu      sync.RWMutex
	devices map[models.DeviceKey]*models.Device
	vms     map[string]*models.VM
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		devices: make(map[models.DeviceKey]*models.Device),
		vms:     make(map[string]*models.VM),
	}
}

// UpsertDevice inserts or replaces the record for the device's key.
func (r *Registry) UpsertDevice(dev *models.Device) {
	if dev == nil || dev.Key.Ident == "" {
		return
	}

	input := dev.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[input.Key] = input
}

// RemoveDevice removes the record for key.
func (r *Registry) RemoveDevice(key models.DeviceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.devices, key)
}

// GetDevice retrieves a copy of the device record for key.
func (r *Registry) GetDevice(key models.DeviceKey) (*models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[key]
	if !ok {
		return nil, false
	}

	return dev.Clone(), true
}

// HasDevice reports whether key is present without copying the record.
func (r *Registry) HasDevice(key models.DeviceKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.devices[key]

	return ok
}

// AllDevices returns copies of every device record. Ordering is unspecified.
func (r *Registry) AllDevices() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev.Clone())
	}

	return out
}

// DevicesBackedBy returns copies of every device exposed by the named
// backend VM.
func (r *Registry) DevicesBackedBy(vm string) []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Device

	for _, dev := range r.devices {
		if dev.Key.BackendDomain == vm {
			out = append(out, dev.Clone())
		}
	}

	return out
}

// AddVM inserts or replaces the record for the VM's name.
func (r *Registry) AddVM(vm models.VM) {
	if vm.Name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := vm
	r.vms[vm.Name] = &stored
}

// RemoveVM removes the VM and prunes its name from every device's
// attachment set. The prune is atomic with respect to concurrent access, so
// no reader ever sees a removed VM still attached. Idempotent.
func (r *Registry) RemoveVM(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.vms, name)

	for _, dev := range r.devices {
		delete(dev.Attachments, name)
	}
}

// GetVM retrieves the record for the named VM.
func (r *Registry) GetVM(name string) (models.VM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vm, ok := r.vms[name]
	if !ok {
		return models.VM{}, false
	}

	return *vm, true
}

// VMs returns every tracked VM sorted by name. The ordering is for
// presentation only.
func (r *Registry) VMs() []models.VM {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.VM, 0, len(r.vms))
	for _, vm := range r.vms {
		out = append(out, *vm)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Attach records that the device is attached to the named VM. No-op when
// the device is unknown.
func (r *Registry) Attach(key models.DeviceKey, vm string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[key]
	if !ok {
		return
	}

	if dev.Attachments == nil {
		dev.Attachments = make(map[string]struct{})
	}

	dev.Attachments[vm] = struct{}{}
}

// Detach clears the device's attachment to the named VM. No-op when the
// device is unknown.
func (r *Registry) Detach(key models.DeviceKey, vm string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[key]
	if !ok {
		return
	}

	delete(dev.Attachments, vm)
}

// SetAttachments replaces the device's attachment set wholesale. Used by
// failure-driven resynchronization, never by the ordinary event path.
func (r *Registry) SetAttachments(key models.DeviceKey, vms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[key]
	if !ok {
		return
	}

	dev.Attachments = make(map[string]struct{}, len(vms))
	for _, vm := range vms {
		dev.Attachments[vm] = struct{}{}
	}
}

// SetIcon updates the icon of the named VM and of every device it backs,
// under one lock so readers never see the two halves disagree.
func (r *Registry) SetIcon(vmName, icon string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vm, ok := r.vms[vmName]; ok {
		vm.Icon = icon
	}

	for _, dev := range r.devices {
		if dev.Key.BackendDomain == vmName {
			dev.VMIcon = icon
		}
	}
}
