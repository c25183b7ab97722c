package models

import (
	"fmt"
	"sort"
)

// DeviceClass identifies one of the fixed device classes the daemon tracks.
type DeviceClass string

const (
	DeviceClassBlock DeviceClass = "block"
	DeviceClassUSB   DeviceClass = "usb"
	DeviceClassMic   DeviceClass = "mic"
)

// DeviceClasses lists every class the daemon tracks, in presentation order.
var DeviceClasses = []DeviceClass{DeviceClassBlock, DeviceClassUSB, DeviceClassMic}

// Valid reports whether the class is one of the tracked classes.
func (c DeviceClass) Valid() bool {
	for _, known := range DeviceClasses {
		if c == known {
			return true
		}
	}

	return false
}

// DeviceKey is the canonical identity of a device: the VM that exposes it
// plus the backend-local identifier. All internal lookups go through this
// key; display strings are only ever composed for notification bodies.
type DeviceKey struct {
	BackendDomain string `json:"backend_domain"`
	Ident         string `json:"ident"`
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%s:%s", k.BackendDomain, k.Ident)
}

// Device captures the authoritative in-memory view of a single device.
// The key is immutable after creation. Attachments may go stale when a VM
// disappears; the registry prunes them on VM removal.
type Device struct {
	Key         DeviceKey
	Description string
	Class       DeviceClass
	Data        map[string]string
	Attachments map[string]struct{}
	VMIcon      string
}

// AttachedTo reports whether the device is currently recorded as attached
// to the named VM.
func (d *Device) AttachedTo(vm string) bool {
	_, ok := d.Attachments[vm]
	return ok
}

// AttachmentNames returns the attachment set as a sorted slice.
func (d *Device) AttachmentNames() []string {
	names := make([]string, 0, len(d.Attachments))
	for name := range d.Attachments {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Clone returns a deep copy so callers cannot mutate registry state through
// a returned record.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}

	out := *d

	if d.Data != nil {
		out.Data = make(map[string]string, len(d.Data))
		for k, v := range d.Data {
			out.Data[k] = v
		}
	}

	out.Attachments = make(map[string]struct{}, len(d.Attachments))
	for name := range d.Attachments {
		out.Attachments[name] = struct{}{}
	}

	return &out
}

// NewDevice builds a fresh registry record from an event or enumeration
// reference. The icon is resolved once here, never re-probed later.
func NewDevice(ref *DeviceRef, icon string) *Device {
	return &Device{
		Key:         ref.Key(),
		Description: ref.Description,
		Class:       ref.Class,
		Data:        ref.Data,
		Attachments: make(map[string]struct{}),
		VMIcon:      icon,
	}
}

// VM is a tracked virtual machine. Only non-administrative VMs observed
// running are tracked. Ordering by name is presentation-only.
type VM struct {
	Name string
	Icon string
}
