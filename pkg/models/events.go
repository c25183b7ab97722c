package models

import "time"

// Event kinds as they appear on the wire. Device events are suffixed with
// the device class, e.g. "device-attach:usb".
const (
	EventDeviceAttach     = "device-attach"
	EventDeviceDetach     = "device-detach"
	EventDeviceListChange = "device-list-change"
	EventDomainStart      = "domain-start"
	EventDomainShutdown   = "domain-shutdown"
	EventDomainStartFail  = "domain-start-failed"
	EventLabelChange      = "property-set:label"
)

// DeviceEventKind builds the class-qualified kind string for a device event.
func DeviceEventKind(base string, class DeviceClass) string {
	return base + ":" + string(class)
}

// DeviceRef is the device reference carried by attach/detach events. It
// names a device; it is not the authoritative record.
type DeviceRef struct {
	BackendDomain string            `json:"backend_domain"`
	Ident         string            `json:"ident"`
	Class         DeviceClass       `json:"devclass"`
	Description   string            `json:"description,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
}

// Key returns the canonical registry key for the referenced device.
func (r *DeviceRef) Key() DeviceKey {
	return DeviceKey{BackendDomain: r.BackendDomain, Ident: r.Ident}
}

// Event is one entry in the ordered lifecycle stream. VM is the originating
// VM name and may be empty (e.g. global property changes). Device carries
// the payload reference for device-attach/detach events and is nil otherwise.
type Event struct {
	Kind   string     `json:"kind"`
	VM     string     `json:"vm,omitempty"`
	Device *DeviceRef `json:"device,omitempty"`
}

// CloudEvent is the envelope used when events travel over the bus.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}
