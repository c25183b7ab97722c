// Package reconciler applies lifecycle events to the registry. Every
// handler treats "the VM or device disappeared mid-read" as expected: the
// event source races with administrative state by design, so handlers
// re-derive truth from the directory instead of trusting event payloads to
// be complete. Per-event errors are absorbed here and never propagate.
package reconciler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/events"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
	"github.com/vigilhq/devtray/pkg/registry"
)

// DeltaSink receives the attach/detach deltas computed per event. The
// debounce notifier implements it; a presentation layer may subscribe the
// same way rather than being called inline.
type DeltaSink interface {
	DevicesAdded(ctx context.Context, vm string, devs []*models.Device)
	DevicesRemoved(ctx context.Context, vm string, devs []*models.Device)
}

// Reconciler owns the fixed reconciliation rules, one per event kind.
type Reconciler struct {
	dir    admin.Directory
	reg    *registry.Registry
	deltas DeltaSink
	log    zerolog.Logger
}

func New(dir admin.Directory, reg *registry.Registry, deltas DeltaSink, log logger.Logger) *Reconciler {
	return &Reconciler{
		dir:    dir,
		reg:    reg,
		deltas: deltas,
		log:    log.WithComponent("reconciler"),
	}
}

// Register wires every handler onto the dispatcher.
func (r *Reconciler) Register(d *events.Dispatcher) {
	for _, class := range models.DeviceClasses {
		d.AddHandler(models.DeviceEventKind(models.EventDeviceAttach, class), r.HandleDeviceAttach)
		d.AddHandler(models.DeviceEventKind(models.EventDeviceDetach, class), r.HandleDeviceDetach)
		d.AddHandler(models.DeviceEventKind(models.EventDeviceListChange, class), r.HandleDeviceListChange)
	}

	d.AddHandler(models.EventDomainStart, r.HandleDomainStart)
	d.AddHandler(models.EventDomainShutdown, r.HandleDomainShutdown)
	d.AddHandler(models.EventDomainStartFail, r.HandleDomainShutdown)
	d.AddHandler(models.EventLabelChange, r.HandleLabelChange)
}

// HandleDeviceListChange re-enumerates the signaling VM's devices for all
// classes, not just the signaling one, and reconciles the registry against
// the result. Enumeration failure means the VM is gone or unreadable; its
// device list is treated as empty.
func (r *Reconciler) HandleDeviceListChange(ctx context.Context, ev models.Event) {
	if ev.VM == "" {
		return
	}

	changed := r.enumerateAll(ctx, ev.VM)

	present := make(map[models.DeviceKey]struct{}, len(changed))
	for _, dev := range changed {
		present[dev.Key] = struct{}{}
	}

	var added []*models.Device

	for _, dev := range changed {
		if r.reg.HasDevice(dev.Key) {
			continue
		}

		r.reg.UpsertDevice(dev)
		added = append(added, dev)
	}

	var removed []*models.Device

	for _, prior := range r.reg.DevicesBackedBy(ev.VM) {
		if _, ok := present[prior.Key]; ok {
			continue
		}

		r.reg.RemoveDevice(prior.Key)
		removed = append(removed, prior)
	}

	if len(added) > 0 {
		r.deltas.DevicesAdded(ctx, ev.VM, added)
	}

	if len(removed) > 0 {
		r.deltas.DevicesRemoved(ctx, ev.VM, removed)
	}
}

// HandleDeviceAttach records an attachment. Ignored when the VM is not
// verifiably running or the device class is outside the tracked set.
func (r *Reconciler) HandleDeviceAttach(ctx context.Context, ev models.Event) {
	if ev.Device == nil || ev.VM == "" || !ev.Device.Class.Valid() {
		return
	}

	if !r.vmRunning(ctx, ev.VM) {
		return
	}

	key := ev.Device.Key()

	if !r.reg.HasDevice(key) {
		r.reg.UpsertDevice(models.NewDevice(ev.Device, r.backendIcon(ctx, key.BackendDomain)))
	}

	r.reg.Attach(key, ev.VM)
}

// HandleDeviceDetach clears an attachment and reports the device into the
// VM's removed buffer. Unknown devices and attachments not actually recorded
// are silently ignored; the event may be a stale duplicate.
func (r *Reconciler) HandleDeviceDetach(ctx context.Context, ev models.Event) {
	if ev.Device == nil || ev.VM == "" {
		return
	}

	if !r.vmRunning(ctx, ev.VM) {
		return
	}

	dev, ok := r.reg.GetDevice(ev.Device.Key())
	if !ok || !dev.AttachedTo(ev.VM) {
		return
	}

	r.reg.Detach(dev.Key, ev.VM)

	delete(dev.Attachments, ev.VM)
	r.deltas.DevicesRemoved(ctx, ev.VM, []*models.Device{dev})
}

// HandleDomainShutdown removes the VM and prunes it from every attachment
// set. Also handles domain-start-failed. Idempotent.
func (r *Reconciler) HandleDomainShutdown(_ context.Context, ev models.Event) {
	if ev.VM == "" {
		return
	}

	r.reg.RemoveVM(ev.VM)
}

// HandleDomainStart tracks the VM and re-derives its current attachments
// from the directory. Errors leave the attachments unset.
func (r *Reconciler) HandleDomainStart(ctx context.Context, ev models.Event) {
	if ev.VM == "" {
		return
	}

	handle, err := r.dir.VM(ctx, ev.VM)
	if err != nil {
		// Track it anyway; the list-change events will fill in the rest.
		r.log.Debug().Err(err).Str("vm", ev.VM).Msg("Started VM not readable")
		r.reg.AddVM(models.VM{Name: ev.VM, Icon: admin.DefaultIcon})

		return
	}

	r.reg.AddVM(models.VM{Name: ev.VM, Icon: admin.IconOrDefault(ctx, handle)})

	for _, class := range models.DeviceClasses {
		refs, err := handle.Attached(ctx, class)
		if err != nil {
			r.log.Debug().Err(err).Str("vm", ev.VM).Str("class", string(class)).
				Msg("No visibility into started VM's attachments")

			return
		}

		for i := range refs {
			key := refs[i].Key()
			if r.reg.HasDevice(key) {
				r.reg.Attach(key, ev.VM)
			}
		}
	}
}

// HandleLabelChange refreshes the icon of the VM and of every device it
// backs. Events without a VM are global property changes and are ignored.
func (r *Reconciler) HandleLabelChange(ctx context.Context, ev models.Event) {
	if ev.VM == "" {
		return
	}

	handle, err := r.dir.VM(ctx, ev.VM)
	if err != nil {
		// The VM was deleted before its label could be read.
		return
	}

	r.reg.SetIcon(ev.VM, admin.IconOrDefault(ctx, handle))
}

// enumerateAll lists the VM's devices across every tracked class. Any
// failure reduces the whole answer to "no devices".
func (r *Reconciler) enumerateAll(ctx context.Context, vmName string) []*models.Device {
	handle, err := r.dir.VM(ctx, vmName)
	if err != nil {
		r.log.Debug().Err(err).Str("vm", vmName).Msg("Signaling VM no longer reachable")
		return nil
	}

	icon := admin.IconOrDefault(ctx, handle)

	var out []*models.Device

	for _, class := range models.DeviceClasses {
		refs, err := handle.Devices(ctx, class)
		if err != nil {
			ev := r.log.Warn()
			if admin.IsZeroVisibility(err) {
				ev = r.log.Debug()
			}

			ev.Err(err).Str("vm", vmName).Str("class", string(class)).
				Msg("Device enumeration failed, treating VM as empty")

			return nil
		}

		for i := range refs {
			out = append(out, models.NewDevice(&refs[i], icon))
		}
	}

	return out
}

// vmRunning reports whether the VM is verifiably running. Access errors
// count as "not running": the event is ignored rather than trusted.
func (r *Reconciler) vmRunning(ctx context.Context, vmName string) bool {
	handle, err := r.dir.VM(ctx, vmName)
	if err != nil {
		return false
	}

	running, err := handle.IsRunning(ctx)
	if err != nil {
		return false
	}

	return running
}

// backendIcon resolves the icon of a device's backend domain, falling back
// to the default sentinel.
func (r *Reconciler) backendIcon(ctx context.Context, backend string) string {
	handle, err := r.dir.VM(ctx, backend)
	if err != nil {
		return admin.DefaultIcon
	}

	return admin.IconOrDefault(ctx, handle)
}
