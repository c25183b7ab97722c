// Package snapshot builds the initial registry state by enumerating every
// VM once at startup. Partial visibility is the accepted steady state:
// per-VM and per-class failures reduce information, never abort the load.
package snapshot

import (
	"context"
	"fmt"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
	"github.com/vigilhq/devtray/pkg/registry"
)

// Load populates reg from the directory. It fails only when the VM list
// itself cannot be read; everything below that is best effort.
func Load(ctx context.Context, dir admin.Directory, reg *registry.Registry, log logger.Logger) error {
	zl := log.WithComponent("snapshot")

	vms, err := dir.VMs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list VMs: %w", err)
	}

	var tracked []admin.VM

	for _, vm := range vms {
		if vm.Class() == admin.AdminVMClass {
			continue
		}

		running, err := vm.IsRunning(ctx)
		if err != nil {
			// No access to the VM's state; skip it.
			zl.Debug().Err(err).Str("vm", vm.Name()).Msg("Skipping VM with unreadable state")
			continue
		}

		if !running {
			continue
		}

		tracked = append(tracked, vm)
		reg.AddVM(models.VM{Name: vm.Name(), Icon: admin.IconOrDefault(ctx, vm)})
	}

	// Presence pass: record every visible device.
	for _, vm := range tracked {
		icon := admin.IconOrDefault(ctx, vm)

		for _, class := range models.DeviceClasses {
			refs, err := vm.Devices(ctx, class)
			if err != nil {
				ev := zl.Warn()
				if admin.IsZeroVisibility(err) {
					ev = zl.Debug()
				}

				ev.Err(err).Str("vm", vm.Name()).Str("class", string(class)).
					Msg("No visibility into VM devices")

				continue
			}

			for i := range refs {
				reg.UpsertDevice(models.NewDevice(&refs[i], icon))
			}
		}
	}

	// Attachment pass: only devices seen above are linked, which tolerates
	// ghost entries referencing already-removed devices.
	for _, vm := range tracked {
		for _, class := range models.DeviceClasses {
			refs, err := vm.Attached(ctx, class)
			if err != nil {
				zl.Debug().Err(err).Str("vm", vm.Name()).Str("class", string(class)).
					Msg("No visibility into VM attachments")
				continue
			}

			for i := range refs {
				key := refs[i].Key()
				if reg.HasDevice(key) {
					reg.Attach(key, vm.Name())
				}
			}
		}
	}

	zl.Info().Int("vms", len(tracked)).Int("devices", len(reg.AllDevices())).
		Msg("Initial snapshot loaded")

	return nil
}
