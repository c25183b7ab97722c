// Package attach serializes user-initiated attach/detach intents against
// the privileged attachment API. The coordinator never mutates the registry
// on success: the resulting attach/detach events perform the mutation, so
// the success path is idempotent through the reconciler. Only a confirmed
// failure triggers a direct resynchronization, because at that point local
// state may disagree with reality.
package attach

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
	"github.com/vigilhq/devtray/pkg/notify"
	"github.com/vigilhq/devtray/pkg/registry"
)

// ErrUnknownDevice is returned when a toggle names a device the registry
// has never seen.
var ErrUnknownDevice = errors.New("unknown device")

// Coordinator drives the per-device toggle state machine.
type Coordinator struct {
	dir  admin.Directory
	att  admin.Attacher
	reg  *registry.Registry
	sink notify.Sink
	log  zerolog.Logger

	mu    sync.Mutex
	locks map[models.DeviceKey]*sync.Mutex
}

func NewCoordinator(
	dir admin.Directory,
	att admin.Attacher,
	reg *registry.Registry,
	sink notify.Sink,
	log logger.Logger,
) *Coordinator {
	return &Coordinator{
		dir:   dir,
		att:   att,
		reg:   reg,
		sink:  sink,
		log:   log.WithComponent("attach"),
		locks: make(map[models.DeviceKey]*sync.Mutex),
	}
}

// Toggle flips the device's attachment with respect to targetVM. A device
// attached anywhere is detached everywhere first; only then is the attach
// issued. Concurrent toggles on the same device are serialized.
func (c *Coordinator) Toggle(ctx context.Context, key models.DeviceKey, targetVM string) error {
	lock := c.deviceLock(key)
	lock.Lock()
	defer lock.Unlock()

	dev, ok := c.reg.GetDevice(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}

	if dev.AttachedTo(targetVM) {
		return c.detachAll(ctx, dev)
	}

	if err := c.detachAll(ctx, dev); err != nil {
		return err
	}

	return c.attach(ctx, dev, targetVM)
}

func (c *Coordinator) deviceLock(key models.DeviceKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}

	return lock
}

// detachAll best-effort detaches the device from every recorded attachment.
// The first failure aborts the whole operation: remaining attachments stay
// as recorded and the device is resynchronized against ground truth.
func (c *Coordinator) detachAll(ctx context.Context, dev *models.Device) error {
	for _, vm := range dev.AttachmentNames() {
		c.post(ctx, dev, models.PriorityNormal, false,
			"Detaching device",
			fmt.Sprintf("Detaching %s from %s", dev.Description, vm))

		if err := c.att.Detach(ctx, dev.Key, dev.Class, vm); err != nil {
			c.post(ctx, dev, models.PriorityHigh, true,
				"Error",
				fmt.Sprintf("Detaching device %s from %s failed. Error: %v", dev.Description, vm, err))
			c.resync(ctx, dev)

			return fmt.Errorf("detach %s from %s: %w", dev.Key, vm, err)
		}
	}

	return nil
}

func (c *Coordinator) attach(ctx context.Context, dev *models.Device, targetVM string) error {
	c.post(ctx, dev, models.PriorityNormal, false,
		"Attaching device",
		fmt.Sprintf("Attaching %s to %s", dev.Description, targetVM))

	if err := c.att.Attach(ctx, dev.Key, dev.Class, targetVM); err != nil {
		c.post(ctx, dev, models.PriorityHigh, true,
			"Error",
			fmt.Sprintf("Attaching device %s to %s failed. Error: %v", dev.Description, targetVM, err))
		c.resync(ctx, dev)

		return fmt.Errorf("attach %s to %s: %w", dev.Key, targetVM, err)
	}

	return nil
}

// resync re-reads the device's attachments from every known VM. Use only on
// failure, when there is reason to suspect the expected attach/detach
// events were never fired.
func (c *Coordinator) resync(ctx context.Context, dev *models.Device) {
	vms, err := c.dir.VMs(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("device", dev.Key.String()).
			Msg("Cannot resynchronize device, directory unreadable")

		return
	}

	var attachments []string

	for _, vm := range vms {
		refs, err := vm.Attached(ctx, dev.Class)
		if err != nil {
			// No access to this VM's attachments; skip it.
			continue
		}

		for i := range refs {
			if refs[i].Key() == dev.Key {
				attachments = append(attachments, vm.Name())
			}
		}
	}

	c.reg.SetAttachments(dev.Key, attachments)

	c.log.Info().Str("device", dev.Key.String()).Strs("attachments", attachments).
		Msg("Resynchronized device attachments after failed operation")
}

func (c *Coordinator) post(ctx context.Context, dev *models.Device, priority models.NotificationPriority, isErr bool, title, body string) {
	id := dev.Key.String()
	if isErr {
		// Errors get their own identity so they do not replace, and are
		// not replaced by, in-progress notifications for the same device.
		id += "-error"
	}

	n := models.Notification{
		ID:       id,
		Title:    title,
		Body:     body,
		Priority: priority,
		Error:    isErr,
	}

	if err := c.sink.Notify(ctx, n); err != nil {
		c.log.Warn().Err(err).Str("id", n.ID).Msg("Failed to deliver notification")
	}
}
