package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
)

// DefaultWindow is how long a device stays in a pending buffer after it is
// first seen there.
const DefaultWindow = 5 * time.Second

type direction string

const (
	directionAdded   direction = "added"
	directionRemoved direction = "removed"
)

// Debouncer batches per-VM device deltas and renotifies on every insertion
// so users always see the full current batch, while a per-device one-shot
// timer bounds how long a device counts as "recently changed". The added
// and removed directions are independent: each VM has one buffer per
// direction and one notification identity per direction.
type Debouncer struct {
	mu      sync.Mutex
	sink    Sink
	window  time.Duration
	log     zerolog.Logger
	buffers map[direction]map[string][]*models.Device
}

// NewDebouncer creates a debouncer with the given window; window <= 0 means
// DefaultWindow.
func NewDebouncer(sink Sink, window time.Duration, log logger.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Debouncer{
		sink:   sink,
		window: window,
		log:    log.WithComponent("debouncer"),
		buffers: map[direction]map[string][]*models.Device{
			directionAdded:   make(map[string][]*models.Device),
			directionRemoved: make(map[string][]*models.Device),
		},
	}
}

// DevicesAdded records newly present devices on a VM and notifies with the
// full current batch.
func (d *Debouncer) DevicesAdded(ctx context.Context, vm string, devs []*models.Device) {
	d.insert(ctx, directionAdded, vm, devs)
}

// DevicesRemoved records newly absent devices on a VM and notifies with the
// full current batch.
func (d *Debouncer) DevicesRemoved(ctx context.Context, vm string, devs []*models.Device) {
	d.insert(ctx, directionRemoved, vm, devs)
}

// PendingAdded returns the keys currently buffered in the VM's added
// direction, in insertion order.
func (d *Debouncer) PendingAdded(vm string) []models.DeviceKey {
	return d.pending(directionAdded, vm)
}

// PendingRemoved returns the keys currently buffered in the VM's removed
// direction, in insertion order.
func (d *Debouncer) PendingRemoved(vm string) []models.DeviceKey {
	return d.pending(directionRemoved, vm)
}

func (d *Debouncer) pending(dir direction, vm string) []models.DeviceKey {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := d.buffers[dir][vm]

	keys := make([]models.DeviceKey, 0, len(buf))
	for _, dev := range buf {
		keys = append(keys, dev.Key)
	}

	return keys
}

func (d *Debouncer) insert(ctx context.Context, dir direction, vm string, devs []*models.Device) {
	if len(devs) == 0 {
		return
	}

	d.mu.Lock()

	buf := d.buffers[dir][vm]

	for _, dev := range devs {
		if containsKey(buf, dev.Key) {
			continue
		}

		buf = append(buf, dev.Clone())

		key := dev.Key
		time.AfterFunc(d.window, func() { d.evict(dir, key) })
	}

	d.buffers[dir][vm] = buf

	n := d.compose(dir, vm, buf)

	d.mu.Unlock()

	if err := d.sink.Notify(ctx, n); err != nil {
		d.log.Warn().Err(err).Str("id", n.ID).Msg("Failed to deliver notification")
	}
}

// evict drops one device from every VM entry of the direction's buffer once
// its window elapses. Expiry is silent; only insertions notify.
func (d *Debouncer) evict(dir direction, key models.DeviceKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byVM := d.buffers[dir]

	for vm, buf := range byVM {
		kept := buf[:0]

		for _, dev := range buf {
			if dev.Key != key {
				kept = append(kept, dev)
			}
		}

		if len(kept) == 0 {
			delete(byVM, vm)
		} else {
			byVM[vm] = kept
		}
	}
}

func (d *Debouncer) compose(dir direction, vm string, buf []*models.Device) models.Notification {
	lines := make([]string, 0, len(buf))
	for _, dev := range buf {
		lines = append(lines, dev.Description)
	}

	sort.Strings(lines)

	title := fmt.Sprintf("Devices added on %s", vm)
	if dir == directionRemoved {
		title = fmt.Sprintf("Devices removed on %s", vm)
	}

	return models.Notification{
		ID:       fmt.Sprintf("device-%s-%s", dir, vm),
		Title:    title,
		Body:     strings.Join(lines, "\n"),
		Priority: models.PriorityLow,
	}
}

func containsKey(buf []*models.Device, key models.DeviceKey) bool {
	for _, dev := range buf {
		if dev.Key == key {
			return true
		}
	}

	return false
}
