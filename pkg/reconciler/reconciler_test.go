package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/admin/admintest"
	"github.com/vigilhq/devtray/pkg/events"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
	"github.com/vigilhq/devtray/pkg/registry"
)

type delta struct {
	vm   string
	keys []models.DeviceKey
}

type captureDeltas struct {
	mu      sync.Mutex
	added   []delta
	removed []delta
}

func (c *captureDeltas) DevicesAdded(_ context.Context, vm string, devs []*models.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.added = append(c.added, delta{vm: vm, keys: keysOf(devs)})
}

func (c *captureDeltas) DevicesRemoved(_ context.Context, vm string, devs []*models.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removed = append(c.removed, delta{vm: vm, keys: keysOf(devs)})
}

func keysOf(devs []*models.Device) []models.DeviceKey {
	keys := make([]models.DeviceKey, 0, len(devs))
	for _, dev := range devs {
		keys = append(keys, dev.Key)
	}

	return keys
}

func usbRef(backend, ident, description string) models.DeviceRef {
	return models.DeviceRef{
		BackendDomain: backend,
		Ident:         ident,
		Class:         models.DeviceClassUSB,
		Description:   description,
	}
}

func runningVM(name string) *admintest.FakeVM {
	return &admintest.FakeVM{VMName: name, VMClass: "AppVM", Running: true}
}

func newTestReconciler(dir *admintest.FakeDirectory) (*Reconciler, *registry.Registry, *captureDeltas) {
	reg := registry.New()
	deltas := &captureDeltas{}
	rec := New(dir, reg, deltas, logger.NewTestLogger())

	return rec, reg, deltas
}

func attachEvent(vm string, ref models.DeviceRef) models.Event {
	return models.Event{
		Kind:   models.DeviceEventKind(models.EventDeviceAttach, ref.Class),
		VM:     vm,
		Device: &ref,
	}
}

func detachEvent(vm string, ref models.DeviceRef) models.Event {
	return models.Event{
		Kind:   models.DeviceEventKind(models.EventDeviceDetach, ref.Class),
		VM:     vm,
		Device: &ref,
	}
}

func TestAttachDetachSequencesTrackLatestOperation(t *testing.T) {
	stick := usbRef("sys-usb", "2-1", "stick")
	dir := &admintest.FakeDirectory{
		VMList: []*admintest.FakeVM{runningVM("sys-usb"), runningVM("work"), runningVM("personal")},
	}
	rec, reg, _ := newTestReconciler(dir)
	ctx := context.Background()

	rec.HandleDeviceAttach(ctx, attachEvent("work", stick))
	rec.HandleDeviceAttach(ctx, attachEvent("personal", stick))
	rec.HandleDeviceDetach(ctx, detachEvent("work", stick))
	rec.HandleDeviceAttach(ctx, attachEvent("work", stick))
	rec.HandleDeviceDetach(ctx, detachEvent("personal", stick))

	dev, ok := reg.GetDevice(stick.Key())
	require.True(t, ok)
	assert.Equal(t, []string{"work"}, dev.AttachmentNames())
}

func TestAttachIgnoredWhenVMNotVerifiablyRunning(t *testing.T) {
	stick := usbRef("sys-usb", "2-1", "stick")
	dir := &admintest.FakeDirectory{
		VMList: []*admintest.FakeVM{
			{VMName: "stopped", VMClass: "AppVM", Running: false},
			{VMName: "opaque", VMClass: "AppVM", RunningErr: admin.ErrAccessDenied},
		},
	}
	rec, reg, _ := newTestReconciler(dir)
	ctx := context.Background()

	rec.HandleDeviceAttach(ctx, attachEvent("stopped", stick))
	rec.HandleDeviceAttach(ctx, attachEvent("opaque", stick))
	rec.HandleDeviceAttach(ctx, attachEvent("gone", stick))

	assert.False(t, reg.HasDevice(stick.Key()))
}

func TestAttachIgnoresUntrackedClass(t *testing.T) {
	pci := models.DeviceRef{BackendDomain: "dom0", Ident: "00_14.0", Class: "pci"}
	dir := &admintest.FakeDirectory{VMList: []*admintest.FakeVM{runningVM("work")}}
	rec, reg, _ := newTestReconciler(dir)

	rec.HandleDeviceAttach(context.Background(), models.Event{Kind: "device-attach:pci", VM: "work", Device: &pci})

	assert.Empty(t, reg.AllDevices())
}

func TestDetachOfUnknownDeviceIsSilentlyIgnored(t *testing.T) {
	stick := usbRef("sys-usb", "9-9", "never seen")
	dir := &admintest.FakeDirectory{VMList: []*admintest.FakeVM{runningVM("work")}}
	rec, reg, _ := newTestReconciler(dir)

	rec.HandleDeviceDetach(context.Background(), detachEvent("work", stick))

	assert.Empty(t, reg.AllDevices())
}

func TestDetachClearsAttachmentAndFeedsRemovedBuffer(t *testing.T) {
	stick := usbRef("sys-usb", "2-1", "stick")
	dir := &admintest.FakeDirectory{
		VMList: []*admintest.FakeVM{runningVM("sys-usb"), runningVM("work")},
	}
	rec, reg, deltas := newTestReconciler(dir)
	ctx := context.Background()

	rec.HandleDeviceAttach(ctx, attachEvent("work", stick))
	rec.HandleDeviceDetach(ctx, detachEvent("work", stick))

	dev, ok := reg.GetDevice(stick.Key())
	require.True(t, ok)
	assert.Empty(t, dev.AttachmentNames())

	require.Len(t, deltas.removed, 1)
	assert.Equal(t, delta{vm: "work", keys: []models.DeviceKey{stick.Key()}}, deltas.removed[0])

	// A duplicate detach clears nothing and must not report again.
	rec.HandleDeviceDetach(ctx, detachEvent("work", stick))
	assert.Len(t, deltas.removed, 1)
}

func TestListChangeAddsAndRemovesByKey(t *testing.T) {
	stick := usbRef("sys-usb", "2-1", "stick")
	camera := usbRef("sys-usb", "2-2", "camera")

	backend := runningVM("sys-usb")
	backend.DevicesByClass = map[models.DeviceClass][]models.DeviceRef{
		models.DeviceClassUSB: {stick, camera},
	}

	dir := &admintest.FakeDirectory{VMList: []*admintest.FakeVM{backend}}
	rec, reg, deltas := newTestReconciler(dir)
	ctx := context.Background()

	rec.HandleDeviceListChange(ctx, models.Event{Kind: "device-list-change:usb", VM: "sys-usb"})

	require.Len(t, deltas.added, 1)
	assert.Equal(t, "sys-usb", deltas.added[0].vm)
	assert.ElementsMatch(t, []models.DeviceKey{stick.Key(), camera.Key()}, deltas.added[0].keys)

	// The enumeration now omits the camera: exactly it is removed.
	backend.DevicesByClass[models.DeviceClassUSB] = []models.DeviceRef{stick}

	rec.HandleDeviceListChange(ctx, models.Event{Kind: "device-list-change:usb", VM: "sys-usb"})

	assert.True(t, reg.HasDevice(stick.Key()))
	assert.False(t, reg.HasDevice(camera.Key()))
	require.Len(t, deltas.removed, 1)
	assert.Equal(t, []models.DeviceKey{camera.Key()}, deltas.removed[0].keys)
}

func TestListChangeTreatsEnumerationFailureAsVMRemoved(t *testing.T) {
	stick := usbRef("sys-usb", "2-1", "stick")

	backend := runningVM("sys-usb")
	backend.DevicesByClass = map[models.DeviceClass][]models.DeviceRef{
		models.DeviceClassUSB: {stick},
	}

	dir := &admintest.FakeDirectory{VMList: []*admintest.FakeVM{backend}}
	rec, reg, deltas := newTestReconciler(dir)
	ctx := context.Background()

	rec.HandleDeviceListChange(ctx, models.Event{Kind: "device-list-change:usb", VM: "sys-usb"})
	require.True(t, reg.HasDevice(stick.Key()))

	backend.DevicesErr = admin.ErrAccessDenied

	rec.HandleDeviceListChange(ctx, models.Event{Kind: "device-list-change:usb", VM: "sys-usb"})

	assert.False(t, reg.HasDevice(stick.Key()))
	require.Len(t, deltas.removed, 1)
	assert.Equal(t, []models.DeviceKey{stick.Key()}, deltas.removed[0].keys)
}

func TestDomainShutdownIsIdempotent(t *testing.T) {
	stick := usbRef("sys-usb", "2-1", "stick")
	dir := &admintest.FakeDirectory{
		VMList: []*admintest.FakeVM{runningVM("sys-usb"), runningVM("work")},
	}
	rec, reg, _ := newTestReconciler(dir)
	ctx := context.Background()

	reg.AddVM(models.VM{Name: "work"})
	rec.HandleDeviceAttach(ctx, attachEvent("work", stick))

	shutdown := models.Event{Kind: models.EventDomainShutdown, VM: "work"}
	rec.HandleDomainShutdown(ctx, shutdown)
	rec.HandleDomainShutdown(ctx, shutdown)

	_, tracked := reg.GetVM("work")
	assert.False(t, tracked)

	dev, ok := reg.GetDevice(stick.Key())
	require.True(t, ok)
	assert.Empty(t, dev.AttachmentNames())
}

func TestDomainStartRederivesAttachments(t *testing.T) {
	stick := usbRef("sys-usb", "2-1", "stick")

	work := runningVM("work")
	work.IconName = "appvm-blue"
	work.AttachedByClass = map[models.DeviceClass][]models.DeviceRef{
		models.DeviceClassUSB: {stick},
	}

	dir := &admintest.FakeDirectory{VMList: []*admintest.FakeVM{runningVM("sys-usb"), work}}
	rec, reg, _ := newTestReconciler(dir)
	ctx := context.Background()

	reg.UpsertDevice(models.NewDevice(&stick, admin.DefaultIcon))

	rec.HandleDomainStart(ctx, models.Event{Kind: models.EventDomainStart, VM: "work"})

	vm, ok := reg.GetVM("work")
	require.True(t, ok)
	assert.Equal(t, "appvm-blue", vm.Icon)

	dev, ok := reg.GetDevice(stick.Key())
	require.True(t, ok)
	assert.Equal(t, []string{"work"}, dev.AttachmentNames())
}

func TestDomainStartSwallowsAttachmentErrors(t *testing.T) {
	work := runningVM("work")
	work.AttachedErr = admin.ErrAccessDenied

	dir := &admintest.FakeDirectory{VMList: []*admintest.FakeVM{work}}
	rec, reg, _ := newTestReconciler(dir)

	rec.HandleDomainStart(context.Background(), models.Event{Kind: models.EventDomainStart, VM: "work"})

	_, ok := reg.GetVM("work")
	assert.True(t, ok)
}

func TestLabelChangeUpdatesIconsWithFallback(t *testing.T) {
	stick := usbRef("sys-usb", "2-1", "stick")

	backend := runningVM("sys-usb")
	backend.IconName = "servicevm-red"

	dir := &admintest.FakeDirectory{VMList: []*admintest.FakeVM{backend}}
	rec, reg, _ := newTestReconciler(dir)
	ctx := context.Background()

	reg.AddVM(models.VM{Name: "sys-usb", Icon: admin.DefaultIcon})
	reg.UpsertDevice(models.NewDevice(&stick, admin.DefaultIcon))

	rec.HandleLabelChange(ctx, models.Event{Kind: models.EventLabelChange, VM: "sys-usb"})

	vm, _ := reg.GetVM("sys-usb")
	assert.Equal(t, "servicevm-red", vm.Icon)

	dev, _ := reg.GetDevice(stick.Key())
	assert.Equal(t, "servicevm-red", dev.VMIcon)

	// Icon read failure falls back to the sentinel default.
	backend.IconErr = admin.ErrAccessDenied
	rec.HandleLabelChange(ctx, models.Event{Kind: models.EventLabelChange, VM: "sys-usb"})

	vm, _ = reg.GetVM("sys-usb")
	assert.Equal(t, admin.DefaultIcon, vm.Icon)

	// Global property change without a VM is ignored.
	rec.HandleLabelChange(ctx, models.Event{Kind: models.EventLabelChange})
}

func TestRegisterCoversAllEventKinds(t *testing.T) {
	dir := &admintest.FakeDirectory{VMList: []*admintest.FakeVM{runningVM("sys-usb"), runningVM("work")}}
	rec, reg, _ := newTestReconciler(dir)

	d := events.NewDispatcher(logger.NewTestLogger())
	rec.Register(d)

	stream := events.NewChanStream(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stick := usbRef("sys-usb", "2-1", "stick")

	require.NoError(t, stream.Emit(ctx, attachEvent("work", stick)))
	require.NoError(t, stream.Emit(ctx, models.Event{Kind: models.EventDomainShutdown, VM: "work"}))
	stream.Close()

	require.NoError(t, d.Run(ctx, stream))

	dev, ok := reg.GetDevice(stick.Key())
	require.True(t, ok)
	assert.Empty(t, dev.AttachmentNames())
}
