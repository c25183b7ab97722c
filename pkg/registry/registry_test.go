package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/devtray/pkg/models"
)

func testDevice(backend, ident string) *models.Device {
	return &models.Device{
		Key:         models.DeviceKey{BackendDomain: backend, Ident: ident},
		Description: ident + " device",
		Class:       models.DeviceClassUSB,
		Attachments: make(map[string]struct{}),
	}
}

func TestUpsertAndGetDevice(t *testing.T) {
	reg := New()

	dev := testDevice("sys-usb", "2-1")
	dev.Data = map[string]string{"vendor": "0951"}
	reg.UpsertDevice(dev)

	got, ok := reg.GetDevice(dev.Key)
	require.True(t, ok)
	assert.Equal(t, "2-1 device", got.Description)
	assert.Equal(t, models.DeviceClassUSB, got.Class)

	// Mutate the returned copy to ensure registry state is unaffected.
	got.Data["vendor"] = "mutated"
	got.Attachments["work"] = struct{}{}

	original, ok := reg.GetDevice(dev.Key)
	require.True(t, ok)
	assert.Equal(t, "0951", original.Data["vendor"])
	assert.Empty(t, original.Attachments)
}

func TestMutationsOnAbsentKeysAreNoOps(t *testing.T) {
	reg := New()
	key := models.DeviceKey{BackendDomain: "sys-usb", Ident: "ghost"}

	// None of these may panic or create records.
	reg.RemoveDevice(key)
	reg.Attach(key, "work")
	reg.Detach(key, "work")
	reg.SetAttachments(key, []string{"work"})
	reg.RemoveVM("no-such-vm")

	assert.False(t, reg.HasDevice(key))
	assert.Empty(t, reg.AllDevices())
}

func TestAttachDetachReflectsLatestOperation(t *testing.T) {
	reg := New()
	dev := testDevice("sys-usb", "2-3")
	reg.UpsertDevice(dev)

	reg.Attach(dev.Key, "work")
	reg.Attach(dev.Key, "personal")
	reg.Detach(dev.Key, "work")
	reg.Attach(dev.Key, "work")
	reg.Detach(dev.Key, "personal")

	got, ok := reg.GetDevice(dev.Key)
	require.True(t, ok)
	assert.Equal(t, []string{"work"}, got.AttachmentNames())
}

func TestRemoveVMPrunesAttachmentsAndIsIdempotent(t *testing.T) {
	reg := New()

	devA := testDevice("sys-usb", "2-1")
	devB := testDevice("sys-usb", "2-2")
	reg.UpsertDevice(devA)
	reg.UpsertDevice(devB)
	reg.AddVM(models.VM{Name: "work", Icon: "appvm-blue"})

	reg.Attach(devA.Key, "work")
	reg.Attach(devB.Key, "work")
	reg.Attach(devB.Key, "personal")

	reg.RemoveVM("work")

	_, ok := reg.GetVM("work")
	assert.False(t, ok)

	for _, dev := range reg.AllDevices() {
		assert.False(t, dev.AttachedTo("work"))
	}

	gotB, ok := reg.GetDevice(devB.Key)
	require.True(t, ok)
	assert.Equal(t, []string{"personal"}, gotB.AttachmentNames())

	// Applying the shutdown twice yields the same state.
	reg.RemoveVM("work")

	gotB, ok = reg.GetDevice(devB.Key)
	require.True(t, ok)
	assert.Equal(t, []string{"personal"}, gotB.AttachmentNames())
}

func TestVMsSortedByName(t *testing.T) {
	reg := New()
	reg.AddVM(models.VM{Name: "work"})
	reg.AddVM(models.VM{Name: "anon"})
	reg.AddVM(models.VM{Name: "personal"})

	vms := reg.VMs()
	require.Len(t, vms, 3)
	assert.Equal(t, "anon", vms[0].Name)
	assert.Equal(t, "personal", vms[1].Name)
	assert.Equal(t, "work", vms[2].Name)
}

func TestDevicesBackedBy(t *testing.T) {
	reg := New()
	reg.UpsertDevice(testDevice("sys-usb", "2-1"))
	reg.UpsertDevice(testDevice("sys-usb", "2-2"))
	reg.UpsertDevice(testDevice("sys-net", "1-1"))

	backed := reg.DevicesBackedBy("sys-usb")
	assert.Len(t, backed, 2)

	for _, dev := range backed {
		assert.Equal(t, "sys-usb", dev.Key.BackendDomain)
	}
}

func TestSetIconUpdatesVMAndBackedDevices(t *testing.T) {
	reg := New()
	reg.AddVM(models.VM{Name: "sys-usb", Icon: "appvm-black"})
	reg.UpsertDevice(testDevice("sys-usb", "2-1"))
	reg.UpsertDevice(testDevice("sys-net", "1-1"))

	reg.SetIcon("sys-usb", "appvm-red")

	vm, ok := reg.GetVM("sys-usb")
	require.True(t, ok)
	assert.Equal(t, "appvm-red", vm.Icon)

	dev, ok := reg.GetDevice(models.DeviceKey{BackendDomain: "sys-usb", Ident: "2-1"})
	require.True(t, ok)
	assert.Equal(t, "appvm-red", dev.VMIcon)

	other, ok := reg.GetDevice(models.DeviceKey{BackendDomain: "sys-net", Ident: "1-1"})
	require.True(t, ok)
	assert.NotEqual(t, "appvm-red", other.VMIcon)
}

func TestSetAttachmentsReplacesWholesale(t *testing.T) {
	reg := New()
	dev := testDevice("sys-usb", "2-1")
	reg.UpsertDevice(dev)
	reg.Attach(dev.Key, "work")

	reg.SetAttachments(dev.Key, []string{"personal", "vault"})

	got, ok := reg.GetDevice(dev.Key)
	require.True(t, ok)
	assert.Equal(t, []string{"personal", "vault"}, got.AttachmentNames())
}
