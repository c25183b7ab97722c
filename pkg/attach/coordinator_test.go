package attach

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/admin/admintest"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
	"github.com/vigilhq/devtray/pkg/registry"
)

var errExternal = errors.New("qrexec call failed")

type captureSink struct {
	mu    sync.Mutex
	posts []models.Notification
}

func (s *captureSink) Notify(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.posts = append(s.posts, n)

	return nil
}

func (s *captureSink) all() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Notification, len(s.posts))
	copy(out, s.posts)

	return out
}

func stickKey() models.DeviceKey {
	return models.DeviceKey{BackendDomain: "sys-usb", Ident: "2-1"}
}

func seedDevice(reg *registry.Registry, attachedTo ...string) {
	dev := &models.Device{
		Key:         stickKey(),
		Description: "Kingston DataTraveler",
		Class:       models.DeviceClassUSB,
		Attachments: make(map[string]struct{}),
	}
	for _, vm := range attachedTo {
		dev.Attachments[vm] = struct{}{}
	}

	reg.UpsertDevice(dev)
}

func newTestCoordinator(dir *admintest.FakeDirectory, att *admintest.FakeAttacher) (*Coordinator, *registry.Registry, *captureSink) {
	reg := registry.New()
	sink := &captureSink{}
	coord := NewCoordinator(dir, att, reg, sink, logger.NewTestLogger())

	return coord, reg, sink
}

func TestToggleDetachesBeforeAttaching(t *testing.T) {
	dir := &admintest.FakeDirectory{}
	att := &admintest.FakeAttacher{}
	coord, reg, _ := newTestCoordinator(dir, att)
	seedDevice(reg, "work")

	require.NoError(t, coord.Toggle(context.Background(), stickKey(), "personal"))

	calls := att.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "detach", calls[0].Op)
	assert.Equal(t, "work", calls[0].VM)
	assert.Equal(t, "attach", calls[1].Op)
	assert.Equal(t, "personal", calls[1].VM)
	assert.Equal(t, models.DeviceClassUSB, calls[1].Class)

	// Success never mutates the registry directly; the detach/attach
	// events will.
	dev, _ := reg.GetDevice(stickKey())
	assert.Equal(t, []string{"work"}, dev.AttachmentNames())
}

func TestToggleOnAttachedTargetOnlyDetaches(t *testing.T) {
	dir := &admintest.FakeDirectory{}
	att := &admintest.FakeAttacher{}
	coord, reg, _ := newTestCoordinator(dir, att)
	seedDevice(reg, "work")

	require.NoError(t, coord.Toggle(context.Background(), stickKey(), "work"))

	calls := att.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "detach", calls[0].Op)
}

func TestDetachFailureAbortsToggleAndResyncs(t *testing.T) {
	// Ground truth: the device is still attached to "work".
	dir := &admintest.FakeDirectory{
		VMList: []*admintest.FakeVM{
			{
				VMName: "work", VMClass: "AppVM", Running: true,
				AttachedByClass: map[models.DeviceClass][]models.DeviceRef{
					models.DeviceClassUSB: {{
						BackendDomain: "sys-usb", Ident: "2-1", Class: models.DeviceClassUSB,
					}},
				},
			},
			{VMName: "personal", VMClass: "AppVM", Running: true},
		},
	}
	att := &admintest.FakeAttacher{DetachErrFor: map[string]error{"work": errExternal}}
	coord, reg, sink := newTestCoordinator(dir, att)
	seedDevice(reg, "work")

	err := coord.Toggle(context.Background(), stickKey(), "personal")
	require.ErrorIs(t, err, errExternal)

	// No attach call after the failed detach.
	for _, call := range att.Calls() {
		assert.NotEqual(t, "attach", call.Op)
	}

	// The resync read confirmed the attachment still exists.
	dev, _ := reg.GetDevice(stickKey())
	assert.Equal(t, []string{"work"}, dev.AttachmentNames())

	posts := sink.all()
	require.NotEmpty(t, posts)
	last := posts[len(posts)-1]
	assert.True(t, last.Error)
	assert.Equal(t, models.PriorityHigh, last.Priority)
	assert.Contains(t, last.ID, "-error")
}

func TestAttachFailureReportsAndResyncs(t *testing.T) {
	dir := &admintest.FakeDirectory{
		VMList: []*admintest.FakeVM{
			{VMName: "work", VMClass: "AppVM", Running: true},
			{VMName: "personal", VMClass: "AppVM", Running: true},
		},
	}
	att := &admintest.FakeAttacher{AttachErr: errExternal}
	coord, reg, sink := newTestCoordinator(dir, att)
	seedDevice(reg)

	err := coord.Toggle(context.Background(), stickKey(), "personal")
	require.ErrorIs(t, err, errExternal)

	// Nobody reports the attachment, so the resync clears it.
	dev, _ := reg.GetDevice(stickKey())
	assert.Empty(t, dev.AttachmentNames())

	var sawError bool
	for _, n := range sink.all() {
		if n.Error {
			sawError = true
		}
	}

	assert.True(t, sawError)
}

func TestResyncSkipsUnreadableVMs(t *testing.T) {
	dir := &admintest.FakeDirectory{
		VMList: []*admintest.FakeVM{
			{VMName: "locked", VMClass: "AppVM", Running: true, AttachedErr: admin.ErrAccessDenied},
			{
				VMName: "vault", VMClass: "AppVM", Running: true,
				AttachedByClass: map[models.DeviceClass][]models.DeviceRef{
					models.DeviceClassUSB: {{
						BackendDomain: "sys-usb", Ident: "2-1", Class: models.DeviceClassUSB,
					}},
				},
			},
		},
	}
	att := &admintest.FakeAttacher{AttachErr: errExternal}
	coord, reg, _ := newTestCoordinator(dir, att)
	seedDevice(reg)

	err := coord.Toggle(context.Background(), stickKey(), "work")
	require.Error(t, err)

	dev, _ := reg.GetDevice(stickKey())
	assert.Equal(t, []string{"vault"}, dev.AttachmentNames())
}

func TestToggleUnknownDevice(t *testing.T) {
	coord, _, _ := newTestCoordinator(&admintest.FakeDirectory{}, &admintest.FakeAttacher{})

	err := coord.Toggle(context.Background(), models.DeviceKey{BackendDomain: "x", Ident: "y"}, "work")
	require.ErrorIs(t, err, ErrUnknownDevice)
}
