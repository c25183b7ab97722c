// Package diskspace polls storage usage across the host's pools and the
// tracked VMs' volumes and raises latched warnings through the notification
// sink. Unlike the device view this is plain threshold polling, so it lives
// beside the event-driven core rather than inside it.
package diskspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
	"github.com/vigilhq/devtray/pkg/notify"
)

const (
	// WarnLevel is the fill fraction at which a VM volume is flagged.
	WarnLevel = 0.90

	// UrgentWarnLevel is the fill fraction at which pool and host
	// filesystem warnings fire.
	UrgentWarnLevel = 0.95

	// DefaultInterval between polls.
	DefaultInterval = 2 * time.Minute

	// optOutFeature, when set on a VM, suppresses its usage warnings.
	optOutFeature = "disk-space-not-notify"

	poolNotificationID = "disk-space-pools"
)

// Monitor polls usage and emits warnings. Warnings latch: a pool warning
// repeats only after the condition clears, and each VM is warned once per
// episode.
type Monitor struct {
	dir      admin.Directory
	sink     notify.Sink
	interval time.Duration
	hostPath string
	log      zerolog.Logger

	poolWarned bool
	vmsWarned  map[string]struct{}

	// hostUsage reports the fill fraction of a host filesystem path.
	// Overridable in tests.
	hostUsage func(ctx context.Context, path string) (float64, error)
}

// NewMonitor creates a monitor. interval <= 0 means DefaultInterval; an
// empty hostPath disables the host filesystem check.
func NewMonitor(dir admin.Directory, sink notify.Sink, interval time.Duration, hostPath string, log logger.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Monitor{
		dir:       dir,
		sink:      sink,
		interval:  interval,
		hostPath:  hostPath,
		log:       log.WithComponent("diskspace"),
		vmsWarned: make(map[string]struct{}),
		hostUsage: gopsutilUsage,
	}
}

func gopsutilUsage(ctx context.Context, path string) (float64, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}

	return stat.UsedPercent / 100, nil
}

// Run polls until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll performs one usage pass. Called once at startup before the ticker
// takes over.
func (m *Monitor) Poll(ctx context.Context) {
	m.checkPools(ctx)
	m.checkVMVolumes(ctx)
}

func (m *Monitor) checkPools(ctx context.Context) {
	var warnings []string

	pools, err := m.dir.Pools(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("Pool usage unreadable")
	}

	for _, pool := range pools {
		if pool.Size == 0 || pool.IncludedIn != "" {
			continue
		}

		usage := float64(pool.Used) / float64(pool.Size)
		if usage >= UrgentWarnLevel {
			warnings = append(warnings,
				fmt.Sprintf("%.1f%% space left in pool %s", (1-usage)*100, pool.Name))
		}

		if pool.MetadataSize > 0 {
			metaUsage := float64(pool.MetadataUsed) / float64(pool.MetadataSize)
			if metaUsage >= UrgentWarnLevel {
				warnings = append(warnings,
					fmt.Sprintf("metadata space for pool %s is running out, current usage: %.1f%%", pool.Name, metaUsage*100))
			}
		}
	}

	if m.hostPath != "" {
		frac, err := m.hostUsage(ctx, m.hostPath)
		if err != nil {
			m.log.Debug().Err(err).Str("path", m.hostPath).Msg("Host filesystem usage unreadable")
		} else if frac >= UrgentWarnLevel {
			warnings = append(warnings,
				fmt.Sprintf("host filesystem %s is %.1f%% full", m.hostPath, frac*100))
		}
	}

	if len(warnings) == 0 {
		m.poolWarned = false
		return
	}

	if m.poolWarned {
		return
	}

	m.poolWarned = true
	m.post(ctx, models.Notification{
		ID:       poolNotificationID,
		Title:    "Disk usage warning!",
		Body:     "You are running out of disk space.\n" + strings.Join(warnings, "\n"),
		Priority: models.PriorityHigh,
	})
}

func (m *Monitor) checkVMVolumes(ctx context.Context) {
	vms, err := m.dir.VMs(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("VM list unreadable")
		return
	}

	problematic := make(map[string]struct{})

	for _, vm := range vms {
		running, err := vm.IsRunning(ctx)
		if err != nil || !running {
			continue
		}

		volumes, err := vm.Volumes(ctx)
		if err != nil {
			continue
		}

		var full bool

		for _, vol := range volumes {
			if vol.Size > 0 && float64(vol.Used)/float64(vol.Size) > WarnLevel {
				full = true
				break
			}
		}

		if !full {
			continue
		}

		problematic[vm.Name()] = struct{}{}

		if _, warned := m.vmsWarned[vm.Name()]; warned {
			continue
		}

		if muted, err := vm.Feature(ctx, optOutFeature); err == nil && muted {
			continue
		}

		m.vmsWarned[vm.Name()] = struct{}{}
		m.post(ctx, models.Notification{
			ID:       "disk-space-" + vm.Name(),
			Title:    "VM usage warning",
			Body:     fmt.Sprintf("VM %s is running out of storage space.", vm.Name()),
			Priority: models.PriorityHigh,
		})
	}

	// Unlatch VMs that recovered so a relapse warns again.
	for name := range m.vmsWarned {
		if _, still := problematic[name]; !still {
			delete(m.vmsWarned, name)
		}
	}
}

func (m *Monitor) post(ctx context.Context, n models.Notification) {
	if err := m.sink.Notify(ctx, n); err != nil {
		m.log.Warn().Err(err).Str("id", n.ID).Msg("Failed to deliver notification")
	}
}
