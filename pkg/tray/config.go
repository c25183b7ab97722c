package tray

import (
	"errors"
	"time"

	"github.com/vigilhq/devtray/pkg/diskspace"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
	"github.com/vigilhq/devtray/pkg/notify"
)

// NATSConfig locates the event bus. When URL is empty the daemon runs
// standalone: no bus stream, notifications to the log, no control subject.
type NATSConfig struct {
	URL           string `json:"url"`
	Stream        string `json:"stream"`
	Consumer      string `json:"consumer"`
	SubjectPrefix string `json:"subject_prefix"`
	// NotifySubject, when set, routes notifications onto the bus instead of
	// the log.
	NotifySubject  string `json:"notify_subject,omitempty"`
	ControlSubject string `json:"control_subject,omitempty"`
	// Security enables mTLS on the bus connection when present.
	Security *models.SecurityConfig `json:"security,omitempty"`
}

// DiskSpaceConfig tunes the storage usage monitor.
type DiskSpaceConfig struct {
	Enabled  bool            `json:"enabled"`
	Interval models.Duration `json:"interval,omitempty"`
	// HostPath is the host filesystem checked alongside the pools. Empty
	// disables the host check.
	HostPath string `json:"host_path,omitempty"`
}

// Config is the devtrayd service configuration.
type Config struct {
	Logger         *logger.Config  `json:"logging,omitempty"`
	NATS           NATSConfig      `json:"nats"`
	DebounceWindow models.Duration `json:"debounce_window,omitempty"`
	DiskSpace      DiskSpaceConfig `json:"disk_space"`
}

var (
	errStreamRequired   = errors.New("nats.stream is required when nats.url is set")
	errConsumerRequired = errors.New("nats.consumer is required when nats.url is set")
	errPrefixRequired   = errors.New("nats.subject_prefix is required when nats.url is set")
)

// Validate implements config.Validator and fills defaults.
func (c *Config) Validate() error {
	if c.NATS.URL != "" {
		if c.NATS.Stream == "" {
			return errStreamRequired
		}

		if c.NATS.Consumer == "" {
			return errConsumerRequired
		}

		if c.NATS.SubjectPrefix == "" {
			return errPrefixRequired
		}
	}

	if time.Duration(c.DebounceWindow) <= 0 {
		c.DebounceWindow = models.Duration(notify.DefaultWindow)
	}

	if time.Duration(c.DiskSpace.Interval) <= 0 {
		c.DiskSpace.Interval = models.Duration(diskspace.DefaultInterval)
	}

	return nil
}
