// Package qvmcli implements the admin contracts on top of the host's qvm-*
// command-line tools. The daemon runs unprivileged; every query shells out
// and maps tool failures onto the admin error taxonomy.
package qvmcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vigilhq/devtray/pkg/admin"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/models"
)

// Runner executes one host command and returns its stdout. Injected so tests
// can script tool output without a Qubes host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return out, nil
}

// Client talks to the Qubes admin layer through CLI tools. It implements
// admin.Directory and admin.Attacher.
type Client struct {
	run Runner
	log zerolog.Logger
}

func New(log logger.Logger) *Client {
	return &Client{run: execRunner{}, log: log.WithComponent("qvmcli")}
}

// NewWithRunner builds a client over a custom runner.
func NewWithRunner(run Runner, log logger.Logger) *Client {
	return &Client{run: run, log: log.WithComponent("qvmcli")}
}

// mapToolError folds the tools' stderr phrasing onto the error taxonomy.
func mapToolError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "no such domain"), strings.Contains(msg, "domain not found"):
		return fmt.Errorf("%w: %s", admin.ErrVMGone, err)
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %s", admin.ErrAccessDenied, err)
	default:
		return err
	}
}

// vmRow is one line of `qvm-ls --raw-data`.
type vmRow struct {
	name  string
	class string
	state string
	label string
}

func (c *Client) listVMs(ctx context.Context, name string) ([]vmRow, error) {
	args := []string{"--raw-data", "--fields", "NAME,CLASS,STATE,LABEL"}
	if name != "" {
		args = append(args, name)
	}

	out, err := c.run.Run(ctx, "qvm-ls", args...)
	if err != nil {
		return nil, mapToolError(err)
	}

	var rows []vmRow

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, "|")
		if len(fields) != 4 {
			c.log.Debug().Str("line", line).Msg("Skipping unparseable qvm-ls row")
			continue
		}

		rows = append(rows, vmRow{
			name:  fields[0],
			class: fields[1],
			state: fields[2],
			label: fields[3],
		})
	}

	return rows, nil
}

// VMs implements admin.Directory.
func (c *Client) VMs(ctx context.Context) ([]admin.VM, error) {
	rows, err := c.listVMs(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}

	out := make([]admin.VM, 0, len(rows))
	for _, row := range rows {
		out = append(out, &cliVM{client: c, row: row})
	}

	return out, nil
}

// VM implements admin.Directory.
func (c *Client) VM(ctx context.Context, name string) (admin.VM, error) {
	rows, err := c.listVMs(ctx, name)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row.name == name {
			return &cliVM{client: c, row: row}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", admin.ErrVMGone, name)
}

// Attach implements admin.Attacher. Assignments are deliberately
// non-persistent (no --persistent flag) so they vanish on VM restart.
func (c *Client) Attach(ctx context.Context, key models.DeviceKey, class models.DeviceClass, vm string) error {
	_, err := c.run.Run(ctx, "qvm-device", string(class), "attach", vm, key.String())
	return mapToolError(err)
}

// Detach implements admin.Attacher.
func (c *Client) Detach(ctx context.Context, key models.DeviceKey, class models.DeviceClass, vm string) error {
	_, err := c.run.Run(ctx, "qvm-device", string(class), "detach", vm, key.String())
	return mapToolError(err)
}

// deviceRow is one line of `qvm-device <class> list`: backend:ident,
// description, and the frontends the device is attached to, in columns
// separated by runs of two or more spaces.
type deviceRow struct {
	key       models.DeviceKey
	desc      string
	frontends []string
}

func (c *Client) listDevices(ctx context.Context, class models.DeviceClass) ([]deviceRow, error) {
	out, err := c.run.Run(ctx, "qvm-device", string(class), "list")
	if err != nil {
		return nil, mapToolError(err)
	}

	var rows []deviceRow

	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		row, ok := parseDeviceLine(line)
		if !ok {
			c.log.Debug().Str("line", line).Msg("Skipping unparseable qvm-device row")
			continue
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func parseDeviceLine(line string) (deviceRow, bool) {
	cols := splitColumns(line)
	if len(cols) < 2 {
		return deviceRow{}, false
	}

	backend, ident, ok := strings.Cut(cols[0], ":")
	if !ok || backend == "" || ident == "" {
		return deviceRow{}, false
	}

	row := deviceRow{
		key:  models.DeviceKey{BackendDomain: backend, Ident: ident},
		desc: cols[1],
	}

	if len(cols) > 2 {
		for _, fe := range strings.Split(cols[2], ",") {
			fe = strings.TrimSpace(fe)
			// Attachment options ride in parentheses after the name.
			if i := strings.IndexByte(fe, ' '); i > 0 {
				fe = fe[:i]
			}

			if fe != "" {
				row.frontends = append(row.frontends, fe)
			}
		}
	}

	return row, true
}

// splitColumns splits on runs of two or more spaces, the column separator
// qvm-device prints.
func splitColumns(line string) []string {
	var cols []string

	for _, part := range strings.Split(line, "  ") {
		part = strings.TrimSpace(part)
		if part != "" {
			cols = append(cols, part)
		}
	}

	return cols
}

// cliVM is a VM handle bound to one qvm-ls row. State-dependent queries go
// back to the tools; identity fields come from the row.
type cliVM struct {
	client *Client
	row    vmRow
}

func (v *cliVM) Name() string  { return v.row.name }
func (v *cliVM) Class() string { return v.row.class }

func (v *cliVM) IsRunning(ctx context.Context) (bool, error) {
	rows, err := v.client.listVMs(ctx, v.row.name)
	if err != nil {
		return false, err
	}

	for _, row := range rows {
		if row.name == v.row.name {
			return row.state == "Running", nil
		}
	}

	return false, fmt.Errorf("%w: %s", admin.ErrVMGone, v.row.name)
}

// Icon derives the icon reference the way the admin layer does: class prefix
// plus label color.
func (v *cliVM) Icon(_ context.Context) (string, error) {
	if v.row.label == "" {
		return "", nil
	}

	prefix := "appvm"

	switch v.row.class {
	case "TemplateVM":
		prefix = "templatevm"
	case "StandaloneVM":
		prefix = "standalonevm"
	case "DispVM":
		prefix = "dispvm"
	}

	return prefix + "-" + v.row.label, nil
}

func (v *cliVM) Devices(ctx context.Context, class models.DeviceClass) ([]models.DeviceRef, error) {
	rows, err := v.client.listDevices(ctx, class)
	if err != nil {
		return nil, err
	}

	var refs []models.DeviceRef

	for _, row := range rows {
		if row.key.BackendDomain != v.row.name {
			continue
		}

		refs = append(refs, models.DeviceRef{
			BackendDomain: row.key.BackendDomain,
			Ident:         row.key.Ident,
			Class:         class,
			Description:   row.desc,
		})
	}

	return refs, nil
}

func (v *cliVM) Attached(ctx context.Context, class models.DeviceClass) ([]models.DeviceRef, error) {
	rows, err := v.client.listDevices(ctx, class)
	if err != nil {
		return nil, err
	}

	var refs []models.DeviceRef

	for _, row := range rows {
		for _, fe := range row.frontends {
			if fe != v.row.name {
				continue
			}

			refs = append(refs, models.DeviceRef{
				BackendDomain: row.key.BackendDomain,
				Ident:         row.key.Ident,
				Class:         class,
				Description:   row.desc,
			})

			break
		}
	}

	return refs, nil
}

// standard volumes every qube carries; others are enumerated lazily when the
// tools learn to report them in one call.
var vmVolumes = []string{"root", "private"}

func (v *cliVM) Volumes(ctx context.Context) ([]admin.VolumeUsage, error) {
	var out []admin.VolumeUsage

	for _, vol := range vmVolumes {
		size, err := v.volumeProperty(ctx, vol, "size")
		if err != nil {
			return nil, err
		}

		used, err := v.volumeProperty(ctx, vol, "usage")
		if err != nil {
			return nil, err
		}

		out = append(out, admin.VolumeUsage{Name: vol, Size: size, Used: used})
	}

	return out, nil
}

func (v *cliVM) volumeProperty(ctx context.Context, volume, property string) (uint64, error) {
	out, err := v.client.run.Run(ctx, "qvm-volume", "info", v.row.name+":"+volume, property)
	if err != nil {
		return 0, mapToolError(err)
	}

	n, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s of %s:%s: %w", property, v.row.name, volume, err)
	}

	return n, nil
}

func (v *cliVM) Feature(ctx context.Context, name string) (bool, error) {
	out, err := v.client.run.Run(ctx, "qvm-features", v.row.name, name)
	if err != nil {
		// qvm-features exits 1 when the feature is unset.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}

		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}

		return false, mapToolError(err)
	}

	value := strings.TrimSpace(string(out))

	return value != "" && value != "0", nil
}

// Pools implements admin.Directory.
func (c *Client) Pools(ctx context.Context) ([]admin.PoolUsage, error) {
	out, err := c.run.Run(ctx, "qvm-pool", "list")
	if err != nil {
		return nil, mapToolError(err)
	}

	var pools []admin.PoolUsage

	for i, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || (i == 0 && strings.EqualFold(fields[0], "NAME")) {
			continue
		}

		pool, err := c.poolInfo(ctx, fields[0])
		if err != nil {
			c.log.Debug().Err(err).Str("pool", fields[0]).Msg("Pool unreadable, skipping")
			continue
		}

		pools = append(pools, pool)
	}

	return pools, nil
}

func (c *Client) poolInfo(ctx context.Context, name string) (admin.PoolUsage, error) {
	out, err := c.run.Run(ctx, "qvm-pool", "info", name)
	if err != nil {
		return admin.PoolUsage{}, mapToolError(err)
	}

	pool := admin.PoolUsage{Name: name}

	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		key, value := fields[0], fields[1]

		switch key {
		case "size":
			pool.Size, _ = strconv.ParseUint(value, 10, 64)
		case "usage":
			pool.Used, _ = strconv.ParseUint(value, 10, 64)
		case "metadata_size":
			pool.MetadataSize, _ = strconv.ParseUint(value, 10, 64)
		case "metadata_usage":
			pool.MetadataUsed, _ = strconv.ParseUint(value, 10, 64)
		case "included_in":
			pool.IncludedIn = value
		}
	}

	return pool, nil
}
