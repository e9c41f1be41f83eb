// Package netalloc acquires and releases tap devices and VLAN
// assignments from the host's switch daemon over the system bus,
// shelling out to dbus-send the same way qemu-img is invoked elsewhere.
package netalloc

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

var dbusStringReply = regexp.MustCompile(`string "([^"]*)"`)

const (
	busName    = "org.qemubackend.SwitchDaemon"
	objectPath = "/org/qemubackend/SwitchDaemon"
	ifaceName  = "org.qemubackend.SwitchDaemon"
)

// Allocation is a leased tap device and its VLAN assignment.
type Allocation struct {
	TapName string
	VLAN    int
}

// Client acquires and releases network resources from the switch daemon.
// NonFatal controls whether dbus call failures are ignored
// (QEMU_NON_FATAL_DBUS_CALL; Acquire returns an empty Allocation and
// Release returns nil, and nothing is logged) or returned as an error
// that aborts start_vm.
type Client struct {
	NonFatal bool
}

// New creates a netalloc client.
func New(nonFatal bool) *Client {
	return &Client{NonFatal: nonFatal}
}

// Acquire requests a tap device for workerID's nth NIC.
func (c *Client) Acquire(ctx context.Context, workerID string, nicIndex int) (Allocation, error) {
	out, err := c.call(ctx, "AcquireTap", workerID, strconv.Itoa(nicIndex))
	if err != nil {
		if c.NonFatal {
			return Allocation{}, nil
		}
		return Allocation{}, fmt.Errorf("netalloc: acquire tap: %w", err)
	}
	return parseAllocation(out)
}

// Release returns a previously acquired allocation to the switch daemon.
// Called on the VM's cleanup hook unless stop_only_qemu is set, in
// which case the caller simply does not invoke Release so tap/VLAN
// wiring survives a load_snapshot re-exec.
func (c *Client) Release(ctx context.Context, alloc Allocation) error {
	_, err := c.call(ctx, "ReleaseTap", alloc.TapName)
	if err != nil && !c.NonFatal {
		return fmt.Errorf("netalloc: release tap %q: %w", alloc.TapName, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args ...string) (string, error) {
	dbusArgs := append([]string{
		"--system",
		"--print-reply",
		"--dest=" + busName,
		objectPath,
		ifaceName + "." + method,
	}, stringArgs(args)...)

	cmd := exec.CommandContext(ctx, "dbus-send", dbusArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("dbus-send %s: %w: %s", method, err, string(out))
	}
	return string(out), nil
}

func stringArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = "string:" + a
	}
	return out
}

func parseAllocation(dbusOutput string) (Allocation, error) {
	// dbus-send --print-reply emits one `   string "value"` line per
	// return value in call order: tap name, then vlan id as a string.
	matches := dbusStringReply.FindAllStringSubmatch(dbusOutput, -1)
	if len(matches) < 2 {
		return Allocation{}, fmt.Errorf("netalloc: unparseable dbus reply: %q", dbusOutput)
	}
	vlan, err := strconv.Atoi(matches[1][1])
	if err != nil {
		return Allocation{}, fmt.Errorf("netalloc: unparseable vlan id: %w", err)
	}
	return Allocation{TapName: matches[0][1], VLAN: vlan}, nil
}
