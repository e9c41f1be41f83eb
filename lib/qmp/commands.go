package qmp

import "encoding/json"

func unmarshalString(raw json.RawMessage, s *string) error {
	return json.Unmarshal(raw, s)
}

// Convenience wrappers around Call for the fixed set of QMP commands
// this driver issues. Each is a thin method over CallFatal/Call.

// Stop pauses VM execution.
func (c *Client) Stop() error {
	_, err := c.CallFatal(Command{Execute: "stop"})
	return err
}

// Cont resumes VM execution.
func (c *Client) Cont() error {
	_, err := c.CallFatal(Command{Execute: "cont"})
	return err
}

// Quit shuts down QEMU.
func (c *Client) Quit() error {
	_, err := c.CallFatal(Command{Execute: "quit"})
	return err
}

// SystemPowerdown sends an ACPI power button event.
func (c *Client) SystemPowerdown() error {
	_, err := c.CallFatal(Command{Execute: "system_powerdown"})
	return err
}

// SystemReset performs a hard reset.
func (c *Client) SystemReset() error {
	_, err := c.CallFatal(Command{Execute: "system_reset"})
	return err
}

// Eject ejects the medium from the named device.
func (c *Client) Eject(device string) error {
	_, err := c.CallFatal(Command{Execute: "eject", Arguments: map[string]any{"device": device}})
	return err
}

// Balloon requests a new target balloon size in bytes.
func (c *Client) Balloon(bytes uint64) error {
	_, err := c.CallFatal(Command{Execute: "balloon", Arguments: map[string]any{"value": bytes}})
	return err
}

// GetFdCommand builds the getfd request registering a fd-passed
// descriptor under name. It must be sent via CallWithFd, not a plain
// Call, since it needs the ancillary data attached to the same message.
func GetFdCommand(name string) Command {
	return Command{Execute: "getfd", Arguments: map[string]any{"fdname": name}}
}

// MigrateSetCapabilities enables or disables the named migration
// capabilities (e.g. "compress", "events").
func (c *Client) MigrateSetCapabilities(caps map[string]bool) error {
	list := make([]map[string]any, 0, len(caps))
	for name, enabled := range caps {
		list = append(list, map[string]any{"capability": name, "state": enabled})
	}
	_, err := c.CallFatal(Command{
		Execute:   "migrate-set-capabilities",
		Arguments: map[string]any{"capabilities": list},
	})
	return err
}

// MigrateSetParameters sets scalar migration tuning parameters (e.g.
// compress-level, compress-threads, max-bandwidth).
func (c *Client) MigrateSetParameters(params map[string]any) error {
	_, err := c.CallFatal(Command{Execute: "migrate-set-parameters", Arguments: params})
	return err
}

// Migrate starts an outgoing migration to uri.
func (c *Client) Migrate(uri string) error {
	_, err := c.CallFatal(Command{Execute: "migrate", Arguments: map[string]any{"uri": uri}})
	return err
}

// MigrateIncoming starts an incoming migration listening on uri. The
// snapshot engine issues it after Dial's qmp_capabilities handshake, on a
// QEMU process started with -S.
func (c *Client) MigrateIncoming(uri string) error {
	_, err := c.CallFatal(Command{Execute: "migrate-incoming", Arguments: map[string]any{"uri": uri}})
	return err
}

// MigrateCancel cancels an in-flight migration.
func (c *Client) MigrateCancel() error {
	_, err := c.CallFatal(Command{Execute: "migrate_cancel"})
	return err
}

// BlockdevSnapshotSync issues blockdev-snapshot-sync keyed by node-name.
// fatal=false so the caller can retry with the device-keyed fallback.
func (c *Client) BlockdevSnapshotSync(nodeName, snapshotFile, format string) (Response, error) {
	return c.Call(Command{
		Execute: "blockdev-snapshot-sync",
		Arguments: map[string]any{
			"node-name":     nodeName,
			"snapshot-file": snapshotFile,
			"format":        format,
		},
	}, false)
}

// BlockdevSnapshotSyncByDevice is the device-keyed fallback for built-in
// devices that autogenerate node names.
func (c *Client) BlockdevSnapshotSyncByDevice(device, snapshotFile, format string) (Response, error) {
	return c.Call(Command{
		Execute: "blockdev-snapshot-sync",
		Arguments: map[string]any{
			"device":        device,
			"snapshot-file": snapshotFile,
			"format":        format,
		},
	}, false)
}

// HumanMonitorCommand issues a command string through the HMC wrapper,
// used for audio capture (wavcapture/stopcapture) which has no native
// QMP verb.
func (c *Client) HumanMonitorCommand(cmdline string) (string, error) {
	raw, err := c.CallFatal(Command{
		Execute:   "human-monitor-command",
		Arguments: map[string]any{"command-line": cmdline},
	})
	if err != nil {
		return "", err
	}
	var s string
	if err := unmarshalString(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
