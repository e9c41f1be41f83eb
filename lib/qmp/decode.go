package qmp

import (
	"encoding/json"
	"fmt"

	"github.com/digitalocean/go-qemu/qmp/raw"
)

// The query-* wrappers decode into go-qemu's generated QAPI types
// (raw.StatusInfo, raw.MigrationInfo, raw.BalloonInfo) rather than
// hand-rolled structs, so status and migration states are the typed
// enums the rest of the driver switches on.

// QueryStatus issues "query-status" and decodes the result.
func (c *Client) QueryStatus() (raw.StatusInfo, error) {
	data, err := c.CallFatal(Command{Execute: "query-status"})
	if err != nil {
		return raw.StatusInfo{}, err
	}
	var info raw.StatusInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return raw.StatusInfo{}, fmt.Errorf("qmp: decode query-status: %w", err)
	}
	return info, nil
}

// QueryMigrate issues "query-migrate" and decodes the result. Status is
// nil before a migration has ever run.
func (c *Client) QueryMigrate() (raw.MigrationInfo, error) {
	data, err := c.CallFatal(Command{Execute: "query-migrate"})
	if err != nil {
		return raw.MigrationInfo{}, err
	}
	var info raw.MigrationInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return raw.MigrationInfo{}, fmt.Errorf("qmp: decode query-migrate: %w", err)
	}
	return info, nil
}

// QueryBalloon issues "query-balloon" and decodes the result.
func (c *Client) QueryBalloon() (raw.BalloonInfo, error) {
	data, err := c.CallFatal(Command{Execute: "query-balloon"})
	if err != nil {
		return raw.BalloonInfo{}, err
	}
	var info raw.BalloonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return raw.BalloonInfo{}, fmt.Errorf("qmp: decode query-balloon: %w", err)
	}
	return info, nil
}
