// Package blockdev models a declarative, serializable tree of controllers,
// drives, and per-snapshot overlay files: it knows how to emit QEMU argv
// and blockdev-snapshot-sync requests, and how to round-trip itself to and
// from JSON so a restarted driver can recreate a live VM's block topology.
package blockdev

import "fmt"

// DriveMedia is the closed set of drive media types.
type DriveMedia string

const (
	MediaDisk  DriveMedia = "disk"
	MediaCdrom DriveMedia = "cdrom"
)

// MarshalJSON validates the closed set on the way out.
func (m DriveMedia) MarshalJSON() ([]byte, error) {
	switch m {
	case MediaDisk, MediaCdrom:
		return []byte(`"` + string(m) + `"`), nil
	default:
		return nil, fmt.Errorf("blockdev: unknown drive media %q", string(m))
	}
}

// UnmarshalJSON validates the closed set on the way in.
func (m *DriveMedia) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	switch DriveMedia(s) {
	case MediaDisk, MediaCdrom:
		*m = DriveMedia(s)
		return nil
	default:
		return fmt.Errorf("blockdev: unknown drive media %q", s)
	}
}

func unquote(data []byte) (string, error) {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return "", fmt.Errorf("blockdev: expected JSON string, got %s", data)
	}
	return string(data[1 : len(data)-1]), nil
}

// Controller is a single QEMU storage controller, emitting one -device
// line. Model is e.g. "virtio-scsi-pci", "ahci", "ide", "nvme".
type Controller struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

// Drive is a logical block device: a media type, its on-disk source, and
// the chain of overlays layered on top of it as snapshots accumulate.
type Drive struct {
	ID          string     `json:"id"`
	Media       DriveMedia `json:"media"`
	NodeName    string     `json:"node_name"`
	SourceFile  string     `json:"source_file"`
	Format      string     `json:"format"`
	SizeBytes   int64      `json:"size_bytes"`
	BootIndex   *int       `json:"boot_index,omitempty"`
	CachePolicy string     `json:"cache_policy,omitempty"`
	Serial      string     `json:"serial,omitempty"`

	// PathIDs lists the DrivePath ids attaching this drive to controllers.
	PathIDs []string `json:"path_ids"`

	// LiveNodeName is the node-name currently receiving writes: either
	// NodeName itself, or the node-name of the newest Overlay.
	LiveNodeName string `json:"live_node_name"`
}

// DrivePath attaches a Drive to a Controller. A drive with more than one
// path is multipath.
type DrivePath struct {
	ID           string `json:"id"`
	DriveID      string `json:"drive_id"`
	ControllerID string `json:"controller_id"`
}

// Overlay is a qcow2 file backed by either a Drive's base node or another
// Overlay, created fresh on every save_snapshot.
type Overlay struct {
	NodeName    string `json:"node_name"`
	File        string `json:"file"`
	Driver      string `json:"driver"`
	BackingNode string `json:"backing_node"`
	DriveID     string `json:"drive_id"`
	SnapshotSeq int64  `json:"snapshot_seq"`
}

// Snapshot is a named, sequence-numbered point in time: a RAM migration
// stream plus the per-drive overlay head active at that moment.
type Snapshot struct {
	Name          string            `json:"name"`
	Sequence      int64             `json:"sequence"`
	RAMFile       string            `json:"ram_file"`
	BlockOverlays map[string]string `json:"block_overlays"` // drive id -> overlay node-name
}
