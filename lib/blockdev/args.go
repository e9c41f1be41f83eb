package blockdev

import (
	"fmt"
	"sort"
)

// Args emits the QEMU argv for the current topology: controllers first,
// then for each drive a -blockdev chain (base through overlays) plus a
// -device binding to its primary path, with additional paths emitting
// additional -device lines referencing the shared node. Deterministic
// given a fixed Model.
func (m *Model) Args() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	args := make([]string, 0, 16*len(m.drives))

	for _, id := range sortedKeys(m.controllers) {
		c := m.controllers[id]
		args = append(args, "-device", fmt.Sprintf("%s,id=%s", c.Model, c.ID))
	}

	for _, driveID := range sortedKeys(m.drives) {
		drive := m.drives[driveID]
		args = append(args, m.blockdevChainArgs(drive)...)

		paths := m.pathsLocked(driveID)
		for i, path := range paths {
			args = append(args, "-device", m.deviceArgForPath(drive, path, i))
		}
	}

	return args
}

// blockdevChainArgs emits one -blockdev per node in the chain, base first.
func (m *Model) blockdevChainArgs(drive *Drive) []string {
	var chain []*Overlay
	node := drive.LiveNodeName
	for {
		o, ok := m.overlays[node]
		if !ok {
			break
		}
		chain = append([]*Overlay{o}, chain...)
		node = o.BackingNode
	}

	var args []string
	args = append(args, "-blockdev", fmt.Sprintf(
		"driver=%s,node-name=%s,file.driver=file,file.filename=%s,cache.direct=off",
		drive.Format, drive.NodeName, drive.SourceFile,
	))
	for _, o := range chain {
		args = append(args, "-blockdev", fmt.Sprintf(
			"driver=%s,node-name=%s,file.driver=file,file.filename=%s,backing=%s",
			o.Driver, o.NodeName, o.File, o.BackingNode,
		))
	}
	return args
}

// deviceArgForPath emits the -device binding for the pathIdx'th path of
// drive. The index keeps device ids unique when a drive has three or
// more paths; bootindex goes only on the primary (index 0).
func (m *Model) deviceArgForPath(drive *Drive, path *DrivePath, pathIdx int) string {
	controller := m.controllers[path.ControllerID]
	deviceModel := "virtio-blk-pci"
	if controller != nil && controller.Model == "ahci" {
		deviceModel = "ide-hd"
		if drive.Media == MediaCdrom {
			deviceModel = "ide-cd"
		}
	} else if drive.Media == MediaCdrom {
		deviceModel = "scsi-cd"
	}

	spec := fmt.Sprintf("%s,drive=%s,id=%s-dev-%d", deviceModel, drive.LiveNodeName, drive.ID, pathIdx)
	if controller != nil {
		spec += fmt.Sprintf(",bus=%s.0", controller.ID)
	}
	if drive.BootIndex != nil && pathIdx == 0 {
		spec += fmt.Sprintf(",bootindex=%d", *drive.BootIndex)
	}
	if drive.Serial != "" {
		spec += fmt.Sprintf(",serial=%s", drive.Serial)
	}
	return spec
}

func (m *Model) pathsLocked(driveID string) []*DrivePath {
	drive, ok := m.drives[driveID]
	if !ok {
		return nil
	}
	paths := make([]*DrivePath, 0, len(drive.PathIDs))
	for _, id := range drive.PathIDs {
		if p, ok := m.drivePaths[id]; ok {
			paths = append(paths, p)
		}
	}
	return paths
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
