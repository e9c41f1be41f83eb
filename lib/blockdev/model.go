package blockdev

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/samber/lo"
)

// Model holds the entire block-device topology for one VM: controllers,
// drives, multipath attachments, overlay chains, and the ordered snapshot
// history. All cross-references are by id, resolved on demand from arenas
// keyed by id rather than stored as direct pointers, so cyclic references
// between drives, paths, and overlays never need special handling.
type Model struct {
	mu sync.RWMutex

	baseDir string

	controllers map[string]*Controller
	drives      map[string]*Drive
	drivePaths  map[string]*DrivePath
	overlays    map[string]*Overlay // keyed by node-name
	snapshots   []*Snapshot

	lastSequence int64
}

// NewModel creates an empty Model rooted at baseDir. Overlay files are
// always created under baseDir via securejoin, so a maliciously or
// incorrectly named snapshot can never escape it.
func NewModel(baseDir string) *Model {
	return &Model{
		baseDir:     baseDir,
		controllers: make(map[string]*Controller),
		drives:      make(map[string]*Drive),
		drivePaths:  make(map[string]*DrivePath),
		overlays:    make(map[string]*Overlay),
	}
}

// AddController registers a new storage controller.
func (m *Model) AddController(model, id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.controllers[id]; exists {
		return nil, fmt.Errorf("%w: controller %q", ErrDuplicateID, id)
	}
	c := &Controller{ID: id, Model: model}
	m.controllers[id] = c
	return c, nil
}

// AddDrive registers a new drive backed by baseFile. For cdrom media the
// initial live node is a thin qcow2 overlay (<id>-0) created over the base
// so writes never touch the source file. Disk media start on the base node
// itself; no overlay is created for them, read-only base images included.
func (m *Model) AddDrive(id string, media DriveMedia, baseFile, format string, sizeBytes int64) (*Drive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.drives[id]; exists {
		return nil, fmt.Errorf("%w: drive %q", ErrDuplicateID, id)
	}

	baseNodeName := id + "-base"
	d := &Drive{
		ID:         id,
		Media:      media,
		NodeName:   baseNodeName,
		SourceFile: baseFile,
		Format:     format,
		SizeBytes:  sizeBytes,
	}

	if media == MediaCdrom {
		thinFile, err := m.overlayPath(id, 0)
		if err != nil {
			return nil, err
		}
		if err := createQcow2Overlay(thinFile, baseFile, format); err != nil {
			return nil, fmt.Errorf("blockdev: create thin overlay for cdrom %q: %w", id, err)
		}
		thinNode := id + "-0"
		m.overlays[thinNode] = &Overlay{
			NodeName:    thinNode,
			File:        thinFile,
			Driver:      "qcow2",
			BackingNode: baseNodeName,
			DriveID:     id,
			SnapshotSeq: 0,
		}
		d.LiveNodeName = thinNode
	} else {
		d.LiveNodeName = baseNodeName
	}

	m.drives[id] = d
	return d, nil
}

// Attach binds driveID to controllerID via a new DrivePath.
func (m *Model) Attach(driveID, controllerID string) (*DrivePath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drive, ok := m.drives[driveID]
	if !ok {
		return nil, fmt.Errorf("%w: drive %q", ErrNotFound, driveID)
	}
	if _, ok := m.controllers[controllerID]; !ok {
		return nil, fmt.Errorf("%w: controller %q", ErrNotFound, controllerID)
	}

	path := &DrivePath{
		ID:           fmt.Sprintf("%s-path-%d", driveID, len(drive.PathIDs)),
		DriveID:      driveID,
		ControllerID: controllerID,
	}
	m.drivePaths[path.ID] = path
	drive.PathIDs = append(drive.PathIDs, path.ID)
	return path, nil
}

// AddOverlay creates a fresh qcow2 overlay for driveID backed by its
// current live node, bumps the live node to the new overlay, and records
// it under snapshotSeq. The overlay file path is
// <basedir>/<drive-id>-<snapshot-seq>.qcow2, the same filename every time
// a given snapshot sequence is produced so saved states remain loadable
// after a restart (invariant: filename stability).
func (m *Model) AddOverlay(driveID string, snapshotSeq int64) (*Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addOverlayLocked(driveID, snapshotSeq)
}

func (m *Model) addOverlayLocked(driveID string, snapshotSeq int64) (*Overlay, error) {
	drive, ok := m.drives[driveID]
	if !ok {
		return nil, fmt.Errorf("%w: drive %q", ErrNotFound, driveID)
	}

	file, err := m.overlayPath(driveID, snapshotSeq)
	if err != nil {
		return nil, err
	}

	backingFile, backingFormat := drive.SourceFile, drive.Format
	if backing, ok := m.overlays[drive.LiveNodeName]; ok {
		backingFile, backingFormat = backing.File, backing.Driver
	}
	if err := createQcow2Overlay(file, backingFile, backingFormat); err != nil {
		return nil, fmt.Errorf("blockdev: create overlay for drive %q seq %d: %w", driveID, snapshotSeq, err)
	}

	nodeName := fmt.Sprintf("%s-%d", driveID, snapshotSeq)
	overlay := &Overlay{
		NodeName:    nodeName,
		File:        file,
		Driver:      "qcow2",
		BackingNode: drive.LiveNodeName,
		DriveID:     driveID,
		SnapshotSeq: snapshotSeq,
	}
	m.overlays[nodeName] = overlay
	drive.LiveNodeName = nodeName
	return overlay, nil
}

// NextSequence allocates the next monotonic snapshot sequence number.
func (m *Model) NextSequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSequence++
	return m.lastSequence
}

// RecordSnapshot appends a new entry to the ordered snapshot list after
// its overlays have been created. seq must strictly exceed every prior
// recorded sequence.
func (m *Model) RecordSnapshot(name string, seq int64, ramFile string, overlays map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.snapshots) > 0 && seq <= m.snapshots[len(m.snapshots)-1].Sequence {
		return ErrSequenceNotMonotonic
	}

	m.snapshots = append(m.snapshots, &Snapshot{
		Name:          name,
		Sequence:      seq,
		RAMFile:       ramFile,
		BlockOverlays: overlays,
	})
	return nil
}

// RevertTo drops every overlay created after the named snapshot's
// sequence number (for every drive), deletes their files, resets each
// affected drive's live node, and truncates the ordered snapshot list.
func (m *Model) RevertTo(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, s := range m.snapshots {
		if s.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
	}
	target := m.snapshots[idx]

	stale := lo.Filter(lo.Values(m.overlays), func(o *Overlay, _ int) bool {
		return o.SnapshotSeq > target.Sequence
	})

	for _, o := range stale {
		if err := os.Remove(o.File); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blockdev: remove stale overlay %q: %w", o.File, err)
		}
		delete(m.overlays, o.NodeName)
	}

	for driveID, nodeName := range target.BlockOverlays {
		if drive, ok := m.drives[driveID]; ok {
			drive.LiveNodeName = nodeName
		}
	}

	m.snapshots = m.snapshots[:idx+1]
	return nil
}

// CanHandleSnapshots reports whether snapshots are possible: false when
// any controller uses the nvme model (NVMe cannot be migrated in QEMU),
// true otherwise. save_snapshot/load_snapshot both check it and refuse
// before issuing any QMP command.
func (m *Model) CanHandleSnapshots() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.controllers {
		if c.Model == "nvme" {
			return false
		}
	}
	return true
}

// Invariants checks unique ids, controller references, strictly growing
// snapshot sequence numbers, and that every drive has at least one path
// whose controller exists.
func (m *Model) Invariants() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, drive := range m.drives {
		if len(drive.PathIDs) == 0 {
			return fmt.Errorf("blockdev: drive %q has no paths", id)
		}
		validPaths := lo.Filter(drive.PathIDs, func(pathID string, _ int) bool {
			path, ok := m.drivePaths[pathID]
			if !ok {
				return false
			}
			_, ok = m.controllers[path.ControllerID]
			return ok
		})
		if len(validPaths) != len(drive.PathIDs) {
			return fmt.Errorf("blockdev: drive %q has a path with a dangling controller reference", id)
		}
	}

	var lastSeq int64 = -1
	for _, s := range m.snapshots {
		if s.Sequence <= lastSeq {
			return ErrSequenceNotMonotonic
		}
		lastSeq = s.Sequence
	}

	return nil
}

// DriveIDs returns every drive id in sorted order, giving callers that
// must iterate all drives (e.g. the snapshot engine) a deterministic
// order.
func (m *Model) DriveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.drives)
}

// Drives returns a snapshot copy of the drive map for read-only iteration.
func (m *Model) Drives() map[string]*Drive {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Drive, len(m.drives))
	for k, v := range m.drives {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Controllers returns a snapshot copy of the controller map.
func (m *Model) Controllers() map[string]*Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Controller, len(m.controllers))
	for k, v := range m.controllers {
		cp := *v
		out[k] = &cp
	}
	return out
}

// DrivePaths returns the paths attaching driveID to its controllers, in
// attachment order.
func (m *Model) DrivePaths(driveID string) []*DrivePath {
	m.mu.RLock()
	defer m.mu.RUnlock()
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

// OverlayChain returns the overlay chain for driveID from the live node
// back to (but excluding) the base, outermost first.
func (m *Model) OverlayChain(driveID string) []*Overlay {
	m.mu.RLock()
	defer m.mu.RUnlock()
	drive, ok := m.drives[driveID]
	if !ok {
		return nil
	}
	var chain []*Overlay
	node := drive.LiveNodeName
	for {
		o, ok := m.overlays[node]
		if !ok {
			break
		}
		chain = append(chain, o)
		node = o.BackingNode
	}
	return chain
}

// Snapshots returns the ordered snapshot list.
func (m *Model) Snapshots() []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

func (m *Model) overlayPath(driveID string, seq int64) (string, error) {
	name := fmt.Sprintf("%s-%d.qcow2", driveID, seq)
	return securejoin.SecureJoin(m.baseDir, name)
}

// createQcow2Overlay shells out to qemu-img to create a qcow2 file
// backed by backingFile.
func createQcow2Overlay(file, backingFile, backingFormat string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}
	args := []string{"create", "-f", "qcow2"}
	if backingFile != "" {
		if backingFormat == "" {
			backingFormat = "qcow2"
		}
		args = append(args, "-F", backingFormat, "-b", backingFile)
	}
	args = append(args, file)
	cmd := exec.Command("qemu-img", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img create: %w: %s", err, string(out))
	}
	return nil
}
