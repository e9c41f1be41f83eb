package blockdev

import "encoding/json"

// wireModel is the lossless, plain-tree JSON shape of a Model, suitable
// for persisting alongside the PID file and reloading after a restart.
type wireModel struct {
	BaseDir      string                 `json:"base_dir"`
	Controllers  map[string]*Controller `json:"controllers"`
	Drives       map[string]*Drive      `json:"drives"`
	DrivePaths   map[string]*DrivePath  `json:"drive_paths"`
	Overlays     map[string]*Overlay    `json:"overlays"`
	Snapshots    []*Snapshot            `json:"snapshots"`
	LastSequence int64                  `json:"last_sequence"`
}

// MarshalJSON implements the to_map half of the round trip directly via
// encoding/json rather than a hand-rolled map walker.
func (m *Model) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := wireModel{
		BaseDir:      m.baseDir,
		Controllers:  m.controllers,
		Drives:       m.drives,
		DrivePaths:   m.drivePaths,
		Overlays:     m.overlays,
		Snapshots:    m.snapshots,
		LastSequence: m.lastSequence,
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements the from_map half of the round trip.
func (m *Model) UnmarshalJSON(data []byte) error {
	var w wireModel
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.baseDir = w.BaseDir
	m.controllers = w.Controllers
	m.drives = w.Drives
	m.drivePaths = w.DrivePaths
	m.overlays = w.Overlays
	m.snapshots = w.Snapshots
	m.lastSequence = w.LastSequence

	if m.controllers == nil {
		m.controllers = make(map[string]*Controller)
	}
	if m.drives == nil {
		m.drives = make(map[string]*Drive)
	}
	if m.drivePaths == nil {
		m.drivePaths = make(map[string]*DrivePath)
	}
	if m.overlays == nil {
		m.overlays = make(map[string]*Overlay)
	}
	return nil
}

// ConfigureFromJSON replaces the model's topology with the given wire
// payload (the same shape MarshalJSON produces), preserving the base
// directory the Model was constructed with when the payload omits one.
// This is the single entry point cmd/backend uses for both first-boot
// topology ("Controllers and drives are created before first boot") and
// resume ("or loaded from a persisted state file when resuming") since
// the wire shape is identical either way.
func (m *Model) ConfigureFromJSON(data []byte) error {
	m.mu.RLock()
	existingBaseDir := m.baseDir
	m.mu.RUnlock()

	if err := m.UnmarshalJSON(data); err != nil {
		return err
	}

	m.mu.Lock()
	if m.baseDir == "" {
		m.baseDir = existingBaseDir
	}
	m.mu.Unlock()
	return nil
}
