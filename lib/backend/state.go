package backend

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/onkernel/qemubackend/lib/blockdev"
)

// persistModel writes model's current topology to path as JSON, so a
// stop_vm survives the process exiting: the next start_vm (or an
// out-of-process inspector) can reconstruct drive/overlay/snapshot state
// without re-deriving it from VmConfig alone.
func persistModel(model *blockdev.Model, path string) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("backend: marshal block device model: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("backend: write block device model state: %w", err)
	}
	return nil
}
