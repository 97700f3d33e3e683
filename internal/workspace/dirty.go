package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const dirtyMarkerName = ".flanes-materializing"

type dirtyMarker struct {
	TargetState string `json:"target_state"`
	StartedAt   int64  `json:"started_at"`
}

// markDirty writes the sentinel file before materialize/update begins.
func markDirty(dir, targetState string) error {
	payload, err := json.Marshal(dirtyMarker{TargetState: targetState, StartedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, dirtyMarkerName), payload)
}

// clearDirty removes the sentinel on success.
func clearDirty(dir string) error {
	err := os.Remove(filepath.Join(dir, dirtyMarkerName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsDirty reports whether dir has an unresolved dirty marker, and if so, the
// target state it was interrupted materializing towards.
func IsDirty(dir string) (bool, string, error) {
	data, err := os.ReadFile(filepath.Join(dir, dirtyMarkerName))
	if os.IsNotExist(err) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	var marker dirtyMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return true, "", nil // corrupted marker still counts as dirty
	}
	return true, marker.TargetState, nil
}
