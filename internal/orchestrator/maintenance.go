package orchestrator

import "os"

// MaintenanceProvider reports whether the whole system is paused.
type MaintenanceProvider interface {
	Active() bool
}

// FileMaintenance treats the presence of a marker file as maintenance mode.
// Creating the file pauses all new invocations; deleting it resumes them. No
// restart or config reload involved.
type FileMaintenance struct {
	path string
}

func NewFileMaintenance(path string) *FileMaintenance {
	return &FileMaintenance{path: path}
}

func (m *FileMaintenance) Active() bool {
	if m.path == "" {
		return false
	}
	_, err := os.Stat(m.path)
	return err == nil
}
