package api

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	recognitionStorageDir = "recognition_session_data"
	collectionStorageDir  = "collection_session_data"
)

// DataDir lays out per-session storage under a root directory. Each session
// gets its own directory, grouped by date:
//
//	root/<kind>/<year>_<month>/<day>/<hour>_<minute>_<second>_<sessionID>/
type DataDir struct {
	root string
	now  func() time.Time
}

func NewDataDir(root string) *DataDir {
	return &DataDir{root: root, now: time.Now}
}

// SessionDir creates and returns the storage directory for one session.
func (d *DataDir) SessionDir(sessionID string, collection bool) (string, error) {
	kind := recognitionStorageDir
	if collection {
		kind = collectionStorageDir
	}
	now := d.now()
	dir := filepath.Join(
		d.root,
		kind,
		fmt.Sprintf("%d_%d", now.Year(), int(now.Month())),
		fmt.Sprintf("%d", now.Day()),
		fmt.Sprintf("%d_%d_%d_%s", now.Hour(), now.Minute(), now.Second(), sessionID),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}
	return dir, nil
}

func writeSessionFile(dir, name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
