package snapshot

import "os"

// FileStore is the on-disk primary store: numbered snapshot files
// under <DataDir>/snapshots plus the JSON evolution export.
type FileStore struct {
	DataDir string

	// ExportJSON also writes the enhanced_evolution_*.json progress
	// file alongside each snapshot.
	ExportJSON bool
}

func (fs FileStore) Save(snap SnapshotV1) (string, error) {
	path := Path(fs.DataDir, snap.Header.GameNumber)
	if err := Write(path, snap); err != nil {
		return "", err
	}
	if fs.ExportJSON {
		// Best effort; the snapshot is already durable.
		_, _ = WriteEvolutionExport(fs.DataDir, snap)
	}
	return path, nil
}

func (fs FileStore) LoadLatest() (SnapshotV1, bool, error) {
	path := Latest(fs.DataDir)
	if path == "" {
		return SnapshotV1{}, false, nil
	}
	snap, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotV1{}, false, nil
		}
		return SnapshotV1{}, false, err
	}
	return snap, true, nil
}
