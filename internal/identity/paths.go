package identity

import "path/filepath"

// partSuffix marks an in-flight reception; entries ending in this suffix are
// never surfaced by the catalogue.
const partSuffix = ".part"

// Roots names the two directories of a role-specific root: the canonical
// read-only snapshot subvolumes for locally-owned volumes, and the finalized
// encrypted blobs received from peers.
type Roots struct {
	SnapshotRoot string
	BackupRoot   string
}

// SnapshotPath returns where the owning node stores its own read-only
// snapshot subvolume.
func (r Roots) SnapshotPath(s Snapshot) string {
	return filepath.Join(r.SnapshotRoot, s.String())
}

// BackupPath returns where any node stores a finalized encrypted blob
// received from a peer.
func (r Roots) BackupPath(s Snapshot) string {
	return filepath.Join(r.BackupRoot, s.String())
}

// StreamingPath returns the in-flight reception path for s: the same
// filename as BackupPath, suffixed with the ".part" marker. It is renamed to
// BackupPath atomically only on successful completion.
func (r Roots) StreamingPath(s Snapshot) string {
	return r.BackupPath(s) + partSuffix
}

// IsPartFile reports whether name (a directory entry, not a full path) carries
// the in-flight-reception marker and must be skipped by catalogue scans.
func IsPartFile(name string) bool {
	return len(name) > len(partSuffix) && name[len(name)-len(partSuffix):] == partSuffix
}
