// Package catalogue enumerates local snapshots and received backups and
// derives the tuples a SyncPlanner needs to decide what to ship.
package catalogue

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/subvolsync/subvolsync/internal/identity"
)

// Catalogue errors, one sentinel per distinct absence/violation kind so
// callers can treat "not found" differently from "malformed".
var (
	ErrForeignSubvolume     = errors.New("catalogue: subvolume is not owned locally")
	ErrNoSuchSubvolume      = errors.New("catalogue: no such subvolume")
	ErrNoFullSnapshot       = errors.New("catalogue: no full snapshot")
	ErrNoIncrementalSnap    = errors.New("catalogue: no incremental snapshot")
	ErrNoFullBackup         = errors.New("catalogue: no full backup")
	ErrNoIncrementalBackup  = errors.New("catalogue: no incremental backup")
	ErrSnapshotExists       = errors.New("catalogue: snapshot already exists")
	ErrSnapshotNotGone      = errors.New("catalogue: snapshot was not removed")
)

// NoneTime is the distinguished sentinel for "no snapshot of this kind is
// known yet" — the minimum representable timestamp.
var NoneTime = time.Time{}

// LatestSnapshots holds the catalogue tips for one volume: the most recent
// taken time of each kind, or NoneTime if absent.
type LatestSnapshots struct {
	LastFull        time.Time
	LastIncremental time.Time
}

// Catalogue is the queryable view over a role's snapshot and backup
// directories for a single local node.
type Catalogue struct {
	Roots     identity.Roots
	LocalNode string
	Owned     map[string]bool // subvol name -> owned locally
}

// New builds a Catalogue for localNode, given the set of locally-owned
// subvolume names.
func New(roots identity.Roots, localNode string, ownedSubvols []string) *Catalogue {
	owned := make(map[string]bool, len(ownedSubvols))
	for _, s := range ownedSubvols {
		owned[s] = true
	}
	return &Catalogue{Roots: roots, LocalNode: localNode, Owned: owned}
}

func (c *Catalogue) isOwnedVolume(v identity.Volume) bool {
	return v.Node == c.LocalNode && c.Owned[v.Subvol]
}

// AllSnapshots scans the snapshot root. If subvol is non-nil, only entries
// for that subvolume are returned and subvol must be owned locally.
// Unparseable entries bubble their parse error: they indicate operator
// tampering with the snapshot directory.
func (c *Catalogue) AllSnapshots(subvol *string) ([]identity.Snapshot, error) {
	if subvol != nil && !c.Owned[*subvol] {
		return nil, ErrForeignSubvolume
	}

	entries, err := os.ReadDir(c.Roots.SnapshotRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalogue: reading snapshot root: %w", err)
	}

	var out []identity.Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if identity.IsPartFile(name) {
			continue
		}
		snap, err := identity.ParseSnapshot(name)
		if err != nil {
			return nil, fmt.Errorf("catalogue: parsing snapshot entry %q: %w", name, err)
		}
		if snap.Volume.Node != c.LocalNode {
			continue
		}
		if subvol != nil && snap.Volume.Subvol != *subvol {
			continue
		}
		out = append(out, snap)
	}
	sortByTaken(out)
	return out, nil
}

// AllBackups scans the backup root. Entries ending in the ".part" marker are
// silently skipped. If volume is non-nil, only entries for that volume are
// returned.
func (c *Catalogue) AllBackups(volume *identity.Volume) ([]identity.Snapshot, error) {
	entries, err := os.ReadDir(c.Roots.BackupRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalogue: reading backup root: %w", err)
	}

	var out []identity.Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if identity.IsPartFile(name) {
			continue
		}
		snap, err := identity.ParseSnapshot(name)
		if err != nil {
			return nil, fmt.Errorf("catalogue: parsing backup entry %q: %w", name, err)
		}
		if volume != nil && snap.Volume != *volume {
			continue
		}
		out = append(out, snap)
	}
	sortByTaken(out)
	return out, nil
}

func (c *Catalogue) listFor(v identity.Volume) ([]identity.Snapshot, error) {
	if c.isOwnedVolume(v) {
		subvol := v.Subvol
		return c.AllSnapshots(&subvol)
	}
	return c.AllBackups(&v)
}

// LatestFull returns the maximum-Taken full snapshot/backup of v.
func (c *Catalogue) LatestFull(v identity.Volume) (identity.Snapshot, error) {
	snaps, err := c.listFor(v)
	if err != nil {
		return identity.Snapshot{}, err
	}
	best, ok := maxOfKind(snaps, identity.Full, nil)
	if !ok {
		if c.isOwnedVolume(v) {
			return identity.Snapshot{}, ErrNoFullSnapshot
		}
		return identity.Snapshot{}, ErrNoFullBackup
	}
	return best, nil
}

// LatestIncremental returns the maximum-Taken incremental snapshot/backup of v.
func (c *Catalogue) LatestIncremental(v identity.Volume) (identity.Snapshot, error) {
	snaps, err := c.listFor(v)
	if err != nil {
		return identity.Snapshot{}, err
	}
	best, ok := maxOfKind(snaps, identity.Incremental, nil)
	if !ok {
		if c.isOwnedVolume(v) {
			return identity.Snapshot{}, ErrNoIncrementalSnap
		}
		return identity.Snapshot{}, ErrNoIncrementalBackup
	}
	return best, nil
}

// LatestSnapshots returns both catalogue tips for v. Missing kinds are
// reported as NoneTime rather than an error.
func (c *Catalogue) LatestSnapshots(v identity.Volume) (LatestSnapshots, error) {
	snaps, err := c.listFor(v)
	if err != nil {
		return LatestSnapshots{}, err
	}
	var tips LatestSnapshots
	if best, ok := maxOfKind(snaps, identity.Full, nil); ok {
		tips.LastFull = best.Taken
	}
	if best, ok := maxOfKind(snaps, identity.Incremental, nil); ok {
		tips.LastIncremental = best.Taken
	}
	return tips, nil
}

// AllFullAfter returns every full snapshot/backup of v with Taken > t. Order
// is unspecified.
func (c *Catalogue) AllFullAfter(v identity.Volume, t time.Time) ([]identity.Snapshot, error) {
	return c.allAfter(v, identity.Full, t)
}

// AllIncrementalAfter returns every incremental snapshot/backup of v with
// Taken > t. Order is unspecified.
func (c *Catalogue) AllIncrementalAfter(v identity.Volume, t time.Time) ([]identity.Snapshot, error) {
	return c.allAfter(v, identity.Incremental, t)
}

func (c *Catalogue) allAfter(v identity.Volume, kind identity.Kind, t time.Time) ([]identity.Snapshot, error) {
	snaps, err := c.listFor(v)
	if err != nil {
		return nil, err
	}
	var out []identity.Snapshot
	for _, s := range snaps {
		if s.Kind == kind && s.Taken.After(t) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ParentOf returns the snapshot to base an incremental send of child on: the
// maximum-Taken snapshot among the latest full and latest incremental
// strictly older than child, among local snapshots/backups of child's
// volume. Fails with ErrNoFullSnapshot if no full snapshot is older than
// child — an incremental without a preceding full cannot be sent.
func (c *Catalogue) ParentOf(child identity.Snapshot) (identity.Snapshot, error) {
	snaps, err := c.listFor(child.Volume)
	if err != nil {
		return identity.Snapshot{}, err
	}

	before := child.Taken
	fullBefore, hasFull := maxOfKind(snaps, identity.Full, &before)
	if !hasFull {
		return identity.Snapshot{}, ErrNoFullSnapshot
	}
	incrBefore, hasIncr := maxOfKind(snaps, identity.Incremental, &before)

	if hasIncr && incrBefore.Taken.After(fullBefore.Taken) {
		return incrBefore, nil
	}
	return fullBefore, nil
}

// maxOfKind returns the maximum-Taken snapshot of the given kind in snaps. If
// before is non-nil, only snapshots strictly older than *before are
// considered.
func maxOfKind(snaps []identity.Snapshot, kind identity.Kind, before *time.Time) (identity.Snapshot, bool) {
	var best identity.Snapshot
	found := false
	for _, s := range snaps {
		if s.Kind != kind {
			continue
		}
		if before != nil && !s.Taken.Before(*before) {
			continue
		}
		if !found || s.Taken.After(best.Taken) {
			best = s
			found = true
		}
	}
	return best, found
}

func sortByTaken(snaps []identity.Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Taken.Before(snaps[j].Taken) })
}
