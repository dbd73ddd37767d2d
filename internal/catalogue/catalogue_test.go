package catalogue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/subvolsync/subvolsync/internal/identity"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
		t.Fatalf("writing fixture %q: %v", name, err)
	}
}

func newFixture(t *testing.T) *Catalogue {
	t.Helper()
	root := t.TempDir()
	roots := identity.Roots{
		SnapshotRoot: filepath.Join(root, "snapshots"),
		BackupRoot:   filepath.Join(root, "backups"),
	}
	if err := os.MkdirAll(roots.SnapshotRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(roots.BackupRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	return New(roots, "alpha", []string{"home"})
}

func TestAllSnapshotsFiltersForeignAndPart(t *testing.T) {
	cat := newFixture(t)
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_full_20240101000000")
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_incr_20240102000000")
	touch(t, cat.Roots.SnapshotRoot, "beta_other_full_20240101000000") // foreign node, must be skipped
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_full_20240103000000.part")

	snaps, err := cat.AllSnapshots(nil)
	if err != nil {
		t.Fatalf("AllSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2: %+v", len(snaps), snaps)
	}
}

func TestAllSnapshotsForeignSubvolume(t *testing.T) {
	cat := newFixture(t)
	other := "not-owned"
	if _, err := cat.AllSnapshots(&other); !errors.Is(err, ErrForeignSubvolume) {
		t.Errorf("got %v, want ErrForeignSubvolume", err)
	}
}

func TestAllBackupsSkipsPart(t *testing.T) {
	cat := newFixture(t)
	touch(t, cat.Roots.BackupRoot, "beta_home_full_20240101000000")
	touch(t, cat.Roots.BackupRoot, "beta_home_full_20240102000000.part")

	backups, err := cat.AllBackups(nil)
	if err != nil {
		t.Fatalf("AllBackups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("got %d backups, want 1: %+v", len(backups), backups)
	}
}

func TestLatestSnapshotsNoneSentinel(t *testing.T) {
	cat := newFixture(t)
	tips, err := cat.LatestSnapshots(identity.Volume{Node: "alpha", Subvol: "home"})
	if err != nil {
		t.Fatalf("LatestSnapshots: %v", err)
	}
	if !tips.LastFull.Equal(NoneTime) || !tips.LastIncremental.Equal(NoneTime) {
		t.Errorf("expected both tips to be NoneTime, got %+v", tips)
	}
}

func TestLatestFullDispatchesOwnedVsBackup(t *testing.T) {
	cat := newFixture(t)
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_full_20240101000000")
	touch(t, cat.Roots.BackupRoot, "beta_remote_full_20240105000000")

	owned, err := cat.LatestFull(identity.Volume{Node: "alpha", Subvol: "home"})
	if err != nil {
		t.Fatalf("LatestFull(owned): %v", err)
	}
	if owned.Volume.Node != "alpha" {
		t.Errorf("expected owned dispatch to read snapshot root, got %+v", owned)
	}

	foreign, err := cat.LatestFull(identity.Volume{Node: "beta", Subvol: "remote"})
	if err != nil {
		t.Fatalf("LatestFull(foreign): %v", err)
	}
	if foreign.Volume.Node != "beta" {
		t.Errorf("expected foreign dispatch to read backup root, got %+v", foreign)
	}
}

func TestLatestFullAbsentIsDistinctError(t *testing.T) {
	cat := newFixture(t)
	_, err := cat.LatestFull(identity.Volume{Node: "alpha", Subvol: "home"})
	if !errors.Is(err, ErrNoFullSnapshot) {
		t.Errorf("got %v, want ErrNoFullSnapshot", err)
	}

	_, err = cat.LatestFull(identity.Volume{Node: "beta", Subvol: "remote"})
	if !errors.Is(err, ErrNoFullBackup) {
		t.Errorf("got %v, want ErrNoFullBackup", err)
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse("20060102150405", s)
	if err != nil {
		t.Fatalf("parsing fixture time: %v", err)
	}
	return ts.UTC()
}

// TestParentOfSafety pins invariant 3: parent_of always returns a strictly
// older snapshot, and fails with ErrNoFullSnapshot when no full snapshot
// precedes the child.
func TestParentOfSafety(t *testing.T) {
	cat := newFixture(t)
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_full_20240101000000")
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_incr_20240102000000")
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_incr_20240103000000")

	child := identity.Snapshot{
		Volume: identity.Volume{Node: "alpha", Subvol: "home"},
		Kind:   identity.Incremental,
		Taken:  mustTime(t, "20240104000000"),
	}
	parent, err := cat.ParentOf(child)
	if err != nil {
		t.Fatalf("ParentOf: %v", err)
	}
	if !parent.Taken.Before(child.Taken) {
		t.Errorf("parent %+v is not strictly older than child %+v", parent, child)
	}
	want := mustTime(t, "20240103000000")
	if !parent.Taken.Equal(want) {
		t.Errorf("expected parent to be the latest incremental before child, got %+v", parent)
	}
}

func TestParentOfNoFullFails(t *testing.T) {
	cat := newFixture(t)
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_incr_20240101000000")

	child := identity.Snapshot{
		Volume: identity.Volume{Node: "alpha", Subvol: "home"},
		Kind:   identity.Incremental,
		Taken:  mustTime(t, "20240102000000"),
	}
	if _, err := cat.ParentOf(child); !errors.Is(err, ErrNoFullSnapshot) {
		t.Errorf("got %v, want ErrNoFullSnapshot", err)
	}
}

func TestAllIncrementalAfterFiltersByCutoff(t *testing.T) {
	cat := newFixture(t)
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_incr_20240101000000")
	touch(t, cat.Roots.SnapshotRoot, "alpha_home_incr_20240103000000")

	got, err := cat.AllIncrementalAfter(identity.Volume{Node: "alpha", Subvol: "home"}, mustTime(t, "20240102000000"))
	if err != nil {
		t.Fatalf("AllIncrementalAfter: %v", err)
	}
	if len(got) != 1 || !got[0].Taken.Equal(mustTime(t, "20240103000000")) {
		t.Errorf("got %+v, want exactly the 20240103000000 incremental", got)
	}
}
