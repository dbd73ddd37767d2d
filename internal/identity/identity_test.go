package identity

import (
	"errors"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(timeLayout, s)
	if err != nil {
		t.Fatalf("parsing fixture time %q: %v", s, err)
	}
	return ts.UTC()
}

func TestSnapshotRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
	}{
		{
			name: "full",
			snap: Snapshot{Volume: Volume{Node: "alpha", Subvol: "home"}, Kind: Full, Taken: mustTime(t, "20240101000000")},
		},
		{
			name: "incremental",
			snap: Snapshot{Volume: Volume{Node: "beta", Subvol: "data"}, Kind: Incremental, Taken: mustTime(t, "20240102123045")},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSnapshot(tc.snap.String())
			if err != nil {
				t.Fatalf("ParseSnapshot(%q): %v", tc.snap.String(), err)
			}
			if got != tc.snap {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, tc.snap)
			}
		})
	}
}

func TestParseSnapshotPath(t *testing.T) {
	snap := Snapshot{Volume: Volume{Node: "alpha", Subvol: "home"}, Kind: Full, Taken: mustTime(t, "20240101000000")}
	path := "/var/lib/subvolsync/snapshots/" + snap.String()

	got, err := ParseSnapshotPath(path)
	if err != nil {
		t.Fatalf("ParseSnapshotPath(%q): %v", path, err)
	}
	if got != snap {
		t.Errorf("got %+v, want %+v", got, snap)
	}
}

func TestParseSnapshotMissingFields(t *testing.T) {
	tests := []struct {
		id      string
		wantErr error
	}{
		{id: "", wantErr: ErrMissingNodeName},
		{id: "alpha", wantErr: ErrMissingSubvolume},
		{id: "alpha_home", wantErr: ErrMissingType},
		{id: "alpha_home_full", wantErr: ErrMissingTimeTaken},
		{id: "alpha_home_bogus_20240101000000", wantErr: ErrInvalidType},
		{id: "alpha_home_full_not-a-time", wantErr: ErrInvalidTimeTaken},
		{id: "alpha_home_full_20240101000000_extra", wantErr: ErrTooManyComponents},
	}

	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			_, err := ParseSnapshot(tc.id)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ParseSnapshot(%q) error = %v, want %v", tc.id, err, tc.wantErr)
			}
		})
	}
}

func TestParseSnapshotPathNoFileName(t *testing.T) {
	_, err := ParseSnapshotPath("/")
	if !errors.Is(err, ErrNoFileName) {
		t.Errorf("ParseSnapshotPath(\"/\") error = %v, want %v", err, ErrNoFileName)
	}
}

func TestParseVolume(t *testing.T) {
	v, err := ParseVolume("alpha_home")
	if err != nil {
		t.Fatalf("ParseVolume: %v", err)
	}
	want := Volume{Node: "alpha", Subvol: "home"}
	if v != want {
		t.Errorf("got %+v, want %+v", v, want)
	}

	if _, err := ParseVolume("alpha"); !errors.Is(err, ErrMissingSubvolume) {
		t.Errorf("ParseVolume(\"alpha\") error = %v, want %v", err, ErrMissingSubvolume)
	}
	if _, err := ParseVolume(""); !errors.Is(err, ErrMissingNodeName) {
		t.Errorf("ParseVolume(\"\") error = %v, want %v", err, ErrMissingNodeName)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	older := Snapshot{Volume: Volume{Node: "a", Subvol: "b"}, Kind: Full, Taken: mustTime(t, "20240101000000")}
	newer := Snapshot{Volume: Volume{Node: "a", Subvol: "b"}, Kind: Full, Taken: mustTime(t, "20240102000000")}

	if !older.Less(newer) {
		t.Error("expected older.Less(newer) to be true")
	}
	if newer.Less(older) {
		t.Error("expected newer.Less(older) to be false")
	}
}

func TestVolumeOrdering(t *testing.T) {
	a := Volume{Node: "alpha", Subvol: "home"}
	b := Volume{Node: "beta", Subvol: "home"}
	if !a.Less(b) {
		t.Error("expected alpha_home < beta_home lexicographically")
	}
}

func TestIsPartFile(t *testing.T) {
	if !IsPartFile("alpha_home_full_20240101000000.part") {
		t.Error("expected .part suffix to be detected")
	}
	if IsPartFile("alpha_home_full_20240101000000") {
		t.Error("expected finalized name not to be detected as .part")
	}
}

func TestRootsPaths(t *testing.T) {
	roots := Roots{SnapshotRoot: "/srv/snapshots", BackupRoot: "/srv/backups"}
	snap := Snapshot{Volume: Volume{Node: "alpha", Subvol: "home"}, Kind: Full, Taken: mustTime(t, "20240101000000")}

	if got, want := roots.SnapshotPath(snap), "/srv/snapshots/"+snap.String(); got != want {
		t.Errorf("SnapshotPath = %q, want %q", got, want)
	}
	if got, want := roots.BackupPath(snap), "/srv/backups/"+snap.String(); got != want {
		t.Errorf("BackupPath = %q, want %q", got, want)
	}
	if got, want := roots.StreamingPath(snap), "/srv/backups/"+snap.String()+".part"; got != want {
		t.Errorf("StreamingPath = %q, want %q", got, want)
	}
}
