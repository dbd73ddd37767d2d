// Package identity implements the canonical naming scheme for volumes and
// snapshots: parsing, formatting, ordering, and path mapping.
package identity

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind distinguishes a full snapshot from an incremental one.
type Kind int

const (
	// Full marks a send stream that requires no parent.
	Full Kind = iota
	// Incremental marks a send stream computed against a parent snapshot.
	Incremental
)

func (k Kind) String() string {
	if k == Full {
		return "full"
	}
	return "incr"
}

// timeLayout is the fixed %Y%m%d%H%M%S encoding of a snapshot's taken time.
const timeLayout = "20060102150405"

// separator is reserved and may not appear in a node name or subvolume name.
const separator = "_"

// Sentinel errors for snapshot/volume parsing, one per malformed field so
// callers can tell exactly what went wrong.
var (
	ErrMissingNodeName   = errors.New("identity: missing node name")
	ErrMissingSubvolume  = errors.New("identity: missing subvolume")
	ErrMissingType       = errors.New("identity: missing snapshot type")
	ErrMissingTimeTaken  = errors.New("identity: missing time taken")
	ErrInvalidType       = errors.New("identity: invalid snapshot type")
	ErrInvalidTimeTaken  = errors.New("identity: invalid time taken")
	ErrNoFileName        = errors.New("identity: path has no file name component")
	ErrInvalidUnicode    = errors.New("identity: path component is not valid UTF-8")
	ErrTooManyComponents = errors.New("identity: too many components in identifier")
)

// Volume is an unordered pair identifying a subvolume on a specific node.
type Volume struct {
	Node   string
	Subvol string
}

// String returns the canonical "node_subvol" form.
func (v Volume) String() string {
	return v.Node + separator + v.Subvol
}

// Less orders volumes lexicographically on their canonical string form, for
// stable iteration only.
func (v Volume) Less(other Volume) bool {
	return v.String() < other.String()
}

// ParseVolume splits a canonical "node_subvol" string into a Volume.
func ParseVolume(s string) (Volume, error) {
	parts := strings.Split(s, separator)
	if len(parts) < 2 {
		if len(parts) < 1 || parts[0] == "" {
			return Volume{}, ErrMissingNodeName
		}
		return Volume{}, ErrMissingSubvolume
	}
	if len(parts) > 2 {
		return Volume{}, ErrTooManyComponents
	}
	if parts[0] == "" {
		return Volume{}, ErrMissingNodeName
	}
	if parts[1] == "" {
		return Volume{}, ErrMissingSubvolume
	}
	return Volume{Node: parts[0], Subvol: parts[1]}, nil
}

// Snapshot identifies an immutable point-in-time capture of a Volume.
type Snapshot struct {
	Volume Volume
	Kind   Kind
	Taken  time.Time
}

// String returns the canonical "{node}_{subvol}_{full|incr}_{YYYYMMDDhhmmss}" form.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s%s%s%s%s%s%s",
		s.Volume.Node, separator,
		s.Volume.Subvol, separator,
		s.Kind, separator,
		s.Taken.UTC().Format(timeLayout))
}

// Less orders two snapshots by Taken ascending, for use within a single
// (volume, kind) subset.
func (s Snapshot) Less(other Snapshot) bool {
	return s.Taken.Before(other.Taken)
}

// ParseSnapshot splits the canonical identifier string into exactly four
// tokens (node, subvol, kind, taken), reporting a distinct error kind per
// missing or invalid field.
func ParseSnapshot(s string) (Snapshot, error) {
	parts := strings.Split(s, separator)
	switch {
	case len(parts) < 1 || parts[0] == "":
		return Snapshot{}, ErrMissingNodeName
	case len(parts) < 2:
		return Snapshot{}, ErrMissingSubvolume
	case parts[1] == "":
		return Snapshot{}, ErrMissingSubvolume
	case len(parts) < 3:
		return Snapshot{}, ErrMissingType
	case parts[2] == "":
		return Snapshot{}, ErrMissingType
	case len(parts) < 4:
		return Snapshot{}, ErrMissingTimeTaken
	case parts[3] == "":
		return Snapshot{}, ErrMissingTimeTaken
	case len(parts) > 4:
		return Snapshot{}, ErrTooManyComponents
	}

	var kind Kind
	switch parts[2] {
	case "full":
		kind = Full
	case "incr":
		kind = Incremental
	default:
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidType, parts[2])
	}

	taken, err := time.Parse(timeLayout, parts[3])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimeTaken, parts[3], err)
	}

	return Snapshot{
		Volume: Volume{Node: parts[0], Subvol: parts[1]},
		Kind:   kind,
		Taken:  taken.UTC(),
	}, nil
}

// ParseSnapshotPath extracts the last path component and parses it as a
// canonical snapshot identifier.
func ParseSnapshotPath(path string) (Snapshot, error) {
	name := filepath.Base(path)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return Snapshot{}, ErrNoFileName
	}
	if !utf8.ValidString(name) {
		return Snapshot{}, ErrInvalidUnicode
	}
	return ParseSnapshot(name)
}
