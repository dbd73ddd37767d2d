// Package config loads and saves the per-node configuration file: node
// identity, the backing device, locally-owned subvolumes, the shared
// passphrase, outbound peers, and inbound grants.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/subvolsync/subvolsync/internal/authsession"
	"github.com/subvolsync/subvolsync/internal/cryptostream"
	"github.com/subvolsync/subvolsync/internal/planner"
)

// CurrentVersion is the config schema version this binary writes and
// expects to read. Supplemented from original_source's config_version
// guard (see SPEC_FULL.md §3): a future incompatible format bumps this and
// Load rejects anything else with ErrConfigVersion rather than guessing.
const CurrentVersion = 1

// Static errors, one per distinct load/save failure kind.
var (
	ErrInsecurePerms = errors.New("config: file mode must not grant group/other permissions")
	ErrConfigExists  = errors.New("config: file already exists")
	ErrConfigUninit  = errors.New("config: no config file found")
	ErrConfigVersion = errors.New("config: unsupported schema version")
)

// insecureModeMask is the set of mode bits that must be clear: anything
// readable or writable by group or other.
const insecureModeMask = 0o077

// Peer is an outbound connection target: a node we may dial to push and/or
// pull the named subvolumes, authenticated with this node's own
// Passphrase.
type Peer struct {
	Address string   `yaml:"address"`
	Push    []string `yaml:"push,omitempty"`
	Pull    []string `yaml:"pull,omitempty"`
}

// Permissions converts p's push/pull subvolume lists into planner.Permissions.
func (p Peer) Permissions() planner.Permissions {
	return planner.Permissions{Push: toSet(p.Push), Pull: toSet(p.Pull)}
}

// Grant is an inbound authorization for a named peer: the random, non-secret
// Verifier published during the handshake, and what that peer may push
// and/or pull once authenticated. Key is derived from Verifier and this
// node's own Passphrase at Load time; it is never serialized.
type Grant struct {
	PeerName string   `yaml:"peerName"`
	Verifier []byte   `yaml:"verifier"`
	Push     []string `yaml:"push,omitempty"`
	Pull     []string `yaml:"pull,omitempty"`

	Key []byte `yaml:"-"`
}

// Permissions converts g's push/pull subvolume lists into planner.Permissions.
func (g Grant) Permissions() planner.Permissions {
	return planner.Permissions{Push: toSet(g.Push), Pull: toSet(g.Pull)}
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// NodeConfig is the full contents of one node's configuration file.
type NodeConfig struct {
	Version         int              `yaml:"version"`
	NodeName        string           `yaml:"nodeName"`
	BindAddress     string           `yaml:"bindAddress"`
	Device          string           `yaml:"device"`
	MountTarget     string           `yaml:"mountTarget"`
	SnapshotRoot    string           `yaml:"snapshotRoot"`
	BackupRoot      string           `yaml:"backupRoot"`
	OwnedSubvolumes []string         `yaml:"ownedSubvolumes"`
	Passphrase      string           `yaml:"passphrase"`
	Peers           map[string]Peer  `yaml:"peers"`
	Grants          map[string]Grant `yaml:"grants"`
}

// Lookup satisfies authsession.GrantLookup by resolving peerName against
// cfg.Grants and surfacing the pre-derived session key.
func (cfg *NodeConfig) Lookup(peerName string) (authsession.Grant, bool) {
	grant, ok := cfg.Grants[peerName]
	if !ok {
		return authsession.Grant{}, false
	}
	return authsession.Grant{Verifier: grant.Verifier, Key: grant.Key}, true
}

var _ authsession.GrantLookup = (*NodeConfig)(nil)

// Load reads and parses the config file at path, rejecting group/other
// readable modes and mismatched schema versions, and derives each grant's
// session key from the node's passphrase.
func Load(path string) (*NodeConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigUninit
		}
		return nil, fmt.Errorf("config: statting %s: %w", path, err)
	}
	if info.Mode().Perm()&insecureModeMask != 0 {
		return nil, ErrInsecurePerms
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrConfigVersion, cfg.Version, CurrentVersion)
	}

	for name, grant := range cfg.Grants {
		grant.PeerName = name
		grant.Key = cryptostream.DeriveKey(grant.Verifier, []byte(cfg.Passphrase))
		cfg.Grants[name] = grant
	}

	return &cfg, nil
}

// Save atomically writes cfg to path: a temp file in the same directory is
// created with 0600 mode, written, then renamed into place, so a reader
// never observes a partially written config. Fails with ErrConfigExists if
// overwrite is false and path already exists.
func Save(path string, cfg *NodeConfig, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return ErrConfigExists
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("config: statting %s: %w", path, err)
		}
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: serializing: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("config: setting mode: %w", err)
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("config: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: renaming into place: %w", err)
	}
	return nil
}
