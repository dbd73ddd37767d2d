package main

import (
	"fmt"

	"github.com/subvolsync/subvolsync/internal/catalogue"
	"github.com/subvolsync/subvolsync/internal/config"
	"github.com/subvolsync/subvolsync/internal/identity"
)

// loadCatalogue reads the node config at configPath and builds the
// catalogue view over the directories it names, the same way subvolsyncd
// does at startup.
func loadCatalogue(configPath string) (*config.NodeConfig, *catalogue.Catalogue, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config %s: %w", configPath, err)
	}
	roots := identity.Roots{SnapshotRoot: cfg.SnapshotRoot, BackupRoot: cfg.BackupRoot}
	cat := catalogue.New(roots, cfg.NodeName, cfg.OwnedSubvolumes)
	return cfg, cat, nil
}
