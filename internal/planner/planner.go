// Package planner computes, for a single volume, what a node should ship a
// peer next: the fulls and incrementals the peer's advertised tips show it
// is missing, gated by push/pull grants.
package planner

import (
	"errors"
	"time"

	"github.com/subvolsync/subvolsync/internal/catalogue"
	"github.com/subvolsync/subvolsync/internal/identity"
)

// Tips is the pair of catalogue tips a peer advertises for one volume in
// its SyncInfo. The zero value is catalogue.NoneTime for both fields,
// matching a peer with nothing at all for that volume (the S3 restore
// scenario).
type Tips struct {
	LastFull        time.Time
	LastIncremental time.Time
}

// TipsFromSnapshots derives Tips the way a SyncInfo's flat snapshot list
// reports them: the maximum Taken of each kind, NoneTime if absent.
func TipsFromSnapshots(snaps []identity.Snapshot) Tips {
	var tips Tips
	for _, s := range snaps {
		switch s.Kind {
		case identity.Full:
			if s.Taken.After(tips.LastFull) {
				tips.LastFull = s.Taken
			}
		case identity.Incremental:
			if s.Taken.After(tips.LastIncremental) {
				tips.LastIncremental = s.Taken
			}
		}
	}
	return tips
}

// Permissions is one grant's push/pull sets, keyed by subvolume name.
type Permissions struct {
	Push map[string]bool
	Pull map[string]bool
}

func (p Permissions) canPull(subvol string) bool {
	return p.Pull != nil && p.Pull[subvol]
}

// Plan is what one side should transmit to a peer for a single volume: the
// fulls and incrementals the peer's tips show it is missing. Either slice
// may be empty. Order within each slice is unspecified; callers may ship
// them in any order.
type Plan struct {
	Fulls        []identity.Snapshot
	Incrementals []identity.Snapshot
}

// Empty reports whether the plan ships nothing.
func (p Plan) Empty() bool {
	return len(p.Fulls) == 0 && len(p.Incrementals) == 0
}

// SyncPlanner computes outbound Plans against a local Catalogue, per
// spec.md §4.7. Construct one per session; it is stateless beyond the
// Catalogue it wraps and safe to reuse across volumes.
type SyncPlanner struct {
	Catalogue *catalogue.Catalogue
}

// New builds a SyncPlanner over cat.
func New(cat *catalogue.Catalogue) *SyncPlanner {
	return &SyncPlanner{Catalogue: cat}
}

// PlanFor computes the outbound plan for volume given the peer's current
// tips for it. peerOwnsVolume is true when the peer (not us) is the node
// that owns volume — the restore case, where a peer may always pull its
// own data back regardless of grants. For any other volume, perms.Pull
// must name the volume's subvolume or PlanFor returns the zero Plan
// without consulting the catalogue.
func (p *SyncPlanner) PlanFor(volume identity.Volume, remoteTips Tips, perms Permissions, peerOwnsVolume bool) (Plan, error) {
	if !peerOwnsVolume && !perms.canPull(volume.Subvol) {
		return Plan{}, nil
	}

	var plan Plan

	if peerOwnsVolume {
		latest, err := p.Catalogue.LatestFull(volume)
		switch {
		case err == nil:
			if latest.Taken.After(remoteTips.LastFull) {
				plan.Fulls = []identity.Snapshot{latest}
			}
		case isNoFull(err):
			// Nothing stored locally for this volume yet; nothing to send.
		default:
			return Plan{}, err
		}
	} else {
		fulls, err := p.Catalogue.AllFullAfter(volume, remoteTips.LastFull)
		if err != nil {
			return Plan{}, err
		}
		plan.Fulls = fulls
	}

	cutoff, err := p.incrementalCutoff(volume, remoteTips, peerOwnsVolume)
	if err != nil {
		return Plan{}, err
	}
	incrementals, err := p.Catalogue.AllIncrementalAfter(volume, cutoff)
	if err != nil {
		return Plan{}, err
	}
	plan.Incrementals = incrementals

	return plan, nil
}

// incrementalCutoff computes T per spec.md §4.7: for a peer-owned volume it
// is the max of the peer's two tips and the timestamp of our own latest
// locally-stored full of that volume, guaranteeing we never ship an
// incremental whose parent chain the peer has not yet received. For any
// other volume it is simply the peer's last-incremental tip.
func (p *SyncPlanner) incrementalCutoff(volume identity.Volume, remoteTips Tips, peerOwnsVolume bool) (time.Time, error) {
	if !peerOwnsVolume {
		return remoteTips.LastIncremental, nil
	}

	cutoff := remoteTips.LastIncremental
	if remoteTips.LastFull.After(cutoff) {
		cutoff = remoteTips.LastFull
	}
	latestLocalFull, err := p.Catalogue.LatestFull(volume)
	switch {
	case err == nil:
		if latestLocalFull.Taken.After(cutoff) {
			cutoff = latestLocalFull.Taken
		}
	case isNoFull(err):
		// No local full of this volume: incrementals are unusable either way,
		// AllIncrementalAfter will simply return none past whatever cutoff we have.
	default:
		return time.Time{}, err
	}
	return cutoff, nil
}

func isNoFull(err error) bool {
	return errors.Is(err, catalogue.ErrNoFullSnapshot) || errors.Is(err, catalogue.ErrNoFullBackup)
}
