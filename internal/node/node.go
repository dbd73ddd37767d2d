// Package node wires configuration, catalogue, crypto, sessions, metrics,
// and the external-process collaborators into one running replication
// endpoint: it accepts inbound peer connections and dials outbound ones,
// mirroring the top-level Driver type the teacher builds its gRPC server
// around.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/subvolsync/subvolsync/internal/authsession"
	"github.com/subvolsync/subvolsync/internal/catalogue"
	"github.com/subvolsync/subvolsync/internal/config"
	"github.com/subvolsync/subvolsync/internal/cryptostream"
	"github.com/subvolsync/subvolsync/internal/events"
	"github.com/subvolsync/subvolsync/internal/extproc"
	"github.com/subvolsync/subvolsync/internal/identity"
	"github.com/subvolsync/subvolsync/internal/metrics"
	"github.com/subvolsync/subvolsync/internal/planner"
	"github.com/subvolsync/subvolsync/internal/retry"
	"github.com/subvolsync/subvolsync/internal/session"
	"github.com/subvolsync/subvolsync/internal/wire"
)

// dialTimeout bounds an outbound TCP connect attempt.
const dialTimeout = 30 * time.Second

// Tools bundles the external-process collaborators a Node needs: snapshot
// send/receive, subvolume lifecycle, and the backing filesystem mount.
type Tools interface {
	extproc.SnapshotReader
	extproc.SubvolumeReceiver
	extproc.SnapshotCreator
	extproc.SubvolumeDeleter
	extproc.ChildLister
	extproc.Mounter
}

// MountHandle represents the backing filesystem mounted for a Node's
// lifetime. Close releases it with DETACH semantics and is idempotent,
// matching spec.md §3's "release on node destruction is guaranteed on all
// exit paths."
type MountHandle struct {
	tools  extproc.Mounter
	target string
	once   sync.Once
	err    error
}

func mountDevice(ctx context.Context, tools extproc.Mounter, device, target string) (*MountHandle, error) {
	if device == "" || target == "" {
		return nil, nil
	}
	if err := tools.MountDevice(ctx, device, target); err != nil {
		return nil, err
	}
	return &MountHandle{tools: tools, target: target}, nil
}

// Close unmounts the backing filesystem. Safe to call more than once, and
// safe to call on a nil *MountHandle (no mount was configured).
func (h *MountHandle) Close() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.err = h.tools.UnmountDevice(context.Background(), h.target)
	})
	return h.err
}

var _ io.Closer = (*MountHandle)(nil)

// Node is one replication endpoint: its configuration, catalogue,
// external-process collaborators, and live event bus.
type Node struct {
	cfg   *config.NodeConfig
	roots identity.Roots
	cat   *catalogue.Catalogue
	tools Tools
	bus   *events.Bus

	mu       sync.Mutex
	listener net.Listener
	mount    *MountHandle
	closed   bool
	wg       sync.WaitGroup
}

// New builds a Node from cfg, mounting cfg.Device at cfg.MountTarget for
// the Node's lifetime when both are configured. bus may be nil, in which
// case progress events are simply dropped rather than published.
func New(ctx context.Context, cfg *config.NodeConfig, tools Tools, bus *events.Bus) (*Node, error) {
	roots := identity.Roots{SnapshotRoot: cfg.SnapshotRoot, BackupRoot: cfg.BackupRoot}
	mount, err := mountDevice(ctx, tools, cfg.Device, cfg.MountTarget)
	if err != nil {
		return nil, fmt.Errorf("node: mounting %s at %s: %w", cfg.Device, cfg.MountTarget, err)
	}

	return &Node{
		cfg:   cfg,
		roots: roots,
		cat:   catalogue.New(roots, cfg.NodeName, cfg.OwnedSubvolumes),
		tools: tools,
		bus:   bus,
		mount: mount,
	}, nil
}

func (n *Node) publish(ev events.Event) {
	if n.bus != nil {
		n.bus.Publish(ev)
	}
}

// Run accepts inbound connections on cfg.BindAddress until ctx is canceled.
// Each accepted connection is served in its own goroutine, mirroring the
// teacher's one-goroutine-per-request driver shape.
func (n *Node) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", n.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("node: listening on %s: %w", n.cfg.BindAddress, err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("node: already closed")
	}
	n.listener = ln
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	klog.Infof("node: listening on %s", n.cfg.BindAddress)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("node: accept: %w", err)
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serve(conn)
		}()
	}
}

// serve drives the server half of one inbound connection end to end.
func (n *Node) serve(conn net.Conn) {
	defer conn.Close()
	timer := metrics.NewSessionTimer(metrics.RoleServer)

	hs, err := authsession.NewAuthServer(conn, n.cfg).Authenticate()
	if err != nil {
		klog.Warningf("node: handshake from %s failed: %v", conn.RemoteAddr(), err)
		metrics.RecordHandshakeFailure(metrics.RoleServer, handshakeFailureKind(err))
		timer.ObserveError()
		return
	}

	idle, err := session.NewIdle(conn, hs)
	if err != nil {
		klog.Errorf("node: building idle session for %s: %v", conn.RemoteAddr(), err)
		timer.ObserveError()
		return
	}

	if err := n.runVolumeSession(idle, hs.PeerName); err != nil {
		klog.Warningf("node: session with %s failed: %v", conn.RemoteAddr(), err)
		n.publish(events.Event{Kind: events.KindError, Err: err.Error()})
		timer.ObserveError()
		return
	}
	timer.ObserveSuccess()
}

// SyncWith dials peerName's configured address and drives one client-side
// session. The single connection's meta_sync round advertises every volume
// that peer's configured push/pull permissions make relevant, and
// runVolumeSession plans and transmits each of them in one combined
// data_sync batch.
func (n *Node) SyncWith(ctx context.Context, peerName string) error {
	peer, ok := n.cfg.Peers[peerName]
	if !ok {
		return fmt.Errorf("node: no configured peer %q", peerName)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	var d net.Dialer
	dialCfg := retry.DefaultConfig(fmt.Sprintf("dialing %s", peerName))
	dialCfg.InitialBackoff = time.Second
	dialCfg.MaxAttempts = 3
	conn, err := retry.WithRetry(dialCtx, dialCfg, func() (net.Conn, error) {
		return d.DialContext(dialCtx, "tcp", peer.Address)
	})
	if err != nil {
		return fmt.Errorf("node: dialing %s: %w", peer.Address, err)
	}
	defer conn.Close()

	timer := metrics.NewSessionTimer(metrics.RoleClient)

	hs, err := authsession.NewAuthClient(conn, n.cfg.NodeName, []byte(n.cfg.Passphrase)).Authenticate()
	if err != nil {
		metrics.RecordHandshakeFailure(metrics.RoleClient, handshakeFailureKind(err))
		timer.ObserveError()
		return fmt.Errorf("node: authenticating to %s: %w", peerName, err)
	}

	idle, err := session.NewIdle(conn, hs)
	if err != nil {
		timer.ObserveError()
		return fmt.Errorf("node: building idle session: %w", err)
	}

	n.publish(events.Event{Kind: events.KindSessionStarted, Peer: peerName})
	if err := n.runVolumeSession(idle, peerName); err != nil {
		timer.ObserveError()
		n.publish(events.Event{Kind: events.KindError, Peer: peerName, Err: err.Error()})
		return err
	}
	n.publish(events.Event{Kind: events.KindSessionFinished, Peer: peerName})
	timer.ObserveSuccess()
	return nil
}

// localSyncInfo builds the SyncInfo entries this node advertises for every
// volume in volumes, per spec.md §4.6's volumes→LatestSnapshots shape: one
// entry per relevant volume in a single meta_sync message, not one
// connection per volume.
func (n *Node) localSyncInfo(volumes []identity.Volume) (wire.SyncInfo, error) {
	snaps, err := n.cat.AllSnapshots(nil)
	if err != nil {
		return wire.SyncInfo{}, err
	}
	byVolume := make(map[identity.Volume][]identity.Snapshot, len(snaps))
	for _, s := range snaps {
		byVolume[s.Volume] = append(byVolume[s.Volume], s)
	}

	info := wire.SyncInfo{Volumes: make([]wire.VolumeSnapshots, 0, len(volumes))}
	for _, volume := range volumes {
		if n.cat.Owned[volume.Subvol] {
			info.Volumes = append(info.Volumes, wire.VolumeSnapshots{Volume: volume, Snapshots: byVolume[volume]})
			continue
		}
		backups, err := n.cat.AllBackups(&volume)
		if err != nil {
			return wire.SyncInfo{}, err
		}
		info.Volumes = append(info.Volumes, wire.VolumeSnapshots{Volume: volume, Snapshots: backups})
	}
	return info, nil
}

// runVolumeSession drives one meta_sync/data_sync round covering every
// volume the peer's own SyncInfo names: for each (volume, remote tips) pair
// it plans independently via planner.PlanFor, then ships every volume's
// plan in one combined data_sync batch over the same connection. peerName
// identifies the authenticated peer on both sides (the handshake's PeerName
// on the server, the dialed config key on the client) and is used to
// resolve push/pull permissions and for event labeling.
func (n *Node) runVolumeSession(idle *session.Idle, peerName string) error {
	var local wire.SyncInfo
	if peerName != "" {
		if volumes := n.relevantVolumes(peerName); len(volumes) > 0 {
			info, err := n.localSyncInfo(volumes)
			if err != nil {
				return fmt.Errorf("node: building local sync info: %w", err)
			}
			local = info
		}
	}

	active, remote, err := idle.MetaSync(local)
	if err != nil {
		return fmt.Errorf("node: meta sync: %w", err)
	}

	var batch []session.BatchItem
	for _, entry := range remote.Volumes {
		perms, peerOwnsVolume := n.permissionsFor(peerName, entry.Volume)
		plan, err := planner.New(n.cat).PlanFor(entry.Volume, planner.Tips{
			LastFull:        latestFull(entry.Snapshots),
			LastIncremental: latestIncremental(entry.Snapshots),
		}, perms, peerOwnsVolume)
		if err != nil {
			return fmt.Errorf("node: planning sync for %s: %w", entry.Volume, err)
		}

		items, err := n.buildBatch(plan)
		if err != nil {
			return fmt.Errorf("node: building batch for %s: %w", entry.Volume, err)
		}
		batch = append(batch, items...)
	}

	accept := n.acceptFunc()
	finalize := n.finalizeFunc()

	return active.DataSync(batch, accept, finalize)
}

// relevantVolumes lists every volume peerName's outbound config or inbound
// grant says it may pull, the full set a single connection's meta_sync
// advertises — not just the first. The volume's owning node is us when the
// subvolume is one of our own OwnedSubvolumes, and peerName otherwise: a
// relationship naming a subvol we don't own is, by construction, one
// peerName owns and we merely hold backups of. A subvolume named by both
// the outbound config and the inbound grant is only advertised once.
func (n *Node) relevantVolumes(peerName string) []identity.Volume {
	volumeFor := func(subvol string) identity.Volume {
		if n.cat.Owned[subvol] {
			return identity.Volume{Node: n.cfg.NodeName, Subvol: subvol}
		}
		return identity.Volume{Node: peerName, Subvol: subvol}
	}

	seen := make(map[string]bool)
	var out []identity.Volume
	add := func(subvols []string) {
		for _, subvol := range subvols {
			if seen[subvol] {
				continue
			}
			seen[subvol] = true
			out = append(out, volumeFor(subvol))
		}
	}

	if peer, ok := n.cfg.Peers[peerName]; ok {
		add(peer.Pull)
	}
	if grant, ok := n.cfg.Grants[peerName]; ok {
		add(grant.Pull)
	}
	return out
}

// permissionsFor resolves peerName's push/pull permissions for volume and
// whether volume is understood to be owned by that peer (the restore
// case): outbound peers are consulted first (the client-dialed case), then
// inbound grants keyed by the same peerName (the authenticated server
// case, now that AuthServer surfaces the connecting ClientName).
func (n *Node) permissionsFor(peerName string, volume identity.Volume) (planner.Permissions, bool) {
	if peer, ok := n.cfg.Peers[peerName]; ok {
		return peer.Permissions(), volume.Node == peerName
	}
	if grant, ok := n.cfg.Grants[peerName]; ok {
		return grant.Permissions(), volume.Node == peerName
	}
	return planner.Permissions{}, false
}

func latestFull(snaps []identity.Snapshot) time.Time {
	return latestOfKind(snaps, identity.Full)
}

func latestIncremental(snaps []identity.Snapshot) time.Time {
	return latestOfKind(snaps, identity.Incremental)
}

func latestOfKind(snaps []identity.Snapshot, kind identity.Kind) time.Time {
	var best time.Time
	for _, s := range snaps {
		if s.Kind == kind && s.Taken.After(best) {
			best = s.Taken
		}
	}
	return best
}

// ownsVolume reports whether this node is the one that owns v's subvolume
// — the only case in which it is entitled to see v's plaintext.
func (n *Node) ownsVolume(v identity.Volume) bool {
	return v.Node == n.cfg.NodeName && n.cat.Owned[v.Subvol]
}

// autoCloseReader wraps an io.ReadCloser so the underlying resource (a
// btrfs send child process, or a plain file) is released as soon as the
// stream reports EOF, without requiring the session package — which only
// sees a BatchItem.Reader io.Reader — to know anything about Close.
type autoCloseReader struct {
	rc     io.ReadCloser
	closed bool
}

func (r *autoCloseReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if errors.Is(err, io.EOF) && !r.closed {
		r.closed = true
		if cerr := r.rc.Close(); cerr != nil {
			klog.Warningf("node: closing read source: %v", cerr)
		}
	}
	return n, err
}

// buildBatch resolves each planned snapshot's byte source. For a volume
// this node owns, that means a fresh `btrfs send` sealed under a
// cryptostream.Encrypter. For any other volume (the restore-from-backup
// case, where this node is merely shipping a peer's data back to it) the
// backup blob is already fully sealed on disk and is re-streamed verbatim
// — this node never decrypts data it does not own.
func (n *Node) buildBatch(plan planner.Plan) ([]session.BatchItem, error) {
	var batch []session.BatchItem

	for _, snap := range plan.Fulls {
		item, err := n.batchItemFor(snap, "")
		if err != nil {
			return nil, err
		}
		batch = append(batch, item)
	}
	for _, snap := range plan.Incrementals {
		parent, err := n.cat.ParentOf(snap)
		if err != nil {
			return nil, fmt.Errorf("node: resolving parent of %s: %w", snap, err)
		}
		item, err := n.batchItemFor(snap, n.roots.SnapshotPath(parent))
		if err != nil {
			return nil, err
		}
		item.HasParent = true
		item.Parent = parent
		batch = append(batch, item)
	}
	return batch, nil
}

func (n *Node) batchItemFor(snap identity.Snapshot, parentPath string) (session.BatchItem, error) {
	if n.ownsVolume(snap.Volume) {
		raw, err := n.tools.OpenSnapshotRead(context.Background(), n.roots.SnapshotPath(snap), parentPath)
		if err != nil {
			return session.BatchItem{}, fmt.Errorf("node: opening send stream for %s: %w", snap, err)
		}
		sealed, err := cryptostream.NewEncrypter(&autoCloseReader{rc: raw}, []byte(n.cfg.Passphrase))
		if err != nil {
			return session.BatchItem{}, fmt.Errorf("node: building encrypter for %s: %w", snap, err)
		}
		return session.BatchItem{Snapshot: snap, Reader: sealed}, nil
	}

	f, err := os.Open(n.roots.BackupPath(snap))
	if err != nil {
		return session.BatchItem{}, fmt.Errorf("node: opening stored backup for %s: %w", snap, err)
	}
	return session.BatchItem{Snapshot: snap, Reader: &autoCloseReader{rc: f}}, nil
}

// restoreSink pairs a cryptostream.Decrypter with the btrfs-receive pipe it
// feeds, so Close flushes the final AEAD chunk into the pipe before waiting
// on the receiving child process — the order spec.md §6/§7 requires to
// avoid a pipe-write deadlock.
type restoreSink struct {
	dec  *cryptostream.Decrypter
	recv io.WriteCloser
}

func (s *restoreSink) Write(p []byte) (int, error) { return s.dec.Write(p) }

func (s *restoreSink) Close() error {
	if err := s.dec.Close(); err != nil {
		_ = s.recv.Close()
		return err
	}
	return s.recv.Close()
}

// acceptFunc builds the receive side's AcceptFunc. A volume this node owns
// is a restore: the blob is decrypted and piped straight into btrfs
// receive. Any other volume is ordinary backup storage: the blob is
// written to disk exactly as sealed, since this node must never see its
// plaintext.
func (n *Node) acceptFunc() session.AcceptFunc {
	return func(item wire.Replicate) (io.WriteCloser, error) {
		if n.ownsVolume(item.Snapshot.Volume) {
			return n.acceptRestoreSink(item.Snapshot)
		}
		return n.acceptBackupSink(item.Snapshot)
	}
}

func (n *Node) acceptBackupSink(snapshot identity.Snapshot) (io.WriteCloser, error) {
	if _, err := exists(n.roots.BackupPath(snapshot)); err != nil {
		return nil, err
	}
	f, err := createExclusive(n.roots.StreamingPath(snapshot))
	if err != nil {
		return nil, fmt.Errorf("node: opening streaming path for %s: %w", snapshot, err)
	}
	n.publish(events.Event{Kind: events.KindSnapshotQueued, Volume: snapshot.Volume.String(), Snapshot: snapshot.String()})
	return f, nil
}

func (n *Node) acceptRestoreSink(snapshot identity.Snapshot) (io.WriteCloser, error) {
	recv, err := n.tools.OpenReceiveSubvolume(context.Background(), n.roots.SnapshotRoot)
	if err != nil {
		return nil, fmt.Errorf("node: opening receive subvolume for %s: %w", snapshot, err)
	}
	n.publish(events.Event{Kind: events.KindSnapshotQueued, Volume: snapshot.Volume.String(), Snapshot: snapshot.String()})
	return &restoreSink{dec: cryptostream.NewDecrypter(recv, []byte(n.cfg.Passphrase)), recv: recv}, nil
}

// finalizeFunc commits a completed reception. For an ordinary backup the
// streaming (.part) file is renamed into place; for a restore, btrfs
// receive has already materialized the subvolume and there is nothing left
// to commit.
func (n *Node) finalizeFunc() session.FinalizeFunc {
	return func(snapshot identity.Snapshot) error {
		if !n.ownsVolume(snapshot.Volume) {
			if err := renameFile(n.roots.StreamingPath(snapshot), n.roots.BackupPath(snapshot)); err != nil {
				return fmt.Errorf("node: committing %s: %w", snapshot, err)
			}
		}
		metrics.RecordSnapshotReplicated(snapshot.Volume.String(), snapshot.Kind.String())
		n.publish(events.Event{Kind: events.KindSnapshotDone, Volume: snapshot.Volume.String(), Snapshot: snapshot.String()})
		return nil
	}
}

// Close stops accepting new connections, waits for every in-flight inbound
// session (one Run accepted) to finish, and releases the backing filesystem
// mount last — after both worker goroutines of any open inbound session have
// been joined, per spec.md §5's ordering rule. Sessions started by SyncWith
// are not waited for. Idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	ln := n.listener
	n.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	n.wg.Wait()

	return n.mount.Close()
}

// handshakeFailureKind maps an authsession error to the RemoteErrorKind
// label metrics record failures under.
func handshakeFailureKind(err error) string {
	switch {
	case errors.Is(err, authsession.ErrUnknownPeer), errors.Is(err, authsession.ErrUnauthorized):
		return wire.ErrKindUnauthorized.String()
	case errors.Is(err, authsession.ErrIllegalTransition):
		return wire.ErrKindIllegalTransition.String()
	default:
		return wire.ErrKindUnspecified.String()
	}
}
