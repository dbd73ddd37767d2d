package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/subvolsync/subvolsync/internal/catalogue"
	"github.com/subvolsync/subvolsync/internal/cryptostream"
	"github.com/subvolsync/subvolsync/internal/identity"
	"github.com/subvolsync/subvolsync/internal/wire"
)

// Active is the streaming phase reached after a successful MetaSync. It
// runs one DataSync round at a time; the connection itself may be reused
// for further rounds (e.g. a daemon syncing several volumes in sequence).
type Active struct {
	conn *conn
}

// BatchItem is one outbound blob: the snapshot identity being announced and
// a Reader producing the already-sealed cryptostream ciphertext for it
// (see cryptostream.Encrypter). HasParent/Parent mirror wire.Replicate.
type BatchItem struct {
	Snapshot  identity.Snapshot
	HasParent bool
	Parent    identity.Snapshot
	Reader    io.Reader
}

// AcceptFunc is invoked by the receive side when the peer announces an
// incoming blob. It returns a sink that will receive the raw ciphertext
// (typically cryptostream.NewDecrypter wired to the eventual backup file or
// extproc receive pipe), or an error rejecting the transfer (e.g.
// catalogue.ErrSnapshotExists for an immutable backup).
type AcceptFunc func(item wire.Replicate) (io.WriteCloser, error)

// FinalizeFunc is invoked once a blob's sink has been closed after a clean
// End(ok): e.g. renaming the .part file into its backup_path.
type FinalizeFunc func(snapshot identity.Snapshot) error

// dataSyncState is the state shared between the transmit and receive
// goroutines of one DataSync call.
type dataSyncState struct {
	ackCh      chan ackResult
	localDone  atomic.Bool
	remoteDone atomic.Bool
}

type ackResult struct {
	ack   wire.StreamAck
	fatal error
}

// DataSync runs the full-duplex batched transfer described in spec.md
// §4.6: a transmit goroutine ships batch, a receive goroutine accepts
// whatever the peer ships via accept/finalize, and the call returns once
// both sides have exchanged Done (or a fatal error occurs on either side,
// in which case the other goroutine is joined before returning).
func (a *Active) DataSync(batch []BatchItem, accept AcceptFunc, finalize FinalizeFunc) error {
	shared := &dataSyncState{ackCh: make(chan ackResult, 1)}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := a.transmit(batch, shared)
		errCh <- err
		if err != nil {
			// No local Done will follow, so the receive loop would keep
			// polling; dropping the connection ends it.
			_ = a.conn.raw.Close()
		}
	}()
	go func() {
		defer wg.Done()
		errCh <- a.receive(accept, finalize, shared)
		// Wakes a transmit still waiting for an ack that can no longer arrive.
		close(shared.ackCh)
	}()
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (a *Active) transmit(batch []BatchItem, shared *dataSyncState) error {
	for _, item := range batch {
		if err := a.conn.send(wire.Replicate{
			Snapshot:  item.Snapshot,
			HasParent: item.HasParent,
			Parent:    item.Parent,
		}); err != nil {
			return fmt.Errorf("session: sending replicate: %w", err)
		}

		res, ok := <-shared.ackCh
		if !ok {
			return fmt.Errorf("session: receive side ended before acking %s", item.Snapshot)
		}
		if res.fatal != nil {
			return res.fatal
		}
		if !res.ack.OK {
			return fmt.Errorf("session: peer rejected %s: %s", item.Snapshot, res.ack.ErrKind)
		}

		if err := a.streamReader(item.Reader); err != nil {
			_ = a.conn.send(wire.End{OK: false, ErrKind: wire.ErrKindTxError})
			return fmt.Errorf("session: reading local send stream for %s: %w", item.Snapshot, err)
		}
		if err := a.conn.send(wire.End{OK: true}); err != nil {
			return fmt.Errorf("session: sending end: %w", err)
		}
	}

	shared.localDone.Store(true)
	if err := a.conn.send(wire.Done{OK: true}); err != nil {
		return fmt.Errorf("session: sending done: %w", err)
	}
	return nil
}

// streamReader reads r in cryptostream-chunk-sized pieces and sends each as
// a wire.Chunk, stopping at EOF.
func (a *Active) streamReader(r io.Reader) error {
	buf := make([]byte, cryptostream.ChunkSize+cryptostream.TagSize)
	for {
		n, last, err := readChunk(r, buf)
		if err != nil {
			return err
		}
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if err := a.conn.send(wire.Chunk{Data: data}); err != nil {
				return fmt.Errorf("session: sending chunk: %w", err)
			}
		}
		if last {
			return nil
		}
	}
}

// acceptRejectionKind classifies an AcceptFunc's error into the
// RemoteErrorKind the wire reports to the sender: catalogue.ErrSnapshotExists
// is the immutability violation from spec invariant 4 (S4, "B replies
// Stream(Err Immutable)"), anything else is reported as a plain access
// denial rather than disclosing the precise local failure.
func acceptRejectionKind(err error) wire.RemoteErrorKind {
	if errors.Is(err, catalogue.ErrSnapshotExists) {
		return wire.ErrKindImmutable
	}
	return wire.ErrKindAccessDenied
}

func readChunk(r io.Reader, buf []byte) (n int, last bool, err error) {
	for n < len(buf) {
		m, rerr := r.Read(buf[n:])
		n += m
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return n, true, nil
			}
			return n, false, rerr
		}
	}
	return n, false, nil
}

// receiverState tracks the single in-flight inbound blob, owned exclusively
// by the receive goroutine (per spec.md §5's "current_sink owned by the
// receive task alone").
type receiverState struct {
	open     bool
	sink     io.WriteCloser
	snapshot identity.Snapshot
}

func (a *Active) receive(accept AcceptFunc, finalize FinalizeFunc, shared *dataSyncState) error {
	var rx receiverState

	for {
		tag, rest, err := a.conn.recv()
		if err == errTimeout {
			if shared.localDone.Load() && shared.remoteDone.Load() {
				return nil
			}
			continue
		}
		if err != nil {
			if shared.localDone.Load() && shared.remoteDone.Load() {
				return nil
			}
			return err
		}

		switch tag {
		case wire.TagReplicate:
			replicate, derr := wire.DecodeReplicate(rest)
			if derr != nil {
				return derr
			}
			if rx.open {
				_ = a.conn.send(wire.StreamAck{OK: false, ErrKind: wire.ErrKindAlreadyStreaming})
				continue
			}
			sink, aerr := accept(replicate)
			if aerr != nil {
				_ = a.conn.send(wire.StreamAck{OK: false, ErrKind: acceptRejectionKind(aerr)})
				return fmt.Errorf("session: accept rejected %s: %w", replicate.Snapshot, aerr)
			}
			rx = receiverState{open: true, sink: sink, snapshot: replicate.Snapshot}
			if err := a.conn.send(wire.StreamAck{OK: true}); err != nil {
				return fmt.Errorf("session: sending stream ack: %w", err)
			}

		case wire.TagStreamAck:
			ack, derr := wire.DecodeStreamAck(rest)
			if derr != nil {
				shared.ackCh <- ackResult{fatal: derr}
				continue
			}
			shared.ackCh <- ackResult{ack: ack}

		case wire.TagChunk:
			chunk, derr := wire.DecodeChunk(rest)
			if derr != nil {
				return derr
			}
			if !rx.open {
				_ = a.conn.send(wire.ErrorMsg{Kind: wire.ErrKindNotStreaming})
				continue
			}
			if _, werr := rx.sink.Write(chunk.Data); werr != nil {
				_ = a.conn.send(wire.ErrorMsg{Kind: wire.ErrKindRxError})
				return fmt.Errorf("session: writing chunk for %s: %w", rx.snapshot, werr)
			}

		case wire.TagEnd:
			end, derr := wire.DecodeEnd(rest)
			if derr != nil {
				return derr
			}
			if !rx.open {
				_ = a.conn.send(wire.ErrorMsg{Kind: wire.ErrKindNotStreaming})
				continue
			}
			if !end.OK {
				_ = rx.sink.Close()
				rx = receiverState{}
				return fmt.Errorf("session: peer reported %s: %s", "tx failure", end.ErrKind)
			}
			if cerr := rx.sink.Close(); cerr != nil {
				_ = a.conn.send(wire.ErrorMsg{Kind: wire.ErrKindRxError})
				return fmt.Errorf("session: closing sink for %s: %w", rx.snapshot, cerr)
			}
			if ferr := finalize(rx.snapshot); ferr != nil {
				_ = a.conn.send(wire.ErrorMsg{Kind: wire.ErrKindRxError})
				return fmt.Errorf("session: finalizing %s: %w", rx.snapshot, ferr)
			}
			rx = receiverState{}

		case wire.TagDone:
			shared.remoteDone.Store(true)
			if shared.localDone.Load() {
				return nil
			}

		case wire.TagErrorMsg:
			msg, derr := wire.DecodeErrorMsg(rest)
			if derr != nil {
				return derr
			}
			return fmt.Errorf("session: %w", msg)

		default:
			_ = a.conn.send(wire.ErrorMsg{Kind: wire.ErrKindIllegalTransition})
			return ErrIllegalTransition
		}
	}
}
