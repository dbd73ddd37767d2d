package wire

import (
	"fmt"

	"github.com/subvolsync/subvolsync/internal/identity"
)

// VolumeSnapshots is the snapshot tips one side advertises for a single
// volume within a SyncInfo.
type VolumeSnapshots struct {
	Volume    identity.Volume
	Snapshots []identity.Snapshot
}

// SyncInfo is the first message exchanged once a session is active: each
// side advertises, per relevant volume, the snapshots it already holds
// locally, so both ends of a meta_sync round can compute what the other is
// missing for every volume the connection covers without a separate
// directory-listing request per volume.
type SyncInfo struct {
	Volumes []VolumeSnapshots
}

func (m SyncInfo) Encode() []byte {
	e := newEncoder(TagSyncInfo)
	e.uint64Field(uint64(len(m.Volumes)))
	for _, vs := range m.Volumes {
		e.stringField(vs.Volume.String())
		e.uint64Field(uint64(len(vs.Snapshots)))
		for _, s := range vs.Snapshots {
			e.stringField(s.String())
		}
	}
	return e.bytes()
}

func DecodeSyncInfo(payload []byte) (SyncInfo, error) {
	d := newDecoder(payload)
	volCount, err := d.uint64Field()
	if err != nil {
		return SyncInfo{}, err
	}
	volumes := make([]VolumeSnapshots, 0, volCount)
	for i := uint64(0); i < volCount; i++ {
		volStr, err := d.stringField()
		if err != nil {
			return SyncInfo{}, err
		}
		vol, err := identity.ParseVolume(volStr)
		if err != nil {
			return SyncInfo{}, fmt.Errorf("%w: volume: %v", ErrMalformedMessage, err)
		}
		count, err := d.uint64Field()
		if err != nil {
			return SyncInfo{}, err
		}
		snaps := make([]identity.Snapshot, 0, count)
		for j := uint64(0); j < count; j++ {
			s, err := d.stringField()
			if err != nil {
				return SyncInfo{}, err
			}
			snap, err := identity.ParseSnapshot(s)
			if err != nil {
				return SyncInfo{}, fmt.Errorf("%w: snapshot: %v", ErrMalformedMessage, err)
			}
			snaps = append(snaps, snap)
		}
		volumes = append(volumes, VolumeSnapshots{Volume: vol, Snapshots: snaps})
	}
	if err := d.done(); err != nil {
		return SyncInfo{}, err
	}
	return SyncInfo{Volumes: volumes}, nil
}

// Replicate requests that the receiving side accept a send stream for
// Snapshot. HasParent distinguishes a full send (no parent) from an
// incremental one; Parent is only meaningful when HasParent is true.
type Replicate struct {
	Snapshot  identity.Snapshot
	HasParent bool
	Parent    identity.Snapshot
}

func (m Replicate) Encode() []byte {
	e := newEncoder(TagReplicate)
	e.stringField(m.Snapshot.String())
	if m.HasParent {
		e.byte(1)
		e.stringField(m.Parent.String())
	} else {
		e.byte(0)
	}
	return e.bytes()
}

func DecodeReplicate(payload []byte) (Replicate, error) {
	d := newDecoder(payload)
	snapStr, err := d.stringField()
	if err != nil {
		return Replicate{}, err
	}
	snap, err := identity.ParseSnapshot(snapStr)
	if err != nil {
		return Replicate{}, fmt.Errorf("%w: snapshot: %v", ErrMalformedMessage, err)
	}
	hasParent, err := d.byteField()
	if err != nil {
		return Replicate{}, err
	}
	out := Replicate{Snapshot: snap}
	if hasParent != 0 {
		parentStr, err := d.stringField()
		if err != nil {
			return Replicate{}, err
		}
		parent, err := identity.ParseSnapshot(parentStr)
		if err != nil {
			return Replicate{}, fmt.Errorf("%w: parent: %v", ErrMalformedMessage, err)
		}
		out.HasParent = true
		out.Parent = parent
	}
	if err := d.done(); err != nil {
		return Replicate{}, err
	}
	return out, nil
}

// StreamAck is the receiver's reply to a Replicate request: whether it
// accepted the stream, or a RemoteErrorKind explaining the refusal (e.g.
// Immutable for a backup that already exists, AlreadyStreaming while
// another stream is open on the connection).
type StreamAck struct {
	OK      bool
	ErrKind RemoteErrorKind
}

func (m StreamAck) Encode() []byte {
	e := newEncoder(TagStreamAck)
	if m.OK {
		e.byte(1)
	} else {
		e.byte(0)
		e.byte(byte(m.ErrKind))
	}
	return e.bytes()
}

func DecodeStreamAck(payload []byte) (StreamAck, error) {
	d := newDecoder(payload)
	ok, err := d.byteField()
	if err != nil {
		return StreamAck{}, err
	}
	if ok == 0 {
		kind, err := d.byteField()
		if err != nil {
			return StreamAck{}, err
		}
		if err := d.done(); err != nil {
			return StreamAck{}, err
		}
		return StreamAck{OK: false, ErrKind: RemoteErrorKind(kind)}, nil
	}
	if err := d.done(); err != nil {
		return StreamAck{}, err
	}
	return StreamAck{OK: true}, nil
}

// Chunk carries one frame of sealed cryptostream ciphertext. The wire layer
// never interprets Data: it is opaque bytes handed directly to the
// receiving side's cryptostream.Decrypter.
type Chunk struct {
	Data []byte
}

func (m Chunk) Encode() []byte {
	e := newEncoder(TagChunk)
	e.bytesField(m.Data)
	return e.bytes()
}

func DecodeChunk(payload []byte) (Chunk, error) {
	d := newDecoder(payload)
	data, err := d.bytesField()
	if err != nil {
		return Chunk{}, err
	}
	if err := d.done(); err != nil {
		return Chunk{}, err
	}
	return Chunk{Data: data}, nil
}

// End is sent by the transmitting side once every chunk of the current
// stream has been sent. OK reports whether the sender's own read of the
// local send stream completed cleanly; a false OK (TxError) tells the
// receiver to close its sink without finalizing it and fail the session.
type End struct {
	OK      bool
	ErrKind RemoteErrorKind
}

func (m End) Encode() []byte {
	e := newEncoder(TagEnd)
	if m.OK {
		e.byte(1)
	} else {
		e.byte(0)
		e.byte(byte(m.ErrKind))
	}
	return e.bytes()
}

func DecodeEnd(payload []byte) (End, error) {
	d := newDecoder(payload)
	ok, err := d.byteField()
	if err != nil {
		return End{}, err
	}
	if ok == 0 {
		kind, err := d.byteField()
		if err != nil {
			return End{}, err
		}
		if err := d.done(); err != nil {
			return End{}, err
		}
		return End{OK: false, ErrKind: RemoteErrorKind(kind)}, nil
	}
	if err := d.done(); err != nil {
		return End{}, err
	}
	return End{OK: true}, nil
}

// Done is sent by each side's transmit half once every item of its batch
// has been sent. A DataSync round ends when both sides have sent and
// received Done. DataSync always sends OK=true and does not inspect OK or
// ErrKind on receipt.
type Done struct {
	OK      bool
	ErrKind RemoteErrorKind
}

func (m Done) Encode() []byte {
	e := newEncoder(TagDone)
	if m.OK {
		e.byte(1)
	} else {
		e.byte(0)
		e.byte(byte(m.ErrKind))
	}
	return e.bytes()
}

func DecodeDone(payload []byte) (Done, error) {
	d := newDecoder(payload)
	ok, err := d.byteField()
	if err != nil {
		return Done{}, err
	}
	if ok == 0 {
		kind, err := d.byteField()
		if err != nil {
			return Done{}, err
		}
		if err := d.done(); err != nil {
			return Done{}, err
		}
		return Done{OK: false, ErrKind: RemoteErrorKind(kind)}, nil
	}
	if err := d.done(); err != nil {
		return Done{}, err
	}
	return Done{OK: true}, nil
}
