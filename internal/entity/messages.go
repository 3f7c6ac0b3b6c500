package entity

import (
	"encoding"
	"fmt"

	"github.com/simple64/netsync/internal/codec"
	"github.com/simple64/netsync/internal/wire"
)

var (
	_ encoding.BinaryMarshaler   = (*SpawnMessage)(nil)
	_ encoding.BinaryUnmarshaler = (*SpawnMessage)(nil)
	_ encoding.BinaryMarshaler   = (*DespawnMessage)(nil)
	_ encoding.BinaryUnmarshaler = (*DespawnMessage)(nil)
)

// SpawnMessage announces an entity's identity. Position and Rotation are only
// on the wire for Dynamic entities.
type SpawnMessage struct {
	Kind       Kind
	SourceName string
	UID        uint64
	Owner      uint32
	Position   codec.Vector3
	Rotation   codec.Quaternion
}

func spawnMessageOf(e *Entity) SpawnMessage {
	return SpawnMessage{
		Kind:       e.Kind,
		SourceName: e.SourceName,
		UID:        e.UID,
		Owner:      e.Owner,
		Position:   e.Position,
		Rotation:   e.Rotation,
	}
}

func (m *SpawnMessage) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(48 + len(m.SourceName)) //nolint:gomnd
	w.WriteUint8(uint8(m.Kind))
	w.WriteString(m.SourceName)
	w.WriteUint64(m.UID)
	w.WriteUint32(m.Owner)
	if m.Kind == Dynamic {
		codec.WriteVector3(w, m.Position)
		codec.WriteQuaternion(w, m.Rotation)
	}
	return w.Bytes(), nil
}

func (m *SpawnMessage) UnmarshalBinary(data []byte) error {
	r := wire.NewReader(data)
	var out SpawnMessage
	out.Kind = Kind(r.ReadUint8())
	out.SourceName = r.ReadString()
	out.UID = r.ReadUint64()
	out.Owner = r.ReadUint32()
	if out.Kind == Dynamic {
		out.Position = codec.ReadVector3(r)
		out.Rotation = codec.ReadQuaternion(r)
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("spawn message: %w", err)
	}
	if !out.Kind.valid() {
		return fmt.Errorf("spawn message: unknown kind %d: %w", uint8(out.Kind), wire.ErrBadRecord)
	}
	*m = out
	return nil
}

// DespawnMessage removes an entity everywhere. Sent by the host as a
// broadcast, or by a client as a request to the host.
type DespawnMessage struct {
	Kind Kind
	UID  uint64
}

func (m *DespawnMessage) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(9) //nolint:gomnd
	w.WriteUint8(uint8(m.Kind))
	w.WriteUint64(m.UID)
	return w.Bytes(), nil
}

func (m *DespawnMessage) UnmarshalBinary(data []byte) error {
	r := wire.NewReader(data)
	kind := Kind(r.ReadUint8())
	uid := r.ReadUint64()
	if err := r.Err(); err != nil {
		return fmt.Errorf("despawn message: %w", err)
	}
	m.Kind = kind
	m.UID = uid
	return nil
}
