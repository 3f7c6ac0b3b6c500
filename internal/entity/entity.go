// Package entity assigns identities to replicated simulation objects and
// drives their spawn and despawn across the session.
package entity

import (
	"fmt"

	"github.com/simple64/netsync/internal/codec"
)

// Kind decides how an entity comes into existence on each process.
type Kind uint8

const (
	// Static entities exist everywhere from start and wait for the host to
	// assign their uid.
	Static Kind = iota
	// Dynamic entities are instantiated by the host and spawned on clients
	// from a named prefab.
	Dynamic
	// Deterministic entities are created independently by every process
	// with an agreed uid.
	Deterministic
	// HostOnly entities never leave the host.
	HostOnly
)

func (k Kind) String() string {
	switch k {
	case Static:
		return "Static"
	case Dynamic:
		return "Dynamic"
	case Deterministic:
		return "Deterministic"
	case HostOnly:
		return "HostOnly"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) valid() bool { return k <= HostOnly }

type State uint8

const (
	Unassigned State = iota
	Active
	Destroyed
)

func (s State) String() string {
	switch s {
	case Unassigned:
		return "Unassigned"
	case Active:
		return "Active"
	case Destroyed:
		return "Destroyed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// HostOwner is the player id of the host.
const HostOwner uint32 = 0

const deterministicBit = uint64(1) << 63

// DeterministicUID maps an agreed small integer onto a uid range the host
// counter never reaches.
func DeterministicUID(n uint32) uint64 {
	return deterministicBit | uint64(n)
}

// Entity is the local instance of one replicated object.
type Entity struct {
	UID        uint64
	Kind       Kind
	Owner      uint32
	SourceName string
	Position   codec.Vector3
	Rotation   codec.Quaternion

	state State
}

func (e *Entity) State() State { return e.state }

func (e *Entity) Active() bool { return e.state == Active }

func (e *Entity) String() string {
	return fmt.Sprintf("%s %q uid=%d owner=%d %s", e.Kind, e.SourceName, e.UID, e.Owner, e.state)
}
