package entity

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/simple64/netsync/internal/codec"
	"github.com/simple64/netsync/internal/wire"
)

var (
	ErrNotHost           = errors.New("only the host may do this")
	ErrUnknownPrefab     = errors.New("unknown prefab")
	ErrUIDInUse          = errors.New("uid already in use")
	ErrAlreadySpawned    = errors.New("entity already spawned")
	ErrWrongKind         = errors.New("operation not valid for entity kind")
	ErrNotLive           = errors.New("entity is not live")
	ErrUnknownSourceName = errors.New("no unassigned static entity with that name")
)

// Network is the slice of the session the registry needs.
type Network interface {
	IsHost() bool
	Send(handler byte, payload []byte)
}

// Prefab builds the local part of a freshly created entity, typically by
// attaching behaviors. It runs before the entity becomes Active.
type Prefab func(e *Entity) error

// Registry owns every entity of the process. It is only touched from the
// tick goroutine.
type Registry struct {
	Logger logr.Logger

	net     Network
	prefabs map[string]Prefab
	live    map[uint64]*Entity
	statics []*Entity
	nextUID uint64

	onSpawn   []func(*Entity)
	onDespawn []func(*Entity)
}

func NewRegistry(logger logr.Logger, net Network) *Registry {
	return &Registry{
		Logger:  logger.WithName("entities"),
		net:     net,
		prefabs: make(map[string]Prefab),
		live:    make(map[uint64]*Entity),
		nextUID: 1,
	}
}

// RegisterPrefab makes name instantiable. Every process must register the
// same prefabs.
func (r *Registry) RegisterPrefab(name string, fn Prefab) {
	r.prefabs[name] = fn
}

// OnSpawn registers fn to run whenever an entity becomes Active.
func (r *Registry) OnSpawn(fn func(*Entity)) { r.onSpawn = append(r.onSpawn, fn) }

// OnDespawn registers fn to run whenever an entity is Destroyed.
func (r *Registry) OnDespawn(fn func(*Entity)) { r.onDespawn = append(r.onDespawn, fn) }

// DeclareStatic records a scene entity that every process creates at start.
// It stays Unassigned until the host spawns it. Declaration order must match
// across processes when names repeat.
func (r *Registry) DeclareStatic(name string) *Entity {
	e := &Entity{Kind: Static, SourceName: name, Owner: HostOwner, Rotation: codec.Identity}
	r.statics = append(r.statics, e)
	return e
}

// Instantiate creates an inactive Dynamic or HostOnly entity on the host
// from a prefab. Call Spawn to activate it.
func (r *Registry) Instantiate(kind Kind, name string, owner uint32, pos codec.Vector3, rot codec.Quaternion) (*Entity, error) {
	if !r.net.IsHost() {
		return nil, fmt.Errorf("instantiate %q: %w", name, ErrNotHost)
	}
	if kind != Dynamic && kind != HostOnly {
		return nil, fmt.Errorf("instantiate %s %q: %w", kind, name, ErrWrongKind)
	}
	e := &Entity{Kind: kind, SourceName: name, Owner: owner, Position: pos, Rotation: rot}
	if err := r.build(e, kind == Dynamic); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Registry) build(e *Entity, required bool) error {
	fn, ok := r.prefabs[e.SourceName]
	if !ok {
		if required {
			return fmt.Errorf("instantiate %q: %w", e.SourceName, ErrUnknownPrefab)
		}
		return nil
	}
	if err := fn(e); err != nil {
		return fmt.Errorf("prefab %q: %w", e.SourceName, err)
	}
	return nil
}

// Spawn assigns a uid to a Static, Dynamic or HostOnly entity on the host,
// activates it and, unless it is HostOnly, broadcasts it.
func (r *Registry) Spawn(e *Entity) error {
	if !r.net.IsHost() {
		return fmt.Errorf("spawn %q: %w", e.SourceName, ErrNotHost)
	}
	if e.state != Unassigned {
		return fmt.Errorf("spawn %s: %w", e, ErrAlreadySpawned)
	}
	if e.Kind == Deterministic {
		return fmt.Errorf("spawn %q: use SpawnDeterministic: %w", e.SourceName, ErrWrongKind)
	}
	if e.Kind == Static {
		r.removeStatic(e)
	}
	e.UID = r.nextUID
	r.nextUID++
	r.activate(e)
	if e.Kind != HostOnly {
		r.sendSpawn(e)
	}
	return nil
}

// SpawnHostOnly instantiates and activates an entity that never leaves the
// host. A prefab is optional.
func (r *Registry) SpawnHostOnly(name string, pos codec.Vector3, rot codec.Quaternion) (*Entity, error) {
	e, err := r.Instantiate(HostOnly, name, HostOwner, pos, rot)
	if err != nil {
		return nil, err
	}
	if err := r.Spawn(e); err != nil {
		return nil, err
	}
	return e, nil
}

// SpawnDeterministic creates and activates an entity whose uid every process
// derives from n. No message is sent.
func (r *Registry) SpawnDeterministic(name string, n uint32, owner uint32, pos codec.Vector3, rot codec.Quaternion) (*Entity, error) {
	uid := DeterministicUID(n)
	if _, ok := r.live[uid]; ok {
		return nil, fmt.Errorf("spawn deterministic %q (%d): %w", name, n, ErrUIDInUse)
	}
	e := &Entity{UID: uid, Kind: Deterministic, SourceName: name, Owner: owner, Position: pos, Rotation: rot}
	if err := r.build(e, false); err != nil {
		return nil, err
	}
	r.activate(e)
	return e, nil
}

// Despawn destroys e. On the host a Dynamic entity is removed and the
// despawn broadcast; on a client the host is asked to do so. HostOnly and
// Deterministic entities are removed locally.
func (r *Registry) Despawn(e *Entity) error {
	if e.state != Active {
		return fmt.Errorf("despawn %s: %w", e, ErrNotLive)
	}
	switch e.Kind {
	case Dynamic:
		if !r.net.IsHost() {
			r.sendDespawn(e)
			return nil
		}
		r.destroy(e)
		r.sendDespawn(e)
	case HostOnly, Deterministic:
		r.destroy(e)
	default:
		return fmt.Errorf("despawn %s: %w", e, ErrWrongKind)
	}
	return nil
}

// Lookup returns the live entity with uid.
func (r *Registry) Lookup(uid uint64) (*Entity, bool) {
	e, ok := r.live[uid]
	return e, ok
}

// Entities returns every live entity ordered by uid.
func (r *Registry) Entities() []*Entity {
	out := make([]*Entity, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Unassigned returns the static entities still waiting for a uid.
func (r *Registry) Unassigned() []*Entity {
	out := make([]*Entity, len(r.statics))
	copy(out, r.statics)
	return out
}

// Resync re-broadcasts every live replicated entity so late joiners catch up.
func (r *Registry) Resync() {
	if !r.net.IsHost() {
		return
	}
	for _, e := range r.Entities() {
		if e.Kind == Static || e.Kind == Dynamic {
			r.sendSpawn(e)
		}
	}
}

// HandleSpawn applies an ENTITY_SPAWN record on a client.
func (r *Registry) HandleSpawn(src string, payload []byte) {
	if r.net.IsHost() {
		r.Logger.V(1).Info("ignoring spawn sent to host", "from", src)
		return
	}
	var m SpawnMessage
	if err := m.UnmarshalBinary(payload); err != nil {
		r.Logger.Info("dropping spawn", "from", src, "error", err.Error())
		return
	}
	if _, ok := r.live[m.UID]; ok {
		r.Logger.V(1).Info("entity already live", "uid", m.UID)
		return
	}

	switch m.Kind {
	case Static:
		e := r.findStatic(m.SourceName)
		if e == nil {
			r.Logger.Info("dropping spawn", "uid", m.UID, "error", fmt.Sprintf("%q: %v", m.SourceName, ErrUnknownSourceName))
			return
		}
		r.removeStatic(e)
		e.UID = m.UID
		e.Owner = m.Owner
		r.activate(e)
	case Dynamic:
		e := &Entity{
			UID:        m.UID,
			Kind:       Dynamic,
			SourceName: m.SourceName,
			Owner:      m.Owner,
			Position:   m.Position,
			Rotation:   m.Rotation,
		}
		if err := r.build(e, true); err != nil {
			r.Logger.Info("dropping spawn", "uid", m.UID, "error", err.Error())
			return
		}
		r.activate(e)
	default:
		r.Logger.Info("dropping spawn of unreplicated kind", "uid", m.UID, "kind", m.Kind.String())
	}
}

// HandleDespawn applies an ENTITY_DESPAWN record. On the host it is a request
// from a client and is honoured for live Dynamic entities.
func (r *Registry) HandleDespawn(src string, payload []byte) {
	var m DespawnMessage
	if err := m.UnmarshalBinary(payload); err != nil {
		r.Logger.Info("dropping despawn", "from", src, "error", err.Error())
		return
	}
	e, ok := r.live[m.UID]
	if !ok {
		r.Logger.Info("despawn for unknown entity", "uid", m.UID, "from", src)
		return
	}
	if e.Kind != m.Kind || e.Kind != Dynamic {
		r.Logger.Info("despawn kind mismatch", "uid", m.UID, "kind", m.Kind.String(), "local", e.Kind.String())
		return
	}
	if r.net.IsHost() {
		r.destroy(e)
		r.sendDespawn(e)
		return
	}
	r.destroy(e)
}

func (r *Registry) activate(e *Entity) {
	e.state = Active
	r.live[e.UID] = e
	r.Logger.V(1).Info("entity active", "uid", e.UID, "kind", e.Kind.String(), "name", e.SourceName, "owner", e.Owner)
	for _, fn := range r.onSpawn {
		fn(e)
	}
}

func (r *Registry) destroy(e *Entity) {
	delete(r.live, e.UID)
	e.state = Destroyed
	r.Logger.V(1).Info("entity destroyed", "uid", e.UID, "kind", e.Kind.String(), "name", e.SourceName)
	for _, fn := range r.onDespawn {
		fn(e)
	}
}

func (r *Registry) findStatic(name string) *Entity {
	for _, e := range r.statics {
		if e.SourceName == name {
			return e
		}
	}
	return nil
}

func (r *Registry) removeStatic(e *Entity) {
	for i, s := range r.statics {
		if s == e {
			r.statics = append(r.statics[:i], r.statics[i+1:]...)
			return
		}
	}
}

func (r *Registry) sendSpawn(e *Entity) {
	m := spawnMessageOf(e)
	b, _ := m.MarshalBinary()
	r.net.Send(wire.EntitySpawn, b)
}

func (r *Registry) sendDespawn(e *Entity) {
	m := DespawnMessage{Kind: e.Kind, UID: e.UID}
	b, _ := m.MarshalBinary()
	r.net.Send(wire.EntityDespawn, b)
}
