package replication

import (
	"fmt"
	"math"

	"github.com/go-logr/logr"

	"github.com/simple64/netsync/internal/codec"
	"github.com/simple64/netsync/internal/entity"
	"github.com/simple64/netsync/internal/wire"
)

// Network is the slice of the session the engine needs.
type Network interface {
	IsHost() bool
	// LocalPlayer is the id of this process, false until the roster names it.
	LocalPlayer() (uint32, bool)
	// PlayerAt maps a connection endpoint to a player id.
	PlayerAt(endpoint string) (uint32, bool)
	Send(handler byte, payload []byte)
	// Relay forwards a record to every peer except the one at endpoint.
	Relay(except string, handler byte, payload []byte)
}

type Options struct {
	// PendingWindow is the number of ticks a record addressed to an unknown
	// uid is kept before it is dropped. Zero drops at once.
	PendingWindow int
	// PendingCapacity bounds the number of kept records.
	PendingCapacity int
}

type deferred struct {
	handler byte
	src     string
	payload []byte
	uid     uint64
	expires uint64
}

// Engine drives every attached behavior of a process. Like the entity
// registry, it is only touched from the tick goroutine.
type Engine struct {
	Logger logr.Logger

	codecs   *codec.Registry
	entities *entity.Registry
	net      Network
	opts     Options

	handles  map[*entity.Entity][]*Handle
	order    []*Handle
	deferred []deferred
	tick     uint64
}

func NewEngine(logger logr.Logger, codecs *codec.Registry, entities *entity.Registry, net Network, opts Options) *Engine {
	if opts.PendingWindow > 0 && opts.PendingCapacity <= 0 {
		opts.PendingCapacity = 256 //nolint:gomnd
	}
	return &Engine{
		Logger:   logger.WithName("replication"),
		codecs:   codecs,
		entities: entities,
		net:      net,
		opts:     opts,
		handles:  make(map[*entity.Entity][]*Handle),
	}
}

// Attach binds b to ent. Behaviors must be attached in the same order on
// every process since the index is part of the wire address.
func (e *Engine) Attach(ent *entity.Entity, b Behavior) (*Handle, error) {
	h := &Handle{engine: e, entity: ent, behavior: b}
	b.Describe(&h.table)
	if h.table.err != nil {
		return nil, fmt.Errorf("attach %T to %s: %w", b, ent, h.table.err)
	}
	for _, f := range h.table.fields {
		if _, ok := e.codecs.Lookup(f.Kind); !ok {
			e.Logger.Info("no codec for field, it will not be synced", "behavior", fmt.Sprintf("%T", b), "field", f.Name, "kind", f.Kind.String())
		}
	}
	h.index = len(e.handles[ent])
	e.handles[ent] = append(e.handles[ent], h)
	e.order = append(e.order, h)
	if a, ok := b.(Attacher); ok {
		a.OnAttach(h)
	}
	return h, nil
}

// Detach unbinds h. The slot it occupied stays reserved so that the indexes
// of the entity's other behaviors do not shift.
func (e *Engine) Detach(h *Handle) {
	if h.detached {
		return
	}
	h.detached = true
	if d, ok := h.behavior.(Detacher); ok {
		d.OnDetach()
	}
	slots := e.handles[h.entity]
	if h.index < len(slots) && slots[h.index] == h {
		slots[h.index] = nil
	}
	for i, o := range e.order {
		if o == h {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// DetachAll unbinds every behavior of ent.
func (e *Engine) DetachAll(ent *entity.Entity) {
	for _, h := range e.handles[ent] {
		if h != nil {
			e.Detach(h)
		}
	}
	delete(e.handles, ent)
}

// Handles returns the behaviors attached to ent, with nil in detached slots.
func (e *Engine) Handles(ent *entity.Entity) []*Handle {
	return e.handles[ent]
}

// Tick runs one simulation step: retries deferred records, updates every
// behavior, sends snapshots and flushes queued calls.
func (e *Engine) Tick() {
	e.tick++
	e.retryDeferred()

	hs := make([]*Handle, len(e.order))
	copy(hs, e.order)
	for _, h := range hs {
		if h.detached || !h.entity.Active() {
			continue
		}
		if t, ok := h.behavior.(Ticker); ok {
			t.OnTick()
		}
		if h.detached {
			continue
		}
		if h.entity.Kind == entity.HostOnly {
			h.pendingCmds, h.pendingRPCs = nil, nil
			continue
		}
		if len(h.table.fields) > 0 && e.hasAuthority(h.entity) && needsSync(h.behavior) {
			e.sendFields(h)
		}
		e.flush(h)
	}
	for _, h := range hs {
		h.justSynced = false
	}
}

func needsSync(b Behavior) bool {
	if p, ok := b.(SyncPolicy); ok {
		return p.NeedsSync()
	}
	return true
}

func (e *Engine) hasAuthority(ent *entity.Entity) bool {
	if e.net.IsHost() {
		return ent.Owner == entity.HostOwner
	}
	id, ok := e.net.LocalPlayer()
	return ok && id == ent.Owner
}

func (e *Engine) senderHasAuthority(src string, ent *entity.Entity) bool {
	id, ok := e.net.PlayerAt(src)
	return ok && id == ent.Owner
}

func (e *Engine) sendFields(h *Handle) {
	w := wire.NewWriter(64) //nolint:gomnd
	w.WriteUint64(h.entity.UID)
	w.WriteInt32(int32(h.index))
	for _, f := range h.table.fields {
		if _, ok := e.codecs.Lookup(f.Kind); !ok {
			continue
		}
		if err := e.codecs.EncodeValue(w, f.Kind, f.Get()); err != nil {
			e.Logger.Error(err, "dropping field update", "uid", h.entity.UID, "field", f.Name)
			return
		}
	}
	e.net.Send(wire.EntityFields, w.Bytes())
}

func (e *Engine) flush(h *Handle) {
	if len(h.pendingCmds) == 0 && len(h.pendingRPCs) == 0 {
		return
	}
	w := wire.NewWriter(64) //nolint:gomnd
	w.WriteUint64(h.entity.UID)
	w.WriteInt32(int32(h.index))
	if err := e.writeCalls(w, h.pendingCmds); err != nil {
		e.Logger.Error(err, "dropping cmds", "uid", h.entity.UID)
		h.pendingCmds, h.pendingRPCs = nil, nil
		return
	}
	if err := e.writeCalls(w, h.pendingRPCs); err != nil {
		e.Logger.Error(err, "dropping rpcs", "uid", h.entity.UID)
		h.pendingCmds, h.pendingRPCs = nil, nil
		return
	}
	h.pendingCmds, h.pendingRPCs = nil, nil
	e.net.Send(wire.EntityMethods, w.Bytes())
}

func (e *Engine) writeCalls(w *wire.Writer, calls []PendingCall) error {
	w.WriteInt32(int32(len(calls)))
	for _, c := range calls {
		w.WriteString(c.Name)
		w.WriteInt32(int32(len(c.Args)))
		for _, a := range c.Args {
			if err := e.codecs.EncodeTagged(w, a); err != nil {
				return fmt.Errorf("%s: %w", c.Name, err)
			}
		}
	}
	return nil
}

// HandleFields applies an ENTITY_FIELDS record. Updates are ignored when this
// process is the authority, or, on the host, when the sender is not. The
// host relays accepted updates to the other clients.
func (e *Engine) HandleFields(src string, payload []byte) {
	rd := wire.NewReader(payload)
	h := e.address(rd, wire.EntityFields, src, payload)
	if h == nil {
		return
	}
	if e.hasAuthority(h.entity) {
		return
	}
	host := e.net.IsHost()
	if host && !e.senderHasAuthority(src, h.entity) {
		return
	}

	values := make([]any, len(h.table.fields))
	for i, f := range h.table.fields {
		if _, ok := e.codecs.Lookup(f.Kind); !ok {
			continue
		}
		v, err := e.codecs.DecodeValue(rd, f.Kind)
		if err != nil {
			e.Logger.Info("dropping field update", "uid", h.entity.UID, "field", f.Name, "error", err.Error())
			return
		}
		values[i] = v
	}
	for i, f := range h.table.fields {
		if values[i] != nil {
			f.Set(values[i])
		}
	}
	h.justSynced = true
	if s, ok := h.behavior.(Synced); ok {
		s.OnSynced()
	}
	if host {
		e.net.Relay(src, wire.EntityFields, payload)
	}
}

// HandleMethods runs the calls of an ENTITY_METHODS record that this process
// should run: CMDs from the authority on the host, RPCs on clients.
func (e *Engine) HandleMethods(src string, payload []byte) {
	rd := wire.NewReader(payload)
	h := e.address(rd, wire.EntityMethods, src, payload)
	if h == nil {
		return
	}
	host := e.net.IsHost()
	allowed := host && e.senderHasAuthority(src, h.entity)
	if err := e.readCalls(rd, h, h.table.cmds, "cmd", allowed); err != nil {
		e.Logger.Info("dropping methods", "uid", h.entity.UID, "from", src, "error", err.Error())
		return
	}
	if err := e.readCalls(rd, h, h.table.rpcs, "rpc", !host); err != nil {
		e.Logger.Info("dropping methods", "uid", h.entity.UID, "from", src, "error", err.Error())
	}
}

func (e *Engine) readCalls(rd *wire.Reader, h *Handle, procs []Procedure, class string, run bool) error {
	count := rd.ReadInt32()
	if err := rd.Err(); err != nil {
		return err
	}
	if count < 0 || int(count) > rd.Remaining() {
		return fmt.Errorf("%s count %d: %w", class, count, wire.ErrBadRecord)
	}
	for i := int32(0); i < count; i++ {
		name := rd.ReadString()
		argc := rd.ReadInt32()
		if err := rd.Err(); err != nil {
			return err
		}
		if argc < 0 || int(argc) > rd.Remaining() {
			return fmt.Errorf("%s %q argument count %d: %w", class, name, argc, wire.ErrBadRecord)
		}
		args := make([]any, argc)
		kinds := make([]codec.Kind, argc)
		for j := range args {
			k, v, err := e.codecs.DecodeTagged(rd)
			if err != nil {
				return fmt.Errorf("%s %q: %w", class, name, err)
			}
			kinds[j], args[j] = k, v
		}
		if !run {
			continue
		}
		p := findProcedure(procs, name)
		if p == nil {
			e.Logger.Info("unknown "+class, "name", name, "uid", h.entity.UID, "index", h.index)
			continue
		}
		if !sameKinds(p.Params, kinds) {
			e.Logger.Info("wrong parameters", class, name, "uid", h.entity.UID)
			continue
		}
		e.invoke(h, p, args)
	}
	return nil
}

// address reads the uid and behavior index at the front of rd. Records for a
// uid that is not live are kept for a while when a pending window is set.
func (e *Engine) address(rd *wire.Reader, handler byte, src string, payload []byte) *Handle {
	uid := rd.ReadUint64()
	idx := rd.ReadInt32()
	if err := rd.Err(); err != nil {
		e.Logger.Info("dropping record", "handler", wire.HandlerName(handler), "from", src, "error", err.Error())
		return nil
	}
	ent, ok := e.entities.Lookup(uid)
	if !ok {
		e.deferRecord(handler, src, payload, uid)
		return nil
	}
	slots := e.handles[ent]
	if idx < 0 || int(idx) >= len(slots) || slots[idx] == nil {
		e.Logger.Info("unknown behavior index", "uid", uid, "index", idx, "handler", wire.HandlerName(handler))
		return nil
	}
	return slots[idx]
}

func (e *Engine) deferRecord(handler byte, src string, payload []byte, uid uint64) {
	if e.opts.PendingWindow <= 0 {
		e.Logger.Info("unknown entity", "uid", uid, "handler", wire.HandlerName(handler), "from", src)
		return
	}
	if len(e.deferred) >= e.opts.PendingCapacity {
		e.Logger.Info("pending buffer full, dropping record", "uid", uid, "handler", wire.HandlerName(handler))
		return
	}
	e.deferred = append(e.deferred, deferred{
		handler: handler,
		src:     src,
		payload: append([]byte(nil), payload...),
		uid:     uid,
		expires: e.tick + uint64(e.opts.PendingWindow),
	})
}

func (e *Engine) retryDeferred() {
	if len(e.deferred) == 0 {
		return
	}
	pending := e.deferred
	e.deferred = nil
	for _, d := range pending {
		if _, ok := e.entities.Lookup(d.uid); ok {
			switch d.handler {
			case wire.EntityFields:
				e.HandleFields(d.src, d.payload)
			case wire.EntityMethods:
				e.HandleMethods(d.src, d.payload)
			}
			continue
		}
		if e.tick >= d.expires {
			e.Logger.Info("unknown entity", "uid", d.uid, "handler", wire.HandlerName(d.handler), "from", d.src, "waited", e.opts.PendingWindow)
			continue
		}
		e.deferred = append(e.deferred, d)
	}
}

// Deferred returns the number of records waiting for their entity.
func (e *Engine) Deferred() int { return len(e.deferred) }

// checkArgs returns a copy of args matching p's parameters. Plain ints and
// float64s, such as untyped constants, are narrowed to int32 and float32 when
// the value fits.
func (e *Engine) checkArgs(p *Procedure, args []any) ([]any, error) {
	if len(args) != len(p.Params) {
		return nil, fmt.Errorf("%s wants %d arguments, got %d: %w", p.Name, len(p.Params), len(args), ErrArgumentMismatch)
	}
	out := make([]any, len(args))
	for i, a := range args {
		a = narrow(a, p.Params[i])
		k, ok := e.codecs.KindOf(a)
		if !ok || k != p.Params[i] {
			return nil, fmt.Errorf("%s argument %d is %T, want %s: %w", p.Name, i, args[i], p.Params[i], ErrArgumentMismatch)
		}
		out[i] = a
	}
	return out, nil
}

func narrow(a any, want codec.Kind) any {
	switch want {
	case codec.KindInt32:
		if v, ok := a.(int); ok && v >= math.MinInt32 && v <= math.MaxInt32 {
			return int32(v)
		}
	case codec.KindFloat32:
		if v, ok := a.(float64); ok && math.Abs(v) <= math.MaxFloat32 {
			return float32(v)
		}
	}
	return a
}

func sameKinds(want, got []codec.Kind) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

func (e *Engine) invoke(h *Handle, p *Procedure, args []any) {
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Error(fmt.Errorf("%v", r), "procedure panicked", "name", p.Name, "uid", h.entity.UID)
		}
	}()
	p.Fn(args)
}
