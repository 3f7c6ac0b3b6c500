package replication

import (
	"fmt"

	"github.com/simple64/netsync/internal/entity"
)

// Handle is an attached behavior instance, addressed on the wire by its
// entity uid and its index among the entity's behaviors.
type Handle struct {
	engine   *Engine
	entity   *entity.Entity
	index    int
	behavior Behavior
	table    Table

	pendingCmds []PendingCall
	pendingRPCs []PendingCall
	justSynced  bool
	detached    bool
}

func (h *Handle) Entity() *entity.Entity { return h.entity }

func (h *Handle) Index() int { return h.index }

func (h *Handle) Behavior() Behavior { return h.behavior }

// HasAuthority reports whether this process owns the entity's state.
func (h *Handle) HasAuthority() bool { return h.engine.hasAuthority(h.entity) }

func (h *Handle) IsHost() bool { return h.engine.net.IsHost() }

// JustSynced is true during the tick in which a remote snapshot was applied.
func (h *Handle) JustSynced() bool { return h.justSynced }

// Pending returns the queued CMDs and RPCs that the next tick will send.
func (h *Handle) Pending() (cmds, rpcs []PendingCall) {
	return h.pendingCmds, h.pendingRPCs
}

// Call invokes a CMD or RPC by name. An RPC called on the host runs locally
// at once and is queued for broadcast; anywhere else it does nothing. A CMD
// called by the authority runs at once on the host or is queued for the host
// on a client; without authority it does nothing. Arguments must match the
// declared kinds; an int or float64 is narrowed to int32 or float32.
func (h *Handle) Call(name string, args ...any) error {
	e := h.engine
	if h.detached {
		return fmt.Errorf("call %q: %w", name, ErrDetached)
	}
	if p := findProcedure(h.table.rpcs, name); p != nil {
		if !e.net.IsHost() {
			return nil
		}
		checked, err := e.checkArgs(p, args)
		if err != nil {
			e.Logger.Info("wrong parameters", "rpc", name, "uid", h.entity.UID, "error", err.Error())
			return err
		}
		h.pendingRPCs = append(h.pendingRPCs, PendingCall{Name: name, Args: checked})
		e.invoke(h, p, checked)
		return nil
	}
	if p := findProcedure(h.table.cmds, name); p != nil {
		if !h.HasAuthority() {
			return nil
		}
		checked, err := e.checkArgs(p, args)
		if err != nil {
			e.Logger.Info("wrong parameters", "cmd", name, "uid", h.entity.UID, "error", err.Error())
			return err
		}
		if e.net.IsHost() {
			e.invoke(h, p, checked)
			return nil
		}
		h.pendingCmds = append(h.pendingCmds, PendingCall{Name: name, Args: checked})
		return nil
	}
	e.Logger.Info("unknown procedure", "name", name, "uid", h.entity.UID, "index", h.index)
	return fmt.Errorf("call %q: %w", name, ErrUnknownProcedure)
}
