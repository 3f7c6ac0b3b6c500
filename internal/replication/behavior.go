// Package replication keeps behavior state in step across a session: field
// snapshots flow from the authority to everyone else, CMDs flow from an
// authority client to the host, and RPCs flow from the host to everyone.
package replication

import (
	"errors"
	"fmt"

	"github.com/simple64/netsync/internal/codec"
)

var (
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrArgumentMismatch = errors.New("argument mismatch")
	ErrDuplicateName    = errors.New("duplicate name in behavior table")
	ErrDetached         = errors.New("behavior detached")
)

// A Behavior declares its synced fields and remote procedures once, when it
// is attached.
type Behavior interface {
	Describe(t *Table)
}

// Optional lifecycle hooks a Behavior may implement.
type (
	Attacher interface{ OnAttach(h *Handle) }
	Ticker   interface{ OnTick() }
	Detacher interface{ OnDetach() }
	// SyncPolicy overrides the default of sending a snapshot every tick.
	SyncPolicy interface{ NeedsSync() bool }
	// Synced is called after a remote snapshot overwrote the fields.
	Synced interface{ OnSynced() }
)

// Field binds a named value to accessors. Fields are encoded in declaration
// order without type tags.
type Field struct {
	Name string
	Kind codec.Kind
	Get  func() any
	Set  func(any)
}

func Int32Field(name string, p *int32) Field {
	return Field{Name: name, Kind: codec.KindInt32,
		Get: func() any { return *p },
		Set: func(v any) { *p = v.(int32) }}
}

func Float32Field(name string, p *float32) Field {
	return Field{Name: name, Kind: codec.KindFloat32,
		Get: func() any { return *p },
		Set: func(v any) { *p = v.(float32) }}
}

func Vector3Field(name string, p *codec.Vector3) Field {
	return Field{Name: name, Kind: codec.KindVector3,
		Get: func() any { return *p },
		Set: func(v any) { *p = v.(codec.Vector3) }}
}

func QuaternionField(name string, p *codec.Quaternion) Field {
	return Field{Name: name, Kind: codec.KindQuaternion,
		Get: func() any { return *p },
		Set: func(v any) { *p = v.(codec.Quaternion) }}
}

func StringField(name string, p *string) Field {
	return Field{Name: name, Kind: codec.KindString,
		Get: func() any { return *p },
		Set: func(v any) { *p = v.(string) }}
}

// Procedure is a remotely callable function with a fixed signature.
type Procedure struct {
	Name   string
	Params []codec.Kind
	Fn     func(args []any)
}

// Table is the registration table filled by Behavior.Describe.
type Table struct {
	fields []Field
	cmds   []Procedure
	rpcs   []Procedure
	err    error
}

// Sync appends synced fields.
func (t *Table) Sync(fields ...Field) {
	for _, f := range fields {
		if t.hasField(f.Name) {
			t.fail(fmt.Errorf("field %q: %w", f.Name, ErrDuplicateName))
			continue
		}
		t.fields = append(t.fields, f)
	}
}

// CMD declares a procedure that runs on the host when invoked by the
// entity's authority.
func (t *Table) CMD(name string, fn func(args []any), params ...codec.Kind) {
	if t.hasProcedure(name) {
		t.fail(fmt.Errorf("cmd %q: %w", name, ErrDuplicateName))
		return
	}
	t.cmds = append(t.cmds, Procedure{Name: name, Params: params, Fn: fn})
}

// RPC declares a procedure the host runs on every process.
func (t *Table) RPC(name string, fn func(args []any), params ...codec.Kind) {
	if t.hasProcedure(name) {
		t.fail(fmt.Errorf("rpc %q: %w", name, ErrDuplicateName))
		return
	}
	t.rpcs = append(t.rpcs, Procedure{Name: name, Params: params, Fn: fn})
}

func (t *Table) Fields() []Field { return t.fields }

func (t *Table) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *Table) hasField(name string) bool {
	for _, f := range t.fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (t *Table) hasProcedure(name string) bool {
	return findProcedure(t.cmds, name) != nil || findProcedure(t.rpcs, name) != nil
}

func findProcedure(procs []Procedure, name string) *Procedure {
	for i := range procs {
		if procs[i].Name == name {
			return &procs[i]
		}
	}
	return nil
}

// PendingCall is a queued invocation waiting for the next flush.
type PendingCall struct {
	Name string
	Args []any
}
