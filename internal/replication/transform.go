package replication

import "github.com/simple64/netsync/internal/codec"

// Transform replicates an entity's pose. The authority copies the pose into
// the synced fields every tick; everyone else copies received snapshots back
// onto the entity.
type Transform struct {
	Position codec.Vector3
	Rotation codec.Quaternion
	// Limit throttles snapshots when set.
	Limit *RateLimited

	handle *Handle
}

func (t *Transform) Describe(tb *Table) {
	tb.Sync(
		Vector3Field("position", &t.Position),
		QuaternionField("rotation", &t.Rotation),
	)
}

func (t *Transform) OnAttach(h *Handle) {
	t.handle = h
	t.Position = h.Entity().Position
	t.Rotation = h.Entity().Rotation
}

func (t *Transform) OnTick() {
	if t.handle.HasAuthority() {
		e := t.handle.Entity()
		t.Position, t.Rotation = e.Position, e.Rotation
	}
}

func (t *Transform) OnSynced() {
	e := t.handle.Entity()
	e.Position, e.Rotation = t.Position, t.Rotation
}

func (t *Transform) NeedsSync() bool {
	if t.Limit == nil {
		return true
	}
	return t.Limit.NeedsSync()
}
