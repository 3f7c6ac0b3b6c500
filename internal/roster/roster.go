package roster

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/simple64/netsync/internal/wire"
)

// Player is one connected process. The host is the player bound to the
// listening endpoint.
type Player struct {
	ID       uint32
	Endpoint string
}

// Roster tracks the players of a session. On the host it is rebuilt from the
// live connections every tick; on clients it is replaced wholesale by each
// PLAYERS_UPDATE.
type Roster struct {
	Logger logr.Logger

	players  []Player
	nextID   uint32
	localID  uint32
	resolved bool
}

func New(logger logr.Logger) *Roster {
	return &Roster{Logger: logger.WithName("roster")}
}

// Reconcile drops players whose endpoint is gone and assigns fresh ids to new
// endpoints. Ids are never reused. It reports whether the set changed and
// how many players were added.
func (r *Roster) Reconcile(endpoints []string) (changed bool, added int) {
	present := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		present[ep] = true
	}

	kept := r.players[:0]
	for _, p := range r.players {
		if present[p.Endpoint] {
			kept = append(kept, p)
			delete(present, p.Endpoint)
			continue
		}
		r.Logger.Info("player left", "player", p.ID, "address", p.Endpoint)
		changed = true
	}
	r.players = kept

	for _, ep := range endpoints {
		if !present[ep] {
			continue
		}
		delete(present, ep)
		p := Player{ID: r.nextID, Endpoint: ep}
		r.nextID++
		r.players = append(r.players, p)
		r.Logger.Info("player joined", "player", p.ID, "address", p.Endpoint)
		changed = true
		added++
	}
	return changed, added
}

// Resolve sets the local player id by matching localEndpoint against the
// roster. The id stays unresolved when nothing matches.
func (r *Roster) Resolve(localEndpoint string) {
	r.resolved = false
	r.localID = 0
	if p, ok := r.PlayerAt(localEndpoint); ok {
		r.localID = p.ID
		r.resolved = true
	}
}

// Encode serialises the full roster: count, then endpoint and id per player.
func (r *Roster) Encode() []byte {
	w := wire.NewWriter(4 + len(r.players)*24) //nolint:gomnd
	w.WriteInt32(int32(len(r.players)))
	for _, p := range r.players {
		w.WriteString(p.Endpoint)
		w.WriteUint32(p.ID)
	}
	return w.Bytes()
}

// Decode parses a roster payload.
func Decode(payload []byte) ([]Player, error) {
	rd := wire.NewReader(payload)
	count := rd.ReadInt32()
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("roster count: %w", err)
	}
	if count < 0 || int(count) > rd.Remaining() {
		return nil, fmt.Errorf("roster count %d: %w", count, wire.ErrBadRecord)
	}
	players := make([]Player, 0, count)
	for i := int32(0); i < count; i++ {
		p := Player{Endpoint: rd.ReadString(), ID: rd.ReadUint32()}
		if err := rd.Err(); err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", i, err)
		}
		players = append(players, p)
	}
	return players, nil
}

// Apply replaces the roster with a received payload and recomputes the local
// id. A malformed payload leaves the roster untouched.
func (r *Roster) Apply(payload []byte, localEndpoint string) error {
	players, err := Decode(payload)
	if err != nil {
		return err
	}
	r.players = players
	r.Resolve(localEndpoint)
	r.Logger.V(1).Info("roster updated", "players", len(players), "local", r.localID, "resolved", r.resolved)
	return nil
}

// Players returns a copy of the current roster.
func (r *Roster) Players() []Player {
	out := make([]Player, len(r.players))
	copy(out, r.players)
	return out
}

func (r *Roster) Len() int { return len(r.players) }

// LocalID is the id of this process and whether it has been resolved.
func (r *Roster) LocalID() (uint32, bool) { return r.localID, r.resolved }

// PlayerAt finds the player bound to endpoint.
func (r *Roster) PlayerAt(endpoint string) (Player, bool) {
	for _, p := range r.players {
		if p.Endpoint == endpoint {
			return p, true
		}
	}
	return Player{}, false
}
