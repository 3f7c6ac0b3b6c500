// Package session ties the transport, roster, entity registry and
// replication engine into one explicitly owned object driven by a tick loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"
	"github.com/sasha-s/go-deadlock"

	"github.com/simple64/netsync/internal/codec"
	"github.com/simple64/netsync/internal/config"
	"github.com/simple64/netsync/internal/dispatcher"
	"github.com/simple64/netsync/internal/entity"
	"github.com/simple64/netsync/internal/lobby"
	"github.com/simple64/netsync/internal/replication"
	"github.com/simple64/netsync/internal/roster"
	serverlist "github.com/simple64/netsync/internal/serverList"
	"github.com/simple64/netsync/internal/transport"
	"github.com/simple64/netsync/internal/wire"
)

var (
	ErrReservedHandler = errors.New("handler id is reserved")
	ErrNotConnected    = errors.New("session is not connected")
)

type relay struct {
	except string
	batch  *wire.Batch
}

// Session is one process's view of a replicated simulation. Everything but
// Stats and Close must be called from the goroutine that ticks it.
type Session struct {
	ID        ulid.ULID
	Logger    logr.Logger
	StartTime time.Time

	cfg        *config.Config
	transport  *transport.Transport
	dispatcher *dispatcher.Dispatcher
	roster     *roster.Roster
	codecs     *codec.Registry
	entities   *entity.Registry
	engine     *replication.Engine
	lobby      *lobby.Lobby
	announcer  *serverlist.Announcer

	host      bool
	joined    bool
	lostHost  bool
	outbox    *wire.Batch
	relays    []relay
	counters  counters
	statusMu  deadlock.Mutex
	endpoints []string
}

func New(cfg *config.Config, logger logr.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := ulid.Make()
	logger = logger.WithValues("session", id.String())

	s := &Session{
		ID:     id,
		Logger: logger,
		cfg:    cfg,
		transport: transport.New(logger, transport.Options{
			MaxMessageSize: cfg.MaxMessageSize,
			MaxConns:       peerLimit(cfg.MaxPlayers),
		}),
		dispatcher: dispatcher.New(logger),
		roster:     roster.New(logger),
		codecs:     codec.NewRegistry(),
		outbox:     wire.NewBatch(cfg.MaxMessageSize),
	}
	s.entities = entity.NewRegistry(logger, s)
	s.engine = replication.NewEngine(logger, s.codecs, s.entities, s, replication.Options{
		PendingWindow: cfg.PendingWindow,
	})
	s.lobby = lobby.New(logger, s, cfg.Lobby.MinPlayers)
	if cfg.Announce.URL != "" {
		s.announcer = serverlist.New(logger, serverlist.Options{
			URL:      cfg.Announce.URL,
			Name:     cfg.Announce.Name,
			Address:  cfg.Announce.Address,
			Interval: cfg.Announce.Interval,
		})
	}

	s.entities.OnDespawn(s.engine.DetachAll)
	s.dispatcher.OnRecord = func(byte, int) { s.counters.records.Add(1) }
	s.dispatcher.RegisterHandler(wire.PlayersUpdate, s.handlePlayers)
	s.dispatcher.RegisterHandler(wire.LobbyGo, s.lobby.Handle)
	s.dispatcher.RegisterHandler(wire.EntitySpawn, s.entities.HandleSpawn)
	s.dispatcher.RegisterHandler(wire.EntityDespawn, s.entities.HandleDespawn)
	s.dispatcher.RegisterHandler(wire.EntityFields, s.engine.HandleFields)
	s.dispatcher.RegisterHandler(wire.EntityMethods, s.engine.HandleMethods)
	return s, nil
}

// Host listens on the configured address. The host is always player 0.
func (s *Session) Host() error {
	if err := s.transport.Listen(s.cfg.Address); err != nil {
		return err
	}
	s.host = true
	s.StartTime = time.Now()
	s.reconcile()
	s.Logger.Info("hosting session", "address", s.transport.Addr())
	return nil
}

// Join connects to the host at the configured address.
func (s *Session) Join(ctx context.Context) error {
	if err := s.transport.Connect(ctx, s.cfg.Address); err != nil {
		return err
	}
	s.joined = true
	s.StartTime = time.Now()
	return nil
}

// Close detaches every behavior still attached to a live entity and tears
// down every connection.
func (s *Session) Close() error {
	s.Logger.Info("closing session", "playTime", time.Since(s.StartTime).String())
	for _, e := range s.entities.Entities() {
		s.engine.DetachAll(e)
	}
	return s.transport.Close()
}

// peerLimit converts max_players, which counts the host, into the number of
// client connections the transport may hold.
func peerLimit(maxPlayers int) int {
	switch maxPlayers {
	case 0:
		return 0
	case 1:
		return transport.RefuseAll
	}
	return maxPlayers - 1
}

// RegisterHandler adds a callback for an application message id.
func (s *Session) RegisterHandler(id byte, h dispatcher.Handler) error {
	if id < wire.FirstUserHandler {
		return fmt.Errorf("handler %d (%s): %w", id, wire.HandlerName(id), ErrReservedHandler)
	}
	s.dispatcher.RegisterHandler(id, h)
	return nil
}

// Send queues a record for every peer. Queued records go out together at the
// end of the tick.
func (s *Session) Send(handler byte, payload []byte) {
	if err := s.outbox.Add(handler, payload); err != nil {
		s.counters.dropped.Add(1)
		s.Logger.Error(err, "record dropped", "handler", wire.HandlerName(handler), "size", len(payload))
	}
}

// Relay queues a record for every peer except the one at endpoint.
func (s *Session) Relay(except string, handler byte, payload []byte) {
	var b *wire.Batch
	for _, r := range s.relays {
		if r.except == except {
			b = r.batch
		}
	}
	if b == nil {
		b = wire.NewBatch(s.cfg.MaxMessageSize)
		s.relays = append(s.relays, relay{except: except, batch: b})
	}
	if err := b.Add(handler, payload); err != nil {
		s.counters.dropped.Add(1)
		s.Logger.Error(err, "relay dropped", "handler", wire.HandlerName(handler), "size", len(payload))
	}
}

func (s *Session) IsHost() bool { return s.host }

func (s *Session) IsConnected() bool { return s.transport.Connected() }

// LocalPlayer is this process's player id; false until the roster names it.
func (s *Session) LocalPlayer() (uint32, bool) { return s.roster.LocalID() }

func (s *Session) PlayerAt(endpoint string) (uint32, bool) {
	p, ok := s.roster.PlayerAt(endpoint)
	return p.ID, ok
}

func (s *Session) PlayerCount() int { return s.roster.Len() }

func (s *Session) Players() []roster.Player { return s.roster.Players() }

func (s *Session) Codecs() *codec.Registry { return s.codecs }

func (s *Session) Entities() *entity.Registry { return s.entities }

func (s *Session) Engine() *replication.Engine { return s.engine }

func (s *Session) Lobby() *lobby.Lobby { return s.lobby }

// Addr is the bound listener address on a host.
func (s *Session) Addr() string { return s.transport.Addr() }

func (s *Session) RegisterPrefab(name string, fn entity.Prefab) {
	s.entities.RegisterPrefab(name, fn)
}

// SpawnEntity instantiates a prefab on the host and spawns it.
func (s *Session) SpawnEntity(kind entity.Kind, name string, owner uint32, pos codec.Vector3, rot codec.Quaternion) (*entity.Entity, error) {
	e, err := s.entities.Instantiate(kind, name, owner, pos, rot)
	if err != nil {
		return nil, err
	}
	if err := s.entities.Spawn(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Session) DespawnEntity(e *entity.Entity) error { return s.entities.Despawn(e) }

func (s *Session) RegisterBehavior(e *entity.Entity, b replication.Behavior) (*replication.Handle, error) {
	return s.engine.Attach(e, b)
}

func (s *Session) UnregisterBehavior(h *replication.Handle) { s.engine.Detach(h) }

func (s *Session) handlePlayers(src string, payload []byte) {
	if s.host {
		s.Logger.V(1).Info("ignoring roster sent to host", "from", src)
		return
	}
	if err := s.roster.Apply(payload, s.transport.LocalEndpoint()); err != nil {
		s.Logger.Info("dropping roster", "from", src, "error", err.Error())
		return
	}
	s.publishEndpoints()
	id, ok := s.roster.LocalID()
	s.Logger.V(1).Info("roster updated", "players", s.roster.Len(), "player", id, "resolved", ok)
}

func (s *Session) reconcile() {
	changed, added := s.roster.Reconcile(s.transport.Endpoints())
	if !changed {
		return
	}
	s.roster.Resolve(s.transport.LocalEndpoint())
	s.publishEndpoints()
	s.Send(wire.PlayersUpdate, s.roster.Encode())
	if added > 0 {
		s.entities.Resync()
	}
}

func (s *Session) publishEndpoints() {
	players := s.roster.Players()
	eps := make([]string, len(players))
	for i, p := range players {
		eps[i] = p.Endpoint
	}
	s.statusMu.Lock()
	s.endpoints = eps
	s.statusMu.Unlock()
}
