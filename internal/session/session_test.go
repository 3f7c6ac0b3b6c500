package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/simple64/netsync/internal/codec"
	"github.com/simple64/netsync/internal/config"
	"github.com/simple64/netsync/internal/entity"
	"github.com/simple64/netsync/internal/replication"
	"github.com/simple64/netsync/internal/wire"
)

type counter struct {
	N       int32
	adds    []int32
	flashes []string
	h       *replication.Handle
}

func (c *counter) Describe(t *replication.Table) {
	t.Sync(replication.Int32Field("n", &c.N))
	t.CMD("add", func(a []any) { c.adds = append(c.adds, a[0].(int32)) }, codec.KindInt32)
	t.RPC("flash", func(a []any) { c.flashes = append(c.flashes, a[0].(string)) }, codec.KindString)
}

func (c *counter) OnAttach(h *replication.Handle) { c.h = h }

type node struct {
	*Session
	counters map[*entity.Entity]*counter
}

func newNode(t *testing.T, cfg *config.Config) *node {
	t.Helper()
	s, err := New(cfg, testr.New(t))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	n := &node{Session: s, counters: make(map[*entity.Entity]*counter)}
	s.RegisterPrefab("puck", func(e *entity.Entity) error {
		_, err := s.RegisterBehavior(e, &replication.Transform{})
		return err
	})
	s.RegisterPrefab("counter", func(e *entity.Entity) error {
		c := &counter{}
		if _, err := s.RegisterBehavior(e, c); err != nil {
			return err
		}
		n.counters[e] = c
		return nil
	})
	t.Cleanup(func() { _ = s.Close() })
	return n
}

func startHost(t *testing.T) *node {
	t.Helper()
	return startHostWith(t, config.Default())
}

func startHostWith(t *testing.T, cfg *config.Config) *node {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	cfg.StatsInterval = 0
	n := newNode(t, cfg)
	if err := n.Host(); err != nil {
		t.Fatalf("host: %v", err)
	}
	return n
}

func startClient(t *testing.T, host *node) *node {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = config.ModeClient
	cfg.Address = host.Addr()
	cfg.StatsInterval = 0
	n := newNode(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	return n
}

// pump ticks every node until cond holds.
func pump(t *testing.T, cond func() bool, nodes ...*node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		for _, n := range nodes {
			n.Tick()
		}
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func resolved(n *node) bool {
	_, ok := n.LocalPlayer()
	return ok
}

func TestPlayersResolveTheirIDs(t *testing.T) {
	host := startHost(t)
	a := startClient(t, host)
	b := startClient(t, host)

	pump(t, func() bool {
		return resolved(a) && resolved(b) && a.PlayerCount() == 3 && b.PlayerCount() == 3
	}, host, a, b)

	hid, ok := host.LocalPlayer()
	if !ok || hid != entity.HostOwner {
		t.Fatalf("host must be player 0, got %d %v", hid, ok)
	}
	aid, _ := a.LocalPlayer()
	bid, _ := b.LocalPlayer()
	if aid == bid || aid == 0 || bid == 0 {
		t.Fatalf("expected distinct client ids, got %d and %d", aid, bid)
	}
	if host.Stats().Players != 3 {
		t.Fatalf("expected 3 players in stats, got %d", host.Stats().Players)
	}
}

func TestSpawnAndPoseReachClient(t *testing.T) {
	host := startHost(t)
	c := startClient(t, host)
	pump(t, func() bool { return resolved(c) }, host, c)

	e, err := host.SpawnEntity(entity.Dynamic, "puck", entity.HostOwner, codec.Vector3{X: 1}, codec.Identity)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	e.Position = codec.Vector3{X: 3, Y: 4, Z: 5}

	pump(t, func() bool {
		ce, ok := c.Entities().Lookup(e.UID)
		return ok && ce.Position == e.Position
	}, host, c)

	if err := host.DespawnEntity(e); err != nil {
		t.Fatalf("despawn: %v", err)
	}
	pump(t, func() bool {
		_, ok := c.Entities().Lookup(e.UID)
		return !ok
	}, host, c)
}

func TestLateJoinerReceivesEntities(t *testing.T) {
	host := startHost(t)
	e, err := host.SpawnEntity(entity.Dynamic, "puck", entity.HostOwner, codec.Vector3{Z: 9}, codec.Identity)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	host.Tick()

	c := startClient(t, host)
	pump(t, func() bool {
		ce, ok := c.Entities().Lookup(e.UID)
		return ok && ce.Position == e.Position
	}, host, c)
	if n := len(c.Entities().Entities()); n != 1 {
		t.Fatalf("expected one entity on the late joiner, got %d", n)
	}
}

func TestClientAuthorityReachesOtherClients(t *testing.T) {
	host := startHost(t)
	a := startClient(t, host)
	b := startClient(t, host)
	pump(t, func() bool { return resolved(a) && resolved(b) }, host, a, b)
	aid, _ := a.LocalPlayer()

	e, err := host.SpawnEntity(entity.Dynamic, "puck", aid, codec.Vector3{}, codec.Identity)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	pump(t, func() bool {
		_, okA := a.Entities().Lookup(e.UID)
		_, okB := b.Entities().Lookup(e.UID)
		return okA && okB
	}, host, a, b)

	ae, _ := a.Entities().Lookup(e.UID)
	ae.Position = codec.Vector3{X: -7, Y: 2}
	pump(t, func() bool {
		be, _ := b.Entities().Lookup(e.UID)
		return e.Position == ae.Position && be.Position == ae.Position
	}, host, a, b)
}

func TestCMDAndRPC(t *testing.T) {
	host := startHost(t)
	a := startClient(t, host)
	b := startClient(t, host)
	pump(t, func() bool { return resolved(a) && resolved(b) }, host, a, b)
	aid, _ := a.LocalPlayer()

	e, err := host.SpawnEntity(entity.Dynamic, "counter", aid, codec.Vector3{}, codec.Identity)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	pump(t, func() bool {
		_, okA := a.Entities().Lookup(e.UID)
		_, okB := b.Entities().Lookup(e.UID)
		return okA && okB
	}, host, a, b)
	ae, _ := a.Entities().Lookup(e.UID)
	be, _ := b.Entities().Lookup(e.UID)

	if err := b.counters[be].h.Call("add", int32(100)); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := a.counters[ae].h.Call("add", int32(2)); err != nil {
		t.Fatalf("call: %v", err)
	}
	hc := host.counters[e]
	pump(t, func() bool { return len(hc.adds) > 0 }, host, a, b)
	if len(hc.adds) != 1 || hc.adds[0] != 2 {
		t.Fatalf("expected only the owner's add(2), got %v", hc.adds)
	}

	if err := hc.h.Call("flash", "go"); err != nil {
		t.Fatalf("call: %v", err)
	}
	pump(t, func() bool {
		return len(a.counters[ae].flashes) == 1 && len(b.counters[be].flashes) == 1
	}, host, a, b)
	if len(hc.flashes) != 1 {
		t.Fatalf("rpc must run once on the host, got %v", hc.flashes)
	}
}

func TestApplicationHandlers(t *testing.T) {
	host := startHost(t)
	c := startClient(t, host)
	pump(t, func() bool { return resolved(c) }, host, c)

	if err := c.RegisterHandler(wire.EntityFields, func(string, []byte) {}); !errors.Is(err, ErrReservedHandler) {
		t.Fatalf("expected reserved handler error, got %v", err)
	}
	var got []string
	var from string
	if err := c.RegisterHandler(wire.FirstUserHandler, func(src string, payload []byte) {
		from = src
		got = append(got, string(payload))
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	host.Send(wire.FirstUserHandler, []byte("hello"))
	host.Send(wire.FirstUserHandler, []byte("world"))
	pump(t, func() bool { return len(got) == 2 }, host, c)
	if got[0] != "hello" || got[1] != "world" {
		t.Fatalf("records out of order: %v", got)
	}
	if from != host.Addr() {
		t.Fatalf("expected records from %s, got %s", host.Addr(), from)
	}
}

func TestLobbyGo(t *testing.T) {
	host := startHost(t)
	c := startClient(t, host)
	started := false
	c.Lobby().OnGo(func() { started = true })
	pump(t, func() bool { return host.PlayerCount() == 2 }, host, c)

	if err := host.Lobby().Go(); err != nil {
		t.Fatalf("go: %v", err)
	}
	pump(t, func() bool { return started }, host, c)
}

func TestDepartureShrinksRoster(t *testing.T) {
	host := startHost(t)
	a := startClient(t, host)
	b := startClient(t, host)
	pump(t, func() bool { return b.PlayerCount() == 3 }, host, a, b)

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	pump(t, func() bool { return host.PlayerCount() == 2 && b.PlayerCount() == 2 }, host, b)
	if !resolved(b) {
		t.Fatalf("remaining client lost its id")
	}
}

func TestRun(t *testing.T) {
	host := startHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if host.Stats().Ticks == 0 {
		t.Fatalf("run did not tick")
	}

	idle := newNode(t, config.Default())
	if err := idle.Run(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestFullSessionTurnsClientAway(t *testing.T) {
	cfg := config.Default()
	cfg.MaxPlayers = 2
	host := startHostWith(t, cfg)
	a := startClient(t, host)
	pump(t, func() bool { return resolved(a) }, host, a)

	b := startClient(t, host)
	pump(t, func() bool { return !b.IsConnected() }, host, a, b)
	if resolved(b) {
		t.Fatalf("refused client must not get an id")
	}
	if n := host.PlayerCount(); n != 2 {
		t.Fatalf("expected host and one client, got %d players", n)
	}
	if !a.IsConnected() || a.PlayerCount() != 2 {
		t.Fatalf("admitted client disturbed: connected %v, %d players", a.IsConnected(), a.PlayerCount())
	}
}

func TestHostOnlySessionAdmitsNobody(t *testing.T) {
	cfg := config.Default()
	cfg.MaxPlayers = 1
	host := startHostWith(t, cfg)
	c := startClient(t, host)
	pump(t, func() bool { return !c.IsConnected() }, host, c)
	if n := host.PlayerCount(); n != 1 {
		t.Fatalf("expected the host alone, got %d players", n)
	}
}

type tracker struct{ detached int }

func (tr *tracker) Describe(*replication.Table) {}

func (tr *tracker) OnDetach() { tr.detached++ }

func TestCloseDetachesBehaviors(t *testing.T) {
	host := startHost(t)
	tr := &tracker{}
	host.RegisterPrefab("tracked", func(e *entity.Entity) error {
		_, err := host.RegisterBehavior(e, tr)
		return err
	})
	if _, err := host.SpawnEntity(entity.Dynamic, "tracked", entity.HostOwner, codec.Vector3{}, codec.Identity); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := host.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if tr.detached != 1 {
		t.Fatalf("expected one detach, got %d", tr.detached)
	}
	if err := host.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if tr.detached != 1 {
		t.Fatalf("second close detached again: %d", tr.detached)
	}
}
