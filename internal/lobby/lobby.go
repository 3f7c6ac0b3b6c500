// Package lobby holds a session in its waiting room until the host gives the
// start signal.
package lobby

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/simple64/netsync/internal/wire"
)

var (
	ErrNotHost        = errors.New("only the host may start the game")
	ErrNotEnough      = errors.New("not enough players")
	ErrAlreadyStarted = errors.New("game already started")
)

type Network interface {
	IsHost() bool
	PlayerCount() int
	Send(handler byte, payload []byte)
}

type Lobby struct {
	Logger logr.Logger

	net        Network
	minPlayers int
	started    atomic.Bool
	onGo       []func()
}

func New(logger logr.Logger, net Network, minPlayers int) *Lobby {
	return &Lobby{
		Logger:     logger.WithName("lobby"),
		net:        net,
		minPlayers: minPlayers,
	}
}

// OnGo registers fn to run once when the game starts.
func (l *Lobby) OnGo(fn func()) { l.onGo = append(l.onGo, fn) }

// Started may be called from any goroutine.
func (l *Lobby) Started() bool { return l.started.Load() }

// Go broadcasts LOBBY_GO and starts the game locally.
func (l *Lobby) Go() error {
	if !l.net.IsHost() {
		return ErrNotHost
	}
	if l.started.Load() {
		return ErrAlreadyStarted
	}
	if n := l.net.PlayerCount(); n < l.minPlayers {
		return fmt.Errorf("%d of %d: %w", n, l.minPlayers, ErrNotEnough)
	}
	l.net.Send(wire.LobbyGo, nil)
	l.start()
	return nil
}

// Handle applies a LOBBY_GO record received from the host.
func (l *Lobby) Handle(src string, _ []byte) {
	if l.net.IsHost() {
		l.Logger.V(1).Info("ignoring lobby go sent to host", "from", src)
		return
	}
	if l.started.Load() {
		return
	}
	l.start()
}

func (l *Lobby) start() {
	l.started.Store(true)
	l.Logger.Info("game started", "players", l.net.PlayerCount())
	for _, fn := range l.onGo {
		fn()
	}
}
