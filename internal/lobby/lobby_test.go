package lobby

import (
	"errors"
	"testing"

	"github.com/go-logr/logr/testr"

	"github.com/simple64/netsync/internal/wire"
)

type fakeNet struct {
	host    bool
	players int
	sent    []byte
}

func (f *fakeNet) IsHost() bool     { return f.host }
func (f *fakeNet) PlayerCount() int { return f.players }
func (f *fakeNet) Send(handler byte, _ []byte) {
	f.sent = append(f.sent, handler)
}

func TestGo(t *testing.T) {
	tests := []struct {
		name    string
		host    bool
		players int
		err     error
	}{
		{"host with enough players", true, 2, nil},
		{"host alone", true, 1, ErrNotEnough},
		{"client", false, 4, ErrNotHost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNet{host: tt.host, players: tt.players}
			l := New(testr.New(t), n, 2)
			fired := 0
			l.OnGo(func() { fired++ })

			err := l.Go()
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if tt.err != nil {
				if fired != 0 || len(n.sent) != 0 {
					t.Fatalf("failed go must not start or send")
				}
				return
			}
			if fired != 1 || len(n.sent) != 1 || n.sent[0] != wire.LobbyGo {
				t.Fatalf("expected one start and one LOBBY_GO, got %d %v", fired, n.sent)
			}
			if err := l.Go(); !errors.Is(err, ErrAlreadyStarted) {
				t.Fatalf("expected already started, got %v", err)
			}
		})
	}
}

func TestClientStartsOnce(t *testing.T) {
	n := &fakeNet{players: 3}
	l := New(testr.New(t), n, 2)
	fired := 0
	l.OnGo(func() { fired++ })

	l.Handle("host", nil)
	l.Handle("host", nil)
	if fired != 1 || !l.Started() {
		t.Fatalf("expected a single start, got %d", fired)
	}
}

func TestHostIgnoresGo(t *testing.T) {
	n := &fakeNet{host: true, players: 3}
	l := New(testr.New(t), n, 2)
	l.Handle("client", nil)
	if l.Started() {
		t.Fatalf("a client cannot start the game")
	}
}
