package session

import (
	"context"
	"sync"
	"time"

	serverlist "github.com/simple64/netsync/internal/serverList"
)

// Tick runs one step: dispatch what arrived, reconcile the roster on the
// host, update behaviors and flush everything queued.
func (s *Session) Tick() {
	s.counters.ticks.Add(1)

	for _, m := range s.transport.PollInbound() {
		s.counters.messagesIn.Add(1)
		s.counters.bytesIn.Add(uint64(len(m.Payload)))
		s.dispatcher.Dispatch(m.From, m.Payload)
	}

	s.transport.Housekeep()
	if s.host {
		s.reconcile()
	} else if s.joined && !s.lostHost && !s.transport.Connected() {
		s.lostHost = true
		s.Logger.Info("lost connection to host", "playTime", time.Since(s.StartTime).String())
	}

	s.engine.Tick()
	s.flush()
}

func (s *Session) flush() {
	for _, msg := range s.outbox.Flush() {
		s.counters.messagesOut.Add(1)
		s.counters.bytesOut.Add(uint64(s.transport.Broadcast(msg)))
	}
	for _, r := range s.relays {
		for _, msg := range r.batch.Flush() {
			s.counters.messagesOut.Add(1)
			s.counters.bytesOut.Add(uint64(s.transport.BroadcastExcept(r.except, msg)))
		}
	}
	s.relays = s.relays[:0]
}

// Run ticks at the configured rate until ctx is done. On a host with a list
// server configured the session is announced for as long as it runs.
func (s *Session) Run(ctx context.Context) error {
	if !s.host && !s.joined {
		return ErrNotConnected
	}

	var wg sync.WaitGroup
	if s.host && s.announcer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.announcer.Run(ctx, s.status)
		}()
	}
	defer wg.Wait()

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	var statsC <-chan time.Time
	if s.cfg.StatsInterval > 0 {
		st := time.NewTicker(s.cfg.StatsInterval)
		defer st.Stop()
		statsC = st.C
	}

	for {
		select {
		case <-ctx.Done():
			s.LogStats()
			return nil
		case <-ticker.C:
			s.Tick()
			if s.lostHost {
				s.LogStats()
				return ErrNotConnected
			}
		case <-statsC:
			s.LogStats()
		}
	}
}

func (s *Session) status() serverlist.Status {
	s.statusMu.Lock()
	players := make([]string, len(s.endpoints))
	copy(players, s.endpoints)
	s.statusMu.Unlock()
	return serverlist.Status{
		SessionID:  s.ID.String(),
		Port:       portOf(s.transport.Addr()),
		Players:    players,
		MaxPlayers: s.cfg.MaxPlayers,
		Started:    s.lobby.Started(),
		Uptime:     time.Since(s.StartTime),
	}
}
