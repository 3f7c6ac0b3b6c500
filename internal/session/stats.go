package session

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

type counters struct {
	ticks       atomic.Uint64
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	records     atomic.Uint64
	dropped     atomic.Uint64
}

// Stats is a snapshot of the session counters.
type Stats struct {
	Ticks          uint64
	MessagesIn     uint64
	MessagesOut    uint64
	BytesIn        uint64
	BytesOut       uint64
	Records        uint64
	DroppedRecords uint64
	Players        int
	Uptime         time.Duration
}

// Stats may be called from any goroutine.
func (s *Session) Stats() Stats {
	s.statusMu.Lock()
	players := len(s.endpoints)
	s.statusMu.Unlock()
	st := Stats{
		Ticks:          s.counters.ticks.Load(),
		MessagesIn:     s.counters.messagesIn.Load(),
		MessagesOut:    s.counters.messagesOut.Load(),
		BytesIn:        s.counters.bytesIn.Load(),
		BytesOut:       s.counters.bytesOut.Load(),
		Records:        s.counters.records.Load(),
		DroppedRecords: s.counters.dropped.Load(),
		Players:        players,
	}
	if !s.StartTime.IsZero() {
		st.Uptime = time.Since(s.StartTime)
	}
	return st
}

// LogStats writes the counters and one line per player.
func (s *Session) LogStats() {
	st := s.Stats()
	s.Logger.Info("session stats",
		"host", s.host,
		"ticks", st.Ticks,
		"messagesIn", st.MessagesIn,
		"messagesOut", st.MessagesOut,
		"bytesIn", st.BytesIn,
		"bytesOut", st.BytesOut,
		"records", st.Records,
		"dropped", st.DroppedRecords,
		"entities", len(s.entities.Entities()),
		"deferred", s.engine.Deferred(),
		"playTime", st.Uptime.String(),
	)
	for _, p := range s.roster.Players() {
		s.Logger.Info("player status", "player", p.ID, "address", p.Endpoint)
	}
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}
