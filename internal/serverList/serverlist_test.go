package serverlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
)

type listServer struct {
	mu       sync.Mutex
	received []map[string]interface{}
	statuses []int
}

func (l *listServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.URL.Path != "/announce" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(r.FormValue("json")), &data); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	l.received = append(l.received, data)
	status := http.StatusOK
	if len(l.statuses) > 0 {
		status = l.statuses[0]
		l.statuses = l.statuses[1:]
	}
	w.WriteHeader(status)
}

func (l *listServer) all() []map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]map[string]interface{}, len(l.received))
	copy(out, l.received)
	return out
}

func (l *listServer) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.received))
	for _, d := range l.received {
		out = append(out, d["action"].(string))
	}
	return out
}

func newAnnouncer(t *testing.T, url string) *Announcer {
	return New(testr.New(t), Options{
		URL:          url,
		Name:         "test session",
		Address:      "example.org",
		Interval:     time.Hour,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	})
}

func TestAnnounceStart(t *testing.T) {
	ls := &listServer{}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	a := newAnnouncer(t, srv.URL)
	err := a.Announce(context.Background(), AnnounceStart, Status{
		SessionID:  "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Port:       45000,
		Players:    []string{"127.0.0.1:45000", "127.0.0.1:50123"},
		MaxPlayers: 4,
	})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	all := ls.all()
	if len(all) != 1 {
		t.Fatalf("expected one announcement, got %d", len(all))
	}
	got := all[0]
	if got["action"] != AnnounceStart || got["name"] != "test session" || got["address"] != "example.org" {
		t.Fatalf("unexpected payload %v", got)
	}
	if got["clients"].(float64) != 2 || got["port"].(float64) != 45000 {
		t.Fatalf("unexpected counts %v", got)
	}
}

func TestDeleteOmitsDetails(t *testing.T) {
	ls := &listServer{}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	a := newAnnouncer(t, srv.URL)
	if err := a.Announce(context.Background(), AnnounceDelete, Status{Port: 1}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	got := ls.all()
	if _, ok := got[0]["name"]; ok {
		t.Fatalf("delete must only identify the session: %v", got[0])
	}
}

func TestAnnounceRetries(t *testing.T) {
	ls := &listServer{statuses: []int{http.StatusServiceUnavailable}}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	a := newAnnouncer(t, srv.URL)
	if err := a.Announce(context.Background(), AnnounceUpdate, Status{}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if n := len(ls.actions()); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestAnnounceRejected(t *testing.T) {
	ls := &listServer{statuses: []int{http.StatusForbidden}}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	a := newAnnouncer(t, srv.URL)
	if err := a.Announce(context.Background(), AnnounceUpdate, Status{}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestRunDeletesOnCancel(t *testing.T) {
	ls := &listServer{}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	a := newAnnouncer(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, func() Status { return Status{Port: 1} })
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(ls.actions()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	got := ls.actions()
	if len(got) != 2 || got[0] != AnnounceStart || got[1] != AnnounceDelete {
		t.Fatalf("expected start then delete, got %v", got)
	}
}
