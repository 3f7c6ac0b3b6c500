// Package serverlist announces a hosted session to an HTTP server list.
package serverlist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	AnnounceStart  = "start"
	AnnounceUpdate = "update"
	AnnounceDelete = "delete"
)

var ErrRejected = errors.New("server list rejected announcement")

type Options struct {
	URL          string
	Name         string
	Address      string
	Interval     time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Status describes the announced session at one point in time.
type Status struct {
	SessionID  string
	Port       int
	Players    []string
	MaxPlayers int
	Started    bool
	Uptime     time.Duration
}

type Announcer struct {
	Logger logr.Logger

	opts   Options
	client *retryablehttp.Client
}

type leveledLogger struct {
	log logr.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error(nil, msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.V(1).Info(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Info(msg, keysAndValues...)
}

func New(logger logr.Logger, opts Options) *Announcer {
	logger = logger.WithName("serverlist")
	client := retryablehttp.NewClient()
	client.Logger = leveledLogger{log: logger}
	if opts.RetryMax > 0 {
		client.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute //nolint:gomnd
	}
	return &Announcer{Logger: logger, opts: opts, client: client}
}

func (a *Announcer) payload(action string, s Status) map[string]interface{} {
	data := make(map[string]interface{})
	data["action"] = action
	data["port"] = s.Port
	data["address"] = a.opts.Address
	data["session"] = s.SessionID

	if action != AnnounceDelete {
		data["name"] = a.opts.Name
		data["uptime"] = int64(s.Uptime.Seconds())
		data["clients"] = len(s.Players)
		data["clients_max"] = s.MaxPlayers
		data["clients_list"] = s.Players
		data["started"] = s.Started
	}
	return data
}

// Announce posts one announcement to the list server.
func (a *Announcer) Announce(ctx context.Context, action string, s Status) error {
	a.Logger.Info("updating server list announcement", "action", action)

	js, err := json.Marshal(a.payload(action, s))
	if err != nil {
		return err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	mimeHeader := textproto.MIMEHeader{}
	mimeHeader.Set("Content-Disposition", "form-data; name=\"json\"")
	part, err := writer.CreatePart(mimeHeader)
	if err != nil {
		return err
	}
	if _, err := part.Write(js); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.opts.URL+"/announce", body.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("announce %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("announce %s: %s: %w", action, resp.Status, ErrRejected)
	}
	return nil
}

// Run announces the session start, refreshes it every interval and deletes
// it once ctx is done.
func (a *Announcer) Run(ctx context.Context, status func() Status) {
	if err := a.Announce(ctx, AnnounceStart, status()); err != nil {
		a.Logger.Error(err, "could not announce session")
	}
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.Announce(ctx, AnnounceUpdate, status()); err != nil {
				a.Logger.Error(err, "could not update announcement")
			}
		case <-ctx.Done():
			delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd
			if err := a.Announce(delCtx, AnnounceDelete, status()); err != nil {
				a.Logger.Error(err, "could not delete announcement")
			}
			cancel()
			return
		}
	}
}
