package dispatcher

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/simple64/netsync/internal/wire"
)

// Handler receives one record payload. src is the remote endpoint of the
// connection the record arrived on.
type Handler func(src string, payload []byte)

// Dispatcher routes records to registered handlers. It is driven from the
// tick goroutine only and does no locking.
type Dispatcher struct {
	Logger   logr.Logger
	handlers map[byte][]Handler

	// OnRecord, when set, is called for every record before its handlers.
	OnRecord func(handler byte, size int)
}

func New(logger logr.Logger) *Dispatcher {
	return &Dispatcher{
		Logger:   logger.WithName("dispatcher"),
		handlers: make(map[byte][]Handler),
	}
}

// RegisterHandler appends h to the callbacks for id. Callbacks for the same
// id run in registration order.
func (d *Dispatcher) RegisterHandler(id byte, h Handler) {
	d.handlers[id] = append(d.handlers[id], h)
}

// Registered reports whether any callback exists for id.
func (d *Dispatcher) Registered(id byte) bool {
	return len(d.handlers[id]) > 0
}

// Dispatch splits raw into records and invokes the callbacks for each in
// arrival order. A malformed tail is logged and discarded.
func (d *Dispatcher) Dispatch(src string, raw []byte) {
	err := wire.SplitRecords(raw, func(rec wire.Record) {
		if d.OnRecord != nil {
			d.OnRecord(rec.Handler, len(rec.Payload))
		}
		hs, ok := d.handlers[rec.Handler]
		if !ok {
			d.Logger.Info("Unhandled Message", "handler", rec.Handler, "from", src)
			return
		}
		for _, h := range hs {
			d.invoke(h, rec, src)
		}
	})
	if err != nil {
		d.Logger.Info("discarding malformed message tail", "from", src, "error", err.Error())
	}
}

func (d *Dispatcher) invoke(h Handler, rec wire.Record, src string) {
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error(fmt.Errorf("%v", r), "handler panicked", "handler", wire.HandlerName(rec.Handler), "id", rec.Handler, "from", src)
		}
	}()
	h(src, rec.Payload)
}
