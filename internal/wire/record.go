package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrRecordTooLarge = errors.New("record exceeds max message size")
	ErrBadRecord      = errors.New("malformed record")
)

// A Record is one (handler id, payload) pair inside a transport message.
type Record struct {
	Handler byte
	Payload []byte
}

// AppendRecord appends a framed record to dst.
func AppendRecord(dst []byte, handler byte, payload []byte) []byte {
	dst = append(dst, handler)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// SplitRecords walks the records of msg in order, calling fn for each one.
// It stops at the first malformed record and returns an error describing it;
// records before it have already been delivered.
func SplitRecords(msg []byte, fn func(Record)) error {
	off := 0
	for off < len(msg) {
		if len(msg)-off < RecordHeaderSize {
			return fmt.Errorf("truncated header at offset %d: %w", off, ErrBadRecord)
		}
		handler := msg[off]
		size := int32(binary.LittleEndian.Uint32(msg[off+1 : off+RecordHeaderSize]))
		off += RecordHeaderSize
		if size < 0 || int(size) > len(msg)-off {
			return fmt.Errorf("record %s length %d at offset %d: %w", HandlerName(handler), size, off, ErrBadRecord)
		}
		fn(Record{Handler: handler, Payload: msg[off : off+int(size)]})
		off += int(size)
	}
	return nil
}

// A Batch packs the records produced during one tick into as few transport
// messages as max allows.
type Batch struct {
	max    int
	frames [][]byte
	cur    []byte
}

func NewBatch(max int) *Batch {
	if max <= RecordHeaderSize {
		max = DefaultMaxMessageSize
	}
	return &Batch{max: max}
}

// Add appends a record. A record that cannot fit in a single message is
// rejected with ErrRecordTooLarge and the batch is left unchanged.
func (b *Batch) Add(handler byte, payload []byte) error {
	size := RecordHeaderSize + len(payload)
	if size > b.max {
		return fmt.Errorf("%s record of %d bytes (max %d): %w", HandlerName(handler), size, b.max, ErrRecordTooLarge)
	}
	if len(b.cur)+size > b.max {
		b.frames = append(b.frames, b.cur)
		b.cur = nil
	}
	if b.cur == nil {
		b.cur = make([]byte, 0, b.max)
	}
	b.cur = AppendRecord(b.cur, handler, payload)
	return nil
}

func (b *Batch) Empty() bool {
	return len(b.frames) == 0 && len(b.cur) == 0
}

// Flush returns the pending messages and resets the batch.
func (b *Batch) Flush() [][]byte {
	out := b.frames
	if len(b.cur) > 0 {
		out = append(out, b.cur)
	}
	b.frames = nil
	b.cur = nil
	return out
}
