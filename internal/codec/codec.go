// Package codec maps value kinds to their wire encoders. Field snapshots and
// remote-call arguments go through the same registry, so a kind only needs
// to be registered once to be usable in both.
package codec

import (
	"errors"
	"fmt"

	"github.com/simple64/netsync/internal/wire"
)

// Kind identifies a value type on the wire.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt32
	KindFloat32
	KindVector3
	KindQuaternion
	KindString
)

// FirstUserKind is the lowest kind an application may register.
const FirstUserKind Kind = 64

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindFloat32:
		return "float32"
	case KindVector3:
		return "vector3"
	case KindQuaternion:
		return "quaternion"
	case KindString:
		return "string"
	case KindInvalid:
		return "invalid"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

var (
	ErrUnknownKind  = errors.New("no codec for kind")
	ErrKindMismatch = errors.New("value does not match kind")
	ErrDuplicate    = errors.New("kind already registered")
)

type Vector3 struct {
	X, Y, Z float32
}

type Quaternion struct {
	X, Y, Z, W float32
}

// Identity is the no-rotation quaternion.
var Identity = Quaternion{W: 1}

// A Codec is the encode/decode contract for one kind. Match reports whether a
// Go value belongs to the kind; it is used to classify call arguments.
type Codec struct {
	Kind   Kind
	Match  func(v any) bool
	Encode func(w *wire.Writer, v any) error
	Decode func(r *wire.Reader) (any, error)
}

// Registry is a closed set of codecs. It is not safe for concurrent
// registration; register everything before the first tick.
type Registry struct {
	codecs map[Kind]Codec
	order  []Kind
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Kind]Codec)}
	for _, c := range builtins() {
		r.codecs[c.Kind] = c
		r.order = append(r.order, c.Kind)
	}
	return r
}

// Register adds an application kind. Built-in kinds cannot be replaced.
func (r *Registry) Register(c Codec) error {
	if c.Kind < FirstUserKind {
		return fmt.Errorf("register %s: kinds below %d are reserved", c.Kind, FirstUserKind)
	}
	if c.Match == nil || c.Encode == nil || c.Decode == nil {
		return fmt.Errorf("register %s: incomplete codec", c.Kind)
	}
	if _, ok := r.codecs[c.Kind]; ok {
		return fmt.Errorf("register %s: %w", c.Kind, ErrDuplicate)
	}
	r.codecs[c.Kind] = c
	r.order = append(r.order, c.Kind)
	return nil
}

func (r *Registry) Lookup(k Kind) (Codec, bool) {
	c, ok := r.codecs[k]
	return c, ok
}

// KindOf classifies v, checking kinds in registration order.
func (r *Registry) KindOf(v any) (Kind, bool) {
	for _, k := range r.order {
		if r.codecs[k].Match(v) {
			return k, true
		}
	}
	return KindInvalid, false
}

// EncodeValue writes v without a kind tag.
func (r *Registry) EncodeValue(w *wire.Writer, k Kind, v any) error {
	c, ok := r.codecs[k]
	if !ok {
		return fmt.Errorf("encode %s: %w", k, ErrUnknownKind)
	}
	if !c.Match(v) {
		return fmt.Errorf("encode %T as %s: %w", v, k, ErrKindMismatch)
	}
	return c.Encode(w, v)
}

// DecodeValue reads an untagged value of kind k.
func (r *Registry) DecodeValue(rd *wire.Reader, k Kind) (any, error) {
	c, ok := r.codecs[k]
	if !ok {
		return nil, fmt.Errorf("decode %s: %w", k, ErrUnknownKind)
	}
	v, err := c.Decode(rd)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return v, nil
}

// EncodeTagged writes the kind byte followed by the value.
func (r *Registry) EncodeTagged(w *wire.Writer, v any) error {
	k, ok := r.KindOf(v)
	if !ok {
		return fmt.Errorf("encode %T: %w", v, ErrUnknownKind)
	}
	w.WriteUint8(uint8(k))
	return r.codecs[k].Encode(w, v)
}

// DecodeTagged reads a kind byte and the value that follows it.
func (r *Registry) DecodeTagged(rd *wire.Reader) (Kind, any, error) {
	k := Kind(rd.ReadUint8())
	if err := rd.Err(); err != nil {
		return KindInvalid, nil, err
	}
	v, err := r.DecodeValue(rd, k)
	return k, v, err
}
