package codec

import (
	"errors"
	"testing"

	"github.com/simple64/netsync/internal/wire"
)

type color struct{ R, G, B uint8 }

func colorCodec() Codec {
	return Codec{
		Kind:  FirstUserKind,
		Match: func(v any) bool { _, ok := v.(color); return ok },
		Encode: func(w *wire.Writer, v any) error {
			c := v.(color)
			w.WriteUint8(c.R)
			w.WriteUint8(c.G)
			w.WriteUint8(c.B)
			return nil
		},
		Decode: func(r *wire.Reader) (any, error) {
			c := color{R: r.ReadUint8(), G: r.ReadUint8(), B: r.ReadUint8()}
			return c, r.Err()
		},
	}
}

func TestBuiltinsRoundTrip(t *testing.T) {
	reg := NewRegistry()
	tests := []struct {
		name  string
		kind  Kind
		value any
	}{
		{"int32", KindInt32, int32(-17)},
		{"float32", KindFloat32, float32(0.25)},
		{"vector3", KindVector3, Vector3{X: 1, Y: -2, Z: 3.5}},
		{"quaternion", KindQuaternion, Quaternion{X: 0, Y: 0.7071, Z: 0, W: 0.7071}},
		{"string", KindString, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := wire.NewWriter(32)
			if err := reg.EncodeValue(w, tt.kind, tt.value); err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := reg.DecodeValue(wire.NewReader(w.Bytes()), tt.kind)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.value {
				t.Fatalf("expected %v, got %v", tt.value, got)
			}

			w.Reset()
			if err := reg.EncodeTagged(w, tt.value); err != nil {
				t.Fatalf("encode tagged: %v", err)
			}
			k, got, err := reg.DecodeTagged(wire.NewReader(w.Bytes()))
			if err != nil {
				t.Fatalf("decode tagged: %v", err)
			}
			if k != tt.kind || got != tt.value {
				t.Fatalf("expected %s %v, got %s %v", tt.kind, tt.value, k, got)
			}
		})
	}
}

func TestEncodeRejectsMismatchedKind(t *testing.T) {
	reg := NewRegistry()
	err := reg.EncodeValue(wire.NewWriter(8), KindInt32, float32(1))
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
}

func TestUnknownKind(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.KindOf(int64(3)); ok {
		t.Fatalf("int64 must not be classified")
	}
	if err := reg.EncodeTagged(wire.NewWriter(8), int64(3)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
	if _, err := reg.DecodeValue(wire.NewReader([]byte{1}), FirstUserKind); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}

func TestRegisterUserKind(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(colorCodec()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(colorCodec()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	w := wire.NewWriter(8)
	if err := reg.EncodeTagged(w, color{1, 2, 3}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	k, v, err := reg.DecodeTagged(wire.NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if k != FirstUserKind || v != (color{1, 2, 3}) {
		t.Fatalf("unexpected %s %v", k, v)
	}
}

func TestRegisterRejectsReservedKind(t *testing.T) {
	c := colorCodec()
	c.Kind = KindInt32
	if err := NewRegistry().Register(c); err == nil {
		t.Fatalf("expected reserved kind to be rejected")
	}
}

func TestDecodeTruncated(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.DecodeValue(wire.NewReader([]byte{0, 0}), KindVector3); !errors.Is(err, wire.ErrShortBuffer) {
		t.Fatalf("expected short buffer, got %v", err)
	}
}
