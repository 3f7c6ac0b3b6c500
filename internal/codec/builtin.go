package codec

import "github.com/simple64/netsync/internal/wire"

func builtins() []Codec {
	return []Codec{
		{
			Kind:  KindInt32,
			Match: func(v any) bool { _, ok := v.(int32); return ok },
			Encode: func(w *wire.Writer, v any) error {
				w.WriteInt32(v.(int32))
				return nil
			},
			Decode: func(r *wire.Reader) (any, error) {
				v := r.ReadInt32()
				return v, r.Err()
			},
		},
		{
			Kind:  KindFloat32,
			Match: func(v any) bool { _, ok := v.(float32); return ok },
			Encode: func(w *wire.Writer, v any) error {
				w.WriteFloat32(v.(float32))
				return nil
			},
			Decode: func(r *wire.Reader) (any, error) {
				v := r.ReadFloat32()
				return v, r.Err()
			},
		},
		{
			Kind:  KindVector3,
			Match: func(v any) bool { _, ok := v.(Vector3); return ok },
			Encode: func(w *wire.Writer, v any) error {
				WriteVector3(w, v.(Vector3))
				return nil
			},
			Decode: func(r *wire.Reader) (any, error) {
				v := ReadVector3(r)
				return v, r.Err()
			},
		},
		{
			Kind:  KindQuaternion,
			Match: func(v any) bool { _, ok := v.(Quaternion); return ok },
			Encode: func(w *wire.Writer, v any) error {
				WriteQuaternion(w, v.(Quaternion))
				return nil
			},
			Decode: func(r *wire.Reader) (any, error) {
				v := ReadQuaternion(r)
				return v, r.Err()
			},
		},
		{
			Kind:  KindString,
			Match: func(v any) bool { _, ok := v.(string); return ok },
			Encode: func(w *wire.Writer, v any) error {
				w.WriteString(v.(string))
				return nil
			},
			Decode: func(r *wire.Reader) (any, error) {
				v := r.ReadString()
				return v, r.Err()
			},
		},
	}
}

func WriteVector3(w *wire.Writer, v Vector3) {
	w.WriteFloat32(v.X)
	w.WriteFloat32(v.Y)
	w.WriteFloat32(v.Z)
}

func ReadVector3(r *wire.Reader) Vector3 {
	return Vector3{X: r.ReadFloat32(), Y: r.ReadFloat32(), Z: r.ReadFloat32()}
}

func WriteQuaternion(w *wire.Writer, q Quaternion) {
	w.WriteFloat32(q.X)
	w.WriteFloat32(q.Y)
	w.WriteFloat32(q.Z)
	w.WriteFloat32(q.W)
}

func ReadQuaternion(r *wire.Reader) Quaternion {
	return Quaternion{X: r.ReadFloat32(), Y: r.ReadFloat32(), Z: r.ReadFloat32(), W: r.ReadFloat32()}
}
