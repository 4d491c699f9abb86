// Package types implements the runtime type registry: the catalog of named
// primitive and composite types that describe how field bytes are laid out,
// aligned, and (de)serialized. It is the Go counterpart of the original
// Rust crate's schema::types + storage::layout modules, generalized from a
// closed enum of FieldType variants into an open, registerable catalog.
package types

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/ecsdbio/ecsdb/pkg/dberrors"
)

// Serializer writes a value's bytes into dst (which is exactly Size bytes).
type Serializer func(dst []byte, value any) error

// Deserializer reads Size bytes from src and returns the decoded value.
type Deserializer func(src []byte) (any, error)

// Type is an immutable registry entry. Once registered it is never mutated;
// the only way to change a type's layout is to re-register under a new name.
type Type struct {
	Name    string
	Size    int
	Align   int
	POD     bool
	Ser     Serializer
	Deser   Deserializer
	// IdentityTag is an opaque identity for the type: an xxhash digest of
	// name+size+align+pod for POD types, and zero for non-POD types, which
	// carry no such identity. The registry itself does not compare tags:
	// Register rejects any taken name and EnsureRegistered compares
	// size/align/pod.
	IdentityTag uint64
}

func identityTag(name string, size, align int, pod bool) uint64 {
	if !pod {
		return 0
	}
	h := xxhash.New()
	fmt.Fprintf(h, "%s:%d:%d:%t", name, size, align, pod)
	return h.Sum64()
}

// Registry is the thread-safe catalog of registered types. Concurrent
// readers, rare mutators: a shared-exclusive lock is sufficient.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewRegistry returns a registry pre-populated with the engine's builtin
// types: signed/unsigned integers of width 8..128, floats, bool, the fixed
// string slot, and a vec3f32 helper.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]*Type)}
	for _, t := range builtins() {
		r.types[t.Name] = t
	}
	return r
}

// Register inserts a new type by name. Fails with TypeAlreadyRegisteredError
// if the name is taken, or with a descriptive error if the layout is
// invalid (align > 0; size==0 or size%align==0).
func (r *Registry) Register(t *Type) error {
	if t.Align <= 0 {
		return fmt.Errorf("type %q: invalid align %d", t.Name, t.Align)
	}
	if t.Size != 0 && t.Size%t.Align != 0 {
		return fmt.Errorf("type %q: size %d not a multiple of align %d", t.Name, t.Size, t.Align)
	}
	t.IdentityTag = identityTag(t.Name, t.Size, t.Align, t.POD)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return &dberrors.TypeAlreadyRegisteredError{Name: t.Name}
	}
	r.types[t.Name] = t
	return nil
}

// Get returns a handle to the named type. The returned *Type must be treated
// as read-only by the caller; the registry never mutates it after insertion.
func (r *Registry) Get(name string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("type %q not registered", name)
	}
	return t, nil
}

// Validate compares the stored attributes of a registered type against the
// (optional) expectations supplied; a nil pointer skips that comparison.
func (r *Registry) Validate(name string, size, align *int, pod *bool) error {
	t, err := r.Get(name)
	if err != nil {
		return err
	}
	if size != nil && t.Size != *size {
		return fmt.Errorf("type %q: size mismatch: registered %d, expected %d", name, t.Size, *size)
	}
	if align != nil && t.Align != *align {
		return fmt.Errorf("type %q: align mismatch: registered %d, expected %d", name, t.Align, *align)
	}
	if pod != nil && t.POD != *pod {
		return fmt.Errorf("type %q: pod mismatch: registered %t, expected %t", name, t.POD, *pod)
	}
	return nil
}

// EnsureRegistered is the idempotent variant used on schema load: if the
// type is already present, size/align/pod must match exactly; if absent, a
// pass-through byte-copy ser/deser is synthesized. This loses the concrete
// identity tag (a synthesized type is not POD-verified) but preserves
// correctness of layout.
func (r *Registry) EnsureRegistered(name string, size, align int, pod bool) error {
	r.mu.RLock()
	existing, ok := r.types[name]
	r.mu.RUnlock()
	if ok {
		if existing.Size != size || existing.Align != align || existing.POD != pod {
			return fmt.Errorf("type %q: schema mismatch: registered (size=%d align=%d pod=%t), schema wants (size=%d align=%d pod=%t)",
				name, existing.Size, existing.Align, existing.POD, size, align, pod)
		}
		return nil
	}
	return r.Register(&Type{
		Name:  name,
		Size:  size,
		Align: align,
		POD:   pod,
		Ser:   byteCopySerializer(size),
		Deser: byteCopyDeserializer(size),
	})
}

func byteCopySerializer(size int) Serializer {
	return func(dst []byte, value any) error {
		src, ok := value.([]byte)
		if !ok || len(src) != size {
			return fmt.Errorf("byte-copy serializer expects exactly %d raw bytes", size)
		}
		copy(dst, src)
		return nil
	}
}

func byteCopyDeserializer(size int) Deserializer {
	return func(src []byte) (any, error) {
		out := make([]byte, size)
		copy(out, src)
		return out, nil
	}
}

// builtins returns the registry's default type set.
func builtins() []*Type {
	var ts []*Type
	for _, w := range []int{1, 2, 4, 8, 16} {
		ts = append(ts, intType(fmt.Sprintf("i%d", w*8), w, true))
		ts = append(ts, intType(fmt.Sprintf("u%d", w*8), w, false))
	}
	ts = append(ts,
		floatType("f32", 4),
		floatType("f64", 8),
		boolType(),
		stringType(),
		vec3f32Type(),
	)
	return ts
}

func intType(name string, width int, signed bool) *Type {
	return &Type{
		Name: name, Size: width, Align: width, POD: true,
		Ser: func(dst []byte, value any) error {
			v, err := toInt64(value)
			if err != nil {
				return err
			}
			putIntWidth(dst, width, uint64(v))
			return nil
		},
		Deser: func(src []byte) (any, error) {
			u := getIntWidth(src, width)
			if signed {
				return signExtend(u, width), nil
			}
			return int64(u), nil
		},
	}
}

func floatType(name string, width int) *Type {
	return &Type{
		Name: name, Size: width, Align: width, POD: true,
		Ser: func(dst []byte, value any) error {
			f, err := toFloat64(value)
			if err != nil {
				return err
			}
			if width == 4 {
				binary.LittleEndian.PutUint32(dst, float32bits(float32(f)))
			} else {
				binary.LittleEndian.PutUint64(dst, float64bits(f))
			}
			return nil
		},
		Deser: func(src []byte) (any, error) {
			if width == 4 {
				return float32frombits(binary.LittleEndian.Uint32(src)), nil
			}
			return float64frombits(binary.LittleEndian.Uint64(src)), nil
		},
	}
}

func boolType() *Type {
	return &Type{
		Name: "bool", Size: 1, Align: 1, POD: true,
		Ser: func(dst []byte, value any) error {
			b, ok := value.(bool)
			if !ok {
				return fmt.Errorf("bool serializer: not a bool: %T", value)
			}
			if b {
				dst[0] = 1
			} else {
				dst[0] = 0
			}
			return nil
		},
		Deser: func(src []byte) (any, error) { return src[0] != 0, nil },
	}
}

// StringSlotSize is the fixed on-disk slot for the builtin string type:
// a u32 LE length prefix followed by a 256-byte zero-padded UTF-8 payload.
// Strings longer than the payload are silently truncated to a valid
// UTF-8 prefix rather than rejected.
const (
	StringMaxPayload = 256
	StringSlotSize   = 4 + StringMaxPayload
)

func stringType() *Type {
	return &Type{
		Name: "string", Size: StringSlotSize, Align: 4, POD: false,
		Ser: func(dst []byte, value any) error {
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("string serializer: not a string: %T", value)
			}
			payload := TruncateUTF8(s, StringMaxPayload)
			binary.LittleEndian.PutUint32(dst[0:4], uint32(len(payload)))
			clear(dst[4:])
			copy(dst[4:], payload)
			return nil
		},
		Deser: func(src []byte) (any, error) {
			n := binary.LittleEndian.Uint32(src[0:4])
			if int(n) > StringMaxPayload {
				return nil, fmt.Errorf("string slot: corrupt length %d exceeds max payload %d", n, StringMaxPayload)
			}
			return string(src[4 : 4+n]), nil
		},
	}
}

func vec3f32Type() *Type {
	return &Type{
		Name: "vec3f32", Size: 12, Align: 4, POD: true,
		Ser: func(dst []byte, value any) error {
			v, ok := value.([3]float32)
			if !ok {
				return fmt.Errorf("vec3f32 serializer: expected [3]float32, got %T", value)
			}
			for i, f := range v {
				binary.LittleEndian.PutUint32(dst[i*4:i*4+4], float32bits(f))
			}
			return nil
		},
		Deser: func(src []byte) (any, error) {
			var v [3]float32
			for i := range v {
				v[i] = float32frombits(binary.LittleEndian.Uint32(src[i*4 : i*4+4]))
			}
			return v, nil
		},
	}
}
