package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value: the runtime's tagged union
// ---------------------------------------------------------------------------

// Kind discriminates the variants of a Value.
type Kind int

const (
	KindInt     Kind = iota // 32-bit integer
	KindLong                // 64-bit integer
	KindDouble              // IEEE-754 double
	KindBool                // boolean
	KindString              // owned text
	KindNull                // null
	KindPointer             // handle to a managed object
	KindList                // ordered sequence
	KindDict                // string-keyed mapping
)

// String returns the textual type tag for a kind, as reported by the
// type builtin.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindDouble:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindNull:
		return "null"
	case KindPointer:
		return "pointer"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the runtime's value variants. Values are
// copyable; the heap-backed variants (pointer, list, dict) share their
// payload by reference.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	ptr  *PointerValue
	list *ListValue
	dict *DictValue
}

// Kind returns the variant tag of v.
func (v Value) Kind() Kind { return v.kind }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// IntOf creates a 32-bit integer value. The input is truncated to 32 bits.
func IntOf(n int64) Value { return Value{kind: KindInt, i: int64(int32(n))} }

// LongOf creates a 64-bit integer value.
func LongOf(n int64) Value { return Value{kind: KindLong, i: n} }

// DoubleOf creates a double value.
func DoubleOf(f float64) Value { return Value{kind: KindDouble, f: f} }

// BoolOf creates a boolean value.
func BoolOf(b bool) Value { return Value{kind: KindBool, b: b} }

// StringOf creates a string value.
func StringOf(s string) Value { return Value{kind: KindString, s: s} }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// PointerOf creates a pointer value. A nil payload yields the null pointer.
func PointerOf(p *PointerValue) Value {
	if p == nil {
		p = &PointerValue{IsNull: true}
	}
	return Value{kind: KindPointer, ptr: p}
}

// ListOf creates a list value sharing the given payload.
func ListOf(l *ListValue) Value {
	if l == nil {
		l = &ListValue{}
	}
	return Value{kind: KindList, list: l}
}

// DictOf creates a dict value sharing the given payload.
func DictOf(d *DictValue) Value {
	if d == nil {
		d = &DictValue{Items: map[string]Value{}}
	}
	return Value{kind: KindDict, dict: d}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Int returns the 32-bit integer payload. Valid only for KindInt.
func (v Value) Int() int32 { return int32(v.i) }

// Long returns the 64-bit integer payload. Valid for KindInt and KindLong.
func (v Value) Long() int64 { return v.i }

// Double returns the float payload. Valid only for KindDouble.
func (v Value) Double() float64 { return v.f }

// Bool returns the boolean payload. Valid only for KindBool.
func (v Value) Bool() bool { return v.b }

// Str returns the string payload. Valid only for KindString.
func (v Value) Str() string { return v.s }

// Pointer returns the pointer payload, or nil when v is not a pointer.
func (v Value) Pointer() *PointerValue { return v.ptr }

// List returns the list payload, or nil when v is not a list.
func (v Value) List() *ListValue { return v.list }

// Dict returns the dict payload, or nil when v is not a dict.
func (v Value) Dict() *DictValue { return v.dict }

// IsInteger reports whether v is a 32-bit or 64-bit integer.
func (v Value) IsInteger() bool { return v.kind == KindInt || v.kind == KindLong }

// ---------------------------------------------------------------------------
// Coercions
// ---------------------------------------------------------------------------

// AsInt64 coerces v to a 64-bit integer: integers widen, booleans map to
// 0/1, pointers yield their raw address, containers yield their length.
// Everything else is 0.
func (v Value) AsInt64() int64 {
	switch v.kind {
	case KindInt, KindLong:
		return v.i
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindPointer:
		return v.ptr.Address()
	case KindList:
		return int64(len(v.list.Items))
	case KindDict:
		return int64(len(v.dict.Items))
	default:
		return 0
	}
}

// AsDouble coerces v to a double: numerics convert, booleans map to 0/1,
// containers yield their length. Everything else is 0.
func (v Value) AsDouble() float64 {
	switch v.kind {
	case KindDouble:
		return v.f
	case KindInt, KindLong:
		return float64(v.i)
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindList:
		return float64(len(v.list.Items))
	case KindDict:
		return float64(len(v.dict.Items))
	default:
		return 0
	}
}

// IsTruthy implements the uniform truthiness rule: nonzero numerics,
// non-empty strings and containers, true, and non-null pointers are truthy;
// null, zero, empty containers, and null pointers are falsy.
func (v Value) IsTruthy() bool {
	switch v.kind {
	case KindInt, KindLong:
		return v.i != 0
	case KindDouble:
		return v.f != 0.0
	case KindBool:
		return v.b
	case KindString:
		return v.s != ""
	case KindNull:
		return false
	case KindPointer:
		return !v.ptr.IsNull
	case KindList:
		return len(v.list.Items) > 0
	case KindDict:
		return len(v.dict.Items) > 0
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Equality and rendering
// ---------------------------------------------------------------------------

// Equal reports deep equality between two values. Integers compare across
// width, pointers compare by raw address (two nulls are equal), lists
// element-wise, dicts as key/value sets.
func (v Value) Equal(other Value) bool {
	if v.IsInteger() && other.IsInteger() {
		return v.i == other.i
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindDouble:
		return v.f == other.f
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindNull:
		return true
	case KindPointer:
		if v.ptr.IsNull && other.ptr.IsNull {
			return true
		}
		return v.ptr.Address() == other.ptr.Address()
	case KindList:
		if len(v.list.Items) != len(other.list.Items) {
			return false
		}
		for i, item := range v.list.Items {
			if !item.Equal(other.list.Items[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(v.dict.Items) != len(other.dict.Items) {
			return false
		}
		for key, item := range v.dict.Items {
			got, ok := other.dict.Items[key]
			if !ok || !item.Equal(got) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Render returns the textual rendering used by PRINT and the print builtin.
func (v Value) Render() string {
	switch v.kind {
	case KindInt, KindLong:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindString:
		return v.s
	case KindNull:
		return "null"
	case KindPointer:
		if v.ptr.IsNull {
			return "null_ptr"
		}
		return "ptr(" + v.ptr.TypeTag() + ")"
	case KindList:
		return fmt.Sprintf("[list:%d]", len(v.list.Items))
	case KindDict:
		return fmt.Sprintf("{dict:%d}", len(v.dict.Items))
	default:
		return "unknown"
	}
}

// summary returns the stack-dump rendering of v, which quotes strings.
func (v Value) summary() string {
	if v.kind == KindString {
		return `"` + v.s + `"`
	}
	return v.Render()
}

// renderStack produces the one-line stack summary used by the debugger's
// pause status.
func renderStack(stack []Value) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Stack (%d elements):", len(stack))
	for _, v := range stack {
		sb.WriteByte(' ')
		sb.WriteString(v.summary())
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Heap-backed payloads
// ---------------------------------------------------------------------------

// PointerValue is a handle to a managed object plus a type tag and the
// null/weak/ref flags. Ref pointers must never be null; weak pointers do
// not keep their referent alive across a collection.
type PointerValue struct {
	Obj    *ManagedObject // managed referent, nil for raw pointers
	Addr   int64          // raw address when Obj is nil
	Type   string         // static type tag
	IsNull bool
	Weak   bool
	Ref    bool
}

// NewPointer creates a non-null pointer to a managed object.
func NewPointer(obj *ManagedObject, typeTag string) *PointerValue {
	return &PointerValue{Obj: obj, Type: typeTag, IsNull: obj == nil}
}

// NullPointer returns a fresh null pointer value.
func NullPointer() *PointerValue {
	return &PointerValue{IsNull: true}
}

// Address returns the underlying raw address: the managed object's id when
// present, the raw address otherwise.
func (p *PointerValue) Address() int64 {
	if p.Obj != nil {
		return p.Obj.id
	}
	return p.Addr
}

// TypeTag returns the referent's type tag, falling back to the pointer's
// static tag.
func (p *PointerValue) TypeTag() string {
	if p.Obj != nil {
		return p.Obj.Type
	}
	return p.Type
}

// ListValue is an ordered, zero-indexed sequence of values.
type ListValue struct {
	Items []Value
}

// DictValue maps string keys to values. Insertion order is not significant.
type DictValue struct {
	Items map[string]Value
}

// NewDict creates an empty dict payload.
func NewDict() *DictValue {
	return &DictValue{Items: map[string]Value{}}
}
