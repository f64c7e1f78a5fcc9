package vm

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Builtin registry
// ---------------------------------------------------------------------------

// BuiltinFunc is a host-provided callable exposed by name into the IR's
// CALL namespace. It receives the argument list in order and returns the
// value pushed back onto the stack.
type BuiltinFunc func(args []Value) (Value, error)

// Register installs a builtin. Later registrations overwrite earlier ones.
func (m *VM) Register(name string, fn BuiltinFunc) {
	if m.builtins == nil {
		m.builtins = make(map[string]BuiltinFunc)
	}
	m.builtins[name] = fn
}

// Builtin returns the registered callable for name, or nil.
func (m *VM) Builtin(name string) BuiltinFunc {
	return m.builtins[name]
}

// arg returns the i-th argument or null when absent.
func arg(args []Value, i int) Value {
	if i < 0 || i >= len(args) {
		return Null()
	}
	return args[i]
}

// registerBuiltins installs the full builtin set.
func (m *VM) registerBuiltins() {
	m.registerCoreBuiltins()
	m.registerPointerBuiltins()
	m.registerFileBuiltins()
	m.registerContainerBuiltins()
}

// ---------------------------------------------------------------------------
// Core: io, conversions, math, strings
// ---------------------------------------------------------------------------

func (m *VM) registerCoreBuiltins() {
	m.Register("print", func(args []Value) (Value, error) {
		if len(args) > 0 {
			fmt.Fprint(m.Stdout, args[0].Render())
		}
		fmt.Fprintln(m.Stdout)
		return Null(), nil
	})

	m.Register("input", func(args []Value) (Value, error) {
		return StringOf(m.readLine()), nil
	})

	m.Register("int", func(args []Value) (Value, error) {
		v := arg(args, 0)
		switch v.Kind() {
		case KindString:
			n, err := strconv.ParseInt(strings.TrimSpace(v.Str()), 10, 32)
			if err != nil {
				return IntOf(0), nil
			}
			return IntOf(n), nil
		case KindDouble:
			return IntOf(int64(v.Double())), nil
		case KindInt, KindLong, KindBool:
			return IntOf(v.AsInt64()), nil
		default:
			return IntOf(0), nil
		}
	})

	m.Register("float", func(args []Value) (Value, error) {
		v := arg(args, 0)
		switch v.Kind() {
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
			if err != nil {
				return DoubleOf(0), nil
			}
			return DoubleOf(f), nil
		case KindInt, KindLong, KindDouble, KindBool:
			return DoubleOf(v.AsDouble()), nil
		default:
			return DoubleOf(0), nil
		}
	})

	m.Register("string", func(args []Value) (Value, error) {
		v := arg(args, 0)
		switch v.Kind() {
		case KindInt, KindLong, KindDouble, KindBool, KindNull, KindString:
			return StringOf(v.Render()), nil
		default:
			return StringOf(""), nil
		}
	})

	m.Register("bool", func(args []Value) (Value, error) {
		v := arg(args, 0)
		if v.Kind() == KindString {
			// String parsing rule: "false", "0", and "" are false,
			// case-insensitively.
			s := strings.ToLower(v.Str())
			return BoolOf(s != "false" && s != "0" && s != ""), nil
		}
		return BoolOf(v.IsTruthy()), nil
	})

	m.Register("abs", func(args []Value) (Value, error) {
		v := arg(args, 0)
		switch v.Kind() {
		case KindInt:
			n := v.Long()
			if n < 0 {
				n = -n
			}
			return IntOf(n), nil
		case KindLong:
			n := v.Long()
			if n < 0 {
				n = -n
			}
			return LongOf(n), nil
		case KindDouble:
			return DoubleOf(math.Abs(v.Double())), nil
		default:
			return IntOf(0), nil
		}
	})

	m.Register("pow", func(args []Value) (Value, error) {
		base := arg(args, 0)
		exp := arg(args, 1)
		if base.IsInteger() && exp.IsInteger() && exp.Long() >= 0 {
			result := int64(1)
			b := base.Long()
			for i := int64(0); i < exp.Long(); i++ {
				result *= b
			}
			if base.Kind() == KindLong || exp.Kind() == KindLong {
				return LongOf(result), nil
			}
			return IntOf(result), nil
		}
		return DoubleOf(math.Pow(base.AsDouble(), exp.AsDouble())), nil
	})

	m.Register("len", func(args []Value) (Value, error) {
		v := arg(args, 0)
		switch v.Kind() {
		case KindString:
			return IntOf(int64(len(v.Str()))), nil
		case KindList:
			return IntOf(int64(len(v.List().Items))), nil
		case KindDict:
			return IntOf(int64(len(v.Dict().Items))), nil
		default:
			return IntOf(0), nil
		}
	})

	m.Register("substr", func(args []Value) (Value, error) {
		v := arg(args, 0)
		if v.Kind() != KindString || len(args) < 2 {
			return StringOf(""), nil
		}
		s := v.Str()
		start := int(arg(args, 1).AsInt64())
		length := len(s)
		if len(args) >= 3 {
			length = int(arg(args, 2).AsInt64())
		}
		if start < 0 {
			start = 0
		}
		if start >= len(s) {
			return StringOf(""), nil
		}
		if length < 0 {
			length = 0
		}
		if start+length > len(s) {
			length = len(s) - start
		}
		return StringOf(s[start : start+length]), nil
	})

	m.Register("type", func(args []Value) (Value, error) {
		v := arg(args, 0)
		if len(args) == 0 {
			return StringOf("unknown"), nil
		}
		if v.Kind() == KindPointer {
			return StringOf(v.Pointer().TypeTag()), nil
		}
		return StringOf(v.Kind().String()), nil
	})

	m.Register("hash", func(args []Value) (Value, error) {
		return LongOf(hashValue(arg(args, 0))), nil
	})

	m.Register("bs", func(args []Value) (Value, error) {
		v := arg(args, 0)
		if v.IsInteger() {
			return LongOf(v.Long()), nil
		}
		return StringOf("0"), nil
	})

	m.Register("run", func(args []Value) (Value, error) {
		fmt.Fprintln(m.Stdout, "Run function called (not fully implemented)")
		return IntOf(0), nil
	})

	m.Register("throw", func(args []Value) (Value, error) {
		if len(args) > 0 {
			if args[0].Kind() == KindString {
				return Value{}, NewRuntimeError(args[0].Str(), -1)
			}
			return Value{}, NewRuntimeError(args[0].Render(), -1)
		}
		return Value{}, NewRuntimeError("Exception thrown", -1)
	})
}

// hashValue computes the 64-bit host-stable hash used by the hash builtin.
// Equal values of comparable type hash equally: integers hash by their
// 64-bit value regardless of width.
func hashValue(v Value) int64 {
	h := fnv.New64a()
	switch v.Kind() {
	case KindInt, KindLong:
		fmt.Fprintf(h, "i:%d", v.Long())
	case KindDouble:
		fmt.Fprintf(h, "f:%s", strconv.FormatFloat(v.Double(), 'g', -1, 64))
	case KindBool:
		fmt.Fprintf(h, "b:%t", v.Bool())
	case KindString:
		fmt.Fprintf(h, "s:%s", v.Str())
	case KindNull:
		fmt.Fprint(h, "null")
	case KindPointer:
		fmt.Fprintf(h, "p:%d", v.Pointer().Address())
	case KindList:
		fmt.Fprint(h, "l:")
		for _, item := range v.List().Items {
			fmt.Fprintf(h, "%d,", hashValue(item))
		}
	case KindDict:
		// Order-independent: combine entry hashes by XOR.
		var acc uint64
		for key, item := range v.Dict().Items {
			e := fnv.New64a()
			fmt.Fprintf(e, "%s=%d", key, hashValue(item))
			acc ^= e.Sum64()
		}
		fmt.Fprintf(h, "d:%d", acc)
	}
	return int64(h.Sum64())
}

// ---------------------------------------------------------------------------
// Pointers and managed objects
// ---------------------------------------------------------------------------

// newObjectSize maps a type tag to its allocation size.
func newObjectSize(typeTag string) int {
	switch typeTag {
	case "int", "bool":
		return 4
	case "float", "double":
		return 8
	case "string":
		return 32
	default:
		return 8
	}
}

func (m *VM) registerPointerBuiltins() {
	m.Register("new", func(args []Value) (Value, error) {
		if len(args) == 0 {
			return PointerOf(NullPointer()), nil
		}
		typeTag := "object"
		if args[0].Kind() == KindString {
			typeTag = args[0].Str()
		}
		obj, err := m.heap.Allocate(newObjectSize(typeTag), typeTag)
		if err != nil {
			return PointerOf(NullPointer()), nil
		}
		return PointerOf(NewPointer(obj, typeTag)), nil
	})

	m.Register("deref", func(args []Value) (Value, error) {
		v := arg(args, 0)
		if v.Kind() == KindPointer && !v.Pointer().IsNull && v.Pointer().Obj != nil {
			return StringOf(derefRender(v.Pointer())), nil
		}
		return StringOf("null"), nil
	})

	m.Register("del", func(args []Value) (Value, error) {
		if len(args) == 0 {
			return IntOf(-1), nil
		}
		if args[0].Kind() == KindPointer {
			p := args[0].Pointer()
			if !p.IsNull && p.Obj != nil {
				m.heap.Deallocate(p.Obj)
			}
		}
		return IntOf(0), nil
	})
}

// ---------------------------------------------------------------------------
// File handles
// ---------------------------------------------------------------------------

// filePointer extracts the file handle ID carried by a pointer value.
// Handle IDs ride in the pointer's raw address field.
func filePointer(v Value) (int64, bool) {
	if v.Kind() != KindPointer || v.Pointer().IsNull || v.Pointer().Addr == 0 {
		return 0, false
	}
	return v.Pointer().Addr, true
}

func (m *VM) registerFileBuiltins() {
	m.Register("open", func(args []Value) (Value, error) {
		if len(args) == 0 || args[0].Kind() != KindString {
			return PointerOf(NullPointer()), nil
		}
		path := args[0].Str()
		mode := "r"
		if len(args) >= 2 && args[1].Kind() == KindString {
			mode = args[1].Str()
		}

		id, err := m.files.Open(path, mode)
		if err != nil {
			fmt.Fprintf(m.Stderr, "Error: Could not open file: %s\n", path)
			return PointerOf(NullPointer()), nil
		}

		// The handle travels as a pointer to a managed cell, with the
		// handle ID in the pointer's raw address field.
		obj, allocErr := m.heap.Allocate(8, "file")
		if allocErr != nil {
			m.files.Close(id)
			return PointerOf(NullPointer()), nil
		}
		ptr := NewPointer(obj, "file")
		ptr.Addr = id
		return PointerOf(ptr), nil
	})

	m.Register("close", func(args []Value) (Value, error) {
		id, ok := filePointer(arg(args, 0))
		if !ok {
			fmt.Fprintln(m.Stderr, "Error: Cannot close null file handle")
			return IntOf(-1), nil
		}
		if err := m.files.Close(id); err != nil {
			fmt.Fprintln(m.Stderr, "Error: Invalid file handle")
			return IntOf(-1), nil
		}
		// Drop the managed cell backing the handle as well.
		if p := args[0].Pointer(); p.Obj != nil {
			m.heap.Deallocate(p.Obj)
		}
		return IntOf(0), nil
	})

	m.Register("read", func(args []Value) (Value, error) {
		id, ok := filePointer(arg(args, 0))
		if !ok {
			fmt.Fprintln(m.Stderr, "Error: Invalid file handle for read")
			return StringOf(""), nil
		}
		content, err := m.files.Read(id)
		if err != nil {
			fmt.Fprintln(m.Stderr, "Error: File not open for reading")
			return StringOf(""), nil
		}
		return StringOf(content), nil
	})

	m.Register("write", func(args []Value) (Value, error) {
		id, ok := filePointer(arg(args, 0))
		if !ok || len(args) < 2 {
			fmt.Fprintln(m.Stderr, "Error: Invalid file handle for write")
			return IntOf(-1), nil
		}
		text := args[1].Render()
		n, err := m.files.Write(id, text)
		if err != nil {
			fmt.Fprintln(m.Stderr, "Error: File not open for writing")
			return IntOf(-1), nil
		}
		return IntOf(int64(n)), nil
	})
}

// ---------------------------------------------------------------------------
// Containers
// ---------------------------------------------------------------------------

func (m *VM) registerContainerBuiltins() {
	m.Register("list", func(args []Value) (Value, error) {
		items := make([]Value, len(args))
		copy(items, args)
		return ListOf(&ListValue{Items: items}), nil
	})

	m.Register("append", func(args []Value) (Value, error) {
		if len(args) >= 2 && args[0].Kind() == KindList {
			src := args[0].List().Items
			items := make([]Value, len(src), len(src)+1)
			copy(items, src)
			items = append(items, args[1])
			return ListOf(&ListValue{Items: items}), nil
		}
		if len(args) == 0 {
			return IntOf(0), nil
		}
		return args[0], nil
	})

	m.Register("dict_append", func(args []Value) (Value, error) {
		return IntOf(0), nil
	})
}
