package rdx

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/drpcorg/tabby/protocol"
)

// Type tags a Value. The letters double as TLV record types.
type Type byte

const (
	TypeNone    Type = 0
	TypeNull    Type = 'N'
	TypeString  Type = 'S'
	TypeNumber  Type = 'F'
	TypeBoolean Type = 'B'
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBoolean:
		return "boolean"
	default:
		return "none"
	}
}

// ParseType reads the schema spelling of a type ("string", "number", ...).
func ParseType(s string) (Type, bool) {
	switch s {
	case "string":
		return TypeString, true
	case "number":
		return TypeNumber, true
	case "boolean":
		return TypeBoolean, true
	case "null":
		return TypeNull, true
	}
	return TypeNone, false
}

// Value is a Cell or Value leaf: a string, a number, a boolean or null.
// The zero Value is "none", an absent leaf; stores never hold it as content
// and the stamped tree uses it to mark deletions.
type Value struct {
	t Type
	s string
	f float64
	b bool
}

var ErrBadValue = errors.New("rdx: bad value")

func Str(s string) Value { return Value{t: TypeString, s: s} }
func Num(f float64) Value { return Value{t: TypeNumber, f: f} }
func Bool(b bool) Value { return Value{t: TypeBoolean, b: b} }
func Null() Value { return Value{t: TypeNull} }
func (v Value) Type() Type { return v.t }
func (v Value) IsNone() bool {
	return v.t == TypeNone
}
func (v Value) IsNull() bool {
	return v.t == TypeNull
}

// Valid reports whether v can be stored: none and non-finite numbers can not.
func (v Value) Valid() bool {
	switch v.t {
	case TypeString, TypeBoolean, TypeNull:
		return true
	case TypeNumber:
		return !math.IsNaN(v.f) && !math.IsInf(v.f, 0)
	}
	return false
}

// Of converts a native Go value. Integers become numbers, nil becomes null.
func Of(x any) (Value, bool) {
	switch n := x.(type) {
	case nil:
		return Null(), true
	case Value:
		return n, true
	case string:
		return Str(n), true
	case bool:
		return Bool(n), true
	case float64:
		return Num(n), true
	case float32:
		return Num(float64(n)), true
	case int:
		return Num(float64(n)), true
	case int32:
		return Num(float64(n)), true
	case int64:
		return Num(float64(n)), true
	case uint:
		return Num(float64(n)), true
	case uint32:
		return Num(float64(n)), true
	case uint64:
		return Num(float64(n)), true
	}
	return Value{}, false
}

func (v Value) AsString() (string, bool) {
	return v.s, v.t == TypeString
}

func (v Value) AsNumber() (float64, bool) {
	return v.f, v.t == TypeNumber
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.t == TypeBoolean
}

// Native returns string, float64, bool or nil. None also returns nil.
func (v Value) Native() any {
	switch v.t {
	case TypeString:
		return v.s
	case TypeNumber:
		return v.f
	case TypeBoolean:
		return v.b
	}
	return nil
}

func (v Value) Equal(o Value) bool {
	if v.t != o.t {
		return false
	}
	switch v.t {
	case TypeString:
		return v.s == o.s
	case TypeNumber:
		return v.f == o.f
	case TypeBoolean:
		return v.b == o.b
	}
	return true
}

// Compare orders values for sorting: none < null < booleans < numbers < strings.
func (v Value) Compare(o Value) int {
	rank := func(t Type) int {
		switch t {
		case TypeNull:
			return 1
		case TypeBoolean:
			return 2
		case TypeNumber:
			return 3
		case TypeString:
			return 4
		}
		return 0
	}
	if rv, ro := rank(v.t), rank(o.t); rv != ro {
		return rv - ro
	}
	switch v.t {
	case TypeString:
		switch {
		case v.s < o.s:
			return -1
		case v.s > o.s:
			return 1
		}
	case TypeNumber:
		switch {
		case v.f < o.f:
			return -1
		case v.f > o.f:
			return 1
		}
	case TypeBoolean:
		switch {
		case !v.b && o.b:
			return -1
		case v.b && !o.b:
			return 1
		}
	}
	return 0
}

// String renders v the way the REPL prints it: strings quoted, none as "-".
func (v Value) String() string {
	switch v.t {
	case TypeString:
		return strconv.Quote(v.s)
	case TypeNumber:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(v.b)
	case TypeNull:
		return "null"
	}
	return "-"
}

// Parse reads the REPL notation: null, true, false, a number, or a quoted
// string. Anything else is taken as a bare string.
func Parse(txt string) Value {
	switch txt {
	case "null":
		return Null()
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if f, err := strconv.ParseFloat(txt, 64); err == nil {
		return Num(f)
	}
	if s, err := strconv.Unquote(txt); err == nil {
		return Str(s)
	}
	return Str(txt)
}

// TLV is the record for v; none encodes to nil.
func (v Value) TLV() []byte {
	switch v.t {
	case TypeString:
		return protocol.Record('S', []byte(v.s))
	case TypeNumber:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.f))
		return protocol.Record('F', b[:])
	case TypeBoolean:
		if v.b {
			return protocol.Record('B', []byte{1})
		}
		return protocol.Record('B', []byte{0})
	case TypeNull:
		return protocol.Record('N')
	}
	return nil
}

// ValueFromTLV parses one value record and returns the remainder.
func ValueFromTLV(tlv []byte) (v Value, rest []byte, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(tlv)
	if err != nil {
		return
	}
	switch lit {
	case 'S':
		v = Str(string(body))
	case 'F':
		if len(body) != 8 {
			return v, nil, ErrBadValue
		}
		v = Num(math.Float64frombits(binary.LittleEndian.Uint64(body)))
	case 'B':
		if len(body) != 1 {
			return v, nil, ErrBadValue
		}
		v = Bool(body[0] != 0)
	case 'N':
		v = Null()
	default:
		return v, nil, fmt.Errorf("%w: record type %c", ErrBadValue, lit)
	}
	return
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.t == TypeNumber && !v.Valid() {
		return nil, ErrBadValue
	}
	return json.Marshal(v.Native())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	val, ok := Of(x)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBadValue, data)
	}
	*v = val
	return nil
}
