package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueType represents the type of a property value
type ValueType uint8

const (
	TypeString ValueType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeBytes
	TypeTimestamp
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeBytes:
		return "bytes"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Value represents a typed property value
type Value struct {
	Type ValueType `msgpack:"t"`
	Data []byte    `msgpack:"d"`
}

// Helper functions to create typed values
func StringValue(s string) Value {
	return Value{Type: TypeString, Data: []byte(s)}
}

func IntValue(i int64) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(i))
	return Value{Type: TypeInt, Data: data}
}

func FloatValue(f float64) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, math.Float64bits(f))
	return Value{Type: TypeFloat, Data: data}
}

func BoolValue(b bool) Value {
	data := []byte{0}
	if b {
		data[0] = 1
	}
	return Value{Type: TypeBool, Data: data}
}

func BytesValue(b []byte) Value {
	return Value{Type: TypeBytes, Data: b}
}

func TimestampValue(t time.Time) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(t.UnixNano()))
	return Value{Type: TypeTimestamp, Data: data}
}

// Decode methods
func (v Value) AsString() (string, error) {
	if v.Type != TypeString {
		return "", fmt.Errorf("value is not a string")
	}
	return string(v.Data), nil
}

func (v Value) AsInt() (int64, error) {
	if v.Type != TypeInt || len(v.Data) != 8 {
		return 0, fmt.Errorf("value is not an int")
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), nil
}

func (v Value) AsFloat() (float64, error) {
	if v.Type != TypeFloat || len(v.Data) != 8 {
		return 0, fmt.Errorf("value is not a float")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Data)), nil
}

func (v Value) AsBool() (bool, error) {
	if v.Type != TypeBool || len(v.Data) != 1 {
		return false, fmt.Errorf("value is not a bool")
	}
	return v.Data[0] == 1, nil
}

func (v Value) AsTimestamp() (time.Time, error) {
	if v.Type != TypeTimestamp || len(v.Data) != 8 {
		return time.Time{}, fmt.Errorf("value is not a timestamp")
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(v.Data))), nil
}

// Key returns the value's identity for indexing: equal values of equal type
// have equal keys.
func (v Value) Key() string {
	return string(append([]byte{byte(v.Type)}, v.Data...))
}

// Equal reports whether two values have the same type and bytes.
func (v Value) Equal(o Value) bool {
	return v.Key() == o.Key()
}

func (v Value) String() string {
	switch v.Type {
	case TypeString:
		return string(v.Data)
	case TypeInt:
		i, _ := v.AsInt()
		return strconv.FormatInt(i, 10)
	case TypeFloat:
		f, _ := v.AsFloat()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case TypeBool:
		b, _ := v.AsBool()
		return strconv.FormatBool(b)
	case TypeTimestamp:
		ts, _ := v.AsTimestamp()
		return ts.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%x", v.Data)
	}
}
