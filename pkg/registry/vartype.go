package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// VarType is the declared type of a registered variable. The declared
// type drives the wire encoding of the value the handler returns.
type VarType int

const (
	// VarTypeUnknown is the zero value for an undeclared type.
	VarTypeUnknown VarType = iota
	// VarTypeBool encodes as a single 0/1 byte.
	VarTypeBool
	// VarTypeInt32 encodes as a big-endian signed 32-bit integer.
	VarTypeInt32
	// VarTypeDouble encodes as a big-endian IEEE-754 double.
	VarTypeDouble
	// VarTypeString encodes as UTF-8 bytes.
	VarTypeString
	// VarTypeJSON encodes as the UTF-8 JSON serialization of the value.
	VarTypeJSON
)

// String returns the wire name of the type, as advertised in the
// descriptor document.
func (t VarType) String() string {
	switch t {
	case VarTypeBool:
		return "bool"
	case VarTypeInt32:
		return "int32"
	case VarTypeDouble:
		return "double"
	case VarTypeString:
		return "string"
	case VarTypeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// IsValid returns true if the type is a declared value.
func (t VarType) IsValid() bool {
	return t >= VarTypeBool && t <= VarTypeJSON
}

// EncodeValue encodes a handler-returned value according to the
// declared type.
func (t VarType) EncodeValue(value interface{}) ([]byte, error) {
	switch t {
	case VarTypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %T as bool", ErrValueType, value)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case VarTypeInt32:
		i, err := toInt32(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(i))
		return buf, nil

	case VarTypeDouble:
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil

	case VarTypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T as string", ErrValueType, value)
		}
		return []byte(s), nil

	case VarTypeJSON:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("registry: serializing json variable: %w", err)
		}
		return data, nil

	default:
		return nil, ErrValueType
	}
}

// DecodeValue decodes a wire payload back into a value of the declared
// type. The inverse of EncodeValue.
func (t VarType) DecodeValue(data []byte) (interface{}, error) {
	switch t {
	case VarTypeBool:
		if len(data) != 1 {
			return nil, ErrValueType
		}
		return data[0] != 0, nil

	case VarTypeInt32:
		if len(data) != 4 {
			return nil, ErrValueType
		}
		return int32(binary.BigEndian.Uint32(data)), nil

	case VarTypeDouble:
		if len(data) != 8 {
			return nil, ErrValueType
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil

	case VarTypeString:
		return string(data), nil

	case VarTypeJSON:
		var value interface{}
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("registry: parsing json variable: %w", err)
		}
		return value, nil

	default:
		return nil, ErrValueType
	}
}

func toInt32(value interface{}) (int32, error) {
	switch v := value.(type) {
	case int:
		return int32(v), nil
	case int32:
		return v, nil
	case int64:
		return int32(v), nil
	case uint16:
		return int32(v), nil
	case float64:
		return int32(v), nil
	default:
		return 0, fmt.Errorf("%w: %T as int32", ErrValueType, value)
	}
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: %T as double", ErrValueType, value)
	}
}
