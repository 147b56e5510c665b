package frame

import (
	"fmt"
	"strings"
)

// sizeEmpty marks a parameter with no value on the wire.
const sizeEmpty = 0xFF

// Param is one TLV entry: id(1) size(1) value.
type Param struct {
	ID    uint8
	Value []byte
}

// Params is an ordered parameter list.
type Params []Param

// Get returns the value of the first parameter with the given id.
func (p Params) Get(id uint8) ([]byte, bool) {
	for _, param := range p {
		if param.ID == id {
			return param.Value, true
		}
	}
	return nil, false
}

// Byte returns the first byte of a parameter value.
func (p Params) Byte(id uint8) (uint8, bool) {
	v, ok := p.Get(id)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// Uint returns a parameter value interpreted as a big-endian unsigned integer.
func (p Params) Uint(id uint8) (uint64, bool) {
	v, ok := p.Get(id)
	if !ok || len(v) == 0 || len(v) > 8 {
		return 0, false
	}
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return n, true
}

func (p Params) String() string {
	var sb strings.Builder
	for i, param := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "0x%02X=%X", param.ID, param.Value)
	}
	return sb.String()
}

// encodeParams serializes the list. An empty list encodes as 00 00. A value
// must stay below the 0xFF size marker.
func encodeParams(p Params) ([]byte, error) {
	if len(p) == 0 {
		return []byte{0x00, 0x00}, nil
	}
	var out []byte
	for _, param := range p {
		if len(param.Value) >= sizeEmpty {
			return nil, fmt.Errorf("%w: parameter 0x%02X has %d value bytes", ErrMessageTooLarge, param.ID, len(param.Value))
		}
		out = append(out, param.ID, uint8(len(param.Value)))
		out = append(out, param.Value...)
	}
	return out, nil
}

// decodeParams parses a TLV body. A size of 0xFF means no value, and a
// missing value reads as a single zero byte.
func decodeParams(data []byte) (Params, error) {
	var params Params
	i := 0
	for i < len(data) {
		if i+1 >= len(data) {
			return nil, fmt.Errorf("%w: truncated parameter header at offset %d", ErrMalformedFragment, i)
		}
		id := data[i]
		size := int(data[i+1])
		if size == sizeEmpty {
			size = 0
		}
		if i+2+size > len(data) {
			return nil, fmt.Errorf("%w: parameter 0x%02X wants %d bytes, %d left", ErrMalformedFragment, id, size, len(data)-i-2)
		}
		value := make([]byte, size)
		copy(value, data[i+2:i+2+size])
		if len(value) == 0 {
			value = []byte{0x00}
		}
		params = append(params, Param{ID: id, Value: value})
		i += 2 + size
	}
	return params, nil
}
