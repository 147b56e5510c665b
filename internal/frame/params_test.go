package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeParams(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Params
	}{
		{"single byte", []byte{0x20, 0x01, 0x01}, Params{{ID: 0x20, Value: []byte{0x01}}}},
		{"two values", []byte{0x40, 0x01, 0x17, 0x41, 0x01, 0x0C}, Params{{ID: 0x40, Value: []byte{0x17}}, {ID: 0x41, Value: []byte{0x0C}}}},
		{"empty marker", []byte{0x41, 0xFF}, Params{{ID: 0x41, Value: []byte{0x00}}}},
		{"zero size", []byte{0x62, 0x00}, Params{{ID: 0x62, Value: []byte{0x00}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeParams(tt.data)
			if err != nil {
				t.Fatalf("decodeParams: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i].ID != tt.want[i].ID || !bytes.Equal(got[i].Value, tt.want[i].Value) {
					t.Errorf("param %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecodeParamsTruncated(t *testing.T) {
	for name, data := range map[string][]byte{
		"header": {0x20},
		"value":  {0x20, 0x02, 0x01},
	} {
		if _, err := decodeParams(data); !errors.Is(err, ErrMalformedFragment) {
			t.Errorf("%s: err = %v, want ErrMalformedFragment", name, err)
		}
	}
}

func TestEncodeParamsRejectsOversizedValue(t *testing.T) {
	for _, n := range []int{255, 256, 300} {
		p := Params{{ID: 0x20, Value: make([]byte, n)}}
		if _, err := encodeParams(p); !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("encodeParams(%d bytes) err = %v, want ErrMessageTooLarge", n, err)
		}
	}
	got, err := encodeParams(Params{{ID: 0x20, Value: make([]byte, 254)}})
	if err != nil {
		t.Fatalf("encodeParams(254 bytes): %v", err)
	}
	if got[1] != 254 {
		t.Errorf("size byte = %d, want 254", got[1])
	}
}

func TestParamsAccessors(t *testing.T) {
	p := Params{{ID: 0x20, Value: []byte{0x15, 0x80}}, {ID: 0x21, Value: []byte{0x03}}}
	if v, ok := p.Uint(0x20); !ok || v != 0x1580 {
		t.Errorf("Uint(0x20) = %X, %v", v, ok)
	}
	if b, ok := p.Byte(0x21); !ok || b != 0x03 {
		t.Errorf("Byte(0x21) = %X, %v", b, ok)
	}
	if _, ok := p.Get(0x30); ok {
		t.Error("Get(0x30) found a missing parameter")
	}
	if s := p.String(); s != "0x20=1580 0x21=03" {
		t.Errorf("String() = %q", s)
	}
}
