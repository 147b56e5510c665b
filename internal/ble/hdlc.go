package ble

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
)

// HDLC-style framing used by the serial gateway:
//
//	0x7E escaped(payload fcs_lo fcs_hi) 0x7E
//
// 0x7E and 0x7D inside a frame are sent as 0x7D followed by the byte XOR 0x20.
const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcXor    = 0x20

	maxHDLCFrame = 1024
)

var errFCS = errors.New("hdlc: fcs mismatch")

// --- Encode ---

func hdlcEncode(payload []byte) []byte {
	fcs := crc16X25(payload)
	raw := make([]byte, len(payload)+2)
	copy(raw, payload)
	binary.LittleEndian.PutUint16(raw[len(payload):], fcs)

	out := make([]byte, 0, len(raw)+4)
	out = append(out, hdlcFlag)
	for _, b := range raw {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXor)
			continue
		}
		out = append(out, b)
	}
	return append(out, hdlcFlag)
}

// --- Decode ---

// hdlcDecode unescapes the bytes between two flags and checks the FCS.
func hdlcDecode(inner []byte) ([]byte, error) {
	raw := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		b := inner[i]
		if b == hdlcEscape {
			i++
			if i >= len(inner) {
				return nil, fmt.Errorf("hdlc: dangling escape")
			}
			b = inner[i] ^ hdlcXor
		}
		raw = append(raw, b)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("hdlc: frame too short: %d bytes", len(raw))
	}
	payload := raw[:len(raw)-2]
	want := binary.LittleEndian.Uint16(raw[len(raw)-2:])
	if got := crc16X25(payload); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", errFCS, want, got)
	}
	return payload, nil
}

// readHDLCFrame returns the escaped bytes of the next non-empty frame.
func readHDLCFrame(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	inFrame := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == hdlcFlag {
			if inFrame && len(buf) > 0 {
				return buf, nil
			}
			inFrame = true
			buf = buf[:0]
			continue
		}
		if !inFrame {
			continue
		}
		if len(buf) >= maxHDLCFrame {
			inFrame = false
			buf = buf[:0]
			continue
		}
		buf = append(buf, b)
	}
}

// --- CRC-16/X.25 (reflected poly=0x8408, init=0xFFFF, xorout=0xFFFF) ---

var fcsTable [256]uint16

func init() {
	const poly = 0x8408
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		fcsTable[i] = crc
	}
}

func crc16X25(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ fcsTable[(crc^uint16(b))&0xFF]
	}
	return crc ^ 0xFFFF
}
