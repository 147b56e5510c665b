package frame

import "fmt"

// Checksum is the integrity strategy applied to a whole logical message.
type Checksum interface {
	// Size is the number of trailer bytes appended to each message.
	Size() int
	// Append adds the trailer computed over msg.
	Append(msg []byte) []byte
	// Verify checks the trailer at the end of msg.
	Verify(msg []byte) error
	Name() string
}

// LengthOnly is the unit's native framing: the length byte is the only check.
type LengthOnly struct{}

func (LengthOnly) Size() int                { return 0 }
func (LengthOnly) Append(msg []byte) []byte { return msg }
func (LengthOnly) Verify([]byte) error      { return nil }
func (LengthOnly) Name() string             { return "none" }

// CRC8 appends one CRC-8/KOOP byte over the message.
type CRC8 struct{}

func (CRC8) Size() int { return 1 }

func (CRC8) Append(msg []byte) []byte {
	return append(msg, crc8(msg))
}

func (CRC8) Verify(msg []byte) error {
	if len(msg) < 1 {
		return fmt.Errorf("%w: no trailer", ErrChecksum)
	}
	body, sum := msg[:len(msg)-1], msg[len(msg)-1]
	if got := crc8(body); got != sum {
		return fmt.Errorf("%w: crc8 got 0x%02X, want 0x%02X", ErrChecksum, sum, got)
	}
	return nil
}

func (CRC8) Name() string { return "crc8" }

// ChecksumByName resolves a configured checksum name.
func ChecksumByName(name string) (Checksum, error) {
	switch name {
	case "", "none", "length":
		return LengthOnly{}, nil
	case "crc8":
		return CRC8{}, nil
	default:
		return nil, fmt.Errorf("unknown checksum %q (supported: none, crc8)", name)
	}
}

// --- CRC-8/KOOP (reflected poly=0xB2, init=0xFF, xorout=0xFF) ---

var crc8Table [256]uint8

func init() {
	const poly = 0xB2
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crc8Table[i] = crc
	}
}

func crc8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}
