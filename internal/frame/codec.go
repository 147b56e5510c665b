package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Codec encodes commands into fragments and decodes fragment sequences.
type Codec struct {
	sum Checksum
}

// NewCodec returns a codec using the given checksum strategy. A nil checksum
// selects the unit's native length-only framing.
func NewCodec(sum Checksum) *Codec {
	if sum == nil {
		sum = LengthOnly{}
	}
	return &Codec{sum: sum}
}

// Checksum returns the codec's integrity strategy.
func (c *Codec) Checksum() Checksum {
	return c.sum
}

// --- Encode ---

// Encode splits a command into fragments ready to be written in index order.
func (c *Codec) Encode(cmd Command) ([]Fragment, error) {
	msg, err := c.Marshal(cmd.ID, 0, cmd.Params)
	if err != nil {
		return nil, fmt.Errorf("encode command %d: %w", cmd.ID, err)
	}
	return Split(msg), nil
}

// EncodeResponse fragments a response the way the unit would send it.
func (c *Codec) EncodeResponse(resp Response) ([]Fragment, error) {
	msg, err := c.Marshal(resp.ID, resp.Status, resp.Params)
	if err != nil {
		return nil, fmt.Errorf("encode response %d: %w", resp.ID, err)
	}
	return Split(msg), nil
}

// Marshal builds the logical message bytes.
func (c *Codec) Marshal(id uint16, status uint8, params Params) ([]byte, error) {
	body, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	n := headerSize + len(body) + c.sum.Size()
	if n > maxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	msg := make([]byte, headerSize, n)
	msg[0] = uint8(n)
	msg[1] = status
	binary.BigEndian.PutUint16(msg[2:4], id)
	msg = append(msg, body...)
	return c.sum.Append(msg), nil
}

// Split cuts a logical message into the minimal number of fragments.
func Split(msg []byte) []Fragment {
	count := fragmentCount(len(msg))
	frags := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*BodySize, len(msg))
		body := make([]byte, end-i*BodySize)
		copy(body, msg[i*BodySize:end])
		frags = append(frags, Fragment{Index: uint8(i), Body: body})
	}
	return frags
}

// --- Decode ---

// Decode reassembles a complete fragment sequence into one response.
func (c *Codec) Decode(frags []Fragment) (*Response, error) {
	r := c.NewReassembler()
	for i, f := range frags {
		resp, err := r.Feed(f)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			if rest := len(frags) - 1 - i; rest > 0 {
				return nil, fmt.Errorf("%w: %d fragments after terminator", ErrMalformedFragment, rest)
			}
			return resp, nil
		}
	}
	if r.InProgress() {
		return nil, fmt.Errorf("%w: message ended after %d of %d fragments", ErrChecksum, r.next, r.want)
	}
	return nil, fmt.Errorf("%w: no fragments", ErrMalformedFragment)
}

// NewReassembler returns a streaming decoder bound to the codec's checksum.
func (c *Codec) NewReassembler() *Reassembler {
	return &Reassembler{sum: c.sum}
}

// Reassembler accumulates notification fragments into responses. It holds at
// most one partial message. Not safe for concurrent use.
type Reassembler struct {
	sum      Checksum
	buf      []byte
	declared int
	want     int
	next     uint8
}

// Feed consumes one fragment. It returns a response when the terminator
// fragment completes a valid message, (nil, nil) while more fragments are
// needed, or an error for a rejected fragment or message. A rejected
// out-of-sequence fragment leaves the partial message intact.
func (r *Reassembler) Feed(f Fragment) (*Response, error) {
	if len(f.Body) == 0 {
		return nil, fmt.Errorf("%w: fragment %d has no body", ErrMalformedFragment, f.Index)
	}

	if f.Index == 0 {
		abandoned := r.InProgress()
		r.Reset()
		declared := int(f.Body[0])
		if declared < headerSize+r.sum.Size() {
			return nil, fmt.Errorf("%w: declared length %d below header size", ErrChecksum, declared)
		}
		r.declared = declared
		r.want = fragmentCount(declared)
		r.buf = append(r.buf, f.Body...)
		r.next = 1
		if r.want == 1 {
			return r.complete()
		}
		if abandoned {
			return nil, ErrAbandoned
		}
		return nil, nil
	}

	if !r.InProgress() {
		return nil, fmt.Errorf("%w: fragment %d with no message in progress", ErrMalformedFragment, f.Index)
	}
	if f.Index != r.next {
		return nil, fmt.Errorf("%w: fragment %d out of sequence, want %d", ErrMalformedFragment, f.Index, r.next)
	}

	r.buf = append(r.buf, f.Body...)
	r.next++
	if int(r.next) == r.want {
		return r.complete()
	}
	return nil, nil
}

// InProgress reports whether a partial message is buffered.
func (r *Reassembler) InProgress() bool {
	return r.want > 0
}

// Reset drops any partial message.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.declared = 0
	r.want = 0
	r.next = 0
}

func (r *Reassembler) complete() (*Response, error) {
	msg := make([]byte, len(r.buf))
	copy(msg, r.buf)
	declared := r.declared
	r.Reset()

	if len(msg) != declared {
		return nil, fmt.Errorf("%w: length byte %d, received %d", ErrChecksum, declared, len(msg))
	}
	if err := r.sum.Verify(msg); err != nil {
		return nil, err
	}

	payload := msg[:len(msg)-r.sum.Size()]
	resp := &Response{
		ID:     binary.BigEndian.Uint16(payload[2:4]),
		Status: payload[1],
		Raw:    msg,
	}
	body := payload[headerSize:]
	if len(body) == 0 || bytes.Equal(body, []byte{0x00, 0x00}) {
		return resp, nil
	}
	params, err := decodeParams(body)
	if err != nil {
		return nil, fmt.Errorf("response %d: %w", resp.ID, err)
	}
	resp.Params = params
	return resp, nil
}
