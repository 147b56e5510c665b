package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeEmptyCommandIsOneFragment(t *testing.T) {
	c := NewCodec(nil)
	frags, err := c.Encode(Command{ID: 0x0020})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("fragments = %d, want 1", len(frags))
	}
	want := []byte{0x00, 0x06, 0x00, 0x00, 0x20, 0x00, 0x00}
	if got := frags[0].Bytes(); !bytes.Equal(got, want) {
		t.Errorf("wire = %X, want %X", got, want)
	}
}

func TestEncodeKnownPowerCommand(t *testing.T) {
	c := NewCodec(nil)
	frags, err := c.Encode(Command{ID: 0x4030, Params: Params{{ID: 0x20, Value: []byte{0x01}}}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x00, 0x07, 0x00, 0x40, 0x30, 0x20, 0x01, 0x01}
	if got := frags[0].Bytes(); !bytes.Equal(got, want) {
		t.Errorf("wire = %X, want %X", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, sum := range []Checksum{LengthOnly{}, CRC8{}} {
		c := NewCodec(sum)
		tests := []struct {
			name   string
			params Params
		}{
			{"empty", nil},
			{"single", Params{{ID: 0x20, Value: []byte{0x01}}}},
			{"set point", Params{{ID: 0x20, Value: []byte{0x15, 0x00}}, {ID: 0x21, Value: []byte{0x17, 0x00}}}},
			{"long", Params{{ID: 0x10, Value: bytes.Repeat([]byte{0xAB}, 40)}, {ID: 0x11, Value: []byte{0x7E}}}},
		}
		for _, tt := range tests {
			t.Run(sum.Name()+"/"+tt.name, func(t *testing.T) {
				resp := Response{ID: 0x0110, Status: 0, Params: tt.params}
				frags, err := c.EncodeResponse(resp)
				if err != nil {
					t.Fatalf("EncodeResponse: %v", err)
				}
				got, err := c.Decode(frags)
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if got.ID != resp.ID || got.Status != resp.Status {
					t.Errorf("header = %04X/%d, want %04X/%d", got.ID, got.Status, resp.ID, resp.Status)
				}
				if len(got.Params) != len(tt.params) {
					t.Fatalf("params = %v, want %v", got.Params, tt.params)
				}
				for i := range tt.params {
					if got.Params[i].ID != tt.params[i].ID || !bytes.Equal(got.Params[i].Value, tt.params[i].Value) {
						t.Errorf("param %d = %v, want %v", i, got.Params[i], tt.params[i])
					}
				}
			})
		}
	}
}

func TestFragmentationIsMinimal(t *testing.T) {
	c := NewCodec(nil)
	// Payload sizes covering every boundary up to several MTUs.
	for valueLen := 1; valueLen < 5*MTU; valueLen++ {
		params := Params{{ID: 0x01, Value: bytes.Repeat([]byte{0x55}, valueLen)}}
		frags, err := c.Encode(Command{ID: 0x0001, Params: params})
		if err != nil {
			t.Fatalf("len %d: Encode: %v", valueLen, err)
		}
		msgLen := headerSize + 2 + valueLen
		want := (msgLen + BodySize - 1) / BodySize
		if len(frags) != want {
			t.Errorf("len %d: fragments = %d, want %d", valueLen, len(frags), want)
		}
		for i, f := range frags {
			if int(f.Index) != i {
				t.Errorf("len %d: fragment %d has index %d", valueLen, i, f.Index)
			}
			if len(f.Bytes()) > MTU {
				t.Errorf("len %d: fragment %d is %d bytes", valueLen, i, len(f.Bytes()))
			}
		}

		raw, _ := c.Marshal(0x0001, 0, params)
		resp, err := c.Decode(frags)
		if err != nil {
			t.Fatalf("len %d: Decode: %v", valueLen, err)
		}
		if !bytes.Equal(resp.Raw, raw) {
			t.Errorf("len %d: reassembled bytes differ", valueLen)
		}
	}
}

func TestEncodeTooLarge(t *testing.T) {
	c := NewCodec(nil)
	params := Params{{ID: 0x01, Value: bytes.Repeat([]byte{0x00}, 250)}}
	if _, err := c.Encode(Command{ID: 1, Params: params}); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestCRC8DetectsEveryCorruptedByte(t *testing.T) {
	c := NewCodec(CRC8{})
	params := Params{{ID: 0x20, Value: []byte{0x15, 0x00}}, {ID: 0x21, Value: bytes.Repeat([]byte{0x42}, 30)}}
	raw, err := c.Marshal(0x4040, 0, params)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for pos := range raw {
		corrupt := make([]byte, len(raw))
		copy(corrupt, raw)
		corrupt[pos]++
		_, err := c.Decode(Split(corrupt))
		if !errors.Is(err, ErrChecksum) {
			t.Errorf("byte %d corrupted: err = %v, want ErrChecksum", pos, err)
		}
	}
}

func TestLengthMismatchRejected(t *testing.T) {
	c := NewCodec(nil)
	raw, _ := c.Marshal(0x0020, 0, Params{{ID: 0x20, Value: []byte{0x01}}})
	raw[0]++ // claims one more byte than delivered
	if _, err := c.Decode(Split(raw)); !errors.Is(err, ErrChecksum) {
		t.Errorf("err = %v, want ErrChecksum", err)
	}
}

func TestDecodeMissingFragment(t *testing.T) {
	c := NewCodec(nil)
	frags, _ := c.Encode(Command{ID: 1, Params: Params{{ID: 0x01, Value: bytes.Repeat([]byte{1}, 30)}}})
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	if _, err := c.Decode(frags[:1]); !errors.Is(err, ErrChecksum) {
		t.Errorf("err = %v, want ErrChecksum", err)
	}
}

func TestDecodeTrailingFragments(t *testing.T) {
	c := NewCodec(nil)
	frags, _ := c.Encode(Command{ID: 1})
	frags = append(frags, Fragment{Index: 1, Body: []byte{0x00}})
	if _, err := c.Decode(frags); !errors.Is(err, ErrMalformedFragment) {
		t.Errorf("err = %v, want ErrMalformedFragment", err)
	}
}

func TestReassemblerOutOfSequence(t *testing.T) {
	c := NewCodec(nil)
	frags, _ := c.Encode(Command{ID: 7, Params: Params{{ID: 0x01, Value: bytes.Repeat([]byte{9}, 40)}}})
	if len(frags) != 3 {
		t.Fatalf("fragments = %d, want 3", len(frags))
	}

	r := c.NewReassembler()
	if resp, err := r.Feed(frags[0]); resp != nil || err != nil {
		t.Fatalf("Feed(0) = %v, %v", resp, err)
	}
	// Fragment 2 arrives before 1: rejected, partial message kept.
	if _, err := r.Feed(frags[2]); !errors.Is(err, ErrMalformedFragment) {
		t.Fatalf("Feed(2) err = %v, want ErrMalformedFragment", err)
	}
	if !r.InProgress() {
		t.Fatal("partial message dropped after out-of-sequence fragment")
	}
	if resp, err := r.Feed(frags[1]); resp != nil || err != nil {
		t.Fatalf("Feed(1) = %v, %v", resp, err)
	}
	resp, err := r.Feed(frags[2])
	if err != nil {
		t.Fatalf("Feed(2) again: %v", err)
	}
	if resp == nil || resp.ID != 7 {
		t.Errorf("resp = %+v, want id 7", resp)
	}
}

func TestReassemblerContinuationWithoutStart(t *testing.T) {
	r := NewCodec(nil).NewReassembler()
	if _, err := r.Feed(Fragment{Index: 1, Body: []byte{0x01}}); !errors.Is(err, ErrMalformedFragment) {
		t.Errorf("err = %v, want ErrMalformedFragment", err)
	}
}

func TestReassemblerAbandonsPartialMessage(t *testing.T) {
	c := NewCodec(nil)
	long, _ := c.Encode(Command{ID: 1, Params: Params{{ID: 0x01, Value: bytes.Repeat([]byte{1}, 30)}}})
	short, _ := c.Encode(Command{ID: 2, Params: Params{{ID: 0x01, Value: bytes.Repeat([]byte{2}, 20)}}})
	if len(short) != 2 {
		t.Fatalf("short fragments = %d, want 2", len(short))
	}

	r := c.NewReassembler()
	r.Feed(long[0])
	if _, err := r.Feed(short[0]); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("err = %v, want ErrAbandoned", err)
	}
	resp, err := r.Feed(short[1])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if resp == nil || resp.ID != 2 {
		t.Errorf("resp = %+v, want id 2", resp)
	}
}

func TestReassemblerRejectsShortLengthByte(t *testing.T) {
	r := NewCodec(nil).NewReassembler()
	if _, err := r.Feed(Fragment{Index: 0, Body: []byte{0x02, 0x00}}); !errors.Is(err, ErrChecksum) {
		t.Errorf("err = %v, want ErrChecksum", err)
	}
	if r.InProgress() {
		t.Error("rejected message left in progress")
	}
}

func TestReassemblerEmptyBody(t *testing.T) {
	r := NewCodec(nil).NewReassembler()
	if _, err := r.Feed(Fragment{Index: 0}); !errors.Is(err, ErrMalformedFragment) {
		t.Errorf("err = %v, want ErrMalformedFragment", err)
	}
}

func TestParseFragment(t *testing.T) {
	if _, err := ParseFragment([]byte{0x00}); !errors.Is(err, ErrMalformedFragment) {
		t.Errorf("1 byte: err = %v, want ErrMalformedFragment", err)
	}
	f, err := ParseFragment([]byte{0x02, 0xAA, 0xBB})
	if err != nil {
		t.Fatalf("ParseFragment: %v", err)
	}
	if f.Index != 2 || !bytes.Equal(f.Body, []byte{0xAA, 0xBB}) {
		t.Errorf("fragment = %+v", f)
	}
}

func TestDecodeStatusByte(t *testing.T) {
	c := NewCodec(nil)
	frags, _ := c.EncodeResponse(Response{ID: 0x4030, Status: 0x05})
	resp, err := c.Decode(frags)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if resp.OK() {
		t.Error("OK() = true for status 0x05")
	}
}

func TestChecksumByName(t *testing.T) {
	for name, want := range map[string]string{"": "none", "none": "none", "crc8": "crc8"} {
		sum, err := ChecksumByName(name)
		if err != nil {
			t.Fatalf("ChecksumByName(%q): %v", name, err)
		}
		if sum.Name() != want {
			t.Errorf("ChecksumByName(%q) = %s, want %s", name, sum.Name(), want)
		}
	}
	if _, err := ChecksumByName("md5"); err == nil {
		t.Error("expected error for unknown checksum")
	}
}
