package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestVarIntEncoding(t *testing.T) {
	cases := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0}},
		{240, []byte{240}},
		{241, []byte{241, 1}},
		{300, []byte{241, 60}},
		{2287, []byte{248, 255}},
		{2288, []byte{249, 0, 0}},
		{67823, []byte{249, 255, 255}},
		{67824, []byte{250, 0xF0, 0x08, 0x01}},
		{1<<24 - 1, []byte{250, 0xFF, 0xFF, 0xFF}},
		{1 << 24, []byte{251, 0, 0, 0, 1}},
		{math.MaxUint64, []byte{255, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tc := range cases {
		got := EncodeVarInt(tc.v)
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("EncodeVarInt(%d): got %v want %v", tc.v, got, tc.want)
		}
		if VarIntLen(tc.v) != len(tc.want) {
			t.Fatalf("VarIntLen(%d): got %d want %d", tc.v, VarIntLen(tc.v), len(tc.want))
		}
		v, n, err := DecodeVarInt(got, 0)
		if err != nil {
			t.Fatalf("DecodeVarInt(%v): %v", got, err)
		}
		if v != tc.v || n != len(got) {
			t.Fatalf("DecodeVarInt(%v): got (%d, %d) want (%d, %d)", got, v, n, tc.v, len(got))
		}
	}
}

func TestVarIntByteLengthBoundaries(t *testing.T) {
	bounds := []struct {
		v   uint64
		len int
	}{
		{1<<32 - 1, 5}, {1 << 32, 6},
		{1<<40 - 1, 6}, {1 << 40, 7},
		{1<<48 - 1, 7}, {1 << 48, 8},
		{1<<56 - 1, 8}, {1 << 56, 9},
	}
	for _, b := range bounds {
		enc := EncodeVarInt(b.v)
		if len(enc) != b.len {
			t.Fatalf("%d: encoded %d bytes, want %d", b.v, len(enc), b.len)
		}
		if int(enc[0]) != 247+b.len-1 {
			t.Fatalf("%d: header %d", b.v, enc[0])
		}
		v, _, err := DecodeVarInt(enc, 0)
		if err != nil || v != b.v {
			t.Fatalf("%d: decoded %d, %v", b.v, v, err)
		}
	}
}

func TestDecodeVarIntAtOffset(t *testing.T) {
	buf := append([]byte{0xAA, 0xBB}, EncodeVarInt(5000)...)
	v, n, err := DecodeVarInt(buf, 2)
	if err != nil {
		t.Fatalf("DecodeVarInt: %v", err)
	}
	if v != 5000 || n != 3 {
		t.Fatalf("got (%d, %d)", v, n)
	}
}

func TestDecodeVarIntTruncated(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{241},
		{249, 1},
		{250, 1, 2},
		{255, 1, 2, 3, 4, 5, 6, 7},
	} {
		if _, _, err := DecodeVarInt(b, 0); !errors.Is(err, ErrTruncatedInput) {
			t.Fatalf("%v: got %v", b, err)
		}
	}
}

func TestZigZag(t *testing.T) {
	cases := []struct {
		n int64
		u uint64
	}{
		{0, 0}, {-1, 1}, {1, 2}, {-2, 3}, {2, 4},
		{math.MaxInt64, math.MaxUint64 - 1},
		{math.MinInt64, math.MaxUint64},
	}
	for _, tc := range cases {
		if got := EncodeZigZag(tc.n); got != tc.u {
			t.Fatalf("EncodeZigZag(%d): got %d want %d", tc.n, got, tc.u)
		}
		if got := DecodeZigZag(tc.u); got != tc.n {
			t.Fatalf("DecodeZigZag(%d): got %d want %d", tc.u, got, tc.n)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 240, 241, 2288, MaxFrameSize} {
		payload := bytes.Repeat([]byte{0x5A}, size)
		frame, err := EncodeFrame(payload)
		if err != nil {
			t.Fatalf("EncodeFrame(%d): %v", size, err)
		}
		if len(frame) != VarIntLen(uint64(size))+size {
			t.Fatalf("frame length for %d: %d", size, len(frame))
		}
		got, n, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame(%d): %v", size, err)
		}
		if n != len(frame) || !bytes.Equal(got, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}

func TestEncodeFrameRejectsOversized(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v", err)
	}
}

func TestDecodeFrameTruncatedAndOversized(t *testing.T) {
	frame, _ := EncodeFrame([]byte("hello"))
	if _, _, err := DecodeFrame(frame[:3]); !errors.Is(err, ErrTruncatedInput) {
		t.Fatalf("truncated: got %v", err)
	}
	if _, _, err := DecodeFrame(EncodeVarInt(70000)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversized: got %v", err)
	}
}

func TestFrameDecoderPartialFeeds(t *testing.T) {
	var stream []byte
	msgs := [][]byte{[]byte("A"), {}, bytes.Repeat([]byte("b"), 3000), []byte("C")}
	for _, m := range msgs {
		stream, _ = AppendFrame(stream, m)
	}

	d := NewFrameDecoder(0)
	var got [][]byte
	for i := 0; i < len(stream); i++ {
		d.Feed(stream[i : i+1])
		for {
			p, err := d.Next()
			if errors.Is(err, ErrTruncatedInput) {
				break
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			got = append(got, p)
		}
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d frames want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(got[i], msgs[i]) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
	if d.Buffered() != 0 || d.PendingFrameLength() != 0 {
		t.Fatalf("leftover state: %d buffered, %d pending", d.Buffered(), d.PendingFrameLength())
	}
}

func TestFrameDecoderPendingLength(t *testing.T) {
	d := NewFrameDecoder(0)
	frame, _ := EncodeFrame(bytes.Repeat([]byte{1}, 500))
	d.Feed(frame[:10])
	if _, err := d.Next(); !errors.Is(err, ErrTruncatedInput) {
		t.Fatalf("got %v", err)
	}
	if d.PendingFrameLength() != 500 {
		t.Fatalf("pending: %d", d.PendingFrameLength())
	}
	d.Reset()
	if d.Buffered() != 0 || d.PendingFrameLength() != 0 {
		t.Fatalf("reset left state")
	}
}

func TestFrameDecoderRejectsOversized(t *testing.T) {
	d := NewFrameDecoder(0)
	d.Feed(EncodeVarInt(70000))
	_, err := d.Next()
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v", err)
	}

	small := NewFrameDecoder(16)
	small.Feed(EncodeVarInt(17))
	if _, err := small.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("configured max: got %v", err)
	}
}

func TestInnerStructure(t *testing.T) {
	inner := appendInner(nil, []byte("payload"))
	got, ping, err := decodeInner(inner)
	if err != nil || ping || string(got) != "payload" {
		t.Fatalf("decodeInner: %q %v %v", got, ping, err)
	}

	_, ping, err = decodeInner(appendInner(nil, nil))
	if err != nil || !ping {
		t.Fatalf("ping: %v %v", ping, err)
	}

	if _, _, err := decodeInner(inner[:len(inner)-1]); !errors.Is(err, ErrInnerLength) {
		t.Fatalf("length mismatch: got %v", err)
	}
	if _, _, err := decodeInner(nil); !errors.Is(err, ErrProtocol) || !isFatal(err) {
		t.Fatalf("empty plaintext: got %v", err)
	}
}
