package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest declared frame length accepted on the wire.
const MaxFrameSize = 65535

// VarInt header thresholds.
const (
	varIntOneByteMax   = 240
	varIntTwoByteMax   = 2287
	varIntThreeByteMax = 67823

	// MaxVarIntLen is the encoded size of the largest uint64.
	MaxVarIntLen = 9
)

// VarIntLen reports how many bytes EncodeVarInt(v) produces.
func VarIntLen(v uint64) int {
	switch {
	case v <= varIntOneByteMax:
		return 1
	case v <= varIntTwoByteMax:
		return 2
	case v <= varIntThreeByteMax:
		return 3
	case v <= 1<<24-1:
		return 4
	case v <= 1<<32-1:
		return 5
	case v <= 1<<40-1:
		return 6
	case v <= 1<<48-1:
		return 7
	case v <= 1<<56-1:
		return 8
	default:
		return 9
	}
}

// EncodeVarInt returns the variable-length encoding of v.
func EncodeVarInt(v uint64) []byte {
	return AppendVarInt(make([]byte, 0, VarIntLen(v)), v)
}

// AppendVarInt appends the encoding of v to dst.
//
//	0..240        one byte, literal
//	241..2287     header 241..248 plus one byte
//	2288..67823   header 249 plus two bytes, big end first
//	larger        header 250..255 plus 3..8 little-endian bytes
func AppendVarInt(dst []byte, v uint64) []byte {
	switch {
	case v <= varIntOneByteMax:
		return append(dst, byte(v))
	case v <= varIntTwoByteMax:
		v -= varIntOneByteMax
		return append(dst, byte(241+v/256), byte(v%256))
	case v <= varIntThreeByteMax:
		v -= varIntTwoByteMax + 1
		return append(dst, 249, byte(v>>8), byte(v))
	}

	n := VarIntLen(v) - 1
	dst = append(dst, byte(247+n))
	for i := 0; i < n; i++ {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// DecodeVarInt decodes the VarInt starting at b[off]. It returns the value
// and the number of bytes consumed, or ErrTruncatedInput when b does not yet
// hold the whole encoding.
func DecodeVarInt(b []byte, off int) (uint64, int, error) {
	if off < 0 {
		return 0, 0, fmt.Errorf("%w: negative offset %d", ErrProtocol, off)
	}
	if off >= len(b) {
		return 0, 0, ErrTruncatedInput
	}

	h := b[off]
	rest := b[off+1:]
	switch {
	case h <= varIntOneByteMax:
		return uint64(h), 1, nil
	case h <= 248:
		if len(rest) < 1 {
			return 0, 0, ErrTruncatedInput
		}
		return varIntOneByteMax + 256*uint64(h-241) + uint64(rest[0]), 2, nil
	case h == 249:
		if len(rest) < 2 {
			return 0, 0, ErrTruncatedInput
		}
		return varIntTwoByteMax + 1 + 256*uint64(rest[0]) + uint64(rest[1]), 3, nil
	default:
		n := int(h) - 247
		if len(rest) < n {
			return 0, 0, ErrTruncatedInput
		}
		var v uint64
		for i := 0; i < n; i++ {
			v |= uint64(rest[i]) << (8 * i)
		}
		return v, n + 1, nil
	}
}

// EncodeZigZag maps signed values onto unsigned ones so that small
// magnitudes stay small: 0, -1, 1, -2, ... become 0, 1, 2, 3, ...
func EncodeZigZag(n int64) uint64 {
	return uint64(n<<1) ^ uint64(n>>63)
}

// DecodeZigZag inverts EncodeZigZag.
func DecodeZigZag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// EncodeFrame prepends the VarInt length of payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, VarIntLen(uint64(len(payload)))+len(payload)), payload)
}

// AppendFrame appends a length-prefixed frame holding payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", errors.Join(ErrProtocol, ErrFrameTooLarge), len(payload))
	}
	dst = AppendVarInt(dst, uint64(len(payload)))
	return append(dst, payload...), nil
}

// DecodeFrame decodes one frame from the front of b, returning the payload
// and the total number of bytes consumed.
func DecodeFrame(b []byte) ([]byte, int, error) {
	n, hdr, err := DecodeVarInt(b, 0)
	if err != nil {
		return nil, 0, err
	}
	if n > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: declared %d", errors.Join(ErrProtocol, ErrFrameTooLarge), n)
	}
	if uint64(len(b)-hdr) < n {
		return nil, 0, ErrTruncatedInput
	}
	end := hdr + int(n)
	return b[hdr:end], end, nil
}

// FrameDecoder reassembles frames from an accumulating byte stream.
//
// It is not safe for concurrent use; every Endpoint owns exactly one and
// only touches it from its own loop.
type FrameDecoder struct {
	buf      bytes.Buffer
	pending  uint64 // declared length of the next frame, 0 if not yet known
	maxFrame uint64
}

// NewFrameDecoder returns a decoder rejecting declared lengths above maxFrame.
// Values outside (0, MaxFrameSize] select MaxFrameSize.
func NewFrameDecoder(maxFrame int) *FrameDecoder {
	if maxFrame <= 0 || maxFrame > MaxFrameSize {
		maxFrame = MaxFrameSize
	}
	return &FrameDecoder{maxFrame: uint64(maxFrame)}
}

// Feed appends received bytes.
func (d *FrameDecoder) Feed(p []byte) {
	_, _ = d.buf.Write(p)
}

// Buffered returns the number of bytes held but not yet yielded.
func (d *FrameDecoder) Buffered() int { return d.buf.Len() }

// PendingFrameLength returns the declared length of the partially received
// frame, or 0 if no header has been decoded yet.
func (d *FrameDecoder) PendingFrameLength() uint64 { return d.pending }

// Next yields the next complete frame payload. ErrTruncatedInput means the
// caller should feed more bytes; nothing is consumed in that case except a
// fully decoded header. An oversized declared length is a protocol error.
func (d *FrameDecoder) Next() ([]byte, error) {
	if d.pending == 0 {
		n, hdr, err := DecodeVarInt(d.buf.Bytes(), 0)
		if err != nil {
			return nil, err
		}
		if n > d.maxFrame {
			return nil, fmt.Errorf("%w: declared %d, max %d", errors.Join(ErrProtocol, ErrFrameTooLarge), n, d.maxFrame)
		}
		d.buf.Next(hdr)
		if n == 0 {
			return []byte{}, nil
		}
		d.pending = n
	}

	if uint64(d.buf.Len()) < d.pending {
		return nil, ErrTruncatedInput
	}
	out := make([]byte, d.pending)
	copy(out, d.buf.Next(int(d.pending)))
	d.pending = 0
	return out, nil
}

// Reset drops all buffered state.
func (d *FrameDecoder) Reset() {
	d.buf.Reset()
	d.pending = 0
}

// appendInner wraps an application payload in the inner plaintext structure.
// A zero-length payload is a keep-alive ping.
func appendInner(dst, payload []byte) []byte {
	dst = AppendVarInt(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// decodeInner unwraps the inner plaintext structure. ping is true for
// keep-alives, which carry no payload.
func decodeInner(plaintext []byte) (payload []byte, ping bool, err error) {
	n, hdr, err := DecodeVarInt(plaintext, 0)
	if err != nil {
		// A sealed frame always holds a whole inner structure, so a short one
		// is a violation rather than a reason to wait.
		return nil, false, fmt.Errorf("%w: short inner header", ErrProtocol)
	}
	if uint64(len(plaintext)-hdr) != n {
		return nil, false, fmt.Errorf("%w: declared %d, have %d", errors.Join(ErrProtocol, ErrInnerLength), n, len(plaintext)-hdr)
	}
	if n == 0 {
		return nil, true, nil
	}
	return plaintext[hdr:], false, nil
}
