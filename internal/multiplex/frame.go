package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is written into every frame header. Stream 0 control frames are
// accepted regardless of version so that a mismatched peer can still say hello.
const ProtocolVersion uint8 = 1

const (
	frameHeaderLength = 14

	DefaultMaxFramePayload = 16 << 20
)

type Flag uint8

const (
	FlagEndStream Flag = 1 << iota
	FlagCreditUpdate
	FlagControl
	FlagReset

	knownFlags = FlagEndStream | FlagCreditUpdate | FlagControl | FlagReset
)

func (f Flag) String() string {
	if f == 0 {
		return "DATA"
	}
	var s string
	for _, n := range []struct {
		bit  Flag
		name string
	}{{FlagEndStream, "END"}, {FlagCreditUpdate, "CREDIT"}, {FlagControl, "CONTROL"}, {FlagReset, "RESET"}} {
		if f&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if f&^knownFlags != 0 {
		s += fmt.Sprintf("|0x%02x", uint8(f&^knownFlags))
	}
	return s
}

var ErrFrameTooLarge = errors.New("frame payload exceeds the maximum frame size")
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the smallest unit on the wire.
//
// Header layout, all big endian:
//
//	stream_id u32 | length u32 | flags u8 | version u8 | seq u32
type Frame struct {
	StreamID uint32
	Seq      uint32
	Flags    Flag
	Version  uint8
	Payload  []byte
}

func (f *Frame) has(flag Flag) bool { return f.Flags&flag != 0 }

func (f *Frame) validate() error {
	if f.Flags&^knownFlags != 0 {
		return fmt.Errorf("%w: unknown flags %v", ErrMalformedFrame, f.Flags)
	}
	if f.has(FlagCreditUpdate) && (f.Flags != FlagCreditUpdate || len(f.Payload) != 4) {
		return fmt.Errorf("%w: credit update must stand alone with a 4 byte payload", ErrMalformedFrame)
	}
	if f.has(FlagReset) && (f.Flags != FlagReset || len(f.Payload) != 1) {
		return fmt.Errorf("%w: reset must stand alone with a 1 byte code", ErrMalformedFrame)
	}
	if f.has(FlagControl) && f.StreamID != 0 {
		return fmt.Errorf("%w: control flag on stream %v", ErrMalformedFrame, f.StreamID)
	}
	if f.StreamID == 0 && !f.has(FlagControl) && !f.has(FlagCreditUpdate) {
		return fmt.Errorf("%w: stream 0 carries only control and credit frames", ErrMalformedFrame)
	}
	return nil
}

// Codec turns frames into bytes and back. The zero value uses DefaultMaxFramePayload.
type Codec struct {
	MaxPayload uint32
}

func (c Codec) max() uint32 {
	if c.MaxPayload == 0 {
		return DefaultMaxFramePayload
	}
	return c.MaxPayload
}

// Encode serialises f. It fails only if the payload is over the limit or the
// flag combination is one the decoder would reject.
func (c Codec) Encode(f *Frame) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(c.max()) {
		return nil, ErrFrameTooLarge
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, frameHeaderLength+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.StreamID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(f.Payload)))
	buf[8] = uint8(f.Flags)
	buf[9] = f.Version
	binary.BigEndian.PutUint32(buf[10:14], f.Seq)
	copy(buf[frameHeaderLength:], f.Payload)
	return buf, nil
}

// Decode reads one frame from the front of buf. A nil frame with a nil error
// means buf does not yet hold a whole frame and nothing was consumed. The
// returned frame does not alias buf.
func (c Codec) Decode(buf []byte) (f *Frame, consumed int, err error) {
	if len(buf) < frameHeaderLength {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	if length > c.max() {
		return nil, 0, ErrFrameTooLarge
	}
	total := frameHeaderLength + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	f = &Frame{
		StreamID: binary.BigEndian.Uint32(buf[0:4]),
		Flags:    Flag(buf[8]),
		Version:  buf[9],
		Seq:      binary.BigEndian.Uint32(buf[10:14]),
		Payload:  make([]byte, length),
	}
	copy(f.Payload, buf[frameHeaderLength:total])
	if err = f.validate(); err != nil {
		return nil, 0, err
	}
	return f, total, nil
}

const frameReaderChunk = 32 << 10

// FrameReader decodes frames off an io.Reader, whatever granularity the reads come in.
type FrameReader struct {
	r     io.Reader
	codec Codec
	buf   []byte
	chunk []byte
}

func NewFrameReader(r io.Reader, codec Codec) *FrameReader {
	return &FrameReader{r: r, codec: codec, chunk: make([]byte, frameReaderChunk)}
}

// Next blocks until a whole frame has been read. If the reader ends in the
// middle of a frame, io.ErrUnexpectedEOF is returned.
func (fr *FrameReader) Next() (*Frame, error) {
	for {
		f, n, err := fr.codec.Decode(fr.buf)
		if err != nil {
			return nil, err
		}
		if f != nil {
			fr.buf = append(fr.buf[:0], fr.buf[n:]...)
			return f, nil
		}
		i, err := fr.r.Read(fr.chunk)
		fr.buf = append(fr.buf, fr.chunk[:i]...)
		if err != nil {
			if i > 0 {
				// let the decoder look at what arrived with the error first
				if f, n, derr := fr.codec.Decode(fr.buf); derr == nil && f != nil {
					fr.buf = append(fr.buf[:0], fr.buf[n:]...)
					return f, nil
				}
			}
			if err == io.EOF && len(fr.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
