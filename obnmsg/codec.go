package obnmsg

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the wire schema version encoded into every frame.
const Version uint8 = 1

// headerLen is version + kind + time + node id + mask.
const headerLen = 1 + 1 + 8 + 4 + 8

// maxFrameLen bounds a single frame; anything larger is rejected before
// allocation.
const maxFrameLen = 1 << 20

// CodecReason classifies codec failures.
type CodecReason int

const (
	Truncated CodecReason = iota
	UnknownKind
	BadFields
)

func (r CodecReason) String() string {
	switch r {
	case Truncated:
		return "truncated"
	case UnknownKind:
		return "unknown kind"
	case BadFields:
		return "bad fields"
	}
	return fmt.Sprintf("CodecReason(%d)", int(r))
}

// CodecError is returned for any malformed frame.
type CodecError struct {
	Reason CodecReason
	Detail string
}

func (e *CodecError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("obnmsg: %s frame", e.Reason)
	}
	return fmt.Sprintf("obnmsg: %s frame: %s", e.Reason, e.Detail)
}

func codecErr(reason CodecReason, format string, args ...any) error {
	return &CodecError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Marshal encodes a frame body without the length prefix. All integers are
// little-endian.
func Marshal(f *Frame) ([]byte, error) {
	buf := make([]byte, 0, headerLen+16)
	buf = append(buf, Version, byte(f.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(f.Time))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.NodeID))
	buf = binary.LittleEndian.AppendUint64(buf, f.Mask)

	switch f.Kind {
	case KindInit:
		p := f.Init
		if p == nil {
			return nil, codecErr(BadFields, "SIM_INIT without payload")
		}
		buf = binary.LittleEndian.AppendUint64(buf, p.TimeUnit)
		if len(p.Blocks) > 0xFFFF {
			return nil, codecErr(BadFields, "block catalog too large: %d", len(p.Blocks))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Blocks)))
		for _, b := range p.Blocks {
			buf = binary.LittleEndian.AppendUint16(buf, b.LocalID)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(b.Period))
		}
	case KindY, KindX, KindTerm:
		// Mask and time in the header are the whole message.
	case KindAck:
		p := f.Ack
		if p == nil {
			return nil, codecErr(BadFields, "SIM_ACK without payload")
		}
		buf = append(buf, byte(p.Acked))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Status))
		if p.NextEvent != nil {
			buf = append(buf, 1)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(p.NextEvent.Time))
			buf = binary.LittleEndian.AppendUint64(buf, p.NextEvent.Mask)
		} else {
			buf = append(buf, 0)
		}
	case KindEvent:
		p := f.Event
		if p == nil {
			return nil, codecErr(BadFields, "SIM_EVENT without payload")
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Time))
	case KindError:
		p := f.Error
		if p == nil {
			return nil, codecErr(BadFields, "SIM_ERROR without payload")
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Code))
		var err error
		if buf, err = appendString(buf, p.Message); err != nil {
			return nil, err
		}
	case KindSysOpenPort:
		p := f.Sys
		if p == nil {
			return nil, codecErr(BadFields, "SYS_OPENPORT without payload")
		}
		var err error
		if buf, err = appendString(buf, p.Port); err != nil {
			return nil, err
		}
	case KindSysRequestConnect:
		p := f.Sys
		if p == nil {
			return nil, codecErr(BadFields, "SYS_REQUEST_CONNECT without payload")
		}
		var err error
		if buf, err = appendString(buf, p.Port); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, p.Target); err != nil {
			return nil, err
		}
		if len(p.Blocks) > 0xFFFF {
			return nil, codecErr(BadFields, "block catalog too large: %d", len(p.Blocks))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Blocks)))
		for _, b := range p.Blocks {
			buf = binary.LittleEndian.AppendUint16(buf, b.LocalID)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(b.Period))
		}
	default:
		return nil, codecErr(UnknownKind, "%d", uint8(f.Kind))
	}

	return buf, nil
}

// Unmarshal decodes a frame body produced by Marshal. It guarantees
// round-trip fidelity for all fields and rejects trailing garbage.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) < headerLen {
		return nil, codecErr(Truncated, "%d bytes, header needs %d", len(data), headerLen)
	}
	if data[0] != Version {
		return nil, codecErr(BadFields, "version %d, want %d", data[0], Version)
	}
	f := &Frame{
		Kind:   Kind(data[1]),
		Time:   int64(binary.LittleEndian.Uint64(data[2:])),
		NodeID: int32(binary.LittleEndian.Uint32(data[10:])),
		Mask:   binary.LittleEndian.Uint64(data[14:]),
	}
	r := reader{buf: data[headerLen:]}

	switch f.Kind {
	case KindInit:
		p := &InitPayload{}
		p.TimeUnit = r.uint64()
		n := int(r.uint16())
		for i := 0; i < n && r.err == nil; i++ {
			p.Blocks = append(p.Blocks, BlockSpec{
				LocalID: r.uint16(),
				Period:  int64(r.uint64()),
			})
		}
		f.Init = p
	case KindY, KindX, KindTerm:
	case KindAck:
		p := &AckPayload{}
		p.Acked = Kind(r.byte())
		p.Status = Status(r.uint32())
		if r.byte() != 0 {
			p.NextEvent = &EventRequest{
				Time: int64(r.uint64()),
				Mask: r.uint64(),
			}
		}
		f.Ack = p
	case KindEvent:
		f.Event = &EventPayload{Time: int64(r.uint64())}
	case KindError:
		p := &ErrorPayload{}
		p.Code = int32(r.uint32())
		p.Message = r.string()
		f.Error = p
	case KindSysOpenPort:
		f.Sys = &SysPayload{Port: r.string()}
	case KindSysRequestConnect:
		p := &SysPayload{Port: r.string(), Target: r.string()}
		n := int(r.uint16())
		for i := 0; i < n && r.err == nil; i++ {
			p.Blocks = append(p.Blocks, BlockSpec{
				LocalID: r.uint16(),
				Period:  int64(r.uint64()),
			})
		}
		f.Sys = p
	default:
		return nil, codecErr(UnknownKind, "%d", data[1])
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, codecErr(BadFields, "%d trailing bytes after %s", len(r.buf), f.Kind)
	}
	return f, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := Marshal(f)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > maxFrameLen {
		return nil, codecErr(BadFields, "frame length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, codecErr(Truncated, "frame body: want %d bytes", n)
		}
		return nil, err
	}
	return Unmarshal(body)
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > 0xFFFF {
		return nil, codecErr(BadFields, "string field too long: %d", len(s))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader is a cursor over a frame body; the first failure sticks.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = codecErr(Truncated, "want %d more bytes, have %d", n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) string() string {
	n := int(r.uint16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}
