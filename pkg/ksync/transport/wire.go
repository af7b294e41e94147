// Package transport implements the wire-level request/response
// demultiplexer: sequence-number allocation and matching, a bounded
// in-flight window, and the three concrete transport variants
// (netlink datagram, UDP loopback, TCP/UNIX stream) that share one
// Conn contract (SendTo/Receive/Family/MaxFrameLen/Close).
//
// Per-object request encoding is deliberately out of scope (spec §1
// treats it as an opaque byte buffer); this package only owns the
// generic-netlink-style framing header that wraps whatever an entry
// type's EncodeAdd/EncodeChange/EncodeDelete produced.
package transport

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed size of the framing header prefixed to every
// request and response frame: length, family, command, flags, seqno.
const HeaderLen = 12

const flagMoreData = 1 << 0

// Header is the generic-netlink-style header described in §6.
type Header struct {
	Length  uint32 // total frame length, including the header itself
	Family  uint16
	Command uint8
	Flags   uint8
	Seqno   uint32
}

// MoreData reports whether the "more" flag is set — the response has
// additional segments following.
func (h Header) MoreData() bool { return h.Flags&flagMoreData != 0 }

// EncodeFrame prepends a Header to payload and returns the complete
// wire frame.
func EncodeFrame(family uint16, command uint8, seqno uint32, more bool, payload []byte) []byte {
	frame := make([]byte, HeaderLen+len(payload))
	var flags uint8
	if more {
		flags = flagMoreData
	}
	binary.BigEndian.PutUint32(frame[0:4], uint32(HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(frame[4:6], family)
	frame[6] = command
	frame[7] = flags
	binary.BigEndian.PutUint32(frame[8:12], seqno)
	copy(frame[HeaderLen:], payload)
	return frame
}

// DecodeHeader parses the framing header from the front of frame. It
// is a protocol framing error — fatal per §7 — if frame is shorter
// than HeaderLen or its declared length does not match len(frame).
func DecodeHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderLen {
		return Header{}, nil, fmt.Errorf("transport: frame of %d bytes shorter than header (%d)", len(frame), HeaderLen)
	}
	h := Header{
		Length:  binary.BigEndian.Uint32(frame[0:4]),
		Family:  binary.BigEndian.Uint16(frame[4:6]),
		Command: frame[6],
		Flags:   frame[7],
		Seqno:   binary.BigEndian.Uint32(frame[8:12]),
	}
	if int(h.Length) != len(frame) {
		return Header{}, nil, fmt.Errorf("transport: header declares length %d, frame is %d bytes", h.Length, len(frame))
	}
	return h, frame[HeaderLen:], nil
}

// ValidateHeader checks family and length ceiling; the command byte is
// not checked. expectedFamily
// of 0 skips the family check (used by variants that resolve the
// family id lazily, e.g. genetlink).
func ValidateHeader(h Header, expectedFamily uint16, maxLen uint32) error {
	if expectedFamily != 0 && h.Family != expectedFamily {
		return fmt.Errorf("transport: unexpected family %d (want %d)", h.Family, expectedFamily)
	}
	if h.Length > maxLen {
		return fmt.Errorf("transport: frame length %d exceeds ceiling %d", h.Length, maxLen)
	}
	return nil
}
