// Package wire implements the on-wire framing shared by the signal server
// and the peer agent: the rendezvous ADD/GET protocol and the peer-to-peer
// HOLEPUNCH/data demultiplex.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Opcode identifies the purpose of a datagram sent to the signal server.
type Opcode byte

const (
	// OpAdd publishes or refreshes a contact frame under its nickname.
	OpAdd Opcode = 0x01

	// OpGet requests the current set of contact frames.
	OpGet Opcode = 0x02
)

// BufferSize is the maximum size of any datagram exchanged by either role.
const BufferSize = 1024

// Terminator is sent as its own datagram to mark the end of a GET response.
var Terminator = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}

// HolepunchMagic prefixes every peer-to-peer HOLEPUNCH datagram.
var HolepunchMagic = [4]byte{0x11, 0x11, 0x11, 0x11}

// ErrFrameTooLarge is returned when an ADD body's declared length does not
// fit the protocol's size bound.
var ErrFrameTooLarge = fmt.Errorf("wire: frame length out of range")

// EncodeAdd builds an ADD datagram for the given contact frame.
func EncodeAdd(frame []byte) ([]byte, error) {
	if len(frame) == 0 || len(frame) >= BufferSize-3 {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 3+len(frame))
	buf[0] = byte(OpAdd)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(frame)))
	copy(buf[3:], frame)
	return buf, nil
}

// EncodeGet builds a GET datagram.
func EncodeGet() []byte {
	return []byte{byte(OpGet)}
}

// DecodeAdd parses an ADD datagram body (the bytes after the opcode).
// It returns the frame and the nickname derived from its NUL-terminated
// (or datagram-terminated) ASCII prefix.
func DecodeAdd(body []byte) (frame []byte, nickname string, err error) {
	if len(body) < 2 {
		return nil, "", fmt.Errorf("wire: ADD body too short")
	}
	length := int(binary.BigEndian.Uint16(body[0:2]))
	if length == 0 || length >= BufferSize-3 {
		return nil, "", ErrFrameTooLarge
	}
	if len(body) < 2+length {
		return nil, "", fmt.Errorf("wire: ADD body shorter than declared length")
	}
	frame = body[2 : 2+length]
	nickname = NulPrefix(frame)
	return frame, nickname, nil
}

// NulPrefix returns the ASCII prefix of buf up to the first 0x00 byte, or
// the full buffer if no NUL is present.
func NulPrefix(buf []byte) string {
	if i := bytes.IndexByte(buf, 0x00); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}

// FrameWriter packs length-prefixed frames into GET response datagrams,
// flushing a new datagram whenever the next entry would exceed BufferSize.
type FrameWriter struct {
	flush   func([]byte) error
	current []byte
}

// NewFrameWriter returns a FrameWriter that calls flush for each datagram
// it produces.
func NewFrameWriter(flush func([]byte) error) *FrameWriter {
	return &FrameWriter{flush: flush}
}

// Put appends a length-prefixed frame, flushing the current datagram first
// if it would overflow BufferSize.
func (w *FrameWriter) Put(frame []byte) error {
	if len(w.current)+2+len(frame) > BufferSize {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(frame)))
	w.current = append(w.current, hdr[:]...)
	w.current = append(w.current, frame...)
	return nil
}

// Flush sends any buffered datagram and resets the writer.
func (w *FrameWriter) Flush() error {
	if len(w.current) == 0 {
		return nil
	}
	buf := w.current
	w.current = nil
	return w.flush(buf)
}

// DecodeFrames parses a concatenation of {len_hi len_lo frame[len]} entries,
// as produced by FrameWriter, and returns each frame in order.
func DecodeFrames(buf []byte) ([][]byte, error) {
	var out [][]byte
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, fmt.Errorf("wire: truncated frame header")
		}
		length := int(binary.BigEndian.Uint16(buf[0:2]))
		if len(buf) < 2+length {
			return nil, fmt.Errorf("wire: truncated frame body")
		}
		out = append(out, buf[2:2+length])
		buf = buf[2+length:]
	}
	return out, nil
}

// IsTerminator reports whether buf is the four-byte GET terminator.
func IsTerminator(buf []byte) bool {
	return len(buf) == 4 && bytes.Equal(buf, Terminator[:])
}

// EncodeHolepunch builds a HOLEPUNCH datagram carrying the sender's
// nickname. The nickname is not length-prefixed; the reader stops at the
// first NUL or the end of the datagram.
func EncodeHolepunch(nickname string) []byte {
	buf := make([]byte, 4+len(nickname))
	copy(buf, HolepunchMagic[:])
	copy(buf[4:], nickname)
	return buf
}

// IsHolepunch reports whether buf begins with the HOLEPUNCH magic prefix.
func IsHolepunch(buf []byte) bool {
	return len(buf) >= 4 && bytes.Equal(buf[:4], HolepunchMagic[:])
}

// DecodeHolepunch extracts the sender's nickname from a HOLEPUNCH datagram.
// Callers must first confirm IsHolepunch(buf).
func DecodeHolepunch(buf []byte) string {
	return NulPrefix(buf[4:])
}
