// Package core implements the wire protocol, RSA handshake, access control,
// and file-transfer engine of the configuration-management client-server
// protocol.
package core

import (
	"errors"
	"io"
)

// Frame header layout: one status byte, one space, a zero-padded decimal
// length field, and a null terminator. 16 bytes total.
const (
	headerLen    = 16
	lenFieldLen  = headerLen - 3 // 1 status byte + 1 space + 1 null terminator
	// MaxFrameLen is the largest payload length a single frame may carry.
	MaxFrameLen = 65400

	statusDone byte = 't'
	statusMore byte = 'm'
)

// ErrFrameTooLarge is returned by Send when the payload exceeds MaxFrameLen.
var ErrFrameTooLarge = errors.New("frame too large")

// Status indicates whether more frames follow this one.
type Status bool

const (
	// Done marks the final frame of a logical message.
	Done Status = false
	// More marks a frame with additional frames still to come.
	More Status = true
)

func (s Status) byte() byte {
	if s {
		return statusMore
	}
	return statusDone
}

// Send writes one frame of payload to conn with the given status. Oversize
// payloads fail fast with ErrFrameTooLarge before anything hits the wire.
func Send(w io.Writer, payload []byte, status Status) error {
	if len(payload) > MaxFrameLen {
		return NewProtoError(KindProtocolViolation, "frame.send", ErrFrameTooLarge)
	}
	header := formatHeader(status, len(payload))
	if _, err := w.Write(header); err != nil {
		return NewProtoError(KindTimeout, "frame.send", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return NewProtoError(KindTimeout, "frame.send", err)
	}
	return nil
}

// Recv reads one frame from r. It is an all-or-nothing operation: a partial
// header or payload read is reported as a protocol violation, the policy
// being to close the connection.
func Recv(r io.Reader) (payload []byte, more bool, err error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		kind := KindTimeout
		if errors.Is(err, io.ErrUnexpectedEOF) {
			kind = KindProtocolViolation
		}
		return nil, false, NewProtoError(kind, "frame.recv", err)
	}
	status, length, perr := parseHeader(header)
	if perr != nil {
		return nil, false, NewProtoError(KindProtocolViolation, "frame.recv", perr)
	}
	if length > MaxFrameLen {
		return nil, false, NewProtoError(KindProtocolViolation, "frame.recv", ErrFrameTooLarge)
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, false, NewProtoError(KindProtocolViolation, "frame.recv", err)
		}
	}
	return buf, status == statusMore, nil
}

func formatHeader(status Status, length int) []byte {
	header := make([]byte, headerLen)
	header[0] = status.byte()
	header[1] = ' '
	digits := itoaZeroPad(length, lenFieldLen)
	copy(header[2:2+lenFieldLen], digits)
	header[headerLen-1] = 0
	return header
}

func parseHeader(header []byte) (status byte, length int, err error) {
	if len(header) != headerLen {
		return 0, 0, errors.New("short header")
	}
	status = header[0]
	if status != statusDone && status != statusMore {
		return 0, 0, errors.New("bad status byte")
	}
	if header[1] != ' ' {
		return 0, 0, errors.New("missing length delimiter")
	}
	if header[headerLen-1] != 0 {
		return 0, 0, errors.New("missing null terminator")
	}
	length, err = atoiStrict(header[2 : headerLen-1])
	if err != nil {
		return 0, 0, err
	}
	if length < 0 {
		return 0, 0, errors.New("negative length")
	}
	return status, length, nil
}

func itoaZeroPad(n, width int) []byte {
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte('0' + n%10)
		n /= 10
	}
	return out
}

func atoiStrict(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c == ' ' {
			continue
		}
		if c < '0' || c > '9' {
			return 0, errors.New("non-digit length byte")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
