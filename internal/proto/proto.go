// Package proto implements the daemon's wire protocol: a fixed
// 4-byte header (opcode, body size) followed by a per-opcode body,
// little-endian throughout. Framing mirrors the length-prefixed style
// used elsewhere in the ecosystem for stream-socket multiplexers
// (binary.LittleEndian.PutUint16 straight into a byte slice, no
// reflection-based codec).
package proto

import (
	"encoding/binary"
	"fmt"
	"syscall"

	"github.com/seatd-go/seatd/internal/seaterr"
)

// HeaderSize is the fixed size of every message header.
const HeaderSize = 4

// Bounds from the wire format.
const (
	MaxSeatLen = 16
	MaxPathLen = 256
)

// Request opcodes (client → server).
const (
	OpOpenSeat      uint16 = 1
	OpCloseSeat     uint16 = 2
	OpOpenDevice    uint16 = 3
	OpCloseDevice   uint16 = 4
	OpSwitchSession uint16 = 5
	OpDisableSeat   uint16 = 6
	OpPing          uint16 = 7
)

// Response opcodes (server → client).
const (
	OpError           uint16 = 1
	OpSeatOpened      uint16 = 2
	OpSeatClosed      uint16 = 3
	OpDeviceOpened    uint16 = 4
	OpDeviceClosed    uint16 = 5
	OpSessionSwitched uint16 = 6
	OpSeatDisabled    uint16 = 7
	OpPong            uint16 = 8
)

// Server-initiated event opcodes, sharing the response opcode space.
const (
	OpEventDisableSeat uint16 = 9
	OpEventEnableSeat  uint16 = 10
)

// Header is the fixed leading portion of every message.
type Header struct {
	Opcode uint16
	Size   uint16 // bytes of body following the header
}

// EncodeHeader writes h as 4 little-endian bytes.
func EncodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.Opcode)
	binary.LittleEndian.PutUint16(buf[2:4], h.Size)
	return buf
}

// DecodeHeader reads a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrBadMessage
	}
	return Header{
		Opcode: binary.LittleEndian.Uint16(buf[0:2]),
		Size:   binary.LittleEndian.Uint16(buf[2:4]),
	}, nil
}

// ErrBadMessage is the sentinel body-decode error; callers should
// translate it (and any other decode error) into ERROR(EBADMSG) and
// kill the connection, per spec.
var ErrBadMessage = seaterr.New(syscall.EBADMSG)

// --- request bodies (client -> server) ---

// OpenDeviceRequest carries the device path to open.
type OpenDeviceRequest struct {
	Path string // without trailing NUL
}

// EncodeOpenDeviceRequest encodes path as uint16 length (including the
// trailing NUL) followed by the NUL-terminated bytes.
func EncodeOpenDeviceRequest(r OpenDeviceRequest) ([]byte, error) {
	if len(r.Path)+1 > MaxPathLen {
		return nil, fmt.Errorf("proto: path exceeds MAX_PATH_LEN: %w", ErrBadMessage)
	}
	body := make([]byte, 2+len(r.Path)+1)
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(r.Path)+1))
	copy(body[2:], r.Path)
	// body[2+len(r.Path)] left at zero: the trailing NUL.
	return body, nil
}

// DecodeOpenDeviceRequest parses an OPEN_DEVICE body.
func DecodeOpenDeviceRequest(body []byte) (OpenDeviceRequest, error) {
	if len(body) < 2 {
		return OpenDeviceRequest{}, ErrBadMessage
	}
	pathLen := int(binary.LittleEndian.Uint16(body[0:2]))
	if pathLen == 0 || pathLen > MaxPathLen {
		return OpenDeviceRequest{}, ErrBadMessage
	}
	if len(body) != 2+pathLen {
		return OpenDeviceRequest{}, ErrBadMessage
	}
	raw := body[2 : 2+pathLen]
	if raw[pathLen-1] != 0 {
		return OpenDeviceRequest{}, ErrBadMessage
	}
	return OpenDeviceRequest{Path: string(raw[:pathLen-1])}, nil
}

// CloseDeviceRequest identifies the device to close.
type CloseDeviceRequest struct {
	DeviceID int32
}

func EncodeCloseDeviceRequest(r CloseDeviceRequest) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(r.DeviceID))
	return body
}

func DecodeCloseDeviceRequest(body []byte) (CloseDeviceRequest, error) {
	if len(body) != 4 {
		return CloseDeviceRequest{}, ErrBadMessage
	}
	return CloseDeviceRequest{DeviceID: int32(binary.LittleEndian.Uint32(body))}, nil
}

// SwitchSessionRequest names the target VT/session number.
type SwitchSessionRequest struct {
	Session int32
}

func EncodeSwitchSessionRequest(r SwitchSessionRequest) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(r.Session))
	return body
}

func DecodeSwitchSessionRequest(body []byte) (SwitchSessionRequest, error) {
	if len(body) != 4 {
		return SwitchSessionRequest{}, ErrBadMessage
	}
	return SwitchSessionRequest{Session: int32(binary.LittleEndian.Uint32(body))}, nil
}

// The empty-bodied requests (OPEN_SEAT, CLOSE_SEAT, DISABLE_SEAT, PING)
// need no struct; DecodeEmpty validates a zero-length body.
func DecodeEmpty(body []byte) error {
	if len(body) != 0 {
		return ErrBadMessage
	}
	return nil
}

// --- response bodies (server -> client) ---

// ErrorResponse carries a POSIX errno.
type ErrorResponse struct {
	Errno int32
}

func EncodeErrorResponse(r ErrorResponse) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(r.Errno))
	return body
}

func DecodeErrorResponse(body []byte) (ErrorResponse, error) {
	if len(body) != 4 {
		return ErrorResponse{}, ErrBadMessage
	}
	return ErrorResponse{Errno: int32(binary.LittleEndian.Uint32(body))}, nil
}

// SeatOpenedResponse carries the assigned seat name.
type SeatOpenedResponse struct {
	Name string
}

func EncodeSeatOpenedResponse(r SeatOpenedResponse) ([]byte, error) {
	if len(r.Name)+1 > MaxSeatLen {
		return nil, fmt.Errorf("proto: seat name exceeds MAX_SEAT_LEN: %w", ErrBadMessage)
	}
	body := make([]byte, 2+len(r.Name)+1)
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(r.Name)+1))
	copy(body[2:], r.Name)
	return body, nil
}

func DecodeSeatOpenedResponse(body []byte) (SeatOpenedResponse, error) {
	if len(body) < 2 {
		return SeatOpenedResponse{}, ErrBadMessage
	}
	nameLen := int(binary.LittleEndian.Uint16(body[0:2]))
	if nameLen == 0 || nameLen > MaxSeatLen || len(body) != 2+nameLen {
		return SeatOpenedResponse{}, ErrBadMessage
	}
	raw := body[2 : 2+nameLen]
	if raw[nameLen-1] != 0 {
		return SeatOpenedResponse{}, ErrBadMessage
	}
	return SeatOpenedResponse{Name: string(raw[:nameLen-1])}, nil
}

// DeviceOpenedResponse carries the client-scoped device id; the
// associated fd travels as ancillary data alongside this body, not in
// it (see internal/connbuf).
type DeviceOpenedResponse struct {
	DeviceID int32
}

func EncodeDeviceOpenedResponse(r DeviceOpenedResponse) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(r.DeviceID))
	return body
}

func DecodeDeviceOpenedResponse(body []byte) (DeviceOpenedResponse, error) {
	if len(body) != 4 {
		return DeviceOpenedResponse{}, ErrBadMessage
	}
	return DeviceOpenedResponse{DeviceID: int32(binary.LittleEndian.Uint32(body))}, nil
}

// MinRequestBodySize reports the minimum legal body length for a request
// opcode, used to reject undersized frames before even attempting a
// decode (spec: "falls below the variable-sized minimum").
func MinRequestBodySize(opcode uint16) (int, bool) {
	switch opcode {
	case OpOpenSeat, OpCloseSeat, OpDisableSeat, OpPing:
		return 0, true
	case OpOpenDevice:
		return 2, true
	case OpCloseDevice:
		return 4, true
	case OpSwitchSession:
		return 4, true
	default:
		return 0, false
	}
}
