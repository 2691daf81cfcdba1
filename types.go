package websocket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/lxzan/websocket/internal"
)

// frameHeaderSize is the maximum size of a frame header: 2 fixed bytes, 8
// bytes of extended length, 4 bytes of mask key
const frameHeaderSize = 14

// Opcode frame operation code
type Opcode uint8

const (
	OpcodeContinuation    Opcode = 0x0
	OpcodeText            Opcode = 0x1
	OpcodeBinary          Opcode = 0x2
	OpcodeCloseConnection Opcode = 0x8
	OpcodePing            Opcode = 0x9
	OpcodePong            Opcode = 0xA
)

// isDataFrame checks if the opcode is a data frame
func (c Opcode) isDataFrame() bool {
	return c <= OpcodeBinary
}

// isControlFrame checks if the opcode is a control frame
func (c Opcode) isControlFrame() bool {
	return c >= OpcodeCloseConnection
}

// isKnown checks the opcode against the set defined by RFC6455; values 3-7
// and 11-15 are reserved and fail the connection on receipt
func (c Opcode) isKnown() bool {
	switch c {
	case OpcodeContinuation, OpcodeText, OpcodeBinary,
		OpcodeCloseConnection, OpcodePing, OpcodePong:
		return true
	default:
		return false
	}
}

var (
	// ErrHandshake the request header did not pass validation
	ErrHandshake = errors.New("websocket: handshake error")

	// ErrAcceptKey the Sec-WebSocket-Accept value returned by the server does
	// not match the challenge key
	ErrAcceptKey = errors.New("websocket: accept key mismatch")

	// ErrSubprotocolNegotiation the server selected a subprotocol the client
	// did not offer
	ErrSubprotocolNegotiation = errors.New("websocket: subprotocol negotiation failed")

	// ErrTextEncoding a text message was not valid UTF-8
	ErrTextEncoding = errors.New("websocket: invalid text encoding")

	// ErrMessageTooLarge the message exceeds the configured payload limit
	ErrMessageTooLarge = errors.New("websocket: message too large")

	// ErrConnClosed the connection is closed
	ErrConnClosed = net.ErrClosed

	// ErrUnsupportedProtocol the url scheme is not ws or wss, or a Broadcaster
	// was handed a client side connection
	ErrUnsupportedProtocol = errors.New("websocket: unsupported protocol")

	// ErrUnauthorized the request was rejected by ServerOption.Authorize
	ErrUnauthorized = errors.New("websocket: unauthorized")
)

// CloseError carries the close frame received from the peer
type CloseError struct {
	Code   uint16
	Reason []byte
}

func (c *CloseError) Error() string {
	return fmt.Sprintf("websocket: connection closed, code=%d, reason=%s", c.Code, string(c.Reason))
}

// UnexpectedMessageError reports a non-close frame that arrived during the
// closing handshake
type UnexpectedMessageError struct {
	Opcode  Opcode
	Payload []byte
}

func (c *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("websocket: unexpected message during close, opcode=%d", c.Opcode)
}

// Event websocket event handler
type Event interface {
	// OnOpen the connection was successfully established
	OnOpen(socket *Conn)

	// OnClose a close frame arrived from the peer, or the connection broke
	// during IO. In the former case err can be asserted as *CloseError.
	OnClose(socket *Conn, err error)

	// OnPing a ping frame arrived; the pong reply has already been sent,
	// unless writing it failed, in which case ReadLoop reports the ping here
	// after Receive delivered it as an OpcodePing message
	OnPing(socket *Conn, payload []byte)

	// OnPong a pong frame arrived
	OnPong(socket *Conn, payload []byte)

	// OnMessage a complete data message arrived
	OnMessage(socket *Conn, message *Message)
}

type BuiltinEventHandler struct{}

func (b BuiltinEventHandler) OnOpen(socket *Conn) {}

func (b BuiltinEventHandler) OnClose(socket *Conn, err error) {}

func (b BuiltinEventHandler) OnPing(socket *Conn, payload []byte) {}

func (b BuiltinEventHandler) OnPong(socket *Conn, payload []byte) {}

func (b BuiltinEventHandler) OnMessage(socket *Conn, message *Message) {}

// Message one logical application payload, reassembled from one or more
// frames
type Message struct {
	// Opcode is OpcodeText, OpcodeBinary, or OpcodeCloseConnection for the
	// close message surfaced by Receive; OpcodePing when a ping could not be
	// answered and is delivered to the caller instead
	Opcode Opcode

	// Data message payload; close reason for close messages
	Data *bytes.Buffer

	// Code close status, only meaningful when Opcode is OpcodeCloseConnection.
	// An empty close frame is surfaced as 1000.
	Code uint16

	// Rsv reserved header bits of the first frame; nonzero only when
	// PermitReservedBits is enabled
	Rsv uint8
}

func (c *Message) Bytes() []byte {
	return c.Data.Bytes()
}

// Close recycles the payload buffer; the message must not be used afterwards
func (c *Message) Close() {
	binaryPool.Put(c.Data)
	c.Data = nil
}

// continuationFrame holds the current partial message; at most one partial
// data message exists at a time
type continuationFrame struct {
	initialized bool
	opcode      Opcode
	rsv         uint8
	buffer      *bytes.Buffer
}

func (c *continuationFrame) reset() {
	c.initialized = false
	c.opcode = 0
	c.rsv = 0
	c.buffer = nil
}

type frameHeader [frameHeaderSize]byte

// GetFIN returns the value of the FIN bit
func (c *frameHeader) GetFIN() bool {
	return ((*c)[0] >> 7) == 1
}

// GetRSV1 returns the value of the RSV1 bit
func (c *frameHeader) GetRSV1() bool {
	return ((*c)[0] << 1 >> 7) == 1
}

// GetRSV2 returns the value of the RSV2 bit
func (c *frameHeader) GetRSV2() bool {
	return ((*c)[0] << 2 >> 7) == 1
}

// GetRSV3 returns the value of the RSV3 bit
func (c *frameHeader) GetRSV3() bool {
	return ((*c)[0] << 3 >> 7) == 1
}

// GetRSV returns the three reserved bits packed into the low bits
func (c *frameHeader) GetRSV() uint8 {
	return ((*c)[0] >> 4) & 0x07
}

// GetOpcode returns the opcode
func (c *frameHeader) GetOpcode() Opcode {
	return Opcode((*c)[0] << 4 >> 4)
}

// GetMask returns the value of the mask bit
func (c *frameHeader) GetMask() bool {
	return ((*c)[1] >> 7) == 1
}

// GetLengthCode returns the 7 bit length code
func (c *frameHeader) GetLengthCode() uint8 {
	return (*c)[1] << 1 >> 1
}

// GetMaskKey parses the mask key previously stored by Parse
func (c *frameHeader) GetMaskKey() []byte {
	return (*c)[10:14]
}

// SetFIN sets the FIN bit to 1
func (c *frameHeader) SetFIN() {
	(*c)[0] |= uint8(128)
}

// SetOpcode sets the opcode
func (c *frameHeader) SetOpcode(opcode Opcode) {
	(*c)[0] &= uint8(240)
	(*c)[0] += uint8(opcode)
}

// SetMask sets the mask bit to 1
func (c *frameHeader) SetMask() {
	(*c)[1] |= uint8(128)
}

// SetLength sets the frame length with minimal encoding and returns the
// number of extended length bytes
func (c *frameHeader) SetLength(n uint64) (offset int) {
	if n <= internal.ThresholdV1 {
		(*c)[1] += uint8(n)
		return 0
	} else if n <= internal.ThresholdV2 {
		(*c)[1] += 126
		binary.BigEndian.PutUint16((*c)[2:4], uint16(n))
		return 2
	} else {
		(*c)[1] += 127
		binary.BigEndian.PutUint64((*c)[2:10], n)
		return 8
	}
}

// SetMaskKey writes the mask key at offset bytes into the header
func (c *frameHeader) SetMaskKey(offset int, key [4]byte) {
	copy((*c)[offset:offset+4], key[0:])
}

// GenerateHeader assembles a frame header for writing. Servers never mask;
// clients always do, with a fresh unpredictable key per frame.
func (c *frameHeader) GenerateHeader(isServer bool, fin bool, opcode Opcode, length int) (headerLength int, maskBytes [4]byte) {
	headerLength = 2
	(*c)[0] = 0
	(*c)[1] = 0
	if fin {
		c.SetFIN()
	}
	c.SetOpcode(opcode)
	headerLength += c.SetLength(uint64(length))

	if !isServer {
		c.SetMask()
		maskBytes = internal.NewMaskKey()
		c.SetMaskKey(headerLength, maskBytes)
		headerLength += 4
	}
	return
}

// Parse reads a frame header incrementally: the 2 fixed bytes, then the
// extended length, then the mask key. io.EOF before the first byte means the
// stream ended cleanly between frames; the stream ending mid-header is an
// abnormal closure.
func (c *frameHeader) Parse(reader io.Reader) (int, error) {
	if err := internal.ReadN(reader, (*c)[0:2]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, internal.CloseAbnormalClosure
		}
		return 0, err
	}

	// past the fixed bytes, running out of input means the header was cut short
	var truncated = func(err error) error {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return internal.CloseAbnormalClosure
		}
		return err
	}

	var contentLength = 0
	var lengthCode = c.GetLengthCode()
	switch lengthCode {
	case 126:
		if err := internal.ReadN(reader, (*c)[2:4]); err != nil {
			return 0, truncated(err)
		}
		contentLength = int(binary.BigEndian.Uint16((*c)[2:4]))
	case 127:
		if err := internal.ReadN(reader, (*c)[2:10]); err != nil {
			return 0, truncated(err)
		}
		var n = binary.BigEndian.Uint64((*c)[2:10])
		// RFC6455: the most significant bit of the 64 bit length MUST be 0
		if n>>63 == 1 {
			return 0, internal.CloseProtocolError
		}
		contentLength = int(n)
	default:
		contentLength = int(lengthCode)
	}

	if c.GetMask() {
		if err := internal.ReadN(reader, (*c)[10:14]); err != nil {
			return 0, truncated(err)
		}
	}
	return contentLength, nil
}

// Logger the minimal logging surface used by the server accept loop and the
// panic recovery path
type Logger interface {
	Error(v ...any)
}

type stdLogger struct{}

func (c *stdLogger) Error(v ...any) {
	log.Println(v...)
}

var defaultLogger = new(stdLogger)

func setNoDelay(conn net.Conn) {
	switch v := conn.(type) {
	case *net.TCPConn:
		_ = v.SetNoDelay(false)
	default:
		if nc, ok := conn.(internal.NetConn); ok {
			setNoDelay(nc.NetConn())
		}
	}
}
