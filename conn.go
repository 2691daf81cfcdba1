package websocket

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lxzan/websocket/internal"
)

// connection lifecycle; the endpoint walks these states exactly once and ends
// in stateClosed, at which point reads and writes fail with ErrConnClosed
const (
	stateOpen uint32 = iota

	// our close frame is on the wire, the peer's reply is outstanding; reads
	// keep draining, data writes fail
	stateSentClose

	// the peer's close frame arrived while we were still open; transient, the
	// echo moves straight on to stateClosed
	stateReceivedClose

	stateClosed
)

type Conn struct {
	// store session information
	ss SessionStorage
	// distinguish server/client side
	isServer bool
	// the negotiated subprotocol, empty if none matched
	subprotocol string
	// tcp/tls connection
	conn net.Conn
	// runtime configuration
	config *Config
	// read buffer
	br *bufio.Reader
	// frame header for read
	fh frameHeader
	// websocket event handler
	handler Event
	// continuation frame
	continuationFrame continuationFrame
	// write lock, held across whole messages
	mu sync.Mutex
	// lifecycle state, updated with CAS
	state uint32
	// async write task queue, concurrency 1
	writeQueue *workerQueue
}

func serveWebSocket(isServer bool, config *Config, session SessionStorage, netConn net.Conn, br *bufio.Reader, handler Event, subprotocol string) *Conn {
	c := &Conn{
		ss:          session,
		isServer:    isServer,
		subprotocol: subprotocol,
		conn:        netConn,
		config:      config,
		br:          br,
		fh:          frameHeader{},
		handler:     handler,
		state:       stateOpen,
		writeQueue:  newWorkerQueue(1),
	}
	setNoDelay(netConn)
	return c
}

// isWritable data frames may only be sent while fully open
func (c *Conn) isWritable() bool {
	return atomic.LoadUint32(&c.state) == stateOpen
}

func (c *Conn) isClosed() bool {
	return atomic.LoadUint32(&c.state) == stateClosed
}

// closeUnderlying tears the transport down once the websocket is finished
// with it; with RetainNetConn the caller keeps the net.Conn
func (c *Conn) closeUnderlying() {
	if !c.config.RetainNetConn {
		_ = c.conn.Close()
	}
}

// emitError fails the connection: best effort close frame carrying the error
// code, then teardown. The first failure wins; later calls are no-ops.
func (c *Conn) emitError(err error) {
	if err == nil || errors.Is(err, ErrConnClosed) {
		return
	}

	var responseCode = internal.CloseAbnormalClosure
	switch v := err.(type) {
	case internal.StatusCode:
		responseCode = v
	case *internal.Error:
		responseCode = v.Code
	}

	for {
		state := atomic.LoadUint32(&c.state)
		if state == stateClosed {
			return
		}
		if atomic.CompareAndSwapUint32(&c.state, state, stateClosed) {
			break
		}
	}

	var content = responseCode.Bytes()
	content = append(content, err.Error()...)
	if len(content) > internal.ThresholdV1 {
		content = content[:internal.ThresholdV1]
	}
	_ = c.writeFrame(OpcodeCloseConnection, internal.Bytes(content))
	c.closeUnderlying()
}

// WriteClose sends a close frame and transitions to stateSentClose; the
// connection is torn down when the peer's close arrives. If the connection is
// no longer open (a close was already sent, or the peer's close was already
// echoed), it sends nothing and returns ErrConnClosed. If you don't have
// special needs, we recommend code=1000,
// reason=nil. Use Close to run the full closing handshake synchronously.
func (c *Conn) WriteClose(code uint16, reason []byte) error {
	if !atomic.CompareAndSwapUint32(&c.state, stateOpen, stateSentClose) {
		return ErrConnClosed
	}
	code = internal.SelectValue(code < 1000, 1000, code)
	if len(reason) > internal.ThresholdV1-2 {
		reason = reason[:internal.ThresholdV1-2]
	}
	var content = internal.StatusCode(code).Bytes()
	content = append(content, reason...)
	return c.writeFrame(OpcodeCloseConnection, internal.Bytes(content))
}

// Close runs the closing handshake: send a close frame, then drain incoming
// frames until the peer's close arrives, then release the transport. A data
// frame arriving after our close was sent fails with
// *UnexpectedMessageError. Calling Close on a closed connection is a no-op.
func (c *Conn) Close(code uint16, reason []byte) error {
	switch atomic.LoadUint32(&c.state) {
	case stateClosed:
		return nil
	case stateOpen:
		// a send failure means the output is gone; keep draining anyway
		_ = c.WriteClose(code, reason)
	}

	var err = c.waitClose()
	c.closeUnderlying()
	return err
}

// waitClose discards incoming frames until the peer's close frame; control
// frames may legally arrive before it and are dropped silently
func (c *Conn) waitClose() error {
	for atomic.LoadUint32(&c.state) == stateSentClose {
		contentLength, err := c.fh.Parse(c.br)
		if err != nil {
			atomic.StoreUint32(&c.state, stateClosed)
			return err
		}

		var opcode = c.fh.GetOpcode()
		var payload = make([]byte, contentLength)
		if err := internal.ReadN(c.br, payload); err != nil {
			atomic.StoreUint32(&c.state, stateClosed)
			return err
		}

		switch opcode {
		case OpcodeCloseConnection:
			atomic.StoreUint32(&c.state, stateClosed)
			return nil
		case OpcodePing, OpcodePong:
		default:
			atomic.StoreUint32(&c.state, stateClosed)
			if c.fh.GetMask() {
				internal.MaskXOR(payload, c.fh.GetMaskKey())
			}
			return &UnexpectedMessageError{Opcode: opcode, Payload: payload}
		}
	}
	return nil
}

// handleClose processes a close frame from the peer: validate it, echo it if
// we had not closed yet, surface it as a message
func (c *Conn) handleClose(payload []byte) (*Message, error) {
	var realCode = internal.CloseNormalClosure.Uint16()
	var responseCode = internal.CloseNormalClosure
	var reason []byte

	switch len(payload) {
	case 0:
		// no status, RFC treats it as 1005; surfaced to the caller as 1000
	case 1:
		return nil, internal.CloseProtocolError
	default:
		realCode = uint16(payload[0])<<8 | uint16(payload[1])
		reason = payload[2:]
		// RFC6455: 1000-1011 minus the reserved 1004/1005/1006, and the
		// registered/private range 3000-4999; everything else fails the
		// connection
		switch realCode {
		case 1004, 1005, 1006:
			return nil, internal.CloseProtocolError
		default:
			if realCode < 1000 || realCode >= 5000 || (realCode > 1011 && realCode < 3000) {
				return nil, internal.CloseProtocolError
			}
			responseCode = internal.StatusCode(realCode)
		}
		if !internal.CheckEncoding(!c.config.SkipUtf8Check, uint8(OpcodeCloseConnection), reason) {
			return nil, internal.NewError(internal.CloseUnsupportedData, ErrTextEncoding)
		}
	}

	if atomic.CompareAndSwapUint32(&c.state, stateOpen, stateReceivedClose) {
		// echo once, then the connection is finished
		_ = c.writeFrame(OpcodeCloseConnection, internal.Bytes(responseCode.Bytes()))
		atomic.StoreUint32(&c.state, stateClosed)
		c.closeUnderlying()
	} else if atomic.CompareAndSwapUint32(&c.state, stateSentClose, stateClosed) {
		c.closeUnderlying()
	}

	var buf = binaryPool.Get(len(reason))
	buf.Write(reason)
	return &Message{Opcode: OpcodeCloseConnection, Code: realCode, Data: buf}, nil
}

// Subprotocol returns the negotiated subprotocol, empty if none
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// IsServer reports whether the endpoint runs in server mode
func (c *Conn) IsServer() bool {
	return c.isServer
}

// Session returns the session storage attached to the connection
func (c *Conn) Session() SessionStorage {
	return c.ss
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// NetConn returns the underlying tcp/tls/... connection
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// SetDeadline sets the read and write deadline on the underlying connection;
// interrupting a blocked read or write surfaces as an IO error and closes the
// endpoint
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
