package websocket

import (
	"fmt"
	"unsafe"

	"github.com/lxzan/websocket/internal"
)

func (c *Conn) isTextValid(opcode Opcode, payload []byte) bool {
	return internal.CheckEncoding(!c.config.SkipUtf8Check, uint8(opcode), payload)
}

func (c *Conn) checkMask(enabled bool) error {
	// RFC6455: all frames sent from client to server must be masked, and
	// frames sent from server to client must not be
	if (c.isServer && !enabled) || (!c.isServer && enabled) {
		return internal.CloseProtocolError
	}
	return nil
}

// readControl handles a control frame between data fragments; the partial
// message, if any, is preserved
func (c *Conn) readControl() (*Message, error) {
	// RFC6455: control frames themselves MUST NOT be fragmented
	if !c.fh.GetFIN() {
		return nil, internal.CloseProtocolError
	}

	// RFC6455: all control frames MUST have a payload length of 125 bytes or
	// fewer
	var n = c.fh.GetLengthCode()
	if n > internal.ThresholdV1 {
		return nil, internal.CloseProtocolError
	}

	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if err := internal.ReadN(c.br, payload); err != nil {
			return nil, err
		}
		if c.fh.GetMask() {
			internal.MaskXOR(payload, c.fh.GetMaskKey())
		}
	}

	switch opcode := c.fh.GetOpcode(); opcode {
	case OpcodePing:
		// answer before any further application message may begin; if the
		// output is gone the ping is handed to the caller instead
		if err := c.WritePong(payload); err != nil {
			var buf = binaryPool.Get(len(payload))
			buf.Write(payload)
			return &Message{Opcode: OpcodePing, Data: buf}, nil
		}
		c.handler.OnPing(c, payload)
		return nil, nil
	case OpcodePong:
		c.handler.OnPong(c, payload)
		return nil, nil
	case OpcodeCloseConnection:
		return c.handleClose(payload)
	default:
		var err = fmt.Errorf("websocket: unexpected opcode %d", opcode)
		return nil, internal.NewError(internal.CloseProtocolError, err)
	}
}

// readMessage reads one frame and advances the assembler. A nil message with
// a nil error means the frame was consumed without completing a message.
func (c *Conn) readMessage() (*Message, error) {
	contentLength, err := c.fh.Parse(c.br)
	if err != nil {
		return nil, err
	}
	if contentLength > c.config.ReadMaxPayloadSize {
		return nil, internal.CloseMessageTooLarge
	}

	var opcode = c.fh.GetOpcode()
	if !opcode.isKnown() {
		return nil, internal.NewError(internal.CloseProtocolError, fmt.Errorf("websocket: reserved opcode %d", opcode))
	}

	// RSV1, RSV2, RSV3 must be 0 unless an extension defining them was
	// negotiated; no extension is, so receipt fails the connection unless the
	// application opted out of strict mode
	var rsv = c.fh.GetRSV()
	if rsv != 0 && !c.config.PermitReservedBits {
		return nil, internal.CloseProtocolError
	}

	var maskEnabled = c.fh.GetMask()
	if err := c.checkMask(maskEnabled); err != nil {
		return nil, err
	}

	if !opcode.isDataFrame() {
		return c.readControl()
	}

	var fin = c.fh.GetFIN()
	var buf = binaryPool.Get(contentLength)
	var p = buf.Bytes()[:contentLength]

	if err := internal.ReadN(c.br, p); err != nil {
		binaryPool.Put(buf)
		return nil, err
	}
	if maskEnabled {
		internal.MaskXOR(p, c.fh.GetMaskKey())
	}

	// a new data opcode while a partial message is in progress, or a
	// continuation with nothing to continue, is a protocol error
	if opcode != OpcodeContinuation && c.continuationFrame.initialized {
		binaryPool.Put(buf)
		return nil, internal.CloseProtocolError
	}

	if fin && opcode != OpcodeContinuation {
		*(*[]byte)(unsafe.Pointer(buf)) = p
		return c.emitMessage(&Message{Opcode: opcode, Data: buf, Rsv: rsv})
	}

	if !fin && opcode != OpcodeContinuation {
		c.continuationFrame.initialized = true
		c.continuationFrame.opcode = opcode
		c.continuationFrame.rsv = rsv
		c.continuationFrame.buffer = binaryPool.Get(contentLength)
	}

	if !c.continuationFrame.initialized {
		binaryPool.Put(buf)
		return nil, internal.CloseProtocolError
	}

	c.continuationFrame.buffer.Write(p)
	binaryPool.Put(buf)
	if c.continuationFrame.buffer.Len() > c.config.ReadMaxPayloadSize {
		return nil, internal.CloseMessageTooLarge
	}
	if !fin {
		return nil, nil
	}

	msg := &Message{Opcode: c.continuationFrame.opcode, Data: c.continuationFrame.buffer, Rsv: c.continuationFrame.rsv}
	c.continuationFrame.reset()
	return c.emitMessage(msg)
}

// emitMessage validates a reassembled message; text is checked at message
// boundary, never per fragment
func (c *Conn) emitMessage(msg *Message) (*Message, error) {
	if !c.isTextValid(msg.Opcode, msg.Bytes()) {
		msg.Close()
		return nil, internal.NewError(internal.CloseUnsupportedData, ErrTextEncoding)
	}
	return msg, nil
}

// Receive blocks until the next application message. Close frames from the
// peer are surfaced as a message with OpcodeCloseConnection; every read after
// that fails with ErrConnClosed. A stream that ends without a close frame
// surfaces the IO error.
func (c *Conn) Receive() (*Message, error) {
	for {
		if c.isClosed() {
			return nil, ErrConnClosed
		}
		msg, err := c.readMessage()
		if err != nil {
			c.emitError(err)
			// discard the partial message, if any
			c.continuationFrame.reset()
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

// ReadLoop dispatches incoming traffic to the event handler until the
// connection is finished; it is the only reader of the connection
func (c *Conn) ReadLoop() {
	c.handler.OnOpen(c)
	for {
		msg, err := c.Receive()
		if err != nil {
			c.handler.OnClose(c, err)
			return
		}
		switch msg.Opcode {
		case OpcodeCloseConnection:
			c.handler.OnClose(c, &CloseError{Code: msg.Code, Reason: msg.Bytes()})
			msg.Close()
			return
		case OpcodePing:
			c.handler.OnPing(c, msg.Bytes())
			msg.Close()
		default:
			c.dispatch(msg)
		}
	}
}

func (c *Conn) dispatch(msg *Message) {
	defer c.config.Recovery(c.config.Logger)
	c.handler.OnMessage(c, msg)
}
