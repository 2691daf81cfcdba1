package websocket

import (
	"bytes"
	"errors"
	"io"

	"github.com/lxzan/websocket/internal"
)

// segmentSize bounds the scratch buffer of WriteReader; payloads stream
// through it instead of being buffered whole
const segmentSize = 128 * 1024

// WritePing writes a ping frame; the payload cannot exceed 125 bytes
func (c *Conn) WritePing(payload []byte) error {
	return c.WriteMessage(OpcodePing, payload)
}

// WritePong writes a pong frame; the payload cannot exceed 125 bytes
func (c *Conn) WritePong(payload []byte) error {
	return c.WriteMessage(OpcodePong, payload)
}

// WriteString writes a text message, which should be encoded in UTF8
func (c *Conn) WriteString(s string) error {
	return c.WriteMessage(OpcodeText, []byte(s))
}

// WriteMessage writes a text/binary/control message. Concurrent calls are
// serialized at message granularity: once a message starts, no other writer's
// frames interleave with it.
func (c *Conn) WriteMessage(opcode Opcode, payload []byte) error {
	err := c.doWrite(opcode, internal.Bytes(payload))
	c.emitError(err)
	return err
}

// Writev is similar to WriteMessage, except that it writes multiple slices as
// one message
func (c *Conn) Writev(opcode Opcode, payloads ...[]byte) error {
	err := c.doWrite(opcode, internal.Buffers(payloads))
	c.emitError(err)
	return err
}

// WriteAsync pushes the message onto the connection's write queue and returns
// immediately; the payload may be recycled only after the callback fires
func (c *Conn) WriteAsync(opcode Opcode, payload []byte, callback func(error)) {
	c.Async(func() {
		if err := c.WriteMessage(opcode, payload); callback != nil {
			callback(err)
		}
	})
}

// Async adds a task to the send queue (concurrency 1).
// Note: do not add tasks that block for a long time.
func (c *Conn) Async(f func()) {
	c.writeQueue.Push(f)
}

func (c *Conn) doWrite(opcode Opcode, payload internal.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opcode != OpcodeCloseConnection && !c.isWritable() {
		return ErrConnClosed
	}

	var n = payload.Len()
	if opcode.isControlFrame() && n > internal.ThresholdV1 {
		return ErrMessageTooLarge
	}
	if n > c.config.WriteMaxPayloadSize {
		return ErrMessageTooLarge
	}
	// the encoding is checked on the whole message; fragment boundaries may
	// split codepoints
	if opcode == OpcodeText && !payload.CheckEncoding(!c.config.SkipUtf8Check, uint8(opcode)) {
		return ErrTextEncoding
	}

	if opcode.isDataFrame() && c.config.WriteSegmentSize > 0 && n > c.config.WriteSegmentSize {
		return c.writeSegments(opcode, payload)
	}

	frame := c.genFrame(opcode, true, payload)
	err := internal.WriteN(c.conn, frame.Bytes())
	binaryPool.Put(frame)
	return err
}

// writeFrame writes a single frame without the state check; the close paths
// use it after the state has already moved on
func (c *Conn) writeFrame(opcode Opcode, payload internal.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := c.genFrame(opcode, true, payload)
	err := internal.WriteN(c.conn, frame.Bytes())
	binaryPool.Put(frame)
	return err
}

// writeSegments splits a data message into a first frame carrying the opcode
// and continuation frames, FIN only on the last; the caller holds the write
// lock, so no other message interleaves
func (c *Conn) writeSegments(opcode Opcode, payload internal.Payload) error {
	var buf = binaryPool.Get(payload.Len())
	defer binaryPool.Put(buf)
	if _, err := payload.WriteTo(buf); err != nil {
		return err
	}

	var p = buf.Bytes()
	var index = 0
	for len(p) > 0 {
		var n = internal.Min(c.config.WriteSegmentSize, len(p))
		var op = internal.SelectValue(index == 0, opcode, OpcodeContinuation)
		var fin = n == len(p)
		frame := c.genFrame(op, fin, internal.Bytes(p[:n]))
		err := internal.WriteN(c.conn, frame.Bytes())
		binaryPool.Put(frame)
		if err != nil {
			return err
		}
		p = p[n:]
		index++
	}
	return nil
}

// genFrame generates a frame: header and payload in one buffer, masked in
// client mode
func (c *Conn) genFrame(opcode Opcode, fin bool, payload internal.Payload) *bytes.Buffer {
	var n = payload.Len()
	var buf = binaryPool.Get(n + frameHeaderSize)
	buf.Write(framePadding[0:])
	_, _ = payload.WriteTo(buf)

	var header = frameHeader{}
	headerLength, maskBytes := header.GenerateHeader(c.isServer, fin, opcode, n)
	var contents = buf.Bytes()
	if !c.isServer {
		internal.MaskXOR(contents[frameHeaderSize:], maskBytes[0:])
	}
	var m = frameHeaderSize - headerLength
	copy(contents[m:], header[:headerLength])
	buf.Next(m)
	return buf
}

// WriteReader streams a message from an io.Reader, fragmenting it into
// bounded segments; memory stays flat no matter the payload size
func (c *Conn) WriteReader(opcode Opcode, payload io.Reader) error {
	err := c.doWriteReader(opcode, payload)
	c.emitError(err)
	return err
}

// splitReader feeds the reader's content to f in segment sized slices
func (c *Conn) splitReader(r io.Reader, f func(index int, eof bool, p []byte) error) error {
	var buf = binaryPool.Get(segmentSize)
	defer binaryPool.Put(buf)

	var p = buf.Bytes()[:segmentSize]
	var n, index = 0, 0
	var err error
	for n, err = r.Read(p); err == nil || errors.Is(err, io.EOF); n, err = r.Read(p) {
		eof := errors.Is(err, io.EOF)
		if err = f(index, eof, p[:n]); err != nil {
			return err
		}
		index++
		if eof {
			break
		}
	}
	return err
}

func (c *Conn) doWriteReader(opcode Opcode, payload io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isWritable() {
		return ErrConnClosed
	}

	var cb = func(index int, eof bool, p []byte) error {
		var op = internal.SelectValue(index == 0, opcode, OpcodeContinuation)
		frame := c.genFrame(op, eof, internal.Bytes(p))
		err := internal.WriteN(c.conn, frame.Bytes())
		binaryPool.Put(frame)
		return err
	}
	return c.splitReader(payload, cb)
}
