package websocket

import (
	"bytes"
	"math"
	"sync"
	"sync/atomic"

	"github.com/lxzan/websocket/internal"
)

type (
	// Broadcaster fans one message out to many server side connections; the
	// frame is generated once instead of per connection
	Broadcaster struct {
		opcode  Opcode
		payload []byte
		msg     *broadcastMessageWrapper
		state   int64
	}

	broadcastMessageWrapper struct {
		once  sync.Once
		err   error
		frame *bytes.Buffer
	}
)

// NewBroadcaster creates a broadcaster.
// Compared to calling WriteAsync in a loop, the frame is assembled only once,
// saving a lot of CPU overhead.
func NewBroadcaster(opcode Opcode, payload []byte) *Broadcaster {
	return &Broadcaster{
		opcode:  opcode,
		payload: payload,
		msg:     &broadcastMessageWrapper{},
		state:   int64(math.MaxInt32),
	}
}

// writeFrame writes the cached frame to the connection
func (c *Broadcaster) writeFrame(socket *Conn, frame *bytes.Buffer) error {
	if !socket.isWritable() {
		return ErrConnClosed
	}
	socket.mu.Lock()
	var err = internal.WriteN(socket.conn, frame.Bytes())
	socket.mu.Unlock()
	return err
}

// Broadcast pushes the message onto the connection's write queue. Server
// side frames are unmasked, so the cached frame is shared between all
// connections; client connections mask per frame and are not supported here.
func (c *Broadcaster) Broadcast(socket *Conn) error {
	if !socket.isServer {
		return ErrUnsupportedProtocol
	}

	var msg = c.msg
	msg.once.Do(func() {
		if len(c.payload) > socket.config.WriteMaxPayloadSize {
			msg.err = ErrMessageTooLarge
			return
		}
		if c.opcode == OpcodeText && !internal.CheckEncoding(!socket.config.SkipUtf8Check, uint8(c.opcode), c.payload) {
			msg.err = ErrTextEncoding
			return
		}
		msg.frame = socket.genFrame(c.opcode, true, internal.Bytes(c.payload))
	})
	if msg.err != nil {
		return msg.err
	}

	atomic.AddInt64(&c.state, 1)
	socket.writeQueue.Push(func() {
		var err = c.writeFrame(socket, msg.frame)
		socket.emitError(err)
		if atomic.AddInt64(&c.state, -1) == 0 {
			c.doClose()
		}
	})
	return nil
}

func (c *Broadcaster) doClose() {
	binaryPool.Put(c.msg.frame)
	c.msg.frame = nil
}

// Release releases the cached frame.
// Call it after all the Broadcast calls have been issued.
func (c *Broadcaster) Release() error {
	if atomic.AddInt64(&c.state, -1*math.MaxInt32) == 0 {
		c.doClose()
	}
	return nil
}
