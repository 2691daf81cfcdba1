package websocket

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lxzan/websocket/internal"
	"github.com/stretchr/testify/assert"
)

type webSocketMocker struct {
	sync.Mutex
	onOpen    func(socket *Conn)
	onMessage func(socket *Conn, message *Message)
	onPing    func(socket *Conn, payload []byte)
	onPong    func(socket *Conn, payload []byte)
	onClose   func(socket *Conn, err error)
}

func (c *webSocketMocker) OnOpen(socket *Conn) {
	if c.onOpen != nil {
		c.onOpen(socket)
	}
}

func (c *webSocketMocker) OnClose(socket *Conn, err error) {
	if c.onClose != nil {
		c.onClose(socket, err)
	}
}

func (c *webSocketMocker) OnPing(socket *Conn, payload []byte) {
	if c.onPing != nil {
		c.onPing(socket, payload)
	}
}

func (c *webSocketMocker) OnPong(socket *Conn, payload []byte) {
	if c.onPong != nil {
		c.onPong(socket, payload)
	}
}

func (c *webSocketMocker) OnMessage(socket *Conn, message *Message) {
	if c.onMessage != nil {
		c.onMessage(socket, message)
	}
}

// fakeConn is a buffer backed net.Conn: writes land in wbuf, reads drain
// rbuf and end with io.EOF. Wiring two of them back to back gives a
// deterministic, single threaded peer pair.
type fakeConn struct {
	rbuf   *bytes.Buffer
	wbuf   *bytes.Buffer
	werr   error
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.rbuf.Read(p)
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.werr != nil {
		return 0, c.werr
	}
	return c.wbuf.Write(p)
}

func (c *fakeConn) Close() error                       { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// newTestPair builds a server and a client endpoint whose streams are cross
// wired through in-memory buffers; everything a side writes is immediately
// readable by the other
func newTestPair(serverHandler, clientHandler Event, serverOption *ServerOption, clientOption *ClientOption) (server, client *Conn) {
	serverOption = initServerOption(serverOption)
	clientOption = initClientOption(clientOption)
	if serverHandler == nil {
		serverHandler = new(BuiltinEventHandler)
	}
	if clientHandler == nil {
		clientHandler = new(BuiltinEventHandler)
	}

	var clientToServer = bytes.NewBuffer(nil)
	var serverToClient = bytes.NewBuffer(nil)
	var sconn = &fakeConn{rbuf: clientToServer, wbuf: serverToClient}
	var cconn = &fakeConn{rbuf: serverToClient, wbuf: clientToServer}

	server = serveWebSocket(true, serverOption.getConfig(), newSliceMap(), sconn, bufio.NewReaderSize(sconn, 4096), serverHandler, "")
	client = serveWebSocket(false, clientOption.getConfig(), newSliceMap(), cconn, bufio.NewReaderSize(cconn, 4096), clientHandler, "")
	return
}

// writeFrameRaw emits a single frame with an arbitrary FIN bit, bypassing the
// sender's message level checks
func (c *Conn) writeFrameRaw(opcode Opcode, fin bool, payload []byte) error {
	frame := c.genFrame(opcode, fin, internal.Bytes(payload))
	err := internal.WriteN(c.conn, frame.Bytes())
	binaryPool.Put(frame)
	return err
}

func TestFrameHeader(t *testing.T) {
	var as = assert.New(t)

	t.Run("bit accessors", func(t *testing.T) {
		var fh = frameHeader{}
		fh.SetFIN()
		fh.SetOpcode(OpcodeText)
		fh.SetMask()
		as.True(fh.GetFIN())
		as.True(fh.GetMask())
		as.Equal(OpcodeText, fh.GetOpcode())
		as.Equal(uint8(0), fh.GetRSV())
	})

	t.Run("mask key", func(t *testing.T) {
		var fh = frameHeader{}
		var key [4]byte
		copy(key[0:], internal.RandomPayload(4))
		fh.SetMaskKey(10, key)
		as.Equal(string(key[0:]), string(fh.GetMaskKey()))
	})

	t.Run("length encodings", func(t *testing.T) {
		for _, n := range []int{0, 1, 125, 126, 65535, 65536, 1024 * 1024} {
			var fh = frameHeader{}
			headerLength, _ := fh.GenerateHeader(true, true, OpcodeBinary, n)
			contentLength, err := fh.Parse(bytes.NewReader(fh[:headerLength]))
			as.NoError(err)
			as.Equal(n, contentLength)
		}
	})

	t.Run("client header is masked", func(t *testing.T) {
		var fh = frameHeader{}
		headerLength, _ := fh.GenerateHeader(false, true, OpcodeBinary, 10)
		as.Equal(2+4, headerLength)
		as.True(fh.GetMask())
	})

	t.Run("64bit length high bit", func(t *testing.T) {
		var p = []byte{0x82, 0xFF, 0x80, 0, 0, 0, 0, 0, 0, 1}
		var fh = frameHeader{}
		_, err := fh.Parse(bytes.NewReader(p))
		as.Equal(internal.CloseProtocolError, err)
	})

	t.Run("eof between frames", func(t *testing.T) {
		var fh = frameHeader{}
		_, err := fh.Parse(bytes.NewReader(nil))
		as.Equal(io.EOF, err)
	})

	t.Run("eof inside header", func(t *testing.T) {
		var fh = frameHeader{}
		_, err := fh.Parse(bytes.NewReader([]byte{0x81}))
		as.Equal(internal.CloseAbnormalClosure, err)
	})
}

func TestConn_CloseHandshake(t *testing.T) {
	var as = assert.New(t)

	t.Run("peer close is echoed once", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		as.NoError(client.WriteClose(1000, []byte("bye")))

		msg, err := server.Receive()
		as.NoError(err)
		as.Equal(OpcodeCloseConnection, msg.Opcode)
		as.Equal(uint16(1000), msg.Code)
		as.Equal("bye", msg.Data.String())
		as.True(server.isClosed())

		// the echo reaches the client and completes its handshake
		as.NoError(client.Close(1000, nil))
		as.True(client.isClosed())
	})

	t.Run("close without payload maps to 1000", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		_ = client.writeFrame(OpcodeCloseConnection, internal.Bytes(nil))
		msg, err := server.Receive()
		as.NoError(err)
		as.Equal(uint16(1000), msg.Code)
		as.Equal(0, msg.Data.Len())
	})

	t.Run("one byte close payload is a protocol error", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		_ = client.writeFrame(OpcodeCloseConnection, internal.Bytes([]byte{0x03}))
		_, err := server.Receive()
		as.Equal(internal.CloseProtocolError, err)
	})

	t.Run("reserved close codes are rejected", func(t *testing.T) {
		for _, code := range []uint16{999, 1004, 1005, 1006, 1012, 1013, 1014, 1015, 2000, 2999, 5000} {
			server, client := newTestPair(nil, nil, nil, nil)
			var payload = []byte{uint8(code >> 8), uint8(code)}
			_ = client.writeFrame(OpcodeCloseConnection, internal.Bytes(payload))
			_, err := server.Receive()
			as.Equal(internal.CloseProtocolError, err)
		}
	})

	t.Run("registered and private close codes pass", func(t *testing.T) {
		for _, code := range []uint16{1000, 1001, 1003, 1007, 1011, 3000, 4999} {
			server, client := newTestPair(nil, nil, nil, nil)
			var payload = []byte{uint8(code >> 8), uint8(code)}
			_ = client.writeFrame(OpcodeCloseConnection, internal.Bytes(payload))
			msg, err := server.Receive()
			as.NoError(err)
			as.Equal(code, msg.Code)
		}
	})

	t.Run("close reason must be utf8", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		var payload = append([]byte{0x03, 0xE8}, 0xC3, 0x28)
		_ = client.writeFrame(OpcodeCloseConnection, internal.Bytes(payload))
		_, err := server.Receive()
		var ev *internal.Error
		as.ErrorAs(err, &ev)
		as.Equal(internal.CloseUnsupportedData, ev.Code)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		as.NoError(client.WriteClose(1001, nil))
		_, err := server.Receive()
		as.NoError(err)
		as.NoError(client.Close(1000, nil))
		as.NoError(client.Close(1000, nil))
		as.ErrorIs(client.WriteClose(1000, nil), ErrConnClosed)
	})

	t.Run("data frame during closing handshake", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		as.NoError(client.WriteMessage(OpcodeText, []byte("hi")))
		// the server never read the message; the server closes and the text
		// frame has not been consumed on its side of the handshake
		_ = server.WriteClose(1000, nil)
		err := server.Close(1000, nil)
		var ev *UnexpectedMessageError
		as.ErrorAs(err, &ev)
		as.Equal(OpcodeText, ev.Opcode)
		as.Equal("hi", string(ev.Payload))
	})

	t.Run("reads after close fail", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		as.NoError(client.WriteClose(1000, nil))
		_, err := server.Receive()
		as.NoError(err)
		_, err = server.Receive()
		as.ErrorIs(err, ErrConnClosed)
	})

	t.Run("writes after close fail", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		as.NoError(client.WriteClose(1000, nil))
		as.ErrorIs(client.WriteMessage(OpcodeText, []byte("hi")), ErrConnClosed)
		_, _ = server.Receive()
	})

	t.Run("eof without close frame", func(t *testing.T) {
		server, _ := newTestPair(nil, nil, nil, nil)
		_, err := server.Receive()
		as.Equal(io.EOF, err)
	})
}

func TestConn_Properties(t *testing.T) {
	var as = assert.New(t)
	server, client := newTestPair(nil, nil, nil, nil)
	as.True(server.IsServer())
	as.False(client.IsServer())
	as.Equal("", server.Subprotocol())
	as.NotNil(server.Session())
	as.NotNil(server.NetConn())
	as.NotNil(server.LocalAddr())
	as.NotNil(server.RemoteAddr())
	as.NoError(server.SetDeadline(time.Time{}))
	as.NoError(server.SetReadDeadline(time.Time{}))
	as.NoError(server.SetWriteDeadline(time.Time{}))
}

func TestConn_RetainNetConn(t *testing.T) {
	var as = assert.New(t)
	server, client := newTestPair(nil, nil, &ServerOption{RetainNetConn: true}, nil)
	as.NoError(client.WriteClose(1000, nil))
	_, err := server.Receive()
	as.NoError(err)
	var fc = server.NetConn().(*fakeConn)
	as.False(fc.closed)
}
