package websocket

import (
	"bytes"
	"sync"
	"testing"

	"github.com/lxzan/websocket/internal"
	"github.com/stretchr/testify/assert"
)

// readWireFrame pulls one raw frame off the peer's stream
func readWireFrame(t *testing.T, c *Conn) (fh frameHeader, payload []byte) {
	n, err := fh.Parse(c.br)
	assert.NoError(t, err)
	payload = make([]byte, n)
	assert.NoError(t, internal.ReadN(c.br, payload))
	if fh.GetMask() {
		internal.MaskXOR(payload, fh.GetMaskKey())
	}
	return
}

func TestWrite_Fragmentation(t *testing.T) {
	var as = assert.New(t)

	t.Run("wire layout", func(t *testing.T) {
		server, client := newTestPair(nil, nil, &ServerOption{WriteSegmentSize: 3}, nil)
		var payload = internal.RandomPayload(10)
		as.NoError(server.WriteMessage(OpcodeBinary, payload))

		type expect struct {
			opcode Opcode
			fin    bool
			size   int
		}
		var wire []expect
		var got = make([]byte, 0, 10)
		for i := 0; i < 4; i++ {
			fh, p := readWireFrame(t, client)
			wire = append(wire, expect{opcode: fh.GetOpcode(), fin: fh.GetFIN(), size: len(p)})
			got = append(got, p...)
		}
		as.Equal([]expect{
			{OpcodeBinary, false, 3},
			{OpcodeContinuation, false, 3},
			{OpcodeContinuation, false, 3},
			{OpcodeContinuation, true, 1},
		}, wire)
		as.Equal(payload, got)
	})

	t.Run("threshold is not a trigger at equal size", func(t *testing.T) {
		server, client := newTestPair(nil, nil, &ServerOption{WriteSegmentSize: 10}, nil)
		as.NoError(server.WriteMessage(OpcodeBinary, internal.RandomPayload(10)))
		fh, p := readWireFrame(t, client)
		as.True(fh.GetFIN())
		as.Equal(OpcodeBinary, fh.GetOpcode())
		as.Equal(10, len(p))
	})

	t.Run("transparency across segment sizes", func(t *testing.T) {
		for _, size := range []int{1, 2, 3, 7, 100, 1000} {
			server, client := newTestPair(nil, nil, nil, &ClientOption{WriteSegmentSize: size})
			var payload = internal.RandomPayload(777)
			as.NoError(client.WriteMessage(OpcodeBinary, payload))
			msg, err := server.Receive()
			as.NoError(err)
			as.Equal(string(payload), msg.Data.String())
		}
	})

	t.Run("control frames never fragment", func(t *testing.T) {
		server, client := newTestPair(nil, nil, &ServerOption{WriteSegmentSize: 3}, nil)
		as.NoError(server.WritePing(internal.RandomPayload(10)))
		fh, p := readWireFrame(t, client)
		as.True(fh.GetFIN())
		as.Equal(OpcodePing, fh.GetOpcode())
		as.Equal(10, len(p))
	})
}

func TestWrite_LengthEncoding(t *testing.T) {
	var as = assert.New(t)

	for _, item := range []struct {
		n      int
		header int
	}{
		{125, 2},
		{126, 4},
		{65535, 4},
		{65536, 10},
	} {
		server, client := newTestPair(nil, nil, nil, nil)
		as.NoError(server.WriteMessage(OpcodeBinary, internal.RandomPayload(item.n)))
		var raw = server.NetConn().(*fakeConn).wbuf.Bytes()
		as.Equal(item.n+item.header, len(raw))
		fh, p := readWireFrame(t, client)
		as.Equal(item.n, len(p))
		as.True(fh.GetFIN())
	}
}

func TestWrite_Limits(t *testing.T) {
	var as = assert.New(t)

	t.Run("control payload over 125", func(t *testing.T) {
		_, client := newTestPair(nil, nil, nil, nil)
		as.ErrorIs(client.WritePing(internal.RandomPayload(126)), ErrMessageTooLarge)
	})

	t.Run("message over write limit", func(t *testing.T) {
		_, client := newTestPair(nil, nil, nil, &ClientOption{WriteMaxPayloadSize: 16})
		as.ErrorIs(client.WriteMessage(OpcodeBinary, internal.RandomPayload(17)), ErrMessageTooLarge)
	})

	t.Run("invalid utf8 on send", func(t *testing.T) {
		_, client := newTestPair(nil, nil, nil, nil)
		as.ErrorIs(client.WriteMessage(OpcodeText, []byte{0xC3, 0x28}), ErrTextEncoding)
	})
}

func TestWrite_Concurrency(t *testing.T) {
	var as = assert.New(t)

	// concurrent writers may interleave messages but never frames of one
	// message with another's
	server, client := newTestPair(nil, nil, nil, &ClientOption{WriteSegmentSize: 16})
	var count = 64
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		go func() {
			defer wg.Done()
			_ = client.WriteMessage(OpcodeBinary, internal.RandomPayload(100))
		}()
	}
	wg.Wait()

	for i := 0; i < count; i++ {
		msg, err := server.Receive()
		as.NoError(err)
		as.Equal(100, msg.Data.Len())
	}
}

func TestWrite_Writev(t *testing.T) {
	var as = assert.New(t)
	server, client := newTestPair(nil, nil, nil, nil)
	as.NoError(client.Writev(OpcodeText, []byte("Hello"), []byte(" "), []byte("World!")))
	msg, err := server.Receive()
	as.NoError(err)
	as.Equal("Hello World!", msg.Data.String())
}

func TestWrite_Reader(t *testing.T) {
	var as = assert.New(t)

	t.Run("small reader", func(t *testing.T) {
		server, client := newTestPair(nil, nil, nil, nil)
		var payload = internal.RandomPayload(1000)
		as.NoError(client.WriteReader(OpcodeBinary, bytes.NewReader(payload)))
		msg, err := server.Receive()
		as.NoError(err)
		as.Equal(string(payload), msg.Data.String())
	})

	t.Run("reader above segment size", func(t *testing.T) {
		server, client := newTestPair(nil, nil, &ServerOption{ReadMaxPayloadSize: 1024 * 1024}, nil)
		var payload = internal.RandomPayload(segmentSize + 1024)
		as.NoError(client.WriteReader(OpcodeBinary, bytes.NewReader(payload)))
		msg, err := server.Receive()
		as.NoError(err)
		as.Equal(len(payload), msg.Data.Len())
	})
}

func TestWrite_Async(t *testing.T) {
	var as = assert.New(t)
	server, client := newTestPair(nil, nil, nil, nil)

	var count = 32
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		client.WriteAsync(OpcodeText, []byte("hi"), func(err error) {
			as.NoError(err)
			wg.Done()
		})
	}
	wg.Wait()

	for i := 0; i < count; i++ {
		msg, err := server.Receive()
		as.NoError(err)
		as.Equal("hi", msg.Data.String())
	}
}
