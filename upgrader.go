package websocket

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lxzan/websocket/internal"
)

type responseWriter struct {
	b           *bytes.Buffer
	subprotocol string
}

func (c *responseWriter) Init() *responseWriter {
	c.b = binaryPool.Get(512)
	c.b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	c.b.WriteString("Upgrade: websocket\r\n")
	c.b.WriteString("Connection: Upgrade\r\n")
	return c
}

func (c *responseWriter) Close() {
	binaryPool.Put(c.b)
	c.b = nil
}

func (c *responseWriter) WithHeader(k, v string) {
	c.b.WriteString(k)
	c.b.WriteString(": ")
	c.b.WriteString(v)
	c.b.WriteString("\r\n")
}

func (c *responseWriter) WithExtraHeader(h http.Header) {
	for k := range h {
		c.WithHeader(k, h.Get(k))
	}
}

// WithSubProtocol negotiates the subprotocol: the first client offer present
// in the accepted list wins, so the client's preference order decides. No
// match leaves the connection without a subprotocol, the handshake still
// succeeds.
func (c *responseWriter) WithSubProtocol(requestHeader http.Header, acceptedSubProtocols []string) {
	if len(acceptedSubProtocols) > 0 {
		var offered = internal.Split(requestHeader.Get(internal.SecWebSocketProtocol.Key), ",")
		c.subprotocol = internal.GetIntersectionElem(offered, acceptedSubProtocols)
		if c.subprotocol != "" {
			c.WithHeader(internal.SecWebSocketProtocol.Key, c.subprotocol)
		}
	}
}

func (c *responseWriter) Write(conn net.Conn, timeout time.Duration) error {
	c.b.WriteString("\r\n")
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := c.b.WriteTo(conn); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

// rejectHandshake answers a failed upgrade with a 400 carrying the supported
// websocket version, as the RFC asks for version mismatches
func rejectHandshake(conn net.Conn, timeout time.Duration) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nSec-WebSocket-Version: 13\r\nConnection: close\r\n\r\n"))
}

// Upgrader upgrades http requests to the websocket protocol
type Upgrader struct {
	option       *ServerOption
	eventHandler Event
}

func NewUpgrader(eventHandler Event, option *ServerOption) *Upgrader {
	return &Upgrader{
		option:       initServerOption(option),
		eventHandler: eventHandler,
	}
}

// Upgrade upgrades the http connection to the websocket protocol
func (c *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	netConn, br, err := c.hijack(w)
	if err != nil {
		return nil, err
	}

	socket, err := c.doUpgrade(r, netConn, br)
	if err != nil {
		c.option.config.readerPool.Put(br)
		_ = netConn.Close()
		return nil, err
	}
	return socket, err
}

// hijack does not reuse the bufio.ReadWriter returned by the http package, to
// save memory
func (c *Upgrader) hijack(w http.ResponseWriter) (net.Conn, *bufio.Reader, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, internal.CloseInternalErr
	}
	netConn, _, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	return netConn, c.option.config.readerPool.Get(netConn), nil
}

func (c *Upgrader) doUpgrade(r *http.Request, netConn net.Conn, br *bufio.Reader) (*Conn, error) {
	var session = c.option.NewSession()
	if !c.option.Authorize(r, session) {
		return nil, ErrUnauthorized
	}

	if err := checkUpgradeRequest(r); err != nil {
		rejectHandshake(netConn, c.option.HandshakeTimeout)
		return nil, err
	}
	var websocketKey = r.Header.Get(internal.SecWebSocketKey.Key)

	var rw = new(responseWriter).Init()
	defer rw.Close()
	rw.WithHeader(internal.SecWebSocketAccept.Key, internal.ComputeAcceptKey(websocketKey))
	rw.WithSubProtocol(r.Header, c.option.Subprotocols)
	rw.WithExtraHeader(c.option.ResponseHeader)
	if err := rw.Write(netConn, c.option.HandshakeTimeout); err != nil {
		return nil, err
	}

	return serveWebSocket(true, c.option.getConfig(), session, netConn, br, c.eventHandler, rw.subprotocol), nil
}

// Server websocket server
type Server struct {
	upgrader *Upgrader
	option   *ServerOption

	// OnError receives the listener's accept errors (with a nil conn) and the
	// errors generated during the handshake
	OnError func(conn net.Conn, err error)

	// OnRequest is the per connection handler; the default runs the read loop
	OnRequest func(socket *Conn, request *http.Request)
}

// NewServer creates a websocket server
func NewServer(eventHandler Event, option *ServerOption) *Server {
	var c = &Server{upgrader: NewUpgrader(eventHandler, option)}
	c.option = c.upgrader.option
	c.OnError = func(conn net.Conn, err error) { c.option.Logger.Error("websocket: " + err.Error()) }
	c.OnRequest = func(socket *Conn, request *http.Request) { socket.ReadLoop() }
	return c
}

// Run listens on addr. It can be called multiple times, listening to
// different addresses.
func (c *Server) Run(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return c.RunListener(listener)
}

// RunTLS listens on addr with TLS. It can be called multiple times, listening
// to different addresses.
func (c *Server) RunTLS(addr string, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}

	if c.option.TlsConfig == nil {
		c.option.TlsConfig = &tls.Config{}
	}
	config := c.option.TlsConfig.Clone()
	config.Certificates = []tls.Certificate{cert}
	config.NextProtos = []string{"http/1.1"}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return c.RunListener(tls.NewListener(listener, config))
}

// RunListener runs the accept loop on the listener
func (c *Server) RunListener(listener net.Listener) error {
	defer listener.Close()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			c.OnError(netConn, err)
			continue
		}

		go func(conn net.Conn) {
			br := c.option.config.readerPool.Get(conn)
			r, err := http.ReadRequest(br)
			if err != nil {
				c.OnError(conn, err)
				c.option.config.readerPool.Put(br)
				_ = conn.Close()
				return
			}

			socket, err := c.upgrader.doUpgrade(r, conn, br)
			if err != nil {
				c.OnError(conn, err)
				c.option.config.readerPool.Put(br)
				_ = conn.Close()
				return
			}
			c.serve(socket, r)
		}(netConn)
	}
}

// serve invokes the connection handler; unless Unguarded is set, the endpoint
// is closed on every exit path: close(1000, "bye") when the handler returns,
// close(1011, message) when it panics
func (c *Server) serve(socket *Conn, r *http.Request) {
	if c.option.Unguarded {
		c.OnRequest(socket, r)
		return
	}

	defer func() {
		if e := recover(); e != nil {
			_ = socket.Close(internal.CloseInternalErr.Uint16(), []byte(fmt.Sprint(e)))
			return
		}
		_ = socket.Close(internal.CloseNormalClosure.Uint16(), []byte("bye"))
	}()
	c.OnRequest(socket, r)
}
