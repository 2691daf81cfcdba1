package websocket

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/lxzan/websocket/internal"
)

const (
	defaultReadMaxPayloadSize  = 16 * 1024 * 1024 // 16MiB
	defaultWriteMaxPayloadSize = 16 * 1024 * 1024 // 16MiB
	defaultReadBufferSize      = 4 * 1024         // 4KiB
	defaultHandshakeTimeout    = 5 * time.Second
)

type (
	// Config shared runtime configuration, derived from the options
	Config struct {
		readerPool *internal.ReaderPool

		// maximum size of a received message, larger messages fail the
		// connection with 1009
		ReadMaxPayloadSize int

		// read buffer size
		ReadBufferSize int

		// maximum size of a sent message
		WriteMaxPayloadSize int

		// fragment threshold for outgoing data messages; payloads above it are
		// split into continuation frames. 0 disables fragmentation.
		WriteSegmentSize int

		// skip the UTF-8 validation of text messages and close reasons; by
		// default invalid text fails the connection with 1007
		SkipUtf8Check bool

		// pass frames with reserved header bits through to the application
		// instead of failing the connection with 1002
		PermitReservedBits bool

		// do not close the underlying connection when the websocket closes;
		// the caller retains ownership of the net.Conn
		RetainNetConn bool

		// error log for the accept loop and the recovery path
		Logger Logger

		// deferred around handler dispatch, recovering panics by default
		Recovery func(logger Logger)
	}

	// ServerOption server side options, the zero value is usable
	ServerOption struct {
		config *Config

		ReadMaxPayloadSize  int
		ReadBufferSize      int
		WriteMaxPayloadSize int
		WriteSegmentSize    int
		SkipUtf8Check       bool
		PermitReservedBits  bool
		RetainNetConn       bool
		Logger              Logger

		// skip the guarded closing handshake around the connection handler:
		// close(1000, "bye") when the handler returns, close(1011, message)
		// when it panics
		Unguarded bool

		// websocket handshake timeout, dv=5s
		HandshakeTimeout time.Duration

		// subprotocols the server accepts, negotiated in the order of client
		// preference. No match leaves the connection without a subprotocol.
		Subprotocols []string

		// extra headers for the 101 response.
		// attention: the client may not support custom response headers
		ResponseHeader http.Header

		// request authentication, e.g. origin checks
		Authorize func(r *http.Request, session SessionStorage) bool

		// creates the session storage attached to each connection
		NewSession func() SessionStorage

		// for RunTLS
		TlsConfig *tls.Config
	}

	// ClientOption client side options
	ClientOption struct {
		config *Config

		ReadMaxPayloadSize  int
		ReadBufferSize      int
		WriteMaxPayloadSize int
		WriteSegmentSize    int
		SkipUtf8Check       bool
		PermitReservedBits  bool
		RetainNetConn       bool
		Logger              Logger

		// server address, e.g. wss://example.com/connect
		Addr string

		// websocket handshake timeout, dv=5s
		HandshakeTimeout time.Duration

		// subprotocols offered by the client, in order of preference
		Subprotocols []string

		// extra headers for the upgrade request
		RequestHeader http.Header

		TlsConfig *tls.Config

		// creates the dialer for the connection, dv is a plain net.Dialer
		NewDialer func() (Dialer, error)

		// creates the session storage attached to the connection
		NewSession func() SessionStorage
	}
)

// Dialer establishes the underlying network connection
type Dialer interface {
	Dial(network, addr string) (c net.Conn, err error)
}

func initServerOption(c *ServerOption) *ServerOption {
	if c == nil {
		c = new(ServerOption)
	}
	if c.ReadMaxPayloadSize <= 0 {
		c.ReadMaxPayloadSize = defaultReadMaxPayloadSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.WriteMaxPayloadSize <= 0 {
		c.WriteMaxPayloadSize = defaultWriteMaxPayloadSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.ResponseHeader == nil {
		c.ResponseHeader = http.Header{}
	}
	if c.Authorize == nil {
		c.Authorize = func(r *http.Request, session SessionStorage) bool { return true }
	}
	if c.NewSession == nil {
		c.NewSession = func() SessionStorage { return newSliceMap() }
	}
	if c.Logger == nil {
		c.Logger = defaultLogger
	}

	c.config = &Config{
		readerPool:          internal.NewReaderPool(c.ReadBufferSize),
		ReadMaxPayloadSize:  c.ReadMaxPayloadSize,
		ReadBufferSize:      c.ReadBufferSize,
		WriteMaxPayloadSize: c.WriteMaxPayloadSize,
		WriteSegmentSize:    c.WriteSegmentSize,
		SkipUtf8Check:       c.SkipUtf8Check,
		PermitReservedBits:  c.PermitReservedBits,
		RetainNetConn:       c.RetainNetConn,
		Logger:              c.Logger,
		Recovery:            Recovery,
	}
	return c
}

func (c *ServerOption) getConfig() *Config {
	return c.config
}

func initClientOption(c *ClientOption) *ClientOption {
	if c == nil {
		c = new(ClientOption)
	}
	if c.ReadMaxPayloadSize <= 0 {
		c.ReadMaxPayloadSize = defaultReadMaxPayloadSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.WriteMaxPayloadSize <= 0 {
		c.WriteMaxPayloadSize = defaultWriteMaxPayloadSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.RequestHeader == nil {
		c.RequestHeader = http.Header{}
	}
	if c.NewDialer == nil {
		c.NewDialer = func() (Dialer, error) { return &net.Dialer{Timeout: c.HandshakeTimeout}, nil }
	}
	if c.NewSession == nil {
		c.NewSession = func() SessionStorage { return newSliceMap() }
	}
	if c.Logger == nil {
		c.Logger = defaultLogger
	}

	c.config = &Config{
		ReadMaxPayloadSize:  c.ReadMaxPayloadSize,
		ReadBufferSize:      c.ReadBufferSize,
		WriteMaxPayloadSize: c.WriteMaxPayloadSize,
		WriteSegmentSize:    c.WriteSegmentSize,
		SkipUtf8Check:       c.SkipUtf8Check,
		PermitReservedBits:  c.PermitReservedBits,
		RetainNetConn:       c.RetainNetConn,
		Logger:              c.Logger,
		Recovery:            Recovery,
	}
	return c
}

func (c *ClientOption) getConfig() *Config {
	return c.config
}
