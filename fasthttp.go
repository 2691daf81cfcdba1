package websocket

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/lxzan/websocket/internal"
	"github.com/valyala/fasthttp"
)

// UpgradeFromFastHTTP upgrades a fasthttp request to the websocket protocol.
// The handler is invoked on the hijacked connection after the 101 response
// has been flushed; a nil handler runs the read loop. Unless Unguarded is
// set, the endpoint is closed on every handler exit path.
func (c *Upgrader) UpgradeFromFastHTTP(ctx *fasthttp.RequestCtx, handler func(socket *Conn)) error {
	var r = &http.Request{
		Method: string(ctx.Method()),
		Header: http.Header{},
	}
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		r.Header.Add(string(key), string(value))
	})

	var session = c.option.NewSession()
	if !c.option.Authorize(r, session) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		return ErrUnauthorized
	}

	if err := checkUpgradeRequest(r); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.Response.Header.Set(internal.SecWebSocketVersion.Key, internal.SecWebSocketVersion.Val)
		return err
	}

	var websocketKey = r.Header.Get(internal.SecWebSocketKey.Key)
	ctx.SetStatusCode(fasthttp.StatusSwitchingProtocols)
	ctx.Response.Header.Set(internal.Upgrade.Key, internal.Upgrade.Val)
	ctx.Response.Header.Set(internal.Connection.Key, internal.Connection.Val)
	ctx.Response.Header.Set(internal.SecWebSocketAccept.Key, internal.ComputeAcceptKey(websocketKey))

	var subprotocol = ""
	if len(c.option.Subprotocols) > 0 {
		var offered = internal.Split(r.Header.Get(internal.SecWebSocketProtocol.Key), ",")
		subprotocol = internal.GetIntersectionElem(offered, c.option.Subprotocols)
		if subprotocol != "" {
			ctx.Response.Header.Set(internal.SecWebSocketProtocol.Key, subprotocol)
		}
	}
	for k := range c.option.ResponseHeader {
		ctx.Response.Header.Set(k, c.option.ResponseHeader.Get(k))
	}

	ctx.Hijack(func(netConn net.Conn) {
		br := c.option.config.readerPool.Get(netConn)
		socket := serveWebSocket(true, c.option.getConfig(), session, netConn, br, c.eventHandler, subprotocol)

		var fn = handler
		if fn == nil {
			fn = func(socket *Conn) { socket.ReadLoop() }
		}
		if c.option.Unguarded {
			fn(socket)
			return
		}
		defer func() {
			if e := recover(); e != nil {
				_ = socket.Close(internal.CloseInternalErr.Uint16(), []byte(fmt.Sprint(e)))
				return
			}
			_ = socket.Close(internal.CloseNormalClosure.Uint16(), []byte("bye"))
		}()
		fn(socket)
	})
	return nil
}

// checkUpgradeRequest validates the upgrade headers shared by the net/http
// and fasthttp entry points
func checkUpgradeRequest(r *http.Request) error {
	if r.Method != http.MethodGet {
		return ErrHandshake
	}
	if !strings.EqualFold(r.Header.Get(internal.SecWebSocketVersion.Key), internal.SecWebSocketVersion.Val) {
		return fmt.Errorf("%w: version not supported", ErrHandshake)
	}
	if !internal.HttpHeaderContains(r.Header.Get(internal.Connection.Key), internal.Connection.Val) {
		return ErrHandshake
	}
	if !strings.EqualFold(r.Header.Get(internal.Upgrade.Key), internal.Upgrade.Val) {
		return ErrHandshake
	}
	if r.Header.Get(internal.SecWebSocketKey.Key) == "" {
		return ErrHandshake
	}
	return nil
}
