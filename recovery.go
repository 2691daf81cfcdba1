package websocket

import (
	"runtime"
	"unsafe"
)

// Recovery recovers a panic raised by an event handler and logs it; used as
// a deferred call around handler dispatch
func Recovery(logger Logger) {
	if e := recover(); e != nil {
		const size = 64 << 10
		buf := make([]byte, size)
		buf = buf[:runtime.Stack(buf, false)]
		msg := *(*string)(unsafe.Pointer(&buf))
		logger.Error("websocket: panic;", e, msg)
	}
}
