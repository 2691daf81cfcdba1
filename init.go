package websocket

import (
	"github.com/lxzan/websocket/internal"
)

// binaryPool recycles frame and message buffers; the classes cover control
// frames, ordinary messages, and the streaming writer's segments
var binaryPool = internal.NewBufferPool(128, 4*1024, 256*1024)

// framePadding reserves room for the frame header in front of the payload, so
// a frame is generated with a single buffer and no payload copy
var framePadding = frameHeader{}
