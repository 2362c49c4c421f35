package live

import (
	"context"
	"io"
)

// FrameKind tags what a transport observed on the upstream connection.
type FrameKind int

const (
	FrameOpened    FrameKind = iota // socket established
	FrameLive                       // auth accepted, events will follow
	FrameClosed                     // connection lost; the transport reconnects on its own
	FrameHeartbeat                  // Online is set
	FrameCommand                    // Cmd and Body are set
)

func (k FrameKind) String() string {
	switch k {
	case FrameOpened:
		return "opened"
	case FrameLive:
		return "live"
	case FrameClosed:
		return "closed"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Frame is one lifecycle or payload notification from a transport.
type Frame struct {
	Kind   FrameKind
	Online int64
	Cmd    string
	Body   []byte
	Err    error
}

// Transport opens upstream connections for rooms.
//
// Open must not block on the connection itself: it starts whatever goroutines
// it needs and returns. emit is called from those goroutines, one frame at a
// time, until the returned Closer is closed or ctx is done.
type Transport interface {
	Open(ctx context.Context, roomID int64, emit func(Frame)) (io.Closer, error)
}
