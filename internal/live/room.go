// Package live owns the upstream connection of each watched room and fans
// decoded events out to the delivery handles of its watchers.
package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/karin0/bili-live-bot/internal/delivery"
	"github.com/karin0/bili-live-bot/internal/eventbus"
	"github.com/karin0/bili-live-bot/internal/message"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

var ErrRoomClosed = errors.New("live: room closed")

// Room is one upstream connection plus the handles of the chats watching it.
type Room struct {
	id    int64
	queue *delivery.Queue
	log   logx.Logger
	bus   eventbus.Bus

	conn   io.Closer
	online *onlineCell

	mu      sync.Mutex
	handles map[int64]*delivery.Handle
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Room)

func WithLogger(log logx.Logger) Option { return func(r *Room) { r.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(r *Room) { r.bus = bus } }

// Open connects to roomID through tr. The room starts with no watchers.
func Open(ctx context.Context, roomID int64, tr Transport, q *delivery.Queue, opts ...Option) (*Room, error) {
	r := &Room{
		id:      roomID,
		queue:   q,
		online:  newOnlineCell(),
		handles: map[int64]*delivery.Handle{},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.bus == nil {
		r.bus = eventbus.Nop()
	}
	r.log = r.log.With(logx.RoomID(roomID))

	r.log.Info("connecting to live room")
	conn, err := tr.Open(ctx, roomID, r.onFrame)
	if err != nil {
		return nil, fmt.Errorf("open room %d: %w", roomID, err)
	}
	r.conn = conn
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRoomOpened, Data: eventbus.RoomChange{RoomID: roomID}})
	return r, nil
}

func (r *Room) ID() int64 { return r.id }

// Attach creates a handle for chatID. It reports false if one already exists
// or the room is closed.
func (r *Room) Attach(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.handles[chatID]; ok {
		return false
	}
	r.handles[chatID] = r.queue.NewHandle(r.id, chatID)
	return true
}

// Detach removes and discards the handle for chatID, pending content included.
func (r *Room) Detach(chatID int64) bool {
	r.mu.Lock()
	h, ok := r.handles[chatID]
	delete(r.handles, chatID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.Detach()
	return true
}

// Idle reports whether no chat is attached.
func (r *Room) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles) == 0
}

// Watchers returns the attached chat ids in ascending order.
func (r *Room) Watchers() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Online returns the online count, waiting for the first heartbeat if none
// has arrived yet.
func (r *Room) Online(ctx context.Context) (int64, error) {
	return r.online.wait(ctx, r.done)
}

// KnownOnline returns the online count without waiting.
func (r *Room) KnownOnline() (int64, bool) { return r.online.get() }

// Close stops dispatch and closes the upstream connection. Only the first
// call has any effect.
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
		if r.conn != nil {
			r.closeErr = r.conn.Close()
		}
		r.log.Info("room closed")
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRoomClosed, Data: eventbus.RoomChange{RoomID: r.id}})
	})
	return r.closeErr
}

func (r *Room) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Room) onFrame(f Frame) {
	if r.Closed() {
		return
	}
	switch f.Kind {
	case FrameOpened:
		r.log.Info("connection established")
		return
	case FrameLive:
		r.log.Info("connected to room")
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRoomLive, Data: eventbus.RoomChange{RoomID: r.id}})
		return
	case FrameClosed:
		r.log.Warn("disconnected from room", logx.Err(f.Err))
		return
	}

	ev, err := Decode(f)
	if err != nil {
		r.log.Warn("dropping event", logx.String("cmd", f.Cmd), logx.Err(err))
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRoomDropped, Data: eventbus.RoomEvent{RoomID: r.id, Kind: f.Cmd}})
		return
	}
	if ev == nil {
		if r.log.Enabled(logx.LevelTrace) {
			r.log.Trace("ignoring command", logx.String("cmd", f.Cmd))
		}
		return
	}
	r.dispatch(ev)
}

func (r *Room) dispatch(ev Event) {
	var msg message.Message
	switch e := ev.(type) {
	case HeartbeatEvent:
		r.log.Debug("heartbeat", logx.Int64("online", e.Online))
		if !r.online.observe(e.Online) {
			return
		}
		msg = OnlineMessage(e.Online)
	default:
		msg = Render(ev)
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRoomEvent, Data: eventbus.RoomEvent{RoomID: r.id, Kind: ev.Kind()}})
	}
	if len(msg) == 0 {
		return
	}
	if r.log.Enabled(logx.LevelDebug) {
		line := append(message.Message{message.RoomRef{RoomID: r.id}, message.Text(" ")}, msg...)
		r.log.Debug(line.Plain())
	}
	r.broadcast(msg)
}

func (r *Room) broadcast(msg message.Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	hs := make([]*delivery.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	r.mu.Unlock()

	for _, h := range hs {
		h.Push(msg)
	}
}
