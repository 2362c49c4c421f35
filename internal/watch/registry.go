// Package watch keeps track of which chats watch which rooms and owns the
// lifecycle of the room connections behind them.
package watch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/karin0/bili-live-bot/internal/delivery"
	"github.com/karin0/bili-live-bot/internal/eventbus"
	"github.com/karin0/bili-live-bot/internal/live"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

// DefaultLimit is the number of rooms one chat may watch.
const DefaultLimit = 5

var ErrClosed = errors.New("watch: registry closed")

// Opener connects a room. live.Open satisfies it once bound to a transport
// and queue; tests substitute their own.
type Opener func(ctx context.Context, roomID int64) (*live.Room, error)

// Registry maps chats to watched rooms and rooms to their connection.
// Both maps change together under one lock, so they never disagree.
type Registry struct {
	ctx  context.Context
	open Opener
	log  logx.Logger
	bus  eventbus.Bus

	mu       sync.Mutex
	limit    int
	watching map[int64]map[int64]struct{} // chat -> rooms
	rooms    map[int64]*live.Room
	closed   bool
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(r *Registry) { r.bus = bus } }

func WithLimit(n int) Option { return func(r *Registry) { r.limit = n } }

// New returns an empty registry. ctx bounds the lifetime of every room
// connection it opens.
func New(ctx context.Context, open Opener, opts ...Option) *Registry {
	r := &Registry{
		ctx:      ctx,
		open:     open,
		limit:    DefaultLimit,
		watching: map[int64]map[int64]struct{}{},
		rooms:    map[int64]*live.Room{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.limit <= 0 {
		r.limit = DefaultLimit
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.bus == nil {
		r.bus = eventbus.Nop()
	}
	return r
}

// LiveOpener binds live.Open to a transport and queue.
func LiveOpener(tr live.Transport, q *delivery.Queue, opts ...live.Option) Opener {
	return func(ctx context.Context, roomID int64) (*live.Room, error) {
		return live.Open(ctx, roomID, tr, q, opts...)
	}
}

// AddWatch subscribes chatID to roomID.
//
// It returns (false, room, nil) if the chat already watches the room and
// (false, nil, nil) if the chat is at its limit. Otherwise the room is
// opened if needed and (true, room, nil) is returned.
func (r *Registry) AddWatch(chatID, roomID int64) (bool, *live.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, nil, ErrClosed
	}

	set := r.watching[chatID]
	if _, ok := set[roomID]; ok {
		return false, r.rooms[roomID], nil
	}
	if len(set) >= r.limit {
		return false, nil, nil
	}

	room := r.rooms[roomID]
	if room == nil {
		var err error
		room, err = r.open(r.ctx, roomID)
		if err != nil {
			return false, nil, err
		}
		r.rooms[roomID] = room
	}
	if !room.Attach(chatID) {
		panic(fmt.Sprintf("watch: attach failed unexpectedly room=%d chat=%d", roomID, chatID))
	}
	if set == nil {
		set = map[int64]struct{}{}
		r.watching[chatID] = set
	}
	set[roomID] = struct{}{}

	r.log.Info("started watching", logx.ChatID(chatID), logx.RoomID(roomID))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeWatchAdded, Data: eventbus.WatchChange{ChatID: chatID, RoomID: roomID}})
	return true, room, nil
}

// RemoveWatch unsubscribes chatID from roomID, closing the room when it was
// the last watcher. It reports whether the watch existed.
func (r *Registry) RemoveWatch(chatID, roomID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil || !room.Detach(chatID) {
		return false
	}
	if set := r.watching[chatID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.watching, chatID)
		}
	}
	if room.Idle() {
		delete(r.rooms, roomID)
		if err := room.Close(); err != nil {
			r.log.Warn("closing room", logx.RoomID(roomID), logx.Err(err))
		}
	}

	r.log.Info("stopped watching", logx.ChatID(chatID), logx.RoomID(roomID))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeWatchRemoved, Data: eventbus.WatchChange{ChatID: chatID, RoomID: roomID}})
	return true
}

// Watching returns the rooms chatID watches, ascending.
func (r *Registry) Watching(chatID int64) []int64 {
	r.mu.Lock()
	set := r.watching[chatID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Room returns the open connection for roomID, if any.
func (r *Registry) Room(roomID int64) *live.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

func (r *Registry) Limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit
}

// SetLimit changes the per-chat cap. Chats already above it keep their
// watches but cannot add more.
func (r *Registry) SetLimit(n int) {
	if n <= 0 {
		n = DefaultLimit
	}
	r.mu.Lock()
	r.limit = n
	r.mu.Unlock()
}

// RoomStat describes one open room.
type RoomStat struct {
	RoomID   int64   `json:"room_id"`
	Watchers []int64 `json:"watchers"`
	Online   *int64  `json:"online,omitempty"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Chats int        `json:"chats"`
	Rooms []RoomStat `json:"rooms"`
}

func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	st := Stats{Chats: len(r.watching), Rooms: make([]RoomStat, 0, len(r.rooms))}
	for id, room := range r.rooms {
		rs := RoomStat{RoomID: id, Watchers: room.Watchers()}
		if v, ok := room.KnownOnline(); ok {
			rs.Online = &v
		}
		st.Rooms = append(st.Rooms, rs)
	}
	r.mu.Unlock()
	slices.SortFunc(st.Rooms, func(a, b RoomStat) int {
		switch {
		case a.RoomID < b.RoomID:
			return -1
		case a.RoomID > b.RoomID:
			return 1
		}
		return 0
	})
	return st
}

// Close closes every room and rejects later AddWatch calls.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	rooms := r.rooms
	r.rooms = map[int64]*live.Room{}
	r.watching = map[int64]map[int64]struct{}{}
	r.mu.Unlock()

	r.log.Info("closing rooms", logx.Int("rooms", len(rooms)))
	for id, room := range rooms {
		if err := room.Close(); err != nil {
			r.log.Warn("closing room", logx.RoomID(id), logx.Err(err))
		}
	}
}
