package eventbus

// Event types published by the bridge. Data carries the matching payload struct.
const (
	TypeWatchAdded    = "watch.added"    // WatchChange
	TypeWatchRemoved  = "watch.removed"  // WatchChange
	TypeRoomOpened    = "room.opened"    // RoomChange
	TypeRoomClosed    = "room.closed"    // RoomChange
	TypeRoomLive      = "room.live"      // RoomChange
	TypeRoomEvent     = "room.event"     // RoomEvent
	TypeRoomDropped   = "room.dropped"   // RoomEvent (malformed payload)
	TypeDeliverySent  = "delivery.sent"  // Delivery
	TypeDeliveryRetry = "delivery.retry" // Delivery
	TypeDeliveryFail  = "delivery.fail"  // Delivery
	TypeCommand       = "command"        // Command
)

type WatchChange struct {
	ChatID int64
	RoomID int64
}

type RoomChange struct {
	RoomID int64
}

type RoomEvent struct {
	RoomID int64
	Kind   string
}

type Delivery struct {
	ChatID   int64
	RoomID   int64
	Messages int
	Result   string
}

type Command struct {
	Name string
	OK   bool
}
