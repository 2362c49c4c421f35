package config

import (
	"strconv"
	"strings"
)

// ParseWatchPair parses "<chat_id>:<room_id>". Chat ids may be negative
// (Telegram groups); room ids must be positive.
func ParseWatchPair(s string) (chatID, roomID int64, ok bool) {
	chat, room, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, 0, false
	}
	c, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil || c == 0 {
		return 0, 0, false
	}
	r, err := strconv.ParseInt(strings.TrimSpace(room), 10, 64)
	if err != nil || r <= 0 {
		return 0, 0, false
	}
	return c, r, true
}
