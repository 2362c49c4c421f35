package app

import (
	"github.com/karin0/bili-live-bot/internal/config"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

// bootstrap adds "chat_id:room_id" watches given at startup. Room ids are
// used as given, without resolving aliases.
func (a *App) bootstrap(pairs []string) {
	for _, arg := range pairs {
		chatID, roomID, ok := config.ParseWatchPair(arg)
		if !ok {
			a.log.Warn("unrecognized: "+arg, logx.String("want", "chat_id:room_id"))
			continue
		}
		added, _, err := a.watches.AddWatch(chatID, roomID)
		switch {
		case err != nil:
			a.log.Error("failed to add watch", logx.ChatID(chatID), logx.RoomID(roomID), logx.Err(err))
		case added:
			a.log.Info("added chat <- room", logx.ChatID(chatID), logx.RoomID(roomID))
		default:
			a.log.Warn("failed to add chat <- room", logx.ChatID(chatID), logx.RoomID(roomID))
		}
	}
}
