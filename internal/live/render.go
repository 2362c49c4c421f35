package live

import (
	"strconv"

	"github.com/karin0/bili-live-bot/internal/message"
)

// Render maps a payload event to the message broadcast to watchers.
// Heartbeats carry no message of their own and render to nil.
func Render(ev Event) message.Message {
	switch e := ev.(type) {
	case ChatEvent:
		return message.Message{e.Actor(), message.Text(":"), message.Sep, message.Text(e.Text)}
	case GiftEvent:
		m := message.Message{e.Actor(), message.Text(" " + e.Action + " " + e.Gift + " x " + itoa(e.Num))}
		if e.Combo != 0 {
			m = append(m, message.Text(" ("+itoa(e.Combo)+")"))
		}
		return m
	case SuperChatEvent:
		tag := " (SC ¥"
		if e.Translated {
			tag = " (SC_JPN ¥"
		}
		m := message.Message{e.Actor(), message.Text(tag + itoa(e.Price) + "):"), message.Sep, message.Text(e.Text)}
		if e.Translated {
			m = append(m, message.Sep, message.Text("JPN: "+e.Translation))
		}
		return m
	case ToastEvent:
		return message.Message{e.Actor(), message.Text(" guard " + e.Role + " x " + itoa(e.Num))}
	case InteractEvent:
		return message.Message{e.Actor(), message.Text(" entered")}
	case HeartbeatEvent:
		return nil
	default:
		return nil
	}
}

// OnlineMessage is broadcast when the online count changes.
func OnlineMessage(online int64) message.Message {
	return message.Message{message.Text("🔥 " + itoa(online))}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
