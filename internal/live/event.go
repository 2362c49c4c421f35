package live

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/karin0/bili-live-bot/internal/message"
)

// ErrMalformed marks a payload whose shape does not match its command.
var ErrMalformed = errors.New("live: malformed payload")

// Event is a decoded room event. The set is closed; see Render for the
// mapping to messages.
type Event interface {
	Kind() string
	isEvent()
}

// User identifies who triggered an event.
type User struct {
	UID   int64
	Name  string
	Medal *message.Medal
}

func (u User) Actor() message.Actor { return message.NewActor(u.UID, u.Name, u.Medal) }

type ChatEvent struct {
	User
	Text string
}

type GiftEvent struct {
	User
	Action string
	Gift   string
	Num    int64
	Combo  int64
}

// SuperChatEvent is a paid highlighted message. Translated is set for the
// variant that carries a machine translation.
type SuperChatEvent struct {
	User
	Text        string
	Price       int64
	Translated  bool
	Translation string
}

type ToastEvent struct {
	User
	Role string
	Num  int64
}

type InteractEvent struct {
	User
}

type HeartbeatEvent struct {
	Online int64
}

func (ChatEvent) Kind() string      { return "chat" }
func (GiftEvent) Kind() string      { return "gift" }
func (SuperChatEvent) Kind() string { return "super_chat" }
func (ToastEvent) Kind() string     { return "toast" }
func (InteractEvent) Kind() string  { return "interact" }
func (HeartbeatEvent) Kind() string { return "heartbeat" }

func (ChatEvent) isEvent()      {}
func (GiftEvent) isEvent()      {}
func (SuperChatEvent) isEvent() {}
func (ToastEvent) isEvent()     {}
func (InteractEvent) isEvent()  {}
func (HeartbeatEvent) isEvent() {}

// Decode turns a payload frame into an Event.
//
// Unrecognized commands and lifecycle frames yield (nil, nil). A recognized
// command with an unexpected shape yields an error wrapping ErrMalformed.
func Decode(f Frame) (Event, error) {
	switch f.Kind {
	case FrameHeartbeat:
		return HeartbeatEvent{Online: f.Online}, nil
	case FrameCommand:
	default:
		return nil, nil
	}

	// Commands may carry suffixes, e.g. DANMU_MSG:4:0:2:2:2:0.
	cmd, _, _ := strings.Cut(f.Cmd, ":")
	var (
		ev  Event
		err error
	)
	switch cmd {
	case "DANMU_MSG":
		ev, err = decodeDanmu(f.Body)
	case "SEND_GIFT":
		ev, err = decodeGift(f.Body)
	case "SUPER_CHAT_MESSAGE":
		ev, err = decodeSuperChat(f.Body, false)
	case "SUPER_CHAT_MESSAGE_JPN":
		ev, err = decodeSuperChat(f.Body, true)
	case "USER_TOAST_MSG":
		ev, err = decodeToast(f.Body)
	case "INTERACT_WORD":
		ev, err = decodeInteract(f.Body)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, cmd, err)
	}
	return ev, nil
}

// flexInt accepts JSON numbers and numeric strings; upstream is not consistent.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = flexInt(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	*n = flexInt(int64(f))
	return nil
}

type medalJSON struct {
	Name  string  `json:"medal_name"`
	Level flexInt `json:"medal_level"`
}

func (m *medalJSON) medal() *message.Medal {
	if m == nil || m.Name == "" {
		return nil
	}
	return &message.Medal{Name: m.Name, Level: int64(m.Level)}
}

func decodeData(body []byte, v any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return errors.New("missing data")
	}
	return json.Unmarshal(env.Data, v)
}

// DANMU_MSG is positional: info[1] text, info[2] [uid, uname, ...],
// info[3] [medal_level, medal_name, ...] (empty without a medal).
func decodeDanmu(body []byte) (Event, error) {
	var p struct {
		Info []json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	if len(p.Info) < 3 {
		return nil, fmt.Errorf("info has %d fields", len(p.Info))
	}

	var ev ChatEvent
	if err := json.Unmarshal(p.Info[1], &ev.Text); err != nil {
		return nil, fmt.Errorf("info[1]: %w", err)
	}

	var user []json.RawMessage
	if err := json.Unmarshal(p.Info[2], &user); err != nil || len(user) < 2 {
		return nil, errors.New("info[2]: want [uid, uname]")
	}
	var uid flexInt
	if err := json.Unmarshal(user[0], &uid); err != nil {
		return nil, fmt.Errorf("uid: %w", err)
	}
	if err := json.Unmarshal(user[1], &ev.Name); err != nil {
		return nil, fmt.Errorf("uname: %w", err)
	}
	ev.UID = int64(uid)

	if len(p.Info) > 3 {
		var medal []json.RawMessage
		if err := json.Unmarshal(p.Info[3], &medal); err == nil && len(medal) >= 2 {
			var m medalJSON
			if json.Unmarshal(medal[0], &m.Level) == nil && json.Unmarshal(medal[1], &m.Name) == nil {
				ev.Medal = m.medal()
			}
		}
	}
	return ev, nil
}

func decodeGift(body []byte) (Event, error) {
	var d struct {
		UID       flexInt    `json:"uid"`
		Uname     string     `json:"uname"`
		Action    string     `json:"action"`
		GiftName  string     `json:"giftName"`
		Num       flexInt    `json:"num"`
		SuperNum  flexInt    `json:"super_gift_num"`
		MedalInfo *medalJSON `json:"medal_info"`
	}
	if err := decodeData(body, &d); err != nil {
		return nil, err
	}
	return GiftEvent{
		User:   User{UID: int64(d.UID), Name: d.Uname, Medal: d.MedalInfo.medal()},
		Action: d.Action,
		Gift:   d.GiftName,
		Num:    int64(d.Num),
		Combo:  int64(d.SuperNum),
	}, nil
}

func decodeSuperChat(body []byte, translated bool) (Event, error) {
	var d struct {
		UID      flexInt `json:"uid"`
		UserInfo *struct {
			Uname string `json:"uname"`
		} `json:"user_info"`
		MedalInfo  *medalJSON `json:"medal_info"`
		Message    string     `json:"message"`
		MessageJPN string     `json:"message_jpn"`
		Price      flexInt    `json:"price"`
	}
	if err := decodeData(body, &d); err != nil {
		return nil, err
	}
	if d.UserInfo == nil {
		return nil, errors.New("missing user_info")
	}
	ev := SuperChatEvent{
		User:  User{UID: int64(d.UID), Name: d.UserInfo.Uname, Medal: d.MedalInfo.medal()},
		Text:  d.Message,
		Price: int64(d.Price),
	}
	if translated {
		ev.Translated = true
		ev.Translation = d.MessageJPN
	}
	return ev, nil
}

func decodeToast(body []byte) (Event, error) {
	var d struct {
		UID      flexInt `json:"uid"`
		Username string  `json:"username"`
		RoleName string  `json:"role_name"`
		Num      flexInt `json:"num"`
	}
	if err := decodeData(body, &d); err != nil {
		return nil, err
	}
	return ToastEvent{
		User: User{UID: int64(d.UID), Name: d.Username},
		Role: d.RoleName,
		Num:  int64(d.Num),
	}, nil
}

func decodeInteract(body []byte) (Event, error) {
	var d struct {
		UID       flexInt    `json:"uid"`
		Uname     string     `json:"uname"`
		FansMedal *medalJSON `json:"fans_medal"`
	}
	if err := decodeData(body, &d); err != nil {
		return nil, err
	}
	return InteractEvent{User: User{UID: int64(d.UID), Name: d.Uname, Medal: d.FansMedal.medal()}}, nil
}
