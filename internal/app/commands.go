package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/karin0/bili-live-bot/internal/storage"
	"github.com/karin0/bili-live-bot/internal/transport/bilibili"
	"github.com/karin0/bili-live-bot/internal/transport/telegram/router"
	"github.com/karin0/bili-live-bot/internal/watch"
	"github.com/karin0/bili-live-bot/pkg/logx"
	"github.com/karin0/bili-live-bot/pkg/tgui"
)

// onlineWait bounds how long /watch waits for the first heartbeat.
const onlineWait = 10 * time.Second

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "watch",
			Description: "forward a live room to this chat",
			Usage:       "/watch <room_id>",
			Handle:      a.cmdWatch,
		},
		{
			Name:        "unwatch",
			Description: "stop forwarding a live room",
			Usage:       "/unwatch <room_id>",
			Handle:      a.cmdUnwatch,
		},
		{
			Name:        "show",
			Aliases:     []string{"list"},
			Description: "list watched rooms",
			Usage:       "/show",
			Handle:      a.cmdShow,
		},
		{
			Name:        "status",
			Description: "bridge status",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdStatus,
		},
	}
}

// roomArg parses the first positional argument as a room id.
func roomArg(req *router.Request) (int64, bool) {
	if len(req.Args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(req.Args[0]), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (a *App) cmdWatch(ctx context.Context, req *router.Request) (err error) {
	start := time.Now()
	var target, fail string
	defer func() { a.audit(req, "watch", target, fail, err, start) }()

	id, ok := roomArg(req)
	if !ok {
		fail = "usage"
		return req.Reply(ctx, "Usage: /watch <room_id>")
	}
	target = strconv.FormatInt(id, 10)

	canonical, err := a.resolver.Resolve(ctx, id)
	if errors.Is(err, bilibili.ErrRoomNotFound) {
		fail = "not found"
		return req.Reply(ctx, fmt.Sprintf("Room %d does not exist.", id))
	}
	if err != nil {
		req.Logger.Warn("room lookup failed", logx.RoomID(id), logx.Err(err))
		if rerr := req.Reply(ctx, fmt.Sprintf("Could not look up room %d, try again later.", id)); rerr != nil {
			return rerr
		}
		return err
	}
	if canonical != id {
		target += "->" + strconv.FormatInt(canonical, 10)
	}

	added, room, err := a.watches.AddWatch(req.Chat.ChatID, canonical)
	if errors.Is(err, watch.ErrClosed) {
		fail = "closed"
		return req.Reply(ctx, "Shutting down, try again later.")
	}
	if err != nil {
		return err
	}
	if room == nil {
		fail = "limit reached"
		return req.Reply(ctx, fmt.Sprintf("You are not permitted to watch more than %d rooms.", a.watches.Limit()))
	}

	online := "?"
	wctx, cancel := context.WithTimeout(ctx, onlineWait)
	n, oerr := room.Online(wctx)
	cancel()
	if oerr == nil {
		online = strconv.FormatInt(n, 10)
	} else {
		req.Logger.Debug("online count unavailable", logx.RoomID(canonical), logx.Err(oerr))
	}

	if !added {
		fail = "already watching"
		return req.Reply(ctx, "You are already watching this room, 🔥 "+online)
	}
	res := "Done, 🔥 " + online
	if canonical == id {
		return req.Reply(ctx, res)
	}
	return req.ReplyHTML(ctx, res+" (resolved to "+tgui.RoomLink(canonical).String()+")")
}

func (a *App) cmdUnwatch(ctx context.Context, req *router.Request) (err error) {
	start := time.Now()
	var target, fail string
	defer func() { a.audit(req, "unwatch", target, fail, err, start) }()

	id, ok := roomArg(req)
	if !ok {
		fail = "usage"
		return req.Reply(ctx, "Usage: /unwatch <room_id>")
	}
	target = strconv.FormatInt(id, 10)
	chatID := req.Chat.ChatID

	if a.watches.RemoveWatch(chatID, id) {
		return req.Reply(ctx, "Done!")
	}
	// the chat may have watched the canonical id of a short alias
	if canonical, rerr := a.resolver.Resolve(ctx, id); rerr == nil && canonical != id {
		target += "->" + strconv.FormatInt(canonical, 10)
		if a.watches.RemoveWatch(chatID, canonical) {
			return req.Reply(ctx, "Done!")
		}
	}
	fail = "not watching"
	return req.Reply(ctx, "You are not watching this room.")
}

func (a *App) cmdShow(ctx context.Context, req *router.Request) (err error) {
	start := time.Now()
	defer func() { a.audit(req, "show", "", "", err, start) }()

	rooms := a.watches.Watching(req.Chat.ChatID)
	if len(rooms) == 0 {
		return req.Reply(ctx, "You are not watching any room.")
	}
	links := make([]tgui.H, 0, len(rooms))
	for _, id := range rooms {
		links = append(links, tgui.RoomLink(id))
	}
	return req.ReplyHTML(ctx, "Watching rooms:\n"+tgui.JoinH(", ", links...).String())
}

func (a *App) cmdStatus(ctx context.Context, req *router.Request) (err error) {
	start := time.Now()
	defer func() { a.audit(req, "status", "", "", err, start) }()

	st := a.watches.Snapshot()
	uptime := time.Duration(0)
	if !a.started.IsZero() {
		uptime = time.Since(a.started).Truncate(time.Second)
	}
	lines := []string{
		tgui.B("Status").String(),
		fmt.Sprintf("rooms: %d", len(st.Rooms)),
		fmt.Sprintf("chats: %d (max %d rooms each)", st.Chats, a.watches.Limit()),
		fmt.Sprintf("queue: %d pending, interval %s, %d sends", a.queue.Len(), a.queue.Interval(), a.queue.Flushes()),
		fmt.Sprintf("uptime: %s", uptime),
	}
	for _, r := range st.Rooms {
		line := tgui.RoomLink(r.RoomID).String() + fmt.Sprintf(" watchers=%d", len(r.Watchers))
		if r.Online != nil {
			line += fmt.Sprintf(" 🔥 %d", *r.Online)
		}
		lines = append(lines, line)
	}
	return req.ReplyHTML(ctx, strings.Join(lines, "\n"))
}

// audit records a command in storage. fail names a refusal the user was
// told about. Write failures are logged and never reach the user.
func (a *App) audit(req *router.Request, action, target, fail string, err error, start time.Time) {
	if a.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:            start,
		RequestID:     req.ReqID,
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
		OK:            err == nil && fail == "",
		Error:         fail,
		TookMS:        time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if werr := a.store.AppendAudit(ctx, e); werr != nil {
		a.log.Warn("audit write failed", logx.String("action", action), logx.ChatID(req.Chat.ChatID), logx.Err(werr))
	}
}
