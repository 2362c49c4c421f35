package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/karin0/bili-live-bot/internal/config"
	"github.com/karin0/bili-live-bot/internal/live"
	kit "github.com/karin0/bili-live-bot/internal/transport"
	"github.com/karin0/bili-live-bot/internal/transport/bilibili"
	"github.com/karin0/bili-live-bot/internal/watch"
)

type sent struct {
	chat kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	out     chan sent
	stopped atomic.Bool
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error {
	a.stopped.Store(true)
	return nil
}

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.out <- sent{chat: to, text: text, opt: opt}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

type closeCounter struct{ n *atomic.Int32 }

func (c closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

type fakeTransport struct {
	online int64

	mu     sync.Mutex
	emits  map[int64]func(live.Frame)
	opens  map[int64]int
	closes map[int64]*atomic.Int32
}

func newFakeTransport(online int64) *fakeTransport {
	return &fakeTransport{
		online: online,
		emits:  map[int64]func(live.Frame){},
		opens:  map[int64]int{},
		closes: map[int64]*atomic.Int32{},
	}
}

func (t *fakeTransport) Open(_ context.Context, roomID int64, emit func(live.Frame)) (io.Closer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emits[roomID] = emit
	t.opens[roomID]++
	if t.closes[roomID] == nil {
		t.closes[roomID] = &atomic.Int32{}
	}
	online := t.online
	go emit(live.Frame{Kind: live.FrameHeartbeat, Online: online})
	return closeCounter{n: t.closes[roomID]}, nil
}

func (t *fakeTransport) emit(roomID int64, f live.Frame) {
	t.mu.Lock()
	fn := t.emits[roomID]
	t.mu.Unlock()
	fn(f)
}

func (t *fakeTransport) counts(roomID int64) (opens, closes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.closes[roomID]; c != nil {
		closes = int(c.Load())
	}
	return t.opens[roomID], closes
}

// fakeResolver maps listed aliases; unlisted ids below 400 are canonical.
type fakeResolver map[int64]int64

func (r fakeResolver) Resolve(_ context.Context, id int64) (int64, error) {
	if c, ok := r[id]; ok {
		return c, nil
	}
	if id >= 400 && id < 500 {
		return 0, bilibili.ErrRoomNotFound
	}
	return id, nil
}

type harness struct {
	app *App
	ad  *fakeAdapter
	tr  *fakeTransport
}

func newHarness(t *testing.T, mut func(*config.Config), pairs ...string) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"telegram":{"token":"t"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := config.Default()
	cfg.Telegram.Token = "t"
	cfg.Telegram.OwnerUserIDs = []int64{1}
	cfg.Logging.Level = "error"
	cfg.Delivery.SendInterval = "5ms"
	if mut != nil {
		mut(cfg)
	}
	cfgm := config.NewManager(path)
	cfgm.Commit(cfg)

	h := &harness{ad: &fakeAdapter{out: make(chan sent, 64)}, tr: newFakeTransport(3)}
	a, err := build(cfgm, cfg, pairs, Deps{
		Adapter:   h.ad,
		Transport: h.tr,
		Resolver:  fakeResolver{1: 5050},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	h.app = a

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Stop(sctx, "test")
		cancel()
	})
	return h
}

func (h *harness) say(chat, from int64, text string) {
	h.app.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chat, FromID: from, Text: text}}
}

// expect waits for a send to chat whose text contains want, skipping others
// such as online-count updates.
func (h *harness) expect(t *testing.T, chat int64, want string) sent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-h.ad.out:
			if s.chat.ChatID == chat && strings.Contains(s.text, want) {
				return s
			}
		case <-deadline:
			t.Fatalf("no message to %d containing %q", chat, want)
			return sent{}
		}
	}
}

func TestWatchShowUnwatch(t *testing.T) {
	h := newHarness(t, nil)

	h.say(5, 2, "/watch")
	h.expect(t, 5, "Usage: /watch <room_id>")

	h.say(5, 2, "/watch 42")
	h.expect(t, 5, "Done, 🔥 3")
	h.say(5, 2, "/watch 42")
	h.expect(t, 5, "You are already watching this room, 🔥 3")
	if opens, _ := h.tr.counts(42); opens != 1 {
		t.Fatalf("room opened %d times", opens)
	}

	h.say(5, 2, "/show")
	s := h.expect(t, 5, "Watching rooms:\n")
	if !strings.Contains(s.text, `<a href="https://live.bilibili.com/42">42</a>`) || s.opt == nil || s.opt.ParseMode != "HTML" {
		t.Fatalf("show reply=%q opt=%+v", s.text, s.opt)
	}

	h.tr.emit(42, live.Frame{Kind: live.FrameCommand, Cmd: "DANMU_MSG", Body: []byte(`{"info":[[0],"hi",[7,"Alice"],[]]}`)})
	h.expect(t, 5, "Alice (7):\nhi")

	h.say(5, 2, "/unwatch 42")
	h.expect(t, 5, "Done!")
	if _, closes := h.tr.counts(42); closes != 1 {
		t.Fatalf("room closed %d times, want 1", closes)
	}
	h.say(5, 2, "/unwatch 42")
	h.expect(t, 5, "You are not watching this room.")
	h.say(5, 2, "/show")
	h.expect(t, 5, "You are not watching any room.")
}

func TestWatchResolvesAliasAndRejectsUnknown(t *testing.T) {
	h := newHarness(t, nil)

	h.say(5, 2, "/watch 404")
	h.expect(t, 5, "Room 404 does not exist.")

	h.say(5, 2, "/watch 1")
	s := h.expect(t, 5, "Done, 🔥 3")
	want := `Done, 🔥 3 (resolved to <a href="https://live.bilibili.com/5050">5050</a>)`
	if s.text != want || s.opt == nil || s.opt.ParseMode != "HTML" {
		t.Fatalf("reply=%q opt=%+v", s.text, s.opt)
	}
	if got := h.app.watches.Watching(5); !reflect.DeepEqual(got, []int64{5050}) {
		t.Fatalf("watching=%v", got)
	}

	// unwatch by the alias falls back to the canonical id
	h.say(5, 2, "/unwatch 1")
	h.expect(t, 5, "Done!")
	if got := h.app.watches.Watching(5); len(got) != 0 {
		t.Fatalf("watching=%v", got)
	}
}

func TestWatchLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Delivery.MaxWatchPerChat = 2 })

	for _, id := range []string{"10", "11"} {
		h.say(5, 2, "/watch "+id)
		h.expect(t, 5, "Done")
	}
	h.say(5, 2, "/watch 12")
	h.expect(t, 5, "You are not permitted to watch more than 2 rooms.")
	if got := h.app.watches.Watching(5); !reflect.DeepEqual(got, []int64{10, 11}) {
		t.Fatalf("watching=%v", got)
	}
	if opens, _ := h.tr.counts(12); opens != 0 {
		t.Fatalf("room 12 opened at the limit")
	}

	// another chat has its own budget
	h.say(6, 2, "/watch 12")
	h.expect(t, 6, "Done, 🔥 3")
}

func TestStatusIsOwnerOnly(t *testing.T) {
	h := newHarness(t, nil)

	h.say(5, 2, "/status")
	h.expect(t, 5, "unauthorized")

	h.say(5, 1, "/status")
	s := h.expect(t, 5, "rooms: 0")
	if !strings.Contains(s.text, "interval 5ms") {
		t.Fatalf("status=%q", s.text)
	}
}

func TestBootstrapPairs(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Watches = []string{"6:42"} }, "5:42", "bogus", "5:x", "5:43")

	if got := h.app.watches.Watching(5); !reflect.DeepEqual(got, []int64{42, 43}) {
		t.Fatalf("chat 5 watching=%v", got)
	}
	if got := h.app.watches.Watching(6); !reflect.DeepEqual(got, []int64{42}) {
		t.Fatalf("chat 6 watching=%v", got)
	}
	if opens, _ := h.tr.counts(42); opens != 1 {
		t.Fatalf("room 42 opened %d times", opens)
	}
}

func TestStopClosesRoomsAfterAdapter(t *testing.T) {
	h := newHarness(t, nil, "5:42", "6:43")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.app.Stop(ctx, "test"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !h.ad.stopped.Load() {
		t.Fatalf("adapter not stopped")
	}
	for _, id := range []int64{42, 43} {
		if _, closes := h.tr.counts(id); closes != 1 {
			t.Fatalf("room %d closed %d times", id, closes)
		}
	}
	if _, _, err := h.app.watches.AddWatch(5, 44); !errors.Is(err, watch.ErrClosed) {
		t.Fatalf("AddWatch after stop err=%v", err)
	}
}

func TestApplyConfigUpdatesLiveSections(t *testing.T) {
	h := newHarness(t, nil)
	oldCfg := h.app.cfgm.Get()

	next := *oldCfg
	next.Delivery = config.DeliveryConfig{SendInterval: "1s", MaxWatchPerChat: 3}
	next.Telegram.OwnerUserIDs = []int64{2}
	h.app.applyConfig(oldCfg, &next)

	if got := h.app.watches.Limit(); got != 3 {
		t.Fatalf("limit=%d", got)
	}
	if got := h.app.queue.Interval(); got != time.Second {
		t.Fatalf("interval=%v", got)
	}
	h.say(5, 2, "/status")
	h.expect(t, 5, "rooms: 0")
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name string
		in   *config.StorageConfig
		ok   bool
		want string
	}{
		{"nil", nil, false, ""},
		{"none", &config.StorageConfig{Driver: "none"}, false, ""},
		{"off", &config.StorageConfig{Driver: "OFF"}, false, ""},
		{"file", &config.StorageConfig{Driver: "file", Path: " ./a.jsonl "}, true, "file"},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "db"}, true, "sqlite"},
	}
	for _, tc := range cases {
		cfg := config.Default()
		cfg.Storage = tc.in
		sc, ok := mapStorageConfig(cfg)
		if ok != tc.ok || sc.Driver != tc.want {
			t.Fatalf("%s: got %+v ok=%v", tc.name, sc, ok)
		}
		if ok && (sc.BusyTimeout != time.Second || sc.AliasTTL <= 0) {
			t.Fatalf("%s: defaults not applied: %+v", tc.name, sc)
		}
	}
	sc, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file", Path: " ./a.jsonl "}})
	if sc.Path != "./a.jsonl" {
		t.Fatalf("path=%q", sc.Path)
	}
}
