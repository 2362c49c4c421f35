package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseYAMLAndEnv(t *testing.T) {
	t.Setenv(EnvBotToken, "")
	t.Setenv(EnvSessData, "cookie")
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
telegram:
  token: abc
  owner_user_ids: [1, 2]
delivery:
  send_interval: 250ms
  max_watch_per_chat: 3
watches: ["-100:21452505"]
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "abc" || len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Bilibili.SessData != "cookie" {
		t.Fatalf("SESSDATA override not applied")
	}
	if cfg.Delivery.Interval() != 250*time.Millisecond || cfg.Delivery.WatchLimit() != 3 {
		t.Fatalf("delivery=%+v", cfg.Delivery)
	}
	if cfg.Delivery.Timeout() != DefaultSendTimeout || cfg.Bilibili.Heartbeat() != DefaultHeartbeatInterval {
		t.Fatalf("defaults not applied")
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"telegram":{"token":"x"},"plugins":{}}`,
		"trailing.json": `{"telegram":{"token":"x"}} {}`,
		"unknown.yml":   "telegram:\n  tokn: x\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		writeFile(t, path, body)
		if _, err := NewManager(path).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.json")

	t.Setenv(EnvBotToken, "")
	if _, err := NewManager(path).Load(); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("err=%v want ErrNoConfig", err)
	}

	t.Setenv(EnvBotToken, "tok")
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "tok" || cfg.Delivery.WatchLimit() != DefaultMaxWatchPerChat || cfg.Delivery.Interval() != DefaultSendInterval {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Default()
		c.Telegram.Token = "t"
		return c
	}
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad duration", func(c *Config) { c.Delivery.SendInterval = "fast" }, "delivery.send_interval"},
		{"negative duration", func(c *Config) { c.Bilibili.HeartbeatInterval = "-1s" }, "bilibili.heartbeat_interval"},
		{"bad group log", func(c *Config) { c.Telegram.GroupLog = "abc" }, "telegram.group_log"},
		{"bad driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"public admin", func(c *Config) { c.Admin = AdminConfig{Enabled: true, Addr: "0.0.0.0:9090"} }, "admin.addr"},
		{"public admin with token", func(c *Config) { c.Admin = AdminConfig{Enabled: true, Addr: "0.0.0.0:9090", Token: "s"} }, ""},
		{"bad pair", func(c *Config) { c.Watches = []string{"1-2"} }, "watches"},
	}
	for _, tc := range cases {
		c := base()
		tc.mut(c)
		err := Validate(c)
		switch {
		case tc.want == "" && err != nil:
			t.Fatalf("%s: unexpected %v", tc.name, err)
		case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
			t.Fatalf("%s: err=%v want %q", tc.name, err, tc.want)
		}
	}
}

func TestParseWatchPair(t *testing.T) {
	cases := []struct {
		in         string
		chat, room int64
		ok         bool
	}{
		{"-1001:42", -1001, 42, true},
		{" 5 : 7 ", 5, 7, true},
		{"5", 0, 0, false},
		{"a:1", 0, 0, false},
		{"5:0", 0, 0, false},
		{"0:5", 0, 0, false},
	}
	for _, c := range cases {
		chat, room, ok := ParseWatchPair(c.in)
		if chat != c.chat || room != c.room || ok != c.ok {
			t.Fatalf("ParseWatchPair(%q)=(%d,%d,%v)", c.in, chat, room, ok)
		}
	}
}

func TestParseGroupLog(t *testing.T) {
	if c, th, ok := ParseGroupLog("-100:12"); !ok || c != -100 || th != 12 {
		t.Fatalf("got %d %d %v", c, th, ok)
	}
	if _, _, ok := ParseGroupLog(""); ok {
		t.Fatalf("empty accepted")
	}
}

func TestSummarizeHidesSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Telegram.Token = "secret-token"
	b.Bilibili.SessData = "secret-cookie"
	b.Delivery.SendInterval = "1s"
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "bilibili,delivery,telegram" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RestartRequired(a, b, changed); strings.Join(got, ",") != "bilibili,telegram" {
		t.Fatalf("restart=%v", got)
	}
	c := Default()
	c.Telegram.OwnerUserIDs = []int64{9}
	ch, _ := SummarizeConfigChange(a, c)
	if got := RestartRequired(a, c, ch); len(got) != 0 {
		t.Fatalf("owner change should be live, got %v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Setenv(EnvBotToken, "")
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"a"}}`)

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// let the watcher register
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, `{"telegram":{"token":""}}`)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, path, `{"telegram":{"token":"a"},"delivery":{"send_interval":"2s"}}`)
	select {
	case cfg := <-sub:
		if cfg.Delivery.Interval() != 2*time.Second {
			t.Fatalf("interval=%v", cfg.Delivery.Interval())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload published")
	}
	if m.Get().Delivery.SendInterval != "2s" {
		t.Fatalf("reload not committed")
	}
}
