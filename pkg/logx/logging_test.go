package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, c := range cases {
		if got := parseLevel(c.in, zerolog.InfoLevel); got != c.want {
			t.Fatalf("parseLevel(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","comp":"delivery.sink","message":"send failed","room_id":42,"chat_id":7}` + "\n")
	got := formatTelegramJSON(line)
	want := "[WARN] delivery.sink: send failed\n- chat_id=7\n- room_id=42 (live.bilibili.com/42)"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatTelegramJSON([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw fallback: %q", got)
	}
}

func TestWithKeepsFieldsAndZeroIsNop(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Info("hello", RoomID(42))
	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"room_id":42`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}

	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Error("must not panic")
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	done chan struct{}
}

func (c *captureSender) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
	return nil
}

func TestTelegramSinkHonorsMinLevel(t *testing.T) {
	sender := &captureSender{done: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, sender)
	svc.SetTelegramTarget(-100, 0)
	svc.Apply(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()

	log.Info("quiet")
	log.Error("loud")
	<-sender.done

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 || !strings.HasPrefix(sender.msgs[0], "[ERROR] loud") {
		t.Fatalf("unexpected telegram records: %q", sender.msgs)
	}
}
