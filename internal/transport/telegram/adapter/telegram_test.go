package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "github.com/karin0/bili-live-bot/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	lines := strings.Repeat("abcdefghi\n", 10) // 100 runes
	got := splitTelegramText(lines, 35, "")
	for _, c := range got {
		if len([]rune(c)) > 35 {
			t.Fatalf("chunk over limit: %d", len([]rune(c)))
		}
		if strings.HasSuffix(c, "\n") || strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk keeps boundary newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != strings.TrimRight(lines, "\n") {
		t.Fatalf("chunks lost content")
	}

	html := strings.Repeat("x", 8) + `<a href="y">z</a>` + strings.Repeat("x", 8)
	for _, c := range splitTelegramText(html, 12, "HTML") {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("tag split across chunks: %q", c)
		}
	}
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      int
		permanent bool
		retry     time.Duration
	}{
		{"blocked", tele.ErrBlockedByUser, 403, true, 0},
		{"chat not found", tele.ErrChatNotFound, 400, true, 0},
		{"flood", tele.FloodError{RetryAfter: 3}, 429, false, 3 * time.Second},
		{"unregistered api error", fmt.Errorf("telegram: Internal Server Error (500)"), 500, false, 0},
		{"unregistered bad request", fmt.Errorf("telegram: Bad Request: message is too long (400)"), 400, true, 0},
		{"network", errors.New("dial tcp: i/o timeout"), 0, false, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := classifySendError(c.err)
			var se *kit.SendError
			if !errors.As(err, &se) {
				t.Fatalf("not a SendError: %T", err)
			}
			if se.Code != c.code || se.Permanent != c.permanent || se.RetryAfter != c.retry {
				t.Fatalf("got code=%d permanent=%v retry=%v", se.Code, se.Permanent, se.RetryAfter)
			}
			if kit.IsPermanent(err) != c.permanent {
				t.Fatalf("IsPermanent mismatch")
			}
			if !errors.Is(err, c.err) {
				t.Fatalf("original error not wrapped")
			}
		})
	}
}
