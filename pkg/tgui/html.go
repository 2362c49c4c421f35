package tgui

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"unicode/utf8"
)

// H represents HTML that is safe to pass to Telegram when ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks a string as already-safe HTML. Use sparingly.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H { return wrap("b", Esc(s)) }

// link builds an anchor. html.EscapeString also escapes quotes in the attribute.
func link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

const liveRoomURL = "https://live.bilibili.com/"

// RoomLink links a live room by id, e.g. <a href="https://live.bilibili.com/42">42</a>.
func RoomLink(roomID int64) H {
	id := strconv.FormatInt(roomID, 10)
	return link(id, liveRoomURL+id)
}

// JoinH joins safe HTML parts with sep, skipping blank parts.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// TruncRunes cuts s to n runes, marking a cut with a trailing "…".
// Log lines and Telegram records are measured in runes, not bytes.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
