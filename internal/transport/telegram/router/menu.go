package router

import (
	"strings"
	"unicode"

	kit "github.com/karin0/bili-live-bot/internal/transport"
)

// sanitizeTelegramCommand converts a name into a Telegram command token,
// which is restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = strings.TrimRight(("cmd_" + out)[:min(32, len(out)+4)], "_")
	}
	return out
}

// buildTelegramMenuCommands lists public commands first, owner-only last.
func buildTelegramMenuCommands(cmds []Command) []kit.BotCommand {
	var public, owner []kit.BotCommand
	for _, c := range cmds {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		bc := kit.BotCommand{Command: c.Name, Description: desc}
		if c.Access == AccessOwnerOnly {
			owner = append(owner, bc)
		} else {
			public = append(public, bc)
		}
	}
	out := append(public, owner...)
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}
