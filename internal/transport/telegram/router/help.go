package router

import (
	"strings"

	"github.com/karin0/bili-live-bot/pkg/tgui"
)

// helpText renders HTML help. Owner-only commands are listed for owners only.
func (m *CommandManager) helpText(args []string, owner bool) string {
	if len(args) > 0 {
		word := strings.TrimPrefix(strings.TrimSpace(args[0]), "/")
		c, ok := m.lookup(word)
		if !ok || (c.Access == AccessOwnerOnly && !owner) {
			return "❓ <b>Unknown command</b>\nTry <code>/help</code> for the list."
		}
		return helpCommandHTML(*c)
	}

	lines := []string{"📚 <b>Commands</b>"}
	for _, c := range m.commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		line := "• <code>/" + esc(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " " + esc(d)
		}
		if c.Access == AccessOwnerOnly {
			line += " 🔒"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Send <code>/help &lt;command&gt;</code> for details.")
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c Command) string {
	lines := []string{"📚 <b>/" + esc(c.Name) + "</b>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, esc(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+esc(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		al := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			al = append(al, "<code>/"+esc(a)+"</code>")
		}
		lines = append(lines, "", "<b>Aliases</b> "+strings.Join(al, ", "))
	}
	return strings.Join(lines, "\n")
}

func esc(s string) string { return tgui.Esc(s).String() }
