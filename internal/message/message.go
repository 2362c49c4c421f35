// Package message models outbound chat content as a closed set of parts.
//
// Every part renders twice: once as Telegram HTML (markup) and once as a
// single-line plain form used in logs. Rendering never fails and does not
// validate ids.
package message

import (
	"html"
	"strconv"
	"strings"
)

// Part is one renderable piece of a Message. The set of implementations is
// closed: Text, Separator, Actor and RoomRef.
type Part interface {
	html(b *strings.Builder)
	plain(b *strings.Builder)
}

// Text is literal user or system text. It is escaped in markup.
type Text string

func (t Text) html(b *strings.Builder)  { b.WriteString(html.EscapeString(string(t))) }
func (t Text) plain(b *strings.Builder) { b.WriteString(string(t)) }

// Separator breaks sections: a newline in markup, a space in plain form.
type Separator struct{}

func (Separator) html(b *strings.Builder)  { b.WriteByte('\n') }
func (Separator) plain(b *strings.Builder) { b.WriteByte(' ') }

// Sep is the shared Separator value.
var Sep Part = Separator{}

// Actor names a user by display name and uid.
type Actor struct {
	ID   int64
	Name string
}

func (a Actor) html(b *strings.Builder) {
	b.WriteString(html.EscapeString(a.Name))
	b.WriteString(" (")
	b.WriteString(strconv.FormatInt(a.ID, 10))
	b.WriteByte(')')
}

func (a Actor) plain(b *strings.Builder) {
	b.WriteString(a.Name)
	b.WriteString(" (")
	b.WriteString(strconv.FormatInt(a.ID, 10))
	b.WriteByte(')')
}

// Medal is the fan badge shown in front of a name.
type Medal struct {
	Name  string
	Level int64
}

// NewActor builds an Actor, prefixing the name with "[<medal> <level>] "
// when a named medal is present.
func NewActor(id int64, name string, medal *Medal) Actor {
	if medal != nil && medal.Name != "" {
		name = "[" + medal.Name + " " + strconv.FormatInt(medal.Level, 10) + "] " + name
	}
	return Actor{ID: id, Name: name}
}

// RoomRef points at a live room.
type RoomRef struct {
	RoomID int64
}

func (r RoomRef) html(b *strings.Builder) {
	b.WriteString("#room_")
	b.WriteString(strconv.FormatInt(r.RoomID, 10))
}

func (r RoomRef) plain(b *strings.Builder) {
	b.WriteByte('#')
	b.WriteString(strconv.FormatInt(r.RoomID, 10))
	b.WriteByte(':')
}

// Message is an ordered sequence of parts.
type Message []Part

// HTML renders the message for Telegram's HTML parse mode.
func (m Message) HTML() string {
	var b strings.Builder
	for _, p := range m {
		if p != nil {
			p.html(&b)
		}
	}
	return b.String()
}

// Plain renders the message on one line for logs.
func (m Message) Plain() string {
	var b strings.Builder
	for _, p := range m {
		if p != nil {
			p.plain(&b)
		}
	}
	return b.String()
}

// Join concatenates messages with a Separator between each pair.
func Join(msgs ...Message) Message {
	n := 0
	for _, m := range msgs {
		n += len(m) + 1
	}
	out := make(Message, 0, n)
	for i, m := range msgs {
		if i > 0 {
			out = append(out, Sep)
		}
		out = append(out, m...)
	}
	return out
}
