package message

import "testing"

func TestRender(t *testing.T) {
	alice := NewActor(7, "Alice", nil)
	cases := []struct {
		name  string
		msg   Message
		html  string
		plain string
	}{
		{
			name:  "chat",
			msg:   Message{alice, Text(":"), Sep, Text("hi")},
			html:  "Alice (7):\nhi",
			plain: "Alice (7): hi",
		},
		{
			name:  "escaped",
			msg:   Message{NewActor(1, "<b>", nil), Text(" & "), Text("<i>")},
			html:  "&lt;b&gt; (1) &amp; &lt;i&gt;",
			plain: "<b> (1) & <i>",
		},
		{
			name:  "medal",
			msg:   Message{NewActor(9, "Bob", &Medal{Name: "喵", Level: 21})},
			html:  "[喵 21] Bob (9)",
			plain: "[喵 21] Bob (9)",
		},
		{
			name:  "unnamed medal ignored",
			msg:   Message{NewActor(9, "Bob", &Medal{Level: 3})},
			html:  "Bob (9)",
			plain: "Bob (9)",
		},
		{
			name:  "room",
			msg:   Message{RoomRef{RoomID: 42}, Sep, Text("x")},
			html:  "#room_42\nx",
			plain: "#42: x",
		},
		{
			name:  "negative ids pass through",
			msg:   Message{Actor{ID: -1, Name: ""}},
			html:  " (-1)",
			plain: " (-1)",
		},
		{name: "empty", msg: nil, html: "", plain: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.msg.HTML(); got != c.html {
				t.Fatalf("HTML()=%q want %q", got, c.html)
			}
			if got := c.msg.Plain(); got != c.plain {
				t.Fatalf("Plain()=%q want %q", got, c.plain)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	got := Join(Message{Text("a")}, Message{Text("b"), Text("c")}, Message{Text("d")})
	if got.Plain() != "a bc d" {
		t.Fatalf("Plain()=%q", got.Plain())
	}
	if got.HTML() != "a\nbc\nd" {
		t.Fatalf("HTML()=%q", got.HTML())
	}
	if len(Join()) != 0 {
		t.Fatalf("empty join should be empty")
	}
	if one := Join(Message{Text("x")}); one.HTML() != "x" {
		t.Fatalf("single join=%q", one.HTML())
	}
}
