package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat-destination transport.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that expose a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// SendError is a classified delivery failure.
//
// Permanent failures are client-side rejections (bad request, bot blocked,
// chat gone) that a retry cannot fix. RetryAfter is set when the platform
// asked us to back off.
type SendError struct {
	Code       int
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Code != 0 {
		return fmt.Sprintf("send failed (%s, code=%d): %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("send failed (%s): %v", kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent rejection.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// RetryAfter returns the back-off hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// ClassifyStatus maps a platform status code to a permanent or transient failure.
// 400, 401, 403 and 404 cannot succeed on retry; 429, 5xx and everything else may.
func ClassifyStatus(code int) bool {
	switch code {
	case 400, 401, 403, 404:
		return true
	default:
		return false
	}
}
