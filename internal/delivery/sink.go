package delivery

import (
	"context"
	"time"

	"github.com/karin0/bili-live-bot/internal/eventbus"
	"github.com/karin0/bili-live-bot/internal/message"
	kit "github.com/karin0/bili-live-bot/internal/transport"
	"github.com/karin0/bili-live-bot/pkg/logx"
	"github.com/karin0/bili-live-bot/pkg/tgui"
)

// Result is the terminal outcome of one Sink.Send. Failures never propagate
// past the sink; callers only observe which way it went.
type Result int

const (
	Sent Result = iota
	Rejected
	RetriedThenFailed
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case Rejected:
		return "rejected"
	case RetriedThenFailed:
		return "retried_then_failed"
	default:
		return "unknown"
	}
}

// TextSender is the part of the chat transport the sink needs.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Sink sends rendered messages with at most one retry.
type Sink struct {
	sender       TextSender
	log          logx.Logger
	bus          eventbus.Bus
	maxRetryWait time.Duration
}

const logTextLimit = 1024

func NewSink(sender TextSender, log logx.Logger, bus eventbus.Bus) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Sink{sender: sender, log: log, bus: bus, maxRetryWait: 5 * time.Second}
}

// Send delivers msg to chatID as HTML.
//
// A permanent rejection is logged and not retried. Any other failure is
// retried once, after the platform's retry-after hint when one was given and
// after wait grants the retry its share of the send cooldown. wait may be nil.
func (s *Sink) Send(ctx context.Context, chatID int64, msg message.Message, wait func(context.Context) error) Result {
	s.log.Info(tgui.TruncRunes(msg.Plain(), logTextLimit), logx.ChatID(chatID))

	to := kit.ChatTarget{ChatID: chatID}
	text := msg.HTML()
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

	_, err := s.sender.SendText(ctx, to, text, opt)
	if err == nil {
		return Sent
	}
	if kit.IsPermanent(err) {
		s.log.Warn("send rejected", logx.ChatID(chatID), logx.Err(err))
		return Rejected
	}

	s.log.Warn("send failed; retrying once", logx.ChatID(chatID), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryRetry, Data: eventbus.Delivery{ChatID: chatID}})

	if after := kit.RetryAfter(err); after > 0 {
		if after > s.maxRetryWait {
			after = s.maxRetryWait
		}
		t := time.NewTimer(after)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Error("send retry abandoned", logx.ChatID(chatID), logx.Err(ctx.Err()))
			return RetriedThenFailed
		case <-t.C:
		}
	}

	if wait != nil {
		if werr := wait(ctx); werr != nil {
			s.log.Error("send retry abandoned", logx.ChatID(chatID), logx.Err(werr))
			return RetriedThenFailed
		}
	}
	if _, err := s.sender.SendText(ctx, to, text, opt); err != nil {
		s.log.Error("send retry failed", logx.ChatID(chatID), logx.Err(err))
		return RetriedThenFailed
	}
	return Sent
}
