package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/karin0/bili-live-bot/internal/eventbus"
	"github.com/karin0/bili-live-bot/internal/message"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

// DefaultInterval is the minimum spacing between any two outbound sends.
const DefaultInterval = 100 * time.Millisecond

// Deliverer is what the queue hands joined messages to. *Sink implements it.
//
// The queue paces the first attempt itself. Any further attempt must call
// wait first so it spends the same cooldown as a flush.
type Deliverer interface {
	Send(ctx context.Context, chatID int64, msg message.Message, wait func(context.Context) error) Result
}

// Queue is the global FIFO of handles drained on one shared cooldown.
//
// Sends run one at a time on the Run goroutine. The cooldown is a token
// bucket with burst 1 that is charged right before each transport call,
// retries included, so any two calls are at least one interval apart. Work
// arriving after an idle period still waits for the remainder of the
// interval since the last call, and handles keep coalescing while queued.
type Queue struct {
	sink        Deliverer
	log         logx.Logger
	bus         eventbus.Bus
	lim         *rate.Limiter
	sendTimeout time.Duration

	mu   sync.Mutex
	fifo []*Handle
	wake chan struct{}

	flushes atomic.Uint64
}

type Option func(*Queue)

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(q *Queue) { q.bus = bus } }

// WithSendTimeout bounds one Sink.Send, retry included.
func WithSendTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.sendTimeout = d
		}
	}
}

func NewQueue(sink Deliverer, interval time.Duration, opts ...Option) *Queue {
	if interval <= 0 {
		interval = DefaultInterval
	}
	q := &Queue{
		sink:        sink,
		lim:         rate.NewLimiter(rate.Every(interval), 1),
		sendTimeout: 30 * time.Second,
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	if q.bus == nil {
		q.bus = eventbus.Nop()
	}
	return q
}

// NewHandle creates an idle handle bound to this queue.
func (q *Queue) NewHandle(roomID, chatID int64) *Handle {
	return &Handle{RoomID: roomID, ChatID: chatID, q: q}
}

// Enqueue appends h to the tail unless it is already queued.
func (q *Queue) Enqueue(h *Handle) {
	q.mu.Lock()
	if h.enqueued {
		q.mu.Unlock()
		return
	}
	h.enqueued = true
	q.fifo = append(q.fifo, h)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel removes h from the queue. It reports whether h was queued.
func (q *Queue) Cancel(h *Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !h.enqueued {
		return false
	}
	h.enqueued = false
	for i, x := range q.fifo {
		if x == h {
			copy(q.fifo[i:], q.fifo[i+1:])
			q.fifo[len(q.fifo)-1] = nil
			q.fifo = q.fifo[:len(q.fifo)-1]
			break
		}
	}
	return true
}

// Len is the number of queued handles.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

func (q *Queue) Interval() time.Duration {
	l := q.lim.Limit()
	if l == rate.Inf || l <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(l))
}

// SetInterval changes the cooldown for subsequent flushes.
func (q *Queue) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	q.lim.SetLimit(rate.Every(d))
}

// Flushes is the number of sends started so far.
func (q *Queue) Flushes() uint64 { return q.flushes.Load() }

// Run drains the queue until ctx is done. A send in progress when ctx is
// canceled runs to completion, bounded by the send timeout.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("delivery queue started", logx.Duration("interval", q.Interval()))
	defer q.log.Info("delivery queue stopped", logx.Int("handles_left", q.Len()))
	for {
		if q.Len() == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			}
			continue
		}
		// Handles stay queued, and keep absorbing pushes, until the cooldown ends.
		if err := q.ready(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		q.flushOne(ctx)
	}
}

// ready blocks until the cooldown has a token, without taking it.
func (q *Queue) ready(ctx context.Context) error {
	for {
		tokens := q.lim.TokensAt(time.Now())
		if tokens >= 1 {
			return nil
		}
		wait := time.Duration((1 - tokens) / float64(q.lim.Limit()) * float64(time.Second))
		if wait <= 0 {
			wait = time.Microsecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// acquire takes the cooldown token for one transport call.
func (q *Queue) acquire(ctx context.Context) error {
	for !q.lim.Allow() {
		if err := q.ready(ctx); err != nil {
			return err
		}
	}
	return nil
}

// flushOne pops handles until one has content and sends its joined messages.
// Handles detached after Run saw them are skipped without spending a token.
// It reports whether a send was made.
func (q *Queue) flushOne(ctx context.Context) bool {
	for {
		q.mu.Lock()
		if len(q.fifo) == 0 {
			q.mu.Unlock()
			return false
		}
		h := q.fifo[0]
		q.fifo[0] = nil
		q.fifo = q.fifo[1:]
		h.enqueued = false
		left := len(q.fifo)
		q.mu.Unlock()

		msgs := h.take()
		if len(msgs) == 0 {
			continue
		}
		if err := q.acquire(ctx); err != nil {
			q.log.Warn("flush abandoned",
				logx.Int("msgs", len(msgs)),
				logx.ChatID(h.ChatID),
				logx.RoomID(h.RoomID),
				logx.Err(err),
			)
			return false
		}

		q.flushes.Add(1)
		q.log.Debug("flushing handle",
			logx.Int("msgs", len(msgs)),
			logx.ChatID(h.ChatID),
			logx.RoomID(h.RoomID),
			logx.Int("handles_left", left),
		)

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.sendTimeout)
		res := q.sink.Send(sctx, h.ChatID, message.Join(msgs...), q.acquire)
		cancel()

		typ := eventbus.TypeDeliverySent
		if res != Sent {
			typ = eventbus.TypeDeliveryFail
		}
		q.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.Delivery{
			ChatID:   h.ChatID,
			RoomID:   h.RoomID,
			Messages: len(msgs),
			Result:   res.String(),
		}})
		return true
	}
}
