package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/karin0/bili-live-bot/internal/eventbus"
	"github.com/karin0/bili-live-bot/internal/message"
)

type sendRecord struct {
	chatID int64
	plain  string
	at     time.Time
}

type recordingDeliverer struct {
	mu       sync.Mutex
	sends    []sendRecord
	attempts []sendRecord // every transport call, retries included
	ch       chan sendRecord
	delay    time.Duration
	slow     map[int64]time.Duration // first call to a chat takes this long
	failOnce map[int64]bool          // first call to a chat fails and is retried
}

func newRecorder() *recordingDeliverer {
	return &recordingDeliverer{ch: make(chan sendRecord, 64)}
}

func (r *recordingDeliverer) attempt(chatID int64, msg message.Message) sendRecord {
	rec := sendRecord{chatID: chatID, plain: msg.Plain(), at: time.Now()}
	r.mu.Lock()
	r.attempts = append(r.attempts, rec)
	d := r.slow[chatID]
	delete(r.slow, chatID)
	r.mu.Unlock()
	if d += r.delay; d > 0 {
		time.Sleep(d)
	}
	return rec
}

func (r *recordingDeliverer) Send(ctx context.Context, chatID int64, msg message.Message, wait func(context.Context) error) Result {
	rec := r.attempt(chatID, msg)
	r.mu.Lock()
	retry := r.failOnce[chatID]
	delete(r.failOnce, chatID)
	r.mu.Unlock()
	if retry {
		if wait != nil {
			if err := wait(ctx); err != nil {
				return RetriedThenFailed
			}
		}
		rec = r.attempt(chatID, msg)
	}
	r.mu.Lock()
	r.sends = append(r.sends, rec)
	r.mu.Unlock()
	r.ch <- rec
	return Sent
}

// gaps checks that consecutive transport calls are at least interval apart.
func (r *recordingDeliverer) gaps(t *testing.T, interval time.Duration) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.attempts); i++ {
		prev, cur := r.attempts[i-1], r.attempts[i]
		if gap := cur.at.Sub(prev.at); gap < interval-time.Millisecond {
			t.Fatalf("calls to chat %d and chat %d were %v apart, interval is %v", prev.chatID, cur.chatID, gap, interval)
		}
	}
}

func (r *recordingDeliverer) next(t *testing.T) sendRecord {
	t.Helper()
	select {
	case rec := <-r.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a send")
		return sendRecord{}
	}
}

func (r *recordingDeliverer) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case rec := <-r.ch:
		t.Fatalf("unexpected send %+v", rec)
	case <-time.After(d):
	}
}

func text(s string) message.Message { return message.Message{message.Text(s)} }

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestQueueCoalescesPendingMessages(t *testing.T) {
	rec := newRecorder()
	q := NewQueue(rec, 10*time.Millisecond)
	h := q.NewHandle(42, 1)

	h.Push(text("a"))
	h.Push(text("b"))
	h.Push(text("c"))
	if q.Len() != 1 {
		t.Fatalf("handle queued %d times, want once", q.Len())
	}

	startQueue(t, q)
	got := rec.next(t)
	if got.chatID != 1 || got.plain != "a b c" {
		t.Fatalf("unexpected send %+v", got)
	}
	rec.none(t, 50*time.Millisecond)
	if q.Flushes() != 1 {
		t.Fatalf("flushes=%d want 1", q.Flushes())
	}
}

func TestQueueSpacingAndFIFO(t *testing.T) {
	const interval = 30 * time.Millisecond
	rec := newRecorder()
	q := NewQueue(rec, interval)

	var hs []*Handle
	for i := int64(1); i <= 4; i++ {
		h := q.NewHandle(42, i)
		hs = append(hs, h)
		h.Push(text("m"))
	}
	startQueue(t, q)

	var prev time.Time
	for i := range hs {
		got := rec.next(t)
		if got.chatID != int64(i+1) {
			t.Fatalf("send %d went to chat %d, want FIFO order", i, got.chatID)
		}
		if !prev.IsZero() {
			if gap := got.at.Sub(prev); gap < interval-5*time.Millisecond {
				t.Fatalf("gap %v shorter than interval %v", gap, interval)
			}
		}
		prev = got.at
	}
}

func TestQueueWaitsAfterIdle(t *testing.T) {
	const interval = 40 * time.Millisecond
	rec := newRecorder()
	q := NewQueue(rec, interval)
	startQueue(t, q)

	h := q.NewHandle(1, 1)
	h.Push(text("first"))
	first := rec.next(t)

	h.Push(text("second"))
	second := rec.next(t)
	if gap := second.at.Sub(first.at); gap < interval-5*time.Millisecond {
		t.Fatalf("send after idle came %v after the previous one, want >= %v", gap, interval)
	}
}

func TestQueueDetachDiscardsPending(t *testing.T) {
	rec := newRecorder()
	q := NewQueue(rec, 5*time.Millisecond)
	gone := q.NewHandle(42, 1)
	kept := q.NewHandle(42, 2)

	gone.Push(text("lost"))
	kept.Push(text("kept"))
	gone.Detach()

	if q.Len() != 1 {
		t.Fatalf("Len=%d want 1 after detach", q.Len())
	}
	if gone.Push(text("late")) {
		t.Fatalf("push after detach should be refused")
	}

	startQueue(t, q)
	if got := rec.next(t); got.chatID != 2 || got.plain != "kept" {
		t.Fatalf("unexpected send %+v", got)
	}
	rec.none(t, 40*time.Millisecond)
}

func TestQueuePerHandleOrderWithSlowSink(t *testing.T) {
	rec := newRecorder()
	rec.delay = 60 * time.Millisecond
	q := NewQueue(rec, 5*time.Millisecond)
	startQueue(t, q)

	h := q.NewHandle(7, 9)
	h.Push(text("one"))
	deadline := time.Now().Add(time.Second)
	for q.Flushes() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.Push(text("two"))
	h.Push(text("three"))

	if got := rec.next(t); got.plain != "one" {
		t.Fatalf("first send %q", got.plain)
	}
	// pushed while the first send was in progress, so they go out joined
	if got := rec.next(t); got.plain != "two three" {
		t.Fatalf("second send %q", got.plain)
	}
}

func TestQueueSpacesCallsBehindSlowSend(t *testing.T) {
	const interval = 20 * time.Millisecond
	rec := newRecorder()
	rec.slow = map[int64]time.Duration{1: 105 * time.Millisecond}
	q := NewQueue(rec, interval)
	startQueue(t, q)

	h1 := q.NewHandle(42, 1)
	h1.Push(text("a"))
	deadline := time.Now().Add(time.Second)
	for q.Flushes() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h1.Push(text("b"))
	for i := int64(2); i <= 4; i++ {
		q.NewHandle(42, i).Push(text("m"))
	}

	got := map[int64]int{}
	for range 5 {
		got[rec.next(t).chatID]++
	}
	if got[1] != 2 || got[2] != 1 || got[3] != 1 || got[4] != 1 {
		t.Fatalf("sends per chat %v", got)
	}
	rec.gaps(t, interval)
}

func TestQueueRetrySpendsCooldown(t *testing.T) {
	const interval = 25 * time.Millisecond
	rec := newRecorder()
	rec.failOnce = map[int64]bool{1: true}
	q := NewQueue(rec, interval)

	q.NewHandle(42, 1).Push(text("x"))
	q.NewHandle(42, 2).Push(text("y"))
	start := time.Now()
	startQueue(t, q)

	rec.next(t)
	rec.next(t)
	rec.gaps(t, interval)

	rec.mu.Lock()
	calls := len(rec.attempts)
	var order []int64
	for _, a := range rec.attempts {
		order = append(order, a.chatID)
	}
	rec.mu.Unlock()
	if calls != 3 || order[0] != 1 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("calls %v, want the retry before chat 2", order)
	}
	// three calls need at least two full intervals
	if took := time.Since(start); took < 2*interval-time.Millisecond {
		t.Fatalf("three calls finished in %v", took)
	}
}

func TestQueueDetachedHandleDoesNotSpendCooldown(t *testing.T) {
	const interval = 200 * time.Millisecond
	rec := newRecorder()
	q := NewQueue(rec, interval)
	startQueue(t, q)

	q.NewHandle(1, 1).Push(text("warm"))
	warm := rec.next(t)

	// queued while the cooldown runs, then gone before it ends
	gone := q.NewHandle(1, 2)
	gone.Push(text("lost"))
	gone.Detach()

	time.Sleep(time.Until(warm.at.Add(interval + 50*time.Millisecond)))
	q.NewHandle(1, 3).Push(text("kept"))

	got := rec.next(t)
	if got.chatID != 3 {
		t.Fatalf("unexpected send %+v", got)
	}
	if gap := got.at.Sub(warm.at); gap > 2*interval-40*time.Millisecond {
		t.Fatalf("send came %v after the previous one, the detached handle used up a cooldown", gap)
	}
	if q.Flushes() != 2 {
		t.Fatalf("flushes=%d want 2", q.Flushes())
	}
}

func TestQueuePublishesDeliveryEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	rec := newRecorder()
	q := NewQueue(rec, 5*time.Millisecond, WithBus(bus))
	startQueue(t, q)

	h := q.NewHandle(42, 3)
	h.Push(text("x"))
	h.Push(text("y"))
	rec.next(t)

	select {
	case e := <-events:
		d, ok := e.Data.(eventbus.Delivery)
		if e.Type != eventbus.TypeDeliverySent || !ok || d.Messages != 2 || d.RoomID != 42 || d.ChatID != 3 {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no delivery event")
	}
}

func TestQueueSetInterval(t *testing.T) {
	q := NewQueue(newRecorder(), 0)
	if q.Interval() != DefaultInterval {
		t.Fatalf("Interval=%v want default", q.Interval())
	}
	q.SetInterval(250 * time.Millisecond)
	if q.Interval() != 250*time.Millisecond {
		t.Fatalf("Interval=%v", q.Interval())
	}
}
