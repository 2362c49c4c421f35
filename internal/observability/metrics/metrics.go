// Package metrics exposes Prometheus collectors for the bridge. Counters are
// fed from the event bus; gauges are read from live components on scrape.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karin0/bili-live-bot/internal/eventbus"
)

const namespace = "bililive"

// Metrics bundles the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	watches         *prometheus.CounterVec
	roomLifecycle   *prometheus.CounterVec
	roomEvents      *prometheus.CounterVec
	roomDropped     prometheus.Counter
	deliveries      *prometheus.CounterVec
	deliveredMsgs   prometheus.Counter
	commands        *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// Gauges are sampled on every scrape. Nil funcs are skipped.
type Gauges struct {
	QueueDepth func() int
	Rooms      func() int
	Chats      func() int
	BusDropped func() uint64
	LogDropped func() uint64
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		watches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_changes_total",
			Help:      "Watch additions and removals",
		}, []string{"action"}),
		roomLifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_lifecycle_total",
			Help:      "Room connection lifecycle transitions",
		}, []string{"state"}),
		roomEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_events_total",
			Help:      "Decoded live room events by kind",
		}, []string{"kind"}),
		roomDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_events_dropped_total",
			Help:      "Live room payloads dropped as malformed",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Batched sends to chats by result",
		}, []string{"result"}),
		deliveredMsgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_messages_total",
			Help:      "Messages contained in successful sends",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Bot commands handled",
		}, []string{"command", "ok"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	registry.MustRegister(
		m.watches,
		m.roomLifecycle,
		m.roomEvents,
		m.roomDropped,
		m.deliveries,
		m.deliveredMsgs,
		m.commands,
		m.requestsTotal,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauges adds scrape-time gauges. Call once.
func (m *Metrics) RegisterGauges(g Gauges) {
	gauge := func(name, help string, fn func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn))
	}
	if g.QueueDepth != nil {
		gauge("queue_depth", "Handles waiting in the delivery queue", func() float64 { return float64(g.QueueDepth()) })
	}
	if g.Rooms != nil {
		gauge("rooms_open", "Open live room connections", func() float64 { return float64(g.Rooms()) })
	}
	if g.Chats != nil {
		gauge("chats_watching", "Chats watching at least one room", func() float64 { return float64(g.Chats()) })
	}
	if g.BusDropped != nil {
		gauge("eventbus_dropped", "Events dropped by slow bus subscribers", func() float64 { return float64(g.BusDropped()) })
	}
	if g.LogDropped != nil {
		gauge("log_sink_dropped", "Log records dropped by the Telegram log sink", func() float64 { return float64(g.LogDropped()) })
	}
}

// ObserveRequest records one admin HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// Observe updates counters for one bus event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case eventbus.TypeWatchAdded:
		m.watches.WithLabelValues("added").Inc()
	case eventbus.TypeWatchRemoved:
		m.watches.WithLabelValues("removed").Inc()
	case eventbus.TypeRoomOpened:
		m.roomLifecycle.WithLabelValues("opened").Inc()
	case eventbus.TypeRoomLive:
		m.roomLifecycle.WithLabelValues("live").Inc()
	case eventbus.TypeRoomClosed:
		m.roomLifecycle.WithLabelValues("closed").Inc()
	case eventbus.TypeRoomEvent:
		if d, ok := e.Data.(eventbus.RoomEvent); ok {
			m.roomEvents.WithLabelValues(d.Kind).Inc()
		}
	case eventbus.TypeRoomDropped:
		m.roomDropped.Inc()
	case eventbus.TypeDeliverySent, eventbus.TypeDeliveryRetry, eventbus.TypeDeliveryFail:
		d, ok := e.Data.(eventbus.Delivery)
		if !ok {
			return
		}
		result := d.Result
		if e.Type == eventbus.TypeDeliveryRetry {
			result = "retry"
		}
		m.deliveries.WithLabelValues(result).Inc()
		if e.Type == eventbus.TypeDeliverySent {
			m.deliveredMsgs.Add(float64(d.Messages))
		}
	case eventbus.TypeCommand:
		if d, ok := e.Data.(eventbus.Command); ok {
			m.commands.WithLabelValues(d.Name, strconv.FormatBool(d.OK)).Inc()
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
