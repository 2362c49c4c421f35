package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/karin0/bili-live-bot/internal/observability/metrics"
	"github.com/karin0/bili-live-bot/internal/runtime/supervisor"
	"github.com/karin0/bili-live-bot/internal/watch"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

type fakeWatches struct{ st watch.Stats }

func (f fakeWatches) Snapshot() watch.Stats { return f.st }
func (f fakeWatches) Limit() int            { return 5 }

type fakeQueue struct{}

func (fakeQueue) Len() int                { return 2 }
func (fakeQueue) Interval() time.Duration { return 100 * time.Millisecond }
func (fakeQueue) Flushes() uint64         { return 9 }

func newTestServer(cfg Config) *Server {
	return New(cfg, Deps{
		Watches: fakeWatches{st: watch.Stats{Chats: 1, Rooms: []watch.RoomStat{{RoomID: 42, Watchers: []int64{7}}}}},
		Queue:   fakeQueue{},
		Supervisors: func() map[string]supervisor.Snapshot {
			return map[string]supervisor.Snapshot{"app": {}}
		},
		Metrics: metrics.New(),
	}, logx.Nop())
}

func get(h http.Handler, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndpoints(t *testing.T) {
	h := newTestServer(Config{Addr: "127.0.0.1:0", Pprof: true}).Handler()

	cases := []struct {
		path string
		want string
	}{
		{"/healthz", "ok"},
		{"/api/status", `"queue_depth":2`},
		{"/api/watches", `"room_id":42`},
		{"/api/supervisors", `"app"`},
		{"/metrics", "bililive_http_requests_total"},
		{"/debug/pprof/goroutine?debug=1", "goroutine profile"},
	}
	for _, c := range cases {
		rec := get(h, c.path, "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), c.want) {
			t.Fatalf("%s: code=%d body=%.200s", c.path, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing request id", c.path)
		}
	}

	var st map[string]any
	if err := json.Unmarshal(get(h, "/api/status", "").Body.Bytes(), &st); err != nil {
		t.Fatalf("status json: %v", err)
	}
	if st["rooms"] != float64(1) || st["send_interval"] != "100ms" {
		t.Fatalf("status=%v", st)
	}
}

func TestPprofDisabled(t *testing.T) {
	h := newTestServer(Config{Addr: "127.0.0.1:0"}).Handler()
	if rec := get(h, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	h := newTestServer(Config{Addr: "127.0.0.1:0", Token: "s3"}).Handler()
	if rec := get(h, "/api/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := get(h, "/api/status", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if rec := get(h, "/api/status", "s3"); rec.Code != http.StatusOK {
		t.Fatalf("bearer: %d", rec.Code)
	}
	if rec := get(h, "/api/status?token=s3", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
	if rec := get(h, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz needs no token: %d", rec.Code)
	}
}

func TestStartRefusesPublicWithoutToken(t *testing.T) {
	s := newTestServer(Config{Addr: "0.0.0.0:0"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected refusal")
	}
}

func TestStartServeStop(t *testing.T) {
	s := newTestServer(Config{Addr: "127.0.0.1:0"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
