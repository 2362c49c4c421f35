package bilibili

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	DefaultAPIBase     = "https://api.live.bilibili.com"
	DefaultFallbackURL = "wss://broadcastlv.chat.bilibili.com/sub"
	DefaultUserAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
)

// apiError is a well-formed API reply with a non-zero code.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bilibili: api code %d: %s", e.Code, e.Message)
}

type api struct {
	base      string
	http      *http.Client
	userAgent string
	sessdata  string
}

func newAPI(base string, client *http.Client, userAgent, sessdata string) *api {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if strings.TrimSpace(base) == "" {
		base = DefaultAPIBase
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	return &api{base: strings.TrimRight(base, "/"), http: client, userAgent: userAgent, sessdata: sessdata}
}

// header carries what both the API and the websocket handshake expect.
func (a *api) header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", a.userAgent)
	h.Set("Referer", "https://live.bilibili.com/")
	h.Set("Origin", "https://live.bilibili.com")
	if a.sessdata != "" {
		h.Set("Cookie", (&http.Cookie{Name: "SESSDATA", Value: a.sessdata}).String())
	}
	return h
}

// get fetches path and decodes the data field of the standard envelope into out.
func (a *api) get(ctx context.Context, path string, q url.Values, out any) error {
	u := a.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header = a.header()

	resp, err := a.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("GET %s: status %s", path, resp.Status)
	}

	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Msg     string          `json:"msg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	if env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = env.Msg
		}
		return &apiError{Code: env.Code, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrapf(err, "decode %s data", path)
	}
	return nil
}

type danmuInfo struct {
	Token    string `json:"token"`
	HostList []struct {
		Host    string `json:"host"`
		WSSPort int    `json:"wss_port"`
	} `json:"host_list"`
}

// urls returns the websocket endpoints to try, in order.
func (d danmuInfo) urls() []string {
	out := make([]string, 0, len(d.HostList))
	for _, h := range d.HostList {
		if h.Host == "" {
			continue
		}
		port := h.WSSPort
		if port == 0 {
			port = 443
		}
		out = append(out, "wss://"+h.Host+":"+strconv.Itoa(port)+"/sub")
	}
	return out
}

func (a *api) danmuInfo(ctx context.Context, roomID int64) (danmuInfo, error) {
	var d danmuInfo
	q := url.Values{"id": {strconv.FormatInt(roomID, 10)}, "type": {"0"}}
	err := a.get(ctx, "/xlive/web-room/v1/index/getDanmuInfo", q, &d)
	return d, err
}

type roomInit struct {
	RoomID  int64 `json:"room_id"`
	ShortID int64 `json:"short_id"`
}

func (a *api) roomInit(ctx context.Context, id int64) (roomInit, error) {
	var r roomInit
	err := a.get(ctx, "/room/v1/Room/room_init", url.Values{"id": {strconv.FormatInt(id, 10)}}, &r)
	return r, err
}
