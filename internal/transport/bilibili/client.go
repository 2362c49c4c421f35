// Package bilibili implements the live room transport and room id resolver
// on top of the Bilibili live websocket and HTTP APIs.
package bilibili

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"nhooyr.io/websocket"

	"github.com/karin0/bili-live-bot/internal/live"
	"github.com/karin0/bili-live-bot/internal/runtime/supervisor"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

const DefaultHeartbeatInterval = 30 * time.Second

type Config struct {
	SessData          string
	UserAgent         string
	HeartbeatInterval time.Duration
	APIBase           string
	// FallbackURL is dialed when getDanmuInfo fails or lists no hosts.
	FallbackURL string
	HTTPClient  *http.Client
	// ReconnectMin and ReconnectMax bound the backoff between connections.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client opens one websocket per room and keeps it alive.
type Client struct {
	cfg Config
	api *api
	log logx.Logger
}

var _ live.Transport = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.FallbackURL == "" {
		cfg.FallbackURL = DefaultFallbackURL
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg: cfg,
		api: newAPI(cfg.APIBase, cfg.HTTPClient, cfg.UserAgent, cfg.SessData),
		log: log.With(logx.String("comp", "bilibili")),
	}
}

// Open starts a supervised connection loop for roomID. Every disconnect is
// reported as a FrameClosed and followed by a reconnect with backoff.
func (c *Client) Open(ctx context.Context, roomID int64, emit func(live.Frame)) (io.Closer, error) {
	if roomID <= 0 {
		return nil, fmt.Errorf("bilibili: invalid room id %d", roomID)
	}
	log := c.log.With(logx.RoomID(roomID))
	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	sup.GoRestart("bilibili.room."+strconv.FormatInt(roomID, 10), func(ctx context.Context) error {
		return c.runOnce(ctx, roomID, log, emit)
	},
		supervisor.WithRestartBackoff(c.cfg.ReconnectMin, c.cfg.ReconnectMax),
		supervisor.WithStopOnCleanExit(false),
		supervisor.WithOnRestart(func(err error, _ time.Duration) {
			emit(live.Frame{Kind: live.FrameClosed, Err: err})
		}),
	)
	return &roomConn{sup: sup}, nil
}

type roomConn struct {
	sup  *supervisor.Supervisor
	once sync.Once
	err  error
}

func (r *roomConn) Close() error {
	r.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sup.Stop(ctx); errors.Is(err, context.DeadlineExceeded) {
			r.err = errors.Wrap(err, "bilibili: connection did not stop")
		}
	})
	return r.err
}

type authBody struct {
	UID      int64  `json:"uid"`
	RoomID   int64  `json:"roomid"`
	ProtoVer int    `json:"protover"`
	Platform string `json:"platform"`
	Type     int    `json:"type"`
	Key      string `json:"key,omitempty"`
}

func (c *Client) endpoints(ctx context.Context, roomID int64, log logx.Logger) (urls []string, token string) {
	info, err := c.api.danmuInfo(ctx, roomID)
	if err != nil {
		log.Warn("getDanmuInfo failed; using fallback host", logx.Err(err))
		return []string{c.cfg.FallbackURL}, ""
	}
	urls = info.urls()
	if len(urls) == 0 {
		urls = []string{c.cfg.FallbackURL}
	}
	return urls, info.Token
}

func (c *Client) dial(ctx context.Context, urls []string, log logx.Logger) (*websocket.Conn, error) {
	var last error
	for _, u := range urls {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.Dial(dctx, u, &websocket.DialOptions{
			HTTPClient: c.cfg.HTTPClient,
			HTTPHeader: c.api.header(),
		})
		cancel()
		if err == nil {
			log.Debug("websocket connected", logx.String("url", u))
			return conn, nil
		}
		log.Debug("websocket dial failed", logx.String("url", u), logx.Err(err))
		last = err
	}
	return nil, errors.Wrap(last, "dial")
}

func (c *Client) runOnce(ctx context.Context, roomID int64, log logx.Logger, emit func(live.Frame)) error {
	urls, token := c.endpoints(ctx, roomID, log)
	conn, err := c.dial(ctx, urls, log)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxPacketBytes)

	emit(live.Frame{Kind: live.FrameOpened})

	auth, err := json.Marshal(authBody{RoomID: roomID, ProtoVer: int(protoBrotli), Platform: "web", Type: 2, Key: token})
	if err != nil {
		return errors.Wrap(err, "encode auth")
	}
	if err := conn.Write(ctx, websocket.MessageBinary, encodePacket(opAuth, protoInt32, auth)); err != nil {
		return errors.Wrap(err, "send auth")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbErr := make(chan error, 1)
	go func() {
		hbErr <- c.heartbeat(ctx, conn)
		cancel()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case herr := <-hbErr:
				if herr != nil {
					return herr
				}
			default:
			}
			return errors.Wrap(err, "read")
		}
		pkts, err := decodePackets(data)
		for _, p := range pkts {
			if perr := handlePacket(p, emit); perr != nil {
				return perr
			}
		}
		if err != nil {
			log.Warn("undecodable packet", logx.Err(err))
		}
	}
}

var heartbeatBody = []byte("[object Object]")

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		if err := conn.Write(ctx, websocket.MessageBinary, encodePacket(opHeartbeat, protoInt32, heartbeatBody)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "send heartbeat")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func handlePacket(p packet, emit func(live.Frame)) error {
	switch p.op {
	case opAuthReply:
		var r struct {
			Code int `json:"code"`
		}
		if err := json.Unmarshal(p.body, &r); err != nil {
			return errors.Wrap(err, "decode auth reply")
		}
		if r.Code != 0 {
			return errors.Errorf("auth rejected: code %d", r.Code)
		}
		emit(live.Frame{Kind: live.FrameLive})
	case opHeartbeatReply:
		if online, ok := heartbeatOnline(p.body); ok {
			emit(live.Frame{Kind: live.FrameHeartbeat, Online: online})
		}
	case opCommand:
		var head struct {
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(p.body, &head); err != nil || head.Cmd == "" {
			// Not a command we can route; the room layer never sees it.
			return nil
		}
		emit(live.Frame{Kind: live.FrameCommand, Cmd: head.Cmd, Body: p.body})
	}
	return nil
}
