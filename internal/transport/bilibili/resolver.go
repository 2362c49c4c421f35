package bilibili

import (
	"context"
	"errors"
	"net/http"

	"github.com/karin0/bili-live-bot/pkg/logx"
)

// ErrRoomNotFound is returned when the id names no live room.
var ErrRoomNotFound = errors.New("bilibili: room not found")

// codeRoomNotFound is what room_init answers for unknown ids.
const codeRoomNotFound = 60004

// AliasStore caches user-supplied id -> canonical id mappings.
type AliasStore interface {
	GetRoomAlias(ctx context.Context, id int64) (canonical int64, ok bool, err error)
	PutRoomAlias(ctx context.Context, id, canonical int64) error
}

// Resolver maps short or canonical room ids to canonical ones.
type Resolver struct {
	api   *api
	store AliasStore
	log   logx.Logger
}

type ResolverConfig struct {
	APIBase    string
	UserAgent  string
	SessData   string
	HTTPClient *http.Client
}

// NewResolver builds a resolver. store may be nil.
func NewResolver(cfg ResolverConfig, store AliasStore, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		api:   newAPI(cfg.APIBase, cfg.HTTPClient, cfg.UserAgent, cfg.SessData),
		store: store,
		log:   log,
	}
}

func (r *Resolver) Resolve(ctx context.Context, id int64) (int64, error) {
	if id <= 0 {
		return 0, ErrRoomNotFound
	}
	if r.store != nil {
		if canonical, ok, err := r.store.GetRoomAlias(ctx, id); err != nil {
			r.log.Warn("alias lookup failed", logx.RoomID(id), logx.Err(err))
		} else if ok {
			return canonical, nil
		}
	}

	info, err := r.api.roomInit(ctx, id)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Code == codeRoomNotFound {
			return 0, ErrRoomNotFound
		}
		return 0, err
	}
	if info.RoomID == 0 {
		return 0, ErrRoomNotFound
	}

	if r.store != nil {
		if err := r.store.PutRoomAlias(ctx, id, info.RoomID); err != nil {
			r.log.Warn("alias store failed", logx.RoomID(id), logx.Err(err))
		}
	}
	if info.RoomID != id {
		r.log.Debug("resolved room", logx.Int64("from", id), logx.RoomID(info.RoomID))
	}
	return info.RoomID, nil
}
