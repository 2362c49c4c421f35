package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/karin0/bili-live-bot/pkg/logx"
)

// SummarizeConfigChange lists changed sections and safe fields for logging.
// Tokens and cookies are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.CommandTimeout != nt.CommandTimeout ||
		ot.GroupLog != nt.GroupLog || ot.APIURL != nt.APIURL || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", set(nt.GroupLog)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Duration("delivery.send_interval", newCfg.Delivery.Interval()),
			logx.Duration("delivery.send_timeout", newCfg.Delivery.Timeout()),
			logx.Int("delivery.max_watch_per_chat", newCfg.Delivery.WatchLimit()),
		)
	}

	ob, nb := oldCfg.Bilibili, newCfg.Bilibili
	ob.SessData, nb.SessData = "", ""
	if ob != nb || oldCfg.Bilibili.SessData != newCfg.Bilibili.SessData {
		changed = append(changed, "bilibili")
		attrs = append(attrs,
			logx.Bool("bilibili.sessdata_set", set(newCfg.Bilibili.SessData)),
			logx.Duration("bilibili.heartbeat_interval", newCfg.Bilibili.Heartbeat()),
		)
	}

	var oldS, ns StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		ns = *newCfg.Storage
	}
	if oldS != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", set(ns.Path)),
		)
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	oa.Token, na.Token = "", ""
	if oa != na || oldCfg.Admin.Token != newCfg.Admin.Token {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Address()),
			logx.Bool("admin.token_set", set(newCfg.Admin.Token)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watches, newCfg.Watches) {
		changed = append(changed, "watches")
		attrs = append(attrs, logx.Int("watches.count", len(newCfg.Watches)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to the sections that are not
// applied live. Logging and delivery are; for telegram only the owner list is.
func RestartRequired(oldCfg, newCfg *Config, changed []string) []string {
	var out []string
	for _, sec := range changed {
		switch sec {
		case "logging", "delivery":
			continue
		case "telegram":
			ot, nt := oldCfg.Telegram, newCfg.Telegram
			ot.OwnerUserIDs, nt.OwnerUserIDs = nil, nil
			if reflect.DeepEqual(ot, nt) {
				continue
			}
		}
		out = append(out, sec)
	}
	return out
}
