package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks cfg before it is committed. It reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required (or set %s)", EnvBotToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.command_timeout", cfg.Telegram.CommandTimeout)
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, _, ok := ParseGroupLog(g); !ok {
			add(fmt.Errorf("telegram.group_log: invalid %q", g))
		}
	}

	dur("delivery.send_interval", cfg.Delivery.SendInterval)
	dur("delivery.send_timeout", cfg.Delivery.SendTimeout)
	if cfg.Delivery.MaxWatchPerChat < 0 {
		add(errors.New("delivery.max_watch_per_chat: must be >= 0"))
	}

	dur("bilibili.heartbeat_interval", cfg.Bilibili.HeartbeatInterval)
	dur("bilibili.reconnect_min", cfg.Bilibili.ReconnectMin)
	dur("bilibili.reconnect_max", cfg.Bilibili.ReconnectMax)

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		dur("storage.alias_ttl", s.AliasTTL)
	}

	if cfg.Admin.Enabled {
		addr := cfg.Admin.Address()
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("admin.addr: %w", err))
		} else if !isLoopbackHost(host) && strings.TrimSpace(cfg.Admin.Token) == "" && !cfg.Admin.AllowInsecure {
			add(fmt.Errorf("admin.addr: %q is not loopback; set admin.token or admin.allow_insecure", addr))
		}
	}

	for _, w := range cfg.Watches {
		if _, _, ok := ParseWatchPair(w); !ok {
			add(fmt.Errorf("watches: invalid pair %q (want chat_id:room_id)", w))
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds to loopback only.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return isLoopbackHost(host)
}

func isLoopbackHost(host string) bool {
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
