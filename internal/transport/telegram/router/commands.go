package router

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/karin0/bili-live-bot/internal/eventbus"
	"github.com/karin0/bili-live-bot/internal/runtime/supervisor"
	kit "github.com/karin0/bili-live-bot/internal/transport"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // overrides the manager default when > 0
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
	Owner   bool
}

// Reply sends plain text back to the requesting chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends HTML markup back to the requesting chat.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

type Option func(*CommandManager)

func WithBus(b eventbus.Bus) Option {
	return func(m *CommandManager) {
		if b != nil {
			m.bus = b
		}
	}
}

// WithWorkers sets the handler pool size. Default 2.
func WithWorkers(n int) Option {
	return func(m *CommandManager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithDefaultTimeout bounds every handler without its own Timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *CommandManager) { m.timeout = d }
}

type CommandManager struct {
	mu    sync.RWMutex
	cmds  map[string]*Command // canonical name -> command
	alias map[string]*Command // alias -> command
	order []string

	owners []int64

	log     logx.Logger
	bus     eventbus.Bus
	adapter kit.Adapter
	workers int
	timeout time.Duration

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opts ...Option) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		bus:     eventbus.Nop(),
		adapter: adapter,
		workers: 2,
		timeout: 30 * time.Second,
		jobs:    make(chan func(), 256),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Supervisor returns the worker pool supervisor, nil when not running.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue tolerates the jobs channel being closed during shutdown.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the owner list used for AccessOwnerOnly. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

// SetRegistry installs cmds plus a generated /help and pushes the command
// menu to adapters that support it.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show this help",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args, req.Owner))
		},
	})

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	order := make([]string, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		if _, dup := byName[name]; !dup {
			order = append(order, name)
		}
		byName[name] = &cc
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = &cc
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = &cc
				}
			}
		}
	}
	sort.Strings(order)

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.order = order
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(m.commands())
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("command menu update failed", logx.Err(err))
			}
		}()
	}
}

// commands returns the registered commands in name order.
func (m *CommandManager) commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, *m.cmds[name])
	}
	return out
}

func (m *CommandManager) lookup(word string) (*Command, bool) {
	word = strings.ToLower(word)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := m.workers
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage {
				m.routeMessage(ctx, up)
			}
		}
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := m.lookup(word)
	if !ok {
		// Other bots share group chats; stay quiet on commands we don't own.
		m.log.Debug("unknown command ignored", logx.String("cmd", word), logx.ChatID(msg.ChatID))
		return
	}
	args := parts[1:]
	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(root, up, *cmd, pos, args, flags, bools)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, args, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	owner := isOwner(msg.FromID, m.ownersSnapshot())
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(root, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		RawArgs:      raw,
		Flags:        flags,
		BoolFlags:    bools,
		ReqID:        rid,
		Adapter:      m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.ChatID(msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		Owner: owner,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	final := Chain(
		cmd.Handle,
		MWPublish(m.bus),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, chat, "busy, try again", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
