// Package router dispatches operator updates to command handlers and,
// for everything that is not a command, to the conversation flow.
//
// The bot talks to exactly one operator. Updates from anyone else are
// dropped before they reach a handler.
package router

import (
	"context"
	"html"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Command is one slash command, e.g. "/queue".
type Command struct {
	Name        string // without the leading slash
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// CallbackHandlerFunc handles one inline-button press. Callback data is
// "scope:action" or "scope:action:payload"; the handler is registered
// per scope.
type CallbackHandlerFunc func(ctx context.Context, req *Request, action, payload string) error

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // command name or "cb:scope:action" or "flow"
	Args    []string
	Text    string // full message text for non-command updates
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

const defaultHandlerTimeout = 2 * time.Minute

type Router struct {
	mu       sync.RWMutex
	commands map[string]Command
	order    []string
	fallback HandlerFunc

	cbMu      sync.RWMutex
	callbacks map[string]CallbackHandlerFunc

	operator atomic.Int64

	log     logx.Logger
	adapter kit.Adapter

	jobs      chan func()
	closeOnce sync.Once
}

func New(log logx.Logger, adapter kit.Adapter, operatorID int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:  map[string]Command{},
		callbacks: map[string]CallbackHandlerFunc{},
		log:       log,
		adapter:   adapter,
		jobs:      make(chan func(), 256),
	}
	r.operator.Store(operatorID)
	return r
}

// SetOperator swaps the operator id. Safe during config hot-reload.
func (r *Router) SetOperator(id int64) { r.operator.Store(id) }

// SetCommands replaces the command registry. A /help command is always
// injected.
func (r *Router) SetCommands(cmds []Command) {
	helper := Command{
		Name:        "help",
		Description: "list available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, r.helpText(),
				&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			return err
		},
	}
	cmds = append(cmds, helper)

	reg := make(map[string]Command, len(cmds))
	order := make([]string, 0, len(cmds))
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Name), "/")
		if name == "" || c.Handle == nil {
			continue
		}
		if _, dup := reg[name]; !dup {
			order = append(order, name)
		}
		c.Name = name
		reg[name] = c
	}

	r.mu.Lock()
	r.commands = reg
	r.order = order
	r.mu.Unlock()
}

// SetFallback registers the handler for non-command messages (photos,
// captions, URLs, schedule times).
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// SetCallbackHandler registers the handler for one callback scope.
func (r *Router) SetCallbackHandler(scope string, h CallbackHandlerFunc) {
	r.cbMu.Lock()
	r.callbacks[scope] = h
	r.cbMu.Unlock()
}

// MenuCommands returns the registry in registration order for the
// platform-side command menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		c := r.commands[name]
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// SyncMenu pushes the command list to the platform menu when the
// adapter supports it. Best effort.
func (r *Router) SyncMenu(ctx context.Context) {
	mu, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	if err := mu.UpdateMenuCommands(ctx, r.MenuCommands()); err != nil {
		r.log.Warn("menu sync failed", logx.Err(err))
	}
}

// DispatchLoop consumes updates until ctx is done or the channel
// closes. Handlers run on a small worker pool so one slow publish does
// not block the next button press.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))

	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart("router.worker."+strconv.Itoa(i), r.worker,
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		r.closeOnce.Do(func() { close(r.jobs) })
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(stopCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-r.jobs:
			if !ok {
				return nil
			}
			job()
		}
	}
}

// tryEnqueue is panic-safe against the jobs channel being closed.
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) route(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(root, up)
	case kit.UpdateCallback:
		r.routeCallback(root, up)
	}
}

func (r *Router) isOperator(fromID int64) bool {
	op := r.operator.Load()
	return op != 0 && fromID == op
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	if !r.isOperator(msg.FromID) {
		r.log.Debug("dropped update from non-operator", logx.Int64("from_id", msg.FromID))
		return
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		r.dispatchFallback(root, up, msg)
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID},
			"unknown command, try /help", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.adapter.SendText(root, req.Chat, "busy, try again", nil)
	}
}

func (r *Router) dispatchFallback(root context.Context, up kit.Update, msg *kit.Message) {
	r.mu.RLock()
	h := r.fallback
	r.mu.RUnlock()
	if h == nil {
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: "flow",
		Text:    msg.Text,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", "flow"),
		),
	}
	final := Chain(
		h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(defaultHandlerTimeout),
	)
	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.adapter.SendText(root, req.Chat, "busy, try again", nil)
	}
}

func (r *Router) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	if !r.isOperator(cb.FromID) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}

	data := strings.TrimSpace(cb.Data)
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return
	}
	scope, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	r.cbMu.RLock()
	h, ok := r.callbacks[scope]
	r.cbMu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID},
		FromID:  cb.FromID,
		Command: "cb:" + scope + ":" + action,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.String("cmd", "cb:"+scope+":"+action),
		),
	}
	wrapped := func(ctx context.Context, rq *Request) error { return h(ctx, rq, action, payload) }
	final := Chain(
		wrapped,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(defaultHandlerTimeout),
	)
	if !r.tryEnqueue(func() {
		_ = final(root, req)
		// best-effort to stop the "loading" spinner
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, name := range r.order {
		c := r.commands[name]
		b.WriteString("/" + c.Name)
		if c.Description != "" {
			b.WriteString(" - " + html.EscapeString(c.Description))
		}
		b.WriteString("\n")
		if c.Usage != "" && c.Usage != "/"+c.Name {
			b.WriteString("  <code>" + html.EscapeString(c.Usage) + "</code>\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var reqCounter atomic.Uint64

func newReqID() string {
	n := reqCounter.Add(1)
	return strconv.FormatInt(time.Now().Unix(), 36) + "-" + strconv.FormatUint(n, 36)
}
