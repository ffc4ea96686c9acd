package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeAdapter struct {
	mu        sync.Mutex
	sent      []string
	callbacks []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, callbackID+"="+text)
	return nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

const operatorID = int64(1001)

func msgUpdate(fromID int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: fromID, FromID: fromID, Text: text,
	}}
}

func startRouter(t *testing.T, r *Router) chan<- kit.Update {
	t.Helper()
	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCommandDispatch(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	r := New(logx.Nop(), fa, operatorID)

	var gotArgs []string
	r.SetCommands([]Command{{
		Name:        "queue",
		Description: "show the deferred queue",
		Handle: func(ctx context.Context, req *Request) error {
			gotArgs = req.Args
			_, err := req.Adapter.SendText(ctx, req.Chat, "queue is empty", nil)
			return err
		},
	}})

	updates := startRouter(t, r)
	updates <- msgUpdate(operatorID, "/queue pending")

	waitFor(t, func() bool { return len(fa.sentTexts()) == 1 })
	if got := fa.sentTexts()[0]; got != "queue is empty" {
		t.Fatalf("sent = %q", got)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "pending" {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestUnknownCommandReplies(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	r := New(logx.Nop(), fa, operatorID)
	r.SetCommands(nil)

	updates := startRouter(t, r)
	updates <- msgUpdate(operatorID, "/bogus")

	waitFor(t, func() bool { return len(fa.sentTexts()) == 1 })
	if got := fa.sentTexts()[0]; !strings.Contains(got, "/help") {
		t.Fatalf("sent = %q", got)
	}
}

func TestNonOperatorDropped(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	r := New(logx.Nop(), fa, operatorID)
	handled := make(chan struct{}, 1)
	r.SetCommands([]Command{{
		Name: "start",
		Handle: func(ctx context.Context, req *Request) error {
			handled <- struct{}{}
			return nil
		},
	}})

	updates := startRouter(t, r)
	updates <- msgUpdate(4242, "/start")
	updates <- msgUpdate(operatorID, "/start")

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("operator command never handled")
	}
	select {
	case <-handled:
		t.Fatal("non-operator command was handled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFallbackReceivesPlainText(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	r := New(logx.Nop(), fa, operatorID)
	r.SetCommands(nil)

	got := make(chan string, 1)
	r.SetFallback(func(ctx context.Context, req *Request) error {
		got <- req.Text
		return nil
	})

	updates := startRouter(t, r)
	updates <- msgUpdate(operatorID, "my caption text")

	select {
	case text := <-got:
		if text != "my caption text" {
			t.Fatalf("fallback text = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fallback never invoked")
	}
}

func TestCallbackRoutedByScope(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	r := New(logx.Nop(), fa, operatorID)

	type hit struct{ action, payload string }
	got := make(chan hit, 1)
	r.SetCallbackHandler("flow", func(ctx context.Context, req *Request, action, payload string) error {
		got <- hit{action, payload}
		return nil
	})

	updates := startRouter(t, r)
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: operatorID, ChatID: operatorID, Data: "flow:kind:carousel",
	}}

	select {
	case h := <-got:
		if h.action != "kind" || h.payload != "carousel" {
			t.Fatalf("callback = %+v", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never routed")
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	r := New(logx.Nop(), fa, operatorID)
	r.SetCommands([]Command{
		{Name: "start", Description: "compose a new post", Handle: func(ctx context.Context, req *Request) error { return nil }},
		{Name: "cancel", Description: "abort the current post", Handle: func(ctx context.Context, req *Request) error { return nil }},
	})

	text := r.helpText()
	for _, want := range []string{"/start", "/cancel", "/help"} {
		if !strings.Contains(text, want) {
			t.Fatalf("help text missing %q:\n%s", want, text)
		}
	}

	menu := r.MenuCommands()
	if len(menu) != 3 {
		t.Fatalf("menu size = %d", len(menu))
	}
}
