package runtime_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Kagari/internal/botcore/auth"
	"github.com/bdobrica/Kagari/internal/botcore/commands"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
	"github.com/bdobrica/Kagari/internal/botcore/runtime"
)

type sent struct {
	roomID string
	text   string
}

type fakeGateway struct {
	mu      sync.Mutex
	handler gateway.Handler
	replies []sent
	notices []sent
	stopped bool
}

func (f *fakeGateway) Start(ctx context.Context, handler gateway.Handler) error {
	f.handler = handler
	return nil
}

func (f *fakeGateway) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeGateway) Reply(ctx context.Context, roomID, inReplyTo, text string) gateway.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sent{roomID, text})
	return gateway.SendResult{Status: gateway.Delivered, EventID: "$reply"}
}

func (f *fakeGateway) SendNotice(ctx context.Context, roomID, text string) gateway.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, sent{roomID, text})
	return gateway.SendResult{Status: gateway.Delivered, EventID: "$notice"}
}

func (f *fakeGateway) lastReply(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		t.Fatal("expected a reply, got none")
	}
	return f.replies[len(f.replies)-1]
}

type fakeBot struct {
	mu          sync.Mutex
	directSeen  []string
	groupSeen   []string
	memberships []string
}

func (b *fakeBot) Name() string { return "testbot" }

func (b *fakeBot) Commands() []*commands.Command {
	return []*commands.Command{
		{
			Token: "/ping",
			Handler: func(ctx context.Context, inv *commands.Invocation) (string, error) {
				return "🏓 pong", nil
			},
		},
		{
			Token:     "/unpair",
			AdminOnly: true,
			Handler: func(ctx context.Context, inv *commands.Invocation) (string, error) {
				return "done", nil
			},
		},
		{
			Token: "/boom",
			Handler: func(ctx context.Context, inv *commands.Invocation) (string, error) {
				panic("kaboom")
			},
		},
	}
}

func (b *fakeBot) OnDirectMessage(ctx context.Context, ev *gateway.Event) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.directSeen = append(b.directSeen, ev.Body)
	return "", nil
}

func (b *fakeBot) OnGroupMessage(ctx context.Context, ev *gateway.Event) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groupSeen = append(b.groupSeen, ev.Body)
	return "", nil
}

func (b *fakeBot) OnMembership(ctx context.Context, ev *gateway.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memberships = append(b.memberships, ev.Membership+":"+ev.MemberID)
	return nil
}

func newTestRuntime(t *testing.T) (*runtime.Runtime, *fakeGateway, *fakeBot) {
	t.Helper()
	gw := &fakeGateway{}
	bot := &fakeBot{}
	registry := commands.NewRegistry([]string{"!testbot"})
	gate := auth.NewGate([]string{"@admin:example.com"})
	rt, err := runtime.New(gw, bot, registry, gate, runtime.Config{DrainTimeout: time.Second})
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	return rt, gw, bot
}

func dm(sender, body string) *gateway.Event {
	return &gateway.Event{
		Kind: gateway.KindMessage, RoomID: "!dm:example.com", EventID: "$ev",
		Sender: sender, Body: body, Direct: true,
	}
}

func TestDispatch_CommandReply(t *testing.T) {
	rt, gw, _ := newTestRuntime(t)

	rt.Dispatch(context.Background(), dm("@user:example.com", "/ping"))

	if got := gw.lastReply(t).text; got != "🏓 pong" {
		t.Errorf("reply: got %q", got)
	}
}

func TestDispatch_DenialUsesGateReason(t *testing.T) {
	rt, gw, _ := newTestRuntime(t)

	rt.Dispatch(context.Background(), dm("@stranger:example.com", "/unpair"))
	if got := gw.lastReply(t).text; got != auth.DeniedAdminOnly {
		t.Errorf("reply: got %q, want %q", got, auth.DeniedAdminOnly)
	}

	rt.Dispatch(context.Background(), dm("@admin:example.com", "/unpair"))
	if got := gw.lastReply(t).text; got != "done" {
		t.Errorf("reply after admin invocation: got %q", got)
	}
}

func TestDispatch_PlainMessagesRouteToBot(t *testing.T) {
	rt, _, bot := newTestRuntime(t)

	rt.Dispatch(context.Background(), dm("@user:example.com", "hello"))
	group := &gateway.Event{
		Kind: gateway.KindMessage, RoomID: "!lobby:example.com", EventID: "$g",
		Sender: "@user:example.com", Body: "how do I start?",
	}
	rt.Dispatch(context.Background(), group)

	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.directSeen) != 1 || bot.directSeen[0] != "hello" {
		t.Errorf("directSeen: %v", bot.directSeen)
	}
	if len(bot.groupSeen) != 1 || bot.groupSeen[0] != "how do I start?" {
		t.Errorf("groupSeen: %v", bot.groupSeen)
	}
}

func TestDispatch_MembershipRoutesToHandler(t *testing.T) {
	rt, _, bot := newTestRuntime(t)

	rt.Dispatch(context.Background(), &gateway.Event{
		Kind: gateway.KindMembership, RoomID: "!lobby:example.com",
		Membership: "join", MemberID: "@joiner:example.com",
	})

	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.memberships) != 1 || bot.memberships[0] != "join:@joiner:example.com" {
		t.Errorf("memberships: %v", bot.memberships)
	}
}

func TestDispatch_PanicRecovery(t *testing.T) {
	rt, gw, _ := newTestRuntime(t)

	rt.Dispatch(context.Background(), dm("@user:example.com", "/boom"))

	gw.mu.Lock()
	notices := append([]sent(nil), gw.notices...)
	gw.mu.Unlock()
	if len(notices) != 1 || notices[0].text != runtime.GenericFailureNotice {
		t.Fatalf("expected generic failure notice, got %v", notices)
	}

	// The loop must survive: a later event is still handled.
	rt.Dispatch(context.Background(), dm("@user:example.com", "/ping"))
	if got := gw.lastReply(t).text; got != "🏓 pong" {
		t.Errorf("reply after panic: got %q", got)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	rt, gw, _ := newTestRuntime(t)

	rt.Dispatch(context.Background(), dm("@user:example.com", "/bogus"))

	got := gw.lastReply(t).text
	if !strings.Contains(got, "/bogus") || !strings.Contains(got, "/help") {
		t.Errorf("unknown-command reply should name the token and point at /help, got %q", got)
	}
}

func TestDispatch_ReceiptsAreDropped(t *testing.T) {
	rt, gw, bot := newTestRuntime(t)

	rt.Dispatch(context.Background(), &gateway.Event{Kind: gateway.KindReceipt, RoomID: "!r:example.com"})

	gw.mu.Lock()
	replies, notices := len(gw.replies), len(gw.notices)
	gw.mu.Unlock()
	bot.mu.Lock()
	seen := len(bot.directSeen) + len(bot.groupSeen)
	bot.mu.Unlock()
	if replies+notices+seen != 0 {
		t.Error("receipts must be dropped without side effects")
	}
}

func TestRun_LifecycleAndDrain(t *testing.T) {
	rt, gw, _ := newTestRuntime(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitForState(t, rt, runtime.Running)
	if gw.handler == nil {
		t.Fatal("gateway handler not wired")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if rt.State() != runtime.Stopped {
		t.Errorf("state: got %v, want stopped", rt.State())
	}
	gw.mu.Lock()
	stopped := gw.stopped
	replies := len(gw.replies)
	gw.mu.Unlock()
	if !stopped {
		t.Error("gateway was not stopped")
	}

	// Events arriving after shutdown are dropped.
	rt.Dispatch(context.Background(), dm("@user:example.com", "/ping"))
	gw.mu.Lock()
	after := len(gw.replies)
	gw.mu.Unlock()
	if after != replies {
		t.Error("event handled after shutdown")
	}
}

func waitForState(t *testing.T, rt *runtime.Runtime, want runtime.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rt.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v (at %v)", want, rt.State())
}
