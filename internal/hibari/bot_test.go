package hibari

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kagari/internal/botcore/commands"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
)

type mentionCall struct {
	room    string
	text    string
	userIDs []string
}

type fakeGateway struct {
	members  []gateway.Member
	mentions []mentionCall
	fail     bool
}

func (f *fakeGateway) SendWithMentions(ctx context.Context, roomID, text string, userIDs []string) gateway.SendResult {
	f.mentions = append(f.mentions, mentionCall{room: roomID, text: text, userIDs: userIDs})
	if f.fail {
		return gateway.SendResult{Status: gateway.Rejected, Err: fmt.Errorf("rejected")}
	}
	return gateway.SendResult{Status: gateway.Delivered, EventID: "$tag:example.org"}
}

func (f *fakeGateway) JoinedMembers(ctx context.Context, roomID string) ([]gateway.Member, error) {
	return f.members, nil
}

func newTestBot(t *testing.T, gw *fakeGateway, cfg Config) (*Bot, *Store) {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewBot(gw, st, cfg), st
}

func members(n int) []gateway.Member {
	out := make([]gateway.Member, n)
	for i := range out {
		out[i] = gateway.Member{
			UserID:      fmt.Sprintf("@user%d:example.org", i),
			DisplayName: fmt.Sprintf("User %d", i),
		}
	}
	return out
}

func tag(t *testing.T, b *Bot, args string) (string, error) {
	t.Helper()
	for _, cmd := range b.Commands() {
		if cmd.Token == "/tag" {
			return cmd.Handler(context.Background(), &commands.Invocation{
				Command: cmd,
				Args:    args,
				Event:   &gateway.Event{Kind: gateway.KindMessage, RoomID: "!room:example.org", Sender: "@admin:example.org"},
			})
		}
	}
	t.Fatal("tag command not found")
	return "", nil
}

func invoke(t *testing.T, b *Bot, token string) (string, error) {
	t.Helper()
	for _, cmd := range b.Commands() {
		if cmd.Token == token {
			return cmd.Handler(context.Background(), &commands.Invocation{
				Command: cmd,
				Event:   &gateway.Event{Kind: gateway.KindMessage, RoomID: "!room:example.org", Sender: "@admin:example.org"},
			})
		}
	}
	t.Fatalf("command %q not found", token)
	return "", nil
}

func TestTagMentionsEveryone(t *testing.T) {
	gw := &fakeGateway{members: members(3)}
	b, _ := newTestBot(t, gw, Config{})

	resp, err := tag(t, b, "standup in 5")
	if err != nil {
		t.Fatalf("tag failed: %v", err)
	}
	if !strings.Contains(resp, "Tagged 3 member(s) in 1 message(s)") {
		t.Errorf("unexpected response: %q", resp)
	}
	if len(gw.mentions) != 1 {
		t.Fatalf("expected 1 mention message, got %d", len(gw.mentions))
	}
	m := gw.mentions[0]
	if !strings.HasPrefix(m.text, "standup in 5\n") {
		t.Errorf("unexpected text: %q", m.text)
	}
	if len(m.userIDs) != 3 {
		t.Errorf("expected 3 mentioned users, got %d", len(m.userIDs))
	}
}

func TestTagBatchesLargeRooms(t *testing.T) {
	gw := &fakeGateway{members: members(25)}
	b, _ := newTestBot(t, gw, Config{BatchSize: 10})

	resp, err := tag(t, b, "")
	if err != nil {
		t.Fatalf("tag failed: %v", err)
	}
	if !strings.Contains(resp, "25 member(s) in 3 message(s)") {
		t.Errorf("unexpected response: %q", resp)
	}
	if len(gw.mentions) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(gw.mentions))
	}
	if got := len(gw.mentions[2].userIDs); got != 5 {
		t.Errorf("last batch should have 5 users, got %d", got)
	}
	if !strings.HasPrefix(gw.mentions[0].text, defaultMessage) {
		t.Errorf("empty args should use the default message, got %q", gw.mentions[0].text)
	}
}

func TestTagCooldown(t *testing.T) {
	gw := &fakeGateway{members: members(2)}
	b, _ := newTestBot(t, gw, Config{Cooldown: 5 * time.Minute})

	base := time.Now()
	b.now = func() time.Time { return base }

	if _, err := tag(t, b, ""); err != nil {
		t.Fatalf("first tag failed: %v", err)
	}

	b.now = func() time.Time { return base.Add(time.Minute) }
	if _, err := tag(t, b, ""); err == nil || !strings.Contains(err.Error(), "recently") {
		t.Errorf("expected the cooldown error, got %v", err)
	}

	b.now = func() time.Time { return base.Add(6 * time.Minute) }
	if _, err := tag(t, b, ""); err != nil {
		t.Errorf("tag after cooldown should succeed: %v", err)
	}
}

func TestPauseBlocksTagging(t *testing.T) {
	gw := &fakeGateway{members: members(2)}
	b, _ := newTestBot(t, gw, Config{})

	if _, err := invoke(t, b, "/pause"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if _, err := tag(t, b, ""); err == nil || !strings.Contains(err.Error(), "paused") {
		t.Errorf("expected the paused error, got %v", err)
	}

	if _, err := invoke(t, b, "/unpause"); err != nil {
		t.Fatalf("unpause failed: %v", err)
	}
	if _, err := tag(t, b, ""); err != nil {
		t.Errorf("tag after unpause should succeed: %v", err)
	}
}

func TestTagEmptyRoom(t *testing.T) {
	gw := &fakeGateway{}
	b, _ := newTestBot(t, gw, Config{})

	resp, err := tag(t, b, "")
	if err != nil {
		t.Fatalf("tag failed: %v", err)
	}
	if resp != "Nobody to tag here." {
		t.Errorf("unexpected response: %q", resp)
	}
}

func TestTagSendFailure(t *testing.T) {
	gw := &fakeGateway{members: members(2), fail: true}
	b, st := newTestBot(t, gw, Config{})

	if _, err := tag(t, b, ""); err == nil {
		t.Fatal("failed send should surface as an error")
	}
	last, err := st.LastTag(context.Background(), "!room:example.org")
	if err != nil {
		t.Fatalf("failed to read last tag: %v", err)
	}
	if !last.IsZero() {
		t.Error("a failed tag must not start the cooldown")
	}
}

func TestDirectMessageHint(t *testing.T) {
	b, _ := newTestBot(t, &fakeGateway{}, Config{})

	resp, err := b.OnDirectMessage(context.Background(), &gateway.Event{Kind: gateway.KindMessage, Direct: true})
	if err != nil {
		t.Fatalf("direct message failed: %v", err)
	}
	if !strings.Contains(resp, "/tag") {
		t.Errorf("hint should mention /tag: %q", resp)
	}
}

func TestStorePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	ctx := context.Background()
	if err := st.SetPaused(ctx, "!room:example.org", true); err != nil {
		t.Fatalf("failed to set paused: %v", err)
	}
	st.Close()

	st2, err := Open(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer st2.Close()
	paused, err := st2.Paused(ctx, "!room:example.org")
	if err != nil {
		t.Fatalf("failed to read paused: %v", err)
	}
	if !paused {
		t.Error("paused flag should survive a reopen")
	}
}
