// Package gateway wraps the Matrix client behind a normalized event and
// send surface shared by every bot in the family.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kagari/common/redact"
)

// Config holds gateway client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// DB is an optional SQLite connection used to persist the sync token
	// (next_batch) across restarts.  When nil, an in-memory store is used
	// and all room history will be replayed on every restart.
	DB *sql.DB
	// OnDirectRoom is invoked whenever the client learns about a 1:1 room
	// (created by EnsureDirectRoom or joined via an is_direct invite) so the
	// owning bot can persist the peer association.
	OnDirectRoom func(roomID, userID string)
}

// Handler processes a normalized inbound event.
type Handler func(ctx context.Context, ev *Event)

// Member is a joined room member.
type Member struct {
	UserID      string
	DisplayName string
}

// Client wraps the Matrix client.
type Client struct {
	client  *mautrix.Client
	config  *Config
	stopCh  chan struct{}
	handler Handler

	mu          sync.Mutex
	directRooms map[id.RoomID]id.UserID // 1:1 room -> peer user
	roomNames   map[id.RoomID]string
}

// New creates a new gateway client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client:      client,
		config:      config,
		stopCh:      make(chan struct{}),
		directRooms: make(map[id.RoomID]id.UserID),
		roomNames:   make(map[id.RoomID]string),
	}

	// Attach a persistent sync store so the bot resumes from the last known
	// position after a restart instead of replaying the full room history.
	if config.DB != nil {
		client.Store = NewSyncStore(config.DB)
		slog.Info("gateway: using persistent SQLite sync store")
	} else {
		slog.Warn("gateway: no DB configured, using in-memory sync store (history will replay on restart)")
	}

	return c, nil
}

// SeedDirectRooms preloads the 1:1 room map, typically from the bot's store
// at startup, so DM classification survives restarts.
func (c *Client) SeedDirectRooms(rooms map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for roomID, userID := range rooms {
		c.directRooms[id.RoomID(roomID)] = id.UserID(userID)
	}
}

// Whoami verifies the access token against the homeserver. Called at boot so
// a bad token fails fast instead of surfacing as a dead sync loop.
func (c *Client) Whoami(ctx context.Context) error {
	resp, err := c.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	if resp.UserID != id.UserID(c.config.UserID) {
		return fmt.Errorf("whoami: token belongs to %s, configured as %s",
			redact.ShortID(resp.UserID.String()), redact.ShortID(c.config.UserID))
	}
	return nil
}

// Start begins syncing with the homeserver and delivers normalized events to
// handler until Stop is called.
func (c *Client) Start(ctx context.Context, handler Handler) error {
	c.handler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)
	syncer.OnEventType(event.StateMember, c.handleMember)
	syncer.OnEventType(event.StateRoomName, c.handleRoomName)
	syncer.OnEventType(event.EphemeralEventReceipt, c.handleReceipt)

	// Start syncing in background with exponential back-off reconnection.
	// Without retries a transient homeserver error would silently kill the
	// sync goroutine and leave the bot deaf to all new messages.
	go func() {
		const (
			backoffMin = 1 * time.Second
			backoffMax = 30 * time.Second
		)
		backoff := backoffMin
		for {
			if err := c.client.Sync(); err != nil {
				// Check whether Stop() was called; if so, exit cleanly.
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("gateway: sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff = nextBackoff(backoff, backoffMax)
				continue
			}
			// A nil Sync return normally means StopSync() was called.
			select {
			case <-c.stopCh:
				return
			default:
				backoff = backoffMin
			}
		}
	}()

	return nil
}

// nextBackoff doubles the reconnect delay up to max.
func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

// Stop stops the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the bot's own user ID.
func (c *Client) UserID() string {
	return c.config.UserID
}

// IsDirectRoom reports whether roomID is a known 1:1 room.
func (c *Client) IsDirectRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.directRooms[id.RoomID(roomID)]
	return ok
}

// RoomName returns the cached display name for a room, or "" when unknown.
func (c *Client) RoomName(roomID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomNames[id.RoomID(roomID)]
}

// Send sends a plain text message and classifies the outcome.
func (c *Client) Send(ctx context.Context, roomID, text string) SendResult {
	resp, err := c.client.SendText(ctx, id.RoomID(roomID), text)
	return c.result(resp, err)
}

// SendNotice sends an m.notice message (less intrusive than normal messages).
func (c *Client) SendNotice(ctx context.Context, roomID, text string) SendResult {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	return c.result(resp, err)
}

// Reply sends a text message threaded onto an earlier event.
func (c *Client) Reply(ctx context.Context, roomID, inReplyTo, text string) SendResult {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{
				EventID: id.EventID(inReplyTo),
			},
		},
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	return c.result(resp, err)
}

// SendMedia forwards an attachment by reusing its content URI. The media
// bytes stay on the homeserver; nothing is downloaded or re-uploaded.
func (c *Client) SendMedia(ctx context.Context, roomID string, att *Attachment, body string) SendResult {
	if body == "" {
		body = att.Name
	}
	content := event.MessageEventContent{
		MsgType: event.MessageType(att.MsgType),
		Body:    body,
		URL:     id.ContentURIString(att.URL),
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	return c.result(resp, err)
}

// SendWithMentions sends a text message that pings the given users.
func (c *Client) SendWithMentions(ctx context.Context, roomID, text string, userIDs []string) SendResult {
	mentions := &event.Mentions{}
	for _, uid := range userIDs {
		mentions.UserIDs = append(mentions.UserIDs, id.UserID(uid))
	}
	content := event.MessageEventContent{
		MsgType:  event.MsgText,
		Body:     text,
		Mentions: mentions,
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	return c.result(resp, err)
}

// React annotates an earlier event with an emoji.
func (c *Client) React(ctx context.Context, roomID, eventID, key string) error {
	if _, err := c.client.SendReaction(ctx, id.RoomID(roomID), id.EventID(eventID), key); err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return nil
}

// EnsureDirectRoom returns the 1:1 room shared with userID, creating one if
// none is known yet.
func (c *Client) EnsureDirectRoom(ctx context.Context, userID string) (string, error) {
	uid := id.UserID(userID)

	c.mu.Lock()
	for roomID, peer := range c.directRooms {
		if peer == uid {
			c.mu.Unlock()
			return roomID.String(), nil
		}
	}
	c.mu.Unlock()

	resp, err := c.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "trusted_private_chat",
		Invite:     []id.UserID{uid},
		IsDirect:   true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create direct room: %w", err)
	}

	c.rememberDirectRoom(resp.RoomID, uid)
	return resp.RoomID.String(), nil
}

// JoinedMembers lists the joined members of a room, excluding the bot itself,
// sorted by user ID.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) ([]Member, error) {
	resp, err := c.client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	members := make([]Member, 0, len(resp.Joined))
	for uid, m := range resp.Joined {
		if uid == id.UserID(c.config.UserID) {
			continue
		}
		members = append(members, Member{UserID: uid.String(), DisplayName: m.DisplayName})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// DisplayName fetches a user's profile display name.
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	profile, err := c.client.GetProfile(ctx, id.UserID(userID))
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return profile.DisplayName, nil
}

// result converts a raw send response into a SendResult.
func (c *Client) result(resp *mautrix.RespSendEvent, err error) SendResult {
	if err == nil {
		return SendResult{Status: Delivered, EventID: resp.EventID.String()}
	}
	return SendResult{Status: ClassifySendError(err), Err: err}
}

// ClassifySendError splits a send failure into transient (worth one retry)
// and rejected (the homeserver refused the event). Network faults and 5xx
// responses are transient; rate limiting is transient too since the server
// explicitly asks the client to come back later.
func ClassifySendError(err error) SendStatus {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Response == nil {
			return Transient
		}
		code := httpErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return Transient
		}
		return Rejected
	}
	// No HTTP response at all: connection refused, timeout, DNS failure.
	return Transient
}

// handleMessage normalizes an inbound message event.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	ev := FromMatrixMessage(evt, c.IsDirectRoom(evt.RoomID.String()), c.config.UserID)
	if ev == nil || c.handler == nil {
		return
	}
	c.handler(ctx, ev)
}

// handleReaction normalizes an inbound reaction event.
func (c *Client) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	ev := FromMatrixReaction(evt)
	if ev == nil || c.handler == nil {
		return
	}
	c.handler(ctx, ev)
}

// handleReceipt surfaces read receipts as a counted-and-dropped event kind.
func (c *Client) handleReceipt(ctx context.Context, evt *event.Event) {
	if c.handler == nil {
		return
	}
	c.handler(ctx, &Event{
		Kind:      KindReceipt,
		RoomID:    evt.RoomID.String(),
		Timestamp: time.Now(),
	})
}

// handleRoomName caches room display names from state.
func (c *Client) handleRoomName(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsRoomName()
	if content == nil {
		return
	}
	c.mu.Lock()
	c.roomNames[evt.RoomID] = content.Name
	c.mu.Unlock()
}

// handleMember accepts invites addressed to the bot and forwards join/leave
// transitions of other users.
func (c *Client) handleMember(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil || evt.StateKey == nil {
		return
	}

	// Invite for the bot itself: auto-accept, remember DM rooms.
	if *evt.StateKey == c.config.UserID && content.Membership == event.MembershipInvite {
		if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
			if errors.Is(err, mautrix.MForbidden) {
				slog.Warn("gateway: invite join forbidden, continuing", "room", evt.RoomID)
				return
			}
			slog.Error("gateway: failed to accept invite", "room", evt.RoomID, "err", err)
			return
		}
		if content.IsDirect {
			c.rememberDirectRoom(evt.RoomID, evt.Sender)
		}
		slog.Info("gateway: joined room on invite",
			"room", evt.RoomID, "direct", content.IsDirect,
			"inviter", redact.ShortID(evt.Sender.String()))
		return
	}

	// Membership changes of other users.
	if *evt.StateKey == c.config.UserID {
		return
	}
	ev := FromMatrixMembership(evt)
	if ev == nil || c.handler == nil {
		return
	}
	ev.Direct = c.IsDirectRoom(ev.RoomID)
	c.handler(ctx, ev)
}

// rememberDirectRoom records a 1:1 room and notifies the owning bot.
func (c *Client) rememberDirectRoom(roomID id.RoomID, peer id.UserID) {
	c.mu.Lock()
	c.directRooms[roomID] = peer
	c.mu.Unlock()
	if c.config.OnDirectRoom != nil {
		c.config.OnDirectRoom(roomID.String(), peer.String())
	}
}
