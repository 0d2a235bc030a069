// Package relay implements the lobby-to-control message engine: messages
// from lobby rooms and direct chats are re-posted into a control room under
// a pseudonym, and operator replies in the control room are routed back to
// the original sender without ever exposing who they are.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kagari/common/redact"
	"github.com/bdobrica/Kagari/common/retry"
	"github.com/bdobrica/Kagari/common/trace"
	"github.com/bdobrica/Kagari/internal/botcore/gateway"
	"github.com/bdobrica/Kagari/internal/kagari/store"
)

// User-visible notices. The unavailable notice is deliberately vague: a
// sender with no route must not learn whether the service is unconfigured,
// mid-setup, or broken.
const (
	UnavailableNotice    = "⚠️ Service temporarily unavailable. Please try again later."
	DeliveryFailedNotice = "⚠️ Your message could not be delivered. Please try again later."
	ExpiredReplyNotice   = "❓ No matching relayed message was found. It may have expired."
	DefaultGreeting      = "👋 Hi! Messages you send me here are relayed to the team, and their replies will show up in this chat."
	ChannelOpenNotice    = "💬 Private channel open.\n↩️ Reply here and I'll relay your message to the team."

	confirmationKey = "✅"

	dmAnonymousSetting = "dm_anonymous"
	dmCounterName      = "dm_pseudonyms"
)

// Sender is the outbound slice of the gateway client the engine needs.
type Sender interface {
	Send(ctx context.Context, roomID, text string) gateway.SendResult
	SendNotice(ctx context.Context, roomID, text string) gateway.SendResult
	SendMedia(ctx context.Context, roomID string, att *gateway.Attachment, body string) gateway.SendResult
	React(ctx context.Context, roomID, eventID, key string) error
	EnsureDirectRoom(ctx context.Context, userID string) (string, error)
	RoomName(roomID string) string
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Config holds engine tunables.
type Config struct {
	// MappingTTL is how long a relayed message stays quotable. Defaults to
	// 72 hours.
	MappingTTL time.Duration
	// SingleUseReplies deletes a mapping after its first reply instead of
	// letting operators reply repeatedly until expiry.
	SingleUseReplies bool
	// DMAnonymous is the default pseudonym mode for standalone direct
	// sessions, overridable at runtime via the dm_anonymous setting.
	DMAnonymous bool
	// Greeting is sent to participants when no per-pairing greeting is set.
	Greeting string
	// RetryDelay is the wait before the single transient-failure retry.
	RetryDelay time.Duration
}

// Engine routes messages between lobby rooms, direct chats, and control
// rooms, keeping the identity state in the encrypted store.
type Engine struct {
	store *store.Store
	gw    Sender
	cfg   Config
}

// New creates an engine, applying config defaults.
func New(st *store.Store, gw Sender, cfg Config) *Engine {
	if cfg.MappingTTL <= 0 {
		cfg.MappingTTL = 72 * time.Hour
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Engine{store: st, gw: gw, cfg: cfg}
}

// MarkLobby marks a room as a relay lobby, opening a pending pairing that
// the same admin completes by marking a control room.
func (e *Engine) MarkLobby(ctx context.Context, roomID, admin string) (*store.Pairing, error) {
	return e.store.CreatePendingPairing(ctx, roomID, admin, true, "")
}

// MarkControl attaches a room as the control side of the marking admin's
// most recent pending pairing.
func (e *Engine) MarkControl(ctx context.Context, roomID, admin string) (*store.Pairing, error) {
	return e.store.CompleteLatestPending(ctx, roomID, admin)
}

// Unpair removes every pairing the room takes part in, as lobby or as
// control. Sessions and relay mappings under those pairings cascade away,
// so no pseudonym or quote target survives the unpairing.
func (e *Engine) Unpair(ctx context.Context, roomID string) (int, error) {
	if p, err := e.store.PairingByLobby(ctx, roomID); err == nil {
		if err := e.store.DeletePairing(ctx, p.ID); err != nil {
			return 0, err
		}
		return 1, nil
	} else if !errors.Is(err, store.ErrPairingNotFound) {
		return 0, err
	}

	pairings, err := e.store.PairingsByControl(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if len(pairings) == 0 {
		return 0, store.ErrPairingNotFound
	}
	removed := 0
	for _, p := range pairings {
		if err := e.store.DeletePairing(ctx, p.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Status summarizes the room's role in the relay.
func (e *Engine) Status(ctx context.Context, roomID string) (string, error) {
	if p, err := e.store.PairingByLobby(ctx, roomID); err == nil {
		if p.Pending() {
			return "This room is a relay lobby waiting for its control room. Use /setup control there to finish pairing.", nil
		}
		count, err := e.store.CountActiveSessions(ctx, p.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("This room is a relay lobby.\nActive participants: %d\nAnonymous: %s\nConfirmations: %s",
			count, onOff(p.Anonymous), onOff(p.Confirmations)), nil
	} else if !errors.Is(err, store.ErrPairingNotFound) {
		return "", err
	}

	pairings, err := e.store.PairingsByControl(ctx, roomID)
	if err != nil {
		return "", err
	}
	if len(pairings) == 0 {
		return "This room is not part of any relay pairing.", nil
	}

	out := fmt.Sprintf("This room is a control room for %d lobby(ies).", len(pairings))
	for _, p := range pairings {
		count, err := e.store.CountActiveSessions(ctx, p.ID)
		if err != nil {
			return "", err
		}
		out += fmt.Sprintf("\n• %s: %d active participants", e.roomLabel(p.LobbyRoomID), count)
	}
	return out, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// roomLabel prefers the cached room name and falls back to a shortened ID.
func (e *Engine) roomLabel(roomID string) string {
	if name := e.gw.RoomName(roomID); name != "" {
		return name
	}
	return redact.ShortID(roomID)
}

// SetDMAnonymous persists the pseudonym mode for standalone direct sessions.
func (e *Engine) SetDMAnonymous(ctx context.Context, on bool) error {
	return e.store.SetSetting(ctx, dmAnonymousSetting, onOff(on))
}

// DMAnonymous reports the current direct-session pseudonym mode.
func (e *Engine) DMAnonymous(ctx context.Context) bool {
	v, err := e.store.GetSetting(ctx, dmAnonymousSetting)
	if err != nil {
		slog.Error("relay: failed to read dm_anonymous setting", "err", err)
		return e.cfg.DMAnonymous
	}
	switch v {
	case "on":
		return true
	case "off":
		return false
	default:
		return e.cfg.DMAnonymous
	}
}

// HandleGroupMessage routes a non-command group message. It reports whether
// the room took part in the relay at all; unpaired rooms return (false, nil)
// so the bot can fall through to its default behavior.
func (e *Engine) HandleGroupMessage(ctx context.Context, ev *gateway.Event) (bool, error) {
	if p, err := e.store.PairingByLobby(ctx, ev.RoomID); err == nil {
		return true, e.forwardFromLobby(ctx, ev, p)
	} else if !errors.Is(err, store.ErrPairingNotFound) {
		return false, err
	}

	pairings, err := e.store.PairingsByControl(ctx, ev.RoomID)
	if err != nil {
		return false, err
	}
	if len(pairings) == 0 {
		return false, nil
	}
	// Control rooms relay only quoted replies; everything else is operator
	// chatter.
	if ev.ReplyToID == "" {
		return true, nil
	}
	return true, e.handleControlReply(ctx, ev)
}

// forwardFromLobby re-posts a lobby message into the control room under the
// sender's pseudonym.
func (e *Engine) forwardFromLobby(ctx context.Context, ev *gateway.Event, p *store.Pairing) error {
	if p.Pending() {
		return nil
	}

	sess, err := e.ensureLobbySession(ctx, p, ev.Sender, "")
	if err != nil {
		return err
	}

	prefix := fmt.Sprintf("[%s] %s", e.roomLabel(ev.RoomID), e.sessionLabel(p.Anonymous, sess))
	res := e.sendRelay(ctx, p.ControlRoomID.String, prefix, ev)
	return e.finishRelay(ctx, ev, p, sess, res)
}

// HandleDirectMessage routes a 1:1 message. Messages in a DM bound to an
// existing session follow that session's pairing; otherwise a standalone
// direct session is opened against the oldest completed pairing.
func (e *Engine) HandleDirectMessage(ctx context.Context, ev *gateway.Event) error {
	sess, err := e.store.SessionByDMRoom(ctx, ev.RoomID)
	if errors.Is(err, store.ErrSessionNotFound) {
		sess, err = e.ensureDirectSession(ctx, ev)
		if err != nil || sess == nil {
			return err
		}
	} else if err != nil {
		return err
	}

	p, err := e.sessionPairing(ctx, sess)
	if errors.Is(err, store.ErrPairingNotFound) {
		e.gw.SendNotice(ctx, ev.RoomID, UnavailableNotice)
		return nil
	}
	if err != nil {
		return err
	}

	anonymous := p.Anonymous
	if !sess.PairingID.Valid {
		anonymous = e.DMAnonymous(ctx)
	}
	prefix := fmt.Sprintf("[DM] %s", e.sessionLabel(anonymous, sess))
	res := e.sendRelay(ctx, p.ControlRoomID.String, prefix, ev)
	return e.finishRelay(ctx, ev, p, sess, res)
}

// ensureDirectSession finds or opens the sender's standalone direct session.
// Returns (nil, nil) after notifying the sender when no completed pairing
// exists to route to.
func (e *Engine) ensureDirectSession(ctx context.Context, ev *gateway.Event) (*store.Session, error) {
	sess, err := e.store.ActiveDirectSession(ctx, ev.Sender)
	if err == nil {
		if !sess.DMRoomID.Valid || sess.DMRoomID.String != ev.RoomID {
			if err := e.store.SetSessionDMRoom(ctx, sess.ID, ev.RoomID); err != nil {
				return nil, err
			}
			sess.DMRoomID = sql.NullString{String: ev.RoomID, Valid: true}
		}
		return sess, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}

	// No route without at least one completed pairing.
	if _, err := e.store.OldestCompletedPairing(ctx); err != nil {
		if errors.Is(err, store.ErrPairingNotFound) {
			e.gw.SendNotice(ctx, ev.RoomID, UnavailableNotice)
			return nil, nil
		}
		return nil, err
	}

	n, err := e.store.NextCounter(ctx, dmCounterName)
	if err != nil {
		return nil, err
	}
	display := ""
	if !e.DMAnonymous(ctx) {
		display, _ = e.gw.DisplayName(ctx, ev.Sender)
	}
	sess = &store.Session{
		Sender:      ev.Sender,
		DisplayName: display,
		Pseudonym:   DMLabel(int(n)),
		DMRoomID:    sql.NullString{String: ev.RoomID, Valid: true},
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	slog.Info("relay: opened direct session",
		"trace", trace.FromContext(ctx), "pseudonym", sess.Pseudonym)
	return sess, nil
}

// handleControlReply resolves a quoted control-room event and delivers the
// operator's reply to the participant behind it.
func (e *Engine) handleControlReply(ctx context.Context, ev *gateway.Event) error {
	now := time.Now()

	var sess *store.Session
	var mapped bool

	m, err := e.store.MappingByRelayEvent(ctx, ev.ReplyToID, now)
	switch {
	case err == nil:
		mapped = true
		sess, err = e.store.SessionByID(ctx, m.SessionID)
		if err != nil {
			return err
		}
	case errors.Is(err, store.ErrMappingNotFound):
		// A reply to a join notification also reaches its participant.
		sess, err = e.store.SessionByJoinNotice(ctx, ev.ReplyToID)
		if errors.Is(err, store.ErrSessionNotFound) {
			e.gw.SendNotice(ctx, ev.RoomID, ExpiredReplyNotice)
			return nil
		}
		if err != nil {
			return err
		}
	default:
		return err
	}

	dmRoom, err := e.sessionDMRoom(ctx, sess)
	if err != nil {
		return err
	}

	res := e.sendRelay(ctx, dmRoom, "", ev)
	if !res.Ok() {
		slog.Error("relay: reply delivery failed",
			"trace", trace.FromContext(ctx), "status", res.Status, "err", res.Err)
		e.gw.SendNotice(ctx, ev.RoomID, DeliveryFailedNotice)
		return nil
	}

	if mapped && e.cfg.SingleUseReplies {
		if err := e.store.DeleteMapping(ctx, ev.ReplyToID); err != nil {
			return err
		}
	}
	if p, err := e.sessionPairing(ctx, sess); err == nil && p.Confirmations {
		if err := e.gw.React(ctx, ev.RoomID, ev.EventID, confirmationKey); err != nil {
			slog.Warn("relay: confirmation reaction failed", "err", err)
		}
	}
	slog.Info("relay: delivered reply",
		"trace", trace.FromContext(ctx), "pseudonym", sess.Pseudonym)
	return nil
}

// SendDirect delivers an operator message to the participant behind a
// pseudonym label, without quoting. Only sessions reachable from the given
// control room are considered: those of its own pairings, plus standalone
// direct sessions. Bare labels are tried with the "User " prefix too, so
// "/dm A hi" reaches "User A".
func (e *Engine) SendDirect(ctx context.Context, controlRoomID, label, text string) (string, error) {
	sess, err := e.findByLabel(ctx, controlRoomID, label)
	if err != nil {
		return "", err
	}

	dmRoom, err := e.sessionDMRoom(ctx, sess)
	if err != nil {
		return "", err
	}
	res := e.sendRelay(ctx, dmRoom, "", &gateway.Event{Body: text})
	if !res.Ok() {
		return "", fmt.Errorf("failed to deliver to %s: %v", sess.Pseudonym, res.Err)
	}
	slog.Info("relay: delivered direct message",
		"trace", trace.FromContext(ctx), "pseudonym", sess.Pseudonym)
	return sess.Pseudonym, nil
}

func (e *Engine) findByLabel(ctx context.Context, controlRoomID, label string) (*store.Session, error) {
	labels := []string{label, "User " + label}

	pairings, err := e.store.PairingsByControl(ctx, controlRoomID)
	if err != nil {
		return nil, err
	}
	for _, p := range pairings {
		for _, l := range labels {
			sess, err := e.store.ActiveSessionByPseudonym(ctx, p.ID, l)
			if err == nil {
				return sess, nil
			}
			if !errors.Is(err, store.ErrSessionNotFound) {
				return nil, err
			}
		}
	}
	for _, l := range labels {
		sess, err := e.store.ActiveDirectSessionByPseudonym(ctx, l)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrSessionNotFound) {
			return nil, err
		}
	}
	return nil, store.ErrSessionNotFound
}

// OpenPrivateChannel lets a lobby participant request a 1:1 channel with the
// team. It opens (or reuses) the participant's session under the lobby's
// pairing, makes sure a DM room exists, and posts the channel-open notice
// there. Messages the participant sends in that DM then relay like any other
// direct message.
func (e *Engine) OpenPrivateChannel(ctx context.Context, p *store.Pairing, sender string) error {
	if p.Pending() {
		return store.ErrPairingNotFound
	}
	sess, err := e.ensureLobbySession(ctx, p, sender, "")
	if err != nil {
		return err
	}
	dmRoom, err := e.sessionDMRoom(ctx, sess)
	if err != nil {
		return err
	}
	if res := e.gw.Send(ctx, dmRoom, ChannelOpenNotice); !res.Ok() {
		return fmt.Errorf("failed to open private channel for %s: %v", sess.Pseudonym, res.Err)
	}
	slog.Info("relay: opened private channel",
		"trace", trace.FromContext(ctx), "pseudonym", sess.Pseudonym)
	return nil
}

// HandleMembership reacts to joins and leaves in lobby rooms: joins open a
// session, greet the participant in a DM, and announce them in the control
// room; leaves end the session.
func (e *Engine) HandleMembership(ctx context.Context, ev *gateway.Event) error {
	p, err := e.store.PairingByLobby(ctx, ev.RoomID)
	if errors.Is(err, store.ErrPairingNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Pending() {
		return nil
	}

	switch ev.Membership {
	case "join":
		return e.handleJoin(ctx, ev, p)
	case "leave":
		return e.handleLeave(ctx, ev, p)
	}
	return nil
}

func (e *Engine) handleJoin(ctx context.Context, ev *gateway.Event, p *store.Pairing) error {
	if _, err := e.store.ActiveSession(ctx, p.ID, ev.MemberID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrSessionNotFound) {
		return err
	}

	sess, err := e.ensureLobbySession(ctx, p, ev.MemberID, ev.DisplayName)
	if err != nil {
		return err
	}

	// Greet in a DM so the participant knows the room is relayed.
	dmRoom, err := e.gw.EnsureDirectRoom(ctx, ev.MemberID)
	if err != nil {
		slog.Warn("relay: could not open greeting DM",
			"trace", trace.FromContext(ctx), "err", err)
	} else {
		greeting := p.Greeting
		if greeting == "" {
			greeting = e.cfg.Greeting
		}
		if res := e.gw.Send(ctx, dmRoom, greeting); res.Ok() {
			if err := e.store.SetSessionDMRoom(ctx, sess.ID, dmRoom); err != nil {
				return err
			}
		}
	}

	notice := fmt.Sprintf("👋 %s joined %s. Reply to this message to reach them.",
		e.sessionLabel(p.Anonymous, sess), e.roomLabel(ev.RoomID))
	if res := e.gw.Send(ctx, p.ControlRoomID.String, notice); res.Ok() {
		if err := e.store.SetSessionJoinNotice(ctx, sess.ID, res.EventID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleLeave(ctx context.Context, ev *gateway.Event, p *store.Pairing) error {
	sess, err := e.store.ActiveSession(ctx, p.ID, ev.MemberID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.store.EndSession(ctx, sess.ID); err != nil {
		return err
	}
	e.gw.SendNotice(ctx, p.ControlRoomID.String,
		fmt.Sprintf("%s left %s.", e.sessionLabel(p.Anonymous, sess), e.roomLabel(ev.RoomID)))
	return nil
}

// Sweep deletes expired relay mappings. Runs at startup and on a schedule.
func (e *Engine) Sweep(ctx context.Context) error {
	n, err := e.store.DeleteExpiredMappings(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to sweep mappings: %w", err)
	}
	if n > 0 {
		slog.Info("relay: swept expired mappings", "count", n)
	}
	return nil
}

// ensureLobbySession finds or creates the sender's active session under a
// pairing, assigning the next pseudonym in the lobby's sequence.
func (e *Engine) ensureLobbySession(ctx context.Context, p *store.Pairing, sender, displayName string) (*store.Session, error) {
	sess, err := e.store.ActiveSession(ctx, p.ID, sender)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}

	seq, err := e.store.NextPseudonymSeq(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	display := ""
	if !p.Anonymous {
		display = displayName
		if display == "" {
			display, _ = e.gw.DisplayName(ctx, sender)
		}
	}
	sess = &store.Session{
		PairingID:   sql.NullString{String: p.ID, Valid: true},
		Sender:      sender,
		DisplayName: display,
		Pseudonym:   UserLabel(seq),
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	slog.Info("relay: opened lobby session",
		"trace", trace.FromContext(ctx), "pseudonym", sess.Pseudonym)
	return sess, nil
}

// sessionLabel picks the name shown for a session: the pseudonym when the
// pairing is anonymous, the stored display name otherwise.
func (e *Engine) sessionLabel(anonymous bool, sess *store.Session) string {
	if !anonymous && sess.DisplayName != "" {
		return sess.DisplayName
	}
	return sess.Pseudonym
}

// sessionPairing resolves the pairing a session relays through. Standalone
// direct sessions use the oldest completed pairing.
func (e *Engine) sessionPairing(ctx context.Context, sess *store.Session) (*store.Pairing, error) {
	if sess.PairingID.Valid {
		p, err := e.store.PairingByID(ctx, sess.PairingID.String)
		if err != nil {
			return nil, err
		}
		if p.Pending() {
			return nil, store.ErrPairingNotFound
		}
		return p, nil
	}
	return e.store.OldestCompletedPairing(ctx)
}

// sessionDMRoom returns the session's 1:1 room, opening one on demand.
func (e *Engine) sessionDMRoom(ctx context.Context, sess *store.Session) (string, error) {
	if sess.DMRoomID.Valid {
		return sess.DMRoomID.String, nil
	}
	dmRoom, err := e.gw.EnsureDirectRoom(ctx, sess.Sender)
	if err != nil {
		return "", fmt.Errorf("failed to open participant DM: %w", err)
	}
	if err := e.store.SetSessionDMRoom(ctx, sess.ID, dmRoom); err != nil {
		return "", err
	}
	return dmRoom, nil
}

// finishRelay is the shared tail of lobby and DM forwarding: record the
// mapping on success, notify the sender on failure, confirm when enabled.
func (e *Engine) finishRelay(ctx context.Context, ev *gateway.Event, p *store.Pairing, sess *store.Session, res gateway.SendResult) error {
	if !res.Ok() {
		slog.Error("relay: forward failed",
			"trace", trace.FromContext(ctx), "status", res.Status, "err", res.Err)
		e.gw.SendNotice(ctx, ev.RoomID, DeliveryFailedNotice)
		return nil
	}

	m := &store.Mapping{
		RelayEventID:  res.EventID,
		SessionID:     sess.ID,
		OriginRoomID:  ev.RoomID,
		OriginEventID: ev.EventID,
		ExpiresAt:     time.Now().Add(e.cfg.MappingTTL),
	}
	if err := e.store.PutMapping(ctx, m); err != nil {
		return err
	}

	if p.Confirmations {
		if err := e.gw.React(ctx, ev.RoomID, ev.EventID, confirmationKey); err != nil {
			slog.Warn("relay: confirmation reaction failed", "err", err)
		}
	}
	slog.Info("relay: forwarded message",
		"trace", trace.FromContext(ctx), "pseudonym", sess.Pseudonym, "status", res.Status)
	return nil
}

var errTransientSend = errors.New("transient send failure")

// sendRelay delivers either the message body or its attachment, retrying
// once on a transient failure. An empty prefix sends the content verbatim.
func (e *Engine) sendRelay(ctx context.Context, roomID, prefix string, ev *gateway.Event) gateway.SendResult {
	var res gateway.SendResult
	cfg := retry.Config{
		MaxAttempts:  2,
		InitialDelay: e.cfg.RetryDelay,
		MaxDelay:     e.cfg.RetryDelay,
		ShouldRetry:  func(err error) bool { return errors.Is(err, errTransientSend) },
	}
	_ = retry.Do(ctx, cfg, func() error {
		if ev.Attachment != nil {
			body := ev.Attachment.Name
			if prefix != "" {
				body = prefix + ": " + ev.Attachment.Name
			}
			res = e.gw.SendMedia(ctx, roomID, ev.Attachment, body)
		} else {
			body := ev.Body
			if prefix != "" {
				body = prefix + ": " + ev.Body
			}
			res = e.gw.Send(ctx, roomID, body)
		}
		switch res.Status {
		case gateway.Delivered:
			return nil
		case gateway.Transient:
			return fmt.Errorf("%w: %v", errTransientSend, res.Err)
		default:
			return res.Err
		}
	})
	return res
}
