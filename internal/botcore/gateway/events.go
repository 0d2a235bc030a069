package gateway

import (
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Kind classifies a normalized gateway event.
type Kind int

const (
	// KindMessage is a text or media message posted to a room.
	KindMessage Kind = iota
	// KindReaction is an emoji annotation on an earlier event.
	KindReaction
	// KindReceipt is a read receipt. Bots generally ignore these; they are
	// surfaced so the dispatcher can count and drop them explicitly.
	KindReceipt
	// KindMembership is a join or leave in a room the bot participates in.
	KindMembership
)

// String returns a short label for logging.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindReaction:
		return "reaction"
	case KindReceipt:
		return "receipt"
	case KindMembership:
		return "membership"
	default:
		return "unknown"
	}
}

// Attachment describes media carried by a message. The content URI points at
// the homeserver's media repository; forwarding an attachment reuses the URI
// as-is, the bytes are never downloaded or re-uploaded.
type Attachment struct {
	URL     string // mxc:// content URI
	MsgType string // m.image, m.file, m.video, m.audio
	Name    string // original filename (or body when no filename is set)
}

// Event is the normalized form of an inbound homeserver event. Exactly the
// fields relevant to Kind are populated; everything else is zero.
type Event struct {
	Kind    Kind
	RoomID  string
	EventID string
	Sender  string

	// Message fields.
	Body       string
	Direct     bool // the room is a 1:1 direct chat
	Mentioned  bool // the bot user was mentioned in the message
	ReplyToID  string
	Attachment *Attachment

	// Membership fields. MemberID is the user whose membership changed;
	// Sender is whoever caused the change.
	Membership  string // "join" or "leave"
	MemberID    string
	DisplayName string

	// Reaction fields.
	ReactionKey string
	ReactsToID  string

	Timestamp time.Time
}

// SendStatus is the typed outcome of a send attempt.
type SendStatus int

const (
	// Delivered means the homeserver accepted the event.
	Delivered SendStatus = iota
	// Transient means the attempt failed in a way that may succeed on retry
	// (network fault, 5xx, rate limit).
	Transient
	// Rejected means the homeserver refused the event; retrying the same
	// request will not help (4xx other than rate limiting).
	Rejected
)

// String returns a short label for logging.
func (s SendStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SendResult reports the outcome of a send attempt. Err is nil exactly when
// Status is Delivered; EventID is set only on delivery.
type SendResult struct {
	Status  SendStatus
	EventID string
	Err     error
}

// Ok reports whether the send was delivered.
func (r SendResult) Ok() bool { return r.Status == Delivered }

// FromMatrixMessage normalizes a raw m.room.message event. Returns nil for
// content the runtime has no use for (empty events, unknown msgtypes).
func FromMatrixMessage(evt *event.Event, direct bool, botUserID string) *Event {
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}

	replyTo := ""
	if rel := content.RelatesTo; rel != nil && rel.InReplyTo != nil {
		replyTo = rel.InReplyTo.EventID.String()
		// A rich reply's plain-text body starts with a quote of the original
		// message; only the reply text itself must survive relaying.
		content.RemoveReplyFallback()
	}

	ev := &Event{
		Kind:      KindMessage,
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		Body:      content.Body,
		Direct:    direct,
		ReplyToID: replyTo,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}

	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			if uid == id.UserID(botUserID) {
				ev.Mentioned = true
				break
			}
		}
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		// Body carries everything.
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		name := content.FileName
		if name == "" {
			name = content.Body
		}
		ev.Attachment = &Attachment{
			URL:     string(content.URL),
			MsgType: string(content.MsgType),
			Name:    name,
		}
	default:
		return nil
	}

	return ev
}

// FromMatrixReaction normalizes an m.reaction event. Returns nil when the
// annotation relation is missing.
func FromMatrixReaction(evt *event.Event) *Event {
	content := evt.Content.AsReaction()
	if content == nil || content.RelatesTo.EventID == "" {
		return nil
	}
	return &Event{
		Kind:        KindReaction,
		RoomID:      evt.RoomID.String(),
		EventID:     evt.ID.String(),
		Sender:      evt.Sender.String(),
		ReactionKey: content.RelatesTo.Key,
		ReactsToID:  content.RelatesTo.EventID.String(),
		Timestamp:   time.UnixMilli(evt.Timestamp),
	}
}

// FromMatrixMembership normalizes an m.room.member state event into a join or
// leave. Invites and other transitions return nil; invite handling is the
// client's own concern (auto-accept), not the bot's.
func FromMatrixMembership(evt *event.Event) *Event {
	content := evt.Content.AsMember()
	if content == nil || evt.StateKey == nil {
		return nil
	}

	var membership string
	switch content.Membership {
	case event.MembershipJoin:
		membership = "join"
	case event.MembershipLeave, event.MembershipBan:
		membership = "leave"
	default:
		return nil
	}

	return &Event{
		Kind:        KindMembership,
		RoomID:      evt.RoomID.String(),
		EventID:     evt.ID.String(),
		Sender:      evt.Sender.String(),
		Membership:  membership,
		MemberID:    *evt.StateKey,
		DisplayName: content.Displayname,
		Timestamp:   time.UnixMilli(evt.Timestamp),
	}
}
