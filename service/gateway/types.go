package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Identity holds the claims resolved once at handshake time. They are fixed
// for the whole connection lifetime and never re-queried per message.
type Identity struct {
	UserID      string
	DisplayName string
	Roles       []string
}

// IdentityResolver is the external collaborator validating bearer tokens.
// The gateway only validates tokens; minting them happens elsewhere.
type IdentityResolver interface {
	ResolveToken(ctx context.Context, token string) (*Identity, error)
}

// Envelope is the routed unit: one message addressed to a room or a user.
type Envelope struct {
	ID          string
	SenderID    string
	RoomID      string
	RecipientID string
	Kind        FrameType
	Payload     json.RawMessage
	ClientMsgID string
	SentAt      time.Time
}

// StoreResult is the durable receipt the persistence collaborator returns.
type StoreResult struct {
	ID       string
	StoredAt time.Time
}

// MessageStore is the persistence collaborator. A nil error means the
// message is durable; the router acks the sender only after that.
type MessageStore interface {
	Store(ctx context.Context, env *Envelope) (StoreResult, error)
}

// PresenceMirror pushes authoritative presence transitions into a shared
// store so sibling services can read them. Failures are tolerated: the
// in-process tracker stays authoritative and retries on the next sweep.
type PresenceMirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
}

// CooldownStore persists abuse cooldown flags across gateway restarts.
type CooldownStore interface {
	SetCooldown(ctx context.Context, userID string, until time.Time) error
	GetCooldown(ctx context.Context, userID string) (time.Time, error)
}

// Publisher forwards accepted envelopes to sibling gateway nodes.
type Publisher interface {
	PublishRoom(roomID string, data []byte) error
	PublishUser(userID string, data []byte) error
}
