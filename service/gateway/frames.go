package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	errs "EProject/tools/errs"
)

// FrameType enumerates the wire envelope kinds exchanged over a live session.
type FrameType string

const (
	FrameMessage     FrameType = "message"
	FrameTypingStart FrameType = "typing-start"
	FrameTypingStop  FrameType = "typing-stop"
	FramePresence    FrameType = "presence"
	FrameJoin        FrameType = "join"
	FrameLeave       FrameType = "leave"
	FrameAck         FrameType = "ack"
)

// Frame is the JSON wire envelope. Payload is opaque to the gateway: it may
// be plaintext or ciphertext, the server relays it blindly either way.
type Frame struct {
	Type        FrameType       `json:"type"`
	RoomID      string          `json:"room_id,omitempty"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
	TS          int64           `json:"ts,omitempty"`

	// server -> client only
	From         string `json:"from,omitempty"`
	MsgID        string `json:"msg_id,omitempty"`
	Code         int    `json:"code,omitempty"`
	Msg          string `json:"msg,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`

	// presence frames
	UserID     string `json:"user_id,omitempty"`
	Status     string `json:"status,omitempty"`
	LastSeenAt int64  `json:"last_seen_at,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return f, nil
}

func (f *Frame) Encode() []byte {
	b, _ := json.Marshal(f)
	return b
}

// ---- server-built frames ----

func BuildAck(req *Frame, msgID string, now time.Time) *Frame {
	return &Frame{
		Type:        FrameAck,
		ClientMsgID: req.ClientMsgID,
		MsgID:       msgID,
		TS:          now.UnixMilli(),
	}
}

func BuildErrorAck(req *Frame, cerr errs.CodeError, retryAfter time.Duration, now time.Time) *Frame {
	f := &Frame{
		Type: FrameAck,
		Code: cerr.Code,
		Msg:  cerr.Msg,
		TS:   now.UnixMilli(),
	}
	if req != nil {
		f.ClientMsgID = req.ClientMsgID
	}
	if retryAfter > 0 {
		f.RetryAfterMS = retryAfter.Milliseconds()
	}
	return f
}

func BuildMessage(env *Envelope) *Frame {
	return &Frame{
		Type:        FrameMessage,
		RoomID:      env.RoomID,
		RecipientID: env.RecipientID,
		Payload:     env.Payload,
		ClientMsgID: env.ClientMsgID,
		From:        env.SenderID,
		MsgID:       env.ID,
		TS:          env.SentAt.UnixMilli(),
	}
}

func BuildTyping(userID, roomID string, typing bool, now time.Time) *Frame {
	t := FrameTypingStop
	if typing {
		t = FrameTypingStart
	}
	return &Frame{
		Type:   t,
		RoomID: roomID,
		From:   userID,
		TS:     now.UnixMilli(),
	}
}

func BuildPresence(ev PresenceEvent) *Frame {
	return &Frame{
		Type:       FramePresence,
		UserID:     ev.UserID,
		Status:     string(ev.Status),
		LastSeenAt: ev.LastSeenAt.UnixMilli(),
		TS:         ev.LastSeenAt.UnixMilli(),
	}
}
