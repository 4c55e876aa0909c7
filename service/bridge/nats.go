package bridge

import (
	"strings"
	"time"

	"EProject/logger"
	errs "EProject/tools/errs"

	"github.com/nats-io/nats.go"
)

const originHeader = "Gw-Origin"

type Conf struct {
	Servers   []string
	Name      string
	GatewayID string
	Prefix    string // subject prefix (default "gw")
}

func (c *Conf) norm() {
	if c.Prefix == "" {
		c.Prefix = "gw"
	}
	if c.Name == "" {
		c.Name = c.GatewayID
	}
}

// Bridge forwards accepted envelopes between gateway nodes over NATS so a
// room spread across instances still sees a single conversation. Remote
// copies are applied to local sessions only and never re-published, which
// keeps a two-node loop impossible.
type Bridge struct {
	nc   *nats.Conn
	conf Conf
	subs []*nats.Subscription
}

func Connect(conf Conf) (*Bridge, error) {
	conf.norm()
	nc, err := nats.Connect(strings.Join(conf.Servers, ","),
		nats.Name(conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return &Bridge{nc: nc, conf: conf}, nil
}

func (b *Bridge) PublishRoom(roomID string, data []byte) error {
	return b.publish(b.conf.Prefix+".room."+roomID, data)
}

func (b *Bridge) PublishUser(userID string, data []byte) error {
	return b.publish(b.conf.Prefix+".user."+userID, data)
}

func (b *Bridge) publish(subject string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Header.Set(originHeader, b.conf.GatewayID)
	msg.Data = data
	if err := b.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "publish", "subject", subject)
	}
	return nil
}

// Deliverer is the slice of the registry the bridge needs.
type Deliverer interface {
	BroadcastRoom(roomID string, data []byte, excludeSessionID string) int
	BroadcastUser(userID string, data []byte, excludeSessionID string) int
}

// Subscribe starts applying sibling-node traffic to local sessions.
func (b *Bridge) Subscribe(reg Deliverer) error {
	roomSub, err := b.nc.Subscribe(b.conf.Prefix+".room.>", func(m *nats.Msg) {
		if m.Header.Get(originHeader) == b.conf.GatewayID {
			return
		}
		roomID := strings.TrimPrefix(m.Subject, b.conf.Prefix+".room.")
		n := reg.BroadcastRoom(roomID, m.Data, "")
		logger.Debugf("[bridge] remote room=%s delivered=%d", roomID, n)
	})
	if err != nil {
		return errs.WrapMsg(err, "subscribe rooms")
	}
	userSub, err := b.nc.Subscribe(b.conf.Prefix+".user.>", func(m *nats.Msg) {
		if m.Header.Get(originHeader) == b.conf.GatewayID {
			return
		}
		userID := strings.TrimPrefix(m.Subject, b.conf.Prefix+".user.")
		n := reg.BroadcastUser(userID, m.Data, "")
		logger.Debugf("[bridge] remote user=%s delivered=%d", userID, n)
	})
	if err != nil {
		_ = roomSub.Unsubscribe()
		return errs.WrapMsg(err, "subscribe users")
	}
	b.subs = append(b.subs, roomSub, userSub)
	return nil
}

func (b *Bridge) Close() {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.nc.Close()
}
