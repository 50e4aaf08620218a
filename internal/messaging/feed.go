// Package messaging publishes the chat event feed over NATS so sibling
// services (shift planning, notification fan-out, audit) can observe
// messages and presence transitions without touching the chat database.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/protocol"
)

// NATS subject patterns for the chat feed.
const (
	SubjectMessagePublic  = "chat.message.public"
	SubjectMessagePrivate = "chat.message.private" // + .<lo>.<hi>
	SubjectPresence       = "chat.presence"
)

// PresenceEvent is the wire form of a presence transition on the feed.
type PresenceEvent struct {
	UserID int64     `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Feed wraps the NATS connection with helper methods for the chat
// subjects. A nil *Feed is a valid no-op publisher, so callers never need
// to branch on whether the feed is configured.
type Feed struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // -1 for infinite
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "chatcore",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Connect dials NATS and returns a ready feed. It returns an error if the
// initial connection fails.
func Connect(cfg Config, log zerolog.Logger) (*Feed, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats: connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: connected")

	return &Feed{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// messageSubject maps a persisted message onto its feed subject. Private
// conversations publish under the canonical low:high pair so both
// participants' consumers share one subject.
func messageSubject(msg protocol.Message) string {
	if msg.Scope != protocol.ScopePrivate {
		return SubjectMessagePublic
	}
	lo, hi := msg.SenderID, msg.RecipientID
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("%s.%d.%d", SubjectMessagePrivate, lo, hi)
}

// PublishMessage puts a persisted message on the feed. Failures are logged
// and swallowed; the feed is best effort and never blocks delivery.
func (f *Feed) PublishMessage(msg protocol.Message) {
	if f == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.log.Error().Err(err).Msg("nats: marshal message")
		return
	}
	if err := f.conn.Publish(messageSubject(msg), data); err != nil {
		f.log.Warn().Err(err).Int64("message_id", msg.MessageID).Msg("nats: publish message")
	}
}

// PublishPresence puts a presence transition on the feed.
func (f *Feed) PublishPresence(userID int64, online bool) {
	if f == nil {
		return
	}
	data, err := json.Marshal(PresenceEvent{UserID: userID, Online: online, At: time.Now().UTC()})
	if err != nil {
		f.log.Error().Err(err).Msg("nats: marshal presence")
		return
	}
	if err := f.conn.Publish(SubjectPresence, data); err != nil {
		f.log.Warn().Err(err).Int64("user_id", userID).Msg("nats: publish presence")
	}
}

// SubscribePublicMessages registers a handler for the public room feed.
func (f *Feed) SubscribePublicMessages(handler func(msg protocol.Message)) error {
	return f.subscribe(SubjectMessagePublic, func(m *nats.Msg) {
		var msg protocol.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			f.log.Warn().Err(err).Msg("nats: bad message payload")
			return
		}
		handler(msg)
	})
}

// SubscribePresence registers a handler for presence transitions.
func (f *Feed) SubscribePresence(handler func(ev PresenceEvent)) error {
	return f.subscribe(SubjectPresence, func(m *nats.Msg) {
		var ev PresenceEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			f.log.Warn().Err(err).Msg("nats: bad presence payload")
			return
		}
		handler(ev)
	})
}

func (f *Feed) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := f.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	f.mu.Lock()
	f.subs[subject] = sub
	f.mu.Unlock()
	return nil
}

// Close drains all subscriptions and the connection.
func (f *Feed) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for subject, sub := range f.subs {
		if err := sub.Drain(); err != nil {
			f.log.Warn().Err(err).Str("subject", subject).Msg("nats: drain subscription")
		}
	}
	f.subs = make(map[string]*nats.Subscription)

	if err := f.conn.Drain(); err != nil {
		f.log.Warn().Err(err).Msg("nats: connection drain")
	}
}
