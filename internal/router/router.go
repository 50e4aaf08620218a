// Package router classifies inbound envelopes, persists text messages, and
// fans out pushes to the delivery set. Persistence and the matching unread
// increments happen under a per-partition lock, so ids within one
// conversation are strictly increasing and every recipient observes them in
// that order.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/auth"
	"github.com/venueops/chatcore/internal/metrics"
	"github.com/venueops/chatcore/internal/protocol"
	"github.com/venueops/chatcore/internal/ratelimit"
)

// Error taxonomy. None of these close the session; transport failures are
// handled by the session layer alone.
var (
	// ErrInvalidEnvelope marks malformed or inconsistent client payloads.
	// Logged and dropped; the sender gets an error push.
	ErrInvalidEnvelope = errors.New("router: invalid envelope")

	// ErrNotAuthorized marks a sender whose role fails the scope gate.
	ErrNotAuthorized = errors.New("router: sender not authorized for scope")

	// ErrRateLimited marks a sender above the message-per-window policy.
	ErrRateLimited = errors.New("router: rate limited")

	// ErrStoreUnavailable marks a persistence failure. The route call has
	// no side effects: no unread counter moves without a persisted message.
	ErrStoreUnavailable = errors.New("router: message store unavailable")
)

// storeTimeout bounds the persistence call inside route.
const storeTimeout = 5 * time.Second

// MessageStore persists messages; satisfied by *store.Store.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error)
}

// Delivery pushes frames to sessions; satisfied by *session.Manager.
type Delivery interface {
	Send(sessionID string, frame []byte)
	SendToUser(userID int64, frame []byte)
	Broadcast(frame []byte)
	BroadcastExcept(userID int64, frame []byte)
}

// Limiter throttles per-user actions; satisfied by *ratelimit.Limiter.
// A nil Limiter disables throttling.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Publisher feeds persisted messages to external consumers; satisfied by
// *messaging.Feed. A nil Publisher disables the feed.
type Publisher interface {
	PublishMessage(msg protocol.Message)
}

// Config holds router policy knobs.
type Config struct {
	TypingTTL time.Duration // implied stop-typing timeout
}

// DefaultConfig returns the observed production policy.
func DefaultConfig() Config {
	return Config{TypingTTL: 2500 * time.Millisecond}
}

// Router is the conversation router.
type Router struct {
	cfg      Config
	store    MessageStore
	delivery Delivery
	limiter  Limiter
	authz    auth.Authorizer
	feed     Publisher
	log      zerolog.Logger

	partMu     sync.Mutex
	partitions map[string]*sync.Mutex

	typingMu sync.Mutex
	typing   map[typingKey]*time.Timer
}

// New creates a Router. limiter and feed may be nil.
func New(cfg Config, store MessageStore, delivery Delivery, limiter Limiter, authz auth.Authorizer, feed Publisher, log zerolog.Logger) *Router {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultConfig().TypingTTL
	}
	if authz == nil {
		authz = auth.AllowAll{}
	}
	return &Router{
		cfg:        cfg,
		store:      store,
		delivery:   delivery,
		limiter:    limiter,
		authz:      authz,
		feed:       feed,
		log:        log,
		partitions: make(map[string]*sync.Mutex),
		typing:     make(map[typingKey]*time.Timer),
	}
}

// HandleFrame is the session manager's frame callback: parse, route, and
// surface failures to the sender as control pushes. It never closes the
// session.
func (r *Router) HandleFrame(sender auth.Identity, sessionID string, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		r.log.Debug().Err(err).Str("session", sessionID).Msg("router: dropping unparseable frame")
		r.pushError(sessionID, "invalid_envelope", "invalid message format")
		return
	}

	if err := r.Route(sender, sessionID, env); err != nil {
		r.log.Debug().Err(err).
			Str("session", sessionID).
			Int64("user_id", sender.ID).
			Str("type", env.Type).
			Msg("router: envelope rejected")
	}
}

// Route validates and dispatches a single envelope from a sender session.
func (r *Router) Route(sender auth.Identity, sessionID string, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypePing:
		frame, err := protocol.NewPush(protocol.TypePong, nil)
		if err != nil {
			return err
		}
		r.delivery.Send(sessionID, frame)
		return nil
	case protocol.TypeMessage:
		return r.routeText(sender, sessionID, env)
	case protocol.TypeTyping:
		return r.routeTyping(sender, sessionID, env, true)
	case protocol.TypeStopTyping:
		return r.routeTyping(sender, sessionID, env, false)
	default:
		r.pushError(sessionID, "invalid_envelope", "unsupported envelope type")
		return fmt.Errorf("%w: type %q", ErrInvalidEnvelope, env.Type)
	}
}

func (r *Router) routeText(sender auth.Identity, sessionID string, env protocol.Envelope) error {
	start := time.Now()

	if err := validateContent(env.Content); err != nil {
		r.pushError(sessionID, "invalid_envelope", err.Error())
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.RecipientID == sender.ID {
		r.pushError(sessionID, "invalid_envelope", "cannot message yourself")
		return fmt.Errorf("%w: self-addressed private message", ErrInvalidEnvelope)
	}
	if !r.authz.CanSend(sender, env.Private()) {
		r.pushError(sessionID, "forbidden", "not allowed to post in this scope")
		return ErrNotAuthorized
	}

	scope := protocol.ScopePublic
	if env.Private() {
		scope = protocol.ScopePrivate
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if r.limiter != nil {
		allowed, _ := r.limiter.Allow(ctx, strconv.FormatInt(sender.ID, 10), ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues(scope, "rate_limited").Inc()
			r.pushRateLimited(sessionID, ratelimit.RuleMessage.Window)
			return ErrRateLimited
		}
	}

	msg := protocol.Message{
		SenderID:    sender.ID,
		SenderName:  sender.Name,
		Scope:       scope,
		RecipientID: env.RecipientID,
		Content:     env.Content,
		Kind:        protocol.KindText,
	}

	// Persist and increment unread under the partition lock. The store runs
	// both in one transaction; the lock serializes writers so ids within
	// the partition are strictly increasing.
	lock := r.partitionLock(msg.Partition())
	lock.Lock()
	saved, err := r.store.SaveMessage(ctx, msg)
	lock.Unlock()
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(scope, "rejected").Inc()
		r.log.Error().Err(err).Int64("user_id", sender.ID).Msg("router: persist failed")
		r.pushError(sessionID, "store_unavailable", "message not delivered, try again")
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	frame, err := protocol.NewPush(protocol.TypeNewMessage, saved)
	if err != nil {
		return err
	}

	// Delivery set: every connected session in scope, including the
	// sender's other tabs. Offline recipients get nothing here; their
	// unread counters already moved with the insert.
	if saved.Scope == protocol.ScopePrivate {
		r.delivery.SendToUser(saved.SenderID, frame)
		r.delivery.SendToUser(saved.RecipientID, frame)
	} else {
		r.delivery.Broadcast(frame)
	}

	if r.feed != nil {
		r.feed.PublishMessage(saved)
	}

	// A fresh message supersedes any live typing indicator of the sender.
	r.clearTyping(sender, saved.Partition(), env.RecipientID, false)

	metrics.MessagesTotal.WithLabelValues(scope, "delivered").Inc()
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	return nil
}

// partitionLock returns the mutex serializing writes to one conversation
// partition, creating it on first use. Locks are per-partition so unrelated
// conversations never serialize against each other.
func (r *Router) partitionLock(partition string) *sync.Mutex {
	r.partMu.Lock()
	defer r.partMu.Unlock()
	lock, ok := r.partitions[partition]
	if !ok {
		lock = &sync.Mutex{}
		r.partitions[partition] = lock
	}
	return lock
}

func (r *Router) pushError(sessionID, code, message string) {
	frame, err := protocol.NewPush(protocol.TypeError, protocol.ErrorData{
		Code:    code,
		Message: message,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("router: failed to build error push")
		return
	}
	r.delivery.Send(sessionID, frame)
}

func (r *Router) pushRateLimited(sessionID string, window time.Duration) {
	frame, err := protocol.NewPush(protocol.TypeRateLimited, protocol.RateLimitedData{
		RetryAfter: int(window.Seconds()),
	})
	if err != nil {
		r.log.Error().Err(err).Msg("router: failed to build rate_limited push")
		return
	}
	r.delivery.Send(sessionID, frame)
}
