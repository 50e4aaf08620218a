package router

import (
	"context"
	"strconv"
	"time"

	"github.com/venueops/chatcore/internal/auth"
	"github.com/venueops/chatcore/internal/protocol"
	"github.com/venueops/chatcore/internal/ratelimit"
	"github.com/venueops/chatcore/internal/unread"
)

// typingKey identifies one live typing indicator: a sender inside one
// conversation partition.
type typingKey struct {
	userID    int64
	partition string
}

// routeTyping relays a typing signal to the connected recipients of the
// scope. Typing traffic is never persisted and never counts toward unread.
// Every start (re)arms an implied-stop timer, so a dropped connection or a
// client that never sends stop_typing cannot leave a stuck indicator.
func (r *Router) routeTyping(sender auth.Identity, sessionID string, env protocol.Envelope, typing bool) error {
	if env.RecipientID == sender.ID {
		return ErrInvalidEnvelope
	}

	// Typing spam is dropped silently; a rate_limited push for control
	// traffic would only add noise.
	if typing && r.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		allowed, _ := r.limiter.Allow(ctx, strconv.FormatInt(sender.ID, 10), ratelimit.RuleTyping)
		cancel()
		if !allowed {
			return ErrRateLimited
		}
	}

	scope := protocol.ScopePublic
	partition := protocol.PartitionPublic
	if env.Private() {
		scope = protocol.ScopePrivate
		partition = protocol.PartitionDM(sender.ID, env.RecipientID)
	}

	if typing {
		r.armImpliedStop(sender, partition, env.RecipientID)
	} else {
		r.disarmImpliedStop(typingKey{sender.ID, partition})
	}

	return r.pushTyping(sender.ID, scope, env.RecipientID, typing)
}

// ClearUser emits stop signals for every live typing indicator of a user.
// The session manager calls this on disconnect so peers never watch a ghost
// type forever.
func (r *Router) ClearUser(userID int64) {
	r.typingMu.Lock()
	var stale []typingKey
	for key, timer := range r.typing {
		if key.userID == userID {
			timer.Stop()
			delete(r.typing, key)
			stale = append(stale, key)
		}
	}
	r.typingMu.Unlock()

	for _, key := range stale {
		r.emitImpliedStop(key)
	}
}

// clearTyping cancels the indicator after a sent message, optionally
// pushing the stop signal.
func (r *Router) clearTyping(sender auth.Identity, partition string, recipientID int64, push bool) {
	key := typingKey{sender.ID, partition}
	if !r.disarmImpliedStop(key) {
		return
	}
	if push {
		scope := protocol.ScopePublic
		if recipientID != 0 {
			scope = protocol.ScopePrivate
		}
		_ = r.pushTyping(sender.ID, scope, recipientID, false)
	}
}

func (r *Router) armImpliedStop(sender auth.Identity, partition string, recipientID int64) {
	key := typingKey{sender.ID, partition}

	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	if timer, ok := r.typing[key]; ok {
		timer.Reset(r.cfg.TypingTTL)
		return
	}
	r.typing[key] = time.AfterFunc(r.cfg.TypingTTL, func() {
		r.typingMu.Lock()
		_, live := r.typing[key]
		delete(r.typing, key)
		r.typingMu.Unlock()
		if live {
			r.emitImpliedStop(key)
		}
	})
}

// disarmImpliedStop cancels a pending implied stop, reporting whether an
// indicator was live.
func (r *Router) disarmImpliedStop(key typingKey) bool {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	timer, ok := r.typing[key]
	if ok {
		timer.Stop()
		delete(r.typing, key)
	}
	return ok
}

func (r *Router) emitImpliedStop(key typingKey) {
	recipientID := int64(0)
	scope := protocol.ScopePublic
	if peer, ok := unread.PeerFromPartition(key.partition, key.userID); ok {
		recipientID = peer
		scope = protocol.ScopePrivate
	}
	_ = r.pushTyping(key.userID, scope, recipientID, false)
}

func (r *Router) pushTyping(userID int64, scope string, recipientID int64, typing bool) error {
	frame, err := protocol.NewPush(protocol.TypeTypingPush, protocol.TypingData{
		UserID:      userID,
		Scope:       scope,
		RecipientID: recipientID,
		IsTyping:    typing,
	})
	if err != nil {
		return err
	}
	if scope == protocol.ScopePrivate {
		r.delivery.SendToUser(recipientID, frame)
	} else {
		r.delivery.BroadcastExcept(userID, frame)
	}
	return nil
}

// typingCount reports live indicators, exercised by tests.
func (r *Router) typingCount() int {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	return len(r.typing)
}
