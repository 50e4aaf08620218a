// Package client provides a reconnecting chat client for terminal tools and
// sibling services. It speaks the same WebSocket protocol as the server,
// keeps itself connected through restarts and network drops, and falls back
// to REST polling when the socket cannot be re-established.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/httpapi"
	"github.com/venueops/chatcore/internal/protocol"
	"github.com/venueops/chatcore/internal/unread"
)

// State describes the client's connectivity.
type State int

const (
	StateConnecting State = iota
	StateOnline
	StateDegraded // socket unavailable, REST polling active
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds connection settings and reconnect policy.
type Config struct {
	BaseURL string // http(s)://host:port of the chat server
	Token   string // bearer token for this user

	DialTimeout  time.Duration
	BackoffBase  time.Duration // first reconnect delay
	BackoffCap   time.Duration // ceiling for the exponential delay
	MaxAttempts  int           // attempts before degrading to polling
	PollInterval time.Duration // REST poll cadence while degraded
	TypingExpiry time.Duration // local expiry for peer typing indicators
}

// DefaultConfig returns the reconnect policy clients ship with.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		BackoffBase:  time.Second,
		BackoffCap:   30 * time.Second,
		MaxAttempts:  10,
		PollInterval: 15 * time.Second,
		TypingExpiry: 3 * time.Second,
	}
}

// Handlers receive pushed events. All callbacks run on the client's read
// goroutine and must not block. Nil callbacks are skipped.
type Handlers struct {
	OnMessage  func(protocol.Message)
	OnPresence func(protocol.PresenceData)
	OnTyping   func(protocol.TypingData)
	OnState    func(State)
	OnError    func(protocol.ErrorData)
	// OnUnread fires with the server's unread counters once each
	// reconnect catch-up completes, so badges can be re-rendered
	// without an extra REST call.
	OnUnread func(unread.Snapshot)
}

// Client is a reconnecting chat connection.
type Client struct {
	cfg      Config
	handlers Handlers
	http     *http.Client
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conn  net.Conn
	state State
	// seen holds the highest delivered message id per partition, so a
	// message observed both on the socket and in a reconnect backlog is
	// delivered exactly once.
	seen map[string]int64

	typingMu sync.Mutex
	typing   map[typistKey]*time.Timer

	done chan struct{}
}

type typistKey struct {
	userID    int64
	partition string
}

// New creates a client and starts its connection loop.
func New(cfg Config, handlers Handlers, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Token == "" {
		return nil, fmt.Errorf("client: BaseURL and Token are required")
	}
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = def.TypingExpiry
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		handlers: handlers,
		http:     &http.Client{Timeout: cfg.DialTimeout},
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
		seen:     make(map[string]int64),
		typing:   make(map[typistKey]*time.Timer),
		done:     make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// State reports the current connectivity.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the connection down immediately. Pending reconnect and poll
// timers are cancelled; no further callbacks fire after Close returns the
// connection loop.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

// SendPublic posts a message to the shared channel.
func (c *Client) SendPublic(content string) error {
	return c.send(protocol.Envelope{Type: protocol.TypeMessage, Content: content})
}

// SendPrivate posts a direct message to one user.
func (c *Client) SendPrivate(recipientID int64, content string) error {
	return c.send(protocol.Envelope{Type: protocol.TypeMessage, Content: content, RecipientID: recipientID})
}

// Typing signals that the user is composing. recipientID zero means the
// public channel.
func (c *Client) Typing(recipientID int64) error {
	return c.send(protocol.Envelope{Type: protocol.TypeTyping, RecipientID: recipientID})
}

// StopTyping withdraws a typing signal.
func (c *Client) StopTyping(recipientID int64) error {
	return c.send(protocol.Envelope{Type: protocol.TypeStopTyping, RecipientID: recipientID})
}

func (c *Client) send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("client: not connected (state %s)", c.state)
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// History fetches a page of the public backlog over REST.
func (c *Client) History(ctx context.Context, after int64, limit int) (httpapi.HistoryResponse, error) {
	var out httpapi.HistoryResponse
	path := fmt.Sprintf("/api/chat/history?after=%d&limit=%d", after, limit)
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// Conversations fetches the private conversation list over REST.
func (c *Client) Conversations(ctx context.Context) (httpapi.ConversationsResponse, error) {
	var out httpapi.ConversationsResponse
	err := c.getJSON(ctx, "/api/chat/conversations", &out)
	return out, err
}

// Messages fetches a page of one private conversation. The server treats
// the fetch as the read signal for that conversation.
func (c *Client) Messages(ctx context.Context, peerID, after int64, limit int) (httpapi.MessagesResponse, error) {
	var out httpapi.MessagesResponse
	path := fmt.Sprintf("/api/chat/messages/%d?after=%d&limit=%d", peerID, after, limit)
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// MarkReadPublic clears the public unread counter.
func (c *Client) MarkReadPublic(ctx context.Context) error {
	return c.postJSON(ctx, "/api/chat/mark-read", map[string]string{"scope": protocol.ScopePublic})
}

// MarkReadPeer clears the unread counter for one private conversation.
func (c *Client) MarkReadPeer(ctx context.Context, peerID int64) error {
	return c.postJSON(ctx, "/api/chat/mark-read", map[string]int64{"peer_id": peerID})
}

// run is the connection loop: dial, read until failure, back off, repeat.
// After MaxAttempts consecutive failures it degrades to REST polling while
// still retrying the socket at the poll cadence.
func (c *Client) run() {
	defer close(c.done)
	defer c.setState(StateClosed)

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err == nil {
			attempt = 0
			c.setState(StateOnline)
			if err := c.catchUp(); err != nil {
				c.log.Warn().Err(err).Msg("client: backlog fetch failed")
			}
			c.readFrames(conn)
			c.clearConn()
			if c.ctx.Err() != nil {
				return
			}
			c.setState(StateConnecting)
			continue
		}

		attempt++
		c.log.Debug().Err(err).Int("attempt", attempt).Msg("client: dial failed")

		if attempt >= c.cfg.MaxAttempts {
			c.setState(StateDegraded)
			if !c.sleep(c.cfg.PollInterval) {
				return
			}
			c.pollOnce()
			continue
		}
		if !c.sleep(backoffDelay(attempt-1, c.cfg.BackoffBase, c.cfg.BackoffCap)) {
			return
		}
	}
}

func (c *Client) dial() (net.Conn, error) {
	wsURL, err := c.socketURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("client: bad base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// catchUp replays the public backlog missed while disconnected, paging
// from the high-water mark until a short page signals the backlog is
// drained. Private backlogs arrive through the conversation list on
// demand; only the shared channel streams unconditionally.
func (c *Client) catchUp() error {
	for {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		after := c.highWater(protocol.PartitionPublic)
		resp, err := c.History(ctx, after, httpapi.HistoryLimitMax)
		cancel()
		if err != nil {
			return err
		}
		for _, msg := range resp.Messages {
			c.deliver(msg)
		}
		// A short page means the backlog is drained. A full page that
		// moved the mark nowhere means the server is replaying ids we
		// already hold; stop rather than spin.
		if len(resp.Messages) < httpapi.HistoryLimitMax || c.highWater(protocol.PartitionPublic) == after {
			if c.handlers.OnUnread != nil {
				c.handlers.OnUnread(resp.Unread)
			}
			return nil
		}
	}
}

// pollOnce is the degraded-mode fetch: same backlog replay, no socket.
func (c *Client) pollOnce() {
	if err := c.catchUp(); err != nil {
		c.log.Debug().Err(err).Msg("client: poll failed")
	}
}

func (c *Client) readFrames(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("client: read failed")
			}
			conn.Close()
			return
		}
		push, err := protocol.ParsePush(data)
		if err != nil {
			continue
		}
		c.dispatch(push)
	}
}

func (c *Client) dispatch(push protocol.Push) {
	switch push.Type {
	case protocol.TypeNewMessage:
		var msg protocol.Message
		if err := json.Unmarshal(push.Data, &msg); err != nil {
			return
		}
		c.deliver(msg)
	case protocol.TypePresence:
		var pd protocol.PresenceData
		if err := json.Unmarshal(push.Data, &pd); err != nil {
			return
		}
		if c.handlers.OnPresence != nil {
			c.handlers.OnPresence(pd)
		}
	case protocol.TypeTypingPush:
		var td protocol.TypingData
		if err := json.Unmarshal(push.Data, &td); err != nil {
			return
		}
		c.observeTyping(td)
	case protocol.TypeError, protocol.TypeRateLimited:
		var ed protocol.ErrorData
		if push.Type == protocol.TypeRateLimited {
			var rl protocol.RateLimitedData
			if err := json.Unmarshal(push.Data, &rl); err != nil {
				return
			}
			ed = protocol.ErrorData{
				Code:    "rate_limited",
				Message: "sending too fast, retry in " + strconv.Itoa(rl.RetryAfter) + "s",
			}
		} else if err := json.Unmarshal(push.Data, &ed); err != nil {
			return
		}
		if c.handlers.OnError != nil {
			c.handlers.OnError(ed)
		}
	}
}

// deliver surfaces a message once, advancing the partition high-water mark.
func (c *Client) deliver(msg protocol.Message) {
	partition := msg.Partition()
	c.mu.Lock()
	if msg.MessageID <= c.seen[partition] {
		c.mu.Unlock()
		return
	}
	c.seen[partition] = msg.MessageID
	c.mu.Unlock()

	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(msg)
	}
}

func (c *Client) highWater(partition string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[partition]
}

// observeTyping relays the indicator and arms a local expiry, so a typist
// whose stop signal is lost still clears from the UI.
func (c *Client) observeTyping(td protocol.TypingData) {
	key := typistKey{td.UserID, partitionOf(td)}

	c.typingMu.Lock()
	if timer, ok := c.typing[key]; ok {
		timer.Stop()
		delete(c.typing, key)
	}
	if td.IsTyping {
		c.typing[key] = time.AfterFunc(c.cfg.TypingExpiry, func() {
			c.typingMu.Lock()
			_, live := c.typing[key]
			delete(c.typing, key)
			c.typingMu.Unlock()
			if live && c.handlers.OnTyping != nil {
				stopped := td
				stopped.IsTyping = false
				c.handlers.OnTyping(stopped)
			}
		})
	}
	c.typingMu.Unlock()

	if c.handlers.OnTyping != nil {
		c.handlers.OnTyping(td)
	}
}

func partitionOf(td protocol.TypingData) string {
	if td.Scope == protocol.ScopePrivate {
		return protocol.PartitionDM(td.UserID, td.RecipientID)
	}
	return protocol.PartitionPublic
}

func (c *Client) clearConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.handlers.OnState != nil {
		c.handlers.OnState(s)
	}
}

// sleep waits for d or until Close, reporting whether the wait completed.
func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: %s returned %d", path, resp.StatusCode)
	}
	return nil
}
