package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Channel Transport
// ============================================================================

// Channel is the live push transport. The default implementation wraps a
// websocket connection; tests inject fakes through ChannelDialer.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// ChannelDialer opens a Channel against the given URL.
type ChannelDialer func(ctx context.Context, url string) (Channel, error)

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsChannel) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// DialWebsocket is the default ChannelDialer.
func DialWebsocket(ctx context.Context, url string) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsChannel{conn: conn}, nil
}

// channelEnvelope is the wire format for channel events in both directions.
type channelEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// eventKind buckets the inconsistently-named inbound event types.
type eventKind int

const (
	eventUnknown eventKind = iota
	eventMessage
	eventPeerStatus
	eventRoster
)

var eventKindAliases = map[string]eventKind{
	"messagereceived": eventMessage,
	"message.new":     eventMessage,
	"messagenew":      eventMessage,
	"newmessage":      eventMessage,
	"message":         eventMessage,
	"chatmessage":     eventMessage,

	"peerstatuschanged": eventPeerStatus,
	"presencechanged":   eventPeerStatus,
	"presence":          eventPeerStatus,
	"statuschanged":     eventPeerStatus,
	"userstatus":        eventPeerStatus,

	"rosterupdated": eventRoster,
	"roster":        eventRoster,
	"contactlist":   eventRoster,
	"userlist":      eventRoster,
}

func classifyEvent(eventType string) eventKind {
	k := strings.ReplaceAll(normalizeKey(eventType), ".", "")
	if kind, ok := eventKindAliases[k]; ok {
		return kind
	}
	if kind, ok := eventKindAliases[normalizeKey(eventType)]; ok {
		return kind
	}
	return eventUnknown
}

// ============================================================================
// Error Classification
// ============================================================================

// Classify maps a transport or REST error onto the recovery taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrGeneric
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case strings.Contains(apiErr.Code, "AUTH"), strings.Contains(apiErr.Code, "401"):
			return ErrAuthExpired
		case strings.Contains(apiErr.Code, "NOT_FOUND"), strings.Contains(apiErr.Code, "404"):
			return ErrEndpointUnavailable
		case strings.Contains(apiErr.Code, "INVALID"), strings.Contains(apiErr.Code, "VALIDATION"):
			return ErrInvalidFormat
		case strings.Contains(apiErr.Code, "TIMEOUT"), strings.Contains(apiErr.Code, "NETWORK"):
			return ErrNetwork
		}
		return ErrGeneric
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return ErrAuthExpired
	case websocket.StatusGoingAway, websocket.StatusAbnormalClosure, websocket.StatusServiceRestart:
		return ErrTransportDrop
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrNetwork
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "401"), strings.Contains(s, "unauthorized"), strings.Contains(s, "forbidden"):
		return ErrAuthExpired
	case strings.Contains(s, "404"), strings.Contains(s, "not found"):
		return ErrEndpointUnavailable
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "connection refused"), strings.Contains(s, "no such host"),
		strings.Contains(s, "network"):
		return ErrNetwork
	case strings.Contains(s, "closed"), strings.Contains(s, "eof"), strings.Contains(s, "reset"):
		return ErrTransportDrop
	}
	return ErrGeneric
}

// ============================================================================
// Reconnection Policy
// ============================================================================

const (
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMaxRetries = 5
	maxJitter         = 1 * time.Second
)

// reconnector computes backoff delays and enforces the automatic retry cap.
type reconnector struct {
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
	retryCount int
	jitter     func() float64
}

func newReconnector(base, max time.Duration, retries int, jitter func() float64) *reconnector {
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	return &reconnector{baseDelay: base, maxDelay: max, maxRetries: retries, jitter: jitter}
}

func (r *reconnector) exhausted() bool {
	return r.retryCount >= r.maxRetries
}

// nextDelay returns min(maxDelay, base*2^retryCount + jitter) and increments
// the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(r.jitter() * float64(maxJitter))
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.retryCount))+float64(jitter),
		float64(r.maxDelay),
	))
	r.retryCount++
	return delay
}

func (r *reconnector) reset() {
	r.retryCount = 0
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ChannelConfig configures the connection manager.
type ChannelConfig struct {
	// URL is the push endpoint; the token is appended as a query parameter.
	URL   string
	Token string

	// Tokens is consulted once per auth failure before degrading.
	Tokens TokenSource

	Dialer     ChannelDialer
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Logger     *zap.Logger

	// scheduler and jitter are injection points for tests.
	scheduler func(d time.Duration, fn func()) (cancel func())
	jitter    func() float64
}

func (c *ChannelConfig) defaults() {
	if c.Dialer == nil {
		c.Dialer = DialWebsocket
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.scheduler == nil {
		c.scheduler = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
}

// ConnectionManager owns the single live channel instance for the session and
// its reconnection policy. It is the only component that mutates the channel's
// lifecycle.
type ConnectionManager struct {
	cfg   ChannelConfig
	recon *reconnector

	mu          sync.Mutex
	state       ConnState
	lastErr     error
	degraded    bool
	ch          Channel
	cancelRead  context.CancelFunc
	cancelTimer func()
	intentional bool
	authRetried bool
	dialGen     int

	onMessage    func(payload any)
	onPeerStatus func(payload any)
	onRoster     func(payload any)
	onState      func(ConnStatus)
	onNotice     func(Notice)
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ChannelConfig) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		cfg:   cfg,
		recon: newReconnector(cfg.BaseDelay, cfg.MaxDelay, cfg.MaxRetries, cfg.jitter),
		state: StateDisconnected,
	}
}

// Handler registration is guarded by the manager mutex so handlers may be
// swapped while the read loop is live. Handlers themselves are always invoked
// outside the lock.

// OnMessage registers the inbound message event handler.
func (m *ConnectionManager) OnMessage(fn func(payload any)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// OnPeerStatus registers the presence event handler.
func (m *ConnectionManager) OnPeerStatus(fn func(payload any)) {
	m.mu.Lock()
	m.onPeerStatus = fn
	m.mu.Unlock()
}

// OnRoster registers the roster event handler.
func (m *ConnectionManager) OnRoster(fn func(payload any)) {
	m.mu.Lock()
	m.onRoster = fn
	m.mu.Unlock()
}

// OnStateChange registers the state transition handler.
func (m *ConnectionManager) OnStateChange(fn func(ConnStatus)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// OnNotice registers the transient status handler.
func (m *ConnectionManager) OnNotice(fn func(Notice)) {
	m.mu.Lock()
	m.onNotice = fn
	m.mu.Unlock()
}

// Status returns a snapshot of the connection.
func (m *ConnectionManager) Status() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnStatus{
		State:      m.state,
		RetryCount: m.recon.retryCount,
		LastError:  m.lastErr,
		Degraded:   m.degraded,
	}
}

// Degraded reports whether the channel is permanently disabled for this
// session (REST-only mode).
func (m *ConnectionManager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *ConnectionManager) channelURL() string {
	url := strings.Replace(m.cfg.URL, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	if m.cfg.Token != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		return url + sep + "token=" + m.cfg.Token
	}
	return url
}

// Start opens the channel. On success the manager transitions to Connected and
// resets the retry counter; on failure the error is classified and the manager
// either schedules a retry or degrades.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.degraded {
		m.mu.Unlock()
		return &APIError{Code: "CHANNEL_DEGRADED", Message: "live channel disabled for this session"}
	}
	prev := m.state
	m.state = StateConnecting
	m.intentional = false
	m.mu.Unlock()
	if prev != StateConnecting {
		m.emitState()
	}

	return m.dial(ctx)
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	m.mu.Lock()
	m.dialGen++
	gen := m.dialGen
	m.mu.Unlock()

	ch, err := m.cfg.Dialer(ctx, m.channelURL())
	if err != nil {
		m.mu.Lock()
		stale := m.intentional || gen != m.dialGen
		m.mu.Unlock()
		if stale {
			return err
		}
		return m.handleConnectError(ctx, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	// A Stop or a newer attempt may have landed while the dialer was blocked;
	// a stale result must not resurrect the connection.
	if m.intentional || gen != m.dialGen {
		m.mu.Unlock()
		cancel()
		_ = ch.Close("client stop")
		return nil
	}
	m.ch = ch
	m.cancelRead = cancel
	m.state = StateConnected
	m.lastErr = nil
	m.authRetried = false
	m.recon.reset()
	m.mu.Unlock()
	m.emitState()
	m.cfg.Logger.Debug("channel connected")

	go m.readLoop(readCtx, ch)
	return nil
}

func (m *ConnectionManager) handleConnectError(ctx context.Context, err error) error {
	class := Classify(err)
	m.cfg.Logger.Warn("channel connect failed", zap.Error(err), zap.String("class", string(class)))

	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	switch class {
	case ErrAuthExpired:
		if m.tryAuthRefresh(ctx) {
			return m.dial(ctx)
		}
		m.setDisconnected()
		m.notify("Session expired. Please log in again.")
		return err

	case ErrEndpointUnavailable:
		m.mu.Lock()
		m.degraded = true
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emitState()
		m.notify("Live updates unavailable. Messages will still be delivered.")
		return err

	default:
		if !m.scheduleReconnect(ctx) {
			m.setDisconnected()
		}
		return err
	}
}

// tryAuthRefresh performs the one-shot credential refresh allowed per
// connection attempt. Returns true when a new token was obtained.
func (m *ConnectionManager) tryAuthRefresh(ctx context.Context) bool {
	m.mu.Lock()
	retried := m.authRetried
	m.authRetried = true
	tokens := m.cfg.Tokens
	m.mu.Unlock()

	if retried || tokens == nil {
		return false
	}
	token, err := tokens.Refresh(ctx)
	if err != nil {
		m.cfg.Logger.Warn("token refresh failed", zap.Error(err))
		return false
	}
	m.mu.Lock()
	m.cfg.Token = token
	m.mu.Unlock()
	return true
}

func (m *ConnectionManager) readLoop(ctx context.Context, ch Channel) {
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			m.mu.Lock()
			intentional := m.intentional
			current := m.ch == ch
			m.mu.Unlock()
			if intentional || !current {
				return
			}
			m.handleReadError(err)
			return
		}

		var env channelEnvelope
		if json.Unmarshal(data, &env) != nil {
			m.cfg.Logger.Debug("channel: dropping malformed frame")
			continue
		}
		m.dispatch(env)
	}
}

func (m *ConnectionManager) dispatch(env channelEnvelope) {
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			m.cfg.Logger.Debug("channel: undecodable payload", zap.String("event", env.Type))
			return
		}
	}

	m.mu.Lock()
	onMessage, onPeerStatus, onRoster := m.onMessage, m.onPeerStatus, m.onRoster
	m.mu.Unlock()

	switch classifyEvent(env.Type) {
	case eventMessage:
		if onMessage != nil {
			onMessage(payload)
		}
	case eventPeerStatus:
		if onPeerStatus != nil {
			onPeerStatus(payload)
		}
	case eventRoster:
		if onRoster != nil {
			onRoster(payload)
		}
	default:
		m.cfg.Logger.Debug("channel: ignoring event", zap.String("event", env.Type))
	}
}

func (m *ConnectionManager) handleReadError(err error) {
	class := Classify(err)
	m.cfg.Logger.Warn("channel dropped", zap.Error(err), zap.String("class", string(class)))

	m.mu.Lock()
	m.lastErr = err
	m.ch = nil
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	m.mu.Unlock()

	ctx := context.Background()
	switch class {
	case ErrAuthExpired:
		if m.tryAuthRefresh(ctx) {
			m.mu.Lock()
			m.state = StateReconnecting
			m.mu.Unlock()
			m.emitState()
			_ = m.dial(ctx)
			return
		}
		m.setDisconnected()
		m.notify("Session expired. Please log in again.")

	case ErrEndpointUnavailable:
		m.mu.Lock()
		m.degraded = true
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emitState()
		m.notify("Live updates unavailable. Messages will still be delivered.")

	default:
		if !m.scheduleReconnect(ctx) {
			m.setDisconnected()
		}
	}
}

// scheduleReconnect arms the backoff timer for the next automatic attempt.
// Returns false once the retry budget is spent; a manual Reconnect is then
// required.
func (m *ConnectionManager) scheduleReconnect(ctx context.Context) bool {
	m.mu.Lock()
	if m.intentional {
		// Stop won; leave the state it set alone.
		m.mu.Unlock()
		return true
	}
	if m.recon.exhausted() {
		m.mu.Unlock()
		m.cfg.Logger.Warn("reconnect attempts exhausted")
		return false
	}
	delay := m.recon.nextDelay()
	attempt := m.recon.retryCount
	m.state = StateReconnecting
	m.mu.Unlock()
	m.emitState()
	m.cfg.Logger.Debug("scheduling reconnect",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))

	cancel := m.cfg.scheduler(delay, func() {
		m.mu.Lock()
		if m.intentional || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		if err := m.dial(ctx); err != nil {
			m.cfg.Logger.Debug("reconnect attempt failed", zap.Error(err))
		}
	})

	m.mu.Lock()
	m.cancelTimer = cancel
	m.mu.Unlock()
	return true
}

// Reconnect is the explicit manual action after automatic retries stop. It
// resets the retry budget and restarts the connection from Connecting.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
	m.recon.reset()
	m.degraded = false
	m.authRetried = false
	m.state = StateDisconnected
	m.mu.Unlock()
	return m.Start(ctx)
}

// Stop tears down the channel unconditionally; safe from any state. Used on
// logout and identity change.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	m.intentional = true
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
	if m.cancelRead != nil {
		m.cancelRead()
		m.cancelRead = nil
	}
	ch := m.ch
	m.ch = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close("client stop")
	}
	m.emitState()
}

// Push writes a best-effort envelope to the live channel. It is a low-latency
// hint, not the durability path.
func (m *ConnectionManager) Push(ctx context.Context, method string, payload any) error {
	m.mu.Lock()
	ch := m.ch
	connected := m.state == StateConnected
	m.mu.Unlock()

	if ch == nil || !connected {
		return &APIError{Code: "NOT_CONNECTED", Message: "live channel is not connected"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(channelEnvelope{Type: method, Payload: body})
	if err != nil {
		return err
	}
	return ch.Write(ctx, data)
}

func (m *ConnectionManager) setDisconnected() {
	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
	m.emitState()
}

func (m *ConnectionManager) emitState() {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(m.Status())
	}
}

func (m *ConnectionManager) notify(text string) {
	m.mu.Lock()
	fn := m.onNotice
	m.mu.Unlock()
	if fn != nil {
		fn(Notice{Text: text})
	}
}
