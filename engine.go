package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sendVariant is one method-name/argument-shape attempt against the live
// channel. The counterpart accepts only a subset of these; the first write
// that succeeds is treated as sufficient. This is a compatibility probe, not a
// retry loop — durability always comes from the REST path.
type sendVariant struct {
	method  string
	payload func(m Message) any
}

var sendVariants = []sendVariant{
	{"message.send", func(m Message) any {
		return map[string]any{
			"senderId":       m.SenderID,
			"recipientId":    m.RecipientID,
			"text":           m.Text,
			"attachmentName": m.AttachmentRef,
		}
	}},
	{"sendMessage", func(m Message) any {
		return map[string]any{
			"sender_id":    m.SenderID,
			"recipient_id": m.RecipientID,
			"message":      m.Text,
			"attachment":   m.AttachmentRef,
		}
	}},
	{"send_message", func(m Message) any {
		return []any{m.SenderID, m.RecipientID, m.Text, m.Timestamp.Unix(), m.AttachmentRef}
	}},
}

// Config configures a sync engine.
type Config struct {
	// Rest is the durable send/history collaborator. Required.
	Rest Rest

	// Channel is the live push transport. Nil runs the engine REST-only.
	Channel *ConnectionManager

	// Attachments resolves attachment references lazily. Optional.
	Attachments AttachmentResolver

	// FingerprintLimit bounds the dedup cache. Zero means the default.
	FingerprintLimit int

	Logger *zap.Logger

	// now and newID are injection points for tests.
	now   func() time.Time
	newID func() string
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = func() string { return "local-" + uuid.NewString() }
	}
}

// Engine is the synchronization core for one active session and one open
// conversation. It wires channel events through the router, dedup gate and
// buffer, and drives the optimistic send pipeline.
//
// All buffer, cache and tracker mutation is serialized under the engine mutex;
// handlers are invoked outside it.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	router  *MessageRouter
	cache   *FingerprintCache
	buffer  *ConversationBuffer
	pending *PendingSendTracker
	selfID  string
	peerID  string

	onMessages   func([]Message)
	onPeerStatus func(PeerStatus)
	onRoster     func([]RosterEntry)
	onState      func(ConnStatus)
	onNotice     func(Notice)
	onSendFailed func(SendFailure)
	onAttachment func(AttachmentResult)
}

// NewEngine creates an engine and wires it to the channel's events.
func NewEngine(cfg Config) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:     cfg,
		router:  NewMessageRouter(cfg.Logger),
		cache:   NewFingerprintCache(cfg.FingerprintLimit),
		buffer:  NewConversationBuffer(),
		pending: NewPendingSendTracker(),
	}

	e.buffer.OnAttachment(func(msgID, ref string) {
		if e.cfg.Attachments == nil {
			return
		}
		go resolveAttachment(context.Background(), e.cfg.Attachments, e.cfg.Logger, msgID, ref, func(res AttachmentResult) {
			e.mu.Lock()
			fn := e.onAttachment
			e.mu.Unlock()
			if fn != nil {
				fn(res)
			}
		})
	})

	if cfg.Channel != nil {
		cfg.Channel.OnMessage(e.handleChannelMessage)
		cfg.Channel.OnPeerStatus(e.handlePeerStatus)
		cfg.Channel.OnRoster(e.handleRoster)
		cfg.Channel.OnStateChange(func(s ConnStatus) {
			e.mu.Lock()
			fn := e.onState
			e.mu.Unlock()
			if fn != nil {
				fn(s)
			}
		})
		cfg.Channel.OnNotice(func(n Notice) {
			e.mu.Lock()
			fn := e.onNotice
			e.mu.Unlock()
			if fn != nil {
				fn(n)
			}
		})
	}
	return e
}

// Handler registration is guarded by the engine mutex so it is safe even once
// channel callbacks are flowing. Handlers are always invoked outside the lock.

// OnMessages registers the handler called whenever the buffer changes.
func (e *Engine) OnMessages(fn func([]Message)) {
	e.mu.Lock()
	e.onMessages = fn
	e.mu.Unlock()
}

// OnPeerStatus registers the presence handler.
func (e *Engine) OnPeerStatus(fn func(PeerStatus)) {
	e.mu.Lock()
	e.onPeerStatus = fn
	e.mu.Unlock()
}

// OnRoster registers the roster handler.
func (e *Engine) OnRoster(fn func([]RosterEntry)) {
	e.mu.Lock()
	e.onRoster = fn
	e.mu.Unlock()
}

// OnStateChange registers the connection state handler.
func (e *Engine) OnStateChange(fn func(ConnStatus)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// OnNotice registers the transient status handler.
func (e *Engine) OnNotice(fn func(Notice)) {
	e.mu.Lock()
	e.onNotice = fn
	e.mu.Unlock()
}

// OnSendFailed registers the handler for rolled-back sends. The failure
// carries the original draft so the compose input can be restored.
func (e *Engine) OnSendFailed(fn func(SendFailure)) {
	e.mu.Lock()
	e.onSendFailed = fn
	e.mu.Unlock()
}

// OnAttachment registers the lazy attachment resolution handler.
func (e *Engine) OnAttachment(fn func(AttachmentResult)) {
	e.mu.Lock()
	e.onAttachment = fn
	e.mu.Unlock()
}

// Start opens the live channel if one is configured. A channel failure leaves
// the engine operational in REST-only mode, so the error is advisory.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Channel == nil {
		return nil
	}
	return e.cfg.Channel.Start(ctx)
}

// Stop tears down the channel and clears all conversation state. Used on
// logout and identity change.
func (e *Engine) Stop() {
	if e.cfg.Channel != nil {
		e.cfg.Channel.Stop()
	}
	e.mu.Lock()
	e.buffer.Reset()
	e.cache.Reset()
	e.pending.Reset()
	e.selfID = ""
	e.peerID = ""
	e.router.SetConversation("", "")
	e.mu.Unlock()
}

// Reconnect is the explicit manual reconnect action.
func (e *Engine) Reconnect(ctx context.Context) error {
	if e.cfg.Channel == nil {
		return nil
	}
	return e.cfg.Channel.Reconnect(ctx)
}

// Status reports the connection snapshot; REST-only engines are Disconnected.
func (e *Engine) Status() ConnStatus {
	if e.cfg.Channel == nil {
		return ConnStatus{State: StateDisconnected, Degraded: true}
	}
	return e.cfg.Channel.Status()
}

// Open switches the active conversation to (selfID, peerID). All prior state
// is cleared — the buffer, dedup cache and pending tracker never leak across
// conversations — and the buffer is seeded from REST history through the same
// routing and dedup path as live events.
func (e *Engine) Open(ctx context.Context, selfID, peerID string) error {
	e.mu.Lock()
	e.selfID = normalizeID(selfID)
	e.peerID = normalizeID(peerID)
	e.router.SetConversation(selfID, peerID)
	e.buffer.Reset()
	e.cache.Reset()
	e.pending.Reset()
	e.mu.Unlock()

	items, err := e.cfg.Rest.FetchHistory(ctx, selfID, peerID)
	if err != nil {
		e.cfg.Logger.Warn("history fetch failed", zap.Error(err))
		e.emitMessages()
		return err
	}

	e.mu.Lock()
	for _, item := range items {
		e.ingestLocked(item)
	}
	e.mu.Unlock()
	e.emitMessages()
	return nil
}

// Messages returns the ordered view of the open conversation.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer.Messages()
}

// ingestLocked routes one inbound wire item through the filter and dedup gate
// into the buffer. Caller holds the engine mutex.
func (e *Engine) ingestLocked(payload any) bool {
	msg, ok := e.router.Route(payload)
	if !ok {
		return false
	}
	if _, inflight := e.pending.ByTuple(sendTuple(msg.SenderID, msg.RecipientID, msg.Text, msg.AttachmentRef)); inflight {
		// Echo of an in-flight optimistic send, possibly carrying a server
		// timestamp from a neighboring dedup bucket. Reconciliation owns the
		// buffer entry.
		e.cfg.Logger.Debug("dedup: dropping echo of in-flight send")
		return false
	}
	fp := Fingerprint(msg.SenderID, msg.RecipientID, msg.Text, msg.AttachmentRef, msg.Timestamp)
	if e.cache.Seen(fp) {
		// Redelivered copy; the buffer entry already covers it.
		e.cfg.Logger.Debug("dedup: dropping redelivered message", zap.String("sender", msg.SenderID))
		return false
	}
	e.cache.Remember(fp)
	e.buffer.Insert(msg)
	return true
}

func (e *Engine) handleChannelMessage(payload any) {
	e.mu.Lock()
	changed := e.ingestLocked(payload)
	e.mu.Unlock()
	if changed {
		e.emitMessages()
	}
}

func (e *Engine) handlePeerStatus(payload any) {
	e.mu.Lock()
	ps, ok := e.router.NormalizePeerStatus(payload)
	fn := e.onPeerStatus
	e.mu.Unlock()
	if ok && fn != nil {
		fn(ps)
	}
}

func (e *Engine) handleRoster(payload any) {
	e.mu.Lock()
	entries := e.router.NormalizeRoster(payload)
	fn := e.onRoster
	e.mu.Unlock()
	if len(entries) > 0 && fn != nil {
		fn(entries)
	}
}

// Send runs the optimistic send pipeline: immediate buffer insert, best-effort
// channel push, durable REST send, then reconciliation or rollback. It returns
// the confirmed message on success. On failure the optimistic entry is removed
// and the draft is handed back through OnSendFailed.
func (e *Engine) Send(ctx context.Context, draft Draft) (Message, error) {
	e.mu.Lock()
	if e.selfID == "" || e.peerID == "" {
		e.mu.Unlock()
		return Message{}, &APIError{Code: "NO_CONVERSATION", Message: "no open conversation"}
	}
	selfID, peerID := e.selfID, e.peerID

	now := e.cfg.now()
	optimistic := Message{
		ID:            e.cfg.newID(),
		SenderID:      selfID,
		RecipientID:   peerID,
		Text:          draft.Text,
		AttachmentRef: draft.AttachmentRef,
		Timestamp:     now,
		DeliveryState: DeliveryPending,
		Optimistic:    true,
	}
	fp := Fingerprint(selfID, peerID, draft.Text, draft.AttachmentRef, now)
	tuple := sendTuple(selfID, peerID, draft.Text, draft.AttachmentRef)

	tempID, created := e.pending.Track(optimistic.ID, draft, fp, tuple)
	if !created {
		// An identical send is already in flight; keep the single entry.
		existing, _ := e.buffer.Get(tempID)
		e.mu.Unlock()
		return existing, nil
	}
	e.cache.Remember(fp)
	e.buffer.Insert(optimistic)
	e.mu.Unlock()
	e.emitMessages()

	e.pushToChannel(ctx, optimistic)

	confirmed, err := e.cfg.Rest.SendMessage(ctx, selfID, peerID, draft.Text, draft.AttachmentRef)
	if err != nil {
		e.rollback(tempID, err)
		return Message{}, err
	}

	confirmed.Optimistic = false
	confirmed.DeliveryState = DeliveryDelivered
	if confirmed.Text == "" {
		confirmed.Text = draft.Text
	}
	if confirmed.AttachmentRef == "" {
		confirmed.AttachmentRef = draft.AttachmentRef
	}

	e.mu.Lock()
	e.pending.Resolve(tempID)
	if !e.buffer.Replace(tempID, confirmed) {
		// Conversation switched while the send was in flight; the confirmed
		// message belongs to the old peer and stays out of the new buffer.
		e.mu.Unlock()
		return confirmed, nil
	}
	// Remember the confirmed shape too: the server echo carries the server
	// timestamp, which may land in a neighboring dedup bucket.
	e.cache.Remember(Fingerprint(confirmed.SenderID, confirmed.RecipientID, confirmed.Text, confirmed.AttachmentRef, confirmed.Timestamp))
	e.mu.Unlock()
	e.emitMessages()
	return confirmed, nil
}

// pushToChannel attempts the low-latency hint over the live channel, probing
// the known method-name/shape variants. Failures are logged and ignored.
func (e *Engine) pushToChannel(ctx context.Context, msg Message) {
	ch := e.cfg.Channel
	if ch == nil || ch.Status().State != StateConnected {
		return
	}
	for _, v := range sendVariants {
		err := ch.Push(ctx, v.method, v.payload(msg))
		if err == nil {
			return
		}
		e.cfg.Logger.Debug("channel push variant rejected",
			zap.String("method", v.method), zap.Error(err))
	}
}

// rollback removes a failed optimistic send and restores the caller's draft.
// The entry is surfaced as Failed for one snapshot before removal, then the
// buffer returns to its pre-send shape.
func (e *Engine) rollback(tempID string, cause error) {
	e.mu.Lock()
	p, ok := e.pending.Resolve(tempID)
	if ok {
		if m, found := e.buffer.Get(tempID); found {
			m.DeliveryState = DeliveryFailed
			e.buffer.Replace(tempID, m)
		}
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.emitMessages()

	e.mu.Lock()
	e.buffer.Remove(tempID)
	e.cache.Forget(p.Fingerprint)
	fn := e.onSendFailed
	e.mu.Unlock()
	e.emitMessages()

	e.cfg.Logger.Warn("send rolled back", zap.Error(cause))
	if fn != nil {
		fn(SendFailure{Class: Classify(cause), Draft: p.Draft, Err: cause})
	}
}

func (e *Engine) emitMessages() {
	e.mu.Lock()
	fn := e.onMessages
	msgs := e.buffer.Messages()
	e.mu.Unlock()
	if fn != nil {
		fn(msgs)
	}
}
