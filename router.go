package chatsync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// The counterpart service does not commit to one wire shape: the same logical
// field shows up under different names and casings, and some transports hand
// the message over as positional arguments instead of an object. All tolerance
// lives in this file; the rest of the engine only sees canonical Messages.

// fieldAliases maps a canonical field to the key spellings observed on the
// wire, pre-normalized with normalizeKey.
var fieldAliases = map[string][]string{
	"sender":     {"senderid", "sender", "from", "fromid", "fromuserid"},
	"recipient":  {"recipientid", "recipient", "to", "toid", "touserid", "receiverid", "receiver"},
	"text":       {"text", "message", "content", "body", "msg"},
	"timestamp":  {"timestamp", "time", "createdat", "sentat", "date"},
	"attachment": {"attachmentname", "attachment", "filename", "file", "imagename", "image"},

	"peerid":      {"peerid", "userid", "id", "from"},
	"status":      {"status", "presence", "state", "online"},
	"displayname": {"displayname", "name", "username", "fullname"},
	"role":        {"role", "type", "usertype"},
	"avatar":      {"avatarref", "avatar", "avatarurl", "photo", "picture"},
}

// normalizeKey folds casing and underscore differences so "Sender_Id",
// "senderId" and "SENDERID" all resolve the same alias.
func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "_", "")
}

// normalizeObject re-keys a payload object by normalized key.
func normalizeObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		nk := normalizeKey(k)
		if _, exists := out[nk]; !exists || v != nil {
			out[nk] = v
		}
	}
	return out
}

// lookupField probes every alias of a canonical field against a normalized
// object and returns the first non-empty value.
func lookupField(obj map[string]any, field string) (any, bool) {
	for _, alias := range fieldAliases[field] {
		if v, ok := obj[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// coerceString renders a wire value as a string. Numeric identities are
// common; JSON hands them over as float64.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// coerceTime parses the timestamp shapes the wire produces: RFC 3339 strings,
// unix seconds, or unix milliseconds. Zero time on failure.
func coerceTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return unixAuto(n)
		}
	case float64:
		return unixAuto(t)
	case int64:
		return unixAuto(float64(t))
	}
	return time.Time{}
}

// unixAuto treats values past the year-33658 mark in seconds as milliseconds.
func unixAuto(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n))
	}
	sec := int64(n)
	frac := n - float64(sec)
	return time.Unix(sec, int64(frac*1e9))
}

// MessageRouter decides whether inbound channel events belong to the currently
// open conversation and normalizes them into canonical Messages.
type MessageRouter struct {
	self string
	peer string
	now  func() time.Time
	log  *zap.Logger
}

// NewMessageRouter creates a router with no active conversation; every message
// is dropped until SetConversation is called.
func NewMessageRouter(log *zap.Logger) *MessageRouter {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageRouter{now: time.Now, log: log}
}

// SetConversation scopes the router to the (self, peer) pair.
func (r *MessageRouter) SetConversation(selfID, peerID string) {
	r.self = normalizeID(selfID)
	r.peer = normalizeID(peerID)
}

// Normalize converts an object-shaped or positional payload into a Message.
// The event is rejected only when neither sender nor recipient identity can be
// resolved under any alias.
func (r *MessageRouter) Normalize(payload any) (Message, bool) {
	var obj map[string]any

	switch p := payload.(type) {
	case map[string]any:
		obj = normalizeObject(p)
	case []any:
		// Positional shape: (senderId, recipientId, text, timestamp, attachmentName).
		obj = make(map[string]any, 5)
		keys := []string{"senderid", "recipientid", "text", "timestamp", "attachmentname"}
		for i, k := range keys {
			if i < len(p) {
				obj[k] = p[i]
			}
		}
	default:
		r.log.Debug("router: unrecognized payload shape", zap.String("type", fmt.Sprintf("%T", payload)))
		return Message{}, false
	}

	var msg Message
	if v, ok := lookupField(obj, "sender"); ok {
		msg.SenderID = normalizeID(coerceString(v))
	}
	if v, ok := lookupField(obj, "recipient"); ok {
		msg.RecipientID = normalizeID(coerceString(v))
	}
	if msg.SenderID == "" && msg.RecipientID == "" {
		r.log.Debug("router: dropping event with unresolvable identities")
		return Message{}, false
	}

	if v, ok := lookupField(obj, "text"); ok {
		msg.Text = coerceString(v)
	}
	if v, ok := lookupField(obj, "attachment"); ok {
		msg.AttachmentRef = coerceString(v)
	}
	msg.Timestamp = r.now()
	if v, ok := lookupField(obj, "timestamp"); ok {
		if ts := coerceTime(v); !ts.IsZero() {
			msg.Timestamp = ts
		}
	}

	msg.DeliveryState = DeliveryDelivered
	msg.ID = inboundMessageID(msg)
	return msg, true
}

// inboundMessageID synthesizes a stable identifier for channel events that do
// not carry one, so buffer idempotence by ID still holds.
func inboundMessageID(m Message) string {
	return "wire-" + Fingerprint(m.SenderID, m.RecipientID, m.Text, m.AttachmentRef, m.Timestamp)
}

// ForCurrentChat is the routing filter: a message belongs to the open
// conversation iff it travels between self and the active peer, in either
// direction. Everything else is silently discarded.
func (r *MessageRouter) ForCurrentChat(m Message) bool {
	if r.self == "" || r.peer == "" {
		return false
	}
	return (sameParty(m.SenderID, r.peer) && sameParty(m.RecipientID, r.self)) ||
		(sameParty(m.SenderID, r.self) && sameParty(m.RecipientID, r.peer))
}

// Route normalizes payload and applies the routing filter in one step.
func (r *MessageRouter) Route(payload any) (Message, bool) {
	msg, ok := r.Normalize(payload)
	if !ok {
		return Message{}, false
	}
	if !r.ForCurrentChat(msg) {
		r.log.Debug("router: message not for the open conversation",
			zap.String("sender", msg.SenderID), zap.String("recipient", msg.RecipientID))
		return Message{}, false
	}
	return msg, true
}

// NormalizePeerStatus converts a PeerStatusChanged payload.
func (r *MessageRouter) NormalizePeerStatus(payload any) (PeerStatus, bool) {
	obj, ok := payload.(map[string]any)
	if !ok {
		if args, isArgs := payload.([]any); isArgs && len(args) >= 2 {
			return PeerStatus{
				PeerID: normalizeID(coerceString(args[0])),
				Status: coerceString(args[1]),
			}, true
		}
		return PeerStatus{}, false
	}
	n := normalizeObject(obj)
	var ps PeerStatus
	if v, ok := lookupField(n, "peerid"); ok {
		ps.PeerID = normalizeID(coerceString(v))
	}
	if v, ok := lookupField(n, "status"); ok {
		ps.Status = coerceString(v)
	}
	if ps.PeerID == "" {
		return PeerStatus{}, false
	}
	return ps, true
}

// NormalizeRoster converts a RosterUpdated payload into entries. The list may
// arrive bare or wrapped under a container key.
func (r *MessageRouter) NormalizeRoster(payload any) []RosterEntry {
	list, ok := payload.([]any)
	if !ok {
		obj, isObj := payload.(map[string]any)
		if !isObj {
			return nil
		}
		n := normalizeObject(obj)
		for _, key := range []string{"peers", "users", "roster", "contacts", "list"} {
			if v, found := n[key]; found {
				if l, isList := v.([]any); isList {
					list = l
					break
				}
			}
		}
		if list == nil {
			return nil
		}
	}

	entries := make([]RosterEntry, 0, len(list))
	for _, item := range list {
		obj, isObj := item.(map[string]any)
		if !isObj {
			continue
		}
		n := normalizeObject(obj)
		var e RosterEntry
		if v, ok := lookupField(n, "peerid"); ok {
			e.ID = normalizeID(coerceString(v))
		}
		if e.ID == "" {
			continue
		}
		if v, ok := lookupField(n, "displayname"); ok {
			e.DisplayName = coerceString(v)
		}
		if v, ok := lookupField(n, "role"); ok {
			e.Role = coerceString(v)
		}
		if v, ok := lookupField(n, "avatar"); ok {
			e.AvatarRef = coerceString(v)
		}
		if v, ok := lookupField(n, "status"); ok {
			e.Status = coerceString(v)
		}
		entries = append(entries, e)
	}
	return entries
}
