package chatsync

// ConversationBuffer holds the canonical, time-ordered, deduplicated view of
// the one open conversation. It is scoped to a single (self, peer) pair; the
// engine resets it whenever the active peer changes.
//
// The buffer does not lock: all mutation happens under the engine mutex.
type ConversationBuffer struct {
	msgs []Message

	// onAttachment fires after a message carrying an attachment reference is
	// inserted. Resolution happens elsewhere; the insert path never blocks.
	onAttachment func(msgID, ref string)
}

// NewConversationBuffer creates an empty buffer.
func NewConversationBuffer() *ConversationBuffer {
	return &ConversationBuffer{}
}

// OnAttachment registers the attachment-needed callback.
func (b *ConversationBuffer) OnAttachment(fn func(msgID, ref string)) {
	b.onAttachment = fn
}

// Insert places msg in timestamp order. Ties keep arrival order. Inserting a
// message whose ID already exists replaces the prior entry in place, which is
// how reconciliation promotes an optimistic message without duplicating it.
func (b *ConversationBuffer) Insert(msg Message) {
	if b.replaceByID(msg) {
		return
	}

	// Stable insert: walk back past strictly-later entries only.
	pos := len(b.msgs)
	for pos > 0 && b.msgs[pos-1].Timestamp.After(msg.Timestamp) {
		pos--
	}
	b.msgs = append(b.msgs, Message{})
	copy(b.msgs[pos+1:], b.msgs[pos:])
	b.msgs[pos] = msg

	if msg.AttachmentRef != "" && b.onAttachment != nil {
		b.onAttachment(msg.ID, msg.AttachmentRef)
	}
}

func (b *ConversationBuffer) replaceByID(msg Message) bool {
	for i := range b.msgs {
		if b.msgs[i].ID == msg.ID {
			b.msgs[i] = msg
			b.resort(i)
			return true
		}
	}
	return false
}

// resort fixes the position of the entry at i after an in-place replacement
// changed its timestamp.
func (b *ConversationBuffer) resort(i int) {
	m := b.msgs[i]
	for i > 0 && b.msgs[i-1].Timestamp.After(m.Timestamp) {
		b.msgs[i] = b.msgs[i-1]
		i--
	}
	for i < len(b.msgs)-1 && m.Timestamp.After(b.msgs[i+1].Timestamp) {
		b.msgs[i] = b.msgs[i+1]
		i++
	}
	b.msgs[i] = m
}

// Replace swaps the entry identified by oldID for msg, keeping order. Used by
// reconciliation to substitute the confirmed identity for the temporary one.
// Returns false if oldID is not present.
func (b *ConversationBuffer) Replace(oldID string, msg Message) bool {
	for i := range b.msgs {
		if b.msgs[i].ID == oldID {
			b.msgs[i] = msg
			b.resort(i)
			return true
		}
	}
	return false
}

// Remove deletes the entry with the given ID. Returns the removed message and
// whether it was present.
func (b *ConversationBuffer) Remove(id string) (Message, bool) {
	for i := range b.msgs {
		if b.msgs[i].ID == id {
			m := b.msgs[i]
			b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
			return m, true
		}
	}
	return Message{}, false
}

// Get returns the message with the given ID.
func (b *ConversationBuffer) Get(id string) (Message, bool) {
	for i := range b.msgs {
		if b.msgs[i].ID == id {
			return b.msgs[i], true
		}
	}
	return Message{}, false
}

// Messages returns a copy of the ordered sequence.
func (b *ConversationBuffer) Messages() []Message {
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Len returns the number of buffered messages.
func (b *ConversationBuffer) Len() int {
	return len(b.msgs)
}

// Reset clears the buffer. Called on peer switch and logout.
func (b *ConversationBuffer) Reset() {
	b.msgs = nil
}
