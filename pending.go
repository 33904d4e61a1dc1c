package chatsync

import "strings"

// sendTuple is the timing-independent identity of an outbound draft: the
// (sender, recipient, text, attachment) tuple the at-most-one-optimistic-entry
// invariant is keyed on.
func sendTuple(senderID, recipientID, text, attachmentRef string) string {
	parts := []string{
		normalizeID(senderID),
		normalizeID(recipientID),
		strings.TrimSpace(text),
		attachmentRef,
	}
	return strings.Join(parts, "|")
}

// pendingSend is one in-flight optimistic message awaiting the durable send's
// verdict.
type pendingSend struct {
	TempID      string
	Draft       Draft
	Fingerprint string
	Tuple       string
}

// PendingSendTracker tracks optimistic sends from insertion until they are
// either reconciled with a server-confirmed identity or rolled back. Scoped to
// the active conversation; mutated only under the engine lock.
type PendingSendTracker struct {
	byTemp  map[string]*pendingSend
	byTuple map[string]string
}

// NewPendingSendTracker creates an empty tracker.
func NewPendingSendTracker() *PendingSendTracker {
	return &PendingSendTracker{
		byTemp:  make(map[string]*pendingSend),
		byTuple: make(map[string]string),
	}
}

// Track registers an optimistic send. If the same tuple is already outstanding
// the existing temp ID is returned and no new entry is created, keeping at
// most one optimistic entry per tuple in the buffer.
func (t *PendingSendTracker) Track(tempID string, draft Draft, fingerprint, tuple string) (string, bool) {
	if existing, ok := t.byTuple[tuple]; ok {
		return existing, false
	}
	t.byTemp[tempID] = &pendingSend{
		TempID:      tempID,
		Draft:       draft,
		Fingerprint: fingerprint,
		Tuple:       tuple,
	}
	t.byTuple[tuple] = tempID
	return tempID, true
}

// ByTuple returns the temp ID of the outstanding send matching a tuple. The
// engine uses it to recognize the channel echo of an in-flight send even when
// the server timestamp lands in a different dedup bucket than the local one.
func (t *PendingSendTracker) ByTuple(tuple string) (string, bool) {
	id, ok := t.byTuple[tuple]
	return id, ok
}

// Resolve removes and returns the entry for tempID. Called exactly once per
// send, on confirmation or rollback.
func (t *PendingSendTracker) Resolve(tempID string) (pendingSend, bool) {
	p, ok := t.byTemp[tempID]
	if !ok {
		return pendingSend{}, false
	}
	delete(t.byTemp, tempID)
	delete(t.byTuple, p.Tuple)
	return *p, true
}

// Len returns the number of in-flight sends.
func (t *PendingSendTracker) Len() int {
	return len(t.byTemp)
}

// Reset drops all in-flight entries. Called on peer switch and logout.
func (t *PendingSendTracker) Reset() {
	t.byTemp = make(map[string]*pendingSend)
	t.byTuple = make(map[string]string)
}
