package chatsync

import (
	"context"

	"go.uber.org/zap"
)

// AttachmentResolver turns an opaque attachment reference into a local
// resource handle (a path or URL the UI can display). Resolution happens after
// the message is already visible; it never gates insertion.
type AttachmentResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// AttachmentResult reports the outcome of a lazy attachment resolution. On
// failure Handle falls back to the raw reference so the UI can render a label.
type AttachmentResult struct {
	MessageID string
	Ref       string
	Handle    string
	Err       error
}

// resolveAttachment runs one resolution and delivers the result, degrading to
// the raw ref on failure.
func resolveAttachment(ctx context.Context, r AttachmentResolver, log *zap.Logger, msgID, ref string, deliver func(AttachmentResult)) {
	handle, err := r.Resolve(ctx, ref)
	if err != nil {
		log.Debug("attachment resolution failed", zap.String("ref", ref), zap.Error(err))
		handle = ref
	}
	if deliver != nil {
		deliver(AttachmentResult{MessageID: msgID, Ref: ref, Handle: handle, Err: err})
	}
}
