package dispatch

import (
	"context"
	"errors"

	"github.com/basket/taskpilot/internal/identity"
	"github.com/basket/taskpilot/internal/store"
)

// ListConversations returns the caller's conversations, newest activity
// first.
func (e *Engine) ListConversations(ctx context.Context, token string) ([]store.Conversation, error) {
	ownerID, err := e.resolver.Resolve(token)
	if err != nil {
		if errors.Is(err, identity.ErrMissingCredential) {
			return nil, errAuthMissing()
		}
		return nil, errAuthInvalid()
	}
	convs, err := e.store.ListConversations(ctx, ownerID, 0)
	if err != nil {
		e.logger.Error("list conversations failed", "error", err.Error())
		return nil, errInternal()
	}
	return convs, nil
}

// ListTurns replays a conversation the caller owns, oldest turn first.
// Another owner's conversation is indistinguishable from a missing one.
func (e *Engine) ListTurns(ctx context.Context, token, conversationID string, limit int) ([]store.Turn, error) {
	ownerID, err := e.resolver.Resolve(token)
	if err != nil {
		if errors.Is(err, identity.ErrMissingCredential) {
			return nil, errAuthMissing()
		}
		return nil, errAuthInvalid()
	}
	if conversationID == "" {
		return nil, errInvalid("conversation id required")
	}
	turns, err := e.store.ListTurns(ctx, ownerID, conversationID, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: CodeNotFound, Message: "conversation not found"}
		}
		e.logger.Error("list turns failed", "error", err.Error())
		return nil, errInternal()
	}
	return turns, nil
}
