// Package backend is the client side of the chat backing store: the REST proxy
// in front of the product database that persists encrypted chat rows.
package backend

import (
	"context"
	"time"

	"github.com/foodbridge/donation-chat/internal/model"
)

// Store is the query interface of the backing store.
type Store interface {
	// ResolveUserID maps a login email to the user's stakeholder id.
	ResolveUserID(ctx context.Context, email string) (string, error)
	// FetchConversations returns every chat row visible to the principal,
	// optionally limited to rows newer than since.
	FetchConversations(ctx context.Context, p model.Principal, since time.Time) ([]model.Record, error)
	// AppendMessage persists an encrypted message and returns the committed row.
	AppendMessage(ctx context.Context, conversationID, senderID, ciphertext, nonce string, ts time.Time) (*model.Record, error)
	// MarkConversationRead marks every message in the conversation not sent by userID as read.
	MarkConversationRead(ctx context.Context, conversationID, userID string) error
	// MarkConversationDelivered marks every message in the conversation not sent by userID as delivered.
	MarkConversationDelivered(ctx context.Context, conversationID, userID string) error
}
