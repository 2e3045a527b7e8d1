package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// GuardVerdict is the outcome of a duplicate-draft check.
type GuardVerdict struct {
	// Skip means a draft already exists for this message or its conversation.
	Skip bool
	// AuditAction is AuditSkippedThreadDraft or AuditSkippedMessageDraft.
	AuditAction string
	// Summary describes the skip for the audit entry.
	Summary string
}

// DuplicateGuard prevents duplicate outbound drafts. It is consulted twice per
// message: before classification (classification is expensive) and again
// immediately before draft creation, because a draft may appear between the
// two checks. The pre-create re-query is the sole race guard; no locking is
// assumed.
type DuplicateGuard struct {
	gateway MailboxGateway
	logger  *zap.Logger
}

func NewDuplicateGuard(gateway MailboxGateway, logger *zap.Logger) *DuplicateGuard {
	return &DuplicateGuard{gateway: gateway, logger: logger}
}

// ExistingDraft checks the conversation first, then the exact message. A
// failed drafts-area scan reads as "no draft found"; the gateway already
// reports that as false rather than an error.
func (g *DuplicateGuard) ExistingDraft(ctx context.Context, msg *Message) GuardVerdict {
	if msg.ConversationID != "" {
		exists, err := g.gateway.DraftExistsForConversation(ctx, msg.ConversationID)
		if err != nil {
			g.logger.Warn("conversation draft check failed, assuming none",
				zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		} else if exists {
			return GuardVerdict{
				Skip:        true,
				AuditAction: AuditSkippedThreadDraft,
				Summary:     fmt.Sprintf("Conversation skipped, draft already exists (conversation=%s)", msg.ConversationID),
			}
		}
	}
	if msg.DirectReplyID != "" {
		exists, err := g.gateway.DraftExistsForMessage(ctx, msg.DirectReplyID)
		if err != nil {
			g.logger.Warn("message draft check failed, assuming none",
				zap.String("message_id", msg.DirectReplyID), zap.Error(err))
		} else if exists {
			return GuardVerdict{
				Skip:        true,
				AuditAction: AuditSkippedMessageDraft,
				Summary:     fmt.Sprintf("Message skipped, draft already exists (Message-ID=%s)", msg.DirectReplyID),
			}
		}
	}
	return GuardVerdict{}
}

// OwnerRepliedLast reports whether the most recent message of the thread was
// sent by the account owner, meaning the conversation is already handled and
// needs neither a draft nor an audit entry.
func (g *DuplicateGuard) OwnerRepliedLast(history ThreadHistory, ownerAddress string) bool {
	if len(history) == 0 {
		return false
	}
	owner := strings.ToLower(strings.TrimSpace(ownerAddress))
	if owner == "" {
		return false
	}
	last := history[len(history)-1]
	return strings.Contains(strings.ToLower(last.From), owner)
}
