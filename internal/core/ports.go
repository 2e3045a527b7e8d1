package core

import (
	"context"
	"time"
)

// Draft is an unsent reply to be stored in the mailbox's drafts area.
type Draft struct {
	ReplyTo    string
	Subject    string
	Body       string
	InReplyTo  string
	References string
}

// MailboxGateway wraps the remote mailbox. Implementations speak the wire
// protocol; callers only see structured records. None of the mutations are
// transactional.
type MailboxGateway interface {
	// ListUnseenIDs returns unread message ids, optionally restricted to an
	// inclusive lower-bound date, truncated to the most recent maxTotal.
	ListUnseenIDs(ctx context.Context, maxTotal int, since time.Time) ([]string, error)

	// FetchMessages fetches and assembles full messages. Best-effort: a single
	// malformed message is skipped, not fatal to the batch.
	FetchMessages(ctx context.Context, ids []string) ([]Message, error)

	// FetchThread returns the most recent limit messages of a conversation,
	// oldest first. An unresolvable conversation yields an empty history, not
	// an error.
	FetchThread(ctx context.Context, conversationID string, limit int) (ThreadHistory, error)

	// MarkRead and MarkUnread mutate the seen flag. Flag state is an
	// optimization, not a correctness requirement; the caller logs failures
	// and treats them as no-ops.
	MarkRead(ctx context.Context, ids []string) error
	MarkUnread(ctx context.Context, ids []string) error

	// CreateDraft appends a draft threaded to the original message when reply
	// identifiers are supplied.
	CreateDraft(ctx context.Context, draft Draft) error

	// DraftExistsForMessage reports whether a draft already replies to the
	// exact message. Returns false, not an error, when the drafts area cannot
	// be opened.
	DraftExistsForMessage(ctx context.Context, messageID string) (bool, error)

	// DraftExistsForConversation reports whether a draft is already threaded
	// anywhere into the conversation.
	DraftExistsForConversation(ctx context.Context, conversationID string) (bool, error)
}

// ClassifyRequest carries everything the external classifier needs for one
// message.
type ClassifyRequest struct {
	Rules      []BusinessRule
	Templates  []ResponseTemplate
	Message    *Message
	ThreadText string
}

// Classifier invokes the external model. Implementations must normalize the
// response into a fully populated ClassificationResult; parse failures degrade
// to the safe default and are never surfaced as errors.
type Classifier interface {
	Classify(ctx context.Context, req *ClassifyRequest) (*ClassificationResult, error)
}

// RuleStore reads the configured rules for a user.
type RuleStore interface {
	ActiveRules(ctx context.Context, userID int64) ([]BusinessRule, error)
}

// TemplateStore reads the response template catalogue.
type TemplateStore interface {
	Templates(ctx context.Context, userID int64) ([]ResponseTemplate, error)
	TemplateByID(ctx context.Context, id int64) (*ResponseTemplate, error)
}

// SettingsStore reads the per-user scan settings.
type SettingsStore interface {
	UserSettings(ctx context.Context, userID int64) (*ScanSettings, error)
}

// AuditLog is append-only from the pipeline's point of view; the read side
// exists for the dashboard collaborator.
type AuditLog interface {
	Append(ctx context.Context, entry *AuditEntry) error
}

// AuditQuery is the read contract the excluded dashboard consumes. The
// pipeline itself never reads entries back.
type AuditQuery interface {
	// Recent returns entries for a user, newest first, filtered by category
	// and action when non-empty, plus the total count matching the filter.
	Recent(ctx context.Context, userID int64, limit, offset int, category Category, action string) ([]AuditEntry, int, error)

	// DraftCountSince counts DRAFT entries for a user since a point in time.
	DraftCountSince(ctx context.Context, userID int64, since time.Time) (int, error)
}

// TriageStore is the full persistence contract the store adapters implement.
type TriageStore interface {
	RuleStore
	TemplateStore
	SettingsStore
	AuditLog
	AuditQuery

	// SaveRule inserts or updates a rule. A zero priority is inferred from the
	// instruction text.
	SaveRule(ctx context.Context, userID int64, rule *BusinessRule) error
}
