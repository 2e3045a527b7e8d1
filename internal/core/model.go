package core

import (
	"fmt"
	"strings"
	"time"
)

// Attachment holds a decoded inline attachment.
type Attachment struct {
	MIMEType string
	Data     []byte
}

// Message is a fully assembled inbox message. It is immutable once fetched;
// the scan loop owns it for the duration of one processing step.
type Message struct {
	// ID is the mailbox-local identifier (IMAP UID rendered as a decimal string).
	ID string
	// ConversationID is the root Message-ID of the References chain. Empty when
	// the message carries neither References nor a Message-ID of its own.
	ConversationID string
	// DirectReplyID is the message's own Message-ID, used for reply threading.
	DirectReplyID string
	// Sender is the decoded display form ("Name <addr>" or just the name).
	Sender string
	// SenderAddress is the bare address, resolved separately from the display name.
	SenderAddress string
	Subject       string
	// Body is plain text. When no text/plain part exists it is the HTML part
	// with tags stripped.
	Body string
	// Image is the first inline image attachment, if any.
	Image *Attachment
}

// ReplyAddress returns the address a draft reply should go to.
func (m *Message) ReplyAddress() string {
	if m.SenderAddress != "" {
		return m.SenderAddress
	}
	return m.Sender
}

// ThreadMessage is one prior message of a conversation.
type ThreadMessage struct {
	From    string
	Subject string
	Date    time.Time
	Body    string
}

// ThreadHistory is the recent history of a conversation, oldest first.
// It is derived per message and discarded after use.
type ThreadHistory []ThreadMessage

// Render flattens the history into the textual block included in the
// classifier request, one line per message.
func (h ThreadHistory) Render() string {
	if len(h) == 0 {
		return ""
	}
	lines := make([]string, 0, len(h))
	for _, m := range h {
		lines = append(lines, fmt.Sprintf("- %s · %s: %s", m.From, m.Subject, m.Body))
	}
	return strings.Join(lines, "\n")
}

// RuleKind partitions rules into the block of the classifier request they
// belong to.
type RuleKind string

const (
	// RuleBusiness rules form the main rule text of the classifier request.
	RuleBusiness RuleKind = "business"
	// RuleTask and RulePolicy rules are surfaced in a supplementary block.
	RuleTask   RuleKind = "task"
	RulePolicy RuleKind = "policy"
)

// BusinessRule is a prioritized natural-language instruction constraining the
// classifier. Rules are owned by the configuration subsystem and read-only here.
type BusinessRule struct {
	ID          int64
	Key         string
	Instruction string
	// Priority ranges 1 (cosmetic) to 5 (critical policy). Values outside the
	// range are clamped when rendered; zero means unset and defaults to 3.
	Priority  int
	Kind      RuleKind
	Tags      string
	IsPrimary bool
}

// ResponseTemplate is a pre-authored reply, selected by id and inserted
// verbatim when chosen. Read-only to the pipeline.
type ResponseTemplate struct {
	ID       int64
	Title    string
	FullText string
}

// Action is the classifier's verdict on a message.
type Action string

const (
	ActionDraft Action = "DRAFT"
	ActionNone  Action = "NONE"
)

// Category labels a message for the audit log.
type Category string

const (
	CategoryQuotes       Category = "QUOTES"
	CategoryAnnouncement Category = "ANNOUNCEMENT"
	CategoryGeneral      Category = "GENERAL"
	// CategoryUnknown means the classifier returned something unrecognized.
	CategoryUnknown Category = ""
)

// ClassificationResult is the normalized classifier output. Every field is
// always populated; a malformed upstream response degrades to the safe
// default rather than surfacing a parse failure.
type ClassificationResult struct {
	Action     Action
	Language   string
	DraftText  string
	Summary    string
	TemplateID int64
	Category   Category
}

// Audit actions beyond the classifier's own DRAFT/NONE verdicts.
const (
	// AuditSkippedThreadDraft marks a message skipped because a draft already
	// exists somewhere in its conversation.
	AuditSkippedThreadDraft = "OMITIDO_BORRADOR_THREAD"
	// AuditSkippedMessageDraft marks a message skipped because a draft already
	// replies to this exact message.
	AuditSkippedMessageDraft = "OMITIDO_BORRADOR_MSG"
	// AuditProcessingError marks a best-effort entry for a message whose
	// processing failed mid-flight.
	AuditProcessingError = "ERROR"
)

// AuditEntry is one append-only record of a triage decision. Exactly one is
// written per processed message, skip decisions included.
type AuditEntry struct {
	Timestamp time.Time
	Sender    string
	Subject   string
	Summary   string
	Action    string
	Language  string
	Category  Category
	UserID    int64
}

// ScanSettings is the explicit per-run configuration of one scan invocation,
// read once at run start. It replaces any ambient agent state.
type ScanSettings struct {
	UserID           int64
	MailboxUser      string
	MailboxPassword  string
	ClassifierAPIKey string
	// BatchSize is the number of messages fetched and processed per batch.
	BatchSize int
	// MaxMessages caps how many unseen ids one run will consider.
	MaxMessages int
	// AgentActive gates scheduled scans; manual scans ignore it.
	AgentActive bool
	// CompanyName is stripped from non-template drafts during sanitization.
	CompanyName string
	// ThreadLimit bounds how much conversation history is assembled.
	ThreadLimit int
}

const (
	DefaultBatchSize   = 10
	DefaultMaxMessages = 100
	DefaultThreadLimit = 5
)

// Normalize fills unset numeric fields with their defaults.
func (s *ScanSettings) Normalize() {
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.MaxMessages <= 0 {
		s.MaxMessages = DefaultMaxMessages
	}
	if s.ThreadLimit <= 0 {
		s.ThreadLimit = DefaultThreadLimit
	}
}

// ScanStats describes one finished scan run. It exists only for the duration
// of the orchestrator call and is never persisted.
type ScanStats struct {
	Since     time.Time
	Processed int
	Skipped   int
	Drafted   int
}
