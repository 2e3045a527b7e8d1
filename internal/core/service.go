package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TriageService drives the end-to-end scan: window computation, batched
// fetching, duplicate guarding, classification, deterministic overrides, and
// the final side effects. It holds no business logic of its own beyond
// sequencing.
type TriageService struct {
	gateway    MailboxGateway
	classifier Classifier
	guard      *DuplicateGuard
	override   *OverrideEngine
	rules      RuleStore
	templates  TemplateStore
	audit      AuditLog
	logger     *zap.Logger
	now        func() time.Time
}

func NewTriageService(
	gateway MailboxGateway,
	classifier Classifier,
	rules RuleStore,
	templates TemplateStore,
	audit AuditLog,
	logger *zap.Logger,
) *TriageService {
	return &TriageService{
		gateway:    gateway,
		classifier: classifier,
		guard:      NewDuplicateGuard(gateway, logger),
		override:   NewOverrideEngine(),
		rules:      rules,
		templates:  templates,
		audit:      audit,
		logger:     logger,
		now:        time.Now,
	}
}

// Scan runs one triage pass and returns the number of messages for which an
// audit entry was written, skip decisions included. Missing credentials and
// rejected logins abort the run; a single message's failure is logged
// best-effort and the loop continues.
func (s *TriageService) Scan(ctx context.Context, settings *ScanSettings) (int, error) {
	if settings.ClassifierAPIKey == "" {
		return 0, &ConfigurationError{Field: "classifier API key"}
	}
	if settings.MailboxUser == "" {
		return 0, &ConfigurationError{Field: "mailbox user"}
	}
	if settings.MailboxPassword == "" {
		return 0, &ConfigurationError{Field: "mailbox password"}
	}
	settings.Normalize()

	startedAt := s.now().UTC()
	since := LookbackStart(startedAt)

	ids, err := s.gateway.ListUnseenIDs(ctx, settings.MaxMessages, since)
	if err != nil {
		return 0, err
	}
	s.logger.Info("scan started",
		zap.Int64("user_id", settings.UserID),
		zap.Time("since", since),
		zap.Int("candidates", len(ids)),
		zap.Int("batch_size", settings.BatchSize))

	stats := ScanStats{Since: since}
	for start := 0; start < len(ids); start += settings.BatchSize {
		end := start + settings.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.processBatch(ctx, settings, ids[start:end], &stats); err != nil {
			if IsFatal(err) {
				return stats.Processed, err
			}
			s.logger.Error("batch aborted, continuing with next", zap.Error(err))
		}
	}

	s.logger.Info("scan finished",
		zap.Int64("user_id", settings.UserID),
		zap.Int("processed", stats.Processed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("drafted", stats.Drafted))
	return stats.Processed, nil
}

func (s *TriageService) processBatch(ctx context.Context, settings *ScanSettings, ids []string, stats *ScanStats) error {
	messages, err := s.gateway.FetchMessages(ctx, ids)
	if err != nil {
		return err
	}

	var markRead, markUnread []string
	for i := range messages {
		msg := &messages[i]
		outcome, err := s.processMessage(ctx, settings, msg, stats)
		if err != nil {
			if IsFatal(err) {
				s.flagBatch(ctx, markRead, markUnread)
				return err
			}
			// Best-effort entry so the failure is visible, then keep going.
			if s.appendEntry(ctx, settings, msg, &AuditEntry{
				Summary:  fmt.Sprintf("Processing failed: %v", err),
				Action:   AuditProcessingError,
				Language: "unknown",
				Category: CategoryGeneral,
			}) {
				stats.Processed++
			}
			s.logger.Error("message processing failed",
				zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if outcome.markRead {
			markRead = append(markRead, msg.ID)
		}
		if outcome.leaveUnread {
			markUnread = append(markUnread, msg.ID)
		}
	}

	s.flagBatch(ctx, markRead, markUnread)
	return nil
}

// messageOutcome gathers the flag mutations owed after one message.
type messageOutcome struct {
	markRead    bool
	leaveUnread bool
}

func (s *TriageService) processMessage(ctx context.Context, settings *ScanSettings, msg *Message, stats *ScanStats) (messageOutcome, error) {
	// First duplicate check, before paying for classification.
	if verdict := s.guard.ExistingDraft(ctx, msg); verdict.Skip {
		if s.appendEntry(ctx, settings, msg, &AuditEntry{
			Summary:  verdict.Summary,
			Action:   verdict.AuditAction,
			Language: "unknown",
			Category: CategoryGeneral,
		}) {
			stats.Processed++
		}
		stats.Skipped++
		return messageOutcome{leaveUnread: true}, nil
	}

	var history ThreadHistory
	if msg.ConversationID != "" {
		var err error
		history, err = s.gateway.FetchThread(ctx, msg.ConversationID, settings.ThreadLimit)
		if err != nil {
			// Thread history is context, not a correctness requirement.
			s.logger.Warn("thread history unavailable",
				zap.String("conversation_id", msg.ConversationID), zap.Error(err))
			history = nil
		}
	}
	if s.guard.OwnerRepliedLast(history, settings.MailboxUser) {
		// The owner already answered; leave the message visible and move on
		// without classifying or logging.
		stats.Skipped++
		return messageOutcome{leaveUnread: true}, nil
	}

	rules, err := s.rules.ActiveRules(ctx, settings.UserID)
	if err != nil {
		return messageOutcome{}, err
	}
	templates, err := s.templates.Templates(ctx, settings.UserID)
	if err != nil {
		return messageOutcome{}, err
	}

	result, err := s.classifier.Classify(ctx, &ClassifyRequest{
		Rules:      rules,
		Templates:  templates,
		Message:    msg,
		ThreadText: history.Render(),
	})
	if err != nil {
		return messageOutcome{}, err
	}

	override := s.override.Apply(msg, result)

	outcome := messageOutcome{leaveUnread: override.LeaveUnread}
	if result.Action == ActionDraft {
		created, err := s.createDraft(ctx, settings, msg, result, override.ForcedDraft)
		if err != nil {
			return messageOutcome{}, err
		}
		if created {
			stats.Drafted++
			if !override.IsQuoteRequest {
				outcome.markRead = true
			}
		}
	}

	// The entry of record for this message; the duplicate-found entry inside
	// createDraft is supplementary and does not count the message twice.
	if s.appendEntry(ctx, settings, msg, &AuditEntry{
		Summary:  result.Summary,
		Action:   string(result.Action),
		Language: result.Language,
		Category: result.Category,
	}) {
		stats.Processed++
	}
	return outcome, nil
}

// createDraft re-checks the duplicate guard immediately before the append so
// a draft created since the first check (by a concurrent run or a human) is
// observed, then writes the draft. Reports whether a draft was created; a
// duplicate found here downgrades the action to NONE.
func (s *TriageService) createDraft(ctx context.Context, settings *ScanSettings, msg *Message, result *ClassificationResult, forced bool) (bool, error) {
	if verdict := s.guard.ExistingDraft(ctx, msg); verdict.Skip {
		s.appendEntry(ctx, settings, msg, &AuditEntry{
			Summary:  verdict.Summary,
			Action:   verdict.AuditAction,
			Language: result.Language,
			Category: result.Category,
		})
		result.Action = ActionNone
		return false, nil
	}

	if result.TemplateID > 0 {
		tpl, err := s.templates.TemplateByID(ctx, result.TemplateID)
		if err != nil {
			s.logger.Warn("template lookup failed, drafting without it",
				zap.Int64("template_id", result.TemplateID), zap.Error(err))
		}
		if tpl != nil {
			// Template text goes out verbatim, no sanitization.
			result.DraftText = tpl.FullText
		}
	} else if !forced {
		// Forced drafts are fixed text; only freely drafted replies are
		// sanitized.
		result.DraftText = SanitizeDraft(result.DraftText, settings.CompanyName)
	}

	err := s.gateway.CreateDraft(ctx, Draft{
		ReplyTo:    msg.ReplyAddress(),
		Subject:    "Re: " + msg.Subject,
		Body:       result.DraftText,
		InReplyTo:  msg.DirectReplyID,
		References: msg.DirectReplyID,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// appendEntry writes one audit record and reports whether it landed; a failed
// append is logged and swallowed so the mailbox side effects stay ahead of
// bookkeeping.
func (s *TriageService) appendEntry(ctx context.Context, settings *ScanSettings, msg *Message, entry *AuditEntry) bool {
	entry.Timestamp = s.now().UTC()
	entry.Sender = msg.Sender
	entry.Subject = msg.Subject
	entry.UserID = settings.UserID
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed", zap.Error(err))
		return false
	}
	return true
}

// flagBatch applies the accumulated read/unread flips. Both are best-effort;
// a failure is logged and treated as a no-op.
func (s *TriageService) flagBatch(ctx context.Context, markRead, markUnread []string) {
	if len(markRead) > 0 {
		if err := s.gateway.MarkRead(ctx, markRead); err != nil {
			s.logger.Warn("mark read failed", zap.Strings("ids", markRead), zap.Error(err))
		}
	}
	if len(markUnread) > 0 {
		if err := s.gateway.MarkUnread(ctx, markUnread); err != nil {
			s.logger.Warn("mark unread failed", zap.Strings("ids", markUnread), zap.Error(err))
		}
	}
}
