package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// mockGateway is a scripted MailboxGateway for orchestrator tests.
type mockGateway struct {
	unseen            []string
	messages          map[string]Message
	threads           map[string]ThreadHistory
	conversationDraft map[string]bool
	messageDraft      map[string]bool

	listErr  error
	fetchErr error

	created    []Draft
	markedRead []string
	markedUnrd []string
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		messages:          make(map[string]Message),
		threads:           make(map[string]ThreadHistory),
		conversationDraft: make(map[string]bool),
		messageDraft:      make(map[string]bool),
	}
}

func (g *mockGateway) ListUnseenIDs(ctx context.Context, maxTotal int, since time.Time) ([]string, error) {
	if g.listErr != nil {
		return nil, g.listErr
	}
	ids := g.unseen
	if maxTotal > 0 && len(ids) > maxTotal {
		ids = ids[len(ids)-maxTotal:]
	}
	return ids, nil
}

func (g *mockGateway) FetchMessages(ctx context.Context, ids []string) ([]Message, error) {
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	var out []Message
	for _, id := range ids {
		if m, ok := g.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (g *mockGateway) FetchThread(ctx context.Context, conversationID string, limit int) (ThreadHistory, error) {
	return g.threads[conversationID], nil
}

func (g *mockGateway) MarkRead(ctx context.Context, ids []string) error {
	g.markedRead = append(g.markedRead, ids...)
	return nil
}

func (g *mockGateway) MarkUnread(ctx context.Context, ids []string) error {
	g.markedUnrd = append(g.markedUnrd, ids...)
	return nil
}

func (g *mockGateway) CreateDraft(ctx context.Context, draft Draft) error {
	g.created = append(g.created, draft)
	return nil
}

func (g *mockGateway) DraftExistsForMessage(ctx context.Context, messageID string) (bool, error) {
	return g.messageDraft[messageID], nil
}

func (g *mockGateway) DraftExistsForConversation(ctx context.Context, conversationID string) (bool, error) {
	return g.conversationDraft[conversationID], nil
}

// mockClassifier returns a fixed result and counts invocations.
type mockClassifier struct {
	result ClassificationResult
	err    error
	calls  int
}

func (c *mockClassifier) Classify(ctx context.Context, req *ClassifyRequest) (*ClassificationResult, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	res := c.result
	return &res, nil
}

// mockStore implements the read-side store ports plus the audit log.
type mockStore struct {
	rules     []BusinessRule
	templates []ResponseTemplate
	entries   []AuditEntry
	appendErr error
}

func (s *mockStore) ActiveRules(ctx context.Context, userID int64) ([]BusinessRule, error) {
	return s.rules, nil
}

func (s *mockStore) Templates(ctx context.Context, userID int64) ([]ResponseTemplate, error) {
	return s.templates, nil
}

func (s *mockStore) TemplateByID(ctx context.Context, id int64) (*ResponseTemplate, error) {
	for _, t := range s.templates {
		if t.ID == id {
			tpl := t
			return &tpl, nil
		}
	}
	return nil, nil
}

func (s *mockStore) Append(ctx context.Context, entry *AuditEntry) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func newTestService(g *mockGateway, c Classifier, st *mockStore) *TriageService {
	svc := NewTriageService(g, c, st, st, st, zap.NewNop())
	svc.now = func() time.Time {
		// A Wednesday, so the scan window is just the current day.
		return time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)
	}
	return svc
}

func testSettings() *ScanSettings {
	return &ScanSettings{
		UserID:           1,
		MailboxUser:      "owner@example.com",
		MailboxPassword:  "secret",
		ClassifierAPIKey: "key",
	}
}

func TestScanMissingAPIKeyIsConfigurationError(t *testing.T) {
	svc := newTestService(newMockGateway(), &mockClassifier{}, &mockStore{})
	settings := testSettings()
	settings.ClassifierAPIKey = ""

	processed, err := svc.Scan(context.Background(), settings)

	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigurationError", err)
	}
}

func TestScanDraftsReplyAndMarksRead(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"7"}
	g.messages["7"] = Message{
		ID:            "7",
		DirectReplyID: "msg-7@example.com",
		Sender:        "Alice",
		SenderAddress: "alice@example.com",
		Subject:       "Question about hours",
		Body:          "What are your opening hours?",
	}
	c := &mockClassifier{result: ClassificationResult{
		Action:   ActionDraft,
		Language: "en",
		DraftText: "We are open Monday to Friday. " +
			"Let me know if you need anything else.",
		Summary:  "Pregunta por horario",
		Category: CategoryGeneral,
	}}
	st := &mockStore{}
	svc := newTestService(g, c, st)

	processed, err := svc.Scan(context.Background(), testSettings())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if len(g.created) != 1 {
		t.Fatalf("created drafts = %d, want 1", len(g.created))
	}
	draft := g.created[0]
	if draft.ReplyTo != "alice@example.com" {
		t.Errorf("draft.ReplyTo = %q", draft.ReplyTo)
	}
	if draft.Subject != "Re: Question about hours" {
		t.Errorf("draft.Subject = %q", draft.Subject)
	}
	if draft.InReplyTo != "msg-7@example.com" {
		t.Errorf("draft.InReplyTo = %q", draft.InReplyTo)
	}
	if len(g.markedRead) != 1 || g.markedRead[0] != "7" {
		t.Errorf("markedRead = %v, want [7]", g.markedRead)
	}
	if len(st.entries) != 1 || st.entries[0].Action != string(ActionDraft) {
		t.Errorf("entries = %+v, want one DRAFT entry", st.entries)
	}
}

func TestScanSkipsWhenConversationDraftExists(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"9"}
	g.messages["9"] = Message{
		ID:             "9",
		ConversationID: "root@example.com",
		DirectReplyID:  "msg-9@example.com",
		Sender:         "Bob",
		Subject:        "Re: pending",
		Body:           "Any update?",
	}
	g.conversationDraft["root@example.com"] = true
	c := &mockClassifier{}
	st := &mockStore{}
	svc := newTestService(g, c, st)

	processed, err := svc.Scan(context.Background(), testSettings())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if c.calls != 0 {
		t.Errorf("classifier called %d times, want 0", c.calls)
	}
	if len(g.created) != 0 {
		t.Errorf("created drafts = %d, want 0", len(g.created))
	}
	if len(st.entries) != 1 || st.entries[0].Action != AuditSkippedThreadDraft {
		t.Fatalf("entries = %+v, want one %s entry", st.entries, AuditSkippedThreadDraft)
	}
	if len(g.markedUnrd) != 1 || g.markedUnrd[0] != "9" {
		t.Errorf("markedUnread = %v, want [9]", g.markedUnrd)
	}
}

func TestScanSkipsWhenMessageDraftExists(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"4"}
	g.messages["4"] = Message{
		ID:            "4",
		DirectReplyID: "msg-4@example.com",
		Sender:        "Carol",
		Subject:       "Ping",
		Body:          "Ping",
	}
	g.messageDraft["msg-4@example.com"] = true
	st := &mockStore{}
	svc := newTestService(g, &mockClassifier{}, st)

	if _, err := svc.Scan(context.Background(), testSettings()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(st.entries) != 1 || st.entries[0].Action != AuditSkippedMessageDraft {
		t.Fatalf("entries = %+v, want one %s entry", st.entries, AuditSkippedMessageDraft)
	}
}

func TestScanSkipsSilentlyWhenOwnerRepliedLast(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"5"}
	g.messages["5"] = Message{
		ID:             "5",
		ConversationID: "thread@example.com",
		DirectReplyID:  "msg-5@example.com",
		Sender:         "Dave",
		Subject:        "Re: order",
		Body:           "Thanks!",
	}
	g.threads["thread@example.com"] = ThreadHistory{
		{From: "dave@example.com", Body: "Where is my order?"},
		{From: "Owner <owner@example.com>", Body: "It ships tomorrow."},
	}
	c := &mockClassifier{}
	st := &mockStore{}
	svc := newTestService(g, c, st)

	processed, err := svc.Scan(context.Background(), testSettings())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
	if c.calls != 0 {
		t.Errorf("classifier called %d times, want 0", c.calls)
	}
	if len(st.entries) != 0 {
		t.Errorf("entries = %+v, want none", st.entries)
	}
	if len(g.markedUnrd) != 1 || g.markedUnrd[0] != "5" {
		t.Errorf("markedUnread = %v, want [5]", g.markedUnrd)
	}
}

func TestScanUsesTemplateVerbatim(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"3"}
	g.messages["3"] = Message{
		ID:            "3",
		DirectReplyID: "msg-3@example.com",
		Sender:        "Eve",
		SenderAddress: "eve@example.com",
		Subject:       "Catálogo",
		Body:          "¿Me comparten su catálogo?",
	}
	templateText := "Somos la empresa líder. Adjuntamos el catálogo. Saludos cordiales. Gracias."
	st := &mockStore{templates: []ResponseTemplate{{ID: 12, Title: "Catálogo", FullText: templateText}}}
	c := &mockClassifier{result: ClassificationResult{
		Action:     ActionDraft,
		Language:   "es",
		DraftText:  templateText,
		Summary:    "Pide catálogo",
		TemplateID: 12,
		Category:   CategoryGeneral,
	}}
	svc := newTestService(g, c, st)

	if _, err := svc.Scan(context.Background(), testSettings()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(g.created) != 1 {
		t.Fatalf("created drafts = %d, want 1", len(g.created))
	}
	// Template text must bypass sanitization entirely.
	if g.created[0].Body != templateText {
		t.Errorf("draft body = %q, want template verbatim", g.created[0].Body)
	}
}

func TestScanContinuesAfterMessageFailure(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"1", "2"}
	g.messages["1"] = Message{ID: "1", DirectReplyID: "a@x", Sender: "A", Subject: "first", Body: "boom"}
	g.messages["2"] = Message{ID: "2", DirectReplyID: "b@x", Sender: "B", Subject: "second", Body: "fine"}

	c := &failOnceClassifier{}
	st := &mockStore{}
	svc := newTestService(g, c, st)

	processed, err := svc.Scan(context.Background(), testSettings())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if processed != 2 {
		t.Errorf("processed = %d, want 2 (error entry plus normal entry)", processed)
	}
	if len(st.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(st.entries))
	}
	if st.entries[0].Action != AuditProcessingError {
		t.Errorf("first entry action = %q, want %q", st.entries[0].Action, AuditProcessingError)
	}
	if st.entries[1].Action != string(ActionNone) {
		t.Errorf("second entry action = %q, want %q", st.entries[1].Action, ActionNone)
	}
}

func TestScanAbortsOnAuthError(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"1", "2"}
	g.messages["1"] = Message{ID: "1", DirectReplyID: "a@x", Sender: "A", Subject: "s", Body: "b"}
	g.messages["2"] = Message{ID: "2", DirectReplyID: "b@x", Sender: "B", Subject: "s", Body: "b"}

	c := &mockClassifier{err: &AuthError{System: "gemini", Message: "bad key"}}
	st := &mockStore{}
	svc := newTestService(g, c, st)

	_, err := svc.Scan(context.Background(), testSettings())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if c.calls != 1 {
		t.Errorf("classifier called %d times, want 1 (abort after first)", c.calls)
	}
}

// failOnceClassifier fails its first call and succeeds afterwards.
type failOnceClassifier struct {
	calls int
}

func (c *failOnceClassifier) Classify(ctx context.Context, req *ClassifyRequest) (*ClassificationResult, error) {
	c.calls++
	if c.calls == 1 {
		return nil, &TransportError{Op: "classify", Err: errors.New("timeout")}
	}
	return &ClassificationResult{
		Action:   ActionNone,
		Language: "en",
		Summary:  "ok",
		Category: CategoryGeneral,
	}, nil
}

func TestScanAnnouncementDraftIsCancelled(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"6"}
	g.messages["6"] = Message{
		ID:            "6",
		DirectReplyID: "msg-6@example.com",
		Sender:        "Promo Desk",
		SenderAddress: "promo@example.com",
		Subject:       "Summer savings inside",
		Body:          "Our seasonal newsletter is here.",
	}
	// The classifier wrongly wants to reply to a campaign mail.
	c := &mockClassifier{result: ClassificationResult{
		Action:    ActionDraft,
		Language:  "en",
		DraftText: "Thanks, we love newsletters!",
		Summary:   "Campaña de temporada",
		Category:  CategoryAnnouncement,
	}}
	st := &mockStore{}
	svc := newTestService(g, c, st)

	processed, err := svc.Scan(context.Background(), testSettings())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if len(g.created) != 0 {
		t.Fatalf("created drafts = %d, want 0 for announcements", len(g.created))
	}
	if len(g.markedRead) != 0 {
		t.Errorf("markedRead = %v, want none", g.markedRead)
	}
	if len(g.markedUnrd) != 1 || g.markedUnrd[0] != "6" {
		t.Errorf("markedUnread = %v, want [6]", g.markedUnrd)
	}
	if len(st.entries) != 1 || st.entries[0].Action != string(ActionNone) {
		t.Fatalf("entries = %+v, want one NONE entry", st.entries)
	}
}

func TestScanQuoteDraftStaysUnread(t *testing.T) {
	g := newMockGateway()
	g.unseen = []string{"8"}
	g.messages["8"] = Message{
		ID:            "8",
		DirectReplyID: "msg-8@example.com",
		Sender:        "Frank",
		SenderAddress: "frank@example.com",
		Subject:       "Cotización 450G",
		Body:          "Necesito precio del caterpillar 450G.",
	}
	c := &mockClassifier{result: ClassificationResult{
		Action:   ActionNone,
		Language: "es",
		Summary:  "Pide cotización",
		Category: CategoryQuotes,
	}}
	st := &mockStore{}
	svc := newTestService(g, c, st)

	if _, err := svc.Scan(context.Background(), testSettings()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(g.created) != 1 {
		t.Fatalf("created drafts = %d, want 1 (forced serial request)", len(g.created))
	}
	if g.created[0].Body != SerialRequestDraft {
		t.Errorf("draft body = %q, want fixed serial request", g.created[0].Body)
	}
	if len(g.markedRead) != 0 {
		t.Errorf("markedRead = %v, want none for quote requests", g.markedRead)
	}
	if len(g.markedUnrd) != 1 {
		t.Errorf("markedUnread = %v, want [8]", g.markedUnrd)
	}
}
