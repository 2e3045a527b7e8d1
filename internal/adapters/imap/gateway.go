// Package imap implements the mailbox gateway on top of go-imap v2. One
// gateway holds one authenticated session; callers are expected to Close it
// when the scan is done.
package imap

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

const fallbackDraftsMailbox = "Drafts"

// Gateway is the IMAP-backed implementation of core.MailboxGateway.
type Gateway struct {
	host          string
	username      string
	password      string
	draftsMailbox string
	logger        *zap.Logger

	client *imapclient.Client
	// selected tracks the mailbox of the current SELECT to skip redundant
	// round trips.
	selected string
}

// NewGateway configures a gateway; the connection is established lazily on
// first use.
func NewGateway(host, username, password, draftsMailbox string, logger *zap.Logger) *Gateway {
	if draftsMailbox == "" {
		draftsMailbox = fallbackDraftsMailbox
	}
	return &Gateway{
		host:          host,
		username:      username,
		password:      password,
		draftsMailbox: draftsMailbox,
		logger:        logger,
	}
}

// ensureClient dials and authenticates on first use.
func (g *Gateway) ensureClient() (*imapclient.Client, error) {
	if g.client != nil {
		return g.client, nil
	}
	if g.username == "" || g.password == "" {
		return nil, &core.ConfigurationError{Field: "mailbox credentials"}
	}

	client, err := imapclient.DialTLS(g.host, nil)
	if err != nil {
		return nil, &core.TransportError{Op: "dial " + g.host, Err: err}
	}
	if err := client.Login(g.username, g.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &core.AuthError{
			System:  "imap",
			Message: fmt.Sprintf("login rejected for %s: %v", g.username, err),
		}
	}

	g.client = client
	g.selected = ""
	return client, nil
}

func (g *Gateway) selectMailbox(name string) (*imapclient.Client, error) {
	client, err := g.ensureClient()
	if err != nil {
		return nil, err
	}
	if g.selected == name {
		return client, nil
	}
	if _, err := client.Select(name, nil).Wait(); err != nil {
		return nil, &core.TransportError{Op: "select " + name, Err: err}
	}
	g.selected = name
	return client, nil
}

// Close logs out of the session. Safe to call on a gateway that never
// connected.
func (g *Gateway) Close() error {
	if g.client == nil {
		return nil
	}
	err := g.client.Logout().Wait()
	g.client = nil
	g.selected = ""
	return err
}

// ListUnseenIDs returns the UIDs of unread inbox messages received on or
// after since, oldest first, capped at maxTotal most recent.
func (g *Gateway) ListUnseenIDs(ctx context.Context, maxTotal int, since time.Time) ([]string, error) {
	client, err := g.selectMailbox("INBOX")
	if err != nil {
		return nil, err
	}

	criteria := &goimap.SearchCriteria{
		NotFlag: []goimap.Flag{goimap.FlagSeen},
	}
	if !since.IsZero() {
		criteria.Since = since
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &core.TransportError{Op: "search unseen", Err: err}
	}

	uids := data.AllUIDs()
	if maxTotal > 0 && len(uids) > maxTotal {
		uids = uids[len(uids)-maxTotal:]
	}
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// FetchMessages retrieves and parses the given inbox messages. Bodies are
// fetched with PEEK so the read state is untouched; flag changes happen only
// through MarkRead/MarkUnread. A message whose MIME cannot be parsed is
// degraded, never dropped.
func (g *Gateway) FetchMessages(ctx context.Context, ids []string) ([]core.Message, error) {
	client, err := g.selectMailbox("INBOX")
	if err != nil {
		return nil, err
	}
	uidSet, err := parseUIDSet(ids)
	if err != nil {
		return nil, err
	}

	bodySection := &goimap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(uidSet, &goimap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var messages []core.Message
	for {
		item := fetchCmd.Next()
		if item == nil {
			break
		}
		buf, err := item.Collect()
		if err != nil {
			g.logger.Warn("fetch item collect failed", zap.Error(err))
			continue
		}
		msg := BuildMessage(buf.UID, buf.Envelope, buf.FindBodySection(bodySection))
		messages = append(messages, msg)
	}
	if err := fetchCmd.Close(); err != nil {
		return messages, &core.TransportError{Op: "fetch messages", Err: err}
	}
	return messages, nil
}

// FetchThread returns up to limit prior messages of the conversation, oldest
// first. Membership is by Message-Id or References pointing at the
// conversation root.
func (g *Gateway) FetchThread(ctx context.Context, conversationID string, limit int) (core.ThreadHistory, error) {
	client, err := g.selectMailbox("INBOX")
	if err != nil {
		return nil, err
	}

	criteria := &goimap.SearchCriteria{
		Or: [][2]goimap.SearchCriteria{{
			{Header: []goimap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: conversationID}}},
			{Header: []goimap.SearchCriteriaHeaderField{{Key: "References", Value: conversationID}}},
		}},
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &core.TransportError{Op: "search thread", Err: err}
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &goimap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(goimap.UIDSetNum(uids...), &goimap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var history core.ThreadHistory
	for {
		item := fetchCmd.Next()
		if item == nil {
			break
		}
		buf, err := item.Collect()
		if err != nil {
			g.logger.Warn("thread fetch collect failed", zap.Error(err))
			continue
		}
		history = append(history, BuildThreadMessage(buf.Envelope, buf.FindBodySection(bodySection)))
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, &core.TransportError{Op: "fetch thread", Err: err}
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Date.Before(history[j].Date)
	})
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// MarkRead adds \Seen to the given inbox messages.
func (g *Gateway) MarkRead(ctx context.Context, ids []string) error {
	return g.storeSeen(ids, goimap.StoreFlagsAdd)
}

// MarkUnread removes \Seen from the given inbox messages.
func (g *Gateway) MarkUnread(ctx context.Context, ids []string) error {
	return g.storeSeen(ids, goimap.StoreFlagsDel)
}

func (g *Gateway) storeSeen(ids []string, op goimap.StoreFlagsOp) error {
	if len(ids) == 0 {
		return nil
	}
	client, err := g.selectMailbox("INBOX")
	if err != nil {
		return err
	}
	uidSet, err := parseUIDSet(ids)
	if err != nil {
		return err
	}
	storeCmd := client.Store(uidSet, &goimap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []goimap.Flag{goimap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return &core.TransportError{Op: "store seen flag", Err: err}
	}
	return nil
}

// CreateDraft appends a reply draft to the drafts mailbox. When the gateway
// has no credentials the call is a silent no-op; that only happens in
// dry-run setups and everything upstream still behaves as if the draft
// landed.
func (g *Gateway) CreateDraft(ctx context.Context, draft core.Draft) error {
	if g.username == "" || g.password == "" {
		g.logger.Info("no mailbox credentials, draft discarded",
			zap.String("reply_to", draft.ReplyTo))
		return nil
	}
	client, err := g.ensureClient()
	if err != nil {
		return err
	}

	raw, err := renderDraft(g.username, draft)
	if err != nil {
		return fmt.Errorf("rendering draft: %w", err)
	}

	if err := g.append(client, g.draftsMailbox, raw); err != nil {
		if g.draftsMailbox == fallbackDraftsMailbox {
			return err
		}
		g.logger.Warn("append to configured drafts mailbox failed, retrying fallback",
			zap.String("mailbox", g.draftsMailbox), zap.Error(err))
		return g.append(client, fallbackDraftsMailbox, raw)
	}
	return nil
}

func (g *Gateway) append(client *imapclient.Client, mailbox string, raw []byte) error {
	appendCmd := client.Append(mailbox, int64(len(raw)), &goimap.AppendOptions{
		Flags: []goimap.Flag{goimap.FlagDraft},
		Time:  time.Now(),
	})
	if _, err := appendCmd.Write(raw); err != nil {
		_ = appendCmd.Close()
		return &core.TransportError{Op: "append draft", Err: err}
	}
	if err := appendCmd.Close(); err != nil {
		return &core.TransportError{Op: "append draft", Err: err}
	}
	if _, err := appendCmd.Wait(); err != nil {
		return &core.TransportError{Op: "append draft", Err: err}
	}
	return nil
}

// DraftExistsForMessage reports whether the drafts mailbox holds a reply to
// the exact message. A failed drafts scan reads as "no draft": the cost of a
// rare duplicate is lower than silently dropping replies.
func (g *Gateway) DraftExistsForMessage(ctx context.Context, messageID string) (bool, error) {
	return g.draftSearch(&goimap.SearchCriteria{
		Header: []goimap.SearchCriteriaHeaderField{{Key: "In-Reply-To", Value: messageID}},
	})
}

// DraftExistsForConversation reports whether any draft references the
// conversation root.
func (g *Gateway) DraftExistsForConversation(ctx context.Context, conversationID string) (bool, error) {
	return g.draftSearch(&goimap.SearchCriteria{
		Or: [][2]goimap.SearchCriteria{{
			{Header: []goimap.SearchCriteriaHeaderField{{Key: "In-Reply-To", Value: conversationID}}},
			{Header: []goimap.SearchCriteriaHeaderField{{Key: "References", Value: conversationID}}},
		}},
	})
}

func (g *Gateway) draftSearch(criteria *goimap.SearchCriteria) (bool, error) {
	client, err := g.selectMailbox(g.draftsMailbox)
	if err != nil {
		if fatal := core.IsFatal(err); fatal {
			return false, err
		}
		g.logger.Warn("drafts mailbox unavailable, assuming no draft",
			zap.String("mailbox", g.draftsMailbox), zap.Error(err))
		return false, nil
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		g.logger.Warn("drafts search failed, assuming no draft", zap.Error(err))
		return false, nil
	}
	return len(data.AllUIDs()) > 0, nil
}

func parseUIDSet(ids []string) (goimap.UIDSet, error) {
	uids := make([]goimap.UID, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q: %w", id, err)
		}
		uids = append(uids, goimap.UID(n))
	}
	return goimap.UIDSetNum(uids...), nil
}

// renderDraft serializes the reply as an RFC 5322 message.
func renderDraft(from string, draft core.Draft) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", draft.ReplyTo)
	fmt.Fprintf(&buf, "Subject: %s\r\n", draft.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	if draft.InReplyTo != "" {
		fmt.Fprintf(&buf, "In-Reply-To: <%s>\r\n", draft.InReplyTo)
	}
	if draft.References != "" {
		fmt.Fprintf(&buf, "References: <%s>\r\n", draft.References)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(draft.Body)
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
