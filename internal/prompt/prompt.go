// Package prompt renders the classifier request text and parses the model's
// reply back into a strict result shape. All providers share this so the
// request format and the repair chain behave identically regardless of which
// model is behind the adapter.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
)

const (
	noRulesText     = "No additional rules configured; use sound professional judgment."
	noTemplatesText = "No templates configured; when no clear match exists, write a normal short draft."
	noExtrasText    = "No additional tasks or policies configured."
	noHistoryText   = "No thread history available."
)

// RenderRules formats the business-kind rules for the request, sorted by
// priority descending, then tag ascending, then rule id ascending, so the
// rendered text is reproducible for identical rule sets.
func RenderRules(rules []core.BusinessRule) string {
	type line struct {
		priority int
		tag      string
		id       int64
		text     string
	}
	var lines []line
	for _, r := range rules {
		if r.Kind != core.RuleBusiness {
			continue
		}
		prio := core.ClampPriority(r.Priority)
		text := fmt.Sprintf("[PRIORITY %d] %s: %s", prio, r.Key, r.Instruction)
		if tags := strings.TrimSpace(r.Tags); tags != "" {
			text = fmt.Sprintf("%s (Tags: %s)", text, tags)
		}
		lines = append(lines, line{
			priority: prio,
			tag:      strings.ToLower(strings.TrimSpace(r.Tags)),
			id:       r.ID,
			text:     text,
		})
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].priority != lines[j].priority {
			return lines[i].priority > lines[j].priority
		}
		if lines[i].tag != lines[j].tag {
			return lines[i].tag < lines[j].tag
		}
		return lines[i].id < lines[j].id
	})
	if len(lines) == 0 {
		return noRulesText
	}
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, l.text)
	}
	return strings.Join(parts, "\n\n")
}

// RenderSupplemental formats task and policy rules as a separate block; they
// do not participate in the main rule text.
func RenderSupplemental(rules []core.BusinessRule) string {
	var tasks, policies []string
	for _, r := range rules {
		text := fmt.Sprintf("[PRIORITY %d] %s: %s", core.ClampPriority(r.Priority), r.Key, r.Instruction)
		if tags := strings.TrimSpace(r.Tags); tags != "" {
			text = fmt.Sprintf("%s (Tags: %s)", text, tags)
		}
		switch r.Kind {
		case core.RuleTask:
			tasks = append(tasks, text)
		case core.RulePolicy:
			policies = append(policies, text)
		}
	}
	var blocks []string
	if len(tasks) > 0 {
		blocks = append(blocks, "ADDITIONAL TASKS:\n"+strings.Join(tasks, "\n"))
	}
	if len(policies) > 0 {
		blocks = append(blocks, "ADDITIONAL POLICIES:\n"+strings.Join(policies, "\n"))
	}
	if len(blocks) == 0 {
		return noExtrasText
	}
	return strings.Join(blocks, "\n\n")
}

// RenderTemplates formats the full template catalogue, id and title first so
// the model can select by identifier.
func RenderTemplates(templates []core.ResponseTemplate) string {
	if len(templates) == 0 {
		return noTemplatesText
	}
	parts := make([]string, 0, len(templates))
	for _, t := range templates {
		parts = append(parts, fmt.Sprintf("ID %d | TITLE: %s\nFULL_TEXT:\n%s\n---", t.ID, t.Title, t.FullText))
	}
	return strings.Join(parts, "\n")
}

// BuildTruncated renders the request with the message body capped at maxSize
// bytes. The truncation happens on a copy; the fetched message itself is
// never modified.
func BuildTruncated(req *core.ClassifyRequest, text *utils.TextProcessor, maxSize int) string {
	msg := *req.Message
	msg.Body = text.ProcessText(msg.Body, maxSize)
	capped := *req
	capped.Message = &msg
	return Build(&capped)
}

// Build assembles the full instruction text for one message.
func Build(req *core.ClassifyRequest) string {
	history := req.ThreadText
	if history == "" {
		history = noHistoryText
	}
	imageNote := ""
	if req.Message.Image != nil {
		imageNote = "\nAn image is attached; inspect it for machine plates, serials, part numbers or printed quotes.\n"
	}

	var b strings.Builder
	b.WriteString(`You are an expert inbox triage agent. Classify the email below and, when
appropriate, write a reply draft, following the user's business rules
strictly. The BUSINESS RULES always dominate: never decide on your own when a
rule limits or forbids something, and when in doubt between drafting or not,
choose NOT to draft ("action" = "NONE").

Always analyze everything available: the subject (even if empty or unclear),
the full body, the thread history and any attached image.

BUSINESS RULES:
`)
	b.WriteString(RenderRules(req.Rules))
	b.WriteString("\n\nAVAILABLE TEMPLATES (PRECONFIGURED REPLIES):\n")
	b.WriteString(RenderTemplates(req.Templates))
	b.WriteString("\n\nEMAIL RECEIVED:\n")
	fmt.Fprintf(&b, "- Sender: %s\n- Subject: %s\n- Body:\n%s\n", req.Message.Sender, req.Message.Subject, req.Message.Body)
	b.WriteString(imageNote)
	b.WriteString("\nTHREAD HISTORY (recent messages in the conversation):\n")
	b.WriteString(history)
	b.WriteString(`

TASKS:
1. Detect the email's main language.
2. Detect whether the sender is asking for a quote, and whether the email
   explicitly mentions a machine MODEL (e.g. "LOADER 544K", "450G"), a SERIAL
   (e.g. "1DW544KZHB0634507"), or a PART NUMBER (at least 7 alphanumeric
   characters, hyphens allowed, e.g. "5P-3856", "87682993"). A serial or part
   number is enough to quote even without the model; a model alone is not.
3. Decide the email type: an incomplete quote request (no serial or part
   number), a complete quote request, a general question, or an announcement
   (marketing, newsletters, promotions, seasonal campaigns).
4. Before drafting, check whether a TEMPLATE clearly matches the request by
   comparing title and full text against subject, body and history. Only pick
   a template on a clear match; otherwise leave "template_id" = 0. When a
   template is picked, copy its FULL_TEXT into "draft" verbatim.
5. For a complete quote request: "action" = "NONE", the user sends the quote
   in their own format. For an incomplete quote request with a clear missing
   item, draft one or two short sentences asking only for what is missing
   (normally the serial). For announcements: "action" = "NONE". For general
   questions: reply briefly (two or three sentences at most).
6. Assign a log category: "QUOTES" for any pricing or quotation request,
   "ANNOUNCEMENT" for campaigns and newsletters, "GENERAL" otherwise.
7. Reply in the email's language; summarize the email in Spanish. Be concrete,
   avoid filler, never introduce the company, and add no signatures; the
   mailbox already appends a footer.
`)
	b.WriteString(`
RETURN ONLY JSON, no extra text or formatting, with this structure:
{
"action": "DRAFT" | "NONE",
"language": "es" | "en" | "other",
"draft": "draft text, or empty when NONE",
"summary": "short summary in Spanish",
"template_id": 0 or the numeric id of the template used,
"category": "QUOTES" | "ANNOUNCEMENT" | "GENERAL"
}
`)
	text := b.String()
	// The supplementary rules slot in just ahead of the category task so they
	// read as part of the numbered instructions.
	return strings.Replace(text,
		"6. Assign a log category:",
		RenderSupplemental(req.Rules)+"\n\n6. Assign a log category:",
		1)
}
