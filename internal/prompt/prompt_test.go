package prompt

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
)

func TestRenderRulesOrdersByPriorityThenTagThenID(t *testing.T) {
	rules := []core.BusinessRule{
		{ID: 3, Key: "tone", Instruction: "Keep replies formal", Priority: 2, Kind: core.RuleBusiness, Tags: "style"},
		{ID: 1, Key: "quotes", Instruction: "Never send prices", Priority: 5, Kind: core.RuleBusiness, Tags: "sales"},
		{ID: 2, Key: "archive", Instruction: "Archive newsletters", Priority: 5, Kind: core.RuleBusiness, Tags: "inbox"},
	}

	got := RenderRules(rules)

	posQuotes := strings.Index(got, "quotes:")
	posArchive := strings.Index(got, "archive:")
	posTone := strings.Index(got, "tone:")
	if posArchive < 0 || posQuotes < 0 || posTone < 0 {
		t.Fatalf("missing rules in output:\n%s", got)
	}
	// Same priority sorts by tag: inbox before sales.
	if !(posArchive < posQuotes && posQuotes < posTone) {
		t.Errorf("wrong order:\n%s", got)
	}
	if !strings.Contains(got, "[PRIORITY 5] quotes: Never send prices (Tags: sales)") {
		t.Errorf("unexpected rule formatting:\n%s", got)
	}
}

func TestRenderRulesIsDeterministic(t *testing.T) {
	rules := []core.BusinessRule{
		{ID: 2, Key: "b", Instruction: "two", Priority: 3, Kind: core.RuleBusiness},
		{ID: 1, Key: "a", Instruction: "one", Priority: 3, Kind: core.RuleBusiness},
	}
	first := RenderRules(rules)
	for i := 0; i < 10; i++ {
		if got := RenderRules(rules); got != first {
			t.Fatalf("rendering not deterministic:\n%s\nvs\n%s", first, got)
		}
	}
}

func TestRenderRulesClampsOutOfRangePriorities(t *testing.T) {
	rules := []core.BusinessRule{
		{ID: 1, Key: "high", Instruction: "x", Priority: 99, Kind: core.RuleBusiness},
		{ID: 2, Key: "low", Instruction: "y", Priority: -4, Kind: core.RuleBusiness},
		{ID: 3, Key: "unset", Instruction: "z", Priority: 0, Kind: core.RuleBusiness},
	}
	got := RenderRules(rules)
	if !strings.Contains(got, "[PRIORITY 5] high") {
		t.Errorf("priority 99 not clamped to 5:\n%s", got)
	}
	if !strings.Contains(got, "[PRIORITY 1] low") {
		t.Errorf("priority -4 not clamped to 1:\n%s", got)
	}
	if !strings.Contains(got, "[PRIORITY 3] unset") {
		t.Errorf("priority 0 not defaulted to 3:\n%s", got)
	}
}

func TestRenderRulesSkipsNonBusinessKinds(t *testing.T) {
	rules := []core.BusinessRule{
		{ID: 1, Key: "task", Instruction: "do later", Kind: core.RuleTask},
		{ID: 2, Key: "policy", Instruction: "policy text", Kind: core.RulePolicy},
	}
	if got := RenderRules(rules); got != noRulesText {
		t.Errorf("RenderRules = %q, want fallback text", got)
	}
}

func TestRenderSupplementalSplitsTasksAndPolicies(t *testing.T) {
	rules := []core.BusinessRule{
		{ID: 1, Key: "t", Instruction: "a task", Kind: core.RuleTask},
		{ID: 2, Key: "p", Instruction: "a policy", Kind: core.RulePolicy},
	}
	got := RenderSupplemental(rules)
	if !strings.Contains(got, "ADDITIONAL TASKS:") || !strings.Contains(got, "ADDITIONAL POLICIES:") {
		t.Errorf("missing blocks:\n%s", got)
	}
}

func TestRenderTemplatesEmptyFallback(t *testing.T) {
	if got := RenderTemplates(nil); got != noTemplatesText {
		t.Errorf("RenderTemplates(nil) = %q", got)
	}
}

func TestBuildContainsMessageAndContract(t *testing.T) {
	req := &core.ClassifyRequest{
		Message: &core.Message{
			Sender:  "Alice <alice@example.com>",
			Subject: "Hello",
			Body:    "How much is shipping?",
		},
		ThreadText: "- bob@example.com · Hello: earlier question",
	}
	got := Build(req)
	for _, want := range []string{
		"Alice <alice@example.com>",
		"How much is shipping?",
		"earlier question",
		`"action": "DRAFT" | "NONE"`,
		`"category": "QUOTES" | "ANNOUNCEMENT" | "GENERAL"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("request text missing %q", want)
		}
	}
}

func TestBuildMentionsImageOnlyWhenPresent(t *testing.T) {
	req := &core.ClassifyRequest{Message: &core.Message{Subject: "s", Body: "b"}}
	if strings.Contains(Build(req), "image is attached") {
		t.Error("image note present without an image")
	}
	req.Message.Image = &core.Attachment{MIMEType: "image/png", Data: []byte{1}}
	if !strings.Contains(Build(req), "image is attached") {
		t.Error("image note missing with an image")
	}
}

func TestBuildTruncatedLeavesMessageUntouched(t *testing.T) {
	longBody := strings.Repeat("palabras y más palabras. ", 100)
	req := &core.ClassifyRequest{
		Message: &core.Message{Sender: "Alice", Subject: "s", Body: longBody},
	}

	got := BuildTruncated(req, utils.NewTextProcessor(zap.NewNop()), 128)

	if !strings.Contains(got, "content truncated") {
		t.Error("request text missing truncation marker")
	}
	if req.Message.Body != longBody {
		t.Errorf("message body was mutated, len = %d, want %d", len(req.Message.Body), len(longBody))
	}
}

func TestParseResultStrictJSON(t *testing.T) {
	res := ParseResult(`{"action":"DRAFT","language":"es","draft":"Hola","summary":"saludo","template_id":3,"category":"GENERAL"}`)
	if res.Action != core.ActionDraft {
		t.Errorf("action = %q", res.Action)
	}
	if res.TemplateID != 3 {
		t.Errorf("template id = %d", res.TemplateID)
	}
	if res.Category != core.CategoryGeneral {
		t.Errorf("category = %q", res.Category)
	}
}

func TestParseResultExtractsJSONFromProse(t *testing.T) {
	text := "Sure! Here is the result:\n```json\n{\"action\":\"NONE\",\"language\":\"en\",\"draft\":\"\",\"summary\":\"spam\",\"template_id\":0,\"category\":\"ANNOUNCEMENT\"}\n```\nLet me know if you need more."
	res := ParseResult(text)
	if res.Action != core.ActionNone {
		t.Errorf("action = %q", res.Action)
	}
	if res.Category != core.CategoryAnnouncement {
		t.Errorf("category = %q", res.Category)
	}
}

func TestParseResultRepairsSmartQuotes(t *testing.T) {
	text := `{“action”: “DRAFT”, “language”: “en”, “draft”: “Hi”, “summary”: “greeting”, “template_id”: 0, “category”: “GENERAL”}`
	res := ParseResult(text)
	if res.Action != core.ActionDraft {
		t.Errorf("action = %q, smart quotes not repaired", res.Action)
	}
	if res.DraftText != "Hi" {
		t.Errorf("draft = %q", res.DraftText)
	}
}

func TestParseResultGarbageYieldsSafeDefault(t *testing.T) {
	for _, text := range []string{"", "total nonsense", "{broken json"} {
		res := ParseResult(text)
		if res.Action != core.ActionNone {
			t.Errorf("ParseResult(%q).Action = %q, want NONE", text, res.Action)
		}
		if res.DraftText != "" {
			t.Errorf("ParseResult(%q).DraftText = %q, want empty", text, res.DraftText)
		}
		if res.Category != core.CategoryGeneral {
			t.Errorf("ParseResult(%q).Category = %q, want GENERAL", text, res.Category)
		}
	}
}

func TestParseResultUnrecognizedCategoryReadsAsUnknown(t *testing.T) {
	// A parseable reply with a label outside the contract keeps no category;
	// only a total parse failure defaults to GENERAL.
	for _, text := range []string{
		`{"action":"NONE","language":"en","draft":"","summary":"s","template_id":0,"category":"SPAM"}`,
		`{"action":"NONE","language":"en","draft":"","summary":"s","template_id":0,"category":""}`,
		"null",
	} {
		res := ParseResult(text)
		if res.Category != core.CategoryUnknown {
			t.Errorf("ParseResult(%q).Category = %q, want empty", text, res.Category)
		}
	}
}

func TestParseResultNormalizesLooseFields(t *testing.T) {
	res := ParseResult(`{"action":"draft","language":"","draft":"x","summary":"s","template_id":"7","category":"quotes"}`)
	if res.Action != core.ActionDraft {
		t.Errorf("lowercase action not normalized: %q", res.Action)
	}
	if res.Language != "unknown" {
		t.Errorf("empty language = %q, want unknown", res.Language)
	}
	if res.TemplateID != 7 {
		t.Errorf("string template id = %d, want 7", res.TemplateID)
	}
	if res.Category != core.CategoryQuotes {
		t.Errorf("lowercase category not normalized: %q", res.Category)
	}
}

func TestParseResultNegativeTemplateIDReadsAsUnset(t *testing.T) {
	res := ParseResult(`{"action":"NONE","language":"en","draft":"","summary":"s","template_id":-2,"category":"GENERAL"}`)
	if res.TemplateID != 0 {
		t.Errorf("template id = %d, want 0", res.TemplateID)
	}
}
