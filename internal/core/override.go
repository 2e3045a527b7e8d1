package core

import (
	"regexp"
	"strings"
)

// SerialRequestDraft is the fixed reply forced onto under-specified quote
// requests. Quote requests must never be silently dropped.
const SerialRequestDraft = "Muy buenas tardes Estimad@,\n" +
	"Para cotizarle, por favor envíe el serial o número de pieza de la máquina."

var (
	quoteKeywords = []string{"cotiz", "presupuesto", "quote", "quotation", "pricing", "estimate", "precio"}
	brandTokens   = []string{"caterpillar", "cat", "john deere", "komatsu", "hitachi", "volvo", "case", "tcm"}

	// Model designations like "450G" or "LOADER 544K"; matched on uppercased text.
	modelShortRe = regexp.MustCompile(`\b\d{2,4}[A-Z]\b`)
	modelLongRe  = regexp.MustCompile(`\b[A-Z]{3,}\s?\d{2,4}[A-Z]?\b`)

	// A valid part number has at least 7 alphanumerics, optionally hyphenated.
	partNumberHyphenRe = regexp.MustCompile(`\b[0-9A-Z]{1,5}-[0-9A-Z]{3,}\b`)
	partNumberPlainRe  = regexp.MustCompile(`\b[0-9A-Z]{7,}\b`)
	serialRe           = regexp.MustCompile(`\b[0-9A-Z\-]{10,}\b`)

	marketingTailRe = regexp.MustCompile(`(?i)\b(somos|empresa|proveedores|integrales|estamos listos)\b.*`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// messageSignals are the deterministic text signals the override rules key on.
type messageSignals struct {
	quoteKeywords bool
	priceInBody   bool
	brand         bool
	model         bool
	partNumber    bool
	serial        bool
	hasImage      bool
	politeModel   bool
}

func detectSignals(msg *Message) messageSignals {
	subjLower := strings.ToLower(msg.Subject)
	bodyLower := strings.ToLower(msg.Body)
	subjUpper := strings.ToUpper(msg.Subject)
	bodyUpper := strings.ToUpper(msg.Body)

	var s messageSignals
	for _, kw := range quoteKeywords {
		if strings.Contains(subjLower, kw) || strings.Contains(bodyLower, kw) {
			s.quoteKeywords = true
			break
		}
	}
	s.priceInBody = strings.Contains(bodyLower, "cotiz") || strings.Contains(bodyLower, "precio")
	for _, brand := range brandTokens {
		if strings.Contains(subjLower, brand) || strings.Contains(bodyLower, brand) {
			s.brand = true
			break
		}
	}
	s.model = modelShortRe.MatchString(subjUpper) || modelShortRe.MatchString(bodyUpper) ||
		modelLongRe.MatchString(subjUpper) || modelLongRe.MatchString(bodyUpper)
	// Part numbers and serials are matched against the original casing; after
	// uppercasing, any long ordinary word would pass for one.
	s.partNumber = partNumberHyphenRe.MatchString(msg.Subject) || partNumberHyphenRe.MatchString(msg.Body) ||
		partNumberPlainRe.MatchString(msg.Subject) || partNumberPlainRe.MatchString(msg.Body)
	s.serial = serialRe.MatchString(msg.Subject) || serialRe.MatchString(msg.Body)
	s.hasImage = msg.Image != nil && len(msg.Image.Data) > 0
	s.politeModel = strings.Contains(subjLower, "favor") && s.model
	return s
}

// OverrideOutcome reports what the engine decided beyond mutating the result.
type OverrideOutcome struct {
	// IsQuoteRequest means the message was flagged as a quote request and must
	// stay unread for human review.
	IsQuoteRequest bool
	// LeaveUnread means the message must remain unread after processing.
	LeaveUnread bool
	// ForcedDraft means the engine forced the serial-request draft against the
	// classifier's NONE verdict.
	ForcedDraft bool
	// Rule names which override rule fired, empty when none did.
	Rule string
}

// overrideRule is one predicate→effect entry of the decision table.
type overrideRule struct {
	name    string
	applies func(sig messageSignals, res *ClassificationResult) bool
	apply   func(sig messageSignals, res *ClassificationResult, out *OverrideOutcome)
}

// OverrideEngine is the deterministic second pass applied after
// classification. The classifier's judgment is never allowed to violate hard
// business invariants, so rules here can force or cancel a draft regardless of
// its verdict. Rules are evaluated in order and the first match wins; the
// quote override takes precedence over the announcement override.
type OverrideEngine struct {
	rules []overrideRule
}

func NewOverrideEngine() *OverrideEngine {
	return &OverrideEngine{
		rules: []overrideRule{
			{
				name: "quote-request",
				applies: func(sig messageSignals, res *ClassificationResult) bool {
					return res.Category == CategoryQuotes ||
						sig.quoteKeywords ||
						(sig.hasImage && sig.priceInBody) ||
						(sig.brand && sig.model) ||
						sig.politeModel
				},
				apply: func(sig messageSignals, res *ClassificationResult, out *OverrideOutcome) {
					res.Category = CategoryQuotes
					out.IsQuoteRequest = true
					out.LeaveUnread = true
					// An under-specified quote (no serial, no part number) still
					// gets a reply asking for the missing identifier, even when
					// the classifier chose not to draft.
					if res.Action != ActionDraft && !sig.partNumber && !sig.serial &&
						(sig.model || sig.hasImage || sig.brand) {
						res.Action = ActionDraft
						res.DraftText = SerialRequestDraft
						out.ForcedDraft = true
					}
				},
			},
			{
				name: "announcement",
				applies: func(sig messageSignals, res *ClassificationResult) bool {
					return res.Category == CategoryAnnouncement
				},
				apply: func(sig messageSignals, res *ClassificationResult, out *OverrideOutcome) {
					// Promotional mail is never drafted.
					res.Action = ActionNone
					res.DraftText = ""
					out.LeaveUnread = true
				},
			},
		},
	}
}

// Apply runs the decision table against a classified message, mutating the
// result in place.
func (e *OverrideEngine) Apply(msg *Message, res *ClassificationResult) OverrideOutcome {
	sig := detectSignals(msg)
	var out OverrideOutcome
	for _, rule := range e.rules {
		if rule.applies(sig, res) {
			out.Rule = rule.name
			rule.apply(sig, res, &out)
			break
		}
	}
	return out
}

// SanitizeDraft cleans a freshly drafted (non-template) reply: the operator's
// company name is removed, anything from a self-referential marketing phrase
// onwards is cut, whitespace is collapsed, and the text is capped at two
// sentences. Template-sourced text never goes through here.
func SanitizeDraft(text, companyName string) string {
	t := strings.TrimSpace(text)
	if name := strings.TrimSpace(companyName); name != "" {
		companyRe := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		t = companyRe.ReplaceAllString(t, "")
	}
	t = marketingTailRe.ReplaceAllString(t, "")
	t = strings.TrimSpace(whitespaceRe.ReplaceAllString(t, " "))
	if sentences := splitSentences(t); len(sentences) > 2 {
		t = strings.TrimSpace(strings.Join(sentences[:2], " "))
	}
	return t
}

// splitSentences splits after terminal punctuation followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		if (runes[i] == '.' || runes[i] == '!' || runes[i] == '?') &&
			(runes[i+1] == ' ' || runes[i+1] == '\t' || runes[i+1] == '\n') {
			sentences = append(sentences, strings.TrimSpace(string(runes[start:i+1])))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}
