package prompt

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
)

// rawResult is the wire shape the model is asked to return. template_id is
// typed loosely because models sometimes return it as a string or a float.
type rawResult struct {
	Action     string      `json:"action"`
	Language   string      `json:"language"`
	Draft      string      `json:"draft"`
	Summary    string      `json:"summary"`
	TemplateID interface{} `json:"template_id"`
	Category   string      `json:"category"`
}

var jsonObjectRe = regexp.MustCompile(`\{[\s\S]*\}`)

var smartQuoteReplacer = strings.NewReplacer(
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"‘", "'",
	"’", "'",
)

// ParseResult turns raw model output into a classification result. Models
// ignore output-format instructions often enough that three attempts are made:
// strict unmarshal, extracting the first {...} block out of surrounding prose,
// and re-trying after normalizing smart quotes. When all fail the result is a
// safe no-action default rather than an error, so one garbled reply never
// aborts a scan.
func ParseResult(text string) *core.ClassificationResult {
	candidates := []string{strings.TrimSpace(text)}
	if m := jsonObjectRe.FindString(text); m != "" {
		candidates = append(candidates, m, smartQuoteReplacer.Replace(m))
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		var raw rawResult
		if err := json.Unmarshal([]byte(c), &raw); err == nil {
			return normalize(&raw)
		}
	}

	return &core.ClassificationResult{
		Action:   core.ActionNone,
		Language: "unknown",
		Summary:  "Could not interpret the classifier response",
		Category: core.CategoryGeneral,
	}
}

func normalize(raw *rawResult) *core.ClassificationResult {
	res := &core.ClassificationResult{
		Language:   strings.TrimSpace(raw.Language),
		DraftText:  raw.Draft,
		Summary:    strings.TrimSpace(raw.Summary),
		TemplateID: coerceID(raw.TemplateID),
	}
	if res.Language == "" {
		res.Language = "unknown"
	}

	switch strings.ToUpper(strings.TrimSpace(raw.Action)) {
	case string(core.ActionDraft):
		res.Action = core.ActionDraft
	default:
		res.Action = core.ActionNone
	}

	// Only the three known labels survive; anything else reads as unknown, not
	// as GENERAL, so downstream can tell "no category" from "classified as
	// general".
	switch core.Category(strings.ToUpper(strings.TrimSpace(raw.Category))) {
	case core.CategoryQuotes:
		res.Category = core.CategoryQuotes
	case core.CategoryAnnouncement:
		res.Category = core.CategoryAnnouncement
	case core.CategoryGeneral:
		res.Category = core.CategoryGeneral
	default:
		res.Category = core.CategoryUnknown
	}
	return res
}

// coerceID accepts the template id as a number, numeric string, or anything
// else (treated as unset). Negative ids read as unset.
func coerceID(v interface{}) int64 {
	var id int64
	switch n := v.(type) {
	case float64:
		id = int64(n)
	case json.Number:
		id, _ = n.Int64()
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0
		}
		id = parsed
	default:
		return 0
	}
	if id < 0 {
		return 0
	}
	return id
}
