package core

import "strings"

// ClampPriority normalizes a rule priority into [1,5]; zero (unset) defaults
// to 3.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return 3
	case p < 1:
		return 1
	case p > 5:
		return 5
	}
	return p
}

var priorityKeywords = []struct {
	priority int
	keywords []string
}{
	{5, []string{"cotiz", "presupuesto", "quote", "quotation", "pricing", "estimate", "no redact", "no respond", "bloquear borrador", "no crear borrador", "crítica"}},
	{4, []string{"archivar", "no accionable", "spam", "plantilla obligatoria", "usar plantilla", "usar respuesta"}},
	{2, []string{"tono", "estilo", "formal", "cortesía", "idioma"}},
}

// InferPriority derives a priority for a rule created without one, based on
// keywords in its instruction text. Quoting and draft-blocking policies rank
// highest, tone and style adjustments lowest, everything else is standard.
func InferPriority(instruction string) int {
	text := strings.ToLower(instruction)
	for _, group := range priorityKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(text, kw) {
				return group.priority
			}
		}
	}
	return 3
}
