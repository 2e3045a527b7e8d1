package store

import (
	"context"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/core"
)

// MemoryStore is an in-memory implementation of the TriageStore interface,
// used in tests and throwaway setups.
type MemoryStore struct {
	mu       sync.RWMutex
	rules    []core.BusinessRule
	ruleUser map[int64]int64 // rule id -> user id
	templs   []core.ResponseTemplate
	tplUser  map[int64]int64
	settings map[int64]*core.ScanSettings
	entries  []core.AuditEntry
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ruleUser: make(map[int64]int64),
		tplUser:  make(map[int64]int64),
		settings: make(map[int64]*core.ScanSettings),
		nextID:   1,
	}
}

// ActiveRules returns all rules for a user
func (s *MemoryStore) ActiveRules(ctx context.Context, userID int64) ([]core.BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []core.BusinessRule
	for _, r := range s.rules {
		if s.ruleUser[r.ID] == userID {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// SaveRule inserts or updates a rule, inferring an unset priority
func (s *MemoryStore) SaveRule(ctx context.Context, userID int64, rule *core.BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.Priority == 0 {
		rule.Priority = core.InferPriority(rule.Instruction)
	}
	rule.Priority = core.ClampPriority(rule.Priority)
	if rule.Kind == "" {
		rule.Kind = core.RuleBusiness
	}
	if rule.ID == 0 {
		rule.ID = s.nextID
		s.nextID++
		s.rules = append(s.rules, *rule)
		s.ruleUser[rule.ID] = userID
		return nil
	}
	for i := range s.rules {
		if s.rules[i].ID == rule.ID && s.ruleUser[rule.ID] == userID {
			s.rules[i] = *rule
			return nil
		}
	}
	s.rules = append(s.rules, *rule)
	s.ruleUser[rule.ID] = userID
	return nil
}

// AddTemplate registers a template for a user
func (s *MemoryStore) AddTemplate(userID int64, tpl core.ResponseTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tpl.ID == 0 {
		tpl.ID = s.nextID
		s.nextID++
	}
	s.templs = append(s.templs, tpl)
	s.tplUser[tpl.ID] = userID
}

// Templates returns all templates for a user
func (s *MemoryStore) Templates(ctx context.Context, userID int64) ([]core.ResponseTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var templates []core.ResponseTemplate
	for _, t := range s.templs {
		if s.tplUser[t.ID] == userID {
			templates = append(templates, t)
		}
	}
	return templates, nil
}

// TemplateByID returns one template, or nil when it does not exist
func (s *MemoryStore) TemplateByID(ctx context.Context, id int64) (*core.ResponseTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.templs {
		if t.ID == id {
			tpl := t
			return &tpl, nil
		}
	}
	return nil, nil
}

// PutSettings stores the scan settings for a user
func (s *MemoryStore) PutSettings(settings *core.ScanSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *settings
	s.settings[settings.UserID] = &copied
}

// UserSettings returns the scan settings for a user, defaults when absent
func (s *MemoryStore) UserSettings(ctx context.Context, userID int64) (*core.ScanSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if stored, ok := s.settings[userID]; ok {
		copied := *stored
		copied.Normalize()
		return &copied, nil
	}
	settings := &core.ScanSettings{UserID: userID}
	settings.Normalize()
	return settings, nil
}

// Append writes one audit entry
func (s *MemoryStore) Append(ctx context.Context, entry *core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

// Recent returns audit entries newest first, with the total matching count
func (s *MemoryStore) Recent(ctx context.Context, userID int64, limit, offset int, category core.Category, action string) ([]core.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []core.AuditEntry
	// entries are appended in time order; walk backwards for newest first
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.UserID != userID {
			continue
		}
		if category != "" && e.Category != category {
			continue
		}
		if action != "" && e.Action != action {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// DraftCountSince counts DRAFT entries for a user since a point in time
func (s *MemoryStore) DraftCountSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.entries {
		if e.UserID == userID && e.Action == string(core.ActionDraft) && !e.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}
