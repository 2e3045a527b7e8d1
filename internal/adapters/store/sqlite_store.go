// Package store provides the persistence adapters behind core.TriageStore:
// SQLite for single-node deployments, MySQL for shared ones, and an in-memory
// variant for tests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// SQLiteStore is a SQLite implementation of the TriageStore interface
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens the database and creates the schema if needed
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			instruction TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			priority INTEGER NOT NULL DEFAULT 3,
			kind TEXT NOT NULL DEFAULT 'business',
			tags TEXT NOT NULL DEFAULT '',
			is_primary BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			full_text TEXT NOT NULL,
			user_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			logged_at TIMESTAMP NOT NULL,
			sender TEXT NOT NULL,
			subject TEXT NOT NULL,
			summary TEXT NOT NULL,
			action TEXT NOT NULL,
			language TEXT NOT NULL,
			category TEXT NOT NULL,
			user_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id INTEGER PRIMARY KEY,
			mailbox_user TEXT NOT NULL DEFAULT '',
			mailbox_password TEXT NOT NULL DEFAULT '',
			classifier_api_key TEXT NOT NULL DEFAULT '',
			scan_batch INTEGER NOT NULL DEFAULT 10,
			scan_max INTEGER NOT NULL DEFAULT 100,
			agent_active BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user_time ON audit_log(user_id, logged_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_user ON rules(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ActiveRules returns all rules for a user
func (s *SQLiteStore) ActiveRules(ctx context.Context, userID int64) ([]core.BusinessRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, instruction, priority, kind, tags, is_primary
		FROM rules WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []core.BusinessRule
	for rows.Next() {
		var r core.BusinessRule
		var kind string
		if err := rows.Scan(&r.ID, &r.Key, &r.Instruction, &r.Priority, &kind, &r.Tags, &r.IsPrimary); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Kind = core.RuleKind(kind)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveRule inserts or updates a rule, inferring an unset priority
func (s *SQLiteStore) SaveRule(ctx context.Context, userID int64, rule *core.BusinessRule) error {
	if rule.Priority == 0 {
		rule.Priority = core.InferPriority(rule.Instruction)
	}
	rule.Priority = core.ClampPriority(rule.Priority)
	if rule.Kind == "" {
		rule.Kind = core.RuleBusiness
	}

	if rule.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO rules (key, instruction, user_id, priority, kind, tags, is_primary)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rule.Key, rule.Instruction, userID, rule.Priority, string(rule.Kind), rule.Tags, rule.IsPrimary)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		rule.ID, _ = res.LastInsertId()
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE rules SET key = ?, instruction = ?, priority = ?, kind = ?, tags = ?, is_primary = ?
		WHERE id = ? AND user_id = ?
	`, rule.Key, rule.Instruction, rule.Priority, string(rule.Kind), rule.Tags, rule.IsPrimary, rule.ID, userID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

// Templates returns all templates for a user
func (s *SQLiteStore) Templates(ctx context.Context, userID int64) ([]core.ResponseTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, full_text FROM templates WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []core.ResponseTemplate
	for rows.Next() {
		var t core.ResponseTemplate
		if err := rows.Scan(&t.ID, &t.Title, &t.FullText); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// TemplateByID returns one template, or nil when it does not exist
func (s *SQLiteStore) TemplateByID(ctx context.Context, id int64) (*core.ResponseTemplate, error) {
	var t core.ResponseTemplate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, full_text FROM templates WHERE id = ?
	`, id).Scan(&t.ID, &t.Title, &t.FullText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query template: %w", err)
	}
	return &t, nil
}

// UserSettings returns the scan settings for a user, defaults when absent
func (s *SQLiteStore) UserSettings(ctx context.Context, userID int64) (*core.ScanSettings, error) {
	settings := &core.ScanSettings{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT mailbox_user, mailbox_password, classifier_api_key, scan_batch, scan_max, agent_active
		FROM user_settings WHERE user_id = ?
	`, userID).Scan(
		&settings.MailboxUser,
		&settings.MailboxPassword,
		&settings.ClassifierAPIKey,
		&settings.BatchSize,
		&settings.MaxMessages,
		&settings.AgentActive,
	)
	if err == sql.ErrNoRows {
		settings.Normalize()
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user settings: %w", err)
	}
	settings.Normalize()
	return settings, nil
}

// Append writes one audit entry
func (s *SQLiteStore) Append(ctx context.Context, entry *core.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (logged_at, sender, subject, summary, action, language, category, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Timestamp.Format(time.RFC3339), entry.Sender, entry.Subject, entry.Summary,
		entry.Action, entry.Language, string(entry.Category), entry.UserID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent returns audit entries newest first, with the total matching count
func (s *SQLiteStore) Recent(ctx context.Context, userID int64, limit, offset int, category core.Category, action string) ([]core.AuditEntry, int, error) {
	where := "user_id = ?"
	args := []interface{}{userID}
	if category != "" {
		where += " AND category = ?"
		args = append(args, string(category))
	}
	if action != "" {
		where += " AND action = ?"
		args = append(args, action)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	query := "SELECT logged_at, sender, subject, summary, action, language, category, user_id FROM audit_log WHERE " +
		where + " ORDER BY logged_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		var loggedAt, category string
		if err := rows.Scan(&loggedAt, &e.Sender, &e.Subject, &e.Summary, &e.Action, &e.Language, &category, &e.UserID); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, loggedAt); err == nil {
			e.Timestamp = ts
		}
		e.Category = core.Category(category)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// DraftCountSince counts DRAFT entries for a user since a point in time
func (s *SQLiteStore) DraftCountSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log WHERE user_id = ? AND action = ? AND logged_at >= ?
	`, userID, string(core.ActionDraft), since.Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count drafts: %w", err)
	}
	return count, nil
}
