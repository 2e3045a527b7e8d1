package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// MySQLStore is a MySQL implementation of the TriageStore interface
type MySQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMySQLStore opens the database and creates the schema if needed. The DSN
// must carry parseTime=true so TIMESTAMP columns scan into time.Time.
func NewMySQLStore(dsn string, logger *zap.Logger) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			rule_key VARCHAR(255) NOT NULL,
			instruction TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			priority INT NOT NULL DEFAULT 3,
			kind VARCHAR(32) NOT NULL DEFAULT 'business',
			tags VARCHAR(255) NOT NULL DEFAULT '',
			is_primary BOOLEAN NOT NULL DEFAULT FALSE,
			INDEX idx_rules_user (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			full_text TEXT NOT NULL,
			user_id BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			logged_at TIMESTAMP NOT NULL,
			sender VARCHAR(512) NOT NULL,
			subject VARCHAR(1024) NOT NULL,
			summary TEXT NOT NULL,
			action VARCHAR(64) NOT NULL,
			language VARCHAR(16) NOT NULL,
			category VARCHAR(32) NOT NULL,
			user_id BIGINT NOT NULL,
			INDEX idx_audit_user_time (user_id, logged_at)
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id BIGINT PRIMARY KEY,
			mailbox_user VARCHAR(255) NOT NULL DEFAULT '',
			mailbox_password VARCHAR(255) NOT NULL DEFAULT '',
			classifier_api_key VARCHAR(255) NOT NULL DEFAULT '',
			scan_batch INT NOT NULL DEFAULT 10,
			scan_max INT NOT NULL DEFAULT 100,
			agent_active BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &MySQLStore{db: db, logger: logger}, nil
}

// Close closes the database
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// ActiveRules returns all rules for a user
func (s *MySQLStore) ActiveRules(ctx context.Context, userID int64) ([]core.BusinessRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_key, instruction, priority, kind, tags, is_primary
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
func (s *MySQLStore) SaveRule(ctx context.Context, userID int64, rule *core.BusinessRule) error {
	if rule.Priority == 0 {
		rule.Priority = core.InferPriority(rule.Instruction)
	}
	rule.Priority = core.ClampPriority(rule.Priority)
	if rule.Kind == "" {
		rule.Kind = core.RuleBusiness
	}

	if rule.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO rules (rule_key, instruction, user_id, priority, kind, tags, is_primary)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rule.Key, rule.Instruction, userID, rule.Priority, string(rule.Kind), rule.Tags, rule.IsPrimary)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		rule.ID, _ = res.LastInsertId()
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE rules SET rule_key = ?, instruction = ?, priority = ?, kind = ?, tags = ?, is_primary = ?
		WHERE id = ? AND user_id = ?
	`, rule.Key, rule.Instruction, rule.Priority, string(rule.Kind), rule.Tags, rule.IsPrimary, rule.ID, userID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

// Templates returns all templates for a user
func (s *MySQLStore) Templates(ctx context.Context, userID int64) ([]core.ResponseTemplate, error) {
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
func (s *MySQLStore) TemplateByID(ctx context.Context, id int64) (*core.ResponseTemplate, error) {
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
func (s *MySQLStore) UserSettings(ctx context.Context, userID int64) (*core.ScanSettings, error) {
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
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query user settings: %w", err)
	}
	settings.Normalize()
	return settings, nil
}

// Append writes one audit entry
func (s *MySQLStore) Append(ctx context.Context, entry *core.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (logged_at, sender, subject, summary, action, language, category, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Timestamp, entry.Sender, entry.Subject, entry.Summary,
		entry.Action, entry.Language, string(entry.Category), entry.UserID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent returns audit entries newest first, with the total matching count
func (s *MySQLStore) Recent(ctx context.Context, userID int64, limit, offset int, category core.Category, action string) ([]core.AuditEntry, int, error) {
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
		var category string
		if err := rows.Scan(&e.Timestamp, &e.Sender, &e.Subject, &e.Summary, &e.Action, &e.Language, &category, &e.UserID); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Category = core.Category(category)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// DraftCountSince counts DRAFT entries for a user since a point in time
func (s *MySQLStore) DraftCountSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log WHERE user_id = ? AND action = ? AND logged_at >= ?
	`, userID, string(core.ActionDraft), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count drafts: %w", err)
	}
	return count, nil
}
