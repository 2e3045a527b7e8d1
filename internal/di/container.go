package di

import (
	"context"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/factory"
	"github.com/mikey/mail-triage/internal/logging"
	"github.com/mikey/mail-triage/internal/scheduler"
	"github.com/mikey/mail-triage/internal/utils"
)

// mergedSettings layers static configuration under the per-user settings row:
// anything the store leaves empty falls back to the config file. The pipeline
// only ever sees the merged view.
type mergedSettings struct {
	store core.SettingsStore
	cfg   *config.Config
}

func (m *mergedSettings) UserSettings(ctx context.Context, userID int64) (*core.ScanSettings, error) {
	settings, err := m.store.UserSettings(ctx, userID)
	if err != nil {
		return nil, err
	}

	mailbox := m.cfg.GetMailbox()
	scan := m.cfg.GetScan()
	if settings.MailboxUser == "" {
		settings.MailboxUser = mailbox.Username
	}
	if settings.MailboxPassword == "" {
		settings.MailboxPassword = mailbox.Password
	}
	if settings.ClassifierAPIKey == "" {
		switch m.cfg.GetLLM().Provider {
		case "gemini":
			settings.ClassifierAPIKey = m.cfg.GetGemini().APIKey
		case "openai":
			settings.ClassifierAPIKey = m.cfg.GetOpenAI().APIKey
		case "bedrock":
			// Bedrock authenticates through the AWS credential chain; the key
			// only has to be non-empty to pass validation.
			settings.ClassifierAPIKey = "aws"
		}
	}
	settings.CompanyName = scan.CompanyName
	settings.ThreadLimit = mailbox.ThreadLimit
	settings.Normalize()
	return settings, nil
}

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register text processor
	if err := container.Provide(utils.NewTextProcessor); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewLLMFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewGatewayFactory); err != nil {
		return nil, err
	}

	// Register triage store and its narrowed interfaces
	if err := container.Provide(func(f *factory.StoreFactory) (core.TriageStore, error) {
		return f.CreateStore()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(s core.TriageStore) core.RuleStore { return s }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(s core.TriageStore) core.TemplateStore { return s }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(s core.TriageStore) core.AuditLog { return s }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(s core.TriageStore, cfg *config.Config) core.SettingsStore {
		return &mergedSettings{store: s, cfg: cfg}
	}); err != nil {
		return nil, err
	}

	// Register scan settings, resolved once at startup for wiring the
	// credentialed adapters; the scheduler re-reads them per tick.
	if err := container.Provide(func(settings core.SettingsStore, cfg *config.Config) (*core.ScanSettings, error) {
		return settings.UserSettings(context.Background(), cfg.GetScan().UserID)
	}); err != nil {
		return nil, err
	}

	// Register mailbox gateway
	if err := container.Provide(func(f *factory.GatewayFactory, s *core.ScanSettings) core.MailboxGateway {
		return f.CreateGateway(s.MailboxUser, s.MailboxPassword)
	}); err != nil {
		return nil, err
	}

	// Register classifier
	if err := container.Provide(func(f *factory.LLMFactory, s *core.ScanSettings) (core.Classifier, error) {
		return f.CreateClassifier(s.ClassifierAPIKey)
	}); err != nil {
		return nil, err
	}

	// Register triage service
	if err := container.Provide(core.NewTriageService); err != nil {
		return nil, err
	}

	// Register scheduler
	if err := container.Provide(func(
		svc *core.TriageService,
		settings core.SettingsStore,
		cfg *config.Config,
		logger *zap.Logger,
	) *scheduler.Scheduler {
		return scheduler.NewScheduler(svc, settings, cfg.GetScan().UserID, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
