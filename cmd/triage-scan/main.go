// triage-scan runs a single triage pass from the command line, ignoring the
// agent-active toggle. Useful for cron-less setups and for trying out rule
// changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/factory"
	"github.com/mikey/mail-triage/internal/logging"
	"github.com/mikey/mail-triage/internal/utils"
)

var (
	// LLM provider flags
	provider = flag.String("provider", "", "LLM provider (gemini, openai, bedrock)")
	apiKey   = flag.String("api-key", "", "API key for the LLM provider")

	// Mailbox flags
	mailboxHost = flag.String("mailbox-host", "", "IMAP host:port")
	mailboxUser = flag.String("mailbox-user", "", "IMAP username")
	mailboxPass = flag.String("mailbox-password", "", "IMAP password")

	// Scan flags
	userID      = flag.Int64("user", 0, "User id whose rules and templates apply")
	batchSize   = flag.Int("batch-size", 0, "Messages per batch")
	maxMessages = flag.Int("max-messages", 0, "Maximum messages to consider")

	verbose = flag.Bool("verbose", false, "Enable verbose logging")
	jsonLog = flag.Bool("json-log", false, "Output logs in JSON format")
)

func main() {
	flag.Parse()

	// Initialize logger
	logger, err := logging.InitConsoleLogger(*verbose, *jsonLog)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.New()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	applyFlags(cfg)

	text := utils.NewTextProcessor(logger)

	// Initialize store
	store, err := factory.NewStoreFactory(cfg, logger).CreateStore()
	if err != nil {
		logger.Fatal("Failed to create store", zap.Error(err))
	}

	ctx := context.Background()
	settings, err := store.UserSettings(ctx, cfg.GetScan().UserID)
	if err != nil {
		logger.Fatal("Failed to load scan settings", zap.Error(err))
	}
	mergeConfig(settings, cfg)

	// Initialize mailbox gateway
	gateway := factory.NewGatewayFactory(cfg, logger).
		CreateGateway(settings.MailboxUser, settings.MailboxPassword)

	// Initialize classifier
	classifier, err := factory.NewLLMFactory(cfg, logger, text).
		CreateClassifier(settings.ClassifierAPIKey)
	if err != nil {
		logger.Fatal("Failed to create classifier", zap.Error(err))
	}

	service := core.NewTriageService(gateway, classifier, store, store, store, logger)

	processed, err := service.Scan(ctx, settings)
	if err != nil {
		logger.Error("Scan failed", zap.Int("processed", processed), zap.Error(err))
		closeAll(logger, gateway, classifier, store)
		os.Exit(1)
	}

	fmt.Printf("Processed %d messages\n", processed)
	closeAll(logger, gateway, classifier, store)
}

// applyFlags overlays non-empty command line flags onto the configuration
func applyFlags(cfg *config.Config) {
	v := cfg.GetViper()
	if *provider != "" {
		v.Set("llm.provider", *provider)
	}
	if *apiKey != "" {
		v.Set(cfg.GetLLM().Provider+".api_key", *apiKey)
	}
	if *mailboxHost != "" {
		v.Set("mailbox.host", *mailboxHost)
	}
	if *mailboxUser != "" {
		v.Set("mailbox.username", *mailboxUser)
	}
	if *mailboxPass != "" {
		v.Set("mailbox.password", *mailboxPass)
	}
	if *userID > 0 {
		v.Set("scan.user_id", *userID)
	}
	if *batchSize > 0 {
		v.Set("scan.batch_size", *batchSize)
	}
	if *maxMessages > 0 {
		v.Set("scan.max_messages", *maxMessages)
	}
}

// mergeConfig fills settings fields the store left empty from the config file
func mergeConfig(settings *core.ScanSettings, cfg *config.Config) {
	mailbox := cfg.GetMailbox()
	scan := cfg.GetScan()
	if settings.MailboxUser == "" {
		settings.MailboxUser = mailbox.Username
	}
	if settings.MailboxPassword == "" {
		settings.MailboxPassword = mailbox.Password
	}
	if settings.ClassifierAPIKey == "" {
		switch cfg.GetLLM().Provider {
		case "gemini":
			settings.ClassifierAPIKey = cfg.GetGemini().APIKey
		case "openai":
			settings.ClassifierAPIKey = cfg.GetOpenAI().APIKey
		case "bedrock":
			settings.ClassifierAPIKey = "aws"
		}
	}
	if *batchSize > 0 {
		settings.BatchSize = *batchSize
	}
	if *maxMessages > 0 {
		settings.MaxMessages = *maxMessages
	}
	settings.CompanyName = scan.CompanyName
	settings.ThreadLimit = mailbox.ThreadLimit
	settings.Normalize()
}

func closeAll(logger *zap.Logger, gateway core.MailboxGateway, classifier core.Classifier, store core.TriageStore) {
	if closer, ok := gateway.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close mailbox gateway", zap.Error(err))
		}
	}
	if closer, ok := classifier.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close classifier", zap.Error(err))
		}
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close store", zap.Error(err))
		}
	}
}
