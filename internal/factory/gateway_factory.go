package factory

import (
	"go.uber.org/zap"

	imapadapter "github.com/mikey/mail-triage/internal/adapters/imap"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
)

// GatewayFactory creates mailbox gateways
type GatewayFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewGatewayFactory creates a new gateway factory
func NewGatewayFactory(cfg *config.Config, logger *zap.Logger) *GatewayFactory {
	return &GatewayFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateGateway creates a gateway for the configured host. Per-user mailbox
// credentials override the configured ones when supplied.
func (f *GatewayFactory) CreateGateway(username, password string) core.MailboxGateway {
	mailbox := f.cfg.GetMailbox()
	if username == "" {
		username = mailbox.Username
	}
	if password == "" {
		password = mailbox.Password
	}
	return imapadapter.NewGateway(mailbox.Host, username, password, mailbox.Drafts, f.logger)
}
