package rules

import (
	"context"

	"github.com/inboxhq/mailcore/interfaces"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/models"
)

// noopRuleEngine is the default rule collaborator; real rule sets plug
// in behind the same interface.
type noopRuleEngine struct {
	log logger.Logger
}

func NewNoopRuleEngine(log logger.Logger) interfaces.RuleEngine {
	return &noopRuleEngine{log: log}
}

func (e *noopRuleEngine) EvaluateMessage(ctx context.Context, connector *models.Connector, message *models.Message, attachmentCount int) error {
	return nil
}
