package notify

import (
	"fmt"

	"salonsync/internal/config"
	"salonsync/internal/domain"
	"salonsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier pushes terminal failures and detected conflicts to an
// operator chat. All methods are nil-safe so callers can pass an untyped
// nil when notifications are disabled.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

var _ domain.Notifier = (*TelegramNotifier)(nil)

// New returns nil (disabled) when the token or chat id is missing.
func New(cfg config.TelegramConfig, logger *zerolog.Logger) (*TelegramNotifier, error) {
	if cfg.BotToken == "" || cfg.OperatorChatID == 0 {
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:    bot,
		chatID: cfg.OperatorChatID,
		logger: logger.With().Str("component", "notify").Logger(),
	}, nil
}

func (n *TelegramNotifier) TransactionFailed(tx *models.QueuedTransaction) {
	if n == nil {
		return
	}
	errMsg := ""
	if tx.LastError != nil {
		errMsg = *tx.LastError
	}
	text := fmt.Sprintf("⚠️ Outbox transaction failed\n%s %s\nid: %s\nattempts: %d\nerror: %s",
		tx.Method, tx.Endpoint, tx.ID, tx.RetryCount, errMsg)
	n.send(text)
}

func (n *TelegramNotifier) EntityFailed(kind models.EntityKind, id string, errMsg string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf("⚠️ Sync failed for %s %s\nerror: %s", kind, id, errMsg)
	n.send(text)
}

func (n *TelegramNotifier) ConflictDetected(conflict *models.Conflict) {
	if n == nil {
		return
	}
	text := fmt.Sprintf("⚡️ Conflict detected for %s %s\nresolve it in the ops console (conflict #%d)",
		conflict.EntityType, conflict.EntityID, conflict.ID)
	n.send(text)
}

func (n *TelegramNotifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Warn().Err(err).Msg("failed to send operator notification")
	}
}
