package handler

import (
	"context"
	"strings"
	"sync"
	"time"

	tg "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"telegram-plan-bot/internal/completion"
	"telegram-plan-bot/internal/domain"
	"telegram-plan-bot/internal/entitlement"
	"telegram-plan-bot/internal/gate"
	"telegram-plan-bot/internal/logging"
	"telegram-plan-bot/internal/provision"
	"telegram-plan-bot/internal/quota"
	"telegram-plan-bot/internal/state"
)

// BotAPI is the subset of *tg.Bot the handler calls.
type BotAPI interface {
	SendMessage(ctx context.Context, params *tg.SendMessageParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *tg.SendPhotoParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *tg.EditMessageTextParams) (*models.Message, error)
	EditMessageCaption(ctx context.Context, params *tg.EditMessageCaptionParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *tg.AnswerCallbackQueryParams) (bool, error)
	GetFile(ctx context.Context, params *tg.GetFileParams) (*models.File, error)
	FileDownloadLink(file *models.File) string
	GetChat(ctx context.Context, params *tg.GetChatParams) (*models.ChatFullInfo, error)
	GetChatMember(ctx context.Context, params *tg.GetChatMemberParams) (*models.ChatMember, error)
}

// Completer produces a model reply.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// Config carries the handler's collaborators.
type Config struct {
	State       *state.State
	Engine      *entitlement.Engine
	Quota       *quota.Counter
	Flow        *provision.Workflow
	Gate        *gate.Gate
	AI          Completer
	Catalog     domain.Catalog
	PaymentCard string
}

// Handler routes Telegram updates.
type Handler struct {
	st      *state.State
	engine  *entitlement.Engine
	quota   *quota.Counter
	flow    *provision.Workflow
	gate    *gate.Gate
	ai      Completer
	catalog domain.Catalog
	card    string

	now   func() time.Time
	locks userLocks
}

// New builds a Handler.
func New(c Config) *Handler {
	return &Handler{
		st:      c.State,
		engine:  c.Engine,
		quota:   c.Quota,
		flow:    c.Flow,
		gate:    c.Gate,
		ai:      c.AI,
		catalog: c.Catalog,
		card:    c.PaymentCard,
		now:     time.Now,
	}
}

// HandleUpdate processes a Telegram update.
func (h *Handler) HandleUpdate(ctx context.Context, b BotAPI, upd *models.Update) {
	ctx = logging.Context(ctx)

	if cq := upd.CallbackQuery; cq != nil {
		ctx = logging.WithUser(ctx, cq.From.ID)
		logging.Ctx(ctx).Info().Str("event", "telegram_callback").Str("data", cq.Data).Msg("button pressed")
		if d := h.gate.Authorize(ctx, cq.From.ID); !d.Admitted {
			answer(ctx, b, cq, txtJoinFirst, true)
			if m := cq.Message.Message; m != nil {
				h.sendJoin(ctx, b, m.Chat.ID, d.JoinChannels)
			}
			return
		}
		h.handleCallback(ctx, b, cq)
		return
	}

	msg := upd.Message
	if msg == nil || msg.From == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	ctx = logging.WithUser(ctx, userID)
	log := logging.Ctx(ctx)
	log.Info().Str("event", "telegram_request").Int64("chat_id", chatID).Bool("photo", len(msg.Photo) > 0).
		Str("snippet", logging.Snippet(msg.Text+msg.Caption, 30)).Msg("incoming message")

	if d := h.gate.Authorize(ctx, userID); !d.Admitted {
		h.sendJoin(ctx, b, chatID, d.JoinChannels)
		return
	}

	if cmd, _, ok := parseCommand(msg); ok {
		switch cmd {
		case "start":
			h.flow.Cancel(userID)
			v := h.mainMenu(userID)
			send(ctx, b, chatID, v.text, v.kb)
			return
		case "cancel":
			h.flow.Cancel(userID)
			send(ctx, b, chatID, txtCancelled, nil)
			return
		}
	}

	switch step := h.flow.Session(userID).(type) {
	case provision.AwaitingReceipt:
		h.handleReceipt(ctx, b, msg)
		return
	case nil, provision.SelectingModels, provision.EditingPlan:
	default:
		if msg.Text != "" && h.engine.IsAdmin(userID) {
			h.handleAdminInput(ctx, b, msg, step)
			return
		}
	}

	h.handleChat(ctx, b, msg)
}

func parseCommand(msg *models.Message) (cmd, args string, ok bool) {
	if msg.Text == "" {
		return "", "", false
	}
	for _, e := range msg.Entities {
		if e.Type == models.MessageEntityTypeBotCommand && e.Offset == 0 {
			cmd = strings.TrimPrefix(msg.Text[:e.Length], "/")
			// "/start@MyBot" addresses a specific bot in groups.
			cmd, _, _ = strings.Cut(cmd, "@")
			args = strings.TrimSpace(msg.Text[e.Length:])
			return cmd, args, true
		}
	}
	return "", "", false
}

func keyboard(kb [][]models.InlineKeyboardButton) models.ReplyMarkup {
	if kb == nil {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: kb}
}

func send(ctx context.Context, b BotAPI, chatID int64, text string, kb [][]models.InlineKeyboardButton) *models.Message {
	m, err := b.SendMessage(ctx, &tg.SendMessageParams{ChatID: chatID, Text: text, ReplyMarkup: keyboard(kb)})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Int64("chat_id", chatID).Msg("send message failed")
	}
	return m
}

func reply(ctx context.Context, b BotAPI, msg *models.Message, text string, kb [][]models.InlineKeyboardButton) *models.Message {
	m, err := b.SendMessage(ctx, &tg.SendMessageParams{
		ChatID:          msg.Chat.ID,
		Text:            text,
		ReplyParameters: &models.ReplyParameters{MessageID: msg.ID},
		ReplyMarkup:     keyboard(kb),
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("reply failed")
	}
	return m
}

// safeEdit replaces a message's text. "message is not modified" is not an
// error; anything else is logged and dropped.
func safeEdit(ctx context.Context, b BotAPI, chatID int64, messageID int, text string, kb [][]models.InlineKeyboardButton) {
	_, err := b.EditMessageText(ctx, &tg.EditMessageTextParams{
		ChatID:      chatID,
		MessageID:   messageID,
		Text:        text,
		ReplyMarkup: keyboard(kb),
	})
	if err != nil && !isNotModified(err) {
		logging.Ctx(ctx).Warn().Err(err).Int64("chat_id", chatID).Int("message_id", messageID).Msg("edit message failed")
	}
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func answer(ctx context.Context, b BotAPI, cq *models.CallbackQuery, text string, alert bool) {
	if _, err := b.AnswerCallbackQuery(ctx, &tg.AnswerCallbackQueryParams{CallbackQueryID: cq.ID, Text: text, ShowAlert: alert}); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("answer callback failed")
	}
}

// splitMessage cuts s into chunks of at most n runes.
func splitMessage(s string, n int) []string {
	r := []rune(s)
	if len(r) == 0 {
		return []string{""}
	}
	var parts []string
	for len(r) > n {
		parts = append(parts, string(r[:n]))
		r = r[n:]
	}
	return append(parts, string(r))
}

// userLocks serializes the completion and accounting path per user.
type userLocks struct {
	m sync.Map
}

func (l *userLocks) lock(userID int64) func() {
	v, _ := l.m.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
